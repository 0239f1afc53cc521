package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"signal-trading-bot/config"
)

// Redis key layout for mirrored runtime state.
const (
	orderKeyPrefix   = "trader:order"
	orderIndexKey    = "trader:orders:index"
	guardKeyPrefix   = "trader:guard"
	guardIndexKey    = "trader:guards:index"
	threadKeyPrefix  = "trader:thread"
	threadIndexKey   = "trader:threads:index"
	protectKeyPrefix = "trader:protect_pending"
	protectIndexKey  = "trader:protect_pending:index"

	// Orders and guards rarely live longer than hours; the generous TTL
	// covers crashed-and-forgotten records.
	mirrorTTL = 7 * 24 * time.Hour

	mirrorOpTimeout = 500 * time.Millisecond
)

// RedisMirror persists tracked orders and local guards so a restart can
// recover them. When Redis is down the mirror goes dormant instead of
// blocking the lifecycle path; the in-memory Store stays authoritative.
type RedisMirror struct {
	client    *redis.Client
	log       zerolog.Logger
	available atomic.Bool
}

// NewRedisMirror connects to Redis. Returns nil when the mirror is disabled
// in config; callers treat a nil mirror as "no persistence".
func NewRedisMirror(cfg config.RedisConfig, logger zerolog.Logger) *RedisMirror {
	if !cfg.Enabled {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	m := &RedisMirror{
		client: client,
		log:    logger.With().Str("component", "state_mirror").Logger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		m.log.Warn().Err(err).Msg("Redis unavailable at startup, state mirror dormant")
		m.available.Store(false)
	} else {
		m.log.Info().Str("addr", cfg.Address).Msg("Redis state mirror connected")
		m.available.Store(true)
	}
	return m
}

// Available reports whether the mirror is currently writing through.
func (m *RedisMirror) Available() bool {
	return m != nil && m.available.Load()
}

// CheckConnection pings Redis and restores availability after an outage.
func (m *RedisMirror) CheckConnection(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("state mirror disabled")
	}
	if err := m.client.Ping(ctx).Err(); err != nil {
		m.available.Store(false)
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if !m.available.Swap(true) {
		m.log.Info().Msg("Redis state mirror recovered")
	}
	return nil
}

func orderKey(clientOrderID string) string {
	return fmt.Sprintf("%s:%s", orderKeyPrefix, clientOrderID)
}

func guardKey(clientOrderID string) string {
	return fmt.Sprintf("%s:%s", guardKeyPrefix, clientOrderID)
}

func threadKey(id string) string {
	return fmt.Sprintf("%s:%s", threadKeyPrefix, id)
}

func protectKey(symbol string) string {
	return fmt.Sprintf("%s:%s", protectKeyPrefix, symbol)
}

// SaveOrder writes one tracked order through to Redis.
func (m *RedisMirror) SaveOrder(rec OrderRecord) {
	if !m.Available() || rec.ClientOrderID == "" {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		m.log.Error().Err(err).Str("client_order_id", rec.ClientOrderID).Msg("Failed to marshal order for mirror")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
	defer cancel()

	pipe := m.client.TxPipeline()
	pipe.Set(ctx, orderKey(rec.ClientOrderID), data, mirrorTTL)
	pipe.SAdd(ctx, orderIndexKey, rec.ClientOrderID)
	pipe.Expire(ctx, orderIndexKey, mirrorTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		m.available.Store(false)
		m.log.Warn().Err(err).Msg("Redis write failed, state mirror dormant")
	}
}

// DeleteOrder removes one tracked order from Redis.
func (m *RedisMirror) DeleteOrder(clientOrderID string) {
	if !m.Available() || clientOrderID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
	defer cancel()

	pipe := m.client.TxPipeline()
	pipe.Del(ctx, orderKey(clientOrderID))
	pipe.SRem(ctx, orderIndexKey, clientOrderID)
	if _, err := pipe.Exec(ctx); err != nil {
		m.available.Store(false)
		m.log.Warn().Err(err).Msg("Redis delete failed, state mirror dormant")
	}
}

// SaveGuard writes one armed local guard through to Redis.
func (m *RedisMirror) SaveGuard(g LocalGuard) {
	if !m.Available() || g.Spec.ClientOrderID == "" {
		return
	}
	data, err := json.Marshal(g)
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to marshal guard for mirror")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
	defer cancel()

	pipe := m.client.TxPipeline()
	pipe.Set(ctx, guardKey(g.Spec.ClientOrderID), data, mirrorTTL)
	pipe.SAdd(ctx, guardIndexKey, g.Spec.ClientOrderID)
	pipe.Expire(ctx, guardIndexKey, mirrorTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		m.available.Store(false)
		m.log.Warn().Err(err).Msg("Redis write failed, state mirror dormant")
	}
}

// DeleteGuard removes one local guard from Redis.
func (m *RedisMirror) DeleteGuard(clientOrderID string) {
	if !m.Available() || clientOrderID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
	defer cancel()

	pipe := m.client.TxPipeline()
	pipe.Del(ctx, guardKey(clientOrderID))
	pipe.SRem(ctx, guardIndexKey, clientOrderID)
	if _, err := pipe.Exec(ctx); err != nil {
		m.available.Store(false)
		m.log.Warn().Err(err).Msg("Redis delete failed, state mirror dormant")
	}
}

// SaveThread writes one trade thread through to Redis.
func (m *RedisMirror) SaveThread(t TradeThread) {
	if !m.Available() || t.ID == "" {
		return
	}
	data, err := json.Marshal(t)
	if err != nil {
		m.log.Error().Err(err).Str("thread_id", t.ID).Msg("Failed to marshal thread for mirror")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
	defer cancel()

	pipe := m.client.TxPipeline()
	pipe.Set(ctx, threadKey(t.ID), data, mirrorTTL)
	pipe.SAdd(ctx, threadIndexKey, t.ID)
	pipe.Expire(ctx, threadIndexKey, mirrorTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		m.available.Store(false)
		m.log.Warn().Err(err).Msg("Redis write failed, state mirror dormant")
	}
}

// DeleteThread removes one trade thread from Redis.
func (m *RedisMirror) DeleteThread(id string) {
	if !m.Available() || id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
	defer cancel()

	pipe := m.client.TxPipeline()
	pipe.Del(ctx, threadKey(id))
	pipe.SRem(ctx, threadIndexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		m.available.Store(false)
		m.log.Warn().Err(err).Msg("Redis delete failed, state mirror dormant")
	}
}

// SavePendingProtection writes one pending-protection marker through to
// Redis. The write lands before the cancel half of a stop replacement.
func (m *RedisMirror) SavePendingProtection(p ProtectionPending) {
	if !m.Available() || p.Symbol == "" {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		m.log.Error().Err(err).Str("symbol", p.Symbol).Msg("Failed to marshal pending protection for mirror")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
	defer cancel()

	pipe := m.client.TxPipeline()
	pipe.Set(ctx, protectKey(p.Symbol), data, mirrorTTL)
	pipe.SAdd(ctx, protectIndexKey, p.Symbol)
	pipe.Expire(ctx, protectIndexKey, mirrorTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		m.available.Store(false)
		m.log.Warn().Err(err).Msg("Redis write failed, state mirror dormant")
	}
}

// DeletePendingProtection removes one pending-protection marker from Redis.
func (m *RedisMirror) DeletePendingProtection(symbol string) {
	if !m.Available() || symbol == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
	defer cancel()

	pipe := m.client.TxPipeline()
	pipe.Del(ctx, protectKey(symbol))
	pipe.SRem(ctx, protectIndexKey, symbol)
	if _, err := pipe.Exec(ctx); err != nil {
		m.available.Store(false)
		m.log.Warn().Err(err).Msg("Redis delete failed, state mirror dormant")
	}
}

// LoadOrders bulk-loads mirrored orders, dropping any that fail to decode.
func (m *RedisMirror) LoadOrders(ctx context.Context) ([]OrderRecord, error) {
	if !m.Available() {
		return nil, nil
	}
	ids, err := m.client.SMembers(ctx, orderIndexKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		m.available.Store(false)
		return nil, fmt.Errorf("load order index: %w", err)
	}

	var out []OrderRecord
	for _, id := range ids {
		data, err := m.client.Get(ctx, orderKey(id)).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			m.available.Store(false)
			return out, fmt.Errorf("load order %s: %w", id, err)
		}
		var rec OrderRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			m.log.Warn().Err(err).Str("client_order_id", id).Msg("Dropping undecodable mirrored order")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// LoadGuards bulk-loads mirrored local guards.
func (m *RedisMirror) LoadGuards(ctx context.Context) ([]LocalGuard, error) {
	if !m.Available() {
		return nil, nil
	}
	ids, err := m.client.SMembers(ctx, guardIndexKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		m.available.Store(false)
		return nil, fmt.Errorf("load guard index: %w", err)
	}

	var out []LocalGuard
	for _, id := range ids {
		data, err := m.client.Get(ctx, guardKey(id)).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			m.available.Store(false)
			return out, fmt.Errorf("load guard %s: %w", id, err)
		}
		var g LocalGuard
		if err := json.Unmarshal([]byte(data), &g); err != nil {
			m.log.Warn().Err(err).Str("client_order_id", id).Msg("Dropping undecodable mirrored guard")
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

// LoadThreads bulk-loads mirrored trade threads.
func (m *RedisMirror) LoadThreads(ctx context.Context) ([]TradeThread, error) {
	if !m.Available() {
		return nil, nil
	}
	ids, err := m.client.SMembers(ctx, threadIndexKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		m.available.Store(false)
		return nil, fmt.Errorf("load thread index: %w", err)
	}

	var out []TradeThread
	for _, id := range ids {
		data, err := m.client.Get(ctx, threadKey(id)).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			m.available.Store(false)
			return out, fmt.Errorf("load thread %s: %w", id, err)
		}
		var t TradeThread
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			m.log.Warn().Err(err).Str("thread_id", id).Msg("Dropping undecodable mirrored thread")
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// LoadPendingProtections bulk-loads mirrored pending-protection markers.
func (m *RedisMirror) LoadPendingProtections(ctx context.Context) ([]ProtectionPending, error) {
	if !m.Available() {
		return nil, nil
	}
	symbols, err := m.client.SMembers(ctx, protectIndexKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		m.available.Store(false)
		return nil, fmt.Errorf("load pending protection index: %w", err)
	}

	var out []ProtectionPending
	for _, symbol := range symbols {
		data, err := m.client.Get(ctx, protectKey(symbol)).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			m.available.Store(false)
			return out, fmt.Errorf("load pending protection %s: %w", symbol, err)
		}
		var p ProtectionPending
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			m.log.Warn().Err(err).Str("symbol", symbol).Msg("Dropping undecodable mirrored pending protection")
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Close releases the Redis connection.
func (m *RedisMirror) Close() {
	if m != nil && m.client != nil {
		m.client.Close()
	}
}

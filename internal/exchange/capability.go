package exchange

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CapabilityState is the tri-state verdict for an exchange capability.
// Ambiguity (timeouts, network failures) must map to unknown, never to
// unsupported: unknown re-probes quickly, unsupported parks the capability
// for the long TTL.
type CapabilityState string

const (
	CapSupported   CapabilityState = "supported"
	CapUnsupported CapabilityState = "unsupported"
	CapUnknown     CapabilityState = "unknown"
)

// CapTriggerOrders is the capability key for exchange-side trigger orders
// (STOP_MARKET / TAKE_PROFIT_MARKET).
const CapTriggerOrders = "trigger_orders"

// CapabilityRecord is one cached probe outcome.
type CapabilityRecord struct {
	State     CapabilityState `json:"state"`
	Reason    string          `json:"reason,omitempty"`
	CheckedAt time.Time       `json:"checked_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// CapabilityCache remembers probe outcomes per capability key. Supported and
// unsupported verdicts keep the long TTL; unknown expires on the short TTL
// (clamped to 30s) so ambiguity is re-probed promptly.
type CapabilityCache struct {
	mu      sync.RWMutex
	entries map[string]CapabilityRecord

	longTTL  time.Duration
	shortTTL time.Duration
	now      func() time.Time
}

// NewCapabilityCache builds a cache with the given TTLs.
func NewCapabilityCache(longTTL, shortTTL time.Duration) *CapabilityCache {
	if longTTL <= 0 {
		longTTL = 300 * time.Second
	}
	if shortTTL <= 0 || shortTTL > 30*time.Second {
		shortTTL = 30 * time.Second
	}
	return &CapabilityCache{
		entries:  make(map[string]CapabilityRecord),
		longTTL:  longTTL,
		shortTTL: shortTTL,
		now:      time.Now,
	}
}

// Get returns the live record for key. ok is false once the record expired,
// which is the signal to re-probe.
func (c *CapabilityCache) Get(key string) (CapabilityRecord, bool) {
	c.mu.RLock()
	rec, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().After(rec.ExpiresAt) {
		return CapabilityRecord{}, false
	}
	return rec, true
}

// State returns the live state for key, CapUnknown when missing or expired.
func (c *CapabilityCache) State(key string) CapabilityState {
	if rec, ok := c.Get(key); ok {
		return rec.State
	}
	return CapUnknown
}

// Set records a probe outcome, choosing the TTL by state.
func (c *CapabilityCache) Set(key string, state CapabilityState, reason string) CapabilityRecord {
	now := c.now()
	ttl := c.longTTL
	if state == CapUnknown {
		ttl = c.shortTTL
	}
	rec := CapabilityRecord{
		State:     state,
		Reason:    reason,
		CheckedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	c.mu.Lock()
	c.entries[key] = rec
	c.mu.Unlock()
	return rec
}

// Snapshot copies all live records for the status endpoint.
func (c *CapabilityCache) Snapshot() map[string]CapabilityRecord {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]CapabilityRecord, len(c.entries))
	for k, rec := range c.entries {
		if now.After(rec.ExpiresAt) {
			continue
		}
		out[k] = rec
	}
	return out
}

// ClassifyProbeError maps a probe outcome to a capability state. A rejected
// validation probe still proves the endpoint understands the order type, so
// only an explicit unsupported-order error yields unsupported; transient
// failures and timeouts stay unknown.
func ClassifyProbeError(err error) (CapabilityState, string) {
	switch {
	case err == nil:
		return CapSupported, ""
	case errors.Is(err, ErrUnsupportedOrder):
		return CapUnsupported, "order type rejected"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return CapUnknown, "probe timeout"
	case IsTransient(err):
		return CapUnknown, "network error"
	default:
		return CapSupported, "endpoint reachable"
	}
}

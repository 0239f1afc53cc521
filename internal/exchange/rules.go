package exchange

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// SymbolRules carries the trading filters for one contract.
type SymbolRules struct {
	Symbol         string
	QtyStep        float64
	PriceStep      float64
	MinQty         float64
	MinNotional    float64
	QtyPrecision   int
	PricePrecision int
	Tradable       bool
	Volume24h      float64 // quote volume, refreshed with the registry
}

// RoundQtyDown floors qty onto the step grid. Sizing must never round up:
// a result below MinQty is the caller's rejection signal, not something to
// bump over the line.
func (r *SymbolRules) RoundQtyDown(qty float64) float64 {
	if r == nil || r.QtyStep <= 0 {
		return qty
	}
	step := decimal.NewFromFloat(r.QtyStep)
	out, _ := decimal.NewFromFloat(qty).Div(step).Floor().Mul(step).Float64()
	return out
}

// RoundPrice snaps price to the nearest tick.
func (r *SymbolRules) RoundPrice(price float64) float64 {
	if r == nil || r.PriceStep <= 0 {
		return price
	}
	tick := decimal.NewFromFloat(r.PriceStep)
	out, _ := decimal.NewFromFloat(price).Div(tick).Round(0).Mul(tick).Float64()
	return out
}

// FormatQty renders qty with the symbol's quantity precision.
func (r *SymbolRules) FormatQty(qty float64) string {
	if r == nil {
		return trimFloat(qty)
	}
	return strconv.FormatFloat(qty, 'f', r.QtyPrecision, 64)
}

// FormatPrice renders price with the symbol's price precision.
func (r *SymbolRules) FormatPrice(price float64) string {
	if r == nil {
		return trimFloat(price)
	}
	return strconv.FormatFloat(price, 'f', r.PricePrecision, 64)
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// precisionOf derives decimal places from a step size (0.001 → 3).
func precisionOf(step float64) int {
	if step <= 0 || step >= 1 {
		return 0
	}
	return int(math.Ceil(-math.Log10(step)))
}

// ==================== REGISTRY ====================

// Registry caches symbol rules fetched from exchange info and serves them
// with a TTL. A failed refresh serves the previous snapshot rather than
// failing callers that only need rounding data.
type Registry struct {
	fetch func(ctx context.Context) (map[string]*SymbolRules, error)
	ttl   time.Duration
	log   zerolog.Logger

	mu        sync.RWMutex
	rules     map[string]*SymbolRules
	fetchedAt time.Time
}

// NewRegistry builds a registry around the given fetch function.
func NewRegistry(ttl time.Duration, fetch func(ctx context.Context) (map[string]*SymbolRules, error), logger zerolog.Logger) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Registry{
		fetch: fetch,
		ttl:   ttl,
		log:   logger.With().Str("component", "symbol_registry").Logger(),
		rules: make(map[string]*SymbolRules),
	}
}

// Get returns the rules for symbol, refreshing the snapshot when stale.
func (r *Registry) Get(ctx context.Context, symbol string) (*SymbolRules, error) {
	if err := r.ensureFresh(ctx); err != nil {
		r.mu.RLock()
		rules, ok := r.rules[symbol]
		r.mu.RUnlock()
		if ok {
			r.log.Warn().Err(err).Str("symbol", symbol).Msg("serving stale symbol rules")
			return rules, nil
		}
		return nil, err
	}
	r.mu.RLock()
	rules, ok := r.rules[symbol]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSymbol, symbol)
	}
	return rules, nil
}

// Tradable reports whether the symbol exists and is open for trading.
func (r *Registry) Tradable(ctx context.Context, symbol string) bool {
	rules, err := r.Get(ctx, symbol)
	return err == nil && rules.Tradable
}

// Refresh forces a snapshot reload regardless of TTL.
func (r *Registry) Refresh(ctx context.Context) error {
	rules, err := r.fetch(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.rules = rules
	r.fetchedAt = time.Now()
	r.mu.Unlock()
	r.log.Debug().Int("symbols", len(rules)).Msg("symbol rules refreshed")
	return nil
}

func (r *Registry) ensureFresh(ctx context.Context) error {
	r.mu.RLock()
	fresh := !r.fetchedAt.IsZero() && time.Since(r.fetchedAt) < r.ttl
	r.mu.RUnlock()
	if fresh {
		return nil
	}
	return r.Refresh(ctx)
}

// Package risk turns validated entry signals into sized order plans. Every
// signal runs an ordered gauntlet of checks that short-circuits on the first
// failure, and each failure carries a stable reason code so operators and
// tests can assert on cause rather than outcome. Sizing is done on decimals
// and only ever rounds down.
package risk

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"signal-trading-bot/config"
	"signal-trading-bot/internal/exchange"
	"signal-trading-bot/internal/metrics"
	"signal-trading-bot/internal/safety"
	"signal-trading-bot/internal/signals"
)

// RulesSource serves the cached trading filters for a symbol.
type RulesSource interface {
	Get(ctx context.Context, symbol string) (*exchange.SymbolRules, error)
}

// PriceSource answers the last known price for a symbol.
type PriceSource interface {
	Price(symbol string) (float64, bool)
}

// CooldownSource is the ledger lookup behind the per-symbol/side cooldown.
type CooldownSource interface {
	WithinCooldown(ctx context.Context, symbol, side string, window time.Duration, now time.Time) (bool, error)
}

// PositionSource exposes the runtime counters the account checks read.
type PositionSource interface {
	OpenPositionCount() int
	PeakEquity() float64
}

// Engine evaluates entry signals and manage actions against policy. It also
// carries the consecutive-stop-loss circuit breaker, which is the only
// mutable state it owns.
type Engine struct {
	filters   config.FiltersConfig
	risk      config.RiskConfig
	limitMode string

	whitelist map[string]struct{}
	blacklist map[string]struct{}

	// Ratio-form thresholds, normalized once at construction.
	slippage    float64
	defaultStop float64
	maxDrawdown float64

	cooldown    time.Duration
	breakerHold time.Duration

	rules     RulesSource
	prices    PriceSource
	led       CooldownSource
	positions PositionSource
	log       zerolog.Logger

	mu               sync.Mutex
	consecutiveStops int
	breakerUntil     time.Time
}

func NewEngine(cfg *config.Config, rules RulesSource, prices PriceSource, led CooldownSource, positions PositionSource, logger zerolog.Logger) *Engine {
	return &Engine{
		filters:     cfg.FiltersConfig,
		risk:        cfg.RiskConfig,
		limitMode:   cfg.ExecutionConfig.LimitPriceStrategy,
		whitelist:   symbolSet(cfg.FiltersConfig.NormalizedWhitelist()),
		blacklist:   symbolSet(cfg.FiltersConfig.NormalizedBlacklist()),
		slippage:    config.PercentOrRatio(cfg.RiskConfig.EntrySlippagePct),
		defaultStop: config.PercentOrRatio(cfg.RiskConfig.DefaultStopLossPct),
		maxDrawdown: config.PercentOrRatio(cfg.RiskConfig.MaxDrawdownPct),
		cooldown:    time.Duration(cfg.RiskConfig.CooldownSeconds) * time.Second,
		breakerHold: time.Duration(cfg.RiskConfig.StopLossCooldownSeconds) * time.Second,
		rules:       rules,
		prices:      prices,
		led:         led,
		positions:   positions,
		log:         logger.With().Str("component", "risk").Logger(),
	}
}

// Evaluate runs the ordered entry checks and either sizes an order plan or
// returns the first rejection. The error return is reserved for
// infrastructure failures (the cooldown ledger lookup); a decision is always
// exactly one of plan or rejection.
func (e *Engine) Evaluate(ctx context.Context, sig *signals.Signal, acct exchange.AccountSnapshot, mode safety.Mode, now time.Time) (*OrderPlan, *Rejection, error) {
	if sig == nil || sig.Kind != signals.KindEntry || sig.Entry == nil {
		return nil, nil, fmt.Errorf("evaluate called with non-entry signal")
	}
	entry := sig.Entry
	symbol := signals.NormalizeSymbol(entry.Symbol)
	side := string(entry.Side)

	equity := acct.Equity
	if equity <= 0 && e.risk.DryRun {
		equity = e.risk.AssumedEquityUSDT
	}

	if mode != safety.ModeNormal {
		return e.reject(symbol, ReasonSafetyMode, fmt.Sprintf("safety mode %s blocks new entries", mode))
	}

	if e.risk.Disabled {
		return e.bypass(sig, symbol, equity)
	}

	if _, blocked := e.blacklist[symbol]; blocked {
		return e.reject(symbol, ReasonSymbolBlacklisted, "symbol is blacklisted")
	}

	rules, rulesErr := e.rules.Get(ctx, symbol)
	if e.filters.SymbolPolicy == "ALLOW_ALL" {
		if e.filters.RequireExchangeSymbol && (rulesErr != nil || !rules.Tradable) {
			return e.reject(symbol, ReasonSymbolNotTradable, "not tradable on USDT-M futures")
		}
	} else {
		// Anything that is not explicitly ALLOW_ALL is treated as an
		// allowlist: deny is the default when policy is misspelled.
		if _, ok := e.whitelist[symbol]; !ok {
			return e.reject(symbol, ReasonSymbolNotAllowed, "symbol not in whitelist")
		}
	}

	if minVol := e.filters.MinUSDTVolume24h; minVol > 0 {
		if rulesErr != nil {
			return e.reject(symbol, ReasonVolumeTooLow, "24h volume unavailable")
		}
		if rules.Volume24h < minVol {
			return e.reject(symbol, ReasonVolumeTooLow,
				fmt.Sprintf("24h volume %.0f below %.0f", rules.Volume24h, minVol))
		}
	}

	if !e.sideAllowed(side) {
		return e.reject(symbol, ReasonSideNotAllowed, side+" entries are disabled")
	}

	var warnings []string
	leverage := entry.Leverage
	if leverage < 1 {
		leverage = 1
	}
	if maxLev := e.filters.MaxLeverage; maxLev > 0 && leverage > maxLev {
		if strings.EqualFold(e.filters.LeverageOverLimit, "REJECT") {
			return e.reject(symbol, ReasonLeverageOverLimit,
				fmt.Sprintf("%dx exceeds max %dx", leverage, maxLev))
		}
		warnings = append(warnings, fmt.Sprintf("leverage capped from %d to %d", leverage, maxLev))
		leverage = maxLev
	}

	if maxAge := time.Duration(e.filters.MaxSignalAgeSeconds) * time.Second; maxAge > 0 && !sig.ReceivedAt.IsZero() {
		if age := sig.Age(now); age > maxAge {
			return e.reject(symbol, ReasonSignalTooOld,
				fmt.Sprintf("%.1fs old, limit %ds", age.Seconds(), e.filters.MaxSignalAgeSeconds))
		}
	}

	if until, open := e.breakerOpen(now); open {
		return e.reject(symbol, ReasonBreakerCooldown,
			"consecutive stop-losses hold entries until "+until.UTC().Format(time.RFC3339))
	}

	if e.cooldown > 0 {
		hit, err := e.led.WithinCooldown(ctx, symbol, side, e.cooldown, now)
		if err != nil {
			return nil, nil, fmt.Errorf("cooldown lookup: %w", err)
		}
		if hit {
			return e.reject(symbol, ReasonCooldownActive,
				fmt.Sprintf("entered %s %s within the last %ds", symbol, side, e.risk.CooldownSeconds))
		}
	}

	if e.risk.MaxOpenPositions > 0 {
		if n := e.positions.OpenPositionCount(); n >= e.risk.MaxOpenPositions {
			return e.reject(symbol, ReasonMaxPositions,
				fmt.Sprintf("%d/%d positions open", n, e.risk.MaxOpenPositions))
		}
	}

	if minQ := e.risk.MinSignalQuality; minQ > 0 && sig.Quality < minQ {
		return e.reject(symbol, ReasonQualityTooLow,
			fmt.Sprintf("quality %.2f below %.2f", sig.Quality, minQ))
	}

	if e.maxDrawdown > 0 {
		if dd := e.drawdown(equity); dd > e.maxDrawdown {
			return e.reject(symbol, ReasonDrawdownLimit,
				fmt.Sprintf("drawdown %.2f%% over the %.2f%% limit", dd*100, e.maxDrawdown*100))
		}
	}

	current, ok := e.prices.Price(symbol)
	if !ok || current <= 0 {
		return e.reject(symbol, ReasonPriceUnavailable, "no current price")
	}

	if entry.EntryType == signals.EntryLimit && e.slippage > 0 {
		if dev := slippageDeviation(current, entry.EntryLow, entry.EntryHigh); dev > e.slippage {
			return e.reject(symbol, ReasonEntrySlippage,
				fmt.Sprintf("price %.4f%% outside the entry zone, limit %.4f%%", dev*100, e.slippage*100))
		}
	}

	entryPrice := e.entryPrice(entry, current)
	if entryPrice <= 0 {
		return e.reject(symbol, ReasonEntryPriceInvalid, "entry price resolved to zero")
	}

	stopPrice, stopDist, rej := e.resolveStopLoss(entry, entryPrice)
	if rej != nil {
		return e.rejectWith(symbol, rej)
	}

	quantity, notional, rej := e.size(equity, entryPrice, stopDist, rules)
	if rej != nil {
		return e.rejectWith(symbol, rej)
	}

	plan := &OrderPlan{
		SignalID:          sig.ID,
		Symbol:            symbol,
		Side:              entry.Side,
		EntryType:         entry.EntryType,
		Leverage:          leverage,
		Quantity:          quantity,
		Notional:          notional,
		EntryPrice:        entryPrice,
		EntryLow:          entry.EntryLow,
		EntryHigh:         entry.EntryHigh,
		StopLossPrice:     stopPrice,
		StopDistanceRatio: stopDist,
		TakeProfits:       append([]float64(nil), entry.TakeProfits...),
		Quality:           sig.Quality,
		Confidence:        sig.Confidence,
		Warnings:          warnings,
	}
	if minC := e.risk.MinConfidence; minC > 0 && sig.Confidence < minC {
		plan.RequiresConfirmation = true
	}

	metrics.Decisions.WithLabelValues("approved").Inc()
	e.log.Info().
		Str("symbol", symbol).
		Str("side", side).
		Float64("qty", quantity).
		Float64("entry", entryPrice).
		Float64("stop", stopPrice).
		Bool("needs_confirmation", plan.RequiresConfirmation).
		Msg("entry approved")
	return plan, nil, nil
}

// bypass is the risk-disabled path: strategy filters are skipped, but the
// hard invariants are not negotiable. A stop must still exist and a
// zero-size order is still refused.
func (e *Engine) bypass(sig *signals.Signal, symbol string, equity float64) (*OrderPlan, *Rejection, error) {
	entry := sig.Entry
	current, _ := e.prices.Price(symbol)
	entryPrice := e.entryPrice(entry, current)
	if entryPrice <= 0 {
		if entry.EntryType == signals.EntryMarket {
			return e.reject(symbol, ReasonPriceUnavailable, "no current price for market entry")
		}
		return e.reject(symbol, ReasonEntryPriceInvalid, "entry price resolved to zero")
	}

	stopPrice, stopDist, rej := e.resolveStopLoss(entry, entryPrice)
	if rej != nil {
		return e.rejectWith(symbol, rej)
	}

	leverage := entry.Leverage
	if leverage < 1 {
		leverage = 1
	}
	notional := math.Min(e.risk.MaxNotionalPerTrade,
		math.Max(equity, 0)*math.Max(e.risk.AccountRiskPerTrade, 0)*float64(leverage))
	quantity := notional / entryPrice
	if quantity <= 0 {
		return e.reject(symbol, ReasonSizeBelowMinimum, "zero-size order refused")
	}

	metrics.Decisions.WithLabelValues("approved").Inc()
	e.log.Warn().Str("symbol", symbol).Float64("qty", quantity).Msg("risk disabled, strategy filters bypassed")
	return &OrderPlan{
		SignalID:          sig.ID,
		Symbol:            symbol,
		Side:              entry.Side,
		EntryType:         entry.EntryType,
		Leverage:          leverage,
		Quantity:          quantity,
		Notional:          notional,
		EntryPrice:        entryPrice,
		EntryLow:          entry.EntryLow,
		EntryHigh:         entry.EntryHigh,
		StopLossPrice:     stopPrice,
		StopDistanceRatio: stopDist,
		TakeProfits:       append([]float64(nil), entry.TakeProfits...),
		Quality:           sig.Quality,
		Confidence:        sig.Confidence,
		Warnings:          []string{"risk.disabled=true bypassed strategy filters"},
	}, nil, nil
}

// EvaluateManage checks that a manage action is executable at all; nil means
// it can be dispatched.
func (e *Engine) EvaluateManage(act *signals.ManageAction) *Rejection {
	switch {
	case act == nil || act.Symbol == "":
		return e.rejectManage("", ReasonManageMissingSymbol, "no symbol and none could be inferred")
	case act.HasReduce && (act.ReducePct <= 0 || act.ReducePct > 100):
		return e.rejectManage(act.Symbol, ReasonManageInvalidReduce,
			fmt.Sprintf("reduce_pct %.2f outside (0,100]", act.ReducePct))
	case !act.HasReduce && !act.MoveSLToBE && act.TPPrice <= 0:
		return e.rejectManage(act.Symbol, ReasonManageNoAction, "nothing to execute")
	}
	metrics.Decisions.WithLabelValues("approved").Inc()
	return nil
}

// RecordStopLossClose feeds the circuit breaker. Reaching the configured run
// length opens it for the cooldown window.
func (e *Engine) RecordStopLossClose(now time.Time) {
	limit := e.risk.ConsecutiveStopLossLimit
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveStops++
	if limit > 0 && e.consecutiveStops >= limit {
		e.breakerUntil = now.Add(e.breakerHold)
		e.log.Warn().
			Int("consecutive", e.consecutiveStops).
			Time("until", e.breakerUntil).
			Msg("stop-loss circuit breaker open")
	}
}

// RecordProfitableClose resets the stop-loss run. Any close that was not a
// stop-out counts.
func (e *Engine) RecordProfitableClose() {
	e.mu.Lock()
	e.consecutiveStops = 0
	e.mu.Unlock()
}

// Breaker reports the current stop-loss run and hold expiry for status
// surfaces.
func (e *Engine) Breaker() (int, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consecutiveStops, e.breakerUntil
}

func (e *Engine) breakerOpen(now time.Time) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.breakerUntil.IsZero() && now.Before(e.breakerUntil) {
		return e.breakerUntil, true
	}
	return time.Time{}, false
}

func (e *Engine) sideAllowed(side string) bool {
	for _, s := range e.filters.AllowSides {
		if strings.EqualFold(s, side) {
			return true
		}
	}
	return false
}

// drawdown is measured against the tracked peak. Unknown equity counts as
// full drawdown: trading blind is exactly what this check exists to stop.
func (e *Engine) drawdown(equity float64) float64 {
	if equity <= 0 {
		return 1
	}
	peak := e.positions.PeakEquity()
	if peak <= equity {
		return 0
	}
	return (peak - equity) / peak
}

// entryPrice picks the working price for the plan: market entries take the
// live price, limit entries take the configured point on the signal's range.
func (e *Engine) entryPrice(entry *signals.EntrySignal, current float64) float64 {
	if entry.EntryType == signals.EntryMarket {
		return current
	}
	switch e.limitMode {
	case "LOW":
		return entry.EntryLow
	case "HIGH":
		return entry.EntryHigh
	default:
		return (entry.EntryLow + entry.EntryHigh) / 2
	}
}

// resolveStopLoss validates an explicit stop against the entry side or
// derives one from default_stop_loss_pct. An explicit stop on the wrong side
// is invalid outright; falling back would silently trade a different risk
// than the signal stated.
func (e *Engine) resolveStopLoss(entry *signals.EntrySignal, entryPrice float64) (float64, float64, *Rejection) {
	if stop := entry.StopLoss; stop > 0 {
		if entry.Side == signals.SideLong && stop >= entryPrice {
			return 0, 0, &Rejection{Code: ReasonInvalidStopLoss,
				Detail: fmt.Sprintf("stop %.8g not below long entry %.8g", stop, entryPrice)}
		}
		if entry.Side == signals.SideShort && stop <= entryPrice {
			return 0, 0, &Rejection{Code: ReasonInvalidStopLoss,
				Detail: fmt.Sprintf("stop %.8g not above short entry %.8g", stop, entryPrice)}
		}
		return stop, math.Abs(entryPrice-stop) / entryPrice, nil
	}
	if e.defaultStop <= 0 {
		return 0, 0, &Rejection{Code: ReasonMissingStopLoss,
			Detail: "signal carries no stop and default_stop_loss_pct is off"}
	}
	if entry.Side == signals.SideShort {
		return entryPrice * (1 + e.defaultStop), e.defaultStop, nil
	}
	return entryPrice * (1 - e.defaultStop), e.defaultStop, nil
}

// size computes quantity so a stop-out loses exactly the configured equity
// fraction, clamps to the notional cap, and floors onto the exchange step
// grid. Never rounds up: a result under the minimum is a rejection.
func (e *Engine) size(equity, entryPrice, stopDist float64, rules *exchange.SymbolRules) (float64, float64, *Rejection) {
	entryD := decimal.NewFromFloat(entryPrice)
	maxLoss := decimal.NewFromFloat(equity).Mul(decimal.NewFromFloat(e.risk.AccountRiskPerTrade))
	qty := maxLoss.Div(decimal.NewFromFloat(stopDist).Mul(entryD))
	if !qty.IsPositive() {
		return 0, 0, &Rejection{Code: ReasonSizeBelowMinimum, Detail: "computed quantity is zero"}
	}

	if maxNotional := decimal.NewFromFloat(e.risk.MaxNotionalPerTrade); maxNotional.IsPositive() && qty.Mul(entryD).GreaterThan(maxNotional) {
		qty = maxNotional.Div(entryD)
	}

	raw, _ := qty.Float64()
	rounded := rules.RoundQtyDown(raw)
	if rounded <= 0 || (rules != nil && rules.MinQty > 0 && rounded < rules.MinQty) {
		return 0, 0, &Rejection{Code: ReasonSizeBelowMinimum,
			Detail: fmt.Sprintf("quantity %.8f under the exchange minimum", rounded)}
	}
	notional, _ := decimal.NewFromFloat(rounded).Mul(entryD).Float64()
	return rounded, notional, nil
}

// slippageDeviation measures how far the market sits outside the signal's
// entry zone, as a fraction of the violated bound. Inside the zone is zero.
func slippageDeviation(current, low, high float64) float64 {
	switch {
	case low > 0 && current < low:
		return (low - current) / low
	case high > 0 && current > high:
		return (current - high) / high
	default:
		return 0
	}
}

func (e *Engine) reject(symbol, code, detail string) (*OrderPlan, *Rejection, error) {
	metrics.Decisions.WithLabelValues("rejected").Inc()
	metrics.Rejections.WithLabelValues(code).Inc()
	e.log.Info().Str("symbol", symbol).Str("code", code).Str("detail", detail).Msg("entry rejected")
	return nil, &Rejection{Code: code, Detail: detail}, nil
}

func (e *Engine) rejectWith(symbol string, rej *Rejection) (*OrderPlan, *Rejection, error) {
	return e.reject(symbol, rej.Code, rej.Detail)
}

func (e *Engine) rejectManage(symbol, code, detail string) *Rejection {
	metrics.Decisions.WithLabelValues("rejected").Inc()
	metrics.Rejections.WithLabelValues(code).Inc()
	e.log.Info().Str("symbol", symbol).Str("code", code).Str("detail", detail).Msg("manage action rejected")
	return &Rejection{Code: code, Detail: detail}
}

func symbolSet(in []string) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for _, s := range in {
		out[s] = struct{}{}
	}
	return out
}

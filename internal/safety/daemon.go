package safety

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"signal-trading-bot/config"
	"signal-trading-bot/internal/exchange"
	"signal-trading-bot/internal/ledger"
	"signal-trading-bot/internal/metrics"
	"signal-trading-bot/internal/state"
)

// closeGateway is the slice of the exchange gateway the daemon needs: the
// two protective calls, both running at CRITICAL limiter priority.
type closeGateway interface {
	ProtectiveClose(ctx context.Context, symbol string, hold exchange.PositionSide, qty float64, clientOrderID string) (*exchange.OrderResult, error)
	PlaceStopLoss(ctx context.Context, spec exchange.TriggerSpec) (*exchange.OrderResult, error)
}

// Daemon re-checks the account and every open position on a fixed tick:
// kill switch, API error burst, drawdown, margin usage, liquidation
// distance, and the stop-loss-must-exist invariant. Everything it finds is
// alerted and written to the ledger before it acts.
type Daemon struct {
	cfg    config.SafetyConfig
	sup    *Supervisor
	ks     *KillSwitch
	store  *state.Store
	led    ledger.Ledger
	gw     closeGateway
	alerts Alerter
	log    zerolog.Logger
	now    func() time.Time

	defaultStop  float64
	maxDrawdown  float64
	liqThreshold float64

	// Rising-edge trackers so a sustained breach alerts once, not every tick.
	burstBreached  bool
	ddBreached     bool
	marginBreached bool
}

func NewDaemon(cfg *config.Config, sup *Supervisor, ks *KillSwitch, store *state.Store, led ledger.Ledger, gw closeGateway, alerts Alerter, logger zerolog.Logger) *Daemon {
	return &Daemon{
		cfg:          cfg.SafetyConfig,
		sup:          sup,
		ks:           ks,
		store:        store,
		led:          led,
		gw:           gw,
		alerts:       alerts,
		log:          logger.With().Str("component", "risk_daemon").Logger(),
		now:          time.Now,
		defaultStop:  config.PercentOrRatio(cfg.RiskConfig.DefaultStopLossPct),
		maxDrawdown:  config.PercentOrRatio(cfg.SafetyConfig.MaxDrawdownPct),
		liqThreshold: config.PercentOrRatio(cfg.SafetyConfig.LiquidationDistanceThreshold),
	}
}

// CheckOnce runs a single guard pass. Called at startup so a kill
// switch armed before boot takes effect before any trading does.
func (d *Daemon) CheckOnce(ctx context.Context) {
	d.tick(ctx)
}

// Run ticks until the context ends. The kill-switch file watcher runs
// alongside so file changes take effect between ticks.
func (d *Daemon) Run(ctx context.Context) error {
	interval := time.Duration(d.cfg.TickIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}

	go func() {
		if err := d.ks.Watch(ctx, func(dir Directive, source string) {
			d.applyDirective(ctx, dir, source)
			d.runPanicSweep(ctx)
		}); err != nil {
			d.log.Warn().Err(err).Msg("kill-switch watcher not running, polling only")
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Daemon) tick(ctx context.Context) {
	dir, source := d.ks.Check(ctx)
	d.applyDirective(ctx, dir, source)
	d.runPanicSweep(ctx)

	d.checkAPIErrorBurst(ctx)
	d.checkAccountLimits(ctx)
	d.checkPositions(ctx)
}

func (d *Daemon) applyDirective(ctx context.Context, dir Directive, source string) {
	switch dir {
	case DirectivePanicClose:
		d.sup.EnterPanic(ctx, "kill switch ("+source+")")
	case DirectiveSafeMode:
		d.sup.EnterSafeMode(ctx, "kill switch ("+source+")")
	}
}

func (d *Daemon) runPanicSweep(ctx context.Context) {
	if !d.sup.ClaimPanicSweep() {
		return
	}
	positions := d.store.Positions()
	d.alerts.Critical(ctx, "PANIC_CLOSE", fmt.Sprintf("panic sweep closing %d open positions", len(positions)),
		map[string]any{"positions": len(positions)})

	for _, pos := range positions {
		d.panicClose(ctx, pos)
	}
}

func (d *Daemon) panicClose(ctx context.Context, pos state.PositionState) {
	unlock := d.store.LockSymbol(pos.Symbol)
	defer unlock()

	clientID := fmt.Sprintf("panic-%s-%d", strings.ToLower(pos.Symbol), d.now().UnixMilli())
	res, err := d.gw.ProtectiveClose(ctx, pos.Symbol, pos.Side, pos.Size, clientID)

	status := ledger.StatusExecuted
	if err != nil {
		status = ledger.StatusFailed
		d.store.RegisterAPIError(d.now())
		d.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("panic close failed")
	}
	execID := d.recordExecution(ctx, ledger.Execution{
		ActionType: ledger.ActionPanicClose,
		Symbol:     pos.Symbol,
		Side:       string(pos.Side),
		Status:     status,
		Reason:     "panic sweep",
	})
	if err != nil {
		return
	}
	d.recordReceipt(ctx, ledger.OrderReceipt{
		ExecutionID:     execID,
		Symbol:          pos.Symbol,
		Purpose:         ledger.PurposeClose,
		ExchangeOrderID: strconv.FormatInt(res.OrderID, 10),
		ClientOrderID:   res.ClientOrderID,
		Status:          string(res.Status),
	})
	metrics.Orders.WithLabelValues(ledger.PurposeClose, string(res.Status)).Inc()
}

func (d *Daemon) checkAPIErrorBurst(ctx context.Context) {
	if d.cfg.APIErrorBurst <= 0 {
		return
	}
	window := time.Duration(d.cfg.APIErrorWindowSeconds) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	n := d.store.APIErrorsInWindow(window, d.now())
	breached := n >= d.cfg.APIErrorBurst
	if breached {
		d.sup.EnterSafeMode(ctx, "api error burst")
		if !d.burstBreached {
			d.alerts.Error(ctx, "API_ERROR_BURST", fmt.Sprintf("%d api errors within %s", n, window),
				map[string]any{"count": n, "window_seconds": int(window.Seconds())})
		}
	}
	d.burstBreached = breached
}

func (d *Daemon) checkAccountLimits(ctx context.Context) {
	acct, ok := d.store.Account()
	if !ok {
		return
	}

	if d.maxDrawdown > 0 && acct.Equity > 0 {
		peak := d.store.PeakEquity()
		var dd float64
		if peak > 0 {
			dd = (peak - acct.Equity) / peak
		}
		breached := dd > d.maxDrawdown
		if breached {
			d.sup.EnterSafeMode(ctx, "drawdown limit")
			if !d.ddBreached {
				d.alerts.Error(ctx, "DRAWDOWN_BREAKER",
					fmt.Sprintf("drawdown %.2f%% exceeds %.2f%%", dd*100, d.maxDrawdown*100),
					map[string]any{"equity": acct.Equity, "peak": peak, "drawdown": dd})
			}
		}
		d.ddBreached = breached
	}

	if d.cfg.MaxMarginRatio > 0 {
		ratio := acct.MarginRatio()
		breached := ratio > d.cfg.MaxMarginRatio
		if breached {
			d.sup.EnterSafeMode(ctx, "margin usage high")
			if !d.marginBreached {
				d.alerts.Warn(ctx, "MARGIN_USED_HIGH",
					fmt.Sprintf("margin ratio %.2f exceeds %.2f", ratio, d.cfg.MaxMarginRatio),
					map[string]any{"margin_used": acct.MarginUsed, "equity": acct.Equity, "ratio": ratio})
			}
		}
		d.marginBreached = breached
	}
}

func (d *Daemon) checkPositions(ctx context.Context) {
	// The panic sweep is already closing everything; repairing stops on
	// positions that are about to disappear only fights it.
	if d.sup.Mode() == ModePanic {
		return
	}
	for _, pos := range d.store.Positions() {
		if pos.Size <= 0 {
			continue
		}
		if d.liquidationTooClose(pos) {
			d.protectiveClose(ctx, pos, "liquidation_distance_too_close")
			continue
		}
		d.checkStopLoss(ctx, pos)
	}
}

func (d *Daemon) liquidationTooClose(pos state.PositionState) bool {
	if d.liqThreshold <= 0 || pos.LiqPrice <= 0 || pos.MarkPrice <= 0 {
		return false
	}
	dist := math.Abs(pos.LiqPrice-pos.MarkPrice) / pos.MarkPrice
	return dist <= d.liqThreshold
}

func (d *Daemon) checkStopLoss(ctx context.Context, pos state.PositionState) {
	if d.store.HasValidStopLoss(pos.Symbol, pos.Side) {
		return
	}
	if len(d.store.GuardsForSymbol(pos.Symbol)) > 0 {
		return
	}

	metrics.SLMissing.Inc()
	payload := map[string]any{
		"symbol": pos.Symbol,
		"side":   string(pos.Side),
		"size":   pos.Size,
	}
	trace := d.alerts.Warn(ctx, "SL_MISSING", pos.Symbol+" has no live stop-loss", payload)
	d.recordViolation(ctx, ledger.InvariantViolation{
		Invariant: "SL_MUST_EXIST",
		Symbol:    pos.Symbol,
		Reason:    "position without live stop-loss order",
		Payload:   payload,
		TraceID:   trace,
	})

	if d.placeAutofix(ctx, pos, trace) {
		return
	}
	d.maybeEmergencyClose(ctx, pos)
}

// placeAutofix drops a close-position stop at the default distance from
// the mark price so the position is never left naked while the owner of
// the original stop is repaired.
func (d *Daemon) placeAutofix(ctx context.Context, pos state.PositionState, trace string) bool {
	stop := autofixStopPrice(pos, d.defaultStop)
	if stop <= 0 {
		return false
	}

	unlock := d.store.LockSymbol(pos.Symbol)
	defer unlock()

	clientID := fmt.Sprintf("sl-autofix-%d", d.now().UnixMilli())
	res, err := d.gw.PlaceStopLoss(ctx, exchange.TriggerSpec{
		Symbol:        pos.Symbol,
		Hold:          pos.Side,
		TriggerPrice:  stop,
		ClosePosition: true,
		ClientOrderID: clientID,
	})
	if err != nil {
		d.store.RegisterAPIError(d.now())
		metrics.Orders.WithLabelValues(ledger.PurposeStopLoss, "failed").Inc()
		d.recordAction(ctx, ledger.ReconcilerAction{
			Symbol:        pos.Symbol,
			ClientOrderID: clientID,
			Action:        "SL_AUTOFIX_FAILED",
			Reason:        err.Error(),
			TraceID:       trace,
		})
		d.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("stop-loss autofix failed")
		return false
	}

	d.store.UpsertOrder(state.OrderRecord{
		Symbol:        pos.Symbol,
		Side:          exchange.CloseSide(pos.Side),
		Status:        res.Status,
		Quantity:      res.OrigQty,
		TradeSide:     state.TradeSideClose,
		Purpose:       state.PurposeStopLoss,
		TriggerPrice:  stop,
		IsPlanOrder:   true,
		ClientOrderID: res.ClientOrderID,
		OrderID:       strconv.FormatInt(res.OrderID, 10),
		UpdatedAt:     d.now().UTC(),
	})
	d.recordAction(ctx, ledger.ReconcilerAction{
		Symbol:        pos.Symbol,
		OrderID:       strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Action:        "SL_AUTOFIX_SUBMITTED",
		Reason:        "sl_missing",
		Payload:       map[string]any{"trigger_price": stop},
		TraceID:       trace,
	})
	metrics.Orders.WithLabelValues(ledger.PurposeStopLoss, "ok").Inc()
	metrics.ReconcileRepairs.WithLabelValues("sl_placed").Inc()
	return true
}

// maybeEmergencyClose closes a position that has run unprotected past the
// configured deadline after autofix placement kept failing.
func (d *Daemon) maybeEmergencyClose(ctx context.Context, pos state.PositionState) {
	if !d.cfg.EmergencyCloseOnSLPlaceFailed {
		return
	}
	limit := time.Duration(d.cfg.MaxTimeWithoutSLSeconds) * time.Second
	if limit <= 0 || pos.OpenedAt.IsZero() {
		return
	}
	if d.now().Sub(pos.OpenedAt) < limit {
		return
	}
	d.protectiveClose(ctx, pos, "sl_place_failed_timeout")
	d.sup.EnterSafeMode(ctx, "stop-loss placement failed")
}

func (d *Daemon) protectiveClose(ctx context.Context, pos state.PositionState, reason string) {
	payload := map[string]any{
		"symbol":     pos.Symbol,
		"side":       string(pos.Side),
		"size":       pos.Size,
		"mark_price": pos.MarkPrice,
		"liq_price":  pos.LiqPrice,
	}
	trace := d.alerts.Critical(ctx, "PROTECTIVE_CLOSE", "protective close "+pos.Symbol+": "+reason, payload)
	d.recordViolation(ctx, ledger.InvariantViolation{
		Invariant: "PROTECTIVE_CLOSE",
		Symbol:    pos.Symbol,
		Reason:    reason,
		Payload:   payload,
		TraceID:   trace,
	})

	unlock := d.store.LockSymbol(pos.Symbol)
	defer unlock()

	clientID := fmt.Sprintf("protect-%d", d.now().UnixMilli())
	res, err := d.gw.ProtectiveClose(ctx, pos.Symbol, pos.Side, pos.Size, clientID)
	if err != nil {
		d.store.RegisterAPIError(d.now())
		metrics.Orders.WithLabelValues(ledger.PurposeClose, "failed").Inc()
		d.recordAction(ctx, ledger.ReconcilerAction{
			Symbol:        pos.Symbol,
			ClientOrderID: clientID,
			Action:        "PROTECTIVE_CLOSE_FAILED",
			Reason:        reason,
			Payload:       map[string]any{"error": err.Error()},
			TraceID:       trace,
		})
		d.log.Error().Err(err).Str("symbol", pos.Symbol).Str("reason", reason).Msg("protective close failed")
		return
	}
	d.recordAction(ctx, ledger.ReconcilerAction{
		Symbol:        pos.Symbol,
		OrderID:       strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Action:        "PROTECTIVE_CLOSE_EXECUTED",
		Reason:        reason,
		TraceID:       trace,
	})
	metrics.Orders.WithLabelValues(ledger.PurposeClose, "ok").Inc()
}

// autofixStopPrice anchors on the mark price so the trigger is always on
// the valid side of the market, falling back to entry when mark is absent.
func autofixStopPrice(pos state.PositionState, stopDistance float64) float64 {
	if stopDistance <= 0 {
		return 0
	}
	ref := pos.MarkPrice
	if ref <= 0 {
		ref = pos.EntryPrice
	}
	if ref <= 0 {
		return 0
	}
	if pos.Side == exchange.PositionSideShort {
		return ref * (1 + stopDistance)
	}
	return ref * (1 - stopDistance)
}

func (d *Daemon) recordExecution(ctx context.Context, rec ledger.Execution) int64 {
	id, err := d.led.RecordExecution(ctx, rec)
	if err != nil {
		d.log.Warn().Err(err).Str("action", rec.ActionType).Msg("execution not recorded")
	}
	return id
}

func (d *Daemon) recordReceipt(ctx context.Context, rec ledger.OrderReceipt) {
	if err := d.led.RecordOrderReceipt(ctx, rec); err != nil {
		d.log.Warn().Err(err).Str("symbol", rec.Symbol).Msg("order receipt not recorded")
	}
}

func (d *Daemon) recordAction(ctx context.Context, rec ledger.ReconcilerAction) {
	if err := d.led.RecordReconcilerAction(ctx, rec); err != nil {
		d.log.Warn().Err(err).Str("action", rec.Action).Msg("reconciler action not recorded")
	}
}

func (d *Daemon) recordViolation(ctx context.Context, rec ledger.InvariantViolation) {
	if err := d.led.RecordInvariantViolation(ctx, rec); err != nil {
		d.log.Warn().Err(err).Str("invariant", rec.Invariant).Msg("invariant violation not recorded")
	}
}

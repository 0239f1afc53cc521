// Package reconcile drives the periodic order reconciliation pass: every
// pending local order is checked against the exchange, the observed state
// is folded back into the store, and protection drift is repaired through
// the order lifecycle manager (stops sized to fills, missing take-profit
// ladders, break-even reduces).
//
// A drift-free pass performs no exchange mutations; everything it observes
// is still appended to the ledger.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"signal-trading-bot/config"
	"signal-trading-bot/internal/exchange"
	"signal-trading-bot/internal/ledger"
	"signal-trading-bot/internal/metrics"
	"signal-trading-bot/internal/orders"
	"signal-trading-bot/internal/state"
)

// sizeDriftTolerance is the relative gap between a stop's quantity and the
// live position size above which the stop is re-placed.
const sizeDriftTolerance = 0.2

// Alerter posts operator-facing events and returns a trace ID that links
// the ledger records produced by the same pass.
type Alerter interface {
	Info(ctx context.Context, eventType, msg string, payload map[string]any) string
	Warn(ctx context.Context, eventType, msg string, payload map[string]any) string
}

// Safety flips the system into a protective mode when reconciliation keeps
// failing on the same order.
type Safety interface {
	EnterSafeMode(ctx context.Context, reason string) bool
}

// lifecycle is the slice of the order manager the reconciler drives: fill
// coverage, stop repair, and the local guard sweeps.
type lifecycle interface {
	OnEntryFill(ctx context.Context, rec state.OrderRecord, filledQty, avgPrice float64)
	EnsureStopLoss(ctx context.Context, pos state.PositionState, desiredPrice, desiredSize float64, source, parentClientOrderID string) orders.StopResult
	ProcessBEReduceGuards(ctx context.Context)
	ProcessLocalGuards(ctx context.Context)
}

// breaker is the slice of the risk engine the reconciler feeds: observed
// stop-outs and profitable closes maintain the consecutive-loss window.
type breaker interface {
	RecordStopLossClose(now time.Time)
	RecordProfitableClose()
}

// orderGateway is the one gateway call the reconciler makes itself; all
// repairs go through the lifecycle manager.
type orderGateway interface {
	GetOrder(ctx context.Context, symbol string, orderID int64, clientOrderID string) (*exchange.OrderResult, error)
}

// priceSource supplies paper fill prices for market orders in dry-run mode.
type priceSource interface {
	Price(symbol string) (float64, bool)
}

// Engine polls pending orders and repairs drift. One instance serves the
// whole process.
type Engine struct {
	gw      orderGateway
	store   *state.Store
	led     ledger.Ledger
	alerts  Alerter
	safety  Safety
	mgr     lifecycle
	breaker breaker
	prices  priceSource

	dryRun     bool
	interval   time.Duration
	guardEvery time.Duration
	maxRetries int

	// Consecutive fetch failures per order, cleared on the first success.
	errCounts map[string]int
	// Symbols already flagged for contradictory protection, so the alert
	// fires on the rising edge only.
	flagged map[string]bool

	log zerolog.Logger
	now func() time.Time
}

// NewEngine wires the reconciliation engine.
func NewEngine(
	cfg *config.Config,
	gw orderGateway,
	store *state.Store,
	led ledger.Ledger,
	alerts Alerter,
	safety Safety,
	mgr lifecycle,
	brk breaker,
	prices priceSource,
	logger zerolog.Logger,
) *Engine {
	return &Engine{
		gw:      gw,
		store:   store,
		led:     led,
		alerts:  alerts,
		safety:  safety,
		mgr:     mgr,
		breaker: brk,
		prices:  prices,

		dryRun:     cfg.RiskConfig.DryRun,
		interval:   time.Duration(cfg.ReconcileConfig.IntervalSeconds) * time.Second,
		guardEvery: time.Duration(cfg.ReconcileConfig.GuardIntervalSeconds) * time.Second,
		maxRetries: cfg.ReconcileConfig.MaxSubmitRetries,

		errCounts: make(map[string]int),
		flagged:   make(map[string]bool),

		log: logger.With().Str("component", "reconciler").Logger(),
		now: time.Now,
	}
}

// Run reconciles on the configured interval and sweeps the local guards on
// a faster tick until the context ends. Guard sweeps cannot wait out the
// reconcile cadence: a breached guard is an unprotected position.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	guardEvery := e.guardEvery
	if guardEvery <= 0 {
		guardEvery = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	guards := time.NewTicker(guardEvery)
	defer guards.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-guards.C:
			e.mgr.ProcessLocalGuards(ctx)
			e.mgr.ProcessBEReduceGuards(ctx)
		case <-ticker.C:
			e.ReconcileOnce(ctx)
			e.store.SetReconcilerFresh(e.now())
		}
	}
}

// ReconcileOnce runs a single pass over all pending orders, then the
// protection sweeps and the guard sweeps. Exported so startup and tests
// can drive a pass directly.
func (e *Engine) ReconcileOnce(ctx context.Context) {
	for _, rec := range e.store.PendingOrders() {
		e.reconcileOrder(ctx, rec)
	}
	e.recoverPendingProtection(ctx)
	e.flagContradictions(ctx)
	e.mgr.ProcessBEReduceGuards(ctx)
	e.mgr.ProcessLocalGuards(ctx)
}

func (e *Engine) reconcileOrder(ctx context.Context, rec state.OrderRecord) {
	// Local watcher records never exist on the exchange; the guard sweeps
	// own their lifecycle.
	if rec.Purpose == state.PurposeBEReduceLocal || orders.IsLocalGuardID(rec.ClientOrderID) {
		return
	}

	trace := e.alerts.Info(ctx, "RECONCILER_CHECK", "checking pending order",
		map[string]any{"symbol": rec.Symbol, "purpose": string(rec.Purpose),
			"client_order_id": rec.ClientOrderID, "order_id": rec.OrderID})

	if e.dryRun {
		e.reconcileDryRun(ctx, rec, trace)
		return
	}

	res, err := e.fetchOrder(ctx, rec)
	if err != nil {
		e.recordFetchError(ctx, rec, trace, err)
		return
	}
	delete(e.errCounts, errKey(rec))

	status := res.Status
	filled := res.ExecutedQty
	avg := res.AvgPrice
	if avg <= 0 {
		avg = rec.AvgPrice
	}

	e.store.MarkOrderStatus(rec.ClientOrderID, rec.OrderID, status, filled, avg)
	e.recordAction(ctx, ledger.ReconcilerAction{
		Symbol:        rec.Symbol,
		OrderID:       rec.OrderID,
		ClientOrderID: rec.ClientOrderID,
		Action:        "ORDER_RECONCILED",
		Reason:        fmt.Sprintf("purpose=%s;state=%s", rec.Purpose, status),
		Payload:       map[string]any{"filled": filled, "avg_price": avg},
		TraceID:       trace,
	})

	switch {
	case rec.Purpose == state.PurposeEntry && (status == exchange.StatusPartial || status == exchange.StatusFilled) && filled > 0:
		rec.Status = status
		rec.Filled = filled
		rec.AvgPrice = avg
		e.mgr.OnEntryFill(ctx, rec, filled, avg)
	case rec.Purpose == state.PurposeStopLoss && status == exchange.StatusFilled:
		e.breaker.RecordStopLossClose(e.now())
		e.alerts.Warn(ctx, "STOP_LOSS_FILLED", "position stopped out",
			map[string]any{"symbol": rec.Symbol, "filled": filled, "avg_price": avg})
	case rec.Purpose == state.PurposeStopLoss && !status.IsTerminal():
		e.repairStopSize(ctx, rec, trace)
	case (rec.Purpose == state.PurposeTakeProfit || rec.Purpose == state.PurposeBEReduce) && status == exchange.StatusFilled:
		e.breaker.RecordProfitableClose()
	}
}

// reconcileDryRun marks a pending paper order filled and drives the same
// protective flow a live fill would, so dry runs exercise the whole chain.
func (e *Engine) reconcileDryRun(ctx context.Context, rec state.OrderRecord, trace string) {
	filled := rec.Quantity
	if filled <= 0 {
		filled = rec.Filled
	}
	avg := e.dryFillPrice(rec)

	e.store.MarkOrderStatus(rec.ClientOrderID, rec.OrderID, exchange.StatusFilled, filled, avg)
	e.recordAction(ctx, ledger.ReconcilerAction{
		Symbol:        rec.Symbol,
		OrderID:       rec.OrderID,
		ClientOrderID: rec.ClientOrderID,
		Action:        "DRY_RUN_FILLED",
		Reason:        "purpose=" + string(rec.Purpose),
		Payload:       map[string]any{"filled": filled, "avg_price": avg},
		TraceID:       trace,
	})

	if rec.Purpose == state.PurposeEntry && filled > 0 {
		rec.Status = exchange.StatusFilled
		rec.Filled = filled
		if avg > 0 {
			rec.AvgPrice = avg
		}
		e.mgr.OnEntryFill(ctx, rec, filled, rec.AvgPrice)
	}
}

// dryFillPrice picks a paper fill price: the order's own limit or trigger
// price when it has one, the live feed otherwise.
func (e *Engine) dryFillPrice(rec state.OrderRecord) float64 {
	if rec.Price > 0 {
		return rec.Price
	}
	if rec.TriggerPrice > 0 {
		return rec.TriggerPrice
	}
	if rec.AvgPrice > 0 {
		return rec.AvgPrice
	}
	if e.prices != nil {
		if px, ok := e.prices.Price(rec.Symbol); ok {
			return px
		}
	}
	return 0
}

func (e *Engine) fetchOrder(ctx context.Context, rec state.OrderRecord) (*exchange.OrderResult, error) {
	var orderID int64
	if rec.OrderID != "" {
		if v, err := strconv.ParseInt(rec.OrderID, 10, 64); err == nil {
			orderID = v
		}
	}
	return e.gw.GetOrder(ctx, rec.Symbol, orderID, rec.ClientOrderID)
}

// recordFetchError counts consecutive failures per order and escalates to
// SAFE_MODE once an order cannot be reconciled past the retry budget.
func (e *Engine) recordFetchError(ctx context.Context, rec state.OrderRecord, trace string, err error) {
	key := errKey(rec)
	e.errCounts[key]++
	count := e.errCounts[key]

	e.store.RegisterAPIError(e.now())
	e.recordAction(ctx, ledger.ReconcilerAction{
		Symbol:        rec.Symbol,
		OrderID:       rec.OrderID,
		ClientOrderID: rec.ClientOrderID,
		Action:        "RECONCILE_ERROR",
		Reason:        err.Error(),
		Payload:       map[string]any{"retry": count, "purpose": string(rec.Purpose)},
		TraceID:       trace,
	})
	e.alerts.Warn(ctx, "RECONCILE_ORDER_ERROR", "failed to reconcile order",
		map[string]any{"symbol": rec.Symbol, "retry": count, "error": err.Error(),
			"purpose": string(rec.Purpose)})
	e.log.Warn().Err(err).Str("symbol", rec.Symbol).Str("client_order_id", rec.ClientOrderID).
		Int("retry", count).Msg("order reconcile failed")

	if count > e.maxRetries {
		e.safety.EnterSafeMode(ctx, "reconciler retries exceeded")
	}
}

// repairStopSize re-places a stop whose quantity drifted more than 20%
// from the live position, sized back to the position.
func (e *Engine) repairStopSize(ctx context.Context, rec state.OrderRecord, trace string) {
	pos, ok := e.store.Position(rec.Symbol)
	if !ok || pos.Size <= 0 || rec.Quantity <= 0 {
		return
	}
	ratio := math.Abs(rec.Quantity-pos.Size) / pos.Size
	if ratio <= sizeDriftTolerance {
		return
	}

	res := e.mgr.EnsureStopLoss(ctx, pos, rec.TriggerPrice, pos.Size, "reconciler_sl_size_repair", rec.ParentClientOrderID)
	e.recordAction(ctx, ledger.ReconcilerAction{
		Symbol:        rec.Symbol,
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Action:        "SL_SIZE_REPAIRED",
		Reason:        res.Reason,
		Payload:       map[string]any{"old_qty": rec.Quantity, "new_qty": pos.Size, "ok": res.OK, "mode": res.Mode},
		TraceID:       trace,
	})
	if res.OK {
		metrics.ReconcileRepairs.WithLabelValues("sl_resized").Inc()
	}
}

// recoverPendingProtection finishes stop replacements that lost their
// second phase: the marker is set but no valid stop is tracked. Happens
// after a crash mid-move or a rejected re-placement; the stop comes back
// at the intended price, sized to the live position.
func (e *Engine) recoverPendingProtection(ctx context.Context) {
	for _, p := range e.store.PendingProtections() {
		pos, ok := e.store.Position(p.Symbol)
		if !ok || pos.Size <= 0 {
			e.store.ClearProtectionPending(p.Symbol)
			continue
		}
		if e.store.HasValidStopLoss(p.Symbol, pos.Side) {
			e.store.ClearProtectionPending(p.Symbol)
			continue
		}

		res := e.mgr.EnsureStopLoss(ctx, pos, p.TriggerPrice, 0, "protection_pending_recovery", "")
		e.recordAction(ctx, ledger.ReconcilerAction{
			Symbol:        p.Symbol,
			OrderID:       res.OrderID,
			ClientOrderID: res.ClientOrderID,
			Action:        "PROTECTION_RECOVERED",
			Reason:        p.Reason,
			Payload: map[string]any{"trigger_price": p.TriggerPrice, "marked_at": p.MarkedAt,
				"ok": res.OK, "mode": res.Mode},
			TraceID: res.TraceID,
		})
		if res.OK {
			metrics.ReconcileRepairs.WithLabelValues("protection_recovered").Inc()
		}
	}
}

// flagContradictions reports symbols whose tracked protection disagrees
// with itself: more than one live stop, or a stop on the entry side of the
// open position. The records are flagged for the operator, never
// auto-cancelled; the flag re-arms once the symbol is clean again.
func (e *Engine) flagContradictions(ctx context.Context) {
	stops := make(map[string][]state.OrderRecord)
	for _, rec := range e.store.PendingOrders() {
		if rec.Purpose == state.PurposeStopLoss {
			stops[rec.Symbol] = append(stops[rec.Symbol], rec)
		}
	}

	for symbol, recs := range stops {
		var reason string
		if len(recs) > 1 {
			reason = fmt.Sprintf("%d live stop-loss orders tracked", len(recs))
		} else if pos, ok := e.store.Position(symbol); ok && pos.Size > 0 && recs[0].Side != exchange.CloseSide(pos.Side) {
			reason = "stop-loss on the entry side of a " + string(pos.Side) + " position"
		}
		if reason == "" {
			delete(e.flagged, symbol)
			continue
		}
		if e.flagged[symbol] {
			continue
		}
		e.flagged[symbol] = true

		ids := make([]string, 0, len(recs))
		for _, rec := range recs {
			ids = append(ids, rec.ClientOrderID)
		}
		payload := map[string]any{"symbol": symbol, "client_order_ids": ids, "reason": reason}
		trace := e.alerts.Warn(ctx, "PROTECTION_CONTRADICTION", "conflicting stop-loss records for "+symbol, payload)
		e.recordViolation(ctx, ledger.InvariantViolation{
			Invariant: "SL_RECORDS_CONSISTENT",
			Symbol:    symbol,
			Reason:    reason,
			Payload:   payload,
			TraceID:   trace,
		})
		e.log.Warn().Str("symbol", symbol).Str("reason", reason).Msg("contradictory protection records")
	}

	for symbol := range e.flagged {
		if _, ok := stops[symbol]; !ok {
			delete(e.flagged, symbol)
		}
	}
}

func (e *Engine) recordAction(ctx context.Context, act ledger.ReconcilerAction) {
	if err := e.led.RecordReconcilerAction(ctx, act); err != nil {
		e.log.Error().Err(err).Str("action", act.Action).Msg("ledger append failed")
	}
}

func (e *Engine) recordViolation(ctx context.Context, v ledger.InvariantViolation) {
	if err := e.led.RecordInvariantViolation(ctx, v); err != nil {
		e.log.Error().Err(err).Str("invariant", v.Invariant).Msg("ledger append failed")
	}
}

func errKey(rec state.OrderRecord) string {
	if rec.ClientOrderID != "" {
		return rec.ClientOrderID
	}
	if rec.OrderID != "" {
		return rec.OrderID
	}
	return rec.Symbol + ":" + string(rec.Purpose)
}

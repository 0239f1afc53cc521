package orders

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"signal-trading-bot/internal/exchange"
	"signal-trading-bot/internal/metrics"
	"signal-trading-bot/internal/state"
)

// Stop coverage modes reported by EnsureStopLoss.
const (
	StopModeNone       = "none"
	StopModeExisting   = "existing"
	StopModeTrigger    = "trigger"
	StopModeLocalGuard = "local_guard"
)

// triggerDriftTolerance is the relative gap between an existing stop and
// the desired price below which the stop is left alone.
const triggerDriftTolerance = 0.0001

// StopResult reports how a position ended up covered, or why it did not.
type StopResult struct {
	OK            bool
	Mode          string
	Reason        string
	TraceID       string
	OrderID       string
	ClientOrderID string
}

// EnsureStopLoss guarantees the position is covered by exactly one stop:
// an exchange trigger order when the venue supports it, a local guard
// otherwise. An existing stop within tolerance of the desired price is
// kept; one that drifted or fails validation is cancelled and replaced.
// desiredPrice and desiredSize of zero mean "derive from the position".
func (m *Manager) EnsureStopLoss(ctx context.Context, pos state.PositionState, desiredPrice, desiredSize float64, source, parentClientOrderID string) StopResult {
	unlock := m.store.LockSymbol(pos.Symbol)
	defer unlock()
	return m.ensureStopLocked(ctx, pos, desiredPrice, desiredSize, source, parentClientOrderID)
}

func (m *Manager) ensureStopLocked(ctx context.Context, pos state.PositionState, desiredPrice, desiredSize float64, source, parentClientOrderID string) StopResult {
	size := desiredSize
	if size <= 0 {
		size = pos.Size
	}
	if size <= 0 {
		m.alerts.Warn(ctx, "SL_AUTOFIX_SKIPPED", "stop-loss skipped, nothing to cover",
			map[string]any{"symbol": pos.Symbol, "source": source})
		return StopResult{Mode: StopModeNone, Reason: "size<=0"}
	}

	trace := m.alerts.Info(ctx, "SL_AUTOFIX_ATTEMPT", "ensuring stop-loss coverage",
		map[string]any{"symbol": pos.Symbol, "side": string(pos.Side), "size": size,
			"desired_price": desiredPrice, "source": source})

	if existing, ok := m.store.StopLossOrder(pos.Symbol, pos.Side); ok {
		valid, invalidReason := m.validateExistingStop(existing, pos)
		switch {
		case valid && desiredPrice > 0:
			drift := math.Abs(existing.TriggerPrice - desiredPrice)
			if drift <= math.Max(math.Abs(desiredPrice), 1)*triggerDriftTolerance {
				return StopResult{OK: true, Mode: StopModeExisting, Reason: "already_covered",
					TraceID: trace, OrderID: existing.OrderID, ClientOrderID: existing.ClientOrderID}
			}
			m.markReplacePending(pos, desiredPrice, size, "sl_trigger_price_mismatch")
			m.cancelExistingStop(ctx, existing, "sl_trigger_price_mismatch", trace)
		case valid:
			return StopResult{OK: true, Mode: StopModeExisting, Reason: "already_covered",
				TraceID: trace, OrderID: existing.OrderID, ClientOrderID: existing.ClientOrderID}
		default:
			m.markReplacePending(pos, desiredPrice, size, invalidReason)
			m.cancelExistingStop(ctx, existing, invalidReason, trace)
		}
	}

	trigger := desiredPrice
	if trigger <= 0 {
		trigger = m.defaultStopPrice(pos)
	}
	rules := m.symbolRules(ctx, pos.Symbol)
	trigger = rules.RoundPrice(trigger)
	if trigger <= 0 {
		m.alerts.Warn(ctx, "SL_AUTOFIX_SKIPPED", "stop-loss skipped, no usable trigger price",
			map[string]any{"symbol": pos.Symbol, "source": source})
		return StopResult{Mode: StopModeNone, Reason: "invalid_trigger_price", TraceID: trace}
	}
	size = rules.RoundQtyDown(size)
	if size <= 0 {
		return StopResult{Mode: StopModeNone, Reason: "size<=0", TraceID: trace}
	}

	if m.slOrderType != StopModeLocalGuard && m.gw.ProbeTriggerCapability(ctx) == exchange.CapSupported {
		return m.placeTriggerStop(ctx, pos, trigger, size, trace, parentClientOrderID, source)
	}
	return m.armLocalGuard(ctx, pos, trigger, size, trace, parentClientOrderID, source)
}

// defaultStopPrice derives a stop from the entry (or mark, for positions
// discovered without one) using the configured default distance.
func (m *Manager) defaultStopPrice(pos state.PositionState) float64 {
	ref := pos.EntryPrice
	if ref <= 0 {
		ref = pos.MarkPrice
	}
	if ref <= 0 || m.defaultStop <= 0 {
		return 0
	}
	if pos.Side == exchange.PositionSideShort {
		return ref * (1 + m.defaultStop)
	}
	return ref * (1 - m.defaultStop)
}

func (m *Manager) placeTriggerStop(ctx context.Context, pos state.PositionState, trigger, size float64, trace, parentClientOrderID, source string) StopResult {
	id := StopLossID()
	spec := exchange.TriggerSpec{
		Symbol:        pos.Symbol,
		Hold:          pos.Side,
		Qty:           size,
		TriggerPrice:  trigger,
		ClientOrderID: id,
	}

	if m.dryRun {
		m.trackStop(pos, id, "dry-"+id, exchange.StatusAcked, trigger, size, parentClientOrderID, true)
		m.disarmGuardsLocked(ctx, pos.Symbol, trace)
		metrics.Orders.WithLabelValues(string(state.PurposeStopLoss), "dry_run").Inc()
		m.recordAction(ctx, pos.Symbol, "dry-"+id, id, "SL_TRIGGER_DRY_RUN", "source="+source,
			map[string]any{"trigger_price": trigger, "size": size}, trace)
		return StopResult{OK: true, Mode: StopModeTrigger, TraceID: trace, OrderID: "dry-" + id, ClientOrderID: id}
	}

	res, err := m.gw.PlaceStopLoss(ctx, spec)
	if err != nil {
		m.store.RegisterAPIError(m.now())
		metrics.Orders.WithLabelValues(string(state.PurposeStopLoss), "failed").Inc()
		m.recordAction(ctx, pos.Symbol, "", id, "SL_TRIGGER_FAILED", err.Error(),
			map[string]any{"trigger_price": trigger, "size": size, "source": source}, trace)
		m.alerts.Error(ctx, "SL_TRIGGER_FAILED", "stop-loss trigger rejected by exchange",
			map[string]any{"symbol": pos.Symbol, "trigger_price": trigger, "reason": err.Error()})
		return StopResult{Mode: StopModeTrigger, Reason: err.Error(), TraceID: trace}
	}

	orderID := strconv.FormatInt(res.OrderID, 10)
	m.trackStop(pos, clientID(res.ClientOrderID, id), orderID, ackStatus(res.Status), trigger, size, parentClientOrderID, true)
	m.disarmGuardsLocked(ctx, pos.Symbol, trace)
	metrics.Orders.WithLabelValues(string(state.PurposeStopLoss), "ok").Inc()
	m.recordAction(ctx, pos.Symbol, orderID, id, "SL_TRIGGER_SUBMITTED", "source="+source,
		map[string]any{"trigger_price": trigger, "size": size}, trace)
	m.alerts.Warn(ctx, "SL_TRIGGER_SUBMITTED", "stop-loss trigger placed",
		map[string]any{"symbol": pos.Symbol, "trigger_price": trigger, "size": size, "source": source})
	m.log.Info().Str("symbol", pos.Symbol).Float64("trigger", trigger).
		Float64("size", size).Str("source", source).Msg("stop-loss trigger placed")
	return StopResult{OK: true, Mode: StopModeTrigger, TraceID: trace, OrderID: orderID, ClientOrderID: id}
}

// armLocalGuard holds the stop in memory and evaluates it against the
// price feed. The pseudo order record keeps the guard visible to
// coverage checks and the status endpoint.
func (m *Manager) armLocalGuard(ctx context.Context, pos state.PositionState, trigger, size float64, trace, parentClientOrderID, source string) StopResult {
	id := LocalGuardID()
	m.store.ArmGuard(exchange.TriggerSpec{
		Symbol:        pos.Symbol,
		Hold:          pos.Side,
		Qty:           size,
		TriggerPrice:  trigger,
		ClientOrderID: id,
	})
	m.trackStop(pos, id, "", exchange.StatusAcked, trigger, size, parentClientOrderID, false)

	m.recordAction(ctx, pos.Symbol, "", id, "SL_LOCAL_GUARD_ARMED", "source="+source,
		map[string]any{"trigger_price": trigger, "size": size}, trace)
	m.log.Info().Str("symbol", pos.Symbol).Float64("trigger", trigger).
		Float64("size", size).Str("source", source).Msg("local guard armed")

	if m.prices.Mode() == "rest" {
		if m.restGuardAct == "safe_mode" {
			m.safety.EnterSafeMode(ctx, "local_guard with rest price feed")
		}
		m.alerts.Warn(ctx, "LOCAL_GUARD_REST_DEGRADED", "local guard armed on polled prices",
			map[string]any{"symbol": pos.Symbol, "trigger_price": trigger, "action": m.restGuardAct})
	}
	return StopResult{OK: true, Mode: StopModeLocalGuard, TraceID: trace, ClientOrderID: id}
}

// markReplacePending opens the two-phase window of a stop replacement.
// The marker (and its Redis mirror) survives a crash between the cancel
// and the re-placement, so the reconciler can finish the move with the
// intended price instead of a config default.
func (m *Manager) markReplacePending(pos state.PositionState, trigger, size float64, reason string) {
	m.store.MarkProtectionPending(state.ProtectionPending{
		Symbol:       pos.Symbol,
		Side:         pos.Side,
		TriggerPrice: trigger,
		Size:         size,
		Reason:       reason,
	})
}

func (m *Manager) trackStop(pos state.PositionState, id, orderID string, status exchange.OrderStatus, trigger, size float64, parentClientOrderID string, isPlan bool) {
	threadID := ""
	if parentClientOrderID != "" {
		if parsed, ok := Parse(parentClientOrderID); ok {
			threadID = parsed.ThreadID
		}
	}
	m.store.UpsertOrder(state.OrderRecord{
		Symbol:              pos.Symbol,
		Side:                exchange.CloseSide(pos.Side),
		Status:              status,
		Quantity:            size,
		ReduceOnly:          !m.hedge,
		TradeSide:           m.closeTradeSide(),
		Purpose:             state.PurposeStopLoss,
		TriggerPrice:        trigger,
		IsPlanOrder:         isPlan,
		ClientOrderID:       id,
		OrderID:             orderID,
		ParentClientOrderID: parentClientOrderID,
		ThreadID:            threadID,
	})
	m.store.ClearProtectionPending(pos.Symbol)
}

// validateExistingStop decides whether a tracked stop still protects the
// position. A stale quantity more than 20% off the position size, a dead
// trigger price, or a non-closing order all fail.
func (m *Manager) validateExistingStop(rec state.OrderRecord, pos state.PositionState) (bool, string) {
	if rec.Side != exchange.CloseSide(pos.Side) {
		return false, "sl_side_mismatch"
	}
	if !rec.ReduceOnly && rec.TradeSide != state.TradeSideClose {
		return false, "sl_not_reducing"
	}
	if rec.TriggerPrice <= 0 {
		return false, "sl_invalid_trigger"
	}
	if pos.Size > 0 && rec.Quantity > 0 {
		if math.Abs(rec.Quantity-pos.Size)/pos.Size > 0.2 {
			return false, "sl_size_mismatch"
		}
	}
	return true, ""
}

// cancelExistingStop removes a stop that no longer fits. Failures are
// recorded and swallowed; the follow-up placement still runs and the
// reconciler retries the next pass.
func (m *Manager) cancelExistingStop(ctx context.Context, rec state.OrderRecord, reason, trace string) {
	if IsLocalGuardID(rec.ClientOrderID) {
		m.store.DisarmGuard(rec.ClientOrderID)
		m.store.MarkOrderStatus(rec.ClientOrderID, rec.OrderID, exchange.StatusCanceled, -1, 0)
		m.recordAction(ctx, rec.Symbol, rec.OrderID, rec.ClientOrderID, "SL_CANCELLED", reason,
			map[string]any{"trigger_price": rec.TriggerPrice, "local_guard": true}, trace)
		return
	}

	if m.dryRun {
		m.store.MarkOrderStatus(rec.ClientOrderID, rec.OrderID, exchange.StatusCanceled, -1, 0)
		m.recordAction(ctx, rec.Symbol, rec.OrderID, rec.ClientOrderID, "SL_CANCEL_DRY_RUN", reason,
			map[string]any{"trigger_price": rec.TriggerPrice}, trace)
		return
	}

	oid, _ := strconv.ParseInt(rec.OrderID, 10, 64)
	if err := m.gw.CancelOrder(ctx, rec.Symbol, oid, rec.ClientOrderID); err != nil {
		m.store.RegisterAPIError(m.now())
		m.recordAction(ctx, rec.Symbol, rec.OrderID, rec.ClientOrderID, "SL_CANCEL_FAILED", err.Error(),
			map[string]any{"trigger_price": rec.TriggerPrice, "cancel_reason": reason}, trace)
		m.log.Error().Err(err).Str("symbol", rec.Symbol).Str("client_order_id", rec.ClientOrderID).Msg("stop-loss cancel failed")
		return
	}
	m.store.MarkOrderStatus(rec.ClientOrderID, rec.OrderID, exchange.StatusCanceled, -1, 0)
	metrics.ReconcileRepairs.WithLabelValues("sl_cancelled").Inc()
	m.recordAction(ctx, rec.Symbol, rec.OrderID, rec.ClientOrderID, "SL_CANCELLED", reason,
		map[string]any{"trigger_price": rec.TriggerPrice}, trace)
}

// disarmGuardsLocked drops every local guard for the symbol once a real
// exchange trigger covers it, and closes out their pseudo records.
func (m *Manager) disarmGuardsLocked(ctx context.Context, symbol, trace string) {
	for _, g := range m.store.GuardsForSymbol(symbol) {
		m.store.DisarmGuard(g.Spec.ClientOrderID)
		m.store.MarkOrderStatus(g.Spec.ClientOrderID, "", exchange.StatusCanceled, -1, 0)
		m.recordAction(ctx, symbol, "", g.Spec.ClientOrderID, "SL_LOCAL_GUARD_DISARMED", "replaced by exchange trigger",
			map[string]any{"trigger_price": g.Spec.TriggerPrice}, trace)
	}
}

// MoveToBreakEven walks the stop to the entry price once the position has
// earned enough room. The exchange refusing the new stop is escalated
// after the configured retries: a position that cannot be locked in at
// break-even is not left on its original risk silently.
func (m *Manager) MoveToBreakEven(ctx context.Context, pos state.PositionState) StopResult {
	unlock := m.store.LockSymbol(pos.Symbol)
	defer unlock()
	return m.moveToBreakEvenLocked(ctx, pos)
}

func (m *Manager) moveToBreakEvenLocked(ctx context.Context, pos state.PositionState) StopResult {
	if pos.EntryPrice <= 0 {
		m.alerts.Warn(ctx, "SL_MOVE_BE_SKIPPED", "break-even move skipped, entry price unknown",
			map[string]any{"symbol": pos.Symbol})
		return StopResult{Mode: StopModeNone, Reason: "entry_price_missing"}
	}

	if m.beMinProfit > 0 {
		mark := pos.MarkPrice
		if mark <= 0 {
			if px, ok := m.prices.Price(pos.Symbol); ok {
				mark = px
			}
		}
		if mark > 0 && !clearedProfitFloor(pos.Side, pos.EntryPrice, mark, m.beMinProfit) {
			m.alerts.Warn(ctx, "SL_MOVE_BE_SKIPPED", "break-even move skipped, profit below threshold",
				map[string]any{"symbol": pos.Symbol, "entry_price": pos.EntryPrice, "mark_price": mark,
					"min_profit_ratio": m.beMinProfit})
			return StopResult{Mode: StopModeNone, Reason: "profit_below_threshold"}
		}
	}

	be := pos.EntryPrice * (1 + m.beBuffer)
	if pos.Side == exchange.PositionSideShort {
		be = pos.EntryPrice * (1 - m.beBuffer)
	}

	var res StopResult
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		res = m.ensureStopLocked(ctx, pos, be, pos.Size, "move_sl_to_be", "")
		if res.OK && m.store.HasValidStopLoss(pos.Symbol, pos.Side) {
			return res
		}
	}

	m.safety.EnterSafeMode(ctx, "break-even stop move failed")
	m.alerts.Error(ctx, "SL_MOVE_BE_FAILED", "break-even stop not placed after retries",
		map[string]any{"symbol": pos.Symbol, "be_price": be, "attempts": m.maxRetries + 1, "reason": res.Reason})
	return res
}

// clearedProfitFloor reports whether mark has moved past entry in the
// profitable direction by at least minProfit.
func clearedProfitFloor(side exchange.PositionSide, entry, mark, minProfit float64) bool {
	if side == exchange.PositionSideShort {
		return mark <= entry*(1-minProfit)
	}
	return mark >= entry*(1+minProfit)
}

// ProcessLocalGuards evaluates armed guards against the price feed and
// market-closes the guarded quantity when a trigger is breached. Runs on
// every price tick.
func (m *Manager) ProcessLocalGuards(ctx context.Context) {
	for _, g := range m.store.Guards() {
		px, ok := m.prices.Price(g.Spec.Symbol)
		if !ok || px <= 0 {
			continue
		}
		breached := (g.Spec.Hold == exchange.PositionSideShort && px >= g.Spec.TriggerPrice) ||
			(g.Spec.Hold != exchange.PositionSideShort && px <= g.Spec.TriggerPrice)
		if !breached {
			continue
		}

		unlock := m.store.LockSymbol(g.Spec.Symbol)
		trace := m.alerts.Critical(ctx, "LOCAL_GUARD_TRIGGERED", "local guard stop breached",
			map[string]any{"symbol": g.Spec.Symbol, "trigger_price": g.Spec.TriggerPrice,
				"observed_price": px, "size": g.Spec.Qty})
		metrics.LocalGuardTrips.Inc()

		if m.dryRun {
			m.store.DisarmGuard(g.Spec.ClientOrderID)
			m.store.MarkOrderStatus(g.Spec.ClientOrderID, "", exchange.StatusFilled, g.Spec.Qty, px)
			m.recordAction(ctx, g.Spec.Symbol, "", g.Spec.ClientOrderID, "LOCAL_GUARD_TRIGGER_DRY_RUN", "trigger breached",
				map[string]any{"trigger_price": g.Spec.TriggerPrice, "observed_price": px}, trace)
			unlock()
			continue
		}

		closeID := fmt.Sprintf("protect-%d", m.now().UnixMilli())
		res, err := m.gw.ProtectiveClose(ctx, g.Spec.Symbol, g.Spec.Hold, g.Spec.Qty, closeID)
		if err != nil {
			// Guard stays armed so the next tick retries the close.
			m.store.RegisterAPIError(m.now())
			m.recordAction(ctx, g.Spec.Symbol, "", g.Spec.ClientOrderID, "LOCAL_GUARD_TRIGGER_FAILED", err.Error(),
				map[string]any{"trigger_price": g.Spec.TriggerPrice, "observed_price": px}, trace)
			m.alerts.Error(ctx, "LOCAL_GUARD_TRIGGER_FAILED", "local guard close rejected",
				map[string]any{"symbol": g.Spec.Symbol, "reason": err.Error()})
			unlock()
			continue
		}

		m.store.DisarmGuard(g.Spec.ClientOrderID)
		m.store.MarkOrderStatus(g.Spec.ClientOrderID, "", exchange.StatusFilled, g.Spec.Qty, px)
		m.recordAction(ctx, g.Spec.Symbol, strconv.FormatInt(res.OrderID, 10), g.Spec.ClientOrderID,
			"LOCAL_GUARD_TRIGGER_CLOSE", "trigger breached",
			map[string]any{"trigger_price": g.Spec.TriggerPrice, "observed_price": px, "size": g.Spec.Qty}, trace)
		m.safety.EnterSafeMode(ctx, "local guard triggered")
		m.log.Warn().Str("symbol", g.Spec.Symbol).Float64("trigger", g.Spec.TriggerPrice).
			Float64("price", px).Msg("local guard closed position")
		unlock()
	}
}

// ackStatus treats an empty exchange status as acknowledged.
func ackStatus(s exchange.OrderStatus) exchange.OrderStatus {
	if s == "" {
		return exchange.StatusAcked
	}
	return s
}

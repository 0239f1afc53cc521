// Package orders owns the trade lifecycle after risk approval: entry
// placement, protective stop-loss and take-profit coverage, break-even
// management, and the local guards that stand in when the exchange
// cannot hold a trigger order.
//
// All mutations of one symbol run under the state store's symbol lock so
// the lifecycle path, the reconciler, and the risk daemon never race on
// the same position.
package orders

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"signal-trading-bot/config"
	"signal-trading-bot/internal/exchange"
	"signal-trading-bot/internal/ledger"
	"signal-trading-bot/internal/metrics"
	"signal-trading-bot/internal/risk"
	"signal-trading-bot/internal/signals"
	"signal-trading-bot/internal/state"
)

// Alerter posts operator-facing events and returns a trace ID that links
// the ledger records produced by the same action.
type Alerter interface {
	Info(ctx context.Context, eventType, msg string, payload map[string]any) string
	Warn(ctx context.Context, eventType, msg string, payload map[string]any) string
	Error(ctx context.Context, eventType, msg string, payload map[string]any) string
	Critical(ctx context.Context, eventType, msg string, payload map[string]any) string
}

// Safety flips the system into a protective mode when lifecycle
// management hits a degradation it cannot repair on its own.
type Safety interface {
	EnterSafeMode(ctx context.Context, reason string) bool
}

// PriceFeed reports the last known price for a symbol and the feed's
// current delivery mode ("ws" or "rest").
type PriceFeed interface {
	Price(symbol string) (float64, bool)
	Mode() string
}

// RulesSource resolves symbol trading filters for rounding.
type RulesSource interface {
	Get(ctx context.Context, symbol string) (*exchange.SymbolRules, error)
}

// Meta links an execution record back to the message that produced it.
type Meta struct {
	ChatID    int64
	MessageID int64
	Version   int
}

// EntryResult reports what ExecuteEntry recorded and placed.
type EntryResult struct {
	ExecutionID int64
	Status      string
	ThreadID    string
	Placed      []string
}

// Manager drives orders through their lifecycle. One instance serves the
// whole process; per-symbol serialization comes from the store's locks.
type Manager struct {
	gw     exchange.Gateway
	rules  RulesSource
	store  *state.Store
	led    ledger.Ledger
	alerts Alerter
	safety Safety
	prices PriceFeed

	dryRun bool
	hedge  bool

	limitTIF     string
	entrySplits  []float64
	tpFallbacks  []float64
	tpOnFill     bool
	beReduceFrac float64
	beBuffer     float64
	beMinProfit  float64
	defaultStop  float64
	slOrderType  string
	restGuardAct string
	maxRetries   int

	log zerolog.Logger
	now func() time.Time
}

// NewManager wires the lifecycle manager. Percent-or-ratio thresholds are
// normalized here once; everything downstream works in ratios.
func NewManager(
	cfg *config.Config,
	gw exchange.Gateway,
	rules RulesSource,
	store *state.Store,
	led ledger.Ledger,
	alerts Alerter,
	safety Safety,
	prices PriceFeed,
	logger zerolog.Logger,
) *Manager {
	return &Manager{
		gw:     gw,
		rules:  rules,
		store:  store,
		led:    led,
		alerts: alerts,
		safety: safety,
		prices: prices,

		dryRun: cfg.RiskConfig.DryRun,
		hedge:  gw.HedgeMode(),

		limitTIF:     cfg.ExecutionConfig.TimeInForce,
		entrySplits:  append([]float64(nil), cfg.ExecutionConfig.EntrySplits...),
		tpFallbacks:  append([]float64(nil), cfg.ExecutionConfig.TakeProfitPoints...),
		tpOnFill:     !cfg.ExecutionConfig.DisableTPOnFill,
		beReduceFrac: config.PercentOrRatio(cfg.ExecutionConfig.BEReducePct),
		beBuffer:     config.PercentOrRatio(cfg.ExecutionConfig.BEBufferPct),
		beMinProfit:  config.PercentOrRatio(cfg.ExecutionConfig.BEMinProfitPct),
		defaultStop:  config.PercentOrRatio(cfg.RiskConfig.DefaultStopLossPct),
		slOrderType:  cfg.ExecutionConfig.StopLossOrderType,
		restGuardAct: cfg.PriceFeedConfig.RESTGuardAction,
		maxRetries:   cfg.ExecutionConfig.MaxSubmitRetries,

		log: logger.With().Str("component", "orders").Logger(),
		now: time.Now,
	}
}

// ExecuteEntry places the entry order(s) for an approved plan, records
// the decision, and tracks the resulting orders under a fresh trade
// thread. Plans still awaiting confirmation must not reach here.
func (m *Manager) ExecuteEntry(ctx context.Context, sig *signals.Signal, plan *risk.OrderPlan, meta Meta) (*EntryResult, error) {
	unlock := m.store.LockSymbol(plan.Symbol)
	defer unlock()

	threadID := NewThreadID()
	side := entrySide(plan.Side)
	hold := holdSide(plan.Side)

	if m.dryRun {
		return m.dryRunEntry(ctx, sig, plan, meta, threadID, side)
	}

	if plan.Leverage > 0 {
		accepted, err := m.gw.SetLeverage(ctx, plan.Symbol, plan.Leverage)
		if err != nil {
			m.store.RegisterAPIError(m.now())
			execID := m.recordEntryExecution(ctx, sig, plan, meta, ledger.StatusFailed, fmt.Sprintf("set leverage: %v", err))
			m.alerts.Error(ctx, "ENTRY_FAILED", "entry aborted, leverage not applied",
				map[string]any{"symbol": plan.Symbol, "leverage": plan.Leverage, "reason": err.Error()})
			return &EntryResult{ExecutionID: execID, Status: ledger.StatusFailed, ThreadID: threadID},
				fmt.Errorf("set leverage %s: %w", plan.Symbol, err)
		}
		if accepted != plan.Leverage {
			m.log.Warn().Str("symbol", plan.Symbol).
				Int("requested", plan.Leverage).Int("accepted", accepted).
				Msg("exchange adjusted leverage")
		}
	}

	rules := m.symbolRules(ctx, plan.Symbol)
	slices := m.entrySlices(plan, rules)

	var placed []state.OrderRecord
	var lastErr error
	for _, sl := range slices {
		spec := exchange.OrderSpec{
			Symbol:        plan.Symbol,
			Side:          side,
			Type:          orderType(plan.EntryType),
			Qty:           sl.qty,
			ClientOrderID: EntryID(threadID, sl.index),
		}
		if m.hedge {
			spec.PositionSide = hold
		}
		if spec.Type == exchange.OrderTypeLimit {
			spec.Price = rules.RoundPrice(sl.price)
			spec.TimeInForce = m.limitTIF
		}

		res, err := m.gw.PlaceOrder(ctx, spec)
		if err != nil {
			lastErr = err
			m.store.RegisterAPIError(m.now())
			metrics.Orders.WithLabelValues(string(state.PurposeEntry), "failed").Inc()
			m.log.Error().Err(err).Str("symbol", plan.Symbol).Int("entry_index", sl.index).Msg("entry slice rejected")
			continue
		}

		rec := state.OrderRecord{
			Symbol:        plan.Symbol,
			Side:          side,
			Status:        res.Status,
			Filled:        res.ExecutedQty,
			Quantity:      sl.qty,
			Price:         spec.Price,
			AvgPrice:      res.AvgPrice,
			TradeSide:     m.openTradeSide(),
			Purpose:       state.PurposeEntry,
			ClientOrderID: clientID(res.ClientOrderID, spec.ClientOrderID),
			OrderID:       strconv.FormatInt(res.OrderID, 10),
			ThreadID:      threadID,
			EntryIndex:    sl.index,
		}
		m.store.UpsertOrder(rec)
		placed = append(placed, rec)
		metrics.Orders.WithLabelValues(string(state.PurposeEntry), "ok").Inc()
	}

	if len(placed) == 0 {
		reason := "entry placement failed"
		if lastErr != nil {
			reason = lastErr.Error()
		}
		execID := m.recordEntryExecution(ctx, sig, plan, meta, ledger.StatusFailed, reason)
		m.alerts.Error(ctx, "ENTRY_FAILED", "no entry slice accepted",
			map[string]any{"symbol": plan.Symbol, "side": string(plan.Side), "reason": reason})
		return &EntryResult{ExecutionID: execID, Status: ledger.StatusFailed, ThreadID: threadID},
			fmt.Errorf("place entry %s: %w", plan.Symbol, lastErr)
	}

	execID := m.recordEntryExecution(ctx, sig, plan, meta, ledger.StatusExecuted, "")
	m.saveThread(threadID, plan, sig, execID)

	result := &EntryResult{ExecutionID: execID, Status: ledger.StatusExecuted, ThreadID: threadID}
	for _, rec := range placed {
		result.Placed = append(result.Placed, rec.ClientOrderID)
		m.recordReceipt(ctx, execID, rec.Symbol, string(state.PurposeEntry), rec.OrderID, rec.ClientOrderID, string(rec.Status), map[string]any{
			"qty": rec.Quantity, "entry_index": rec.EntryIndex, "thread_id": threadID,
		})
	}
	if lastErr != nil {
		m.alerts.Error(ctx, "ENTRY_SLICE_FAILED", "entry partially placed, one slice rejected",
			map[string]any{"symbol": plan.Symbol, "placed": len(placed), "reason": lastErr.Error()})
	}

	m.alerts.Info(ctx, "ENTRY_EXECUTED", "entry order placed",
		map[string]any{"symbol": plan.Symbol, "side": string(plan.Side), "qty": plan.Quantity,
			"entry_price": plan.EntryPrice, "slices": len(placed), "thread_id": threadID})
	m.log.Info().Str("symbol", plan.Symbol).Str("side", string(plan.Side)).
		Float64("qty", plan.Quantity).Int("slices", len(placed)).
		Str("thread_id", threadID).Msg("entry executed")

	// Market entries typically ack already filled; cover them without
	// waiting for the next reconciler pass.
	for _, rec := range placed {
		if rec.Filled > 0 && (rec.Status == exchange.StatusFilled || rec.Status == exchange.StatusPartial) {
			m.onEntryFillLocked(ctx, rec, rec.Filled, rec.AvgPrice)
		}
	}
	return result, nil
}

// dryRunEntry records the full intent, tracks synthetic orders and the
// trade thread, and touches nothing on the exchange. The reconciler's
// dry-run pass then drives the protective flow end to end on paper.
func (m *Manager) dryRunEntry(ctx context.Context, sig *signals.Signal, plan *risk.OrderPlan, meta Meta, threadID string, side exchange.Side) (*EntryResult, error) {
	execID := m.recordEntryExecution(ctx, sig, plan, meta, ledger.StatusDryRun, "dry_run enabled")
	m.saveThread(threadID, plan, sig, execID)

	rules := m.symbolRules(ctx, plan.Symbol)
	result := &EntryResult{ExecutionID: execID, Status: ledger.StatusDryRun, ThreadID: threadID}
	for _, sl := range m.entrySlices(plan, rules) {
		id := EntryID(threadID, sl.index)
		price := 0.0
		if plan.EntryType == signals.EntryLimit {
			price = rules.RoundPrice(sl.price)
		}
		m.store.UpsertOrder(state.OrderRecord{
			Symbol:        plan.Symbol,
			Side:          side,
			Status:        exchange.StatusAcked,
			Quantity:      sl.qty,
			Price:         price,
			TradeSide:     m.openTradeSide(),
			Purpose:       state.PurposeEntry,
			ClientOrderID: id,
			OrderID:       "dry-" + id,
			ThreadID:      threadID,
			EntryIndex:    sl.index,
		})
		result.Placed = append(result.Placed, id)
		metrics.Orders.WithLabelValues(string(state.PurposeEntry), "dry_run").Inc()
	}

	m.alerts.Info(ctx, "ENTRY_DRY_RUN", "dry run entry recorded",
		map[string]any{"symbol": plan.Symbol, "side": string(plan.Side), "qty": plan.Quantity,
			"entry_price": plan.EntryPrice, "thread_id": threadID})
	m.log.Info().Str("symbol", plan.Symbol).Str("side", string(plan.Side)).
		Float64("qty", plan.Quantity).Str("thread_id", threadID).Msg("dry run entry recorded")
	return result, nil
}

// OnEntryFill covers a filled or partially filled entry: stop-loss sized
// to the filled quantity, the thread's TP ladder, and the break-even
// reduce rule once both slices of a split entry have filled.
func (m *Manager) OnEntryFill(ctx context.Context, rec state.OrderRecord, filledQty, avgPrice float64) {
	unlock := m.store.LockSymbol(rec.Symbol)
	defer unlock()
	m.onEntryFillLocked(ctx, rec, filledQty, avgPrice)
}

func (m *Manager) onEntryFillLocked(ctx context.Context, rec state.OrderRecord, filledQty, avgPrice float64) {
	if filledQty <= 0 {
		return
	}

	pos := m.positionForFill(rec, filledQty, avgPrice)
	desiredStop := 0.0
	var tpPoints []float64
	if thread, ok := m.store.Thread(rec.ThreadID); ok {
		desiredStop = thread.StopLoss
		tpPoints = thread.TakeProfits
	}

	res := m.ensureStopLocked(ctx, pos, desiredStop, filledQty, "entry_fill", rec.ClientOrderID)
	if !res.OK {
		m.led.RecordEvent(ctx, ledger.Event{
			EventType: "STOPLOSS_PLACE_FAIL",
			Level:     "ERROR",
			Message:   "failed to place stop-loss on entry fill",
			TraceID:   res.TraceID,
			Payload:   map[string]any{"symbol": rec.Symbol, "thread_id": rec.ThreadID, "reason": res.Reason},
		})
	}

	m.placeTakeProfitLadder(ctx, rec, pos, filledQty, tpPoints)
	m.maybeArmBEReduce(ctx, rec)
}

// positionForFill prefers the polled position; until the poller catches
// up with the fill, a view synthesized from the order stands in.
func (m *Manager) positionForFill(rec state.OrderRecord, filledQty, avgPrice float64) state.PositionState {
	if pos, ok := m.store.Position(rec.Symbol); ok && pos.Size > 0 {
		return pos
	}
	return state.PositionState{
		Symbol:     rec.Symbol,
		Side:       holdFromOrder(rec.Side),
		Size:       filledQty,
		EntryPrice: avgPrice,
		MarkPrice:  avgPrice,
	}
}

// placeTakeProfitLadder splits the filled quantity equally across the TP
// points and places one reduce trigger per rung. Rungs that round to
// nothing are skipped and recorded.
func (m *Manager) placeTakeProfitLadder(ctx context.Context, rec state.OrderRecord, pos state.PositionState, filledQty float64, tpPoints []float64) {
	if !m.tpOnFill {
		return
	}
	points := m.resolveTPPoints(tpPoints, pos)
	if len(points) == 0 {
		return
	}
	if m.hasLiveTP(rec.Symbol, rec.ThreadID) {
		return
	}

	rules := m.symbolRules(ctx, rec.Symbol)
	sizeEach := rules.RoundQtyDown(filledQty / float64(len(points)))
	now := m.now()

	for idx, tp := range points {
		if sizeEach <= 0 || (rules != nil && rules.MinQty > 0 && sizeEach < rules.MinQty) {
			m.led.RecordEvent(ctx, ledger.Event{
				EventType: "TP_SKIPPED_INVALID_SIZE",
				Level:     "WARN",
				Message:   "skip TP rung, size rounds to nothing",
				Payload:   map[string]any{"symbol": rec.Symbol, "tp_price": tp, "size_each": sizeEach},
			})
			continue
		}

		id := TakeProfitID(rec.ThreadID, idx, now)
		spec := exchange.TriggerSpec{
			Symbol:        rec.Symbol,
			Hold:          pos.Side,
			Qty:           sizeEach,
			TriggerPrice:  rules.RoundPrice(tp),
			ClientOrderID: id,
		}

		if m.dryRun {
			m.trackTrigger(rec, id, "dry-"+id, exchange.StatusAcked, state.PurposeTakeProfit, spec, true)
			metrics.Orders.WithLabelValues(string(state.PurposeTakeProfit), "dry_run").Inc()
			continue
		}

		res, err := m.gw.PlaceTakeProfit(ctx, spec)
		if err != nil {
			m.store.RegisterAPIError(m.now())
			metrics.Orders.WithLabelValues(string(state.PurposeTakeProfit), "failed").Inc()
			m.led.RecordEvent(ctx, ledger.Event{
				EventType: "TP_PLACE_FAILED",
				Level:     "ERROR",
				Message:   "failed to place TP trigger",
				Payload:   map[string]any{"symbol": rec.Symbol, "tp_price": tp, "size": sizeEach, "reason": err.Error()},
			})
			continue
		}
		m.trackTrigger(rec, clientID(res.ClientOrderID, id), strconv.FormatInt(res.OrderID, 10), res.Status, state.PurposeTakeProfit, spec, true)
		metrics.Orders.WithLabelValues(string(state.PurposeTakeProfit), "ok").Inc()
		metrics.ReconcileRepairs.WithLabelValues("tp_placed").Inc()
	}
}

// resolveTPPoints prefers the signal's own targets; with none, fallback
// percentages from config are projected off the entry price.
func (m *Manager) resolveTPPoints(tpPoints []float64, pos state.PositionState) []float64 {
	var out []float64
	for _, p := range tpPoints {
		if p > 0 {
			out = append(out, p)
		}
	}
	if len(out) > 0 || pos.EntryPrice <= 0 {
		return out
	}
	for _, pct := range m.tpFallbacks {
		d := config.PercentOrRatio(pct)
		if d <= 0 {
			continue
		}
		if pos.Side == exchange.PositionSideShort {
			out = append(out, pos.EntryPrice*(1-d))
		} else {
			out = append(out, pos.EntryPrice*(1+d))
		}
	}
	return out
}

func (m *Manager) hasLiveTP(symbol, threadID string) bool {
	for _, rec := range m.store.OrdersForThread(threadID) {
		if rec.Symbol != symbol || rec.Purpose != state.PurposeTakeProfit {
			continue
		}
		switch rec.Status {
		case exchange.StatusCanceled, exchange.StatusRejected, exchange.StatusFailed:
			continue
		}
		return true
	}
	return false
}

// maybeArmBEReduce arms the break-even reduce rule once both slices of a
// two-slice entry have fill quantity: a reduce trigger at the
// volume-weighted entry that derisks the position when price comes back.
func (m *Manager) maybeArmBEReduce(ctx context.Context, rec state.OrderRecord) {
	if m.beReduceFrac <= 0 || rec.ThreadID == "" {
		return
	}

	var first, second *state.OrderRecord
	for _, o := range m.store.OrdersForThread(rec.ThreadID) {
		if o.Purpose != state.PurposeEntry {
			continue
		}
		if o.Status != exchange.StatusFilled && o.Status != exchange.StatusPartial {
			continue
		}
		if o.Filled <= 0 {
			continue
		}
		o := o
		switch o.EntryIndex {
		case 0:
			first = &o
		case 1:
			second = &o
		}
	}
	if first == nil || second == nil {
		return
	}
	for _, o := range m.store.OrdersForThread(rec.ThreadID) {
		if o.Purpose != state.PurposeBEReduce && o.Purpose != state.PurposeBEReduceLocal {
			continue
		}
		switch o.Status {
		case exchange.StatusCanceled, exchange.StatusRejected, exchange.StatusFailed:
			continue
		}
		return // already armed
	}

	q1, q2 := first.Filled, second.Filled
	p1, p2 := first.AvgPrice, second.AvgPrice
	if q1 <= 0 || q2 <= 0 || p1 <= 0 || p2 <= 0 {
		return
	}
	vwap := (q1*p1 + q2*p2) / (q1 + q2)
	total := q1 + q2

	rules := m.symbolRules(ctx, rec.Symbol)
	reduceQty := rules.RoundQtyDown(total * m.beReduceFrac)
	if reduceQty <= 0 {
		return
	}

	hold := holdFromOrder(rec.Side)
	spec := exchange.TriggerSpec{
		Symbol:        rec.Symbol,
		Hold:          hold,
		Qty:           reduceQty,
		TriggerPrice:  rules.RoundPrice(vwap),
		ClientOrderID: BEReduceID(rec.ThreadID, m.now()),
	}

	if m.dryRun {
		m.trackTrigger(rec, spec.ClientOrderID, "dry-"+spec.ClientOrderID, exchange.StatusAcked, state.PurposeBEReduce, spec, true)
		m.recordAction(ctx, rec.Symbol, "dry-"+spec.ClientOrderID, spec.ClientOrderID, "BE_REDUCE_SUBMITTED", "dry_run",
			map[string]any{"avg_entry": vwap, "size": reduceQty}, "")
		return
	}

	if m.gw.ProbeTriggerCapability(ctx) != exchange.CapSupported {
		m.armBELocalGuard(ctx, rec, spec)
		return
	}

	res, err := m.gw.PlaceTakeProfit(ctx, spec)
	if err != nil {
		m.store.RegisterAPIError(m.now())
		m.recordAction(ctx, rec.Symbol, "", spec.ClientOrderID, "BE_REDUCE_FAILED", err.Error(),
			map[string]any{"avg_entry": vwap, "size": reduceQty}, "")
		m.armBELocalGuard(ctx, rec, spec)
		return
	}
	m.trackTrigger(rec, clientID(res.ClientOrderID, spec.ClientOrderID), strconv.FormatInt(res.OrderID, 10), res.Status, state.PurposeBEReduce, spec, true)
	metrics.ReconcileRepairs.WithLabelValues("be_reduce").Inc()
	m.recordAction(ctx, rec.Symbol, strconv.FormatInt(res.OrderID, 10), spec.ClientOrderID, "BE_REDUCE_SUBMITTED", "submitted",
		map[string]any{"avg_entry": vwap, "size": reduceQty}, "")
}

// armBELocalGuard tracks the break-even reduce as a locally evaluated
// pseudo-order when the exchange cannot hold the trigger.
func (m *Manager) armBELocalGuard(ctx context.Context, rec state.OrderRecord, spec exchange.TriggerSpec) {
	id := BELocalID(rec.ThreadID, m.now())
	local := spec
	local.ClientOrderID = id
	m.trackTrigger(rec, id, "", exchange.StatusAcked, state.PurposeBEReduceLocal, local, false)

	m.led.RecordEvent(ctx, ledger.Event{
		EventType: "PLAN_ORDER_FALLBACK",
		Level:     "ERROR",
		Message:   "break-even reduce held locally, exchange trigger unavailable",
		Payload: map[string]any{"symbol": spec.Symbol, "thread_id": rec.ThreadID,
			"trigger_price": spec.TriggerPrice, "size": spec.Qty, "reason": "be_reduce_plan_unsupported"},
	})
	m.recordAction(ctx, spec.Symbol, "", id, "BE_REDUCE_LOCAL_GUARD_ARMED", "plan_fallback",
		map[string]any{"trigger_price": spec.TriggerPrice, "size": spec.Qty}, "")
}

// ProcessBEReduceGuards evaluates locally held break-even reduces against
// the price feed. A sell-side reduce fires when price recovers up to the
// trigger, a buy-side one when it falls back to it.
func (m *Manager) ProcessBEReduceGuards(ctx context.Context) {
	for _, rec := range m.store.PendingOrders() {
		if rec.Purpose != state.PurposeBEReduceLocal {
			continue
		}
		if rec.TriggerPrice <= 0 || rec.Quantity <= 0 {
			continue
		}
		px, ok := m.prices.Price(rec.Symbol)
		if !ok || px <= 0 {
			continue
		}

		fire := (rec.Side == exchange.SideSell && px >= rec.TriggerPrice) ||
			(rec.Side == exchange.SideBuy && px <= rec.TriggerPrice)
		if !fire {
			continue
		}

		unlock := m.store.LockSymbol(rec.Symbol)
		if m.dryRun {
			m.store.MarkOrderStatus(rec.ClientOrderID, rec.OrderID, exchange.StatusFilled, rec.Quantity, px)
			unlock()
			continue
		}

		hold := holdFromOrder(entryFromClose(rec.Side))
		_, err := m.gw.ProtectiveClose(ctx, rec.Symbol, hold, rec.Quantity, fmt.Sprintf("be-local-close-%d", m.now().UnixMilli()))
		if err != nil {
			m.store.RegisterAPIError(m.now())
			m.store.MarkOrderStatus(rec.ClientOrderID, rec.OrderID, exchange.StatusFailed, -1, 0)
			m.led.RecordEvent(ctx, ledger.Event{
				EventType: "BE_REDUCE_LOCAL_TRIGGER_FAIL",
				Level:     "ERROR",
				Message:   "local break-even reduce close failed",
				Payload:   map[string]any{"symbol": rec.Symbol, "trigger_price": rec.TriggerPrice, "reason": err.Error()},
			})
		} else {
			m.store.MarkOrderStatus(rec.ClientOrderID, rec.OrderID, exchange.StatusFilled, rec.Quantity, px)
			m.recordAction(ctx, rec.Symbol, rec.OrderID, rec.ClientOrderID, "BE_REDUCE_LOCAL_CLOSED", "trigger reached",
				map[string]any{"trigger_price": rec.TriggerPrice, "observed_price": px, "size": rec.Quantity}, "")
		}
		unlock()
	}
}

// ExecuteManage applies a validated manage action to the open position:
// partial or full reduce, break-even stop move, or a take-profit update.
func (m *Manager) ExecuteManage(ctx context.Context, act *signals.ManageAction, meta Meta) error {
	unlock := m.store.LockSymbol(act.Symbol)
	defer unlock()

	switch {
	case act.HasReduce:
		return m.manageReduce(ctx, act, meta)
	case act.MoveSLToBE:
		return m.manageMoveBE(ctx, act, meta)
	case act.TPPrice > 0:
		return m.manageSetTP(ctx, act, meta)
	}
	m.recordManageExecution(ctx, act.Symbol, "", ledger.ActionManage, ledger.StatusRejected, "no executable manage field", meta, nil)
	return nil
}

func (m *Manager) manageReduce(ctx context.Context, act *signals.ManageAction, meta Meta) error {
	actionType := ledger.ActionManageReduce
	if act.ReducePct >= 100 {
		actionType = ledger.ActionManageClose
	}

	pos, ok := m.store.Position(act.Symbol)
	if !ok || pos.Size <= 0 {
		m.recordManageExecution(ctx, act.Symbol, "", actionType, ledger.StatusRejected, "no position to reduce", meta, nil)
		m.alerts.Warn(ctx, "MANAGE_REJECTED", "reduce requested with no open position",
			map[string]any{"symbol": act.Symbol, "reduce_pct": act.ReducePct})
		return nil
	}

	rules := m.symbolRules(ctx, act.Symbol)
	closeQty := rules.RoundQtyDown(pos.Size * act.ReducePct / 100)
	if closeQty > pos.Size {
		closeQty = pos.Size
	}
	if closeQty <= 0 {
		m.recordManageExecution(ctx, act.Symbol, string(pos.Side), actionType, ledger.StatusRejected, "reduce quantity rounds to zero", meta, nil)
		return nil
	}

	intent := map[string]any{"reduce_pct": act.ReducePct, "close_qty": closeQty, "position_size": pos.Size}
	if m.dryRun {
		execID := m.recordManageExecution(ctx, act.Symbol, string(pos.Side), actionType, ledger.StatusDryRun, "dry_run enabled", meta, intent)
		m.alerts.Info(ctx, "MANAGE_DRY_RUN", "dry run reduce recorded",
			map[string]any{"symbol": act.Symbol, "close_qty": closeQty, "execution_id": execID})
		return nil
	}

	res, err := m.gw.ProtectiveClose(ctx, act.Symbol, pos.Side, closeQty, fmt.Sprintf("reduce-%d", m.now().UnixMilli()))
	if err != nil {
		m.store.RegisterAPIError(m.now())
		metrics.Orders.WithLabelValues("reduce", "failed").Inc()
		m.recordManageExecution(ctx, act.Symbol, string(pos.Side), actionType, ledger.StatusFailed, err.Error(), meta, intent)
		m.alerts.Error(ctx, "MANAGE_FAILED", "reduce close failed",
			map[string]any{"symbol": act.Symbol, "close_qty": closeQty, "reason": err.Error()})
		return fmt.Errorf("reduce %s: %w", act.Symbol, err)
	}

	metrics.Orders.WithLabelValues("reduce", "ok").Inc()
	execID := m.recordManageExecution(ctx, act.Symbol, string(pos.Side), actionType, ledger.StatusExecuted, "", meta, intent)
	m.recordReceipt(ctx, execID, act.Symbol, ledger.PurposeClose, strconv.FormatInt(res.OrderID, 10), res.ClientOrderID, string(res.Status), intent)
	m.alerts.Info(ctx, "MANAGE_EXECUTED", "position reduced",
		map[string]any{"symbol": act.Symbol, "close_qty": closeQty, "reduce_pct": act.ReducePct})
	m.log.Info().Str("symbol", act.Symbol).Float64("close_qty", closeQty).Float64("reduce_pct", act.ReducePct).Msg("manage reduce executed")

	// The stop covering the old size now overshoots; resize to what
	// remains unless the close emptied the position.
	if remaining := pos.Size - closeQty; remaining > 0 {
		pos.Size = remaining
		existing, hasSL := m.store.StopLossOrder(act.Symbol, pos.Side)
		desired := 0.0
		if hasSL {
			desired = existing.TriggerPrice
		}
		m.ensureStopLocked(ctx, pos, desired, remaining, "manage_reduce_resize", "")
	}
	return nil
}

func (m *Manager) manageMoveBE(ctx context.Context, act *signals.ManageAction, meta Meta) error {
	pos, ok := m.store.Position(act.Symbol)
	if !ok || pos.Size <= 0 {
		m.recordManageExecution(ctx, act.Symbol, "", ledger.ActionManageMoveBE, ledger.StatusRejected, "no position to protect", meta, nil)
		return nil
	}

	res := m.moveToBreakEvenLocked(ctx, pos)
	status := ledger.StatusExecuted
	if !res.OK {
		status = ledger.StatusRejected
	}
	if m.dryRun && res.OK {
		status = ledger.StatusDryRun
	}
	m.recordManageExecution(ctx, act.Symbol, string(pos.Side), ledger.ActionManageMoveBE, status, res.Reason, meta,
		map[string]any{"mode": res.Mode, "trace_id": res.TraceID})
	return nil
}

func (m *Manager) manageSetTP(ctx context.Context, act *signals.ManageAction, meta Meta) error {
	pos, ok := m.store.Position(act.Symbol)
	if !ok || pos.Size <= 0 {
		m.recordManageExecution(ctx, act.Symbol, "", ledger.ActionManageSetTP, ledger.StatusRejected, "no position for take-profit", meta, nil)
		return nil
	}

	rules := m.symbolRules(ctx, act.Symbol)
	spec := exchange.TriggerSpec{
		Symbol:        act.Symbol,
		Hold:          pos.Side,
		Qty:           rules.RoundQtyDown(pos.Size),
		TriggerPrice:  rules.RoundPrice(act.TPPrice),
		ClientOrderID: TakeProfitID("manage", 0, m.now()),
	}
	intent := map[string]any{"tp_price": act.TPPrice, "size": spec.Qty}

	if m.dryRun {
		m.recordManageExecution(ctx, act.Symbol, string(pos.Side), ledger.ActionManageSetTP, ledger.StatusDryRun, "dry_run enabled", meta, intent)
		return nil
	}

	res, err := m.gw.PlaceTakeProfit(ctx, spec)
	if err != nil {
		m.store.RegisterAPIError(m.now())
		metrics.Orders.WithLabelValues(string(state.PurposeTakeProfit), "failed").Inc()
		m.recordManageExecution(ctx, act.Symbol, string(pos.Side), ledger.ActionManageSetTP, ledger.StatusFailed, err.Error(), meta, intent)
		return fmt.Errorf("manage take-profit %s: %w", act.Symbol, err)
	}

	metrics.Orders.WithLabelValues(string(state.PurposeTakeProfit), "ok").Inc()
	execID := m.recordManageExecution(ctx, act.Symbol, string(pos.Side), ledger.ActionManageSetTP, ledger.StatusExecuted, "", meta, intent)
	m.recordReceipt(ctx, execID, act.Symbol, ledger.PurposeTakeProfit, strconv.FormatInt(res.OrderID, 10), res.ClientOrderID, string(res.Status), intent)
	m.store.UpsertOrder(state.OrderRecord{
		Symbol:        act.Symbol,
		Side:          exchange.CloseSide(pos.Side),
		Status:        res.Status,
		Quantity:      spec.Qty,
		ReduceOnly:    !m.hedge,
		TradeSide:     m.closeTradeSide(),
		Purpose:       state.PurposeTakeProfit,
		TriggerPrice:  spec.TriggerPrice,
		IsPlanOrder:   true,
		ClientOrderID: clientID(res.ClientOrderID, spec.ClientOrderID),
		OrderID:       strconv.FormatInt(res.OrderID, 10),
	})
	return nil
}

// ==================== shared helpers ====================

type entrySlice struct {
	index int
	qty   float64
	price float64
}

// entrySlices cuts the planned quantity into the configured split levels.
// Splits apply only to limit entries with a real zone; degenerate zones,
// market entries, and slices that round to nothing collapse back to a
// single full-size order.
func (m *Manager) entrySlices(plan *risk.OrderPlan, rules *exchange.SymbolRules) []entrySlice {
	single := []entrySlice{{index: 0, qty: plan.Quantity, price: plan.EntryPrice}}
	if len(m.entrySplits) < 2 || plan.EntryType != signals.EntryLimit {
		return single
	}
	low, high := plan.EntryLow, plan.EntryHigh
	if low <= 0 || high <= 0 || low == high {
		return single
	}

	// Two slices regardless of how many fractions are configured; the
	// break-even reduce logic keys off slice indexes 0 and 1.
	var sum float64
	for _, f := range m.entrySplits[:2] {
		if f > 0 {
			sum += f
		}
	}
	if sum <= 0 {
		return single
	}

	// Slice 0 rests at the level price touches first, slice 1 at the
	// better price deeper in the zone.
	near, far := high, low
	if plan.Side == signals.SideShort {
		near, far = low, high
	}
	levels := []float64{near, far}

	var out []entrySlice
	for i := 0; i < 2; i++ {
		frac := m.entrySplits[i] / sum
		qty := rules.RoundQtyDown(plan.Quantity * frac)
		if qty <= 0 || (rules != nil && rules.MinQty > 0 && qty < rules.MinQty) {
			continue
		}
		out = append(out, entrySlice{index: i, qty: qty, price: levels[i]})
	}
	if len(out) == 0 {
		return single
	}
	return out
}

// trackTrigger upserts the order record for a protective trigger placed
// (or locally held) on behalf of an entry.
func (m *Manager) trackTrigger(parent state.OrderRecord, id, orderID string, status exchange.OrderStatus, purpose state.OrderPurpose, spec exchange.TriggerSpec, isPlan bool) {
	m.store.UpsertOrder(state.OrderRecord{
		Symbol:              spec.Symbol,
		Side:                exchange.CloseSide(spec.Hold),
		Status:              status,
		Quantity:            spec.Qty,
		ReduceOnly:          !m.hedge,
		TradeSide:           m.closeTradeSide(),
		Purpose:             purpose,
		TriggerPrice:        spec.TriggerPrice,
		IsPlanOrder:         isPlan,
		ClientOrderID:       id,
		OrderID:             orderID,
		ParentClientOrderID: parent.ClientOrderID,
		ThreadID:            parent.ThreadID,
	})
}

func (m *Manager) saveThread(threadID string, plan *risk.OrderPlan, sig *signals.Signal, execID int64) {
	m.store.SaveThread(state.TradeThread{
		ID:          threadID,
		Symbol:      plan.Symbol,
		Side:        holdSide(plan.Side),
		StopLoss:    plan.StopLossPrice,
		TakeProfits: append([]float64(nil), plan.TakeProfits...),
		SignalID:    sig.ID,
		ExecutionID: execID,
	})
}

func (m *Manager) recordEntryExecution(ctx context.Context, sig *signals.Signal, plan *risk.OrderPlan, meta Meta, status, reason string) int64 {
	execID, err := m.led.RecordExecution(ctx, ledger.Execution{
		ChatID:     meta.ChatID,
		MessageID:  meta.MessageID,
		Version:    meta.Version,
		SignalID:   sig.ID,
		ActionType: ledger.ActionEntry,
		Symbol:     plan.Symbol,
		Side:       string(plan.Side),
		Status:     status,
		Reason:     reason,
		Intent:     plan,
	})
	if err != nil {
		m.log.Error().Err(err).Str("symbol", plan.Symbol).Msg("failed to record entry execution")
	}
	return execID
}

func (m *Manager) recordManageExecution(ctx context.Context, symbol, side, actionType, status, reason string, meta Meta, intent map[string]any) int64 {
	execID, err := m.led.RecordExecution(ctx, ledger.Execution{
		ChatID:     meta.ChatID,
		MessageID:  meta.MessageID,
		Version:    meta.Version,
		ActionType: actionType,
		Symbol:     symbol,
		Side:       side,
		Status:     status,
		Reason:     reason,
		Intent:     intent,
	})
	if err != nil {
		m.log.Error().Err(err).Str("symbol", symbol).Str("action", actionType).Msg("failed to record manage execution")
	}
	return execID
}

func (m *Manager) recordReceipt(ctx context.Context, execID int64, symbol, purpose, orderID, clientOrderID, status string, payload map[string]any) {
	if err := m.led.RecordOrderReceipt(ctx, ledger.OrderReceipt{
		ExecutionID:     execID,
		Symbol:          symbol,
		Purpose:         purpose,
		ExchangeOrderID: orderID,
		ClientOrderID:   clientOrderID,
		Status:          status,
		Payload:         payload,
	}); err != nil {
		m.log.Error().Err(err).Str("symbol", symbol).Msg("failed to record order receipt")
	}
}

func (m *Manager) recordAction(ctx context.Context, symbol, orderID, clientOrderID, action, reason string, payload map[string]any, traceID string) {
	if err := m.led.RecordReconcilerAction(ctx, ledger.ReconcilerAction{
		Symbol:        symbol,
		OrderID:       orderID,
		ClientOrderID: clientOrderID,
		Action:        action,
		Reason:        reason,
		Payload:       payload,
		TraceID:       traceID,
	}); err != nil {
		m.log.Error().Err(err).Str("symbol", symbol).Str("action", action).Msg("failed to record reconciler action")
	}
}

// symbolRules fetches rounding filters; a nil result still rounds safely
// because SymbolRules methods are nil-tolerant.
func (m *Manager) symbolRules(ctx context.Context, symbol string) *exchange.SymbolRules {
	rules, err := m.rules.Get(ctx, symbol)
	if err != nil {
		m.log.Warn().Err(err).Str("symbol", symbol).Msg("symbol rules unavailable, skipping rounding")
		return nil
	}
	return rules
}

func (m *Manager) openTradeSide() string {
	if m.hedge {
		return state.TradeSideOpen
	}
	return ""
}

func (m *Manager) closeTradeSide() string {
	if m.hedge {
		return state.TradeSideClose
	}
	return ""
}

func entrySide(side signals.Side) exchange.Side {
	if side == signals.SideShort {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

func holdSide(side signals.Side) exchange.PositionSide {
	if side == signals.SideShort {
		return exchange.PositionSideShort
	}
	return exchange.PositionSideLong
}

// holdFromOrder maps an entry order's side back to the position it opens.
func holdFromOrder(side exchange.Side) exchange.PositionSide {
	if side == exchange.SideSell {
		return exchange.PositionSideShort
	}
	return exchange.PositionSideLong
}

// entryFromClose inverts a closing side back to the entry side.
func entryFromClose(side exchange.Side) exchange.Side {
	if side == exchange.SideSell {
		return exchange.SideBuy
	}
	return exchange.SideSell
}

func orderType(t signals.EntryType) exchange.OrderType {
	if t == signals.EntryMarket {
		return exchange.OrderTypeMarket
	}
	return exchange.OrderTypeLimit
}

func clientID(fromExchange, local string) string {
	if strings.TrimSpace(fromExchange) != "" {
		return fromExchange
	}
	return local
}

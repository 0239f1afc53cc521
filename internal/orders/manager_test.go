package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"signal-trading-bot/config"
	"signal-trading-bot/internal/exchange"
	"signal-trading-bot/internal/ledger"
	"signal-trading-bot/internal/risk"
	"signal-trading-bot/internal/signals"
	"signal-trading-bot/internal/state"
)

type closeCall struct {
	symbol   string
	hold     exchange.PositionSide
	qty      float64
	clientID string
}

type fakeGateway struct {
	mu         sync.Mutex
	hedge      bool
	capability exchange.CapabilityState

	orders    []exchange.OrderSpec
	orderErr  error
	fillPrice float64 // market orders ack filled at this price when set

	stops   []exchange.TriggerSpec
	stopErr error

	tps   []exchange.TriggerSpec
	tpErr error

	closes   []closeCall
	closeErr error

	cancels   []string
	cancelErr error

	leverageErr error
	leverages   []int

	nextID int64
}

func (f *fakeGateway) GetBalance(context.Context) (*exchange.AccountSnapshot, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeGateway) GetPositions(context.Context) ([]exchange.Position, error) { return nil, nil }

func (f *fakeGateway) GetOpenOrders(context.Context, string) ([]exchange.OrderResult, error) {
	return nil, nil
}

func (f *fakeGateway) PlaceOrder(_ context.Context, spec exchange.OrderSpec) (*exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	f.orders = append(f.orders, spec)
	f.nextID++
	res := &exchange.OrderResult{
		OrderID:       f.nextID,
		ClientOrderID: spec.ClientOrderID,
		Symbol:        spec.Symbol,
		Side:          spec.Side,
		Type:          spec.Type,
		Status:        exchange.StatusAcked,
		OrigQty:       spec.Qty,
	}
	if spec.Type == exchange.OrderTypeMarket && f.fillPrice > 0 {
		res.Status = exchange.StatusFilled
		res.ExecutedQty = spec.Qty
		res.AvgPrice = f.fillPrice
	}
	return res, nil
}

func (f *fakeGateway) CancelOrder(_ context.Context, _ string, _ int64, clientOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancels = append(f.cancels, clientOrderID)
	return nil
}

func (f *fakeGateway) CancelAllOrders(context.Context, string) error { return nil }

func (f *fakeGateway) GetOrder(context.Context, string, int64, string) (*exchange.OrderResult, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeGateway) GetSymbolRules(context.Context, string) (*exchange.SymbolRules, error) {
	return nil, nil
}

func (f *fakeGateway) SetLeverage(_ context.Context, _ string, leverage int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leverageErr != nil {
		return 0, f.leverageErr
	}
	f.leverages = append(f.leverages, leverage)
	return leverage, nil
}

func (f *fakeGateway) ProtectiveClose(_ context.Context, symbol string, hold exchange.PositionSide, qty float64, clientOrderID string) (*exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return nil, f.closeErr
	}
	f.closes = append(f.closes, closeCall{symbol: symbol, hold: hold, qty: qty, clientID: clientOrderID})
	f.nextID++
	return &exchange.OrderResult{
		OrderID:       f.nextID,
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          exchange.CloseSide(hold),
		Status:        exchange.StatusFilled,
		ExecutedQty:   qty,
	}, nil
}

func (f *fakeGateway) PlaceStopLoss(_ context.Context, spec exchange.TriggerSpec) (*exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	f.stops = append(f.stops, spec)
	f.nextID++
	return &exchange.OrderResult{
		OrderID:       f.nextID,
		ClientOrderID: spec.ClientOrderID,
		Symbol:        spec.Symbol,
		Side:          exchange.CloseSide(spec.Hold),
		Status:        exchange.StatusAcked,
		StopPrice:     spec.TriggerPrice,
		OrigQty:       spec.Qty,
	}, nil
}

func (f *fakeGateway) PlaceTakeProfit(_ context.Context, spec exchange.TriggerSpec) (*exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tpErr != nil {
		return nil, f.tpErr
	}
	f.tps = append(f.tps, spec)
	f.nextID++
	return &exchange.OrderResult{
		OrderID:       f.nextID,
		ClientOrderID: spec.ClientOrderID,
		Symbol:        spec.Symbol,
		Side:          exchange.CloseSide(spec.Hold),
		Status:        exchange.StatusAcked,
		StopPrice:     spec.TriggerPrice,
		OrigQty:       spec.Qty,
	}, nil
}

func (f *fakeGateway) ProbeTriggerCapability(context.Context) exchange.CapabilityState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capability
}

func (f *fakeGateway) TickerPrice(context.Context, string) (float64, error) {
	return 0, errors.New("not implemented")
}

func (f *fakeGateway) MarkPrice(context.Context, string) (float64, error) {
	return 0, errors.New("not implemented")
}

func (f *fakeGateway) HedgeMode() bool { return f.hedge }

type alertCall struct {
	level     string
	eventType string
	msg       string
}

type stubAlerts struct {
	mu    sync.Mutex
	calls []alertCall
}

func (a *stubAlerts) emit(level, eventType, msg string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, alertCall{level: level, eventType: eventType, msg: msg})
	return fmt.Sprintf("trace-%04d", len(a.calls))
}

func (a *stubAlerts) Info(_ context.Context, eventType, msg string, _ map[string]any) string {
	return a.emit("INFO", eventType, msg)
}

func (a *stubAlerts) Warn(_ context.Context, eventType, msg string, _ map[string]any) string {
	return a.emit("WARN", eventType, msg)
}

func (a *stubAlerts) Error(_ context.Context, eventType, msg string, _ map[string]any) string {
	return a.emit("ERROR", eventType, msg)
}

func (a *stubAlerts) Critical(_ context.Context, eventType, msg string, _ map[string]any) string {
	return a.emit("CRITICAL", eventType, msg)
}

func (a *stubAlerts) count(eventType string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if c.eventType == eventType {
			n++
		}
	}
	return n
}

type stubSafety struct {
	mu      sync.Mutex
	reasons []string
}

func (s *stubSafety) EnterSafeMode(_ context.Context, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reasons = append(s.reasons, reason)
	return true
}

func (s *stubSafety) entered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reasons)
}

type stubPrices struct {
	mu     sync.Mutex
	prices map[string]float64
	mode   string
}

func (p *stubPrices) Price(symbol string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	px, ok := p.prices[symbol]
	return px, ok
}

func (p *stubPrices) Mode() string {
	if p.mode == "" {
		return "ws"
	}
	return p.mode
}

type stubRules struct {
	rules *exchange.SymbolRules
	err   error
}

func (r *stubRules) Get(context.Context, string) (*exchange.SymbolRules, error) {
	return r.rules, r.err
}

type managerFixture struct {
	m      *Manager
	gw     *fakeGateway
	store  *state.Store
	mem    *ledger.Memory
	alerts *stubAlerts
	safety *stubSafety
	prices *stubPrices
}

func newTestManager(mut func(*config.Config)) *managerFixture {
	cfg := &config.Config{}
	cfg.RiskConfig.DefaultStopLossPct = 2 // percent form, normalized to 0.02
	cfg.ExecutionConfig.TimeInForce = "GTC"
	cfg.ExecutionConfig.BEReducePct = 50
	cfg.ExecutionConfig.BEBufferPct = 0.0005
	cfg.ExecutionConfig.BEMinProfitPct = 0.1
	cfg.ExecutionConfig.StopLossOrderType = "trigger"
	cfg.ExecutionConfig.MaxSubmitRetries = 2
	cfg.PriceFeedConfig.RESTGuardAction = "safe_mode"
	if mut != nil {
		mut(cfg)
	}

	gw := &fakeGateway{capability: exchange.CapSupported}
	st := state.NewStore()
	mem := ledger.NewMemory()
	alerts := &stubAlerts{}
	safety := &stubSafety{}
	prices := &stubPrices{prices: map[string]float64{}}

	rules := &stubRules{rules: &exchange.SymbolRules{
		Symbol:    "BTCUSDT",
		QtyStep:   0.001,
		PriceStep: 0.1,
		MinQty:    0.001,
		Tradable:  true,
	}}

	m := NewManager(cfg, gw, rules, st, mem, alerts, safety, prices, zerolog.Nop())
	m.now = func() time.Time { return time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC) }
	return &managerFixture{m: m, gw: gw, store: st, mem: mem, alerts: alerts, safety: safety, prices: prices}
}

func testSignal() *signals.Signal {
	return &signals.Signal{
		ID:   "sig-1",
		Kind: signals.KindEntry,
		Entry: &signals.EntrySignal{
			Symbol:    "BTCUSDT",
			Side:      signals.SideLong,
			EntryType: signals.EntryLimit,
		},
	}
}

func testPlan() *risk.OrderPlan {
	return &risk.OrderPlan{
		SignalID:      "sig-1",
		Symbol:        "BTCUSDT",
		Side:          signals.SideLong,
		EntryType:     signals.EntryLimit,
		Leverage:      5,
		Quantity:      1.0,
		EntryPrice:    100,
		EntryLow:      95,
		EntryHigh:     100,
		StopLossPrice: 90,
		TakeProfits:   []float64{110, 120},
	}
}

func actionsNamed(mem *ledger.Memory, name string) []ledger.ReconcilerAction {
	var out []ledger.ReconcilerAction
	for _, a := range mem.Actions() {
		if a.Action == name {
			out = append(out, a)
		}
	}
	return out
}

func hasEvent(t *testing.T, mem *ledger.Memory, eventType string) bool {
	t.Helper()
	events, err := mem.RecentEvents(context.Background(), 100)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	for _, ev := range events {
		if ev.EventType == eventType {
			return true
		}
	}
	return false
}

func lastExecution(t *testing.T, mem *ledger.Memory) ledger.Execution {
	t.Helper()
	execs, err := mem.RecentExecutions(context.Background(), 1)
	if err != nil || len(execs) == 0 {
		t.Fatalf("no executions recorded (err=%v)", err)
	}
	return execs[0]
}

func TestExecuteEntryDryRunTracksWithoutPlacing(t *testing.T) {
	fix := newTestManager(func(cfg *config.Config) {
		cfg.RiskConfig.DryRun = true
	})

	res, err := fix.m.ExecuteEntry(context.Background(), testSignal(), testPlan(), Meta{ChatID: 7, MessageID: 9, Version: 1})
	if err != nil {
		t.Fatalf("ExecuteEntry: %v", err)
	}
	if res.Status != ledger.StatusDryRun {
		t.Errorf("status = %q, want %q", res.Status, ledger.StatusDryRun)
	}
	if len(fix.gw.orders) != 0 || len(fix.gw.leverages) != 0 {
		t.Errorf("dry run touched the exchange: orders=%d leverage=%d", len(fix.gw.orders), len(fix.gw.leverages))
	}
	if len(res.Placed) == 0 {
		t.Fatal("no synthetic entry orders tracked")
	}

	rec, ok := fix.store.FindOrder(res.Placed[0], "")
	if !ok {
		t.Fatalf("entry record %q not tracked", res.Placed[0])
	}
	if rec.Purpose != state.PurposeEntry || !strings.HasPrefix(rec.OrderID, "dry-") {
		t.Errorf("record = %+v, want entry purpose with dry- order id", rec)
	}

	thread, ok := fix.store.Thread(res.ThreadID)
	if !ok {
		t.Fatal("trade thread not saved")
	}
	if thread.StopLoss != 90 || len(thread.TakeProfits) != 2 {
		t.Errorf("thread carries stop=%v tps=%v, want 90 and 2 targets", thread.StopLoss, thread.TakeProfits)
	}

	exec := lastExecution(t, fix.mem)
	if exec.Status != ledger.StatusDryRun || exec.ActionType != ledger.ActionEntry {
		t.Errorf("execution = %s/%s, want ENTRY/DRY_RUN", exec.ActionType, exec.Status)
	}
	if exec.ChatID != 7 || exec.MessageID != 9 {
		t.Errorf("execution meta = %d/%d, want 7/9", exec.ChatID, exec.MessageID)
	}
}

func TestExecuteEntrySplitsLimitZoneAcrossSlices(t *testing.T) {
	fix := newTestManager(func(cfg *config.Config) {
		cfg.ExecutionConfig.EntrySplits = []float64{0.5, 0.5}
	})

	res, err := fix.m.ExecuteEntry(context.Background(), testSignal(), testPlan(), Meta{})
	if err != nil {
		t.Fatalf("ExecuteEntry: %v", err)
	}
	if res.Status != ledger.StatusExecuted {
		t.Fatalf("status = %q, want EXECUTED", res.Status)
	}
	if len(fix.gw.orders) != 2 {
		t.Fatalf("placed %d orders, want 2", len(fix.gw.orders))
	}

	// Long zone 95..100: slice 0 rests where price touches first.
	first, second := fix.gw.orders[0], fix.gw.orders[1]
	if first.Price != 100 || second.Price != 95 {
		t.Errorf("slice prices = %v/%v, want 100/95", first.Price, second.Price)
	}
	if first.Qty != 0.5 || second.Qty != 0.5 {
		t.Errorf("slice qtys = %v/%v, want 0.5/0.5", first.Qty, second.Qty)
	}
	if first.TimeInForce != "GTC" {
		t.Errorf("tif = %q, want GTC", first.TimeInForce)
	}
	if !strings.HasSuffix(first.ClientOrderID, "-0") || !strings.HasSuffix(second.ClientOrderID, "-1") {
		t.Errorf("client ids %q/%q missing slice indexes", first.ClientOrderID, second.ClientOrderID)
	}
	if len(fix.gw.leverages) != 1 || fix.gw.leverages[0] != 5 {
		t.Errorf("leverage calls = %v, want [5]", fix.gw.leverages)
	}

	for i, id := range res.Placed {
		rec, ok := fix.store.FindOrder(id, "")
		if !ok {
			t.Fatalf("record %q missing", id)
		}
		if rec.EntryIndex != i || rec.ThreadID != res.ThreadID {
			t.Errorf("record %d = index %d thread %q, want %d/%q", i, rec.EntryIndex, rec.ThreadID, i, res.ThreadID)
		}
	}
}

func TestExecuteEntryShortSliceZeroRestsAtLow(t *testing.T) {
	fix := newTestManager(func(cfg *config.Config) {
		cfg.ExecutionConfig.EntrySplits = []float64{0.5, 0.5}
	})
	plan := testPlan()
	plan.Side = signals.SideShort
	sig := testSignal()
	sig.Entry.Side = signals.SideShort

	if _, err := fix.m.ExecuteEntry(context.Background(), sig, plan, Meta{}); err != nil {
		t.Fatalf("ExecuteEntry: %v", err)
	}
	if len(fix.gw.orders) != 2 {
		t.Fatalf("placed %d orders, want 2", len(fix.gw.orders))
	}
	if fix.gw.orders[0].Price != 95 || fix.gw.orders[1].Price != 100 {
		t.Errorf("short slice prices = %v/%v, want 95/100", fix.gw.orders[0].Price, fix.gw.orders[1].Price)
	}
	if fix.gw.orders[0].Side != exchange.SideSell {
		t.Errorf("short entry side = %q, want SELL", fix.gw.orders[0].Side)
	}
}

func TestExecuteEntryLeverageFailureAborts(t *testing.T) {
	fix := newTestManager(nil)
	fix.gw.leverageErr = errors.New("leverage rejected")

	res, err := fix.m.ExecuteEntry(context.Background(), testSignal(), testPlan(), Meta{})
	if err == nil {
		t.Fatal("want error when leverage cannot be applied")
	}
	if res.Status != ledger.StatusFailed {
		t.Errorf("status = %q, want FAILED", res.Status)
	}
	if len(fix.gw.orders) != 0 {
		t.Errorf("placed %d orders after leverage failure, want 0", len(fix.gw.orders))
	}
	if fix.alerts.count("ENTRY_FAILED") != 1 {
		t.Error("ENTRY_FAILED alert not raised")
	}
}

func TestExecuteEntryAllSlicesRejectedFails(t *testing.T) {
	fix := newTestManager(nil)
	fix.gw.orderErr = errors.New("margin insufficient")

	res, err := fix.m.ExecuteEntry(context.Background(), testSignal(), testPlan(), Meta{})
	if err == nil {
		t.Fatal("want error when no slice is accepted")
	}
	if res.Status != ledger.StatusFailed {
		t.Errorf("status = %q, want FAILED", res.Status)
	}
	exec := lastExecution(t, fix.mem)
	if exec.Status != ledger.StatusFailed {
		t.Errorf("execution status = %q, want FAILED", exec.Status)
	}
	if fix.store.APIErrorsInWindow(time.Hour, time.Time{}) == 0 {
		t.Error("rejection not registered as API error")
	}
}

func TestExecuteEntryMarketFillCoversImmediately(t *testing.T) {
	fix := newTestManager(nil)
	fix.gw.fillPrice = 100

	sig := testSignal()
	sig.Entry.EntryType = signals.EntryMarket
	plan := testPlan()
	plan.EntryType = signals.EntryMarket

	res, err := fix.m.ExecuteEntry(context.Background(), sig, plan, Meta{})
	if err != nil {
		t.Fatalf("ExecuteEntry: %v", err)
	}
	if res.Status != ledger.StatusExecuted {
		t.Fatalf("status = %q, want EXECUTED", res.Status)
	}
	if len(fix.gw.stops) != 1 {
		t.Fatalf("stop-loss calls = %d, want 1 right after the market fill", len(fix.gw.stops))
	}
	if fix.gw.stops[0].TriggerPrice != 90 {
		t.Errorf("stop trigger = %v, want the signal's 90", fix.gw.stops[0].TriggerPrice)
	}
	if fix.gw.stops[0].Qty != 1.0 {
		t.Errorf("stop size = %v, want the filled 1.0", fix.gw.stops[0].Qty)
	}
	if len(fix.gw.tps) != 2 {
		t.Fatalf("tp calls = %d, want the 2-rung ladder", len(fix.gw.tps))
	}
	if fix.gw.tps[0].TriggerPrice != 110 || fix.gw.tps[1].TriggerPrice != 120 {
		t.Errorf("tp triggers = %v/%v, want 110/120", fix.gw.tps[0].TriggerPrice, fix.gw.tps[1].TriggerPrice)
	}
	if fix.gw.tps[0].Qty != 0.5 {
		t.Errorf("tp rung size = %v, want equal split 0.5", fix.gw.tps[0].Qty)
	}
}

func TestOnEntryFillSkipsLadderWhenDisabled(t *testing.T) {
	fix := newTestManager(func(cfg *config.Config) {
		cfg.ExecutionConfig.DisableTPOnFill = true
	})
	rec := seedFilledEntry(fix, 0, 1.0, 100)

	fix.m.OnEntryFill(context.Background(), rec, 1.0, 100)

	if len(fix.gw.tps) != 0 {
		t.Errorf("tp calls = %d, want 0 with ladder disabled", len(fix.gw.tps))
	}
	if len(fix.gw.stops) != 1 {
		t.Errorf("stop calls = %d, want stop coverage regardless", len(fix.gw.stops))
	}
}

func TestOnEntryFillSkipsDustLadderRungs(t *testing.T) {
	fix := newTestManager(nil)
	rec := seedFilledEntry(fix, 0, 0.001, 100)

	// 0.001 split across two rungs rounds below the step.
	fix.m.OnEntryFill(context.Background(), rec, 0.001, 100)

	if len(fix.gw.tps) != 0 {
		t.Errorf("tp calls = %d, want 0 for dust", len(fix.gw.tps))
	}
	if !hasEvent(t, fix.mem, "TP_SKIPPED_INVALID_SIZE") {
		t.Error("dust rung skip not recorded")
	}
}

func TestOnEntryFillDoesNotDuplicateLadder(t *testing.T) {
	fix := newTestManager(nil)
	rec := seedFilledEntry(fix, 0, 1.0, 100)

	fix.m.OnEntryFill(context.Background(), rec, 1.0, 100)
	fix.m.OnEntryFill(context.Background(), rec, 1.0, 100)

	if len(fix.gw.tps) != 2 {
		t.Errorf("tp calls = %d, want one 2-rung ladder despite repeat fills", len(fix.gw.tps))
	}
}

func TestOnEntryFillSizesStopToFillThenCorrects(t *testing.T) {
	fix := newTestManager(nil)
	rec := seedFilledEntry(fix, 0, 1.0, 100)

	fix.m.OnEntryFill(context.Background(), rec, 0.6, 100)

	if len(fix.gw.stops) != 1 {
		t.Fatalf("stop calls = %d, want 1", len(fix.gw.stops))
	}
	if fix.gw.stops[0].Qty != 0.6 || fix.gw.stops[0].TriggerPrice != 90 {
		t.Fatalf("stop = %v@%v, want the filled 0.6 at the thread stop 90", fix.gw.stops[0].Qty, fix.gw.stops[0].TriggerPrice)
	}
	partial, ok := fix.store.StopLossOrder("BTCUSDT", exchange.PositionSideLong)
	if !ok {
		t.Fatal("partial-fill stop not tracked")
	}

	fix.m.OnEntryFill(context.Background(), rec, 1.0, 100)

	if len(fix.gw.cancels) != 1 || fix.gw.cancels[0] != partial.ClientOrderID {
		t.Fatalf("cancels = %v, want the undersized stop replaced", fix.gw.cancels)
	}
	if len(fix.gw.stops) != 2 || fix.gw.stops[1].Qty != 1.0 {
		t.Fatalf("stops = %+v, want a second one covering the full 1.0", fix.gw.stops)
	}
}

// seedFilledEntry tracks a filled entry slice and its thread the way
// ExecuteEntry would have.
func seedFilledEntry(fix *managerFixture, index int, qty, avg float64) state.OrderRecord {
	threadID := NewThreadID()
	fix.store.SaveThread(state.TradeThread{
		ID:          threadID,
		Symbol:      "BTCUSDT",
		Side:        exchange.PositionSideLong,
		StopLoss:    90,
		TakeProfits: []float64{110, 120},
		SignalID:    "sig-1",
	})
	rec := state.OrderRecord{
		Symbol:        "BTCUSDT",
		Side:          exchange.SideBuy,
		Status:        exchange.StatusFilled,
		Filled:        qty,
		Quantity:      qty,
		AvgPrice:      avg,
		Purpose:       state.PurposeEntry,
		ClientOrderID: EntryID(threadID, index),
		OrderID:       fmt.Sprintf("%d", 1000+index),
		ThreadID:      threadID,
		EntryIndex:    index,
	}
	fix.store.UpsertOrder(rec)
	return rec
}

func TestBEReduceArmsAtVWAPAfterBothSlicesFill(t *testing.T) {
	fix := newTestManager(nil)

	rec0 := seedFilledEntry(fix, 0, 0.4, 100)
	rec1 := state.OrderRecord{
		Symbol:        "BTCUSDT",
		Side:          exchange.SideBuy,
		Status:        exchange.StatusFilled,
		Filled:        0.6,
		Quantity:      0.6,
		AvgPrice:      95,
		Purpose:       state.PurposeEntry,
		ClientOrderID: EntryID(rec0.ThreadID, 1),
		OrderID:       "1001",
		ThreadID:      rec0.ThreadID,
		EntryIndex:    1,
	}
	fix.store.UpsertOrder(rec1)

	fix.m.OnEntryFill(context.Background(), rec1, 0.6, 95)

	var beSpecs []exchange.TriggerSpec
	for _, spec := range fix.gw.tps {
		if strings.HasPrefix(spec.ClientOrderID, "be-") {
			beSpecs = append(beSpecs, spec)
		}
	}
	if len(beSpecs) != 1 {
		t.Fatalf("be-reduce triggers = %d, want 1", len(beSpecs))
	}
	// VWAP of 0.4@100 + 0.6@95 = 97, half the 1.0 total reduced.
	if beSpecs[0].TriggerPrice != 97 {
		t.Errorf("trigger = %v, want vwap 97", beSpecs[0].TriggerPrice)
	}
	if beSpecs[0].Qty != 0.5 {
		t.Errorf("reduce qty = %v, want 0.5", beSpecs[0].Qty)
	}
	if got := actionsNamed(fix.mem, "BE_REDUCE_SUBMITTED"); len(got) != 1 {
		t.Errorf("BE_REDUCE_SUBMITTED actions = %d, want 1", len(got))
	}
}

func TestBEReduceNotArmedOnSingleFill(t *testing.T) {
	fix := newTestManager(nil)
	rec := seedFilledEntry(fix, 0, 0.4, 100)

	fix.m.OnEntryFill(context.Background(), rec, 0.4, 100)

	for _, spec := range fix.gw.tps {
		if strings.HasPrefix(spec.ClientOrderID, "be-") {
			t.Fatalf("be-reduce armed with only one slice filled: %q", spec.ClientOrderID)
		}
	}
}

func TestBEReduceFallsBackToLocalGuard(t *testing.T) {
	fix := newTestManager(func(cfg *config.Config) {
		// Keep the protective stop itself local so capability is not probed
		// for it; the be-reduce path must then also hold its trigger locally.
		cfg.ExecutionConfig.StopLossOrderType = "local_guard"
	})
	fix.gw.capability = exchange.CapUnsupported

	rec0 := seedFilledEntry(fix, 0, 0.5, 100)
	rec1 := state.OrderRecord{
		Symbol:        "BTCUSDT",
		Side:          exchange.SideBuy,
		Status:        exchange.StatusFilled,
		Filled:        0.5,
		Quantity:      0.5,
		AvgPrice:      98,
		Purpose:       state.PurposeEntry,
		ClientOrderID: EntryID(rec0.ThreadID, 1),
		OrderID:       "1001",
		ThreadID:      rec0.ThreadID,
		EntryIndex:    1,
	}
	fix.store.UpsertOrder(rec1)

	fix.m.OnEntryFill(context.Background(), rec1, 0.5, 98)

	var local *state.OrderRecord
	for _, o := range fix.store.OrdersForThread(rec0.ThreadID) {
		if o.Purpose == state.PurposeBEReduceLocal {
			o := o
			local = &o
		}
	}
	if local == nil {
		t.Fatal("no local be-reduce record tracked")
	}
	if local.TriggerPrice != 99 {
		t.Errorf("local trigger = %v, want vwap 99", local.TriggerPrice)
	}
	if !hasEvent(t, fix.mem, "PLAN_ORDER_FALLBACK") {
		t.Error("PLAN_ORDER_FALLBACK event not recorded")
	}
	if got := actionsNamed(fix.mem, "BE_REDUCE_LOCAL_GUARD_ARMED"); len(got) != 1 {
		t.Errorf("BE_REDUCE_LOCAL_GUARD_ARMED actions = %d, want 1", len(got))
	}
}

func TestProcessBEReduceGuardsFiresOnRecovery(t *testing.T) {
	fix := newTestManager(nil)
	threadID := NewThreadID()
	fix.store.UpsertOrder(state.OrderRecord{
		Symbol:        "BTCUSDT",
		Side:          exchange.SideSell,
		Status:        exchange.StatusAcked,
		Quantity:      0.5,
		ReduceOnly:    true,
		Purpose:       state.PurposeBEReduceLocal,
		TriggerPrice:  97,
		ClientOrderID: BELocalID(threadID, time.Unix(1700000000, 0)),
		ThreadID:      threadID,
	})

	fix.prices.prices["BTCUSDT"] = 96
	fix.m.ProcessBEReduceGuards(context.Background())
	if len(fix.gw.closes) != 0 {
		t.Fatal("guard fired below trigger")
	}

	fix.prices.prices["BTCUSDT"] = 97.5
	fix.m.ProcessBEReduceGuards(context.Background())
	if len(fix.gw.closes) != 1 {
		t.Fatalf("closes = %d, want 1 after price recovered to trigger", len(fix.gw.closes))
	}
	if fix.gw.closes[0].qty != 0.5 || fix.gw.closes[0].hold != exchange.PositionSideLong {
		t.Errorf("close = %+v, want 0.5 of the long", fix.gw.closes[0])
	}
}

func TestExecuteManageReducePlacesProtectiveClose(t *testing.T) {
	fix := newTestManager(nil)
	fix.store.SetPositions([]state.PositionState{
		{Symbol: "BTCUSDT", Side: exchange.PositionSideLong, Size: 1.0, EntryPrice: 100, MarkPrice: 102},
	}, time.Time{})

	err := fix.m.ExecuteManage(context.Background(), &signals.ManageAction{
		Symbol: "BTCUSDT", HasReduce: true, ReducePct: 50,
	}, Meta{})
	if err != nil {
		t.Fatalf("ExecuteManage: %v", err)
	}
	if len(fix.gw.closes) != 1 {
		t.Fatalf("closes = %d, want 1", len(fix.gw.closes))
	}
	if fix.gw.closes[0].qty != 0.5 {
		t.Errorf("close qty = %v, want half of 1.0", fix.gw.closes[0].qty)
	}
	exec := lastExecution(t, fix.mem)
	if exec.ActionType != ledger.ActionManageReduce || exec.Status != ledger.StatusExecuted {
		t.Errorf("execution = %s/%s, want MANAGE_REDUCE/EXECUTED", exec.ActionType, exec.Status)
	}
}

func TestExecuteManageFullReduceRecordsClose(t *testing.T) {
	fix := newTestManager(nil)
	fix.store.SetPositions([]state.PositionState{
		{Symbol: "BTCUSDT", Side: exchange.PositionSideLong, Size: 1.0, EntryPrice: 100},
	}, time.Time{})

	if err := fix.m.ExecuteManage(context.Background(), &signals.ManageAction{
		Symbol: "BTCUSDT", HasReduce: true, ReducePct: 100,
	}, Meta{}); err != nil {
		t.Fatalf("ExecuteManage: %v", err)
	}
	if len(fix.gw.closes) != 1 || fix.gw.closes[0].qty != 1.0 {
		t.Fatalf("closes = %+v, want one full-size close", fix.gw.closes)
	}
	exec := lastExecution(t, fix.mem)
	if exec.ActionType != ledger.ActionManageClose {
		t.Errorf("action = %q, want MANAGE_CLOSE", exec.ActionType)
	}
}

func TestExecuteManageRejectsWithoutPosition(t *testing.T) {
	fix := newTestManager(nil)

	if err := fix.m.ExecuteManage(context.Background(), &signals.ManageAction{
		Symbol: "BTCUSDT", HasReduce: true, ReducePct: 50,
	}, Meta{}); err != nil {
		t.Fatalf("ExecuteManage: %v", err)
	}
	if len(fix.gw.closes) != 0 {
		t.Error("close placed with no position")
	}
	exec := lastExecution(t, fix.mem)
	if exec.Status != ledger.StatusRejected {
		t.Errorf("status = %q, want REJECTED", exec.Status)
	}
}

func TestExecuteManageSetTPCoversWholePosition(t *testing.T) {
	fix := newTestManager(nil)
	fix.store.SetPositions([]state.PositionState{
		{Symbol: "BTCUSDT", Side: exchange.PositionSideLong, Size: 0.8, EntryPrice: 100},
	}, time.Time{})

	if err := fix.m.ExecuteManage(context.Background(), &signals.ManageAction{
		Symbol: "BTCUSDT", TPPrice: 115,
	}, Meta{}); err != nil {
		t.Fatalf("ExecuteManage: %v", err)
	}
	if len(fix.gw.tps) != 1 {
		t.Fatalf("tp calls = %d, want 1", len(fix.gw.tps))
	}
	if fix.gw.tps[0].TriggerPrice != 115 || fix.gw.tps[0].Qty != 0.8 {
		t.Errorf("tp = %v@%v, want 0.8@115", fix.gw.tps[0].Qty, fix.gw.tps[0].TriggerPrice)
	}
	exec := lastExecution(t, fix.mem)
	if exec.ActionType != ledger.ActionManageSetTP {
		t.Errorf("action = %q, want MANAGE_SET_TP", exec.ActionType)
	}
}

func TestExecuteManageMoveBERaisesStop(t *testing.T) {
	fix := newTestManager(nil)
	fix.store.SetPositions([]state.PositionState{
		{Symbol: "BTCUSDT", Side: exchange.PositionSideLong, Size: 1.0, EntryPrice: 100, MarkPrice: 105},
	}, time.Time{})

	if err := fix.m.ExecuteManage(context.Background(), &signals.ManageAction{
		Symbol: "BTCUSDT", MoveSLToBE: true,
	}, Meta{}); err != nil {
		t.Fatalf("ExecuteManage: %v", err)
	}
	if len(fix.gw.stops) != 1 {
		t.Fatalf("stop calls = %d, want 1", len(fix.gw.stops))
	}
	// Entry 100 with the 0.0005 buffer, snapped to the 0.1 tick.
	if fix.gw.stops[0].TriggerPrice != 100.1 {
		t.Errorf("be stop trigger = %v, want 100.1 after rounding", fix.gw.stops[0].TriggerPrice)
	}
	exec := lastExecution(t, fix.mem)
	if exec.ActionType != ledger.ActionManageMoveBE || exec.Status != ledger.StatusExecuted {
		t.Errorf("execution = %s/%s, want MANAGE_MOVE_SL_BE/EXECUTED", exec.ActionType, exec.Status)
	}
}

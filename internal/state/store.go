// Package state holds the runtime view shared by the pollers, the
// reconciler, the risk daemon, and the API. Exchange truth has priority
// over local assumptions: pollers overwrite, lifecycle code annotates.
package state

import (
	"context"
	"sync"
	"time"

	"signal-trading-bot/internal/exchange"
	"signal-trading-bot/internal/metrics"
)

// OrderPurpose tags why an order exists.
type OrderPurpose string

const (
	PurposeEntry         OrderPurpose = "entry"
	PurposeStopLoss      OrderPurpose = "sl"
	PurposeTakeProfit    OrderPurpose = "tp"
	PurposeBEReduce      OrderPurpose = "be_reduce"
	PurposeBEReduceLocal OrderPurpose = "be_reduce_local"
)

// TradeSide distinguishes opening from closing flow on venues that track it.
const (
	TradeSideOpen  = "open"
	TradeSideClose = "close"
)

// Lifecycle phases derived for an open position from the tracked records.
// UNPROTECTED is the bounded repair window: the position is live but no
// valid stop is tracked yet, and the safety daemon is on it.
const (
	PhasePartiallyFilled = "PARTIALLY_FILLED"
	PhaseFilledProtected = "FILLED_PROTECTED"
	PhaseUnprotected     = "UNPROTECTED"
)

// PositionState is one open position as last reported by the exchange,
// annotated with what we know locally (origin, open time).
type PositionState struct {
	Symbol        string                `json:"symbol"`
	Side          exchange.PositionSide `json:"side"`
	Size          float64               `json:"size"`
	EntryPrice    float64               `json:"entry_price"`
	MarkPrice     float64               `json:"mark_price"`
	LiqPrice      float64               `json:"liq_price"`
	PnL           float64               `json:"pnl"`
	Leverage      int                   `json:"leverage"`
	MarginMode    string                `json:"margin_mode"`
	UnknownOrigin bool                  `json:"unknown_origin"`
	OpenedAt      time.Time             `json:"opened_at"`
	UpdatedAt     time.Time             `json:"updated_at"`

	// Phase is derived from the order records at snapshot time, never
	// stored.
	Phase string `json:"phase,omitempty"`
}

// OrderRecord is one tracked order, indexed by both client and exchange ID.
type OrderRecord struct {
	Symbol              string               `json:"symbol"`
	Side                exchange.Side        `json:"side"`
	Status              exchange.OrderStatus `json:"status"`
	Filled              float64              `json:"filled"`
	Quantity            float64              `json:"quantity"`
	Price               float64              `json:"price,omitempty"`
	AvgPrice            float64              `json:"avg_price"`
	ReduceOnly          bool                 `json:"reduce_only"`
	TradeSide           string               `json:"trade_side"`
	Purpose             OrderPurpose         `json:"purpose"`
	TriggerPrice        float64              `json:"trigger_price"`
	IsPlanOrder         bool                 `json:"is_plan_order"`
	ClientOrderID       string               `json:"client_order_id"`
	OrderID             string               `json:"order_id"`
	ParentClientOrderID string               `json:"parent_client_order_id"`
	ThreadID            string               `json:"thread_id"`
	EntryIndex          int                  `json:"entry_index"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

// LocalGuard is a stop-loss held in memory instead of on the exchange,
// evaluated against mark price every tick.
type LocalGuard struct {
	Spec    exchange.TriggerSpec `json:"spec"`
	ArmedAt time.Time            `json:"armed_at"`
}

// TradeThread carries the protective levels of one executed entry so
// later fills are covered with the signal's own stop and targets, not
// just config defaults.
type TradeThread struct {
	ID          string                `json:"id"`
	Symbol      string                `json:"symbol"`
	Side        exchange.PositionSide `json:"side"`
	StopLoss    float64               `json:"stop_loss"`
	TakeProfits []float64             `json:"take_profits"`
	SignalID    string                `json:"signal_id"`
	ExecutionID int64                 `json:"execution_id"`
	CreatedAt   time.Time             `json:"created_at"`
}

// ProtectionPending marks a cancel-then-replace stop move in flight: set
// before the old stop is cancelled, cleared only once the replacement is
// tracked. A crash between the two phases leaves the marker behind, and
// the reconciler finishes the move with the recorded intent.
type ProtectionPending struct {
	Symbol       string                `json:"symbol"`
	Side         exchange.PositionSide `json:"side"`
	TriggerPrice float64               `json:"trigger_price"`
	Size         float64               `json:"size"`
	Reason       string                `json:"reason"`
	MarkedAt     time.Time             `json:"marked_at"`
}

// Freshness carries the last-success timestamps of each background worker.
type Freshness struct {
	AccountOK    time.Time `json:"account_ok_at"`
	PositionsOK  time.Time `json:"positions_ok_at"`
	OrdersOK     time.Time `json:"orders_ok_at"`
	PriceOK      time.Time `json:"price_ok_at"`
	ReconcilerOK time.Time `json:"reconciler_ok_at"`
}

// Snapshot is the full runtime view for the status endpoint.
type Snapshot struct {
	Account    *exchange.AccountSnapshot `json:"account,omitempty"`
	PeakEquity float64                   `json:"peak_equity"`
	Positions  []PositionState           `json:"positions"`
	Orders     []OrderRecord             `json:"orders"`
	Guards     []LocalGuard              `json:"guards"`
	Threads    []TradeThread             `json:"threads,omitempty"`
	Protecting []ProtectionPending       `json:"protection_pending,omitempty"`
	Freshness  Freshness                 `json:"freshness"`
}

// Store is the RWMutex-guarded runtime state.
type Store struct {
	mu sync.RWMutex

	account    *exchange.AccountSnapshot
	peakEquity float64

	positions  map[string]*PositionState
	byClientID map[string]*OrderRecord
	byOrderID  map[string]*OrderRecord
	guards     map[string]*LocalGuard
	threads    map[string]*TradeThread
	protecting map[string]*ProtectionPending

	apiErrors []time.Time
	fresh     Freshness

	lockMu      sync.Mutex
	symbolLocks map[string]*sync.Mutex

	mirror *RedisMirror
	now    func() time.Time
}

// NewStore builds an empty runtime store.
func NewStore() *Store {
	return &Store{
		positions:   make(map[string]*PositionState),
		byClientID:  make(map[string]*OrderRecord),
		byOrderID:   make(map[string]*OrderRecord),
		guards:      make(map[string]*LocalGuard),
		threads:     make(map[string]*TradeThread),
		protecting:  make(map[string]*ProtectionPending),
		symbolLocks: make(map[string]*sync.Mutex),
		now:         time.Now,
	}
}

// AttachMirror enables Redis write-through for orders, guards, threads and
// pending-protection markers.
func (s *Store) AttachMirror(m *RedisMirror) {
	s.mirror = m
}

// Hydrate restores mirrored orders, guards, trade threads and pending-
// protection markers after a restart. Terminal orders are skipped; the
// reconciler re-verifies everything loaded here against exchange truth on
// its first pass.
func (s *Store) Hydrate(ctx context.Context) error {
	if s.mirror == nil {
		return nil
	}
	orders, err := s.mirror.LoadOrders(ctx)
	if err != nil {
		return err
	}
	guards, err := s.mirror.LoadGuards(ctx)
	if err != nil {
		return err
	}
	threads, err := s.mirror.LoadThreads(ctx)
	if err != nil {
		return err
	}
	protecting, err := s.mirror.LoadPendingProtections(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for i := range orders {
		rec := orders[i]
		if rec.Status.IsTerminal() {
			continue
		}
		stored := rec
		if rec.ClientOrderID != "" {
			s.byClientID[rec.ClientOrderID] = &stored
		}
		if rec.OrderID != "" {
			s.byOrderID[rec.OrderID] = &stored
		}
	}
	for i := range guards {
		g := guards[i]
		s.guards[g.Spec.ClientOrderID] = &g
	}
	for i := range threads {
		t := threads[i]
		s.threads[t.ID] = &t
	}
	for i := range protecting {
		p := protecting[i]
		s.protecting[p.Symbol] = &p
	}
	s.mu.Unlock()
	return nil
}

// LockSymbol serializes lifecycle and reconciler mutations of the same
// symbol. Returns the unlock func.
func (s *Store) LockSymbol(symbol string) func() {
	s.lockMu.Lock()
	lock, ok := s.symbolLocks[symbol]
	if !ok {
		lock = &sync.Mutex{}
		s.symbolLocks[symbol] = lock
	}
	s.lockMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// ==================== Account ====================

// SetAccount overwrites the account view and advances peak equity.
func (s *Store) SetAccount(equity, available, marginUsed float64, ts time.Time) {
	if ts.IsZero() {
		ts = s.now().UTC()
	}
	s.mu.Lock()
	s.account = &exchange.AccountSnapshot{
		Equity:     equity,
		Available:  available,
		MarginUsed: marginUsed,
		Timestamp:  ts,
	}
	s.fresh.AccountOK = ts
	if equity > s.peakEquity {
		s.peakEquity = equity
	}
	s.mu.Unlock()

	metrics.AccountEquity.Set(equity)
}

// Account returns the last snapshot, ok=false before the first poll.
func (s *Store) Account() (exchange.AccountSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.account == nil {
		return exchange.AccountSnapshot{}, false
	}
	return *s.account, true
}

// PeakEquity returns the highest equity observed since boot.
func (s *Store) PeakEquity() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peakEquity
}

// ==================== Positions ====================

// SetPositions replaces the position view with the exchange-reported set,
// preserving locally-known open times.
func (s *Store) SetPositions(positions []PositionState, ts time.Time) {
	if ts.IsZero() {
		ts = s.now().UTC()
	}
	s.mu.Lock()
	current := make(map[string]*PositionState, len(positions))
	for i := range positions {
		p := positions[i]
		if p.OpenedAt.IsZero() {
			if old, ok := s.positions[p.Symbol]; ok && !old.OpenedAt.IsZero() {
				p.OpenedAt = old.OpenedAt
			} else {
				p.OpenedAt = ts
			}
		}
		p.UpdatedAt = ts
		current[p.Symbol] = &p
	}
	s.positions = current
	s.fresh.PositionsOK = ts
	count := len(current)
	s.mu.Unlock()

	metrics.OpenPositions.Set(float64(count))
}

// Position returns one position by symbol.
func (s *Store) Position(symbol string) (PositionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[symbol]
	if !ok {
		return PositionState{}, false
	}
	return *p, true
}

// Positions returns all open positions.
func (s *Store) Positions() []PositionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PositionState, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	return out
}

// OpenPositionCount returns the number of open positions.
func (s *Store) OpenPositionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

// SetMarkPrice updates the mark price on a tracked position.
func (s *Store) SetMarkPrice(symbol string, markPrice float64, ts time.Time) {
	if ts.IsZero() {
		ts = s.now().UTC()
	}
	s.mu.Lock()
	if p, ok := s.positions[symbol]; ok {
		p.MarkPrice = markPrice
		p.UpdatedAt = ts
	}
	s.mu.Unlock()
}

// ==================== Orders ====================

// UpsertOrder indexes an order by client and exchange ID.
func (s *Store) UpsertOrder(rec OrderRecord) {
	now := s.now().UTC()
	rec.UpdatedAt = now

	s.mu.Lock()
	stored := rec
	if rec.ClientOrderID != "" {
		s.byClientID[rec.ClientOrderID] = &stored
	}
	if rec.OrderID != "" {
		s.byOrderID[rec.OrderID] = &stored
	}
	s.fresh.OrdersOK = now
	s.mu.Unlock()

	if s.mirror != nil {
		s.mirror.SaveOrder(rec)
	}
}

// FindOrder looks an order up by client ID first, then exchange ID.
func (s *Store) FindOrder(clientOrderID, orderID string) (OrderRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec := s.findLocked(clientOrderID, orderID); rec != nil {
		return *rec, true
	}
	return OrderRecord{}, false
}

func (s *Store) findLocked(clientOrderID, orderID string) *OrderRecord {
	if clientOrderID != "" {
		if rec, ok := s.byClientID[clientOrderID]; ok {
			return rec
		}
	}
	if orderID != "" {
		if rec, ok := s.byOrderID[orderID]; ok {
			return rec
		}
	}
	return nil
}

// PendingOrders returns every tracked order not yet in a terminal state.
func (s *Store) PendingOrders() []OrderRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []OrderRecord
	for _, rec := range s.byClientID {
		if !rec.Status.IsTerminal() {
			out = append(out, *rec)
		}
	}
	return out
}

// OrdersForThread returns every order tracked under one trade thread,
// terminal or not. Fill detection needs the filled children too.
func (s *Store) OrdersForThread(threadID string) []OrderRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []OrderRecord
	for _, rec := range s.byClientID {
		if rec.ThreadID == threadID {
			out = append(out, *rec)
		}
	}
	return out
}

// StopLossOrder returns the live stop-loss tracked for a position, if any.
func (s *Store) StopLossOrder(symbol string, side exchange.PositionSide) (OrderRecord, bool) {
	expected := exchange.CloseSide(side)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.byClientID {
		if rec.Symbol != symbol || rec.Purpose != PurposeStopLoss {
			continue
		}
		if rec.Status.IsTerminal() {
			continue
		}
		if rec.Side != expected {
			continue
		}
		return *rec, true
	}
	return OrderRecord{}, false
}

// ClearOrdersForSymbol drops all tracked orders, trade threads and
// pending-protection markers of one symbol, used after a position is
// confirmed closed.
func (s *Store) ClearOrdersForSymbol(symbol string) {
	s.mu.Lock()
	var removed []string
	for id, rec := range s.byClientID {
		if rec.Symbol == symbol {
			delete(s.byClientID, id)
			removed = append(removed, id)
		}
	}
	for id, rec := range s.byOrderID {
		if rec.Symbol == symbol {
			delete(s.byOrderID, id)
		}
	}
	var droppedThreads []string
	for id, t := range s.threads {
		if t.Symbol == symbol {
			delete(s.threads, id)
			droppedThreads = append(droppedThreads, id)
		}
	}
	_, hadMarker := s.protecting[symbol]
	delete(s.protecting, symbol)
	s.mu.Unlock()

	if s.mirror != nil {
		for _, id := range removed {
			s.mirror.DeleteOrder(id)
		}
		for _, id := range droppedThreads {
			s.mirror.DeleteThread(id)
		}
		if hadMarker {
			s.mirror.DeletePendingProtection(symbol)
		}
	}
}

// KnownEntrySymbols returns the symbols with a non-rejected entry order
// tracked locally. Positions on other symbols are of unknown origin.
func (s *Store) KnownEntrySymbols() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{})
	for _, rec := range s.byClientID {
		if rec.Purpose != PurposeEntry {
			continue
		}
		if rec.Status == exchange.StatusRejected {
			continue
		}
		out[rec.Symbol] = struct{}{}
	}
	return out
}

// MarkOrderStatus updates status and fill progress on a tracked order.
// Negative filled or non-positive avgPrice leave the stored value unchanged.
func (s *Store) MarkOrderStatus(clientOrderID, orderID string, status exchange.OrderStatus, filled, avgPrice float64) {
	s.mu.Lock()
	rec := s.findLocked(clientOrderID, orderID)
	if rec == nil {
		s.mu.Unlock()
		return
	}
	rec.Status = status
	if filled >= 0 {
		rec.Filled = filled
	}
	if avgPrice > 0 {
		rec.AvgPrice = avgPrice
	}
	rec.UpdatedAt = s.now().UTC()
	updated := *rec
	s.mu.Unlock()

	if s.mirror != nil {
		if updated.Status.IsTerminal() {
			s.mirror.DeleteOrder(updated.ClientOrderID)
		} else {
			s.mirror.SaveOrder(updated)
		}
	}
}

// HasValidStopLoss reports whether a live, correctly-sided, closing
// stop-loss order is tracked for the position.
func (s *Store) HasValidStopLoss(symbol string, side exchange.PositionSide) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasValidStopLocked(symbol, side)
}

func (s *Store) hasValidStopLocked(symbol string, side exchange.PositionSide) bool {
	expected := exchange.CloseSide(side)
	for _, rec := range s.byClientID {
		if rec.Symbol != symbol || rec.Purpose != PurposeStopLoss {
			continue
		}
		switch rec.Status {
		case exchange.StatusCanceled, exchange.StatusFailed, exchange.StatusRejected:
			continue
		}
		if rec.Side != expected {
			continue
		}
		if !rec.ReduceOnly && rec.TradeSide != TradeSideClose {
			continue
		}
		return true
	}
	return false
}

// phaseLocked derives the lifecycle phase of one open position: an entry
// order still working means the fill is partial, otherwise the phase is
// protection coverage.
func (s *Store) phaseLocked(pos *PositionState) string {
	for _, rec := range s.byClientID {
		if rec.Symbol != pos.Symbol || rec.Purpose != PurposeEntry {
			continue
		}
		if !rec.Status.IsTerminal() {
			return PhasePartiallyFilled
		}
	}
	if s.hasValidStopLocked(pos.Symbol, pos.Side) {
		return PhaseFilledProtected
	}
	return PhaseUnprotected
}

// ==================== Local guards ====================

// ArmGuard stores a local stop evaluated against mark price.
func (s *Store) ArmGuard(spec exchange.TriggerSpec) {
	g := LocalGuard{Spec: spec, ArmedAt: s.now().UTC()}
	s.mu.Lock()
	s.guards[spec.ClientOrderID] = &g
	s.mu.Unlock()

	if s.mirror != nil {
		s.mirror.SaveGuard(g)
	}
}

// DisarmGuard removes a local stop by its client order ID.
func (s *Store) DisarmGuard(clientOrderID string) {
	s.mu.Lock()
	delete(s.guards, clientOrderID)
	s.mu.Unlock()

	if s.mirror != nil {
		s.mirror.DeleteGuard(clientOrderID)
	}
}

// Guards returns all armed local stops.
func (s *Store) Guards() []LocalGuard {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LocalGuard, 0, len(s.guards))
	for _, g := range s.guards {
		out = append(out, *g)
	}
	return out
}

// GuardsForSymbol returns the armed local stops of one symbol.
func (s *Store) GuardsForSymbol(symbol string) []LocalGuard {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []LocalGuard
	for _, g := range s.guards {
		if g.Spec.Symbol == symbol {
			out = append(out, *g)
		}
	}
	return out
}

// ==================== Trade threads ====================

// SaveThread stores the protective levels of an executed entry.
func (s *Store) SaveThread(t TradeThread) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}
	s.mu.Lock()
	stored := t
	s.threads[t.ID] = &stored
	s.mu.Unlock()

	if s.mirror != nil {
		s.mirror.SaveThread(t)
	}
}

// Thread returns one trade thread by ID.
func (s *Store) Thread(id string) (TradeThread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return TradeThread{}, false
	}
	return *t, true
}

// ==================== Pending protection ====================

// MarkProtectionPending records that the symbol's stop is mid-replacement.
// Stamped and mirrored before the cancel goes out.
func (s *Store) MarkProtectionPending(p ProtectionPending) {
	if p.MarkedAt.IsZero() {
		p.MarkedAt = s.now().UTC()
	}
	s.mu.Lock()
	stored := p
	s.protecting[p.Symbol] = &stored
	s.mu.Unlock()

	if s.mirror != nil {
		s.mirror.SavePendingProtection(p)
	}
}

// ClearProtectionPending drops the marker once a replacement stop is
// tracked.
func (s *Store) ClearProtectionPending(symbol string) {
	s.mu.Lock()
	_, ok := s.protecting[symbol]
	delete(s.protecting, symbol)
	s.mu.Unlock()

	if ok && s.mirror != nil {
		s.mirror.DeletePendingProtection(symbol)
	}
}

// PendingProtection returns the symbol's in-flight stop replacement, if any.
func (s *Store) PendingProtection(symbol string) (ProtectionPending, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.protecting[symbol]
	if !ok {
		return ProtectionPending{}, false
	}
	return *p, true
}

// PendingProtections returns every in-flight stop replacement.
func (s *Store) PendingProtections() []ProtectionPending {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ProtectionPending, 0, len(s.protecting))
	for _, p := range s.protecting {
		out = append(out, *p)
	}
	return out
}

// ==================== API errors and freshness ====================

// RegisterAPIError appends to the error ring used by the burst breaker.
func (s *Store) RegisterAPIError(ts time.Time) {
	if ts.IsZero() {
		ts = s.now().UTC()
	}
	s.mu.Lock()
	s.apiErrors = append(s.apiErrors, ts)
	s.mu.Unlock()
}

// APIErrorsInWindow counts errors inside the window ending at now and
// prunes older entries.
func (s *Store) APIErrorsInWindow(window time.Duration, now time.Time) int {
	if now.IsZero() {
		now = s.now().UTC()
	}
	cutoff := now.Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.apiErrors[:0]
	for _, ts := range s.apiErrors {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.apiErrors = kept
	return len(kept)
}

// SetOrdersFresh records a completed open-orders poll. UpsertOrder also
// advances this stamp, but a poll that finds nothing open still counts.
func (s *Store) SetOrdersFresh(ts time.Time) {
	if ts.IsZero() {
		ts = s.now().UTC()
	}
	s.mu.Lock()
	s.fresh.OrdersOK = ts
	s.mu.Unlock()
}

// SetPriceFresh records a successful price update.
func (s *Store) SetPriceFresh(ts time.Time) {
	if ts.IsZero() {
		ts = s.now().UTC()
	}
	s.mu.Lock()
	s.fresh.PriceOK = ts
	s.mu.Unlock()
}

// SetReconcilerFresh records a completed reconciler pass.
func (s *Store) SetReconcilerFresh(ts time.Time) {
	if ts.IsZero() {
		ts = s.now().UTC()
	}
	s.mu.Lock()
	s.fresh.ReconcilerOK = ts
	s.mu.Unlock()
}

// Freshness returns the worker heartbeat timestamps.
func (s *Store) Freshness() Freshness {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fresh
}

// ==================== Snapshot ====================

// ToSnapshot copies the full runtime view for the status endpoint.
func (s *Store) ToSnapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		PeakEquity: s.peakEquity,
		Positions:  make([]PositionState, 0, len(s.positions)),
		Orders:     make([]OrderRecord, 0, len(s.byClientID)),
		Guards:     make([]LocalGuard, 0, len(s.guards)),
		Freshness:  s.fresh,
	}
	if s.account != nil {
		acct := *s.account
		snap.Account = &acct
	}
	for _, p := range s.positions {
		pos := *p
		pos.Phase = s.phaseLocked(p)
		snap.Positions = append(snap.Positions, pos)
	}
	for _, rec := range s.byClientID {
		snap.Orders = append(snap.Orders, *rec)
	}
	for _, g := range s.guards {
		snap.Guards = append(snap.Guards, *g)
	}
	for _, t := range s.threads {
		snap.Threads = append(snap.Threads, *t)
	}
	for _, p := range s.protecting {
		snap.Protecting = append(snap.Protecting, *p)
	}
	return snap
}

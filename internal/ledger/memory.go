package ledger

import (
	"context"
	"sync"
	"time"
)

type messageState struct {
	lastHash      string
	latestVersion int
	firstSeen     time.Time
	lastSeen      time.Time
}

// EquityPoint is one recorded equity snapshot.
type EquityPoint struct {
	Equity     float64
	Available  float64
	MarginUsed float64
	At         time.Time
}

type messageKey struct {
	chatID    int64
	messageID int64
}

// Memory is the in-process Ledger used when no database is configured and by
// tests. Same semantics as Postgres, nothing survives a restart.
type Memory struct {
	mu sync.RWMutex

	messages   map[messageKey]*messageState
	parsed     []ParsedSignal
	executions []Execution
	receipts   []OrderReceipt
	actions    []ReconcilerAction
	violations []InvariantViolation
	events     []Event
	equity     []EquityPoint
	flags      map[string]string

	nextExecID int64
	now        func() time.Time
}

var _ Ledger = (*Memory)(nil)

// NewMemory builds an empty in-process ledger.
func NewMemory() *Memory {
	return &Memory{
		messages:   make(map[messageKey]*messageState),
		flags:      make(map[string]string),
		nextExecID: 1,
		now:        time.Now,
	}
}

func (m *Memory) Close() {}

// RecordMessage applies the same idempotency protocol as the Postgres store.
func (m *Memory) RecordMessage(_ context.Context, chatID, messageID int64, text string, _ bool, _ time.Time) (MessageRecord, error) {
	textHash := HashText(text)
	now := m.now().UTC()
	key := messageKey{chatID: chatID, messageID: messageID}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.messages[key]
	if !ok {
		m.messages[key] = &messageState{lastHash: textHash, latestVersion: 1, firstSeen: now, lastSeen: now}
		return MessageRecord{Duplicate: false, Version: 1, TextChanged: true, TextHash: textHash}, nil
	}
	if st.lastHash == textHash {
		st.lastSeen = now
		return MessageRecord{Duplicate: true, Version: st.latestVersion, TextChanged: false, TextHash: textHash}, nil
	}
	st.lastHash = textHash
	st.latestVersion++
	st.lastSeen = now
	return MessageRecord{Duplicate: false, Version: st.latestVersion, TextChanged: true, TextHash: textHash}, nil
}

func (m *Memory) RecordParsedSignal(_ context.Context, rec ParsedSignal) error {
	m.mu.Lock()
	m.parsed = append(m.parsed, rec)
	m.mu.Unlock()
	return nil
}

func (m *Memory) RecordExecution(_ context.Context, rec Execution) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = m.nextExecID
	m.nextExecID++
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now().UTC()
	}
	m.executions = append(m.executions, rec)
	return rec.ID, nil
}

func (m *Memory) RecordOrderReceipt(_ context.Context, rec OrderReceipt) error {
	m.mu.Lock()
	m.receipts = append(m.receipts, rec)
	m.mu.Unlock()
	return nil
}

func (m *Memory) RecordReconcilerAction(_ context.Context, rec ReconcilerAction) error {
	m.mu.Lock()
	m.actions = append(m.actions, rec)
	m.mu.Unlock()
	return nil
}

func (m *Memory) RecordInvariantViolation(_ context.Context, rec InvariantViolation) error {
	m.mu.Lock()
	m.violations = append(m.violations, rec)
	m.mu.Unlock()
	return nil
}

func (m *Memory) RecordEvent(_ context.Context, rec Event) error {
	m.mu.Lock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now().UTC()
	}
	m.events = append(m.events, rec)
	m.mu.Unlock()
	return nil
}

func (m *Memory) RecordEquitySnapshot(_ context.Context, equity, available, marginUsed float64, at time.Time) error {
	m.mu.Lock()
	m.equity = append(m.equity, EquityPoint{Equity: equity, Available: available, MarginUsed: marginUsed, At: at})
	m.mu.Unlock()
	return nil
}

func (m *Memory) WithinCooldown(_ context.Context, symbol, side string, window time.Duration, now time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.executions) - 1; i >= 0; i-- {
		rec := m.executions[i]
		if rec.Symbol != symbol || rec.Side != side {
			continue
		}
		if rec.Status != StatusExecuted && rec.Status != StatusDryRun {
			continue
		}
		return now.Sub(rec.CreatedAt) < window, nil
	}
	return false, nil
}

func (m *Memory) HasExecutionForSignal(_ context.Context, signalID string) (bool, error) {
	if signalID == "" {
		return false, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.executions) - 1; i >= 0; i-- {
		if m.executions[i].SignalID == signalID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) HasProtectiveOrder(_ context.Context, symbol string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.receipts) - 1; i >= 0; i-- {
		rec := m.receipts[i]
		if rec.Symbol != symbol {
			continue
		}
		if rec.Purpose != PurposeStopLoss && rec.Purpose != PurposeLocalGuard {
			continue
		}
		return protectiveLive(rec.Status), nil
	}
	return false, nil
}

func (m *Memory) LastEntrySymbol(_ context.Context, chatID int64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.parsed) - 1; i >= 0; i-- {
		rec := m.parsed[i]
		if rec.ChatID == chatID && rec.SignalType == "ENTRY_SIGNAL" && rec.Symbol != "" {
			return rec.Symbol, nil
		}
	}
	return "", nil
}

func (m *Memory) RecentExecutions(_ context.Context, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Execution, 0, limit)
	for i := len(m.executions) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.executions[i])
	}
	return out, nil
}

func (m *Memory) RecentEvents(_ context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, 0, limit)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.events[i])
	}
	return out, nil
}

func (m *Memory) SetSystemFlag(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.flags[key] = value
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetSystemFlag(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flags[key], nil
}

// Receipts returns everything recorded so far, oldest first.
func (m *Memory) Receipts() []OrderReceipt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]OrderReceipt, len(m.receipts))
	copy(out, m.receipts)
	return out
}

// Actions returns every reconciler action recorded so far, oldest first.
func (m *Memory) Actions() []ReconcilerAction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ReconcilerAction, len(m.actions))
	copy(out, m.actions)
	return out
}

// Violations returns every invariant violation recorded so far, oldest first.
func (m *Memory) Violations() []InvariantViolation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]InvariantViolation, len(m.violations))
	copy(out, m.violations)
	return out
}

// EquitySnapshots returns every equity snapshot recorded so far, oldest first.
func (m *Memory) EquitySnapshots() []EquityPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]EquityPoint, len(m.equity))
	copy(out, m.equity)
	return out
}

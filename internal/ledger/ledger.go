package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Execution statuses recorded in the decision ledger.
const (
	StatusExecuted      = "EXECUTED"
	StatusDryRun        = "DRY_RUN"
	StatusRejected      = "REJECTED"
	StatusFailed        = "FAILED"
	StatusPendingManual = "PENDING_MANUAL"
)

// Action types recorded in the decision ledger.
const (
	ActionParse        = "PARSE"
	ActionEntry        = "ENTRY"
	ActionManage       = "MANAGE"
	ActionManageReduce = "MANAGE_REDUCE"
	ActionManageClose  = "MANAGE_CLOSE"
	ActionManageMoveBE = "MANAGE_MOVE_SL_BE"
	ActionManageSetTP  = "MANAGE_SET_TP"
	ActionPanicClose   = "PANIC_CLOSE"
)

// Order receipt purposes.
const (
	PurposeEntry      = "entry"
	PurposeStopLoss   = "sl"
	PurposeTakeProfit = "tp"
	PurposeLocalGuard = "local_guard"
	PurposeClose      = "close"
)

// System flag keys.
const (
	// FlagKillSwitch holds the stored kill-switch value.
	FlagKillSwitch = "kill_switch"
	// FlagSafetyMode holds the last persisted safety mode so a restart
	// resumes halted instead of trading.
	FlagSafetyMode = "safety_mode"
)

// MessageRecord is the outcome of recording an inbound message: whether the
// exact text was seen before and which version this delivery is.
type MessageRecord struct {
	Duplicate   bool   `json:"duplicate"`
	Version     int    `json:"version"`
	TextChanged bool   `json:"text_changed"`
	TextHash    string `json:"text_hash"`
}

// ParsedSignal is one validated signal payload tied back to its message.
type ParsedSignal struct {
	ChatID     int64   `json:"chat_id"`
	MessageID  int64   `json:"message_id"`
	Version    int     `json:"version"`
	SignalType string  `json:"signal_type"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
	Payload    any     `json:"payload"`
}

// Execution is one row of the decision ledger: what the system decided to do
// with a signal and why. Append-only.
type Execution struct {
	ID         int64     `json:"id"`
	ChatID     int64     `json:"chat_id"`
	MessageID  int64     `json:"message_id"`
	Version    int       `json:"version"`
	SignalID   string    `json:"signal_id"`
	ActionType string    `json:"action_type"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason"`
	Intent     any       `json:"intent,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// OrderReceipt records one exchange acknowledgement. Status changes append
// new receipts rather than mutating old ones, so the latest receipt per
// symbol+purpose reflects the last observed state.
type OrderReceipt struct {
	ExecutionID     int64  `json:"execution_id"`
	Symbol          string `json:"symbol"`
	Purpose         string `json:"purpose"`
	ExchangeOrderID string `json:"exchange_order_id"`
	ClientOrderID   string `json:"client_order_id"`
	Status          string `json:"status"`
	Payload         any    `json:"payload,omitempty"`
}

// ReconcilerAction is one repair or observation made by the reconciler or
// the risk daemon.
type ReconcilerAction struct {
	Symbol        string `json:"symbol"`
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	Action        string `json:"action"`
	Reason        string `json:"reason"`
	Payload       any    `json:"payload,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
}

// InvariantViolation records a broken safety invariant (missing stop-loss,
// forced protective close) together with the trace of its handling.
type InvariantViolation struct {
	Invariant string `json:"invariant"`
	Symbol    string `json:"symbol"`
	Reason    string `json:"reason"`
	Payload   any    `json:"payload,omitempty"`
	TraceID   string `json:"trace_id"`
}

// Event is one audited alert, keyed by trace ID.
type Event struct {
	TraceID   string    `json:"trace_id"`
	Level     string    `json:"level"`
	EventType string    `json:"event_type"`
	Message   string    `json:"message"`
	Payload   any       `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Ledger is the append-only durable store shared by all components. Every
// signal, decision, order event, and safety transition is written here;
// idempotency and cooldown checks are point lookups against it.
type Ledger interface {
	// RecordMessage applies the idempotency protocol: first sight of a
	// message is version 1, an unchanged redelivery is a duplicate, and a
	// changed text bumps the version.
	RecordMessage(ctx context.Context, chatID, messageID int64, text string, isEdit bool, eventTime time.Time) (MessageRecord, error)

	RecordParsedSignal(ctx context.Context, rec ParsedSignal) error
	RecordExecution(ctx context.Context, rec Execution) (int64, error)
	RecordOrderReceipt(ctx context.Context, rec OrderReceipt) error
	RecordReconcilerAction(ctx context.Context, rec ReconcilerAction) error
	RecordInvariantViolation(ctx context.Context, rec InvariantViolation) error
	RecordEvent(ctx context.Context, rec Event) error
	RecordEquitySnapshot(ctx context.Context, equity, available, marginUsed float64, at time.Time) error

	// WithinCooldown reports whether an EXECUTED or DRY_RUN entry for
	// symbol+side happened inside the window ending at now.
	WithinCooldown(ctx context.Context, symbol, side string, window time.Duration, now time.Time) (bool, error)

	// HasExecutionForSignal reports whether a decision record already
	// exists for the signal ID.
	HasExecutionForSignal(ctx context.Context, signalID string) (bool, error)

	// HasProtectiveOrder reports whether the latest protective receipt for
	// the symbol is still live.
	HasProtectiveOrder(ctx context.Context, symbol string) (bool, error)

	// LastEntrySymbol returns the symbol of the chat's most recent entry
	// signal, for manage actions that name no symbol. Empty when the chat
	// has no entry history.
	LastEntrySymbol(ctx context.Context, chatID int64) (string, error)

	RecentExecutions(ctx context.Context, limit int) ([]Execution, error)
	RecentEvents(ctx context.Context, limit int) ([]Event, error)

	SetSystemFlag(ctx context.Context, key, value string) error
	GetSystemFlag(ctx context.Context, key string) (string, error)

	Close()
}

// HashText returns the sha256 hex digest used for message idempotency.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// protectiveLive reports whether a receipt status means the order still
// guards the position.
func protectiveLive(status string) bool {
	switch status {
	case "NEW", "ACKED", "PARTIAL", "PARTIALLY_FILLED":
		return true
	}
	return false
}

// marshalPayload renders an arbitrary payload for a JSONB column, nil in →
// nil out (stored as NULL).
func marshalPayload(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

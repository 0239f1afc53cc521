// Package bot is the intake orchestrator. It receives validated signal
// payloads at the ingestion boundary, applies the message and signal-ID
// idempotency protocol against the ledger, and dispatches entries and
// manage actions through the risk engine to the order lifecycle manager.
// Every decision ends up in the ledger; nothing executes twice.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"signal-trading-bot/config"
	"signal-trading-bot/internal/exchange"
	"signal-trading-bot/internal/ledger"
	"signal-trading-bot/internal/metrics"
	"signal-trading-bot/internal/orders"
	"signal-trading-bot/internal/risk"
	"signal-trading-bot/internal/safety"
	"signal-trading-bot/internal/signals"
	"signal-trading-bot/internal/state"
)

// ErrNoPendingPlan is returned when a confirmation references an execution
// that is not waiting for one.
var ErrNoPendingPlan = errors.New("no plan pending confirmation for execution id")

// ErrConfirmationRejected is returned when a held entry fails its fresh
// risk evaluation at confirmation time.
var ErrConfirmationRejected = errors.New("held entry rejected")

// Risk decides whether a signal may become an order.
type Risk interface {
	Evaluate(ctx context.Context, sig *signals.Signal, acct exchange.AccountSnapshot, mode safety.Mode, now time.Time) (*risk.OrderPlan, *risk.Rejection, error)
	EvaluateManage(act *signals.ManageAction) *risk.Rejection
}

// Lifecycle executes approved work.
type Lifecycle interface {
	ExecuteEntry(ctx context.Context, sig *signals.Signal, plan *risk.OrderPlan, meta orders.Meta) (*orders.EntryResult, error)
	ExecuteManage(ctx context.Context, act *signals.ManageAction, meta orders.Meta) error
}

// SafetyState reads the current protection mode.
type SafetyState interface {
	Mode() safety.Mode
}

// Alerter emits audited operator events.
type Alerter interface {
	Info(ctx context.Context, eventType, msg string, payload map[string]any) string
	Warn(ctx context.Context, eventType, msg string, payload map[string]any) string
	Error(ctx context.Context, eventType, msg string, payload map[string]any) string
}

// PendingEntry describes one plan held for manual confirmation.
type PendingEntry struct {
	ExecutionID int64     `json:"execution_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Confidence  float64   `json:"confidence"`
	HeldAt      time.Time `json:"held_at"`
}

type pendingPlan struct {
	sig    *signals.Signal
	meta   orders.Meta
	heldAt time.Time
}

// Bot routes one signal at a time from the ingestion boundary to a
// recorded decision.
type Bot struct {
	led    ledger.Ledger
	risk   Risk
	life   Lifecycle
	store  *state.Store
	safety SafetyState
	alerts Alerter

	minConfidence float64

	log zerolog.Logger
	now func() time.Time

	mu      sync.Mutex
	pending map[int64]*pendingPlan
}

func NewBot(
	cfg *config.Config,
	led ledger.Ledger,
	riskEngine Risk,
	life Lifecycle,
	store *state.Store,
	safetyState SafetyState,
	alerts Alerter,
	logger zerolog.Logger,
) *Bot {
	return &Bot{
		led:           led,
		risk:          riskEngine,
		life:          life,
		store:         store,
		safety:        safetyState,
		alerts:        alerts,
		minConfidence: cfg.RiskConfig.MinConfidence,
		log:           logger.With().Str("component", "bot").Logger(),
		now:           time.Now,
		pending:       make(map[int64]*pendingPlan),
	}
}

// HandleRaw decodes one wire payload and handles it. Schema violations are
// hard errors for the deliverer; everything past the schema yields a
// recorded decision.
func (b *Bot) HandleRaw(ctx context.Context, raw []byte) error {
	sig, err := signals.Decode(raw, b.now().UTC())
	if err != nil {
		return err
	}
	return b.Handle(ctx, sig)
}

// Handle runs one decoded signal through the idempotency protocol and
// dispatches it. The error return is reserved for ledger and execution
// infrastructure failures; policy outcomes are recorded, not returned.
func (b *Bot) Handle(ctx context.Context, sig *signals.Signal) error {
	src := sig.Source

	rec, err := b.led.RecordMessage(ctx, src.ChatID, src.MessageID, sig.RawText, src.IsEdit, sig.ReceivedAt)
	if err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	if rec.Duplicate && !src.IsEdit {
		b.log.Info().
			Int64("chat_id", src.ChatID).
			Int64("message_id", src.MessageID).
			Msg("duplicate message ignored")
		return nil
	}

	if err := b.led.RecordParsedSignal(ctx, ledger.ParsedSignal{
		ChatID:     src.ChatID,
		MessageID:  src.MessageID,
		Version:    rec.Version,
		SignalType: string(sig.Kind),
		Symbol:     signalSymbol(sig),
		Side:       signalSide(sig),
		Source:     "ingest",
		Confidence: sig.Confidence,
		Payload:    sig,
	}); err != nil {
		b.systemFailure(ctx, sig, rec.Version, err)
		return fmt.Errorf("record parsed signal: %w", err)
	}
	metrics.Signals.WithLabelValues(string(sig.Kind)).Inc()

	if sig.Kind == signals.KindNonSignal {
		if strings.HasPrefix(sig.Note, "incomplete_") {
			b.recordDecision(ctx, sig, rec.Version, ledger.ActionParse, ledger.StatusRejected, sig.Note)
			b.alerts.Warn(ctx, "SIGNAL_REJECTED",
				fmt.Sprintf("signal rejected due to uncertain fields: %s", sig.Note),
				map[string]any{"chat_id": src.ChatID, "message_id": src.MessageID})
			return nil
		}
		b.log.Debug().Int64("message_id", src.MessageID).Msg("non-signal message ignored")
		return nil
	}

	if reason := signals.Validate(sig); reason != "" {
		b.recordDecision(ctx, sig, rec.Version, actionType(sig), ledger.StatusRejected, reason)
		b.alerts.Warn(ctx, "SIGNAL_REJECTED", reason,
			map[string]any{"symbol": signalSymbol(sig), "chat_id": src.ChatID})
		return nil
	}

	// Edits are recorded as new versions but never auto-executed.
	if src.IsEdit {
		b.alerts.Warn(ctx, "SIGNAL_EDITED",
			fmt.Sprintf("edited message recorded (version=%d) and skipped for execution", rec.Version),
			map[string]any{"chat_id": src.ChatID, "message_id": src.MessageID})
		return nil
	}

	if sig.ID != "" {
		seen, err := b.led.HasExecutionForSignal(ctx, sig.ID)
		if err != nil {
			return fmt.Errorf("signal idempotency lookup: %w", err)
		}
		if seen {
			b.log.Info().Str("signal_id", sig.ID).Msg("signal already decided, redelivery ignored")
			return nil
		}
	}

	meta := orders.Meta{ChatID: src.ChatID, MessageID: src.MessageID, Version: rec.Version}
	switch sig.Kind {
	case signals.KindEntry:
		return b.handleEntry(ctx, sig, meta)
	case signals.KindManage:
		return b.handleManage(ctx, sig, meta)
	}
	return nil
}

func (b *Bot) handleEntry(ctx context.Context, sig *signals.Signal, meta orders.Meta) error {
	acct, _ := b.store.Account()
	now := b.now().UTC()

	plan, rej, err := b.risk.Evaluate(ctx, sig, acct, b.safety.Mode(), now)
	if err != nil {
		b.systemFailure(ctx, sig, meta.Version, err)
		return fmt.Errorf("evaluate entry: %w", err)
	}
	if rej != nil {
		b.recordDecision(ctx, sig, meta.Version, ledger.ActionEntry, ledger.StatusRejected, rej.String())
		b.log.Info().
			Str("symbol", signalSymbol(sig)).
			Str("reason", rej.String()).
			Msg("entry rejected")
		return nil
	}

	if plan.RequiresConfirmation {
		return b.holdForConfirmation(ctx, sig, plan, meta, now)
	}

	res, err := b.life.ExecuteEntry(ctx, sig, plan, meta)
	if err != nil {
		// The lifecycle manager already recorded and alerted the failure.
		return fmt.Errorf("execute entry %s: %w", plan.Symbol, err)
	}
	b.log.Info().
		Str("symbol", plan.Symbol).
		Str("thread_id", res.ThreadID).
		Str("status", res.Status).
		Msg("entry dispatched")
	return nil
}

func (b *Bot) holdForConfirmation(ctx context.Context, sig *signals.Signal, plan *risk.OrderPlan, meta orders.Meta, now time.Time) error {
	reason := fmt.Sprintf("confidence %.2f below threshold %.2f; manual confirmation required",
		sig.Confidence, b.minConfidence)
	execID, err := b.led.RecordExecution(ctx, ledger.Execution{
		ChatID:     meta.ChatID,
		MessageID:  meta.MessageID,
		Version:    meta.Version,
		SignalID:   sig.ID,
		ActionType: ledger.ActionEntry,
		Symbol:     plan.Symbol,
		Side:       string(plan.Side),
		Status:     ledger.StatusPendingManual,
		Reason:     reason,
		Intent:     map[string]any{"signal": sig, "plan": plan},
	})
	if err != nil {
		return fmt.Errorf("record pending entry: %w", err)
	}

	b.mu.Lock()
	b.pending[execID] = &pendingPlan{sig: sig, meta: meta, heldAt: now}
	b.mu.Unlock()

	b.alerts.Warn(ctx, "PENDING_CONFIRMATION", reason, map[string]any{
		"symbol": plan.Symbol, "side": string(plan.Side), "execution_id": execID,
	})
	return nil
}

func (b *Bot) handleManage(ctx context.Context, sig *signals.Signal, meta orders.Meta) error {
	act := *sig.Manage
	if act.Symbol == "" {
		symbol, err := b.led.LastEntrySymbol(ctx, sig.Source.ChatID)
		if err != nil {
			return fmt.Errorf("infer manage symbol: %w", err)
		}
		act.Symbol = symbol
	}

	if rej := b.risk.EvaluateManage(&act); rej != nil {
		b.recordDecision(ctx, sig, meta.Version, ledger.ActionManage, ledger.StatusRejected, rej.String())
		b.alerts.Warn(ctx, "MANAGE_REJECTED", fmt.Sprintf("manage rejected: %s", rej.String()),
			map[string]any{"symbol": act.Symbol})
		return nil
	}

	if err := b.life.ExecuteManage(ctx, &act, meta); err != nil {
		return fmt.Errorf("execute manage %s: %w", act.Symbol, err)
	}
	return nil
}

// ConfirmPending releases a held plan. The signal is re-evaluated against
// current account state and prices before execution: the operator confirms
// the signal, not a stale size.
func (b *Bot) ConfirmPending(ctx context.Context, executionID int64) error {
	b.mu.Lock()
	p, ok := b.pending[executionID]
	delete(b.pending, executionID)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoPendingPlan, executionID)
	}

	acct, _ := b.store.Account()
	now := b.now().UTC()
	plan, rej, err := b.risk.Evaluate(ctx, p.sig, acct, b.safety.Mode(), now)
	if err != nil {
		return fmt.Errorf("re-evaluate pending entry: %w", err)
	}
	if rej != nil {
		b.recordDecision(ctx, p.sig, p.meta.Version, ledger.ActionEntry, ledger.StatusRejected,
			fmt.Sprintf("rejected at confirmation: %s", rej.String()))
		b.alerts.Warn(ctx, "CONFIRMATION_REJECTED",
			fmt.Sprintf("held entry no longer passes risk: %s", rej.String()),
			map[string]any{"execution_id": executionID, "symbol": signalSymbol(p.sig)})
		return fmt.Errorf("%w: %s", ErrConfirmationRejected, rej.String())
	}

	res, err := b.life.ExecuteEntry(ctx, p.sig, plan, p.meta)
	if err != nil {
		return fmt.Errorf("execute confirmed entry %s: %w", plan.Symbol, err)
	}
	b.alerts.Info(ctx, "CONFIRMATION_EXECUTED", "held entry confirmed and executed",
		map[string]any{"execution_id": executionID, "symbol": plan.Symbol, "thread_id": res.ThreadID})
	return nil
}

// Pending lists plans awaiting confirmation, oldest hold first.
func (b *Bot) Pending() []PendingEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PendingEntry, 0, len(b.pending))
	for id, p := range b.pending {
		out = append(out, PendingEntry{
			ExecutionID: id,
			Symbol:      signalSymbol(p.sig),
			Side:        signalSide(p.sig),
			Confidence:  p.sig.Confidence,
			HeldAt:      p.heldAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionID < out[j].ExecutionID })
	return out
}

func (b *Bot) recordDecision(ctx context.Context, sig *signals.Signal, version int, action, status, reason string) {
	_, err := b.led.RecordExecution(ctx, ledger.Execution{
		ChatID:     sig.Source.ChatID,
		MessageID:  sig.Source.MessageID,
		Version:    version,
		SignalID:   sig.ID,
		ActionType: action,
		Symbol:     signalSymbol(sig),
		Side:       signalSide(sig),
		Status:     status,
		Reason:     reason,
		Intent:     sig,
	})
	if err != nil {
		b.log.Error().Err(err).Str("action", action).Str("status", status).Msg("decision not recorded")
	}
}

// systemFailure leaves a trace of an aborted handling attempt. Best effort:
// the original failure is what the caller reports.
func (b *Bot) systemFailure(ctx context.Context, sig *signals.Signal, version int, cause error) {
	_, err := b.led.RecordExecution(ctx, ledger.Execution{
		ChatID:     sig.Source.ChatID,
		MessageID:  sig.Source.MessageID,
		Version:    version,
		SignalID:   sig.ID,
		ActionType: "SYSTEM",
		Symbol:     signalSymbol(sig),
		Status:     ledger.StatusFailed,
		Reason:     cause.Error(),
	})
	if err != nil {
		b.log.Error().Err(err).Msg("system failure not recorded")
	}
}

func signalSymbol(sig *signals.Signal) string {
	switch {
	case sig.Entry != nil:
		return sig.Entry.Symbol
	case sig.Manage != nil:
		return sig.Manage.Symbol
	}
	return ""
}

func signalSide(sig *signals.Signal) string {
	if sig.Entry != nil {
		return string(sig.Entry.Side)
	}
	return ""
}

func actionType(sig *signals.Signal) string {
	if sig.Kind == signals.KindManage {
		return ledger.ActionManage
	}
	return ledger.ActionEntry
}

// Package safety owns the trading halt machinery: the NORMAL / SAFE_MODE /
// PANIC_CLOSE state machine, the kill-switch inputs that force it, and the
// risk daemon that watches account and position invariants every tick.
//
// SAFE_MODE blocks new entries while leaving protective actions free to
// run. PANIC_CLOSE additionally sweeps every open position closed and can
// only be cleared by an operator through the API.
package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"signal-trading-bot/internal/ledger"
	"signal-trading-bot/internal/metrics"
)

// Mode is the supervisor's current stance on trading.
type Mode string

const (
	ModeNormal Mode = "NORMAL"
	ModeSafe   Mode = "SAFE_MODE"
	ModePanic  Mode = "PANIC_CLOSE"
)

// Directive is a kill-switch instruction read from file, env, or the
// stored ledger flag.
type Directive int

const (
	DirectiveNone Directive = iota
	DirectiveSafeMode
	DirectivePanicClose
)

func (d Directive) String() string {
	switch d {
	case DirectiveSafeMode:
		return "SAFE_MODE"
	case DirectivePanicClose:
		return "PANIC_CLOSE"
	default:
		return "NONE"
	}
}

// FlagStore persists and reads operator flags. The ledger implements it.
type FlagStore interface {
	SetSystemFlag(ctx context.Context, key, value string) error
	GetSystemFlag(ctx context.Context, key string) (string, error)
}

// Alerter emits audited alerts and returns the trace ID stamped on them.
// internal/notify.Alerts implements it.
type Alerter interface {
	Info(ctx context.Context, eventType, msg string, payload map[string]any) string
	Warn(ctx context.Context, eventType, msg string, payload map[string]any) string
	Error(ctx context.Context, eventType, msg string, payload map[string]any) string
	Critical(ctx context.Context, eventType, msg string, payload map[string]any) string
}

// Status is the externally visible supervisor state.
type Status struct {
	Mode    Mode      `json:"mode"`
	Reason  string    `json:"reason"`
	Since   time.Time `json:"since"`
	Version int64     `json:"version"`
}

// Supervisor is the single authority on the safety mode. Every transition
// bumps a version, is persisted as a system flag, and is alerted with a
// trace ID, so the ledger holds the full halt history.
type Supervisor struct {
	mu           sync.Mutex
	mode         Mode
	reason       string
	since        time.Time
	version      int64
	sweepPending bool

	flags  FlagStore
	alerts Alerter
	log    zerolog.Logger
	now    func() time.Time
}

func NewSupervisor(flags FlagStore, alerts Alerter, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		mode:   ModeNormal,
		flags:  flags,
		alerts: alerts,
		log:    logger.With().Str("component", "safety").Logger(),
		now:    time.Now,
	}
}

// Restore picks up the mode persisted by a previous run. A process that
// died in SAFE_MODE or PANIC_CLOSE must not come back trading; a restored
// panic re-arms the sweep in case positions were left behind.
func (s *Supervisor) Restore(ctx context.Context) {
	if s.flags == nil {
		return
	}
	stored, err := s.flags.GetSystemFlag(ctx, ledger.FlagSafetyMode)
	if err != nil {
		s.log.Warn().Err(err).Msg("safety mode restore failed, starting NORMAL")
		return
	}
	switch Mode(stored) {
	case ModeSafe:
		s.EnterSafeMode(ctx, "restored from previous run")
	case ModePanic:
		s.EnterPanic(ctx, "restored from previous run")
	}
}

// Mode returns the current safety mode.
func (s *Supervisor) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// EntryAllowed reports whether new entries may be opened.
func (s *Supervisor) EntryAllowed() bool {
	return s.Mode() == ModeNormal
}

// Status returns the mode with its reason, start time, and version.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Mode: s.mode, Reason: s.reason, Since: s.since, Version: s.version}
}

// EnterSafeMode moves NORMAL into SAFE_MODE. It reports whether a
// transition happened; an active panic outranks it and re-entry is a no-op.
func (s *Supervisor) EnterSafeMode(ctx context.Context, reason string) bool {
	s.mu.Lock()
	if s.mode != ModeNormal {
		s.mu.Unlock()
		return false
	}
	from, version := s.transitionLocked(ctx, ModeSafe, reason)
	s.mu.Unlock()

	if s.alerts != nil {
		s.alerts.Warn(ctx, "SAFE_MODE_ENTERED", "entries halted: "+reason, transitionPayload(from, ModeSafe, reason, version))
	}
	return true
}

// EnterPanic moves any mode into PANIC_CLOSE and arms the one-time
// position sweep. Only an operator can leave panic.
func (s *Supervisor) EnterPanic(ctx context.Context, reason string) bool {
	s.mu.Lock()
	if s.mode == ModePanic {
		s.mu.Unlock()
		return false
	}
	from, version := s.transitionLocked(ctx, ModePanic, reason)
	s.sweepPending = true
	s.mu.Unlock()

	if s.alerts != nil {
		s.alerts.Critical(ctx, "PANIC_CLOSE_ARMED", "panic close armed: "+reason, transitionPayload(from, ModePanic, reason, version))
	}
	return true
}

// ClearSafeMode returns SAFE_MODE to NORMAL. It refuses to touch a panic.
func (s *Supervisor) ClearSafeMode(ctx context.Context, operator string) error {
	return s.clear(ctx, ModeSafe, operator)
}

// ClearPanic is the only way out of PANIC_CLOSE. It also wipes the stored
// kill-switch flag; a still-present kill file or env var will re-halt on
// the next tick.
func (s *Supervisor) ClearPanic(ctx context.Context, operator string) error {
	if err := s.clear(ctx, ModePanic, operator); err != nil {
		return err
	}
	if s.flags != nil {
		if err := s.flags.SetSystemFlag(ctx, ledger.FlagKillSwitch, ""); err != nil {
			s.log.Warn().Err(err).Msg("stored kill-switch flag not cleared")
		}
	}
	return nil
}

func (s *Supervisor) clear(ctx context.Context, from Mode, operator string) error {
	reason := "cleared by " + operator
	s.mu.Lock()
	if s.mode != from {
		mode := s.mode
		s.mu.Unlock()
		return fmt.Errorf("safety mode is %s, not %s", mode, from)
	}
	_, version := s.transitionLocked(ctx, ModeNormal, reason)
	s.sweepPending = false
	s.mu.Unlock()

	if s.alerts != nil {
		s.alerts.Info(ctx, "SAFETY_CLEARED", string(from)+" cleared by "+operator, transitionPayload(from, ModeNormal, reason, version))
	}
	return nil
}

// ClaimPanicSweep hands out the pending sweep exactly once per panic entry.
func (s *Supervisor) ClaimPanicSweep() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != ModePanic || !s.sweepPending {
		return false
	}
	s.sweepPending = false
	return true
}

// transitionLocked flips the mode and persists it before the lock is
// released, so racing transitions cannot store modes out of order.
func (s *Supervisor) transitionLocked(ctx context.Context, to Mode, reason string) (Mode, int64) {
	from := s.mode
	s.mode = to
	s.reason = reason
	s.since = s.now().UTC()
	s.version++
	metrics.SetSafetyState(string(to))
	s.log.Warn().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Int64("version", s.version).
		Msg("safety transition")

	if s.flags != nil {
		if err := s.flags.SetSystemFlag(ctx, ledger.FlagSafetyMode, string(to)); err != nil {
			s.log.Warn().Err(err).Str("mode", string(to)).Msg("safety mode not persisted")
		}
	}
	return from, s.version
}

func transitionPayload(from, to Mode, reason string, version int64) map[string]any {
	return map[string]any{
		"from":    string(from),
		"to":      string(to),
		"reason":  reason,
		"version": version,
	}
}

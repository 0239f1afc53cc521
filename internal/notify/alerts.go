package notify

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"signal-trading-bot/config"
	"signal-trading-bot/internal/ledger"
)

// Alert severity levels, ordered.
const (
	LevelInfo     = "INFO"
	LevelWarn     = "WARN"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

var levelRank = map[string]int{
	LevelInfo:     20,
	LevelWarn:     30,
	LevelError:    40,
	LevelCritical: 50,
}

func rankOf(level string) int {
	if r, ok := levelRank[level]; ok {
		return r
	}
	return levelRank[LevelInfo]
}

// sink queues outbound messages.
type sink interface {
	Publish(msg Message)
}

// journal appends audited events.
type journal interface {
	RecordEvent(ctx context.Context, rec ledger.Event) error
}

// Alerts is the single emission point for operator-visible events. Every
// emission gets a trace ID, a structured log line, and a ledger event;
// emissions at or above the configured minimum level are also forwarded to
// the external channels.
type Alerts struct {
	sink     sink
	led      journal
	log      zerolog.Logger
	minLevel int
	now      func() time.Time
}

// NewAlerts wires the emission point to the notification manager and the
// ledger.
func NewAlerts(cfg *config.Config, sink sink, led journal, logger zerolog.Logger) *Alerts {
	return &Alerts{
		sink:     sink,
		led:      led,
		log:      logger.With().Str("component", "alerts").Logger(),
		minLevel: rankOf(strings.ToUpper(cfg.NotificationConfig.MinLevel)),
		now:      time.Now,
	}
}

// Emit records one event and returns its trace ID. Journal failures are
// logged and swallowed; an alert must never fail the caller.
func (a *Alerts) Emit(ctx context.Context, level, eventType, msg string, payload map[string]any) string {
	lvl := strings.ToUpper(level)
	trace := newTraceID()
	ts := a.now().UTC()

	evt := a.log.WithLevel(zerologLevel(lvl)).
		Str("trace_id", trace).
		Str("event_type", eventType)
	if len(payload) > 0 {
		evt = evt.Interface("payload", payload)
	}
	evt.Msg(msg)

	if err := a.led.RecordEvent(ctx, ledger.Event{
		TraceID:   trace,
		Level:     lvl,
		EventType: eventType,
		Message:   msg,
		Payload:   payload,
		CreatedAt: ts,
	}); err != nil {
		a.log.Warn().Err(err).Str("event_type", eventType).Msg("event not journaled")
	}

	if rankOf(lvl) >= a.minLevel {
		a.sink.Publish(Message{
			Level:     lvl,
			EventType: eventType,
			Text:      msg,
			TraceID:   trace,
			At:        ts,
		})
	}
	return trace
}

func (a *Alerts) Info(ctx context.Context, eventType, msg string, payload map[string]any) string {
	return a.Emit(ctx, LevelInfo, eventType, msg, payload)
}

func (a *Alerts) Warn(ctx context.Context, eventType, msg string, payload map[string]any) string {
	return a.Emit(ctx, LevelWarn, eventType, msg, payload)
}

func (a *Alerts) Error(ctx context.Context, eventType, msg string, payload map[string]any) string {
	return a.Emit(ctx, LevelError, eventType, msg, payload)
}

func (a *Alerts) Critical(ctx context.Context, eventType, msg string, payload map[string]any) string {
	return a.Emit(ctx, LevelCritical, eventType, msg, payload)
}

func newTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// zerologLevel maps alert levels onto log levels. WithLevel(FatalLevel)
// logs without terminating.
func zerologLevel(level string) zerolog.Level {
	switch level {
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	case LevelCritical:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

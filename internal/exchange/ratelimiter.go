package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ==================== PRIORITY ====================

// Priority ranks gateway calls for rate-limit budgeting. Lower-priority
// callers are refused while their share of the token budget is spent so that
// protective closes are never stuck behind pollers.
type Priority int

const (
	// PriorityCritical is for protective closes, stop-loss placement, and
	// the panic sweep. Critical calls always get a token, waiting if needed.
	PriorityCritical Priority = iota

	// PriorityHigh is for entry orders, cancels, and order-state lookups.
	PriorityHigh

	// PriorityNormal is for account and position polling.
	PriorityNormal

	// PriorityLow is for background refreshes: symbol rules, capability
	// probes, volume stats. Throttled first.
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// reserveFraction is the share of burst capacity that must stay available to
// higher priorities after a request of this priority. CRITICAL reserves
// nothing; LOW must leave 60% of the bucket untouched.
func (p Priority) reserveFraction() float64 {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 0.20
	case PriorityNormal:
		return 0.40
	default:
		return 0.60
	}
}

// ==================== LIMITER ====================

// Limiter wraps a token bucket with priority reserves and a circuit breaker
// fed by exchange ban responses.
type Limiter struct {
	bucket *rate.Limiter
	log    zerolog.Logger

	mu              sync.Mutex
	circuitOpen     bool
	banUntil        time.Time
	consecutiveBans int
}

// NewLimiter builds a limiter refilling perSecond tokens with the given
// burst capacity.
func NewLimiter(perSecond float64, burst int, logger zerolog.Logger) *Limiter {
	if perSecond <= 0 {
		perSecond = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &Limiter{
		bucket: rate.NewLimiter(rate.Limit(perSecond), burst),
		log:    logger.With().Str("component", "rate_limiter").Logger(),
	}
}

// Acquire blocks until a token is available or ctx is done. While the
// circuit is open, non-critical callers are refused with a TransientError
// carrying the remaining ban as RetryAfter; critical callers wait the ban
// out. Callers below CRITICAL are also refused when their priority reserve
// is exhausted, so they back off instead of queueing in front of critical
// work.
func (l *Limiter) Acquire(ctx context.Context, p Priority) error {
	if wait, open := l.circuitRemaining(); open {
		if p != PriorityCritical {
			return &TransientError{Op: "rate_limit", RetryAfter: wait, Err: ErrCircuitOpen}
		}
		if err := sleepContext(ctx, wait); err != nil {
			return err
		}
	}
	if reserve := p.reserveFraction(); reserve > 0 {
		if l.bucket.Tokens() < reserve*float64(l.bucket.Burst()) {
			return &TransientError{
				Op:         "rate_limit",
				RetryAfter: time.Second,
				Err:        fmt.Errorf("%s budget exhausted", p),
			}
		}
	}
	return l.bucket.Wait(ctx)
}

// TryAcquire is the non-blocking variant used by scan loops.
func (l *Limiter) TryAcquire(p Priority) bool {
	if _, open := l.circuitRemaining(); open && p != PriorityCritical {
		return false
	}
	if reserve := p.reserveFraction(); reserve > 0 {
		if l.bucket.Tokens() < reserve*float64(l.bucket.Burst()) {
			return false
		}
	}
	return l.bucket.Allow()
}

// RecordBan opens the circuit until the exchange-provided timestamp. Without
// one, the window doubles per consecutive ban, capped at 30 minutes.
func (l *Limiter) RecordBan(until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.consecutiveBans++
	if until.IsZero() {
		backoff := time.Duration(1<<uint(l.consecutiveBans)) * time.Minute
		if backoff > 30*time.Minute {
			backoff = 30 * time.Minute
		}
		until = time.Now().Add(backoff)
	}
	l.circuitOpen = true
	l.banUntil = until
	l.log.Warn().
		Time("until", until).
		Int("consecutive", l.consecutiveBans).
		Msg("rate limit ban, circuit open")
}

// RecordSuccess resets the ban streak after a completed call.
func (l *Limiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consecutiveBans = 0
	if l.circuitOpen && time.Now().After(l.banUntil) {
		l.circuitOpen = false
	}
}

// IsCircuitOpen reports whether the ban window is still running.
func (l *Limiter) IsCircuitOpen() bool {
	_, open := l.circuitRemaining()
	return open
}

func (l *Limiter) circuitRemaining() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.circuitOpen {
		return 0, false
	}
	wait := time.Until(l.banUntil)
	if wait <= 0 {
		l.circuitOpen = false
		return 0, false
	}
	return wait, true
}

// ==================== STATUS ====================

// Usage is a point-in-time view of the limiter for the status endpoint.
type Usage struct {
	Tokens       float64       `json:"tokens"`
	Burst        int           `json:"burst"`
	CircuitOpen  bool          `json:"circuit_open"`
	BanRemaining time.Duration `json:"ban_remaining"`
}

// Usage reports bucket and circuit state without consuming anything.
func (l *Limiter) Usage() Usage {
	wait, open := l.circuitRemaining()
	return Usage{
		Tokens:       l.bucket.Tokens(),
		Burst:        l.bucket.Burst(),
		CircuitOpen:  open,
		BanRemaining: wait,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

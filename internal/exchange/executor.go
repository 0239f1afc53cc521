package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"signal-trading-bot/config"
	"signal-trading-bot/internal/metrics"
)

// Executor funnels every gateway call through the shared limiter and a
// bounded retry loop. Transient failures are retried with exponential
// backoff plus jitter; anything else returns immediately.
type Executor struct {
	limiter *Limiter
	log     zerolog.Logger

	maxAttempts int
	baseDelay   time.Duration
	capDelay    time.Duration
	callTimeout time.Duration
}

// NewExecutor wires an executor from config. Zero values fall back to the
// defaults applied by config.Load, so a hand-built config in tests works too.
func NewExecutor(cfg config.RateLimitConfig, limiter *Limiter, logger zerolog.Logger) *Executor {
	e := &Executor{
		limiter:     limiter,
		log:         logger.With().Str("component", "executor").Logger(),
		maxAttempts: cfg.MaxRetries,
		baseDelay:   time.Duration(cfg.BackoffBaseMs) * time.Millisecond,
		capDelay:    time.Duration(cfg.BackoffCapMs) * time.Millisecond,
		callTimeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = 5
	}
	if e.baseDelay <= 0 {
		e.baseDelay = 250 * time.Millisecond
	}
	if e.capDelay < e.baseDelay {
		e.capDelay = 8 * time.Second
	}
	if e.callTimeout <= 0 {
		e.callTimeout = 10 * time.Second
	}
	return e
}

// Limiter exposes the shared limiter for status reporting.
func (e *Executor) Limiter() *Limiter { return e.limiter }

// Do runs fn with retries on transient failures. Each attempt acquires a
// token at the given priority and runs under the per-call timeout. Exhausted
// retries return the last TransientError with op and attempt count filled in.
func (e *Executor) Do(ctx context.Context, op string, priority Priority, fn func(ctx context.Context) error) error {
	var last error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := backoffDelay(e.baseDelay, e.capDelay, attempt-1)
			if te := transientOf(last); te != nil && te.RetryAfter > delay {
				delay = te.RetryAfter
			}
			e.log.Debug().Str("op", op).Int("attempt", attempt).Dur("delay", delay).Msg("retrying after backoff")
			if err := sleepContext(ctx, delay); err != nil {
				return err
			}
		}

		if err := e.limiter.Acquire(ctx, priority); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			last = err
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			e.limiter.RecordSuccess()
			return nil
		}

		err = classify(err)
		te := transientOf(err)
		if te == nil {
			return err
		}
		metrics.APIErrors.Inc()
		if te.Code == codeTooManyRequests {
			e.limiter.RecordBan(parseBanUntil(te.Error(), time.Now()))
		}
		last = err
		e.log.Warn().Err(err).Str("op", op).Str("priority", priority.String()).Int("attempt", attempt).Msg("transient gateway error")
	}

	if te := transientOf(last); te != nil {
		te.Op = op
		te.Attempts = e.maxAttempts
		return te
	}
	if last != nil {
		return fmt.Errorf("%s: %w", op, last)
	}
	return fmt.Errorf("%s: retries exhausted", op)
}

// DoValue is the generic form of Executor.Do for calls that return a result.
func DoValue[T any](ctx context.Context, e *Executor, op string, priority Priority, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, op, priority, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// backoffDelay returns min(limit, base·2^(attempt−1)) with equal jitter:
// half the window fixed, half uniform random.
func backoffDelay(base, limit time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			d = limit
			break
		}
	}
	if d > limit {
		d = limit
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func transientOf(err error) *TransientError {
	var te *TransientError
	if errors.As(err, &te) {
		return te
	}
	return nil
}

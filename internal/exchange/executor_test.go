package exchange

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/rs/zerolog"

	"signal-trading-bot/config"
)

func newTestExecutor(maxRetries int) *Executor {
	cfg := config.RateLimitConfig{
		MaxRetries:     maxRetries,
		BackoffBaseMs:  1,
		BackoffCapMs:   4,
		TimeoutSeconds: 1,
	}
	return NewExecutor(cfg, NewLimiter(10000, 10000, zerolog.Nop()), zerolog.Nop())
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	e := newTestExecutor(5)
	calls := 0
	err := e.Do(context.Background(), "op", PriorityHigh, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &TransientError{Err: errors.New("flaky")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	e := newTestExecutor(5)
	calls := 0
	boom := errors.New("boom")
	err := e.Do(context.Background(), "op", PriorityHigh, func(ctx context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls != 1 {
		t.Errorf("permanent error should not retry, calls = %d", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	e := newTestExecutor(3)
	calls := 0
	err := e.Do(context.Background(), "flaky_op", PriorityHigh, func(ctx context.Context) error {
		calls++
		return &TransientError{Err: errors.New("still down")}
	})
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransientError, got %v", err)
	}
	if te.Op != "flaky_op" || te.Attempts != 3 {
		t.Errorf("unexpected envelope: op=%q attempts=%d", te.Op, te.Attempts)
	}
}

func TestDoClassifiesAPIErrors(t *testing.T) {
	e := newTestExecutor(2)
	calls := 0
	err := e.Do(context.Background(), "op", PriorityHigh, func(ctx context.Context) error {
		calls++
		return &common.APIError{Code: -2013, Message: "Order does not exist."}
	})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if calls != 1 {
		t.Errorf("not-found should not retry, calls = %d", calls)
	}
}

func TestDoOpensCircuitOnRateLimitBan(t *testing.T) {
	e := newTestExecutor(2)
	until := time.Now().Add(time.Hour).UnixMilli()
	_ = e.Do(context.Background(), "op", PriorityHigh, func(ctx context.Context) error {
		return &common.APIError{Code: -1003, Message: fmt.Sprintf("banned until %d", until)}
	})
	if !e.Limiter().IsCircuitOpen() {
		t.Error("ban response should open the circuit")
	}
}

func TestDoRespectsContextCancel(t *testing.T) {
	e := newTestExecutor(10)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := e.Do(ctx, "op", PriorityHigh, func(ctx context.Context) error {
		calls++
		cancel()
		return &TransientError{Err: errors.New("transient")}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("canceled context should stop retries, calls = %d", calls)
	}
}

func TestDoValueReturnsResult(t *testing.T) {
	e := newTestExecutor(3)
	got, err := DoValue(context.Background(), e, "op", PriorityNormal, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("DoValue = (%d, %v), want (42, nil)", got, err)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	base := 250 * time.Millisecond
	limit := 8 * time.Second
	for attempt := 1; attempt <= 12; attempt++ {
		d := backoffDelay(base, limit, attempt)
		if d > limit {
			t.Errorf("attempt %d: delay %v exceeds cap %v", attempt, d, limit)
		}
		if d < base/2 {
			t.Errorf("attempt %d: delay %v below half base", attempt, d)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		in        error
		transient bool
		sentinel  error
	}{
		{"nil", nil, false, nil},
		{"rate limit", &common.APIError{Code: -1003, Message: "slow down"}, true, nil},
		{"timeout code", &common.APIError{Code: -1007, Message: "timeout"}, true, nil},
		{"unknown order", &common.APIError{Code: -2011, Message: "Unknown order sent."}, false, ErrOrderNotFound},
		{"no such order", &common.APIError{Code: -2013, Message: "Order does not exist."}, false, ErrOrderNotFound},
		{"margin", &common.APIError{Code: -2019, Message: "Margin is insufficient."}, false, ErrInsufficientMargin},
		{"would trigger", &common.APIError{Code: -2021, Message: "Order would immediately trigger."}, false, ErrOrderWouldTrigger},
		{"bad symbol", &common.APIError{Code: -1121, Message: "Invalid symbol."}, false, ErrInvalidSymbol},
		{"bad order type", &common.APIError{Code: -1116, Message: "Invalid orderType."}, false, ErrUnsupportedOrder},
		{"deadline", context.DeadlineExceeded, true, nil},
		{"plain", errors.New("validation"), false, nil},
	}
	for _, tc := range cases {
		got := classify(tc.in)
		if tc.in == nil {
			if got != nil {
				t.Errorf("%s: classify(nil) = %v", tc.name, got)
			}
			continue
		}
		if IsTransient(got) != tc.transient {
			t.Errorf("%s: transient = %v, want %v", tc.name, IsTransient(got), tc.transient)
		}
		if tc.sentinel != nil && !errors.Is(got, tc.sentinel) {
			t.Errorf("%s: expected sentinel %v in %v", tc.name, tc.sentinel, got)
		}
	}
}

func TestParseBanUntil(t *testing.T) {
	now := time.UnixMilli(1766824000000)
	got := parseBanUntil("Way too much request weight used; IP banned until 1766824120342.", now)
	if got.UnixMilli() != 1766824120342 {
		t.Errorf("parseBanUntil = %v, want 1766824120342", got.UnixMilli())
	}
	if ts := parseBanUntil("no digits here", now); !ts.IsZero() {
		t.Errorf("expected zero time for message without timestamp, got %v", ts)
	}
	if ts := parseBanUntil("banned until 123", now); !ts.IsZero() {
		t.Errorf("expected zero time for stale timestamp, got %v", ts)
	}
}

package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/adshao/go-binance/v2/common"
)

// Sentinel errors surfaced through the gateway. Callers match with errors.Is.
var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrInsufficientMargin = errors.New("insufficient margin")
	ErrInvalidSymbol      = errors.New("invalid symbol")
	ErrOrderWouldTrigger  = errors.New("order would trigger immediately")
	ErrUnsupportedOrder   = errors.New("order type not supported")
	ErrCircuitOpen        = errors.New("rate limit circuit open")
)

// Binance futures API error codes the gateway acts on.
const (
	codeTooManyRequests  = -1003
	codeServerBusy       = -1008
	codeTimeout          = -1007
	codeDisconnected     = -1001
	codeRecvWindow       = -1021
	codeInvalidOrderType = -1116
	codeInvalidSymbol    = -1121
	codeUnknownOrder     = -2011
	codeNoSuchOrder      = -2013
	codeMarginTooLow     = -2019
	codeWouldTrigger     = -2021
	codeMarginUnchanged  = -4046
	codePosSideUnchanged = -4059
)

// isAlreadySet reports whether err is the exchange refusing a margin-type or
// position-mode change because the value is already in effect.
func isAlreadySet(err error) bool {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == codeMarginUnchanged || apiErr.Code == codePosSideUnchanged
}

// TransientError marks a failure worth retrying. The executor retries these
// with backoff and returns the last one, attempt count filled in, when the
// budget is exhausted.
type TransientError struct {
	Op         string
	Code       int64
	Attempts   int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	msg := "transient exchange error"
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (code %d)", msg, e.Code)
	}
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// classify maps a raw SDK error onto the package's sentinels. Rate limits,
// server hiccups, and network failures become TransientError; everything
// else passes through for the caller to inspect.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeUnknownOrder, codeNoSuchOrder:
			return fmt.Errorf("%w: %s", ErrOrderNotFound, apiErr.Message)
		case codeMarginTooLow:
			return fmt.Errorf("%w: %s", ErrInsufficientMargin, apiErr.Message)
		case codeInvalidSymbol:
			return fmt.Errorf("%w: %s", ErrInvalidSymbol, apiErr.Message)
		case codeWouldTrigger:
			return fmt.Errorf("%w: %s", ErrOrderWouldTrigger, apiErr.Message)
		case codeInvalidOrderType:
			return fmt.Errorf("%w: %s", ErrUnsupportedOrder, apiErr.Message)
		case codeTooManyRequests, codeServerBusy, codeTimeout, codeDisconnected, codeRecvWindow:
			return &TransientError{Code: apiErr.Code, Err: err}
		}
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransientError{Err: err}
	}
	return err
}

// parseBanUntil extracts the millisecond ban timestamp Binance embeds in
// -1003 responses ("... banned until 1766824120342"). Zero when absent or
// implausible.
func parseBanUntil(msg string, now time.Time) time.Time {
	var banUntil int64
	if _, err := fmt.Sscanf(msg, "%*[^0-9]%d", &banUntil); err != nil {
		return time.Time{}
	}
	if banUntil <= now.UnixMilli() || banUntil >= now.Add(24*time.Hour).UnixMilli() {
		return time.Time{}
	}
	return time.UnixMilli(banUntil)
}

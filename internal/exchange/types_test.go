package exchange

import (
	"testing"
	"time"
)

func TestNormalizeStatus(t *testing.T) {
	cases := []struct {
		raw  string
		want OrderStatus
	}{
		{"NEW", StatusAcked},
		{"new", StatusAcked},
		{"INIT", StatusAcked},
		{"SUBMITTING", StatusAcked},
		{"LIVE", StatusAcked},
		{" ACCEPTED ", StatusAcked},
		{"PARTIALLY_FILLED", StatusPartial},
		{"PARTIAL_FILLED", StatusPartial},
		{"PARTIAL", StatusPartial},
		{"FILLED", StatusFilled},
		{"FULLY_FILLED", StatusFilled},
		{"DONE", StatusFilled},
		{"FILLED_OR_CLOSED", StatusFilled},
		{"CANCELED", StatusCanceled},
		{"CANCELLED", StatusCanceled},
		{"EXPIRED", StatusCanceled},
		{"EXPIRED_IN_MATCH", StatusCanceled},
		{"REJECTED", StatusRejected},
		{"FAILED", StatusFailed},
		{"SOMETHING_ELSE", StatusAcked},
		{"", StatusAcked},
	}
	for _, tc := range cases {
		if got := NormalizeStatus(tc.raw); got != tc.want {
			t.Errorf("NormalizeStatus(%q) = %s, want %s", tc.raw, got, tc.want)
		}
	}
}

func TestOrderStatusIsTerminal(t *testing.T) {
	terminal := []OrderStatus{StatusFilled, StatusCanceled, StatusRejected, StatusFailed}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []OrderStatus{StatusAcked, StatusPartial} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestEntryAndCloseSides(t *testing.T) {
	if EntrySide(PositionSideLong) != SideBuy {
		t.Error("long entry should be BUY")
	}
	if EntrySide(PositionSideShort) != SideSell {
		t.Error("short entry should be SELL")
	}
	if CloseSide(PositionSideLong) != SideSell {
		t.Error("long close should be SELL")
	}
	if CloseSide(PositionSideShort) != SideBuy {
		t.Error("short close should be BUY")
	}
}

func TestMarginRatio(t *testing.T) {
	snap := &AccountSnapshot{Equity: 1000, MarginUsed: 250}
	if got := snap.MarginRatio(); got != 0.25 {
		t.Errorf("MarginRatio = %v, want 0.25", got)
	}
	empty := &AccountSnapshot{}
	if got := empty.MarginRatio(); got != 0 {
		t.Errorf("zero-equity MarginRatio = %v, want 0", got)
	}
}

func TestLiquidationDistance(t *testing.T) {
	p := &Position{MarkPrice: 100, LiquidationPrice: 95}
	if got := p.LiquidationDistance(); got != 0.05 {
		t.Errorf("LiquidationDistance = %v, want 0.05", got)
	}
	short := &Position{MarkPrice: 100, LiquidationPrice: 110}
	if got := short.LiquidationDistance(); got-0.1 > 1e-12 || got-0.1 < -1e-12 {
		t.Errorf("short LiquidationDistance = %v, want 0.1", got)
	}
	unknown := &Position{MarkPrice: 100}
	if got := unknown.LiquidationDistance(); got != -1 {
		t.Errorf("unknown LiquidationDistance = %v, want -1", got)
	}
}

func TestSnapshotAge(t *testing.T) {
	now := time.Now()
	snap := &AccountSnapshot{Timestamp: now.Add(-3 * time.Second)}
	if age := snap.Age(now); age != 3*time.Second {
		t.Errorf("Age = %v, want 3s", age)
	}
	var nilSnap *AccountSnapshot
	if age := nilSnap.Age(now); age < 100*24*time.Hour {
		t.Errorf("nil snapshot should look ancient, got %v", age)
	}
}

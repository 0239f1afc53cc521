package orders

import (
	"strings"
	"testing"
	"time"

	"signal-trading-bot/internal/state"
)

func TestGeneratedIDsParseBack(t *testing.T) {
	thread := NewThreadID()
	if len(thread) != 8 {
		t.Fatalf("thread id %q, want 8 hex chars", thread)
	}
	ts := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		id      string
		purpose state.OrderPurpose
		threads string
		index   int
	}{
		{"entry slice 0", EntryID(thread, 0), state.PurposeEntry, thread, 0},
		{"entry slice 1", EntryID(thread, 1), state.PurposeEntry, thread, 1},
		{"take profit", TakeProfitID(thread, 2, ts), state.PurposeTakeProfit, thread, 2},
		{"be reduce", BEReduceID(thread, ts), state.PurposeBEReduce, thread, 0},
		{"be reduce local", BELocalID(thread, ts), state.PurposeBEReduceLocal, thread, 0},
		{"stop loss", StopLossID(), state.PurposeStopLoss, "", 0},
		{"local guard", LocalGuardID(), state.PurposeStopLoss, "", 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			parsed, ok := Parse(tc.id)
			if !ok {
				t.Fatalf("Parse(%q) not recognized", tc.id)
			}
			if parsed.Purpose != tc.purpose {
				t.Errorf("purpose = %q, want %q", parsed.Purpose, tc.purpose)
			}
			if parsed.ThreadID != tc.threads {
				t.Errorf("thread = %q, want %q", parsed.ThreadID, tc.threads)
			}
			if parsed.Index != tc.index {
				t.Errorf("index = %d, want %d", parsed.Index, tc.index)
			}
		})
	}
}

func TestParseDistinguishesBEReduceFromLocal(t *testing.T) {
	ts := time.Unix(1700000000, 0)

	local, ok := Parse(BELocalID("abc123", ts))
	if !ok || local.Purpose != state.PurposeBEReduceLocal {
		t.Errorf("be-local id parsed as %q, want %q", local.Purpose, state.PurposeBEReduceLocal)
	}

	remote, ok := Parse(BEReduceID("abc123", ts))
	if !ok || remote.Purpose != state.PurposeBEReduce {
		t.Errorf("be id parsed as %q, want %q", remote.Purpose, state.PurposeBEReduce)
	}
	if remote.ThreadID != "abc123" {
		t.Errorf("be thread = %q, want abc123", remote.ThreadID)
	}
}

func TestParseClassifiesDaemonAutofixStops(t *testing.T) {
	parsed, ok := Parse("sl-autofix-1719830000000")
	if !ok {
		t.Fatal("daemon autofix id should be recognized")
	}
	if parsed.Purpose != state.PurposeStopLoss {
		t.Errorf("purpose = %q, want %q", parsed.Purpose, state.PurposeStopLoss)
	}
}

func TestParseRejectsForeignIDs(t *testing.T) {
	for _, id := range []string{
		"",
		"x-123",
		"web_abc123",
		"ent",
		"ent-",
		"ent-abc",
		"ent-abc-x",
		"tp-abc-1",
		"autoclose-123",
	} {
		if _, ok := Parse(id); ok {
			t.Errorf("Parse(%q) recognized, want unknown-origin", id)
		}
	}
}

func TestIDsFitExchangeLimit(t *testing.T) {
	thread := NewThreadID()
	ts := time.Unix(1893456000, 0) // far-future timestamp, worst-case width

	for _, id := range []string{
		EntryID(thread, 9),
		StopLossID(),
		TakeProfitID(thread, 9, ts),
		BEReduceID(thread, ts),
		BELocalID(thread, ts),
		LocalGuardID(),
	} {
		if len(id) > MaxClientOrderIDLength {
			t.Errorf("id %q length %d exceeds %d", id, len(id), MaxClientOrderIDLength)
		}
	}
}

func TestStopLossIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := StopLossID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
		if !strings.HasPrefix(id, "sl-") {
			t.Fatalf("id %q missing sl- prefix", id)
		}
	}
}

package orders

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"signal-trading-bot/internal/state"
)

// MaxClientOrderIDLength is the ceiling Binance enforces on client order IDs.
const MaxClientOrderIDLength = 36

// Client order ID prefixes. Every order this process submits carries a
// structured ID so the reconciler and the open-orders poller can classify
// exchange-reported orders without guessing.
const (
	prefixEntry      = "ent"
	prefixStopLoss   = "sl"
	prefixTakeProfit = "tp"
	prefixBEReduce   = "be"
	prefixBELocal    = "be-local"
	prefixGuard      = "local-guard"
)

// NewThreadID mints the identifier that ties an entry and its protective
// children together across restarts.
func NewThreadID() string {
	return randomHex(8)
}

// EntryID returns the client order ID for one entry slice of a thread.
func EntryID(threadID string, index int) string {
	return fmt.Sprintf("%s-%s-%d", prefixEntry, threadID, index)
}

// StopLossID returns a fresh stop-loss client order ID.
func StopLossID() string {
	return fmt.Sprintf("%s-%s", prefixStopLoss, randomHex(16))
}

// TakeProfitID returns the client order ID for one rung of a TP ladder.
func TakeProfitID(threadID string, index int, now time.Time) string {
	return fmt.Sprintf("%s-%s-%d-%d", prefixTakeProfit, threadID, index, now.Unix())
}

// BEReduceID returns the client order ID for a break-even reduce trigger.
func BEReduceID(threadID string, now time.Time) string {
	return fmt.Sprintf("%s-%s-%d", prefixBEReduce, threadID, now.Unix())
}

// BELocalID identifies a break-even reduce held locally because the
// exchange cannot hold the trigger.
func BELocalID(threadID string, now time.Time) string {
	return fmt.Sprintf("%s-%s-%d", prefixBELocal, threadID, now.Unix())
}

// LocalGuardID returns a fresh local-guard identifier. Guards never reach
// the exchange; the ID keys the guard registry and the audit trail.
func LocalGuardID() string {
	return fmt.Sprintf("%s-%s", prefixGuard, randomHex(12))
}

// IsLocalGuardID reports whether the ID names a local guard. Guard records
// have no exchange counterpart, so pollers must not look them up there.
func IsLocalGuardID(id string) bool {
	return strings.HasPrefix(id, prefixGuard+"-")
}

// ParsedID is the classification of a structured client order ID.
type ParsedID struct {
	Purpose  state.OrderPurpose
	ThreadID string
	Index    int
}

// Parse classifies a client order ID minted by this process. Returns
// ok=false for foreign or free-form IDs, which the caller must treat as
// unknown-origin.
func Parse(id string) (ParsedID, bool) {
	switch {
	case strings.HasPrefix(id, prefixEntry+"-"):
		rest := strings.TrimPrefix(id, prefixEntry+"-")
		thread, idxStr, ok := splitLast(rest)
		if !ok {
			return ParsedID{}, false
		}
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			return ParsedID{}, false
		}
		return ParsedID{Purpose: state.PurposeEntry, ThreadID: thread, Index: idx}, true

	case strings.HasPrefix(id, prefixBELocal+"-"):
		rest := strings.TrimPrefix(id, prefixBELocal+"-")
		thread, _, ok := splitLast(rest)
		if !ok {
			return ParsedID{}, false
		}
		return ParsedID{Purpose: state.PurposeBEReduceLocal, ThreadID: thread}, true

	case strings.HasPrefix(id, prefixBEReduce+"-"):
		rest := strings.TrimPrefix(id, prefixBEReduce+"-")
		thread, _, ok := splitLast(rest)
		if !ok {
			return ParsedID{}, false
		}
		return ParsedID{Purpose: state.PurposeBEReduce, ThreadID: thread}, true

	case strings.HasPrefix(id, prefixTakeProfit+"-"):
		rest := strings.TrimPrefix(id, prefixTakeProfit+"-")
		parts := strings.Split(rest, "-")
		if len(parts) != 3 {
			return ParsedID{}, false
		}
		idx, err := strconv.Atoi(parts[1])
		if err != nil {
			return ParsedID{}, false
		}
		return ParsedID{Purpose: state.PurposeTakeProfit, ThreadID: parts[0], Index: idx}, true

	case strings.HasPrefix(id, prefixGuard+"-"):
		return ParsedID{Purpose: state.PurposeStopLoss}, true

	case strings.HasPrefix(id, prefixStopLoss+"-"):
		// Covers both generated stops and the daemon's sl-autofix IDs.
		return ParsedID{Purpose: state.PurposeStopLoss}, true
	}
	return ParsedID{}, false
}

// splitLast splits "a-b-c" into ("a-b", "c").
func splitLast(s string) (string, string, bool) {
	i := strings.LastIndex(s, "-")
	if i <= 0 || i == len(s)-1 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

// randomHex returns n hex characters from crypto/rand, falling back to a
// timestamp suffix if the entropy source fails.
func randomHex(n int) string {
	b := make([]byte, (n+1)/2)
	if _, err := rand.Read(b); err != nil {
		s := strconv.FormatUint(uint64(time.Now().UnixNano()), 16)
		for len(s) < n {
			s = "0" + s
		}
		return s[len(s)-n:]
	}
	return hex.EncodeToString(b)[:n]
}

package signals

import (
	"fmt"
	"regexp"
)

var symbolRE = regexp.MustCompile(`^[A-Z0-9]+USDT$`)

// Validate runs the semantic checks on a decoded signal. It returns an
// empty string when the signal is well formed, otherwise a human-readable
// reason. Non-signals are always valid; they carry their own note.
func Validate(sig *Signal) string {
	switch sig.Kind {
	case KindEntry:
		return validateEntry(sig.Entry)
	case KindManage:
		return validateManage(sig.Manage)
	default:
		return ""
	}
}

func validateEntry(e *EntrySignal) string {
	if !symbolRE.MatchString(e.Symbol) {
		return fmt.Sprintf("invalid symbol format: %s", e.Symbol)
	}
	if e.Side != SideLong && e.Side != SideShort {
		return fmt.Sprintf("invalid side: %s", e.Side)
	}
	if e.EntryLow <= 0 || e.EntryHigh <= 0 {
		return "entry prices must be > 0"
	}
	if e.EntryLow > e.EntryHigh {
		return "entry_low must be <= entry_high"
	}
	if e.StopLoss != 0 {
		if e.StopLoss < 0 {
			return "stop_loss must be > 0"
		}
		if e.Side == SideLong && e.StopLoss >= e.EntryHigh {
			return "long stop_loss must be below entry"
		}
		if e.Side == SideShort && e.StopLoss <= e.EntryLow {
			return "short stop_loss must be above entry"
		}
	}
	for _, tp := range e.TakeProfits {
		if tp <= 0 {
			return "take_profit prices must be > 0"
		}
	}
	return ""
}

func validateManage(m *ManageAction) string {
	if m.HasReduce && (m.ReducePct < 0 || m.ReducePct > 100) {
		return fmt.Sprintf("reduce_pct out of range: %v", m.ReducePct)
	}
	if m.TPPrice < 0 {
		return "tp_price must be > 0"
	}
	return ""
}

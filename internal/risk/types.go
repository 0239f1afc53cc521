package risk

import "signal-trading-bot/internal/signals"

// Rejection reason codes. These are stable strings: the ledger stores them,
// the rejection metric labels on them, and operators grep for them.
const (
	ReasonSafetyMode        = "SAFETY_MODE_ACTIVE"
	ReasonSymbolBlacklisted = "SYMBOL_BLACKLISTED"
	ReasonSymbolNotAllowed  = "SYMBOL_NOT_ALLOWED"
	ReasonSymbolNotTradable = "SYMBOL_NOT_TRADABLE"
	ReasonVolumeTooLow      = "VOLUME_TOO_LOW"
	ReasonSideNotAllowed    = "SIDE_NOT_ALLOWED"
	ReasonLeverageOverLimit = "LEVERAGE_OVER_LIMIT"
	ReasonSignalTooOld      = "SIGNAL_TOO_OLD"
	ReasonBreakerCooldown   = "CIRCUIT_BREAKER_COOLDOWN"
	ReasonCooldownActive    = "COOLDOWN_ACTIVE"
	ReasonMaxPositions      = "MAX_POSITIONS_REACHED"
	ReasonQualityTooLow     = "QUALITY_TOO_LOW"
	ReasonDrawdownLimit     = "DRAWDOWN_LIMIT"
	ReasonPriceUnavailable  = "PRICE_UNAVAILABLE"
	ReasonEntrySlippage     = "ENTRY_SLIPPAGE"
	ReasonEntryPriceInvalid = "ENTRY_PRICE_INVALID"
	ReasonInvalidStopLoss   = "INVALID_STOP_LOSS"
	ReasonMissingStopLoss   = "MISSING_STOP_LOSS"
	ReasonSizeBelowMinimum  = "SIZE_BELOW_MINIMUM"

	ReasonManageMissingSymbol = "MANAGE_MISSING_SYMBOL"
	ReasonManageInvalidReduce = "MANAGE_INVALID_REDUCE"
	ReasonManageNoAction      = "MANAGE_NO_ACTION"
)

// Rejection is a policy-level refusal: expected, recorded, never retried.
type Rejection struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

func (r *Rejection) String() string {
	if r.Detail == "" {
		return r.Code
	}
	return r.Code + ": " + r.Detail
}

// OrderPlan is an approved, fully sized entry. Once built it belongs to the
// order lifecycle manager; the engine never touches it again.
type OrderPlan struct {
	SignalID          string            `json:"signal_id"`
	Symbol            string            `json:"symbol"`
	Side              signals.Side      `json:"side"`
	EntryType         signals.EntryType `json:"entry_type"`
	Leverage          int               `json:"leverage"`
	Quantity          float64           `json:"quantity"`
	Notional          float64           `json:"notional"`
	EntryPrice        float64           `json:"entry_price"`
	EntryLow          float64           `json:"entry_low,omitempty"`
	EntryHigh         float64           `json:"entry_high,omitempty"`
	StopLossPrice     float64           `json:"stop_loss_price"`
	StopDistanceRatio float64           `json:"stop_distance_ratio"`
	TakeProfits       []float64         `json:"take_profits,omitempty"`
	Quality           float64           `json:"quality"`
	Confidence        float64           `json:"confidence"`

	// RequiresConfirmation marks a plan whose extraction confidence sits
	// below the configured floor: complete and sized, but held for a manual
	// go-ahead instead of being executed.
	RequiresConfirmation bool `json:"requires_confirmation"`

	Warnings []string `json:"warnings,omitempty"`
}

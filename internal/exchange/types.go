package exchange

import (
	"strings"
	"time"
)

// ==================== SIDES ====================

// Side is the order side sent to the exchange.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PositionSide is the hold side of a position. One-way accounts report BOTH;
// positions normalized through this package always carry LONG or SHORT.
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
	PositionSideBoth  PositionSide = "BOTH"
)

// EntrySide returns the order side that opens a position on the given hold side.
func EntrySide(hold PositionSide) Side {
	if hold == PositionSideShort {
		return SideSell
	}
	return SideBuy
}

// CloseSide returns the order side that reduces a position on the given hold side.
func CloseSide(hold PositionSide) Side {
	if hold == PositionSideShort {
		return SideBuy
	}
	return SideSell
}

// ==================== ORDER TYPES ====================

// OrderType mirrors the exchange's futures order types.
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// IsTrigger reports whether the type is a conditional order armed by a
// trigger price rather than resting on the book.
func (t OrderType) IsTrigger() bool {
	return t == OrderTypeStopMarket || t == OrderTypeTakeProfitMarket
}

// ==================== ORDER STATUS ====================

// OrderStatus is the normalized order state used everywhere above the
// gateway. Raw exchange statuses are folded through NormalizeStatus before
// anything acts on them.
type OrderStatus string

const (
	StatusAcked    OrderStatus = "ACKED"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusFailed   OrderStatus = "FAILED"
)

// NormalizeStatus folds raw exchange status strings into the small set the
// reconciler understands. Unrecognized statuses map to ACKED so the order
// keeps being polled instead of silently dropping out of reconciliation.
func NormalizeStatus(raw string) OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "NEW", "INIT", "SUBMITTING", "LIVE", "ACCEPTED":
		return StatusAcked
	case "PARTIALLY_FILLED", "PARTIAL_FILLED", "PARTIAL":
		return StatusPartial
	case "FILLED", "FULLY_FILLED", "DONE", "FILLED_OR_CLOSED":
		return StatusFilled
	case "CANCELED", "CANCELLED", "EXPIRED", "EXPIRED_IN_MATCH":
		return StatusCanceled
	case "REJECTED":
		return StatusRejected
	case "FAILED":
		return StatusFailed
	default:
		return StatusAcked
	}
}

// IsTerminal reports whether the status ends an order's lifecycle.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// ==================== ACCOUNT ====================

// AccountSnapshot is the balance view the risk engine and safety daemon
// consume. Equity is the total margin balance (wallet + unrealized PnL).
type AccountSnapshot struct {
	Equity     float64
	Available  float64
	MarginUsed float64 // total maintenance margin
	Timestamp  time.Time
}

// MarginRatio returns maintenance margin over equity, 0 when equity is unknown.
func (a *AccountSnapshot) MarginRatio() float64 {
	if a == nil || a.Equity <= 0 {
		return 0
	}
	return a.MarginUsed / a.Equity
}

// Age returns how stale the snapshot is.
func (a *AccountSnapshot) Age(now time.Time) time.Duration {
	if a == nil || a.Timestamp.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(a.Timestamp)
}

// Position is a live exchange position normalized to absolute size plus an
// explicit hold side.
type Position struct {
	Symbol           string
	Side             PositionSide
	Qty              float64
	EntryPrice       float64
	MarkPrice        float64
	LiquidationPrice float64
	UnrealizedPnL    float64
	Leverage         int
	MarginType       string
	UpdatedAt        time.Time
}

// Notional returns the current mark-price notional of the position.
func (p *Position) Notional() float64 {
	return p.Qty * p.MarkPrice
}

// LiquidationDistance returns |mark − liquidation| / mark, or -1 when either
// price is unknown.
func (p *Position) LiquidationDistance() float64 {
	if p.MarkPrice <= 0 || p.LiquidationPrice <= 0 {
		return -1
	}
	d := p.MarkPrice - p.LiquidationPrice
	if d < 0 {
		d = -d
	}
	return d / p.MarkPrice
}

// ==================== ORDER SPECS ====================

// OrderSpec describes an order to place. Quantities and prices must already
// be rounded to the symbol's steps; the gateway only formats them.
type OrderSpec struct {
	Symbol        string
	Side          Side
	PositionSide  PositionSide // set on hedge accounts, empty otherwise
	Type          OrderType
	Qty           float64
	Price         float64 // limit orders
	StopPrice     float64 // trigger orders
	ReduceOnly    bool
	ClosePosition bool
	TimeInForce   string // defaults to GTC for limit orders
	ClientOrderID string
}

// TriggerSpec describes a protective trigger order (stop-loss or
// take-profit). The close side is derived from the hold side.
type TriggerSpec struct {
	Symbol        string
	Hold          PositionSide
	Qty           float64 // ignored when ClosePosition is set
	TriggerPrice  float64
	ClosePosition bool
	ClientOrderID string
}

// OrderResult is the gateway's view of an order after placement or lookup.
type OrderResult struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          Side
	PositionSide  PositionSide
	Type          OrderType
	Status        OrderStatus
	RawStatus     string
	Price         float64
	StopPrice     float64
	OrigQty       float64
	ExecutedQty   float64
	AvgPrice      float64
	ReduceOnly    bool
	ClosePosition bool
	UpdatedAt     time.Time
}

// Filled reports whether any quantity has executed.
func (r *OrderResult) Filled() bool {
	return r.ExecutedQty > 0
}

package exchange

import "context"

// Gateway is the exchange boundary everything above trades through. All
// calls go via the rate-limited executor; quantities and prices in specs
// must already be rounded to the symbol's steps.
type Gateway interface {
	// GetBalance fetches the account snapshot the risk engine sizes against.
	GetBalance(ctx context.Context) (*AccountSnapshot, error)

	// GetPositions returns all non-flat positions, sides normalized.
	GetPositions(ctx context.Context) ([]Position, error)

	// GetOpenOrders lists open orders for one symbol, or for every symbol
	// when symbol is empty.
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderResult, error)

	// PlaceOrder submits an order and returns the exchange's receipt.
	PlaceOrder(ctx context.Context, spec OrderSpec) (*OrderResult, error)

	// CancelOrder cancels by exchange ID or client order ID.
	CancelOrder(ctx context.Context, symbol string, orderID int64, clientOrderID string) error

	// CancelAllOrders cancels every open order on the symbol.
	CancelAllOrders(ctx context.Context, symbol string) error

	// GetOrder looks an order up by exchange ID or client order ID.
	GetOrder(ctx context.Context, symbol string, orderID int64, clientOrderID string) (*OrderResult, error)

	// GetSymbolRules returns the cached trading filters for a symbol.
	GetSymbolRules(ctx context.Context, symbol string) (*SymbolRules, error)

	// SetLeverage applies leverage and returns what the exchange accepted.
	SetLeverage(ctx context.Context, symbol string, leverage int) (int, error)

	// ProtectiveClose market-closes qty of the position at CRITICAL
	// priority, reduce-only in one-way mode or side-keyed in hedge mode.
	ProtectiveClose(ctx context.Context, symbol string, hold PositionSide, qty float64, clientOrderID string) (*OrderResult, error)

	// PlaceStopLoss places a STOP_MARKET protective order.
	PlaceStopLoss(ctx context.Context, spec TriggerSpec) (*OrderResult, error)

	// PlaceTakeProfit places a TAKE_PROFIT_MARKET reduce order.
	PlaceTakeProfit(ctx context.Context, spec TriggerSpec) (*OrderResult, error)

	// ProbeTriggerCapability reports whether the exchange accepts trigger
	// orders, probing and caching per the capability TTLs.
	ProbeTriggerCapability(ctx context.Context) CapabilityState

	// TickerPrice returns the last traded price.
	TickerPrice(ctx context.Context, symbol string) (float64, error)

	// MarkPrice returns the mark price protective triggers key off.
	MarkPrice(ctx context.Context, symbol string) (float64, error)

	// HedgeMode reports the account's position mode as configured at startup.
	HedgeMode() bool
}

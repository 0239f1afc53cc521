package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"

	"signal-trading-bot/config"
)

const (
	rulesTTL    = 30 * time.Minute
	probeSymbol = "BTCUSDT"
)

// Client implements Gateway against Binance USDT-M futures through the
// rate-limited executor.
type Client struct {
	api   *futures.Client
	exec  *Executor
	rules *Registry
	caps  *CapabilityCache
	log   zerolog.Logger

	hedgeMode  bool
	marginType string
	recvWindow int
}

var _ Gateway = (*Client)(nil)

// NewClient builds the gateway. Call Init before trading: it applies the
// configured position mode and primes the symbol registry.
func NewClient(cfg config.ExchangeConfig, capCfg config.CapabilityConfig, exec *Executor, logger zerolog.Logger) *Client {
	if cfg.TestNet {
		futures.UseTestnet = true
	}
	api := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.BaseURL != "" {
		api.BaseURL = cfg.BaseURL
	}
	c := &Client{
		api:  api,
		exec: exec,
		caps: NewCapabilityCache(
			time.Duration(capCfg.TTLSeconds)*time.Second,
			time.Duration(capCfg.UnknownRetryTTLSeconds)*time.Second,
		),
		log:        logger.With().Str("component", "exchange").Logger(),
		hedgeMode:  strings.EqualFold(cfg.PositionMode, "HEDGE"),
		marginType: strings.ToUpper(cfg.MarginType),
		recvWindow: cfg.RecvWindow,
	}
	c.rules = NewRegistry(rulesTTL, c.fetchRules, logger)
	return c
}

// Init applies the configured position mode and loads the symbol registry.
func (c *Client) Init(ctx context.Context) error {
	dual := c.hedgeMode
	err := c.exec.Do(ctx, "position_mode", PriorityHigh, func(ctx context.Context) error {
		err := c.api.NewChangePositionModeService().DualSide(dual).Do(ctx, c.signedOpts()...)
		if isAlreadySet(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("set position mode: %w", err)
	}
	if err := c.rules.Refresh(ctx); err != nil {
		return fmt.Errorf("load symbol rules: %w", err)
	}
	c.log.Info().Bool("hedge_mode", c.hedgeMode).Msg("exchange gateway initialized")
	return nil
}

// HedgeMode reports the configured position mode.
func (c *Client) HedgeMode() bool { return c.hedgeMode }

// Capabilities exposes the probe cache for status reporting.
func (c *Client) Capabilities() *CapabilityCache { return c.caps }

// Rules exposes the symbol rule registry so other components can share
// the same cached filters.
func (c *Client) Rules() *Registry { return c.rules }

// ==================== ACCOUNT ====================

func (c *Client) GetBalance(ctx context.Context) (*AccountSnapshot, error) {
	acct, err := DoValue(ctx, c.exec, "account", PriorityNormal, func(ctx context.Context) (*futures.Account, error) {
		return c.api.NewGetAccountService().Do(ctx, c.signedOpts()...)
	})
	if err != nil {
		return nil, err
	}
	return &AccountSnapshot{
		Equity:     parseF(acct.TotalMarginBalance),
		Available:  parseF(acct.AvailableBalance),
		MarginUsed: parseF(acct.TotalMaintMargin),
		Timestamp:  time.Now(),
	}, nil
}

func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	risks, err := DoValue(ctx, c.exec, "position_risk", PriorityNormal, func(ctx context.Context) ([]*futures.PositionRisk, error) {
		return c.api.NewGetPositionRiskService().Do(ctx, c.signedOpts()...)
	})
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]Position, 0, len(risks))
	for _, p := range risks {
		amt := parseF(p.PositionAmt)
		if amt == 0 {
			continue
		}
		side := PositionSideLong
		qty := amt
		if amt < 0 {
			side = PositionSideShort
			qty = -amt
		}
		if ps := PositionSide(p.PositionSide); ps == PositionSideLong || ps == PositionSideShort {
			side = ps
		}
		out = append(out, Position{
			Symbol:           p.Symbol,
			Side:             side,
			Qty:              qty,
			EntryPrice:       parseF(p.EntryPrice),
			MarkPrice:        parseF(p.MarkPrice),
			LiquidationPrice: parseF(p.LiquidationPrice),
			UnrealizedPnL:    parseF(p.UnRealizedProfit),
			Leverage:         int(parseF(p.Leverage)),
			MarginType:       p.MarginType,
			UpdatedAt:        now,
		})
	}
	return out, nil
}

// ==================== ORDERS ====================

func (c *Client) PlaceOrder(ctx context.Context, spec OrderSpec) (*OrderResult, error) {
	return c.place(ctx, spec, priorityFor(spec))
}

// priorityFor: anything that reduces exposure or protects a position is
// CRITICAL, fresh entries are HIGH.
func priorityFor(spec OrderSpec) Priority {
	if spec.ReduceOnly || spec.ClosePosition || spec.Type.IsTrigger() {
		return PriorityCritical
	}
	return PriorityHigh
}

func (c *Client) place(ctx context.Context, spec OrderSpec, priority Priority) (*OrderResult, error) {
	rules, err := c.rules.Get(ctx, spec.Symbol)
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", spec.Symbol).Msg("placing order without symbol rules")
		rules = nil
	}

	svc := c.api.NewCreateOrderService().
		Symbol(spec.Symbol).
		Side(futures.SideType(spec.Side)).
		Type(futures.OrderType(spec.Type))
	if c.hedgeMode && spec.PositionSide != "" {
		svc.PositionSide(futures.PositionSideType(spec.PositionSide))
	}
	if spec.Qty > 0 && !spec.ClosePosition {
		svc.Quantity(rules.FormatQty(spec.Qty))
	}
	if spec.Price > 0 {
		tif := spec.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		svc.Price(rules.FormatPrice(spec.Price)).TimeInForce(futures.TimeInForceType(tif))
	}
	if spec.StopPrice > 0 {
		svc.StopPrice(rules.FormatPrice(spec.StopPrice)).
			WorkingType(futures.WorkingTypeMarkPrice).
			PriceProtect(true)
	}
	// reduceOnly is implied by position side in hedge mode and rejected if sent
	if spec.ReduceOnly && !c.hedgeMode {
		svc.ReduceOnly(true)
	}
	if spec.ClosePosition {
		svc.ClosePosition(true)
	}
	if spec.ClientOrderID != "" {
		svc.NewClientOrderID(spec.ClientOrderID)
	}

	res, err := DoValue(ctx, c.exec, "create_order", priority, func(ctx context.Context) (*futures.CreateOrderResponse, error) {
		return svc.Do(ctx, c.signedOpts()...)
	})
	if err != nil {
		return nil, err
	}
	return orderResultFromCreate(res), nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64, clientOrderID string) error {
	return c.exec.Do(ctx, "cancel_order", PriorityHigh, func(ctx context.Context) error {
		svc := c.api.NewCancelOrderService().Symbol(symbol)
		if orderID > 0 {
			svc.OrderID(orderID)
		}
		if clientOrderID != "" {
			svc.OrigClientOrderID(clientOrderID)
		}
		_, err := svc.Do(ctx, c.signedOpts()...)
		return err
	})
}

func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	return c.exec.Do(ctx, "cancel_all_orders", PriorityCritical, func(ctx context.Context) error {
		return c.api.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx, c.signedOpts()...)
	})
}

func (c *Client) GetOrder(ctx context.Context, symbol string, orderID int64, clientOrderID string) (*OrderResult, error) {
	o, err := DoValue(ctx, c.exec, "get_order", PriorityHigh, func(ctx context.Context) (*futures.Order, error) {
		svc := c.api.NewGetOrderService().Symbol(symbol)
		if orderID > 0 {
			svc.OrderID(orderID)
		}
		if clientOrderID != "" {
			svc.OrigClientOrderID(clientOrderID)
		}
		return svc.Do(ctx, c.signedOpts()...)
	})
	if err != nil {
		return nil, err
	}
	return orderResultFromOrder(o), nil
}

func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]OrderResult, error) {
	orders, err := DoValue(ctx, c.exec, "open_orders", PriorityHigh, func(ctx context.Context) ([]*futures.Order, error) {
		return c.api.NewListOpenOrdersService().Symbol(symbol).Do(ctx, c.signedOpts()...)
	})
	if err != nil {
		return nil, err
	}
	out := make([]OrderResult, 0, len(orders))
	for _, o := range orders {
		out = append(out, *orderResultFromOrder(o))
	}
	return out, nil
}

// ==================== PROTECTIVE ====================

func (c *Client) ProtectiveClose(ctx context.Context, symbol string, hold PositionSide, qty float64, clientOrderID string) (*OrderResult, error) {
	spec := OrderSpec{
		Symbol:        symbol,
		Side:          CloseSide(hold),
		Type:          OrderTypeMarket,
		Qty:           qty,
		ClientOrderID: clientOrderID,
	}
	if c.hedgeMode {
		spec.PositionSide = hold
	} else {
		spec.ReduceOnly = true
	}
	return c.place(ctx, spec, PriorityCritical)
}

func (c *Client) PlaceStopLoss(ctx context.Context, spec TriggerSpec) (*OrderResult, error) {
	return c.placeTrigger(ctx, spec, OrderTypeStopMarket)
}

func (c *Client) PlaceTakeProfit(ctx context.Context, spec TriggerSpec) (*OrderResult, error) {
	return c.placeTrigger(ctx, spec, OrderTypeTakeProfitMarket)
}

func (c *Client) placeTrigger(ctx context.Context, spec TriggerSpec, typ OrderType) (*OrderResult, error) {
	o := OrderSpec{
		Symbol:        spec.Symbol,
		Side:          CloseSide(spec.Hold),
		Type:          typ,
		Qty:           spec.Qty,
		StopPrice:     spec.TriggerPrice,
		ClosePosition: spec.ClosePosition,
		ClientOrderID: spec.ClientOrderID,
	}
	if c.hedgeMode {
		o.PositionSide = spec.Hold
	} else if !spec.ClosePosition {
		o.ReduceOnly = true
	}
	return c.place(ctx, o, PriorityCritical)
}

// ==================== SYMBOL CONFIG ====================

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) (int, error) {
	res, err := DoValue(ctx, c.exec, "set_leverage", PriorityHigh, func(ctx context.Context) (*futures.SymbolLeverage, error) {
		return c.api.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx, c.signedOpts()...)
	})
	if err != nil {
		return 0, err
	}
	return res.Leverage, nil
}

// EnsureMarginType applies the configured margin type to a symbol,
// tolerating the already-set response.
func (c *Client) EnsureMarginType(ctx context.Context, symbol string) error {
	if c.marginType == "" {
		return nil
	}
	return c.exec.Do(ctx, "margin_type", PriorityHigh, func(ctx context.Context) error {
		err := c.api.NewChangeMarginTypeService().
			Symbol(symbol).
			MarginType(futures.MarginType(c.marginType)).
			Do(ctx, c.signedOpts()...)
		if isAlreadySet(err) {
			return nil
		}
		return err
	})
}

func (c *Client) GetSymbolRules(ctx context.Context, symbol string) (*SymbolRules, error) {
	return c.rules.Get(ctx, symbol)
}

// ==================== MARKET DATA ====================

func (c *Client) TickerPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := DoValue(ctx, c.exec, "ticker_price", PriorityNormal, func(ctx context.Context) ([]*futures.SymbolPrice, error) {
		return c.api.NewListPricesService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return 0, err
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidSymbol, symbol)
	}
	return parseF(prices[0].Price), nil
}

func (c *Client) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	idx, err := DoValue(ctx, c.exec, "mark_price", PriorityNormal, func(ctx context.Context) ([]*futures.PremiumIndex, error) {
		return c.api.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return 0, err
	}
	if len(idx) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidSymbol, symbol)
	}
	return parseF(idx[0].MarkPrice), nil
}

// ==================== CAPABILITY ====================

// ProbeTriggerCapability reports whether exchange-side trigger orders work.
// The probe sends a zero-quantity STOP_MARKET, which can never create an
// order: a plain validation rejection proves the order type is understood,
// an unsupported-order rejection parks it, and transient failures leave the
// verdict unknown for a quick re-probe.
func (c *Client) ProbeTriggerCapability(ctx context.Context) CapabilityState {
	if rec, ok := c.caps.Get(CapTriggerOrders); ok {
		return rec.State
	}
	err := c.exec.Do(ctx, "probe_trigger", PriorityLow, func(ctx context.Context) error {
		_, err := c.api.NewCreateOrderService().
			Symbol(probeSymbol).
			Side(futures.SideTypeSell).
			Type(futures.OrderTypeStopMarket).
			StopPrice("1").
			Quantity("0").
			Do(ctx, c.signedOpts()...)
		return err
	})
	state, reason := ClassifyProbeError(err)
	rec := c.caps.Set(CapTriggerOrders, state, reason)
	c.log.Info().
		Str("state", string(state)).
		Str("reason", reason).
		Time("expires", rec.ExpiresAt).
		Msg("trigger capability probed")
	return state
}

// ==================== HELPERS ====================

func (c *Client) signedOpts() []futures.RequestOption {
	if c.recvWindow <= 0 {
		return nil
	}
	return []futures.RequestOption{futures.WithRecvWindow(int64(c.recvWindow))}
}

func (c *Client) fetchRules(ctx context.Context) (map[string]*SymbolRules, error) {
	info, err := DoValue(ctx, c.exec, "exchange_info", PriorityLow, func(ctx context.Context) (*futures.ExchangeInfo, error) {
		return c.api.NewExchangeInfoService().Do(ctx)
	})
	if err != nil {
		return nil, err
	}

	volumes := make(map[string]float64)
	stats, err := DoValue(ctx, c.exec, "ticker_24h", PriorityLow, func(ctx context.Context) ([]*futures.PriceChangeStats, error) {
		return c.api.NewListPriceChangeStatsService().Do(ctx)
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("24h volume refresh failed, keeping zero volumes")
	} else {
		for _, s := range stats {
			volumes[s.Symbol] = parseF(s.QuoteVolume)
		}
	}

	out := make(map[string]*SymbolRules, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.QuoteAsset != "USDT" {
			continue
		}
		rules := &SymbolRules{
			Symbol:         s.Symbol,
			QtyPrecision:   s.QuantityPrecision,
			PricePrecision: s.PricePrecision,
			Tradable:       s.Status == "TRADING",
			Volume24h:      volumes[s.Symbol],
		}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				if v, ok := f["tickSize"].(string); ok {
					rules.PriceStep = parseF(v)
				}
			case "LOT_SIZE":
				if v, ok := f["stepSize"].(string); ok {
					rules.QtyStep = parseF(v)
				}
				if v, ok := f["minQty"].(string); ok {
					rules.MinQty = parseF(v)
				}
			case "MIN_NOTIONAL":
				if v, ok := f["notional"].(string); ok {
					rules.MinNotional = parseF(v)
				}
			}
		}
		if rules.QtyPrecision == 0 && rules.QtyStep > 0 {
			rules.QtyPrecision = precisionOf(rules.QtyStep)
		}
		if rules.PricePrecision == 0 && rules.PriceStep > 0 {
			rules.PricePrecision = precisionOf(rules.PriceStep)
		}
		out[s.Symbol] = rules
	}
	return out, nil
}

func orderResultFromCreate(r *futures.CreateOrderResponse) *OrderResult {
	return &OrderResult{
		OrderID:       r.OrderID,
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          Side(r.Side),
		PositionSide:  PositionSide(r.PositionSide),
		Type:          OrderType(r.Type),
		Status:        NormalizeStatus(string(r.Status)),
		RawStatus:     string(r.Status),
		Price:         parseF(r.Price),
		StopPrice:     parseF(r.StopPrice),
		OrigQty:       parseF(r.OrigQuantity),
		ExecutedQty:   parseF(r.ExecutedQuantity),
		AvgPrice:      parseF(r.AvgPrice),
		ReduceOnly:    r.ReduceOnly,
		ClosePosition: r.ClosePosition,
		UpdatedAt:     time.UnixMilli(r.UpdateTime),
	}
}

func orderResultFromOrder(o *futures.Order) *OrderResult {
	return &OrderResult{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          Side(o.Side),
		PositionSide:  PositionSide(o.PositionSide),
		Type:          OrderType(o.Type),
		Status:        NormalizeStatus(string(o.Status)),
		RawStatus:     string(o.Status),
		Price:         parseF(o.Price),
		StopPrice:     parseF(o.StopPrice),
		OrigQty:       parseF(o.OrigQuantity),
		ExecutedQty:   parseF(o.ExecutedQuantity),
		AvgPrice:      parseF(o.AvgPrice),
		ReduceOnly:    o.ReduceOnly,
		ClosePosition: o.ClosePosition,
		UpdatedAt:     time.UnixMilli(o.UpdateTime),
	}
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// Package account polls the exchange's account, position, and open-order
// views onto the runtime store on independent per-feed intervals. The
// positions poll is also where position-level drift is caught: a position
// this process never opened forces SAFE_MODE, and a position that vanished
// from the exchange clears its local order state.
package account

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"signal-trading-bot/config"
	"signal-trading-bot/internal/exchange"
	"signal-trading-bot/internal/ledger"
	"signal-trading-bot/internal/orders"
	"signal-trading-bot/internal/state"
)

// Feed keys for the per-feed due-time table.
const (
	feedAccount    = "account"
	feedPositions  = "positions"
	feedOpenOrders = "open_orders"
	feedContracts  = "contracts"
)

// pollGateway is the read-only slice of the exchange gateway the poller uses.
type pollGateway interface {
	GetBalance(ctx context.Context) (*exchange.AccountSnapshot, error)
	GetPositions(ctx context.Context) ([]exchange.Position, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]exchange.OrderResult, error)
}

// Alerter is the notification surface drift and poll failures go through.
type Alerter interface {
	Info(ctx context.Context, eventType, msg string, payload map[string]any) string
	Warn(ctx context.Context, eventType, msg string, payload map[string]any) string
	Error(ctx context.Context, eventType, msg string, payload map[string]any) string
}

// Safety lets the poller block new entries when it finds a position it
// cannot explain.
type Safety interface {
	EnterSafeMode(ctx context.Context, reason string) bool
}

// contractSource refreshes the cached symbol trading rules.
type contractSource interface {
	Refresh(ctx context.Context) error
}

// Poller drives the exchange polls on a one-second master tick. Each feed
// keeps its own due time; a feed that fails is retried on the next master
// tick rather than waiting out its full interval.
type Poller struct {
	cfg       config.PollerConfig
	gw        pollGateway
	store     *state.Store
	led       ledger.Ledger
	alerts    Alerter
	safety    Safety
	contracts contractSource
	log       zerolog.Logger
	now       func() time.Time

	lastRuns map[string]time.Time

	// Rising-edge trackers so persistent failures and lingering unknown
	// positions alert once, not every tick.
	failing     map[string]bool
	unknownSeen map[string]bool
}

func NewPoller(cfg *config.Config, gw pollGateway, store *state.Store, led ledger.Ledger, alerts Alerter, safety Safety, contracts contractSource, logger zerolog.Logger) *Poller {
	return &Poller{
		cfg:         cfg.PollerConfig,
		gw:          gw,
		store:       store,
		led:         led,
		alerts:      alerts,
		safety:      safety,
		contracts:   contracts,
		log:         logger.With().Str("component", "account_poller").Logger(),
		now:         time.Now,
		lastRuns:    make(map[string]time.Time),
		failing:     make(map[string]bool),
		unknownSeen: make(map[string]bool),
	}
}

// Run ticks every second until the context ends.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info().
		Int("account_s", p.cfg.AccountIntervalSeconds).
		Int("positions_s", p.cfg.PositionsIntervalSeconds).
		Int("open_orders_s", p.cfg.OpenOrdersIntervalSeconds).
		Int("contracts_s", p.cfg.ContractsIntervalSeconds).
		Msg("account poller started")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx, p.now().UTC())
		}
	}
}

// tick runs every due feed. Feeds are isolated: one failing poll registers
// its error and the rest still run.
func (p *Poller) tick(ctx context.Context, now time.Time) {
	p.runFeed(ctx, now, feedAccount, p.cfg.AccountIntervalSeconds, p.pollAccount)
	p.runFeed(ctx, now, feedPositions, p.cfg.PositionsIntervalSeconds, p.pollPositions)
	p.runFeed(ctx, now, feedOpenOrders, p.cfg.OpenOrdersIntervalSeconds, p.pollOpenOrders)
	p.runFeed(ctx, now, feedContracts, p.cfg.ContractsIntervalSeconds, p.pollContracts)
}

func (p *Poller) runFeed(ctx context.Context, now time.Time, feed string, intervalSeconds int, poll func(context.Context) error) {
	if !p.due(feed, intervalSeconds, now) {
		return
	}
	if err := poll(ctx); err != nil {
		p.store.RegisterAPIError(p.now())
		if !p.failing[feed] {
			p.alerts.Error(ctx, "POLLER_TICK_ERROR", "poller feed "+feed+" failed: "+err.Error(),
				map[string]any{"feed": feed})
		}
		p.failing[feed] = true
		p.log.Warn().Err(err).Str("feed", feed).Msg("poll failed")
		return
	}
	delete(p.failing, feed)
	p.lastRuns[feed] = now
}

func (p *Poller) due(feed string, intervalSeconds int, now time.Time) bool {
	last, ok := p.lastRuns[feed]
	if !ok {
		return true
	}
	return now.Sub(last) >= time.Duration(intervalSeconds)*time.Second
}

// pollAccount refreshes the balance view and appends an equity snapshot to
// the ledger for the drawdown history.
func (p *Poller) pollAccount(ctx context.Context) error {
	snap, err := p.gw.GetBalance(ctx)
	if err != nil {
		return err
	}
	ts := p.now().UTC()
	p.store.SetAccount(snap.Equity, snap.Available, snap.MarginUsed, ts)
	if err := p.led.RecordEquitySnapshot(ctx, snap.Equity, snap.Available, snap.MarginUsed, ts); err != nil {
		p.log.Warn().Err(err).Msg("equity snapshot not recorded")
	}
	return nil
}

// pollPositions replaces the position view with what the exchange reports.
// A symbol with no locally tracked entry order is unknown-origin and forces
// SAFE_MODE; a symbol that left the exchange view gets its local orders and
// threads cleared.
func (p *Poller) pollPositions(ctx context.Context) error {
	raw, err := p.gw.GetPositions(ctx)
	if err != nil {
		return err
	}
	ts := p.now().UTC()
	known := p.store.KnownEntrySymbols()

	old := make(map[string]bool)
	for _, pos := range p.store.Positions() {
		old[pos.Symbol] = true
	}

	positions := make([]state.PositionState, 0, len(raw))
	for _, row := range raw {
		if row.Symbol == "" || row.Qty <= 0 {
			continue
		}
		_, tracked := known[row.Symbol]
		// OpenedAt stays zero: the store keeps the first-seen time for
		// symbols it already tracks, so the no-stop-loss age clock is
		// not reset by every poll.
		ps := state.PositionState{
			Symbol:        row.Symbol,
			Side:          row.Side,
			Size:          row.Qty,
			EntryPrice:    row.EntryPrice,
			MarkPrice:     row.MarkPrice,
			LiqPrice:      row.LiquidationPrice,
			PnL:           row.UnrealizedPnL,
			Leverage:      row.Leverage,
			MarginMode:    row.MarginType,
			UnknownOrigin: !tracked,
			UpdatedAt:     ts,
		}
		positions = append(positions, ps)

		if !ps.UnknownOrigin {
			delete(p.unknownSeen, row.Symbol)
			continue
		}
		p.safety.EnterSafeMode(ctx, "unknown position detected on exchange: "+row.Symbol)
		if !p.unknownSeen[row.Symbol] {
			p.alerts.Warn(ctx, "UNKNOWN_POSITION",
				row.Symbol+" is open on the exchange but was never entered by this process; blocking new entries",
				map[string]any{"symbol": row.Symbol, "size": row.Qty, "side": string(row.Side)})
			p.unknownSeen[row.Symbol] = true
		}
		p.log.Warn().Str("symbol", row.Symbol).Float64("size", row.Qty).Msg("unknown-origin position")
	}

	p.store.SetPositions(positions, ts)

	for _, pos := range positions {
		delete(old, pos.Symbol)
	}
	for symbol := range old {
		p.store.ClearOrdersForSymbol(symbol)
		delete(p.unknownSeen, symbol)
		p.alerts.Info(ctx, "POSITION_CLEARED",
			symbol+" is no longer open on the exchange; local order state cleared",
			map[string]any{"symbol": symbol})
		p.log.Info().Str("symbol", symbol).Msg("position cleared")
	}
	return nil
}

// pollOpenOrders folds the exchange's open-order list into the store.
// Orders we already track only get their status and fill progress updated,
// keeping the locally known trigger price and parent linkage. Orders we
// have never seen are classified by their client order ID, falling back to
// the reduce-only flag for IDs this process did not mint.
func (p *Poller) pollOpenOrders(ctx context.Context) error {
	open, err := p.gw.GetOpenOrders(ctx, "")
	if err != nil {
		return err
	}
	for _, o := range open {
		if o.Symbol == "" {
			continue
		}
		orderID := ""
		if o.OrderID > 0 {
			orderID = strconv.FormatInt(o.OrderID, 10)
		}
		if _, ok := p.store.FindOrder(o.ClientOrderID, orderID); ok {
			p.store.MarkOrderStatus(o.ClientOrderID, orderID, o.Status, o.ExecutedQty, o.AvgPrice)
			continue
		}

		rec := state.OrderRecord{
			Symbol:        o.Symbol,
			Side:          o.Side,
			Status:        o.Status,
			Filled:        o.ExecutedQty,
			Quantity:      o.OrigQty,
			Price:         o.Price,
			AvgPrice:      o.AvgPrice,
			ReduceOnly:    o.ReduceOnly,
			TradeSide:     state.TradeSideOpen,
			Purpose:       state.PurposeEntry,
			TriggerPrice:  o.StopPrice,
			IsPlanOrder:   o.StopPrice > 0,
			ClientOrderID: o.ClientOrderID,
			OrderID:       orderID,
		}
		if o.ReduceOnly || o.ClosePosition {
			rec.TradeSide = state.TradeSideClose
			rec.Purpose = state.PurposeStopLoss
		}
		if parsed, ok := orders.Parse(o.ClientOrderID); ok {
			rec.Purpose = parsed.Purpose
			rec.ThreadID = parsed.ThreadID
			rec.EntryIndex = parsed.Index
		}
		p.store.UpsertOrder(rec)
		p.log.Debug().Str("symbol", o.Symbol).Str("client_order_id", o.ClientOrderID).
			Str("purpose", string(rec.Purpose)).Msg("adopted open order")
	}
	p.store.SetOrdersFresh(p.now().UTC())
	return nil
}

func (p *Poller) pollContracts(ctx context.Context) error {
	return p.contracts.Refresh(ctx)
}

// Package pricefeed maintains the last known mark price per symbol. The
// primary source is the futures all-market mark price stream; after
// consecutive stream failures the feed degrades to REST polling and keeps
// re-attempting the stream. Local-guard evaluation and readiness checks
// consult Mode() because triggers armed on polled prices fire late.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"signal-trading-bot/config"
	"signal-trading-bot/internal/metrics"
	"signal-trading-bot/internal/state"
)

// Delivery modes reported by Mode().
const (
	ModeWS   = "ws"
	ModeRest = "rest"
)

const (
	streamHost        = "wss://fstream.binance.com"
	streamHostTestnet = "wss://stream.binancefuture.com"
	streamPath        = "/ws/!markPrice@arr@1s"
)

// streamConn is the slice of *websocket.Conn the read loop uses.
type streamConn interface {
	ReadMessage() (int, []byte, error)
	Close() error
}

// restPricer fetches one mark price over REST, used in fallback mode.
type restPricer interface {
	MarkPrice(ctx context.Context, symbol string) (float64, error)
}

// Alerter is the notification surface feed degradation goes through.
type Alerter interface {
	Info(ctx context.Context, eventType, msg string, payload map[string]any) string
	Warn(ctx context.Context, eventType, msg string, payload map[string]any) string
}

// markPriceUpdate is the slice of the stream event the feed reads.
type markPriceUpdate struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

// Feed serves Price and Mode to the order lifecycle and keeps the store's
// position mark prices and price freshness current.
type Feed struct {
	cfg    config.PriceFeedConfig
	rest   restPricer
	store  *state.Store
	alerts Alerter
	watch  []string // configured whitelist; open positions are always watched
	log    zerolog.Logger
	now    func() time.Time

	dial           func(ctx context.Context) (streamConn, error)
	pollEvery      time.Duration
	reconnectEvery time.Duration
	recoveryEvery  time.Duration
	maxFailures    int

	mu          sync.RWMutex
	prices      map[string]float64
	mode        string
	degraded    bool
	restFailing bool
}

func NewFeed(cfg *config.Config, rest restPricer, store *state.Store, alerts Alerter, logger zerolog.Logger) *Feed {
	host := streamHost
	if cfg.ExchangeConfig.TestNet {
		host = streamHostTestnet
	}
	url := host + streamPath

	pollEvery := time.Duration(cfg.PriceFeedConfig.RefreshIntervalSeconds) * time.Second
	if pollEvery <= 0 {
		pollEvery = 5 * time.Second
	}
	recoveryEvery := time.Duration(cfg.PriceFeedConfig.RecoveryIntervalSeconds) * time.Second
	if recoveryEvery <= 0 {
		recoveryEvery = 30 * time.Second
	}
	maxFailures := cfg.PriceFeedConfig.MaxStreamFailures
	if maxFailures <= 0 {
		maxFailures = 3
	}

	mode := ModeWS
	if cfg.PriceFeedConfig.Mode == ModeRest {
		mode = ModeRest
	}
	metrics.PriceFeedREST.Set(boolToGauge(mode == ModeRest))

	f := &Feed{
		cfg:            cfg.PriceFeedConfig,
		rest:           rest,
		store:          store,
		alerts:         alerts,
		watch:          append([]string(nil), cfg.FiltersConfig.Whitelist...),
		log:            logger.With().Str("component", "price_feed").Logger(),
		now:            time.Now,
		pollEvery:      pollEvery,
		reconnectEvery: 3 * time.Second,
		recoveryEvery:  recoveryEvery,
		maxFailures:    maxFailures,
		prices:         make(map[string]float64),
		mode:           mode,
	}
	f.dial = func(ctx context.Context) (streamConn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	return f
}

// Price returns the last known mark price for symbol.
func (f *Feed) Price(symbol string) (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	px, ok := f.prices[symbol]
	return px, ok
}

// Mode reports the active delivery mode, "ws" or "rest".
func (f *Feed) Mode() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.mode
}

// Run delivers prices until the context ends.
func (f *Feed) Run(ctx context.Context) error {
	if f.cfg.Mode == ModeRest {
		f.log.Info().Dur("interval", f.pollEvery).Msg("price feed on REST polling by configuration")
		return f.runREST(ctx)
	}
	return f.runStream(ctx)
}

// runStream dials the mark price stream and reads until it breaks. After
// maxFailures consecutive dial failures it degrades to a REST polling
// window, re-attempting the stream when the window ends.
func (f *Feed) runStream(ctx context.Context) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := f.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			f.store.RegisterAPIError(f.now())
			f.log.Warn().Err(err).Int("failures", failures).Msg("mark price stream dial failed")
			if failures >= f.maxFailures {
				failures = 0
				f.degrade(ctx, err)
				if err := f.restWindow(ctx); err != nil {
					return err
				}
				continue
			}
			if err := sleepCtx(ctx, f.reconnectEvery); err != nil {
				return err
			}
			continue
		}

		failures = 0
		f.recover(ctx)
		f.readLoop(ctx, conn)
	}
}

// readLoop consumes one connection until it breaks or the context ends.
func (f *Feed) readLoop(ctx context.Context, conn streamConn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				f.log.Warn().Err(err).Msg("mark price stream read failed")
			}
			return
		}
		f.apply(msg)
	}
}

// apply folds one stream message into the price map and the store. The
// all-market stream delivers arrays; single-symbol streams deliver objects.
func (f *Feed) apply(msg []byte) {
	var batch []markPriceUpdate
	if len(msg) > 0 && msg[0] == '[' {
		if err := json.Unmarshal(msg, &batch); err != nil {
			f.log.Debug().Err(err).Msg("unparseable stream message")
			return
		}
	} else {
		var one markPriceUpdate
		if err := json.Unmarshal(msg, &one); err != nil {
			f.log.Debug().Err(err).Msg("unparseable stream message")
			return
		}
		batch = append(batch, one)
	}

	ts := f.now().UTC()
	applied := 0
	for _, u := range batch {
		if u.Symbol == "" {
			continue
		}
		px, err := strconv.ParseFloat(u.MarkPrice, 64)
		if err != nil || px <= 0 {
			continue
		}
		f.setPrice(u.Symbol, px)
		f.store.SetMarkPrice(u.Symbol, px, ts)
		applied++
	}
	if applied > 0 {
		f.store.SetPriceFresh(ts)
	}
}

// runREST polls forever; the configured-REST mode never attempts the stream.
func (f *Feed) runREST(ctx context.Context) error {
	ticker := time.NewTicker(f.pollEvery)
	defer ticker.Stop()
	f.refreshREST(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.refreshREST(ctx)
		}
	}
}

// restWindow polls until the recovery interval elapses, then returns so the
// caller can re-attempt the stream.
func (f *Feed) restWindow(ctx context.Context) error {
	recovery := time.NewTimer(f.recoveryEvery)
	defer recovery.Stop()
	ticker := time.NewTicker(f.pollEvery)
	defer ticker.Stop()

	f.refreshREST(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-recovery.C:
			f.log.Info().Msg("re-attempting mark price stream")
			return nil
		case <-ticker.C:
			f.refreshREST(ctx)
		}
	}
}

// refreshREST polls every watched symbol once. Freshness advances only
// when the whole pass succeeds; a watch set with holes is stale data.
func (f *Feed) refreshREST(ctx context.Context) {
	symbols := f.watchSymbols()
	ts := f.now().UTC()
	if len(symbols) == 0 {
		f.store.SetPriceFresh(ts)
		return
	}

	failed := 0
	var lastErr error
	for _, symbol := range symbols {
		px, err := f.rest.MarkPrice(ctx, symbol)
		if err != nil {
			failed++
			lastErr = err
			f.store.RegisterAPIError(f.now())
			f.log.Warn().Err(err).Str("symbol", symbol).Msg("mark price poll failed")
			continue
		}
		if px <= 0 {
			continue
		}
		f.setPrice(symbol, px)
		f.store.SetMarkPrice(symbol, px, ts)
	}

	f.mu.Lock()
	wasFailing := f.restFailing
	f.restFailing = failed > 0
	f.mu.Unlock()

	if failed > 0 {
		if !wasFailing {
			f.alerts.Warn(ctx, "PRICE_FEED_ERROR",
				fmt.Sprintf("mark price poll failed for %d of %d symbols", failed, len(symbols)),
				map[string]any{"failed": failed, "symbols": len(symbols), "error": lastErr.Error()})
		}
		return
	}
	f.store.SetPriceFresh(ts)
}

// watchSymbols returns open-position symbols plus the configured whitelist.
func (f *Feed) watchSymbols() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, pos := range f.store.Positions() {
		if _, ok := seen[pos.Symbol]; ok {
			continue
		}
		seen[pos.Symbol] = struct{}{}
		out = append(out, pos.Symbol)
	}
	for _, symbol := range f.watch {
		if symbol == "" {
			continue
		}
		if _, ok := seen[symbol]; ok {
			continue
		}
		seen[symbol] = struct{}{}
		out = append(out, symbol)
	}
	return out
}

func (f *Feed) setPrice(symbol string, px float64) {
	f.mu.Lock()
	f.prices[symbol] = px
	f.mu.Unlock()
}

// degrade flips the feed to REST delivery. Alerts once per outage.
func (f *Feed) degrade(ctx context.Context, cause error) {
	f.mu.Lock()
	already := f.degraded
	f.degraded = true
	f.mode = ModeRest
	f.mu.Unlock()
	metrics.PriceFeedREST.Set(1)

	if already {
		return
	}
	f.alerts.Warn(ctx, "PRICE_FEED_DEGRADED",
		fmt.Sprintf("mark price stream down after %d attempts; polling REST", f.maxFailures),
		map[string]any{"error": cause.Error()})
	f.log.Warn().Err(cause).Msg("price feed degraded to REST")
}

// recover flips back to stream delivery after a successful dial.
func (f *Feed) recover(ctx context.Context) {
	f.mu.Lock()
	was := f.degraded
	f.degraded = false
	f.mode = ModeWS
	f.mu.Unlock()
	metrics.PriceFeedREST.Set(0)

	if !was {
		return
	}
	f.alerts.Info(ctx, "PRICE_FEED_RECOVERED", "mark price stream re-established", nil)
	f.log.Info().Msg("price feed recovered to stream")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func boolToGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

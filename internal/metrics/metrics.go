// Package metrics registers the Prometheus series the trader updates
// during operation. Served at /metrics in text exposition format.
//
//   - trader_account_equity            – Last polled account equity (gauge)
//   - trader_open_positions            – Open position count (gauge)
//   - trader_api_errors_total          – Exchange API call failures
//   - trader_sl_missing_total          – Protection invariant violations observed
//   - trader_safety_state              – 0=NORMAL 1=SAFE_MODE 2=PANIC_CLOSE (gauge)
//   - trader_signals_total{kind}       – Parsed signals by kind
//   - trader_decisions_total{outcome}  – Risk engine outcomes (approved|rejected)
//   - trader_rejections_total{reason}  – Rejections split by typed reason
//   - trader_orders_total{purpose,status} – Order submissions by purpose and result
//   - trader_reconcile_repairs_total{action} – Reconciler repair actions
//   - trader_local_guard_trips_total   – Local guard stop executions
//   - trader_price_feed_rest           – 1 while mark prices come from REST polling (gauge)
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	AccountEquity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_account_equity",
			Help: "Last polled account equity in USDT",
		},
	)

	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_open_positions",
			Help: "Number of open positions",
		},
	)

	APIErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_api_errors_total",
			Help: "Exchange API call failures",
		},
	)

	SLMissing = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_sl_missing_total",
			Help: "Observed positions without valid stop-loss protection",
		},
	)

	SafetyState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_safety_state",
			Help: "Safety mode: 0=NORMAL 1=SAFE_MODE 2=PANIC_CLOSE",
		},
	)

	Signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_signals_total",
			Help: "Parsed signals by kind",
		},
		[]string{"kind"},
	)

	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_decisions_total",
			Help: "Risk engine decisions",
		},
		[]string{"outcome"}, // approved|rejected
	)

	Rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_rejections_total",
			Help: "Risk rejections by typed reason",
		},
		[]string{"reason"},
	)

	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_orders_total",
			Help: "Order submissions by purpose and result",
		},
		[]string{"purpose", "status"}, // purpose: entry|sl|tp|reduce|close, status: ok|failed|dry_run
	)

	ReconcileRepairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_reconcile_repairs_total",
			Help: "Reconciler repair actions",
		},
		[]string{"action"}, // sl_placed|sl_resized|sl_cancelled|tp_placed|be_reduce
	)

	LocalGuardTrips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_local_guard_trips_total",
			Help: "Local guard stop executions",
		},
	)

	PriceFeedREST = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_price_feed_rest",
			Help: "1 while mark prices come from REST polling instead of the stream",
		},
	)
)

func init() {
	prometheus.MustRegister(AccountEquity, OpenPositions, SafetyState, PriceFeedREST)
	prometheus.MustRegister(APIErrors, SLMissing, LocalGuardTrips)
	prometheus.MustRegister(Signals, Decisions, Rejections, Orders, ReconcileRepairs)
}

// SetSafetyState maps a mode name onto the numeric gauge.
func SetSafetyState(mode string) {
	switch mode {
	case "SAFE_MODE":
		SafetyState.Set(1)
	case "PANIC_CLOSE":
		SafetyState.Set(2)
	default:
		SafetyState.Set(0)
	}
}

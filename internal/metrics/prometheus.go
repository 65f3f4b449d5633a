package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "zs_hedge_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type promHistogram struct {
	hist prometheus.Histogram
}

func (p promHistogram) Observe(v float64) {
	p.hist.Observe(v)
}

type promCounterVec struct {
	vec *prometheus.CounterVec
}

func (p promCounterVec) Inc(label string) {
	p.vec.WithLabelValues(label).Inc()
}

type promGaugeVec struct {
	vec *prometheus.GaugeVec
}

func (p promGaugeVec) Set(v float64, labels ...string) {
	p.vec.WithLabelValues(labels...).Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry      *prometheus.Registry
	ordersPlaced  *prometheus.CounterVec
	ordersFailed  *prometheus.CounterVec
	cycles        prometheus.Counter
	cycleFailures prometheus.Counter
	forcedCloses  prometheus.Counter
	deferrals     prometheus.Counter
	halts         prometheus.Counter
	feedStale     prometheus.Counter
	marketState   prometheus.Gauge
	cycleState    prometheus.Gauge
	volume        prometheus.Gauge
	pnl           prometheus.Gauge
	rateUsage     *prometheus.GaugeVec
	openLatency   prometheus.Histogram
	closeLatency  prometheus.Histogram
	windowLength  prometheus.Histogram
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: promNamespace, Name: name, Help: help})
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: promNamespace, Name: name, Help: help})
}

func newLatency(name, help string) prometheus.Histogram {
	return prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	p := &Prometheus{
		registry: registry,
		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "orders_placed_total",
			Help:      "Orders accepted by the venue, per account.",
		}, []string{"account"}),
		ordersFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "orders_failed_total",
			Help:      "Order placement failures, per account.",
		}, []string{"account"}),
		cycles:        newCounter("cycles_total", "Completed open/close hedge cycles."),
		cycleFailures: newCounter("cycle_failures_total", "Open or close attempts that failed."),
		forcedCloses:  newCounter("forced_closes_total", "Pairs closed because max hold elapsed."),
		deferrals:     newCounter("rate_deferrals_total", "Opens skipped because the rate budget was exhausted."),
		halts:         newCounter("halts_total", "Transitions into the halted state."),
		feedStale:     newCounter("feed_stale_total", "Quote feed staleness events."),
		marketState:   newGauge("market_state", "Market state: 0 no window, 1 zero spread, 2 sprint."),
		cycleState:    newGauge("cycle_state", "Cycle state machine index."),
		volume:        newGauge("volume_notional", "Cumulative notional volume across both accounts."),
		pnl:           newGauge("pnl", "Realized pnl since start."),
		rateUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "rate_usage",
			Help:      "Admitted orders in the current window, per account.",
		}, []string{"account", "window"}),
		openLatency:  newLatency("open_latency_seconds", "Time to open both legs."),
		closeLatency: newLatency("close_latency_seconds", "Time to close both legs."),
		windowLength: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Name:      "zero_window_seconds",
			Help:      "Observed zero-spread window lengths.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}

	registry.MustRegister(
		p.ordersPlaced, p.ordersFailed,
		p.cycles, p.cycleFailures, p.forcedCloses, p.deferrals, p.halts, p.feedStale,
		p.marketState, p.cycleState, p.volume, p.pnl, p.rateUsage,
		p.openLatency, p.closeLatency, p.windowLength,
	)

	p.Metrics = &Metrics{
		OrdersPlaced:   promCounterVec{p.ordersPlaced},
		OrdersFailed:   promCounterVec{p.ordersFailed},
		Cycles:         promCounter{p.cycles},
		CycleFailures:  promCounter{p.cycleFailures},
		ForcedCloses:   promCounter{p.forcedCloses},
		Deferrals:      promCounter{p.deferrals},
		Halts:          promCounter{p.halts},
		FeedStale:      promCounter{p.feedStale},
		MarketState:    promGauge{p.marketState},
		CycleState:     promGauge{p.cycleState},
		Volume:         promGauge{p.volume},
		PnL:            promGauge{p.pnl},
		RateUsage:      promGaugeVec{p.rateUsage},
		OpenLatency:    promHistogram{p.openLatency},
		CloseLatency:   promHistogram{p.closeLatency},
		WindowDuration: promHistogram{p.windowLength},
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

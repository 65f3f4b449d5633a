package metrics

import "time"

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

type Histogram interface {
	Observe(float64)
}

// CounterVec is a counter partitioned by a single label value.
type CounterVec interface {
	Inc(label string)
}

type GaugeVec interface {
	Set(value float64, labels ...string)
}

type Metrics struct {
	OrdersPlaced   CounterVec
	OrdersFailed   CounterVec
	Cycles         Counter
	CycleFailures  Counter
	ForcedCloses   Counter
	Deferrals      Counter
	Halts          Counter
	FeedStale      Counter
	MarketState    Gauge
	CycleState     Gauge
	Volume         Gauge
	PnL            Gauge
	RateUsage      GaugeVec
	OpenLatency    Histogram
	CloseLatency   Histogram
	WindowDuration Histogram
}

// OrderPlaced and OrderFailed let Metrics observe the executor directly.
func (m *Metrics) OrderPlaced(account string) {
	m.OrdersPlaced.Inc(account)
}

func (m *Metrics) OrderFailed(account string) {
	m.OrdersFailed.Inc(account)
}

func (m *Metrics) ObserveOpen(d time.Duration) {
	m.OpenLatency.Observe(d.Seconds())
}

func (m *Metrics) ObserveClose(d time.Duration) {
	m.CloseLatency.Observe(d.Seconds())
}

type noop struct{}

func (noop) Inc()            {}
func (noop) Set(float64)     {}
func (noop) Observe(float64) {}

type noopVec struct{}

func (noopVec) Inc(string)             {}
func (noopVec) Set(float64, ...string) {}

func NewNoop() *Metrics {
	n := noop{}
	v := noopVec{}
	return &Metrics{
		OrdersPlaced:   v,
		OrdersFailed:   v,
		Cycles:         n,
		CycleFailures:  n,
		ForcedCloses:   n,
		Deferrals:      n,
		Halts:          n,
		FeedStale:      n,
		MarketState:    n,
		CycleState:     n,
		Volume:         n,
		PnL:            n,
		RateUsage:      v,
		OpenLatency:    n,
		CloseLatency:   n,
		WindowDuration: n,
	}
}

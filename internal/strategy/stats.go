package strategy

import (
	"sync"
	"time"
)

// Each cycle trades the pair size four times: two opening legs and two
// closing legs.
const roundTripLegs = 4

func CycleVolume(price, size float64) float64 {
	if price <= 0 || size <= 0 {
		return 0
	}
	return price * size * roundTripLegs
}

// PnLPer10k normalizes pnl to a 10,000 notional of traded volume.
func PnLPer10k(pnl, volume float64) float64 {
	if volume <= 0 {
		return 0
	}
	return pnl / volume * 10000
}

type CycleRecord struct {
	Direction    Direction
	Size         float64
	OpenPrice    float64
	ClosePrice   float64
	OpenLatency  time.Duration
	CloseLatency time.Duration
	OpenedAt     time.Time
	ClosedAt     time.Time
	Forced       bool
}

type Summary struct {
	Cycles              int
	Volume              float64
	Failures            int
	ConsecutiveFailures int
	StartEquity         float64
	Equity              float64
	PnL                 float64
	PnLPer10k           float64
	AvgOpenLatency      time.Duration
	AvgCloseLatency     time.Duration
	LastCycle           CycleRecord
}

// Stats accumulates cycle results. Safe for concurrent use.
type Stats struct {
	mu                  sync.Mutex
	window              int
	cycles              int
	volume              float64
	failures            int
	consecutiveFailures int
	startEquity         float64
	equity              float64
	hasEquity           bool
	openLatencies       []time.Duration
	closeLatencies      []time.Duration
	last                CycleRecord
}

func NewStats(window int) *Stats {
	if window <= 0 {
		window = 20
	}
	return &Stats{window: window}
}

// Restore seeds counters from a persisted snapshot.
func (s *Stats) Restore(cycles int, volume float64) {
	s.mu.Lock()
	s.cycles = cycles
	s.volume = volume
	s.mu.Unlock()
}

// RecordCycle adds a completed cycle and returns its volume.
func (s *Stats) RecordCycle(rec CycleRecord) float64 {
	price := rec.OpenPrice
	if rec.ClosePrice > 0 && price > 0 {
		price = (rec.OpenPrice + rec.ClosePrice) / 2
	} else if price <= 0 {
		price = rec.ClosePrice
	}
	vol := CycleVolume(price, rec.Size)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles++
	s.volume += vol
	s.consecutiveFailures = 0
	s.openLatencies = appendWindow(s.openLatencies, rec.OpenLatency, s.window)
	s.closeLatencies = appendWindow(s.closeLatencies, rec.CloseLatency, s.window)
	s.last = rec
	return vol
}

// RecordFailure counts a transient failure and returns the consecutive count.
func (s *Stats) RecordFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	s.consecutiveFailures++
	return s.consecutiveFailures
}

func (s *Stats) ResetFailures() {
	s.mu.Lock()
	s.consecutiveFailures = 0
	s.mu.Unlock()
}

// SetEquity records combined account equity. The first call fixes the
// starting equity used for PnL.
func (s *Stats) SetEquity(equity float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasEquity {
		s.startEquity = equity
		s.hasEquity = true
	}
	s.equity = equity
}

func (s *Stats) Cycles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles
}

func (s *Stats) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := Summary{
		Cycles:              s.cycles,
		Volume:              s.volume,
		Failures:            s.failures,
		ConsecutiveFailures: s.consecutiveFailures,
		StartEquity:         s.startEquity,
		Equity:              s.equity,
		AvgOpenLatency:      average(s.openLatencies),
		AvgCloseLatency:     average(s.closeLatencies),
		LastCycle:           s.last,
	}
	if s.hasEquity {
		sum.PnL = s.equity - s.startEquity
		sum.PnLPer10k = PnLPer10k(sum.PnL, s.volume)
	}
	return sum
}

func appendWindow(values []time.Duration, v time.Duration, window int) []time.Duration {
	if v <= 0 {
		return values
	}
	values = append(values, v)
	if len(values) > window {
		values = values[len(values)-window:]
	}
	return values
}

func average(values []time.Duration) time.Duration {
	if len(values) == 0 {
		return 0
	}
	var total time.Duration
	for _, v := range values {
		total += v
	}
	return total / time.Duration(len(values))
}

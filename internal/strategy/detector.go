package strategy

import (
	"time"

	"zs-hedge-bot/internal/market"
)

type DetectorConfig struct {
	// Epsilon is the largest absolute spread treated as zero.
	Epsilon float64
	// ZeroSpreadPct, when positive, also treats spreads below this
	// percentage of mid as zero.
	ZeroSpreadPct      float64
	MinZeroDuration    time.Duration
	SprintWindow       time.Duration
	SprintMinDepth     float64
	EvalInterval       time.Duration
	SprintEvalInterval time.Duration
	Capacity           int
}

func (c DetectorConfig) IsZero(b market.BBO) bool {
	if b.Spread() <= c.Epsilon {
		return true
	}
	return c.ZeroSpreadPct > 0 && b.SpreadPct() < c.ZeroSpreadPct
}

func (c DetectorConfig) horizon() time.Duration {
	if c.MinZeroDuration > c.SprintWindow {
		return c.MinZeroDuration
	}
	return c.SprintWindow
}

type Transition struct {
	From     MarketState
	To       MarketState
	At       time.Time
	Snapshot market.BBO
	Stale    bool
}

// Classify derives the market state from a window of samples ordered oldest
// first. It depends only on its inputs.
func Classify(samples []Sample, cfg DetectorConfig) MarketState {
	return classify(len(samples), func(i int) Sample { return samples[i] }, cfg)
}

func classify(n int, at func(int) Sample, cfg DetectorConfig) MarketState {
	if n == 0 {
		return MarketNoWindow
	}
	newest := at(n - 1)
	if !newest.Zero {
		return MarketNoWindow
	}
	runStart := n - 1
	for runStart > 0 && at(runStart-1).Zero {
		runStart--
	}
	runFrom := at(runStart).At
	if cfg.MinZeroDuration > 0 && newest.At.Sub(runFrom) < cfg.MinZeroDuration {
		return MarketNoWindow
	}
	if cfg.SprintWindow > 0 && !runFrom.After(newest.At.Add(-cfg.SprintWindow)) && newest.MinDepth > cfg.SprintMinDepth {
		return MarketSprint
	}
	return MarketZeroSpread
}

// Detector classifies a stream of snapshots and reports state changes only.
// It is driven by a single goroutine and is not safe for concurrent use.
type Detector struct {
	cfg         DetectorConfig
	ring        *Ring
	state       MarketState
	lastEval    time.Time
	pending     bool
	accelerated bool
	latest      market.BBO
	hasLatest   bool
}

func NewDetector(cfg DetectorConfig) *Detector {
	return &Detector{cfg: cfg, ring: NewRing(cfg.Capacity), state: MarketNoWindow}
}

func (d *Detector) State() MarketState {
	return d.state
}

func (d *Detector) Config() DetectorConfig {
	return d.cfg
}

func (d *Detector) Latest() (market.BBO, bool) {
	return d.latest, d.hasLatest
}

// SetAccelerated switches between the normal and sprint re-evaluation
// intervals.
func (d *Detector) SetAccelerated(on bool) {
	d.accelerated = on
}

func (d *Detector) Accelerated() bool {
	return d.accelerated
}

func (d *Detector) interval() time.Duration {
	if d.accelerated {
		return d.cfg.SprintEvalInterval
	}
	return d.cfg.EvalInterval
}

// Observe ingests a snapshot. Invalid snapshots clear the window and force
// NO_WINDOW.
func (d *Detector) Observe(snap market.BBO) (Transition, bool) {
	if err := snap.Validate(); err != nil {
		d.ring.Reset()
		d.hasLatest = false
		d.pending = false
		return d.set(MarketNoWindow, snap.At, snap, false)
	}
	sample := Sample{
		At:       snap.At,
		Bid:      snap.Bid,
		Ask:      snap.Ask,
		BidSize:  snap.BidSize,
		AskSize:  snap.AskSize,
		Zero:     d.cfg.IsZero(snap),
		MinDepth: snap.MinDepth(),
	}
	if !d.ring.Push(sample) {
		return Transition{}, false
	}
	d.latest = snap
	d.hasLatest = true
	if h := d.cfg.horizon(); h > 0 {
		d.ring.EvictBefore(snap.At.Add(-h))
	}
	due := d.lastEval.IsZero() || snap.At.Sub(d.lastEval) >= d.interval()
	if !due && !(d.state.Actionable() && !sample.Zero) {
		d.pending = true
		return Transition{}, false
	}
	return d.evaluate(snap.At)
}

// Reevaluate classifies the window once the interval has elapsed since the
// last evaluation, if a snapshot has arrived since. It lets a caller's timer
// pick up a window whose last update came in between evaluations.
func (d *Detector) Reevaluate(now time.Time) (Transition, bool) {
	if !d.pending || now.Sub(d.lastEval) < d.interval() {
		return Transition{}, false
	}
	return d.evaluate(now)
}

func (d *Detector) evaluate(at time.Time) (Transition, bool) {
	d.lastEval = at
	d.pending = false
	return d.set(classify(d.ring.Len(), d.ring.At, d.cfg), at, d.latest, false)
}

// MarkStale clears the window and forces NO_WINDOW.
func (d *Detector) MarkStale(at time.Time) (Transition, bool) {
	d.ring.Reset()
	d.hasLatest = false
	d.lastEval = time.Time{}
	d.pending = false
	return d.set(MarketNoWindow, at, market.BBO{}, true)
}

// Reset clears the window after a gap in the snapshot stream.
func (d *Detector) Reset() {
	d.ring.Reset()
	d.lastEval = time.Time{}
	d.pending = false
}

// ZeroRun returns how long the current zero-spread run has lasted within the
// retained window.
func (d *Detector) ZeroRun() time.Duration {
	n := d.ring.Len()
	if n == 0 || !d.ring.Newest().Zero {
		return 0
	}
	i := n - 1
	for i > 0 && d.ring.At(i-1).Zero {
		i--
	}
	return d.ring.Newest().At.Sub(d.ring.At(i).At)
}

func (d *Detector) set(next MarketState, at time.Time, snap market.BBO, stale bool) (Transition, bool) {
	if next == d.state {
		return Transition{}, false
	}
	tr := Transition{From: d.state, To: next, At: at, Snapshot: snap, Stale: stale}
	d.state = next
	return tr, true
}

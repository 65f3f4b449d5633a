package strategy

import (
	"testing"
	"time"

	"zs-hedge-bot/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func snapAt(offset time.Duration, bid, ask, bidSize, askSize float64) market.BBO {
	return market.BBO{Instrument: "BTC-USD-PERP", Bid: bid, Ask: ask, BidSize: bidSize, AskSize: askSize, At: t0.Add(offset)}
}

func testDetectorConfig() DetectorConfig {
	return DetectorConfig{
		SprintWindow:   2 * time.Second,
		SprintMinDepth: 2,
		Capacity:       64,
	}
}

func TestDetectorZeroSpreadScenario(t *testing.T) {
	d := NewDetector(testDetectorConfig())
	tr, ok := d.Observe(snapAt(0, 100, 100, 5, 3))
	require.True(t, ok)
	assert.Equal(t, MarketNoWindow, tr.From)
	assert.Equal(t, MarketZeroSpread, tr.To)
	assert.Equal(t, MarketZeroSpread, d.State())
}

func TestDetectorEmitsTransitionsOnly(t *testing.T) {
	d := NewDetector(testDetectorConfig())
	_, ok := d.Observe(snapAt(0, 100, 100, 5, 3))
	require.True(t, ok)
	_, ok = d.Observe(snapAt(100*time.Millisecond, 100, 100, 5, 3))
	assert.False(t, ok, "unchanged state must not emit")
	tr, ok := d.Observe(snapAt(200*time.Millisecond, 99.5, 100, 5, 3))
	require.True(t, ok)
	assert.Equal(t, MarketNoWindow, tr.To)
}

func TestDetectorSprintNeedsPersistenceAndDepth(t *testing.T) {
	d := NewDetector(testDetectorConfig())
	var last MarketState
	for i := 0; i < 20; i++ {
		if tr, ok := d.Observe(snapAt(time.Duration(i)*100*time.Millisecond, 100, 100, 5, 3)); ok {
			last = tr.To
		}
	}
	assert.Equal(t, MarketZeroSpread, d.State(), "1.9s is shorter than the sprint window")
	tr, ok := d.Observe(snapAt(2100*time.Millisecond, 100, 100, 5, 3))
	require.True(t, ok)
	assert.Equal(t, MarketSprint, tr.To)
	assert.Equal(t, MarketZeroSpread, last)

	thin := NewDetector(testDetectorConfig())
	for i := 0; i <= 30; i++ {
		thin.Observe(snapAt(time.Duration(i)*100*time.Millisecond, 100, 100, 5, 1.5))
	}
	assert.Equal(t, MarketZeroSpread, thin.State(), "thin book never sprints")
}

func TestDetectorSprintBrokenByNonZeroSample(t *testing.T) {
	d := NewDetector(testDetectorConfig())
	for i := 0; i <= 30; i++ {
		d.Observe(snapAt(time.Duration(i)*100*time.Millisecond, 100, 100, 5, 5))
	}
	require.Equal(t, MarketSprint, d.State())
	tr, ok := d.Observe(snapAt(3100*time.Millisecond, 99, 100, 5, 5))
	require.True(t, ok)
	assert.Equal(t, MarketNoWindow, tr.To)
	tr, ok = d.Observe(snapAt(3200*time.Millisecond, 100, 100, 5, 5))
	require.True(t, ok)
	assert.Equal(t, MarketZeroSpread, tr.To, "sprint must restart its window after a break")
}

func TestDetectorMinZeroDuration(t *testing.T) {
	cfg := testDetectorConfig()
	cfg.MinZeroDuration = 300 * time.Millisecond
	d := NewDetector(cfg)
	_, ok := d.Observe(snapAt(0, 100, 100, 5, 3))
	assert.False(t, ok)
	_, ok = d.Observe(snapAt(200*time.Millisecond, 100, 100, 5, 3))
	assert.False(t, ok)
	tr, ok := d.Observe(snapAt(300*time.Millisecond, 100, 100, 5, 3))
	require.True(t, ok)
	assert.Equal(t, MarketZeroSpread, tr.To)
	assert.Equal(t, 300*time.Millisecond, d.ZeroRun())
}

func TestDetectorStaleForcesNoWindow(t *testing.T) {
	d := NewDetector(testDetectorConfig())
	d.Observe(snapAt(0, 100, 100, 5, 3))
	tr, ok := d.MarkStale(t0.Add(2 * time.Second))
	require.True(t, ok)
	assert.True(t, tr.Stale)
	assert.Equal(t, MarketNoWindow, d.State())
	_, ok = d.MarkStale(t0.Add(3 * time.Second))
	assert.False(t, ok)
	_, has := d.Latest()
	assert.False(t, has)
}

func TestDetectorInvalidSnapshotForcesNoWindow(t *testing.T) {
	d := NewDetector(testDetectorConfig())
	d.Observe(snapAt(0, 100, 100, 5, 3))
	tr, ok := d.Observe(snapAt(100*time.Millisecond, 101, 100, 5, 3))
	require.True(t, ok)
	assert.Equal(t, MarketNoWindow, tr.To)
}

func TestDetectorEvalIntervalThrottlesPromotion(t *testing.T) {
	cfg := testDetectorConfig()
	cfg.EvalInterval = 50 * time.Millisecond
	cfg.SprintEvalInterval = 10 * time.Millisecond
	d := NewDetector(cfg)
	d.Observe(snapAt(0, 99, 100, 5, 3))
	_, ok := d.Observe(snapAt(20*time.Millisecond, 100, 100, 5, 3))
	assert.False(t, ok, "promotion waits for the eval interval")
	tr, ok := d.Observe(snapAt(50*time.Millisecond, 100, 100, 5, 3))
	require.True(t, ok)
	assert.Equal(t, MarketZeroSpread, tr.To)
	tr, ok = d.Observe(snapAt(60*time.Millisecond, 99, 100, 5, 3))
	require.True(t, ok, "demotion is immediate")
	assert.Equal(t, MarketNoWindow, tr.To)

	d.SetAccelerated(true)
	d.Observe(snapAt(65*time.Millisecond, 100, 100, 5, 3))
	tr, ok = d.Observe(snapAt(70*time.Millisecond, 100, 100, 5, 3))
	require.True(t, ok, "sprint interval is shorter")
	assert.Equal(t, MarketZeroSpread, tr.To)
}

func TestDetectorReevaluatesWindowAfterLastUpdate(t *testing.T) {
	cfg := testDetectorConfig()
	cfg.EvalInterval = 50 * time.Millisecond
	d := NewDetector(cfg)
	d.Observe(snapAt(0, 99, 100, 100, 100))
	_, ok := d.Observe(snapAt(10*time.Millisecond, 100, 100, 100, 100))
	require.False(t, ok)
	assert.Equal(t, MarketNoWindow, d.State())

	_, ok = d.Reevaluate(t0.Add(30 * time.Millisecond))
	assert.False(t, ok, "interval not yet elapsed")

	tr, ok := d.Reevaluate(t0.Add(60 * time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, MarketZeroSpread, tr.To)
	assert.Equal(t, 100.0, tr.Snapshot.Bid)
	assert.Equal(t, Classify(d.ring.Samples(), cfg), d.State())

	_, ok = d.Reevaluate(t0.Add(200 * time.Millisecond))
	assert.False(t, ok, "nothing new since the last evaluation")
}

func TestDetectorResetDropsDeferredEvaluation(t *testing.T) {
	cfg := testDetectorConfig()
	cfg.EvalInterval = 50 * time.Millisecond
	d := NewDetector(cfg)
	d.Observe(snapAt(0, 99, 100, 5, 3))
	d.Observe(snapAt(10*time.Millisecond, 100, 100, 5, 3))
	d.MarkStale(t0.Add(20 * time.Millisecond))
	_, ok := d.Reevaluate(t0.Add(time.Second))
	assert.False(t, ok)
	assert.Equal(t, MarketNoWindow, d.State())
}

func TestClassifyIsDeterministic(t *testing.T) {
	cfg := testDetectorConfig()
	d := NewDetector(cfg)
	for i := 0; i <= 25; i++ {
		bid := 100.0
		if i%7 == 3 {
			bid = 99.9
		}
		d.Observe(snapAt(time.Duration(i)*100*time.Millisecond, bid, 100, 5, 5))
	}
	window := d.ring.Samples()
	first := Classify(window, cfg)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Classify(window, cfg))
	}
	assert.Equal(t, d.State(), first)
}

func TestZeroSpreadPctThreshold(t *testing.T) {
	cfg := DetectorConfig{ZeroSpreadPct: 0.001}
	assert.True(t, cfg.IsZero(market.BBO{Bid: 100000, Ask: 100000.5}))
	assert.False(t, cfg.IsZero(market.BBO{Bid: 100000, Ask: 100002}))
}

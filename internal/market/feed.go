package market

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultEventBuffer = 1024

type Stream interface {
	Subscribe(ctx context.Context, channel string) error
	Run(ctx context.Context, handler func([]byte)) error
}

// Sink receives every valid snapshot in arrival order. Implementations must
// not block.
type Sink interface {
	Record(snap BBO)
}

// Event is either a fresh snapshot or a stale-feed signal. Gap is set on the
// first snapshot delivered after the consumer fell behind and snapshots were
// dropped.
type Event struct {
	Snapshot BBO
	Stale    bool
	Gap      bool
	At       time.Time
}

type Feed struct {
	stream       Stream
	instrument   string
	staleTimeout time.Duration
	log          *zap.Logger
	now          func() time.Time

	events chan Event

	mu       sync.Mutex
	sinks    []Sink
	latest   BBO
	lastAt   time.Time
	stale    bool
	gap      bool
	dropped  uint64
	invalid  uint64
	received uint64
}

func NewFeed(stream Stream, instrument string, staleTimeout time.Duration, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{
		stream:       stream,
		instrument:   instrument,
		staleTimeout: staleTimeout,
		log:          log,
		now:          time.Now,
		events:       make(chan Event, defaultEventBuffer),
	}
}

func (f *Feed) AddSink(s Sink) {
	if s == nil {
		return
	}
	f.mu.Lock()
	f.sinks = append(f.sinks, s)
	f.mu.Unlock()
}

func (f *Feed) Events() <-chan Event {
	return f.events
}

func (f *Feed) Channel() string {
	return "bbo." + f.instrument
}

// Start subscribes and runs the stream and stale watchdog until ctx ends.
func (f *Feed) Start(ctx context.Context) error {
	if err := f.stream.Subscribe(ctx, f.Channel()); err != nil {
		return err
	}
	go func() {
		if err := f.stream.Run(ctx, f.handle); err != nil && ctx.Err() == nil {
			f.log.Error("bbo stream stopped", zap.Error(err))
		}
	}()
	go f.watchdog(ctx)
	return nil
}

func (f *Feed) Latest() (BBO, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, !f.lastAt.IsZero()
}

type FeedStats struct {
	Received uint64
	Invalid  uint64
	Dropped  uint64
	LastAt   time.Time
	Stale    bool
}

func (f *Feed) Stats() FeedStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FeedStats{Received: f.received, Invalid: f.invalid, Dropped: f.dropped, LastAt: f.lastAt, Stale: f.stale}
}

func (f *Feed) handle(data []byte) {
	snap, ok, err := parseBBOFrame(data, f.now())
	if err != nil {
		f.log.Debug("bbo decode error", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	f.Publish(snap)
}

// Publish validates snap and forwards it. Invalid snapshots and other
// instruments are dropped.
func (f *Feed) Publish(snap BBO) {
	if snap.Instrument != "" && f.instrument != "" && snap.Instrument != f.instrument {
		return
	}
	if err := snap.Validate(); err != nil {
		f.mu.Lock()
		f.invalid++
		f.mu.Unlock()
		f.log.Debug("bbo dropped", zap.Error(err))
		return
	}
	f.mu.Lock()
	if !f.lastAt.IsZero() && snap.At.Before(f.lastAt) {
		f.mu.Unlock()
		return
	}
	f.received++
	f.latest = snap
	f.lastAt = snap.At
	wasStale := f.stale
	f.stale = false
	gap := f.gap
	sinks := append([]Sink(nil), f.sinks...)
	f.mu.Unlock()

	if wasStale {
		f.log.Info("bbo feed recovered")
	}
	for _, s := range sinks {
		s.Record(snap)
	}
	select {
	case f.events <- Event{Snapshot: snap, Gap: gap, At: snap.At}:
		if gap {
			f.mu.Lock()
			f.gap = false
			f.mu.Unlock()
		}
	default:
		f.mu.Lock()
		f.dropped++
		f.gap = true
		f.mu.Unlock()
	}
}

func (f *Feed) watchdog(ctx context.Context) {
	if f.staleTimeout <= 0 {
		return
	}
	interval := f.staleTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	started := f.now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.checkStale(ctx, started)
		}
	}
}

func (f *Feed) checkStale(ctx context.Context, started time.Time) {
	now := f.now()
	f.mu.Lock()
	last := f.lastAt
	if last.IsZero() {
		last = started
	}
	if f.stale || now.Sub(last) <= f.staleTimeout {
		f.mu.Unlock()
		return
	}
	f.stale = true
	f.mu.Unlock()
	f.log.Warn("bbo feed stale", zap.Duration("age", now.Sub(last)), zap.Duration("timeout", f.staleTimeout))
	select {
	case f.events <- Event{Stale: true, At: now}:
	case <-ctx.Done():
	}
}

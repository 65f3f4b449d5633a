// Package ratelimit enforces per-account order submission ceilings over
// rolling minute, hour and day windows plus a minimum inter-order gap.
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
	dayWindow    = 24 * time.Hour
)

type Limits struct {
	PerMinute int
	PerHour   int
	PerDay    int
	MinGap    time.Duration
}

type Usage struct {
	Minute    int
	Hour      int
	Day       int
	LastAdmit time.Time
}

// Governor is safe for concurrent use. All admission decisions for all
// accounts are serialized through one mutex so a pair check is atomic.
type Governor struct {
	mu       sync.Mutex
	limits   Limits
	now      func() time.Time
	accounts map[string][]time.Time
	log      *zap.Logger
}

func New(limits Limits, log *zap.Logger) *Governor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Governor{
		limits:   limits,
		now:      time.Now,
		accounts: make(map[string][]time.Time),
		log:      log,
	}
}

// SetClock replaces the time source. Intended for tests.
func (g *Governor) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}

func (g *Governor) Admit(accountID string) bool {
	return g.AdmitAll(accountID)
}

// AdmitAll admits one submission for every listed account or none of them.
func (g *Governor) AdmitAll(accountIDs ...string) bool {
	if len(accountIDs) == 0 {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	pending := make(map[string]int, len(accountIDs))
	for _, id := range accountIDs {
		stamps := g.prune(id, now)
		if pending[id] > 0 && g.limits.MinGap > 0 {
			g.log.Debug("rate admission denied", zap.String("account", id), zap.String("reason", "duplicate in batch"))
			return false
		}
		if wait := g.delayLocked(stamps, pending[id]+1, now); wait > 0 {
			g.log.Debug("rate admission denied", zap.String("account", id), zap.Duration("retry_in", wait))
			return false
		}
		pending[id]++
	}
	for _, id := range accountIDs {
		g.accounts[id] = append(g.accounts[id], now)
	}
	return true
}

// Wait blocks until a single submission for accountID is admitted or ctx ends.
func (g *Governor) Wait(ctx context.Context, accountID string) error {
	for {
		if g.Admit(accountID) {
			return nil
		}
		delay := g.NextAdmission(accountID)
		if delay <= 0 {
			delay = time.Millisecond
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// NextAdmission reports how long until accountID could be admitted again.
func (g *Governor) NextAdmission(accountID string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	return g.delayLocked(g.prune(accountID, now), 1, now)
}

func (g *Governor) Usage(accountID string) Usage {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	stamps := g.prune(accountID, now)
	usage := Usage{
		Minute: countSince(stamps, now.Add(-minuteWindow)),
		Hour:   countSince(stamps, now.Add(-hourWindow)),
		Day:    len(stamps),
	}
	if len(stamps) > 0 {
		usage.LastAdmit = stamps[len(stamps)-1]
	}
	return usage
}

func (g *Governor) Limits() Limits {
	return g.limits
}

// Export returns a copy of the admission history within the day window.
func (g *Governor) Export() map[string][]time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	out := make(map[string][]time.Time, len(g.accounts))
	for id := range g.accounts {
		stamps := g.prune(id, now)
		if len(stamps) == 0 {
			continue
		}
		out[id] = append([]time.Time(nil), stamps...)
	}
	return out
}

// Restore merges a previously exported history. Stamps older than a day or
// in the future are discarded.
func (g *Governor) Restore(history map[string][]time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for id, stamps := range history {
		merged := append([]time.Time(nil), g.accounts[id]...)
		for _, ts := range stamps {
			if ts.After(now) || !ts.After(now.Add(-dayWindow)) {
				continue
			}
			merged = append(merged, ts)
		}
		sort.Slice(merged, func(i, j int) bool { return merged[i].Before(merged[j]) })
		g.accounts[id] = merged
	}
}

func (g *Governor) prune(accountID string, now time.Time) []time.Time {
	stamps := g.accounts[accountID]
	cutoff := now.Add(-dayWindow)
	idx := 0
	for idx < len(stamps) && !stamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		stamps = append(stamps[:0:0], stamps[idx:]...)
		g.accounts[accountID] = stamps
	}
	return stamps
}

// delayLocked returns the wait before extra more submissions fit in every
// window. Zero means admissible now.
func (g *Governor) delayLocked(stamps []time.Time, extra int, now time.Time) time.Duration {
	var delay time.Duration
	if g.limits.MinGap > 0 && len(stamps) > 0 {
		if d := stamps[len(stamps)-1].Add(g.limits.MinGap).Sub(now); d > delay {
			delay = d
		}
	}
	windows := []struct {
		limit  int
		window time.Duration
	}{
		{g.limits.PerMinute, minuteWindow},
		{g.limits.PerHour, hourWindow},
		{g.limits.PerDay, dayWindow},
	}
	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		if extra > w.limit {
			return w.window
		}
		inWindow := stamps[firstAfter(stamps, now.Add(-w.window)):]
		over := len(inWindow) + extra - w.limit
		if over <= 0 {
			continue
		}
		// The window frees up once the oldest `over` stamps age out.
		if d := inWindow[over-1].Add(w.window).Sub(now); d > delay {
			delay = d
		}
	}
	return delay
}

func firstAfter(stamps []time.Time, cutoff time.Time) int {
	return sort.Search(len(stamps), func(i int) bool { return stamps[i].After(cutoff) })
}

func countSince(stamps []time.Time, cutoff time.Time) int {
	return len(stamps) - firstAfter(stamps, cutoff)
}

package state

import (
	"context"
	"sort"
	"time"
)

const RateHistoryKey = "rate:history"

// SaveRateHistory persists admission timestamps per account in unix
// milliseconds.
func SaveRateHistory(ctx context.Context, store Store, history map[string][]time.Time) error {
	encoded := make(map[string][]int64, len(history))
	for id, stamps := range history {
		ms := make([]int64, 0, len(stamps))
		for _, ts := range stamps {
			ms = append(ms, ts.UnixMilli())
		}
		encoded[id] = ms
	}
	return saveJSON(ctx, store, RateHistoryKey, encoded)
}

// LoadRateHistory returns the persisted history, dropping stamps older than
// horizon relative to now.
func LoadRateHistory(ctx context.Context, store Store, now time.Time, horizon time.Duration) (map[string][]time.Time, error) {
	encoded, ok, err := loadJSON[map[string][]int64](ctx, store, RateHistoryKey)
	if err != nil || !ok {
		return nil, err
	}
	cutoff := now.Add(-horizon)
	out := make(map[string][]time.Time, len(encoded))
	for id, ms := range encoded {
		stamps := make([]time.Time, 0, len(ms))
		for _, v := range ms {
			ts := time.UnixMilli(v)
			if ts.After(cutoff) && !ts.After(now) {
				stamps = append(stamps, ts)
			}
		}
		sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })
		if len(stamps) > 0 {
			out[id] = stamps
		}
	}
	return out, nil
}

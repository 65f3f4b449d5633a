package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"zs-hedge-bot/internal/strategy"
)

type memoryStore struct {
	mu    sync.Mutex
	items map[string]string
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.items[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = make(map[string]string)
	}
	m.items[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

func TestCycleSnapshotRoundTrip(t *testing.T) {
	store := &memoryStore{}
	ctx := context.Background()
	opened := time.UnixMilli(1700000000000).UTC()
	snapshot := CycleSnapshot{
		Instrument: "BTC-USD-PERP",
		State:      strategy.StateOpen,
		Direction:  strategy.DirectionAShort,
		Pair: &strategy.HedgePair{
			Instrument: "BTC-USD-PERP",
			Direction:  strategy.DirectionAShort,
			A:          strategy.Leg{Account: "A", Side: strategy.SideSell, Size: 1.5, Price: 100},
			B:          strategy.Leg{Account: "B", Side: strategy.SideBuy, Size: 1.5, Price: 100},
			OpenedAt:   opened,
		},
		Cycles:      7,
		Volume:      4200,
		UpdatedAtMS: 12345,
	}
	if err := SaveCycleSnapshot(ctx, store, snapshot); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	loaded, ok, err := LoadCycleSnapshot(ctx, store)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if !ok {
		t.Fatalf("expected snapshot to exist")
	}
	if loaded.State != strategy.StateOpen || loaded.Cycles != 7 || loaded.Volume != 4200 {
		t.Fatalf("unexpected snapshot %+v", loaded)
	}
	if loaded.Pair == nil || loaded.Pair.A.Size != 1.5 || !loaded.Pair.OpenedAt.Equal(opened) {
		t.Fatalf("unexpected pair %+v", loaded.Pair)
	}
	if loaded.Halted() {
		t.Fatalf("open snapshot must not be halted")
	}
}

func TestLoadCycleSnapshotMissing(t *testing.T) {
	_, ok, err := LoadCycleSnapshot(context.Background(), &memoryStore{})
	if err != nil || ok {
		t.Fatalf("expected missing snapshot, got ok=%v err=%v", ok, err)
	}
	_, ok, err = LoadCycleSnapshot(context.Background(), nil)
	if err != nil || ok {
		t.Fatalf("expected nil store to be empty, got ok=%v err=%v", ok, err)
	}
}

func TestRateHistoryDropsExpiredStamps(t *testing.T) {
	store := &memoryStore{}
	ctx := context.Background()
	now := time.UnixMilli(1700000000000)
	history := map[string][]time.Time{
		"A": {now.Add(-25 * time.Hour), now.Add(-time.Hour), now.Add(-time.Second)},
		"B": {now.Add(-48 * time.Hour)},
	}
	if err := SaveRateHistory(ctx, store, history); err != nil {
		t.Fatalf("save history: %v", err)
	}
	loaded, err := LoadRateHistory(ctx, store, now, 24*time.Hour)
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	if len(loaded["A"]) != 2 {
		t.Fatalf("expected 2 stamps for A, got %v", loaded["A"])
	}
	if _, ok := loaded["B"]; ok {
		t.Fatalf("expected B to be dropped")
	}
	if !loaded["A"][0].Equal(now.Add(-time.Hour)) {
		t.Fatalf("unexpected first stamp %v", loaded["A"][0])
	}
}

func TestOperatorOffsetAndAudit(t *testing.T) {
	store := &memoryStore{}
	ctx := context.Background()
	if got := LoadOperatorOffset(ctx, store); got != 0 {
		t.Fatalf("expected zero offset, got %d", got)
	}
	if err := SaveOperatorOffset(ctx, store, 42); err != nil {
		t.Fatalf("save offset: %v", err)
	}
	if got := LoadOperatorOffset(ctx, store); got != 42 {
		t.Fatalf("expected offset 42, got %d", got)
	}
	store.items[OperatorOffsetKey] = "garbage"
	if got := LoadOperatorOffset(ctx, store); got != 0 {
		t.Fatalf("expected invalid offset to reset, got %d", got)
	}
	if err := AppendAudit(ctx, store, AuditEvent{UpdateID: 9, Action: "pause"}); err != nil {
		t.Fatalf("append audit: %v", err)
	}
	found := 0
	for key := range store.items {
		if len(key) > len(AuditPrefix) && key[:len(AuditPrefix)] == AuditPrefix {
			found++
		}
	}
	if found != 1 {
		t.Fatalf("expected one audit entry, got %d", found)
	}
	events, err := RecentAudit(ctx, store, 10)
	if err != nil || events != nil {
		t.Fatalf("expected no listing for plain store, got %v %v", events, err)
	}
}

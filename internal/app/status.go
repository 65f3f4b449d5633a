package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"zs-hedge-bot/internal/config"
	"zs-hedge-bot/internal/ratelimit"
	"zs-hedge-bot/internal/state"
	"zs-hedge-bot/internal/strategy"
)

var (
	ErrNotHalted    = errors.New("bot is not halted")
	ErrPairRecorded = errors.New("halted with a recorded pair; flatten both accounts and rerun with --force")
)

// StoredStatus renders the persisted controller record without touching
// the venue.
func StoredStatus(ctx context.Context, store state.Store, cfg *config.Config) (string, error) {
	snap, ok, err := state.LoadCycleSnapshot(ctx, store)
	if err != nil {
		return "", fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		return "no state recorded", nil
	}
	lines := []string{
		fmt.Sprintf("instrument: %s", snap.Instrument),
		fmt.Sprintf("state: %s", snap.State),
		fmt.Sprintf("direction: %s", snap.Direction),
		fmt.Sprintf("paused: %t", snap.Paused),
		fmt.Sprintf("cycles: %d", snap.Cycles),
		fmt.Sprintf("volume: %.2f", snap.Volume),
		fmt.Sprintf("consecutive_failures: %d", snap.Failures),
		fmt.Sprintf("updated: %s", snap.UpdatedAt().Format(time.RFC3339)),
	}
	if snap.HaltReason != "" {
		lines = append(lines, fmt.Sprintf("halt_reason: %s", snap.HaltReason))
	}
	if p := snap.Pair; p != nil {
		lines = append(lines, fmt.Sprintf("pair: %s size %.8f entry %.6f opened %s",
			p.Direction, p.Size(), p.EntryPrice(), p.OpenedAt.UTC().Format(time.RFC3339)))
	}

	now := time.Now()
	history, err := state.LoadRateHistory(ctx, store, now, rateHistoryHorizon)
	if err != nil {
		return "", fmt.Errorf("load rate history: %w", err)
	}
	gov := ratelimit.New(ratelimit.Limits{
		PerMinute: cfg.Rate.PerMinute,
		PerHour:   cfg.Rate.PerHour,
		PerDay:    cfg.Rate.PerDay,
		MinGap:    cfg.Rate.MinGap,
	}, nil)
	gov.Restore(history)
	for _, name := range []string{cfg.Accounts.A.Name, cfg.Accounts.B.Name} {
		lines = append(lines, formatUsage(name, gov.Usage(name)))
	}
	return strings.Join(lines, "\n"), nil
}

// ClearHalt returns a halted record to IDLE. A recorded pair blocks the
// clear unless force is set, in which case the pair is dropped and the next
// start reconciles against live positions.
func ClearHalt(ctx context.Context, store state.Store, force bool) (state.CycleSnapshot, error) {
	snap, ok, err := state.LoadCycleSnapshot(ctx, store)
	if err != nil {
		return state.CycleSnapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	if !ok || !snap.Halted() {
		return snap, ErrNotHalted
	}
	if snap.Pair != nil && !force {
		return snap, ErrPairRecorded
	}
	snap.State = strategy.StateIdle
	snap.HaltReason = ""
	snap.Failures = 0
	snap.Pair = nil
	snap.UpdatedAtMS = time.Now().UnixMilli()
	if err := state.SaveCycleSnapshot(ctx, store, snap); err != nil {
		return snap, fmt.Errorf("save snapshot: %w", err)
	}
	return snap, nil
}

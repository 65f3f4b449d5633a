package state

import (
	"context"
	"time"

	"zs-hedge-bot/internal/strategy"
)

const CycleSnapshotKey = "cycle:snapshot"

// CycleSnapshot is the persisted controller record used for startup
// reconciliation and the status command.
type CycleSnapshot struct {
	Instrument  string              `json:"instrument"`
	State       strategy.State      `json:"state"`
	Direction   strategy.Direction  `json:"direction"`
	Pair        *strategy.HedgePair `json:"pair,omitempty"`
	Cycles      int                 `json:"cycles"`
	Volume      float64             `json:"volume"`
	Failures    int                 `json:"consecutive_failures"`
	Paused      bool                `json:"paused"`
	HaltReason  string              `json:"halt_reason,omitempty"`
	UpdatedAtMS int64               `json:"updated_at_ms"`
}

func (s CycleSnapshot) Halted() bool {
	return s.State == strategy.StateHalted
}

func (s CycleSnapshot) UpdatedAt() time.Time {
	if s.UpdatedAtMS == 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.UpdatedAtMS).UTC()
}

func LoadCycleSnapshot(ctx context.Context, store Store) (CycleSnapshot, bool, error) {
	return loadJSON[CycleSnapshot](ctx, store, CycleSnapshotKey)
}

func SaveCycleSnapshot(ctx context.Context, store Store, snapshot CycleSnapshot) error {
	if snapshot.UpdatedAtMS == 0 {
		snapshot.UpdatedAtMS = time.Now().UnixMilli()
	}
	return saveJSON(ctx, store, CycleSnapshotKey, snapshot)
}

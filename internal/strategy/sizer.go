package strategy

import (
	"errors"
	"fmt"

	"zs-hedge-bot/internal/market"

	"github.com/shopspring/decimal"
)

var ErrTooThin = errors.New("window too thin")

type SizerConfig struct {
	MaxDepthFraction   float64
	MinSize            float64
	MaxSize            float64
	SizeStep           float64
	MinDepthMultiplier float64
	MaxSlippageBps     float64
}

type Sizer struct {
	cfg SizerConfig
}

func NewSizer(cfg SizerConfig) Sizer {
	return Sizer{cfg: cfg}
}

// Size computes min(bid size, ask size) * fraction, capped at MaxSize and
// rounded down to SizeStep. Results below MinSize return ErrTooThin.
func (s Sizer) Size(snap market.BBO) (float64, error) {
	depth := snap.MinDepth()
	raw := decimal.NewFromFloat(depth).Mul(decimal.NewFromFloat(s.cfg.MaxDepthFraction))
	if s.cfg.MaxSize > 0 {
		raw = decimal.Min(raw, decimal.NewFromFloat(s.cfg.MaxSize))
	}
	if s.cfg.SizeStep > 0 {
		step := decimal.NewFromFloat(s.cfg.SizeStep)
		raw = raw.Div(step).Floor().Mul(step)
	}
	size := raw.InexactFloat64()
	if size < s.cfg.MinSize || size <= 0 {
		return 0, fmt.Errorf("%w: size %v below min %v (depth %v)", ErrTooThin, size, s.cfg.MinSize, depth)
	}
	if s.cfg.MinDepthMultiplier > 0 && depth < size*s.cfg.MinDepthMultiplier {
		return 0, fmt.Errorf("%w: depth %v below %v x size %v", ErrTooThin, depth, s.cfg.MinDepthMultiplier, size)
	}
	return size, nil
}

// Plan sizes a pair for snap. The plan is tied to snap's timestamp.
func (s Sizer) Plan(snap market.BBO, dir Direction) (Plan, error) {
	if err := snap.Validate(); err != nil {
		return Plan{}, err
	}
	size, err := s.Size(snap)
	if err != nil {
		return Plan{}, err
	}
	return Plan{
		Instrument:     snap.Instrument,
		Size:           size,
		Direction:      dir,
		MaxSlippageBps: s.cfg.MaxSlippageBps,
		Bid:            snap.Bid,
		Ask:            snap.Ask,
		SnapshotAt:     snap.At,
	}, nil
}

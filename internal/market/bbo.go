package market

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var ErrInvalidBBO = errors.New("invalid bbo")

// BBO is an immutable top-of-book snapshot. At is the local receive time;
// ExchangeAt is the venue timestamp when the frame carried one.
type BBO struct {
	Instrument string
	Bid        float64
	BidSize    float64
	Ask        float64
	AskSize    float64
	At         time.Time
	ExchangeAt time.Time
}

func (b BBO) Validate() error {
	if b.Bid <= 0 || b.Ask <= 0 {
		return fmt.Errorf("%w: missing side bid=%v ask=%v", ErrInvalidBBO, b.Bid, b.Ask)
	}
	if b.BidSize < 0 || b.AskSize < 0 {
		return fmt.Errorf("%w: negative size", ErrInvalidBBO)
	}
	if b.Bid > b.Ask {
		return fmt.Errorf("%w: crossed book bid=%v ask=%v", ErrInvalidBBO, b.Bid, b.Ask)
	}
	if b.At.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidBBO)
	}
	for _, v := range []float64{b.Bid, b.Ask, b.BidSize, b.AskSize} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value", ErrInvalidBBO)
		}
	}
	return nil
}

func (b BBO) Spread() float64 {
	return b.Ask - b.Bid
}

func (b BBO) Mid() float64 {
	return (b.Bid + b.Ask) / 2
}

// SpreadPct is the spread as a percentage of mid.
func (b BBO) SpreadPct() float64 {
	mid := b.Mid()
	if mid <= 0 {
		return 0
	}
	return b.Spread() / mid * 100
}

// MinDepth is the thinner of the two top-of-book sizes.
func (b BBO) MinDepth() float64 {
	return math.Min(b.BidSize, b.AskSize)
}

package strategy

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrMarketStale   = errors.New("market data stale")
	ErrPlanStale     = errors.New("plan superseded by newer snapshot")
	ErrSameSignLegs  = errors.New("pair legs share a sign")
	ErrLegMissing    = errors.New("pair has a single leg")
	ErrLegsMismatch  = errors.New("pair legs differ in size")
	ErrUnexpectedPos = errors.New("unexpected position while flat")
)

func CheckConnectivity(maxAge, marketAge time.Duration) error {
	if maxAge > 0 && marketAge > maxAge {
		return fmt.Errorf("market data age %s exceeds %s: %w", marketAge, maxAge, ErrMarketStale)
	}
	return nil
}

// CheckPlanFresh rejects a plan computed from an older snapshot than latest.
func CheckPlanFresh(plan Plan, latest time.Time) error {
	if latest.After(plan.SnapshotAt) {
		return fmt.Errorf("plan at %s, latest %s: %w", plan.SnapshotAt.Format(time.RFC3339Nano), latest.Format(time.RFC3339Nano), ErrPlanStale)
	}
	return nil
}

// CheckPositions validates live signed positions for both accounts. When
// expectOpen is false both must be flat; otherwise they must be of opposite
// sign and equal within tol.
func CheckPositions(posA, posB float64, expectOpen bool, tol float64) error {
	flatA := math.Abs(posA) <= tol
	flatB := math.Abs(posB) <= tol
	if !expectOpen {
		if flatA && flatB {
			return nil
		}
		return fmt.Errorf("a=%v b=%v: %w", posA, posB, ErrUnexpectedPos)
	}
	switch {
	case flatA && flatB:
		return fmt.Errorf("a=%v b=%v: %w", posA, posB, ErrLegMissing)
	case flatA != flatB:
		return fmt.Errorf("a=%v b=%v: %w", posA, posB, ErrLegMissing)
	case (posA > 0) == (posB > 0):
		return fmt.Errorf("a=%v b=%v: %w", posA, posB, ErrSameSignLegs)
	case math.Abs(math.Abs(posA)-math.Abs(posB)) > tol:
		return fmt.Errorf("a=%v b=%v: %w", posA, posB, ErrLegsMismatch)
	}
	return nil
}

// MatchesPair reports whether live positions equal the recorded pair legs.
func MatchesPair(pair HedgePair, posA, posB, tol float64) bool {
	return math.Abs(posA-pair.A.Signed()) <= tol && math.Abs(posB-pair.B.Signed()) <= tol
}

func HoldExpired(pair HedgePair, now time.Time, maxHold time.Duration) bool {
	if maxHold <= 0 || pair.OpenedAt.IsZero() {
		return false
	}
	return now.Sub(pair.OpenedAt) >= maxHold
}

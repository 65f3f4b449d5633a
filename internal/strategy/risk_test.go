package strategy

import (
	"errors"
	"testing"
	"time"
)

func TestCheckConnectivity(t *testing.T) {
	if err := CheckConnectivity(time.Second, 2*time.Second); !errors.Is(err, ErrMarketStale) {
		t.Fatalf("expected market staleness error, got %v", err)
	}
	if err := CheckConnectivity(time.Second, 500*time.Millisecond); err != nil {
		t.Fatalf("expected connectivity ok, got %v", err)
	}
	if err := CheckConnectivity(0, time.Hour); err != nil {
		t.Fatalf("zero max age disables the check, got %v", err)
	}
}

func TestCheckPlanFresh(t *testing.T) {
	now := time.Now()
	plan := Plan{SnapshotAt: now}
	if err := CheckPlanFresh(plan, now); err != nil {
		t.Fatalf("expected fresh plan, got %v", err)
	}
	if err := CheckPlanFresh(plan, now.Add(time.Millisecond)); !errors.Is(err, ErrPlanStale) {
		t.Fatalf("expected stale plan error, got %v", err)
	}
}

func TestCheckPositions(t *testing.T) {
	const tol = 1e-9
	cases := []struct {
		name       string
		a, b       float64
		expectOpen bool
		want       error
	}{
		{"flat", 0, 0, false, nil},
		{"unexpected", 1, 0, false, ErrUnexpectedPos},
		{"hedged", 1.5, -1.5, true, nil},
		{"hedged reversed", -1.5, 1.5, true, nil},
		{"single leg", 1.5, 0, true, ErrLegMissing},
		{"both missing", 0, 0, true, ErrLegMissing},
		{"same sign", 1.5, 1.5, true, ErrSameSignLegs},
		{"mismatch", 1.5, -1.2, true, ErrLegsMismatch},
	}
	for _, tc := range cases {
		err := CheckPositions(tc.a, tc.b, tc.expectOpen, tol)
		if tc.want == nil && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestMatchesPairAndHold(t *testing.T) {
	opened := time.Now()
	pair := HedgePair{
		Direction: DirectionAShort,
		A:         Leg{Account: "A", Side: SideSell, Size: 2},
		B:         Leg{Account: "B", Side: SideBuy, Size: 2},
		OpenedAt:  opened,
	}
	if !MatchesPair(pair, -2, 2, 1e-9) {
		t.Fatalf("expected positions to match pair")
	}
	if MatchesPair(pair, 2, -2, 1e-9) {
		t.Fatalf("reversed positions must not match")
	}
	if HoldExpired(pair, opened.Add(10*time.Second), 30*time.Second) {
		t.Fatalf("hold should not be expired")
	}
	if !HoldExpired(pair, opened.Add(30*time.Second), 30*time.Second) {
		t.Fatalf("hold should be expired")
	}
	if HoldExpired(pair, opened.Add(time.Hour), 0) {
		t.Fatalf("zero max hold disables forced close")
	}
}

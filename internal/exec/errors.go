package exec

import (
	"errors"
	"fmt"

	"zs-hedge-bot/internal/strategy"
)

var (
	// ErrDeferred means the rate governor denied the pair; nothing was sent.
	ErrDeferred = errors.New("pair deferred by rate governor")
	// ErrLegRejected means the attempt failed without leaving exposure
	// beyond a balanced pair.
	ErrLegRejected = errors.New("pair leg rejected")
	// ErrHalfOpen means exactly one leg carries exposure after unwinding
	// failed.
	ErrHalfOpen = errors.New("pair half open")
	// ErrImbalanced means both legs carry exposure of different sizes
	// after trimming failed.
	ErrImbalanced = errors.New("pair legs imbalanced")
)

// PairError describes the exposure left behind by a failed open or close.
type PairError struct {
	Kind error
	Pair strategy.HedgePair
	Err  error
}

func (e *PairError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v (a=%.8f b=%.8f)", e.Kind, e.Pair.A.Size, e.Pair.B.Size)
	}
	return fmt.Sprintf("%v (a=%.8f b=%.8f): %v", e.Kind, e.Pair.A.Size, e.Pair.B.Size, e.Err)
}

func (e *PairError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Exposure returns the pair carried by err, if any.
func Exposure(err error) (strategy.HedgePair, bool) {
	var pe *PairError
	if errors.As(err, &pe) {
		return pe.Pair, true
	}
	return strategy.HedgePair{}, false
}

// Fatal reports whether err leaves the accounts in a state that requires
// operator intervention.
func Fatal(err error) bool {
	return errors.Is(err, ErrHalfOpen) || errors.Is(err, ErrImbalanced)
}

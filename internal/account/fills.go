package account

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ConfirmFill polls the order until it is terminal or timeout elapses.
// Transient query failures are retried. On timeout the last observed fill
// is returned with ErrFillTimeout.
func ConfirmFill(ctx context.Context, s Session, orderID string, timeout, poll time.Duration) (Fill, error) {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	last := Fill{OrderID: orderID, Pending: true}
	for {
		fill, err := s.GetFill(ctx, orderID)
		switch {
		case err == nil:
			last = fill
			if !fill.Pending {
				return fill, nil
			}
		case errors.Is(err, ErrTransient):
		default:
			return last, err
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			return last, fmt.Errorf("%w: order %s on %s after %s", ErrFillTimeout, orderID, s.ID(), timeout)
		case <-time.After(poll):
		}
	}
}

// SettleOrder confirms an order and cancels any remainder that did not
// fill in time. The returned fill reflects the final filled size.
func SettleOrder(ctx context.Context, s Session, orderID string, timeout, poll time.Duration) (Fill, error) {
	fill, err := ConfirmFill(ctx, s, orderID, timeout, poll)
	if err == nil || !errors.Is(err, ErrFillTimeout) {
		return fill, err
	}
	if cancelErr := s.CancelOrder(ctx, orderID); cancelErr != nil {
		return fill, fmt.Errorf("cancel after timeout: %w", cancelErr)
	}
	final, err := ConfirmFill(ctx, s, orderID, timeout, poll)
	if err != nil {
		return final, err
	}
	final.Canceled = true
	return final, nil
}

package account

import (
	"context"
	"errors"
	"math"

	"zs-hedge-bot/internal/strategy"
)

var (
	ErrAuth        = errors.New("account authentication failed")
	ErrRejected    = errors.New("order rejected")
	ErrTransient   = errors.New("transient account failure")
	ErrFillTimeout = errors.New("fill confirmation timed out")
)

// OrderRequest is a taker order for one leg. A positive WorstPrice bounds
// slippage; zero submits at market.
type OrderRequest struct {
	Instrument string
	Side       strategy.Side
	Size       float64
	WorstPrice float64
	ReduceOnly bool
	ClientID   string
}

// Fill is the execution state of one order.
type Fill struct {
	OrderID    string
	FilledSize float64
	Price      float64
	Pending    bool
	Canceled   bool
}

func (f Fill) Complete(size, tol float64) bool {
	return !f.Pending && math.Abs(f.FilledSize-size) <= tol
}

// Session is one independently authenticated trading account.
type Session interface {
	ID() string
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetFill(ctx context.Context, orderID string) (Fill, error)
	// FindOrder resolves a client order id to the venue order id, if the
	// venue accepted it.
	FindOrder(ctx context.Context, clientID string) (string, bool, error)
	Position(ctx context.Context, instrument string) (float64, error)
	Balance(ctx context.Context) (float64, error)
}

// Retriable reports whether err may succeed on a later attempt.
func Retriable(err error) bool {
	return errors.Is(err, ErrTransient)
}

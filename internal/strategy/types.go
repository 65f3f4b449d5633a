package strategy

import (
	"time"
)

type MarketState string

const (
	MarketNoWindow   MarketState = "NO_WINDOW"
	MarketZeroSpread MarketState = "ZERO_SPREAD"
	MarketSprint     MarketState = "SPRINT"
)

// Actionable reports whether the state opens or closes a pair.
func (s MarketState) Actionable() bool {
	return s == MarketZeroSpread || s == MarketSprint
}

type State string

type Event string

const (
	StateIdle        State = "IDLE"
	StateSizing      State = "SIZING"
	StateOpening     State = "OPENING"
	StateOpen        State = "OPEN"
	StateClosing     State = "CLOSING"
	StateAlternating State = "ALTERNATING"
	StateHalted      State = "HALTED"
)

const (
	EventWindow       Event = "WINDOW"
	EventPlanReady    Event = "PLAN_READY"
	EventTooThin      Event = "TOO_THIN"
	EventOpened       Event = "OPENED"
	EventOpenDeferred Event = "OPEN_DEFERRED"
	EventOpenFailed   Event = "OPEN_FAILED"
	EventForceClose   Event = "FORCE_CLOSE"
	EventClosed       Event = "CLOSED"
	EventCloseFailed  Event = "CLOSE_FAILED"
	EventFlipped      Event = "FLIPPED"
	EventHalt         Event = "HALT"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == SideBuy {
		return 1
	}
	return -1
}

// Direction names which account carries the long leg.
type Direction string

const (
	DirectionALong  Direction = "A_LONG"
	DirectionAShort Direction = "A_SHORT"
)

func (d Direction) Flip() Direction {
	if d == DirectionAShort {
		return DirectionALong
	}
	return DirectionAShort
}

// Sides returns the opening side for account A and account B.
func (d Direction) Sides() (Side, Side) {
	if d == DirectionAShort {
		return SideSell, SideBuy
	}
	return SideBuy, SideSell
}

func (d Direction) Valid() bool {
	return d == DirectionALong || d == DirectionAShort
}

// Plan is a sized order plan. It is valid only for the snapshot taken at
// SnapshotAt.
type Plan struct {
	Instrument     string
	Size           float64
	Direction      Direction
	MaxSlippageBps float64
	Bid            float64
	Ask            float64
	SnapshotAt     time.Time
	// Seq tells apart plans built from the same snapshot. Order client ids
	// are derived from it, so reusing a plan resubmits nothing.
	Seq uint64
}

// WorstPrice is the least favorable acceptable fill price for side.
func (p Plan) WorstPrice(side Side) float64 {
	slip := p.MaxSlippageBps / 10000
	if side == SideBuy {
		return p.Ask * (1 + slip)
	}
	return p.Bid * (1 - slip)
}

func (p Plan) Mid() float64 {
	return (p.Bid + p.Ask) / 2
}

type Leg struct {
	Account string  `json:"account"`
	Side    Side    `json:"side"`
	Size    float64 `json:"size"`
	Price   float64 `json:"price"`
	OrderID string  `json:"order_id"`
}

// Signed returns the leg position with buys positive.
func (l Leg) Signed() float64 {
	return l.Side.Sign() * l.Size
}

// HedgePair is one long and one opposite short leg opened together.
type HedgePair struct {
	Instrument string    `json:"instrument"`
	Direction  Direction `json:"direction"`
	A          Leg       `json:"a"`
	B          Leg       `json:"b"`
	OpenedAt   time.Time `json:"opened_at"`
}

func (p HedgePair) Size() float64 {
	if p.A.Size < p.B.Size {
		return p.A.Size
	}
	return p.B.Size
}

func (p HedgePair) EntryPrice() float64 {
	if p.A.Price > 0 && p.B.Price > 0 {
		return (p.A.Price + p.B.Price) / 2
	}
	if p.A.Price > 0 {
		return p.A.Price
	}
	return p.B.Price
}

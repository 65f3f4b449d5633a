package exchange

import (
	"strconv"
	"strings"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

type Instruction string

const (
	InstructionGTC Instruction = "GTC"
	InstructionIOC Instruction = "IOC"
)

// OrderRequest is the caller-facing order description. Prices and sizes are
// converted to exact decimal strings on the wire.
type OrderRequest struct {
	Market      string
	Side        Side
	Type        OrderType
	Size        float64
	Price       float64
	Instruction Instruction
	ReduceOnly  bool
	ClientID    string
}

type OrderWire struct {
	Market             string      `json:"market"`
	Side               Side        `json:"side"`
	Type               OrderType   `json:"type"`
	Size               string      `json:"size"`
	Price              string      `json:"price,omitempty"`
	Instruction        Instruction `json:"instruction"`
	ReduceOnly         bool        `json:"reduce_only"`
	ClientID           string      `json:"client_id,omitempty"`
	SignatureTimestamp uint64      `json:"signature_timestamp"`
	Signature          string      `json:"signature"`
}

const (
	OrderStatusNew    = "NEW"
	OrderStatusOpen   = "OPEN"
	OrderStatusClosed = "CLOSED"
)

type Order struct {
	ID            string `json:"id"`
	ClientID      string `json:"client_id"`
	Market        string `json:"market"`
	Side          Side   `json:"side"`
	Type          string `json:"type"`
	Size          string `json:"size"`
	RemainingSize string `json:"remaining_size"`
	AvgFillPrice  string `json:"avg_fill_price"`
	Status        string `json:"status"`
	CancelReason  string `json:"cancel_reason"`
	CreatedAt     int64  `json:"created_at"`
}

func (o Order) Closed() bool {
	return strings.EqualFold(o.Status, OrderStatusClosed)
}

func (o Order) FilledSize() float64 {
	size := parseFloat(o.Size)
	remaining := parseFloat(o.RemainingSize)
	if remaining > size {
		return 0
	}
	return size - remaining
}

func (o Order) FillPrice() float64 {
	return parseFloat(o.AvgFillPrice)
}

type Position struct {
	Market            string `json:"market"`
	Side              string `json:"side"`
	Size              string `json:"size"`
	AverageEntryPrice string `json:"average_entry_price"`
	Status            string `json:"status"`
}

// Signed returns the position size with shorts negative.
func (p Position) Signed() float64 {
	size := parseFloat(p.Size)
	if size < 0 {
		return size
	}
	if strings.EqualFold(p.Side, "SHORT") {
		return -size
	}
	return size
}

type Account struct {
	Account        string `json:"account"`
	AccountValue   string `json:"account_value"`
	FreeCollateral string `json:"free_collateral"`
	Status         string `json:"status"`
}

func (a Account) Value() float64 {
	return parseFloat(a.AccountValue)
}

type listResponse[T any] struct {
	Results []T `json:"results"`
}

type authResponse struct {
	JWTToken string `json:"jwt_token"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

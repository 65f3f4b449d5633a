package exchange

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// floatToWire renders x as a plain decimal string with at most eight
// fractional digits. Values that would lose precision are rejected.
func floatToWire(x float64) (string, error) {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return "", fmt.Errorf("float_to_wire: non-finite value %v", x)
	}
	d := decimal.NewFromFloat(x)
	rounded := d.Round(8)
	if !rounded.Sub(d).Abs().LessThan(decimal.New(1, -12)) {
		return "", fmt.Errorf("float_to_wire causes rounding: %v", x)
	}
	if rounded.IsZero() {
		return "0", nil
	}
	return rounded.String(), nil
}

func orderWire(req OrderRequest) (OrderWire, error) {
	if req.Size <= 0 {
		return OrderWire{}, fmt.Errorf("size must be > 0, got %v", req.Size)
	}
	size, err := floatToWire(req.Size)
	if err != nil {
		return OrderWire{}, fmt.Errorf("size: %w", err)
	}
	wire := OrderWire{
		Market:      req.Market,
		Side:        req.Side,
		Type:        req.Type,
		Size:        size,
		Instruction: req.Instruction,
		ReduceOnly:  req.ReduceOnly,
		ClientID:    req.ClientID,
	}
	if wire.Type == "" {
		wire.Type = OrderTypeMarket
	}
	if wire.Instruction == "" {
		wire.Instruction = InstructionIOC
	}
	if req.Price > 0 {
		price, err := floatToWire(req.Price)
		if err != nil {
			return OrderWire{}, fmt.Errorf("price: %w", err)
		}
		wire.Price = price
	} else if wire.Type == OrderTypeLimit {
		return OrderWire{}, fmt.Errorf("limit order requires a price")
	}
	return wire, nil
}

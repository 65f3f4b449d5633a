package market

import (
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

type rpcFrame struct {
	Method string `json:"method"`
	Params struct {
		Channel string         `json:"channel"`
		Data    map[string]any `json:"data"`
	} `json:"params"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// parseBBOFrame decodes a bbo subscription frame. Non-bbo frames return
// ok=false without error.
func parseBBOFrame(data []byte, receivedAt time.Time) (BBO, bool, error) {
	var frame rpcFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return BBO{}, false, err
	}
	if frame.Method != "subscription" || !strings.HasPrefix(frame.Params.Channel, "bbo.") {
		return BBO{}, false, nil
	}
	payload := frame.Params.Data
	if payload == nil {
		return BBO{}, false, nil
	}
	instrument := stringFromMap(payload, "market", "symbol", "instrument")
	if instrument == "" {
		instrument = strings.TrimPrefix(frame.Params.Channel, "bbo.")
	}
	snap := BBO{
		Instrument: instrument,
		Bid:        floatFromMap(payload, "bid", "best_bid"),
		BidSize:    floatFromMap(payload, "bid_size", "best_bid_size"),
		Ask:        floatFromMap(payload, "ask", "best_ask"),
		AskSize:    floatFromMap(payload, "ask_size", "best_ask_size"),
		At:         receivedAt,
	}
	if ms := floatFromMap(payload, "last_updated_at", "timestamp"); ms > 0 {
		snap.ExchangeAt = time.UnixMilli(int64(ms)).UTC()
	}
	return snap, true, nil
}

func stringFromMap(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s := stringFromAny(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func stringFromAny(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func floatFromMap(m map[string]any, keys ...string) float64 {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if f, ok := floatFromAny(v); ok {
				return f
			}
		}
	}
	return 0
}

func floatFromAny(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

package exchange

import (
	"bytes"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

type wireField struct {
	key string
	val any
}

// EncodeOrder produces the canonical msgpack form of an order that is hashed
// for signing. Field order is fixed and the signature itself is excluded.
func EncodeOrder(order OrderWire) ([]byte, error) {
	if order.Market == "" {
		return nil, errors.New("order market is required")
	}
	if order.Side == "" || order.Type == "" {
		return nil, errors.New("order side and type are required")
	}
	if order.Size == "" {
		return nil, errors.New("order size is required")
	}
	fields := []wireField{
		{"market", order.Market},
		{"side", string(order.Side)},
		{"type", string(order.Type)},
		{"size", order.Size},
	}
	if order.Price != "" {
		fields = append(fields, wireField{"price", order.Price})
	}
	fields = append(fields,
		wireField{"instruction", string(order.Instruction)},
		wireField{"reduce_only", order.ReduceOnly},
		wireField{"signature_timestamp", order.SignatureTimestamp},
	)
	if order.ClientID != "" {
		fields = append(fields, wireField{"client_id", order.ClientID})
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeMapLen(len(fields)); err != nil {
		return nil, err
	}
	for _, f := range fields {
		if err := enc.EncodeString(f.key); err != nil {
			return nil, err
		}
		if err := encodeScalar(enc, f.val); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeScalar(enc *msgpack.Encoder, v any) error {
	switch val := v.(type) {
	case string:
		return enc.EncodeString(val)
	case bool:
		return enc.EncodeBool(val)
	case uint64:
		return enc.EncodeUint(val)
	default:
		return enc.Encode(val)
	}
}

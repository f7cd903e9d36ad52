package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrUnknownKind   = errors.New("unknown value kind")
	ErrMalformedData = errors.New("malformed entity update data")
)

// Fields maps a field name to its value within one node path.
type Fields map[string]Value

// NodeUpdates maps a node path to its fields.
type NodeUpdates map[string]Fields

var (
	_ msgpack.CustomEncoder = Fields(nil)
	_ msgpack.CustomDecoder = (*Fields)(nil)
	_ msgpack.CustomEncoder = NodeUpdates(nil)
	_ msgpack.CustomDecoder = (*NodeUpdates)(nil)
)

// MarshalValue encodes a single value with its kind tag.
func MarshalValue(v Value) ([]byte, error) {
	return msgpack.Marshal(taggedValue{v})
}

// UnmarshalValue decodes a value produced by MarshalValue.
func UnmarshalValue(data []byte) (Value, error) {
	var tv taggedValue
	if err := msgpack.Unmarshal(data, &tv); err != nil {
		return nil, err
	}
	return tv.Value, nil
}

type taggedValue struct {
	Value
}

func (tv taggedValue) EncodeMsgpack(enc *msgpack.Encoder) error {
	return encodeValue(enc, tv.Value)
}

func (tv *taggedValue) DecodeMsgpack(dec *msgpack.Decoder) error {
	v, err := decodeValue(dec)
	if err != nil {
		return err
	}
	tv.Value = v
	return nil
}

// encodeValue writes [kind, payload].
func encodeValue(enc *msgpack.Encoder, v Value) error {
	if v == nil {
		return fmt.Errorf("%w: nil value", ErrMalformedData)
	}
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeUint8(uint8(v.Kind())); err != nil {
		return err
	}
	return enc.Encode(v)
}

func decodeValue(dec *msgpack.Decoder) (Value, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n != 2 {
		return nil, fmt.Errorf("%w: tagged value has %d elements", ErrMalformedData, n)
	}
	k, err := dec.DecodeUint8()
	if err != nil {
		return nil, err
	}

	switch Kind(k) {
	case KindInt:
		var v Int
		err = dec.Decode(&v)
		return v, err
	case KindUInt8:
		var v UInt8
		err = dec.Decode(&v)
		return v, err
	case KindString:
		var v String
		err = dec.Decode(&v)
		return v, err
	case KindStringVec:
		var v StringVec
		err = dec.Decode(&v)
		return v, err
	case KindFloat:
		var v Float
		err = dec.Decode(&v)
		return v, err
	case KindTransform:
		var v Transform
		err = dec.Decode(&v)
		return v, err
	case KindColor:
		var v Color
		err = dec.Decode(&v)
		return v, err
	case KindBool:
		var v Bool
		err = dec.Decode(&v)
		return v, err
	case KindVec3:
		var v Vec3
		err = dec.Decode(&v)
		return v, err
	case KindVec2:
		var v Vec2
		err = dec.Decode(&v)
		return v, err
	case KindAttachedItem:
		var v AttachedItem
		err = dec.Decode(&v)
		return v, err
	case KindWornItem:
		var v WornItem
		err = dec.Decode(&v)
		return v, err
	case KindWornItemNotAttached:
		var v WornItemNotAttached
		err = dec.Decode(&v)
		return v, err
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, k)
	}
}

// EncodeMsgpack writes fields with sorted keys so equal maps encode identically.
func (f Fields) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(len(f)); err != nil {
		return err
	}
	for _, name := range sortedKeys(f) {
		if err := enc.EncodeString(name); err != nil {
			return err
		}
		if err := encodeValue(enc, f[name]); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
	}
	return nil
}

func (f *Fields) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}
	if n < 0 {
		*f = nil
		return nil
	}
	out := make(Fields, n)
	for i := 0; i < n; i++ {
		name, err := dec.DecodeString()
		if err != nil {
			return err
		}
		v, err := decodeValue(dec)
		if err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		out[name] = v
	}
	*f = out
	return nil
}

func (u NodeUpdates) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(len(u)); err != nil {
		return err
	}
	for _, node := range sortedKeys(u) {
		if err := enc.EncodeString(node); err != nil {
			return err
		}
		if err := u[node].EncodeMsgpack(enc); err != nil {
			return fmt.Errorf("node %q: %w", node, err)
		}
	}
	return nil
}

func (u *NodeUpdates) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}
	if n < 0 {
		*u = nil
		return nil
	}
	out := make(NodeUpdates, n)
	for i := 0; i < n; i++ {
		node, err := dec.DecodeString()
		if err != nil {
			return err
		}
		var fields Fields
		if err := fields.DecodeMsgpack(dec); err != nil {
			return fmt.Errorf("node %q: %w", node, err)
		}
		out[node] = fields
	}
	*u = out
	return nil
}

// MarshalJSON renders each value with its kind for the debug API.
func (f Fields) MarshalJSON() ([]byte, error) {
	type tagged struct {
		Kind  string `json:"kind"`
		Value Value  `json:"value"`
	}
	out := make(map[string]tagged, len(f))
	for name, v := range f {
		out[name] = tagged{Kind: v.Kind().String(), Value: v}
	}
	return json.Marshal(out)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

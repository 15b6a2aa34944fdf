package sync

import (
	"fmt"

	"github.com/zeusync/gridsync/internal/core/protocol"
)

// Codec converts a value to and from its field-tagged wire form. Encodings
// must be deterministic: equal values produce equal bytes.
type Codec[T any] interface {
	Encode(v T) []byte
	Decode(b []byte) (T, error)
}

// CodecFuncs adapts a pair of functions to Codec.
type CodecFuncs[T any] struct {
	EncodeFunc func(v T) []byte
	DecodeFunc func(b []byte) (T, error)
}

func (c CodecFuncs[T]) Encode(v T) []byte          { return c.EncodeFunc(v) }
func (c CodecFuncs[T]) Decode(b []byte) (T, error) { return c.DecodeFunc(b) }

const scalarField protocol.FieldNumber = 1

func Float64Codec() Codec[float64] {
	return CodecFuncs[float64]{
		EncodeFunc: func(v float64) []byte {
			return protocol.NewEncoder(9).Float(scalarField, v).Encode()
		},
		DecodeFunc: func(b []byte) (float64, error) {
			var v float64
			d := protocol.NewDecoder(b)
			for d.Next() {
				if d.Field() == scalarField {
					v = d.Float()
				}
			}
			return v, wrapDecode(d.Err())
		},
	}
}

func Int64Codec() Codec[int64] {
	return CodecFuncs[int64]{
		EncodeFunc: func(v int64) []byte {
			return protocol.NewEncoder(11).Int(scalarField, v).Encode()
		},
		DecodeFunc: func(b []byte) (int64, error) {
			var v int64
			d := protocol.NewDecoder(b)
			for d.Next() {
				if d.Field() == scalarField {
					v = d.Int()
				}
			}
			return v, wrapDecode(d.Err())
		},
	}
}

func StringCodec() Codec[string] {
	return CodecFuncs[string]{
		EncodeFunc: func(v string) []byte {
			return protocol.NewEncoder(len(v) + 2).Text(scalarField, v).Encode()
		},
		DecodeFunc: func(b []byte) (string, error) {
			var v string
			d := protocol.NewDecoder(b)
			for d.Next() {
				if d.Field() == scalarField {
					v = d.Text()
				}
			}
			return v, wrapDecode(d.Err())
		},
	}
}

func wrapDecode(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("decode value: %w", err)
}

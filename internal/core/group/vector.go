package group

import (
	"math"
	"sort"

	"github.com/zeusync/gridsync/internal/core/protocol"
	"github.com/zeusync/gridsync/internal/core/sync"
)

// Vector is a named parameter vector.
type Vector map[string]float64

func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for k, x := range v {
		out[k] = x
	}
	return out
}

// Merge returns a copy of v with every entry of edit written over it.
func (v Vector) Merge(edit Vector) Vector {
	out := v.Clone()
	for k, x := range edit {
		out[k] = x
	}
	return out
}

// Equal compares bit patterns, so NaN equals NaN and 0 differs from -0.
func (v Vector) Equal(other Vector) bool {
	if len(v) != len(other) {
		return false
	}
	for k, x := range v {
		y, ok := other[k]
		if !ok || math.Float64bits(x) != math.Float64bits(y) {
			return false
		}
	}
	return true
}

// Names returns the parameter names in sorted order.
func (v Vector) Names() []string {
	names := make([]string, 0, len(v))
	for k := range v {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// MaxInto raises every entry of dst to at least the matching entry of v.
func (v Vector) MaxInto(dst Vector) {
	for k, x := range v {
		if cur, ok := dst[k]; !ok || x > cur {
			dst[k] = x
		}
	}
}

const (
	fieldEntry      protocol.FieldNumber = 1
	fieldEntryName  protocol.FieldNumber = 1
	fieldEntryValue protocol.FieldNumber = 2
)

// VectorCodec encodes entries sorted by name, one nested message per entry.
func VectorCodec() sync.Codec[Vector] {
	return sync.CodecFuncs[Vector]{
		EncodeFunc: encodeVector,
		DecodeFunc: decodeVector,
	}
}

func encodeVector(v Vector) []byte {
	e := protocol.NewEncoder(16 * len(v))
	for _, name := range v.Names() {
		x := v[name]
		e.Nested(fieldEntry, func(inner *protocol.Encoder) {
			inner.Text(fieldEntryName, name).Float(fieldEntryValue, x)
		})
	}
	return e.Encode()
}

func decodeVector(b []byte) (Vector, error) {
	out := Vector{}
	d := protocol.NewDecoder(b)
	for d.Next() {
		if d.Field() != fieldEntry {
			continue
		}
		var (
			name string
			x    float64
		)
		inner := protocol.NewDecoder(d.Bytes())
		for inner.Next() {
			switch inner.Field() {
			case fieldEntryName:
				name = inner.Text()
			case fieldEntryValue:
				x = inner.Float()
			}
		}
		if err := inner.Err(); err != nil {
			return nil, err
		}
		if name != "" {
			out[name] = x
		}
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

package protocol

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/zeusync/gridsync/pkg/generic"
)

// FieldNumber identifies a field inside an encoded payload. Numbers are never
// reused: new fields get new numbers and decoders skip the ones they don't know.
type FieldNumber = protowire.Number

// Encoder appends tagged fields to a buffer using the protobuf wire format.
// Zero values are still written so that receivers can tell them from absent fields.
type Encoder struct {
	buf []byte
}

func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity)}
}

func (e *Encoder) Uint(num FieldNumber, v uint64) *Encoder {
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
	return e
}

func (e *Encoder) Int(num FieldNumber, v int64) *Encoder {
	return e.Uint(num, protowire.EncodeZigZag(v))
}

func (e *Encoder) Bool(num FieldNumber, v bool) *Encoder {
	return e.Uint(num, protowire.EncodeBool(v))
}

func (e *Encoder) Float(num FieldNumber, v float64) *Encoder {
	e.buf = protowire.AppendTag(e.buf, num, protowire.Fixed64Type)
	e.buf = protowire.AppendFixed64(e.buf, math.Float64bits(v))
	return e
}

func (e *Encoder) Bytes(num FieldNumber, v []byte) *Encoder {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, v)
	return e
}

func (e *Encoder) Text(num FieldNumber, v string) *Encoder {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, v)
	return e
}

var nestedEncoders = generic.NewPool(
	func() *Encoder { return NewEncoder(64) },
	func(e *Encoder) { e.buf = e.buf[:0] },
)

// Nested writes a length-delimited sub-message built by fn. The encoder
// passed to fn is only valid during the call.
func (e *Encoder) Nested(num FieldNumber, fn func(*Encoder)) *Encoder {
	inner := nestedEncoders.Get()
	defer nestedEncoders.Put(inner)
	fn(inner)
	return e.Bytes(num, inner.buf)
}

func (e *Encoder) Encode() []byte {
	return e.buf
}

// Decoder walks the tagged fields of a payload.
//
//	d := NewDecoder(b)
//	for d.Next() {
//		switch d.Field() {
//		case 1:
//			x = d.Uint()
//		}
//	}
//	return d.Err()
//
// Fields the caller does not read are skipped on the following Next call.
type Decoder struct {
	buf      []byte
	num      FieldNumber
	typ      protowire.Type
	pending  bool
	err      error
	consumed int
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

func (d *Decoder) Next() bool {
	if d.err != nil {
		return false
	}
	if d.pending {
		d.Skip()
		if d.err != nil {
			return false
		}
	}
	if len(d.buf) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(d.buf)
	if n < 0 {
		d.fail(protowire.ParseError(n))
		return false
	}
	d.advance(n)
	d.num, d.typ, d.pending = num, typ, true
	return true
}

func (d *Decoder) Field() FieldNumber {
	return d.num
}

func (d *Decoder) Skip() {
	if !d.pending {
		return
	}
	n := protowire.ConsumeFieldValue(d.num, d.typ, d.buf)
	if n < 0 {
		d.fail(protowire.ParseError(n))
		return
	}
	d.advance(n)
	d.pending = false
}

func (d *Decoder) Uint() uint64 {
	if !d.expect(protowire.VarintType) {
		return 0
	}
	v, n := protowire.ConsumeVarint(d.buf)
	if n < 0 {
		d.fail(protowire.ParseError(n))
		return 0
	}
	d.advance(n)
	d.pending = false
	return v
}

func (d *Decoder) Int() int64 {
	return protowire.DecodeZigZag(d.Uint())
}

func (d *Decoder) Bool() bool {
	return protowire.DecodeBool(d.Uint())
}

func (d *Decoder) Float() float64 {
	if !d.expect(protowire.Fixed64Type) {
		return 0
	}
	v, n := protowire.ConsumeFixed64(d.buf)
	if n < 0 {
		d.fail(protowire.ParseError(n))
		return 0
	}
	d.advance(n)
	d.pending = false
	return math.Float64frombits(v)
}

// Bytes returns a sub-slice of the input; copy it if it must outlive the buffer.
func (d *Decoder) Bytes() []byte {
	if !d.expect(protowire.BytesType) {
		return nil
	}
	v, n := protowire.ConsumeBytes(d.buf)
	if n < 0 {
		d.fail(protowire.ParseError(n))
		return nil
	}
	d.advance(n)
	d.pending = false
	return v
}

func (d *Decoder) Text() string {
	return string(d.Bytes())
}

func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) expect(typ protowire.Type) bool {
	if d.err != nil {
		return false
	}
	if !d.pending || d.typ != typ {
		d.fail(fmt.Errorf("field %d: unexpected wire type %d", d.num, d.typ))
		return false
	}
	return true
}

func (d *Decoder) advance(n int) {
	d.buf = d.buf[n:]
	d.consumed += n
}

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: offset %d: %v", ErrMalformedPayload, d.consumed, err)
	}
}

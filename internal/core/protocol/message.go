package protocol

import (
	"fmt"
	"math"
)

// PeerID identifies a node on the network. The authority is usually peer 1.
type PeerID uint64

// Broadcast addresses every peer reachable through the transport.
const Broadcast PeerID = math.MaxUint64

// ChannelID is a numeric channel shared by both sides of a connection.
type ChannelID uint16

// Discriminator selects the payload type carried on a channel.
type Discriminator uint8

// Message is the envelope every packet travels in.
type Message struct {
	Sender        PeerID
	Channel       ChannelID
	Discriminator Discriminator
	Revision      uint32
	Payload       []byte
}

const (
	fieldSender        FieldNumber = 1
	fieldChannel       FieldNumber = 2
	fieldDiscriminator FieldNumber = 3
	fieldRevision      FieldNumber = 4
	fieldPayload       FieldNumber = 5
)

func (m Message) Marshal() []byte {
	return NewEncoder(16+len(m.Payload)).
		Uint(fieldSender, uint64(m.Sender)).
		Uint(fieldChannel, uint64(m.Channel)).
		Uint(fieldDiscriminator, uint64(m.Discriminator)).
		Uint(fieldRevision, uint64(m.Revision)).
		Bytes(fieldPayload, m.Payload).
		Encode()
}

// UnmarshalMessage decodes an envelope. Unknown fields are skipped and missing
// ones keep their zero value; out-of-range numbers are rejected.
func UnmarshalMessage(b []byte) (Message, error) {
	var m Message
	d := NewDecoder(b)
	for d.Next() {
		switch d.Field() {
		case fieldSender:
			m.Sender = PeerID(d.Uint())
		case fieldChannel:
			v := d.Uint()
			if v > math.MaxUint16 {
				return Message{}, fmt.Errorf("%w: channel id %d out of range", ErrMalformedPayload, v)
			}
			m.Channel = ChannelID(v)
		case fieldDiscriminator:
			v := d.Uint()
			if v > math.MaxUint8 {
				return Message{}, fmt.Errorf("%w: discriminator %d out of range", ErrMalformedPayload, v)
			}
			m.Discriminator = Discriminator(v)
		case fieldRevision:
			v := d.Uint()
			if v > math.MaxUint32 {
				return Message{}, fmt.Errorf("%w: revision %d out of range", ErrMalformedPayload, v)
			}
			m.Revision = uint32(v)
		case fieldPayload:
			m.Payload = append([]byte(nil), d.Bytes()...)
		}
	}
	if err := d.Err(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Handler consumes messages delivered on one channel. Returning an error
// wrapping ErrMalformedPayload marks the packet as malformed.
type Handler interface {
	Handle(msg Message) error
}

type HandlerFunc func(msg Message) error

func (f HandlerFunc) Handle(msg Message) error {
	return f(msg)
}

// Mux dispatches messages on a channel by discriminator.
type Mux struct {
	routes map[Discriminator]HandlerFunc
}

var _ Handler = (*Mux)(nil)

func NewMux() *Mux {
	return &Mux{routes: make(map[Discriminator]HandlerFunc)}
}

func (m *Mux) HandleFunc(d Discriminator, fn HandlerFunc) *Mux {
	m.routes[d] = fn
	return m
}

func (m *Mux) Handle(msg Message) error {
	fn, ok := m.routes[msg.Discriminator]
	if !ok {
		return fmt.Errorf("%w: unknown discriminator %d on channel %d", ErrMalformedPayload, msg.Discriminator, msg.Channel)
	}
	return fn(msg)
}

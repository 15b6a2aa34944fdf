package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zeusync/gridsync/internal/core/observability/log"
)

// Channel multiplexes numbered message channels over one Transport.
// Sending is fire-and-forget; delivery order is not guaranteed.
type Channel struct {
	transport Transport
	self      PeerID

	mu       sync.RWMutex
	handlers map[ChannelID]Handler

	metrics Metrics
	logger  log.Log
}

func NewChannel(transport Transport, logger log.Log) *Channel {
	c := &Channel{
		transport: transport,
		self:      transport.LocalID(),
		handlers:  make(map[ChannelID]Handler),
		logger:    logger.With(log.String("component", "channel"), log.Uint64("peer", uint64(transport.LocalID()))),
	}
	transport.OnReceive(c.Receive)
	return c
}

func (c *Channel) LocalID() PeerID {
	return c.self
}

// Register attaches h to id. A channel holds at most one handler.
func (c *Channel) Register(id ChannelID, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[id]; exists {
		return fmt.Errorf("channel %d: %w", id, ErrDuplicateHandler)
	}
	c.handlers[id] = h
	return nil
}

// MustRegister is Register for wiring done at startup, where a duplicate is a bug.
func (c *Channel) MustRegister(id ChannelID, h Handler) {
	if err := c.Register(id, h); err != nil {
		panic(err)
	}
}

func (c *Channel) Unregister(id ChannelID) {
	c.mu.Lock()
	delete(c.handlers, id)
	c.mu.Unlock()
}

// Send stamps the local sender id on msg and hands it to the transport.
func (c *Channel) Send(ctx context.Context, to PeerID, msg Message) error {
	msg.Sender = c.self
	if err := c.transport.Send(ctx, to, msg.Marshal()); err != nil {
		c.metrics.sendFails.Add(1)
		return fmt.Errorf("send channel %d to %d: %w", msg.Channel, to, err)
	}
	c.metrics.sent.Add(1)
	return nil
}

func (c *Channel) Broadcast(ctx context.Context, msg Message) error {
	return c.Send(ctx, Broadcast, msg)
}

// Receive decodes one packet and dispatches it. Malformed packets and packets
// for unregistered channels are counted and dropped.
func (c *Channel) Receive(from PeerID, data []byte) {
	c.metrics.received.Add(1)

	msg, err := UnmarshalMessage(data)
	if err != nil {
		c.metrics.malformed.Add(1)
		c.logger.Debug("Dropped malformed envelope", log.Uint64("from", uint64(from)), log.Error(err))
		return
	}
	if from != 0 && msg.Sender != from {
		c.metrics.rejected.Add(1)
		c.logger.Warn("Dropped envelope with spoofed sender",
			log.Uint64("from", uint64(from)),
			log.Uint64("sender", uint64(msg.Sender)),
			log.Error(ErrSpoofedSender))
		return
	}

	c.mu.RLock()
	h, ok := c.handlers[msg.Channel]
	c.mu.RUnlock()
	if !ok {
		c.metrics.unhandled.Add(1)
		c.logger.Debug("Dropped message for unregistered channel", log.Uint16("channel", uint16(msg.Channel)))
		return
	}

	if err = h.Handle(msg); err != nil {
		if errors.Is(err, ErrMalformedPayload) {
			c.metrics.malformed.Add(1)
			c.logger.Debug("Dropped malformed payload",
				log.Uint16("channel", uint16(msg.Channel)),
				log.Uint8("discriminator", uint8(msg.Discriminator)),
				log.Error(err))
			return
		}
		c.logger.Warn("Message handler failed",
			log.Uint16("channel", uint16(msg.Channel)),
			log.Uint64("sender", uint64(msg.Sender)),
			log.Error(err))
	}
}

func (c *Channel) Metrics() MetricsSnapshot {
	return c.metrics.Snapshot()
}

func (c *Channel) Close() error {
	return c.transport.Close()
}

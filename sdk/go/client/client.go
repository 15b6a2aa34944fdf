// Package client is the Go SDK for joining a GridSync authority as a mirror.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/gridsync/internal/config"
	"github.com/zeusync/gridsync/internal/core/charge"
	"github.com/zeusync/gridsync/internal/core/events/bus"
	"github.com/zeusync/gridsync/internal/core/group"
	"github.com/zeusync/gridsync/internal/core/observability/log"
	"github.com/zeusync/gridsync/internal/core/scores"
	gsync "github.com/zeusync/gridsync/internal/core/sync"
	"github.com/zeusync/gridsync/internal/node"
)

// Config holds configuration for the client
type Config struct {
	// ServerAddr is a websocket URL such as ws://host:8080/sync, or host:port for QUIC.
	ServerAddr string
	// Transport is "websocket" or "quic".
	Transport string

	PeerID      uint64
	AuthorityID uint64

	ConnectTimeout time.Duration
	QueueSize      int

	// Channel must match the authority's replication channel.
	Channel uint16
	Charge  charge.Config
	Params  []group.Param

	LogLevel log.Level
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() Config {
	d := config.Default()
	return Config{
		ServerAddr:     d.Transport.Dial,
		Transport:      config.TransportWebsocket,
		AuthorityID:    d.Node.Authority,
		ConnectTimeout: 30 * time.Second,
		QueueSize:      d.Transport.QueueSize,
		Channel:        d.Replication.Channel,
		Charge:         d.Charge,
		Params:         d.Group.Params,
		LogLevel:       log.LevelInfo,
	}
}

func (c Config) nodeConfig() (config.Config, error) {
	cfg := config.Default()
	cfg.Node.ID = c.PeerID
	cfg.Node.Role = gsync.RoleMirror.String()
	cfg.Node.Authority = c.AuthorityID
	cfg.Transport.Kind = c.Transport
	cfg.Transport.Dial = c.ServerAddr
	cfg.Transport.QueueSize = c.QueueSize
	cfg.Transport.HandshakeTimeout = c.ConnectTimeout
	cfg.Replication.Channel = c.Channel
	cfg.Charge = c.Charge
	cfg.Group.Params = c.Params
	cfg.Storage.Kind = config.StorageNone
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// EventType represents different types of client events
type EventType string

const (
	EventTypeConnected    EventType = "connected"
	EventTypeDisconnected EventType = "disconnected"
	EventTypeError        EventType = "error"
)

// Event represents a client event
type Event struct {
	Type      EventType
	Timestamp time.Time
	Error     error
}

// EventHandler defines a function type for handling client events
type EventHandler func(event Event) error

// Client is a mirror connection to an authority. Replicated values obtained
// from it follow the authority; writes become proposals.
type Client struct {
	// mu guards the current connection: node, cancel and done.
	mu     sync.Mutex
	node   *node.Node
	cancel context.CancelFunc
	done   chan struct{}

	connected atomic.Bool
	closed    atomic.Bool

	handlerMutex  sync.RWMutex
	eventHandlers map[EventType][]EventHandler

	config Config
	logger log.Log
}

// NewClient creates a new client. Nothing is dialed until Connect.
func NewClient(config Config) *Client {
	return &Client{
		done:          make(chan struct{}),
		eventHandlers: make(map[EventType][]EventHandler),
		config:        config,
		logger:        log.New(config.LogLevel).With(log.String("component", "client")),
	}
}

// OnEvent registers handler for eventType.
func (c *Client) OnEvent(eventType EventType, handler EventHandler) {
	c.handlerMutex.Lock()
	c.eventHandlers[eventType] = append(c.eventHandlers[eventType], handler)
	c.handlerMutex.Unlock()
}

// Connect dials the authority and starts following it in the background.
// After a disconnect it may be called again; the previous connection is
// released first.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if !c.connected.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}
	cfg, err := c.config.nodeConfig()
	if err != nil {
		c.connected.Store(false)
		return err
	}
	c.release()

	c.logger.Info("Connecting to server", log.String("addr", c.config.ServerAddr), log.String("transport", c.config.Transport))
	dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()
	n, err := node.New(dialCtx, cfg, c.logger)
	if err != nil {
		c.connected.Store(false)
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrConnectionTimeout, err)
		}
		return err
	}
	runCtx, stop := context.WithCancel(context.Background())
	c.mu.Lock()
	c.node, c.cancel = n, stop
	if c.done == nil {
		c.done = make(chan struct{})
	}
	done := c.done
	c.mu.Unlock()
	go c.run(runCtx, n, done)

	c.emitEvent(Event{Type: EventTypeConnected, Timestamp: time.Now()})
	return nil
}

func (c *Client) run(ctx context.Context, n *node.Node, done chan struct{}) {
	err := n.Run(ctx)
	c.connected.Store(false)
	close(done)
	if err != nil {
		c.logger.Warn("Connection ended", log.Error(err))
		c.emitEvent(Event{Type: EventTypeError, Timestamp: time.Now(), Error: err})
	}
	c.emitEvent(Event{Type: EventTypeDisconnected, Timestamp: time.Now(), Error: err})
}

// Done is closed once the current connection stopped following the authority.
// A later Connect starts a new one with a new channel.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		c.done = make(chan struct{})
	}
	return c.done
}

// release stops and closes the previous connection's node, if any.
func (c *Client) release() {
	c.mu.Lock()
	n, cancel, done := c.node, c.cancel, c.done
	if n == nil {
		c.mu.Unlock()
		return
	}
	c.node, c.cancel, c.done = nil, nil, nil
	c.mu.Unlock()
	cancel()
	<-done
	if err := n.Close(); err != nil {
		c.logger.Warn("Failed to close previous connection", log.Error(err))
	}
}

func (c *Client) current() *node.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.node
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Close closes the client and releases all resources
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	n, cancel, done := c.node, c.cancel, c.done
	c.node = nil
	c.mu.Unlock()
	if n == nil {
		return nil
	}
	cancel()
	<-done
	c.logger.Info("Client closed")
	return n.Close()
}

func (c *Client) ready() (*node.Node, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	n := c.current()
	if n == nil || !c.connected.Load() {
		return nil, ErrNotConnected
	}
	return n, nil
}

// Charger follows owner's charge state. Consume on it is proposed to the authority.
func (c *Client) Charger(ctx context.Context, owner string) (*charge.Controller, error) {
	n, err := c.ready()
	if err != nil {
		return nil, err
	}
	return n.Charger(ctx, owner, nil)
}

// Board follows the score board id.
func (c *Client) Board(ctx context.Context, id string) (*scores.Board, error) {
	n, err := c.ready()
	if err != nil {
		return nil, err
	}
	return n.Board(ctx, id)
}

// TrackEntity follows id's parameter vector.
func (c *Client) TrackEntity(id group.EntityID) (*gsync.Value[group.Vector], error) {
	n, err := c.ready()
	if err != nil {
		return nil, err
	}
	return n.TrackEntity(id, nil)
}

// EditVector proposes new parameters for id's group.
func (c *Client) EditVector(id group.EntityID, vector group.Vector) error {
	n, err := c.ready()
	if err != nil {
		return err
	}
	return n.EditVector(id, vector)
}

// OnCanonicalChanged subscribes fn to parameter changes of tracked entities.
func (c *Client) OnCanonicalChanged(fn func(bus.CanonicalChanged) error) (bus.Subscription, error) {
	n, err := c.ready()
	if err != nil {
		return nil, err
	}
	return n.OnCanonicalChanged(fn)
}

func (c *Client) emitEvent(event Event) {
	c.handlerMutex.RLock()
	handlers := append([]EventHandler(nil), c.eventHandlers[event.Type]...)
	c.handlerMutex.RUnlock()
	for _, h := range handlers {
		if err := h(event); err != nil {
			c.logger.Warn("Event handler failed", log.String("event", string(event.Type)), log.Error(err))
		}
	}
}

package websocket

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zeusync/gridsync/internal/core/protocol"
)

const (
	// peerQuery carries the dialing peer's id in the upgrade request.
	peerQuery = "peer"
	// peerHeader carries the hub's peer id in the upgrade response.
	peerHeader = "X-Gridsync-Peer"
)

// Config tunes both ends of a websocket link.
type Config struct {
	// QueueSize bounds the per-connection send queue; packets beyond it are dropped.
	QueueSize        int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64
	BufferSize       int
}

func DefaultConfig() Config {
	return Config{
		QueueSize:        256,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		MaxMessageSize:   1 << 20,
		BufferSize:       4096,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	return c
}

// conn owns one websocket. Writes go through a bounded queue drained by a
// single writer goroutine, so Send never blocks on a slow peer.
type conn struct {
	peer   protocol.PeerID
	ws     *websocket.Conn
	config Config

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func newConn(peer protocol.PeerID, ws *websocket.Conn, config Config) *conn {
	ws.SetReadLimit(config.MaxMessageSize)
	return &conn{
		peer:   peer,
		ws:     ws,
		config: config,
		out:    make(chan []byte, config.QueueSize),
		done:   make(chan struct{}),
	}
}

func (c *conn) enqueue(data []byte) error {
	select {
	case <-c.done:
		return protocol.ErrTransportClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	default:
		c.dropped.Add(1)
		return fmt.Errorf("peer %d: %w", c.peer, protocol.ErrQueueFull)
	}
}

func (c *conn) writeLoop() {
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
			c.sent.Add(1)
		}
	}
}

// readLoop delivers binary frames until the socket fails. A normal close returns nil.
func (c *conn) readLoop(deliver func([]byte)) error {
	defer c.close()
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || c.isClosed() {
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return nil
			}
			return err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		deliver(data)
	}
}

func (c *conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.ws.Close()
	})
}

package websocket

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/zeusync/gridsync/internal/core/observability/log"
	"github.com/zeusync/gridsync/internal/core/protocol"
)

var _ protocol.Transport = (*Client)(nil)

// Client is the mirror end of a hub link. Everything it sends goes to the
// hub; everything it receives is attributed to the hub's peer id.
type Client struct {
	local  protocol.PeerID
	remote protocol.PeerID
	conn   *conn

	mu      sync.RWMutex
	receive protocol.ReceiveFunc

	logger log.Log
}

// Dial connects to the hub at rawURL as peer local.
func Dial(ctx context.Context, rawURL string, local protocol.PeerID, config Config, logger log.Log) (*Client, error) {
	config = config.withDefaults()
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", rawURL, err)
	}
	q := u.Query()
	q.Set(peerQuery, strconv.FormatUint(uint64(local), 10))
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: config.HandshakeTimeout,
		ReadBufferSize:   config.BufferSize,
		WriteBufferSize:  config.BufferSize,
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", u.Redacted(), resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	remote, err := parsePeer(resp.Header.Get(peerHeader))
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("dial %s: hub did not identify itself: %w", u.Redacted(), err)
	}

	c := &Client{
		local:  local,
		remote: remote,
		conn:   newConn(remote, ws, config),
		logger: logger.With(log.String("component", "websocket-client"), log.Uint64("hub", uint64(remote))),
	}
	go c.conn.writeLoop()
	go func() {
		if err := c.conn.readLoop(c.deliver); err != nil {
			c.logger.Warn("Hub connection lost", log.Error(err))
		}
	}()
	c.logger.Info("Connected to hub", log.String("url", u.Redacted()))
	return c, nil
}

func (c *Client) LocalID() protocol.PeerID {
	return c.local
}

// RemoteID is the hub's peer id, learned during the handshake.
func (c *Client) RemoteID() protocol.PeerID {
	return c.remote
}

func (c *Client) OnReceive(fn protocol.ReceiveFunc) {
	c.mu.Lock()
	c.receive = fn
	c.mu.Unlock()
}

// Send queues data for the hub. to must be the hub or protocol.Broadcast.
func (c *Client) Send(_ context.Context, to protocol.PeerID, data []byte) error {
	if to != c.remote && to != protocol.Broadcast {
		return fmt.Errorf("websocket peer %d: %w", to, protocol.ErrPeerNotFound)
	}
	return c.conn.enqueue(data)
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.conn.done
}

func (c *Client) Close() error {
	c.conn.close()
	return nil
}

func (c *Client) deliver(data []byte) {
	c.mu.RLock()
	fn := c.receive
	c.mu.RUnlock()
	if fn != nil {
		fn(c.remote, data)
	}
}

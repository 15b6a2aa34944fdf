package quic

import (
	"context"
	"fmt"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/zeusync/gridsync/internal/core/observability/log"
	"github.com/zeusync/gridsync/internal/core/protocol"
)

var _ protocol.Transport = (*Client)(nil)

// Client is the mirror end of a QUIC link to a Server.
type Client struct {
	local  protocol.PeerID
	remote protocol.PeerID
	conn   *conn

	mu      sync.RWMutex
	receive protocol.ReceiveFunc

	logger log.Log
}

// Dial connects to addr as peer local. Without config.TLS the server
// certificate is not verified.
func Dial(ctx context.Context, addr string, local protocol.PeerID, config Config, logger log.Log) (*Client, error) {
	config = config.withDefaults()
	tlsConfig := config.TLS
	if tlsConfig == nil {
		tlsConfig = InsecureClientTLS()
	}
	qc, err := quic.DialAddr(ctx, addr, tlsConfig, config.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	remote, err := exchangeHello(ctx, qc, local, config.HandshakeTimeout)
	if err != nil {
		_ = qc.CloseWithError(codeNormal, "handshake failed")
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Client{
		local:  local,
		remote: remote,
		conn:   newConn(remote, qc, config),
		logger: logger.With(log.String("component", "quic-client"), log.Uint64("server", uint64(remote))),
	}
	go func() {
		if err := c.conn.run(c.deliver); err != nil {
			c.logger.Warn("Server connection lost", log.Error(err))
		}
	}()
	c.logger.Info("Connected to server", log.String("addr", addr))
	return c, nil
}

func (c *Client) LocalID() protocol.PeerID {
	return c.local
}

func (c *Client) RemoteID() protocol.PeerID {
	return c.remote
}

func (c *Client) OnReceive(fn protocol.ReceiveFunc) {
	c.mu.Lock()
	c.receive = fn
	c.mu.Unlock()
}

// Send queues data for the server. to must be the server or protocol.Broadcast.
func (c *Client) Send(_ context.Context, to protocol.PeerID, data []byte) error {
	if to != c.remote && to != protocol.Broadcast {
		return fmt.Errorf("quic peer %d: %w", to, protocol.ErrPeerNotFound)
	}
	return c.conn.enqueue(data)
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.conn.done
}

func (c *Client) Close() error {
	c.conn.close(codeNormal)
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

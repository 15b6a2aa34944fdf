package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zeusync/gridsync/internal/core/protocol"
)

// Config tunes both ends of a QUIC link.
type Config struct {
	// QueueSize bounds the per-connection send queue; packets beyond it are dropped.
	QueueSize        int
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	KeepAlive        time.Duration
	// MaxMessageSize caps packets that do not fit a datagram and travel on a
	// unidirectional stream instead.
	MaxMessageSize int64
	// TLS overrides the generated server certificate or the insecure client config.
	TLS *tls.Config
}

func DefaultConfig() Config {
	return Config{
		QueueSize:        256,
		HandshakeTimeout: 10 * time.Second,
		IdleTimeout:      30 * time.Second,
		KeepAlive:        15 * time.Second,
		MaxMessageSize:   1 << 20,
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
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = d.KeepAlive
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	return c
}

func (c Config) quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: c.HandshakeTimeout,
		MaxIdleTimeout:       c.IdleTimeout,
		KeepAlivePeriod:      c.KeepAlive,
		EnableDatagrams:      true,
	}
}

const (
	codeNormal   quic.ApplicationErrorCode = 0
	codeReplaced quic.ApplicationErrorCode = 1
)

// conn carries packets for one peer. Packets go out as datagrams, which are
// unreliable and unordered; a packet too large for a datagram is written to
// its own unidirectional stream.
type conn struct {
	peer   protocol.PeerID
	qc     *quic.Conn
	config Config

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	datagrams atomic.Uint64
	streams   atomic.Uint64
	dropped   atomic.Uint64
}

func newConn(peer protocol.PeerID, qc *quic.Conn, config Config) *conn {
	return &conn{
		peer:   peer,
		qc:     qc,
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
	if int64(len(data)) > c.config.MaxMessageSize {
		return fmt.Errorf("peer %d: packet of %d bytes exceeds %d", c.peer, len(data), c.config.MaxMessageSize)
	}
	select {
	case c.out <- data:
		return nil
	default:
		c.dropped.Add(1)
		return fmt.Errorf("peer %d: %w", c.peer, protocol.ErrQueueFull)
	}
}

// run starts the writer and both readers and blocks until the connection ends.
func (c *conn) run(deliver func([]byte)) error {
	errs := make(chan error, 3)
	go func() { errs <- c.writeLoop() }()
	go func() { errs <- c.datagramLoop(deliver) }()
	go func() { errs <- c.streamLoop(deliver) }()

	err := <-errs
	c.close(codeNormal)
	if c.isClosed() && isClosedError(err) {
		return nil
	}
	return err
}

func (c *conn) writeLoop() error {
	ctx := c.qc.Context()
	for {
		select {
		case <-c.done:
			return nil
		case <-ctx.Done():
			return context.Cause(ctx)
		case data := <-c.out:
			err := c.qc.SendDatagram(data)
			var tooLarge *quic.DatagramTooLargeError
			switch {
			case err == nil:
				c.datagrams.Add(1)
			case errors.As(err, &tooLarge):
				if err := c.sendStream(ctx, data); err != nil {
					c.dropped.Add(1)
				}
			default:
				return err
			}
		}
	}
}

func (c *conn) sendStream(ctx context.Context, data []byte) error {
	s, err := c.qc.OpenUniStreamSync(ctx)
	if err != nil {
		return err
	}
	if _, err = s.Write(data); err != nil {
		s.CancelWrite(0)
		return err
	}
	c.streams.Add(1)
	return s.Close()
}

func (c *conn) datagramLoop(deliver func([]byte)) error {
	ctx := c.qc.Context()
	for {
		data, err := c.qc.ReceiveDatagram(ctx)
		if err != nil {
			return err
		}
		deliver(data)
	}
}

func (c *conn) streamLoop(deliver func([]byte)) error {
	ctx := c.qc.Context()
	for {
		s, err := c.qc.AcceptUniStream(ctx)
		if err != nil {
			return err
		}
		go func() {
			data, err := io.ReadAll(io.LimitReader(s, c.config.MaxMessageSize+1))
			if err != nil || int64(len(data)) > c.config.MaxMessageSize {
				s.CancelRead(0)
				return
			}
			deliver(data)
		}()
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

func (c *conn) close(code quic.ApplicationErrorCode) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.qc.CloseWithError(code, "")
	})
}

func isClosedError(err error) bool {
	var appErr *quic.ApplicationError
	return err == nil || errors.As(err, &appErr) || errors.Is(err, context.Canceled)
}

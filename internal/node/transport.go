package node

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/zeusync/gridsync/internal/config"
	"github.com/zeusync/gridsync/internal/core/observability/log"
	"github.com/zeusync/gridsync/internal/core/protocol"
	"github.com/zeusync/gridsync/internal/core/protocol/quic"
	"github.com/zeusync/gridsync/internal/core/protocol/websocket"
	"github.com/zeusync/gridsync/internal/core/sync"
)

// remote is implemented by the dialing transports.
type remote interface {
	RemoteID() protocol.PeerID
	Done() <-chan struct{}
}

func (n *Node) connect(ctx context.Context) error {
	cfg := n.cfg.Transport
	local := protocol.PeerID(n.cfg.Node.ID)

	switch cfg.Kind {
	case config.TransportWebsocket:
		wsConfig := websocket.Config{QueueSize: cfg.QueueSize, HandshakeTimeout: cfg.HandshakeTimeout}
		if n.role == sync.RoleAuthority {
			return n.serveWebsocket(local, wsConfig)
		}
		client, err := websocket.Dial(ctx, cfg.Dial, local, wsConfig, n.base)
		if err != nil {
			return err
		}
		n.transport = client

	case config.TransportQUIC:
		quicConfig := quic.Config{QueueSize: cfg.QueueSize, HandshakeTimeout: cfg.HandshakeTimeout}
		if n.role == sync.RoleAuthority {
			server, err := quic.Listen(cfg.Listen, local, quicConfig, n.base)
			if err != nil {
				return err
			}
			server.OnPeer(n.peerChanged)
			n.transport = server
			return nil
		}
		client, err := quic.Dial(ctx, cfg.Dial, local, quicConfig, n.base)
		if err != nil {
			return err
		}
		n.transport = client

	default:
		return fmt.Errorf("%s transport: %w", cfg.Kind, ErrNoTransport)
	}

	if r, ok := n.transport.(remote); ok && r.RemoteID() != protocol.PeerID(n.cfg.Node.Authority) {
		_ = n.transport.Close()
		return fmt.Errorf("dial %s: peer %d, want %d: %w", cfg.Dial, r.RemoteID(), n.cfg.Node.Authority, ErrAuthorityMismatch)
	}
	return nil
}

func (n *Node) serveWebsocket(local protocol.PeerID, wsConfig websocket.Config) error {
	listener, err := net.Listen("tcp", n.cfg.Transport.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.cfg.Transport.Listen, err)
	}
	hub := websocket.NewHub(local, wsConfig, n.base)
	hub.OnPeer(n.peerChanged)

	mux := http.NewServeMux()
	mux.Handle(n.cfg.Transport.Path, hub)
	n.transport = hub
	n.listener = listener
	n.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: n.cfg.Transport.HandshakeTimeout,
	}
	return nil
}

func (n *Node) peerChanged(peer protocol.PeerID, connected bool) {
	n.logger.Debug("Peer changed", log.Uint64("peer", uint64(peer)), log.Bool("connected", connected))
}

package quic

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/zeusync/gridsync/internal/core/observability/log"
	"github.com/zeusync/gridsync/internal/core/protocol"
)

var _ protocol.Transport = (*Server)(nil)

// PeerFunc is told when a peer connects or disconnects.
type PeerFunc func(peer protocol.PeerID, connected bool)

// Server accepts QUIC connections from mirrors and addresses them by the
// peer id each one announces in its hello. A peer that reconnects replaces
// its previous connection.
type Server struct {
	local    protocol.PeerID
	config   Config
	listener *quic.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	peers   map[protocol.PeerID]*conn
	receive protocol.ReceiveFunc
	onPeer  PeerFunc
	closed  bool

	logger log.Log
}

// Listen binds addr and starts accepting connections. Without config.TLS a
// self-signed certificate is generated.
func Listen(addr string, local protocol.PeerID, config Config, logger log.Log) (*Server, error) {
	config = config.withDefaults()
	tlsConfig := config.TLS
	if tlsConfig == nil {
		var err error
		if tlsConfig, err = GenerateSelfSignedTLS(); err != nil {
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
	}
	listener, err := quic.ListenAddr(addr, tlsConfig, config.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		local:    local,
		config:   config,
		listener: listener,
		ctx:      ctx,
		cancel:   cancel,
		peers:    make(map[protocol.PeerID]*conn),
		logger:   logger.With(log.String("component", "quic-server")),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	s.logger.Info("Listening", log.String("addr", listener.Addr().String()))
	return s, nil
}

func (s *Server) LocalID() protocol.PeerID {
	return s.local
}

// Addr is the bound UDP address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) OnReceive(fn protocol.ReceiveFunc) {
	s.mu.Lock()
	s.receive = fn
	s.mu.Unlock()
}

func (s *Server) OnPeer(fn PeerFunc) {
	s.mu.Lock()
	s.onPeer = fn
	s.mu.Unlock()
}

// Send queues data for one peer, or for every connected peer when to is
// protocol.Broadcast. Broadcast reports the first queue error only.
func (s *Server) Send(_ context.Context, to protocol.PeerID, data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return protocol.ErrTransportClosed
	}
	if to != protocol.Broadcast {
		c, ok := s.peers[to]
		if !ok {
			return fmt.Errorf("quic peer %d: %w", to, protocol.ErrPeerNotFound)
		}
		return c.enqueue(data)
	}
	var first error
	for _, c := range s.peers {
		if err := c.enqueue(data); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *Server) Peers() []protocol.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.PeerID, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Stats sums datagram, stream and dropped packet counts over connected peers.
func (s *Server) Stats() (datagrams, streams, dropped uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.peers {
		datagrams += c.datagrams.Load()
		streams += c.streams.Load()
		dropped += c.dropped.Load()
	}
	return datagrams, streams, dropped
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		qc, err := s.listener.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Error("Accept failed", log.Error(err))
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(qc)
		}()
	}
}

func (s *Server) serve(qc *quic.Conn) {
	remote := qc.RemoteAddr().String()
	peer, err := acceptHello(s.ctx, qc, s.local, s.config.HandshakeTimeout)
	if err != nil {
		s.logger.Warn("Handshake failed", log.String("remote", remote), log.Error(err))
		_ = qc.CloseWithError(codeNormal, "handshake failed")
		return
	}

	c := newConn(peer, qc, s.config)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.close(codeNormal)
		return
	}
	previous := s.peers[peer]
	s.peers[peer] = c
	onPeer := s.onPeer
	s.mu.Unlock()
	if previous != nil {
		previous.close(codeReplaced)
	}

	s.logger.Info("Peer connected", log.Uint64("peer", uint64(peer)), log.String("remote", remote))
	if onPeer != nil {
		onPeer(peer, true)
	}

	err = c.run(func(data []byte) { s.deliver(peer, data) })

	s.mu.Lock()
	current := s.peers[peer] == c
	if current {
		delete(s.peers, peer)
	}
	onPeer = s.onPeer
	s.mu.Unlock()

	if err != nil {
		s.logger.Debug("Peer connection ended", log.Uint64("peer", uint64(peer)), log.Error(err))
	}
	if current {
		s.logger.Info("Peer disconnected", log.Uint64("peer", uint64(peer)))
		if onPeer != nil {
			onPeer(peer, false)
		}
	}
}

func (s *Server) deliver(from protocol.PeerID, data []byte) {
	s.mu.RLock()
	fn := s.receive
	s.mu.RUnlock()
	if fn != nil {
		fn(from, data)
	}
}

// Close stops accepting, disconnects every peer and waits for the
// connection goroutines to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	peers := s.peers
	s.peers = make(map[protocol.PeerID]*conn)
	s.mu.Unlock()

	s.cancel()
	for _, c := range peers {
		c.close(codeNormal)
	}
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

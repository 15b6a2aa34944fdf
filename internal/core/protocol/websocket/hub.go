package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/zeusync/gridsync/internal/core/observability/log"
	"github.com/zeusync/gridsync/internal/core/protocol"
)

var (
	_ protocol.Transport = (*Hub)(nil)
	_ http.Handler       = (*Hub)(nil)
)

// PeerFunc is told when a peer connects or disconnects.
type PeerFunc func(peer protocol.PeerID, connected bool)

// Hub is the server end: an http.Handler that upgrades mirror connections
// and a Transport that addresses them by peer id. A peer that reconnects
// replaces its previous connection.
type Hub struct {
	local    protocol.PeerID
	config   Config
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	peers   map[protocol.PeerID]*conn
	receive protocol.ReceiveFunc
	onPeer  PeerFunc
	closed  bool

	logger log.Log
}

func NewHub(local protocol.PeerID, config Config, logger log.Log) *Hub {
	config = config.withDefaults()
	return &Hub{
		local:  local,
		config: config,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: config.HandshakeTimeout,
			ReadBufferSize:   config.BufferSize,
			WriteBufferSize:  config.BufferSize,
			// Peers authenticate by id, not by browser origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		peers:  make(map[protocol.PeerID]*conn),
		logger: logger.With(log.String("component", "websocket-hub")),
	}
}

func (h *Hub) LocalID() protocol.PeerID {
	return h.local
}

func (h *Hub) OnReceive(fn protocol.ReceiveFunc) {
	h.mu.Lock()
	h.receive = fn
	h.mu.Unlock()
}

// OnPeer registers fn for connect and disconnect notifications.
func (h *Hub) OnPeer(fn PeerFunc) {
	h.mu.Lock()
	h.onPeer = fn
	h.mu.Unlock()
}

// Send queues data for one peer, or for every connected peer when to is
// protocol.Broadcast. Broadcast reports the first queue error only.
func (h *Hub) Send(_ context.Context, to protocol.PeerID, data []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return protocol.ErrTransportClosed
	}
	if to != protocol.Broadcast {
		c, ok := h.peers[to]
		if !ok {
			return fmt.Errorf("websocket peer %d: %w", to, protocol.ErrPeerNotFound)
		}
		return c.enqueue(data)
	}
	var first error
	for _, c := range h.peers {
		if err := c.enqueue(data); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Peers lists connected peers in ascending order.
func (h *Hub) Peers() []protocol.PeerID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]protocol.PeerID, 0, len(h.peers))
	for id := range h.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dropped counts packets discarded because a peer's queue was full.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var n uint64
	for _, c := range h.peers {
		n += c.dropped.Load()
	}
	return n
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	peer, err := parsePeer(r.URL.Query().Get(peerQuery))
	if err != nil || peer == h.local {
		http.Error(w, "missing or invalid peer id", http.StatusBadRequest)
		return
	}
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "hub closed", http.StatusServiceUnavailable)
		return
	}

	header := http.Header{peerHeader: []string{strconv.FormatUint(uint64(h.local), 10)}}
	ws, err := h.upgrader.Upgrade(w, r, header)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", log.Uint64("peer", uint64(peer)), log.Error(err))
		return
	}

	c := newConn(peer, ws, h.config)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.close()
		return
	}
	previous := h.peers[peer]
	h.peers[peer] = c
	onPeer := h.onPeer
	h.mu.Unlock()
	if previous != nil {
		previous.close()
	}

	h.logger.Info("Peer connected", log.Uint64("peer", uint64(peer)), log.String("remote", r.RemoteAddr))
	if onPeer != nil {
		onPeer(peer, true)
	}

	go c.writeLoop()
	err = c.readLoop(func(data []byte) { h.deliver(peer, data) })

	h.mu.Lock()
	current := h.peers[peer] == c
	if current {
		delete(h.peers, peer)
	}
	onPeer = h.onPeer
	h.mu.Unlock()

	if err != nil {
		h.logger.Debug("Peer read failed", log.Uint64("peer", uint64(peer)), log.Error(err))
	}
	if current {
		h.logger.Info("Peer disconnected", log.Uint64("peer", uint64(peer)))
		if onPeer != nil {
			onPeer(peer, false)
		}
	}
}

func (h *Hub) deliver(from protocol.PeerID, data []byte) {
	h.mu.RLock()
	fn := h.receive
	h.mu.RUnlock()
	if fn != nil {
		fn(from, data)
	}
}

// Close disconnects every peer. Later upgrades are refused.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	peers := h.peers
	h.peers = make(map[protocol.PeerID]*conn)
	h.mu.Unlock()

	for _, c := range peers {
		c.close()
	}
	return nil
}

var errInvalidPeer = errors.New("invalid peer id")

func parsePeer(s string) (protocol.PeerID, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errInvalidPeer, err)
	}
	peer := protocol.PeerID(id)
	if peer == 0 || peer == protocol.Broadcast {
		return 0, errInvalidPeer
	}
	return peer, nil
}

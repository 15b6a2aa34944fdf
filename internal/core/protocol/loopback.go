package protocol

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

const maxFlushRounds = 64

type packet struct {
	from PeerID
	to   PeerID
	data []byte
}

// LoopbackOption tunes the in-process network.
type LoopbackOption func(*Network)

// WithLoss drops each packet with probability p.
func WithLoss(p float64) LoopbackOption {
	return func(n *Network) { n.loss = p }
}

// WithReorder shuffles each batch of queued packets before delivery.
func WithReorder() LoopbackOption {
	return func(n *Network) { n.reorder = true }
}

// WithSeed makes loss and reordering reproducible.
func WithSeed(seed uint64) LoopbackOption {
	return func(n *Network) { n.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// Network is an in-process packet switch. Packets queue until Flush, which
// makes multi-peer exchanges deterministic in tests; Run flushes on a ticker.
type Network struct {
	mu        sync.Mutex
	endpoints map[PeerID]*LoopbackTransport
	pending   []packet

	loss    float64
	reorder bool
	rng     *rand.Rand

	dropped uint64
}

func NewNetwork(opts ...LoopbackOption) *Network {
	n := &Network{
		endpoints: make(map[PeerID]*LoopbackTransport),
		rng:       rand.New(rand.NewPCG(1, 2)),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Join attaches a new endpoint with the given id.
func (n *Network) Join(id PeerID) *LoopbackTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &LoopbackTransport{network: n, id: id}
	n.endpoints[id] = t
	return t
}

func (n *Network) leave(id PeerID) {
	n.mu.Lock()
	delete(n.endpoints, id)
	n.mu.Unlock()
}

func (n *Network) enqueue(p packet) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p.to != Broadcast {
		if _, ok := n.endpoints[p.to]; !ok {
			return ErrPeerNotFound
		}
		n.pending = append(n.pending, p)
		return nil
	}
	for id := range n.endpoints {
		if id == p.from {
			continue
		}
		n.pending = append(n.pending, packet{from: p.from, to: id, data: p.data})
	}
	return nil
}

// Flush delivers queued packets, including the ones produced while delivering,
// until the network is quiet. It returns the number of packets delivered.
func (n *Network) Flush() int {
	delivered := 0
	for round := 0; round < maxFlushRounds; round++ {
		n.mu.Lock()
		batch := n.pending
		n.pending = nil
		if n.reorder {
			n.rng.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })
		}
		kept := batch[:0]
		for _, p := range batch {
			if n.loss > 0 && n.rng.Float64() < n.loss {
				n.dropped++
				continue
			}
			kept = append(kept, p)
		}
		targets := make([]*LoopbackTransport, len(kept))
		for i, p := range kept {
			targets[i] = n.endpoints[p.to]
		}
		n.mu.Unlock()

		if len(kept) == 0 {
			return delivered
		}
		for i, p := range kept {
			if targets[i] == nil {
				continue
			}
			targets[i].deliver(p.from, p.data)
			delivered++
		}
	}
	return delivered
}

// Run flushes every interval until ctx is done.
func (n *Network) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.Flush()
		}
	}
}

func (n *Network) Dropped() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// LoopbackTransport is one endpoint of a Network.
type LoopbackTransport struct {
	network *Network
	id      PeerID

	mu      sync.RWMutex
	receive ReceiveFunc
	closed  bool
}

var _ Transport = (*LoopbackTransport)(nil)

func (t *LoopbackTransport) LocalID() PeerID {
	return t.id
}

func (t *LoopbackTransport) Send(_ context.Context, to PeerID, data []byte) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrTransportClosed
	}
	return t.network.enqueue(packet{from: t.id, to: to, data: append([]byte(nil), data...)})
}

func (t *LoopbackTransport) OnReceive(fn ReceiveFunc) {
	t.mu.Lock()
	t.receive = fn
	t.mu.Unlock()
}

func (t *LoopbackTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.network.leave(t.id)
	return nil
}

func (t *LoopbackTransport) deliver(from PeerID, data []byte) {
	t.mu.RLock()
	fn, closed := t.receive, t.closed
	t.mu.RUnlock()
	if fn == nil || closed {
		return
	}
	fn(from, data)
}

package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	sc "sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/zeusync/gridsync/internal/config"
	"github.com/zeusync/gridsync/internal/core/charge"
	"github.com/zeusync/gridsync/internal/core/events/bus"
	"github.com/zeusync/gridsync/internal/core/group"
	"github.com/zeusync/gridsync/internal/core/observability/log"
	"github.com/zeusync/gridsync/internal/core/protocol"
	"github.com/zeusync/gridsync/internal/core/scores"
	"github.com/zeusync/gridsync/internal/core/storage"
	"github.com/zeusync/gridsync/internal/core/sync"
)

var (
	ErrNoTransport       = errors.New("no transport configured")
	ErrAuthorityMismatch = errors.New("connected peer is not the configured authority")
	ErrDisconnected      = errors.New("disconnected from authority")
	ErrClosed            = errors.New("node is closed")
)

type Option func(*options)

type options struct {
	transport protocol.Transport
	store     sync.BlobStore
	events    bus.EventBus
}

// WithTransport supplies the transport instead of building one from the
// config. Required for the loopback kind.
func WithTransport(t protocol.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithStore replaces the configured blob store. It is still wrapped in the
// circuit breaker.
func WithStore(store sync.BlobStore) Option {
	return func(o *options) { o.store = store }
}

func WithEvents(events bus.EventBus) Option {
	return func(o *options) { o.events = events }
}

// Node is one participant of the replication topology: the authority that
// owns every canonical value, or a mirror that follows it.
type Node struct {
	instance uuid.UUID
	cfg      config.Config
	role     sync.Role

	transport  protocol.Transport
	listener   net.Listener
	httpServer *http.Server

	channel    *protocol.Channel
	replicator *sync.Replicator
	events     bus.EventBus
	store      sync.BlobStore

	schema    group.Schema
	registry  *group.Registry
	lifecycle *group.Lifecycle

	mu       sc.Mutex
	chargers map[string]*charge.Controller
	boards   map[string]*scores.Board
	closed   bool

	base   log.Log
	logger log.Log
}

// New builds a node from cfg and connects its transport. A mirror dials the
// authority here; an authority binds its listen address but only serves it
// once Run is called.
func New(ctx context.Context, cfg config.Config, logger log.Log, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	schema, err := cfg.Schema()
	if err != nil {
		return nil, err
	}

	n := &Node{
		instance: uuid.New(),
		cfg:      cfg,
		role:     cfg.Role(),
		events:   o.events,
		schema:   schema,
		chargers: make(map[string]*charge.Controller),
		boards:   make(map[string]*scores.Board),
		base:     logger,
	}
	n.logger = logger.With(
		log.String("component", "node"),
		log.Uint64("peer", cfg.Node.ID),
		log.String("role", n.role.String()),
		log.String("instance", n.instance.String()))
	if n.events == nil {
		n.events = bus.New()
	}

	if n.store, err = n.buildStore(o.store); err != nil {
		return nil, err
	}
	if o.transport != nil {
		n.transport = o.transport
	} else if err = n.connect(ctx); err != nil {
		return nil, err
	}

	n.channel = protocol.NewChannel(n.transport, n.base)
	n.replicator, err = sync.NewReplicator(n.channel, sync.ReplicatorConfig{
		Channel:       protocol.ChannelID(cfg.Replication.Channel),
		Role:          n.role,
		Authority:     protocol.PeerID(cfg.Node.Authority),
		ProposalRate:  cfg.Replication.ProposalRate,
		ProposalBurst: cfg.Replication.ProposalBurst,
	}, n.base)
	if err != nil {
		_ = n.closeTransport()
		return nil, err
	}

	n.registry = group.NewRegistry(group.NewSynchronizer(schema, n.base), n.events, n.replicator, n.base)
	n.lifecycle = group.NewLifecycle(n.registry, cfg.Group.TagPrefix)

	n.logger.Info("Node created",
		log.String("transport", cfg.Transport.Kind),
		log.Uint64("authority", cfg.Node.Authority),
		log.Bool("persistent", n.store != nil))
	return n, nil
}

func (n *Node) buildStore(override sync.BlobStore) (sync.BlobStore, error) {
	inner := override
	if inner == nil {
		switch n.cfg.Storage.Kind {
		case config.StorageMemory:
			inner = storage.NewMemory()
		case config.StorageDir:
			dir, err := storage.NewDir(n.cfg.Storage.Dir)
			if err != nil {
				return nil, err
			}
			inner = dir
		default:
			return nil, nil
		}
	}
	return storage.NewGuarded(inner, n.cfg.Storage.Breaker, n.base), nil
}

func (n *Node) Instance() uuid.UUID {
	return n.instance
}

func (n *Node) PeerID() protocol.PeerID {
	return n.transport.LocalID()
}

func (n *Node) Role() sync.Role {
	return n.role
}

func (n *Node) IsAuthority() bool {
	return n.role == sync.RoleAuthority
}

// Addr is the bound listen address of an authority, or nil.
func (n *Node) Addr() net.Addr {
	if n.listener != nil {
		return n.listener.Addr()
	}
	if a, ok := n.transport.(interface{ Addr() net.Addr }); ok {
		return a.Addr()
	}
	return nil
}

func (n *Node) Events() bus.EventBus {
	return n.events
}

func (n *Node) Registry() *group.Registry {
	return n.registry
}

func (n *Node) Replicator() *sync.Replicator {
	return n.replicator
}

func (n *Node) Metrics() protocol.MetricsSnapshot {
	return n.channel.Metrics()
}

// Close saves persistent state, then releases every value and the transport.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	chargers, boards := n.chargers, n.boards
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Transport.HandshakeTimeout)
	defer cancel()
	err := n.save(ctx, chargers, boards)

	n.registry.WaitScans()
	for _, c := range chargers {
		err = multierr.Append(err, c.Close())
	}
	for _, b := range boards {
		err = multierr.Append(err, b.Close())
	}
	n.replicator.Close()
	err = multierr.Append(err, n.closeTransport())
	n.logger.Info("Node closed")
	return err
}

func (n *Node) closeTransport() error {
	var err error
	if n.httpServer != nil {
		err = ignoreClosed(n.httpServer.Close())
	}
	if n.listener != nil {
		err = multierr.Append(err, ignoreClosed(n.listener.Close()))
	}
	if n.transport != nil {
		err = multierr.Append(err, n.transport.Close())
	}
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (n *Node) checkOpen() error {
	if n.closed {
		return ErrClosed
	}
	return nil
}

func (n *Node) requireAuthority(op string) error {
	if n.role != sync.RoleAuthority {
		return fmt.Errorf("%s: %w", op, sync.ErrNotAuthoritative)
	}
	return nil
}

package sync

import (
	"context"
	"errors"
	"fmt"
	sc "sync"
	"sync/atomic"

	"github.com/zeusync/gridsync/internal/core/observability/log"
	"github.com/zeusync/gridsync/internal/core/protocol"
)

// Role is the replication role of a node. It decides, for every value bound
// to a Replicator, which side is authoritative.
type Role uint8

const (
	RoleAuthority Role = iota
	RoleMirror
)

func (r Role) String() string {
	if r == RoleAuthority {
		return "authority"
	}
	return "mirror"
}

// Message discriminators on the replication channel.
const (
	DiscSnapshot        protocol.Discriminator = 1
	DiscProposal        protocol.Discriminator = 2
	DiscSnapshotRequest protocol.Discriminator = 3
)

const (
	fieldKeyID protocol.FieldNumber = 1
	fieldBody  protocol.FieldNumber = 2
)

// allKeys in a snapshot request asks for every bound value.
const allKeys uint64 = 0

type link interface {
	publish(id uint64, revision uint32, body []byte)
	propose(id uint64, base uint32, body []byte) error
	unbind(id uint64)
}

// Replicable is implemented by *Value[T].
type Replicable interface {
	Key() string
	replicationID() uint64
	attach(l link, authoritative bool) error
	encodedSnapshot() (uint32, []byte)
	receiveSnapshot(revision uint32, body []byte) error
	receiveProposal(from protocol.PeerID, base uint32, body []byte) error
}

type ReplicatorConfig struct {
	Channel   protocol.ChannelID
	Role      Role
	Authority protocol.PeerID
	// ProposalRate limits proposals per mirror per second on the authority. Zero disables it.
	ProposalRate  int
	ProposalBurst int
}

type ReplicatorStats struct {
	Snapshots   uint64
	Proposals   uint64
	Stale       uint64
	Rejected    uint64
	RateLimited uint64
	UnknownKeys uint64
}

// Replicator carries snapshots and proposals for a set of values over one channel.
type Replicator struct {
	channel *protocol.Channel
	config  ReplicatorConfig
	limiter *protocol.SenderLimiter

	mu     sc.RWMutex
	values map[uint64]Replicable

	snapshots   atomic.Uint64
	proposals   atomic.Uint64
	stale       atomic.Uint64
	rejected    atomic.Uint64
	rateLimited atomic.Uint64
	unknownKeys atomic.Uint64

	logger log.Log
}

var _ link = (*Replicator)(nil)

func NewReplicator(channel *protocol.Channel, config ReplicatorConfig, logger log.Log) (*Replicator, error) {
	r := &Replicator{
		channel: channel,
		config:  config,
		values:  make(map[uint64]Replicable),
		logger: logger.With(
			log.String("component", "replicator"),
			log.String("role", config.Role.String()),
			log.Uint16("channel", uint16(config.Channel))),
	}

	if config.Role == RoleAuthority && config.ProposalRate > 0 {
		limiter, err := protocol.NewSenderLimiter(config.ProposalRate, config.ProposalBurst)
		if err != nil {
			return nil, err
		}
		r.limiter = limiter
	}

	mux := protocol.NewMux().
		HandleFunc(DiscSnapshot, r.handleSnapshot).
		HandleFunc(DiscProposal, r.handleProposal).
		HandleFunc(DiscSnapshotRequest, r.handleSnapshotRequest)
	if err := channel.Register(config.Channel, mux); err != nil {
		return nil, fmt.Errorf("replicator: %w", err)
	}
	return r, nil
}

func (r *Replicator) Role() Role {
	return r.config.Role
}

// Bind attaches v. The node role decides whether v is authoritative; a mirror
// asks the authority for the current snapshot right away.
func (r *Replicator) Bind(v Replicable) error {
	id := v.replicationID()
	r.mu.Lock()
	if existing, ok := r.values[id]; ok {
		r.mu.Unlock()
		if existing.Key() == v.Key() {
			return fmt.Errorf("bind %q: %w", v.Key(), ErrAlreadyBound)
		}
		return fmt.Errorf("bind %q (with %q): %w", v.Key(), existing.Key(), ErrKeyCollision)
	}
	if err := v.attach(r, r.config.Role == RoleAuthority); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("bind %q: %w", v.Key(), err)
	}
	r.values[id] = v
	r.mu.Unlock()

	if r.config.Role == RoleMirror {
		r.requestSnapshot(id)
	}
	return nil
}

// RequestSnapshots asks the authority for every bound value. Mirrors call it
// after reconnecting.
func (r *Replicator) RequestSnapshots() {
	if r.config.Role == RoleMirror {
		r.requestSnapshot(allKeys)
	}
}

func (r *Replicator) Bound() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.values)
}

func (r *Replicator) Stats() ReplicatorStats {
	return ReplicatorStats{
		Snapshots:   r.snapshots.Load(),
		Proposals:   r.proposals.Load(),
		Stale:       r.stale.Load(),
		Rejected:    r.rejected.Load(),
		RateLimited: r.rateLimited.Load(),
		UnknownKeys: r.unknownKeys.Load(),
	}
}

func (r *Replicator) Close() {
	r.channel.Unregister(r.config.Channel)
}

func (r *Replicator) publish(id uint64, revision uint32, body []byte) {
	r.send(protocol.Broadcast, DiscSnapshot, id, revision, body)
}

func (r *Replicator) propose(id uint64, base uint32, body []byte) error {
	return r.channel.Send(context.Background(), r.config.Authority, protocol.Message{
		Channel:       r.config.Channel,
		Discriminator: DiscProposal,
		Revision:      base,
		Payload:       encodeBody(id, body),
	})
}

func (r *Replicator) unbind(id uint64) {
	r.mu.Lock()
	delete(r.values, id)
	r.mu.Unlock()
}

func (r *Replicator) requestSnapshot(id uint64) {
	r.send(r.config.Authority, DiscSnapshotRequest, id, 0, nil)
}

func (r *Replicator) send(to protocol.PeerID, disc protocol.Discriminator, id uint64, revision uint32, body []byte) {
	err := r.channel.Send(context.Background(), to, protocol.Message{
		Channel:       r.config.Channel,
		Discriminator: disc,
		Revision:      revision,
		Payload:       encodeBody(id, body),
	})
	if err != nil {
		r.logger.Debug("Replication send failed",
			log.Uint64("to", uint64(to)),
			log.Uint8("discriminator", uint8(disc)),
			log.Error(err))
	}
}

func (r *Replicator) lookup(id uint64) (Replicable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[id]
	return v, ok
}

func (r *Replicator) handleSnapshot(msg protocol.Message) error {
	if r.config.Role == RoleAuthority {
		r.logger.Warn("Ignored snapshot sent to authority", log.Uint64("sender", uint64(msg.Sender)))
		return nil
	}
	id, body, err := decodeBody(msg.Payload)
	if err != nil {
		return err
	}
	v, ok := r.lookup(id)
	if !ok {
		r.unknownKeys.Add(1)
		return nil
	}
	r.snapshots.Add(1)
	if err = v.receiveSnapshot(msg.Revision, body); err != nil {
		if errors.Is(err, ErrStaleRevision) {
			r.stale.Add(1)
			return nil
		}
		return err
	}
	return nil
}

func (r *Replicator) handleProposal(msg protocol.Message) error {
	if r.config.Role != RoleAuthority {
		return nil
	}
	id, body, err := decodeBody(msg.Payload)
	if err != nil {
		return err
	}
	v, ok := r.lookup(id)
	if !ok {
		r.unknownKeys.Add(1)
		return nil
	}
	if !r.limiter.Allow(msg.Sender) {
		r.rateLimited.Add(1)
		r.logger.Debug("Proposal rate limited", log.Uint64("sender", uint64(msg.Sender)), log.String("key", v.Key()))
		return nil
	}

	r.proposals.Add(1)
	err = v.receiveProposal(msg.Sender, msg.Revision, body)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStaleRevision):
		r.stale.Add(1)
		return nil
	case errors.Is(err, protocol.ErrMalformedPayload):
		return err
	default:
		r.rejected.Add(1)
		r.logger.Debug("Proposal rejected",
			log.Uint64("sender", uint64(msg.Sender)),
			log.String("key", v.Key()),
			log.Error(err))
		revision, canonical := v.encodedSnapshot()
		r.send(msg.Sender, DiscSnapshot, id, revision, canonical)
		return nil
	}
}

func (r *Replicator) handleSnapshotRequest(msg protocol.Message) error {
	if r.config.Role != RoleAuthority {
		return nil
	}
	id, _, err := decodeBody(msg.Payload)
	if err != nil {
		return err
	}

	var targets []Replicable
	r.mu.RLock()
	if id == allKeys {
		targets = make([]Replicable, 0, len(r.values))
		for _, v := range r.values {
			targets = append(targets, v)
		}
	} else if v, ok := r.values[id]; ok {
		targets = append(targets, v)
	}
	r.mu.RUnlock()

	if len(targets) == 0 && id != allKeys {
		r.unknownKeys.Add(1)
	}
	for _, v := range targets {
		revision, body := v.encodedSnapshot()
		r.send(msg.Sender, DiscSnapshot, v.replicationID(), revision, body)
	}
	return nil
}

func encodeBody(id uint64, body []byte) []byte {
	e := protocol.NewEncoder(12 + len(body)).Uint(fieldKeyID, id)
	if body != nil {
		e.Bytes(fieldBody, body)
	}
	return e.Encode()
}

func decodeBody(payload []byte) (uint64, []byte, error) {
	var (
		id   uint64
		body []byte
	)
	d := protocol.NewDecoder(payload)
	for d.Next() {
		switch d.Field() {
		case fieldKeyID:
			id = d.Uint()
		case fieldBody:
			body = d.Bytes()
		}
	}
	if err := d.Err(); err != nil {
		return 0, nil, err
	}
	return id, body, nil
}

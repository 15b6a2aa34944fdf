package sync

import (
	"bytes"
	"fmt"
	sc "sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/zeusync/gridsync/internal/core/observability/log"
	"github.com/zeusync/gridsync/internal/core/protocol"
)

// Direction says who may originate changes to a value.
type Direction uint8

const (
	// AuthorityToAll values change only on the authority; mirrors are read-only.
	AuthorityToAll Direction = iota
	// BidirectionalProposed values also accept proposals from mirrors, which
	// the authority validates before committing.
	BidirectionalProposed
)

func (d Direction) String() string {
	switch d {
	case AuthorityToAll:
		return "authority-to-all"
	case BidirectionalProposed:
		return "bidirectional-proposed"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// ChangeFunc observes accepted transitions.
type ChangeFunc[T any] func(old, new T)

// Proposal is a change requested by a mirror.
type Proposal[T any] struct {
	From         protocol.PeerID
	BaseRevision uint32
	Value        T
}

// ProposalFunc decides what to do with a proposal on the authority. Returning
// an error rejects it and the proposer is resent the canonical value.
type ProposalFunc[T any] func(p Proposal[T]) error

// Option configures a Value.
type Option[T any] func(*Value[T])

func WithDirection[T any](d Direction) Option[T] {
	return func(v *Value[T]) { v.direction = d }
}

// WithEqual overrides equality. The default compares encodings.
func WithEqual[T any](eq func(a, b T) bool) Option[T] {
	return func(v *Value[T]) { v.equal = eq }
}

func WithLogger[T any](logger log.Log) Option[T] {
	return func(v *Value[T]) { v.logger = logger }
}

// WithProposalHandler replaces the default accept-verbatim policy.
func WithProposalHandler[T any](fn ProposalFunc[T]) Option[T] {
	return func(v *Value[T]) { v.onProposal = fn }
}

// AcceptStaleProposals passes proposals built on an old revision to the
// proposal handler instead of dropping them. Use it for intent-style
// proposals that are revalidated against the current value.
func AcceptStaleProposals[T any]() Option[T] {
	return func(v *Value[T]) { v.acceptStale = true }
}

type observer[T any] struct {
	id uuid.UUID
	fn ChangeFunc[T]
}

type change[T any] struct {
	observers []observer[T]
	old, next T
}

// Value is a replicated value. On the authoritative side Set commits,
// bumps the revision and broadcasts; on a mirror Set turns into a proposal
// (or fails, for AuthorityToAll) and remote snapshots are applied by
// revision. A Value that is not bound to a Replicator behaves as authoritative.
type Value[T any] struct {
	key       string
	id        uint64
	direction Direction
	codec     Codec[T]
	equal     func(a, b T) bool

	mu            sc.Mutex
	value         T
	revision      uint32
	authoritative bool
	closed        bool
	observers     []observer[T]
	link          link
	// synced is set once a mirror accepted its first snapshot.
	synced bool

	// pending holds committed changes not yet delivered to observers;
	// delivering marks the goroutine draining it.
	pending    []change[T]
	delivering bool

	onProposal  ProposalFunc[T]
	acceptStale bool

	staleDrops atomic.Uint64
	logger     log.Log
}

func NewValue[T any](key string, initial T, codec Codec[T], opts ...Option[T]) *Value[T] {
	v := &Value[T]{
		key:           key,
		id:            xxhash.Sum64String(key),
		direction:     AuthorityToAll,
		codec:         codec,
		value:         initial,
		authoritative: true,
		logger:        log.Provide(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.equal == nil {
		v.equal = func(a, b T) bool { return bytes.Equal(codec.Encode(a), codec.Encode(b)) }
	}
	if v.onProposal == nil {
		v.onProposal = func(p Proposal[T]) error { return v.Set(p.Value) }
	}
	v.logger = v.logger.With(log.String("component", "value"), log.String("key", key))
	return v
}

func (v *Value[T]) Key() string {
	return v.key
}

func (v *Value[T]) Direction() Direction {
	return v.direction
}

func (v *Value[T]) IsAuthoritative() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.authoritative
}

func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

func (v *Value[T]) Revision() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.revision
}

// Snapshot returns the value and its revision read together.
func (v *Value[T]) Snapshot() (T, uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value, v.revision
}

// StaleDrops counts snapshots and proposals discarded for carrying an old revision.
func (v *Value[T]) StaleDrops() uint64 {
	return v.staleDrops.Load()
}

// Set commits next on the authority. On a mirror it sends a proposal for
// BidirectionalProposed values and fails with ErrNotAuthoritative otherwise;
// the local value is left alone until the authority answers.
func (v *Value[T]) Set(next T) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return fmt.Errorf("set %q: %w", v.key, ErrClosed)
	}

	if !v.authoritative {
		base, l := v.revision, v.link
		v.mu.Unlock()
		if v.direction != BidirectionalProposed {
			return fmt.Errorf("set %q: %w", v.key, ErrNotAuthoritative)
		}
		if l == nil {
			return nil
		}
		return l.propose(v.id, base, v.codec.Encode(next))
	}

	if v.equal(v.value, next) {
		v.mu.Unlock()
		return nil
	}
	old := v.value
	v.value = next
	v.revision++
	rev, l := v.revision, v.link
	drain := v.enqueueLocked(old, next)
	v.mu.Unlock()

	if drain {
		v.deliver()
	}
	if l != nil {
		l.publish(v.id, rev, v.codec.Encode(next))
	}
	return nil
}

// Republish broadcasts the current value at its current revision. Mirrors that
// already hold it drop the copy as stale; the ones that missed it catch up.
func (v *Value[T]) Republish() {
	v.mu.Lock()
	if !v.authoritative || v.closed || v.link == nil {
		v.mu.Unlock()
		return
	}
	current, rev, l := v.value, v.revision, v.link
	v.mu.Unlock()
	l.publish(v.id, rev, v.codec.Encode(current))
}

// Update applies fn to the current value and commits the result with Set
// semantics, holding no lock while fn runs. Only valid on the authority.
func (v *Value[T]) Update(fn func(current T) T) error {
	v.mu.Lock()
	if !v.authoritative {
		v.mu.Unlock()
		return fmt.Errorf("update %q: %w", v.key, ErrNotAuthoritative)
	}
	current := v.value
	v.mu.Unlock()
	return v.Set(fn(current))
}

// ApplyRemote installs an authoritative snapshot on a mirror. Snapshots whose
// revision is not strictly newer are dropped and reported as ErrStaleRevision,
// except that a mirror which never synced accepts the authority's initial
// revision. Observers fire only when the value actually changes.
func (v *Value[T]) ApplyRemote(revision uint32, next T) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return fmt.Errorf("apply %q: %w", v.key, ErrClosed)
	}
	if v.authoritative {
		v.mu.Unlock()
		return fmt.Errorf("apply %q: remote snapshot on authority: %w", v.key, ErrStaleRevision)
	}
	if revision < v.revision || (revision == v.revision && v.synced) {
		local := v.revision
		v.mu.Unlock()
		v.staleDrops.Add(1)
		v.logger.Debug("Dropped stale snapshot", log.Uint32("revision", revision), log.Uint32("local_revision", local))
		return ErrStaleRevision
	}
	old := v.value
	changed := !v.equal(old, next)
	v.value = next
	v.revision = revision
	v.synced = true
	drain := changed && v.enqueueLocked(old, next)
	v.mu.Unlock()

	if drain {
		v.deliver()
	}
	return nil
}

// Observe registers fn for accepted transitions. Changes are delivered one at
// a time in commit order, each to observers in registration order. Delivery
// runs on a committing goroutine: when commits race, the one already
// delivering also delivers the others' changes before returning.
func (v *Value[T]) Observe(fn ChangeFunc[T]) *Subscription {
	id := uuid.New()
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return &Subscription{id: id, cancel: func() {}}
	}
	next := make([]observer[T], len(v.observers), len(v.observers)+1)
	copy(next, v.observers)
	v.observers = append(next, observer[T]{id: id, fn: fn})
	v.mu.Unlock()

	return newSubscription(id, func() { v.removeObserver(id) })
}

func (v *Value[T]) removeObserver(id uuid.UUID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	next := make([]observer[T], 0, len(v.observers))
	for _, o := range v.observers {
		if o.id != id {
			next = append(next, o)
		}
	}
	v.observers = next
}

// Close drops every observer and detaches the value from its replicator.
func (v *Value[T]) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.observers = nil
	v.pending = nil
	l := v.link
	v.link = nil
	v.mu.Unlock()

	if l != nil {
		l.unbind(v.id)
	}
	return nil
}

// enqueueLocked queues a change for the current observers and reports whether
// the caller has to deliver it.
func (v *Value[T]) enqueueLocked(old, next T) bool {
	if len(v.observers) == 0 && len(v.pending) == 0 {
		return false
	}
	v.pending = append(v.pending, change[T]{observers: v.observers, old: old, next: next})
	if v.delivering {
		return false
	}
	v.delivering = true
	return true
}

func (v *Value[T]) deliver() {
	finished := false
	defer func() {
		// an observer panicked; the next commit resumes delivery
		if !finished {
			v.mu.Lock()
			v.delivering = false
			v.mu.Unlock()
		}
	}()
	for {
		v.mu.Lock()
		if len(v.pending) == 0 {
			v.delivering = false
			v.mu.Unlock()
			finished = true
			return
		}
		c := v.pending[0]
		v.pending[0] = change[T]{}
		v.pending = v.pending[1:]
		v.mu.Unlock()

		for _, o := range c.observers {
			o.fn(c.old, c.next)
		}
	}
}

// The methods below implement binding for Replicator.

func (v *Value[T]) replicationID() uint64 {
	return v.id
}

func (v *Value[T]) attach(l link, authoritative bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	if v.link != nil {
		return ErrAlreadyBound
	}
	v.link = l
	v.authoritative = authoritative
	return nil
}

func (v *Value[T]) encodedSnapshot() (uint32, []byte) {
	current, rev := v.Snapshot()
	return rev, v.codec.Encode(current)
}

func (v *Value[T]) receiveSnapshot(revision uint32, body []byte) error {
	next, err := v.codec.Decode(body)
	if err != nil {
		return err
	}
	return v.ApplyRemote(revision, next)
}

func (v *Value[T]) receiveProposal(from protocol.PeerID, base uint32, body []byte) error {
	proposed, err := v.codec.Decode(body)
	if err != nil {
		return err
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrClosed
	}
	if !v.authoritative || v.direction != BidirectionalProposed {
		v.mu.Unlock()
		return fmt.Errorf("proposal for %q: %w", v.key, ErrNotAuthoritative)
	}
	current := v.revision
	v.mu.Unlock()

	if base < current && !v.acceptStale {
		v.staleDrops.Add(1)
		v.logger.Debug("Dropped stale proposal",
			log.Uint64("from", uint64(from)),
			log.Uint32("base_revision", base),
			log.Uint32("revision", current))
		return ErrStaleRevision
	}

	if err = v.onProposal(Proposal[T]{From: from, BaseRevision: base, Value: proposed}); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return nil
}

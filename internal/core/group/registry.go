package group

import (
	"fmt"
	sc "sync"

	"golang.org/x/sync/semaphore"

	"github.com/zeusync/gridsync/internal/core/events/bus"
	"github.com/zeusync/gridsync/internal/core/observability/log"
	"github.com/zeusync/gridsync/internal/core/sync"
)

const (
	clearedEmpty    = "empty"
	clearedDisabled = "disabled"
)

// Binder attaches member values to replication. *sync.Replicator implements it.
type Binder interface {
	Bind(v sync.Replicable) error
}

type groupState struct {
	canonical Vector
	policy    Policy
	active    bool
	// scan admits one activation scan at a time for this group.
	scan *semaphore.Weighted
}

// Registry tracks which entities share a group and keeps their parameter
// vectors reconciled. Membership changes always reconcile with aggregate-max;
// explicit edits arrive as Overwrite.
//
// Member vectors are pushed after mu is released, so observers of a tracked
// vector may read the registry. They must not change it.
type Registry struct {
	// writes orders mutations and their pushes; it is taken before mu.
	writes  sc.Mutex
	mu      sc.Mutex
	index   *membership
	members map[EntityID]*member
	groups  map[Key]*groupState

	sync   *Synchronizer
	events bus.EventBus
	binder Binder

	scans  sc.WaitGroup
	logger log.Log
}

// NewRegistry builds a registry. events and binder may be nil.
func NewRegistry(synchronizer *Synchronizer, events bus.EventBus, binder Binder, logger log.Log) *Registry {
	return &Registry{
		index:   newMembership(),
		members: make(map[EntityID]*member),
		groups:  make(map[Key]*groupState),
		sync:    synchronizer,
		events:  events,
		binder:  binder,
		logger:  logger.With(log.String("component", "group-registry")),
	}
}

// ValueKey is the replication key of an entity's parameter vector.
func ValueKey(id EntityID) string {
	return fmt.Sprintf("group/vector/%d", id)
}

// Track creates the replicated vector for id, or returns the existing one.
// initial may be partial; missing parameters take their defaults. Observers
// of the returned value run while the registry pushes and must not call its
// mutating methods.
func (r *Registry) Track(id EntityID, initial Vector) (*sync.Value[Vector], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.trackLocked(id, initial)
	if err != nil {
		return nil, err
	}
	return m.value, nil
}

func (r *Registry) trackLocked(id EntityID, initial Vector) (*member, error) {
	if m, ok := r.members[id]; ok {
		return m, nil
	}
	if err := r.sync.schema.Validate(initial); err != nil {
		return nil, fmt.Errorf("track entity %d: %w", id, err)
	}
	value := sync.NewValue(ValueKey(id), r.sync.schema.Normalize(initial), VectorCodec(),
		sync.WithDirection[Vector](sync.BidirectionalProposed),
		sync.WithEqual(Vector.Equal),
		sync.WithLogger[Vector](r.logger),
		sync.WithProposalHandler(func(p sync.Proposal[Vector]) error {
			return r.Overwrite(id, p.Value, p.BaseRevision)
		}),
	)
	if r.binder != nil {
		if err := r.binder.Bind(value); err != nil {
			return nil, fmt.Errorf("track entity %d: %w", id, err)
		}
	}
	m := &member{id: id, value: value, enabled: true}
	r.members[id] = m
	return m, nil
}

// OnEntityJoined adds id to key, creating the group on first join, and
// reconciles the group with aggregate-max. Joining the current group again
// changes nothing.
func (r *Registry) OnEntityJoined(id EntityID, key Key) error {
	r.writes.Lock()
	r.mu.Lock()
	if _, err := r.trackLocked(id, nil); err != nil {
		r.mu.Unlock()
		r.writes.Unlock()
		return err
	}
	prev, moved, changed := r.index.join(id, key)
	if !changed {
		r.mu.Unlock()
		r.writes.Unlock()
		return nil
	}

	var events []bus.Event
	if moved && !r.index.exists(prev) {
		events = append(events, r.clearLocked(prev, clearedEmpty))
	}
	plan := r.reconcileLocked(key)
	r.mu.Unlock()
	events = append(events, r.reconcile(plan)...)
	r.writes.Unlock()

	r.logger.Debug("Entity joined group", log.Uint64("entity", uint64(id)), log.String("group", string(key)))
	r.publish(events)
	return nil
}

// OnEntityLeft removes id. An emptied group is deleted with its canonical vector.
func (r *Registry) OnEntityLeft(id EntityID) error {
	r.writes.Lock()
	defer r.writes.Unlock()
	r.mu.Lock()
	var events []bus.Event
	if key, ok := r.index.leave(id); ok && !r.index.exists(key) {
		events = append(events, r.clearLocked(key, clearedEmpty))
	}
	m, tracked := r.members[id]
	delete(r.members, id)
	r.mu.Unlock()

	if tracked {
		_ = m.value.Close()
	}
	r.publish(events)
	return nil
}

// OnGroupsMerge moves every member of b into a and reconciles the union with
// aggregate-max, whatever policy either group used before.
func (r *Registry) OnGroupsMerge(a, b Key) error {
	if a == b {
		return nil
	}
	r.writes.Lock()
	r.mu.Lock()
	if !r.index.exists(a) && !r.index.exists(b) {
		r.mu.Unlock()
		r.writes.Unlock()
		return fmt.Errorf("merge %q into %q: %w", b, a, ErrUnknownGroup)
	}
	r.index.merge(a, b)
	delete(r.groups, b)
	plan := r.reconcileLocked(a)
	r.mu.Unlock()
	events := r.reconcile(plan)
	r.writes.Unlock()

	r.publish(events)
	return nil
}

// OnGroupSplit keeps survivors in original and moves the remaining members to
// newKey. Each non-empty partition is reconciled with aggregate-max; an empty
// one is cleared.
func (r *Registry) OnGroupSplit(original, newKey Key, survivors []EntityID) error {
	if original == newKey {
		return fmt.Errorf("split %q: partition keys must differ", original)
	}
	r.writes.Lock()
	r.mu.Lock()
	if !r.index.exists(original) {
		r.mu.Unlock()
		r.writes.Unlock()
		return fmt.Errorf("split %q: %w", original, ErrUnknownGroup)
	}
	moved := r.index.split(original, newKey, survivors)

	var events []bus.Event
	var plans []reconcilePlan
	if r.index.exists(original) {
		plans = append(plans, r.reconcileLocked(original))
	} else {
		events = append(events, r.clearLocked(original, clearedEmpty))
	}
	if len(moved) > 0 {
		plans = append(plans, r.reconcileLocked(newKey))
	}
	r.mu.Unlock()
	for _, plan := range plans {
		events = append(events, r.reconcile(plan)...)
	}
	r.writes.Unlock()

	r.publish(events)
	return nil
}

// Overwrite writes edit over the initiator's vector and pushes the result to
// every member of its group. edit may be partial: names it leaves out keep the
// initiator's current values. baseRevision is the initiator revision the edit
// was made against; an edit made against an older revision lost the race and
// is dropped.
func (r *Registry) Overwrite(initiator EntityID, edit Vector, baseRevision uint32) error {
	if err := r.sync.schema.Validate(edit); err != nil {
		return fmt.Errorf("overwrite from %d: %w", initiator, err)
	}

	r.writes.Lock()
	r.mu.Lock()
	m, ok := r.members[initiator]
	if !ok {
		r.mu.Unlock()
		r.writes.Unlock()
		return fmt.Errorf("overwrite from %d: %w", initiator, ErrUnknownEntity)
	}
	current, revision := m.value.Snapshot()
	if baseRevision < revision {
		r.mu.Unlock()
		r.writes.Unlock()
		return fmt.Errorf("overwrite from %d at %d (current %d): %w", initiator, baseRevision, revision, sync.ErrStaleRevision)
	}
	canonical := r.sync.schema.Normalize(current.Merge(edit))

	members := []*member{m}
	key, grouped := r.index.key(initiator)
	if grouped {
		state := r.stateLocked(key)
		members = r.membersLocked(key)
		state.canonical = canonical.Clone()
		state.policy = PolicyOverwrite
	} else {
		key = ""
	}
	r.mu.Unlock()
	events := changeEvents(r.sync.Overwrite(key, members, canonical))
	r.writes.Unlock()

	if grouped {
		events = append(events, bus.NewEvent(bus.EventGroupReconciled, "group", bus.GroupReconciled{
			Group: string(key), Policy: PolicyOverwrite.String(), Members: len(members),
		}))
	}
	r.publish(events)
	return nil
}

// Reconcile re-runs aggregate-max on key. A second run without intervening
// changes is a no-op apart from republishing.
func (r *Registry) Reconcile(key Key) error {
	r.writes.Lock()
	r.mu.Lock()
	if !r.index.exists(key) {
		r.mu.Unlock()
		r.writes.Unlock()
		return fmt.Errorf("reconcile %q: %w", key, ErrUnknownGroup)
	}
	plan := r.reconcileLocked(key)
	r.mu.Unlock()
	events := r.reconcile(plan)
	r.writes.Unlock()
	r.publish(events)
	return nil
}

// SetEnabled flips the entity's enabled flag; the next activation scan of its
// group picks it up.
func (r *Registry) SetEnabled(id EntityID, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	if !ok {
		return fmt.Errorf("enable %d: %w", id, ErrUnknownEntity)
	}
	m.enabled = enabled
	return nil
}

// RequestScan starts a background activation scan of key unless one is
// already running for that group, in which case the request is dropped.
func (r *Registry) RequestScan(key Key) bool {
	r.mu.Lock()
	state, ok := r.groups[key]
	r.mu.Unlock()
	if !ok || !state.scan.TryAcquire(1) {
		return false
	}
	r.scans.Add(1)
	go func() {
		defer r.scans.Done()
		defer state.scan.Release(1)
		r.scanActivation(key, state)
	}()
	return true
}

// ScanAll requests a scan of every group and returns how many were started.
func (r *Registry) ScanAll() int {
	started := 0
	for _, key := range r.Groups() {
		if r.RequestScan(key) {
			started++
		}
	}
	return started
}

// WaitScans blocks until every started scan has finished.
func (r *Registry) WaitScans() {
	r.scans.Wait()
}

func (r *Registry) scanActivation(key Key, state *groupState) {
	r.mu.Lock()
	if r.groups[key] != state {
		r.mu.Unlock()
		return
	}
	active := false
	for id := range r.index.groups[key] {
		if m := r.members[id]; m != nil && m.enabled {
			active = true
			break
		}
	}
	was := state.active
	state.active = active
	r.mu.Unlock()

	switch {
	case was && !active:
		r.logger.Info("Group deactivated", log.String("group", string(key)))
		r.publish([]bus.Event{bus.NewEvent(bus.EventGroupCleared, "group", bus.GroupCleared{Group: string(key), Reason: clearedDisabled})})
	case !was && active:
		r.logger.Info("Group activated", log.String("group", string(key)))
	}
}

// Active reports whether any member of key was enabled at the last scan.
func (r *Registry) Active(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.groups[key]
	return ok && state.active
}

// Effective is the vector the group should run at: its canonical vector while
// active, the defaults otherwise.
func (r *Registry) Effective(key Key) Vector {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.groups[key]
	if !ok || !state.active || state.canonical == nil {
		return r.sync.schema.Defaults()
	}
	return state.canonical.Clone()
}

func (r *Registry) Canonical(key Key) (Vector, Policy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.groups[key]
	if !ok || state.canonical == nil {
		return nil, PolicyNone, false
	}
	return state.canonical.Clone(), state.policy, true
}

func (r *Registry) Value(id EntityID) (*sync.Value[Vector], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	if !ok {
		return nil, false
	}
	return m.value, true
}

func (r *Registry) KeyOf(id EntityID) (Key, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index.key(id)
}

// Members lists key's members in join order.
func (r *Registry) Members(key Key) []EntityID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index.members(key)
}

// Coordinator is the earliest joined member still in key.
func (r *Registry) Coordinator(key Key) (EntityID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index.coordinator(key)
}

func (r *Registry) Groups() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index.keys()
}

func (r *Registry) stateLocked(key Key) *groupState {
	state, ok := r.groups[key]
	if !ok {
		state = &groupState{active: true, scan: semaphore.NewWeighted(1)}
		r.groups[key] = state
	}
	return state
}

func (r *Registry) membersLocked(key Key) []*member {
	ids := r.index.members(key)
	out := make([]*member, 0, len(ids))
	for _, id := range ids {
		if m := r.members[id]; m != nil {
			out = append(out, m)
		}
	}
	return out
}

type reconcilePlan struct {
	key       Key
	members   []*member
	canonical Vector
}

// reconcileLocked records key's aggregate as canonical; reconcile pushes it
// once mu is released.
func (r *Registry) reconcileLocked(key Key) reconcilePlan {
	state := r.stateLocked(key)
	members := r.membersLocked(key)
	canonical := r.sync.Aggregate(members)
	state.canonical = canonical.Clone()
	state.policy = PolicyAggregateMax
	return reconcilePlan{key: key, members: members, canonical: canonical}
}

func (r *Registry) reconcile(plan reconcilePlan) []bus.Event {
	events := changeEvents(r.sync.Reconcile(plan.key, plan.members, plan.canonical))
	return append(events, bus.NewEvent(bus.EventGroupReconciled, "group", bus.GroupReconciled{
		Group: string(plan.key), Policy: PolicyAggregateMax.String(), Members: len(plan.members),
	}))
}

func (r *Registry) clearLocked(key Key, reason string) bus.Event {
	delete(r.groups, key)
	r.logger.Debug("Group cleared", log.String("group", string(key)), log.String("reason", reason))
	return bus.NewEvent(bus.EventGroupCleared, "group", bus.GroupCleared{Group: string(key), Reason: reason})
}

func (r *Registry) publish(events []bus.Event) {
	if r.events == nil {
		return
	}
	for _, e := range events {
		if err := r.events.PublishToTopic(bus.TopicGroup, e); err != nil {
			r.logger.Warn("Group event handler failed", log.String("event", e.Type()), log.Error(err))
		}
	}
}

func changeEvents(changes []bus.CanonicalChanged) []bus.Event {
	events := make([]bus.Event, 0, len(changes)+1)
	for _, c := range changes {
		events = append(events, bus.NewEvent(bus.EventCanonicalChanged, "group", c))
	}
	return events
}

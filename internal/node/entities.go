package node

import (
	"context"
	"fmt"
	"math"

	"github.com/zeusync/gridsync/internal/core/charge"
	"github.com/zeusync/gridsync/internal/core/events/bus"
	"github.com/zeusync/gridsync/internal/core/group"
	"github.com/zeusync/gridsync/internal/core/observability/log"
	"github.com/zeusync/gridsync/internal/core/scores"
	"github.com/zeusync/gridsync/internal/core/sync"
)

// Charger returns owner's charge controller, creating and binding it on first
// use. On the authority a saved state is restored first; gate may be nil.
func (n *Node) Charger(ctx context.Context, owner string, gate charge.Gate) (*charge.Controller, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkOpen(); err != nil {
		return nil, err
	}
	if c, ok := n.chargers[owner]; ok {
		return c, nil
	}

	opts := []charge.Option{charge.WithEvents(n.events), charge.WithLogger(n.base)}
	if gate != nil {
		opts = append(opts, charge.WithGate(gate))
	}
	c, err := charge.NewController(owner, n.cfg.Charge, opts...)
	if err != nil {
		return nil, err
	}
	if n.IsAuthority() && n.store != nil {
		if found, err := c.Load(ctx, n.store); err != nil {
			n.logger.Warn("Charge state not restored", log.String("owner", owner), log.Error(err))
		} else if found {
			n.logger.Debug("Charge state restored", log.String("owner", owner), log.String("state", c.State().String()))
		}
	}
	if err = n.replicator.Bind(c.Value()); err != nil {
		_ = c.Close()
		return nil, err
	}
	n.chargers[owner] = c
	return c, nil
}

// Board returns the score board id, creating and binding it on first use.
func (n *Node) Board(ctx context.Context, id string) (*scores.Board, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.checkOpen(); err != nil {
		return nil, err
	}
	if b, ok := n.boards[id]; ok {
		return b, nil
	}

	b := scores.NewBoard(id, scores.WithEvents(n.events), scores.WithLogger(n.base))
	if n.IsAuthority() && n.store != nil {
		if _, err := b.Value().Load(ctx, n.store); err != nil {
			n.logger.Warn("Score board not restored", log.String("board", id), log.Error(err))
		}
	}
	if err := n.replicator.Bind(b.Value()); err != nil {
		_ = b.Close()
		return nil, err
	}
	n.boards[id] = b
	return b, nil
}

// TrackEntity registers id's parameter vector for replication. A mirror
// announces canonical changes it receives on the group topic.
func (n *Node) TrackEntity(id group.EntityID, initial group.Vector) (*sync.Value[group.Vector], error) {
	_, tracked := n.registry.Value(id)
	value, err := n.registry.Track(id, initial)
	if err != nil {
		return nil, err
	}
	if !tracked && !n.IsAuthority() {
		value.Observe(func(old, next group.Vector) {
			n.announceReplica(id, old, next)
		})
	}
	return value, nil
}

func (n *Node) announceReplica(id group.EntityID, old, next group.Vector) {
	for _, name := range next.Names() {
		x := next[name]
		if prev, ok := old[name]; ok && math.Float64bits(prev) == math.Float64bits(x) {
			continue
		}
		event := bus.NewEvent(bus.EventCanonicalChanged, "replica", bus.CanonicalChanged{Entity: uint64(id), Param: name, Value: x})
		if err := n.events.PublishToTopic(bus.TopicGroup, event); err != nil {
			n.logger.Warn("Group event handler failed", log.String("event", event.Type()), log.Error(err))
		}
	}
}

// OnCanonicalChanged subscribes fn to every canonical parameter change.
func (n *Node) OnCanonicalChanged(fn func(bus.CanonicalChanged) error) (bus.Subscription, error) {
	return bus.On(n.events, bus.TopicGroup, bus.EventCanonicalChanged, fn)
}

// EditVector applies a user edit of id's parameters. The edit may name only
// some parameters; the rest keep their current values. The authority pushes
// the result to the whole group at once; a mirror proposes it.
func (n *Node) EditVector(id group.EntityID, edit group.Vector) error {
	value, ok := n.registry.Value(id)
	if !ok {
		return fmt.Errorf("edit %d: %w", id, group.ErrUnknownEntity)
	}
	if n.IsAuthority() {
		return n.registry.Overwrite(id, edit, value.Revision())
	}
	if err := n.schema.Validate(edit); err != nil {
		return fmt.Errorf("edit %d: %w", id, err)
	}
	return value.Set(n.schema.Normalize(value.Get().Merge(edit)))
}

// SetEntityEnabled flips id's enabled flag and rescans its group.
func (n *Node) SetEntityEnabled(id group.EntityID, enabled bool) error {
	if err := n.registry.SetEnabled(id, enabled); err != nil {
		return err
	}
	if key, ok := n.registry.KeyOf(id); ok {
		n.registry.RequestScan(key)
	}
	return nil
}

func (n *Node) EntityJoined(id group.EntityID, tags []string) (bool, error) {
	if err := n.requireAuthority("entity joined"); err != nil {
		return false, err
	}
	return n.lifecycle.EntityJoined(id, tags)
}

func (n *Node) EntityLeft(id group.EntityID) error {
	if err := n.requireAuthority("entity left"); err != nil {
		return err
	}
	return n.lifecycle.EntityLeft(id)
}

func (n *Node) StructureMerged(a, b group.Key) error {
	if err := n.requireAuthority("structure merged"); err != nil {
		return err
	}
	return n.lifecycle.StructureMerged(a, b)
}

func (n *Node) StructureSplit(original group.Key, survivorsA, survivorsB []group.EntityID) (group.Key, error) {
	if err := n.requireAuthority("structure split"); err != nil {
		return "", err
	}
	return n.lifecycle.StructureSplit(original, survivorsA, survivorsB)
}

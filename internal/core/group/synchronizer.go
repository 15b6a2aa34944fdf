package group

import (
	"math"

	"github.com/zeusync/gridsync/internal/core/events/bus"
	"github.com/zeusync/gridsync/internal/core/observability/log"
	"github.com/zeusync/gridsync/internal/core/sync"
)

// Policy is the rule used by the last reconciliation of a group.
type Policy uint8

const (
	PolicyNone Policy = iota
	// PolicyOverwrite copies the initiator's vector to every member verbatim.
	PolicyOverwrite
	// PolicyAggregateMax sets every member to the elementwise maximum across the group.
	PolicyAggregateMax
)

func (p Policy) String() string {
	switch p {
	case PolicyOverwrite:
		return "overwrite"
	case PolicyAggregateMax:
		return "aggregate-max"
	default:
		return "none"
	}
}

type member struct {
	id      EntityID
	value   *sync.Value[Vector]
	enabled bool
}

// Synchronizer computes canonical vectors and pushes them to members. It is
// the only writer of member vectors on the authority.
type Synchronizer struct {
	schema Schema
	logger log.Log
}

func NewSynchronizer(schema Schema, logger log.Log) *Synchronizer {
	return &Synchronizer{
		schema: schema,
		logger: logger.With(log.String("component", "group-synchronizer")),
	}
}

func (s *Synchronizer) Schema() Schema {
	return s.schema
}

// Aggregate is the elementwise maximum of the members' vectors, each clamped
// to the schema first. Without members it is the defaults.
func (s *Synchronizer) Aggregate(members []*member) Vector {
	canonical := s.schema.Defaults()
	if len(members) > 0 {
		canonical = make(Vector, len(canonical))
		for _, m := range members {
			s.schema.Clamp(m.value.Get()).MaxInto(canonical)
		}
	}
	return canonical
}

// Reconcile pushes an aggregated vector. Members already holding it are
// republished so lagging mirrors converge.
func (s *Synchronizer) Reconcile(key Key, members []*member, canonical Vector) []bus.CanonicalChanged {
	return s.push(key, members, canonical, true)
}

// Overwrite pushes vector verbatim to every member. The caller validates it.
func (s *Synchronizer) Overwrite(key Key, members []*member, vector Vector) []bus.CanonicalChanged {
	return s.push(key, members, vector, false)
}

func (s *Synchronizer) push(key Key, members []*member, canonical Vector, republish bool) []bus.CanonicalChanged {
	var changes []bus.CanonicalChanged
	for _, m := range members {
		old := m.value.Get()
		if old.Equal(canonical) {
			if republish {
				m.value.Republish()
			}
			continue
		}
		if err := m.value.Set(canonical.Clone()); err != nil {
			s.logger.Warn("Failed to push canonical vector",
				log.Uint64("entity", uint64(m.id)),
				log.String("group", string(key)),
				log.Error(err))
			continue
		}
		for _, name := range canonical.Names() {
			x := canonical[name]
			if prev, ok := old[name]; ok && math.Float64bits(prev) == math.Float64bits(x) {
				continue
			}
			changes = append(changes, bus.CanonicalChanged{Entity: uint64(m.id), Group: string(key), Param: name, Value: x})
		}
	}
	return changes
}

package scores

import (
	"fmt"
	"sort"
	sc "sync"

	"github.com/zeusync/gridsync/internal/core/events/bus"
	"github.com/zeusync/gridsync/internal/core/observability/log"
	"github.com/zeusync/gridsync/internal/core/protocol"
	"github.com/zeusync/gridsync/internal/core/sync"
)

type FactionID int64

// Points maps a faction to its score.
type Points map[FactionID]int64

func (p Points) Clone() Points {
	out := make(Points, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Factions lists the scored factions in ascending id order.
func (p Points) Factions() []FactionID {
	out := make([]FactionID, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

const (
	fieldEntry   protocol.FieldNumber = 1
	fieldFaction protocol.FieldNumber = 1
	fieldPoints  protocol.FieldNumber = 2
)

// PointsCodec writes one nested {1: faction, 2: points} entry per faction,
// ordered by faction id.
func PointsCodec() sync.Codec[Points] {
	return sync.CodecFuncs[Points]{
		EncodeFunc: func(p Points) []byte {
			e := protocol.NewEncoder(len(p) * 8)
			for _, f := range p.Factions() {
				points := p[f]
				e.Nested(fieldEntry, func(e *protocol.Encoder) {
					e.Int(fieldFaction, int64(f)).Int(fieldPoints, points)
				})
			}
			return e.Encode()
		},
		DecodeFunc: func(b []byte) (Points, error) {
			out := Points{}
			d := protocol.NewDecoder(b)
			for d.Next() {
				if d.Field() != fieldEntry {
					continue
				}
				var (
					faction FactionID
					points  int64
				)
				entry := protocol.NewDecoder(d.Bytes())
				for entry.Next() {
					switch entry.Field() {
					case fieldFaction:
						faction = FactionID(entry.Int())
					case fieldPoints:
						points = entry.Int()
					}
				}
				if err := entry.Err(); err != nil {
					return nil, fmt.Errorf("decode points entry: %w", err)
				}
				out[faction] = points
			}
			if err := d.Err(); err != nil {
				return nil, fmt.Errorf("decode points: %w", err)
			}
			return out, nil
		},
	}
}

type Option func(*Board)

func WithEvents(events bus.EventBus) Option {
	return func(b *Board) { b.events = events }
}

func WithLogger(logger log.Log) Option {
	return func(b *Board) { b.logger = logger }
}

// ValueKey is the replication key of a board.
func ValueKey(id string) string {
	return "scores/" + id
}

// Board is a per-faction score table. Only the authority changes it; every
// mirror receives the whole table on each change.
type Board struct {
	id     string
	write  sc.Mutex
	value  *sync.Value[Points]
	sub    *sync.Subscription
	events bus.EventBus
	logger log.Log
}

func NewBoard(id string, opts ...Option) *Board {
	b := &Board{id: id, logger: log.Provide()}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(log.String("component", "scores"), log.String("board", id))
	b.value = sync.NewValue(ValueKey(id), Points{}, PointsCodec(),
		sync.WithDirection[Points](sync.AuthorityToAll),
		sync.WithLogger[Points](b.logger),
	)
	b.sub = b.value.Observe(b.changed)
	return b
}

func (b *Board) ID() string {
	return b.id
}

func (b *Board) Value() *sync.Value[Points] {
	return b.value
}

// Award adds delta, which may be negative, to faction's score.
func (b *Board) Award(faction FactionID, delta int64) error {
	b.write.Lock()
	defer b.write.Unlock()
	return b.value.Update(func(current Points) Points {
		next := current.Clone()
		next[faction] += delta
		return next
	})
}

func (b *Board) Set(faction FactionID, points int64) error {
	b.write.Lock()
	defer b.write.Unlock()
	return b.value.Update(func(current Points) Points {
		next := current.Clone()
		next[faction] = points
		return next
	})
}

// Reset drops every faction from the board.
func (b *Board) Reset() error {
	if !b.value.IsAuthoritative() {
		return fmt.Errorf("reset %s: %w", b.id, sync.ErrNotAuthoritative)
	}
	b.write.Lock()
	defer b.write.Unlock()
	return b.value.Set(Points{})
}

func (b *Board) Points(faction FactionID) int64 {
	return b.value.Get()[faction]
}

// Snapshot returns a copy of the table.
func (b *Board) Snapshot() Points {
	return b.value.Get().Clone()
}

// Leader returns the highest scoring faction; ties go to the lower id.
func (b *Board) Leader() (FactionID, int64, bool) {
	points := b.value.Get()
	var (
		leader FactionID
		best   int64
		found  bool
	)
	for _, f := range points.Factions() {
		if !found || points[f] > best {
			leader, best, found = f, points[f], true
		}
	}
	return leader, best, found
}

func (b *Board) Observe(fn sync.ChangeFunc[Points]) *sync.Subscription {
	return b.value.Observe(fn)
}

func (b *Board) Close() error {
	b.sub.Cancel()
	return b.value.Close()
}

func (b *Board) changed(old, next Points) {
	if b.events == nil {
		return
	}
	for _, f := range next.Factions() {
		if prev, ok := old[f]; ok && prev == next[f] {
			continue
		}
		b.publish(bus.ScoresChanged{Board: b.id, Faction: int64(f), Points: next[f]})
	}
	for _, f := range old.Factions() {
		if _, ok := next[f]; !ok {
			b.publish(bus.ScoresChanged{Board: b.id, Faction: int64(f), Points: 0})
		}
	}
}

func (b *Board) publish(e bus.ScoresChanged) {
	if err := b.events.PublishToTopic(bus.TopicScores, bus.NewEvent(bus.EventScoresChanged, "scores", e)); err != nil {
		b.logger.Warn("Scores event handler failed", log.Error(err))
	}
}

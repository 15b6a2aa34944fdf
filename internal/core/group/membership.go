package group

import "sort"

// EntityID identifies a synchronized entity (a block, a controller).
type EntityID uint64

// Key names a group, usually the structure the entities belong to.
type Key string

// membership is the incrementally maintained entity/group index. Every
// operation touches only the entities it moves.
type membership struct {
	seq    uint64
	keyOf  map[EntityID]Key
	order  map[EntityID]uint64
	groups map[Key]map[EntityID]struct{}
}

func newMembership() *membership {
	return &membership{
		keyOf:  make(map[EntityID]Key),
		order:  make(map[EntityID]uint64),
		groups: make(map[Key]map[EntityID]struct{}),
	}
}

// join adds id to key. Joining the current group is a no-op; joining another
// group moves the entity and reports the group it left.
func (m *membership) join(id EntityID, key Key) (prev Key, moved, changed bool) {
	if cur, ok := m.keyOf[id]; ok {
		if cur == key {
			return "", false, false
		}
		m.remove(id)
		prev, moved = cur, true
	}
	m.seq++
	m.order[id] = m.seq
	m.add(id, key)
	return prev, moved, true
}

func (m *membership) leave(id EntityID) (Key, bool) {
	key, ok := m.keyOf[id]
	if !ok {
		return "", false
	}
	m.remove(id)
	delete(m.order, id)
	return key, true
}

// merge moves every member of b into a, keeping join order.
func (m *membership) merge(a, b Key) []EntityID {
	if a == b {
		return nil
	}
	src := m.groups[b]
	moved := make([]EntityID, 0, len(src))
	for id := range src {
		moved = append(moved, id)
	}
	for _, id := range moved {
		m.remove(id)
		m.add(id, a)
	}
	m.sortByOrder(moved)
	return moved
}

// split keeps survivors in original and moves every other member to newKey.
// Survivors that are not members of original are ignored.
func (m *membership) split(original, newKey Key, survivors []EntityID) []EntityID {
	if original == newKey {
		return nil
	}
	keep := make(map[EntityID]struct{}, len(survivors))
	for _, id := range survivors {
		keep[id] = struct{}{}
	}
	var moved []EntityID
	for id := range m.groups[original] {
		if _, ok := keep[id]; !ok {
			moved = append(moved, id)
		}
	}
	for _, id := range moved {
		m.remove(id)
		m.add(id, newKey)
	}
	m.sortByOrder(moved)
	return moved
}

func (m *membership) exists(key Key) bool {
	_, ok := m.groups[key]
	return ok
}

func (m *membership) key(id EntityID) (Key, bool) {
	k, ok := m.keyOf[id]
	return k, ok
}

// members lists key's members in join order.
func (m *membership) members(key Key) []EntityID {
	set := m.groups[key]
	out := make([]EntityID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	m.sortByOrder(out)
	return out
}

// coordinator is the earliest joined member still present.
func (m *membership) coordinator(key Key) (EntityID, bool) {
	var (
		best    EntityID
		bestSeq uint64
		found   bool
	)
	for id := range m.groups[key] {
		if s := m.order[id]; !found || s < bestSeq {
			best, bestSeq, found = id, s, true
		}
	}
	return best, found
}

func (m *membership) keys() []Key {
	out := make([]Key, 0, len(m.groups))
	for k := range m.groups {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *membership) add(id EntityID, key Key) {
	set, ok := m.groups[key]
	if !ok {
		set = make(map[EntityID]struct{})
		m.groups[key] = set
	}
	set[id] = struct{}{}
	m.keyOf[id] = key
}

// remove drops id from its group and deletes the group once it is empty.
func (m *membership) remove(id EntityID) {
	key, ok := m.keyOf[id]
	if !ok {
		return
	}
	delete(m.keyOf, id)
	set := m.groups[key]
	delete(set, id)
	if len(set) == 0 {
		delete(m.groups, key)
	}
}

func (m *membership) sortByOrder(ids []EntityID) {
	sort.Slice(ids, func(i, j int) bool { return m.order[ids[i]] < m.order[ids[j]] })
}

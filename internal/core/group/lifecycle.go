package group

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// DefaultTagPrefix marks the entity tag that names its group.
const DefaultTagPrefix = "group:"

// Lifecycle turns world notifications into registry operations. Entities
// without a group tag are not synchronized.
type Lifecycle struct {
	registry *Registry
	prefix   string
	splits   atomic.Uint64
}

func NewLifecycle(registry *Registry, tagPrefix string) *Lifecycle {
	if tagPrefix == "" {
		tagPrefix = DefaultTagPrefix
	}
	return &Lifecycle{registry: registry, prefix: tagPrefix}
}

// KeyFromTags returns the group named by the first tag carrying the prefix.
func (l *Lifecycle) KeyFromTags(tags []string) (Key, bool) {
	for _, tag := range tags {
		if name, ok := strings.CutPrefix(tag, l.prefix); ok && name != "" {
			return Key(name), true
		}
	}
	return "", false
}

// EntityJoined reports whether the entity was placed in a group.
func (l *Lifecycle) EntityJoined(id EntityID, tags []string) (bool, error) {
	key, ok := l.KeyFromTags(tags)
	if !ok {
		return false, nil
	}
	return true, l.registry.OnEntityJoined(id, key)
}

func (l *Lifecycle) EntityLeft(id EntityID) error {
	return l.registry.OnEntityLeft(id)
}

// StructureMerged folds b into a.
func (l *Lifecycle) StructureMerged(a, b Key) error {
	return l.registry.OnGroupsMerge(a, b)
}

// StructureSplit keeps survivorsA under original and moves survivorsB to a
// fresh key, which is returned. Members in neither list were destroyed by the
// split and leave.
func (l *Lifecycle) StructureSplit(original Key, survivorsA, survivorsB []EntityID) (Key, error) {
	inSplit := make(map[EntityID]struct{}, len(survivorsA)+len(survivorsB))
	for _, id := range survivorsA {
		inSplit[id] = struct{}{}
	}
	for _, id := range survivorsB {
		inSplit[id] = struct{}{}
	}
	for _, id := range l.registry.Members(original) {
		if _, ok := inSplit[id]; !ok {
			if err := l.registry.OnEntityLeft(id); err != nil {
				return "", err
			}
		}
	}

	newKey := Key(fmt.Sprintf("%s/split-%d", original, l.splits.Add(1)))
	if len(l.registry.Members(original)) == 0 {
		// Nothing survived on either side; leaving already cleared the group.
		return newKey, nil
	}
	if err := l.registry.OnGroupSplit(original, newKey, survivorsA); err != nil {
		return "", err
	}
	return newKey, nil
}

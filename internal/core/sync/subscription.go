package sync

import (
	sc "sync"

	"github.com/google/uuid"
)

// Subscription is the handle returned by Observe. Cancel is idempotent.
type Subscription struct {
	id     uuid.UUID
	once   sc.Once
	cancel func()
}

func newSubscription(id uuid.UUID, cancel func()) *Subscription {
	return &Subscription{id: id, cancel: cancel}
}

func (s *Subscription) ID() string {
	return s.id.String()
}

func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Subscriptions collects handles so an owner can release them together.
type Subscriptions struct {
	mu   sc.Mutex
	subs []*Subscription
}

func (s *Subscriptions) Add(sub *Subscription) {
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

func (s *Subscriptions) CancelAll() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
}

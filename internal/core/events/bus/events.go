package bus

import "fmt"

const (
	TopicGroup  = "group"
	TopicCharge = "charge"
	TopicScores = "scores"
)

const (
	EventCanonicalChanged = "canonical.changed"
	EventGroupReconciled  = "group.reconciled"
	EventGroupCleared     = "group.cleared"
	EventChargeConsumed   = "charge.consumed"
	EventChargeRestored   = "charge.restored"
	EventScoresChanged    = "scores.changed"
)

// CanonicalChanged is published once per entity and parameter whose canonical
// value moved during a group reconciliation.
type CanonicalChanged struct {
	Entity uint64
	Group  string
	Param  string
	Value  float64
}

type GroupReconciled struct {
	Group   string
	Policy  string
	Members int
}

// GroupCleared is published when a group loses its canonical state, either
// because it emptied or because no member is enabled any more.
type GroupCleared struct {
	Group  string
	Reason string
}

type ChargeConsumed struct {
	Owner     string
	Remaining int
}

type ChargeRestored struct {
	Owner   string
	Charges int
}

type ScoresChanged struct {
	Board   string
	Faction int64
	Points  int64
}

// On subscribes fn to eventType in topic, decoding the event payload as T.
// Events carrying another payload type are reported as handler errors.
func On[T any](b EventBus, topic, eventType string, fn func(T) error) (Subscription, error) {
	return b.SubscribeTopic(topic, eventType, func(e Event) error {
		data, ok := e.Data().(T)
		if !ok {
			return fmt.Errorf("bus: %s carries %T", e.Type(), e.Data())
		}
		return fn(data)
	})
}

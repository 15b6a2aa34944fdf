package bus

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testObserver struct {
	publishCount   int
	deliveredCount int
	lastErr        error
}

func (o *testObserver) OnPublish(_, _ string, _ Event) {
	o.publishCount++
}

func (o *testObserver) OnDelivered(_, _ string, handlers int, err error, _ time.Duration) {
	o.deliveredCount += handlers
	o.lastErr = err
}

func TestBasicPublishSubscribe(t *testing.T) {
	b := New()
	calls := 0
	sub, err := b.Subscribe("test.event", func(e Event) error {
		calls++
		require.Equal(t, 123, e.Data())
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsActive())

	require.NoError(t, b.Publish(NewEvent("test.event", "tester", 123)))
	require.Equal(t, 1, calls)

	require.NoError(t, b.Unsubscribe(sub))
	require.NoError(t, sub.Cancel())
	require.False(t, sub.IsActive())
	require.NoError(t, b.Publish(NewEvent("test.event", "tester", 123)))
	require.Equal(t, 1, calls)
	require.NoError(t, b.Unsubscribe(nil))
}

func TestHandlerErrorsAreJoined(t *testing.T) {
	b := New()
	errA, errB := errors.New("a"), errors.New("b")
	_, _ = b.Subscribe("x", func(Event) error { return errA })
	_, _ = b.Subscribe("x", func(Event) error { return errB })

	err := b.Publish(NewEvent("x", "src", nil))
	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errB)

	err = b.PublishBatch(NewEvent("x", "src", nil), NewEvent("y", "src", nil))
	require.ErrorIs(t, err, errA)
}

func TestTopicsIsolation(t *testing.T) {
	b := New()
	require.NoError(t, b.CreateTopic("t1"))
	require.NoError(t, b.CreateTopic("t2"))
	count1, count2 := 0, 0
	_, _ = b.SubscribeTopic("t1", "ev", func(Event) error { count1++; return nil })
	_, _ = b.SubscribeTopic("t2", "ev", func(Event) error { count2++; return nil })
	require.NoError(t, b.PublishToTopic("t1", NewEvent("ev", "src", nil)))
	require.Equal(t, 1, count1)
	require.Zero(t, count2)

	names := map[string]bool{}
	for _, ti := range b.GetTopics() {
		names[ti.Name] = true
	}
	require.True(t, names["t1"] && names["t2"])
}

func TestFilters(t *testing.T) {
	b := New()
	b.AddObserver(&testObserver{})
	calls := 0
	_, _ = b.Subscribe("e", func(Event) error { calls++; return nil })

	require.NoError(t, b.PublishWithFilters(NewEvent("e", "s", nil), func(Event) bool { return false }))
	require.NoError(t, b.PublishWithFilters(NewEvent("e", "s", nil), func(Event) bool { return true }))
	require.Equal(t, 1, calls)
	require.Equal(t, uint64(1), b.GetMetrics().DroppedByFilters)
}

func TestObserverMetricsOptional(t *testing.T) {
	b := New()
	_, _ = b.Subscribe("e", func(Event) error { return nil })
	require.NoError(t, b.Publish(NewEvent("e", "s", nil)))
	require.Zero(t, b.GetMetrics().Published)

	obs := &testObserver{}
	b.AddObserver(obs)
	require.NoError(t, b.Publish(NewEvent("e", "s", nil)))
	m := b.GetMetrics()
	require.Equal(t, uint64(1), m.Published)
	require.Equal(t, uint64(1), m.DeliveredHandlers)
	require.Equal(t, 1, obs.publishCount)
	require.Equal(t, 1, obs.deliveredCount)

	b.RemoveObserver(obs)
	require.NoError(t, b.Publish(NewEvent("e", "s", nil)))
	require.Equal(t, 1, obs.publishCount)
}

func TestTypedSubscription(t *testing.T) {
	b := New()
	var got CanonicalChanged
	_, err := On(b, TopicGroup, EventCanonicalChanged, func(e CanonicalChanged) error {
		got = e
		return nil
	})
	require.NoError(t, err)

	want := CanonicalChanged{Entity: 7, Group: "g", Param: "reactor", Value: 3}
	require.NoError(t, b.PublishToTopic(TopicGroup, NewEvent(EventCanonicalChanged, "test", want)))
	require.Equal(t, want, got)

	require.Error(t, b.PublishToTopic(TopicGroup, NewEvent(EventCanonicalChanged, "test", "wrong")))
}

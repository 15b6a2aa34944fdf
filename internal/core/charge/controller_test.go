package charge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/gridsync/internal/core/events/bus"
	"github.com/zeusync/gridsync/internal/core/observability/log"
	"github.com/zeusync/gridsync/internal/core/protocol"
	"github.com/zeusync/gridsync/internal/core/storage"
	"github.com/zeusync/gridsync/internal/core/sync"
)

func newController(t *testing.T, opts ...Option) *Controller {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PublishInterval = 0
	c, err := NewController("blink-1", cfg, append([]Option{WithLogger(log.NewNop())}, opts...)...)
	require.NoError(t, err)
	return c
}

func requireState(t *testing.T, c *Controller, charges int, timer time.Duration) {
	t.Helper()
	require.Equal(t, charges, c.CurrentCharges(), "charges")
	require.Equal(t, timer, c.TimeToNextCharge(), "timer")
}

func TestController_Scenario(t *testing.T) {
	c := newController(t)
	requireState(t, c, 3, 0)
	require.Equal(t, StatusFull, c.Status())

	require.NoError(t, c.Consume())
	requireState(t, c, 2, 60*time.Second)

	c.Tick(60 * time.Second)
	requireState(t, c, 3, 0)

	require.NoError(t, c.Consume())
	require.NoError(t, c.Consume())
	requireState(t, c, 1, 60*time.Second)

	c.Tick(30 * time.Second)
	requireState(t, c, 1, 30*time.Second)

	c.Tick(30 * time.Second)
	requireState(t, c, 2, 60*time.Second)
	require.Equal(t, StatusCharging, c.Status())
}

func TestController_Consume(t *testing.T) {
	t.Run("Consume: Exhaust then fail", func(t *testing.T) {
		c := newController(t)
		for i := 0; i < c.Config().MaxCharges; i++ {
			require.NoError(t, c.Consume())
		}
		before := c.Value().Revision()
		require.ErrorIs(t, c.Consume(), ErrInsufficientResource)
		require.Equal(t, 0, c.CurrentCharges())
		require.Equal(t, StatusDepleted, c.Status())
		require.True(t, c.Status().Recharging())
		require.Equal(t, before, c.Value().Revision(), "failed consume mutates nothing")
	})

	t.Run("Consume: Gate refuses", func(t *testing.T) {
		powered := false
		c := newController(t, WithGate(func() bool { return powered }))
		require.ErrorIs(t, c.Consume(), ErrConsumeNotPermitted)
		requireState(t, c, 3, 0)

		powered = true
		require.NoError(t, c.Consume())
		requireState(t, c, 2, 60*time.Second)
	})

	t.Run("Consume: Timer is armed only once", func(t *testing.T) {
		c := newController(t)
		require.NoError(t, c.Consume())
		c.Tick(25 * time.Second)
		require.NoError(t, c.Consume())
		requireState(t, c, 1, 35*time.Second)
	})
}

func TestController_Tick(t *testing.T) {
	t.Run("Tick: Cumulative recharge restores exactly one", func(t *testing.T) {
		c := newController(t)
		require.NoError(t, c.Consume())
		require.NoError(t, c.Consume())
		for i := 0; i < 6; i++ {
			c.Tick(10 * time.Second)
		}
		requireState(t, c, 2, 60*time.Second)
	})

	t.Run("Tick: Leftover time is not carried", func(t *testing.T) {
		c := newController(t)
		require.NoError(t, c.Consume())
		require.NoError(t, c.Consume())
		c.Tick(500 * time.Second)
		requireState(t, c, 2, 60*time.Second)
	})

	t.Run("Tick: Full stays pinned", func(t *testing.T) {
		c := newController(t)
		rev := c.Value().Revision()
		c.Tick(time.Hour)
		requireState(t, c, 3, 0)
		require.Equal(t, rev, c.Value().Revision())
		c.Tick(-time.Second)
		requireState(t, c, 3, 0)
	})

	t.Run("Tick: Invariant holds at every step", func(t *testing.T) {
		c := newController(t)
		maxCharges := c.Config().MaxCharges
		for step := 0; step < 400; step++ {
			if step%7 == 0 {
				_ = c.Consume()
			}
			c.Tick(time.Duration(step%13) * time.Second)
			s := c.State()
			require.GreaterOrEqual(t, s.Charges, 0)
			require.LessOrEqual(t, s.Charges, maxCharges)
			require.GreaterOrEqual(t, s.Timer, 0.0)
			require.LessOrEqual(t, s.Timer, 60.0)
			if s.Timer > 0 {
				require.Less(t, s.Charges, maxCharges)
			}
			if s.Charges == maxCharges {
				require.Zero(t, s.Timer)
			}
		}
	})
}

func TestController_PowerAndDisplay(t *testing.T) {
	c := newController(t)
	require.Equal(t, 0.25, c.PowerDraw())
	require.Equal(t, "C:3", c.State().String())

	require.NoError(t, c.Consume())
	require.Equal(t, 100.0, c.PowerDraw())
	require.Equal(t, "60s C:2", c.State().String())

	c.Tick(54500 * time.Millisecond)
	require.Equal(t, "5.5s C:2", c.State().String())
}

func TestController_PublishInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PublishInterval = 5 * time.Second
	c, err := NewController("blink-2", cfg, WithLogger(log.NewNop()))
	require.NoError(t, err)

	require.NoError(t, c.Consume())
	require.Equal(t, State{Charges: 2, Timer: 60}, c.Value().Get())

	for i := 0; i < 4; i++ {
		c.Tick(time.Second)
	}
	require.Equal(t, 56*time.Second, c.TimeToNextCharge(), "authority keeps the exact timer")
	require.Equal(t, 60.0, c.Value().Get().Timer, "small progress is held back")

	c.Tick(time.Second)
	require.Equal(t, 55.0, c.Value().Get().Timer)

	c.Tick(2 * time.Second)
	c.Flush()
	require.Equal(t, 53.0, c.Value().Get().Timer)

	c.Tick(53 * time.Second)
	require.Equal(t, State{Charges: 3}, c.Value().Get(), "restores are sent immediately")
}

func TestController_Events(t *testing.T) {
	events := bus.New()
	var consumed []bus.ChargeConsumed
	var restored []bus.ChargeRestored
	_, err := bus.On(events, bus.TopicCharge, bus.EventChargeConsumed, func(e bus.ChargeConsumed) error {
		consumed = append(consumed, e)
		return nil
	})
	require.NoError(t, err)
	_, err = bus.On(events, bus.TopicCharge, bus.EventChargeRestored, func(e bus.ChargeRestored) error {
		restored = append(restored, e)
		return nil
	})
	require.NoError(t, err)

	c := newController(t, WithEvents(events))
	require.NoError(t, c.Consume())
	c.Tick(time.Minute)
	require.Equal(t, []bus.ChargeConsumed{{Owner: "blink-1", Remaining: 2}}, consumed)
	require.Equal(t, []bus.ChargeRestored{{Owner: "blink-1", Charges: 3}}, restored)
}

func TestController_Persistence(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	fresh := newController(t)
	found, err := fresh.Load(ctx, store)
	require.NoError(t, err)
	require.False(t, found, "no blob means defaults")
	requireState(t, fresh, 3, 0)

	c := newController(t)
	require.NoError(t, c.Consume())
	c.Tick(20 * time.Second)
	require.NoError(t, c.Save(ctx, store))

	restored := newController(t)
	found, err = restored.Load(ctx, store)
	require.NoError(t, err)
	require.True(t, found)
	requireState(t, restored, 2, 40*time.Second)

	require.NoError(t, store.SaveBlob(ctx, ValueKey("blink-1"), StateCodec().Encode(State{Charges: 9, Timer: 12})))
	clamped := newController(t)
	_, err = clamped.Load(ctx, store)
	require.NoError(t, err)
	requireState(t, clamped, 3, 0)
}

func TestStateCodec(t *testing.T) {
	codec := StateCodec()
	out, err := codec.Decode(codec.Encode(State{Charges: 2, Timer: 12.5}))
	require.NoError(t, err)
	require.Equal(t, State{Charges: 2, Timer: 12.5}, out)

	out, err = codec.Decode(nil)
	require.NoError(t, err)
	require.Equal(t, State{}, out)

	_, err = codec.Decode([]byte{0x08})
	require.ErrorIs(t, err, protocol.ErrMalformedPayload)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.MaxCharges = 0
	_, err := NewController("x", bad)
	require.ErrorIs(t, err, ErrInvalidConfig)

	bad = DefaultConfig()
	bad.Recharge = 0
	require.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
}

func TestController_Replicated(t *testing.T) {
	const (
		authorityID protocol.PeerID    = 1
		mirrorID    protocol.PeerID    = 2
		channelID   protocol.ChannelID = 20
	)
	net := protocol.NewNetwork()
	newReplicator := func(id protocol.PeerID, role sync.Role) *sync.Replicator {
		r, err := sync.NewReplicator(protocol.NewChannel(net.Join(id), log.NewNop()), sync.ReplicatorConfig{
			Channel: channelID, Role: role, Authority: authorityID,
		}, log.NewNop())
		require.NoError(t, err)
		return r
	}
	authRepl := newReplicator(authorityID, sync.RoleAuthority)
	mirrorRepl := newReplicator(mirrorID, sync.RoleMirror)

	auth := newController(t)
	require.NoError(t, authRepl.Bind(auth.Value()))
	require.NoError(t, auth.Consume())

	events := bus.New()
	var consumed []bus.ChargeConsumed
	_, err := bus.On(events, bus.TopicCharge, bus.EventChargeConsumed, func(e bus.ChargeConsumed) error {
		consumed = append(consumed, e)
		return nil
	})
	require.NoError(t, err)

	mirror := newController(t, WithEvents(events))
	require.NoError(t, mirrorRepl.Bind(mirror.Value()))
	net.Flush()
	requireState(t, mirror, 2, 60*time.Second)

	t.Run("Replicated: Mirror consume is proposed", func(t *testing.T) {
		require.NoError(t, mirror.Consume())
		require.Equal(t, 2, mirror.CurrentCharges(), "replica waits for the authority")
		net.Flush()
		requireState(t, auth, 1, 60*time.Second)
		requireState(t, mirror, 1, 60*time.Second)
		require.Equal(t, []bus.ChargeConsumed{{Owner: "blink-1", Remaining: 2}, {Owner: "blink-1", Remaining: 1}}, consumed)
	})

	t.Run("Replicated: Mirror tick is ignored", func(t *testing.T) {
		mirror.Tick(time.Minute)
		requireState(t, mirror, 1, 60*time.Second)
	})

	t.Run("Replicated: Authority revalidates", func(t *testing.T) {
		require.NoError(t, auth.Consume())
		// The mirror proposes before it saw the authority's consume.
		require.NoError(t, mirror.Consume())
		net.Flush()
		requireState(t, auth, 0, 60*time.Second)
		requireState(t, mirror, 0, 60*time.Second)
		require.ErrorIs(t, mirror.Consume(), ErrInsufficientResource)
	})

	t.Run("Replicated: Recharge reaches the mirror", func(t *testing.T) {
		auth.Tick(time.Minute)
		net.Flush()
		requireState(t, mirror, 1, 60*time.Second)
	})
}

package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/gridsync/internal/config"
	"github.com/zeusync/gridsync/internal/core/events/bus"
	"github.com/zeusync/gridsync/internal/core/group"
	"github.com/zeusync/gridsync/internal/core/observability/log"
	"github.com/zeusync/gridsync/internal/core/protocol"
	"github.com/zeusync/gridsync/internal/core/storage"
	"github.com/zeusync/gridsync/internal/core/sync"
)

const (
	authorityID protocol.PeerID = 1
	mirrorID    protocol.PeerID = 2
)

func testConfig(id protocol.PeerID, role sync.Role) config.Config {
	cfg := config.Default()
	cfg.Node.ID = uint64(id)
	cfg.Node.Role = role.String()
	cfg.Node.Authority = uint64(authorityID)
	cfg.Transport.Kind = config.TransportLoopback
	cfg.Storage.Kind = config.StorageNone
	cfg.Group.Params = []group.Param{
		{Name: "p1", Default: 1, Min: 1, Max: 10},
		{Name: "p2", Default: 1, Min: 1, Max: 10},
		{Name: "p3", Default: 1, Min: 1, Max: 10},
	}
	return cfg
}

func newNode(t *testing.T, cfg config.Config, opts ...Option) *Node {
	t.Helper()
	n, err := New(context.Background(), cfg, log.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func newPair(t *testing.T) (*protocol.Network, *Node, *Node) {
	t.Helper()
	net := protocol.NewNetwork()
	auth := newNode(t, testConfig(authorityID, sync.RoleAuthority), WithTransport(net.Join(authorityID)))
	mirror := newNode(t, testConfig(mirrorID, sync.RoleMirror), WithTransport(net.Join(mirrorID)))
	return net, auth, mirror
}

func vec(a, b, c float64) group.Vector {
	return group.Vector{"p1": a, "p2": b, "p3": c}
}

func TestNew(t *testing.T) {
	t.Run("New: Loopback needs a transport", func(t *testing.T) {
		_, err := New(context.Background(), testConfig(authorityID, sync.RoleAuthority), log.NewNop())
		require.ErrorIs(t, err, ErrNoTransport)
	})

	t.Run("New: Invalid config", func(t *testing.T) {
		cfg := testConfig(authorityID, sync.RoleAuthority)
		cfg.Node.TickRate = 0
		_, err := New(context.Background(), cfg, log.NewNop())
		require.ErrorIs(t, err, config.ErrInvalidConfig)
	})

	t.Run("New: Roles", func(t *testing.T) {
		_, auth, mirror := newPair(t)
		require.True(t, auth.IsAuthority())
		require.False(t, mirror.IsAuthority())
		require.Equal(t, mirrorID, mirror.PeerID())
		require.NotEqual(t, auth.Instance(), mirror.Instance())
	})
}

func TestNode_Groups(t *testing.T) {
	net, auth, mirror := newPair(t)

	var seen []bus.CanonicalChanged
	_, err := mirror.OnCanonicalChanged(func(e bus.CanonicalChanged) error {
		seen = append(seen, e)
		return nil
	})
	require.NoError(t, err)

	for id, v := range map[group.EntityID]group.Vector{1: vec(2, 1, 1), 2: vec(1, 3, 1), 3: vec(1, 1, 5)} {
		_, err := auth.TrackEntity(id, v)
		require.NoError(t, err)
		_, err = mirror.TrackEntity(id, nil)
		require.NoError(t, err)
	}
	for _, tc := range []struct {
		id  group.EntityID
		tag string
	}{{1, "group:ship"}, {2, "group:ship"}, {3, "group:station"}} {
		joined, err := auth.EntityJoined(tc.id, []string{"color:red", tc.tag})
		require.NoError(t, err)
		require.True(t, joined)
	}
	require.NoError(t, auth.StructureMerged("ship", "station"))
	net.Flush()

	for id := group.EntityID(1); id <= 3; id++ {
		for _, n := range []*Node{auth, mirror} {
			v, ok := n.Registry().Value(id)
			require.True(t, ok)
			require.Equal(t, vec(2, 3, 5), v.Get(), "entity %d on %s", id, n.Role())
		}
	}
	require.NotEmpty(t, seen)
	for _, e := range seen {
		require.Contains(t, []string{"p1", "p2", "p3"}, e.Param)
	}

	t.Run("Groups: Mirror edit is proposed", func(t *testing.T) {
		require.NoError(t, mirror.EditVector(2, vec(4, 4, 4)))
		net.Flush()
		for id := group.EntityID(1); id <= 3; id++ {
			v, _ := mirror.Registry().Value(id)
			require.Equal(t, vec(4, 4, 4), v.Get())
		}
		canonical, policy, ok := auth.Registry().Canonical("ship")
		require.True(t, ok)
		require.Equal(t, group.PolicyOverwrite, policy)
		require.Equal(t, vec(4, 4, 4), canonical)
	})

	t.Run("Groups: Invalid mirror edit", func(t *testing.T) {
		require.ErrorIs(t, mirror.EditVector(2, vec(40, 4, 4)), group.ErrOutOfRange)
		require.ErrorIs(t, mirror.EditVector(9, vec(4, 4, 4)), group.ErrUnknownEntity)
	})

	t.Run("Groups: Mirror cannot drive lifecycle", func(t *testing.T) {
		_, err := mirror.EntityJoined(1, []string{"group:ship"})
		require.ErrorIs(t, err, sync.ErrNotAuthoritative)
		require.ErrorIs(t, mirror.EntityLeft(1), sync.ErrNotAuthoritative)
		require.ErrorIs(t, mirror.StructureMerged("a", "b"), sync.ErrNotAuthoritative)
		_, err = mirror.StructureSplit("ship", nil, nil)
		require.ErrorIs(t, err, sync.ErrNotAuthoritative)
	})

	t.Run("Groups: Activation", func(t *testing.T) {
		for id := group.EntityID(1); id <= 3; id++ {
			require.NoError(t, auth.SetEntityEnabled(id, false))
		}
		auth.Registry().WaitScans()
		auth.Registry().RequestScan("ship")
		auth.Registry().WaitScans()
		require.False(t, auth.Registry().Active("ship"))
		require.Equal(t, vec(1, 1, 1), auth.Registry().Effective("ship"))
	})
}

func TestNode_InitialVectors(t *testing.T) {
	net, auth, mirror := newPair(t)

	_, err := auth.TrackEntity(1, vec(5, 4, 3))
	require.NoError(t, err)
	_, err = auth.EntityJoined(1, []string{"group:ship"})
	require.NoError(t, err)

	replica, err := mirror.TrackEntity(1, nil)
	require.NoError(t, err)
	net.Flush()
	require.Equal(t, vec(5, 4, 3), replica.Get(), "a late mirror picks up a vector the authority never changed")
}

func TestNode_PartialEdit(t *testing.T) {
	net, auth, mirror := newPair(t)
	for id, v := range map[group.EntityID]group.Vector{1: vec(2, 3, 4), 2: nil} {
		_, err := auth.TrackEntity(id, v)
		require.NoError(t, err)
		_, err = mirror.TrackEntity(id, nil)
		require.NoError(t, err)
		_, err = auth.EntityJoined(id, []string{"group:ship"})
		require.NoError(t, err)
	}
	net.Flush()

	t.Run("Edit: Authority", func(t *testing.T) {
		require.NoError(t, auth.EditVector(1, group.Vector{"p1": 5}))
		net.Flush()
		for id := group.EntityID(1); id <= 2; id++ {
			v, _ := mirror.Registry().Value(id)
			require.Equal(t, vec(5, 3, 4), v.Get(), "entity %d", id)
		}
	})

	t.Run("Edit: Mirror", func(t *testing.T) {
		require.NoError(t, mirror.EditVector(2, group.Vector{"p3": 9}))
		net.Flush()
		for id := group.EntityID(1); id <= 2; id++ {
			v, _ := auth.Registry().Value(id)
			require.Equal(t, vec(5, 3, 9), v.Get(), "entity %d", id)
		}
	})
}

func TestNode_Charge(t *testing.T) {
	ctx := context.Background()
	net, auth, mirror := newPair(t)

	authCharger, err := auth.Charger(ctx, "blink-1", nil)
	require.NoError(t, err)
	same, err := auth.Charger(ctx, "blink-1", nil)
	require.NoError(t, err)
	require.Same(t, authCharger, same)

	mirrorCharger, err := mirror.Charger(ctx, "blink-1", nil)
	require.NoError(t, err)
	net.Flush()

	require.NoError(t, mirrorCharger.Consume())
	net.Flush()
	require.Equal(t, 2, authCharger.CurrentCharges())
	require.Equal(t, 2, mirrorCharger.CurrentCharges())
	require.Equal(t, 60*time.Second, mirrorCharger.TimeToNextCharge())

	mirror.Tick(time.Minute)
	net.Flush()
	require.Equal(t, 2, authCharger.CurrentCharges(), "mirror ticks do nothing")

	auth.Tick(time.Minute)
	net.Flush()
	require.Equal(t, 3, authCharger.CurrentCharges())
	require.Equal(t, 3, mirrorCharger.CurrentCharges())
	require.Zero(t, mirrorCharger.TimeToNextCharge())
}

func TestNode_Scores(t *testing.T) {
	ctx := context.Background()
	net, auth, mirror := newPair(t)

	authBoard, err := auth.Board(ctx, "match")
	require.NoError(t, err)
	mirrorBoard, err := mirror.Board(ctx, "match")
	require.NoError(t, err)

	require.NoError(t, authBoard.Award(1, 10))
	require.NoError(t, authBoard.Award(2, 15))
	net.Flush()
	leader, points, ok := mirrorBoard.Leader()
	require.True(t, ok)
	require.Equal(t, int64(2), int64(leader))
	require.Equal(t, int64(15), points)
}

func TestNode_Persistence(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	cfg := testConfig(authorityID, sync.RoleAuthority)

	first, err := New(ctx, cfg, log.NewNop(), WithTransport(protocol.NewNetwork().Join(authorityID)), WithStore(store))
	require.NoError(t, err)
	c, err := first.Charger(ctx, "blink-1", nil)
	require.NoError(t, err)
	require.NoError(t, c.Consume())
	b, err := first.Board(ctx, "match")
	require.NoError(t, err)
	require.NoError(t, b.Set(3, 7))
	require.NoError(t, first.Close())
	require.NoError(t, first.Close())
	require.Equal(t, 2, store.Len())

	_, err = first.Charger(ctx, "blink-2", nil)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, first.SaveAll(ctx), ErrClosed)

	second := newNode(t, cfg, WithTransport(protocol.NewNetwork().Join(authorityID)), WithStore(store))
	c, err = second.Charger(ctx, "blink-1", nil)
	require.NoError(t, err)
	require.Equal(t, 2, c.CurrentCharges())
	require.Equal(t, 60*time.Second, c.TimeToNextCharge())
	b, err = second.Board(ctx, "match")
	require.NoError(t, err)
	require.Equal(t, int64(7), b.Points(3))

	fresh, err := second.Charger(ctx, "blink-2", nil)
	require.NoError(t, err)
	require.Equal(t, 3, fresh.CurrentCharges())
}

func TestNode_Run(t *testing.T) {
	cfg := testConfig(authorityID, sync.RoleAuthority)
	cfg.Node.TickRate = 5 * time.Millisecond
	cfg.Group.ScanInterval = 5 * time.Millisecond
	n := newNode(t, cfg, WithTransport(protocol.NewNetwork().Join(authorityID)))

	c, err := n.Charger(context.Background(), "blink-1", nil)
	require.NoError(t, err)
	require.NoError(t, c.Consume())

	_, err = n.TrackEntity(1, nil)
	require.NoError(t, err)
	_, err = n.EntityJoined(1, []string{"group:ship"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	require.Eventually(t, func() bool {
		return c.TimeToNextCharge() < 60*time.Second
	}, 5*time.Second, 5*time.Millisecond, "the tick loop drives the recharge timer")
	require.Eventually(t, func() bool {
		return n.Registry().Active("ship")
	}, 5*time.Second, 5*time.Millisecond, "the scan loop activates groups")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

package sync

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/gridsync/internal/core/observability/log"
	"github.com/zeusync/gridsync/internal/core/protocol"
)

const (
	authorityID protocol.PeerID = 1
	replChannel protocol.ChannelID = 10
)

type cluster struct {
	net       *protocol.Network
	authority *Replicator
	mirrors   []*Replicator
}

func newCluster(t *testing.T, mirrors int, cfg ReplicatorConfig, opts ...protocol.LoopbackOption) *cluster {
	t.Helper()
	c := &cluster{net: protocol.NewNetwork(opts...)}

	cfg.Channel = replChannel
	cfg.Authority = authorityID
	cfg.Role = RoleAuthority
	var err error
	c.authority, err = NewReplicator(protocol.NewChannel(c.net.Join(authorityID), log.NewNop()), cfg, log.NewNop())
	require.NoError(t, err)

	for i := 0; i < mirrors; i++ {
		mcfg := cfg
		mcfg.Role = RoleMirror
		r, err := NewReplicator(protocol.NewChannel(c.net.Join(protocol.PeerID(i+2)), log.NewNop()), mcfg, log.NewNop())
		require.NoError(t, err)
		c.mirrors = append(c.mirrors, r)
	}
	return c
}

func TestReplicator_AuthorityToAll(t *testing.T) {
	c := newCluster(t, 2, ReplicatorConfig{})

	auth := NewValue("door", "closed", StringCodec())
	require.NoError(t, c.authority.Bind(auth))
	require.NoError(t, auth.Set("open"))

	m1 := NewValue("door", "closed", StringCodec())
	m2 := NewValue("door", "closed", StringCodec())
	var changes []string
	m1.Observe(func(_, n string) { changes = append(changes, n) })
	require.NoError(t, c.mirrors[0].Bind(m1))
	require.NoError(t, c.mirrors[1].Bind(m2))
	require.False(t, m1.IsAuthoritative())

	c.net.Flush()
	require.Equal(t, "open", m1.Get(), "late joiner receives the snapshot it asked for")
	require.Equal(t, "open", m2.Get())

	require.NoError(t, auth.Set("locked"))
	c.net.Flush()
	require.Equal(t, "locked", m1.Get())
	require.Equal(t, "locked", m2.Get())
	require.Equal(t, []string{"open", "locked"}, changes)

	require.ErrorIs(t, m1.Set("smashed"), ErrNotAuthoritative)

	require.ErrorIs(t, c.authority.Bind(auth), ErrAlreadyBound)
	require.ErrorIs(t, c.authority.Bind(NewValue("door", "", StringCodec())), ErrAlreadyBound)
}

func TestReplicator_InitialValue(t *testing.T) {
	c := newCluster(t, 1, ReplicatorConfig{})
	auth := NewValue("door", "open", StringCodec())
	require.NoError(t, c.authority.Bind(auth))

	m := NewValue("door", "closed", StringCodec())
	require.NoError(t, c.mirrors[0].Bind(m))
	c.net.Flush()
	require.Equal(t, "open", m.Get(), "a value never set on the authority still reaches the mirror")
	require.Zero(t, m.Revision())

	auth.Republish()
	c.net.Flush()
	require.Equal(t, "open", m.Get())
	require.Equal(t, uint64(1), m.StaleDrops())

	require.NoError(t, auth.Set("closed"))
	c.net.Flush()
	require.Equal(t, "closed", m.Get())
	require.Equal(t, uint32(1), m.Revision())
}

func TestReplicator_Proposals(t *testing.T) {
	t.Run("Proposal: Accepted and broadcast", func(t *testing.T) {
		c := newCluster(t, 2, ReplicatorConfig{})
		auth := NewValue("volume", 1.0, Float64Codec(), WithDirection[float64](BidirectionalProposed))
		m1 := NewValue("volume", 1.0, Float64Codec(), WithDirection[float64](BidirectionalProposed))
		m2 := NewValue("volume", 1.0, Float64Codec(), WithDirection[float64](BidirectionalProposed))
		require.NoError(t, c.authority.Bind(auth))
		require.NoError(t, c.mirrors[0].Bind(m1))
		require.NoError(t, c.mirrors[1].Bind(m2))
		c.net.Flush()

		require.NoError(t, m1.Set(4))
		require.Equal(t, 1.0, m1.Get())
		c.net.Flush()

		require.Equal(t, 4.0, auth.Get())
		require.Equal(t, 4.0, m1.Get())
		require.Equal(t, 4.0, m2.Get())
		require.Equal(t, uint64(1), c.authority.Stats().Proposals)
	})

	t.Run("Proposal: Concurrent overwrites, first wins", func(t *testing.T) {
		c := newCluster(t, 2, ReplicatorConfig{})
		auth := NewValue("mode", "a", StringCodec(), WithDirection[string](BidirectionalProposed))
		m1 := NewValue("mode", "a", StringCodec(), WithDirection[string](BidirectionalProposed))
		m2 := NewValue("mode", "a", StringCodec(), WithDirection[string](BidirectionalProposed))
		require.NoError(t, c.authority.Bind(auth))
		require.NoError(t, c.mirrors[0].Bind(m1))
		require.NoError(t, c.mirrors[1].Bind(m2))
		c.net.Flush()

		require.NoError(t, m1.Set("b"))
		require.NoError(t, m2.Set("c"))
		c.net.Flush()

		require.Equal(t, "b", auth.Get())
		require.Equal(t, "b", m1.Get())
		require.Equal(t, "b", m2.Get())
		require.Equal(t, uint64(1), c.authority.Stats().Stale)
	})

	t.Run("Proposal: Rejection resends canonical", func(t *testing.T) {
		c := newCluster(t, 1, ReplicatorConfig{})
		auth := NewValue("hp", 10.0, Float64Codec(),
			WithDirection[float64](BidirectionalProposed),
			WithProposalHandler(func(p Proposal[float64]) error {
				if p.Value > 100 {
					return errors.New("too large")
				}
				return nil
			}))
		require.NoError(t, c.authority.Bind(auth))
		require.NoError(t, auth.Set(20))

		m := NewValue("hp", 10.0, Float64Codec(), WithDirection[float64](BidirectionalProposed))
		require.NoError(t, c.mirrors[0].Bind(m))
		c.net.Flush()
		require.Equal(t, 20.0, m.Get())

		require.NoError(t, m.Set(500))
		c.net.Flush()
		require.Equal(t, 20.0, auth.Get())
		require.Equal(t, uint64(1), c.authority.Stats().Rejected)
		require.Equal(t, 20.0, m.Get())
	})

	t.Run("Proposal: AuthorityToAll refuses", func(t *testing.T) {
		c := newCluster(t, 1, ReplicatorConfig{})
		auth := NewValue("x", 1.0, Float64Codec())
		require.NoError(t, c.authority.Bind(auth))
		m := NewValue("x", 1.0, Float64Codec(), WithDirection[float64](BidirectionalProposed))
		require.NoError(t, c.mirrors[0].Bind(m))
		c.net.Flush()

		require.NoError(t, m.Set(9))
		c.net.Flush()
		require.Equal(t, 1.0, auth.Get())
		require.Equal(t, uint64(1), c.authority.Stats().Rejected)
	})

	t.Run("Proposal: Rate limited", func(t *testing.T) {
		c := newCluster(t, 1, ReplicatorConfig{ProposalRate: 1, ProposalBurst: 1})
		auth := NewValue[int64]("n", 0, Int64Codec(), WithDirection[int64](BidirectionalProposed), AcceptStaleProposals[int64]())
		m := NewValue[int64]("n", 0, Int64Codec(), WithDirection[int64](BidirectionalProposed))
		require.NoError(t, c.authority.Bind(auth))
		require.NoError(t, c.mirrors[0].Bind(m))
		c.net.Flush()

		for i := int64(1); i <= 20; i++ {
			require.NoError(t, m.Set(i))
		}
		c.net.Flush()
		require.Positive(t, c.authority.Stats().RateLimited)
	})
}

func TestReplicator_LossyNetworkConverges(t *testing.T) {
	c := newCluster(t, 3, ReplicatorConfig{}, protocol.WithLoss(0.3), protocol.WithReorder(), protocol.WithSeed(11))
	auth := NewValue[int64]("tick", 0, Int64Codec())
	require.NoError(t, c.authority.Bind(auth))

	mirrors := make([]*Value[int64], len(c.mirrors))
	for i, r := range c.mirrors {
		mirrors[i] = NewValue[int64]("tick", 0, Int64Codec())
		require.NoError(t, r.Bind(mirrors[i]))
	}

	for i := int64(1); i <= 30; i++ {
		require.NoError(t, auth.Set(i))
		if i%3 == 0 {
			c.net.Flush()
		}
	}
	c.net.Flush()

	// Re-request until every mirror caught up; lost snapshots are never retried.
	for round := 0; round < 20; round++ {
		for _, r := range c.mirrors {
			r.RequestSnapshots()
		}
		c.net.Flush()
	}
	for _, m := range mirrors {
		require.Equal(t, int64(30), m.Get())
		require.Equal(t, auth.Revision(), m.Revision())
	}
}

func TestReplicator_Unbind(t *testing.T) {
	c := newCluster(t, 1, ReplicatorConfig{})
	auth := NewValue("k", "v", StringCodec())
	require.NoError(t, c.authority.Bind(auth))
	require.Equal(t, 1, c.authority.Bound())
	require.NoError(t, auth.Close())
	require.Zero(t, c.authority.Bound())

	_, err := NewReplicator(protocol.NewChannel(c.net.Join(99), log.NewNop()), ReplicatorConfig{Channel: replChannel}, log.NewNop())
	require.NoError(t, err)
}

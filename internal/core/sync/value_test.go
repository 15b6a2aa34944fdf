package sync

import (
	"context"
	"errors"
	"math/rand/v2"
	sc "sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValue_Authority(t *testing.T) {
	t.Run("Value: Set bumps revision and notifies once", func(t *testing.T) {
		v := NewValue("hp", 10.0, Float64Codec())
		var seen [][2]float64
		v.Observe(func(old, new float64) { seen = append(seen, [2]float64{old, new}) })

		require.NoError(t, v.Set(12))
		require.Equal(t, 12.0, v.Get())
		require.Equal(t, uint32(1), v.Revision())
		require.Equal(t, [][2]float64{{10, 12}}, seen)
	})

	t.Run("Value: Equal value is a no-op", func(t *testing.T) {
		v := NewValue("name", "a", StringCodec())
		calls := 0
		v.Observe(func(_, _ string) { calls++ })

		require.NoError(t, v.Set("a"))
		require.Zero(t, v.Revision())
		require.Zero(t, calls)
	})

	t.Run("Value: Custom equality", func(t *testing.T) {
		v := NewValue("x", 1.0, Float64Codec(), WithEqual(func(a, b float64) bool {
			return int(a) == int(b)
		}))
		require.NoError(t, v.Set(1.4))
		require.Zero(t, v.Revision())
	})

	t.Run("Value: Update", func(t *testing.T) {
		v := NewValue[int64]("n", 1, Int64Codec())
		require.NoError(t, v.Update(func(c int64) int64 { return c + 4 }))
		require.Equal(t, int64(5), v.Get())
	})

	t.Run("Value: Remote snapshot on authority is refused", func(t *testing.T) {
		v := NewValue("x", 1.0, Float64Codec())
		require.ErrorIs(t, v.ApplyRemote(5, 2.0), ErrStaleRevision)
		require.Equal(t, 1.0, v.Get())
	})
}

func TestValue_Subscriptions(t *testing.T) {
	v := NewValue[int64]("n", 0, Int64Codec())
	var a, b int
	subA := v.Observe(func(_, _ int64) { a++ })
	v.Observe(func(_, _ int64) { b++ })

	require.NoError(t, v.Set(1))
	subA.Cancel()
	subA.Cancel()
	require.NoError(t, v.Set(2))
	require.Equal(t, 1, a)
	require.Equal(t, 2, b)

	var group Subscriptions
	c := 0
	group.Add(v.Observe(func(_, _ int64) { c++ }))
	group.Add(v.Observe(func(_, _ int64) { c++ }))
	group.CancelAll()
	require.NoError(t, v.Set(3))
	require.Zero(t, c)

	require.NoError(t, v.Close())
	require.ErrorIs(t, v.Set(4), ErrClosed)
	require.Equal(t, 3, b)
	require.NotEmpty(t, v.Observe(func(_, _ int64) {}).ID())
}

func TestValue_ApplyRemoteOutOfOrder(t *testing.T) {
	mirror := NewValue[int64]("score", 0, Int64Codec())
	mirror.authoritative = false

	type snap struct {
		rev uint32
		val int64
	}
	var snaps []snap
	for i := uint32(1); i <= 50; i++ {
		snaps = append(snaps, snap{rev: i, val: int64(i) * 10})
	}
	rng := rand.New(rand.NewPCG(3, 4))
	rng.Shuffle(len(snaps), func(i, j int) { snaps[i], snaps[j] = snaps[j], snaps[i] })

	notified := 0
	mirror.Observe(func(_, _ int64) { notified++ })
	for _, s := range snaps {
		err := mirror.ApplyRemote(s.rev, s.val)
		if err != nil {
			require.True(t, errors.Is(err, ErrStaleRevision))
		}
	}

	require.Equal(t, int64(500), mirror.Get())
	require.Equal(t, uint32(50), mirror.Revision())
	require.Equal(t, uint64(50-notified), mirror.StaleDrops())

	require.ErrorIs(t, mirror.ApplyRemote(50, 1), ErrStaleRevision)
	require.Equal(t, int64(500), mirror.Get())
}

func TestValue_ApplyRemoteInitial(t *testing.T) {
	mirror := NewValue("door", "closed", StringCodec())
	mirror.authoritative = false
	var seen []string
	mirror.Observe(func(_, n string) { seen = append(seen, n) })

	require.NoError(t, mirror.ApplyRemote(0, "open"), "an unsynced mirror takes the initial revision")
	require.Equal(t, "open", mirror.Get())
	require.Zero(t, mirror.Revision())
	require.ErrorIs(t, mirror.ApplyRemote(0, "broken"), ErrStaleRevision)
	require.Equal(t, "open", mirror.Get())
	require.Equal(t, []string{"open"}, seen)
	require.Equal(t, uint64(1), mirror.StaleDrops())
}

func TestValue_ObserverOrder(t *testing.T) {
	t.Run("Order: Concurrent sets are observed in commit order", func(t *testing.T) {
		v := NewValue[int64]("n", 0, Int64Codec())
		var pairs [][2]int64
		v.Observe(func(old, new int64) { pairs = append(pairs, [2]int64{old, new}) })

		const writers, perWriter = 8, 200
		var wg sc.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 1; i <= perWriter; i++ {
					_ = v.Set(int64(w*perWriter + i))
				}
			}(w)
		}
		wg.Wait()

		require.Len(t, pairs, writers*perWriter)
		require.Equal(t, int64(0), pairs[0][0])
		for i := 1; i < len(pairs); i++ {
			require.Equal(t, pairs[i-1][1], pairs[i][0], "change %d continues from the previous one", i)
		}
		require.Equal(t, v.Get(), pairs[len(pairs)-1][1])
	})

	t.Run("Order: Set from an observer", func(t *testing.T) {
		v := NewValue[int64]("n", 0, Int64Codec())
		var pairs [][2]int64
		v.Observe(func(old, new int64) {
			pairs = append(pairs, [2]int64{old, new})
			if new < 3 {
				require.NoError(t, v.Set(new+1))
			}
		})
		require.NoError(t, v.Set(1))
		require.Equal(t, int64(3), v.Get())
		require.Equal(t, [][2]int64{{0, 1}, {1, 2}, {2, 3}}, pairs)
	})
}

func TestValue_MirrorWrites(t *testing.T) {
	readOnly := NewValue("ro", 1.0, Float64Codec())
	readOnly.authoritative = false
	require.ErrorIs(t, readOnly.Set(2), ErrNotAuthoritative)
	require.ErrorIs(t, readOnly.Update(func(c float64) float64 { return c }), ErrNotAuthoritative)

	proposed := NewValue("rw", 1.0, Float64Codec(), WithDirection[float64](BidirectionalProposed))
	proposed.authoritative = false
	require.NoError(t, proposed.Set(2))
	require.Equal(t, 1.0, proposed.Get(), "mirror state waits for the authority")
}

type memoryBlobs map[string][]byte

func (m memoryBlobs) SaveBlob(_ context.Context, key string, data []byte) error {
	m[key] = append([]byte(nil), data...)
	return nil
}

func (m memoryBlobs) LoadBlob(_ context.Context, key string) ([]byte, bool, error) {
	data, ok := m[key]
	return data, ok, nil
}

func TestValue_Persistence(t *testing.T) {
	ctx := context.Background()
	blobs := memoryBlobs{}

	fresh := NewValue("level", 3.0, Float64Codec())
	found, err := fresh.Load(ctx, blobs)
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, 3.0, fresh.Get(), "missing blob keeps the default")

	require.NoError(t, fresh.Set(7))
	require.NoError(t, fresh.Save(ctx, blobs))

	restored := NewValue("level", 3.0, Float64Codec())
	found, err = restored.Load(ctx, blobs)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 7.0, restored.Get())

	blobs["level"] = []byte{0xff}
	_, err = NewValue("level", 0.0, Float64Codec()).Load(ctx, blobs)
	require.Error(t, err)

	mirror := NewValue("level", 0.0, Float64Codec())
	mirror.authoritative = false
	_, err = mirror.Load(ctx, blobs)
	require.ErrorIs(t, err, ErrNotAuthoritative)
}

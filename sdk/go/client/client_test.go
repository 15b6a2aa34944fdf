package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/gridsync/internal/config"
	"github.com/zeusync/gridsync/internal/core/group"
	"github.com/zeusync/gridsync/internal/core/observability/log"
	"github.com/zeusync/gridsync/internal/node"
)

// startAuthority runs an authority until the test ends or stop is called.
func startAuthority(t *testing.T, kind string) (n *node.Node, addr string, stop func()) {
	t.Helper()
	cfg := config.Default()
	cfg.Transport.Kind = kind
	cfg.Transport.Listen = "127.0.0.1:0"
	cfg.Storage.Kind = config.StorageNone

	n, err := node.New(context.Background(), cfg, log.NewNop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			<-done
			_ = n.Close()
		})
	}
	t.Cleanup(stop)

	if kind == config.TransportQUIC {
		return n, n.Addr().String(), stop
	}
	return n, "ws://" + n.Addr().String() + "/sync", stop
}

func newClient(t *testing.T, kind, addr string) *Client {
	t.Helper()
	cfg := DefaultClientConfig()
	cfg.ServerAddr = addr
	cfg.Transport = kind
	cfg.PeerID = 7
	cfg.ConnectTimeout = 5 * time.Second
	cfg.LogLevel = log.LevelError
	c := NewClient(cfg)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_Charge(t *testing.T) {
	for _, kind := range []string{config.TransportWebsocket, config.TransportQUIC} {
		t.Run("Charge: "+kind, func(t *testing.T) {
			ctx := context.Background()
			auth, addr, _ := startAuthority(t, kind)
			authCharger, err := auth.Charger(ctx, "blink-1", nil)
			require.NoError(t, err)

			c := newClient(t, kind, addr)
			var events []EventType
			c.OnEvent(EventTypeConnected, func(e Event) error {
				events = append(events, e.Type)
				return nil
			})
			require.NoError(t, c.Connect(ctx))
			require.ErrorIs(t, c.Connect(ctx), ErrAlreadyConnected)
			require.Equal(t, []EventType{EventTypeConnected}, events)

			charger, err := c.Charger(ctx, "blink-1")
			require.NoError(t, err)
			require.NoError(t, charger.Consume())
			require.Eventually(t, func() bool {
				return authCharger.CurrentCharges() == 2 && charger.CurrentCharges() == 2
			}, 5*time.Second, 10*time.Millisecond)
		})
	}
}

func TestClient_Groups(t *testing.T) {
	ctx := context.Background()
	auth, addr, _ := startAuthority(t, config.TransportWebsocket)
	for id, v := range map[group.EntityID]group.Vector{1: {"reactor": 2}, 2: nil} {
		_, err := auth.TrackEntity(id, v)
		require.NoError(t, err)
		_, err = auth.EntityJoined(id, []string{"group:ship"})
		require.NoError(t, err)
	}

	c := newClient(t, config.TransportWebsocket, addr)
	require.NoError(t, c.Connect(ctx))
	v1, err := c.TrackEntity(1)
	require.NoError(t, err)
	v2, err := c.TrackEntity(2)
	require.NoError(t, err)

	edit := group.Vector{"reactor": 3, "gas_generator": 2, "gyro": 1, "thrust": 4, "drill": 1}
	require.Eventually(t, func() bool { return v2.Get()["reactor"] == 2 }, 5*time.Second, 10*time.Millisecond,
		"the mirror catches up with the aggregated group")
	require.NoError(t, c.EditVector(2, edit))
	require.Eventually(t, func() bool {
		return v1.Get().Equal(edit) && v2.Get().Equal(edit)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClient_Lifecycle(t *testing.T) {
	ctx := context.Background()

	c := NewClient(DefaultClientConfig())
	require.ErrorIs(t, c.Connect(ctx), ErrInvalidConfig, "peer id is required")
	_, err := c.Charger(ctx, "x")
	require.ErrorIs(t, err, ErrNotConnected)

	_, addr, _ := startAuthority(t, config.TransportWebsocket)
	c = newClient(t, config.TransportWebsocket, addr)
	disconnected := make(chan struct{})
	c.OnEvent(EventTypeDisconnected, func(Event) error {
		close(disconnected)
		return nil
	})
	require.NoError(t, c.Connect(ctx))
	require.True(t, c.IsConnected())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	<-disconnected
	require.ErrorIs(t, c.Connect(ctx), ErrClientClosed)
	_, err = c.Board(ctx, "match")
	require.ErrorIs(t, err, ErrClientClosed)
}

func waitDone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not notice the authority going away")
	}
	require.False(t, c.IsConnected())
}

func TestClient_Reconnect(t *testing.T) {
	ctx := context.Background()
	_, addr1, stop1 := startAuthority(t, config.TransportWebsocket)
	c := newClient(t, config.TransportWebsocket, addr1)
	var disconnects int
	var mu sync.Mutex
	c.OnEvent(EventTypeDisconnected, func(Event) error {
		mu.Lock()
		disconnects++
		mu.Unlock()
		return nil
	})

	require.NoError(t, c.Connect(ctx))
	stop1()
	waitDone(t, c)

	auth2, addr2, stop2 := startAuthority(t, config.TransportWebsocket)
	c.config.ServerAddr = addr2
	require.NoError(t, c.Connect(ctx))
	require.True(t, c.IsConnected())

	authCharger, err := auth2.Charger(ctx, "blink-1", nil)
	require.NoError(t, err)
	charger, err := c.Charger(ctx, "blink-1")
	require.NoError(t, err)
	require.NoError(t, charger.Consume())
	require.Eventually(t, func() bool { return authCharger.CurrentCharges() == 2 }, 5*time.Second, 10*time.Millisecond)

	stop2()
	waitDone(t, c)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return disconnects == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())
}

package node

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/gridsync/internal/core/charge"
	"github.com/zeusync/gridsync/internal/core/observability/log"
	"github.com/zeusync/gridsync/internal/core/scores"
)

// Run drives the node until ctx ends or the link to the authority drops.
// The authority ticks chargers, scans group activation and saves state on
// their intervals; a mirror only waits for its connection. State is saved
// once more on the way out.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if n.httpServer != nil {
		g.Go(func() error {
			n.logger.Info("Serving websocket", log.String("addr", n.listener.Addr().String()), log.String("path", n.cfg.Transport.Path))
			if err := n.httpServer.Serve(n.listener); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), n.cfg.Transport.HandshakeTimeout)
			defer cancel()
			return n.httpServer.Shutdown(shutdown)
		})
	}

	if r, ok := n.transport.(remote); ok {
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return nil
			case <-r.Done():
				return ErrDisconnected
			}
		})
	}

	if n.IsAuthority() {
		g.Go(func() error {
			return every(ctx, n.cfg.Node.TickRate, n.Tick)
		})
		g.Go(func() error {
			return every(ctx, n.cfg.Group.ScanInterval, func(time.Duration) {
				n.registry.ScanAll()
			})
		})
		if n.store != nil && n.cfg.Storage.SaveInterval > 0 {
			g.Go(func() error {
				return every(ctx, n.cfg.Storage.SaveInterval, func(time.Duration) {
					if err := n.SaveAll(ctx); err != nil {
						n.logger.Warn("Periodic save failed", log.Error(err))
					}
				})
			})
		}
	} else {
		n.replicator.RequestSnapshots()
	}

	n.logger.Info("Node running")
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// every calls fn with the elapsed time on each tick of interval until ctx ends.
func every(ctx context.Context, interval time.Duration, fn func(dt time.Duration)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			fn(now.Sub(last))
			last = now
		}
	}
}

// Tick advances every charger by dt. Mirrors ignore it.
func (n *Node) Tick(dt time.Duration) {
	if !n.IsAuthority() {
		return
	}
	n.mu.Lock()
	chargers := make([]*charge.Controller, 0, len(n.chargers))
	for _, c := range n.chargers {
		chargers = append(chargers, c)
	}
	n.mu.Unlock()

	for _, c := range chargers {
		c.Tick(dt)
	}
}

// SaveAll persists every charger and board. It is a no-op on mirrors and
// without a store.
func (n *Node) SaveAll(ctx context.Context) error {
	n.mu.Lock()
	if err := n.checkOpen(); err != nil {
		n.mu.Unlock()
		return err
	}
	chargers := make(map[string]*charge.Controller, len(n.chargers))
	for k, c := range n.chargers {
		chargers[k] = c
	}
	boards := make(map[string]*scores.Board, len(n.boards))
	for k, b := range n.boards {
		boards[k] = b
	}
	n.mu.Unlock()
	return n.save(ctx, chargers, boards)
}

func (n *Node) save(ctx context.Context, chargers map[string]*charge.Controller, boards map[string]*scores.Board) error {
	if !n.IsAuthority() || n.store == nil {
		return nil
	}
	var err error
	for _, c := range chargers {
		err = multierr.Append(err, c.Save(ctx, n.store))
	}
	for _, b := range boards {
		err = multierr.Append(err, b.Value().Save(ctx, n.store))
	}
	if err == nil {
		n.logger.Debug("State saved", log.Int("chargers", len(chargers)), log.Int("boards", len(boards)))
	}
	return err
}

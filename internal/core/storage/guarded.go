package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/zeusync/gridsync/internal/core/observability/log"
	"github.com/zeusync/gridsync/internal/core/sync"
)

var _ sync.BlobStore = (*Guarded)(nil)

type BreakerConfig struct {
	Name             string        `yaml:"name"`
	MaxFailures      uint32        `yaml:"max_failures"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	HalfOpenRequests uint32        `yaml:"half_open_requests"`
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "blob-store",
		MaxFailures:      5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// Guarded wraps a BlobStore with a circuit breaker so a failing backend is
// skipped instead of stalling every save.
type Guarded struct {
	inner   sync.BlobStore
	breaker *gobreaker.CircuitBreaker
}

type loadResult struct {
	data  []byte
	found bool
}

func NewGuarded(inner sync.BlobStore, config BreakerConfig, logger log.Log) *Guarded {
	logger = logger.With(log.String("component", "blob-store"))
	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.HalfOpenRequests,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Blob store breaker changed state",
				log.String("breaker", name),
				log.String("from", from.String()),
				log.String("to", to.String()))
		},
	}
	return &Guarded{inner: inner, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (g *Guarded) SaveBlob(ctx context.Context, key string, data []byte) error {
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, g.inner.SaveBlob(ctx, key, data)
	})
	return g.wrap(err)
}

func (g *Guarded) LoadBlob(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := g.breaker.Execute(func() (interface{}, error) {
		data, found, err := g.inner.LoadBlob(ctx, key)
		if err != nil {
			return nil, err
		}
		return loadResult{data: data, found: found}, nil
	})
	if err != nil {
		return nil, false, g.wrap(err)
	}
	r := res.(loadResult)
	return r.data, r.found, nil
}

func (g *Guarded) State() gobreaker.State {
	return g.breaker.State()
}

func (g *Guarded) wrap(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

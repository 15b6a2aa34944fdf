package protocol

import (
	"fmt"
	"strconv"
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
)

// SenderLimiter is a token bucket per remote peer.
type SenderLimiter struct {
	store   store.Store
	limiter *limiter.TokenBucket
}

// NewSenderLimiter allows perSecond messages per peer with the given burst.
func NewSenderLimiter(perSecond, burst int) (*SenderLimiter, error) {
	if perSecond <= 0 {
		return nil, fmt.Errorf("sender limiter: rate must be positive, got %d", perSecond)
	}
	if burst < perSecond {
		burst = perSecond
	}
	s := store.NewMemoryStore(time.Minute)
	tb, err := limiter.NewTokenBucket(
		limiter.Config{
			Rate:     int64(perSecond),
			Duration: time.Second,
			Burst:    int64(burst),
		},
		s,
	)
	if err != nil {
		return nil, fmt.Errorf("sender limiter: %w", err)
	}
	return &SenderLimiter{store: s, limiter: tb}, nil
}

// Allow reports whether peer may send one more message now. A nil limiter allows everything.
func (l *SenderLimiter) Allow(peer PeerID) bool {
	if l == nil {
		return true
	}
	return l.limiter.Allow(strconv.FormatUint(uint64(peer), 10))
}

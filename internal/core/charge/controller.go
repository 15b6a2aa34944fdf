package charge

import (
	"context"
	"fmt"
	"math"
	sc "sync"
	"time"

	"github.com/zeusync/gridsync/internal/core/events/bus"
	"github.com/zeusync/gridsync/internal/core/observability/log"
	"github.com/zeusync/gridsync/internal/core/sync"
)

// Gate is the external condition a consume must pass, such as the block
// being powered and functional.
type Gate func() bool

type Option func(*Controller)

func WithGate(gate Gate) Option {
	return func(c *Controller) { c.gate = gate }
}

func WithEvents(events bus.EventBus) Option {
	return func(c *Controller) { c.events = events }
}

func WithLogger(logger log.Log) Option {
	return func(c *Controller) { c.logger = logger }
}

// ValueKey is the replication key of owner's charge state.
func ValueKey(owner string) string {
	return "charge/" + owner
}

// Controller is a bounded charge counter with a recharge timer. The authority
// owns the exact state and replicates it as one value; mirrors read the
// replica and turn Consume into a proposal the authority revalidates.
//
// Observers registered through Observe must not call Consume or Tick.
type Controller struct {
	owner string
	cfg   Config
	gate  Gate
	value *sync.Value[State]
	sub   *sync.Subscription

	// write serializes every read-modify-commit of the authoritative state.
	write sc.Mutex
	mu    sc.Mutex
	state State

	events bus.EventBus
	logger log.Log
}

// NewController returns a full controller. Its value is authoritative until
// bound to a mirror replicator.
func NewController(owner string, cfg Config, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		owner:  owner,
		cfg:    cfg,
		gate:   func() bool { return true },
		state:  State{Charges: cfg.MaxCharges},
		logger: log.Provide(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(log.String("component", "charge"), log.String("owner", owner))
	c.value = sync.NewValue(ValueKey(owner), c.state, StateCodec(),
		sync.WithDirection[State](sync.BidirectionalProposed),
		sync.WithLogger[State](c.logger),
		sync.WithProposalHandler(c.handleProposal),
		// A consume proposal is an intent checked against the current charges,
		// so it stays meaningful after the timer advanced the revision.
		sync.AcceptStaleProposals[State](),
	)
	c.sub = c.value.Observe(c.observeReplica)
	return c, nil
}

func (c *Controller) Owner() string {
	return c.owner
}

func (c *Controller) Config() Config {
	return c.cfg
}

// Value is the replicated state, for binding to a replicator.
func (c *Controller) Value() *sync.Value[State] {
	return c.value
}

// State returns charges and timer read together.
func (c *Controller) State() State {
	if c.value.IsAuthoritative() {
		return c.current()
	}
	return c.value.Get()
}

func (c *Controller) CurrentCharges() int {
	return c.State().Charges
}

func (c *Controller) TimeToNextCharge() time.Duration {
	return c.State().timeToNext()
}

func (c *Controller) Status() Status {
	return c.State().Status(c.cfg.MaxCharges)
}

// PowerDraw is the power the controller requests from its grid.
func (c *Controller) PowerDraw() float64 {
	if c.State().Timer > 0 {
		return c.cfg.PowerDrawCharging
	}
	return c.cfg.PowerDrawIdle
}

// Consume spends one charge. It fails with ErrInsufficientResource when empty
// and ErrConsumeNotPermitted when the gate refuses, leaving the state
// untouched. On a mirror a successful local check sends a proposal and the
// replica changes once the authority answers.
func (c *Controller) Consume() error {
	if !c.value.IsAuthoritative() {
		return c.proposeConsume()
	}
	return c.consume(false, 0)
}

// Tick advances the recharge timer by dt on the authority. Mirrors ignore it.
func (c *Controller) Tick(dt time.Duration) {
	if dt <= 0 || !c.value.IsAuthoritative() {
		return
	}
	restored, ok := c.tick(dt)
	if ok {
		c.logger.Debug("Charge restored", log.Int("charges", restored.Charges))
		c.publish(bus.EventChargeRestored, bus.ChargeRestored{Owner: c.owner, Charges: restored.Charges})
	}
}

// Flush publishes the exact authoritative state, bypassing PublishInterval.
func (c *Controller) Flush() {
	if !c.value.IsAuthoritative() {
		return
	}
	c.write.Lock()
	defer c.write.Unlock()
	c.commit(c.current(), true)
}

func (c *Controller) Observe(fn sync.ChangeFunc[State]) *sync.Subscription {
	return c.value.Observe(fn)
}

// Save persists the exact state through store.
func (c *Controller) Save(ctx context.Context, store sync.BlobStore) error {
	c.Flush()
	return c.value.Save(ctx, store)
}

// Load restores a saved state on the authority. A missing blob keeps the
// controller full and reports false.
func (c *Controller) Load(ctx context.Context, store sync.BlobStore) (bool, error) {
	c.write.Lock()
	defer c.write.Unlock()
	found, err := c.value.Load(ctx, store)
	if err != nil || !found {
		return found, err
	}
	restored := normalize(c.value.Get(), c.cfg)
	c.set(restored)
	c.commit(restored, true)
	return true, nil
}

func (c *Controller) Close() error {
	c.sub.Cancel()
	return c.value.Close()
}

func (c *Controller) current() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) set(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) consume(proposed bool, expected int) error {
	next, err := c.tryConsume(proposed, expected)
	if err != nil {
		return err
	}
	c.logger.Debug("Charge consumed", log.Int("remaining", next.Charges), log.Bool("proposed", proposed))
	c.publish(bus.EventChargeConsumed, bus.ChargeConsumed{Owner: c.owner, Remaining: next.Charges})
	return nil
}

func (c *Controller) tryConsume(proposed bool, expected int) (State, error) {
	c.write.Lock()
	defer c.write.Unlock()

	cur := c.current()
	if cur.Charges <= 0 {
		return cur, fmt.Errorf("consume %s: %w", c.owner, ErrInsufficientResource)
	}
	if proposed && cur.Charges-1 != expected {
		return cur, fmt.Errorf("consume %s: proposed %d with %d left: %w", c.owner, expected, cur.Charges, ErrProposalMismatch)
	}
	if !c.gate() {
		return cur, fmt.Errorf("consume %s: %w", c.owner, ErrConsumeNotPermitted)
	}

	next := State{Charges: cur.Charges - 1, Timer: cur.Timer}
	if next.Timer <= 0 {
		next.Timer = c.cfg.Recharge.Seconds()
	}
	c.set(next)
	c.commit(next, true)
	return next, nil
}

func (c *Controller) tick(dt time.Duration) (State, bool) {
	c.write.Lock()
	defer c.write.Unlock()

	prev := c.current()
	next := advance(prev, dt.Seconds(), c.cfg)
	if next == prev {
		return next, false
	}
	c.set(next)
	restored := next.Charges > prev.Charges
	c.commit(next, restored)
	return next, restored
}

// commit copies s into the replicated value. Timer-only progress is held
// back until it differs from the published timer by PublishInterval.
func (c *Controller) commit(s State, force bool) {
	if !force && c.cfg.PublishInterval > 0 && s.Timer > 0 {
		published := c.value.Get()
		if published.Charges == s.Charges && math.Abs(published.Timer-s.Timer) < c.cfg.PublishInterval.Seconds() {
			return
		}
	}
	if err := c.value.Set(s); err != nil {
		c.logger.Warn("Failed to commit charge state", log.Error(err))
	}
}

func (c *Controller) proposeConsume() error {
	cur := c.value.Get()
	if cur.Charges <= 0 {
		return fmt.Errorf("consume %s: %w", c.owner, ErrInsufficientResource)
	}
	if !c.gate() {
		return fmt.Errorf("consume %s: %w", c.owner, ErrConsumeNotPermitted)
	}
	return c.value.Set(State{Charges: cur.Charges - 1, Timer: cur.Timer})
}

// handleProposal runs on the authority. The proposed timer is ignored.
func (c *Controller) handleProposal(p sync.Proposal[State]) error {
	return c.consume(true, p.Value.Charges)
}

// observeReplica turns replica transitions into events on mirrors; the
// authority publishes its own from Consume and Tick.
func (c *Controller) observeReplica(old, next State) {
	if c.value.IsAuthoritative() {
		return
	}
	switch {
	case next.Charges < old.Charges:
		c.publish(bus.EventChargeConsumed, bus.ChargeConsumed{Owner: c.owner, Remaining: next.Charges})
	case next.Charges > old.Charges:
		c.publish(bus.EventChargeRestored, bus.ChargeRestored{Owner: c.owner, Charges: next.Charges})
	}
}

func (c *Controller) publish(eventType string, data any) {
	if c.events == nil {
		return
	}
	if err := c.events.PublishToTopic(bus.TopicCharge, bus.NewEvent(eventType, "charge", data)); err != nil {
		c.logger.Warn("Charge event handler failed", log.String("event", eventType), log.Error(err))
	}
}

// Package coordinator holds the authoritative in-memory token state and
// fans batched updates out to per-type subscribers.
//
// **Data flow:**
//
//	producer → ProcessTokens → stamp + merge into virtual state
//	         → queue persist to cache (background, best-effort)
//	         → schedule one flush for the next tick
//	flush    → per-type filtered snapshot → subscribers, in registration order
//
// **Guarantees:**
//   - At most one flush per scheduling cycle; every update received during
//     the cycle is coalesced into a single notification per type
//   - A flush iterates the subscriber snapshot taken when it started, so
//     subscribing mid-flush waits for the next cycle and unsubscribing never
//     affects an in-flight flush
//   - Persistence failures are logged and counted, never surfaced to
//     ingestion, and never delay delivery
//
// One Coordinator is created at startup and its handle passed to every
// consumer.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gnana997/tokensync/pkg/channel"
	"github.com/gnana997/tokensync/pkg/tokens"
)

// DefaultPersistTimeout bounds one background cache write.
const DefaultPersistTimeout = 5 * time.Second

// TokenCache is the durable store the coordinator reads through and writes
// behind. *cache.Cache implements it.
type TokenCache interface {
	GetTokens(ctx context.Context, types []tokens.TokenType) (map[string]tokens.TokenComponent, bool, error)
	SetTokens(ctx context.Context, components map[string]tokens.TokenComponent) error
	Clear(ctx context.Context) error
}

// Options configures a Coordinator.
type Options struct {
	// Cache is required.
	Cache TokenCache

	// Channel, if set, is read by a background goroutine and every update
	// message is passed to HandleUpdate.
	Channel channel.Receiver

	// Scheduler decides when a flush runs. Defaults to a FrameScheduler.
	Scheduler Scheduler

	// SharedBuffer enables the zero-copy capability probe.
	SharedBuffer     bool
	SharedBufferSize int

	// PersistTimeout bounds one background cache write.
	PersistTimeout time.Duration

	// Now is the clock used for stamping. Defaults to time.Now.
	Now func() time.Time

	// Logger, if nil, uses slog.Default().
	Logger *slog.Logger
}

// Stats is a point-in-time view of coordinator activity.
type Stats struct {
	Processed       int   // components in virtual state
	Pending         int   // ids stamped but not yet merged
	Subscribers     int   // registrations across all types
	Flushes         int64 // flushes run
	Notifications   int64 // callback invocations
	Persisted       int64 // successful background writes
	PersistFailures int64 // failed background writes
	Dropped         int64 // channel messages ignored (not "update")
	Stale           int64 // components ignored because a newer one was held
}

// Coordinator is the TokenCoordinator. Safe for concurrent use.
type Coordinator struct {
	cache          TokenCache
	scheduler      Scheduler
	logger         *slog.Logger
	now            func() time.Time
	persistTimeout time.Duration
	shared         *channel.SharedBuffer

	// mu guards the virtual state, the registry and flushScheduled.
	mu             sync.Mutex
	processed      map[string]tokens.TokenComponent
	pending        map[string]struct{}
	registry       *registry
	flushScheduled bool

	// flushMu keeps flushes from overlapping.
	flushMu sync.Mutex

	// persistQueue coalesces components waiting for the persist worker.
	persistMu    sync.Mutex
	persistQueue map[string]tokens.TokenComponent
	persistKick  chan struct{}

	// writeMu is held by the persist worker from taking a batch until the
	// cache write returns, and by Clear, so a taken batch never lands after
	// a clear.
	writeMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	stop      chan struct{}
	wg        sync.WaitGroup
	recvWG    sync.WaitGroup
	closeOnce sync.Once

	flushes         atomic.Int64
	notifications   atomic.Int64
	persisted       atomic.Int64
	persistFailures atomic.Int64
	dropped         atomic.Int64
	stale           atomic.Int64
}

// New creates a coordinator. It probes the shared buffer and starts the
// channel receive loop and persist worker.
func New(opts Options) (*Coordinator, error) {
	if opts.Cache == nil {
		return nil, fmt.Errorf("coordinator: cache is required")
	}
	if opts.Scheduler == nil {
		opts.Scheduler = NewFrameScheduler(DefaultFrameInterval)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = DefaultPersistTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cache:          opts.Cache,
		scheduler:      opts.Scheduler,
		logger:         opts.Logger,
		now:            opts.Now,
		persistTimeout: opts.PersistTimeout,
		processed:      make(map[string]tokens.TokenComponent),
		pending:        make(map[string]struct{}),
		registry:       newRegistry(),
		persistQueue:   make(map[string]tokens.TokenComponent),
		persistKick:    make(chan struct{}, 1),
		ctx:            ctx,
		cancel:         cancel,
		stop:           make(chan struct{}),
	}

	// Resolved once; nothing else looks at the result.
	shared, err := channel.ProbeSharedBuffer(opts.SharedBuffer, opts.SharedBufferSize)
	if err != nil {
		c.logger.Debug("shared buffer unavailable, using message delivery", "reason", err)
	} else {
		c.logger.Debug("shared buffer reserved", "bytes", shared.Size())
	}
	c.shared = shared

	c.wg.Add(1)
	go c.persistWorker()

	if opts.Channel != nil {
		c.recvWG.Add(1)
		go c.receiveLoop(opts.Channel)
	}

	return c, nil
}

// ProcessTokens ingests raw token values.
//
// Each entry is stamped Processed=true with the current time, never earlier
// than the timestamp already held for that id. No validation is done; the
// resulting state is merged through HandleUpdate and returned.
func (c *Coordinator) ProcessTokens(raw map[string]tokens.TokenValue) tokens.TokenState {
	now := c.now()
	components := make(map[string]tokens.TokenComponent, len(raw))

	c.mu.Lock()
	for id, v := range raw {
		ts := now
		if prev, ok := c.processed[id]; ok && prev.Timestamp.After(ts) {
			ts = prev.Timestamp
		}
		components[id] = tokens.TokenComponent{
			ID:        id,
			Type:      v.Type,
			Value:     v,
			Processed: true,
			Timestamp: ts,
		}
		c.pending[id] = struct{}{}
	}
	c.mu.Unlock()

	state := tokens.NewTokenState(components, now)
	c.HandleUpdate(state)
	return state
}

// HandleUpdate merges a state into the virtual state, queues it for
// persistence and schedules a flush if none is pending.
//
// A component older than the one already held for its id is ignored, so
// timestamps per id never move backwards.
func (c *Coordinator) HandleUpdate(state tokens.TokenState) {
	incoming := state.Components()
	merged := make(map[string]tokens.TokenComponent, len(incoming))
	var stale int64

	c.mu.Lock()
	for id, comp := range incoming {
		delete(c.pending, id)
		if prev, ok := c.processed[id]; ok && comp.Timestamp.Before(prev.Timestamp) {
			stale++
			continue
		}
		c.processed[id] = comp
		merged[id] = comp
	}
	schedule := !c.flushScheduled && len(incoming) > 0
	if schedule {
		c.flushScheduled = true
	}
	c.mu.Unlock()

	if stale > 0 {
		c.stale.Add(stale)
		c.logger.Debug("ignored stale components", "count", stale)
	}

	c.enqueuePersist(merged)

	if schedule {
		c.scheduler.Schedule(c.flush)
	}
}

type delivery struct {
	typ       tokens.TokenType
	state     tokens.TokenState
	callbacks []Callback
}

// flush delivers one filtered snapshot per subscribed type.
func (c *Coordinator) flush() {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	// Cleared with the snapshot so updates arriving while callbacks run
	// schedule the next cycle instead of waiting for another producer.
	c.flushScheduled = false
	ts := c.now()
	var deliveries []delivery
	for _, t := range c.registry.types() {
		subset := make(map[string]tokens.TokenComponent)
		for id, comp := range c.processed {
			if comp.Type == t {
				subset[id] = comp
			}
		}
		if len(subset) == 0 {
			continue
		}
		deliveries = append(deliveries, delivery{
			typ:       t,
			state:     tokens.NewTokenState(subset, ts),
			callbacks: c.registry.snapshot(t),
		})
	}
	c.mu.Unlock()

	c.flushes.Add(1)
	for _, d := range deliveries {
		for _, cb := range d.callbacks {
			c.invoke(d.typ, cb, d.state)
		}
	}
}

func (c *Coordinator) invoke(t tokens.TokenType, cb Callback, state tokens.TokenState) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("subscriber panicked", "type", t, "panic", r)
		}
	}()
	c.notifications.Add(1)
	cb(state)
}

// GetTokens returns cached tokens for types, or an empty state on a miss.
// Storage errors are logged and read as a miss.
func (c *Coordinator) GetTokens(ctx context.Context, types []tokens.TokenType) tokens.TokenState {
	state, _, err := c.Lookup(ctx, types)
	if err != nil {
		c.logger.Warn("token cache read failed", "types", types, "error", err)
		return tokens.EmptyState(c.now())
	}
	return state
}

// Lookup is GetTokens that tells a miss from a hit and reports storage
// errors. found is false when nothing is cached for any requested type.
func (c *Coordinator) Lookup(ctx context.Context, types []tokens.TokenType) (tokens.TokenState, bool, error) {
	components, found, err := c.cache.GetTokens(ctx, types)
	if err != nil {
		return tokens.EmptyState(c.now()), false, err
	}
	if !found || len(components) == 0 {
		return tokens.EmptyState(c.now()), found, nil
	}
	return tokens.NewTokenState(components, c.now()), true, nil
}

// PreloadTokens feeds cached tokens for types through HandleUpdate so active
// subscribers catch up on the next flush without new producer traffic.
func (c *Coordinator) PreloadTokens(ctx context.Context, types []tokens.TokenType) {
	components, found, err := c.cache.GetTokens(ctx, types)
	if err != nil {
		c.logger.Warn("token preload failed", "types", types, "error", err)
		return
	}
	if !found || len(components) == 0 {
		c.logger.Debug("token preload miss", "types", types)
		return
	}
	c.logger.Debug("token preload hit", "types", types, "tokens", len(components))
	c.HandleUpdate(tokens.NewTokenState(components, c.now()))
}

// Subscribe registers cb for type t. The returned func removes exactly this
// registration; calling it again is a no-op.
func (c *Coordinator) Subscribe(t tokens.TokenType, cb Callback) (unsubscribe func()) {
	if cb == nil {
		return func() {}
	}

	c.mu.Lock()
	id := c.registry.add(t, cb)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.registry.remove(t, id)
			c.mu.Unlock()
		})
	}
}

// Clear drops the virtual state and every cached partition. The cache
// error, if any, is returned as-is (a *cache.StorageError).
func (c *Coordinator) Clear(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	c.processed = make(map[string]tokens.TokenComponent)
	c.pending = make(map[string]struct{})
	c.mu.Unlock()

	c.persistMu.Lock()
	c.persistQueue = make(map[string]tokens.TokenComponent)
	c.persistMu.Unlock()

	return c.cache.Clear(ctx)
}

// Stats returns current counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	processed := len(c.processed)
	pending := len(c.pending)
	subscribers := c.registry.len()
	c.mu.Unlock()

	return Stats{
		Processed:       processed,
		Pending:         pending,
		Subscribers:     subscribers,
		Flushes:         c.flushes.Load(),
		Notifications:   c.notifications.Load(),
		Persisted:       c.persisted.Load(),
		PersistFailures: c.persistFailures.Load(),
		Dropped:         c.dropped.Load(),
		Stale:           c.stale.Load(),
	}
}

// Close stops the receive loop, writes any queued components and releases
// the shared buffer. Idempotent.
func (c *Coordinator) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		// The last received update must be queued before the worker drains.
		c.recvWG.Wait()
		close(c.stop)
		c.wg.Wait()
		err = c.shared.Close()
	})
	return err
}

func (c *Coordinator) receiveLoop(rx channel.Receiver) {
	defer c.recvWG.Done()

	for {
		msg, err := rx.Receive(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil && !errors.Is(err, channel.ErrClosed) {
				c.logger.Error("update channel failed", "error", err)
			}
			return
		}
		if msg.Type != channel.MessageTypeUpdate {
			c.dropped.Add(1)
			c.logger.Debug("dropping channel message", "type", msg.Type, "producer", msg.Producer)
			continue
		}
		c.HandleUpdate(msg.State)
	}
}

func (c *Coordinator) enqueuePersist(components map[string]tokens.TokenComponent) {
	if len(components) == 0 {
		return
	}

	c.persistMu.Lock()
	for id, comp := range components {
		c.persistQueue[id] = comp
	}
	c.persistMu.Unlock()

	select {
	case c.persistKick <- struct{}{}:
	default:
	}
}

// persistWorker writes queued components one batch at a time, so a newer
// value for an id is never overtaken by an older one.
func (c *Coordinator) persistWorker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.persistKick:
			c.persistQueued()
		case <-c.stop:
			c.persistQueued()
			return
		}
	}
}

func (c *Coordinator) persistQueued() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.persistMu.Lock()
	batch := c.persistQueue
	c.persistQueue = make(map[string]tokens.TokenComponent)
	c.persistMu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.persistTimeout)
	defer cancel()

	if err := c.cache.SetTokens(ctx, batch); err != nil {
		c.persistFailures.Add(1)
		c.logger.Warn("token persist failed", "tokens", len(batch), "error", err)
		return
	}
	c.persisted.Add(1)
}

// Package broadcast delivers broadcast messages to every connection
// subscribed to the message's topic.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/charleschow/sports-stream/internal/events"
	"github.com/charleschow/sports-stream/internal/registry"
	"github.com/charleschow/sports-stream/internal/telemetry"
)

var (
	// ErrTransient is a delivery failure worth one retry (timeout, full buffer).
	ErrTransient = errors.New("transient delivery failure")
	// ErrGone means the connection no longer exists; it is removed, not retried.
	ErrGone = errors.New("connection gone")
	// ErrNotLocal means the connection is held by another node sharing the
	// registry. It is neither retried nor removed.
	ErrNotLocal = errors.New("connection not on this node")
)

// DeliveryResult is the outcome of one send attempt.
type DeliveryResult struct {
	Delivered        bool
	PermanentFailure bool
	NotLocal         bool
	Err              error
}

func Delivered() DeliveryResult { return DeliveryResult{Delivered: true} }

func Transient(err error) DeliveryResult { return DeliveryResult{Err: err} }

func Gone(err error) DeliveryResult { return DeliveryResult{PermanentFailure: true, Err: err} }

// Elsewhere marks a candidate this sender does not own.
func Elsewhere() DeliveryResult { return DeliveryResult{NotLocal: true} }

// AsError maps the result onto ErrTransient / ErrGone / ErrNotLocal, nil
// when delivered.
func (r DeliveryResult) AsError() error {
	switch {
	case r.Delivered:
		return nil
	case r.NotLocal:
		return ErrNotLocal
	case r.PermanentFailure:
		return fmt.Errorf("%w: %v", ErrGone, r.Err)
	default:
		return fmt.Errorf("%w: %v", ErrTransient, r.Err)
	}
}

// Sender pushes one message to one connection. It must honour ctx. A
// connection the sender does not hold is reported with Elsewhere, never
// Gone: with a shared registry it belongs to another node.
type Sender interface {
	Send(ctx context.Context, connID string, msg events.BroadcastMessage) DeliveryResult
}

// Evicter is implemented by senders that hold per-connection resources which
// should be released when the broadcaster gives up on a connection.
type Evicter interface {
	Evict(connID string)
}

// Config bounds the broadcaster. MaxInFlight caps concurrent deliveries;
// MaxPending caps messages accepted but not yet fanned out, beyond which
// Dispatch sheds instead of blocking the caller.
type Config struct {
	MaxInFlight int
	MaxPending  int
	Timeout     time.Duration
	RetryDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 64
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 1024
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 250 * time.Millisecond
	}
	return c
}

// Broadcaster fans messages out to subscribers. Dispatch returns immediately;
// deliveries run in the background under a global in-flight bound and are
// waited for by Drain.
type Broadcaster struct {
	reg    registry.Registry
	sender Sender
	cfg    Config

	sem     *semaphore.Weighted
	pending *semaphore.Weighted
	lookups singleflight.Group

	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func New(reg registry.Registry, sender Sender, cfg Config) *Broadcaster {
	cfg = cfg.withDefaults()
	base, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		reg:     reg,
		sender:  sender,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		pending: semaphore.NewWeighted(int64(cfg.MaxPending)),
		base:    base,
		cancel:  cancel,
	}
}

// Dispatch schedules delivery of msg and returns without waiting. Deliveries
// are not bound to ctx: they outlive the caller and are bounded by Drain.
// After Drain has started, or while MaxPending messages are queued, messages
// are dropped.
func (b *Broadcaster) Dispatch(_ context.Context, msg events.BroadcastMessage) {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		telemetry.Debugf("broadcast: draining, dropped %s message %s", msg.Topic, msg.SourceEventID)
		return
	}
	if !b.pending.TryAcquire(1) {
		b.mu.Unlock()
		telemetry.Metrics.DispatchesDropped.Inc()
		telemetry.Warnf("broadcast: %d messages pending, dropped %s message %s",
			b.cfg.MaxPending, msg.Topic, msg.SourceEventID)
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	telemetry.Metrics.Dispatches.Inc()
	go func() {
		defer func() {
			b.pending.Release(1)
			b.wg.Done()
		}()
		b.fanout(msg)
	}()
}

func (b *Broadcaster) fanout(msg events.BroadcastMessage) {
	ids, err := b.candidates(msg.Topic)
	if err != nil {
		telemetry.Warnf("broadcast: lookup %q failed: %v", msg.Topic, err)
		return
	}
	if len(ids) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		if err := b.sem.Acquire(b.base, 1); err != nil {
			// shutting down
			break
		}
		telemetry.Metrics.DeliveriesInFlight.Inc()
		wg.Add(1)
		go func(id string) {
			defer func() {
				telemetry.Metrics.DeliveriesInFlight.Dec()
				b.sem.Release(1)
				wg.Done()
			}()
			b.deliver(id, msg)
		}(id)
	}
	wg.Wait()
}

// candidates coalesces concurrent lookups of the same topic.
func (b *Broadcaster) candidates(topic string) ([]string, error) {
	v, err, _ := b.lookups.Do(topic, func() (any, error) {
		ctx, cancel := context.WithTimeout(b.base, b.cfg.Timeout)
		defer cancel()
		return b.reg.FindBySubscription(ctx, topic)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (b *Broadcaster) deliver(id string, msg events.BroadcastMessage) {
	res := b.attempt(id, msg)
	switch {
	case res.Delivered:
		telemetry.Metrics.Deliveries.Inc()
		return
	case res.NotLocal:
		telemetry.Metrics.DeliveriesRemote.Inc()
		return
	}

	if !res.PermanentFailure {
		telemetry.Metrics.DeliveryRetries.Inc()
		select {
		case <-b.base.Done():
			return
		case <-time.After(b.cfg.RetryDelay):
		}
		res = b.attempt(id, msg)
		switch {
		case res.Delivered:
			telemetry.Metrics.Deliveries.Inc()
			return
		case res.NotLocal:
			telemetry.Metrics.DeliveriesRemote.Inc()
			return
		case !res.PermanentFailure && b.base.Err() != nil:
			// cut short by Drain, not by the connection
			telemetry.Debugf("broadcast: retry to %s cancelled by shutdown", id)
			return
		}
	}

	telemetry.Metrics.DeliveryFailures.Inc()
	telemetry.Debugf("broadcast: dropping %s after failed delivery: %v", id, res.AsError())
	b.prune(id)
}

func (b *Broadcaster) attempt(id string, msg events.BroadcastMessage) DeliveryResult {
	ctx, cancel := context.WithTimeout(b.base, b.cfg.Timeout)
	defer cancel()

	start := time.Now()
	res := b.sender.Send(ctx, id, msg)
	if res.Delivered {
		telemetry.Metrics.DeliveryLatency.Record(time.Since(start))
	}
	return res
}

func (b *Broadcaster) prune(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
	defer cancel()

	if err := b.reg.RemoveConnection(ctx, id); err != nil {
		telemetry.Warnf("broadcast: remove %s failed: %v", id, err)
		return
	}
	telemetry.Metrics.ConnectionsPruned.Inc()
	if ev, ok := b.sender.(Evicter); ok {
		ev.Evict(id)
	}
}

// Drain stops accepting messages and waits for in-flight deliveries. When
// ctx expires first, outstanding deliveries are cancelled and Drain returns
// ctx's error once they have unwound.
func (b *Broadcaster) Drain(ctx context.Context) error {
	b.mu.Lock()
	b.closing = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		<-done
		return ctx.Err()
	}
}

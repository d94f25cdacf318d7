// Package stream turns the event log's change feed into broadcast messages.
//
// A Consumer runs one sequential loop per feed lane, so changes to the same
// record are dispatched in feed order. Within a batch, changes to different
// records are transformed concurrently. A failure in one record never stops
// the batch: it is logged, counted and skipped.
package stream

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/charleschow/sports-stream/internal/events"
	"github.com/charleschow/sports-stream/internal/telemetry"
)

const (
	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second
)

type State int32

const (
	StateStarting State = iota
	StateConsuming
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateConsuming:
		return "CONSUMING"
	case StateBackoff:
		return "BACKOFF"
	case StateStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

// Dispatcher accepts broadcast messages without blocking on delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg events.BroadcastMessage)
}

// BackoffFunc is called once per lane when consecutive feed failures reach
// the configured alert threshold.
type BackoffFunc func(lane int, failures int, err error)

type Config struct {
	Name           string
	BatchSize      int
	Poll           time.Duration
	MaxConcurrency int
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	AlertAfter     int
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "broadcaster"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Poll <= 0 {
		c.Poll = 500 * time.Millisecond
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = minBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = maxBackoff
	}
	if c.AlertAfter <= 0 {
		c.AlertAfter = 5
	}
	return c
}

type Consumer struct {
	feed   Feed
	router *Router
	out    Dispatcher
	cfg    Config

	states    []atomic.Int32
	onBackoff BackoffFunc
}

func NewConsumer(feed Feed, router *Router, out Dispatcher, cfg Config) *Consumer {
	return &Consumer{
		feed:   feed,
		router: router,
		out:    out,
		cfg:    cfg.withDefaults(),
		states: make([]atomic.Int32, feed.Lanes()),
	}
}

// OnBackoff registers the alert hook. Must be called before Run.
func (c *Consumer) OnBackoff(fn BackoffFunc) { c.onBackoff = fn }

func (c *Consumer) Lanes() int { return len(c.states) }

// State reports the current state of a lane.
func (c *Consumer) State(lane int) State {
	if lane < 0 || lane >= len(c.states) {
		return StateStopped
	}
	return State(c.states[lane].Load())
}

func (c *Consumer) setState(lane int, s State) {
	prev := State(c.states[lane].Swap(int32(s)))
	if prev == s {
		return
	}
	switch {
	case s == StateBackoff:
		telemetry.Metrics.ConsumersBackoff.Inc()
	case prev == StateBackoff:
		telemetry.Metrics.ConsumersBackoff.Dec()
	}
}

// Run consumes every lane until ctx is cancelled. It returns nil on shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for lane := 0; lane < c.feed.Lanes(); lane++ {
		wg.Add(1)
		go func(lane int) {
			defer wg.Done()
			c.runLane(ctx, lane)
		}(lane)
	}
	wg.Wait()
	telemetry.Infof("[%s] consumer stopped", c.cfg.Name)
	return nil
}

func (c *Consumer) runLane(ctx context.Context, lane int) {
	defer c.setState(lane, StateStopped)
	c.setState(lane, StateStarting)

	failures := 0
	fail := func(stage string, err error) bool {
		failures++
		telemetry.Metrics.FeedPullErrors.Inc()
		c.setState(lane, StateBackoff)

		backoff := c.backoffFor(failures)
		telemetry.Warnf("[%s] lane %d %s failed (attempt %d): %v, retrying in %s",
			c.cfg.Name, lane, stage, failures, err, backoff)
		if failures == c.cfg.AlertAfter && c.onBackoff != nil {
			c.onBackoff(lane, failures, err)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
			return true
		}
	}
	recovered := func() {
		if failures > 0 {
			telemetry.Infof("[%s] lane %d recovered after %d failures", c.cfg.Name, lane, failures)
			failures = 0
		}
		c.setState(lane, StateConsuming)
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.feed.Start(ctx, lane); err != nil {
			if ctx.Err() != nil || !fail("start", err) {
				return
			}
			continue
		}
		break
	}
	recovered()

	poll := time.NewTicker(c.cfg.Poll)
	defer poll.Stop()
	wake := c.feed.Wake(lane)

	for {
		if ctx.Err() != nil {
			return
		}

		batch, err := c.feed.Pull(ctx, lane, c.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil || !fail("pull", err) {
				return
			}
			continue
		}
		recovered()

		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-poll.C:
			}
			continue
		}

		c.ProcessBatch(ctx, batch)

		if err := c.feed.Commit(ctx, lane, batch); err != nil {
			if ctx.Err() != nil || !fail("commit", err) {
				return
			}
			continue
		}
	}
}

func (c *Consumer) backoffFor(attempt int) time.Duration {
	backoff := time.Duration(float64(c.cfg.MinBackoff) * math.Pow(2, float64(min(attempt-1, 5))))
	if backoff > c.cfg.MaxBackoff {
		backoff = c.cfg.MaxBackoff
	}
	return backoff
}

// BatchResult counts what ProcessBatch did with each change.
type BatchResult struct {
	Dispatched int
	Skipped    int
	Failed     int
}

// ProcessBatch transforms and dispatches every change in batch. Changes to
// one record id are handled in batch order; different ids run concurrently.
// Changes with an op other than INSERT or MODIFY are skipped.
func (c *Consumer) ProcessBatch(ctx context.Context, batch []events.Change) BatchResult {
	var dispatched, skipped, failed atomic.Int64

	order := make([]string, 0, len(batch))
	byID := make(map[string][]events.Change, len(batch))
	for _, ch := range batch {
		if _, ok := byID[ch.Record.ID]; !ok {
			order = append(order, ch.Record.ID)
		}
		byID[ch.Record.ID] = append(byID[ch.Record.ID], ch)
	}

	var g errgroup.Group
	g.SetLimit(c.cfg.MaxConcurrency)
	for _, id := range order {
		changes := byID[id]
		g.Go(func() error {
			for _, ch := range changes {
				n, err := c.handleChange(ctx, ch)
				switch {
				case err != nil:
					failed.Add(1)
					telemetry.Metrics.RecordFailures.Inc()
					telemetry.Warnf("[%s] change seq=%d id=%s failed: %v", c.cfg.Name, ch.Seq, ch.Record.ID, err)
				case n == 0:
					skipped.Add(1)
					telemetry.Metrics.ChangesSkipped.Inc()
				default:
					dispatched.Add(int64(n))
					telemetry.Metrics.ChangesProcessed.Inc()
				}
			}
			return nil
		})
	}
	g.Wait()

	telemetry.Metrics.BatchesProcessed.Inc()
	return BatchResult{
		Dispatched: int(dispatched.Load()),
		Skipped:    int(skipped.Load()),
		Failed:     int(failed.Load()),
	}
}

// handleChange returns the number of messages dispatched. A panic anywhere in
// the transform is turned into an error for this change only.
func (c *Consumer) handleChange(ctx context.Context, ch events.Change) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if ch.Op != events.OpInsert && ch.Op != events.OpModify {
		return 0, nil
	}

	msgs, err := c.Transform(ch)
	if err != nil {
		return 0, err
	}
	if !ch.Record.Timestamp.IsZero() {
		telemetry.Metrics.FeedLag.Record(time.Since(ch.Record.Timestamp))
	}
	for _, msg := range msgs {
		c.out.Dispatch(ctx, msg)
	}
	return len(msgs), nil
}

// Transform builds one broadcast message per topic the change is routed to.
func (c *Consumer) Transform(ch events.Change) ([]events.BroadcastMessage, error) {
	topics, err := c.router.Topics(ch.Record)
	if err != nil {
		return nil, err
	}
	msgs := make([]events.BroadcastMessage, 0, len(topics))
	for _, topic := range topics {
		msgs = append(msgs, events.BroadcastMessage{
			Topic:         topic,
			EventType:     ch.Record.Type,
			Op:            ch.Op.String(),
			Payload:       ch.Record.Payload,
			Timestamp:     ch.Record.Timestamp,
			SourceEventID: ch.Record.ID,
			Version:       ch.Record.Version,
		})
	}
	return msgs, nil
}

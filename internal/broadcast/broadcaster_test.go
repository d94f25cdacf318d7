package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/charleschow/sports-stream/internal/events"
	"github.com/charleschow/sports-stream/internal/registry"
	"github.com/charleschow/sports-stream/internal/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

// scriptedSender returns queued results per connection, then Delivered.
type scriptedSender struct {
	mu      sync.Mutex
	script  map[string][]DeliveryResult
	got     map[string][]events.BroadcastMessage
	evicted []string

	block    chan struct{} // when non-nil, Send waits on it or ctx
	inFlight atomic.Int32
	peak     atomic.Int32
}

func newSender() *scriptedSender {
	return &scriptedSender{
		script: make(map[string][]DeliveryResult),
		got:    make(map[string][]events.BroadcastMessage),
	}
}

func (s *scriptedSender) Send(ctx context.Context, id string, msg events.BroadcastMessage) DeliveryResult {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return Transient(ctx.Err())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if q := s.script[id]; len(q) > 0 {
		s.script[id] = q[1:]
		if !q[0].Delivered {
			return q[0]
		}
	}
	s.got[id] = append(s.got[id], msg)
	return Delivered()
}

func (s *scriptedSender) Evict(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evicted = append(s.evicted, id)
}

func (s *scriptedSender) received(id string) []events.BroadcastMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.BroadcastMessage(nil), s.got[id]...)
}

func (s *scriptedSender) evictions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.evicted...)
}

func subscribe(t *testing.T, reg registry.Registry, id string, topics ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, reg.AddConnection(ctx, id, epoch.Add(time.Hour)))
	require.NoError(t, reg.UpdateSubscriptions(ctx, id, topics))
}

func message(topic, id string) events.BroadcastMessage {
	return events.BroadcastMessage{
		Topic:         topic,
		EventType:     events.EventLiveScore,
		Op:            "INSERT",
		Payload:       []byte(`{"gameId":"g1","home":1,"away":0}`),
		Timestamp:     epoch,
		SourceEventID: id,
		Version:       1,
	}
}

func drain(t *testing.T, b *Broadcaster) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Drain(ctx))
}

func TestDeliversOnlyToSubscribers(t *testing.T) {
	reg := registry.NewMemory(testclock.NewClock(epoch))
	subscribe(t, reg, "a", "live_scores")
	subscribe(t, reg, "b", "live_scores", "odds")
	subscribe(t, reg, "c", "odds")

	sender := newSender()
	b := New(reg, sender, Config{})
	b.Dispatch(context.Background(), message("live_scores", "e1"))
	drain(t, b)

	assert.Len(t, sender.received("a"), 1)
	assert.Len(t, sender.received("b"), 1)
	assert.Empty(t, sender.received("c"))
	assert.Equal(t, "e1", sender.received("a")[0].SourceEventID)
}

func TestNoSubscribersIsNotAnError(t *testing.T) {
	reg := registry.NewMemory(testclock.NewClock(epoch))
	sender := newSender()
	b := New(reg, sender, Config{})
	b.Dispatch(context.Background(), message("nobody", "e1"))
	drain(t, b)
	assert.Empty(t, sender.evictions())
}

func TestPermanentFailureRemovesConnection(t *testing.T) {
	reg := registry.NewMemory(testclock.NewClock(epoch))
	subscribe(t, reg, "dead", "live_scores")
	subscribe(t, reg, "alive", "live_scores")

	sender := newSender()
	sender.script["dead"] = []DeliveryResult{Gone(errors.New("socket closed"))}
	b := New(reg, sender, Config{RetryDelay: time.Millisecond})
	b.Dispatch(context.Background(), message("live_scores", "e1"))
	drain(t, b)

	assert.Len(t, sender.received("alive"), 1, "one bad connection does not affect others")
	assert.Empty(t, sender.received("dead"))
	assert.Equal(t, []string{"dead"}, sender.evictions())

	_, err := reg.Get(context.Background(), "dead")
	assert.ErrorIs(t, err, registry.ErrNotFound)
	ids, err := reg.FindBySubscription(context.Background(), "live_scores")
	require.NoError(t, err)
	assert.Equal(t, []string{"alive"}, ids)
}

func TestTransientFailureIsRetriedOnce(t *testing.T) {
	reg := registry.NewMemory(testclock.NewClock(epoch))
	subscribe(t, reg, "flaky", "odds")

	sender := newSender()
	sender.script["flaky"] = []DeliveryResult{Transient(errors.New("buffer full"))}
	b := New(reg, sender, Config{RetryDelay: time.Millisecond})
	b.Dispatch(context.Background(), message("odds", "e1"))
	drain(t, b)

	assert.Len(t, sender.received("flaky"), 1)
	assert.Empty(t, sender.evictions())
	_, err := reg.Get(context.Background(), "flaky")
	assert.NoError(t, err)
}

func TestRepeatedTransientFailurePrunes(t *testing.T) {
	reg := registry.NewMemory(testclock.NewClock(epoch))
	subscribe(t, reg, "stuck", "odds")

	sender := newSender()
	sender.script["stuck"] = []DeliveryResult{
		Transient(errors.New("timeout")),
		Transient(errors.New("timeout")),
	}
	b := New(reg, sender, Config{RetryDelay: time.Millisecond})
	b.Dispatch(context.Background(), message("odds", "e1"))
	drain(t, b)

	assert.Empty(t, sender.received("stuck"))
	assert.Equal(t, []string{"stuck"}, sender.evictions())
	_, err := reg.Get(context.Background(), "stuck")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestNotLocalConnectionIsLeftAlone(t *testing.T) {
	reg := registry.NewMemory(testclock.NewClock(epoch))
	subscribe(t, reg, "remote", "live_scores")
	subscribe(t, reg, "local", "live_scores")

	sender := newSender()
	sender.script["remote"] = []DeliveryResult{Elsewhere()}
	b := New(reg, sender, Config{RetryDelay: time.Millisecond})
	b.Dispatch(context.Background(), message("live_scores", "e1"))
	drain(t, b)

	assert.Len(t, sender.received("local"), 1)
	assert.Empty(t, sender.received("remote"), "not retried")
	assert.Empty(t, sender.evictions())
	ids, err := reg.FindBySubscription(context.Background(), "live_scores")
	require.NoError(t, err)
	assert.Equal(t, []string{"local", "remote"}, ids)
}

// stallOnRetry fails the first attempt and blocks every later one until ctx
// is done.
type stallOnRetry struct {
	calls    atomic.Int32
	retrying chan struct{}
	evicted  atomic.Int32
}

func (s *stallOnRetry) Send(ctx context.Context, _ string, _ events.BroadcastMessage) DeliveryResult {
	if s.calls.Add(1) == 1 {
		return Transient(errors.New("buffer full"))
	}
	close(s.retrying)
	<-ctx.Done()
	return Transient(ctx.Err())
}

func (s *stallOnRetry) Evict(string) { s.evicted.Add(1) }

func TestDrainDuringRetryDoesNotPrune(t *testing.T) {
	reg := registry.NewMemory(testclock.NewClock(epoch))
	subscribe(t, reg, "c1", "odds")

	sender := &stallOnRetry{retrying: make(chan struct{})}
	b := New(reg, sender, Config{Timeout: time.Minute, RetryDelay: time.Millisecond})
	b.Dispatch(context.Background(), message("odds", "e1"))

	select {
	case <-sender.retrying:
	case <-time.After(5 * time.Second):
		t.Fatal("retry never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Drain(ctx), context.DeadlineExceeded)

	assert.Zero(t, sender.evicted.Load())
	_, err := reg.Get(context.Background(), "c1")
	assert.NoError(t, err, "shutdown is not a delivery failure")
}

func TestPendingDispatchesAreBounded(t *testing.T) {
	reg := registry.NewMemory(testclock.NewClock(epoch))
	subscribe(t, reg, "c1", "odds")

	sender := newSender()
	sender.block = make(chan struct{})
	b := New(reg, sender, Config{MaxInFlight: 1, MaxPending: 2})

	before := telemetry.Metrics.DispatchesDropped.Value()
	b.Dispatch(context.Background(), message("odds", "e1"))
	b.Dispatch(context.Background(), message("odds", "e2"))
	b.Dispatch(context.Background(), message("odds", "e3"))
	assert.Equal(t, before+1, telemetry.Metrics.DispatchesDropped.Value())

	close(sender.block)
	drain(t, b)

	var got []string
	for _, m := range sender.received("c1") {
		got = append(got, m.SourceEventID)
	}
	assert.ElementsMatch(t, []string{"e1", "e2"}, got)
}

func TestInFlightIsBounded(t *testing.T) {
	reg := registry.NewMemory(testclock.NewClock(epoch))
	for _, id := range []string{"c1", "c2", "c3", "c4", "c5", "c6", "c7", "c8"} {
		subscribe(t, reg, id, "live_scores")
	}

	sender := newSender()
	sender.block = make(chan struct{})
	b := New(reg, sender, Config{MaxInFlight: 3})
	b.Dispatch(context.Background(), message("live_scores", "e1"))
	b.Dispatch(context.Background(), message("live_scores", "e2"))

	require.Eventually(t, func() bool { return sender.inFlight.Load() == 3 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 3, sender.inFlight.Load())

	close(sender.block)
	drain(t, b)
	assert.EqualValues(t, 3, sender.peak.Load())
	for _, id := range []string{"c1", "c8"} {
		assert.Len(t, sender.received(id), 2)
	}
}

func TestDrainWaitsForDeliveries(t *testing.T) {
	reg := registry.NewMemory(testclock.NewClock(epoch))
	subscribe(t, reg, "c1", "odds")

	sender := newSender()
	sender.block = make(chan struct{})
	b := New(reg, sender, Config{})
	b.Dispatch(context.Background(), message("odds", "e1"))
	require.Eventually(t, func() bool { return sender.inFlight.Load() == 1 }, time.Second, time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- b.Drain(context.Background()) }()

	select {
	case <-done:
		t.Fatal("drain returned while a delivery was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(sender.block)
	require.NoError(t, <-done)
	assert.Len(t, sender.received("c1"), 1)
}

func TestDrainTimeoutCancelsDeliveries(t *testing.T) {
	reg := registry.NewMemory(testclock.NewClock(epoch))
	subscribe(t, reg, "c1", "odds")

	sender := newSender()
	sender.block = make(chan struct{}) // never released
	b := New(reg, sender, Config{Timeout: time.Minute, RetryDelay: time.Minute})
	b.Dispatch(context.Background(), message("odds", "e1"))
	require.Eventually(t, func() bool { return sender.inFlight.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Drain(ctx), context.DeadlineExceeded)
	assert.Empty(t, sender.received("c1"))
}

func TestDispatchAfterDrainIsDropped(t *testing.T) {
	reg := registry.NewMemory(testclock.NewClock(epoch))
	subscribe(t, reg, "c1", "odds")

	sender := newSender()
	b := New(reg, sender, Config{})
	drain(t, b)

	b.Dispatch(context.Background(), message("odds", "late"))
	drain(t, b)
	assert.Empty(t, sender.received("c1"))
}

func TestDispatchIgnoresCallerCancellation(t *testing.T) {
	reg := registry.NewMemory(testclock.NewClock(epoch))
	subscribe(t, reg, "c1", "odds")

	sender := newSender()
	b := New(reg, sender, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	b.Dispatch(ctx, message("odds", "e1"))
	cancel()
	drain(t, b)

	assert.Len(t, sender.received("c1"), 1)
}

type failingRegistry struct{ registry.Registry }

func (failingRegistry) FindBySubscription(context.Context, string) ([]string, error) {
	return nil, registry.ErrStorage
}

func TestLookupFailureDropsMessage(t *testing.T) {
	sender := newSender()
	b := New(failingRegistry{}, sender, Config{})
	b.Dispatch(context.Background(), message("odds", "e1"))
	drain(t, b)
	assert.Empty(t, sender.evictions())
}

func TestDeliveryResultAsError(t *testing.T) {
	assert.NoError(t, Delivered().AsError())
	assert.ErrorIs(t, Transient(errors.New("x")).AsError(), ErrTransient)
	assert.ErrorIs(t, Gone(errors.New("x")).AsError(), ErrGone)
	assert.ErrorIs(t, Elsewhere().AsError(), ErrNotLocal)
}

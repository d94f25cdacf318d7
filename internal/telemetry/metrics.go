package telemetry

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

type Counter struct {
	val atomic.Int64
}

func (c *Counter) Inc() { c.val.Add(1) }
func (c *Counter) Add(n int64) { c.val.Add(n) }
func (c *Counter) Value() int64 { return c.val.Load() }

type Gauge struct {
	val atomic.Int64
}

func (g *Gauge) Set(v int64) { g.val.Store(v) }
func (g *Gauge) Inc() { g.val.Add(1) }
func (g *Gauge) Dec() { g.val.Add(-1) }
func (g *Gauge) Value() int64 { return g.val.Load() }

// LatencyTracker keeps the most recent maxKeep samples for percentile reads.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []time.Duration
	maxKeep int
}

func NewLatencyTracker(maxKeep int) *LatencyTracker {
	return &LatencyTracker{maxKeep: maxKeep}
}

func (lt *LatencyTracker) Record(d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.samples = append(lt.samples, d)
	if len(lt.samples) > lt.maxKeep {
		lt.samples = lt.samples[len(lt.samples)-lt.maxKeep:]
	}
}

func (lt *LatencyTracker) P50() time.Duration { return lt.percentile(0.50) }
func (lt *LatencyTracker) P99() time.Duration { return lt.percentile(0.99) }

func (lt *LatencyTracker) percentile(p float64) time.Duration {
	lt.mu.Lock()
	sorted := slices.Clone(lt.samples)
	lt.mu.Unlock()
	if len(sorted) == 0 {
		return 0
	}
	slices.Sort(sorted)
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

// Metrics is the global metrics registry.
var Metrics = struct {
	// ingestion
	EventsSubmitted   Counter
	EventsAccepted    Counter
	EventsRejected    Counter
	EventsRateLimited Counter
	StorageErrors     Counter

	// log
	LogInserts  Counter
	LogModifies Counter
	LogPurged   Counter

	// consumer
	BatchesProcessed Counter
	ChangesProcessed Counter
	ChangesSkipped   Counter
	RecordFailures   Counter
	FeedPullErrors   Counter
	ConsumersBackoff Gauge

	// broadcaster
	Dispatches         Counter
	DispatchesDropped  Counter
	Deliveries         Counter
	DeliveriesRemote   Counter
	DeliveryRetries    Counter
	DeliveryFailures   Counter
	ConnectionsPruned  Counter
	DeliveriesInFlight Gauge

	// transport
	ActiveConnections Gauge

	IngestLatency   *LatencyTracker
	DeliveryLatency *LatencyTracker
	FeedLag         *LatencyTracker // accept -> dispatch issued
}{
	IngestLatency:   NewLatencyTracker(1000),
	DeliveryLatency: NewLatencyTracker(1000),
	FeedLag:         NewLatencyTracker(1000),
}

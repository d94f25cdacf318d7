package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sports_stream"

type counterDesc struct {
	desc *prometheus.Desc
	c    *Counter
}

type gaugeDesc struct {
	desc *prometheus.Desc
	g    *Gauge
}

type latencyDesc struct {
	desc *prometheus.Desc
	lt   *LatencyTracker
}

// Collector exports the Metrics registry to Prometheus. Values are read at
// scrape time; the hot path keeps using plain atomics.
type Collector struct {
	counters  []counterDesc
	gauges    []gaugeDesc
	latencies []latencyDesc
}

func NewCollector() *Collector {
	m := &Metrics
	c := &Collector{}
	counter := func(name, help string, v *Counter) {
		c.counters = append(c.counters, counterDesc{
			desc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
			c:    v,
		})
	}
	gauge := func(name, help string, v *Gauge) {
		c.gauges = append(c.gauges, gaugeDesc{
			desc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
			g:    v,
		})
	}
	latency := func(name, help string, v *LatencyTracker) {
		c.latencies = append(c.latencies, latencyDesc{
			desc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, []string{"quantile"}, nil),
			lt:   v,
		})
	}

	counter("events_submitted_total", "Events received at the ingestion boundary.", &m.EventsSubmitted)
	counter("events_accepted_total", "Events accepted and durably recorded.", &m.EventsAccepted)
	counter("events_rejected_total", "Events rejected by validation.", &m.EventsRejected)
	counter("events_rate_limited_total", "Events refused by the per-source limiter.", &m.EventsRateLimited)
	counter("storage_errors_total", "Log or registry failures surfaced to callers.", &m.StorageErrors)
	counter("log_inserts_total", "Log writes that created a record.", &m.LogInserts)
	counter("log_modifies_total", "Log writes that overwrote a record.", &m.LogModifies)
	counter("log_purged_total", "Expired records removed by the janitor.", &m.LogPurged)
	counter("batches_processed_total", "Change-feed batches processed.", &m.BatchesProcessed)
	counter("changes_processed_total", "Change-feed entries turned into dispatches.", &m.ChangesProcessed)
	counter("changes_skipped_total", "Change-feed entries with an unsupported op.", &m.ChangesSkipped)
	counter("record_failures_total", "Change-feed entries that failed to process.", &m.RecordFailures)
	counter("feed_pull_errors_total", "Failed change-feed reads.", &m.FeedPullErrors)
	counter("dispatches_total", "Broadcast messages dispatched.", &m.Dispatches)
	counter("dispatches_dropped_total", "Messages shed because the fan-out queue was full.", &m.DispatchesDropped)
	counter("deliveries_total", "Messages delivered to a connection.", &m.Deliveries)
	counter("deliveries_remote_total", "Candidates skipped because another node holds the connection.", &m.DeliveriesRemote)
	counter("delivery_retries_total", "Transient delivery failures retried.", &m.DeliveryRetries)
	counter("delivery_failures_total", "Deliveries that ended with the connection gone.", &m.DeliveryFailures)
	counter("connections_pruned_total", "Connections removed after a failed delivery.", &m.ConnectionsPruned)
	gauge("consumers_backoff", "Feed partitions currently in backoff.", &m.ConsumersBackoff)
	gauge("deliveries_in_flight", "Deliveries currently holding a fan-out slot.", &m.DeliveriesInFlight)
	gauge("active_connections", "Open subscriber transport connections.", &m.ActiveConnections)
	latency("ingest_latency_seconds", "Submit to durable append.", m.IngestLatency)
	latency("delivery_latency_seconds", "Single delivery attempt.", m.DeliveryLatency)
	latency("feed_lag_seconds", "Acceptance to dispatch issued.", m.FeedLag)
	return c
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.counters {
		ch <- d.desc
	}
	for _, d := range c.gauges {
		ch <- d.desc
	}
	for _, d := range c.latencies {
		ch <- d.desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, d := range c.counters {
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.CounterValue, float64(d.c.Value()))
	}
	for _, d := range c.gauges {
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.GaugeValue, float64(d.g.Value()))
	}
	for _, d := range c.latencies {
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.GaugeValue, d.lt.P50().Seconds(), "0.5")
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.GaugeValue, d.lt.P99().Seconds(), "0.99")
	}
}

// NewRegistry returns a Prometheus registry with the metrics collector and the
// standard Go runtime collectors registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector())
	reg.MustRegister(prometheus.NewGoCollector())
	return reg
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentilens/platform/pkg/retrain"
)

const namespace = "sentilens"

// Collector exposes retrain lifecycle metrics on its own registry. It
// implements retrain.Recorder.
type Collector struct {
	registry *prometheus.Registry

	submissions   *prometheus.CounterVec
	polls         *prometheus.CounterVec
	pollLatency   prometheus.Histogram
	watchOutcomes *prometheus.CounterVec
	activeWatches prometheus.Gauge
	cacheLookups  *prometheus.CounterVec
	events        *prometheus.CounterVec
}

var _ retrain.Recorder = (*Collector)(nil)

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrain",
			Name:      "submissions_total",
			Help:      "Retrain submissions by result.",
		}, []string{"result"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrain",
			Name:      "status_polls_total",
			Help:      "Job status polls by result.",
		}, []string{"result"}),
		pollLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retrain",
			Name:      "status_poll_duration_seconds",
			Help:      "Latency of a single job status poll.",
			Buckets:   prometheus.DefBuckets,
		}),
		watchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrain",
			Name:      "watches_finished_total",
			Help:      "Finished job watches by final state.",
		}, []string{"state"}),
		activeWatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "retrain",
			Name:      "watches_active",
			Help:      "Job watches currently polling.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admin",
			Name:      "job_list_cache_lookups_total",
			Help:      "Admin job list cache lookups by outcome.",
		}, []string{"outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrain",
			Name:      "lifecycle_events_consumed_total",
			Help:      "Lifecycle events consumed by the gateway, by type.",
		}, []string{"type"}),
	}

	c.registry.MustRegister(
		c.submissions,
		c.polls,
		c.pollLatency,
		c.watchOutcomes,
		c.activeWatches,
		c.cacheLookups,
		c.events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Submission(result string) {
	c.submissions.WithLabelValues(result).Inc()
}

func (c *Collector) Poll(result string, latency time.Duration) {
	c.polls.WithLabelValues(result).Inc()
	c.pollLatency.Observe(latency.Seconds())
}

func (c *Collector) WatchStarted() {
	c.activeWatches.Inc()
}

func (c *Collector) WatchFinished(state retrain.State) {
	c.activeWatches.Dec()
	c.watchOutcomes.WithLabelValues(state.String()).Inc()
}

// CacheLookup records a job list cache hit, miss or error.
func (c *Collector) CacheLookup(outcome string) {
	c.cacheLookups.WithLabelValues(outcome).Inc()
}

func (c *Collector) EventConsumed(eventType string) {
	c.events.WithLabelValues(eventType).Inc()
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

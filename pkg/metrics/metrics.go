// Package metrics holds the engine's Prometheus instruments. A single
// *Metrics is built at startup and handed to every component; all methods are
// safe for concurrent use and are no-ops on a nil receiver.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meterflow"

// Metrics is the set of process-wide counters and histograms.
type Metrics struct {
	registry *prometheus.Registry

	readingsAccepted   prometheus.Counter
	readingsRejected   *prometheus.CounterVec
	overloads          prometheus.Counter
	storageErrors      prometheus.Counter
	lateUpdatesDropped *prometheus.CounterVec
	bucketsEvicted     *prometheus.CounterVec
	segmentsEvicted    prometheus.Counter
	evictionErrors     prometheus.Counter
	checkpointErrors   prometheus.Counter
	queryDuration      *prometheus.HistogramVec
	httpDuration       *prometheus.HistogramVec
}

// New creates the instruments and registers them on reg. A nil reg gets a
// fresh registry that also carries the Go runtime and process collectors.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Metrics{
		registry: reg,
		readingsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_accepted_total",
			Help:      "Readings appended to the WAL and applied to rollups",
		}),
		readingsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_rejected_total",
			Help:      "Readings rejected by the validator, by reason",
		}, []string{"reason"}),
		overloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overload_total",
			Help:      "Readings refused because a device queue was full",
		}),
		storageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "WAL appends that failed after all retries",
		}),
		lateUpdatesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "late_updates_dropped_total",
			Help:      "Rollup updates dropped because their bucket was already evicted",
		}, []string{"granularity"}),
		bucketsEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buckets_evicted_total",
			Help:      "Rollup buckets removed by retention, by granularity",
		}, []string{"granularity"}),
		segmentsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wal_segments_evicted_total",
			Help:      "WAL segments removed by raw retention",
		}),
		evictionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eviction_errors_total",
			Help:      "Per-device eviction failures",
		}),
		checkpointErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_errors_total",
			Help:      "Failed rollup checkpoint writes",
		}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Query engine latency by operation and outcome",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "result"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	reg.MustRegister(
		m.readingsAccepted,
		m.readingsRejected,
		m.overloads,
		m.storageErrors,
		m.lateUpdatesDropped,
		m.bucketsEvicted,
		m.segmentsEvicted,
		m.evictionErrors,
		m.checkpointErrors,
		m.queryDuration,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IncAccepted() {
	if m != nil {
		m.readingsAccepted.Inc()
	}
}

func (m *Metrics) IncRejected(reason string) {
	if m != nil {
		m.readingsRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncOverload() {
	if m != nil {
		m.overloads.Inc()
	}
}

func (m *Metrics) IncStorageError() {
	if m != nil {
		m.storageErrors.Inc()
	}
}

func (m *Metrics) IncLateUpdateDropped(granularity string) {
	if m != nil {
		m.lateUpdatesDropped.WithLabelValues(granularity).Inc()
	}
}

func (m *Metrics) AddBucketsEvicted(granularity string, n int) {
	if m != nil && n > 0 {
		m.bucketsEvicted.WithLabelValues(granularity).Add(float64(n))
	}
}

func (m *Metrics) AddSegmentsEvicted(n int) {
	if m != nil && n > 0 {
		m.segmentsEvicted.Add(float64(n))
	}
}

func (m *Metrics) IncEvictionError() {
	if m != nil {
		m.evictionErrors.Inc()
	}
}

func (m *Metrics) IncCheckpointError() {
	if m != nil {
		m.checkpointErrors.Inc()
	}
}

// ObserveQuery records one query engine call.
func (m *Metrics) ObserveQuery(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.queryDuration.WithLabelValues(op, result).Observe(d.Seconds())
}

// ObserveHTTP records one HTTP request.
func (m *Metrics) ObserveHTTP(method, path, status string, d time.Duration) {
	if m != nil {
		m.httpDuration.WithLabelValues(method, path, status).Observe(d.Seconds())
	}
}

// LateUpdatesDropped exposes the late-update counter for a granularity.
func (m *Metrics) LateUpdatesDropped(granularity string) prometheus.Counter {
	return m.lateUpdatesDropped.WithLabelValues(granularity)
}

// ReadingsRejected exposes the rejection counter for a reason.
func (m *Metrics) ReadingsRejected(reason string) prometheus.Counter {
	return m.readingsRejected.WithLabelValues(reason)
}

// ReadingsAccepted exposes the accepted-readings counter.
func (m *Metrics) ReadingsAccepted() prometheus.Counter {
	return m.readingsAccepted
}

// Overloads exposes the overload counter.
func (m *Metrics) Overloads() prometheus.Counter {
	return m.overloads
}

// BucketsEvicted exposes the eviction counter for a granularity.
func (m *Metrics) BucketsEvicted(granularity string) prometheus.Counter {
	return m.bucketsEvicted.WithLabelValues(granularity)
}

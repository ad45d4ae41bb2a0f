// Package metrics provides Prometheus metrics for the lectern server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// File store metrics
	vfsRevision = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lectern_vfs_revision",
			Help: "Latest committed file store revision",
		},
	)

	vfsFilesChanged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lectern_vfs_files_changed_total",
			Help: "Total number of file records published",
		},
	)

	// Query cache metrics
	queryCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectern_query_cache_hits_total",
			Help: "Query evaluations answered from the cache",
		},
		[]string{"kind"},
	)

	queryCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectern_query_cache_misses_total",
			Help: "Query evaluations that recomputed",
		},
		[]string{"kind"},
	)

	queryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectern_query_failures_total",
			Help: "Query functions that faulted",
		},
		[]string{"kind"},
	)

	queryEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lectern_query_cache_evictions_total",
			Help: "Cache entries evicted by the size bound",
		},
	)

	queryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lectern_query_duration_seconds",
			Help:    "Time spent computing a query",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Scheduler metrics
	compilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectern_compiles_total",
			Help: "Compile tasks by outcome",
		},
		[]string{"outcome"},
	)

	// Preview metrics
	previewSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lectern_preview_sessions_active",
			Help: "Number of connected preview sessions",
		},
	)

	previewOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectern_preview_frame_ops_total",
			Help: "Frame operations streamed to viewers",
		},
		[]string{"op"},
	)

	previewResyncs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lectern_preview_resyncs_total",
			Help: "Full frame set resynchronizations",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetRevision records the latest file store revision.
func SetRevision(rev uint64) {
	vfsRevision.Set(float64(rev))
}

// RecordFilesChanged counts published file records.
func RecordFilesChanged(n int) {
	vfsFilesChanged.Add(float64(n))
}

// RecordCacheHit counts a cache hit for a query kind.
func RecordCacheHit(kind string) {
	queryCacheHits.WithLabelValues(kind).Inc()
}

// RecordCacheMiss counts a recomputation for a query kind.
func RecordCacheMiss(kind string) {
	queryCacheMisses.WithLabelValues(kind).Inc()
}

// RecordQueryFailure counts a faulted query function.
func RecordQueryFailure(kind string) {
	queryFailures.WithLabelValues(kind).Inc()
}

// RecordEvictions counts evicted cache entries.
func RecordEvictions(n int) {
	queryEvictions.Add(float64(n))
}

// ObserveQuery records how long a query computation took.
func ObserveQuery(kind string, d time.Duration) {
	queryDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordCompile counts a compile task outcome: started, published,
// superseded or failed.
func RecordCompile(outcome string) {
	compilesTotal.WithLabelValues(outcome).Inc()
}

// SessionOpened increments the active preview session gauge.
func SessionOpened() {
	previewSessions.Inc()
}

// SessionClosed decrements the active preview session gauge.
func SessionClosed() {
	previewSessions.Dec()
}

// RecordFrameOp counts one streamed frame operation.
func RecordFrameOp(op string) {
	previewOps.WithLabelValues(op).Inc()
}

// RecordResync counts a full frame set resynchronization.
func RecordResync() {
	previewResyncs.Inc()
}

// Package metrics exposes the Prometheus registry for ThemisDB's core
// engine: commit latency, index scans, CDC backpressure, vector search,
// and cache behavior.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// KV substrate
	CommitLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "themis_commit_latency_seconds",
		Help:    "Latency of KV substrate write-batch commits",
		Buckets: prometheus.DefBuckets,
	})
	CommitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "themis_commits_total",
		Help: "Total number of committed write batches",
	})
	CheckpointsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "themis_checkpoints_total",
		Help: "Total number of checkpoints taken",
	})

	// Secondary / spatial / fulltext indexes
	IndexScansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "themis_index_scans_total",
		Help: "Total number of index scans by kind",
	}, []string{"kind"})
	IndexRebuildsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "themis_index_rebuilds_total",
		Help: "Total number of index rebuilds by table/column",
	}, []string{"table", "column"})

	// CDC
	CDCAppendsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "themis_cdc_appends_total",
		Help: "Total number of change-data-capture events appended",
	})
	CDCDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "themis_cdc_dropped_total",
		Help: "Total number of CDC events dropped from per-connection ring buffers",
	}, []string{"connection"})
	CDCActiveStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "themis_cdc_active_streams",
		Help: "Number of currently active CDC streaming connections",
	})

	// Vector index
	VectorSearchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "themis_vector_search_latency_seconds",
		Help:    "Latency of ANN vector searches",
		Buckets: prometheus.DefBuckets,
	}, []string{"table", "field"})
	VectorIndexDegraded = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "themis_vector_index_degraded",
		Help: "Whether a vector index failed to load and is running empty (1=degraded)",
	}, []string{"table", "field"})

	// Query engine
	QueryPlanCost = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "themis_query_plan_cost",
		Help:    "Estimated cost of the chosen query plan",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	}, []string{"plan_kind"})
	QueryCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "themis_query_materialization_cache_hits_total",
		Help: "Total CTE materialization cache hits",
	})
	QueryCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "themis_query_materialization_cache_misses_total",
		Help: "Total CTE materialization cache misses",
	})

	// Encryption
	EncryptOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "themis_encrypt_ops_total",
		Help: "Total field encrypt/decrypt operations by outcome",
	}, []string{"op", "outcome"})

	// Semantic cache
	SemCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "themis_semantic_cache_hits_total",
		Help: "Semantic cache hits",
	})
	SemCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "themis_semantic_cache_misses_total",
		Help: "Semantic cache misses",
	})
)

func init() {
	prometheus.MustRegister(
		CommitLatency,
		CommitsTotal,
		CheckpointsTotal,
		IndexScansTotal,
		IndexRebuildsTotal,
		CDCAppendsTotal,
		CDCDroppedTotal,
		CDCActiveStreams,
		VectorSearchLatency,
		VectorIndexDegraded,
		QueryPlanCost,
		QueryCacheHits,
		QueryCacheMisses,
		EncryptOpsTotal,
		SemCacheHits,
		SemCacheMisses,
	)
}

// Handler returns the Prometheus scrape handler for the thin HTTP facade.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing operations and recording them to a
// histogram once the operation completes.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Package metrics provides request, retry and cache instrumentation for
// the agentrun client. Counters are kept twice: as lock-free atomics that
// feed the Snapshot used by health checks, and as Prometheus vectors for
// scraping.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Outcome labels a finished request.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// Snapshot is the point-in-time view exposed through Client.Metrics and
// consumed by health checks.
type Snapshot struct {
	TotalRequests int64         `json:"total_requests"`
	TotalErrors   int64         `json:"total_errors"`
	ErrorRate     float64       `json:"error_rate"`
	AvgLatency    time.Duration `json:"avg_latency"`
	CacheHits     int64         `json:"cache_hits"`
	CacheMisses   int64         `json:"cache_misses"`
	CacheHitRate  float64       `json:"cache_hit_rate"`
	RetryAttempts int64         `json:"retry_attempts"`
	Uptime        time.Duration `json:"uptime"`
}

// Collector records client activity. All methods are safe for concurrent
// use and never fail.
type Collector struct {
	startedAt time.Time
	logger    *zap.Logger

	totalRequests atomic.Int64
	totalErrors   atomic.Int64
	totalLatency  atomic.Int64 // nanoseconds
	cacheHits     atomic.Int64
	cacheMisses   atomic.Int64
	retryAttempts atomic.Int64

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	cacheHitsTotal  prometheus.Counter
	cacheMissTotal  prometheus.Counter
}

// NewCollector creates a Collector registering its metrics on reg.
// A nil reg falls back to the default Prometheus registerer; tests pass
// their own registry to avoid duplicate registration.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		startedAt: time.Now(),
		logger:    logger.With(zap.String("component", "metrics")),
	}

	c.requestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of requests to the remote run service",
		},
		[]string{"operation", "outcome"},
	)

	c.requestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Remote request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation"},
	)

	c.retriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Total number of retry attempts",
		},
		[]string{"operation"},
	)

	c.cacheHitsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of response cache hits",
		},
	)

	c.cacheMissTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of response cache misses",
		},
	)

	return c
}

// RecordRequest records one finished request, whether it was ultimately
// surfaced as success or error.
func (c *Collector) RecordRequest(operation string, outcome Outcome, latency time.Duration) {
	c.totalRequests.Add(1)
	c.totalLatency.Add(int64(latency))
	if outcome == OutcomeError {
		c.totalErrors.Add(1)
	}
	c.requestsTotal.WithLabelValues(operation, string(outcome)).Inc()
	c.requestDuration.WithLabelValues(operation).Observe(latency.Seconds())
}

// RecordRetry records one retry attempt beyond the initial try.
func (c *Collector) RecordRetry(operation string) {
	c.retryAttempts.Add(1)
	c.retriesTotal.WithLabelValues(operation).Inc()
}

// RecordCacheHit records a response cache hit.
func (c *Collector) RecordCacheHit() {
	c.cacheHits.Add(1)
	c.cacheHitsTotal.Inc()
}

// RecordCacheMiss records a response cache miss.
func (c *Collector) RecordCacheMiss() {
	c.cacheMisses.Add(1)
	c.cacheMissTotal.Inc()
}

// Snapshot returns the current aggregate view.
func (c *Collector) Snapshot() Snapshot {
	total := c.totalRequests.Load()
	errs := c.totalErrors.Load()
	hits := c.cacheHits.Load()
	misses := c.cacheMisses.Load()

	snap := Snapshot{
		TotalRequests: total,
		TotalErrors:   errs,
		CacheHits:     hits,
		CacheMisses:   misses,
		RetryAttempts: c.retryAttempts.Load(),
		Uptime:        time.Since(c.startedAt),
	}
	if total > 0 {
		snap.ErrorRate = float64(errs) / float64(total)
		snap.AvgLatency = time.Duration(c.totalLatency.Load() / total)
	}
	if lookups := hits + misses; lookups > 0 {
		snap.CacheHitRate = float64(hits) / float64(lookups)
	}
	return snap
}

// internal/monitoring/metrics.go
package monitoring

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsManager owns the Prometheus instruments for the harvester. Each
// manager carries its own registry so tests and embedded setups never
// collide on metric registration.
type MetricsManager struct {
	registry *prometheus.Registry

	// Crawl metrics
	crawlRuns        *prometheus.CounterVec
	crawlDuration    *prometheus.HistogramVec
	proxiesExtracted *prometheus.CounterVec
	proxiesStored    *prometheus.CounterVec

	// Validation metrics
	validationsTotal   *prometheus.CounterVec
	validationDuration *prometheus.HistogramVec
	compositeScore     prometheus.Histogram

	// Job metrics
	jobsTotal   *prometheus.CounterVec
	jobDuration prometheus.Histogram
	jobsQueued  prometheus.Gauge
	jobsRunning prometheus.Gauge

	// Pool metrics
	poolTotal  prometheus.Gauge
	poolActive prometheus.Gauge

	// API metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// System metrics
	memoryUsage    prometheus.Gauge
	goroutineCount prometheus.Gauge

	namespace string
}

// NewMetricsManager builds the instrument set under the given namespace.
func NewMetricsManager(namespace string) *MetricsManager {
	if namespace == "" {
		namespace = "proxyharvester"
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	mm := &MetricsManager{registry: registry, namespace: namespace}

	mm.crawlRuns = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "crawl_runs_total",
		Help:      "Total number of source crawl runs",
	}, []string{"source", "status"})

	mm.crawlDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "crawl_duration_seconds",
		Help:      "Source crawl duration in seconds",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"source"})

	mm.proxiesExtracted = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proxies_extracted_total",
		Help:      "Total number of candidate proxies extracted",
	}, []string{"source"})

	mm.proxiesStored = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proxies_stored_total",
		Help:      "Total number of candidate proxies upserted into the store",
	}, []string{"source"})

	mm.validationsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "validations_total",
		Help:      "Total number of per-proxy validations",
	}, []string{"level", "outcome"})

	mm.validationDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "validation_duration_seconds",
		Help:      "Per-proxy validation duration in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"level"})

	mm.compositeScore = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "composite_score",
		Help:      "Distribution of composite quality scores",
		Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	mm.jobsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Total number of validation jobs by terminal status",
	}, []string{"status"})

	mm.jobDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Validation job duration in seconds",
		Buckets:   []float64{1, 5, 10, 30, 60, 300, 600, 1800},
	})

	mm.jobsQueued = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_queued",
		Help:      "Number of jobs waiting in the scheduler queue",
	})

	mm.jobsRunning = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_running",
		Help:      "Number of jobs currently running",
	})

	mm.poolTotal = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_proxies",
		Help:      "Total number of proxies in the store",
	})

	mm.poolActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_active_proxies",
		Help:      "Number of active proxies in the store",
	})

	mm.httpRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of inbound API requests",
	}, []string{"method", "route", "status_code"})

	mm.httpDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Inbound API request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	mm.memoryUsage = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "memory_usage_bytes",
		Help:      "Current heap allocation in bytes",
	})

	mm.goroutineCount = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "goroutines_count",
		Help:      "Current number of goroutines",
	})

	return mm
}

// Crawl metrics
func (mm *MetricsManager) RecordCrawl(source string, success bool, duration time.Duration, extracted, stored int) {
	status := "success"
	if !success {
		status = "failure"
	}
	mm.crawlRuns.WithLabelValues(source, status).Inc()
	mm.crawlDuration.WithLabelValues(source).Observe(duration.Seconds())
	mm.proxiesExtracted.WithLabelValues(source).Add(float64(extracted))
	mm.proxiesStored.WithLabelValues(source).Add(float64(stored))
}

// Validation metrics
func (mm *MetricsManager) RecordValidation(level string, success bool, duration time.Duration, score float64) {
	outcome := "pass"
	if !success {
		outcome = "fail"
	}
	mm.validationsTotal.WithLabelValues(level, outcome).Inc()
	mm.validationDuration.WithLabelValues(level).Observe(duration.Seconds())
	mm.compositeScore.Observe(score)
}

// Job metrics
func (mm *MetricsManager) RecordJobFinished(status string, duration time.Duration) {
	mm.jobsTotal.WithLabelValues(status).Inc()
	mm.jobDuration.Observe(duration.Seconds())
}

func (mm *MetricsManager) UpdateQueueDepth(queued, running int) {
	mm.jobsQueued.Set(float64(queued))
	mm.jobsRunning.Set(float64(running))
}

// Pool metrics
func (mm *MetricsManager) UpdatePoolSize(total, active int64) {
	mm.poolTotal.Set(float64(total))
	mm.poolActive.Set(float64(active))
}

// API metrics
func (mm *MetricsManager) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	mm.httpRequests.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	mm.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// UpdateSystemMetrics refreshes the runtime gauges.
func (mm *MetricsManager) UpdateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	mm.memoryUsage.Set(float64(m.Alloc))
	mm.goroutineCount.Set(float64(runtime.NumGoroutine()))
}

// Registry exposes the backing registry for exposition and tests.
func (mm *MetricsManager) Registry() *prometheus.Registry { return mm.registry }

// Handler serves the manager's registry in exposition format.
func (mm *MetricsManager) Handler() http.Handler {
	return promhttp.HandlerFor(mm.registry, promhttp.HandlerOpts{})
}

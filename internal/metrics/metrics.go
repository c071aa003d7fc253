// Package metrics holds the Prometheus collectors exposed on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "githunters",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "githunters",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "githunters",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	txSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "githunters",
			Subsystem: "chain",
			Name:      "tx_submitted_total",
			Help:      "Transactions submitted by the operator account.",
		},
		[]string{"method", "result"},
	)

	txConfirmations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "githunters",
			Subsystem: "chain",
			Name:      "tx_confirmations_total",
			Help:      "Receipt wait outcomes (confirmed, reverted, timeout, error).",
		},
		[]string{"outcome"},
	)

	txWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "githunters",
			Subsystem: "chain",
			Name:      "tx_wait_duration_seconds",
			Help:      "Time spent polling for transaction receipts.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 9), // 1s to ~4m
		},
	)

	indexerLogs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "githunters",
			Subsystem: "indexer",
			Name:      "logs_processed_total",
			Help:      "Contract logs applied to the cache.",
		},
		[]string{"event"},
	)

	indexerLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "githunters",
			Subsystem: "indexer",
			Name:      "lag_blocks",
			Help:      "Blocks between chain head and the indexer cursor.",
		},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "githunters",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "GitHub response cache lookups.",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		txSubmitted,
		txConfirmations,
		txWaitDuration,
		indexerLogs,
		indexerLag,
		cacheLookups,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// IncInFlight and DecInFlight track concurrently served requests.
func IncInFlight() { httpInFlight.Inc() }

func DecInFlight() { httpInFlight.Dec() }

// RecordHTTPRequest records a finished request against its route template.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequests.WithLabelValues(method, path, status).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTxSubmission records an operator transaction submission.
func RecordTxSubmission(method string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	txSubmitted.WithLabelValues(method, result).Inc()
}

// RecordTxWait records the outcome of a receipt wait.
func RecordTxWait(outcome string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	txConfirmations.WithLabelValues(outcome).Inc()
	txWaitDuration.Observe(duration.Seconds())
}

// RecordIndexedLog counts one applied contract event.
func RecordIndexedLog(event string) {
	indexerLogs.WithLabelValues(event).Inc()
}

// SetIndexerLag sets the distance between head and cursor.
func SetIndexerLag(blocks uint64) {
	indexerLag.Set(float64(blocks))
}

// RecordCacheLookup counts a cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(result).Inc()
}

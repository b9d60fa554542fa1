package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/assetsync/internal/batchstore"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assetsync",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "assetsync",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	batchesStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assetsync",
			Subsystem: "batch",
			Name:      "started_total",
			Help:      "Batches started, cascades included.",
		},
		[]string{"operation", "cascade"},
	)
	batchesCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assetsync",
			Subsystem: "batch",
			Name:      "completed_total",
			Help:      "Batches whose entities all reached a terminal status.",
		},
		[]string{"operation"},
	)
	batchesDismissed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assetsync",
			Subsystem: "batch",
			Name:      "dismissed_total",
			Help:      "Batches removed from tracking.",
		},
		[]string{"operation"},
	)
	batchesTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "assetsync",
			Subsystem: "batch",
			Name:      "tracked",
			Help:      "Batches currently held by the state store.",
		},
	)
	entityOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "assetsync",
			Subsystem: "entity",
			Name:      "outcomes_total",
			Help:      "Terminal entity outcomes per operation.",
		},
		[]string{"operation", "status"},
	)
	pollAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "assetsync",
			Subsystem: "entity",
			Name:      "poll_attempts",
			Help:      "Checks performed before an entity settled.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 12, 16, 24},
		},
		[]string{"operation", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			batchesStarted, batchesCompleted, batchesDismissed, batchesTracked,
			entityOutcomes, pollAttempts,
		)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordTransition folds one batch store transition into the batch and
// entity metrics. Register it with batchstore.Store.Observe.
func RecordTransition(tr batchstore.Transition) {
	RegisterMetrics()
	switch tr.Kind {
	case batchstore.KindBatchStarted:
		batchesStarted.WithLabelValues(tr.Operation, strconv.FormatBool(tr.ParentID != "")).Inc()
		batchesTracked.Inc()
	case batchstore.KindEntityStatusChanged:
		if !tr.Status.Terminal() {
			return
		}
		status := string(tr.Status)
		entityOutcomes.WithLabelValues(tr.Operation, status).Inc()
		if tr.Attempts > 0 {
			pollAttempts.WithLabelValues(tr.Operation, status).Observe(float64(tr.Attempts))
		}
	case batchstore.KindBatchCompleted:
		batchesCompleted.WithLabelValues(tr.Operation).Inc()
	case batchstore.KindBatchDismissed:
		batchesDismissed.WithLabelValues(tr.Operation).Inc()
		batchesTracked.Dec()
	}
}

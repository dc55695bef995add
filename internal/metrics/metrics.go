package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	syncAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "driftsync",
			Name:      "sync_attempts_total",
			Help:      "Per-item upload attempts by result.",
		},
		[]string{"result"},
	)

	batchPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "driftsync",
			Name:      "batch_passes_total",
			Help:      "Batch passes by outcome.",
		},
		[]string{"outcome"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "driftsync",
			Name:      "queue_depth",
			Help:      "Items currently awaiting upload.",
		},
	)

	uploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "driftsync",
			Name:      "upload_duration_seconds",
			Help:      "Remote upload latency.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Register registers the engine metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(syncAttempts, batchPasses, queueDepth, uploadDuration)
	})
}

// IncAttempt counts one upload attempt: "synced", "error", or "offline".
func IncAttempt(result string) {
	syncAttempts.WithLabelValues(result).Inc()
}

// IncBatch counts one batch pass: "complete", "aborted", or a skip reason.
func IncBatch(outcome string) {
	batchPasses.WithLabelValues(outcome).Inc()
}

// SetQueueDepth records the current pending-queue length.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// ObserveUpload records one upload's wall time.
func ObserveUpload(d time.Duration) {
	uploadDuration.Observe(d.Seconds())
}

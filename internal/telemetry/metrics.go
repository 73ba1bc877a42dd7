package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PublishCounter  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_published_total", Help: "Jobs published"}, []string{"pool"})
	RejectCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_rejected_total", Help: "Jobs rejected at publish time"}, []string{"code"})
	CompleteCounter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs reaching a terminal status"}, []string{"pool", "status"})
	RetryCounter    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Jobs rescheduled after a retryable failure"}, []string{"pool"})

	// QueueDepthGauge is partitioned by pool and state (visible|inflight).
	QueueDepthGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Queue depth by pool and state"}, []string{"pool", "state"})
	// ScaleSignalGauge is visible+inflight, the number the fleet scales on.
	ScaleSignalGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_scale_signal", Help: "Visible plus in-flight messages per pool"}, []string{"pool"})

	QueueWaitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobs_queue_wait_seconds",
		Help:    "Time between publish and claim",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"pool"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PublishCounter,
			RejectCounter,
			CompleteCounter,
			RetryCounter,
			QueueDepthGauge,
			ScaleSignalGauge,
			QueueWaitSeconds,
		)
	})
	return promhttp.Handler()
}

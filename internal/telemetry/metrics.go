package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "kmz_jobs_enqueued_total", Help: "KMZ processing jobs enqueued"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "kmz_upload_rate_limit_rejects_total", Help: "Uploads rejected by the rate limiter"})
	WorkerSuccess     = prometheus.NewCounter(prometheus.CounterOpts{Name: "kmz_jobs_completed_total", Help: "Jobs processed successfully"})
	WorkerRetries     = prometheus.NewCounter(prometheus.CounterOpts{Name: "kmz_jobs_retried_total", Help: "Failed attempts scheduled for retry"})
	WorkerDeadLetter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "kmz_jobs_dead_letter_total", Help: "Jobs that failed terminally"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "kmz_queue_depth", Help: "Jobs waiting in the ready queue"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "kmz_jobs_inflight", Help: "Jobs currently leased by workers"})
	LeaseLost         = prometheus.NewCounter(prometheus.CounterOpts{Name: "kmz_leases_lost_total", Help: "Attempts abandoned because their lease was reclaimed"})
	FeaturesStored    = prometheus.NewCounter(prometheus.CounterOpts{Name: "kmz_features_stored_total", Help: "Features written to kmz_features"})
	ThumbnailFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "kmz_thumbnail_failures_total", Help: "Best-effort thumbnail generations that failed"})
	AlertsSent        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "kmz_failure_alerts_total", Help: "Terminal failure alerts by delivery result"}, []string{"result"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			WorkerSuccess,
			WorkerRetries,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
			LeaseLost,
			FeaturesStored,
			ThumbnailFailures,
			AlertsSent,
		)
	})
	return promhttp.Handler()
}

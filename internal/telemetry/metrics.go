package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "renderqueue_jobs_enqueued_total", Help: "Jobs accepted by Enqueue"})
	JobsLeased       = prometheus.NewCounter(prometheus.CounterOpts{Name: "renderqueue_jobs_leased_total", Help: "Leases granted to workers"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "renderqueue_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "renderqueue_jobs_failed_total", Help: "Jobs recorded as failed"})
	JobsReclaimed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "renderqueue_jobs_reclaimed_total", Help: "Stale leases returned to the queue"})
	LeasesLost       = prometheus.NewCounter(prometheus.CounterOpts{Name: "renderqueue_leases_lost_total", Help: "Terminal transitions rejected because the lease was lost"})
	HeartbeatsSent   = prometheus.NewCounter(prometheus.CounterOpts{Name: "renderqueue_heartbeats_total", Help: "Successful lease renewals"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "renderqueue_rate_limit_rejects_total", Help: "Enqueue requests rejected by the rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "renderqueue_queue_depth", Help: "Jobs waiting to be leased"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "renderqueue_inflight", Help: "Jobs currently leased by this process"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsLeased,
			JobsCompleted,
			JobsFailed,
			JobsReclaimed,
			LeasesLost,
			HeartbeatsSent,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}

package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	AdmissionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_admitted_total", Help: "Submissions accepted by the admission controller"})
	AdmissionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_rejected_total", Help: "Submissions rejected, by quota reason"}, []string{"reason"})
	TransitionsTotal   = prometheus.NewCounter(prometheus.CounterOpts{Name: "job_transitions_total", Help: "Successful job status transitions"})
	IllegalTransitions = prometheus.NewCounter(prometheus.CounterOpts{Name: "job_illegal_transitions_total", Help: "Rejected illegal or stale transitions"})
	ReapDeletes        = prometheus.NewCounter(prometheus.CounterOpts{Name: "reap_deletes_total", Help: "Remote artifact keys deleted by the reaper"})
	ReapDeleteFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "reap_delete_failures_total", Help: "Remote deletes that failed and were skipped"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "submission_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	ActiveTrainings    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "trainings_active", Help: "Jobs currently being driven by this executor"})
	DispatchDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_queue_depth", Help: "Jobs waiting across tier dispatch queues"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			AdmissionsAccepted,
			AdmissionsRejected,
			TransitionsTotal,
			IllegalTransitions,
			ReapDeletes,
			ReapDeleteFailures,
			RateLimitRejects,
			ActiveTrainings,
			DispatchDepthGauge,
		)
	})
	return promhttp.Handler()
}

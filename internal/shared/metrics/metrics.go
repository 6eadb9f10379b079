package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hallucheck_jobs_started_total",
		Help: "Total analysis jobs that entered processing.",
	})
	jobsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hallucheck_jobs_completed_total",
		Help: "Total analysis jobs completed with a result.",
	})
	jobsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hallucheck_jobs_failed_total",
		Help: "Total analysis jobs failed, by error code.",
	}, []string{"code"})
	analysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hallucheck_analysis_duration_seconds",
		Help:    "Wall time of one analysis from processing to a terminal state.",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})
	jobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hallucheck_jobs_in_flight",
		Help: "Analyses currently running in this process.",
	})
	flaggedTurns = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hallucheck_flagged_turns",
		Help:    "Number of flagged turns per completed analysis.",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
	})
	queueMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hallucheck_queue_messages_total",
		Help: "Queue messages sent by the API or handled by the worker, by outcome.",
	}, []string{"outcome"})
)

// IncJobStarted increments the started counter.
func IncJobStarted() {
	jobsStartedTotal.Inc()
}

// IncJobCompleted increments the completed counter.
func IncJobCompleted() {
	jobsCompletedTotal.Inc()
}

// IncJobFailed increments the failed counter for code.
func IncJobFailed(code string) {
	if code == "" {
		code = "unknown"
	}
	jobsFailedTotal.WithLabelValues(code).Inc()
}

// ObserveAnalysisDuration records the duration of one analysis.
func ObserveAnalysisDuration(d time.Duration) {
	if d < 0 {
		d = 0
	}
	analysisDuration.Observe(d.Seconds())
}

// ObserveFlaggedTurns records how many turns a completed analysis flagged.
func ObserveFlaggedTurns(n int) {
	flaggedTurns.Observe(float64(n))
}

// TrackInFlight bumps the in-flight gauge and returns the matching decrement.
func TrackInFlight() func() {
	jobsInFlight.Inc()
	return jobsInFlight.Dec
}

// IncQueueMessage counts one queue message outcome.
func IncQueueMessage(outcome string) {
	queueMessagesTotal.WithLabelValues(outcome).Inc()
}

// Handler exposes the default registry in Prometheus text format.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

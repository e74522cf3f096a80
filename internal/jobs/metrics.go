package jobs

import (
	"time"

	"github.com/odvcencio/harbr/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

// Job outcomes as recorded by the worker pool.
const (
	resultCompleted = "completed"
	resultRetried   = "retried"
	resultFailed    = "failed"
)

// Metrics instruments maintenance job execution. A nil *Metrics records nothing.
type Metrics struct {
	jobs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harbr",
			Subsystem: "maintenance",
			Name:      "jobs_total",
			Help:      "Maintenance jobs processed by job type and outcome.",
		}, []string{"job_type", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "harbr",
			Subsystem: "maintenance",
			Name:      "job_duration_seconds",
			Help:      "Time spent running a maintenance job, including the wait for its write guard.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"job_type"}),
	}
	if reg != nil {
		reg.MustRegister(m.jobs, m.duration)
	}
	return m
}

func (m *Metrics) observe(jobType models.MaintenanceJobType, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(string(jobType), result).Inc()
	m.duration.WithLabelValues(string(jobType)).Observe(took.Seconds())
}

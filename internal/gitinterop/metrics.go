package gitinterop

import (
	"time"

	"github.com/odvcencio/harbr/internal/repolock"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "harbr"
	metricsSubsystem = "git"
)

// Metrics holds protocol-level instrumentation. A nil *Metrics records nothing.
type Metrics struct {
	lockWait       *prometheus.HistogramVec
	exchanges      *prometheus.CounterVec
	activeSessions *prometheus.GaugeVec
	bytes          *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for a repository lock.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"mode"}),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "exchanges_total",
			Help:      "Smart-HTTP protocol sessions by service and outcome.",
		}, []string{"service", "result"}),
		activeSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "active_sessions",
			Help:      "Protocol sessions currently in flight.",
		}, []string{"service"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "stream_bytes_total",
			Help:      "Bytes streamed through pack exchanges.",
		}, []string{"service", "direction"}),
	}
	if reg != nil {
		reg.MustRegister(m.lockWait, m.exchanges, m.activeSessions, m.bytes)
	}
	return m
}

// LockObserver adapts the metrics to a repolock.Observer.
func (m *Metrics) LockObserver() repolock.Observer {
	if m == nil {
		return nil
	}
	return func(_ string, mode repolock.Mode, waited time.Duration) {
		m.lockWait.WithLabelValues(mode.String()).Observe(waited.Seconds())
	}
}

func (m *Metrics) sessionStarted(service Service) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(string(service)).Inc()
}

func (m *Metrics) sessionFinished(service Service, result string) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(string(service)).Dec()
	m.exchanges.WithLabelValues(string(service), result).Inc()
}

func (m *Metrics) streamed(service Service, in, out int64) {
	if m == nil {
		return
	}
	m.bytes.WithLabelValues(string(service), "in").Add(float64(in))
	m.bytes.WithLabelValues(string(service), "out").Add(float64(out))
}

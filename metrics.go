package datamig

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records migration runs. A nil *Metrics records nothing
type Metrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datamig",
			Name:      "migrations_total",
			Help:      "Migrations executed, by direction and outcome.",
		}, []string{"direction", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "datamig",
			Name:      "migration_duration_seconds",
			Help:      "Time spent running a migration routine and its bookkeeping write.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"direction"}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.duration)
	}
	return m
}

func (m *Metrics) observe(direction string, started time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.runs.WithLabelValues(direction, outcome).Inc()
	m.duration.WithLabelValues(direction).Observe(time.Since(started).Seconds())
}

package runner

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what sessions do. Each Metrics owns its registry so several
// runners, or tests, never collide on registration. A nil *Metrics records
// nothing.
type Metrics struct {
	registry *prometheus.Registry
	tasks    *prometheus.CounterVec
	duration prometheus.Histogram
	running  prometheus.Gauge
	sessions *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskgraph_tasks_total",
				Help: "Tasks reaching a final status, by status.",
			},
			[]string{"status"},
		),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskgraph_task_duration_seconds",
			Help:    "Time spent executing task actions.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 9),
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskgraph_tasks_running",
			Help: "Tasks currently executing.",
		}),
		sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskgraph_sessions_total",
				Help: "Finished sessions, by result.",
			},
			[]string{"result"},
		),
	}
	m.registry.MustRegister(m.tasks, m.duration, m.running, m.sessions)
	return m
}

// Registry exposes the collectors, e.g. to an HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the current values in the text exposition format,
// for a node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

func (m *Metrics) taskFinished(status string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(status).Inc()
}

func (m *Metrics) taskStarted() {
	if m == nil {
		return
	}
	m.running.Inc()
}

func (m *Metrics) taskStopped(d time.Duration) {
	if m == nil {
		return
	}
	m.running.Dec()
	m.duration.Observe(d.Seconds())
}

func (m *Metrics) sessionFinished(r Result) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(r.String()).Inc()
}

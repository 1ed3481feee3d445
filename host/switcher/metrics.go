package switcher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the switch counters. Each orchestrator owns a registry; the
// CLI dumps it in node_exporter textfile format.
type Metrics struct {
	Registry *prometheus.Registry

	switches *prometheus.CounterVec
	steps    *prometheus.HistogramVec
}

// NewMetrics creates and registers the switch metrics
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		switches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "picoswitch_switch_total",
				Help: "Total number of firmware switch sessions by target and outcome.",
			},
			[]string{"target", "outcome"},
		),
		steps: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "picoswitch_step_duration_seconds",
				Help:    "Duration of each switch step.",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"step"},
		),
	}
	m.Registry.MustRegister(m.switches, m.steps)
	return m
}

func (m *Metrics) observeStep(step string, d time.Duration) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(step).Observe(d.Seconds())
}

func (m *Metrics) recordSwitch(target string, outcome Outcome) {
	if m == nil {
		return
	}
	m.switches.WithLabelValues(target, string(outcome)).Inc()
}

// WriteTextfile writes the registry atomically for the textfile collector
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}

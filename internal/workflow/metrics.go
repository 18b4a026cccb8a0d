package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports stage activity. A nil *Metrics records nothing.
type Metrics struct {
	// Transitions counts stage changes.
	// Labels: from, to
	Transitions *prometheus.CounterVec

	// Sessions counts engine sessions started by the state machine.
	// Labels: kind (task, ci_fix, review)
	Sessions *prometheus.CounterVec

	// Halts counts steps that blocked or paused the run.
	// Labels: outcome, stage
	Halts *prometheus.CounterVec
}

// NewMetrics registers the workflow collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskmaster",
				Subsystem: "workflow",
				Name:      "stage_transitions_total",
				Help:      "Total workflow stage transitions",
			},
			[]string{"from", "to"},
		),
		Sessions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskmaster",
				Subsystem: "workflow",
				Name:      "engine_sessions_total",
				Help:      "Total engine sessions by purpose",
			},
			[]string{"kind"},
		),
		Halts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskmaster",
				Subsystem: "workflow",
				Name:      "halts_total",
				Help:      "Total steps that blocked or paused the run",
			},
			[]string{"outcome", "stage"},
		),
	}
}

func (m *Metrics) transition(from, to string) {
	if m != nil {
		m.Transitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) session(kind string) {
	if m != nil {
		m.Sessions.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) halt(outcome, stage string) {
	if m != nil {
		m.Halts.WithLabelValues(outcome, stage).Inc()
	}
}

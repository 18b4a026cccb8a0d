package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sebyx07/claude-task-master-py-sub000/internal/engine"
)

// Metrics exports run level counters. A nil *Metrics records nothing.
type Metrics struct {
	// Sessions counts engine invocations charged to the session budget.
	Sessions prometheus.Counter

	// Tokens counts tokens reported by the engine.
	// Labels: direction (input, output)
	Tokens *prometheus.CounterVec

	// CostUSD accumulates the engine reported cost.
	CostUSD prometheus.Counter

	// CurrentTask is the index of the task the run is on.
	CurrentTask prometheus.Gauge

	// Exits counts finished runs.
	// Labels: status
	Exits *prometheus.CounterVec
}

// NewMetrics registers the orchestrator collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Sessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskmaster",
			Subsystem: "run",
			Name:      "sessions_total",
			Help:      "Total engine sessions run",
		}),
		Tokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskmaster",
				Subsystem: "run",
				Name:      "tokens_total",
				Help:      "Total tokens used by engine sessions",
			},
			[]string{"direction"},
		),
		CostUSD: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskmaster",
			Subsystem: "run",
			Name:      "cost_usd_total",
			Help:      "Engine reported cost in USD",
		}),
		CurrentTask: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskmaster",
			Subsystem: "run",
			Name:      "current_task_index",
			Help:      "Index of the task being worked on",
		}),
		Exits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskmaster",
				Subsystem: "run",
				Name:      "exits_total",
				Help:      "Total runs finished by final status",
			},
			[]string{"status"},
		),
	}
}

func (m *Metrics) session(u engine.Usage) {
	if m == nil {
		return
	}
	m.Sessions.Inc()
	m.Tokens.WithLabelValues("input").Add(float64(u.InputTokens))
	m.Tokens.WithLabelValues("output").Add(float64(u.OutputTokens))
	m.CostUSD.Add(u.CostUSD)
}

func (m *Metrics) task(index int) {
	if m != nil {
		m.CurrentTask.Set(float64(index))
	}
}

func (m *Metrics) exit(status string) {
	if m != nil {
		m.Exits.WithLabelValues(status).Inc()
	}
}

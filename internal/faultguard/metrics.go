package faultguard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports breaker and retry activity to Prometheus. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// BreakerState is 0 closed, 1 half-open, 2 open.
	// Labels: name
	BreakerState *prometheus.GaugeVec

	// Calls counts calls that reached the dependency.
	// Labels: name, outcome (success, failure)
	Calls *prometheus.CounterVec

	// Rejections counts calls refused by an open circuit.
	// Labels: name
	Rejections *prometheus.CounterVec

	// Retries counts guarded retries.
	// Labels: name, kind
	Retries *prometheus.CounterVec

	// Aborts counts guarded operations stopped by the consecutive failure cap
	// or a fatal error.
	// Labels: name, reason
	Aborts *prometheus.CounterVec
}

// NewMetrics registers the fault guard collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "taskmaster",
				Subsystem: "faultguard",
				Name:      "breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		Calls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskmaster",
				Subsystem: "faultguard",
				Name:      "calls_total",
				Help:      "Total guarded calls by outcome",
			},
			[]string{"name", "outcome"},
		),
		Rejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskmaster",
				Subsystem: "faultguard",
				Name:      "rejections_total",
				Help:      "Total calls rejected by an open circuit",
			},
			[]string{"name"},
		),
		Retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskmaster",
				Subsystem: "faultguard",
				Name:      "retries_total",
				Help:      "Total retries by error kind",
			},
			[]string{"name", "kind"},
		),
		Aborts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskmaster",
				Subsystem: "faultguard",
				Name:      "aborts_total",
				Help:      "Total guarded operations abandoned",
			},
			[]string{"name", "reason"},
		),
	}
}

func stateValue(s State) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	}
	return 0
}

func (m *Metrics) setState(name string, s State) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(stateValue(s))
}

func (m *Metrics) call(name, outcome string) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) rejected(name string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(name).Inc()
}

func (m *Metrics) retried(name string, kind Kind) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(name, kind.String()).Inc()
}

func (m *Metrics) aborted(name, reason string) {
	if m == nil {
		return
	}
	m.Aborts.WithLabelValues(name, reason).Inc()
}

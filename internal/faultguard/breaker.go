// Package faultguard wraps calls to external collaborators with circuit
// breaking and bounded retry.
//
// A Breaker isolates one named dependency: after FailureThreshold
// consecutive failures it opens and rejects calls without running them until
// Timeout has elapsed, then admits a limited number of probes. A Guard
// layers the retry policy on top: transient errors are retried after a fixed
// delay, fatal errors surface immediately, and a burst of consecutive
// failures inside FailureWindow aborts the whole operation.
package faultguard

import (
	"context"
	"fmt"
	"sync"
	"time"

	tmerrors "github.com/sebyx07/claude-task-master-py-sub000/internal/errors"
)

// State is the circuit state of a Breaker.
type State string

// Circuit states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes a Breaker.
type Config struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
	HalfOpenMaxCalls int           `json:"half_open_max_calls" yaml:"half_open_max_calls"`
}

// DefaultConfig returns the standard breaker configuration.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, SuccessThreshold: 2, Timeout: 60 * time.Second, HalfOpenMaxCalls: 3}
}

// AggressiveConfig trips quickly and recovers slowly.
func AggressiveConfig() Config {
	return Config{FailureThreshold: 3, SuccessThreshold: 3, Timeout: 120 * time.Second, HalfOpenMaxCalls: 1}
}

// LenientConfig tolerates more failures and recovers quickly.
func LenientConfig() Config {
	return Config{FailureThreshold: 10, SuccessThreshold: 1, Timeout: 30 * time.Second, HalfOpenMaxCalls: 5}
}

// PresetConfig returns the named preset, falling back to DefaultConfig.
func PresetConfig(name string) Config {
	switch name {
	case "aggressive":
		return AggressiveConfig()
	case "lenient":
		return LenientConfig()
	default:
		return DefaultConfig()
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	return c
}

// OpenError is returned when a call is rejected by an open circuit.
type OpenError struct {
	Name       string
	State      State
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit %q is half-open and at its probe limit", e.Name)
	}
	return fmt.Sprintf("circuit %q is open, retry in %s", e.Name, e.RetryAfter.Round(time.Second))
}

// Is matches ErrCircuitOpen.
func (e *OpenError) Is(target error) bool {
	return target == tmerrors.ErrCircuitOpen
}

// Snapshot is a point-in-time view of a Breaker for status output.
type Snapshot struct {
	Name                 string        `json:"name" yaml:"name"`
	State                State         `json:"state" yaml:"state"`
	ConsecutiveFailures  int           `json:"consecutive_failures" yaml:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes" yaml:"consecutive_successes"`
	TotalCalls           int           `json:"total_calls" yaml:"total_calls"`
	Successes            int           `json:"successes" yaml:"successes"`
	Failures             int           `json:"failures" yaml:"failures"`
	Rejections           int           `json:"rejections" yaml:"rejections"`
	Transitions          int           `json:"transitions" yaml:"transitions"`
	LastStateChange      time.Time     `json:"last_state_change" yaml:"last_state_change"`
	RetryAfter           time.Duration `json:"retry_after,omitempty" yaml:"retry_after,omitempty"`
}

// FailureRate returns failures over total calls, or 0 before any call.
func (s Snapshot) FailureRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.TotalCalls)
}

// Breaker is a thread-safe circuit breaker for one named dependency.
type Breaker struct {
	name    string
	cfg     Config
	now     func() time.Time
	metrics *Metrics

	mu          sync.Mutex
	state       State
	consecFail  int
	consecOK    int
	probes      int
	openedAt    time.Time
	lastChange  time.Time
	totalCalls  int
	successes   int
	failures    int
	rejections  int
	transitions int
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithClock replaces the time source.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// WithMetrics reports state and outcomes to m.
func WithMetrics(m *Metrics) BreakerOption {
	return func(b *Breaker) { b.metrics = m }
}

// NewBreaker creates a closed Breaker. Zero fields in cfg take defaults.
func NewBreaker(name string, cfg Config, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		name:  name,
		cfg:   cfg.normalized(),
		now:   time.Now,
		state: StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastChange = b.now()
	b.metrics.setState(name, StateClosed)
	return b
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// Config returns the effective configuration.
func (b *Breaker) Config() Config { return b.cfg }

// State returns the current state, promoting open to half-open once the
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkTimeoutLocked()
	return b.state
}

// Execute runs fn if the circuit admits it and records the outcome. A
// rejected call returns *OpenError without running fn. Cancellation of ctx
// is not counted against the dependency.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	callErr := fn(ctx)
	b.record(ctx, callErr, probe)
	return callErr
}

func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.checkTimeoutLocked()
	switch b.state {
	case StateOpen:
		b.rejections++
		b.metrics.rejected(b.name)
		retry := b.cfg.Timeout - b.now().Sub(b.openedAt)
		if retry < 0 {
			retry = 0
		}
		return false, &OpenError{Name: b.name, State: StateOpen, RetryAfter: retry}
	case StateHalfOpen:
		if b.probes >= b.cfg.HalfOpenMaxCalls {
			b.rejections++
			b.metrics.rejected(b.name)
			return false, &OpenError{Name: b.name, State: StateHalfOpen}
		}
		b.probes++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(ctx context.Context, err error, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe && b.probes > 0 {
		b.probes--
	}

	if err != nil && ctx.Err() != nil && tmerrors.Is(err, ctx.Err()) {
		return
	}

	b.totalCalls++
	if err == nil {
		b.successes++
		b.consecOK++
		b.consecFail = 0
		b.metrics.call(b.name, "success")
		if b.state == StateHalfOpen && b.consecOK >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed)
		}
		return
	}

	b.failures++
	b.consecFail++
	b.consecOK = 0
	b.metrics.call(b.name, "failure")
	switch b.state {
	case StateClosed:
		if b.consecFail >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.transitionLocked(StateOpen)
	}
}

func (b *Breaker) checkTimeoutLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Timeout {
		b.transitionLocked(StateHalfOpen)
	}
}

func (b *Breaker) transitionLocked(to State) {
	if b.state == to {
		return
	}
	b.state = to
	b.lastChange = b.now()
	b.transitions++
	switch to {
	case StateOpen:
		b.openedAt = b.lastChange
	case StateHalfOpen:
		b.probes = 0
		b.consecOK = 0
	case StateClosed:
		b.consecFail = 0
	}
	b.metrics.setState(b.name, to)
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateClosed)
	b.consecFail = 0
	b.consecOK = 0
	b.probes = 0
}

// ForceOpen trips the breaker immediately.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateOpen)
}

// Snapshot returns the current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkTimeoutLocked()

	s := Snapshot{
		Name:                 b.name,
		State:                b.state,
		ConsecutiveFailures:  b.consecFail,
		ConsecutiveSuccesses: b.consecOK,
		TotalCalls:           b.totalCalls,
		Successes:            b.successes,
		Failures:             b.failures,
		Rejections:           b.rejections,
		Transitions:          b.transitions,
		LastStateChange:      b.lastChange,
	}
	if b.state == StateOpen {
		s.RetryAfter = b.cfg.Timeout - b.now().Sub(b.openedAt)
	}
	return s
}

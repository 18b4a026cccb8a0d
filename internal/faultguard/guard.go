package faultguard

import (
	"context"
	"fmt"
	"time"

	tmerrors "github.com/sebyx07/claude-task-master-py-sub000/internal/errors"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/logging"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/util"
)

// Policy is the retry policy applied by a Guard.
type Policy struct {
	// RetryDelay is the fixed wait between attempts.
	RetryDelay time.Duration
	// MaxRetries caps retries per operation. 0 leaves the consecutive
	// failure cap as the only bound.
	MaxRetries int
	// ConsecutiveFailureLimit aborts an operation once this many failures
	// land inside FailureWindow.
	ConsecutiveFailureLimit int
	FailureWindow           time.Duration
	// Breaker configures breakers created on first use of a name.
	Breaker Config
}

// DefaultPolicy returns the standard retry policy.
func DefaultPolicy() Policy {
	return Policy{
		RetryDelay:              5 * time.Second,
		ConsecutiveFailureLimit: 3,
		FailureWindow:           60 * time.Second,
		Breaker:                 DefaultConfig(),
	}
}

// ConsecutiveFailuresError aborts a guarded operation after too many
// failures in a short window, regardless of how each was classified.
type ConsecutiveFailuresError struct {
	Name      string
	Count     int
	LastError error
}

func (e *ConsecutiveFailuresError) Error() string {
	return fmt.Sprintf("%s failed %d consecutive times, stopping: %v", e.Name, e.Count, e.LastError)
}

func (e *ConsecutiveFailuresError) Unwrap() error { return e.LastError }

// Is matches ErrTooManyFailures.
func (e *ConsecutiveFailuresError) Is(target error) bool {
	return target == tmerrors.ErrTooManyFailures
}

// FatalError wraps an error the guard refused to retry.
type FatalError struct {
	Name string
	Kind Kind
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Name, e.Kind, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Guard runs operations through named breakers with retry.
type Guard struct {
	registry   *Registry
	classifier Classifier
	policy     Policy
	metrics    *Metrics
	logger     *logging.Logger
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithClassifier replaces the DefaultClassifier.
func WithClassifier(c Classifier) GuardOption {
	return func(g *Guard) { g.classifier = c }
}

// WithPolicy replaces DefaultPolicy.
func WithPolicy(p Policy) GuardOption {
	return func(g *Guard) { g.policy = p }
}

// WithGuardMetrics reports retries and aborts to m.
func WithGuardMetrics(m *Metrics) GuardOption {
	return func(g *Guard) { g.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) GuardOption {
	return func(g *Guard) { g.logger = l }
}

// WithGuardClock replaces the time source and the sleep function.
func WithGuardClock(now func() time.Time, sleep func(context.Context, time.Duration) error) GuardOption {
	return func(g *Guard) {
		g.now = now
		g.sleep = sleep
	}
}

// NewGuard creates a Guard using breakers from registry.
func NewGuard(registry *Registry, opts ...GuardOption) *Guard {
	g := &Guard{
		registry:   registry,
		classifier: DefaultClassifier{},
		policy:     DefaultPolicy(),
		now:        time.Now,
		sleep:      util.Sleep,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.registry == nil {
		g.registry = NewRegistry()
	}
	g.logger = logging.OrNop(g.logger).WithComponent("faultguard")
	return g
}

// Registry returns the breaker registry.
func (g *Guard) Registry() *Registry { return g.registry }

// Classify exposes the guard's classifier.
func (g *Guard) Classify(err error) Kind { return g.classifier.Classify(err) }

// Do runs fn through the breaker called name. Transient and unknown errors
// are retried after RetryDelay. Fatal errors return a *FatalError
// immediately, an open circuit returns its *OpenError, and too many
// failures in FailureWindow return a *ConsecutiveFailuresError.
func (g *Guard) Do(ctx context.Context, name string, fn func(context.Context) error) error {
	breaker := g.registry.Get(name, g.policy.Breaker)
	var failures []time.Time
	log := g.logger.With("dependency", name)

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := breaker.Execute(ctx, fn)
		if err == nil {
			return nil
		}

		kind := g.classifier.Classify(err)
		switch {
		case kind == KindCanceled || ctx.Err() != nil:
			return err
		case kind == KindCircuitOpen:
			g.metrics.aborted(name, "circuit_open")
			log.Warn("circuit open, not retrying", "error", err.Error())
			return err
		case kind.Fatal():
			g.metrics.aborted(name, "fatal")
			log.Error("fatal error, not retrying", "kind", kind.String(), "error", err.Error())
			return &FatalError{Name: name, Kind: kind, Err: err}
		case kind == KindRejected:
			g.metrics.aborted(name, "rejected")
			log.Warn("request rejected, not retrying", "error", err.Error())
			return err
		}

		now := g.now()
		failures = append(failures, now)
		failures = pruneWindow(failures, now, g.policy.FailureWindow)
		if g.policy.ConsecutiveFailureLimit > 0 && len(failures) >= g.policy.ConsecutiveFailureLimit {
			g.metrics.aborted(name, "consecutive_failures")
			log.Error("too many consecutive failures", "count", len(failures), "error", err.Error())
			return &ConsecutiveFailuresError{Name: name, Count: len(failures), LastError: err}
		}
		if g.policy.MaxRetries > 0 && attempt >= g.policy.MaxRetries {
			g.metrics.aborted(name, "max_retries")
			return err
		}

		g.metrics.retried(name, kind)
		log.Warn("transient error, retrying",
			"kind", kind.String(),
			"attempt", attempt+1,
			"delay", g.policy.RetryDelay.String(),
			"error", err.Error())
		if err := g.sleep(ctx, g.policy.RetryDelay); err != nil {
			return err
		}
	}
}

func pruneWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	if window <= 0 {
		return times
	}
	cutoff := now.Add(-window)
	kept := times[:0]
	for _, t := range times {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// Call is Do for functions that return a value.
func Call[T any](ctx context.Context, g *Guard, name string, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := g.Do(ctx, name, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

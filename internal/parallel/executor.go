// Package parallel runs independent units of work on a bounded worker pool.
//
// Tasks declare dependencies by ID. The executor resolves them into batches:
// every task in a batch has all of its dependencies in an earlier batch, and
// batches run one after another while the tasks inside a batch run
// concurrently on at most MaxWorkers goroutines. Each task attempt gets its
// own timeout, failed attempts are retried with exponential backoff, and an
// optional circuit breaker per task type stops hammering a failing
// collaborator.
package parallel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/sebyx07/claude-task-master-py-sub000/internal/config"
	tmerrors "github.com/sebyx07/claude-task-master-py-sub000/internal/errors"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/faultguard"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/logging"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/util"
)

// maxBackoff caps the delay between retries of one task.
const maxBackoff = 30 * time.Second

// Config tunes an Executor.
type Config struct {
	MaxWorkers int           `json:"max_workers" yaml:"max_workers"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	BatchSize  int           `json:"batch_size" yaml:"batch_size"`
	UseBreaker bool          `json:"use_breaker" yaml:"use_breaker"`
	Breaker    faultguard.Config
}

// DefaultConfig returns the balanced preset.
func DefaultConfig() Config {
	return Config{MaxWorkers: 4, Timeout: 300 * time.Second, MaxRetries: 2, BatchSize: 10, UseBreaker: true, Breaker: faultguard.DefaultConfig()}
}

// ConservativeConfig runs fewer tasks at once with more patience.
func ConservativeConfig() Config {
	return Config{MaxWorkers: 2, Timeout: 600 * time.Second, MaxRetries: 3, BatchSize: 10, UseBreaker: true, Breaker: faultguard.DefaultConfig()}
}

// AggressiveConfig favors throughput over resilience.
func AggressiveConfig() Config {
	return Config{MaxWorkers: 8, Timeout: 180 * time.Second, MaxRetries: 1, BatchSize: 10, UseBreaker: true, Breaker: faultguard.DefaultConfig()}
}

// PresetConfig returns the named preset, falling back to DefaultConfig.
func PresetConfig(name string) Config {
	switch name {
	case "conservative":
		return ConservativeConfig()
	case "aggressive":
		return AggressiveConfig()
	default:
		return DefaultConfig()
	}
}

// FromSettings builds a Config from the parallel section of the user
// configuration.
func FromSettings(s config.ParallelConfig) Config {
	cfg := PresetConfig(s.Preset)
	if s.MaxWorkers > 0 {
		cfg.MaxWorkers = s.MaxWorkers
	}
	return cfg
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	return c
}

// TaskStatus is the execution state of a task.
type TaskStatus string

// Task states.
const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the task will not run again.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is one unit of work.
type Task struct {
	ID string
	// Type groups tasks behind a shared circuit breaker (default "default").
	Type     string
	Priority int
	// Timeout overrides Config.Timeout for each attempt when > 0.
	Timeout      time.Duration
	Dependencies []string
	Fn           func(ctx context.Context) (any, error)
}

// TaskResult records how a task ended.
type TaskResult struct {
	ID      string
	Status  TaskStatus
	Value   any
	Err     error
	Start   time.Time
	End     time.Time
	Retries int
}

// Duration is the wall time between the first attempt and the end.
func (r TaskResult) Duration() time.Duration {
	if r.Start.IsZero() || r.End.IsZero() {
		return 0
	}
	return r.End.Sub(r.Start)
}

// Progress counts tasks by status.
type Progress struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Executor schedules tasks onto a bounded pool.
type Executor struct {
	cfg      Config
	registry *faultguard.Registry
	logger   *logging.Logger
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error

	mu        sync.Mutex
	tasks     map[string]*Task
	order     []string
	results   map[string]*TaskResult
	cancelled bool
	stop      context.CancelFunc
}

// Option configures an Executor.
type Option func(*Executor)

// WithRegistry supplies the breaker registry shared with the rest of the run.
func WithRegistry(r *faultguard.Registry) Option {
	return func(e *Executor) { e.registry = r }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) { e.logger = logging.OrNop(l).WithComponent("parallel") }
}

// WithClock replaces the time source and the backoff sleep.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// New creates an Executor.
func New(cfg Config, opts ...Option) *Executor {
	e := &Executor{
		cfg:     cfg.normalized(),
		logger:  logging.NopLogger(),
		now:     time.Now,
		sleep:   util.Sleep,
		tasks:   make(map[string]*Task),
		results: make(map[string]*TaskResult),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.UseBreaker && e.registry == nil {
		e.registry = faultguard.NewRegistry()
	}
	return e
}

// Config returns the normalized configuration.
func (e *Executor) Config() Config { return e.cfg }

// AddTask registers a task. IDs must be unique.
func (e *Executor) AddTask(t Task) error {
	if t.ID == "" {
		return tmerrors.NewValidationError("task id is required").WithField("id")
	}
	if t.Fn == nil {
		return tmerrors.NewValidationError("task function is required").WithField("fn").WithValue(t.ID)
	}
	if t.Type == "" {
		t.Type = "default"
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tasks[t.ID]; ok {
		return tmerrors.NewValidationError("duplicate task id").WithField("id").WithValue(t.ID)
	}
	e.tasks[t.ID] = &t
	e.order = append(e.order, t.ID)
	e.results[t.ID] = &TaskResult{ID: t.ID, Status: StatusPending}
	return nil
}

// batches repeatedly takes the ready tasks, highest priority first with ties
// in insertion order, up to BatchSize at a time.
func (e *Executor) batches() ([][]*Task, error) {
	done := make(map[string]bool)
	var remaining []*Task
	for _, id := range e.order {
		if e.results[id].Status == StatusCompleted {
			done[id] = true
			continue
		}
		if e.results[id].Status == StatusPending {
			remaining = append(remaining, e.tasks[id])
		}
	}

	var out [][]*Task
	for len(remaining) > 0 {
		var ready, blocked []*Task
		for _, t := range remaining {
			if allDone(t.Dependencies, done) {
				ready = append(ready, t)
			} else {
				blocked = append(blocked, t)
			}
		}
		if len(ready) == 0 {
			ids := make([]string, 0, len(blocked))
			for _, t := range blocked {
				ids = append(ids, t.ID)
			}
			return nil, fmt.Errorf("%w: unresolvable tasks %v", tmerrors.ErrDependencyCycle, ids)
		}
		slices.SortStableFunc(ready, func(a, b *Task) int { return b.Priority - a.Priority })
		n := min(len(ready), e.cfg.BatchSize)
		out = append(out, ready[:n])
		for _, t := range ready[:n] {
			done[t.ID] = true
		}
		remaining = append(ready[n:], blocked...)
	}
	return out, nil
}

func allDone(deps []string, done map[string]bool) bool {
	for _, d := range deps {
		if !done[d] {
			return false
		}
	}
	return true
}

// Run executes every pending task and returns the results keyed by task ID.
// A dependency graph that cannot be resolved fails every pending task with
// ErrDependencyCycle without running any of them. Tasks whose dependency
// failed are failed without running. The returned error is non-nil only for
// an unresolvable graph or a canceled context.
func (e *Executor) Run(ctx context.Context) (map[string]TaskResult, error) {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	e.mu.Lock()
	batches, err := e.batches()
	if err != nil {
		now := e.now()
		for _, r := range e.results {
			if r.Status == StatusPending {
				r.Status = StatusFailed
				r.Err = err
				r.End = now
			}
		}
		e.mu.Unlock()
		e.logger.Error("cannot schedule tasks", "error", err)
		return e.Results(), err
	}
	e.stop = stop
	e.mu.Unlock()

	e.logger.Info("executing tasks", "batches", len(batches), "workers", e.cfg.MaxWorkers)
	for i, batch := range batches {
		if runCtx.Err() != nil || e.isCancelled() {
			break
		}
		e.logger.Debug("starting batch", "batch", i+1, "size", len(batch))
		p := pool.New().WithMaxGoroutines(e.cfg.MaxWorkers)
		for _, t := range batch {
			if dep, ok := e.failedDependency(t); ok {
				e.finish(t.ID, StatusFailed, nil, fmt.Errorf("dependency %s did not complete", dep))
				continue
			}
			p.Go(func() { e.execute(runCtx, t) })
		}
		p.Wait()
	}

	e.markPendingCancelled()
	e.mu.Lock()
	e.stop = nil
	e.mu.Unlock()

	p := e.Progress()
	e.logger.Info("tasks finished", "completed", p.Completed, "failed", p.Failed, "cancelled", p.Cancelled)
	if err := ctx.Err(); err != nil {
		return e.Results(), err
	}
	return e.Results(), nil
}

func (e *Executor) failedDependency(t *Task) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range t.Dependencies {
		if r, ok := e.results[d]; ok && r.Status != StatusCompleted {
			return d, true
		}
	}
	return "", false
}

func (e *Executor) execute(ctx context.Context, t *Task) {
	e.mu.Lock()
	r := e.results[t.ID]
	if e.cancelled || r.Status != StatusPending {
		e.mu.Unlock()
		return
	}
	r.Status = StatusRunning
	r.Start = e.now()
	e.mu.Unlock()

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	log := e.logger.With("task_id", t.ID)

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil || e.isCancelled() {
			e.finish(t.ID, StatusCancelled, nil, tmerrors.ErrCanceled)
			return
		}
		if attempt > 0 {
			e.mu.Lock()
			r.Retries = attempt
			e.mu.Unlock()
		}

		value, err := e.attempt(ctx, t, timeout)
		if err == nil {
			e.finish(t.ID, StatusCompleted, value, nil)
			return
		}
		lastErr = err
		if ctx.Err() != nil {
			e.finish(t.ID, StatusCancelled, nil, tmerrors.ErrCanceled)
			return
		}
		if errors.Is(err, tmerrors.ErrCircuitOpen) {
			break
		}
		if attempt < e.cfg.MaxRetries {
			delay := backoff(attempt)
			log.Warn("task attempt failed, retrying", "attempt", attempt+1, "delay", delay, "error", err)
			if e.sleep(ctx, delay) != nil {
				e.finish(t.ID, StatusCancelled, nil, tmerrors.ErrCanceled)
				return
			}
		}
	}
	log.Error("task failed", "error", lastErr)
	e.finish(t.ID, StatusFailed, nil, lastErr)
}

func (e *Executor) attempt(ctx context.Context, t *Task, timeout time.Duration) (any, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var value any
	run := func(c context.Context) error {
		v, err := t.Fn(c)
		value = v
		return err
	}
	var err error
	if e.cfg.UseBreaker && e.registry != nil {
		err = e.registry.Get("parallel_"+t.Type, e.cfg.Breaker).Execute(tctx, run)
	} else {
		err = run(tctx)
	}
	if err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s: %v", tmerrors.ErrTimeout, timeout, err)
	}
	return value, err
}

func backoff(attempt int) time.Duration {
	if attempt >= 5 {
		return maxBackoff
	}
	return min(time.Duration(1<<attempt)*time.Second, maxBackoff)
}

func (e *Executor) finish(id string, status TaskStatus, value any, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.results[id]
	r.Status = status
	r.Value = value
	r.Err = err
	r.End = e.now()
}

func (e *Executor) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

func (e *Executor) markPendingCancelled() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	for _, r := range e.results {
		if r.Status == StatusPending {
			r.Status = StatusCancelled
			r.Err = tmerrors.ErrCanceled
			r.End = now
		}
	}
}

// Cancel stops the executor: pending tasks are marked cancelled and running
// tasks see their context canceled.
func (e *Executor) Cancel() {
	e.mu.Lock()
	e.cancelled = true
	stop := e.stop
	e.mu.Unlock()
	e.markPendingCancelled()
	if stop != nil {
		stop()
	}
}

// Progress returns task counts by status.
func (e *Executor) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := Progress{Total: len(e.results)}
	for _, r := range e.results {
		switch r.Status {
		case StatusPending:
			p.Pending++
		case StatusRunning:
			p.Running++
		case StatusCompleted:
			p.Completed++
		case StatusFailed:
			p.Failed++
		case StatusCancelled:
			p.Cancelled++
		}
	}
	return p
}

// Results returns a copy of every task result.
func (e *Executor) Results() map[string]TaskResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]TaskResult, len(e.results))
	for id, r := range e.results {
		out[id] = *r
	}
	return out
}

// Result returns the result of one task.
func (e *Executor) Result(id string) (TaskResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.results[id]
	if !ok {
		return TaskResult{}, false
	}
	return *r, true
}

// Clear forgets every task so the executor can be reused.
func (e *Executor) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = make(map[string]*Task)
	e.results = make(map[string]*TaskResult)
	e.order = nil
	e.cancelled = false
}

// Package workflow drives one change request through its lifecycle: run the
// tasks of a group, wait for checks, address review feedback and merge. Each
// call to Step advances the run by at most one stage and persists the result
// before returning, so a restarted process resumes at the stage it stopped in.
package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/sebyx07/claude-task-master-py-sub000/internal/engine"
	tmerrors "github.com/sebyx07/claude-task-master-py-sub000/internal/errors"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/event"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/faultguard"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/githost"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/logging"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/plan"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/progress"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/state"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/util"
)

// Guarded dependency names.
const (
	DependencyEngine = "engine"
	DependencyHost   = "host"
)

// Outcome tells the caller what to do after a step.
type Outcome int

const (
	// Continue means call Step again.
	Continue Outcome = iota
	// Blocked means the run needs operator action; status is blocked.
	Blocked
	// Paused means the run stopped at a checkpoint; status is paused.
	Paused
	// Done means every task in the plan is complete.
	Done
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Blocked:
		return "blocked"
	case Paused:
		return "paused"
	case Done:
		return "done"
	}
	return "unknown"
}

// Result is the outcome of one step.
type Result struct {
	Outcome Outcome
	// SessionRan is true when the step invoked the engine.
	SessionRan bool
	Usage      engine.Usage
	// Output is the summary returned by the engine session, if any.
	Output string
	Reason string
}

// Config holds the timing knobs of the state machine.
type Config struct {
	PollInterval          time.Duration
	SettleDelay           time.Duration
	CheckRestartDelay     time.Duration
	MergeablePollAttempts int
	TargetBranch          string
	// WatchInterval is how often a running engine session is checked
	// against the monitor's session duration cap.
	WatchInterval time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		PollInterval:          10 * time.Second,
		SettleDelay:           5 * time.Second,
		CheckRestartDelay:     30 * time.Second,
		MergeablePollAttempts: 6,
		TargetBranch:          "main",
		WatchInterval:         15 * time.Second,
	}
}

// Repository is the local working copy.
type Repository interface {
	CurrentBranch(ctx context.Context) (string, error)
	CheckoutBase(ctx context.Context, branch string) error
}

// Option configures a Machine.
type Option func(*Machine)

// WithConfig replaces the timing knobs.
func WithConfig(cfg Config) Option {
	return func(m *Machine) { m.cfg = cfg }
}

// WithRepository sets the working copy used for branch detection and base
// checkout after a merge.
func WithRepository(r Repository) Option {
	return func(m *Machine) { m.repo = r }
}

// WithMonitor records engine sessions in mon.
func WithMonitor(mon *progress.Monitor) Option {
	return func(m *Machine) { m.monitor = mon }
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Machine) { m.metrics = metrics }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Machine) { m.logger = logging.OrNop(l).WithComponent("workflow") }
}

// WithEvents publishes task, stage and change request events on bus.
func WithEvents(bus *event.Bus) Option {
	return func(m *Machine) { m.events = bus }
}

// WithSleep replaces the interruptible sleep.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(m *Machine) { m.sleep = sleep }
}

// Machine is the per change request state machine.
type Machine struct {
	store     *state.Store
	scheduler *plan.Scheduler
	engine    engine.Engine
	host      githost.Host
	guard     *faultguard.Guard
	repo      Repository
	monitor   *progress.Monitor
	metrics   *Metrics
	logger    *logging.Logger
	events    *event.Bus
	sleep     func(context.Context, time.Duration) error
	cfg       Config
}

// New creates a Machine.
func New(store *state.Store, scheduler *plan.Scheduler, eng engine.Engine, host githost.Host, guard *faultguard.Guard, opts ...Option) *Machine {
	m := &Machine{
		store:     store,
		scheduler: scheduler,
		engine:    eng,
		host:      host,
		guard:     guard,
		logger:    logging.NopLogger(),
		sleep:     util.Sleep,
		cfg:       DefaultConfig(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.MergeablePollAttempts <= 0 {
		m.cfg.MergeablePollAttempts = 1
	}
	if m.cfg.TargetBranch == "" {
		m.cfg.TargetBranch = "main"
	}
	if m.cfg.WatchInterval <= 0 {
		m.cfg.WatchInterval = DefaultConfig().WatchInterval
	}
	return m
}

// Step runs the handler for st's current stage. st is updated in place and
// persisted. A returned error is a collaborator failure the caller must
// classify; the stage is left where it was.
func (m *Machine) Step(ctx context.Context, st *state.RunState) (Result, error) {
	if st.WorkflowStage == "" {
		st.WorkflowStage = state.StageWorking
	}
	log := m.logger.WithRun(st.RunID).WithStage(string(st.WorkflowStage))
	log.Debug("step", "task_index", st.CurrentTaskIndex, "pr", st.PRNumber())

	var (
		res Result
		err error
	)
	switch st.WorkflowStage {
	case state.StageWorking:
		res, err = m.handleWorking(ctx, st)
	case state.StagePRCreated:
		res, err = m.handlePRCreated(ctx, st)
	case state.StageWaitingCI:
		res, err = m.handleWaitingCI(ctx, st)
	case state.StageCIFailed:
		res, err = m.handleCIFailed(ctx, st)
	case state.StageWaitingReviews:
		res, err = m.handleWaitingReviews(ctx, st)
	case state.StageAddressingReviews:
		res, err = m.handleAddressingReviews(ctx, st)
	case state.StageReadyToMerge:
		res, err = m.handleReadyToMerge(ctx, st)
	case state.StageMerged:
		res, err = m.handleMerged(ctx, st)
	default:
		return Result{}, errUnknownStage(st.WorkflowStage)
	}
	if err != nil {
		return res, err
	}
	if res.Outcome == Blocked || res.Outcome == Paused {
		m.metrics.halt(res.Outcome.String(), string(st.WorkflowStage))
		log.Warn("workflow halted", "outcome", res.Outcome.String(), "reason", res.Reason)
		m.events.Publish(event.NewHaltedEvent(st.RunID, res.Outcome.String(), string(st.WorkflowStage), res.Reason))
	}
	return res, nil
}

// advance moves st to stage and persists it.
func (m *Machine) advance(st *state.RunState, stage state.Stage) error {
	from := st.WorkflowStage
	st.WorkflowStage = stage
	if err := m.store.Save(st); err != nil {
		st.WorkflowStage = from
		return err
	}
	if from != stage {
		m.metrics.transition(string(from), string(stage))
		m.logger.WithRun(st.RunID).Info("stage transition", "from", string(from), "to", string(stage))
		m.events.Publish(event.NewStageChangedEvent(st.RunID, string(from), string(stage)))
	}
	return nil
}

// halt sets the run status and persists it.
func (m *Machine) halt(st *state.RunState, status state.Status, outcome Outcome, reason string) (Result, error) {
	prev := st.Status
	st.Status = status
	if err := m.store.Save(st); err != nil {
		st.Status = prev
		return Result{}, err
	}
	return Result{Outcome: outcome, Reason: reason}, nil
}

// runEngine runs a guarded work session and records it in the monitor. A
// session that outlives the monitor's duration cap is canceled and reported
// as ErrSessionStalled.
func (m *Machine) runEngine(ctx context.Context, st *state.RunState, kind, desc string, req engine.WorkRequest) (engine.WorkResult, error) {
	m.metrics.session(kind)
	if m.monitor == nil {
		return faultguard.Call(ctx, m.guard, DependencyEngine, func(ctx context.Context) (engine.WorkResult, error) {
			return m.engine.RunWorkSession(ctx, req)
		})
	}

	m.monitor.StartSession(st.CurrentTaskIndex, desc)
	sessCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := m.watchSession(sessCtx, cancel)
	res, err := faultguard.Call(sessCtx, m.guard, DependencyEngine, func(ctx context.Context) (engine.WorkResult, error) {
		return m.engine.RunWorkSession(ctx, req)
	})
	stop()

	stalled := err != nil && ctx.Err() == nil && tmerrors.Is(context.Cause(sessCtx), tmerrors.ErrSessionStalled)
	m.monitor.RecordTokens(res.Usage.InputTokens, res.Usage.OutputTokens)
	outcome := progress.OutcomeSuccess
	switch {
	case stalled:
		m.monitor.RecordError()
		outcome = progress.OutcomeInterrupted
		err = context.Cause(sessCtx)
	case ctx.Err() != nil:
		outcome = progress.OutcomeCanceled
	case err != nil:
		m.monitor.RecordError()
		outcome = progress.OutcomeFailure
	}
	m.monitor.EndSession(outcome)
	return res, err
}

// watchSession cancels ctx once the running session overruns. The returned
// function stops the watch and waits for it to exit.
func (m *Machine) watchSession(ctx context.Context, cancel context.CancelCauseFunc) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(m.cfg.WatchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if over, reason := m.monitor.Overrun(); over {
					m.logger.Warn("canceling overrunning session", "reason", reason)
					cancel(tmerrors.NewWorkflowError(reason, tmerrors.ErrSessionStalled))
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (m *Machine) status(ctx context.Context, pr int) (githost.Status, error) {
	return faultguard.Call(ctx, m.guard, DependencyHost, func(ctx context.Context) (githost.Status, error) {
		return m.host.GetStatus(ctx, pr)
	})
}

func (m *Machine) currentBranch(ctx context.Context) string {
	if m.repo == nil {
		return ""
	}
	branch, err := m.repo.CurrentBranch(ctx)
	if err != nil {
		m.logger.Debug("current branch unavailable", "error", err)
		return ""
	}
	return branch
}

func (m *Machine) loadContext() string {
	c, err := m.store.LoadContext()
	if err != nil {
		m.logger.Debug("context unavailable", "error", err)
	}
	return c
}

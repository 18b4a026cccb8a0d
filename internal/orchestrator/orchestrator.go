// Package orchestrator runs the outer loop of a taskmaster run. It owns the
// session lock, the planning phase, session accounting, success
// verification, and the mapping from failures to a persisted status and
// process exit code.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sebyx07/claude-task-master-py-sub000/internal/engine"
	tmerrors "github.com/sebyx07/claude-task-master-py-sub000/internal/errors"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/event"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/faultguard"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/logging"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/plan"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/progress"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/state"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/workflow"
)

// ExitCode is the process exit status for a finished run.
type ExitCode int

const (
	// ExitSuccess means the run completed and its criteria were verified.
	ExitSuccess ExitCode = 0
	// ExitBlocked means the run is blocked or failed.
	ExitBlocked ExitCode = 1
	// ExitPaused means the run was paused or stopped and can be resumed.
	ExitPaused ExitCode = 2
)

// ExitCodeFor maps a persisted status to an exit code.
func ExitCodeFor(s state.Status) ExitCode {
	switch s {
	case state.StatusSuccess:
		return ExitSuccess
	case state.StatusPaused, state.StatusStopped:
		return ExitPaused
	}
	return ExitBlocked
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMonitor sets the progress monitor consulted after each step.
func WithMonitor(m *progress.Monitor) Option {
	return func(o *Orchestrator) { o.monitor = m }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = logging.OrNop(l).WithComponent("orchestrator") }
}

// WithEvents publishes plan and run lifecycle events on bus.
func WithEvents(bus *event.Bus) Option {
	return func(o *Orchestrator) { o.events = bus }
}

// WithWatcher makes Run watch the state file so a pause or stop written by
// another process interrupts the current step.
func WithWatcher(enabled bool) Option {
	return func(o *Orchestrator) { o.watch = enabled }
}

// Orchestrator drives a run from planning to a final status.
type Orchestrator struct {
	store     *state.Store
	scheduler *plan.Scheduler
	engine    engine.Engine
	guard     *faultguard.Guard
	machine   *workflow.Machine
	monitor   *progress.Monitor
	metrics   *Metrics
	logger    *logging.Logger
	events    *event.Bus
	watch     bool

	mu       sync.Mutex
	external state.Status
	reason   string
}

// New creates an Orchestrator. The machine must share store and scheduler.
func New(store *state.Store, scheduler *plan.Scheduler, eng engine.Engine, guard *faultguard.Guard, machine *workflow.Machine, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		scheduler: scheduler,
		engine:    eng,
		guard:     guard,
		machine:   machine,
		logger:    logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Reason returns why the last Run stopped short of success.
func (o *Orchestrator) Reason() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reason
}

func (o *Orchestrator) setReason(reason string) {
	o.mu.Lock()
	o.reason = reason
	o.mu.Unlock()
}

func (o *Orchestrator) externalStatus() state.Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.external
}

// Run executes the run stored in the state directory until it succeeds,
// blocks, fails, or is paused. Collaborator failures are folded into the
// persisted status; the returned error is only set when the run could not
// be started or a failure should be shown to the operator.
func (o *Orchestrator) Run(ctx context.Context) (ExitCode, error) {
	st, err := o.store.Load()
	if err != nil {
		return ExitBlocked, err
	}
	if state.IsTerminal(st.Status) {
		o.setReason("run already finished with status " + string(st.Status))
		return ExitCodeFor(st.Status), nil
	}
	if err := o.store.AcquireSessionLock(st.RunID); err != nil {
		return ExitBlocked, err
	}
	released := false
	defer func() {
		if released {
			return
		}
		if err := o.store.ReleaseSessionLock(); err != nil {
			o.logger.Warn("failed to release session lock", "error", err)
		}
	}()

	log := o.logger.WithRun(st.RunID)
	o.setReason("")
	o.mu.Lock()
	o.external = ""
	o.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if o.watch {
		w, err := state.NewWatcher(o.store.Dir(), func(s state.Status) {
			if s == state.StatusPaused || s == state.StatusStopped {
				o.mu.Lock()
				o.external = s
				o.mu.Unlock()
				cancel()
			}
		}, o.logger)
		if err != nil {
			log.Warn("state watcher unavailable", "error", err)
		} else {
			w.Start()
			defer w.Stop()
		}
	}

	resuming := st.Status != state.StatusPlanning
	switch st.Status {
	case state.StatusPaused, state.StatusBlocked, state.StatusStopped:
		log.Info("resuming run", "from", string(st.Status))
		st.Status = state.StatusWorking
		if err := o.store.Save(st); err != nil {
			return ExitBlocked, err
		}
	}

	if st.Status == state.StatusPlanning {
		if code, done, err := o.planPhase(runCtx, ctx, st); done {
			return o.finish(st, code), err
		}
	}

	if resuming {
		if _, err := o.machine.Reconcile(runCtx, st); err != nil {
			code, err := o.handleError(ctx, st, err)
			return o.finish(st, code), err
		}
	}

	code, err := o.loop(runCtx, ctx, st)
	if st.Status == state.StatusSuccess {
		released = true
	}
	return o.finish(st, code), err
}

func (o *Orchestrator) finish(st *state.RunState, code ExitCode) ExitCode {
	o.metrics.exit(string(st.Status))
	o.logger.WithRun(st.RunID).Info("run finished", "status", string(st.Status), "exit_code", int(code),
		"sessions", st.SessionCount, "reason", o.Reason())
	o.events.Publish(event.NewRunFinishedEvent(st.RunID, string(st.Status), int(code), st.SessionCount, o.Reason()))
	return code
}

// loop steps the workflow until it halts. runCtx is canceled by an external
// pause or stop; parent is the caller's context.
func (o *Orchestrator) loop(runCtx, parent context.Context, st *state.RunState) (ExitCode, error) {
	for {
		if code, done := o.checkExternal(st); done {
			return code, nil
		}
		if parent.Err() != nil {
			return o.interrupt(st, "interrupted")
		}

		p, err := o.scheduler.Plan()
		if err != nil {
			return o.handleError(parent, st, err)
		}
		o.metrics.task(st.CurrentTaskIndex)

		if p.AllComplete() && st.WorkflowStage == state.StageWorking && st.CurrentPR == nil {
			return o.verify(runCtx, parent, st)
		}
		if st.SessionCapReached() {
			return o.block(st, fmt.Sprintf("max sessions (%d) reached", *st.Options.MaxSessions))
		}

		res, stepErr := o.machine.Step(runCtx, st)
		if res.SessionRan {
			if err := o.countSession(st, res.Usage, res.Output); err != nil {
				return o.fail(st, err)
			}
		}
		if stepErr != nil {
			return o.handleError(parent, st, stepErr)
		}

		switch res.Outcome {
		case workflow.Blocked:
			o.setReason(res.Reason)
			o.note(st, "Blocked", res.Reason)
			return ExitBlocked, nil
		case workflow.Paused:
			o.setReason(res.Reason)
			o.note(st, "Paused", res.Reason)
			return ExitPaused, nil
		case workflow.Done:
			return o.verify(runCtx, parent, st)
		}

		if o.monitor != nil {
			if abort, reason := o.monitor.ShouldAbort(); abort {
				return o.block(st, "progress monitor: "+reason)
			}
		}
	}
}

// checkExternal picks up a pause or stop written by another process.
func (o *Orchestrator) checkExternal(st *state.RunState) (ExitCode, bool) {
	ext := o.externalStatus()
	if ext == "" {
		onDisk, err := o.store.Load()
		if err == nil && (onDisk.Status == state.StatusPaused || onDisk.Status == state.StatusStopped) {
			ext = onDisk.Status
		}
	}
	if ext == "" {
		return 0, false
	}
	// A session that finished after the pause may have saved over it.
	st.Status = ext
	if err := o.store.Save(st); err != nil {
		o.logger.WithRun(st.RunID).Warn("failed to persist external status", "error", err)
	}
	o.setReason("run " + string(ext) + " from the control surface")
	o.logger.WithRun(st.RunID).Info("external status change", "status", string(ext))
	return ExitPaused, true
}

// countSession charges one engine invocation to the session budget and
// rewrites progress.md.
func (o *Orchestrator) countSession(st *state.RunState, usage engine.Usage, output string) error {
	st.SessionCount++
	if err := o.store.Save(st); err != nil {
		return err
	}
	o.metrics.session(usage)
	o.writeProgress(st, output)
	return nil
}

func (o *Orchestrator) writeProgress(st *state.RunState, output string) {
	tasks, err := o.scheduler.Tasks()
	if err != nil {
		return
	}
	tracker := progress.Tracker{
		Session:      st.SessionCount,
		CurrentIndex: st.CurrentTaskIndex,
		LatestOutput: strings.TrimSpace(output),
	}
	if o.monitor != nil {
		if sig, reason := o.monitor.Health(); sig != progress.SignalHealthy {
			tracker.Health = reason
			if sig == progress.SignalRegressing {
				o.logger.WithRun(st.RunID).Warn("progress regressing", "reason", reason)
			}
		}
	}
	for _, t := range tasks {
		tracker.Tasks = append(tracker.Tasks, progress.TaskLine{Description: t.Description, Complete: t.Complete})
	}
	if err := o.store.SaveProgress(tracker.Render()); err != nil {
		o.logger.Warn("failed to write progress", "error", err)
	}
}

// note appends a timestamped line to progress.md.
func (o *Orchestrator) note(st *state.RunState, title, reason string) {
	if err := o.store.AppendProgress(fmt.Sprintf("\n\n## %s\n\n%s", title, reason)); err != nil {
		o.logger.WithRun(st.RunID).Warn("failed to annotate progress", "error", err)
	}
}

// planPhase asks the engine for a plan when none exists yet.
func (o *Orchestrator) planPhase(runCtx, parent context.Context, st *state.RunState) (ExitCode, bool, error) {
	log := o.logger.WithRun(st.RunID).WithStage("planning")

	doc, err := o.store.LoadPlan()
	if err != nil {
		code, err := o.fail(st, err)
		return code, true, err
	}
	if strings.TrimSpace(doc) == "" {
		goal, err := o.store.LoadGoal()
		if err != nil {
			code, err := o.fail(st, err)
			return code, true, err
		}
		background, _ := o.store.LoadContext()

		log.Info("planning", "goal", goal)
		res, err := faultguard.Call(runCtx, o.guard, workflow.DependencyEngine, func(ctx context.Context) (engine.PlanningResult, error) {
			return o.engine.RunPlanningSession(ctx, goal, background)
		})
		if err != nil {
			code, err := o.handleError(parent, st, err)
			return code, true, err
		}
		if err := o.countSession(st, res.Usage, ""); err != nil {
			code, err := o.fail(st, err)
			return code, true, err
		}
		if err := o.store.SavePlan(res.Plan); err != nil {
			code, err := o.fail(st, err)
			return code, true, err
		}
		criteria := res.Criteria
		if strings.TrimSpace(criteria) == "" {
			criteria = engine.DefaultCriteria
		}
		if err := o.store.SaveCriteria(criteria); err != nil {
			code, err := o.fail(st, err)
			return code, true, err
		}
	}

	p, err := o.scheduler.Plan()
	if err != nil {
		code, err := o.fail(st, err)
		return code, true, err
	}
	if p.Len() == 0 {
		code, err := o.fail(st, tmerrors.ErrNoTasks)
		return code, true, err
	}
	log.Info("plan ready", "tasks", p.Len(), "groups", len(p.Groups()))
	o.events.Publish(event.NewPlanReadyEvent(st.RunID, p.Len(), len(p.Groups())))

	st.Status = state.StatusWorking
	if err := o.store.Save(st); err != nil {
		code, err := o.fail(st, err)
		return code, true, err
	}
	return 0, false, nil
}

// verify checks the success criteria once every task is complete.
func (o *Orchestrator) verify(runCtx, parent context.Context, st *state.RunState) (ExitCode, error) {
	log := o.logger.WithRun(st.RunID)
	criteria, _ := o.store.LoadCriteria()
	if strings.TrimSpace(criteria) == "" {
		criteria = engine.DefaultCriteria
	}
	summary, _ := o.store.LoadProgress()

	log.Info("verifying success criteria")
	v, err := faultguard.Call(runCtx, o.guard, workflow.DependencyEngine, func(ctx context.Context) (engine.Verification, error) {
		return o.engine.VerifySuccessCriteria(ctx, criteria, summary)
	})
	if err != nil {
		return o.handleError(parent, st, err)
	}
	st.SessionCount++
	o.metrics.session(v.Usage)

	if !v.Passed {
		o.note(st, "Verification failed", strings.TrimSpace(v.Details))
		return o.block(st, "success criteria not met")
	}

	st.Status = state.StatusSuccess
	if err := o.store.Save(st); err != nil {
		return o.fail(st, err)
	}
	if o.monitor != nil {
		log.Info("cost report\n" + o.monitor.Summary().CostReport())
	}
	if err := o.store.CleanupOnSuccess(st.RunID); err != nil {
		log.Warn("cleanup after success failed", "error", err)
	}
	return ExitSuccess, nil
}

// handleError maps a collaborator failure to a final status. Cancellation
// pauses, an open circuit or a stalled session blocks, and anything else
// (fatal errors and exhausted retries included) fails the run.
func (o *Orchestrator) handleError(parent context.Context, st *state.RunState, err error) (ExitCode, error) {
	if code, done := o.checkExternal(st); done {
		return code, nil
	}
	if parent.Err() != nil || tmerrors.Is(err, context.Canceled) {
		return o.interrupt(st, "interrupted")
	}
	if tmerrors.Is(err, tmerrors.ErrCircuitOpen) {
		return o.block(st, err.Error())
	}
	if tmerrors.Is(err, tmerrors.ErrSessionStalled) {
		return o.block(st, "progress monitor: "+err.Error())
	}
	return o.fail(st, err)
}

// interrupt pauses the run and snapshots its state.
func (o *Orchestrator) interrupt(st *state.RunState, reason string) (ExitCode, error) {
	o.setReason(reason)
	if st.Status == state.StatusWorking || st.Status == state.StatusPlanning {
		st.Status = state.StatusPaused
		if err := o.store.Save(st); err != nil {
			return ExitPaused, err
		}
	}
	o.backup(st)
	o.note(st, "Paused", reason)
	return ExitPaused, nil
}

// block sets status=blocked with reason.
func (o *Orchestrator) block(st *state.RunState, reason string) (ExitCode, error) {
	o.setReason(reason)
	o.logger.WithRun(st.RunID).Warn("run blocked", "reason", reason)
	st.Status = state.StatusBlocked
	if err := o.store.Save(st); err != nil {
		return ExitBlocked, err
	}
	o.note(st, "Blocked", reason)
	return ExitBlocked, nil
}

// fail sets status=failed and snapshots the state.
func (o *Orchestrator) fail(st *state.RunState, cause error) (ExitCode, error) {
	o.setReason(cause.Error())
	o.logger.WithRun(st.RunID).Error("run failed", "error", cause)
	st.Status = state.StatusFailed
	if err := o.store.SaveWithOptions(st, state.SaveOptions{SkipValidation: true}); err != nil {
		o.logger.Error("failed to persist failure", "error", err)
	}
	o.backup(st)
	return ExitBlocked, tmerrors.NewWorkflowError("run failed", cause).WithStage(string(st.WorkflowStage))
}

func (o *Orchestrator) backup(st *state.RunState) {
	path, err := o.store.CreateBackup()
	if err != nil {
		o.logger.WithRun(st.RunID).Warn("backup failed", "error", err)
		return
	}
	o.logger.WithRun(st.RunID).Info("state backed up", "path", path)
}

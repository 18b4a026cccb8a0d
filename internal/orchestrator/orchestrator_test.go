package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebyx07/claude-task-master-py-sub000/internal/engine"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/event"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/faultguard"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/githost"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/plan"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/progress"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/state"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/workflow"
)

const onePRPlan = `## Task List

### PR 1: Parser
- [ ] ` + "`[coding]`" + ` Add the tokenizer
- [ ] ` + "`[quick]`" + ` Wire the parser
`

type scriptedEngine struct {
	mu         sync.Mutex
	plan       string
	planErr    error
	workErr    error
	onWork     func(engine.WorkRequest)
	hang       func()
	passed     bool
	planCalls  int
	workCalls  int
	verifyArgs []string
}

func (e *scriptedEngine) RunPlanningSession(context.Context, string, string) (engine.PlanningResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.planCalls++
	if e.planErr != nil {
		return engine.PlanningResult{}, e.planErr
	}
	p, c := engine.SplitPlanningOutput(e.plan)
	return engine.PlanningResult{Plan: p, Criteria: c, Usage: engine.Usage{InputTokens: 100}}, nil
}

func (e *scriptedEngine) RunWorkSession(ctx context.Context, req engine.WorkRequest) (engine.WorkResult, error) {
	e.mu.Lock()
	e.workCalls++
	hook, hang, err := e.onWork, e.hang, e.workErr
	e.mu.Unlock()
	if err != nil {
		return engine.WorkResult{}, err
	}
	if hang != nil {
		hang()
		<-ctx.Done()
		return engine.WorkResult{}, ctx.Err()
	}
	if hook != nil {
		hook(req)
	}
	return engine.WorkResult{Output: "did " + req.Task[:10], Usage: engine.Usage{InputTokens: 10, OutputTokens: 20}}, nil
}

func (e *scriptedEngine) VerifySuccessCriteria(_ context.Context, criteria, _ string) (engine.Verification, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.verifyArgs = append(e.verifyArgs, criteria)
	return engine.Verification{Passed: e.passed, Details: "checked"}, nil
}

// happyHost opens change request 1 and reports it green and mergeable.
type happyHost struct {
	mu     sync.Mutex
	merged bool
}

func (h *happyHost) CreateChangeRequest(context.Context, githost.NewChangeRequest) (int, error) {
	return 1, nil
}

func (h *happyHost) GetStatus(_ context.Context, n int) (githost.Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := githost.Status{Number: n, State: githost.StateOpen, CheckState: githost.CheckSuccess, ChecksPassed: 2, Mergeable: githost.MergeableYes}
	if h.merged {
		s.State = githost.StateMerged
	}
	return s, nil
}

func (h *happyHost) Merge(context.Context, int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.merged = true
	return nil
}

func (h *happyHost) ListComments(context.Context, int, bool) ([]githost.Comment, error) {
	return nil, nil
}

func (h *happyHost) DetectChangeRequestForCurrentBranch(context.Context) (int, bool, error) {
	return 1, true, nil
}

func (h *happyHost) ReplyToThread(context.Context, int, string, string) error { return nil }
func (h *happyHost) ResolveThread(context.Context, string) error              { return nil }

func (h *happyHost) FailedCheckLogs(context.Context, int) (map[string]string, error) {
	return nil, nil
}

func (h *happyHost) RequestReviewers(context.Context, int) error { return nil }

// redHost reports a finished, failing check run on every poll.
type redHost struct {
	happyHost
}

func (h *redHost) GetStatus(_ context.Context, n int) (githost.Status, error) {
	return githost.Status{Number: n, State: githost.StateOpen, CheckState: githost.CheckFailure, ChecksFailed: 1, ChecksPassed: 1}, nil
}

func (h *redHost) FailedCheckLogs(context.Context, int) (map[string]string, error) {
	return map[string]string{"test": "FAIL TestParse"}, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store   *state.Store
	engine  *scriptedEngine
	host    *happyHost
	monitor *progress.Monitor
	orch    *Orchestrator
	metrics *Metrics
	events  []event.Event
}

func newFixture(t *testing.T, opts state.Options, planDoc string) *fixture {
	t.Helper()
	store := state.NewStore(filepath.Join(t.TempDir(), state.DefaultDirName))
	_, err := store.Initialize("ship the parser", "opus", opts)
	require.NoError(t, err)
	if planDoc != "" {
		require.NoError(t, store.SavePlan(planDoc))
	}

	f := &fixture{
		store:   store,
		engine:  &scriptedEngine{plan: onePRPlan + "\n## Success Criteria\n\nparser tests pass\n", passed: true},
		host:    &happyHost{},
		monitor: progress.NewMonitor(progress.DefaultConfig()),
	}
	f.wire(f.host, workflow.DefaultConfig())
	return f
}

// wire builds the machine and orchestrator around host and the fixture's
// monitor, replacing any earlier wiring.
func (f *fixture) wire(host githost.Host, cfg workflow.Config) {
	f.metrics = NewMetrics(prometheus.NewRegistry())
	f.events = nil
	noSleep := func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	guard := faultguard.NewGuard(faultguard.NewRegistry(), faultguard.WithGuardClock(time.Now, noSleep))
	sched := plan.NewScheduler(f.store)
	bus := event.NewBus(nil)
	bus.SubscribeAll(func(e event.Event) { f.events = append(f.events, e) })
	machine := workflow.New(f.store, sched, f.engine, host, guard,
		workflow.WithConfig(cfg),
		workflow.WithSleep(noSleep),
		workflow.WithMonitor(f.monitor),
		workflow.WithEvents(bus),
	)
	f.orch = New(f.store, sched, f.engine, guard, machine,
		WithMetrics(f.metrics),
		WithEvents(bus),
		WithMonitor(f.monitor),
	)
}

func TestRun_PlansWorksMergesAndSucceeds(t *testing.T) {
	f := newFixture(t, state.DefaultOptions(), "")

	code, err := f.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, code)

	assert.Equal(t, 1, f.engine.planCalls)
	assert.Equal(t, 2, f.engine.workCalls)
	assert.Equal(t, []string{"parser tests pass"}, f.engine.verifyArgs)
	assert.True(t, f.host.merged)

	// Everything but the logs is removed after success.
	assert.False(t, f.store.Exists())
	_, err = os.Stat(filepath.Join(f.store.Dir(), state.LogsDirName))
	assert.NoError(t, err)
	assert.False(t, f.store.IsSessionActive())

	assert.Equal(t, float64(4), promtest.ToFloat64(f.metrics.Sessions))
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.Exits.WithLabelValues("success")))

	var types []string
	for _, e := range f.events {
		types = append(types, e.EventType())
	}
	assert.Equal(t, event.TypePlanReady, types[0])
	assert.Contains(t, types, event.TypePRDetected)
	assert.Contains(t, types, event.TypePRMerged)
	assert.Equal(t, 2, countOf(types, event.TypeTaskStarted))
	assert.Equal(t, 2, countOf(types, event.TypeTaskDone))
	finished, ok := f.events[len(f.events)-1].(event.RunFinishedEvent)
	require.True(t, ok)
	assert.Equal(t, "success", finished.Status)
	assert.Equal(t, 0, finished.ExitCode)
}

func countOf(items []string, want string) int {
	n := 0
	for _, item := range items {
		if item == want {
			n++
		}
	}
	return n
}

func TestRun_EndlessCIFailureBlocksOnLoop(t *testing.T) {
	f := newFixture(t, state.DefaultOptions(), onePRPlan)
	f.wire(&redHost{}, workflow.DefaultConfig())

	code, err := f.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitBlocked, code)
	assert.Equal(t, "progress monitor: loop detected: task 2 attempted 4 times", f.orch.Reason())
	// Two task sessions, then CI fixes until the fourth attempt on task 2.
	assert.Equal(t, 5, f.engine.workCalls)

	st, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, state.StatusBlocked, st.Status)
	assert.Equal(t, state.StageWaitingCI, st.WorkflowStage)
	assert.Equal(t, 5, st.SessionCount)

	doc, err := f.store.LoadProgress()
	require.NoError(t, err)
	assert.Contains(t, doc, "loop detected")
}

const twoPRPlan = `### PR 1: Lexer
- [ ] ` + "`[coding]`" + ` Add the tokenizer

### PR 2: Parser
- [ ] ` + "`[coding]`" + ` Parse expressions
- [ ] ` + "`[quick]`" + ` Parse statements
`

func TestRun_ReopenedTaskReportsRegressing(t *testing.T) {
	f := newFixture(t, state.DefaultOptions(), twoPRPlan)
	f.engine.passed = false
	f.engine.onWork = func(req engine.WorkRequest) {
		if !strings.Contains(req.Task, "Parse expressions") {
			return
		}
		// The operator reopens the first task while the second group runs.
		doc, err := f.store.LoadPlan()
		require.NoError(t, err)
		require.NoError(t, f.store.SavePlan(strings.Replace(doc, "- [x] `[coding]` Add the tokenizer", "- [ ] `[coding]` Add the tokenizer", 1)))
	}

	code, err := f.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitBlocked, code)
	assert.Equal(t, "success criteria not met", f.orch.Reason())
	assert.Equal(t, 4, f.engine.workCalls)

	sig, reason := f.monitor.Health()
	assert.Equal(t, progress.SignalRegressing, sig)
	assert.Equal(t, "regressing: task 1 is behind last progress at task 4", reason)

	doc, err := f.store.LoadProgress()
	require.NoError(t, err)
	assert.Contains(t, doc, "**Health:** regressing: task 1 is behind last progress at task 4")
}

func TestRun_OverrunningSessionBlocks(t *testing.T) {
	f := newFixture(t, state.DefaultOptions(), onePRPlan)
	clock := &testClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	f.monitor = progress.NewMonitor(progress.DefaultConfig(), progress.WithClock(clock.Now))
	cfg := workflow.DefaultConfig()
	cfg.WatchInterval = time.Millisecond
	f.wire(f.host, cfg)
	f.engine.hang = func() { clock.Advance(31 * time.Minute) }

	code, err := f.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitBlocked, code)
	assert.Contains(t, f.orch.Reason(), "session exceeded 1800 seconds")
	assert.Equal(t, 1, f.engine.workCalls)

	st, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, state.StatusBlocked, st.Status)
	assert.Equal(t, 1, st.SessionCount)

	sessions := f.monitor.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, progress.OutcomeInterrupted, sessions[0].Outcome)
}

func TestRun_VerificationFailureBlocks(t *testing.T) {
	f := newFixture(t, state.DefaultOptions(), "")
	f.engine.passed = false

	code, err := f.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitBlocked, code)
	assert.Equal(t, "success criteria not met", f.orch.Reason())

	st, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, state.StatusBlocked, st.Status)

	doc, err := f.store.LoadProgress()
	require.NoError(t, err)
	assert.Contains(t, doc, "Verification failed")
}

func TestRun_MaxSessionsBlocks(t *testing.T) {
	opts := state.DefaultOptions()
	one := 1
	opts.MaxSessions = &one
	f := newFixture(t, opts, "")

	code, err := f.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitBlocked, code)
	assert.Contains(t, f.orch.Reason(), "max sessions")
	assert.Equal(t, 0, f.engine.workCalls)

	st, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, state.StatusBlocked, st.Status)
	assert.Equal(t, 1, st.SessionCount)
}

func TestRun_CanceledContextPausesWithBackup(t *testing.T) {
	f := newFixture(t, state.DefaultOptions(), onePRPlan)
	ctx, cancel := context.WithCancel(context.Background())
	f.engine.onWork = func(engine.WorkRequest) { cancel() }

	code, err := f.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExitPaused, code)

	st, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, state.StatusPaused, st.Status)
	assert.NotEmpty(t, f.store.Backups().List())
	assert.False(t, f.store.IsSessionActive())
}

func TestRun_FatalErrorFails(t *testing.T) {
	f := newFixture(t, state.DefaultOptions(), onePRPlan)
	f.engine.workErr = errors.New("401 unauthorized: invalid api key")

	code, err := f.orch.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, ExitBlocked, code)
	var fatal *faultguard.FatalError
	assert.ErrorAs(t, err, &fatal)

	st, loadErr := f.store.Load()
	require.NoError(t, loadErr)
	assert.Equal(t, state.StatusFailed, st.Status)
	assert.NotEmpty(t, f.store.Backups().List())
	assert.Equal(t, 1, f.engine.workCalls)
}

func TestRun_RepeatedFailuresFail(t *testing.T) {
	f := newFixture(t, state.DefaultOptions(), onePRPlan)
	f.engine.workErr = errors.New("connection reset by peer")

	code, err := f.orch.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, ExitBlocked, code)
	var tooMany *faultguard.ConsecutiveFailuresError
	assert.ErrorAs(t, err, &tooMany)
	assert.Equal(t, 3, f.engine.workCalls)
}

func TestRun_EmptyPlanFails(t *testing.T) {
	f := newFixture(t, state.DefaultOptions(), "")
	f.engine.plan = "nothing to do"

	code, err := f.orch.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, ExitBlocked, code)
	st, loadErr := f.store.Load()
	require.NoError(t, loadErr)
	assert.Equal(t, state.StatusFailed, st.Status)
}

func TestRun_PauseFromAnotherProcess(t *testing.T) {
	f := newFixture(t, state.DefaultOptions(), onePRPlan)
	f.engine.onWork = func(engine.WorkRequest) {
		control := state.NewStore(f.store.Dir())
		st, err := control.Load()
		require.NoError(t, err)
		st.Status = state.StatusPaused
		require.NoError(t, control.Save(st))
	}

	code, err := f.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitPaused, code)
	assert.Equal(t, 1, f.engine.workCalls)

	st, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, state.StatusPaused, st.Status)
	assert.Equal(t, 1, st.CurrentTaskIndex, "progress made by the session is kept")
}

func TestRun_ResumeReconcilesWithHost(t *testing.T) {
	f := newFixture(t, state.DefaultOptions(), onePRPlan)
	st, err := f.store.Load()
	require.NoError(t, err)
	st.Status = state.StatusWorking
	require.NoError(t, f.store.Save(st))
	st.Status = state.StatusPaused
	st.WorkflowStage = state.StageWaitingCI
	st.CurrentTaskIndex = 1
	st.SetPR(1)
	require.NoError(t, f.store.Save(st))
	require.NoError(t, f.store.SavePlan(strings.ReplaceAll(onePRPlan, "- [ ]", "- [x]")))
	f.host.merged = true

	code, err := f.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, code)
	assert.Equal(t, 0, f.engine.workCalls)
}

func TestRun_TerminalStatusIsNoop(t *testing.T) {
	f := newFixture(t, state.DefaultOptions(), onePRPlan)
	st, err := f.store.Load()
	require.NoError(t, err)
	st.Status = state.StatusFailed
	require.NoError(t, f.store.Save(st))

	code, err := f.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitBlocked, code)
	assert.Equal(t, 0, f.engine.workCalls)
}

func TestRun_LockHeldElsewhere(t *testing.T) {
	f := newFixture(t, state.DefaultOptions(), onePRPlan)
	other := state.NewStore(f.store.Dir())
	require.NoError(t, other.AcquireSessionLock("other"))
	defer func() { _ = other.ReleaseSessionLock() }()

	code, err := f.orch.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, ExitBlocked, code)
	assert.Equal(t, 0, f.engine.planCalls)
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		status state.Status
		want   ExitCode
	}{
		{state.StatusSuccess, ExitSuccess},
		{state.StatusBlocked, ExitBlocked},
		{state.StatusFailed, ExitBlocked},
		{state.StatusPaused, ExitPaused},
		{state.StatusStopped, ExitPaused},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExitCodeFor(tt.status), string(tt.status))
	}
}

package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebyx07/claude-task-master-py-sub000/internal/engine"
	tmerrors "github.com/sebyx07/claude-task-master-py-sub000/internal/errors"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/faultguard"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/githost"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/plan"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/progress"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/state"
)

const twoGroupPlan = `# Plan

### PR 1: Parser
- [ ] ` + "`[coding]`" + ` Add the tokenizer
- [ ] ` + "`[quick]`" + ` Wire the parser

### PR 2: Docs
- [ ] ` + "`[general]`" + ` Document the grammar
`

type fakeEngine struct {
	mu    sync.Mutex
	reqs  []engine.WorkRequest
	err   error
	onRun func(engine.WorkRequest)
}

func (e *fakeEngine) RunPlanningSession(context.Context, string, string) (engine.PlanningResult, error) {
	return engine.PlanningResult{}, nil
}

func (e *fakeEngine) RunWorkSession(_ context.Context, req engine.WorkRequest) (engine.WorkResult, error) {
	e.mu.Lock()
	e.reqs = append(e.reqs, req)
	hook, err := e.onRun, e.err
	e.mu.Unlock()
	if err != nil {
		return engine.WorkResult{}, err
	}
	if hook != nil {
		hook(req)
	}
	return engine.WorkResult{Output: "done", Usage: engine.Usage{InputTokens: 10, OutputTokens: 5, APICalls: 1}}, nil
}

func (e *fakeEngine) VerifySuccessCriteria(context.Context, string, string) (engine.Verification, error) {
	return engine.Verification{Passed: true}, nil
}

func (e *fakeEngine) requests() []engine.WorkRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.WorkRequest(nil), e.reqs...)
}

type fakeHost struct {
	mu         sync.Mutex
	detected   int
	status     githost.Status
	statusErr  error
	comments   []githost.Comment
	logs       map[string]string
	mergeErr   error
	merged     []int
	replies    map[string]string
	replyErr   error
	resolved   []string
	reviewReqs []int
}

func newFakeHost() *fakeHost {
	return &fakeHost{replies: make(map[string]string)}
}

func (h *fakeHost) CreateChangeRequest(context.Context, githost.NewChangeRequest) (int, error) {
	return 0, errors.New("not used")
}

func (h *fakeHost) GetStatus(_ context.Context, n int) (githost.Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.status
	s.Number = n
	if s.State == "" {
		s.State = githost.StateOpen
	}
	return s, h.statusErr
}

func (h *fakeHost) setStatus(s githost.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = s
}

func (h *fakeHost) Merge(_ context.Context, n int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mergeErr != nil {
		return h.mergeErr
	}
	h.merged = append(h.merged, n)
	return nil
}

func (h *fakeHost) ListComments(_ context.Context, _ int, onlyUnresolved bool) ([]githost.Comment, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []githost.Comment
	for _, c := range h.comments {
		if onlyUnresolved && c.Resolved {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (h *fakeHost) DetectChangeRequestForCurrentBranch(context.Context) (int, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.detected, h.detected != 0, nil
}

func (h *fakeHost) ReplyToThread(_ context.Context, _ int, threadID, body string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.replyErr != nil {
		return h.replyErr
	}
	h.replies[threadID] = body
	return nil
}

func (h *fakeHost) ResolveThread(_ context.Context, threadID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resolved = append(h.resolved, threadID)
	return nil
}

func (h *fakeHost) FailedCheckLogs(context.Context, int) (map[string]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.logs, nil
}

func (h *fakeHost) RequestReviewers(_ context.Context, n int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reviewReqs = append(h.reviewReqs, n)
	return nil
}

type fakeRepo struct {
	branch    string
	checkouts []string
	err       error
}

func (r *fakeRepo) CurrentBranch(context.Context) (string, error) { return r.branch, nil }

func (r *fakeRepo) CheckoutBase(_ context.Context, branch string) error {
	if r.err != nil {
		return r.err
	}
	r.checkouts = append(r.checkouts, branch)
	r.branch = branch
	return nil
}

type harness struct {
	store  *state.Store
	sched  *plan.Scheduler
	engine *fakeEngine
	host   *fakeHost
	repo   *fakeRepo
	m      *Machine
	st     *state.RunState
	slept  []time.Duration
}

func newHarness(t *testing.T, doc string, opts state.Options) *harness {
	t.Helper()
	store := state.NewStore(filepath.Join(t.TempDir(), state.DefaultDirName))
	st, err := store.Initialize("ship the parser", "opus", opts)
	require.NoError(t, err)
	require.NoError(t, store.SavePlan(doc))
	st.Status = state.StatusWorking
	require.NoError(t, store.Save(st))

	h := &harness{
		store:  store,
		sched:  plan.NewScheduler(store),
		engine: &fakeEngine{},
		host:   newFakeHost(),
		repo:   &fakeRepo{branch: "feat/parser"},
		st:     st,
	}
	h.rewire()
	return h
}

// rewire rebuilds the machine with extra options.
func (h *harness) rewire(opts ...Option) {
	sleep := func(ctx context.Context, d time.Duration) error {
		h.slept = append(h.slept, d)
		return ctx.Err()
	}
	noSleep := func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	guard := faultguard.NewGuard(faultguard.NewRegistry(), faultguard.WithGuardClock(time.Now, noSleep))
	base := []Option{WithRepository(h.repo), WithSleep(sleep)}
	h.m = New(h.store, h.sched, h.engine, h.host, guard, append(base, opts...)...)
}

func (h *harness) step(t *testing.T) Result {
	t.Helper()
	res, err := h.m.Step(context.Background(), h.st)
	require.NoError(t, err)
	return res
}

func (h *harness) reload(t *testing.T) *state.RunState {
	t.Helper()
	st, err := h.store.Load()
	require.NoError(t, err)
	return st
}

func TestStep_UnknownStage(t *testing.T) {
	h := newHarness(t, twoGroupPlan, state.DefaultOptions())
	h.st.WorkflowStage = "limbo"
	_, err := h.m.Step(context.Background(), h.st)
	assert.Error(t, err)
}

func TestStep_EngineErrorLeavesStage(t *testing.T) {
	h := newHarness(t, twoGroupPlan, state.DefaultOptions())
	h.engine.err = errors.New("401 unauthorized")

	res, err := h.m.Step(context.Background(), h.st)
	require.Error(t, err)
	var fatal *faultguard.FatalError
	assert.ErrorAs(t, err, &fatal)
	assert.True(t, res.SessionRan)
	assert.Equal(t, state.StageWorking, h.reload(t).WorkflowStage)

	p, err := h.sched.Plan()
	require.NoError(t, err)
	assert.Equal(t, 0, p.CompletedCount())
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "continue", Continue.String())
	assert.Equal(t, "blocked", Blocked.String())
	assert.Equal(t, "paused", Paused.String())
	assert.Equal(t, "done", Done.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}

func TestNew_NormalizesConfig(t *testing.T) {
	m := New(nil, nil, nil, nil, nil, WithConfig(Config{}))
	assert.Equal(t, 1, m.cfg.MergeablePollAttempts)
	assert.Equal(t, "main", m.cfg.TargetBranch)
	assert.Equal(t, DefaultConfig().WatchInterval, m.cfg.WatchInterval)
}

type hangingEngine struct {
	fakeEngine
	started chan struct{}
}

func (e *hangingEngine) RunWorkSession(ctx context.Context, _ engine.WorkRequest) (engine.WorkResult, error) {
	close(e.started)
	<-ctx.Done()
	return engine.WorkResult{}, ctx.Err()
}

func TestRunEngine_OverrunCancelsSession(t *testing.T) {
	h := newHarness(t, twoGroupPlan, state.DefaultOptions())
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	var (
		mu  sync.Mutex
		now = start
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	mon := progress.NewMonitor(progress.DefaultConfig(), progress.WithClock(clock))
	eng := &hangingEngine{started: make(chan struct{})}
	go func() {
		<-eng.started
		mu.Lock()
		now = now.Add(31 * time.Minute)
		mu.Unlock()
	}()

	cfg := DefaultConfig()
	cfg.WatchInterval = time.Millisecond
	noSleep := func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	guard := faultguard.NewGuard(faultguard.NewRegistry(), faultguard.WithGuardClock(time.Now, noSleep))
	m := New(h.store, h.sched, eng, h.host, guard, WithConfig(cfg), WithMonitor(mon), WithSleep(noSleep))

	res, err := m.Step(context.Background(), h.st)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tmerrors.ErrSessionStalled))
	assert.False(t, errors.Is(err, context.Canceled))
	assert.True(t, res.SessionRan)
	assert.Equal(t, state.StageWorking, h.reload(t).WorkflowStage)

	sessions := mon.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, progress.OutcomeInterrupted, sessions[0].Outcome)
	assert.Equal(t, 1, sessions[0].Errors)
}

func TestRunEngine_CallerCancelIsNotAStall(t *testing.T) {
	h := newHarness(t, twoGroupPlan, state.DefaultOptions())
	mon := progress.NewMonitor(progress.DefaultConfig())
	eng := &hangingEngine{started: make(chan struct{})}
	noSleep := func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	guard := faultguard.NewGuard(faultguard.NewRegistry(), faultguard.WithGuardClock(time.Now, noSleep))
	m := New(h.store, h.sched, eng, h.host, guard, WithMonitor(mon), WithSleep(noSleep))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-eng.started
		cancel()
	}()
	_, err := m.Step(ctx, h.st)
	require.Error(t, err)
	assert.False(t, errors.Is(err, tmerrors.ErrSessionStalled))
	assert.Equal(t, progress.OutcomeCanceled, mon.Sessions()[0].Outcome)
}

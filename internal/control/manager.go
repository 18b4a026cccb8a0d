// Package control implements the operator control surface: start a run,
// pause, stop, resume, change options and read status. None of these run the
// work loop; they only read and mutate the persisted run state.
package control

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tmerrors "github.com/sebyx07/claude-task-master-py-sub000/internal/errors"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/logging"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/plan"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/state"
)

// Operation names.
const (
	OpInitialize    = "initialize"
	OpPause         = "pause"
	OpStop          = "stop"
	OpResume        = "resume"
	OpUpdateOptions = "update_config"
	OpStatus        = "get_status"
)

var (
	pausable  = []state.Status{state.StatusPlanning, state.StatusWorking}
	stoppable = []state.Status{state.StatusPlanning, state.StatusWorking, state.StatusBlocked, state.StatusPaused}
	resumable = []state.Status{state.StatusPaused, state.StatusBlocked, state.StatusStopped, state.StatusWorking}
)

// Result describes the outcome of a control operation.
type Result struct {
	Success        bool           `json:"success" yaml:"success"`
	Operation      string         `json:"operation" yaml:"operation"`
	PreviousStatus state.Status   `json:"previous_status,omitempty" yaml:"previous_status,omitempty"`
	NewStatus      state.Status   `json:"new_status,omitempty" yaml:"new_status,omitempty"`
	Message        string         `json:"message" yaml:"message"`
	Details        map[string]any `json:"details,omitempty" yaml:"details,omitempty"`
}

// NotAllowedError is returned when an operation is invalid for the current
// status.
type NotAllowedError struct {
	Operation string
	Status    state.Status
	Allowed   []state.Status
}

func (e *NotAllowedError) Error() string {
	names := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		names[i] = string(s)
	}
	sort.Strings(names)
	return fmt.Sprintf("cannot %s task in current state (status %s, allowed: %s)",
		e.Operation, e.Status, strings.Join(names, ", "))
}

// Is matches ErrInvalidTransition.
func (e *NotAllowedError) Is(target error) bool {
	return target == tmerrors.ErrInvalidTransition
}

// Option configures a Manager.
type Option func(*Manager)

// WithShutdown sets the function Stop calls to interrupt a run in this
// process.
func WithShutdown(fn func(reason string)) Option {
	return func(m *Manager) { m.shutdown = fn }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(l).WithComponent("control") }
}

// Manager performs control operations against a state store.
type Manager struct {
	store    *state.Store
	shutdown func(reason string)
	logger   *logging.Logger
}

// NewManager creates a Manager for store.
func NewManager(store *state.Store, opts ...Option) *Manager {
	m := &Manager{store: store, logger: logging.NopLogger()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func contains(list []state.Status, s state.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// load returns the run state, failing with ErrStateNotFound when no run has
// been started.
func (m *Manager) load(op string) (*state.RunState, error) {
	if !m.store.Exists() {
		return nil, tmerrors.NewNotFoundError("run", m.store.Dir()).
			WithCause(fmt.Errorf("cannot %s: no active task found, initialize one with start: %w", op, tmerrors.ErrStateNotFound))
	}
	return m.store.Load()
}

func (m *Manager) annotate(title, body string) {
	if err := m.store.AppendProgress(fmt.Sprintf("\n\n## %s\n\n%s", title, body)); err != nil {
		m.logger.Warn("failed to annotate progress", "error", err)
	}
}

// InitializeRun creates a new run. It fails when one already exists.
func (m *Manager) InitializeRun(goal, model string, opts state.Options) (Result, error) {
	if strings.TrimSpace(goal) == "" {
		return Result{}, tmerrors.NewValidationError("goal must not be empty").WithField("goal")
	}
	st, err := m.store.Initialize(goal, model, opts)
	if err != nil {
		return Result{}, err
	}
	m.logger.Info("run initialized", "run_id", st.RunID)
	return Result{
		Success:   true,
		Operation: OpInitialize,
		NewStatus: st.Status,
		Message:   "Task initialized (run " + st.RunID + ")",
		Details:   map[string]any{"run_id": st.RunID, "model": model},
	}, nil
}

// Pause moves a planning or working run to paused.
func (m *Manager) Pause(reason string) (Result, error) {
	st, err := m.load(OpPause)
	if err != nil {
		return Result{}, err
	}
	prev := st.Status
	if !contains(pausable, prev) {
		return Result{}, &NotAllowedError{Operation: OpPause, Status: prev, Allowed: pausable}
	}
	st.Status = state.StatusPaused
	if err := m.store.Save(st); err != nil {
		return Result{}, err
	}
	res := Result{
		Success:        true,
		Operation:      OpPause,
		PreviousStatus: prev,
		NewStatus:      state.StatusPaused,
		Message:        fmt.Sprintf("Task paused successfully (was %s)", prev),
	}
	if reason != "" {
		m.annotate("Paused", "Reason: "+reason)
		res.Details = map[string]any{"reason": reason}
	}
	return res, nil
}

// Stop moves a non-terminal run to stopped and interrupts a run in this
// process. With cleanup, the state directory is cleared except for logs.
func (m *Manager) Stop(reason string, cleanup bool) (Result, error) {
	st, err := m.load(OpStop)
	if err != nil {
		return Result{}, err
	}
	prev := st.Status
	if !contains(stoppable, prev) {
		return Result{}, &NotAllowedError{Operation: OpStop, Status: prev, Allowed: stoppable}
	}

	if m.shutdown != nil {
		r := reason
		if r == "" {
			r = "stop requested"
		}
		m.shutdown(r)
	}

	st.Status = state.StatusStopped
	if err := m.store.Save(st); err != nil {
		return Result{}, err
	}
	if reason != "" {
		m.annotate("Stopped", "Reason: "+reason)
	}
	if cleanup {
		if err := m.store.CleanupOnSuccess(st.RunID); err != nil {
			return Result{}, err
		}
	}
	return Result{
		Success:        true,
		Operation:      OpStop,
		PreviousStatus: prev,
		NewStatus:      state.StatusStopped,
		Message:        fmt.Sprintf("Task stopped successfully (was %s)", prev),
		Details:        map[string]any{"reason": reason, "cleanup": cleanup},
	}, nil
}

// Resume moves a paused, blocked or stopped run back to working. A finished
// run is left untouched.
func (m *Manager) Resume() (Result, error) {
	st, err := m.load(OpResume)
	if err != nil {
		return Result{}, err
	}
	prev := st.Status
	switch prev {
	case state.StatusSuccess:
		return Result{
			Success:        true,
			Operation:      OpResume,
			PreviousStatus: prev,
			NewStatus:      prev,
			Message:        "Task already completed successfully; nothing to resume",
		}, nil
	case state.StatusFailed:
		return Result{
			Operation:      OpResume,
			PreviousStatus: prev,
			NewStatus:      prev,
			Message:        "Task has failed and cannot be resumed; clean up and start a new run",
		}, nil
	}
	if !contains(resumable, prev) {
		return Result{}, &NotAllowedError{Operation: OpResume, Status: prev, Allowed: resumable}
	}

	st.Status = state.StatusWorking
	if err := m.store.Save(st); err != nil {
		return Result{}, err
	}
	m.annotate("Resumed", fmt.Sprintf("Resumed from %s status.", prev))
	return Result{
		Success:        true,
		Operation:      OpResume,
		PreviousStatus: prev,
		NewStatus:      state.StatusWorking,
		Message:        fmt.Sprintf("Task resumed successfully (was %s)", prev),
	}, nil
}

// UpdateOptions applies patch to the run options.
func (m *Manager) UpdateOptions(patch state.OptionsPatch) (Result, error) {
	if _, err := m.load(OpUpdateOptions); err != nil {
		return Result{}, err
	}
	changed, err := m.store.UpdateOptions(patch)
	if err != nil {
		return Result{}, err
	}
	st, err := m.store.Load()
	if err != nil {
		return Result{}, err
	}

	msg := "No configuration changes needed"
	if len(changed) > 0 {
		keys := make([]string, 0, len(changed))
		for k := range changed {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s=%v", k, formatValue(changed[k]))
		}
		msg = "Configuration updated: " + strings.Join(parts, ", ")
	}
	return Result{
		Success:        true,
		Operation:      OpUpdateOptions,
		PreviousStatus: st.Status,
		NewStatus:      st.Status,
		Message:        msg,
		Details:        map[string]any{"updated": changed, "current": st.Options},
	}, nil
}

func formatValue(v any) any {
	if v == nil {
		return "none"
	}
	return v
}

// Status is a snapshot of the run for display.
type Status struct {
	Goal             string        `json:"goal" yaml:"goal"`
	Status           state.Status  `json:"status" yaml:"status"`
	WorkflowStage    state.Stage   `json:"workflow_stage" yaml:"workflow_stage"`
	CurrentTaskIndex int           `json:"current_task_index" yaml:"current_task_index"`
	SessionCount     int           `json:"session_count" yaml:"session_count"`
	CurrentPR        *int          `json:"current_pr" yaml:"current_pr"`
	Model            string        `json:"model" yaml:"model"`
	RunID            string        `json:"run_id" yaml:"run_id"`
	CreatedAt        time.Time     `json:"created_at" yaml:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at" yaml:"updated_at"`
	Options          state.Options `json:"options" yaml:"options"`
	TasksCompleted   int           `json:"tasks_completed" yaml:"tasks_completed"`
	TasksTotal       int           `json:"tasks_total" yaml:"tasks_total"`
	Tasks            []plan.Task   `json:"tasks,omitempty" yaml:"tasks,omitempty"`
}

// Progress renders completed/total.
func (s Status) Progress() string {
	if s.TasksTotal == 0 {
		return "No tasks"
	}
	return fmt.Sprintf("%d/%d", s.TasksCompleted, s.TasksTotal)
}

// GetStatus reads the run state and plan.
func (m *Manager) GetStatus() (Result, Status, error) {
	st, err := m.load(OpStatus)
	if err != nil {
		return Result{}, Status{}, err
	}
	goal, _ := m.store.LoadGoal()
	doc, _ := m.store.LoadPlan()
	p := plan.Parse(doc)

	snap := Status{
		Goal:             goal,
		Status:           st.Status,
		WorkflowStage:    st.WorkflowStage,
		CurrentTaskIndex: st.CurrentTaskIndex,
		SessionCount:     st.SessionCount,
		CurrentPR:        st.CurrentPR,
		Model:            st.Model,
		RunID:            st.RunID,
		CreatedAt:        st.CreatedAt,
		UpdatedAt:        st.UpdatedAt,
		Options:          st.Options,
		TasksCompleted:   p.CompletedCount(),
		TasksTotal:       p.Len(),
		Tasks:            p.Tasks(),
	}
	return Result{
		Success:        true,
		Operation:      OpStatus,
		PreviousStatus: st.Status,
		NewStatus:      st.Status,
		Message:        fmt.Sprintf("Task is %s", st.Status),
		Details: map[string]any{
			"status":         st.Status,
			"workflow_stage": st.WorkflowStage,
			"progress":       snap.Progress(),
		},
	}, snap, nil
}

// CanPause reports whether Pause would succeed.
func (m *Manager) CanPause() bool { return m.statusIn(pausable) }

// CanStop reports whether Stop would succeed.
func (m *Manager) CanStop() bool { return m.statusIn(stoppable) }

// CanResume reports whether Resume would change the status.
func (m *Manager) CanResume() bool { return m.statusIn(resumable) }

func (m *Manager) statusIn(list []state.Status) bool {
	if !m.store.Exists() {
		return false
	}
	st, err := m.store.Load()
	if err != nil {
		return false
	}
	return contains(list, st.Status)
}

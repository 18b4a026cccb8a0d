// Package state persists the run record of a taskmaster run: the RunState
// JSON document, the text artifacts the engine reads (goal, criteria, plan,
// progress, context), timestamped backups, per-change-request context and the
// advisory session lock. All writes stay inside one state directory.
package state

import (
	"fmt"
	"time"
)

// DefaultDirName is the state directory created in the working directory.
const DefaultDirName = ".claude-task-master"

// RunIDFormat is the time layout used for run identifiers.
const RunIDFormat = "20060102-150405"

// Status is the top-level lifecycle of a run.
type Status string

const (
	StatusPlanning Status = "planning"
	StatusWorking  Status = "working"
	StatusPaused   Status = "paused"
	StatusBlocked  Status = "blocked"
	StatusStopped  Status = "stopped"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPlanning, StatusWorking, StatusPaused, StatusBlocked,
		StatusStopped, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// Stage is the change-request sub-state while a run is working.
type Stage string

const (
	StageWorking           Stage = "working"
	StagePRCreated         Stage = "pr_created"
	StageWaitingCI         Stage = "waiting_ci"
	StageCIFailed          Stage = "ci_failed"
	StageWaitingReviews    Stage = "waiting_reviews"
	StageAddressingReviews Stage = "addressing_reviews"
	StageReadyToMerge      Stage = "ready_to_merge"
	StageMerged            Stage = "merged"
)

// Valid reports whether s is a known workflow stage.
func (s Stage) Valid() bool {
	switch s {
	case StageWorking, StagePRCreated, StageWaitingCI, StageCIFailed,
		StageWaitingReviews, StageAddressingReviews, StageReadyToMerge, StageMerged:
		return true
	}
	return false
}

// Options is the run configuration embedded in RunState. It can be changed
// while a run is paused or working through UpdateOptions.
type Options struct {
	AutoMerge           bool   `json:"auto_merge"`
	MaxSessions         *int   `json:"max_sessions"`
	PauseOnPR           bool   `json:"pause_on_pr"`
	EnableCheckpointing bool   `json:"enable_checkpointing"`
	LogLevel            string `json:"log_level"`
	LogFormat           string `json:"log_format"`
	PRPerTask           bool   `json:"pr_per_task"`
}

// DefaultOptions returns the options used when none are supplied.
func DefaultOptions() Options {
	return Options{
		AutoMerge: true,
		LogLevel:  "normal",
		LogFormat: "text",
	}
}

// OptionsPatch is a partial update of Options. Nil fields are left unchanged.
// ClearMaxSessions removes the session cap.
type OptionsPatch struct {
	AutoMerge           *bool
	MaxSessions         *int
	ClearMaxSessions    bool
	PauseOnPR           *bool
	EnableCheckpointing *bool
	LogLevel            *string
	LogFormat           *string
	PRPerTask           *bool
}

// Empty reports whether the patch changes nothing.
func (p OptionsPatch) Empty() bool {
	return p.AutoMerge == nil && p.MaxSessions == nil && !p.ClearMaxSessions &&
		p.PauseOnPR == nil && p.EnableCheckpointing == nil && p.LogLevel == nil &&
		p.LogFormat == nil && p.PRPerTask == nil
}

// RunState is the single durable record of a run.
type RunState struct {
	Status           Status    `json:"status"`
	WorkflowStage    Stage     `json:"workflow_stage"`
	CurrentTaskIndex int       `json:"current_task_index"`
	CurrentPR        *int      `json:"current_pr"`
	SessionCount     int       `json:"session_count"`
	RunID            string    `json:"run_id"`
	Model            string    `json:"model"`
	Options          Options   `json:"options"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Validate checks the structural invariants of a decoded state.
func (s *RunState) Validate() error {
	if !s.Status.Valid() {
		return fmt.Errorf("unknown status %q", s.Status)
	}
	if s.WorkflowStage != "" && !s.WorkflowStage.Valid() {
		return fmt.Errorf("unknown workflow stage %q", s.WorkflowStage)
	}
	if s.CurrentTaskIndex < 0 {
		return fmt.Errorf("negative task index %d", s.CurrentTaskIndex)
	}
	if s.SessionCount < 0 {
		return fmt.Errorf("negative session count %d", s.SessionCount)
	}
	if s.RunID == "" {
		return fmt.Errorf("missing run id")
	}
	return nil
}

// Clone returns a deep copy of s.
func (s *RunState) Clone() *RunState {
	c := *s
	if s.CurrentPR != nil {
		pr := *s.CurrentPR
		c.CurrentPR = &pr
	}
	if s.Options.MaxSessions != nil {
		n := *s.Options.MaxSessions
		c.Options.MaxSessions = &n
	}
	return &c
}

// PRNumber returns the current change request number, or 0 when none is open.
func (s *RunState) PRNumber() int {
	if s.CurrentPR == nil {
		return 0
	}
	return *s.CurrentPR
}

// SetPR records the open change request number; 0 clears it.
func (s *RunState) SetPR(n int) {
	if n <= 0 {
		s.CurrentPR = nil
		return
	}
	s.CurrentPR = &n
}

// SessionCapReached reports whether the max_sessions option has been hit.
func (s *RunState) SessionCapReached() bool {
	return s.Options.MaxSessions != nil && *s.Options.MaxSessions > 0 &&
		s.SessionCount >= *s.Options.MaxSessions
}

// NewRunID returns a run identifier for the given time.
func NewRunID(t time.Time) string {
	return t.Format(RunIDFormat)
}

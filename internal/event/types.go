// Package event carries run progress from the orchestrator and workflow
// machine to whoever is watching, without either side importing the other.
package event

import "time"

// Event is a notification published on a Bus.
type Event interface {
	// EventType is "category.action", e.g. "task.started".
	EventType() string
	Timestamp() time.Time
}

// Event type names.
const (
	TypePlanReady    = "plan.ready"
	TypeTaskStarted  = "task.started"
	TypeTaskDone     = "task.completed"
	TypeStageChanged = "workflow.stage_changed"
	TypeHalted       = "workflow.halted"
	TypePRDetected   = "pr.detected"
	TypePRMerged     = "pr.merged"
	TypeRunFinished  = "run.finished"
)

type baseEvent struct {
	eventType string
	timestamp time.Time
	RunID     string
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType, runID string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now(), RunID: runID}
}

// PlanReadyEvent is emitted once a plan with at least one task exists.
type PlanReadyEvent struct {
	baseEvent
	Tasks  int
	Groups int
}

// NewPlanReadyEvent creates a PlanReadyEvent.
func NewPlanReadyEvent(runID string, tasks, groups int) PlanReadyEvent {
	return PlanReadyEvent{baseEvent: newBaseEvent(TypePlanReady, runID), Tasks: tasks, Groups: groups}
}

// TaskStartedEvent is emitted before a work session for a task.
type TaskStartedEvent struct {
	baseEvent
	Index       int
	Description string
	OpensPR     bool
}

// NewTaskStartedEvent creates a TaskStartedEvent.
func NewTaskStartedEvent(runID string, index int, description string, opensPR bool) TaskStartedEvent {
	return TaskStartedEvent{
		baseEvent:   newBaseEvent(TypeTaskStarted, runID),
		Index:       index,
		Description: description,
		OpensPR:     opensPR,
	}
}

// TaskCompletedEvent is emitted after a task is checked off in the plan.
type TaskCompletedEvent struct {
	baseEvent
	Index       int
	Description string
}

// NewTaskCompletedEvent creates a TaskCompletedEvent.
func NewTaskCompletedEvent(runID string, index int, description string) TaskCompletedEvent {
	return TaskCompletedEvent{baseEvent: newBaseEvent(TypeTaskDone, runID), Index: index, Description: description}
}

// StageChangedEvent is emitted on every workflow stage transition.
type StageChangedEvent struct {
	baseEvent
	From string
	To   string
}

// NewStageChangedEvent creates a StageChangedEvent.
func NewStageChangedEvent(runID, from, to string) StageChangedEvent {
	return StageChangedEvent{baseEvent: newBaseEvent(TypeStageChanged, runID), From: from, To: to}
}

// HaltedEvent is emitted when the workflow pauses or blocks the run.
type HaltedEvent struct {
	baseEvent
	Outcome string
	Stage   string
	Reason  string
}

// NewHaltedEvent creates a HaltedEvent.
func NewHaltedEvent(runID, outcome, stage, reason string) HaltedEvent {
	return HaltedEvent{baseEvent: newBaseEvent(TypeHalted, runID), Outcome: outcome, Stage: stage, Reason: reason}
}

// PREvent is emitted when a change request is detected or merged.
type PREvent struct {
	baseEvent
	Number int
}

// NewPRDetectedEvent creates a pr.detected event.
func NewPRDetectedEvent(runID string, number int) PREvent {
	return PREvent{baseEvent: newBaseEvent(TypePRDetected, runID), Number: number}
}

// NewPRMergedEvent creates a pr.merged event.
func NewPRMergedEvent(runID string, number int) PREvent {
	return PREvent{baseEvent: newBaseEvent(TypePRMerged, runID), Number: number}
}

// RunFinishedEvent is emitted when the orchestrator returns.
type RunFinishedEvent struct {
	baseEvent
	Status   string
	ExitCode int
	Sessions int
	Reason   string
}

// NewRunFinishedEvent creates a RunFinishedEvent.
func NewRunFinishedEvent(runID, status string, exitCode, sessions int, reason string) RunFinishedEvent {
	return RunFinishedEvent{
		baseEvent: newBaseEvent(TypeRunFinished, runID),
		Status:    status,
		ExitCode:  exitCode,
		Sessions:  sessions,
		Reason:    reason,
	}
}

// Package engine defines the work-session engine the orchestrator drives and
// provides an implementation backed by the claude CLI.
package engine

import (
	"context"
)

// Tier names the model tier for a session.
type Tier string

// Model tiers.
const (
	TierOpus   Tier = "opus"
	TierSonnet Tier = "sonnet"
	TierHaiku  Tier = "haiku"
)

// Phase selects the tool set offered to the engine.
type Phase string

// Session phases.
const (
	PhasePlanning     Phase = "planning"
	PhaseWorking      Phase = "working"
	PhaseVerification Phase = "verification"
)

// ToolsFor returns the tools allowed in a phase. A nil result means the
// engine's full default tool set.
func ToolsFor(p Phase) []string {
	switch p {
	case PhasePlanning:
		return []string{"Read", "Glob", "Grep", "Bash"}
	case PhaseVerification:
		return []string{"Read", "Glob", "Grep", "Bash"}
	default:
		return nil
	}
}

// Usage is the token usage reported by one session.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	APICalls     int     `json:"api_calls"`
	CostUSD      float64 `json:"cost_usd"`
}

// PlanningResult is the output of a planning session.
type PlanningResult struct {
	Plan     string
	Criteria string
	Raw      string
	Usage    Usage
}

// GroupContext describes the change-request batch a task belongs to.
type GroupContext struct {
	Name           string
	Branch         string
	CompletedTasks []string
	RemainingTasks int
}

// WorkRequest describes one work session.
type WorkRequest struct {
	// Task is the instruction for the session.
	Task    string
	Context string
	// Feedback is review or CI feedback to address, if any.
	Feedback string
	Tier     Tier
	// RequiredBranch is the branch the session is expected to work on.
	RequiredBranch string
	// CreateChangeRequest asks the engine to push and open a change request
	// when done. Otherwise it only commits.
	CreateChangeRequest bool
	Group               *GroupContext
}

// WorkResult is the output of a work session.
type WorkResult struct {
	Output string
	Model  string
	Usage  Usage
}

// Verification is the result of checking the success criteria.
type Verification struct {
	Passed  bool
	Details string
	Usage   Usage
}

// Engine runs work sessions. Implementations must honor ctx cancellation.
type Engine interface {
	RunPlanningSession(ctx context.Context, goal, background string) (PlanningResult, error)
	RunWorkSession(ctx context.Context, req WorkRequest) (WorkResult, error)
	VerifySuccessCriteria(ctx context.Context, criteria, summary string) (Verification, error)
}

package engine

import (
	"fmt"
	"strings"
)

const stateDirHint = ".claude-task-master"

// promptBuilder assembles a prompt from an intro and titled sections.
type promptBuilder struct {
	b strings.Builder
}

func newPrompt(intro string) *promptBuilder {
	p := &promptBuilder{}
	p.b.WriteString(strings.TrimSpace(intro))
	return p
}

func (p *promptBuilder) section(title, body string) *promptBuilder {
	body = strings.TrimSpace(body)
	if body == "" {
		return p
	}
	fmt.Fprintf(&p.b, "\n\n## %s\n\n%s", title, body)
	return p
}

func (p *promptBuilder) String() string { return p.b.String() }

// PlanningPrompt builds the instruction for a planning session.
func PlanningPrompt(goal, background string) string {
	return newPrompt(fmt.Sprintf(`You are planning work toward this goal:

%s

Explore the repository (read only) and write an ordered task list.`, goal)).
		section("Context", background).
		section("Output Format", `Write a "## Task List" section. Group tasks into change requests with
headers such as "### PR 1: Short title". Each task is a checkbox line:

- [ ] `+"`[coding]`"+` Implement the parser

Tag each task with `+"`[coding]`"+`, `+"`[quick]`"+` or `+"`[general]`"+` by complexity.
Finish with a "## Success Criteria" section listing how to verify the goal.`).
		String()
}

// WorkPrompt builds the instruction for a work session.
func WorkPrompt(req WorkRequest) string {
	intro := fmt.Sprintf("Complete a SINGLE task.\n\n## Current Task\n\n%s", req.Task)
	if req.RequiredBranch != "" {
		intro += fmt.Sprintf("\n\n**Current Branch:** `%s`", req.RequiredBranch)
		if req.RequiredBranch == "main" || req.RequiredBranch == "master" {
			intro += "\nCreate a feature branch before making changes."
		}
	}
	intro += fmt.Sprintf("\n\nFocus on this task only. Full plan: `%s/plan.md`. Progress: `%s/progress.md`.", stateDirHint, stateDirHint)

	p := newPrompt(intro)
	if g := req.Group; g != nil {
		var lines []string
		lines = append(lines, "**Change request:** "+g.Name)
		if g.Branch != "" {
			lines = append(lines, fmt.Sprintf("**Branch:** `%s`", g.Branch))
		}
		if len(g.CompletedTasks) > 0 {
			lines = append(lines, "", "Already completed in this change request:")
			for _, t := range g.CompletedTasks {
				lines = append(lines, "- "+t)
			}
		}
		if g.RemainingTasks > 0 {
			lines = append(lines, "", fmt.Sprintf("Tasks remaining after this one: %d", g.RemainingTasks))
		} else {
			lines = append(lines, "", "This is the last task in this change request.")
		}
		p.section("Change Request Context", strings.Join(lines, "\n"))
	}
	p.section("Context", req.Context)
	p.section("Feedback To Address", req.Feedback)

	if req.CreateChangeRequest {
		p.section("When Done", "Run the tests, commit, push the branch and open a pull request with `gh pr create`. Do not merge it.")
	} else {
		p.section("When Done", "Run the tests and commit. Do not push and do not open a pull request yet.")
	}
	return p.String()
}

// VerificationPrompt builds the instruction for checking success criteria.
func VerificationPrompt(criteria, summary string) string {
	return newPrompt("Verify whether the following success criteria are met. Run the tests and checks they describe.").
		section("Success Criteria", criteria).
		section("Completed Work", summary).
		section("Result", "End your answer with exactly one line: `VERIFICATION_RESULT: PASS` or `VERIFICATION_RESULT: FAIL`.").
		String()
}

var (
	negativeVerdicts = []string{
		"not met",
		"not all criteria",
		"criteria not met",
		"overall success: no",
		"criteria not satisfied",
		"verification failed",
		"cannot verify",
	}
	positiveVerdicts = []string{
		"all criteria met",
		"all criteria verified",
		"overall success: yes",
		"verification successful",
		"success",
	}
)

// ParseVerification decides whether a verification transcript passed. An
// explicit VERIFICATION_RESULT marker wins; otherwise any negative phrase
// fails and a positive phrase is required to pass.
func ParseVerification(result string) bool {
	lower := strings.ToLower(result)
	if strings.Contains(lower, "verification_result: pass") {
		return true
	}
	if strings.Contains(lower, "verification_result: fail") {
		return false
	}
	for _, n := range negativeVerdicts {
		if strings.Contains(lower, n) {
			return false
		}
	}
	for _, p := range positiveVerdicts {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// DefaultCriteria is used when a plan has no success criteria section.
const DefaultCriteria = "All tasks in the task list are completed successfully."

// SplitPlanningOutput separates the plan and success criteria in a
// planning transcript.
func SplitPlanningOutput(result string) (plan, criteria string) {
	plan = result
	if !strings.Contains(result, "## Task List") {
		plan = "## Task List\n\n" + result
	}
	criteria = DefaultCriteria
	if _, after, ok := strings.Cut(result, "## Success Criteria"); ok {
		if c := strings.TrimSpace(after); c != "" {
			criteria = c
		}
	}
	return plan, criteria
}

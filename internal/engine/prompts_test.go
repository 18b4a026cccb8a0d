package engine

import (
	"strings"
	"testing"
)

func TestParseVerification(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"explicit pass", "checks ok\nVERIFICATION_RESULT: PASS", true},
		{"explicit fail beats success words", "success on most\nverification_result: fail", false},
		{"overall no", "Overall Success: NO", false},
		{"all met", "All criteria met.", true},
		{"negative wins", "success for tests, but lint criteria not met", false},
		{"no verdict", "I looked around.", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseVerification(tt.in); got != tt.want {
				t.Errorf("ParseVerification(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSplitPlanningOutput(t *testing.T) {
	plan, criteria := SplitPlanningOutput("- [ ] one")
	if !strings.HasPrefix(plan, "## Task List\n\n- [ ] one") {
		t.Errorf("plan = %q", plan)
	}
	if criteria != DefaultCriteria {
		t.Errorf("criteria = %q", criteria)
	}

	_, criteria = SplitPlanningOutput("## Task List\n- [ ] a\n## Success Criteria\n")
	if criteria != DefaultCriteria {
		t.Errorf("empty criteria section should fall back, got %q", criteria)
	}
}

func TestWorkPrompt(t *testing.T) {
	p := WorkPrompt(WorkRequest{
		Task:           "Fix the bug",
		RequiredBranch: "main",
		Feedback:       "Please rename foo",
		Group: &GroupContext{
			Name:           "Bug fixes",
			CompletedTasks: []string{"Write test"},
			RemainingTasks: 0,
		},
	})
	for _, want := range []string{
		"Fix the bug",
		"Create a feature branch",
		"**Change request:** Bug fixes",
		"- Write test",
		"last task in this change request",
		"Please rename foo",
		"Do not push",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q:\n%s", want, p)
		}
	}
	if strings.Contains(p, "## Context") {
		t.Error("empty sections must be omitted")
	}
}

func TestToolsFor(t *testing.T) {
	if ToolsFor(PhaseWorking) != nil {
		t.Error("working phase uses the default tool set")
	}
	if len(ToolsFor(PhasePlanning)) == 0 || len(ToolsFor(PhaseVerification)) == 0 {
		t.Error("planning and verification are restricted")
	}
}

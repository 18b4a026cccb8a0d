package progress

import (
	"strings"
	"testing"
	"time"
)

func TestTracker_Render(t *testing.T) {
	tr := Tracker{
		Session:      3,
		CurrentIndex: 1,
		Tasks: []TaskLine{
			{Description: "Add schema", Complete: true},
			{Description: "Wire handler"},
			{Description: "Write docs"},
		},
		LatestOutput: "Handler wired.",
	}
	got := tr.Render()

	want := []string{
		"# Progress Tracker",
		"**Session:** 3",
		"**Current Task:** 2 of 3",
		"✓ [x] **Task 1:** Add schema",
		"→ [ ] **Task 2:** Wire handler",
		"  [ ] **Task 3:** Write docs",
		"## Latest Completed",
		"**Task 2:** Wire handler",
		"### Summary\nHandler wired.",
	}
	for _, w := range want {
		if !strings.Contains(got, w) {
			t.Errorf("Render() missing %q in:\n%s", w, got)
		}
	}
}

func TestTracker_RenderWithoutOutput(t *testing.T) {
	got := Tracker{Session: 1, Tasks: []TaskLine{{Description: "only"}}}.Render()
	if strings.Contains(got, "Latest Completed") {
		t.Errorf("empty output should omit the latest section:\n%s", got)
	}
	if strings.Contains(got, "**Health:**") {
		t.Errorf("healthy run should omit the health line:\n%s", got)
	}
}

func TestTracker_RenderHealth(t *testing.T) {
	got := Tracker{Session: 4, Tasks: []TaskLine{{Description: "only"}}, Health: "regressing: task 1 is behind last progress at task 3"}.Render()
	if !strings.Contains(got, "**Current Task:** 1 of 1\n**Health:** regressing: task 1 is behind last progress at task 3\n\n## Task List") {
		t.Errorf("Render() health line misplaced:\n%s", got)
	}
}

func TestSummary_CostReport(t *testing.T) {
	s := Summary{
		TotalSessions: 2,
		TotalDuration: 90 * time.Second,
		TotalTokens:   1234567,
		TotalCost:     1.5,
		SuccessRate:   50,
		APICalls:      7,
	}
	got := s.CostReport()
	for _, w := range []string{"Total Sessions: 2", "Total Duration: 90.0s", "Total Tokens: 1,234,567", "Estimated Cost: $1.5000", "Success Rate: 50.0%", "API Calls: 7"} {
		if !strings.Contains(got, w) {
			t.Errorf("CostReport() missing %q", w)
		}
	}
}

func TestGroupThousands(t *testing.T) {
	tests := map[int64]string{0: "0", 999: "999", 1000: "1,000", 1234567: "1,234,567", -4500: "-4,500"}
	for in, want := range tests {
		if got := groupThousands(in); got != want {
			t.Errorf("groupThousands(%d) = %q, want %q", in, got, want)
		}
	}
}

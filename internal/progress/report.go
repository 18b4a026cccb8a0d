package progress

import (
	"fmt"
	"strings"
)

// TaskLine is one task as shown in the progress document.
type TaskLine struct {
	Description string
	Complete    bool
}

// Tracker is the content of progress.md after a session.
type Tracker struct {
	Session      int
	CurrentIndex int
	Tasks        []TaskLine
	// LatestOutput is the summary returned by the last session. The
	// "Latest Completed" section is omitted when it is empty.
	LatestOutput string
	// Health is the monitor's reason for a signal other than healthy.
	Health string
}

// Render formats the tracker as markdown.
func (t Tracker) Render() string {
	var b strings.Builder

	b.WriteString("# Progress Tracker\n\n")
	fmt.Fprintf(&b, "**Session:** %d\n", t.Session)
	fmt.Fprintf(&b, "**Current Task:** %d of %d\n", t.CurrentIndex+1, len(t.Tasks))
	if t.Health != "" {
		fmt.Fprintf(&b, "**Health:** %s\n", t.Health)
	}
	b.WriteString("\n")
	b.WriteString("## Task List\n\n")

	for i, task := range t.Tasks {
		status, marker := " ", "[ ]"
		switch {
		case task.Complete:
			status, marker = "✓", "[x]"
		case i == t.CurrentIndex:
			status = "→"
		}
		fmt.Fprintf(&b, "%s %s **Task %d:** %s\n", status, marker, i+1, task.Description)
	}

	if t.LatestOutput != "" {
		current := ""
		if t.CurrentIndex >= 0 && t.CurrentIndex < len(t.Tasks) {
			current = t.Tasks[t.CurrentIndex].Description
		}
		b.WriteString("\n## Latest Completed\n")
		fmt.Fprintf(&b, "**Task %d:** %s\n\n", t.CurrentIndex+1, current)
		b.WriteString("### Summary\n")
		b.WriteString(t.LatestOutput)
		b.WriteString("\n")
	}
	return b.String()
}

// CostReport formats the summary as a plain-text report.
func (s Summary) CostReport() string {
	lines := []string{
		"=== Cost Report ===",
		fmt.Sprintf("Total Sessions: %d", s.TotalSessions),
		fmt.Sprintf("Total Duration: %.1fs", s.TotalDuration.Seconds()),
		fmt.Sprintf("Total Tokens: %s", groupThousands(s.TotalTokens)),
		fmt.Sprintf("Estimated Cost: $%.4f", s.TotalCost),
		fmt.Sprintf("Success Rate: %.1f%%", s.SuccessRate),
		"",
		"=== Breakdown ===",
		fmt.Sprintf("API Calls: %d", s.APICalls),
		fmt.Sprintf("Tool Calls: %d", s.ToolCalls),
		fmt.Sprintf("Errors: %d", s.Errors),
	}
	return strings.Join(lines, "\n")
}

func groupThousands(n int64) string {
	s := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

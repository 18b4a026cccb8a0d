package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/sebyx07/claude-task-master-py-sub000/internal/control"
	tmerrors "github.com/sebyx07/claude-task-master-py-sub000/internal/errors"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/event"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/faultguard"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/orchestrator"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/plan"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/state"
)

var (
	colorPrimary = lipgloss.Color("#7C3AED")
	colorSuccess = lipgloss.Color("#10B981")
	colorWarning = lipgloss.Color("#F59E0B")
	colorError   = lipgloss.Color("#EF4444")
	colorMuted   = lipgloss.Color("#6B7280")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	labelStyle   = lipgloss.NewStyle().Foreground(colorMuted).Width(16)
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(colorSuccess)
	warningStyle = lipgloss.NewStyle().Bold(true).Foreground(colorWarning)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorError)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorPrimary).Padding(0, 1)
)

// isTTY reports whether stdout is a terminal. Styling is dropped otherwise so
// piped output stays plain.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// paint renders s with style on a terminal and returns it unchanged
// otherwise.
func paint(style lipgloss.Style, s string) string {
	if !isTTY() {
		return s
	}
	return style.Render(s)
}

// statusStyle picks the color for a run status.
func statusStyle(s state.Status) lipgloss.Style {
	switch s {
	case state.StatusSuccess:
		return successStyle
	case state.StatusFailed, state.StatusBlocked:
		return errorStyle
	case state.StatusPaused, state.StatusStopped:
		return warningStyle
	}
	return titleStyle
}

// renderStatus formats a status snapshot for humans.
func renderStatus(snap control.Status) string {
	var b strings.Builder
	row := func(label, value string) {
		if isTTY() {
			b.WriteString(labelStyle.Render(label) + value + "\n")
			return
		}
		fmt.Fprintf(&b, "%-16s%s\n", label, value)
	}

	row("Goal", snap.Goal)
	row("Status", paint(statusStyle(snap.Status), string(snap.Status)))
	if snap.WorkflowStage != "" {
		row("Stage", string(snap.WorkflowStage))
	}
	row("Progress", snap.Progress())
	row("Sessions", sessionsLabel(snap))
	if snap.CurrentPR != nil && *snap.CurrentPR > 0 {
		row("Pull request", fmt.Sprintf("#%d", *snap.CurrentPR))
	}
	row("Model", snap.Model)
	row("Run", snap.RunID)
	row("Auto-merge", fmt.Sprintf("%t", snap.Options.AutoMerge))

	if len(snap.Tasks) > 0 {
		b.WriteString("\n")
		b.WriteString(renderTasks(snap.Tasks, snap.CurrentTaskIndex))
	}

	out := strings.TrimRight(b.String(), "\n")
	if isTTY() {
		return boxStyle.Render(out)
	}
	return out
}

func sessionsLabel(snap control.Status) string {
	if snap.Options.MaxSessions != nil {
		return fmt.Sprintf("%d/%d", snap.SessionCount, *snap.Options.MaxSessions)
	}
	return fmt.Sprintf("%d", snap.SessionCount)
}

// renderTasks lists tasks grouped under their change request headers.
func renderTasks(tasks []plan.Task, current int) string {
	var b strings.Builder
	group := ""
	for _, t := range tasks {
		if t.GroupName != "" && t.GroupName != group {
			group = t.GroupName
			b.WriteString(paint(titleStyle, group) + "\n")
		}
		mark := "[ ]"
		if t.Complete {
			mark = paint(successStyle, "[x]")
		}
		line := fmt.Sprintf("  %s %d. %s", mark, t.Index+1, t.Description)
		if t.Complexity != "" {
			line += paint(mutedStyle, " ("+string(t.Complexity)+")")
		}
		if t.Index == current && !t.Complete {
			line += paint(warningStyle, "  <- current")
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

// printResult reports a control operation.
func printResult(res control.Result) {
	style := successStyle
	if !res.Success {
		style = warningStyle
	}
	fmt.Println(paint(style, res.Message))
}

// printOutcome reports how a run ended.
func printOutcome(store *state.Store, code orchestrator.ExitCode, reason string, err error) {
	switch code {
	case orchestrator.ExitSuccess:
		fmt.Println(paint(successStyle, "All tasks complete and success criteria verified."))
		return
	case orchestrator.ExitPaused:
		msg := "Run paused."
		if reason != "" {
			msg = "Run paused: " + reason
		}
		fmt.Println(paint(warningStyle, msg))
		fmt.Println(paint(mutedStyle, "Resume with: taskmaster resume"))
		return
	}

	msg := "Run blocked."
	if reason != "" {
		msg = "Run blocked: " + reason
	}
	if err != nil {
		msg = "Run failed: " + describeError(err)
	}
	fmt.Fprintln(os.Stderr, paint(errorStyle, msg))
	fmt.Fprintln(os.Stderr, paint(mutedStyle, "State kept in "+store.Dir()))
}

// describeError turns the run errors a user can act on into a one-line hint.
func describeError(err error) string {
	var fatal *faultguard.FatalError
	var burst *faultguard.ConsecutiveFailuresError
	switch {
	case errors.As(err, &fatal) && fatal.Kind == faultguard.KindAuth:
		return "authentication failed, check your engine login and GITHUB_TOKEN (" + err.Error() + ")"
	case errors.As(err, &burst):
		return fmt.Sprintf("%d consecutive failures, last: %v", burst.Count, burst.LastError)
	case errors.Is(err, tmerrors.ErrNoTasks):
		return "the planning session produced no tasks"
	}
	return err.Error()
}

// describeEvent turns a run event into one console line. Events without a
// console form return "".
func describeEvent(e event.Event) string {
	switch e := e.(type) {
	case event.PlanReadyEvent:
		return paint(titleStyle, fmt.Sprintf("Plan ready: %d tasks in %d pull requests", e.Tasks, e.Groups))
	case event.TaskStartedEvent:
		line := fmt.Sprintf("> Task %d: %s", e.Index+1, e.Description)
		if e.OpensPR {
			line += paint(mutedStyle, " (opens PR)")
		}
		return line
	case event.TaskCompletedEvent:
		return paint(successStyle, fmt.Sprintf("[x] Task %d done", e.Index+1))
	case event.StageChangedEvent:
		return paint(mutedStyle, fmt.Sprintf("  stage %s -> %s", e.From, e.To))
	case event.PREvent:
		if e.EventType() == event.TypePRMerged {
			return paint(successStyle, fmt.Sprintf("PR #%d merged", e.Number))
		}
		return fmt.Sprintf("PR #%d opened", e.Number)
	case event.HaltedEvent:
		return paint(warningStyle, fmt.Sprintf("%s at %s: %s", e.Outcome, e.Stage, e.Reason))
	}
	return ""
}

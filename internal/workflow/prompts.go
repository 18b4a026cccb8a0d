package workflow

import (
	"fmt"
	"strings"

	"github.com/sebyx07/claude-task-master-py-sub000/internal/state"
)

func ciFixTask(pr int, ciDir string, checks []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CI has failed for PR #%d.\n\n", pr)
	if len(checks) > 0 {
		fmt.Fprintf(&b, "**Failing checks:** %s\n\n", strings.Join(checks, ", "))
	}
	fmt.Fprintf(&b, "**Read the CI failure logs from:** `%s`\n\n", ciDir)
	b.WriteString(`Use Glob to find all .txt files, then Read each one to understand the errors.

1. Read ALL files in the ci/ directory
2. Understand the error messages
3. Make the necessary fixes
4. Run tests locally to verify
5. Commit and push the fixes`)
	return b.String()
}

func reviewTask(pr int, commentsDir, resolvePath string) string {
	return fmt.Sprintf(`PR #%[1]d has review comments to address.

**Read the review comments from:** `+"`%[2]s`"+`

Use Glob to find all .txt files, then Read each one to understand the feedback.

1. Read ALL comment files in the comments/ directory
2. For each comment, make the requested change or explain why it is not needed
3. Run tests to verify
4. Commit and push the fixes
5. Write a resolution file at `+"`%[3]s`"+`

**Resolution file format:**
`+"```json"+`
{
  "pr": %[1]d,
  "resolutions": [
    {"thread_id": "THREAD_ID_FROM_COMMENT_FILE", "action": "fixed|explained|skipped", "message": "What was done"}
  ]
}
`+"```"+`

Copy the Thread ID from each comment file into the resolution file.`, pr, commentsDir, resolvePath)
}

var actionLabels = map[string]string{
	state.ActionFixed:     "✅ **Fixed**",
	state.ActionExplained: "💬 **Explained**",
	state.ActionSkipped:   "⏭️ **Skipped**",
}

// replyBody renders the reply posted to a review thread.
func replyBody(r state.Resolution) string {
	label, ok := actionLabels[r.Action]
	if !ok {
		label = actionLabels[state.ActionFixed]
	}
	msg := strings.TrimSpace(r.Message)
	if msg == "" {
		msg = "Addressed"
	}
	return label + ": " + msg
}

package engine

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	tmerrors "github.com/sebyx07/claude-task-master-py-sub000/internal/errors"
)

// recorder captures invocations and replays a canned response.
type recorder struct {
	calls  []Command
	output string
	err    error
}

func (r *recorder) exec(ctx context.Context, cmd Command) ([]byte, error) {
	r.calls = append(r.calls, cmd)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []byte(r.output), r.err
}

const okResult = `{"type":"result","subtype":"success","is_error":false,"result":"done: VERIFICATION_RESULT: PASS","num_turns":4,"total_cost_usd":0.12,"usage":{"input_tokens":100,"output_tokens":50,"cache_read_input_tokens":20}}`

func models(tier string) string { return "model-" + tier }

func TestClaudeCLI_RunWorkSession(t *testing.T) {
	rec := &recorder{output: okResult}
	c := NewClaudeCLI("", TierSonnet,
		WithExecutor(rec.exec),
		WithModels(models),
		WithWorkDir("/repo"),
		WithSkipPermissions(true),
		WithExtraArgs("--verbose"),
	)

	res, err := c.RunWorkSession(context.Background(), WorkRequest{
		Task:                "Add the migration",
		Tier:                TierHaiku,
		RequiredBranch:      "feat/schema",
		CreateChangeRequest: true,
	})
	if err != nil {
		t.Fatalf("RunWorkSession failed: %v", err)
	}
	if res.Model != "model-haiku" {
		t.Errorf("Model = %q", res.Model)
	}
	if res.Usage.InputTokens != 120 || res.Usage.OutputTokens != 50 || res.Usage.APICalls != 4 {
		t.Errorf("Usage = %+v", res.Usage)
	}

	if len(rec.calls) != 1 {
		t.Fatalf("calls = %d", len(rec.calls))
	}
	cmd := rec.calls[0]
	if cmd.Name != "claude" || cmd.Dir != "/repo" {
		t.Errorf("cmd = %+v", cmd)
	}
	args := strings.Join(cmd.Args, " ")
	for _, want := range []string{"--print", "--output-format json", "--model model-haiku", "--dangerously-skip-permissions", "--verbose"} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
	if strings.Contains(args, "--allowedTools") {
		t.Error("work sessions use the full tool set")
	}
	if !strings.Contains(cmd.Stdin, "Add the migration") || !strings.Contains(cmd.Stdin, "gh pr create") {
		t.Errorf("prompt missing task or PR instruction:\n%s", cmd.Stdin)
	}
}

func TestClaudeCLI_DefaultTier(t *testing.T) {
	rec := &recorder{output: okResult}
	c := NewClaudeCLI("claude", "", WithExecutor(rec.exec))
	if _, err := c.RunWorkSession(context.Background(), WorkRequest{Task: "x"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(strings.Join(rec.calls[0].Args, " "), "--model opus") {
		t.Errorf("args = %v, want opus default", rec.calls[0].Args)
	}
}

func TestClaudeCLI_Planning(t *testing.T) {
	rec := &recorder{output: `{"type":"result","result":"## Task List\n- [ ] a\n\n## Success Criteria\nTests pass."}`}
	c := NewClaudeCLI("claude", TierHaiku, WithExecutor(rec.exec))

	res, err := c.RunPlanningSession(context.Background(), "Ship it", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Criteria != "Tests pass." || !strings.HasPrefix(res.Plan, "## Task List") {
		t.Errorf("res = %+v", res)
	}
	args := strings.Join(rec.calls[0].Args, " ")
	if !strings.Contains(args, "--model opus") || !strings.Contains(args, "--allowedTools Read,Glob,Grep,Bash") {
		t.Errorf("planning args = %q", args)
	}
}

func TestClaudeCLI_Verify(t *testing.T) {
	rec := &recorder{output: okResult}
	c := NewClaudeCLI("claude", TierOpus, WithExecutor(rec.exec))
	v, err := c.VerifySuccessCriteria(context.Background(), "tests pass", "all done")
	if err != nil || !v.Passed {
		t.Errorf("Verify = %+v, %v", v, err)
	}
}

func TestClaudeCLI_Errors(t *testing.T) {
	tests := []struct {
		name   string
		rec    *recorder
		check  func(error) bool
		reason string
	}{
		{
			name:   "engine reported error",
			rec:    &recorder{output: `{"type":"result","subtype":"error_max_turns","is_error":true,"result":"ran out"}`},
			check:  func(err error) bool { var e *tmerrors.EngineError; return errors.As(err, &e) },
			reason: "want EngineError",
		},
		{
			name:   "garbage output",
			rec:    &recorder{output: "not json"},
			check:  func(err error) bool { return strings.Contains(err.Error(), "unreadable engine output") },
			reason: "want unreadable output error",
		},
		{
			name:   "missing binary",
			rec:    &recorder{err: errors.Join(tmerrors.ErrEngineInit, exec.ErrNotFound)},
			check:  func(err error) bool { return errors.Is(err, tmerrors.ErrEngineInit) },
			reason: "want ErrEngineInit",
		},
		{
			name:   "process failure",
			rec:    &recorder{output: "partial", err: errors.New("exit status 1")},
			check:  func(err error) bool { return strings.Contains(err.Error(), "exit status 1") },
			reason: "want wrapped exit error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClaudeCLI("claude", TierOpus, WithExecutor(tt.rec.exec))
			_, err := c.RunWorkSession(context.Background(), WorkRequest{Task: "x"})
			if err == nil || !tt.check(err) {
				t.Errorf("err = %v, %s", err, tt.reason)
			}
		})
	}
}

func TestClaudeCLI_Timeout(t *testing.T) {
	slow := func(ctx context.Context, _ Command) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c := NewClaudeCLI("claude", TierOpus, WithExecutor(slow), WithSessionTimeout(10*time.Millisecond))
	_, err := c.RunWorkSession(context.Background(), WorkRequest{Task: "x"})
	if !errors.Is(err, tmerrors.ErrTimeout) {
		t.Errorf("err = %v, want timeout", err)
	}
}

func TestExecCommand_NotFound(t *testing.T) {
	_, err := ExecCommand(context.Background(), Command{Name: "definitely-not-a-real-binary-xyz"})
	if !errors.Is(err, tmerrors.ErrEngineInit) {
		t.Errorf("err = %v, want ErrEngineInit", err)
	}
}

func TestParseResult_EventArray(t *testing.T) {
	raw := `[{"type":"system"},{"type":"assistant"},{"type":"result","result":"final","num_turns":2}]`
	res, err := parseResult([]byte(raw))
	if err != nil || res.Result != "final" {
		t.Errorf("parseResult = %+v, %v", res, err)
	}
	if _, err := parseResult([]byte(`[{"type":"system"}]`)); err == nil {
		t.Error("array without a result event should fail")
	}
}

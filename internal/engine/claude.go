package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	tmerrors "github.com/sebyx07/claude-task-master-py-sub000/internal/errors"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/logging"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/util"
)

// Command is one process invocation.
type Command struct {
	Name  string
	Args  []string
	Dir   string
	Stdin string
}

// CommandExecutor runs a command and returns its stdout. It allows tests to
// substitute the real process.
type CommandExecutor func(ctx context.Context, cmd Command) ([]byte, error)

// ExecCommand runs cmd with os/exec. Stderr is folded into the error.
func ExecCommand(ctx context.Context, cmd Command) ([]byte, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if cmd.Stdin != "" {
		c.Stdin = strings.NewReader(cmd.Stdin)
	}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w: %w", cmd.Name, tmerrors.ErrEngineInit, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		tail := strings.TrimSpace(util.TailLines(stderr.String(), 20))
		if tail == "" {
			tail = strings.TrimSpace(util.TailLines(stdout.String(), 20))
		}
		return stdout.Bytes(), fmt.Errorf("%s failed: %w: %s", cmd.Name, err, tail)
	}
	return stdout.Bytes(), nil
}

// ModelResolver maps a tier to a concrete model name.
type ModelResolver func(tier string) string

// ClaudeOption configures a ClaudeCLI.
type ClaudeOption func(*ClaudeCLI)

// WithExecutor replaces the process runner.
func WithExecutor(run CommandExecutor) ClaudeOption {
	return func(c *ClaudeCLI) { c.exec = run }
}

// WithModels sets the tier to model mapping.
func WithModels(resolve ModelResolver) ClaudeOption {
	return func(c *ClaudeCLI) { c.models = resolve }
}

// WithWorkDir sets the directory sessions run in.
func WithWorkDir(dir string) ClaudeOption {
	return func(c *ClaudeCLI) { c.workDir = dir }
}

// WithSessionTimeout bounds each session. Zero means no limit.
func WithSessionTimeout(d time.Duration) ClaudeOption {
	return func(c *ClaudeCLI) { c.timeout = d }
}

// WithSkipPermissions toggles --dangerously-skip-permissions.
func WithSkipPermissions(skip bool) ClaudeOption {
	return func(c *ClaudeCLI) { c.skipPermissions = skip }
}

// WithExtraArgs appends arguments to every invocation.
func WithExtraArgs(args ...string) ClaudeOption {
	return func(c *ClaudeCLI) { c.extraArgs = append(c.extraArgs, args...) }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ClaudeOption {
	return func(c *ClaudeCLI) { c.logger = logging.OrNop(l).WithComponent("engine") }
}

// ClaudeCLI implements Engine by running the claude CLI in print mode with
// JSON output. The prompt is passed on stdin.
type ClaudeCLI struct {
	binary          string
	defaultTier     Tier
	models          ModelResolver
	exec            CommandExecutor
	workDir         string
	timeout         time.Duration
	skipPermissions bool
	extraArgs       []string
	logger          *logging.Logger
}

var _ Engine = (*ClaudeCLI)(nil)

// NewClaudeCLI creates a ClaudeCLI. An empty binary defaults to "claude" and
// an empty tier to opus.
func NewClaudeCLI(binary string, defaultTier Tier, opts ...ClaudeOption) *ClaudeCLI {
	if binary == "" {
		binary = "claude"
	}
	if defaultTier == "" {
		defaultTier = TierOpus
	}
	c := &ClaudeCLI{
		binary:      binary,
		defaultTier: defaultTier,
		models:      func(tier string) string { return tier },
		exec:        ExecCommand,
		logger:      logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// cliResult is the JSON document printed by `claude --output-format json`.
type cliResult struct {
	Type      string  `json:"type"`
	Subtype   string  `json:"subtype"`
	IsError   bool    `json:"is_error"`
	Result    string  `json:"result"`
	NumTurns  int     `json:"num_turns"`
	SessionID string  `json:"session_id"`
	CostUSD   float64 `json:"total_cost_usd"`
	Usage     struct {
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

// RunPlanningSession always plans with the opus tier.
func (c *ClaudeCLI) RunPlanningSession(ctx context.Context, goal, background string) (PlanningResult, error) {
	out, usage, err := c.run(ctx, "planning", PlanningPrompt(goal, background), TierOpus, ToolsFor(PhasePlanning))
	if err != nil {
		return PlanningResult{}, err
	}
	plan, criteria := SplitPlanningOutput(out)
	return PlanningResult{Plan: plan, Criteria: criteria, Raw: out, Usage: usage}, nil
}

// RunWorkSession runs one task with the requested tier.
func (c *ClaudeCLI) RunWorkSession(ctx context.Context, req WorkRequest) (WorkResult, error) {
	tier := req.Tier
	if tier == "" {
		tier = c.defaultTier
	}
	out, usage, err := c.run(ctx, "work", WorkPrompt(req), tier, ToolsFor(PhaseWorking))
	if err != nil {
		return WorkResult{}, err
	}
	return WorkResult{Output: out, Model: c.models(string(tier)), Usage: usage}, nil
}

// VerifySuccessCriteria asks the engine to check the criteria and parses
// its verdict.
func (c *ClaudeCLI) VerifySuccessCriteria(ctx context.Context, criteria, summary string) (Verification, error) {
	out, usage, err := c.run(ctx, "verify", VerificationPrompt(criteria, summary), c.defaultTier, ToolsFor(PhaseVerification))
	if err != nil {
		return Verification{}, err
	}
	return Verification{Passed: ParseVerification(out), Details: out, Usage: usage}, nil
}

func (c *ClaudeCLI) args(tier Tier, tools []string) []string {
	args := []string{"--print", "--output-format", "json", "--model", c.models(string(tier))}
	if len(tools) > 0 {
		args = append(args, "--allowedTools", strings.Join(tools, ","))
	}
	if c.skipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	return append(args, c.extraArgs...)
}

func (c *ClaudeCLI) run(ctx context.Context, op, prompt string, tier Tier, tools []string) (string, Usage, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := Command{Name: c.binary, Args: c.args(tier, tools), Dir: c.workDir, Stdin: prompt}
	c.logger.Info("engine session starting", "op", op, "tier", string(tier), "model", c.models(string(tier)))
	start := time.Now()

	raw, err := c.exec(ctx, cmd)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return "", Usage{}, tmerrors.NewTimeoutError("engine "+op, c.timeout).WithCause(err)
		case errors.Is(err, context.Canceled), errors.Is(err, tmerrors.ErrEngineInit):
			return "", Usage{}, err
		}
		return "", Usage{}, tmerrors.NewEngineError("engine session failed", err).
			WithOperation(op).
			WithOutput(util.TruncateString(strings.TrimSpace(string(raw)), 500))
	}

	res, err := parseResult(raw)
	if err != nil {
		return "", Usage{}, tmerrors.NewEngineError("unreadable engine output", err).
			WithOperation(op).
			WithOutput(util.TruncateString(strings.TrimSpace(string(raw)), 500))
	}
	usage := Usage{
		InputTokens:  res.Usage.InputTokens + res.Usage.CacheCreationInputTokens + res.Usage.CacheReadInputTokens,
		OutputTokens: res.Usage.OutputTokens,
		APICalls:     res.NumTurns,
		CostUSD:      res.CostUSD,
	}
	c.logger.Info("engine session finished",
		"op", op,
		"duration", time.Since(start).Round(time.Millisecond).String(),
		"turns", res.NumTurns,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
	)
	if res.IsError {
		return "", usage, tmerrors.NewEngineError(fmt.Sprintf("engine reported %s", res.Subtype), nil).
			WithOperation(op).
			WithOutput(util.TruncateString(res.Result, 500))
	}
	return res.Result, usage, nil
}

// parseResult decodes the CLI output. Some versions print a JSON array of
// stream events, in which case the final "result" event is used.
func parseResult(raw []byte) (cliResult, error) {
	raw = bytes.TrimSpace(raw)
	var res cliResult
	if len(raw) > 0 && raw[0] == '[' {
		var events []cliResult
		if err := json.Unmarshal(raw, &events); err != nil {
			return res, err
		}
		for i := len(events) - 1; i >= 0; i-- {
			if events[i].Type == "result" {
				return events[i], nil
			}
		}
		return res, errors.New("no result event in engine output")
	}
	err := json.Unmarshal(raw, &res)
	return res, err
}

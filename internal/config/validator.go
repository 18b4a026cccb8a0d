package config

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "workflow.poll_interval_seconds")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidModelTiers returns the model tiers a run can be started with
func ValidModelTiers() []string {
	return []string{"opus", "sonnet", "haiku"}
}

// ValidMergeMethods returns the merge strategies the host accepts
func ValidMergeMethods() []string {
	return []string{"merge", "squash", "rebase"}
}

// ValidBreakerPresets returns the named circuit breaker presets
func ValidBreakerPresets() []string {
	return []string{"default", "aggressive", "lenient"}
}

// ValidMonitorPresets returns the named progress monitor presets
func ValidMonitorPresets() []string {
	return []string{"default", "strict"}
}

// ValidParallelPresets returns the named executor presets
func ValidParallelPresets() []string {
	return []string{"default", "conservative", "aggressive"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateState()...)
	errors = append(errors, c.validateEngine()...)
	errors = append(errors, c.validateGitHub()...)
	errors = append(errors, c.validateGit()...)
	errors = append(errors, c.validateWorkflow()...)
	errors = append(errors, c.validateGuard()...)
	errors = append(errors, c.validatePresets()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateMetrics()...)

	return errors
}

func oneOf(field, value string, valid []string) []ValidationError {
	if slices.Contains(valid, value) {
		return nil
	}
	return []ValidationError{{
		Field:   field,
		Value:   value,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(valid, ", ")),
	}}
}

func positive(field string, value int) []ValidationError {
	if value > 0 {
		return nil
	}
	return []ValidationError{{Field: field, Value: value, Message: "must be positive"}}
}

func nonNegative(field string, value int) []ValidationError {
	if value >= 0 {
		return nil
	}
	return []ValidationError{{Field: field, Value: value, Message: "must be non-negative"}}
}

// validateState validates the StateConfig
func (c *Config) validateState() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.State.Dir) == "" {
		errors = append(errors, ValidationError{
			Field:   "state.dir",
			Value:   c.State.Dir,
			Message: "must not be empty",
		})
	}
	errors = append(errors, positive("state.keep_logs", c.State.KeepLogs)...)
	errors = append(errors, positive("state.max_backups", c.State.MaxBackups)...)

	return errors
}

// validateEngine validates the EngineConfig
func (c *Config) validateEngine() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Engine.Binary) == "" {
		errors = append(errors, ValidationError{
			Field:   "engine.binary",
			Value:   c.Engine.Binary,
			Message: "must not be empty",
		})
	}
	errors = append(errors, oneOf("engine.model", c.Engine.Model, ValidModelTiers())...)
	errors = append(errors, nonNegative("engine.session_timeout_minutes", c.Engine.SessionTimeoutMinutes)...)

	return errors
}

// validateGitHub validates the GitHubConfig
func (c *Config) validateGitHub() []ValidationError {
	var errors []ValidationError

	if c.GitHub.RequestsPerSecond <= 0 {
		errors = append(errors, ValidationError{
			Field:   "github.requests_per_second",
			Value:   c.GitHub.RequestsPerSecond,
			Message: "must be positive",
		})
	}
	errors = append(errors, positive("github.burst", c.GitHub.Burst)...)
	errors = append(errors, oneOf("github.merge_method", c.GitHub.MergeMethod, ValidMergeMethods())...)

	for pattern := range c.GitHub.ReviewersByPath {
		if _, err := glob.Compile(pattern); err != nil {
			errors = append(errors, ValidationError{
				Field:   "github.reviewers_by_path",
				Value:   pattern,
				Message: fmt.Sprintf("invalid glob pattern: %v", err),
			})
		}
	}

	if c.GitHub.BaseURL != "" {
		u, err := url.Parse(c.GitHub.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errors = append(errors, ValidationError{
				Field:   "github.base_url",
				Value:   c.GitHub.BaseURL,
				Message: "must be an absolute URL",
			})
		}
	}

	return errors
}

// validateGit validates the GitConfig
func (c *Config) validateGit() []ValidationError {
	var errors []ValidationError

	branch := c.Git.TargetBranch
	if branch == "" || strings.ContainsAny(branch, " ~^:?*[\\") || strings.HasPrefix(branch, "-") {
		errors = append(errors, ValidationError{
			Field:   "git.target_branch",
			Value:   branch,
			Message: "must be a valid branch name",
		})
	}
	if strings.TrimSpace(c.Git.Remote) == "" {
		errors = append(errors, ValidationError{
			Field:   "git.remote",
			Value:   c.Git.Remote,
			Message: "must not be empty",
		})
	}

	return errors
}

// validateWorkflow validates the WorkflowConfig
func (c *Config) validateWorkflow() []ValidationError {
	var errors []ValidationError

	errors = append(errors, positive("workflow.poll_interval_seconds", c.Workflow.PollIntervalSeconds)...)
	errors = append(errors, nonNegative("workflow.settle_delay_seconds", c.Workflow.SettleDelaySeconds)...)
	errors = append(errors, nonNegative("workflow.check_restart_delay_seconds", c.Workflow.CheckRestartDelaySeconds)...)
	errors = append(errors, positive("workflow.mergeable_poll_attempts", c.Workflow.MergeablePollAttempts)...)

	return errors
}

// validateGuard validates the GuardConfig
func (c *Config) validateGuard() []ValidationError {
	var errors []ValidationError

	errors = append(errors, nonNegative("guard.retry_delay_seconds", c.Guard.RetryDelaySeconds)...)
	errors = append(errors, positive("guard.consecutive_failure_limit", c.Guard.ConsecutiveFailureLimit)...)
	errors = append(errors, positive("guard.failure_window_seconds", c.Guard.FailureWindowSeconds)...)
	errors = append(errors, oneOf("guard.breaker_preset", c.Guard.BreakerPreset, ValidBreakerPresets())...)

	return errors
}

// validatePresets validates the monitor and parallel presets
func (c *Config) validatePresets() []ValidationError {
	var errors []ValidationError

	errors = append(errors, oneOf("monitor.preset", c.Monitor.Preset, ValidMonitorPresets())...)
	errors = append(errors, oneOf("parallel.preset", c.Parallel.Preset, ValidParallelPresets())...)
	errors = append(errors, nonNegative("parallel.max_workers", c.Parallel.MaxWorkers)...)

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	return oneOf("logging.level", strings.ToLower(c.Logging.Level), ValidLogLevels())
}

// validateMetrics validates the MetricsConfig
func (c *Config) validateMetrics() []ValidationError {
	if c.Metrics.Addr == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.Metrics.Addr); err != nil {
		return []ValidationError{{
			Field:   "metrics.addr",
			Value:   c.Metrics.Addr,
			Message: "must be host:port",
		}}
	}
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete taskmaster configuration
type Config struct {
	State    StateConfig    `mapstructure:"state"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Models   ModelsConfig   `mapstructure:"models"`
	GitHub   GitHubConfig   `mapstructure:"github"`
	Git      GitConfig      `mapstructure:"git"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Guard    GuardConfig    `mapstructure:"guard"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Parallel ParallelConfig `mapstructure:"parallel"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// StateConfig controls where run state lives and how much history is kept
type StateConfig struct {
	// Dir is the state directory. Relative paths resolve against the working
	// directory (default: ".claude-task-master")
	Dir string `mapstructure:"dir"`
	// KeepLogs is how many run logs survive cleanup after success
	KeepLogs int `mapstructure:"keep_logs"`
	// MaxBackups bounds the number of state.json snapshots
	MaxBackups int `mapstructure:"max_backups"`
}

// EngineConfig controls how work sessions are launched
type EngineConfig struct {
	// Binary is the engine executable (default: "claude")
	Binary string `mapstructure:"binary"`
	// Model is the default model tier for new runs: opus, sonnet or haiku
	Model string `mapstructure:"model"`
	// SessionTimeoutMinutes bounds a single work session (0 = no limit)
	SessionTimeoutMinutes int `mapstructure:"session_timeout_minutes"`
	// SkipPermissions passes --dangerously-skip-permissions to the engine
	SkipPermissions bool `mapstructure:"skip_permissions"`
	// ExtraArgs are appended to every engine invocation
	ExtraArgs []string `mapstructure:"extra_args"`
}

// ModelsConfig maps model tiers to concrete model names
type ModelsConfig struct {
	Opus   string `mapstructure:"opus"`
	Sonnet string `mapstructure:"sonnet"`
	Haiku  string `mapstructure:"haiku"`
}

// GitHubConfig controls the change request host client
type GitHubConfig struct {
	// Token authenticates API calls. Usually supplied through GITHUB_TOKEN.
	Token string `mapstructure:"token"`
	// BaseURL points at a GitHub Enterprise API endpoint (empty = github.com)
	BaseURL string `mapstructure:"base_url"`
	// RequestsPerSecond throttles API calls
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	// Burst is the number of calls allowed above the steady rate
	Burst int `mapstructure:"burst"`
	// MergeMethod is one of: merge, squash, rebase
	MergeMethod string `mapstructure:"merge_method"`
	// Reviewers are requested on every change request
	Reviewers []string `mapstructure:"reviewers"`
	// ReviewersByPath maps file glob patterns to extra reviewers
	ReviewersByPath map[string][]string `mapstructure:"reviewers_by_path"`
}

// GitConfig controls local repository operations
type GitConfig struct {
	// TargetBranch is the base branch change requests merge into
	TargetBranch string `mapstructure:"target_branch"`
	// Remote is the remote name used for pulls and slug detection
	Remote string `mapstructure:"remote"`
}

// WorkflowConfig controls the change request lifecycle timing
type WorkflowConfig struct {
	PollIntervalSeconds      int `mapstructure:"poll_interval_seconds"`
	SettleDelaySeconds       int `mapstructure:"settle_delay_seconds"`
	CheckRestartDelaySeconds int `mapstructure:"check_restart_delay_seconds"`
	MergeablePollAttempts    int `mapstructure:"mergeable_poll_attempts"`
}

// GuardConfig controls retry and circuit breaking around collaborator calls
type GuardConfig struct {
	RetryDelaySeconds       int `mapstructure:"retry_delay_seconds"`
	ConsecutiveFailureLimit int `mapstructure:"consecutive_failure_limit"`
	FailureWindowSeconds    int `mapstructure:"failure_window_seconds"`
	// BreakerPreset is one of: default, aggressive, lenient
	BreakerPreset string `mapstructure:"breaker_preset"`
}

// MonitorConfig selects stall and loop detection thresholds
type MonitorConfig struct {
	// Preset is one of: default, strict
	Preset string `mapstructure:"preset"`
}

// ParallelConfig controls the bounded task executor
type ParallelConfig struct {
	// Preset is one of: default, conservative, aggressive
	Preset string `mapstructure:"preset"`
	// MaxWorkers overrides the preset worker count when > 0
	MaxWorkers int `mapstructure:"max_workers"`
}

// LoggingConfig controls CLI diagnostics. Per-run verbosity lives in the run
// options (quiet, normal, verbose).
type LoggingConfig struct {
	// Level is one of: debug, info, warn, error
	Level string `mapstructure:"level"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	// Addr is the listen address for /metrics (empty = disabled)
	Addr string `mapstructure:"addr"`
}

// ResolveStateDir returns the absolute state directory.
// A leading ~ expands to the user's home directory; relative paths resolve
// against baseDir.
func (s *StateConfig) ResolveStateDir(baseDir string) string {
	path := s.Dir
	if path == "" {
		path = ".claude-task-master"
	}

	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			path = home
		}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	return path
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		State: StateConfig{
			Dir:        ".claude-task-master",
			KeepLogs:   10,
			MaxBackups: 20,
		},
		Engine: EngineConfig{
			Binary:                "claude",
			Model:                 "opus",
			SessionTimeoutMinutes: 0,
			SkipPermissions:       true,
			ExtraArgs:             []string{},
		},
		Models: ModelsConfig{
			Opus:   "claude-opus-4-5-20251101",
			Sonnet: "claude-sonnet-4-5-20250929",
			Haiku:  "claude-haiku-4-5-20251001",
		},
		GitHub: GitHubConfig{
			RequestsPerSecond: 5,
			Burst:             10,
			MergeMethod:       "squash",
			Reviewers:         []string{},
		},
		Git: GitConfig{
			TargetBranch: "main",
			Remote:       "origin",
		},
		Workflow: WorkflowConfig{
			PollIntervalSeconds:      10,
			SettleDelaySeconds:       5,
			CheckRestartDelaySeconds: 30,
			MergeablePollAttempts:    6,
		},
		Guard: GuardConfig{
			RetryDelaySeconds:       5,
			ConsecutiveFailureLimit: 3,
			FailureWindowSeconds:    60,
			BreakerPreset:           "default",
		},
		Monitor: MonitorConfig{
			Preset: "default",
		},
		Parallel: ParallelConfig{
			Preset: "default",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ModelFor returns the concrete model name for a tier, falling back to the
// tier itself when it is not one of the configured aliases.
func (m *ModelsConfig) ModelFor(tier string) string {
	switch strings.ToLower(tier) {
	case "opus":
		return m.Opus
	case "sonnet":
		return m.Sonnet
	case "haiku":
		return m.Haiku
	}
	return tier
}

// SessionTimeout returns the engine session timeout (0 means no limit)
func (c *EngineConfig) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMinutes) * time.Minute
}

// PollInterval returns the CI poll interval
func (c *WorkflowConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// SettleDelay returns the pause after CI settles before reading reviews
func (c *WorkflowConfig) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelaySeconds) * time.Second
}

// CheckRestartDelay returns the wait for checks to restart after a push
func (c *WorkflowConfig) CheckRestartDelay() time.Duration {
	return time.Duration(c.CheckRestartDelaySeconds) * time.Second
}

// RetryDelay returns the fixed delay between guarded retries
func (c *GuardConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// FailureWindow returns the window in which consecutive failures count
func (c *GuardConfig) FailureWindow() time.Duration {
	return time.Duration(c.FailureWindowSeconds) * time.Second
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// State defaults
	viper.SetDefault("state.dir", defaults.State.Dir)
	viper.SetDefault("state.keep_logs", defaults.State.KeepLogs)
	viper.SetDefault("state.max_backups", defaults.State.MaxBackups)

	// Engine defaults
	viper.SetDefault("engine.binary", defaults.Engine.Binary)
	viper.SetDefault("engine.model", defaults.Engine.Model)
	viper.SetDefault("engine.session_timeout_minutes", defaults.Engine.SessionTimeoutMinutes)
	viper.SetDefault("engine.skip_permissions", defaults.Engine.SkipPermissions)
	viper.SetDefault("engine.extra_args", defaults.Engine.ExtraArgs)

	// Model name defaults
	viper.SetDefault("models.opus", defaults.Models.Opus)
	viper.SetDefault("models.sonnet", defaults.Models.Sonnet)
	viper.SetDefault("models.haiku", defaults.Models.Haiku)

	// GitHub defaults
	viper.SetDefault("github.token", defaults.GitHub.Token)
	viper.SetDefault("github.base_url", defaults.GitHub.BaseURL)
	viper.SetDefault("github.requests_per_second", defaults.GitHub.RequestsPerSecond)
	viper.SetDefault("github.burst", defaults.GitHub.Burst)
	viper.SetDefault("github.merge_method", defaults.GitHub.MergeMethod)
	viper.SetDefault("github.reviewers", defaults.GitHub.Reviewers)

	// Git defaults
	viper.SetDefault("git.target_branch", defaults.Git.TargetBranch)
	viper.SetDefault("git.remote", defaults.Git.Remote)

	// Workflow defaults
	viper.SetDefault("workflow.poll_interval_seconds", defaults.Workflow.PollIntervalSeconds)
	viper.SetDefault("workflow.settle_delay_seconds", defaults.Workflow.SettleDelaySeconds)
	viper.SetDefault("workflow.check_restart_delay_seconds", defaults.Workflow.CheckRestartDelaySeconds)
	viper.SetDefault("workflow.mergeable_poll_attempts", defaults.Workflow.MergeablePollAttempts)

	// Guard defaults
	viper.SetDefault("guard.retry_delay_seconds", defaults.Guard.RetryDelaySeconds)
	viper.SetDefault("guard.consecutive_failure_limit", defaults.Guard.ConsecutiveFailureLimit)
	viper.SetDefault("guard.failure_window_seconds", defaults.Guard.FailureWindowSeconds)
	viper.SetDefault("guard.breaker_preset", defaults.Guard.BreakerPreset)

	viper.SetDefault("monitor.preset", defaults.Monitor.Preset)

	viper.SetDefault("parallel.preset", defaults.Parallel.Preset)
	viper.SetDefault("parallel.max_workers", defaults.Parallel.MaxWorkers)

	viper.SetDefault("logging.level", defaults.Logging.Level)

	viper.SetDefault("metrics.addr", defaults.Metrics.Addr)
}

// BindEnv wires well-known environment variables that do not follow the
// TASKMASTER_ prefix.
func BindEnv() {
	_ = viper.BindEnv("github.token", "TASKMASTER_GITHUB_TOKEN", "GITHUB_TOKEN", "GH_TOKEN")
	_ = viper.BindEnv("git.target_branch", "TASKMASTER_GIT_TARGET_BRANCH", "CLAUDETM_TARGET_BRANCH")
	_ = viper.BindEnv("models.opus", "TASKMASTER_MODELS_OPUS", "CLAUDETM_MODEL_OPUS")
	_ = viper.BindEnv("models.sonnet", "TASKMASTER_MODELS_SONNET", "CLAUDETM_MODEL_SONNET")
	_ = viper.BindEnv("models.haiku", "TASKMASTER_MODELS_HAIKU", "CLAUDETM_MODEL_HAIKU")
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "taskmaster")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskmaster"
	}
	return filepath.Join(home, ".config", "taskmaster")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

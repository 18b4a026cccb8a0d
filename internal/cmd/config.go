package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sebyx07/claude-task-master-py-sub000/internal/config"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/logging"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/state"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify configuration",
	Long: `View or modify taskmaster configuration.

Without arguments, displays the current configuration.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value or a run option",
	Long: `Set a configuration value in the user's config file, or an option of
the active run.

Dotted keys change the config file, e.g.:
  taskmaster config set github.merge_method rebase
  taskmaster config set workflow.poll_interval_seconds 20
  taskmaster config set engine.model sonnet

Plain keys change the active run and take effect at its next step:
  auto_merge            - merge ready pull requests (true/false)
  max_sessions          - session cap, 0 removes it
  pause_on_pr           - pause after opening a pull request (true/false)
  pr_per_task           - one pull request per task (true/false)
  enable_checkpointing  - engine checkpointing (true/false)
  log_level             - quiet, normal or verbose
  log_format            - text or json`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

// configKeys lists the config file keys settable from the command line and
// their value types.
var configKeys = map[string]string{
	"state.dir":                            "string",
	"state.keep_logs":                      "int",
	"state.max_backups":                    "int",
	"engine.binary":                        "string",
	"engine.model":                         "string",
	"engine.session_timeout_minutes":       "int",
	"engine.skip_permissions":              "bool",
	"models.opus":                          "string",
	"models.sonnet":                        "string",
	"models.haiku":                         "string",
	"github.base_url":                      "string",
	"github.requests_per_second":           "float",
	"github.burst":                         "int",
	"github.merge_method":                  "string",
	"git.target_branch":                    "string",
	"git.remote":                           "string",
	"workflow.poll_interval_seconds":       "int",
	"workflow.settle_delay_seconds":        "int",
	"workflow.check_restart_delay_seconds": "int",
	"workflow.mergeable_poll_attempts":     "int",
	"guard.retry_delay_seconds":            "int",
	"guard.consecutive_failure_limit":      "int",
	"guard.failure_window_seconds":         "int",
	"guard.breaker_preset":                 "string",
	"monitor.preset":                       "string",
	"parallel.preset":                      "string",
	"parallel.max_workers":                 "int",
	"logging.level":                        "string",
	"metrics.addr":                         "string",
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Println(paint(titleStyle, "Current configuration:"))
	fmt.Println()
	if viper.ConfigFileUsed() != "" {
		fmt.Printf("Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Printf("Config file: (none - using defaults)\n")
	}
	fmt.Println()

	fmt.Println("state:")
	fmt.Printf("  dir: %s\n", cfg.State.Dir)
	fmt.Printf("  keep_logs: %d\n", cfg.State.KeepLogs)
	fmt.Printf("  max_backups: %d\n", cfg.State.MaxBackups)

	fmt.Println("engine:")
	fmt.Printf("  binary: %s\n", cfg.Engine.Binary)
	fmt.Printf("  model: %s\n", cfg.Engine.Model)
	fmt.Printf("  session_timeout_minutes: %d\n", cfg.Engine.SessionTimeoutMinutes)
	fmt.Printf("  skip_permissions: %v\n", cfg.Engine.SkipPermissions)

	fmt.Println("models:")
	fmt.Printf("  opus: %s\n", cfg.Models.Opus)
	fmt.Printf("  sonnet: %s\n", cfg.Models.Sonnet)
	fmt.Printf("  haiku: %s\n", cfg.Models.Haiku)

	fmt.Println("github:")
	token := "(not set)"
	if cfg.GitHub.Token != "" {
		token = "(set)"
	}
	fmt.Printf("  token: %s\n", token)
	if cfg.GitHub.BaseURL != "" {
		fmt.Printf("  base_url: %s\n", cfg.GitHub.BaseURL)
	}
	fmt.Printf("  merge_method: %s\n", cfg.GitHub.MergeMethod)
	fmt.Printf("  requests_per_second: %g\n", cfg.GitHub.RequestsPerSecond)
	if len(cfg.GitHub.Reviewers) > 0 {
		fmt.Printf("  reviewers: %s\n", strings.Join(cfg.GitHub.Reviewers, ", "))
	}

	fmt.Println("git:")
	fmt.Printf("  target_branch: %s\n", cfg.Git.TargetBranch)
	fmt.Printf("  remote: %s\n", cfg.Git.Remote)

	fmt.Println("workflow:")
	fmt.Printf("  poll_interval_seconds: %d\n", cfg.Workflow.PollIntervalSeconds)
	fmt.Printf("  settle_delay_seconds: %d\n", cfg.Workflow.SettleDelaySeconds)
	fmt.Printf("  check_restart_delay_seconds: %d\n", cfg.Workflow.CheckRestartDelaySeconds)
	fmt.Printf("  mergeable_poll_attempts: %d\n", cfg.Workflow.MergeablePollAttempts)

	fmt.Println("guard:")
	fmt.Printf("  retry_delay_seconds: %d\n", cfg.Guard.RetryDelaySeconds)
	fmt.Printf("  consecutive_failure_limit: %d\n", cfg.Guard.ConsecutiveFailureLimit)
	fmt.Printf("  failure_window_seconds: %d\n", cfg.Guard.FailureWindowSeconds)
	fmt.Printf("  breaker_preset: %s\n", cfg.Guard.BreakerPreset)

	fmt.Printf("monitor:\n  preset: %s\n", cfg.Monitor.Preset)
	fmt.Printf("parallel:\n  preset: %s\n  max_workers: %d\n", cfg.Parallel.Preset, cfg.Parallel.MaxWorkers)
	fmt.Printf("logging:\n  level: %s\n", cfg.Logging.Level)
	if cfg.Metrics.Addr != "" {
		fmt.Printf("metrics:\n  addr: %s\n", cfg.Metrics.Addr)
	}
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	if !strings.Contains(key, ".") {
		return setRunOption(key, value)
	}

	keyType, ok := configKeys[key]
	if !ok {
		keys := make([]string, 0, len(configKeys))
		for k := range configKeys {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return fmt.Errorf("unknown configuration key: %s\nValid keys: %s", key, strings.Join(keys, ", "))
	}

	typed, err := parseTyped(key, keyType, value)
	if err != nil {
		return err
	}

	// Validate the candidate before it reaches the file.
	viper.Set(key, typed)
	if _, err := config.Load(); err != nil {
		return err
	}

	if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	configFile := config.ConfigFile()
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Set %s = %v\n", key, typed)
	fmt.Printf("Config saved to %s\n", configFile)
	return nil
}

func parseTyped(key, keyType, value string) (any, error) {
	switch keyType {
	case "bool":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return b, nil
	case "int":
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		if n < 0 {
			return nil, fmt.Errorf("invalid value for %s: must be non-negative", key)
		}
		return n, nil
	case "float":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected number", key)
		}
		return f, nil
	}
	return value, nil
}

// parseOptionPatch converts a run option key and value into a patch.
func parseOptionPatch(key, value string) (state.OptionsPatch, error) {
	var patch state.OptionsPatch
	boolean := func() (*bool, error) {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return &b, nil
	}
	var err error
	switch key {
	case "auto_merge":
		patch.AutoMerge, err = boolean()
	case "pause_on_pr":
		patch.PauseOnPR, err = boolean()
	case "pr_per_task":
		patch.PRPerTask, err = boolean()
	case "enable_checkpointing":
		patch.EnableCheckpointing, err = boolean()
	case "max_sessions":
		n, convErr := strconv.Atoi(value)
		if convErr != nil || n < 0 {
			return patch, fmt.Errorf("invalid value for max_sessions: expected a non-negative integer")
		}
		if n == 0 {
			patch.ClearMaxSessions = true
		} else {
			patch.MaxSessions = &n
		}
	case "log_level":
		if !slices.Contains([]string{logging.VerbosityQuiet, logging.VerbosityNormal, logging.VerbosityVerbose}, value) {
			return patch, fmt.Errorf("invalid value for log_level: expected quiet, normal or verbose")
		}
		patch.LogLevel = &value
	case "log_format":
		if value != "text" && value != "json" {
			return patch, fmt.Errorf("invalid value for log_format: expected text or json")
		}
		patch.LogFormat = &value
	default:
		return patch, fmt.Errorf("unknown run option: %s\nRun 'taskmaster config set --help' to see valid keys", key)
	}
	return patch, err
}

func setRunOption(key, value string) error {
	patch, err := parseOptionPatch(key, value)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	manager, _, err := newManager(cfg)
	if err != nil {
		return err
	}
	res, err := manager.UpdateOptions(patch)
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := config.ConfigFile()
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'taskmaster config set' to modify values", configFile)
	}
	if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configContent := `# Taskmaster configuration

# Where run state lives, relative to the working copy
state:
  dir: .claude-task-master
  keep_logs: 10

# Engine sessions
engine:
  binary: claude
  # Default tier for new runs: opus, sonnet or haiku
  model: opus
  # 0 means no limit
  session_timeout_minutes: 0

# Pull request host. The token is usually supplied through GITHUB_TOKEN.
github:
  merge_method: squash
  requests_per_second: 5
  reviewers: []
  # Extra reviewers for changes touching matching paths
  # reviewers_by_path:
  #   "docs/**": [docs-team]

git:
  target_branch: main
  remote: origin

# Pull request lifecycle timing
workflow:
  poll_interval_seconds: 10
  settle_delay_seconds: 5
  check_restart_delay_seconds: 30
  mergeable_poll_attempts: 6

# Retry and circuit breaking around the engine and the host
guard:
  retry_delay_seconds: 5
  consecutive_failure_limit: 3
  failure_window_seconds: 60
  # default, aggressive or lenient
  breaker_preset: default

# Stall and loop detection: default or strict
monitor:
  preset: default

# Concurrent fetches: default, conservative or aggressive
parallel:
  preset: default
`
	if err := os.WriteFile(configFile, []byte(configContent), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	configFile := config.ConfigFile()
	if viper.ConfigFileUsed() != "" {
		fmt.Printf("Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Printf("Default path: %s (not created)\n", configFile)
	}

	fmt.Println("\nSearch paths:")
	fmt.Printf("  1. %s\n", filepath.Join(config.ConfigDir(), "config.yaml"))
	fmt.Printf("  2. ./config.yaml (current directory)\n")
	fmt.Println("\nEnvironment variables: TASKMASTER_* (e.g., TASKMASTER_GITHUB_MERGE_METHOD)")
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg == nil {
		t.Fatal("Default() returned nil")
	}

	if cfg.State.Dir != ".claude-task-master" {
		t.Errorf("State.Dir = %q, want %q", cfg.State.Dir, ".claude-task-master")
	}
	if cfg.State.KeepLogs != 10 {
		t.Errorf("State.KeepLogs = %d, want 10", cfg.State.KeepLogs)
	}

	if cfg.Engine.Binary != "claude" {
		t.Errorf("Engine.Binary = %q, want claude", cfg.Engine.Binary)
	}
	if cfg.Engine.Model != "opus" {
		t.Errorf("Engine.Model = %q, want opus", cfg.Engine.Model)
	}

	if cfg.Git.TargetBranch != "main" {
		t.Errorf("Git.TargetBranch = %q, want main", cfg.Git.TargetBranch)
	}
	if cfg.GitHub.MergeMethod != "squash" {
		t.Errorf("GitHub.MergeMethod = %q, want squash", cfg.GitHub.MergeMethod)
	}

	if cfg.Workflow.PollIntervalSeconds != 10 {
		t.Errorf("Workflow.PollIntervalSeconds = %d, want 10", cfg.Workflow.PollIntervalSeconds)
	}
	if cfg.Workflow.MergeablePollAttempts != 6 {
		t.Errorf("Workflow.MergeablePollAttempts = %d, want 6", cfg.Workflow.MergeablePollAttempts)
	}

	if cfg.Guard.ConsecutiveFailureLimit != 3 {
		t.Errorf("Guard.ConsecutiveFailureLimit = %d, want 3", cfg.Guard.ConsecutiveFailureLimit)
	}
	if cfg.Guard.RetryDelay() != 5*time.Second {
		t.Errorf("Guard.RetryDelay() = %v, want 5s", cfg.Guard.RetryDelay())
	}
	if cfg.Guard.FailureWindow() != time.Minute {
		t.Errorf("Guard.FailureWindow() = %v, want 1m", cfg.Guard.FailureWindow())
	}

	if cfg.Metrics.Addr != "" {
		t.Errorf("Metrics.Addr should be disabled by default, got %q", cfg.Metrics.Addr)
	}
}

func TestWorkflowConfig_Durations(t *testing.T) {
	tests := []struct {
		name string
		got  func(*WorkflowConfig) time.Duration
		cfg  WorkflowConfig
		want time.Duration
	}{
		{"poll", (*WorkflowConfig).PollInterval, WorkflowConfig{PollIntervalSeconds: 10}, 10 * time.Second},
		{"settle", (*WorkflowConfig).SettleDelay, WorkflowConfig{SettleDelaySeconds: 5}, 5 * time.Second},
		{"restart", (*WorkflowConfig).CheckRestartDelay, WorkflowConfig{CheckRestartDelaySeconds: 30}, 30 * time.Second},
		{"zero settle", (*WorkflowConfig).SettleDelay, WorkflowConfig{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.got(&tt.cfg); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestModelsConfig_ModelFor(t *testing.T) {
	m := Default().Models

	tests := []struct {
		tier string
		want string
	}{
		{"opus", "claude-opus-4-5-20251101"},
		{"SONNET", "claude-sonnet-4-5-20250929"},
		{"haiku", "claude-haiku-4-5-20251001"},
		{"claude-custom", "claude-custom"},
	}

	for _, tt := range tests {
		t.Run(tt.tier, func(t *testing.T) {
			if got := m.ModelFor(tt.tier); got != tt.want {
				t.Errorf("ModelFor(%q) = %q, want %q", tt.tier, got, tt.want)
			}
		})
	}
}

func TestStateConfig_ResolveStateDir(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		name string
		dir  string
		want string
	}{
		{"empty uses default", "", filepath.Join("/work", ".claude-task-master")},
		{"relative", "state", filepath.Join("/work", "state")},
		{"absolute", "/var/tm", "/var/tm"},
		{"home", "~/tm", filepath.Join(home, "tm")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := StateConfig{Dir: tt.dir}
			if got := cfg.ResolveStateDir("/work"); got != tt.want {
				t.Errorf("ResolveStateDir() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConfigDir(t *testing.T) {
	t.Run("with XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/custom/config")
		if got := ConfigDir(); got != "/custom/config/taskmaster" {
			t.Errorf("ConfigDir() = %q", got)
		}
	})

	t.Run("without XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "")
		home, _ := os.UserHomeDir()
		expected := filepath.Join(home, ".config", "taskmaster")
		if got := ConfigDir(); got != expected {
			t.Errorf("ConfigDir() = %q, want %q", got, expected)
		}
	})
}

func TestConfigFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	if got := ConfigFile(); got != "/custom/config/taskmaster/config.yaml" {
		t.Errorf("ConfigFile() = %q", got)
	}
}

func TestLoad_FromFileAndEnv(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	SetDefaults()
	BindEnv()

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "workflow:\n  poll_interval_seconds: 3\ngit:\n  target_branch: develop\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig failed: %v", err)
	}

	t.Setenv("GITHUB_TOKEN", "ghp_test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Workflow.PollIntervalSeconds != 3 {
		t.Errorf("PollIntervalSeconds = %d, want 3", cfg.Workflow.PollIntervalSeconds)
	}
	if cfg.Git.TargetBranch != "develop" {
		t.Errorf("TargetBranch = %q, want develop", cfg.Git.TargetBranch)
	}
	if cfg.GitHub.Token != "ghp_test" {
		t.Errorf("GitHub.Token = %q, want value from GITHUB_TOKEN", cfg.GitHub.Token)
	}
	if cfg.Workflow.SettleDelaySeconds != 5 {
		t.Errorf("unset keys should keep defaults, got %d", cfg.Workflow.SettleDelaySeconds)
	}
}

func TestLoad_InvalidFallsBackInGet(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	SetDefaults()
	viper.Set("workflow.poll_interval_seconds", 0)

	if _, err := Load(); err == nil {
		t.Fatal("Load() should reject a zero poll interval")
	}

	cfg := Get()
	if cfg.Workflow.PollIntervalSeconds != 10 {
		t.Errorf("Get() should fall back to defaults, got %d", cfg.Workflow.PollIntervalSeconds)
	}
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sebyx07/claude-task-master-py-sub000/internal/config"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/logging"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/state"
)

var startCmd = &cobra.Command{
	Use:   "start <goal>",
	Short: "Start a new run for a goal",
	Long: `Start a new run. The goal is planned into tasks grouped by pull request,
then each task is worked in its own engine session. Every pull request is
driven through CI and review feedback until it merges.

The run holds a lock on the state directory; only one run may be active
per working copy. Interrupt with Ctrl-C to pause, then continue with
'taskmaster resume'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runStart,
}

var (
	startModel         string
	startMaxSessions   int
	startNoAutoMerge   bool
	startPauseOnPR     bool
	startPRPerTask     bool
	startCheckpointing bool
	startLogLevel      string
	startLogFormat     string
	startContext       string
	startMetricsAddr   string
)

func init() {
	startCmd.Flags().StringVarP(&startModel, "model", "m", "", "default model tier: opus, sonnet or haiku (default from engine.model)")
	startCmd.Flags().IntVar(&startMaxSessions, "max-sessions", 0, "stop after this many engine sessions (0 = unlimited)")
	startCmd.Flags().BoolVar(&startNoAutoMerge, "no-auto-merge", false, "pause when a pull request is ready instead of merging it")
	startCmd.Flags().BoolVar(&startPauseOnPR, "pause-on-pr", false, "pause after each pull request is opened")
	startCmd.Flags().BoolVar(&startPRPerTask, "pr-per-task", false, "open a pull request for every task instead of every group")
	startCmd.Flags().BoolVar(&startCheckpointing, "checkpointing", false, "enable engine checkpointing")
	startCmd.Flags().StringVar(&startLogLevel, "log-level", logging.VerbosityNormal, "run log verbosity: quiet, normal or verbose")
	startCmd.Flags().StringVar(&startLogFormat, "log-format", "text", "progress format: text or json")
	startCmd.Flags().StringVar(&startContext, "context", "", "background context passed to the planning session")
	startCmd.Flags().StringVar(&startMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(startCmd)
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func startOptions(cfg *config.Config) (string, state.Options, error) {
	model := startModel
	if model == "" {
		model = cfg.Engine.Model
	}
	if !slices.Contains(config.ValidModelTiers(), model) {
		return "", state.Options{}, fmt.Errorf("invalid model %q, valid: %s", model, strings.Join(config.ValidModelTiers(), ", "))
	}
	if !slices.Contains([]string{logging.VerbosityQuiet, logging.VerbosityNormal, logging.VerbosityVerbose}, startLogLevel) {
		return "", state.Options{}, fmt.Errorf("invalid log level %q, valid: quiet, normal, verbose", startLogLevel)
	}
	if startLogFormat != "text" && startLogFormat != "json" {
		return "", state.Options{}, fmt.Errorf("invalid log format %q, valid: text, json", startLogFormat)
	}
	if startMaxSessions < 0 {
		return "", state.Options{}, fmt.Errorf("--max-sessions must be non-negative")
	}

	opts := state.DefaultOptions()
	opts.AutoMerge = !startNoAutoMerge
	opts.PauseOnPR = startPauseOnPR
	opts.PRPerTask = startPRPerTask
	opts.EnableCheckpointing = startCheckpointing
	opts.LogLevel = startLogLevel
	opts.LogFormat = startLogFormat
	if startMaxSessions > 0 {
		n := startMaxSessions
		opts.MaxSessions = &n
	}
	return model, opts, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	model, opts, err := startOptions(cfg)
	if err != nil {
		return err
	}

	manager, store, err := newManager(cfg)
	if err != nil {
		return err
	}
	goal := strings.Join(args, " ")
	res, err := manager.InitializeRun(goal, model, opts)
	if err != nil {
		return fmt.Errorf("failed to start run: %w\nUse 'taskmaster resume' to continue or 'taskmaster clean' to discard it", err)
	}
	if startContext != "" {
		if err := store.SaveContext(startContext); err != nil {
			return fmt.Errorf("failed to save context: %w", err)
		}
	}
	printResult(res)

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	return execute(ctx, cfg, store, startMetricsAddr)
}

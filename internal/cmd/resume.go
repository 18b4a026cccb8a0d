package cmd

import (
	"github.com/spf13/cobra"

	"github.com/sebyx07/claude-task-master-py-sub000/internal/orchestrator"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/state"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused, blocked or stopped run",
	Long: `Resume the run in the state directory. The workflow stage is first
reconciled with the pull request host, so work merged or reviewed while
the run was paused is picked up where it stands.`,
	Args: cobra.NoArgs,
	RunE: runResume,
}

var resumeMetricsAddr string

func init() {
	resumeCmd.Flags().StringVar(&resumeMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	manager, store, err := newManager(cfg)
	if err != nil {
		return err
	}

	_, snap, err := manager.GetStatus()
	if err != nil {
		return err
	}
	// A run that died while planning has nothing to transition.
	if snap.Status != state.StatusPlanning {
		res, err := manager.Resume()
		if err != nil {
			return err
		}
		printResult(res)
		if state.IsTerminal(res.NewStatus) {
			if code := orchestrator.ExitCodeFor(res.NewStatus); code != orchestrator.ExitSuccess {
				return &exitError{code: code}
			}
			return nil
		}
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	return execute(ctx, cfg, store, resumeMetricsAddr)
}

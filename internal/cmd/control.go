package cmd

import (
	"strings"

	"github.com/spf13/cobra"
)

var pauseCmd = &cobra.Command{
	Use:   "pause [reason]",
	Short: "Pause the active run",
	Long: `Mark the run as paused. A run executing in another terminal notices the
change, stops after interrupting its current step and exits with status 2.`,
	RunE: runPause,
}

var stopCmd = &cobra.Command{
	Use:   "stop [reason]",
	Short: "Stop the active run",
	Long: `Mark the run as stopped. A stopped run can still be resumed. With
--cleanup the state directory is removed as well, keeping only run logs.`,
	RunE: runStop,
}

var stopCleanup bool

func init() {
	stopCmd.Flags().BoolVar(&stopCleanup, "cleanup", false, "remove run state after stopping")
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(stopCmd)
}

func runPause(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	manager, _, err := newManager(cfg)
	if err != nil {
		return err
	}
	res, err := manager.Pause(strings.Join(args, " "))
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	manager, _, err := newManager(cfg)
	if err != nil {
		return err
	}
	res, err := manager.Stop(strings.Join(args, " "), stopCleanup)
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

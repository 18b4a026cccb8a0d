package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sebyx07/claude-task-master-py-sub000/internal/control"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the current run",
	Long:  `Display the goal, status, workflow stage, session count and task list of the run in the state directory.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var statusOutput string

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "text", "output format: text, json or yaml")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	manager, _, err := newManager(cfg)
	if err != nil {
		return err
	}
	_, snap, err := manager.GetStatus()
	if err != nil {
		return err
	}
	return writeStatus(os.Stdout, snap, statusOutput)
}

// writeStatus encodes snap in the requested format.
func writeStatus(w io.Writer, snap control.Status, format string) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode status: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(snap); err != nil {
			return fmt.Errorf("failed to encode status: %w", err)
		}
		return enc.Close()
	case "text", "":
		_, err := fmt.Fprintln(w, renderStatus(snap))
		return err
	}
	return fmt.Errorf("unknown output format %q, valid: text, json, yaml", format)
}

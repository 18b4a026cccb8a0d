package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sebyx07/claude-task-master-py-sub000/internal/plan"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the parsed task plan",
	Long: `Display the tasks parsed from the run's plan, grouped by pull request,
with their completion state and complexity.`,
	Args: cobra.NoArgs,
	RunE: runPlan,
}

var planJSON bool

func init() {
	planCmd.Flags().BoolVar(&planJSON, "json", false, "print the parsed plan as JSON")
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg, nil)
	if err != nil {
		return err
	}
	scheduler := plan.NewScheduler(store)
	p, err := scheduler.Plan()
	if err != nil {
		return err
	}

	if planJSON {
		data, err := json.MarshalIndent(struct {
			Tasks  []plan.Task  `json:"tasks"`
			Groups []plan.Group `json:"groups"`
		}{p.Tasks(), p.Groups()}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode plan: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	current := -1
	if st, err := store.Load(); err == nil {
		current = st.CurrentTaskIndex
	}
	fmt.Println(paint(titleStyle, fmt.Sprintf("Plan: %d/%d tasks complete, %d pull requests", p.CompletedCount(), p.Len(), len(p.Groups()))))
	fmt.Print(renderTasks(p.Tasks(), current))
	return nil
}

package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Discard the run state",
	Long: `Remove the run state so a new run can be started. Run logs are kept
unless --all is given. A run that is still executing is left alone unless
--force is given.`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

var (
	cleanForce bool
	cleanAll   bool
	cleanYes   bool
)

func init() {
	cleanCmd.Flags().BoolVarP(&cleanForce, "force", "f", false, "clean even if a run holds the session lock")
	cleanCmd.Flags().BoolVar(&cleanAll, "all", false, "remove run logs too")
	cleanCmd.Flags().BoolVarP(&cleanYes, "yes", "y", false, "do not ask for confirmation")
	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg, nil)
	if err != nil {
		return err
	}
	if _, err := os.Stat(store.Dir()); os.IsNotExist(err) {
		fmt.Println("Nothing to clean")
		return nil
	}

	if store.IsSessionActive() && !cleanForce {
		holder := "another process"
		if info, err := store.LockHolder(); err == nil && info != nil {
			holder = fmt.Sprintf("process %d", info.PID)
		}
		return fmt.Errorf("a run is active (%s); stop it first or pass --force", holder)
	}

	if !cleanYes && isTTY() {
		fmt.Printf("Remove run state in %s? [y/N] ", store.Dir())
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			fmt.Println("Aborted")
			return nil
		}
	}

	if cleanAll {
		if err := os.RemoveAll(store.Dir()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", store.Dir(), err)
		}
	} else {
		runID := ""
		if st, err := store.Load(); err == nil {
			runID = st.RunID
		}
		if err := store.CleanupOnSuccess(runID); err != nil {
			return err
		}
	}
	fmt.Println(paint(successStyle, "Run state removed"))
	return nil
}

// Package cmd implements the taskmaster command line.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sebyx07/claude-task-master-py-sub000/internal/config"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/orchestrator"
)

var rootCmd = &cobra.Command{
	Use:   "taskmaster",
	Short: "Drive a coding goal to merged pull requests",
	Long: `Taskmaster plans a goal into tasks, runs an AI coding session per task,
and shepherds each pull request through CI, review feedback and merge
until the success criteria are met.

Run state lives in a directory inside the working copy so a run can be
paused, inspected and resumed from another terminal.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries a process exit code out of a command. The message, if
// any, has already been printed.
type exitError struct {
	code orchestrator.ExitCode
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return int(ee.code)
	}
	fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
	return 1
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $XDG_CONFIG_HOME/taskmaster/config.yaml)")
	rootCmd.PersistentFlags().String("dir", "", "state directory (default .claude-task-master in the working directory)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("state.dir", rootCmd.PersistentFlags().Lookup("dir"))
}

func initConfig() {
	// .env in the working directory supplies tokens without exporting them.
	_ = godotenv.Load()

	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("TASKMASTER")
	// TASKMASTER_GITHUB_MERGE_METHOD for github.merge_method
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	config.BindEnv()

	_ = viper.ReadInConfig()
}

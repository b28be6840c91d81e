package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sudodev/internal/tasks"
)

var (
	taskProfile string
	taskDir     string
)

// taskCmd runs one project task: install, test, run or clean.
var taskCmd = &cobra.Command{
	Use:   "task {install|test|run|clean}",
	Short: "Run a project task",
	Long: `Runs one project task in the project directory. Each task is a single
independent step:

  install  install the project for development (needs a package manifest)
  test     run the test suite; exits with the test runner's status
  run      run the sudodev entry point; exits with its status
  clean    remove build output, test caches and compiled files

The project kind (go or python) is detected from its manifest unless
--profile is given.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"install", "test", "run", "clean"},
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := taskDir
		if dir == "" {
			dir = workspace
		}
		dir, err := filepath.Abs(dir)
		if err != nil {
			return err
		}

		name := taskProfile
		if name == "" {
			name = cfg.Tasks.Profile
		}
		profile, err := tasks.ResolveProfile(name, dir)
		if err != nil {
			return err
		}

		runner := tasks.NewRunner(dir, profile, tasks.WithOutput(cmd.OutOrStdout(), cmd.ErrOrStderr()))
		res, err := runner.Run(cmd.Context(), args[0])
		if res != nil {
			logger.Debug("Task finished",
				zap.String("task", string(res.Task)),
				zap.String("profile", profile.Name),
				zap.Int("exit_code", res.ExitCode),
				zap.Duration("duration", res.Duration))
			if res.Task == tasks.TaskClean {
				printRemoved(cmd, res.Removed)
			}
		}
		return err
	},
}

func init() {
	taskCmd.Flags().StringVar(&taskProfile, "profile", "", "Project kind: "+strings.Join(tasks.ProfileNames(), ", ")+" (default: detect)")
	taskCmd.Flags().StringVar(&taskDir, "dir", "", "Project directory (default: workspace)")
}

func printRemoved(cmd *cobra.Command, removed []string) {
	out := cmd.OutOrStdout()
	if len(removed) == 0 {
		fmt.Fprintln(out, "Nothing to clean")
		return
	}
	for _, p := range removed {
		fmt.Fprintf(out, "removed %s\n", p)
	}
}

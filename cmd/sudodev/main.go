package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"sudodev/internal/config"
	"sudodev/internal/logging"
	"sudodev/internal/tasks"
)

var (
	// Global flags
	verbose    bool
	debug      bool
	configPath string
	workspace  string

	cfg    *config.Config
	logger *zap.Logger
)

// errUnresolved marks a run that finished without resolving its instance.
var errUnresolved = errors.New("agent failed to resolve issue")

// rootCmd runs the agent on the default instance when no subcommand is given.
var rootCmd = &cobra.Command{
	Use:   "sudodev",
	Short: "SudoDev - autonomous bug-fixing agent for SWE-bench",
	Long: `SudoDev reproduces a GitHub issue inside the instance's SWE-bench container,
locates the files to change, rewrites them with an LLM and verifies the fix
by rerunning the reproduction script, retrying with feedback on failure.

Run without arguments to solve the configured default instance.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return loadConfig()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return solve(cmd.Context(), []string{cfg.Dataset.DefaultInstance}, solveOptions{parallel: 1})
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Write category logs under .sudodev/logs")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: .sudodev/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")

	rootCmd.AddCommand(solveCmd, taskCmd, datasetCmd, historyCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(err))
}

// exitCode maps a command error to the process status. A task's own exit
// status is passed through unchanged.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *tasks.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if !errors.Is(err, errUnresolved) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return 1
}

// loadConfig reads .env and the config file, then starts category logging.
func loadConfig() error {
	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}
	workspace = ws

	if err := config.LoadDotEnv(filepath.Join(ws, ".env")); err != nil {
		return err
	}

	path := configPath
	if path == "" {
		path = config.DefaultPath(ws)
	}
	cfg, err = config.Load(path)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.DebugMode = true
	}

	if cfg.Logging.DebugMode {
		if err := logging.Initialize(filepath.Join(ws, config.StateDir), cfg.Logging.Options()); err != nil {
			logger.Warn("Category logging disabled", zap.Error(err))
		}
	}
	logging.BootDebug("Loaded config from %s (provider=%s)", path, cfg.LLM.Provider)
	return nil
}

func resolveWorkspace() (string, error) {
	if workspace != "" {
		return filepath.Abs(workspace)
	}
	return os.Getwd()
}

// statePath resolves a configured path against the workspace.
func statePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}

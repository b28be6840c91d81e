package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sudodev/internal/agent"
	"sudodev/internal/config"
	"sudodev/internal/llm"
	"sudodev/internal/logging"
	"sudodev/internal/sandbox"
	"sudodev/internal/store"
	"sudodev/internal/swebench"
	"sudodev/internal/tactile"
	"sudodev/internal/usage"
)

type solveOptions struct {
	parallel      int
	keepContainer bool
	predictions   string
	noHistory     bool
}

var solveFlags solveOptions

// solveCmd runs the agent on one or more instances.
var solveCmd = &cobra.Command{
	Use:   "solve [instance-id...]",
	Short: "Run the agent on SWE-bench instances",
	Long: `Runs reproduce -> locate -> fix -> verify for each instance in its own
container and appends every produced patch to the predictions file.

With no arguments the configured default instance is solved.

Example:
  sudodev solve django__django-11001 astropy__astropy-12907 --parallel 2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := args
		if len(ids) == 0 {
			ids = []string{cfg.Dataset.DefaultInstance}
		}
		return solve(cmd.Context(), ids, solveFlags)
	},
}

func init() {
	solveCmd.Flags().IntVarP(&solveFlags.parallel, "parallel", "p", 1, "Instances solved concurrently")
	solveCmd.Flags().BoolVar(&solveFlags.keepContainer, "keep-container", false, "Leave containers running after the run")
	solveCmd.Flags().StringVar(&solveFlags.predictions, "predictions", "", "Predictions JSONL file (default from config)")
	solveCmd.Flags().BoolVar(&solveFlags.noHistory, "no-history", false, "Do not record runs in the history database")
}

// solve resolves the instances, then runs one agent per instance with at
// most opts.parallel in flight. It returns errUnresolved when any instance
// was not resolved.
func solve(ctx context.Context, ids []string, opts solveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.parallel < 1 {
		opts.parallel = 1
	}

	client, err := llm.New(ctx, cfg.LLM)
	if err != nil {
		return err
	}

	ds := newDataset()
	issues := make([]*swebench.Instance, 0, len(ids))
	for _, id := range ids {
		inst, err := ds.Find(ctx, id)
		if err != nil {
			return fmt.Errorf("load %s: %w", id, err)
		}
		issues = append(issues, inst)
	}

	docker := tactile.NewContainerManager(tactile.NewDirectExecutor(), "")
	if err := docker.Ping(ctx); err != nil {
		return err
	}

	var recorder agent.Recorder
	if !opts.noHistory {
		hs, err := store.Open(statePath(cfg.Store.Path))
		if err != nil {
			return err
		}
		defer hs.Close()
		recorder = hs
	}

	predictions := opts.predictions
	if predictions == "" {
		predictions = statePath(cfg.Output.Predictions)
	}

	tracker, err := usage.NewTracker(statePath(config.StateDir))
	if err != nil {
		return err
	}
	ctx = usage.NewContext(ctx, tracker)
	defer func() {
		if err := tracker.Save(); err != nil {
			logger.Warn("Failed to save token usage", zap.Error(err))
		}
		total := tracker.Stats().Total
		logger.Info("Token usage", zap.Int64("calls", total.Calls), zap.Int64("input", total.Input), zap.Int64("output", total.Output))
	}()

	console := logging.NewConsole(os.Stdout)
	results := make([]*agent.Result, len(issues))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.parallel)
	for i, issue := range issues {
		g.Go(func() error {
			logger.Info("Starting agent", zap.String("instance", issue.InstanceID))
			sb := sandbox.New(docker, issue.InstanceID, sandboxOptions())
			a := agent.New(issue, sb, client, agent.Options{
				MaxAttempts:    cfg.Agent.MaxAttempts,
				MaxFileChars:   cfg.Agent.MaxFileChars,
				MaxTargetFiles: cfg.Agent.MaxTargetFiles,
				ReproScript:    cfg.Agent.ReproScript,
				ReproTimeout:   cfg.GetReproTimeout(),
				KeepContainer:  opts.keepContainer || cfg.Sandbox.KeepContainer,
				Console:        console,
				Recorder:       recorder,
			})

			res, err := a.Run(gctx)
			if err != nil {
				// Infrastructure failures of one instance do not stop the others.
				logger.Error("Agent failed", zap.String("instance", issue.InstanceID), zap.Error(err))
			}
			mu.Lock()
			results[i] = res
			mu.Unlock()

			if res != nil && res.Patch != "" {
				if perr := swebench.AppendPrediction(predictions, swebench.Prediction{
					InstanceID:      issue.InstanceID,
					ModelNameOrPath: client.Name(),
					ModelPatch:      res.Patch,
				}); perr != nil {
					return perr
				}
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return report(results)
}

func report(results []*agent.Result) error {
	resolved := 0
	for _, r := range results {
		if r == nil {
			continue
		}
		status := "unresolved"
		if r.Resolved {
			status = "resolved"
			resolved++
		}
		fields := []zap.Field{
			zap.String("instance", r.InstanceID),
			zap.String("status", status),
			zap.Int("attempts", r.Attempts),
			zap.Duration("duration", r.Duration),
		}
		if r.RunID != "" {
			fields = append(fields, zap.String("run_id", r.RunID))
		}
		if r.FailedPhase != "" {
			fields = append(fields, zap.String("failed_phase", string(r.FailedPhase)))
		}
		if r.Resolved {
			logger.Info("Agent completed successfully", fields...)
		} else {
			logger.Error("Agent failed to resolve issue", fields...)
		}
	}
	fmt.Printf("\nResolved %d/%d instance(s)\n", resolved, len(results))
	if resolved != len(results) {
		return errUnresolved
	}
	return nil
}

func newDataset() *swebench.Dataset {
	return &swebench.Dataset{
		Name:     cfg.Dataset.Name,
		Split:    cfg.Dataset.Split,
		Endpoint: cfg.Dataset.Endpoint,
		CacheDir: statePath(cfg.Dataset.CacheDir),
	}
}

func sandboxOptions() sandbox.Options {
	return sandbox.Options{
		ImageTemplate: cfg.Sandbox.ImageTemplate,
		WorkDir:       cfg.Sandbox.WorkDir,
		Activate:      cfg.Sandbox.Activate,
		Timeout:       cfg.Sandbox.GetTimeout(),
		MemoryLimit:   cfg.Sandbox.MemoryLimit,
		CPULimit:      cfg.Sandbox.CPULimit,
		Network:       cfg.Sandbox.Network,
	}
}

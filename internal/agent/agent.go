// Package agent drives one SWE-bench instance through reproduce, locate,
// fix and verify, retrying fix and verify with feedback from the last
// failure.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sudodev/internal/feedback"
	"sudodev/internal/llm"
	"sudodev/internal/logging"
	"sudodev/internal/store"
	"sudodev/internal/swebench"
	"sudodev/internal/tools"
	"sudodev/internal/usage"
)

// Phase names a pipeline step.
type Phase string

const (
	PhaseInit      Phase = "init"
	PhaseReproduce Phase = "reproduce"
	PhaseLocate    Phase = "locate"
	PhaseFix       Phase = "fix"
	PhaseVerify    Phase = "verify"
)

// Sandbox is the container the agent works in.
type Sandbox interface {
	Start(ctx context.Context) error
	Run(ctx context.Context, command string, timeout time.Duration) (int, string, error)
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
	FileTree(ctx context.Context, limit int) ([]string, error)
	Diff(ctx context.Context) (string, error)
	Cleanup(ctx context.Context) error
}

// Recorder persists run history.
type Recorder interface {
	StartRun(ctx context.Context, instanceID, model string) (string, error)
	RecordAttempt(ctx context.Context, a store.Attempt) error
	FinishRun(ctx context.Context, runID string, out store.Outcome) error
}

// Options tunes an Agent. Zero values take the defaults below.
type Options struct {
	MaxAttempts    int
	MaxFileChars   int
	MaxTargetFiles int
	ReproScript    string
	ReproTimeout   time.Duration
	KeepContainer  bool

	Console  *logging.Console
	Recorder Recorder
}

const (
	defaultMaxFileChars   = 32000
	defaultMaxTargetFiles = 3
	defaultReproScript    = "reproduce_issue.py"
	defaultReproTimeout   = 30 * time.Second

	reproduceTreeLimit = 100
	locateTreeLimit    = 150
	hintsLimit         = 1000
	diffPreviewLimit   = 500
	fixMaxTokens       = 8192
)

// Result is the outcome of one run. A run that stops in some phase is a
// result, not an error.
type Result struct {
	InstanceID  string
	RunID       string
	Resolved    bool
	Reproduced  bool
	TargetFiles []string
	Attempts    int
	Patch       string
	Summary     string
	FailedPhase Phase // empty when resolved
	Error       string
	Duration    time.Duration
}

// Agent solves a single instance.
type Agent struct {
	issue    *swebench.Instance
	sandbox  Sandbox
	client   llm.Client
	opts     Options
	console  *logging.Console
	recorder Recorder
	feedback *feedback.Loop

	runID       string
	reproOutput string
	lastError   string
	targets     []string
}

// New returns an agent for issue.
func New(issue *swebench.Instance, sb Sandbox, client llm.Client, opts Options) *Agent {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = feedback.DefaultMaxAttempts
	}
	if opts.MaxFileChars <= 0 {
		opts.MaxFileChars = defaultMaxFileChars
	}
	if opts.MaxTargetFiles <= 0 {
		opts.MaxTargetFiles = defaultMaxTargetFiles
	}
	if opts.ReproScript == "" {
		opts.ReproScript = defaultReproScript
	}
	if opts.ReproTimeout <= 0 {
		opts.ReproTimeout = defaultReproTimeout
	}
	a := &Agent{
		issue:    issue,
		sandbox:  sb,
		client:   client,
		opts:     opts,
		console:  opts.Console,
		recorder: opts.Recorder,
		feedback: feedback.NewLoop(opts.MaxAttempts),
	}
	if a.console == nil {
		a.console = logging.NewConsole(nil)
	}
	if a.recorder == nil {
		a.recorder = nopRecorder{}
	}
	return a
}

// Run executes the pipeline. The sandbox is always cleaned up unless
// KeepContainer is set. The returned error is non-nil only for
// infrastructure failures (sandbox, model, context); the result is
// populated either way.
func (a *Agent) Run(ctx context.Context) (res *Result, err error) {
	timer := logging.StartTimer(logging.CategoryAgent, "Run "+a.issue.InstanceID)
	defer timer.Stop()

	ctx = usage.WithInstance(ctx, a.issue.InstanceID)
	start := time.Now()
	res = &Result{InstanceID: a.issue.InstanceID}
	a.console.Step("INIT", fmt.Sprintf("Starting run for %s", a.issue.InstanceID))

	a.runID = a.startRun(ctx)
	res.RunID = a.runID
	defer func() {
		res.Duration = time.Since(start)
		res.Summary = a.feedback.Summary()
		if err != nil {
			res.Error = err.Error()
			logging.AgentError("Agent failed in %s: %v", res.FailedPhase, err)
			a.console.Failure("Agent failed: %v", err)
		}
		a.finishRun(ctx, res, err != nil)
	}()
	defer a.cleanup(ctx)

	if err := a.sandbox.Start(ctx); err != nil {
		res.FailedPhase = PhaseInit
		return res, fmt.Errorf("start sandbox: %w", err)
	}

	ok, err := a.reproduce(ctx)
	if err != nil {
		res.FailedPhase = PhaseReproduce
		return res, err
	}
	if !ok {
		res.FailedPhase = PhaseReproduce
		res.Error = "failed to reproduce the bug"
		a.console.Failure("Failed to reproduce the bug. Aborting.")
		return res, nil
	}
	res.Reproduced = true

	ok, err = a.locate(ctx)
	if err != nil {
		res.FailedPhase = PhaseLocate
		return res, err
	}
	if !ok {
		res.FailedPhase = PhaseLocate
		res.Error = "failed to locate files to fix"
		a.console.Failure("Failed to locate files to fix. Aborting.")
		return res, nil
	}
	res.TargetFiles = append([]string(nil), a.targets...)

	if err := a.fixAndVerify(ctx, res); err != nil {
		return res, err
	}

	patch, derr := a.sandbox.Diff(ctx)
	if derr != nil {
		logging.AgentWarn("Could not collect patch: %v", derr)
	}
	res.Patch = patch
	return res, nil
}

// fixAndVerify alternates fix and verify until verification passes or the
// attempt budget is spent.
func (a *Agent) fixAndVerify(ctx context.Context, res *Result) error {
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt

		fixed, err := a.fix(ctx, attempt)
		if err != nil {
			res.FailedPhase = PhaseFix
			return err
		}

		if len(fixed) == 0 {
			a.addAttempt(ctx, attempt, strings.Join(a.targets, ", "), "", "", "no file was changed", false)
			if attempt == 1 || !a.feedback.ShouldRetry(attempt) {
				res.FailedPhase = PhaseFix
				res.Error = "failed to generate fix"
				a.console.Failure("Failed to generate fix. Aborting.")
				return nil
			}
			a.console.Step("RETRY", fmt.Sprintf("Attempt %d/%d produced no change, retrying", attempt, a.opts.MaxAttempts))
			continue
		}

		ok, output, err := a.verify(ctx)
		if err != nil {
			res.FailedPhase = PhaseVerify
			return err
		}
		errOut := ""
		if !ok {
			errOut = output
		}
		for _, f := range fixed {
			a.addAttempt(ctx, attempt, f.path, f.code, f.diff, errOut, ok)
		}
		if ok {
			res.Resolved = true
			res.FailedPhase = ""
			res.Error = ""
			return nil
		}

		a.lastError = output
		if !a.feedback.ShouldRetry(attempt) {
			res.FailedPhase = PhaseVerify
			res.Error = "fix did not resolve the issue"
			a.console.Failure("Giving up after %d attempt(s)", attempt)
			return nil
		}
		a.console.Step("RETRY", fmt.Sprintf("Attempt %d/%d failed, retrying with feedback", attempt, a.opts.MaxAttempts))
	}
}

// addAttempt adds the attempt to the feedback history and the recorder.
func (a *Agent) addAttempt(ctx context.Context, n int, path, code, diff, errOut string, success bool) {
	a.feedback.AddAttempt(n, path, code, errOut, success)
	if a.runID == "" {
		return
	}
	if err := a.recorder.RecordAttempt(ctx, store.Attempt{
		RunID:       a.runID,
		Number:      n,
		FilePath:    path,
		Success:     success,
		ErrorOutput: errOut,
		Diff:        diff,
	}); err != nil {
		logging.AgentWarn("Failed to record attempt %d: %v", n, err)
	}
}

func (a *Agent) cleanup(ctx context.Context) {
	if a.opts.KeepContainer {
		logging.Agent("Keeping container for %s", a.issue.InstanceID)
		return
	}
	if err := a.sandbox.Cleanup(context.WithoutCancel(ctx)); err != nil {
		logging.AgentWarn("Sandbox cleanup failed: %v", err)
	}
}

func (a *Agent) complete(ctx context.Context, phase, prompt string, temperature float64, maxTokens int) (string, error) {
	out, err := a.client.Complete(usage.WithPhase(ctx, phase), llm.Request{
		System:      tools.SystemPrompt,
		User:        prompt,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("completion via %s: %w", a.client.Name(), err)
	}
	return out, nil
}

// fileTree lists python files, or "" when the listing fails.
func (a *Agent) fileTree(ctx context.Context, limit int) string {
	files, err := a.sandbox.FileTree(ctx, limit)
	if err != nil {
		logging.AgentWarn("Error getting file list: %v", err)
		return ""
	}
	return strings.Join(files, "\n")
}

func (a *Agent) startRun(ctx context.Context) string {
	id, err := a.recorder.StartRun(ctx, a.issue.InstanceID, a.client.Name())
	if err != nil {
		logging.AgentWarn("Failed to record run start: %v", err)
		return ""
	}
	return id
}

func (a *Agent) finishRun(ctx context.Context, res *Result, failed bool) {
	if res.RunID == "" {
		return
	}
	status := store.StatusFailed
	switch {
	case res.Resolved:
		status = store.StatusResolved
	case failed:
		status = store.StatusError
	}
	err := a.recorder.FinishRun(context.WithoutCancel(ctx), res.RunID, store.Outcome{
		Status:      status,
		Reproduced:  res.Reproduced,
		TargetFiles: res.TargetFiles,
		Attempts:    res.Attempts,
		Patch:       res.Patch,
		Summary:     res.Summary,
		ErrorPhase:  string(res.FailedPhase),
		Error:       res.Error,
	})
	if err != nil {
		logging.AgentWarn("Failed to record run finish: %v", err)
	}
}

type nopRecorder struct{}

func (nopRecorder) StartRun(context.Context, string, string) (string, error) { return "", nil }
func (nopRecorder) RecordAttempt(context.Context, store.Attempt) error       { return nil }
func (nopRecorder) FinishRun(context.Context, string, store.Outcome) error   { return nil }

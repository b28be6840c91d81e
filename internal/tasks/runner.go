package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"sudodev/internal/logging"
	"sudodev/internal/tactile"
)

// Task names one runner target.
type Task string

const (
	TaskInstall Task = "install"
	TaskTest    Task = "test"
	TaskRun     Task = "run"
	TaskClean   Task = "clean"
)

// AllTasks lists the targets in their conventional order.
var AllTasks = []Task{TaskInstall, TaskTest, TaskRun, TaskClean}

// ErrUnknownTask is returned for a name that is not a task.
var ErrUnknownTask = errors.New("unknown task")

// KilledExitCode is reported when a task command is killed on timeout.
const KilledExitCode = 124

// ExitError carries a task command's non-zero exit status.
type ExitError struct {
	Task Task
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("task %s exited with status %d", e.Task, e.Code)
}

// ParseTask validates a task name.
func ParseTask(name string) (Task, error) {
	for _, t := range AllTasks {
		if string(t) == name {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTask, name)
}

// Result describes a finished task.
type Result struct {
	Task     Task
	Command  string   // empty for clean
	ExitCode int      // 0 on success
	Removed  []string // clean only, relative to the project root
	Duration time.Duration
}

// Runner runs tasks for one project directory.
type Runner struct {
	dir     string
	profile Profile
	exec    tactile.Executor
	stdout  io.Writer
	stderr  io.Writer
	timeout time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithExecutor replaces the host executor.
func WithExecutor(e tactile.Executor) Option {
	return func(r *Runner) { r.exec = e }
}

// WithOutput sets where command output is streamed.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(r *Runner) {
		r.stdout = stdout
		r.stderr = stderr
	}
}

// WithTimeout bounds each external command.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// NewRunner returns a runner for dir using profile p. By default commands
// inherit the environment and stream to the process stdout and stderr.
func NewRunner(dir string, p Profile, opts ...Option) *Runner {
	r := &Runner{
		dir:     dir,
		profile: p,
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		timeout: time.Hour,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.exec == nil {
		cfg := tactile.DefaultExecutorConfig()
		cfg.DefaultWorkingDir = dir
		cfg.InheritEnvironment = true
		cfg.MaxTimeout = r.timeout
		r.exec = tactile.NewDirectExecutorWithConfig(cfg)
	}
	return r
}

// Profile returns the runner's profile.
func (r *Runner) Profile() Profile { return r.profile }

// Run executes one task. A non-zero exit of the task command is returned as
// *ExitError alongside the result.
func (r *Runner) Run(ctx context.Context, name string) (*Result, error) {
	task, err := ParseTask(name)
	if err != nil {
		return nil, err
	}
	logging.Tasks("Running task %s (profile=%s, dir=%s)", task, r.profile.Name, r.dir)

	start := time.Now()
	var res *Result
	switch task {
	case TaskInstall:
		if _, ok := r.profile.manifest(r.dir); !ok {
			return nil, fmt.Errorf("%w: install needs one of %v in %s", ErrNoManifest, r.profile.Manifests, r.dir)
		}
		res, err = r.command(ctx, task, r.profile.Install)
	case TaskTest:
		res, err = r.command(ctx, task, r.profile.Test)
	case TaskRun:
		res, err = r.command(ctx, task, r.profile.Run)
	case TaskClean:
		res, err = r.clean()
	}
	if res != nil {
		res.Duration = time.Since(start)
	}
	return res, err
}

func (r *Runner) command(ctx context.Context, task Task, argv []string) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("profile %s has no command for %s", r.profile.Name, task)
	}
	cmd := tactile.Command{
		Binary:           argv[0],
		Arguments:        argv[1:],
		WorkingDirectory: r.dir,
		Timeout:          r.timeout,
		Stdout:           r.stdout,
		Stderr:           r.stderr,
		Tags:             map[string]string{"task": string(task)},
	}
	res := &Result{Task: task, Command: cmd.CommandString()}

	out, err := r.exec.Execute(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", task, err)
	}
	if !out.Success {
		return nil, fmt.Errorf("task %s: %s", task, out.Error)
	}
	if out.Killed {
		res.ExitCode = KilledExitCode
		logging.Get(logging.CategoryTasks).Warn("Task %s killed: %s", task, out.KillReason)
		return res, &ExitError{Task: task, Code: res.ExitCode}
	}
	res.ExitCode = out.ExitCode
	if out.ExitCode != 0 {
		logging.Tasks("Task %s exited with %d", task, out.ExitCode)
		return res, &ExitError{Task: task, Code: out.ExitCode}
	}
	logging.Tasks("Task %s succeeded in %s", task, out.Duration)
	return res, nil
}

// clean removes the profile's build directories and every file matching a
// clean pattern. Missing targets are ignored, so clean is idempotent.
func (r *Runner) clean() (*Result, error) {
	res := &Result{Task: TaskClean}

	for _, d := range r.profile.CleanDirs {
		path := filepath.Join(r.dir, d)
		if _, err := os.Lstat(path); err != nil {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			logging.Get(logging.CategoryTasks).Warn("clean: failed to remove %s: %v", path, err)
			continue
		}
		res.Removed = append(res.Removed, d)
	}

	if len(r.profile.CleanPatterns) == 0 {
		return res, nil
	}
	err := filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Vanished or unreadable entries are skipped.
			if d != nil && d.IsDir() && path != r.dir {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return fs.SkipDir
			}
			return nil
		}
		if !matchAny(r.profile.CleanPatterns, d.Name()) {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logging.Get(logging.CategoryTasks).Warn("clean: failed to remove %s: %v", path, err)
			return nil
		}
		rel, _ := filepath.Rel(r.dir, path)
		res.Removed = append(res.Removed, rel)
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("clean %s: %w", r.dir, err)
	}
	logging.Tasks("clean removed %d paths", len(res.Removed))
	return res, nil
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

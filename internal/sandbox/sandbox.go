// Package sandbox runs an SWE-bench task instance inside its prebuilt
// evaluation container and exposes the file and shell operations the agent
// needs against the checked-out repository.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sudodev/internal/logging"
	"sudodev/internal/swebench"
	"sudodev/internal/tactile"
)

// ErrNotStarted is returned by operations that need a running container.
var ErrNotStarted = errors.New("sandbox not started")

// TimeoutExitCode is reported when a command is killed by its timeout.
const TimeoutExitCode = 124

// Runtime is the container backend. *tactile.ContainerManager implements it.
type Runtime interface {
	ImageExists(ctx context.Context, image string) (bool, error)
	PullImage(ctx context.Context, image string) error
	CreateContainer(ctx context.Context, opts tactile.ContainerCreateOptions) (*tactile.Container, error)
	Exec(ctx context.Context, c *tactile.Container, opts tactile.ContainerExecOptions) (*tactile.ExecutionResult, error)
	RemoveContainer(ctx context.Context, c *tactile.Container) error
}

// Options configures a sandbox.
type Options struct {
	// ImageTemplate names the image; "{id}" is replaced with the instance slug.
	ImageTemplate string
	WorkDir       string
	// Activate is prepended to every command, e.g. a conda activation.
	Activate    string
	Timeout     time.Duration
	MemoryLimit int64
	CPULimit    float64
	Network     string
}

// Sandbox is one container bound to one task instance.
type Sandbox struct {
	rt         Runtime
	instanceID string
	opts       Options

	mu        sync.Mutex
	container *tactile.Container
}

// New creates a sandbox for an instance. Nothing runs until Start.
func New(rt Runtime, instanceID string, opts Options) *Sandbox {
	if opts.WorkDir == "" {
		opts.WorkDir = "/testbed"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.ImageTemplate == "" {
		opts.ImageTemplate = "swebench/sweb.eval.x86_64.{id}:latest"
	}
	return &Sandbox{rt: rt, instanceID: instanceID, opts: opts}
}

// Image returns the image this sandbox runs.
func (s *Sandbox) Image() string {
	return strings.ReplaceAll(s.opts.ImageTemplate, "{id}", swebench.ImageSlug(s.instanceID))
}

// WorkDir returns the repository root inside the container.
func (s *Sandbox) WorkDir() string {
	return s.opts.WorkDir
}

// ContainerID returns the running container id, or "" before Start.
func (s *Sandbox) ContainerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.container == nil {
		return ""
	}
	return s.container.ID
}

// Start pulls the image if needed and starts the container.
func (s *Sandbox) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.container != nil {
		return nil
	}

	image := s.Image()
	exists, err := s.rt.ImageExists(ctx, image)
	if err != nil {
		return fmt.Errorf("inspect image %s: %w", image, err)
	}
	if !exists {
		logging.Sandbox("Image %s not present locally, pulling", image)
		if err := s.rt.PullImage(ctx, image); err != nil {
			return err
		}
	}

	slug := swebench.ImageSlug(s.instanceID)
	c, err := s.rt.CreateContainer(ctx, tactile.ContainerCreateOptions{
		Name:        fmt.Sprintf("sudodev-%s-%s", slug, uuid.NewString()[:8]),
		Image:       image,
		WorkingDir:  s.opts.WorkDir,
		MemoryLimit: s.opts.MemoryLimit,
		CPULimit:    s.opts.CPULimit,
		NetworkMode: s.opts.Network,
		Labels:      map[string]string{"sudodev.instance": s.instanceID},
	})
	if err != nil {
		return fmt.Errorf("start sandbox for %s: %w", s.instanceID, err)
	}
	s.container = c
	logging.Sandbox("Sandbox %s started for %s", c.ShortID(), s.instanceID)
	return nil
}

func (s *Sandbox) running() (*tactile.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.container == nil {
		return nil, ErrNotStarted
	}
	return s.container, nil
}

// Run executes a shell command in the work dir and returns its exit code and
// combined output. A zero timeout uses the sandbox default. A command killed
// by its timeout reports TimeoutExitCode.
func (s *Sandbox) Run(ctx context.Context, command string, timeout time.Duration) (int, string, error) {
	return s.run(ctx, command, "", timeout)
}

func (s *Sandbox) run(ctx context.Context, command, stdin string, timeout time.Duration) (int, string, error) {
	c, err := s.running()
	if err != nil {
		return -1, "", err
	}
	if timeout <= 0 {
		timeout = s.opts.Timeout
	}

	script := command
	if s.opts.Activate != "" {
		script = s.opts.Activate + " && " + command
	}

	logging.SandboxDebug("run (timeout=%s): %s", timeout, command)
	res, err := s.rt.Exec(ctx, c, tactile.ContainerExecOptions{
		Binary:     "bash",
		Arguments:  []string{"-c", script},
		WorkingDir: s.opts.WorkDir,
		Stdin:      stdin,
		Timeout:    timeout,
	})
	if err != nil {
		return -1, "", err
	}
	if res.IsError() {
		return -1, res.Output(), fmt.Errorf("exec in sandbox: %s", res.Error)
	}
	if res.Killed {
		logging.SandboxWarn("Command killed: %s (%s)", command, res.KillReason)
		return TimeoutExitCode, strings.TrimRight(res.Output(), "\n") + "\n" + "command " + res.KillReason, nil
	}
	return res.ExitCode, res.Output(), nil
}

// ReadFile returns a file's content. Relative paths resolve against the work dir.
func (s *Sandbox) ReadFile(ctx context.Context, p string) (string, error) {
	c, err := s.running()
	if err != nil {
		return "", err
	}
	res, err := s.rt.Exec(ctx, c, tactile.ContainerExecOptions{
		Binary:     "cat",
		Arguments:  []string{"--", s.resolve(p)},
		WorkingDir: s.opts.WorkDir,
		Timeout:    s.opts.Timeout,
	})
	if err != nil {
		return "", err
	}
	if res.IsError() || res.ExitCode != 0 {
		return "", fmt.Errorf("read %s: %s", p, strings.TrimSpace(res.Stderr+res.Error))
	}
	return res.Stdout, nil
}

// WriteFile replaces a file's content, creating parent directories.
func (s *Sandbox) WriteFile(ctx context.Context, p, content string) error {
	target := shellQuote(s.resolve(p))
	cmd := fmt.Sprintf("mkdir -p \"$(dirname %s)\" && cat > %s", target, target)

	// exec -i is only used with stdin, so an empty file needs an explicit truncate.
	if content == "" {
		cmd = fmt.Sprintf("mkdir -p \"$(dirname %s)\" && : > %s", target, target)
	}

	code, out, err := s.rawRun(ctx, cmd, content)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("write %s: exit %d: %s", p, code, strings.TrimSpace(out))
	}
	logging.SandboxDebug("wrote %s (%d bytes)", p, len(content))
	return nil
}

// rawRun is run without the activation prefix.
func (s *Sandbox) rawRun(ctx context.Context, command, stdin string) (int, string, error) {
	c, err := s.running()
	if err != nil {
		return -1, "", err
	}
	res, err := s.rt.Exec(ctx, c, tactile.ContainerExecOptions{
		Binary:     "bash",
		Arguments:  []string{"-c", command},
		WorkingDir: s.opts.WorkDir,
		Stdin:      stdin,
		Timeout:    s.opts.Timeout,
	})
	if err != nil {
		return -1, "", err
	}
	if res.IsError() {
		return -1, res.Output(), fmt.Errorf("exec in sandbox: %s", res.Error)
	}
	return res.ExitCode, res.Output(), nil
}

// Diff returns `git diff` of the work tree. Untracked files are not included.
func (s *Sandbox) Diff(ctx context.Context) (string, error) {
	code, out, err := s.rawRun(ctx, "git -c core.pager=cat diff", "")
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", fmt.Errorf("git diff: exit %d: %s", code, strings.TrimSpace(out))
	}
	return out, nil
}

// FileTree lists up to limit Python files under the work dir, relative to it
// and sorted. VCS, cache and virtualenv directories are skipped.
func (s *Sandbox) FileTree(ctx context.Context, limit int) ([]string, error) {
	root := s.opts.WorkDir
	cmd := fmt.Sprintf("find %s -type f -name '*.py' "+
		"! -path '*/.git/*' ! -path '*/__pycache__/*' ! -path '*/venv/*' ! -path '*/env/*' "+
		"| head -n %s | sort", shellQuote(root), strconv.Itoa(limit))

	code, out, err := s.rawRun(ctx, cmd, "")
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("list files: exit %d: %s", code, strings.TrimSpace(out))
	}

	prefix := strings.TrimRight(root, "/") + "/"
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		files = append(files, strings.TrimPrefix(line, prefix))
	}
	return files, nil
}

// Cleanup removes the container. It is safe to call more than once.
func (s *Sandbox) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	c := s.container
	s.container = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	if err := s.rt.RemoveContainer(ctx, c); err != nil {
		return fmt.Errorf("cleanup sandbox %s: %w", c.ShortID(), err)
	}
	logging.Sandbox("Sandbox %s removed", c.ShortID())
	return nil
}

func (s *Sandbox) resolve(p string) string {
	p = strings.TrimPrefix(p, "./")
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(s.opts.WorkDir, p)
}

// shellQuote single-quotes s for bash.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

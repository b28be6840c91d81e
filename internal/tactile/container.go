package tactile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"sudodev/internal/logging"
)

// ErrDockerUnavailable is returned when the docker daemon cannot be reached.
var ErrDockerUnavailable = errors.New("docker is not available")

// ContainerState represents the lifecycle state of a persistent container.
type ContainerState string

const (
	ContainerStateCreated ContainerState = "created"
	ContainerStateRunning ContainerState = "running"
	ContainerStateRemoved ContainerState = "removed"
)

// Container is a long-running container that keeps state across exec calls.
type Container struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Image      string            `json:"image"`
	State      ContainerState    `json:"state"`
	WorkingDir string            `json:"working_dir"`
	CreatedAt  time.Time         `json:"created_at"`
	LastExecAt time.Time         `json:"last_exec_at"`
	ExecCount  int               `json:"exec_count"`
	Labels     map[string]string `json:"labels"`
}

// ShortID returns the 12-character form docker prints.
func (c *Container) ShortID() string {
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}

// ContainerCreateOptions specifies options for creating a new container.
type ContainerCreateOptions struct {
	Name        string
	Image       string
	WorkingDir  string
	Environment []string
	MemoryLimit int64
	CPULimit    float64
	NetworkMode string
	Labels      map[string]string
	// Command keeps the container alive. Defaults to "sleep infinity".
	Command []string
}

// ContainerExecOptions specifies options for executing a command in a container.
type ContainerExecOptions struct {
	Binary      string
	Arguments   []string
	WorkingDir  string
	Environment []string
	Stdin       string
	Timeout     time.Duration
}

// ContainerManager drives docker through its CLI for persistent containers.
// Every docker invocation goes through the wrapped Executor.
type ContainerManager struct {
	mu         sync.Mutex
	exec       Executor
	dockerPath string
	containers map[string]*Container
}

// NewContainerManager creates a manager that runs the docker binary via exec.
func NewContainerManager(exec Executor, dockerPath string) *ContainerManager {
	if dockerPath == "" {
		dockerPath = "docker"
	}
	return &ContainerManager{
		exec:       exec,
		dockerPath: dockerPath,
		containers: make(map[string]*Container),
	}
}

func (m *ContainerManager) docker(ctx context.Context, timeout time.Duration, stdin string, args ...string) (*ExecutionResult, error) {
	logging.TactileDebug("docker %s", strings.Join(args, " "))
	return m.exec.Execute(ctx, Command{
		Binary:    m.dockerPath,
		Arguments: args,
		Stdin:     stdin,
		Timeout:   timeout,
	})
}

// dockerOK runs a docker management command and converts failures to errors.
func (m *ContainerManager) dockerOK(ctx context.Context, what string, args ...string) (string, error) {
	res, err := m.docker(ctx, 10*time.Minute, "", args...)
	if err != nil {
		return "", fmt.Errorf("%s: %w", what, err)
	}
	if res.IsError() {
		return "", fmt.Errorf("%s: %w: %s", what, ErrDockerUnavailable, res.Error)
	}
	if res.Killed {
		return "", fmt.Errorf("%s: %s", what, res.KillReason)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%s: exit %d: %s", what, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Ping verifies the docker daemon responds.
func (m *ContainerManager) Ping(ctx context.Context) error {
	if _, err := m.dockerOK(ctx, "docker version", "version", "--format", "{{.Server.Version}}"); err != nil {
		return fmt.Errorf("%w: %v", ErrDockerUnavailable, err)
	}
	return nil
}

// ImageExists reports whether an image is present locally.
func (m *ContainerManager) ImageExists(ctx context.Context, image string) (bool, error) {
	res, err := m.docker(ctx, time.Minute, "", "image", "inspect", "--format", "{{.Id}}", image)
	if err != nil {
		return false, err
	}
	if res.IsError() {
		return false, fmt.Errorf("%w: %s", ErrDockerUnavailable, res.Error)
	}
	return res.ExitCode == 0, nil
}

// PullImage pulls an image from its registry.
func (m *ContainerManager) PullImage(ctx context.Context, image string) error {
	logging.Tactile("Pulling image %s", image)
	_, err := m.dockerOK(ctx, "pull "+image, "pull", image)
	return err
}

// CreateContainer creates and starts a persistent container.
func (m *ContainerManager) CreateContainer(ctx context.Context, opts ContainerCreateOptions) (*Container, error) {
	if opts.Image == "" {
		return nil, fmt.Errorf("image is required")
	}
	logging.Tactile("Creating persistent container: image=%s, name=%s", opts.Image, opts.Name)

	id, err := m.dockerOK(ctx, "create container", createArgs(opts)...)
	if err != nil {
		return nil, err
	}

	c := &Container{
		ID:         id,
		Name:       opts.Name,
		Image:      opts.Image,
		State:      ContainerStateCreated,
		WorkingDir: opts.WorkingDir,
		CreatedAt:  time.Now(),
		Labels:     opts.Labels,
	}

	if _, err := m.dockerOK(ctx, "start container", "start", id); err != nil {
		_, _ = m.dockerOK(context.WithoutCancel(ctx), "remove container", "rm", "-f", id)
		return nil, err
	}
	c.State = ContainerStateRunning

	m.mu.Lock()
	m.containers[id] = c
	m.mu.Unlock()

	logging.Tactile("Container started: %s (%s)", c.ShortID(), opts.Image)
	return c, nil
}

func createArgs(opts ContainerCreateOptions) []string {
	args := []string{"create"}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	if opts.WorkingDir != "" {
		args = append(args, "-w", opts.WorkingDir)
	}
	for _, env := range opts.Environment {
		args = append(args, "-e", env)
	}
	if opts.MemoryLimit > 0 {
		args = append(args, "--memory", fmt.Sprintf("%d", opts.MemoryLimit))
	}
	if opts.CPULimit > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%.2f", opts.CPULimit))
	}
	if opts.NetworkMode != "" {
		args = append(args, "--network", opts.NetworkMode)
	}

	args = append(args, "--label", "sudodev.managed=true")
	for _, k := range sortedKeys(opts.Labels) {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}

	args = append(args, opts.Image)
	if len(opts.Command) > 0 {
		return append(args, opts.Command...)
	}
	return append(args, "sleep", "infinity")
}

// Exec runs a command in a running container using docker exec.
// Container state persists between calls.
func (m *ContainerManager) Exec(ctx context.Context, c *Container, opts ContainerExecOptions) (*ExecutionResult, error) {
	if c == nil || c.State != ContainerStateRunning {
		return nil, fmt.Errorf("container is not running")
	}

	args := []string{"exec"}
	if opts.Stdin != "" {
		args = append(args, "-i")
	}
	workDir := opts.WorkingDir
	if workDir == "" {
		workDir = c.WorkingDir
	}
	if workDir != "" {
		args = append(args, "-w", workDir)
	}
	for _, env := range opts.Environment {
		args = append(args, "-e", env)
	}
	args = append(args, c.ID, opts.Binary)
	args = append(args, opts.Arguments...)

	res, err := m.docker(ctx, opts.Timeout, opts.Stdin, args...)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	c.LastExecAt = time.Now()
	c.ExecCount++
	m.mu.Unlock()

	logging.TactileDebug("Docker exec in %s: %s -> exit=%d, duration=%s", c.ShortID(), opts.Binary, res.ExitCode, res.Duration)
	return res, nil
}

// RemoveContainer force-removes a container. Removing twice is a no-op.
func (m *ContainerManager) RemoveContainer(ctx context.Context, c *Container) error {
	m.mu.Lock()
	if c == nil || c.State == ContainerStateRemoved {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if _, err := m.dockerOK(ctx, "remove container", "rm", "-f", c.ID); err != nil {
		return err
	}

	m.mu.Lock()
	c.State = ContainerStateRemoved
	delete(m.containers, c.ID)
	m.mu.Unlock()

	logging.Tactile("Container removed: %s", c.ShortID())
	return nil
}

// Containers returns the containers this manager currently owns.
func (m *ContainerManager) Containers() []*Container {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Container, 0, len(m.containers))
	for _, c := range m.containers {
		out = append(out, c)
	}
	return out
}

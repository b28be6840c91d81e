package tasks

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudodev/internal/tactile"
)

type recordingExecutor struct {
	cmds   []tactile.Command
	result tactile.ExecutionResult
	err    error
}

func (e *recordingExecutor) Execute(_ context.Context, cmd tactile.Command) (*tactile.ExecutionResult, error) {
	e.cmds = append(e.cmds, cmd)
	if e.err != nil {
		return nil, e.err
	}
	res := e.result
	if res == (tactile.ExecutionResult{}) {
		res.Success = true
	}
	return &res, nil
}

func (e *recordingExecutor) Validate(tactile.Command) error { return nil }

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
}

func TestDetectProfile(t *testing.T) {
	dir := t.TempDir()
	_, err := DetectProfile(dir)
	assert.ErrorIs(t, err, ErrNoManifest)

	touch(t, filepath.Join(dir, "setup.py"))
	p, err := DetectProfile(dir)
	require.NoError(t, err)
	assert.Equal(t, "python", p.Name)

	touch(t, filepath.Join(dir, "go.mod"))
	p, err = DetectProfile(dir)
	require.NoError(t, err)
	assert.Equal(t, "go", p.Name)

	// A directory named like a manifest does not count.
	other := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(other, "pyproject.toml"), 0755))
	_, err = DetectProfile(other)
	assert.ErrorIs(t, err, ErrNoManifest)
}

func TestResolveProfile(t *testing.T) {
	dir := t.TempDir()
	p, err := ResolveProfile("python", dir)
	require.NoError(t, err)
	assert.Equal(t, PythonProfile.Install, p.Install)

	p, err = ResolveProfile("auto", dir)
	require.NoError(t, err)
	assert.Equal(t, "python", p.Name, "no manifest falls back to python")

	touch(t, filepath.Join(dir, "go.mod"))
	p, err = ResolveProfile("", dir)
	require.NoError(t, err)
	assert.Equal(t, "go", p.Name)

	_, err = ResolveProfile("ruby", dir)
	assert.Error(t, err)
	assert.Equal(t, []string{"go", "python"}, ProfileNames())
}

func TestParseTask(t *testing.T) {
	for _, name := range []string{"install", "test", "run", "clean"} {
		task, err := ParseTask(name)
		require.NoError(t, err)
		assert.Equal(t, Task(name), task)
	}
	_, err := ParseTask("deploy")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestInstallRequiresManifest(t *testing.T) {
	dir := t.TempDir()
	exec := &recordingExecutor{}
	r := NewRunner(dir, PythonProfile, WithExecutor(exec))

	_, err := r.Run(context.Background(), "install")
	assert.ErrorIs(t, err, ErrNoManifest)
	assert.Empty(t, exec.cmds, "no command runs without a manifest")

	touch(t, filepath.Join(dir, "pyproject.toml"))
	res, err := r.Run(context.Background(), "install")
	require.NoError(t, err)
	require.Len(t, exec.cmds, 1)
	assert.Equal(t, "pip", exec.cmds[0].Binary)
	assert.Equal(t, []string{"install", "-e", "."}, exec.cmds[0].Arguments)
	assert.Equal(t, dir, exec.cmds[0].WorkingDirectory)
	assert.Equal(t, "pip install -e .", res.Command)
	assert.Equal(t, 0, res.ExitCode)
}

func TestEachTaskRunsOneCommand(t *testing.T) {
	tests := []struct {
		task string
		want string
	}{
		{"test", "pytest tests/"},
		{"run", "python -m sudodev"},
	}
	for _, tt := range tests {
		t.Run(tt.task, func(t *testing.T) {
			exec := &recordingExecutor{}
			r := NewRunner(t.TempDir(), PythonProfile, WithExecutor(exec))
			res, err := r.Run(context.Background(), tt.task)
			require.NoError(t, err)
			require.Len(t, exec.cmds, 1)
			assert.Equal(t, tt.want, exec.cmds[0].CommandString())
			assert.Equal(t, tt.task, exec.cmds[0].Tags["task"])
			assert.Equal(t, Task(tt.task), res.Task)
		})
	}
}

func TestExitCodePropagates(t *testing.T) {
	exec := &recordingExecutor{result: tactile.ExecutionResult{Success: true, ExitCode: 5}}
	r := NewRunner(t.TempDir(), PythonProfile, WithExecutor(exec))

	res, err := r.Run(context.Background(), "test")
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, TaskTest, exitErr.Task)
	assert.Equal(t, 5, exitErr.Code)
	assert.Equal(t, 5, res.ExitCode)
	assert.Equal(t, "task test exited with status 5", err.Error())
}

func TestKilledTask(t *testing.T) {
	exec := &recordingExecutor{result: tactile.ExecutionResult{Success: true, ExitCode: -1, Killed: true, KillReason: "timeout after 1s"}}
	r := NewRunner(t.TempDir(), GoProfile, WithExecutor(exec))

	_, err := r.Run(context.Background(), "run")
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, KilledExitCode, exitErr.Code)
}

func TestInfrastructureFailure(t *testing.T) {
	exec := &recordingExecutor{result: tactile.ExecutionResult{Success: false, Error: "exec: \"pytest\": executable file not found in $PATH"}}
	r := NewRunner(t.TempDir(), PythonProfile, WithExecutor(exec))

	_, err := r.Run(context.Background(), "test")
	require.Error(t, err)
	var exitErr *ExitError
	assert.False(t, errors.As(err, &exitErr))
	assert.Contains(t, err.Error(), "executable file not found")
}

func TestUnknownTask(t *testing.T) {
	r := NewRunner(t.TempDir(), PythonProfile, WithExecutor(&recordingExecutor{}))
	_, err := r.Run(context.Background(), "deploy")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestRealCommandStreamsAndExits(t *testing.T) {
	dir := t.TempDir()
	p := Profile{
		Name: "shell",
		Test: []string{"sh", "-c", "echo streamed; echo oops >&2; exit 3"},
	}
	var stdout, stderr bytes.Buffer
	r := NewRunner(dir, p, WithOutput(&stdout, &stderr))

	res, err := r.Run(context.Background(), "test")
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "streamed\n", stdout.String())
	assert.Equal(t, "oops\n", stderr.String())
}

func TestRealCommandInheritsEnvironment(t *testing.T) {
	t.Setenv("SUDODEV_TASK_MARKER", "visible")
	p := Profile{Name: "shell", Run: []string{"sh", "-c", `printf %s "$SUDODEV_TASK_MARKER"`}}
	var stdout bytes.Buffer
	r := NewRunner(t.TempDir(), p, WithOutput(&stdout, &bytes.Buffer{}))

	_, err := r.Run(context.Background(), "run")
	require.NoError(t, err)
	assert.Equal(t, "visible", stdout.String())
}

func TestCleanIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "build", "lib", "a.py"))
	touch(t, filepath.Join(dir, "dist", "pkg.whl"))
	touch(t, filepath.Join(dir, ".pytest_cache", "v", "cache"))
	touch(t, filepath.Join(dir, "pkg", "mod.pyc"))
	touch(t, filepath.Join(dir, "pkg", "__pycache__", "mod.cpython-311.pyc"))
	touch(t, filepath.Join(dir, "pkg", "mod.py"))
	touch(t, filepath.Join(dir, ".git", "objects", "keep.pyc"))

	r := NewRunner(dir, PythonProfile, WithExecutor(&recordingExecutor{}))
	res, err := r.Run(context.Background(), "clean")
	require.NoError(t, err)

	removed := append([]string(nil), res.Removed...)
	sort.Strings(removed)
	assert.Equal(t, []string{
		".pytest_cache",
		"build",
		"dist",
		filepath.Join("pkg", "__pycache__", "mod.cpython-311.pyc"),
		filepath.Join("pkg", "mod.pyc"),
	}, removed)

	assert.FileExists(t, filepath.Join(dir, "pkg", "mod.py"))
	assert.FileExists(t, filepath.Join(dir, ".git", "objects", "keep.pyc"))
	assert.NoDirExists(t, filepath.Join(dir, "build"))

	res, err = r.Run(context.Background(), "clean")
	require.NoError(t, err)
	assert.Empty(t, res.Removed)
}

func TestCleanMissingDirectory(t *testing.T) {
	r := NewRunner(filepath.Join(t.TempDir(), "gone"), GoProfile, WithExecutor(&recordingExecutor{}))
	res, err := r.Run(context.Background(), "clean")
	require.NoError(t, err)
	assert.Empty(t, res.Removed)
}

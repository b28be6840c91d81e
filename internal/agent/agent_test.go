package agent

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudodev/internal/llm"
	"sudodev/internal/logging"
	"sudodev/internal/store"
	"sudodev/internal/swebench"
)

type fakeSandbox struct {
	files    map[string]string
	tree     []string
	runs     []string // scripted "exit|output" results for the repro script
	ran      int
	started  bool
	cleaned  bool
	startErr error
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{
		files: map[string]string{
			"django/db/models/sql/compiler.py": "def order_by():\n    return None\n",
		},
		tree: []string{"django/__init__.py", "django/db/models/sql/compiler.py"},
	}
}

func (s *fakeSandbox) Start(context.Context) error {
	s.started = true
	return s.startErr
}

func (s *fakeSandbox) Run(_ context.Context, command string, _ time.Duration) (int, string, error) {
	if !strings.HasPrefix(command, "python ") {
		return 127, "unknown command", nil
	}
	if s.ran >= len(s.runs) {
		return 1, "no scripted result", nil
	}
	r := s.runs[s.ran]
	s.ran++
	code, out, _ := strings.Cut(r, "|")
	if code == "0" {
		return 0, out, nil
	}
	return 1, out, nil
}

func (s *fakeSandbox) ReadFile(_ context.Context, path string) (string, error) {
	c, ok := s.files[path]
	if !ok {
		return "", os.ErrNotExist
	}
	return c, nil
}

func (s *fakeSandbox) WriteFile(_ context.Context, path, content string) error {
	s.files[path] = content
	return nil
}

func (s *fakeSandbox) FileTree(context.Context, int) ([]string, error) { return s.tree, nil }

func (s *fakeSandbox) Diff(context.Context) (string, error) {
	return "diff --git a/django/db/models/sql/compiler.py b/django/db/models/sql/compiler.py\n", nil
}

func (s *fakeSandbox) Cleanup(context.Context) error {
	s.cleaned = true
	return nil
}

// scriptedLLM answers by prompt kind.
type scriptedLLM struct {
	mu      sync.Mutex
	repro   string
	locate  string
	fixes   []string // consumed in order by fix and retry prompts
	prompts []llm.Request
	err     error
}

func (c *scriptedLLM) Name() string { return "fake/model" }

func (c *scriptedLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, req)
	if c.err != nil {
		return "", c.err
	}
	switch {
	case strings.Contains(req.User, "reproduces this issue"):
		return c.repro, nil
	case strings.Contains(req.User, "Identify the source files"):
		return c.locate, nil
	default:
		if len(c.fixes) == 0 {
			return "no code", nil
		}
		out := c.fixes[0]
		c.fixes = c.fixes[1:]
		return out, nil
	}
}

type memRecorder struct {
	started  []string
	attempts []store.Attempt
	outcome  *store.Outcome
}

func (r *memRecorder) StartRun(_ context.Context, instanceID, _ string) (string, error) {
	r.started = append(r.started, instanceID)
	return "run-1", nil
}

func (r *memRecorder) RecordAttempt(_ context.Context, a store.Attempt) error {
	r.attempts = append(r.attempts, a)
	return nil
}

func (r *memRecorder) FinishRun(_ context.Context, _ string, out store.Outcome) error {
	r.outcome = &out
	return nil
}

const reproResponse = "```python\nimport sys\nsys.exit(1)\n```"

func fence(code string) string { return "Changed the return.\n```python\n" + code + "```" }

func testIssue(statement string) *swebench.Instance {
	return &swebench.Instance{InstanceID: "django__django-11001", ProblemStatement: statement}
}

func newTestAgent(issue *swebench.Instance, sb *fakeSandbox, client *scriptedLLM, rec *memRecorder) *Agent {
	return New(issue, sb, client, Options{
		Console:  logging.NewConsole(&bytes.Buffer{}),
		Recorder: rec,
	})
}

func TestRunResolvesFirstAttempt(t *testing.T) {
	sb := newFakeSandbox()
	sb.runs = []string{"1|AssertionError: ordering lost", "0|Bug fixed"}
	client := &scriptedLLM{
		repro: reproResponse,
		fixes: []string{fence("def order_by():\n    return 'fixed'\n")},
	}
	rec := &memRecorder{}

	a := newTestAgent(testIssue("Bug in /testbed/django/db/models/sql/compiler.py ordering."), sb, client, rec)
	res, err := a.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Resolved)
	assert.True(t, res.Reproduced)
	assert.Equal(t, Phase(""), res.FailedPhase)
	assert.Equal(t, []string{"django/db/models/sql/compiler.py"}, res.TargetFiles)
	assert.Equal(t, 1, res.Attempts)
	assert.Contains(t, res.Patch, "diff --git")
	assert.Equal(t, "Total attempts: 1\n✓ Attempt 1: django/db/models/sql/compiler.py\n", res.Summary)
	assert.Equal(t, "run-1", res.RunID)

	assert.Equal(t, "def order_by():\n    return 'fixed'\n", sb.files["django/db/models/sql/compiler.py"])
	assert.Equal(t, "import sys\nsys.exit(1)\n", sb.files["reproduce_issue.py"])
	assert.True(t, sb.cleaned)

	// Paths came from the issue, so no locate prompt was sent.
	require.Len(t, client.prompts, 2)
	assert.InDelta(t, 0.3, client.prompts[0].Temperature, 1e-9)
	assert.Equal(t, 8192, client.prompts[1].MaxTokens)
	assert.Contains(t, client.prompts[1].User, "AssertionError: ordering lost")

	require.NotNil(t, rec.outcome)
	assert.Equal(t, store.StatusResolved, rec.outcome.Status)
	require.Len(t, rec.attempts, 1)
	assert.Equal(t, "run-1", rec.attempts[0].RunID)
	assert.True(t, rec.attempts[0].Success)
	assert.Contains(t, rec.attempts[0].Diff, "+    return 'fixed'")
}

func TestRunRetriesWithFeedback(t *testing.T) {
	sb := newFakeSandbox()
	sb.runs = []string{
		"1|AssertionError: ordering lost",
		"1|Traceback (most recent call last):\nNameError: name 'x' is not defined",
		"0|ok",
	}
	client := &scriptedLLM{
		repro: reproResponse,
		fixes: []string{
			fence("def order_by():\n    return x\n"),
			fence("def order_by():\n    return 'fixed'\n"),
		},
	}
	rec := &memRecorder{}

	a := newTestAgent(testIssue("See django/db/models/sql/compiler.py"), sb, client, rec)
	res, err := a.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Resolved)
	assert.Equal(t, 2, res.Attempts)
	require.Len(t, client.prompts, 3)

	retry := client.prompts[2].User
	assert.True(t, strings.HasPrefix(retry, "You are debugging a fix that FAILED."))
	assert.Contains(t, retry, "- Type: NameError")
	assert.Contains(t, retry, "return x", "retry shows the code that failed")
	assert.Contains(t, retry, "**Previous Attempts**: 1 failed")

	assert.Equal(t, "Total attempts: 2\n✗ Attempt 1: django/db/models/sql/compiler.py\n✓ Attempt 2: django/db/models/sql/compiler.py\n", res.Summary)
	require.Len(t, rec.attempts, 2)
	assert.Contains(t, rec.attempts[0].ErrorOutput, "NameError")
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	sb := newFakeSandbox()
	sb.runs = []string{"1|AssertionError: a", "1|AssertionError: b", "1|AssertionError: c", "1|AssertionError: d"}
	client := &scriptedLLM{
		repro: reproResponse,
		fixes: []string{
			fence("def order_by():\n    return 1\n"),
			fence("def order_by():\n    return 2\n"),
			fence("def order_by():\n    return 3\n"),
		},
	}
	rec := &memRecorder{}

	a := newTestAgent(testIssue("django/db/models/sql/compiler.py"), sb, client, rec)
	res, err := a.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, res.Resolved)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, PhaseVerify, res.FailedPhase)
	assert.Equal(t, store.StatusFailed, rec.outcome.Status)
	assert.Equal(t, "verify", rec.outcome.ErrorPhase)
	assert.True(t, sb.cleaned)

	last := client.prompts[len(client.prompts)-1].User
	assert.Contains(t, last, "CRITICAL: Same error repeating - try a different approach")
}

func TestRunStopsWhenNotReproduced(t *testing.T) {
	sb := newFakeSandbox()
	sb.runs = []string{"0|everything fine"}
	client := &scriptedLLM{repro: reproResponse}
	rec := &memRecorder{}

	a := newTestAgent(testIssue("django/db/models/sql/compiler.py"), sb, client, rec)
	res, err := a.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, res.Reproduced)
	assert.Equal(t, PhaseReproduce, res.FailedPhase)
	assert.Equal(t, "No attempts made yet", res.Summary)
	assert.True(t, sb.cleaned)
	assert.Equal(t, store.StatusFailed, rec.outcome.Status)
}

func TestRunReproducedFromErrorOutput(t *testing.T) {
	sb := newFakeSandbox()
	sb.runs = []string{"0|ValueError: printed but exit 0", "0|clean"}
	client := &scriptedLLM{
		repro: reproResponse,
		fixes: []string{fence("def order_by():\n    return 'fixed'\n")},
	}
	a := newTestAgent(testIssue("django/db/models/sql/compiler.py"), sb, client, &memRecorder{})
	res, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Reproduced)
	assert.True(t, res.Resolved)
}

func TestRunRejectsInvalidReproScript(t *testing.T) {
	sb := newFakeSandbox()
	client := &scriptedLLM{repro: "```python\ndef broken(:\n```"}
	a := newTestAgent(testIssue("x"), sb, client, &memRecorder{})
	res, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseReproduce, res.FailedPhase)
	_, wrote := sb.files["reproduce_issue.py"]
	assert.False(t, wrote)
}

func TestRunLocatesWithModel(t *testing.T) {
	sb := newFakeSandbox()
	sb.runs = []string{"1|AssertionError: x", "0|ok"}
	client := &scriptedLLM{
		repro:  reproResponse,
		locate: "django/db/models/sql/compiler.py\ndjango/a.py\ndjango/b.py\ndjango/c.py",
		fixes:  []string{fence("def order_by():\n    return 'fixed'\n")},
	}
	a := newTestAgent(testIssue("Ordering is wrong when using Meta.ordering"), sb, client, &memRecorder{})
	res, err := a.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"django/db/models/sql/compiler.py", "django/a.py", "django/b.py"}, res.TargetFiles)
	assert.True(t, res.Resolved, "unreadable targets are skipped")
	assert.Contains(t, client.prompts[1].User, "django/__init__.py")
	assert.InDelta(t, 0.2, client.prompts[1].Temperature, 1e-9)
}

func TestRunLocateFails(t *testing.T) {
	sb := newFakeSandbox()
	sb.runs = []string{"1|AssertionError: x"}
	client := &scriptedLLM{repro: reproResponse, locate: "I am not sure."}
	a := newTestAgent(testIssue("Ordering is wrong"), sb, client, &memRecorder{})
	res, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseLocate, res.FailedPhase)
}

func TestRunFixProducesNothing(t *testing.T) {
	tests := []struct {
		name string
		fix  string
	}{
		{"unchanged", fence("def order_by():\n    return None\n")},
		{"syntax error", fence("def order_by(:\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb := newFakeSandbox()
			sb.runs = []string{"1|AssertionError: x"}
			client := &scriptedLLM{repro: reproResponse, fixes: []string{tt.fix}}
			a := newTestAgent(testIssue("django/db/models/sql/compiler.py"), sb, client, &memRecorder{})
			res, err := a.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, PhaseFix, res.FailedPhase)
			assert.Equal(t, 1, res.Attempts)
			assert.Equal(t, "def order_by():\n    return None\n", sb.files["django/db/models/sql/compiler.py"])
		})
	}
}

func TestRunSkipsLargeFiles(t *testing.T) {
	sb := newFakeSandbox()
	sb.files["django/db/models/sql/compiler.py"] = strings.Repeat("#\n", 20)
	sb.runs = []string{"1|AssertionError: x"}
	client := &scriptedLLM{repro: reproResponse}
	a := New(testIssue("django/db/models/sql/compiler.py"), sb, client, Options{
		MaxFileChars: 10,
		Console:      logging.NewConsole(&bytes.Buffer{}),
	})
	res, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseFix, res.FailedPhase)
	assert.Len(t, client.prompts, 1, "no fix prompt for a skipped file")
}

func TestRunSandboxStartFailure(t *testing.T) {
	sb := newFakeSandbox()
	sb.startErr = errors.New("docker not running")
	rec := &memRecorder{}
	a := newTestAgent(testIssue("x"), sb, &scriptedLLM{}, rec)

	res, err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "docker not running")
	assert.Equal(t, PhaseInit, res.FailedPhase)
	assert.True(t, sb.cleaned)
	assert.Equal(t, store.StatusError, rec.outcome.Status)
}

func TestRunModelFailureIsError(t *testing.T) {
	sb := newFakeSandbox()
	client := &scriptedLLM{err: errors.New("rate limited")}
	a := newTestAgent(testIssue("x"), sb, client, &memRecorder{})
	res, err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fake/model")
	assert.Equal(t, PhaseReproduce, res.FailedPhase)
	assert.True(t, sb.cleaned)
}

func TestRunKeepContainer(t *testing.T) {
	sb := newFakeSandbox()
	sb.runs = []string{"0|fine"}
	a := New(testIssue("x"), sb, &scriptedLLM{repro: reproResponse}, Options{
		KeepContainer: true,
		Console:       logging.NewConsole(&bytes.Buffer{}),
	})
	_, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, sb.cleaned)
}

func TestConsoleShowsSteps(t *testing.T) {
	sb := newFakeSandbox()
	sb.runs = []string{"1|AssertionError: x", "0|ok"}
	client := &scriptedLLM{repro: reproResponse, fixes: []string{fence("def order_by():\n    return 'fixed'\n")}}
	var out bytes.Buffer
	a := New(testIssue("django/db/models/sql/compiler.py"), sb, client, Options{Console: logging.NewConsole(&out)})
	_, err := a.Run(context.Background())
	require.NoError(t, err)

	for _, want := range []string{"[STEP: INIT]", "[STEP: REPRODUCE]", "[STEP: LOCATE]", "[STEP: FIX]", "[STEP: VERIFY]", "Reproduction output:", "Changes to django/db/models/sql/compiler.py:"} {
		assert.Contains(t, out.String(), want)
	}
}

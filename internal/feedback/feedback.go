// Package feedback tracks failed fix attempts and turns the last
// verification error into guidance for the next one.
package feedback

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"sudodev/internal/logging"
)

// DefaultMaxAttempts is the number of fix attempts before giving up.
const DefaultMaxAttempts = 3

const codeSnippetLimit = 500

// Attempt is one recorded fix attempt.
type Attempt struct {
	Number      int
	FilePath    string
	CodeSnippet string // first 500 characters of the applied code
	ErrorOutput string
	Success     bool
	Timestamp   time.Time
}

// Analysis is what AnalyzeErrors could infer from an error output.
type Analysis struct {
	ErrorType    string
	ErrorMessage string
	FailedLine   int // 0 when unknown
	Suggestions  []string
}

type errorPattern struct {
	re   *regexp.Regexp
	kind string
}

// Tried in order; the first match wins.
var errorPatterns = []errorPattern{
	{regexp.MustCompile(`(\w+Error): (.+)`), "exception"},
	{regexp.MustCompile(`AssertionError: (.+)`), "assertion"},
	{regexp.MustCompile(`FAILED (.+)`), "test_failure"},
}

var lineRe = regexp.MustCompile(`line (\d+)`)

// Loop records attempts for a single agent run. It is not safe for
// concurrent use.
type Loop struct {
	maxAttempts int
	history     []Attempt
	now         func() time.Time
}

// NewLoop returns a loop allowing maxAttempts attempts; non-positive values
// fall back to DefaultMaxAttempts.
func NewLoop(maxAttempts int) *Loop {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Loop{maxAttempts: maxAttempts, now: time.Now}
}

// MaxAttempts returns the attempt budget.
func (l *Loop) MaxAttempts() int { return l.maxAttempts }

// AddAttempt records a fix attempt.
func (l *Loop) AddAttempt(number int, filePath, code, errorOutput string, success bool) {
	l.history = append(l.history, Attempt{
		Number:      number,
		FilePath:    filePath,
		CodeSnippet: truncateRunes(code, codeSnippetLimit),
		ErrorOutput: errorOutput,
		Success:     success,
		Timestamp:   l.now(),
	})
	logging.FeedbackDebug("Recorded attempt %d for %s (success=%v)", number, filePath, success)
}

// History returns a copy of the recorded attempts.
func (l *Loop) History() []Attempt {
	out := make([]Attempt, len(l.history))
	copy(out, l.history)
	return out
}

// ShouldRetry reports whether another attempt may follow attempt current.
func (l *Loop) ShouldRetry(current int) bool {
	return current < l.maxAttempts
}

// AnalyzeErrors classifies the error output and suggests what to try next.
func (l *Loop) AnalyzeErrors(errorOutput string) Analysis {
	var a Analysis
	for _, p := range errorPatterns {
		m := p.re.FindStringSubmatch(errorOutput)
		if m == nil {
			continue
		}
		switch p.kind {
		case "exception":
			a.ErrorType, a.ErrorMessage = m[1], m[2]
		case "assertion":
			a.ErrorType, a.ErrorMessage = "AssertionError", m[1]
		case "test_failure":
			a.ErrorType, a.ErrorMessage = "TestFailure", m[1]
		}
		break
	}

	if m := lineRe.FindStringSubmatch(errorOutput); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			a.FailedLine = n
		}
	}

	if a.ErrorType != "" {
		a.Suggestions = l.suggestions(a)
	}
	logging.FeedbackDebug("Error analysis: type=%q line=%d suggestions=%d", a.ErrorType, a.FailedLine, len(a.Suggestions))
	return a
}

func (l *Loop) suggestions(a Analysis) []string {
	var out []string
	switch {
	case a.ErrorType == "NameError":
		out = append(out, "Check for undefined variables or missing imports")
	case a.ErrorType == "AttributeError":
		out = append(out, "Verify object has the expected attributes/methods")
	case a.ErrorType == "TypeError":
		out = append(out, "Check function arguments and type compatibility")
	case a.ErrorType == "ImportError" || a.ErrorType == "ModuleNotFoundError":
		out = append(out, "Verify import paths and module availability")
	case a.ErrorType == "SyntaxError":
		out = append(out, "Review code syntax and indentation")
	case a.ErrorType == "AssertionError":
		out = append(out, "The fix didn't achieve expected behavior - review logic")
	case strings.Contains(a.ErrorMessage, "Django"):
		out = append(out, "Ensure Django settings are properly configured")
	}

	if len(l.history) > 1 {
		last := l.history[len(l.history)-1].ErrorOutput
		if strings.Contains(last, a.ErrorType) {
			out = append(out, "CRITICAL: Same error repeating - try a different approach")
		}
	}
	return out
}

// BuildRetryPrompt asks for a new complete version of filePath, given the
// error the previous fix produced and the recent attempt history.
func (l *Loop) BuildRetryPrompt(issue, fileContent, filePath, currentError string) string {
	a := l.AnalyzeErrors(currentError)

	errType := a.ErrorType
	if errType == "" {
		errType = "Unknown"
	}
	errMsg := a.ErrorMessage
	if errMsg == "" {
		errMsg = "See above"
	}

	var b strings.Builder
	fmt.Fprintf(&b, `You are debugging a fix that FAILED. Learn from the error and try a different approach.

Original Issue:
%s

File: %s

Current Code (that failed):
`+"```python"+`
%s
`+"```"+`

VERIFICATION FAILED with this error:
`+"```"+`
%s
`+"```"+`

Error Analysis:
- Type: %s
- Message: %s
`, truncateRunes(issue, 1000), filePath, truncateRunes(fileContent, 10000), tailRunes(currentError, 1500), errType, errMsg)

	if a.FailedLine != 0 {
		fmt.Fprintf(&b, "- Failed at line: %d\n", a.FailedLine)
	}

	if len(a.Suggestions) > 0 {
		b.WriteString("\nSuggestions:\n")
		for _, s := range a.Suggestions {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}

	if len(l.history) > 0 {
		fmt.Fprintf(&b, "\n**Previous Attempts**: %d failed\n", len(l.history))
		recent := l.history
		if len(recent) > 2 {
			recent = recent[len(recent)-2:]
		}
		for _, att := range recent {
			fmt.Fprintf(&b, "  Attempt %d: %s\n", att.Number, briefError(att.ErrorOutput))
		}
	}

	b.WriteString(`
Your Task:
1. Carefully review the error and understand why the previous fix failed
2. Think about what needs to change differently
3. Provide a COMPLETE fixed version of the file

**IMPORTANT:**
- Do NOT repeat the same fix that just failed
- Try a fundamentally different approach if needed
- Ensure all syntax is correct
- Provide the ENTIRE file content

Output Format:
First explain what you're changing differently this time (3-4 sentences).

Then provide the complete fixed code in a ` + "```python" + ` block.
`)
	return b.String()
}

// Summary lists every attempt with a pass/fail mark.
func (l *Loop) Summary() string {
	if len(l.history) == 0 {
		return "No attempts made yet"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Total attempts: %d\n", len(l.history))
	for _, att := range l.history {
		status := "✗"
		if att.Success {
			status = "✓"
		}
		fmt.Fprintf(&b, "%s Attempt %d: %s\n", status, att.Number, att.FilePath)
	}
	return b.String()
}

// briefError is the last line of the first 200 characters.
func briefError(s string) string {
	s = truncateRunes(s, 200)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func tailRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

package tools

import (
	"regexp"
	"strings"
)

var (
	fenceRe     = regexp.MustCompile("(?s)```([\\w+-]*)[ \\t]*\\r?\\n(.*?)```")
	pyPathRe    = regexp.MustCompile(`(?:[\w.-]+/)*[\w.-]+\.py\b`)
	errorLineRe = regexp.MustCompile(`^(?:[\w.]+Error|[\w.]*Exception)(?::|$)|^(?:FAILED|ERROR:|FAIL:)|^Traceback \(most recent call last\)`)
)

// ExtractPythonCode returns the largest ```python fenced block, else the
// largest fenced block of any language, else the trimmed text itself.
func ExtractPythonCode(text string) string {
	var bestPy, bestAny string
	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		lang := strings.ToLower(m[1])
		body := strings.TrimSpace(m[2])
		if (lang == "python" || lang == "py" || lang == "python3") && len(body) > len(bestPy) {
			bestPy = body
		}
		if len(body) > len(bestAny) {
			bestAny = body
		}
	}
	switch {
	case bestPy != "":
		return bestPy
	case bestAny != "":
		return bestAny
	}
	return strings.TrimSpace(text)
}

// ExtractFilePaths finds .py paths in text in order of first appearance.
// Paths are made relative to the repository root and the excluded names
// (typically the reproduction script) are dropped.
func ExtractFilePaths(text string, exclude ...string) []string {
	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[e] = true
	}

	seen := make(map[string]bool)
	var paths []string
	for _, p := range pyPathRe.FindAllString(text, -1) {
		p = normalizePath(p)
		if p == "" || skip[p] || seen[p] {
			continue
		}
		seen[p] = true
		paths = append(paths, p)
	}
	return paths
}

func normalizePath(p string) string {
	p = strings.TrimPrefix(p, "/")
	p = strings.TrimPrefix(p, "testbed/")
	for strings.HasPrefix(p, "./") {
		p = strings.TrimPrefix(p, "./")
	}
	return p
}

// ExtractErrorMessages returns the distinct error lines in program output:
// traceback headers, exception lines and test failures.
func ExtractErrorMessages(output string) []string {
	seen := make(map[string]bool)
	var errs []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !errorLineRe.MatchString(line) || seen[line] {
			continue
		}
		seen[line] = true
		errs = append(errs, line)
	}
	return errs
}

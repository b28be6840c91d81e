package tools

import (
	"github.com/pmezard/go-difflib/difflib"
)

// CreateDiffPatch returns a unified diff of one file with git-style a/ b/
// headers, or "" when the contents are equal.
func CreateDiffPatch(original, modified, path string) string {
	if original == modified {
		return ""
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(original),
		B:        difflib.SplitLines(modified),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return diff
}

// Truncate shortens s to n bytes and marks the cut.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

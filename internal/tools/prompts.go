// Package tools holds the prompts the agent sends and the text utilities it
// applies to model output: code extraction, path discovery, syntax
// validation, error scraping and diffs.
package tools

import (
	"fmt"
	"strings"
)

// SystemPrompt frames every request the agent makes.
const SystemPrompt = `You are SudoDev, a senior software engineer.
You are running inside a Linux environment with the repository checked out at /testbed.

YOUR PROCESS:
1. You will be given a GitHub Issue.
2. You must first create a reproduction script named ` + "`reproduce_issue.py`" + ` that fails when the bug is present.
3. You will then modify the source code to fix the bug by providing the COMPLETE fixed file content.
`

// BuildReproducePrompt asks for a standalone script that exits non-zero
// while the bug is present.
func BuildReproducePrompt(issue, hints string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "GitHub Issue:\n%s\n\n", issue)
	if strings.TrimSpace(hints) != "" {
		fmt.Fprintf(&b, "%s\n\n", hints)
	}
	b.WriteString(`Your Task:
Write a standalone Python script that reproduces this issue.

Requirements:
- The script runs from the repository root with ` + "`python reproduce_issue.py`" + `
- Configure any framework the code needs (for Django call settings.configure() and django.setup() before importing models)
- Exit with a non-zero status (raise an exception or use an assert) while the bug is present
- Print a short confirmation and exit 0 once the bug is fixed
- Do not modify repository files

Output Format:
Provide the complete script in a single ` + "```python" + ` block.
`)
	return b.String()
}

// BuildLocateFilesPrompt asks which source files need to change.
func BuildLocateFilesPrompt(issue, repoStructure string) string {
	return fmt.Sprintf(`GitHub Issue:
%s

Repository structure (Python files):
%s

Your Task:
Identify the source files that most likely need to be modified to fix this issue.

Rules:
- List at most 3 files, most relevant first
- Use paths relative to the repository root exactly as shown above
- Do not list test files or the reproduction script

Output Format:
One file path per line, nothing else.
`, issue, repoStructure)
}

// BuildFixPrompt asks for the complete corrected content of one file.
func BuildFixPrompt(issue, fileContent, filePath, errorTrace string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "GitHub Issue:\n%s\n\n", issue)
	fmt.Fprintf(&b, "File: %s\n\n```python\n%s\n```\n\n", filePath, fileContent)
	if strings.TrimSpace(errorTrace) != "" {
		fmt.Fprintf(&b, "Reproduction output:\n```\n%s\n```\n\n", tail(errorTrace, 2000))
	}
	b.WriteString(`Your Task:
Fix the bug described in the issue by editing this file.

**IMPORTANT:**
- Make the smallest change that resolves the issue
- Keep all unrelated code, imports and comments exactly as they are
- Ensure all syntax is correct
- Provide the ENTIRE file content, not a diff or excerpt

Output Format:
First explain the root cause and your change (2-3 sentences).

Then provide the complete fixed code in a ` + "```python" + ` block.
`)
	return b.String()
}

// tail returns the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

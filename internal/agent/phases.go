package agent

import (
	"context"
	"fmt"
	"strings"

	"sudodev/internal/logging"
	"sudodev/internal/tools"
)

type fixedFile struct {
	path string
	code string
	diff string
}

// reproduce asks for a reproduction script, writes it and runs it. The bug
// counts as reproduced when the script exits non-zero or prints errors.
func (a *Agent) reproduce(ctx context.Context) (bool, error) {
	a.console.Step("REPRODUCE", "Generating reproduction script...")

	tree := a.fileTree(ctx, reproduceTreeLimit)
	hints := "Repository files (sample):\n" + truncate(tree, hintsLimit)
	prompt := tools.BuildReproducePrompt(a.issue.ProblemStatement, hints)

	resp, err := a.complete(ctx, string(PhaseReproduce), prompt, 0.3, 0)
	if err != nil {
		return false, err
	}
	code := tools.ExtractPythonCode(resp)
	if err := tools.ValidatePythonCode(code); err != nil {
		a.console.Failure("Generated code has syntax errors: %v", err)
		return false, nil
	}

	if err := a.sandbox.WriteFile(ctx, a.opts.ReproScript, ensureNewline(code)); err != nil {
		return false, fmt.Errorf("write %s: %w", a.opts.ReproScript, err)
	}
	a.console.Success("Wrote %s", a.opts.ReproScript)

	exitCode, output, err := a.sandbox.Run(ctx, "python "+a.opts.ReproScript, a.opts.ReproTimeout)
	if err != nil {
		return false, fmt.Errorf("run %s: %w", a.opts.ReproScript, err)
	}
	a.console.Block("Reproduction output", output)

	if exitCode != 0 {
		a.console.Success("Bug reproduced successfully")
		a.reproOutput = output
		return true, nil
	}
	if len(tools.ExtractErrorMessages(output)) > 0 {
		a.console.Success("Bug confirmed from output")
		a.reproOutput = output
		return true, nil
	}
	a.console.Failure("Could not reproduce the bug")
	return false, nil
}

// locate takes file paths named in the issue, or asks the model to pick
// files from the repository tree.
func (a *Agent) locate(ctx context.Context) (bool, error) {
	a.console.Step("LOCATE", "Identifying files to fix...")

	if files := tools.ExtractFilePaths(a.issue.ProblemStatement, a.opts.ReproScript); len(files) > 0 {
		a.console.Success("Found file hints in issue: %v", files)
		a.targets = files
		return true, nil
	}

	tree := a.fileTree(ctx, locateTreeLimit)
	prompt := tools.BuildLocateFilesPrompt(a.issue.ProblemStatement, tree)
	resp, err := a.complete(ctx, string(PhaseLocate), prompt, 0.2, 0)
	if err != nil {
		return false, err
	}

	files := tools.ExtractFilePaths(resp, a.opts.ReproScript)
	if len(files) == 0 {
		a.console.Failure("Could not identify which files need fixing.")
		return false, nil
	}
	if len(files) > a.opts.MaxTargetFiles {
		files = files[:a.opts.MaxTargetFiles]
	}
	a.targets = files
	a.console.Success("Identified files to fix: %v", files)
	return true, nil
}

// fix rewrites each target file. The first attempt works from the
// reproduction output; later attempts get a retry prompt built from the
// last verification failure and the attempt history.
func (a *Agent) fix(ctx context.Context, attempt int) ([]fixedFile, error) {
	a.console.Step("FIX", fmt.Sprintf("Generating fixes for %d file(s) (attempt %d/%d)...", len(a.targets), attempt, a.opts.MaxAttempts))

	var fixed []fixedFile
	for _, path := range a.targets {
		a.console.Step("FIX", "Processing "+path)

		original, err := a.sandbox.ReadFile(ctx, path)
		if err != nil || original == "" {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.console.Failure("Could not read %s, skipping...", path)
			continue
		}
		if n := len([]rune(original)); n > a.opts.MaxFileChars {
			a.console.Failure("File %s too large (%d chars, max %d), skipping", path, n, a.opts.MaxFileChars)
			continue
		}

		var prompt, phase string
		if attempt > 1 && a.lastError != "" {
			prompt, phase = a.feedback.BuildRetryPrompt(a.issue.ProblemStatement, original, path, a.lastError), "retry"
		} else {
			prompt, phase = tools.BuildFixPrompt(a.issue.ProblemStatement, original, path, a.reproOutput), string(PhaseFix)
		}

		resp, err := a.complete(ctx, phase, prompt, 0.2, fixMaxTokens)
		if err != nil {
			return nil, err
		}

		code := tools.ExtractPythonCode(resp)
		if code == "" {
			a.console.Failure("No code extracted from model response for %s", path)
			continue
		}
		if err := tools.ValidatePythonCode(code); err != nil {
			a.console.Failure("Generated fix has syntax errors: %v", err)
			continue
		}
		if strings.TrimSpace(code) == strings.TrimSpace(original) {
			a.console.Failure("Model returned unchanged file for %s", path)
			continue
		}

		code = ensureNewline(code)
		diff := tools.CreateDiffPatch(original, code, path)
		if diff != "" {
			a.console.Block("Changes to "+path, tools.Truncate(diff, diffPreviewLimit))
		}

		if err := a.sandbox.WriteFile(ctx, path, code); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
		a.console.Success("Applied fix to %s", path)
		logging.AgentDebug("Attempt %d changed %s (%d bytes)", attempt, path, len(code))
		fixed = append(fixed, fixedFile{path: path, code: code, diff: diff})
	}
	return fixed, nil
}

// verify reruns the reproduction script. It passes on exit 0 with no error
// lines in the output.
func (a *Agent) verify(ctx context.Context) (bool, string, error) {
	a.console.Step("VERIFY", "Verifying the fix...")

	exitCode, output, err := a.sandbox.Run(ctx, "python "+a.opts.ReproScript, a.opts.ReproTimeout)
	if err != nil {
		return false, "", fmt.Errorf("run %s: %w", a.opts.ReproScript, err)
	}
	a.console.Block("Verification output", output)

	if exitCode != 0 {
		a.console.Failure("Fix did not resolve the issue")
		return false, output, nil
	}
	if errs := tools.ExtractErrorMessages(output); len(errs) > 0 {
		a.console.Failure("Script passed but still has %d errors", len(errs))
		return false, output, nil
	}
	a.console.Success("Fix verified successfully")
	return true, output, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func ensureNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

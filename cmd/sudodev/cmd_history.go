package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"sudodev/internal/store"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect past agent runs",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		hs, err := store.Open(statePath(cfg.Store.Path))
		if err != nil {
			return err
		}
		defer hs.Close()

		runs, err := hs.ListRuns(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded yet")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tINSTANCE\tSTATUS\tATTEMPTS\tSTARTED")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
				r.ID[:min(8, len(r.ID))], r.InstanceID, r.Status, r.Attempts, r.StartedAt.Local().Format(time.DateTime))
		}
		return tw.Flush()
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hs, err := store.Open(statePath(cfg.Store.Path))
		if err != nil {
			return err
		}
		defer hs.Close()

		run, err := findRun(cmd, hs, args[0])
		if err != nil {
			return err
		}
		attempts, err := hs.Attempts(cmd.Context(), run.ID)
		if err != nil {
			return err
		}

		md := runReport(run, attempts)
		renderer, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
		if err != nil {
			fmt.Fprint(cmd.OutOrStdout(), md)
			return nil
		}
		out, err := renderer.Render(md)
		if err != nil {
			fmt.Fprint(cmd.OutOrStdout(), md)
			return nil
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	historyListCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to list (0 for all)")
	historyCmd.AddCommand(historyListCmd, historyShowCmd)
}

// findRun accepts a full run id or the unique prefix printed by list.
func findRun(cmd *cobra.Command, hs *store.HistoryStore, id string) (store.Run, error) {
	run, err := hs.GetRun(cmd.Context(), id)
	if err == nil {
		return run, nil
	}
	runs, lerr := hs.ListRuns(cmd.Context(), 0)
	if lerr != nil {
		return store.Run{}, lerr
	}
	var match []store.Run
	for _, r := range runs {
		if strings.HasPrefix(r.ID, id) {
			match = append(match, r)
		}
	}
	switch len(match) {
	case 0:
		return store.Run{}, err
	case 1:
		return match[0], nil
	default:
		return store.Run{}, fmt.Errorf("run id prefix %q is ambiguous (%d matches)", id, len(match))
	}
}

// runReport renders a run as markdown.
func runReport(run store.Run, attempts []store.Attempt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", run.InstanceID)
	fmt.Fprintf(&b, "- **Run:** `%s`\n", run.ID)
	fmt.Fprintf(&b, "- **Status:** %s\n", run.Status)
	if run.ErrorPhase != "" {
		fmt.Fprintf(&b, "- **Stopped in:** %s\n", run.ErrorPhase)
	}
	if run.Error != "" {
		fmt.Fprintf(&b, "- **Error:** %s\n", run.Error)
	}
	fmt.Fprintf(&b, "- **Model:** %s\n", run.Model)
	fmt.Fprintf(&b, "- **Reproduced:** %v\n", run.Reproduced)
	fmt.Fprintf(&b, "- **Attempts:** %d\n", run.Attempts)
	fmt.Fprintf(&b, "- **Started:** %s\n", run.StartedAt.Local().Format(time.DateTime))
	if !run.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "- **Duration:** %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Second))
	}

	if len(run.TargetFiles) > 0 {
		b.WriteString("\n## Target files\n\n")
		for _, f := range run.TargetFiles {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
	}

	if len(attempts) > 0 {
		b.WriteString("\n## Attempts\n\n")
		for _, a := range attempts {
			mark := "✗"
			if a.Success {
				mark = "✓"
			}
			fmt.Fprintf(&b, "- %s attempt %d: `%s`\n", mark, a.Number, a.FilePath)
			if !a.Success && a.ErrorOutput != "" {
				fmt.Fprintf(&b, "\n```\n%s\n```\n\n", lastLines(a.ErrorOutput, 8))
			}
		}
	}

	if run.Patch != "" {
		fmt.Fprintf(&b, "\n## Patch\n\n```diff\n%s\n```\n", strings.TrimRight(run.Patch, "\n"))
	}
	return b.String()
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

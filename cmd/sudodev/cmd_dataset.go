package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"sudodev/internal/sandbox"
)

var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Manage the local SWE-bench dataset cache",
}

var datasetFetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download the configured dataset split and refresh the cache",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ds := newDataset()
		instances, err := ds.Fetch(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cached %d instances of %s (%s) at %s\n",
			len(instances), ds.Name, ds.Split, ds.CachePath())
		return nil
	},
}

var datasetShowCmd = &cobra.Command{
	Use:   "show <instance-id>",
	Short: "Show one instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inst, err := newDataset().Find(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Instance:    %s\n", inst.InstanceID)
		fmt.Fprintf(out, "Repository:  %s @ %s\n", inst.Repo, inst.BaseCommit)
		fmt.Fprintf(out, "Version:     %s\n", inst.Version)
		fmt.Fprintf(out, "Image:       %s\n", sandbox.New(nil, inst.InstanceID, sandboxOptions()).Image())
		fmt.Fprintf(out, "Tests:       %d FAIL_TO_PASS, %d PASS_TO_PASS\n", len(inst.FailToPass), len(inst.PassToPass))
		fmt.Fprintf(out, "\n%s\n", strings.TrimSpace(inst.ProblemStatement))
		return nil
	},
}

func init() {
	datasetCmd.AddCommand(datasetFetchCmd, datasetShowCmd)
}

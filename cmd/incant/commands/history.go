package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect past runs",
	}
	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryBaselinesCommand())
	return cmd
}

func newHistoryListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			runs, err := rt.store.ListRuns(ctx, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), runs)
			}
			for _, run := range runs {
				mode := ""
				if run.DryRun {
					mode = " (dry-run)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-9s  %s  changed=%d failed=%d%s\n",
					run.ID, run.Status, run.StartedAt.Format("2006-01-02 15:04:05"),
					run.Changed, run.Failed, mode)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the steps of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			run, err := rt.store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			steps, err := rt.store.ListSteps(ctx, run.ID)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"run":   run,
					"steps": steps,
				})
			}

			fmt.Fprintf(cmd.OutOrStdout(), "run %s  %s  started %s\n",
				run.ID, run.Status, run.StartedAt.Format("2006-01-02 15:04:05"))
			if run.Error != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "error: %s\n", *run.Error)
			}
			for _, step := range steps {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-8s %s/%s  %s  (%dms)\n",
					step.Status, step.Kind, step.Resource, step.Message, step.Duration)
				if step.Error != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "           %s\n", *step.Error)
				}
			}
			return nil
		},
	}
	return cmd
}

func newHistoryBaselinesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "baselines",
		Short: "List drift baselines of applied resources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			states, err := rt.store.ListResourceStates(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), states)
			}
			for _, s := range states {
				scope := s.Remote
				if s.Project != "" {
					scope += "/" + s.Project
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %-24s %s  applied %s  run %s\n",
					s.Kind, s.Name, scope, s.LastApplied.Format("2006-01-02 15:04:05"), s.LastRunID)
			}
			return nil
		},
	}
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

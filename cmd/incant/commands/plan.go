package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/crystian/incant/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "plan <manifest>...",
		Aliases: []string{"diff"},
		Short:   "Show what apply would change",
		Long: `Plan every declaration against the live state and print the
pending operations. Nothing is applied; policy violations are reported
the way apply would report them.`,
		Example: `  incant plan site.yaml

  # Plan against a remote host with production policies
  incant plan --ssh ops@incus-1 -e production manifests/`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, false)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			m, err := rt.loader.Load(ctx, args)
			if err != nil {
				return err
			}

			summary, err := rt.engine.Plan(ctx, m, engine.Options{
				Environment: environment,
				User:        os.Getenv("USER"),
			})
			if summary != nil {
				if perr := printSummary(cmd.OutOrStdout(), summary, jsonOutput); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	return cmd
}

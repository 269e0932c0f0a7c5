package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crystian/incant/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	var (
		dryRun    bool
		keepGoing bool
	)

	cmd := &cobra.Command{
		Use:   "apply <manifest>...",
		Short: "Reconcile resources onto a manifest",
		Long: `Load the manifest, plan every declaration with a dry-run
reconciliation, gate the plans through the policy engine, and apply the
changes. Converged resources are left untouched.`,
		Example: `  # Apply a single manifest
  incant apply site.yaml

  # Apply a directory of manifests against a remote host
  incant apply --ssh ops@incus-1 manifests/

  # Show what would change without applying
  incant apply --dry-run site.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			m, err := rt.loader.Load(ctx, args)
			if err != nil {
				return err
			}

			summary, err := rt.engine.Apply(ctx, m, engine.Options{
				DryRun:      dryRun,
				KeepGoing:   keepGoing,
				Environment: environment,
				User:        os.Getenv("USER"),
			})
			if summary != nil {
				if perr := printSummary(cmd.OutOrStdout(), summary, jsonOutput); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			if summary.Blocked > 0 {
				return fmt.Errorf("%d declarations blocked by policy", summary.Blocked)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan without applying")
	cmd.Flags().BoolVar(&keepGoing, "keep-going", false, "continue past failed declarations")

	return cmd
}

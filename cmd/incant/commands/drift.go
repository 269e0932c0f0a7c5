package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crystian/incant/pkg/engine"
)

func newDriftCommand() *cobra.Command {
	var failOnDrift bool

	cmd := &cobra.Command{
		Use:   "drift <manifest>...",
		Short: "Detect drift between manifests and live state",
		Long: `Plan every declaration without applying and report the resources
whose live state diverged from the manifest.`,
		Example: `  incant drift site.yaml

  # Non-zero exit when anything drifted (for cron or CI)
  incant drift --fail-on-drift manifests/`,
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

			summary, err := rt.engine.Drift(ctx, m, engine.Options{Environment: environment})
			if err != nil {
				return err
			}
			if perr := printSummary(cmd.OutOrStdout(), summary, jsonOutput); perr != nil {
				return perr
			}
			if failOnDrift && summary.Changed > 0 {
				return fmt.Errorf("%d resources drifted", summary.Changed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&failOnDrift, "fail-on-drift", false, "exit non-zero when drift is found")

	return cmd
}

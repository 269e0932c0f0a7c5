package commands

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crystian/incant/pkg/manifest"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <manifest>...",
		Short: "Validate manifests without touching the backend",
		Long: `Load and validate the manifests: YAML structure, schema
conformance per resource kind, variable expansion, computed values and
duplicate detection. The backend is never contacted.`,
		Example: `  incant validate site.yaml

  incant validate manifests/`,
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
				var invalid *manifest.InvalidError
				if errors.As(err, &invalid) {
					for _, problem := range invalid.Errors {
						fmt.Fprintln(cmd.OutOrStdout(), problem.Error())
					}
				}
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{
					"valid":     true,
					"files":     m.SourceFiles,
					"resources": len(m.Resources),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d declarations across %d files, all valid\n",
				len(m.Resources), len(m.SourceFiles))
			return nil
		},
	}
	return cmd
}

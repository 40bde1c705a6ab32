package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newModelsCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List configured models and registered plugin functions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), root, nil, func(ctx context.Context, a *app) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "MODEL\tPROVIDER\tDEFAULT")
				for _, m := range a.registry.Models() {
					def := ""
					if m.ID == a.kernel.DefaultModel() {
						def = "*"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", m.ID, m.Provider, def)
				}
				fmt.Fprintln(w)
				fmt.Fprintln(w, "FUNCTION\tDESCRIPTION")
				for _, p := range a.kernel.Plugins() {
					for _, f := range p.Functions() {
						fmt.Fprintf(w, "%s\t%s\n", f.FullyQualifiedName(), f.Description)
					}
				}
				return w.Flush()
			})
		},
	}
}

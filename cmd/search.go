package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"gokernel/internal/search"
)

func newSearchCommand(root *rootOptions) *cobra.Command {
	var opts search.Options

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a web search with the configured engine",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), root, nil, func(ctx context.Context, a *app) error {
				if a.engine == nil {
					return errors.New("no search engine configured; set search.kind to bing or google")
				}
				results, err := a.engine.Search(ctx, strings.Join(args, " "), opts)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for i, r := range results {
					fmt.Fprintf(out, "%d. %s\n   %s\n   %s\n", i+1+opts.Offset, r.Name, r.URL, r.Snippet)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&opts.Count, "count", "n", 5, "number of results")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "number of results to skip")
	cmd.Flags().StringVar(&opts.Site, "site", "", "restrict results to a site")
	return cmd
}

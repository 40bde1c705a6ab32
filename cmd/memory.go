package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"gokernel/internal/memory"
)

func newMemoryCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Save and search semantic text memory",
	}
	cmd.AddCommand(newMemorySaveCommand(root), newMemorySearchCommand(root))
	return cmd
}

func newMemorySaveCommand(root *rootOptions) *cobra.Command {
	var (
		key      string
		metadata map[string]string
	)

	cmd := &cobra.Command{
		Use:   "save <collection> <text>",
		Short: "Embed text and store it in a collection",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), root, nil, func(ctx context.Context, a *app) error {
				if err := a.requireMemory(); err != nil {
					return err
				}
				saved, err := a.memory.Save(ctx, args[0], key, strings.Join(args[1:], " "), metadata)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), saved)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&key, "key", "k", "", "record key (generated when empty)")
	cmd.Flags().StringToStringVar(&metadata, "meta", nil, "metadata as key=value pairs")
	return cmd
}

func newMemorySearchCommand(root *rootOptions) *cobra.Command {
	var (
		limit    int
		minScore float64
	)

	cmd := &cobra.Command{
		Use:   "search <collection> <query>",
		Short: "Find stored text semantically related to a query",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), root, nil, func(ctx context.Context, a *app) error {
				if err := a.requireMemory(); err != nil {
					return err
				}
				items, err := a.memory.Search(ctx, args[0], strings.Join(args[1:], " "), limit, minScore)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(items) == 0 {
					fmt.Fprintln(out, "no matches")
					return nil
				}
				for _, item := range items {
					fmt.Fprintf(out, "%.3f  %s  %s\n", item.Relevance, item.Key, item.Text)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "maximum number of results")
	cmd.Flags().Float64Var(&minScore, "min-score", memory.DefaultMinScore, "minimum relevance")
	return cmd
}

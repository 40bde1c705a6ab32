package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"gokernel/internal/config"
	"gokernel/internal/server"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the OpenAI-compatible HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port < 0 || port > 65535 {
				return fmt.Errorf("port override %d must be a valid TCP port", port)
			}
			mutate := func(cfg *config.Config) {
				if port != 0 {
					cfg.Server.Port = port
				}
			}
			return withApp(cmd.Context(), root, mutate, func(ctx context.Context, a *app) error {
				opts := []server.Option{server.WithGatherer(a.gatherer), server.WithLogger(a.logger)}
				if a.memory != nil {
					opts = append(opts, server.WithMemory(a.memory))
				}
				srv, err := server.New(a.cfg, a.kernel, opts...)
				if err != nil {
					return err
				}
				return srv.Run(ctx)
			})
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "override server port from configuration")
	return cmd
}

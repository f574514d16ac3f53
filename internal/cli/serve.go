package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/subproc/internal/fixture"
)

var newFixtureServer = fixture.NewServer

func newServeCmd(ctx *context) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a \"Hi there!\" HTTP server to have a listener to find and kill",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			server := newFixtureServer(fixture.Config{Addr: addr, Logger: ctx.logger})
			if err := server.Listen(); err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Serving on http://%s (pid %d)\n", server.Addr(), os.Getpid())
			return server.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", fixture.DefaultAddr, "Address to listen on")
	return cmd
}

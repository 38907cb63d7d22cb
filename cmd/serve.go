package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/data-collector/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, app *server.App, _ []string) error {
			return app.Run(cmd.Context())
		}),
	}
}

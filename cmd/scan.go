package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/data-collector/internal/server"
)

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan <stream>",
		Short: "Builds the sequence index of a stream and reports duplicates",
		Long: `Reads the stream from the configured content store from the beginning
and records every position in a fresh on-disk index. The command exits when
the stream has been idle for the consumer timeout.`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, app *server.App, args []string) error {
			job, err := app.Scanner().Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return waitAndReport(cmd, job)
		}),
	}
}

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/data-collector/internal/server"
)

func newRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover <source> <target>",
		Short: "Copies records missing from target out of source",
		Long: `Replays the source stream and publishes into the recovery store every
position that the source's sequence index holds but the target has not seen.
Run "scan <source>" first.`,
		Args: cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, app *server.App, args []string) error {
			job, err := app.Recoveries().Submit(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return waitAndReport(cmd, job)
		}),
	}
}

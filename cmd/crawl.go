package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/data-collector/internal/collector"
	"github.com/JakeFAU/data-collector/internal/server"
)

func newCrawlCmd() *cobra.Command {
	var spec collector.Specification
	cmd := &cobra.Command{
		Use:   "crawl <url>...",
		Short: "Fetches pages into a content stream",
		Long: `Fetches each URL in order and publishes the page bodies to the target
stream. The URL's index in the argument list is its position.`,
		Args: cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, app *server.App, args []string) error {
			spec.URLs = args
			job, err := app.Crawls().Submit(cmd.Context(), spec)
			if err != nil {
				return err
			}
			return waitAndReport(cmd, job)
		}),
	}
	cmd.Flags().StringVar(&spec.ID, "id", "", "crawl specification id (required)")
	cmd.Flags().StringVar(&spec.TargetStream, "stream", "", "stream to publish pages to (required)")
	cmd.Flags().BoolVar(&spec.RespectRobots, "respect-robots", false, "honor robots.txt even if disabled in config")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("stream")
	return cmd
}

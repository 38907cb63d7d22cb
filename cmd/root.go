// Package cmd defines the CLI commands for the datacollector executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/data-collector/internal/config"
	"github.com/JakeFAU/data-collector/internal/server"
	"github.com/JakeFAU/data-collector/internal/workmanager"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. Tests replace it to inject stores.
var newApp = func(ctx context.Context, cfg config.Config) (*server.App, error) {
	return server.Build(ctx, cfg, server.Options{})
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "datacollector",
		Short: "Collects content streams and keeps them consistent.",
		Long: `datacollector crawls pages into ordered content streams, verifies each
stream's integrity with an on-disk sequence index, and recovers missing
records into a second store. It runs either as an HTTP service or as
one-shot commands.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			app, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, app))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (environment variables use the DC_ prefix)")

	cmd.AddCommand(newServeCmd(), newScanCmd(), newRecoverCmd(), newCrawlCmd())
	return cmd
}

func resolveApp(ctx context.Context) (*server.App, error) {
	app, ok := ctx.Value(appKey).(*server.App)
	if !ok || app == nil {
		return nil, errors.New("application not initialized")
	}
	return app, nil
}

// withApp adapts fn to a RunE that always closes the application, including
// when fn fails.
func withApp(fn func(cmd *cobra.Command, app *server.App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		app, err := resolveApp(cmd.Context())
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, app.Close(context.WithoutCancel(cmd.Context())))
		}()
		return fn(cmd, app, args)
	}
}

// waitAndReport blocks until job ends, prints its final state as JSON, and
// returns the job's error.
func waitAndReport(cmd *cobra.Command, job *workmanager.Job) error {
	waitErr := job.Wait(cmd.Context())
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(job.Info()); err != nil {
		return fmt.Errorf("write job info: %w", err)
	}
	return waitErr
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

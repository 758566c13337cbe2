// Package cmd defines the CLI commands for the seedprice pipeline binary.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/seedprice-pipeline/internal/app"
	"github.com/JakeFAU/seedprice-pipeline/internal/config"
	"github.com/JakeFAU/seedprice-pipeline/internal/logging"
)

// runtimeKeyType is the key for storing the runtime in the command context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime is what every subcommand works against.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
	app    *app.App
}

// rootOptions lets tests swap process-wide collaborators.
type rootOptions struct {
	app app.Options
}

// newRootCmd creates the root command with every subcommand attached.
func newRootCmd(opts rootOptions) *cobra.Command {
	var (
		cfgFile  string
		envFiles []string
	)
	cmd := &cobra.Command{
		Use:   "seedprice",
		Short: "Scrape-job orchestration and price alerts for seed vendors.",
		Long: `seedprice runs the scrape, price-detection and alert queues that keep
the seed price catalog current. The serve command hosts the HTTP API and the
queue workers; the other commands operate on the same stores and broker for
one-off maintenance.`,
		SilenceUsage: true,

		// Loads config and builds the app before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile, envFiles...)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			a, err := app.New(cmd.Context(), cfg, logger, opts.app)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			rt := &runtime{cfg: cfg, logger: logger, app: a}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, rt))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout)
			defer cancel()
			closeErr := rt.app.Close(ctx)
			// Sync fails on some terminals; nothing useful can be done about it.
			_ = rt.logger.Sync()
			return closeErr
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files loaded before the environment is read (default .env)")

	cmd.AddCommand(
		newServeCmd(),
		newEnqueueCmd(),
		newBatchCmd(),
		newScheduleCmd(),
		newSweepCmd(),
		newPurgeCmd(),
	)
	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	if ctx == nil {
		return nil, errors.New("command context is nil")
	}
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("application runtime not initialized")
	}
	return rt, nil
}

// commandTimeout bounds one-off commands that talk to the stores.
const commandTimeout = 5 * time.Minute

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd(rootOptions{}).Execute(); err != nil {
		os.Exit(1)
	}
}

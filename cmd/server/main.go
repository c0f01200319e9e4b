// Command server runs the GA4 ingestion service: the HTTP front door, the
// Temporal worker, and a few operational subcommands.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stanstork/ga4-ingest/internal/config"
	"github.com/stanstork/ga4-ingest/internal/ingest"
	"github.com/stanstork/ga4-ingest/internal/migration"
	"github.com/stanstork/ga4-ingest/internal/modes"
	"go.temporal.io/sdk/worker"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serve := newServeCmd()

	root := &cobra.Command{
		Use:           "ga4-ingest",
		Short:         "GA4 report ingestion service",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          serve.RunE,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default ./config.yaml or ./config/config.yaml)")

	root.AddCommand(
		serve,
		newWorkerCmd(),
		newIngestCmd(),
		newMigrateCmd(),
		newCountsCmd(),
	)
	return root
}

// setup loads configuration and builds the logger shared by every command.
func setup() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, newLogger(cfg.Log), nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the Temporal worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			app, err := newApplication(ctx, cfg, logger)
			if err != nil {
				return errors.Wrap(err, "failed to initialize application")
			}
			defer app.close(context.Background())

			if err := app.dialTemporal(); err != nil {
				return errors.Wrap(err, "unable to create Temporal client")
			}

			temporalWorker := app.startTemporalWorker()
			if err := app.startServer(app.initRouter(), temporalWorker); err != nil {
				return err
			}
			logger.Info().Msg("Application terminated.")
			return nil
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the Temporal worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			app, err := newApplication(cmd.Context(), cfg, logger)
			if err != nil {
				return errors.Wrap(err, "failed to initialize application")
			}
			defer app.close(context.Background())

			if err := app.dialTemporal(); err != nil {
				return errors.Wrap(err, "unable to create Temporal client")
			}

			w := app.newTemporalWorker()
			logger.Info().Str("task_queue", cfg.Temporal.TaskQueue).Msg("Starting Temporal worker...")
			return w.Run(worker.InterruptCh())
		},
	}
}

func newIngestCmd() *cobra.Command {
	var req ingest.Request

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run one ingestion synchronously and print the result",
		Long: `Run the ingestion pipeline in this process without creating a job.
With both --start-date and --end-date, combined mode iterates the range one
day at a time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			app, err := newApplication(cmd.Context(), cfg, logger)
			if err != nil {
				return errors.Wrap(err, "failed to initialize application")
			}
			defer app.close(context.Background())

			res, err := app.runner.Run(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&req.Mode, "mode", string(modes.Combined), "ingestion mode: combined or mapped")
	cmd.Flags().StringVar(&req.StartDate, "start-date", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&req.EndDate, "end-date", "", "last day, YYYY-MM-DD")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply Postgres document store migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if cfg.Store.PostgresURL == "" {
				return errors.New("store.postgres_url is not configured")
			}

			db, err := sql.Open("postgres", cfg.Store.PostgresURL)
			if err != nil {
				return errors.Wrap(err, "failed to connect to the database")
			}
			defer db.Close()
			if err := db.PingContext(cmd.Context()); err != nil {
				return errors.Wrap(err, "failed to ping database")
			}
			return migration.RunMigrations(db, logger)
		},
	}
}

func newCountsCmd() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "counts",
		Short: "Print configured dimension and metric counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := modes.ParseCountsMode(mode)
			if err != nil {
				return err
			}
			counts := modes.Default().Counts(m)
			switch m {
			case modes.Combined:
				return printJSON(cmd.OutOrStdout(), counts.Combined)
			case modes.Mapped:
				return printJSON(cmd.OutOrStdout(), counts.Mapped)
			}
			return printJSON(cmd.OutOrStdout(), counts)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(modes.Both), "combined, mapped or both")
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return nil
}

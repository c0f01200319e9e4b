package main

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"github.com/stanstork/ga4-ingest/internal/archive"
	"github.com/stanstork/ga4-ingest/internal/config"
	"github.com/stanstork/ga4-ingest/internal/dispatch"
	"github.com/stanstork/ga4-ingest/internal/docstore"
	"github.com/stanstork/ga4-ingest/internal/handlers"
	"github.com/stanstork/ga4-ingest/internal/ingest"
	"github.com/stanstork/ga4-ingest/internal/loader"
	"github.com/stanstork/ga4-ingest/internal/metrics"
	"github.com/stanstork/ga4-ingest/internal/middleware"
	"github.com/stanstork/ga4-ingest/internal/migration"
	"github.com/stanstork/ga4-ingest/internal/modes"
	"github.com/stanstork/ga4-ingest/internal/report"
	"github.com/stanstork/ga4-ingest/internal/repository"
	"github.com/stanstork/ga4-ingest/internal/routes"
	"github.com/stanstork/ga4-ingest/internal/temporal"
	"github.com/stanstork/ga4-ingest/internal/temporal/activities"
	"github.com/stanstork/ga4-ingest/internal/temporal/workflows"

	_ "github.com/lib/pq" // PostgreSQL driver
	tc "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

// application owns every long-lived handle of the process.
type application struct {
	config  *config.Config
	logger  zerolog.Logger
	catalog *modes.Catalog
	store   docstore.Store
	db      *sql.DB
	jobs    repository.JobRepository
	metrics *metrics.Recorder
	runner  *ingest.Runner
	wrapper *dispatch.Wrapper

	temporalClient tc.Client
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	if cfg.Format == "json" {
		out = os.Stdout
	}
	logger := zerolog.New(out).With().Timestamp().Logger()

	log.SetFlags(0)
	log.SetOutput(logger)
	goose.SetLogger(migration.NewGooseAdapter(logger))
	return logger
}

// newApplication builds the storage and ingestion pipeline. The Temporal
// client is dialed separately by the commands that need it.
func newApplication(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*application, error) {
	app := &application{
		config:  cfg,
		logger:  logger,
		catalog: modes.Default(),
		metrics: metrics.New(),
	}

	if err := app.openStore(ctx); err != nil {
		return nil, err
	}
	app.jobs = repository.NewJobRepository(app.store, cfg.Store.JobsCollection)

	archiver, err := app.newArchiver(ctx)
	if err != nil {
		app.close(ctx)
		return nil, err
	}

	app.runner = ingest.NewRunner(ingest.Options{
		Catalog: app.catalog,
		Source: report.NewSource(report.Config{
			PropertyID:           cfg.GA4.PropertyID,
			CredentialsFile:      cfg.GA4.CredentialsFile,
			Endpoint:             cfg.GA4.Endpoint,
			TokenURL:             cfg.GA4.TokenURL,
			MaxMetricsPerRequest: cfg.GA4.MaxMetricsPerRequest,
			RequestsPerSecond:    cfg.GA4.RequestsPerSecond,
			Timeout:              cfg.GA4.Timeout,
			SimulatedRows:        cfg.GA4.SimulatedRows,
		}, logger),
		Simulator: report.NewSimulatedSource(cfg.GA4.SimulatedRows),
		Loader:    loader.New(app.store, app.catalog, logger),
		Jobs:      app.jobs,
		Archiver:  archiver,
		Metrics:   app.metrics,
		Logger:    logger,
	})

	registry := dispatch.NewRegistry()
	registry.Register(dispatch.DefaultRunnerName, dispatch.NewIngestRunner(app.runner))
	app.wrapper = dispatch.NewWrapper(registry, dispatch.DefaultRunnerName, app.jobs, logger)

	return app, nil
}

func (app *application) openStore(ctx context.Context) error {
	cfg := app.config.Store
	switch cfg.Driver {
	case "mongo":
		store, err := docstore.NewMongo(ctx, cfg.MongoURI, cfg.MongoDB, cfg.ConnectTimeout)
		if err != nil {
			return err
		}
		app.store = store
	case "postgres":
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return err
		}
		pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return err
		}
		if err := migration.RunMigrations(db, app.logger); err != nil {
			db.Close()
			return err
		}
		app.db = db
		app.store = docstore.NewPostgres(db)
	default:
		app.logger.Warn().Msg("Using in-memory document store, data is lost on exit")
		app.store = docstore.NewMemory()
	}
	app.logger.Info().Str("driver", cfg.Driver).Msg("Document store ready")
	return nil
}

func (app *application) newArchiver(ctx context.Context) (archive.Archiver, error) {
	cfg := app.config.Archive
	if !cfg.Enabled {
		return archive.Nop{}, nil
	}
	m, err := archive.NewMinio(ctx, archive.Config{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		UseSSL:    cfg.UseSSL,
		Bucket:    cfg.Bucket,
	})
	if err != nil {
		return nil, err
	}
	app.logger.Info().Str("bucket", cfg.Bucket).Msg("Archiving raw reports")
	return m, nil
}

func (app *application) dialTemporal() error {
	c, err := tc.Dial(tc.Options{
		HostPort:  app.config.Temporal.HostPort,
		Namespace: app.config.Temporal.Namespace,
		Logger:    temporal.NewZerologAdapter(app.logger),
	})
	if err != nil {
		return err
	}
	app.temporalClient = c
	return nil
}

func (app *application) close(ctx context.Context) {
	if app.temporalClient != nil {
		app.temporalClient.Close()
	}
	if app.store != nil {
		if err := app.store.Close(ctx); err != nil {
			app.logger.Error().Err(err).Msg("Failed to close document store")
		}
	}
}

// initRouter sets up all HTTP handlers and returns the router.
func (app *application) initRouter() http.Handler {
	queue := temporal.NewQueue(app.temporalClient, temporal.QueueOptions{
		TaskQueue:  app.config.Temporal.TaskQueue,
		JobTimeout: app.config.Temporal.JobTimeout,
	})
	ingestHandler := handlers.NewIngestHandler(app.jobs, queue, app.catalog, app.logger)

	var metricsHandler http.Handler
	if app.config.Metrics.Enabled {
		metricsHandler = app.metrics.Handler()
	}
	router := routes.NewRouter(ingestHandler, metricsHandler, app.config.Metrics.Path)

	loggedRouter := middleware.LoggingMiddleware(app.logger)(router)
	return h.CORS(
		h.AllowedOrigins(app.config.AllowedOrigins),
		h.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)(h.RecoveryHandler(h.PrintRecoveryStack(true))(loggedRouter))
}

func (app *application) newTemporalWorker() worker.Worker {
	activityImpl := &activities.Activities{
		Wrapper: app.wrapper,
		JobRepo: app.jobs,
	}

	w := worker.New(app.temporalClient, app.config.Temporal.TaskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(workflows.IngestionWorkflow, workflow.RegisterOptions{
		Name: temporal.IngestionWorkflowName,
	})
	w.RegisterActivity(activityImpl)
	return w
}

// startTemporalWorker runs the worker in a goroutine so it doesn't block.
func (app *application) startTemporalWorker() worker.Worker {
	w := app.newTemporalWorker()
	go func() {
		app.logger.Info().Str("task_queue", app.config.Temporal.TaskQueue).Msg("Starting Temporal worker...")
		if err := w.Run(worker.InterruptCh()); err != nil {
			app.logger.Fatal().Err(err).Msg("Unable to start worker")
		}
	}()
	return w
}

// startServer launches the HTTP server and handles graceful shutdown.
func (app *application) startServer(handler http.Handler, temporalWorker worker.Worker) error {
	logger := app.logger
	server := &http.Server{
		Addr:              ":" + app.config.ServerPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to listen for server errors
	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	// Wait for an interrupt signal or a server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
	case runErr = <-serverErrCh:
		logger.Error().Err(runErr).Msg("Server error occurred")
	}

	// Gracefully shut down the HTTP server.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server shutdown complete.")
	}

	if temporalWorker != nil {
		logger.Info().Msg("Stopping Temporal worker...")
		temporalWorker.Stop()
		logger.Info().Msg("Temporal worker stopped.")
	}
	return runErr
}

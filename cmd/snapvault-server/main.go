// Package main is the entrypoint for the snapvault server: it runs the job
// dispatcher, the maintenance scheduler and the operational HTTP endpoints.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MacJediWizard/snapvault/internal/api"
	"github.com/MacJediWizard/snapvault/internal/archive"
	"github.com/MacJediWizard/snapvault/internal/backups"
	"github.com/MacJediWizard/snapvault/internal/config"
	"github.com/MacJediWizard/snapvault/internal/db"
	"github.com/MacJediWizard/snapvault/internal/jobs"
	"github.com/MacJediWizard/snapvault/internal/maintenance"
	"github.com/MacJediWizard/snapvault/internal/media"
	"github.com/MacJediWizard/snapvault/internal/metrics"
	"github.com/MacJediWizard/snapvault/internal/models"
	"github.com/MacJediWizard/snapvault/internal/notifications"
	"github.com/MacJediWizard/snapvault/internal/provider"
	"github.com/MacJediWizard/snapvault/internal/scrape"
	"github.com/MacJediWizard/snapvault/internal/storage"
	"github.com/MacJediWizard/snapvault/internal/usage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

const (
	mediaFetchTimeout = 60 * time.Second
	shutdownTimeout   = 30 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.LoadServerConfig()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("version", Version).Logger()
	if !cfg.IsProduction() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	logger.Info().
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Str("env", string(cfg.Environment)).
		Msg("Starting snapvault server")

	limits, err := config.LoadLimits(cfg.LimitsFile)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load limits")
		return 1
	}

	if cfg.DatabaseURL == "" {
		logger.Error().Msg("DATABASE_URL environment variable is required")
		return 1
	}
	database, err := db.New(ctx, db.DefaultConfig(cfg.DatabaseURL), logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect to database")
		return 1
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to run database migrations")
		return 1
	}

	objects, err := storage.NewS3Store(ctx, cfg.S3, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize object storage")
		return 1
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promMetrics, err := metrics.NewPrometheusMetrics(registry)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to register metrics")
		return 1
	}

	notifier, err := newNotifier(cfg.SMTP, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize email notifications")
		return 1
	}

	scraper := provider.NewApify(cfg.Apify, logger)
	if err := scraper.Validate(provider.Request{TimelineItems: 1, SocialItems: 1}); err != nil {
		// Snapshots needing the missing pieces fail with not_configured.
		logger.Warn().Err(err).Msg("Scraping provider is not configured")
	}

	ledger := jobs.NewLedger(database, jobs.LedgerOptions{StaleAfter: limits.Jobs.StaleQueueTimeout}, logger)
	accountant := usage.NewAccountant(database, nil, logger)
	deleter := backups.NewDeleter(database, objects, promMetrics, logger)
	pipeline := media.NewPipeline(objects, database, media.NewHTTPFetcher(mediaFetchTimeout, limits.Media.MaxObjectBytes), limits.Media, promMetrics, logger)

	orchestrator := scrape.NewOrchestrator(scrape.Deps{
		Ledger:   ledger,
		Backups:  database,
		Provider: scraper,
		Media:    pipeline,
		Usage:    accountant,
		Deleter:  deleter,
		Notifier: notifier,
		Metrics:  promMetrics,
	}, *limits, logger)

	importer := archive.NewImporter(archive.ImporterDeps{
		Ledger:   ledger,
		Backups:  database,
		Objects:  objects,
		Usage:    accountant,
		Deleter:  deleter,
		Notifier: notifier,
		Metrics:  promMetrics,
	}, limits.Archive, logger)

	dispatcher := jobs.NewDispatcher(database, ledger, jobs.DispatcherConfig{
		Workers:        cfg.DispatchWorkers,
		PollInterval:   limits.Jobs.PollInterval,
		MaxJobDuration: limits.Jobs.MaxJobDuration,
	}, logger)
	dispatcher.RegisterHandler(models.JobKindSnapshotScrape, orchestrator)
	dispatcher.RegisterHandler(models.JobKindArchiveUpload, importer)

	if err := dispatcher.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to start job dispatcher")
		return 1
	}

	scheduler := maintenance.NewScheduler(ledger, deleter, nil, promMetrics, logger)
	if err := scheduler.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start maintenance scheduler")
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Config{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
	}, api.Dependencies{
		DB:       database,
		Jobs:     dispatcher,
		Gatherer: registry,
	}, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down server")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("HTTP server error")
		exitCode = 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
		exitCode = 1
	}

	// Jobs still running when the timeout hits keep their lease until it
	// expires and are picked up by the next process.
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Job dispatcher did not drain before shutdown")
	}

	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn().Msg("Maintenance tasks still running at shutdown")
	}

	logger.Info().Msg("Server stopped")
	return exitCode
}

func newNotifier(cfg config.SMTPConfig, logger zerolog.Logger) (notifications.Notifier, error) {
	if cfg.Host == "" {
		logger.Info().Msg("SMTP_HOST not set, ready notifications are logged only")
		return notifications.NewLogNotifier(logger), nil
	}
	svc, err := notifications.NewEmailService(cfg, logger)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

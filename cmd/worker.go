package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/docstream/services/ledger/config"
	"example.com/docstream/services/ledger/internal/cache"
	"example.com/docstream/services/ledger/internal/eventstore"
	"example.com/docstream/services/ledger/internal/metrics"
	"example.com/docstream/services/ledger/internal/projection"
	"example.com/docstream/services/ledger/internal/tracing"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the projection worker",
	Long:  `Start the background worker that dispatches events to projections, retries failed events and refreshes health metrics`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Create an error group to manage goroutines
	g, ctx := errgroup.WithContext(ctx)

	// Initialize database connections
	db, readOnlyDB, err := initDatabases(cfg)
	if err != nil {
		return err
	}

	// Initialize cache
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
	}

	// Initialize tracer
	if _, err := tracing.NewTracer(cfg.Tracing); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
	}

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()

	store := eventstore.NewStore(db, readOnlyDB)
	tracker := projection.NewFailureTracker(db, cfg.Retry.MaxRetries, cfg.Retry.BaseBackoff)
	health := projection.NewHealthEvaluator(db, store, cfg.Health)

	projections, _, closers, err := buildProjections(cfg, store, redisCache)
	if err != nil {
		return err
	}
	defer closeAll(closers)

	dispatcher := projection.NewDispatcher(db, store, tracker, health, metricsCollector,
		cfg.Dispatcher.BatchSize, cfg.Dispatcher.InlineAttempts, cfg.Dispatcher.PollInterval)
	for _, p := range projections {
		dispatcher.Register(p)
	}

	retryWorker := projection.NewRetryWorker(db, store, tracker, health, metricsCollector,
		dispatcher.Projections(), cfg.Retry.BatchSize)

	// Start the dispatcher poll loop
	g.Go(func() error {
		log.Info().
			Int("projections", len(projections)).
			Dur("poll_interval", cfg.Dispatcher.PollInterval).
			Msg("Starting projection dispatcher")
		return dispatcher.Run(ctx)
	})

	// Run the failed-event retry scan and health refresh on schedules
	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Retry.ScanInterval),
			gocron.NewTask(func() {
				if err := retryWorker.Scan(ctx); err != nil {
					log.Error().Err(err).Msg("Retry scan failed")
				}
			}),
		)
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Health.RefreshInterval),
			gocron.NewTask(func() {
				for name := range projections {
					health.Refresh(ctx, name)
				}
			}),
		)
		if err != nil {
			return err
		}

		scheduler.Start()

		// Wait for context cancellation
		<-ctx.Done()

		// Shutdown the scheduler
		return scheduler.Shutdown()
	})

	// Wait for any goroutine to exit
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}

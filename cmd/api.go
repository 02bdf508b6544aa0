package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/docstream/services/ledger/config"
	"example.com/docstream/services/ledger/internal/api"
	"example.com/docstream/services/ledger/internal/cache"
	"example.com/docstream/services/ledger/internal/eventstore"
	"example.com/docstream/services/ledger/internal/messaging"
	"example.com/docstream/services/ledger/internal/metrics"
	"example.com/docstream/services/ledger/internal/models"
	"example.com/docstream/services/ledger/internal/projection"
	"example.com/docstream/services/ledger/internal/projection/readmodels"
	"example.com/docstream/services/ledger/internal/search"
	"example.com/docstream/services/ledger/internal/tracing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the admin and health API server",
	Long:  `Start the HTTP server exposing projection recovery operations and health metrics`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
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
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
	}

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()

	store := eventstore.NewStore(db, readOnlyDB)
	tracker := projection.NewFailureTracker(db, cfg.Retry.MaxRetries, cfg.Retry.BaseBackoff)
	health := projection.NewHealthEvaluator(db, store, cfg.Health)

	// The API only reads from and repairs projections, but recovery
	// operations need the same handler set the worker dispatches to.
	projections, elasticClient, closers, err := buildProjections(cfg, store, redisCache)
	if err != nil {
		return err
	}
	defer closeAll(closers)

	recovery := projection.NewRecovery(db, store, tracker, health, projections)

	// Initialize and start the server
	server := api.NewServer(cfg, recovery, health, redisCache, elasticClient, metricsCollector, tracer)

	// Start the server in a goroutine
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	// Wait for termination signal
	<-ctx.Done()

	// Shutdown the server
	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}

// buildProjections wires the configured projection set. The returned
// closers release external connections (Service Bus) on shutdown; the
// Elasticsearch client is returned for the search API and is nil when
// the cluster is disabled.
func buildProjections(cfg config.Config, store *eventstore.Store, redisCache *cache.RedisCache) (map[string]projection.Projection, *search.ElasticClient, []func() error, error) {
	projections := make(map[string]projection.Projection)
	var closers []func() error

	summary := readmodels.NewDocumentSummaryProjection(store)
	projections[summary.Name()] = summary

	var elasticClient *search.ElasticClient
	if cfg.Elastic.Enabled {
		var err error
		elasticClient, err = search.NewElasticClient(cfg.Elastic)
		if err != nil {
			return nil, nil, closers, errors.Wrap(err, "failed to initialize Elasticsearch client")
		}
		searchProjection := readmodels.NewComplianceSearchProjection(store, elasticClient)
		projections[searchProjection.Name()] = searchProjection
	}

	if cfg.Redis.Enabled {
		stats := readmodels.NewReviewStatsProjection(redisCache)
		projections[stats.Name()] = stats
	}

	if cfg.Relay.Enabled {
		relay, err := messaging.NewEventRelay(cfg.Relay)
		if err != nil {
			return nil, nil, closers, errors.Wrap(err, "failed to initialize event relay")
		}
		projections[relay.Name()] = relay
		closers = append(closers, func() error {
			return relay.Close(context.Background())
		})
	}

	return projections, elasticClient, closers, nil
}

func closeAll(closers []func() error) {
	for _, close := range closers {
		if err := close(); err != nil {
			log.Warn().Err(err).Msg("Error closing projection resource")
		}
	}
}

func initDatabases(cfg config.Config) (*gorm.DB, *gorm.DB, error) {
	// TranslateError maps unique constraint violations onto
	// gorm.ErrDuplicatedKey, which the event store relies on to detect
	// concurrent appends.
	db, err := gorm.Open(postgres.Open(cfg.DB.DSN), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to write database")
	}

	// Initialize read-only database
	readOnlyDB, err := gorm.Open(postgres.Open(cfg.DB.ReadOnlyDSN), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to read-only database")
	}

	// Auto-migrate only the write database
	if err := models.SetupModels(db); err != nil {
		return nil, nil, errors.Wrap(err, "failed to run migrations")
	}

	// Configure connection pools for both databases
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying write DB connection")
	}
	sqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	readSqlDB, err := readOnlyDB.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying read-only DB connection")
	}

	// Higher limits for read operations
	readSqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns * 2)
	readSqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns * 2)
	readSqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	return db, readOnlyDB, nil
}

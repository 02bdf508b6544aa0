package api

import (
	"context"
	"net/http"
	"time"

	"example.com/docstream/services/ledger/config"
	"example.com/docstream/services/ledger/internal/api/handlers"
	"example.com/docstream/services/ledger/internal/cache"
	"example.com/docstream/services/ledger/internal/metrics"
	"example.com/docstream/services/ledger/internal/projection"
	"example.com/docstream/services/ledger/internal/search"
	"example.com/docstream/services/ledger/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Server represents the HTTP server
type Server struct {
	config     config.Config
	router     *gin.Engine
	httpServer *http.Server
	recovery   *projection.Recovery
	health     *projection.HealthEvaluator
	cache      *cache.RedisCache
	elastic    *search.ElasticClient
	metrics    *metrics.Metrics
	tracer     tracing.Tracer
}

// NewServer creates a new HTTP server. elastic may be nil; the search
// endpoint is only mounted when the cluster is configured.
func NewServer(cfg config.Config, recovery *projection.Recovery, health *projection.HealthEvaluator, redisCache *cache.RedisCache, elastic *search.ElasticClient, collector *metrics.Metrics, tracer tracing.Tracer) *Server {
	server := &Server{
		config:   cfg,
		recovery: recovery,
		health:   health,
		cache:    redisCache,
		elastic:  elastic,
		metrics:  collector,
		tracer:   tracer,
	}

	router := server.setupRouter()
	server.router = router

	httpServer := &http.Server{
		Addr:    cfg.ServerAddress,
		Handler: router,
	}
	server.httpServer = httpServer

	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	router := gin.Default()

	// Recovery middleware
	router.Use(gin.Recovery())

	// Register handlers
	adminHandler := handlers.NewAdminHandler(s.recovery, s.cache, s.config.Health.StatusCacheTTL, s.tracer)
	adminHandler.RegisterRoutes(router)

	healthHandler := handlers.NewHealthHandler(s.recovery, s.health)
	healthHandler.RegisterRoutes(router)

	metricsHandler := handlers.NewMetricsHandler(s.metrics, s.tracer)
	metricsHandler.RegisterRoutes(router)

	if s.elastic != nil {
		searchHandler := handlers.NewSearchHandler(s.elastic, s.tracer)
		searchHandler.RegisterRoutes(router)
	}

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.ServerAddress).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	// Create a timeout context for shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}

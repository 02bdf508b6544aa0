package handlers

import (
	"net/http"
	"time"

	"example.com/docstream/services/ledger/internal/cache"
	"example.com/docstream/services/ledger/internal/projection"
	"example.com/docstream/services/ledger/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// AdminHandler exposes the projection recovery operations to operators
type AdminHandler struct {
	recovery       *projection.Recovery
	statusCache    *cache.RedisCache
	statusCacheTTL time.Duration
	tracer         tracing.Tracer
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(recovery *projection.Recovery, statusCache *cache.RedisCache, statusCacheTTL time.Duration, tracer tracing.Tracer) *AdminHandler {
	return &AdminHandler{
		recovery:       recovery,
		statusCache:    statusCache,
		statusCacheTTL: statusCacheTTL,
		tracer:         tracer,
	}
}

// ReplayRequest is the body of a replay call
type ReplayRequest struct {
	FromSequence int64 `json:"from_sequence" binding:"required"`
	ToSequence   int64 `json:"to_sequence" binding:"required"`
}

// HandleReplay reprocesses a sequence range for one projection
func (h *AdminHandler) HandleReplay(c *gin.Context, name string) {
	txn := h.tracer.StartTransaction("admin-replay")
	defer h.tracer.EndTransaction(txn)

	var req ReplayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	replayed, err := h.recovery.Replay(c.Request.Context(), name, req.FromSequence, req.ToSequence)
	if err != nil {
		h.tracer.RecordError(txn, err)
		if errors.Is(err, projection.ErrUnknownProjection) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		log.Error().Err(err).Str("projection", name).Msg("Replay failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "replayed": replayed})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"projection":    name,
		"from_sequence": req.FromSequence,
		"to_sequence":   req.ToSequence,
		"replayed":      replayed,
	})
}

// ResetRequest is the body of a reset call; ToSequence defaults to 0
// for a full rebuild.
type ResetRequest struct {
	ToSequence int64 `json:"to_sequence"`
}

// HandleReset rewinds a projection's checkpoint
func (h *AdminHandler) HandleReset(c *gin.Context, name string) {
	txn := h.tracer.StartTransaction("admin-reset")
	defer h.tracer.EndTransaction(txn)

	var req ResetRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.recovery.Reset(c.Request.Context(), name, req.ToSequence); err != nil {
		h.tracer.RecordError(txn, err)
		if errors.Is(err, projection.ErrUnknownProjection) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"projection": name, "to_sequence": req.ToSequence})
}

// ResolveRequest is the body of a manual failure resolution
type ResolveRequest struct {
	Method string `json:"method" binding:"required"`
}

// HandleResolveFailure marks a failure resolved without reprocessing
func (h *AdminHandler) HandleResolveFailure(c *gin.Context) {
	txn := h.tracer.StartTransaction("admin-resolve-failure")
	defer h.tracer.EndTransaction(txn)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid failure id"})
		return
	}

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.recovery.ResolveFailure(c.Request.Context(), id, req.Method); err != nil {
		h.tracer.RecordError(txn, err)
		if errors.Is(err, projection.ErrFailureNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"failure_id": id, "method": req.Method})
}

// HandleStatus returns checkpoint, health and failure counts for every
// projection. The listing is served from a short-lived Redis cache when
// available.
func (h *AdminHandler) HandleStatus(c *gin.Context) {
	txn := h.tracer.StartTransaction("admin-status")
	defer h.tracer.EndTransaction(txn)

	ctx := c.Request.Context()

	var cached []projection.ProjectionStatus
	if err := h.statusCache.Get(ctx, cache.StatusCacheKey(), &cached); err == nil {
		c.JSON(http.StatusOK, gin.H{"projections": cached, "cached": true})
		return
	}

	statuses, err := h.recovery.Status(ctx)
	if err != nil {
		h.tracer.RecordError(txn, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := h.statusCache.Set(ctx, cache.StatusCacheKey(), statuses, h.statusCacheTTL); err != nil {
		log.Warn().Err(err).Msg("Failed to cache projection status")
	}

	c.JSON(http.StatusOK, gin.H{"projections": statuses})
}

// RegisterRoutes registers the handler's routes. Replay and reset are
// registered per projection name: the router cannot mix the static
// "failures" segment with a path parameter at the same position, and
// the projection set is fixed at startup.
func (h *AdminHandler) RegisterRoutes(router *gin.Engine) {
	admin := router.Group("/admin")
	for _, name := range h.recovery.Names() {
		name := name
		admin.POST("/projections/"+name+"/replay", func(c *gin.Context) { h.HandleReplay(c, name) })
		admin.POST("/projections/"+name+"/reset", func(c *gin.Context) { h.HandleReset(c, name) })
	}
	admin.POST("/projections/failures/:id/resolve", h.HandleResolveFailure)
	admin.GET("/projections/status", h.HandleStatus)
}

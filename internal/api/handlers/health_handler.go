package handlers

import (
	"net/http"
	"strconv"

	"example.com/docstream/services/ledger/internal/projection"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

// HealthHandler serves the per-projection health surface
type HealthHandler struct {
	recovery *projection.Recovery
	health   *projection.HealthEvaluator
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(recovery *projection.Recovery, health *projection.HealthEvaluator) *HealthHandler {
	return &HealthHandler{
		recovery: recovery,
		health:   health,
	}
}

// HandleListHealth returns the health metric of every projection
func (h *HealthHandler) HandleListHealth(c *gin.Context) {
	metrics, err := h.health.ListMetrics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"projections": metrics})
}

// HandleGetHealth returns one projection's health metric, recomputed
// from the checkpoint and failure tables so it is never stale.
func (h *HealthHandler) HandleGetHealth(c *gin.Context) {
	name := c.Param("name")

	metric, err := h.recovery.Health(c.Request.Context(), name)
	if err != nil {
		if errors.Is(err, projection.ErrUnknownProjection) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, metric)
}

// HandleGetCheckpoint returns one projection's checkpoint
func (h *HealthHandler) HandleGetCheckpoint(c *gin.Context) {
	name := c.Param("name")

	checkpoint, err := h.recovery.Checkpoint(c.Request.Context(), name)
	if err != nil {
		if errors.Is(err, projection.ErrUnknownProjection) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, checkpoint)
}

// HandleListFailures returns one projection's failure records. Resolved
// records are excluded unless include_resolved=true.
func (h *HealthHandler) HandleListFailures(c *gin.Context) {
	name := c.Param("name")

	includeResolved := c.Query("include_resolved") == "true"
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	failures, err := h.recovery.Failures(c.Request.Context(), name, includeResolved, limit)
	if err != nil {
		if errors.Is(err, projection.ErrUnknownProjection) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"projection": name, "failures": failures})
}

// RegisterRoutes registers the handler's routes
func (h *HealthHandler) RegisterRoutes(router *gin.Engine) {
	health := router.Group("/health/projections")
	health.GET("", h.HandleListHealth)
	health.GET("/:name", h.HandleGetHealth)
	health.GET("/:name/checkpoint", h.HandleGetCheckpoint)
	health.GET("/:name/failures", h.HandleListFailures)
}

package projection

import (
	"context"
	"time"

	"example.com/docstream/services/ledger/config"
	"example.com/docstream/services/ledger/internal/eventstore"
	"example.com/docstream/services/ledger/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StatusSeverity orders the four health levels. Consumers rely on this
// ordering: healthy < degraded < critical < offline.
var StatusSeverity = map[string]int{
	models.HealthHealthy:  0,
	models.HealthDegraded: 1,
	models.HealthCritical: 2,
	models.HealthOffline:  3,
}

// HealthEvaluator derives per-projection health metrics from checkpoint
// and failure state. Metrics are recomputed, never mutated directly.
type HealthEvaluator struct {
	db    *gorm.DB
	store *eventstore.Store
	cfg   config.HealthConfig
}

// NewHealthEvaluator creates a health evaluator with configured thresholds
func NewHealthEvaluator(db *gorm.DB, store *eventstore.Store, cfg config.HealthConfig) *HealthEvaluator {
	return &HealthEvaluator{
		db:    db,
		store: store,
		cfg:   cfg,
	}
}

// Refresh recomputes and upserts the health metric for one projection.
// Called on every success or failure and on a periodic schedule; errors
// are logged, a stale metric must not fail the dispatch path.
func (h *HealthEvaluator) Refresh(ctx context.Context, projectionName string) {
	if _, err := h.Recompute(ctx, projectionName); err != nil {
		log.Warn().Err(err).Str("projection", projectionName).Msg("Failed to refresh health metric")
	}
}

// Recompute derives the current metric row for one projection
func (h *HealthEvaluator) Recompute(ctx context.Context, projectionName string) (*models.ProjectionHealthMetric, error) {
	cp, err := GetCheckpoint(ctx, h.db, projectionName)
	if err != nil {
		return nil, err
	}

	latest, err := h.store.LatestSequence(ctx)
	if err != nil {
		return nil, err
	}
	lag := latest - cp.LastEventSequence
	if lag < 0 {
		lag = 0
	}

	db := h.db.WithContext(ctx).Model(&models.ProjectionFailure{})

	var totalFailures, activeFailures, exhausted int64
	if err := db.Where("projection_name = ?", projectionName).Count(&totalFailures).Error; err != nil {
		return nil, errors.Wrap(err, "failed to count failures")
	}
	if err := h.db.WithContext(ctx).Model(&models.ProjectionFailure{}).
		Where("projection_name = ? AND resolved_at IS NULL", projectionName).
		Count(&activeFailures).Error; err != nil {
		return nil, errors.Wrap(err, "failed to count active failures")
	}
	if err := h.db.WithContext(ctx).Model(&models.ProjectionFailure{}).
		Where("projection_name = ? AND resolved_at IS NULL AND next_retry_at IS NULL", projectionName).
		Count(&exhausted).Error; err != nil {
		return nil, errors.Wrap(err, "failed to count exhausted failures")
	}

	var lastFailureAt *time.Time
	var lastFailure models.ProjectionFailure
	err = h.db.WithContext(ctx).
		Where("projection_name = ?", projectionName).
		Order("failed_at DESC").
		First(&lastFailure).Error
	if err == nil {
		at := lastFailure.FailedAt
		if lastFailure.LastRetryAt != nil && lastFailure.LastRetryAt.After(at) {
			at = *lastFailure.LastRetryAt
		}
		lastFailureAt = &at
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(err, "failed to read last failure")
	}

	var lastSuccessAt *time.Time
	if !cp.CheckpointAt.IsZero() {
		at := cp.CheckpointAt
		lastSuccessAt = &at
	}

	metric := models.ProjectionHealthMetric{
		ProjectionName:       projectionName,
		TotalEventsProcessed: cp.EventsProcessed,
		TotalFailures:        totalFailures,
		ActiveFailures:       activeFailures,
		LastFailureAt:        lastFailureAt,
		LastSuccessAt:        lastSuccessAt,
		Lag:                  lag,
		HealthStatus:         h.status(cp.EventsProcessed, totalFailures, activeFailures, exhausted, lag, lastSuccessAt),
	}

	err = h.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "projection_name"}},
			UpdateAll: true,
		}).
		Create(&metric).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to upsert health metric")
	}

	return &metric, nil
}

// status derives the health level from the recomputed counts
func (h *HealthEvaluator) status(processed, totalFailures, activeFailures, exhausted, lag int64, lastSuccessAt *time.Time) string {
	// Offline: events are waiting but nothing succeeded within the
	// staleness window. A caught-up projection is never offline.
	if lag > 0 {
		if lastSuccessAt == nil || time.Since(*lastSuccessAt) > h.cfg.StalenessWindow {
			return models.HealthOffline
		}
	}

	if exhausted > 0 || lag >= h.cfg.LagCritical {
		return models.HealthCritical
	}
	if processed > 0 && h.cfg.FailureRatio > 0 {
		if float64(totalFailures)/float64(processed+totalFailures) > h.cfg.FailureRatio {
			return models.HealthCritical
		}
	}

	if activeFailures > 0 || lag >= h.cfg.LagDegraded {
		return models.HealthDegraded
	}

	return models.HealthHealthy
}

// GetMetric returns the stored metric for one projection
func (h *HealthEvaluator) GetMetric(ctx context.Context, projectionName string) (*models.ProjectionHealthMetric, error) {
	var metric models.ProjectionHealthMetric
	err := h.db.WithContext(ctx).
		Where("projection_name = ?", projectionName).
		First(&metric).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get health metric")
	}
	return &metric, nil
}

// ListMetrics returns all stored projection health metrics
func (h *HealthEvaluator) ListMetrics(ctx context.Context) ([]models.ProjectionHealthMetric, error) {
	var metrics []models.ProjectionHealthMetric
	err := h.db.WithContext(ctx).Order("projection_name ASC").Find(&metrics).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list health metrics")
	}
	return metrics, nil
}

package projection

import (
	"context"
	"fmt"
	"time"

	"example.com/docstream/services/ledger/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// ErrFailureNotFound is returned when resolving an unknown failure id.
var ErrFailureNotFound = errors.New("projection failure not found")

// FailureTracker persists projection failures and their retry schedule.
// next_retry_at lives in the database, not process memory, so pending
// retries survive restarts.
type FailureTracker struct {
	db          *gorm.DB
	maxRetries  int
	baseBackoff time.Duration
}

// NewFailureTracker creates a failure tracker
func NewFailureTracker(db *gorm.DB, maxRetries int, baseBackoff time.Duration) *FailureTracker {
	if maxRetries < 1 {
		maxRetries = 5
	}
	if baseBackoff <= 0 {
		baseBackoff = time.Second
	}
	return &FailureTracker{
		db:          db,
		maxRetries:  maxRetries,
		baseBackoff: baseBackoff,
	}
}

// Backoff returns the delay before retry attempt retryCount+1. The
// schedule is exponential: base, 2*base, 4*base, ...
func (t *FailureTracker) Backoff(retryCount int) time.Duration {
	return t.baseBackoff << uint(retryCount)
}

// record inserts a new failure row within the caller's transaction
func (t *FailureTracker) record(tx *gorm.DB, projectionName string, event models.Event, applyErr error) error {
	now := time.Now()
	nextRetry := now.Add(t.Backoff(0))

	failure := models.ProjectionFailure{
		ID:             uuid.New(),
		EventID:        event.ID,
		EventType:      event.EventType,
		ProjectionName: projectionName,
		ErrorMessage:   applyErr.Error(),
		ErrorDetail:    fmt.Sprintf("%+v", applyErr),
		RetryCount:     0,
		MaxRetries:     t.maxRetries,
		FailedAt:       now,
		NextRetryAt:    &nextRetry,
	}

	if err := tx.Create(&failure).Error; err != nil {
		return errors.Wrap(err, "failed to record projection failure")
	}
	return nil
}

// Record inserts a new failure row outside any transaction
func (t *FailureTracker) Record(ctx context.Context, projectionName string, event models.Event, applyErr error) error {
	return t.record(t.db.WithContext(ctx), projectionName, event, applyErr)
}

// Due returns unresolved failures whose next retry is due, oldest
// first. Exhausted failures (next_retry_at null) are excluded; those
// wait for manual resolution.
func (t *FailureTracker) Due(ctx context.Context, limit int) ([]models.ProjectionFailure, error) {
	var failures []models.ProjectionFailure
	err := t.db.WithContext(ctx).
		Where("resolved_at IS NULL AND next_retry_at IS NOT NULL AND next_retry_at <= ?", time.Now()).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&failures).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due failures")
	}
	return failures, nil
}

// MarkRetrySucceeded resolves a failure after a successful automatic retry
func (t *FailureTracker) MarkRetrySucceeded(ctx context.Context, failure *models.ProjectionFailure) error {
	now := time.Now()
	method := models.ResolutionAutoRetry
	err := t.db.WithContext(ctx).
		Model(&models.ProjectionFailure{}).
		Where("id = ?", failure.ID).
		Updates(map[string]interface{}{
			"last_retry_at":     now,
			"next_retry_at":     nil,
			"resolved_at":       now,
			"resolution_method": method,
		}).Error
	if err != nil {
		return errors.Wrap(err, "failed to mark failure resolved")
	}
	return nil
}

// MarkRetryFailed increments the retry count and reschedules, or marks
// the failure exhausted once the retry bound is hit. Exhausted failures
// stay visible with resolved_at null and no next_retry_at.
func (t *FailureTracker) MarkRetryFailed(ctx context.Context, failure *models.ProjectionFailure) error {
	now := time.Now()
	retryCount := failure.RetryCount + 1

	updates := map[string]interface{}{
		"retry_count":   retryCount,
		"last_retry_at": now,
	}
	if retryCount >= failure.MaxRetries {
		updates["next_retry_at"] = nil
	} else {
		updates["next_retry_at"] = now.Add(t.Backoff(retryCount))
	}

	err := t.db.WithContext(ctx).
		Model(&models.ProjectionFailure{}).
		Where("id = ?", failure.ID).
		Updates(updates).Error
	if err != nil {
		return errors.Wrap(err, "failed to reschedule failure")
	}
	return nil
}

// Resolve marks a failure resolved without reprocessing, for cases
// where compensation was applied elsewhere or an admin replayed the
// range manually.
func (t *FailureTracker) Resolve(ctx context.Context, id uuid.UUID, method string) error {
	switch method {
	case models.ResolutionManualReplay, models.ResolutionCompensated:
	default:
		return errors.Errorf("invalid resolution method %q", method)
	}

	now := time.Now()
	result := t.db.WithContext(ctx).
		Model(&models.ProjectionFailure{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Updates(map[string]interface{}{
			"next_retry_at":     nil,
			"resolved_at":       now,
			"resolution_method": method,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to resolve failure")
	}
	if result.RowsAffected == 0 {
		return ErrFailureNotFound
	}
	return nil
}

// ActiveCount returns the number of unresolved failures for a projection
func (t *FailureTracker) ActiveCount(ctx context.Context, projectionName string) (int64, error) {
	var count int64
	err := t.db.WithContext(ctx).
		Model(&models.ProjectionFailure{}).
		Where("projection_name = ? AND resolved_at IS NULL", projectionName).
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count active failures")
	}
	return count, nil
}

// ListByProjection returns failures for one projection, newest first
func (t *FailureTracker) ListByProjection(ctx context.Context, projectionName string, includeResolved bool, limit int) ([]models.ProjectionFailure, error) {
	query := t.db.WithContext(ctx).Where("projection_name = ?", projectionName)
	if !includeResolved {
		query = query.Where("resolved_at IS NULL")
	}

	var failures []models.ProjectionFailure
	err := query.Order("failed_at DESC").Limit(limit).Find(&failures).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list failures")
	}
	return failures, nil
}

// Package projection keeps derived read models synchronized with the
// event log. Events reach projections one way only, by pulling the
// committed log past each projection's checkpoint; projections never
// write back into the log.
package projection

import (
	"context"
	"time"

	"example.com/docstream/services/ledger/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Projection applies committed events to one read model. Apply must be
// idempotent: the retry worker and admin replay re-deliver events that
// may already have been applied. The tx is the unit of work shared with
// the checkpoint update; projections writing to external systems
// (Elasticsearch, Redis) must make the external write itself
// idempotent instead.
type Projection interface {
	Name() string
	Apply(ctx context.Context, tx *gorm.DB, event models.Event) error
}

// lockedCheckpoint loads a projection's checkpoint under a row lock,
// creating the row at sequence 0 on first use. The lock enforces the
// single-writer-per-projection discipline; SQLite (tests) serializes
// writers on its own.
func lockedCheckpoint(tx *gorm.DB, name string) (*models.ProjectionCheckpoint, error) {
	cp := models.ProjectionCheckpoint{ProjectionName: name}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&cp).Error; err != nil {
		return nil, errors.Wrap(err, "failed to ensure checkpoint row")
	}

	query := tx.Where("projection_name = ?", name)
	if tx.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := query.First(&cp).Error; err != nil {
		return nil, errors.Wrap(err, "failed to load checkpoint")
	}
	return &cp, nil
}

// advanceCheckpoint moves the cursor to the given event within tx.
// processed=false advances the sequence without counting the event as
// processed (the failure hand-off path).
func advanceCheckpoint(tx *gorm.DB, cp *models.ProjectionCheckpoint, event models.Event, processed bool) error {
	now := time.Now()
	updates := map[string]interface{}{
		"last_event_id":       event.ID,
		"last_event_type":     event.EventType,
		"last_event_sequence": event.Sequence,
		"checkpoint_at":       now,
	}
	if processed {
		updates["events_processed"] = gorm.Expr("events_processed + 1")
	}
	err := tx.Model(&models.ProjectionCheckpoint{}).
		Where("projection_name = ?", cp.ProjectionName).
		Updates(updates).Error
	if err != nil {
		return errors.Wrap(err, "failed to advance checkpoint")
	}
	cp.LastEventID = event.ID
	cp.LastEventType = event.EventType
	cp.LastEventSequence = event.Sequence
	if processed {
		cp.EventsProcessed++
	}
	cp.CheckpointAt = now
	return nil
}

// creditProcessed increments events_processed for a projection without
// moving the sequence cursor (used when a skipped event is recovered by
// a retry or a replay).
func creditProcessed(tx *gorm.DB, name string) error {
	err := tx.Model(&models.ProjectionCheckpoint{}).
		Where("projection_name = ?", name).
		Update("events_processed", gorm.Expr("events_processed + 1")).Error
	if err != nil {
		return errors.Wrap(err, "failed to credit processed event")
	}
	return nil
}

// GetCheckpoint returns a projection's checkpoint, or a zero-sequence
// cursor when the projection has not processed anything yet.
func GetCheckpoint(ctx context.Context, db *gorm.DB, name string) (*models.ProjectionCheckpoint, error) {
	var cp models.ProjectionCheckpoint
	err := db.WithContext(ctx).Where("projection_name = ?", name).First(&cp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &models.ProjectionCheckpoint{ProjectionName: name}, nil
		}
		return nil, errors.Wrap(err, "failed to get checkpoint")
	}
	return &cp, nil
}

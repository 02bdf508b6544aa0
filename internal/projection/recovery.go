package projection

import (
	"context"
	"sort"
	"time"

	"example.com/docstream/services/ledger/internal/eventstore"
	"example.com/docstream/services/ledger/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ErrUnknownProjection is returned for admin operations against a name
// that was never registered.
var ErrUnknownProjection = errors.New("unknown projection")

// Recovery implements the administrative replay/reset/resolve surface.
type Recovery struct {
	db          *gorm.DB
	store       *eventstore.Store
	tracker     *FailureTracker
	health      *HealthEvaluator
	projections map[string]Projection
}

// NewRecovery creates the recovery API over the registered projections
func NewRecovery(db *gorm.DB, store *eventstore.Store, tracker *FailureTracker, health *HealthEvaluator, projections map[string]Projection) *Recovery {
	return &Recovery{
		db:          db,
		store:       store,
		tracker:     tracker,
		health:      health,
		projections: projections,
	}
}

// Replay reprocesses a global sequence range against one projection.
// Handlers are idempotent, so replaying already-applied events is safe.
// The checkpoint is not rewound; replay repairs read-model rows in
// place.
func (r *Recovery) Replay(ctx context.Context, projectionName string, fromSequence, toSequence int64) (int, error) {
	projection, ok := r.projections[projectionName]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownProjection, "%q", projectionName)
	}
	if fromSequence < 1 || toSequence < fromSequence {
		return 0, errors.Errorf("invalid replay range [%d, %d]", fromSequence, toSequence)
	}

	events, err := r.store.ReadSequenceRange(ctx, fromSequence, toSequence)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, event := range events {
		if ctx.Err() != nil {
			return replayed, ctx.Err()
		}
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return projection.Apply(ctx, tx, event)
		})
		if err != nil {
			return replayed, errors.Wrapf(err, "replay stopped at sequence %d", event.Sequence)
		}
		replayed++
	}

	log.Info().
		Str("projection", projectionName).
		Int64("from", fromSequence).
		Int64("to", toSequence).
		Int("replayed", replayed).
		Msg("Replay completed")

	r.health.Refresh(ctx, projectionName)
	return replayed, nil
}

// Reset rewinds a projection's checkpoint to the given sequence
// (typically 0 for a full rebuild). This is the only path on which
// last_event_sequence may decrease. The dispatcher then reprocesses
// everything past the new cursor.
func (r *Recovery) Reset(ctx context.Context, projectionName string, toSequence int64) error {
	if _, ok := r.projections[projectionName]; !ok {
		return errors.Wrapf(ErrUnknownProjection, "%q", projectionName)
	}
	if toSequence < 0 {
		return errors.Errorf("invalid reset sequence %d", toSequence)
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cp, err := lockedCheckpoint(tx, projectionName)
		if err != nil {
			return err
		}

		updates := map[string]interface{}{
			"last_event_id":       uuid.Nil,
			"last_event_type":     "",
			"last_event_sequence": toSequence,
			"checkpoint_at":       time.Now(),
		}
		if toSequence == 0 {
			updates["events_processed"] = 0
		}

		err = tx.Model(&models.ProjectionCheckpoint{}).
			Where("projection_name = ?", cp.ProjectionName).
			Updates(updates).Error
		if err != nil {
			return errors.Wrap(err, "failed to reset checkpoint")
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("projection", projectionName).
		Int64("to_sequence", toSequence).
		Msg("Checkpoint reset")

	r.health.Refresh(ctx, projectionName)
	return nil
}

// ResolveFailure marks a failure resolved without reprocessing
func (r *Recovery) ResolveFailure(ctx context.Context, id uuid.UUID, method string) error {
	if err := r.tracker.Resolve(ctx, id, method); err != nil {
		return err
	}

	// The metric for the owning projection changes with the resolution
	var failure models.ProjectionFailure
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&failure).Error; err == nil {
		r.health.Refresh(ctx, failure.ProjectionName)
	}

	log.Info().Str("failure_id", id.String()).Str("method", method).Msg("Failure resolved manually")
	return nil
}

// ProjectionStatus is one row of the admin status listing
type ProjectionStatus struct {
	ProjectionName string                         `json:"projection_name"`
	Checkpoint     *models.ProjectionCheckpoint   `json:"checkpoint"`
	Health         *models.ProjectionHealthMetric `json:"health,omitempty"`
	ActiveFailures int64                          `json:"active_failures"`
}

// Names returns the registered projection names, sorted
func (r *Recovery) Names() []string {
	names := make([]string, 0, len(r.projections))
	for name := range r.projections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status returns checkpoint, health and failure counts for every
// registered projection.
func (r *Recovery) Status(ctx context.Context) ([]ProjectionStatus, error) {
	names := r.Names()

	statuses := make([]ProjectionStatus, 0, len(names))
	for _, name := range names {
		cp, err := GetCheckpoint(ctx, r.db, name)
		if err != nil {
			return nil, err
		}
		active, err := r.tracker.ActiveCount(ctx, name)
		if err != nil {
			return nil, err
		}

		status := ProjectionStatus{
			ProjectionName: name,
			Checkpoint:     cp,
			ActiveFailures: active,
		}
		if metric, err := r.health.Recompute(ctx, name); err == nil {
			status.Health = metric
		}
		statuses = append(statuses, status)
	}

	return statuses, nil
}

// Health recomputes one registered projection's metric for the health
// API. Unknown names are rejected before Recompute runs, so a typo in
// a query cannot upsert a metric row for a projection that does not
// exist.
func (r *Recovery) Health(ctx context.Context, projectionName string) (*models.ProjectionHealthMetric, error) {
	if _, ok := r.projections[projectionName]; !ok {
		return nil, errors.Wrapf(ErrUnknownProjection, "%q", projectionName)
	}
	return r.health.Recompute(ctx, projectionName)
}

// Checkpoint exposes one projection's checkpoint for the health API
func (r *Recovery) Checkpoint(ctx context.Context, projectionName string) (*models.ProjectionCheckpoint, error) {
	if _, ok := r.projections[projectionName]; !ok {
		return nil, errors.Wrapf(ErrUnknownProjection, "%q", projectionName)
	}
	return GetCheckpoint(ctx, r.db, projectionName)
}

// Failures exposes one projection's failures for the health API
func (r *Recovery) Failures(ctx context.Context, projectionName string, includeResolved bool, limit int) ([]models.ProjectionFailure, error) {
	if _, ok := r.projections[projectionName]; !ok {
		return nil, errors.Wrapf(ErrUnknownProjection, "%q", projectionName)
	}
	return r.tracker.ListByProjection(ctx, projectionName, includeResolved, limit)
}

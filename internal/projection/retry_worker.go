package projection

import (
	"context"

	"example.com/docstream/services/ledger/internal/eventstore"
	"example.com/docstream/services/ledger/internal/metrics"
	"example.com/docstream/services/ledger/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// RetryWorker re-applies failed events on their persisted backoff
// schedule. Failures are grouped by projection and processed group by
// group, so one projection's persistent failure never throttles
// another's retries.
type RetryWorker struct {
	db          *gorm.DB
	store       *eventstore.Store
	tracker     *FailureTracker
	health      *HealthEvaluator
	metrics     *metrics.Metrics
	projections map[string]Projection
	batchSize   int
}

// NewRetryWorker creates a retry worker over the registered projections
func NewRetryWorker(db *gorm.DB, store *eventstore.Store, tracker *FailureTracker, health *HealthEvaluator, collector *metrics.Metrics, projections map[string]Projection, batchSize int) *RetryWorker {
	if batchSize < 1 {
		batchSize = 50
	}
	return &RetryWorker{
		db:          db,
		store:       store,
		tracker:     tracker,
		health:      health,
		metrics:     collector,
		projections: projections,
		batchSize:   batchSize,
	}
}

// Scan runs one retry cycle over all due failures. It returns early on
// context cancellation; a retry in flight completes first so the
// retry_count/next_retry_at state stays consistent.
func (w *RetryWorker) Scan(ctx context.Context) error {
	due, err := w.tracker.Due(ctx, w.batchSize)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	log.Info().Int("count", len(due)).Msg("Retrying failed projection events")

	byProjection := make(map[string][]models.ProjectionFailure)
	for _, failure := range due {
		byProjection[failure.ProjectionName] = append(byProjection[failure.ProjectionName], failure)
	}

	for name, failures := range byProjection {
		projection, ok := w.projections[name]
		if !ok {
			log.Warn().Str("projection", name).Msg("Due failure for unregistered projection, leaving for manual resolution")
			continue
		}
		for i := range failures {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.retryOne(ctx, projection, &failures[i])
		}
	}

	return nil
}

// retryOne re-applies a single failed event. The checkpoint already
// moved past this event at hand-off time, so the event is applied
// directly; success credits events_processed without touching the
// sequence cursor.
func (w *RetryWorker) retryOne(ctx context.Context, p Projection, failure *models.ProjectionFailure) {
	event, err := w.store.GetByID(ctx, failure.EventID)
	if err != nil {
		log.Error().Err(err).
			Str("event_id", failure.EventID.String()).
			Str("projection", failure.ProjectionName).
			Msg("Failed to load event for retry")
		return
	}

	applyErr := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := p.Apply(ctx, tx, *event); err != nil {
			return err
		}
		return creditProcessed(tx, p.Name())
	})

	if applyErr != nil {
		log.Warn().Err(applyErr).
			Str("projection", failure.ProjectionName).
			Str("event_id", failure.EventID.String()).
			Int("retry_count", failure.RetryCount+1).
			Msg("Retry failed")
		w.metrics.RecordError("retry." + failure.ProjectionName)
		if err := w.tracker.MarkRetryFailed(ctx, failure); err != nil {
			log.Error().Err(err).Str("failure_id", failure.ID.String()).Msg("Failed to reschedule failure")
		}
		w.health.Refresh(ctx, failure.ProjectionName)
		return
	}

	log.Info().
		Str("projection", failure.ProjectionName).
		Str("event_id", failure.EventID.String()).
		Msg("Failed event recovered by automatic retry")
	w.metrics.RecordSuccess("retry." + failure.ProjectionName)
	if err := w.tracker.MarkRetrySucceeded(ctx, failure); err != nil {
		log.Error().Err(err).Str("failure_id", failure.ID.String()).Msg("Failed to mark failure resolved")
	}
	w.health.Refresh(ctx, failure.ProjectionName)
}

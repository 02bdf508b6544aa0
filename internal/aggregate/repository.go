package aggregate

import (
	"context"

	"example.com/docstream/services/ledger/internal/eventstore"
	"example.com/docstream/services/ledger/internal/snapshot"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrConflictRetriesExhausted is returned when a command keeps losing
// the optimistic concurrency race past the retry bound.
var ErrConflictRetriesExhausted = errors.New("concurrency conflict retries exhausted")

// Command produces the events a command wants to append, given the
// current aggregate state. It is re-run from scratch on each conflict
// retry, so it must be side-effect free.
type Command func(review *DocumentReview) ([]eventstore.EventData, error)

// Repository rehydrates document review aggregates from snapshot plus
// tail events and appends new events with bounded conflict retries.
type Repository struct {
	store            *eventstore.Store
	snapshots        *snapshot.Store
	snapshotInterval int
	snapshotKeep     int
	maxRetries       int
}

// NewRepository creates a new aggregate repository. snapshotInterval=0
// disables snapshotting; loads then replay the full stream.
func NewRepository(store *eventstore.Store, snapshots *snapshot.Store, snapshotInterval, snapshotKeep, maxRetries int) *Repository {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Repository{
		store:            store,
		snapshots:        snapshots,
		snapshotInterval: snapshotInterval,
		snapshotKeep:     snapshotKeep,
		maxRetries:       maxRetries,
	}
}

// Load rehydrates an aggregate: latest snapshot if any, then replay of
// all events past the snapshot version. A version 0 result means the
// aggregate does not exist yet.
func (r *Repository) Load(ctx context.Context, id uuid.UUID) (*DocumentReview, error) {
	review := NewDocumentReview(id)

	if r.snapshotInterval > 0 {
		snap, err := r.snapshots.LoadLatest(ctx, id)
		if err == nil {
			restored, rerr := RestoreDocumentReview(snap.State)
			if rerr != nil {
				// A corrupt snapshot must not take the aggregate down;
				// fall back to full replay.
				log.Error().Err(rerr).
					Str("aggregate_id", id.String()).
					Int("snapshot_version", snap.Version).
					Msg("Failed to restore snapshot, replaying full stream")
			} else {
				review = restored
			}
		} else if !errors.Is(err, snapshot.ErrSnapshotNotFound) {
			return nil, err
		}
	}

	events, err := r.store.ReadEvents(ctx, id, review.Version)
	if err != nil {
		return nil, err
	}
	for _, event := range events {
		if err := review.Apply(event); err != nil {
			return nil, errors.Wrapf(err, "failed to replay event %d for aggregate %s", event.EventVersion, id)
		}
	}

	return review, nil
}

// Execute runs one command cycle: load, produce events, append at the
// loaded version. On a concurrency conflict the whole cycle is re-run
// against fresh state, up to the retry bound, then the conflict is
// surfaced to the caller.
func (r *Repository) Execute(ctx context.Context, id uuid.UUID, cmd Command) (*DocumentReview, error) {
	var lastErr error

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		review, err := r.Load(ctx, id)
		if err != nil {
			return nil, err
		}

		events, err := cmd(review)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			return review, nil
		}

		expectedVersion := review.Version
		committed, err := r.store.Append(ctx, id, DocumentReviewType, expectedVersion, events)
		if err != nil {
			if errors.Is(err, eventstore.ErrConcurrencyConflict) {
				lastErr = err
				log.Warn().
					Str("aggregate_id", id.String()).
					Int("attempt", attempt+1).
					Int("expected_version", expectedVersion).
					Msg("Concurrency conflict, reloading and retrying command")
				continue
			}
			return nil, err
		}

		for _, event := range committed {
			if err := review.Apply(event); err != nil {
				return nil, errors.Wrap(err, "failed to apply committed event")
			}
		}

		r.maybeSnapshot(ctx, review, expectedVersion)
		return review, nil
	}

	return nil, errors.Wrapf(ErrConflictRetriesExhausted,
		"aggregate %s after %d attempts: %v", id, r.maxRetries, lastErr)
}

// maybeSnapshot saves a snapshot when the aggregate crossed a snapshot
// interval boundary with this append. Snapshot errors are logged, never
// surfaced: snapshots are an optimization.
func (r *Repository) maybeSnapshot(ctx context.Context, review *DocumentReview, previousVersion int) {
	if r.snapshotInterval <= 0 {
		return
	}
	if review.Version/r.snapshotInterval == previousVersion/r.snapshotInterval {
		return
	}

	state, err := review.Snapshot()
	if err != nil {
		log.Error().Err(err).Str("aggregate_id", review.ID.String()).Msg("Failed to serialize snapshot")
		return
	}
	if err := r.snapshots.Save(ctx, review.ID, DocumentReviewType, state, review.Version); err != nil {
		log.Error().Err(err).Str("aggregate_id", review.ID.String()).Msg("Failed to save snapshot")
		return
	}
	if r.snapshotKeep > 0 {
		if err := r.snapshots.Prune(ctx, review.ID, r.snapshotKeep); err != nil {
			log.Warn().Err(err).Str("aggregate_id", review.ID.String()).Msg("Failed to prune snapshots")
		}
	}

	log.Debug().
		Str("aggregate_id", review.ID.String()).
		Int("version", review.Version).
		Msg("Snapshot saved")
}

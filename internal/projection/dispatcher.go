package projection

import (
	"context"
	"time"

	"example.com/docstream/services/ledger/internal/eventstore"
	"example.com/docstream/services/ledger/internal/metrics"
	"example.com/docstream/services/ledger/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Dispatcher delivers committed events to every registered projection
// in global sequence order. Projections advance independently: one
// projection's failure never blocks another, and a failed event is
// handed to the failure tracker rather than stalling later events for
// the same projection.
type Dispatcher struct {
	db             *gorm.DB
	store          *eventstore.Store
	failures       *FailureTracker
	health         *HealthEvaluator
	metrics        *metrics.Metrics
	projections    []Projection
	batchSize      int
	inlineAttempts int
	pollInterval   time.Duration
}

// NewDispatcher creates a dispatcher over a fixed set of projections.
// Projections are registered explicitly with Register; there is no
// runtime discovery.
func NewDispatcher(db *gorm.DB, store *eventstore.Store, failures *FailureTracker, health *HealthEvaluator, collector *metrics.Metrics, batchSize, inlineAttempts int, pollInterval time.Duration) *Dispatcher {
	if batchSize < 1 {
		batchSize = 100
	}
	if inlineAttempts < 1 {
		inlineAttempts = 1
	}
	return &Dispatcher{
		db:             db,
		store:          store,
		failures:       failures,
		health:         health,
		metrics:        collector,
		batchSize:      batchSize,
		inlineAttempts: inlineAttempts,
		pollInterval:   pollInterval,
	}
}

// Register adds a projection to the dispatch set
func (d *Dispatcher) Register(p Projection) {
	d.projections = append(d.projections, p)
	log.Info().Str("projection", p.Name()).Msg("Projection registered")
}

// Projections returns the registered projections keyed by name
func (d *Dispatcher) Projections() map[string]Projection {
	out := make(map[string]Projection, len(d.projections))
	for _, p := range d.projections {
		out[p.Name()] = p
	}
	return out
}

// Run polls the log and dispatches new events until the context is
// canceled. In-flight batches finish before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Dispatcher shutting down")
			return nil
		case <-ticker.C:
			if err := d.DispatchPending(ctx); err != nil {
				log.Error().Err(err).Msg("Dispatch cycle failed")
			}
		}
	}
}

// DispatchPending delivers, for each projection, every committed event
// past that projection's checkpoint (one batch per projection per call).
func (d *Dispatcher) DispatchPending(ctx context.Context) error {
	for _, p := range d.projections {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.dispatchProjection(ctx, p); err != nil {
			// Infrastructure-level failure for this projection; the
			// others still get their turn.
			log.Error().Err(err).Str("projection", p.Name()).Msg("Failed to dispatch to projection")
		}
	}
	return nil
}

func (d *Dispatcher) dispatchProjection(ctx context.Context, p Projection) error {
	cp, err := GetCheckpoint(ctx, d.db, p.Name())
	if err != nil {
		return err
	}

	events, err := d.store.ReadAfterSequence(ctx, cp.LastEventSequence, d.batchSize)
	if err != nil {
		return err
	}

	for _, event := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.dispatchEvent(ctx, p, event); err != nil {
			return err
		}
	}
	return nil
}

// dispatchEvent applies one event to one projection. The read-model
// write and the checkpoint advance share a transaction, so neither can
// land without the other. Events at or below the checkpoint are skipped,
// which makes at-least-once delivery idempotent. After the bounded
// inline attempts the event is recorded as a failure and the checkpoint
// still advances, so later events keep flowing; the retry worker owns
// the failed event from there.
func (d *Dispatcher) dispatchEvent(ctx context.Context, p Projection, event models.Event) error {
	var applyErr error

	for attempt := 0; attempt < d.inlineAttempts; attempt++ {
		applyErr = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			cp, err := lockedCheckpoint(tx, p.Name())
			if err != nil {
				return err
			}
			if event.Sequence <= cp.LastEventSequence {
				return nil
			}
			if err := p.Apply(ctx, tx, event); err != nil {
				return err
			}
			return advanceCheckpoint(tx, cp, event, true)
		})
		if applyErr == nil {
			d.metrics.RecordSuccess("projection." + p.Name())
			d.health.Refresh(ctx, p.Name())
			return nil
		}
	}

	log.Error().Err(applyErr).
		Str("projection", p.Name()).
		Str("event_id", event.ID.String()).
		Int64("sequence", event.Sequence).
		Msg("Projection failed to apply event, handing off to failure tracker")

	d.metrics.RecordError("projection." + p.Name())

	// Record the failure and move the checkpoint past the poisoned
	// event in one unit of work, so the stream keeps flowing while the
	// retry worker re-attempts the skipped event.
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cp, err := lockedCheckpoint(tx, p.Name())
		if err != nil {
			return err
		}
		if event.Sequence <= cp.LastEventSequence {
			return nil
		}
		if err := d.failures.record(tx, p.Name(), event, applyErr); err != nil {
			return err
		}
		return advanceCheckpoint(tx, cp, event, false)
	})
	if err != nil {
		return errors.Wrap(err, "failed to record projection failure")
	}

	d.health.Refresh(ctx, p.Name())
	return nil
}

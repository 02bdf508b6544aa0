package readmodels

import (
	"context"

	"example.com/docstream/services/ledger/internal/aggregate"
	"example.com/docstream/services/ledger/internal/cache"
	"example.com/docstream/services/ledger/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// ReviewStatsProjection keeps live counters in Redis: events by type
// and the number of open (not yet archived) reviews. Counters are
// guarded by a set of applied event ids, so re-deliveries and late
// retries of skipped events are each counted exactly once regardless
// of delivery order; Redis increments are not naturally idempotent.
type ReviewStatsProjection struct {
	cache *cache.RedisCache
}

// NewReviewStatsProjection creates the stats projection
func NewReviewStatsProjection(redisCache *cache.RedisCache) *ReviewStatsProjection {
	return &ReviewStatsProjection{cache: redisCache}
}

// Name implements projection.Projection
func (p *ReviewStatsProjection) Name() string {
	return "review_stats"
}

// Apply folds one event into the Redis counters
func (p *ReviewStatsProjection) Apply(ctx context.Context, _ *gorm.DB, event models.Event) error {
	if !p.cache.Enabled() {
		return errors.New("redis is disabled, review_stats cannot apply events")
	}

	applied, err := p.cache.SetContains(ctx, cache.StatsAppliedEventsKey(), event.ID.String())
	if err != nil {
		return err
	}
	if applied {
		return nil
	}

	if err := p.cache.IncrBy(ctx, cache.StatsEventTypeKey(event.EventType), 1); err != nil {
		return err
	}

	switch event.EventType {
	case aggregate.EventDocumentUploaded:
		if err := p.cache.IncrBy(ctx, cache.StatsOpenReviewsKey(), 1); err != nil {
			return err
		}
	case aggregate.EventDocumentArchived:
		if err := p.cache.IncrBy(ctx, cache.StatsOpenReviewsKey(), -1); err != nil {
			return err
		}
	}

	// Membership is recorded after the increments so a failed increment
	// stays retryable.
	return p.cache.AddToSet(ctx, cache.StatsAppliedEventsKey(), event.ID.String())
}

package projection

import (
	"context"
	"testing"
	"time"

	"example.com/docstream/services/ledger/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestBackoffDoubles(t *testing.T) {
	tracker := NewFailureTracker(nil, 5, time.Second)

	require.Equal(t, time.Second, tracker.Backoff(0))
	require.Equal(t, 2*time.Second, tracker.Backoff(1))
	require.Equal(t, 4*time.Second, tracker.Backoff(2))
	require.Equal(t, 16*time.Second, tracker.Backoff(4))
}

func TestRecordSchedulesFirstRetry(t *testing.T) {
	env := setupEnv(t)
	events := env.appendEvents(t, 1)

	before := time.Now()
	require.NoError(t, env.tracker.Record(context.Background(), "document_summary", events[0], errors.New("boom")))

	failures := env.failures(t, "document_summary")
	require.Len(t, failures, 1)
	f := failures[0]
	require.Equal(t, "boom", f.ErrorMessage)
	require.Zero(t, f.RetryCount)
	require.NotNil(t, f.NextRetryAt)
	require.WithinRange(t, *f.NextRetryAt, before.Add(time.Second), time.Now().Add(2*time.Second))
}

func TestMarkRetryFailedReschedulesThenExhausts(t *testing.T) {
	env := setupEnv(t)
	events := env.appendEvents(t, 1)
	ctx := context.Background()

	tracker := NewFailureTracker(env.db, 2, time.Second)
	require.NoError(t, tracker.Record(ctx, "document_summary", events[0], errors.New("boom")))
	failure := env.failures(t, "document_summary")[0]

	require.NoError(t, tracker.MarkRetryFailed(ctx, &failure))
	updated := env.failures(t, "document_summary")[0]
	require.Equal(t, 1, updated.RetryCount)
	require.NotNil(t, updated.NextRetryAt)
	require.NotNil(t, updated.LastRetryAt)

	// Second failed retry hits the bound: no further schedule, still
	// unresolved, waiting for an operator.
	require.NoError(t, tracker.MarkRetryFailed(ctx, &updated))
	exhausted := env.failures(t, "document_summary")[0]
	require.Equal(t, 2, exhausted.RetryCount)
	require.Nil(t, exhausted.NextRetryAt)
	require.Nil(t, exhausted.ResolvedAt)
}

func TestDueExcludesExhaustedAndResolved(t *testing.T) {
	env := setupEnv(t)
	events := env.appendEvents(t, 3)
	ctx := context.Background()

	tracker := NewFailureTracker(env.db, 1, time.Nanosecond)
	for _, event := range events {
		require.NoError(t, tracker.Record(ctx, "document_summary", event, errors.New("boom")))
	}
	time.Sleep(time.Millisecond)

	failures := env.failures(t, "document_summary")
	require.Len(t, failures, 3)

	// Exhaust one, resolve one
	require.NoError(t, tracker.MarkRetryFailed(ctx, &failures[0]))
	require.NoError(t, tracker.Resolve(ctx, failures[1].ID, models.ResolutionCompensated))

	due, err := tracker.Due(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, failures[2].ID, due[0].ID)
}

func TestMarkRetrySucceededResolves(t *testing.T) {
	env := setupEnv(t)
	events := env.appendEvents(t, 1)
	ctx := context.Background()

	require.NoError(t, env.tracker.Record(ctx, "document_summary", events[0], errors.New("boom")))
	failure := env.failures(t, "document_summary")[0]

	require.NoError(t, env.tracker.MarkRetrySucceeded(ctx, &failure))

	resolved := env.failures(t, "document_summary")[0]
	require.NotNil(t, resolved.ResolvedAt)
	require.Nil(t, resolved.NextRetryAt)
	require.Equal(t, models.ResolutionAutoRetry, *resolved.ResolutionMethod)
}

func TestResolveValidatesMethod(t *testing.T) {
	env := setupEnv(t)
	events := env.appendEvents(t, 1)
	ctx := context.Background()

	require.NoError(t, env.tracker.Record(ctx, "document_summary", events[0], errors.New("boom")))
	failure := env.failures(t, "document_summary")[0]

	require.Error(t, env.tracker.Resolve(ctx, failure.ID, "auto_retry"))
	require.Error(t, env.tracker.Resolve(ctx, failure.ID, "wished-away"))

	require.NoError(t, env.tracker.Resolve(ctx, failure.ID, models.ResolutionManualReplay))
	resolved := env.failures(t, "document_summary")[0]
	require.Equal(t, models.ResolutionManualReplay, *resolved.ResolutionMethod)

	// Already resolved; a second resolution must not land
	require.ErrorIs(t, env.tracker.Resolve(ctx, failure.ID, models.ResolutionCompensated), ErrFailureNotFound)
}

func TestResolveUnknownFailure(t *testing.T) {
	env := setupEnv(t)

	err := env.tracker.Resolve(context.Background(), uuid.New(), models.ResolutionCompensated)
	require.ErrorIs(t, err, ErrFailureNotFound)
}

func TestActiveCountIgnoresResolved(t *testing.T) {
	env := setupEnv(t)
	events := env.appendEvents(t, 2)
	ctx := context.Background()

	require.NoError(t, env.tracker.Record(ctx, "document_summary", events[0], errors.New("boom")))
	require.NoError(t, env.tracker.Record(ctx, "document_summary", events[1], errors.New("boom")))

	failure := env.failures(t, "document_summary")[0]
	require.NoError(t, env.tracker.Resolve(ctx, failure.ID, models.ResolutionCompensated))

	active, err := env.tracker.ActiveCount(ctx, "document_summary")
	require.NoError(t, err)
	require.EqualValues(t, 1, active)
}

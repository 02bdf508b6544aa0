package projection

import (
	"context"
	"testing"
	"time"

	"example.com/docstream/services/ledger/internal/models"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// dueTracker returns a tracker whose first retry is due immediately
func dueTracker(env *testEnv, maxRetries int) *FailureTracker {
	return NewFailureTracker(env.db, maxRetries, time.Nanosecond)
}

func TestScanRecoversFailedEvent(t *testing.T) {
	env := setupEnv(t)
	events := env.appendEvents(t, 3)
	ctx := context.Background()

	env.tracker = dueTracker(env, 5)

	// Fails once at dispatch time, succeeds when retried
	p := newFakeProjection("document_summary")
	p.failOn[events[1].Sequence] = 1
	d := env.dispatcher(1, p)
	require.NoError(t, d.DispatchPending(ctx))
	require.Len(t, p.applied, 2)
	require.EqualValues(t, 2, env.checkpoint(t, p.Name()).EventsProcessed)

	time.Sleep(time.Millisecond)

	worker := NewRetryWorker(env.db, env.store, env.tracker, env.health, env.metrics, d.Projections(), 50)
	require.NoError(t, worker.Scan(ctx))

	// The skipped event landed and was credited without moving the cursor
	require.Contains(t, p.applied, events[1].Sequence)
	cp := env.checkpoint(t, p.Name())
	require.EqualValues(t, 3, cp.EventsProcessed)
	require.Equal(t, events[2].Sequence, cp.LastEventSequence)

	failure := env.failures(t, p.Name())[0]
	require.NotNil(t, failure.ResolvedAt)
	require.Equal(t, models.ResolutionAutoRetry, *failure.ResolutionMethod)
}

func TestScanReschedulesPersistentFailure(t *testing.T) {
	env := setupEnv(t)
	events := env.appendEvents(t, 1)
	ctx := context.Background()

	env.tracker = dueTracker(env, 3)

	p := newFakeProjection("document_summary")
	p.failOn[events[0].Sequence] = -1
	d := env.dispatcher(1, p)
	require.NoError(t, d.DispatchPending(ctx))

	time.Sleep(time.Millisecond)

	worker := NewRetryWorker(env.db, env.store, env.tracker, env.health, env.metrics, d.Projections(), 50)
	require.NoError(t, worker.Scan(ctx))

	failure := env.failures(t, p.Name())[0]
	require.Equal(t, 1, failure.RetryCount)
	require.Nil(t, failure.ResolvedAt)
	require.NotNil(t, failure.NextRetryAt)
	require.EqualValues(t, 0, env.checkpoint(t, p.Name()).EventsProcessed)
}

func TestScanExhaustsAfterMaxRetries(t *testing.T) {
	env := setupEnv(t)
	events := env.appendEvents(t, 1)
	ctx := context.Background()

	env.tracker = dueTracker(env, 2)

	p := newFakeProjection("document_summary")
	p.failOn[events[0].Sequence] = -1
	d := env.dispatcher(1, p)
	require.NoError(t, d.DispatchPending(ctx))

	worker := NewRetryWorker(env.db, env.store, env.tracker, env.health, env.metrics, d.Projections(), 50)
	for i := 0; i < 2; i++ {
		time.Sleep(time.Millisecond)
		require.NoError(t, worker.Scan(ctx))
	}

	failure := env.failures(t, p.Name())[0]
	require.Equal(t, 2, failure.RetryCount)
	require.Nil(t, failure.NextRetryAt)
	require.Nil(t, failure.ResolvedAt)

	// Nothing left to scan; the exhausted failure waits for an operator
	due, err := env.tracker.Due(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestScanSkipsUnregisteredProjection(t *testing.T) {
	env := setupEnv(t)
	events := env.appendEvents(t, 1)
	ctx := context.Background()

	env.tracker = dueTracker(env, 5)
	require.NoError(t, env.tracker.Record(ctx, "decommissioned_projection", events[0], errors.New("handler rejected event")))
	time.Sleep(time.Millisecond)

	worker := NewRetryWorker(env.db, env.store, env.tracker, env.health, env.metrics, map[string]Projection{}, 50)
	require.NoError(t, worker.Scan(ctx))

	// Left untouched for manual resolution
	failure := env.failures(t, "decommissioned_projection")[0]
	require.Zero(t, failure.RetryCount)
	require.Nil(t, failure.ResolvedAt)
}

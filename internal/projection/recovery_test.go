package projection

import (
	"context"
	"testing"

	"example.com/docstream/services/ledger/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) recovery(projections ...Projection) *Recovery {
	byName := make(map[string]Projection, len(projections))
	for _, p := range projections {
		byName[p.Name()] = p
	}
	return NewRecovery(e.db, e.store, e.tracker, e.health, byName)
}

func TestReplayRange(t *testing.T) {
	env := setupEnv(t)
	events := env.appendEvents(t, 4)
	ctx := context.Background()

	p := newFakeProjection("document_summary")
	recovery := env.recovery(p)

	replayed, err := recovery.Replay(ctx, p.Name(), events[1].Sequence, events[2].Sequence)
	require.NoError(t, err)
	require.Equal(t, 2, replayed)
	require.Equal(t, []int64{events[1].Sequence, events[2].Sequence}, p.applied)

	// Replay never moves the cursor
	require.Zero(t, env.checkpoint(t, p.Name()).LastEventSequence)
}

func TestReplayValidation(t *testing.T) {
	env := setupEnv(t)
	env.appendEvents(t, 2)
	ctx := context.Background()

	p := newFakeProjection("document_summary")
	recovery := env.recovery(p)

	_, err := recovery.Replay(ctx, "no_such_projection", 1, 2)
	require.ErrorIs(t, err, ErrUnknownProjection)

	_, err = recovery.Replay(ctx, p.Name(), 0, 2)
	require.Error(t, err)
	_, err = recovery.Replay(ctx, p.Name(), 3, 2)
	require.Error(t, err)
}

func TestReplayStopsAtFirstError(t *testing.T) {
	env := setupEnv(t)
	events := env.appendEvents(t, 3)
	ctx := context.Background()

	p := newFakeProjection("document_summary")
	p.failOn[events[1].Sequence] = -1
	recovery := env.recovery(p)

	replayed, err := recovery.Replay(ctx, p.Name(), events[0].Sequence, events[2].Sequence)
	require.Error(t, err)
	require.Equal(t, 1, replayed)
	require.Equal(t, []int64{events[0].Sequence}, p.applied)
}

func TestResetRewindsCheckpoint(t *testing.T) {
	env := setupEnv(t)
	events := env.appendEvents(t, 3)
	ctx := context.Background()

	p := newFakeProjection("document_summary")
	d := env.dispatcher(1, p)
	require.NoError(t, d.DispatchPending(ctx))
	require.Equal(t, events[2].Sequence, env.checkpoint(t, p.Name()).LastEventSequence)

	recovery := env.recovery(p)
	require.NoError(t, recovery.Reset(ctx, p.Name(), 0))

	cp := env.checkpoint(t, p.Name())
	require.Zero(t, cp.LastEventSequence)
	require.Zero(t, cp.EventsProcessed)
	require.Equal(t, uuid.Nil, cp.LastEventID)

	// The dispatcher rebuilds from the beginning
	require.NoError(t, d.DispatchPending(ctx))
	require.Len(t, p.applied, 6)
	require.EqualValues(t, 3, env.checkpoint(t, p.Name()).EventsProcessed)
}

func TestResetToMidStream(t *testing.T) {
	env := setupEnv(t)
	events := env.appendEvents(t, 3)
	ctx := context.Background()

	p := newFakeProjection("document_summary")
	d := env.dispatcher(1, p)
	require.NoError(t, d.DispatchPending(ctx))

	recovery := env.recovery(p)
	require.NoError(t, recovery.Reset(ctx, p.Name(), events[1].Sequence))

	cp := env.checkpoint(t, p.Name())
	require.Equal(t, events[1].Sequence, cp.LastEventSequence)
	// Partial resets keep the processed tally; only a full rebuild zeroes it
	require.EqualValues(t, 3, cp.EventsProcessed)

	require.NoError(t, d.DispatchPending(ctx))
	require.Equal(t, events[2].Sequence, p.applied[len(p.applied)-1])
}

func TestResetValidation(t *testing.T) {
	env := setupEnv(t)
	p := newFakeProjection("document_summary")
	recovery := env.recovery(p)

	require.ErrorIs(t, recovery.Reset(context.Background(), "no_such_projection", 0), ErrUnknownProjection)
	require.Error(t, recovery.Reset(context.Background(), p.Name(), -1))
}

func TestResolveFailureThroughRecovery(t *testing.T) {
	env := setupEnv(t)
	events := env.appendEvents(t, 1)
	ctx := context.Background()

	p := newFakeProjection("document_summary")
	require.NoError(t, env.tracker.Record(ctx, p.Name(), events[0], errors.New("mapping mismatch")))
	failure := env.failures(t, p.Name())[0]

	recovery := env.recovery(p)
	require.NoError(t, recovery.ResolveFailure(ctx, failure.ID, models.ResolutionCompensated))

	resolved := env.failures(t, p.Name())[0]
	require.NotNil(t, resolved.ResolvedAt)
	require.Equal(t, models.ResolutionCompensated, *resolved.ResolutionMethod)
}

func TestStatusListsProjectionsSorted(t *testing.T) {
	env := setupEnv(t)
	events := env.appendEvents(t, 2)
	ctx := context.Background()

	summary := newFakeProjection("document_summary")
	search := newFakeProjection("compliance_search")
	d := env.dispatcher(1, summary, search)
	require.NoError(t, d.DispatchPending(ctx))

	require.NoError(t, env.tracker.Record(ctx, summary.Name(), events[0], errors.New("boom")))

	recovery := env.recovery(summary, search)
	statuses, err := recovery.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	require.Equal(t, "compliance_search", statuses[0].ProjectionName)
	require.Equal(t, "document_summary", statuses[1].ProjectionName)

	require.EqualValues(t, 0, statuses[0].ActiveFailures)
	require.EqualValues(t, 1, statuses[1].ActiveFailures)
	require.Equal(t, events[1].Sequence, statuses[0].Checkpoint.LastEventSequence)
	require.NotNil(t, statuses[0].Health)
}

func TestCheckpointAndFailuresRequireKnownProjection(t *testing.T) {
	env := setupEnv(t)
	recovery := env.recovery(newFakeProjection("document_summary"))
	ctx := context.Background()

	_, err := recovery.Checkpoint(ctx, "no_such_projection")
	require.ErrorIs(t, err, ErrUnknownProjection)

	_, err = recovery.Failures(ctx, "no_such_projection", false, 10)
	require.ErrorIs(t, err, ErrUnknownProjection)

	cp, err := recovery.Checkpoint(ctx, "document_summary")
	require.NoError(t, err)
	require.Zero(t, cp.LastEventSequence)
}

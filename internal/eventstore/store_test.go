package eventstore

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"example.com/docstream/services/ledger/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, models.SetupModels(db))

	return NewStore(db, db)
}

func TestAppendAssignsGapFreeVersions(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	aggregateID := uuid.New()

	committed, err := store.Append(ctx, aggregateID, "document_review", 0, []EventData{
		{EventType: "document.uploaded", Payload: map[string]string{"title": "q3-report"}},
		{EventType: "analysis.started", Payload: map[string]string{"provider": "scanner-a"}},
	})
	require.NoError(t, err)
	require.Len(t, committed, 2)
	require.Equal(t, 1, committed[0].EventVersion)
	require.Equal(t, 2, committed[1].EventVersion)
	require.Greater(t, committed[1].Sequence, committed[0].Sequence)
	require.NotEqual(t, uuid.Nil, committed[0].ID)

	// Continue the stream from the committed version
	more, err := store.Append(ctx, aggregateID, "document_review", 2, []EventData{
		{EventType: "document.archived", Payload: map[string]string{}},
	})
	require.NoError(t, err)
	require.Equal(t, 3, more[0].EventVersion)
}

func TestAppendVersionConflict(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	aggregateID := uuid.New()

	_, err := store.Append(ctx, aggregateID, "document_review", 0, []EventData{
		{EventType: "document.uploaded", Payload: map[string]string{}},
	})
	require.NoError(t, err)

	// A second writer with the same stale expected version must lose
	_, err = store.Append(ctx, aggregateID, "document_review", 0, []EventData{
		{EventType: "analysis.started", Payload: map[string]string{}},
	})
	require.ErrorIs(t, err, ErrConcurrencyConflict)

	// The losing append left no partial state behind
	events, err := store.ReadEvents(ctx, aggregateID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestAppendNothing(t *testing.T) {
	store := setupStore(t)

	committed, err := store.Append(context.Background(), uuid.New(), "document_review", 0, nil)
	require.NoError(t, err)
	require.Empty(t, committed)
}

func TestReadEventsFromVersion(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	aggregateID := uuid.New()

	_, err := store.Append(ctx, aggregateID, "document_review", 0, []EventData{
		{EventType: "document.uploaded", Payload: map[string]string{}},
		{EventType: "analysis.started", Payload: map[string]string{}},
		{EventType: "analysis.completed", Payload: map[string]string{}},
	})
	require.NoError(t, err)

	tail, err := store.ReadEvents(ctx, aggregateID, 1)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	require.Equal(t, 2, tail[0].EventVersion)
	require.Equal(t, 3, tail[1].EventVersion)
}

func TestReadAfterSequenceInterleavesAggregates(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	first := uuid.New()
	second := uuid.New()

	a, err := store.Append(ctx, first, "document_review", 0, []EventData{
		{EventType: "document.uploaded", Payload: map[string]string{}},
	})
	require.NoError(t, err)
	_, err = store.Append(ctx, second, "document_review", 0, []EventData{
		{EventType: "document.uploaded", Payload: map[string]string{}},
	})
	require.NoError(t, err)
	_, err = store.Append(ctx, first, "document_review", 1, []EventData{
		{EventType: "analysis.started", Payload: map[string]string{}},
	})
	require.NoError(t, err)

	events, err := store.ReadAfterSequence(ctx, a[0].Sequence, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].Sequence, events[i-1].Sequence)
	}

	latest, err := store.LatestSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, events[len(events)-1].Sequence, latest)
}

func TestLatestSequenceEmptyLog(t *testing.T) {
	store := setupStore(t)

	latest, err := store.LatestSequence(context.Background())
	require.NoError(t, err)
	require.Zero(t, latest)
}

func TestGetByID(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	committed, err := store.Append(ctx, uuid.New(), "document_review", 0, []EventData{
		{EventType: "document.uploaded", Payload: map[string]string{"title": "handbook"}},
	})
	require.NoError(t, err)

	event, err := store.GetByID(ctx, committed[0].ID)
	require.NoError(t, err)
	require.Equal(t, committed[0].Sequence, event.Sequence)
	require.Equal(t, "document.uploaded", event.EventType)
}

package snapshot

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

func setupStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, models.SetupModels(db))

	return NewStore(db, db), db
}

func TestSaveAndLoadLatest(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	aggregateID := uuid.New()

	require.NoError(t, store.Save(ctx, aggregateID, "document_review", []byte(`{"version":20}`), 20))
	require.NoError(t, store.Save(ctx, aggregateID, "document_review", []byte(`{"version":40}`), 40))

	snap, err := store.LoadLatest(ctx, aggregateID)
	require.NoError(t, err)
	require.Equal(t, 40, snap.Version)
	require.JSONEq(t, `{"version":40}`, string(snap.State))
}

func TestLoadLatestMissing(t *testing.T) {
	store, _ := setupStore(t)

	_, err := store.LoadLatest(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestSaveDuplicateVersionIsNoop(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()
	aggregateID := uuid.New()

	require.NoError(t, store.Save(ctx, aggregateID, "document_review", []byte(`{"n":1}`), 20))
	// Two writers crossing an interval boundary at the same version both
	// describe the same replayed state, so the second save is dropped.
	require.NoError(t, store.Save(ctx, aggregateID, "document_review", []byte(`{"n":1}`), 20))

	var count int64
	require.NoError(t, db.Model(&models.Snapshot{}).Where("aggregate_id = ?", aggregateID).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestPruneKeepsNewest(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()
	aggregateID := uuid.New()

	for _, version := range []int{20, 40, 60, 80} {
		require.NoError(t, store.Save(ctx, aggregateID, "document_review", []byte(`{}`), version))
	}

	require.NoError(t, store.Prune(ctx, aggregateID, 2))

	var versions []int
	require.NoError(t, db.Model(&models.Snapshot{}).
		Where("aggregate_id = ?", aggregateID).
		Order("version ASC").
		Pluck("version", &versions).Error)
	require.Equal(t, []int{60, 80}, versions)
}

func TestPruneBelowKeepCount(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()
	aggregateID := uuid.New()

	require.NoError(t, store.Save(ctx, aggregateID, "document_review", []byte(`{}`), 20))
	require.NoError(t, store.Prune(ctx, aggregateID, 3))

	var count int64
	require.NoError(t, db.Model(&models.Snapshot{}).Where("aggregate_id = ?", aggregateID).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

package snapshot

import (
	"context"
	"time"

	"example.com/docstream/services/ledger/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// ErrSnapshotNotFound is returned when an aggregate has no snapshot yet.
var ErrSnapshotNotFound = errors.New("no snapshot for aggregate")

// Store persists aggregate snapshots. Snapshots are an optimization
// only; the system stays correct with this store disabled entirely.
type Store struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewStore creates a new snapshot store
func NewStore(db *gorm.DB, readOnlyDB *gorm.DB) *Store {
	return &Store{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Save stores a snapshot of the aggregate at the given version. Older
// snapshots are superseded, not overwritten.
func (s *Store) Save(ctx context.Context, aggregateID uuid.UUID, aggregateType string, state []byte, version int) error {
	record := models.Snapshot{
		ID:            uuid.New(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		State:         state,
		Version:       version,
		CreatedAt:     time.Now(),
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		// A snapshot at this version already exists; keeping the first
		// one is fine, both describe the same replayed state.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil
		}
		return errors.Wrap(err, "failed to save snapshot")
	}
	return nil
}

// LoadLatest returns the newest snapshot for an aggregate
func (s *Store) LoadLatest(ctx context.Context, aggregateID uuid.UUID) (*models.Snapshot, error) {
	var snap models.Snapshot
	err := s.readOnlyDB.WithContext(ctx).
		Where("aggregate_id = ?", aggregateID).
		Order("version DESC").
		First(&snap).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, errors.Wrap(err, "failed to load latest snapshot")
	}
	return &snap, nil
}

// Prune deletes all but the newest keep snapshots for an aggregate.
// Pruning is never required for correctness.
func (s *Store) Prune(ctx context.Context, aggregateID uuid.UUID, keep int) error {
	if keep < 1 {
		keep = 1
	}

	var keepVersions []int
	err := s.readOnlyDB.WithContext(ctx).
		Model(&models.Snapshot{}).
		Where("aggregate_id = ?", aggregateID).
		Order("version DESC").
		Limit(keep).
		Pluck("version", &keepVersions).Error
	if err != nil {
		return errors.Wrap(err, "failed to list snapshot versions")
	}
	if len(keepVersions) < keep {
		return nil
	}

	oldest := keepVersions[len(keepVersions)-1]
	err = s.db.WithContext(ctx).
		Where("aggregate_id = ? AND version < ?", aggregateID, oldest).
		Delete(&models.Snapshot{}).Error
	if err != nil {
		return errors.Wrap(err, "failed to prune snapshots")
	}
	return nil
}

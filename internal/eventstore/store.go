// Package eventstore owns the append-only event log. Appends run a
// version-check-then-insert protocol inside one transaction, with the
// aggregate's newest event row locked, so two writers racing on the same
// expected version cannot both succeed.
package eventstore

import (
	"context"
	"encoding/json"
	"time"

	"example.com/docstream/services/ledger/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrConcurrencyConflict is returned when the aggregate's current
// version does not match the expected version at append time.
var ErrConcurrencyConflict = errors.New("concurrency conflict: aggregate version mismatch")

// EventData describes one event to append. Payload is serialized to
// JSON at append time.
type EventData struct {
	EventType string
	Payload   interface{}
	Metadata  map[string]string
}

// Store provides access to the event log
type Store struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewStore creates a new event store
func NewStore(db *gorm.DB, readOnlyDB *gorm.DB) *Store {
	return &Store{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Append appends events for one aggregate at expectedVersion. The first
// event gets version expectedVersion+1. Returns the committed rows with
// their global sequences assigned.
func (s *Store) Append(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []EventData) ([]models.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}

	committed := make([]models.Event, 0, len(events))

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Lock the aggregate's newest event row and verify the version
		// under that lock. SQLite (used in tests) has no row locks; the
		// unique (aggregate_id, event_version) index is the backstop
		// there and for the empty-stream case, where no row exists yet.
		query := tx.Where("aggregate_id = ?", aggregateID).Order("event_version DESC")
		if tx.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var last models.Event
		currentVersion := 0
		if err := query.First(&last).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.Wrap(err, "failed to read current aggregate version")
			}
		} else {
			currentVersion = last.EventVersion
		}

		if currentVersion != expectedVersion {
			return errors.Wrapf(ErrConcurrencyConflict,
				"aggregate %s is at version %d, expected %d", aggregateID, currentVersion, expectedVersion)
		}

		for i, ed := range events {
			payload, err := json.Marshal(ed.Payload)
			if err != nil {
				return errors.Wrapf(err, "failed to serialize payload for event type %s", ed.EventType)
			}
			metadata, err := json.Marshal(ed.Metadata)
			if err != nil {
				return errors.Wrap(err, "failed to serialize event metadata")
			}

			record := models.Event{
				ID:            uuid.New(),
				AggregateID:   aggregateID,
				AggregateType: aggregateType,
				EventType:     ed.EventType,
				EventVersion:  expectedVersion + 1 + i,
				Payload:       payload,
				Metadata:      metadata,
				CreatedAt:     time.Now(),
			}

			if err := tx.Create(&record).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return errors.Wrapf(ErrConcurrencyConflict,
						"duplicate version %d for aggregate %s", record.EventVersion, aggregateID)
				}
				return errors.Wrap(err, "failed to insert event")
			}

			committed = append(committed, record)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("aggregate_id", aggregateID.String()).
		Int("count", len(committed)).
		Int("from_version", expectedVersion+1).
		Msg("Events appended")

	return committed, nil
}

// ReadEvents returns an aggregate's events with version > fromVersion,
// ordered by version. fromVersion=0 reads the full stream.
func (s *Store) ReadEvents(ctx context.Context, aggregateID uuid.UUID, fromVersion int) ([]models.Event, error) {
	var events []models.Event
	err := s.readOnlyDB.WithContext(ctx).
		Where("aggregate_id = ? AND event_version > ?", aggregateID, fromVersion).
		Order("event_version ASC").
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to read aggregate events")
	}
	return events, nil
}

// ReadAfterSequence returns up to limit committed events with a global
// sequence greater than the cursor, in sequence order. This is the pull
// path for projections and the relay.
func (s *Store) ReadAfterSequence(ctx context.Context, sequence int64, limit int) ([]models.Event, error) {
	var events []models.Event
	err := s.readOnlyDB.WithContext(ctx).
		Where("sequence > ?", sequence).
		Order("sequence ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to read events after sequence")
	}
	return events, nil
}

// ReadSequenceRange returns committed events with fromSequence <= sequence <= toSequence.
func (s *Store) ReadSequenceRange(ctx context.Context, fromSequence, toSequence int64) ([]models.Event, error) {
	var events []models.Event
	err := s.readOnlyDB.WithContext(ctx).
		Where("sequence >= ? AND sequence <= ?", fromSequence, toSequence).
		Order("sequence ASC").
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to read event range")
	}
	return events, nil
}

// GetByID returns one event by its id
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	var event models.Event
	err := s.readOnlyDB.WithContext(ctx).Where("id = ?", id).First(&event).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get event by id")
	}
	return &event, nil
}

// LatestSequence returns the highest committed global sequence, or 0
// for an empty log.
func (s *Store) LatestSequence(ctx context.Context) (int64, error) {
	var seq *int64
	err := s.readOnlyDB.WithContext(ctx).
		Model(&models.Event{}).
		Select("MAX(sequence)").
		Scan(&seq).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to read latest sequence")
	}
	if seq == nil {
		return 0, nil
	}
	return *seq, nil
}

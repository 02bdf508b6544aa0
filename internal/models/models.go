package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Event is one immutable fact in the append-only log. Sequence is the
// global total order across all aggregates; EventVersion is the
// aggregate-local version the event produces, gap-free from 1.
// Rows are never updated or deleted.
type Event struct {
	Sequence      int64     `gorm:"primaryKey;autoIncrement" json:"sequence"`
	ID            uuid.UUID `gorm:"type:uuid;not null;uniqueIndex" json:"id"`
	AggregateID   uuid.UUID `gorm:"type:uuid;not null;index;uniqueIndex:idx_events_aggregate_version" json:"aggregate_id"`
	AggregateType string    `gorm:"not null" json:"aggregate_type"`
	EventType     string    `gorm:"not null;index" json:"event_type"`
	EventVersion  int       `gorm:"not null;uniqueIndex:idx_events_aggregate_version" json:"event_version"`
	Payload       []byte    `gorm:"type:jsonb" json:"payload"`
	Metadata      []byte    `gorm:"type:jsonb" json:"metadata"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Snapshot is a cached materialization of aggregate state at a version.
// It is an optimization only; replaying events 1..Version yields the
// same state.
type Snapshot struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	AggregateID   uuid.UUID `gorm:"type:uuid;not null;index;uniqueIndex:idx_snapshots_aggregate_version" json:"aggregate_id"`
	AggregateType string    `gorm:"not null" json:"aggregate_type"`
	State         []byte    `gorm:"type:jsonb;not null" json:"state"`
	Version       int       `gorm:"not null;uniqueIndex:idx_snapshots_aggregate_version" json:"version"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// ProjectionCheckpoint is the per-projection cursor into the global log.
// LastEventSequence never decreases except through an explicit reset.
type ProjectionCheckpoint struct {
	ProjectionName    string    `gorm:"primaryKey" json:"projection_name"`
	LastEventID       uuid.UUID `gorm:"type:uuid" json:"last_event_id"`
	LastEventType     string    `json:"last_event_type"`
	LastEventSequence int64     `gorm:"not null;default:0" json:"last_event_sequence"`
	EventsProcessed   int64     `gorm:"not null;default:0" json:"events_processed"`
	CheckpointAt      time.Time `json:"checkpoint_at"`
}

// Resolution methods for projection failures
const (
	ResolutionAutoRetry    = "auto_retry"
	ResolutionManualReplay = "manual_replay"
	ResolutionCompensated  = "compensated"
)

// ProjectionFailure records one failed application of an event to a
// projection. The row stays once resolved, as history.
type ProjectionFailure struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	EventID          uuid.UUID  `gorm:"type:uuid;not null" json:"event_id"`
	EventType        string     `gorm:"not null" json:"event_type"`
	ProjectionName   string     `gorm:"not null;index" json:"projection_name"`
	ErrorMessage     string     `gorm:"not null" json:"error_message"`
	ErrorDetail      string     `json:"error_detail"`
	RetryCount       int        `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries       int        `gorm:"not null" json:"max_retries"`
	FailedAt         time.Time  `gorm:"not null" json:"failed_at"`
	LastRetryAt      *time.Time `json:"last_retry_at"`
	NextRetryAt      *time.Time `gorm:"index" json:"next_retry_at"`
	ResolvedAt       *time.Time `json:"resolved_at"`
	ResolutionMethod *string    `json:"resolution_method"`
}

// Health status levels, ordered by severity
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthCritical = "critical"
	HealthOffline  = "offline"
)

// ProjectionHealthMetric is derived from checkpoint and failure state.
// It is recomputed on every success/failure/checkpoint update and never
// mutated directly by clients.
type ProjectionHealthMetric struct {
	ProjectionName       string     `gorm:"primaryKey" json:"projection_name"`
	TotalEventsProcessed int64      `gorm:"not null;default:0" json:"total_events_processed"`
	TotalFailures        int64      `gorm:"not null;default:0" json:"total_failures"`
	ActiveFailures       int64      `gorm:"not null;default:0" json:"active_failures"`
	LastFailureAt        *time.Time `json:"last_failure_at"`
	LastSuccessAt        *time.Time `json:"last_success_at"`
	Lag                  int64      `gorm:"not null;default:0" json:"lag"`
	HealthStatus         string     `gorm:"not null;default:healthy" json:"health_status"`
}

// DocumentSummary is the read model maintained by the document_summary
// projection. Owned exclusively by that projection.
type DocumentSummary struct {
	DocumentID      uuid.UUID  `gorm:"type:uuid;primaryKey" json:"document_id"`
	Title           string     `json:"title"`
	UploaderID      string     `json:"uploader_id"`
	ContentType     string     `json:"content_type"`
	Status          string     `gorm:"index" json:"status"`
	PolicyCount     int        `gorm:"not null;default:0" json:"policy_count"`
	FindingCount    int        `gorm:"not null;default:0" json:"finding_count"`
	FeedbackCount   int        `gorm:"not null;default:0" json:"feedback_count"`
	ComplianceScore *float64   `json:"compliance_score"`
	Archived        bool       `gorm:"not null;default:false" json:"archived"`
	LastSequence    int64      `gorm:"not null;default:0" json:"last_sequence"`
	LastEventAt     *time.Time `json:"last_event_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Event{},
		&Snapshot{},
		&ProjectionCheckpoint{},
		&ProjectionFailure{},
		&ProjectionHealthMetric{},
		&DocumentSummary{},
	)

	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}

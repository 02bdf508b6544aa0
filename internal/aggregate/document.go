package aggregate

import (
	"encoding/json"

	"example.com/docstream/services/ledger/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// AggregateType for document reviews
const DocumentReviewType = "document_review"

// Event types emitted by the document review aggregate
const (
	EventDocumentUploaded  = "document.uploaded"
	EventAnalysisStarted   = "analysis.started"
	EventAnalysisCompleted = "analysis.completed"
	EventPolicyAssigned    = "policy.assigned"
	EventPolicyUnassigned  = "policy.unassigned"
	EventComplianceScored  = "compliance.scored"
	EventFeedbackGenerated = "feedback.generated"
	EventDocumentArchived  = "document.archived"
)

// Review statuses
const (
	StatusUploaded  = "uploaded"
	StatusAnalyzing = "analyzing"
	StatusAnalyzed  = "analyzed"
	StatusScored    = "scored"
	StatusArchived  = "archived"
)

// PolicyAssignment links a policy to the document under review
type PolicyAssignment struct {
	PolicyID   uuid.UUID `json:"policy_id"`
	PolicyName string    `json:"policy_name"`
}

// Finding is one analysis finding reported by a provider
type Finding struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// FeedbackEntry is one generated feedback item
type FeedbackEntry struct {
	FeedbackID uuid.UUID `json:"feedback_id"`
	Summary    string    `json:"summary"`
}

// Event payloads

type DocumentUploadedPayload struct {
	Title       string `json:"title"`
	UploaderID  string `json:"uploader_id"`
	ContentType string `json:"content_type"`
}

type AnalysisStartedPayload struct {
	Provider string `json:"provider"`
}

type AnalysisCompletedPayload struct {
	Provider string    `json:"provider"`
	Findings []Finding `json:"findings"`
}

type PolicyAssignedPayload struct {
	PolicyID   uuid.UUID `json:"policy_id"`
	PolicyName string    `json:"policy_name"`
}

type PolicyUnassignedPayload struct {
	PolicyID uuid.UUID `json:"policy_id"`
}

type ComplianceScoredPayload struct {
	Score float64 `json:"score"`
}

type FeedbackGeneratedPayload struct {
	FeedbackID uuid.UUID `json:"feedback_id"`
	Summary    string    `json:"summary"`
}

type DocumentArchivedPayload struct {
	Reason string `json:"reason"`
}

// DocumentReview is the aggregate: its state is derived solely from its
// ordered event history. Every field here influences command behavior
// and therefore every field is part of the snapshot round trip.
type DocumentReview struct {
	ID              uuid.UUID
	Version         int
	Title           string
	UploaderID      string
	ContentType     string
	Status          string
	Provider        string
	Policies        []PolicyAssignment
	Findings        []Finding
	Feedback        []FeedbackEntry
	ComplianceScore *float64
	Archived        bool
}

// NewDocumentReview returns an empty aggregate at version 0
func NewDocumentReview(id uuid.UUID) *DocumentReview {
	return &DocumentReview{ID: id}
}

// Apply mutates the aggregate with one committed event. Application is
// deterministic; replaying the same events always yields the same state.
func (d *DocumentReview) Apply(event models.Event) error {
	switch event.EventType {
	case EventDocumentUploaded:
		var p DocumentUploadedPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return errors.Wrap(err, "failed to deserialize document.uploaded payload")
		}
		d.Title = p.Title
		d.UploaderID = p.UploaderID
		d.ContentType = p.ContentType
		d.Status = StatusUploaded

	case EventAnalysisStarted:
		var p AnalysisStartedPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return errors.Wrap(err, "failed to deserialize analysis.started payload")
		}
		d.Provider = p.Provider
		d.Status = StatusAnalyzing

	case EventAnalysisCompleted:
		var p AnalysisCompletedPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return errors.Wrap(err, "failed to deserialize analysis.completed payload")
		}
		d.Provider = p.Provider
		d.Findings = append(d.Findings, p.Findings...)
		d.Status = StatusAnalyzed

	case EventPolicyAssigned:
		var p PolicyAssignedPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return errors.Wrap(err, "failed to deserialize policy.assigned payload")
		}
		d.Policies = append(d.Policies, PolicyAssignment{
			PolicyID:   p.PolicyID,
			PolicyName: p.PolicyName,
		})

	case EventPolicyUnassigned:
		var p PolicyUnassignedPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return errors.Wrap(err, "failed to deserialize policy.unassigned payload")
		}
		kept := d.Policies[:0]
		for _, a := range d.Policies {
			if a.PolicyID != p.PolicyID {
				kept = append(kept, a)
			}
		}
		d.Policies = kept

	case EventComplianceScored:
		var p ComplianceScoredPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return errors.Wrap(err, "failed to deserialize compliance.scored payload")
		}
		score := p.Score
		d.ComplianceScore = &score
		d.Status = StatusScored

	case EventFeedbackGenerated:
		var p FeedbackGeneratedPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return errors.Wrap(err, "failed to deserialize feedback.generated payload")
		}
		d.Feedback = append(d.Feedback, FeedbackEntry{
			FeedbackID: p.FeedbackID,
			Summary:    p.Summary,
		})

	case EventDocumentArchived:
		var p DocumentArchivedPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return errors.Wrap(err, "failed to deserialize document.archived payload")
		}
		d.Archived = true
		d.Status = StatusArchived

	default:
		return errors.Errorf("unknown event type %q at version %d", event.EventType, event.EventVersion)
	}

	d.Version = event.EventVersion
	return nil
}

// reviewState is the serialized snapshot form. It mirrors every
// DocumentReview field; omitting one here breaks the round-trip
// contract and fails the replay-equivalence test.
type reviewState struct {
	ID              uuid.UUID          `json:"id"`
	Version         int                `json:"version"`
	Title           string             `json:"title"`
	UploaderID      string             `json:"uploader_id"`
	ContentType     string             `json:"content_type"`
	Status          string             `json:"status"`
	Provider        string             `json:"provider"`
	Policies        []PolicyAssignment `json:"policies"`
	Findings        []Finding          `json:"findings"`
	Feedback        []FeedbackEntry    `json:"feedback"`
	ComplianceScore *float64           `json:"compliance_score"`
	Archived        bool               `json:"archived"`
}

// Snapshot serializes the complete aggregate state
func (d *DocumentReview) Snapshot() ([]byte, error) {
	state := reviewState{
		ID:              d.ID,
		Version:         d.Version,
		Title:           d.Title,
		UploaderID:      d.UploaderID,
		ContentType:     d.ContentType,
		Status:          d.Status,
		Provider:        d.Provider,
		Policies:        d.Policies,
		Findings:        d.Findings,
		Feedback:        d.Feedback,
		ComplianceScore: d.ComplianceScore,
		Archived:        d.Archived,
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize aggregate state")
	}
	return data, nil
}

// RestoreDocumentReview rebuilds an aggregate from serialized snapshot state
func RestoreDocumentReview(state []byte) (*DocumentReview, error) {
	var s reviewState
	if err := json.Unmarshal(state, &s); err != nil {
		return nil, errors.Wrap(err, "failed to deserialize aggregate state")
	}
	return &DocumentReview{
		ID:              s.ID,
		Version:         s.Version,
		Title:           s.Title,
		UploaderID:      s.UploaderID,
		ContentType:     s.ContentType,
		Status:          s.Status,
		Provider:        s.Provider,
		Policies:        s.Policies,
		Findings:        s.Findings,
		Feedback:        s.Feedback,
		ComplianceScore: s.ComplianceScore,
		Archived:        s.Archived,
	}, nil
}

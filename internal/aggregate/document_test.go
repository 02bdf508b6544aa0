package aggregate

import (
	"encoding/json"
	"testing"

	"example.com/docstream/services/ledger/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func makeEvent(t *testing.T, aggregateID uuid.UUID, version int, eventType string, payload interface{}) models.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return models.Event{
		ID:            uuid.New(),
		AggregateID:   aggregateID,
		AggregateType: DocumentReviewType,
		EventType:     eventType,
		EventVersion:  version,
		Payload:       data,
	}
}

// fullHistory returns an event stream exercising every event type
func fullHistory(t *testing.T, aggregateID uuid.UUID) []models.Event {
	t.Helper()
	policyID := uuid.New()
	droppedPolicyID := uuid.New()
	return []models.Event{
		makeEvent(t, aggregateID, 1, EventDocumentUploaded, DocumentUploadedPayload{
			Title: "supplier-contract.pdf", UploaderID: "user-17", ContentType: "application/pdf",
		}),
		makeEvent(t, aggregateID, 2, EventAnalysisStarted, AnalysisStartedPayload{Provider: "scanner-a"}),
		makeEvent(t, aggregateID, 3, EventAnalysisCompleted, AnalysisCompletedPayload{
			Provider: "scanner-a",
			Findings: []Finding{{Code: "PII-01", Severity: "high", Detail: "unredacted address"}},
		}),
		makeEvent(t, aggregateID, 4, EventPolicyAssigned, PolicyAssignedPayload{PolicyID: policyID, PolicyName: "gdpr-baseline"}),
		makeEvent(t, aggregateID, 5, EventPolicyAssigned, PolicyAssignedPayload{PolicyID: droppedPolicyID, PolicyName: "internal-only"}),
		makeEvent(t, aggregateID, 6, EventPolicyUnassigned, PolicyUnassignedPayload{PolicyID: droppedPolicyID}),
		makeEvent(t, aggregateID, 7, EventComplianceScored, ComplianceScoredPayload{Score: 71.5}),
		makeEvent(t, aggregateID, 8, EventFeedbackGenerated, FeedbackGeneratedPayload{FeedbackID: uuid.New(), Summary: "redact section 4"}),
		makeEvent(t, aggregateID, 9, EventDocumentArchived, DocumentArchivedPayload{Reason: "review complete"}),
	}
}

func TestApplyFullHistory(t *testing.T) {
	aggregateID := uuid.New()
	review := NewDocumentReview(aggregateID)

	for _, event := range fullHistory(t, aggregateID) {
		require.NoError(t, review.Apply(event))
	}

	require.Equal(t, 9, review.Version)
	require.Equal(t, "supplier-contract.pdf", review.Title)
	require.Equal(t, "user-17", review.UploaderID)
	require.Equal(t, StatusArchived, review.Status)
	require.Equal(t, "scanner-a", review.Provider)
	require.Len(t, review.Policies, 1)
	require.Equal(t, "gdpr-baseline", review.Policies[0].PolicyName)
	require.Len(t, review.Findings, 1)
	require.Len(t, review.Feedback, 1)
	require.NotNil(t, review.ComplianceScore)
	require.Equal(t, 71.5, *review.ComplianceScore)
	require.True(t, review.Archived)
}

func TestApplyUnknownEventType(t *testing.T) {
	review := NewDocumentReview(uuid.New())

	err := review.Apply(makeEvent(t, review.ID, 1, "document.shredded", map[string]string{}))
	require.Error(t, err)
	require.Zero(t, review.Version)
}

// Snapshot then restore must reproduce every field; the restored
// aggregate has to behave identically under subsequent commands.
func TestSnapshotRoundTrip(t *testing.T) {
	aggregateID := uuid.New()
	review := NewDocumentReview(aggregateID)
	for _, event := range fullHistory(t, aggregateID) {
		require.NoError(t, review.Apply(event))
	}

	state, err := review.Snapshot()
	require.NoError(t, err)

	restored, err := RestoreDocumentReview(state)
	require.NoError(t, err)
	require.Equal(t, review, restored)
}

func TestSnapshotRoundTripEmptyCollections(t *testing.T) {
	aggregateID := uuid.New()
	review := NewDocumentReview(aggregateID)
	require.NoError(t, review.Apply(makeEvent(t, aggregateID, 1, EventDocumentUploaded, DocumentUploadedPayload{
		Title: "memo.txt", UploaderID: "user-3", ContentType: "text/plain",
	})))

	state, err := review.Snapshot()
	require.NoError(t, err)

	restored, err := RestoreDocumentReview(state)
	require.NoError(t, err)
	require.Equal(t, review, restored)
	require.Nil(t, restored.ComplianceScore)
}

func TestRestoreRejectsCorruptState(t *testing.T) {
	_, err := RestoreDocumentReview([]byte("not json"))
	require.Error(t, err)
}

// Replaying the same history twice must land on identical state
func TestReplayDeterminism(t *testing.T) {
	aggregateID := uuid.New()
	history := fullHistory(t, aggregateID)

	first := NewDocumentReview(aggregateID)
	second := NewDocumentReview(aggregateID)
	for _, event := range history {
		require.NoError(t, first.Apply(event))
		require.NoError(t, second.Apply(event))
	}

	require.Equal(t, first, second)
}

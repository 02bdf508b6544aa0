package aggregate

import (
	"context"

	"example.com/docstream/services/ledger/internal/eventstore"
	"example.com/docstream/services/ledger/internal/metrics"
	"example.com/docstream/services/ledger/internal/tracing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ReviewService is the command-handling path upstream collaborators
// call. Each command loads the aggregate, validates against current
// state and appends the resulting events.
type ReviewService struct {
	repo    *Repository
	metrics *metrics.Metrics
	tracer  tracing.Tracer
}

// NewReviewService creates a new review command service
func NewReviewService(repo *Repository, collector *metrics.Metrics, tracer tracing.Tracer) *ReviewService {
	return &ReviewService{
		repo:    repo,
		metrics: collector,
		tracer:  tracer,
	}
}

func (s *ReviewService) execute(ctx context.Context, name string, id uuid.UUID, cmd Command) (*DocumentReview, error) {
	txn := s.tracer.StartTransaction(name)
	defer s.tracer.EndTransaction(txn)
	s.tracer.AddAttribute(txn, "aggregate_id", id.String())

	review, err := s.repo.Execute(ctx, id, cmd)
	if err != nil {
		s.tracer.RecordError(txn, err)
		s.metrics.RecordError("commands")
		return nil, err
	}

	s.metrics.RecordSuccess("commands")
	s.metrics.IncrementCounter("commands." + name)
	return review, nil
}

// UploadDocument starts a new review stream for a document
func (s *ReviewService) UploadDocument(ctx context.Context, id uuid.UUID, title, uploaderID, contentType string, metadata map[string]string) (*DocumentReview, error) {
	return s.execute(ctx, "upload-document", id, func(review *DocumentReview) ([]eventstore.EventData, error) {
		if review.Version != 0 {
			return nil, errors.Errorf("document %s already exists at version %d", id, review.Version)
		}
		return []eventstore.EventData{{
			EventType: EventDocumentUploaded,
			Payload:   DocumentUploadedPayload{Title: title, UploaderID: uploaderID, ContentType: contentType},
			Metadata:  metadata,
		}}, nil
	})
}

// StartAnalysis marks the document as under analysis by a provider
func (s *ReviewService) StartAnalysis(ctx context.Context, id uuid.UUID, provider string) (*DocumentReview, error) {
	return s.execute(ctx, "start-analysis", id, func(review *DocumentReview) ([]eventstore.EventData, error) {
		if review.Version == 0 {
			return nil, errors.Errorf("document %s does not exist", id)
		}
		if review.Archived {
			return nil, errors.Errorf("document %s is archived", id)
		}
		return []eventstore.EventData{{
			EventType: EventAnalysisStarted,
			Payload:   AnalysisStartedPayload{Provider: provider},
		}}, nil
	})
}

// RecordAnalysis records a completed provider analysis with its findings
func (s *ReviewService) RecordAnalysis(ctx context.Context, id uuid.UUID, provider string, findings []Finding) (*DocumentReview, error) {
	return s.execute(ctx, "record-analysis", id, func(review *DocumentReview) ([]eventstore.EventData, error) {
		if review.Version == 0 {
			return nil, errors.Errorf("document %s does not exist", id)
		}
		if review.Archived {
			return nil, errors.Errorf("document %s is archived", id)
		}
		return []eventstore.EventData{{
			EventType: EventAnalysisCompleted,
			Payload:   AnalysisCompletedPayload{Provider: provider, Findings: findings},
		}}, nil
	})
}

// AssignPolicy assigns a compliance policy to the document
func (s *ReviewService) AssignPolicy(ctx context.Context, id, policyID uuid.UUID, policyName string) (*DocumentReview, error) {
	return s.execute(ctx, "assign-policy", id, func(review *DocumentReview) ([]eventstore.EventData, error) {
		if review.Version == 0 {
			return nil, errors.Errorf("document %s does not exist", id)
		}
		if review.Archived {
			return nil, errors.Errorf("document %s is archived", id)
		}
		for _, a := range review.Policies {
			if a.PolicyID == policyID {
				// Already assigned, nothing to append
				return nil, nil
			}
		}
		return []eventstore.EventData{{
			EventType: EventPolicyAssigned,
			Payload:   PolicyAssignedPayload{PolicyID: policyID, PolicyName: policyName},
		}}, nil
	})
}

// UnassignPolicy removes a policy assignment from the document
func (s *ReviewService) UnassignPolicy(ctx context.Context, id, policyID uuid.UUID) (*DocumentReview, error) {
	return s.execute(ctx, "unassign-policy", id, func(review *DocumentReview) ([]eventstore.EventData, error) {
		if review.Version == 0 {
			return nil, errors.Errorf("document %s does not exist", id)
		}
		assigned := false
		for _, a := range review.Policies {
			if a.PolicyID == policyID {
				assigned = true
				break
			}
		}
		if !assigned {
			return nil, nil
		}
		return []eventstore.EventData{{
			EventType: EventPolicyUnassigned,
			Payload:   PolicyUnassignedPayload{PolicyID: policyID},
		}}, nil
	})
}

// ScoreCompliance records the compliance score computed by the policy engine
func (s *ReviewService) ScoreCompliance(ctx context.Context, id uuid.UUID, score float64) (*DocumentReview, error) {
	return s.execute(ctx, "score-compliance", id, func(review *DocumentReview) ([]eventstore.EventData, error) {
		if review.Version == 0 {
			return nil, errors.Errorf("document %s does not exist", id)
		}
		if review.Archived {
			return nil, errors.Errorf("document %s is archived", id)
		}
		if score < 0 || score > 100 {
			return nil, errors.Errorf("compliance score %f out of range", score)
		}
		return []eventstore.EventData{{
			EventType: EventComplianceScored,
			Payload:   ComplianceScoredPayload{Score: score},
		}}, nil
	})
}

// AddFeedback records a generated feedback entry for the document
func (s *ReviewService) AddFeedback(ctx context.Context, id, feedbackID uuid.UUID, summary string) (*DocumentReview, error) {
	return s.execute(ctx, "add-feedback", id, func(review *DocumentReview) ([]eventstore.EventData, error) {
		if review.Version == 0 {
			return nil, errors.Errorf("document %s does not exist", id)
		}
		return []eventstore.EventData{{
			EventType: EventFeedbackGenerated,
			Payload:   FeedbackGeneratedPayload{FeedbackID: feedbackID, Summary: summary},
		}}, nil
	})
}

// ArchiveDocument closes the review stream for a document
func (s *ReviewService) ArchiveDocument(ctx context.Context, id uuid.UUID, reason string) (*DocumentReview, error) {
	review, err := s.execute(ctx, "archive-document", id, func(review *DocumentReview) ([]eventstore.EventData, error) {
		if review.Version == 0 {
			return nil, errors.Errorf("document %s does not exist", id)
		}
		if review.Archived {
			return nil, nil
		}
		return []eventstore.EventData{{
			EventType: EventDocumentArchived,
			Payload:   DocumentArchivedPayload{Reason: reason},
		}}, nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("document_id", id.String()).
		Str("reason", reason).
		Msg("Document archived")
	return review, nil
}

package readmodels

import (
	"context"
	"time"

	"example.com/docstream/services/ledger/internal/aggregate"
	"example.com/docstream/services/ledger/internal/eventstore"
	"example.com/docstream/services/ledger/internal/models"
	"example.com/docstream/services/ledger/internal/search"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Indexer is the slice of the Elasticsearch client the search
// projection writes through.
type Indexer interface {
	IndexDocument(ctx context.Context, doc search.ComplianceDocument) error
}

// ComplianceSearchProjection indexes document reviews into
// Elasticsearch. Every delivery rehydrates the aggregate's latest
// state from the log and indexes it keyed by document id, so retries
// and out-of-order re-deliveries converge on the newest document
// instead of regressing the index to an older version.
type ComplianceSearchProjection struct {
	store   *eventstore.Store
	indexer Indexer
}

// NewComplianceSearchProjection creates the search projection
func NewComplianceSearchProjection(store *eventstore.Store, indexer Indexer) *ComplianceSearchProjection {
	return &ComplianceSearchProjection{
		store:   store,
		indexer: indexer,
	}
}

// Name implements projection.Projection
func (p *ComplianceSearchProjection) Name() string {
	return "compliance_search"
}

// Apply indexes the document's current state
func (p *ComplianceSearchProjection) Apply(ctx context.Context, _ *gorm.DB, event models.Event) error {
	events, err := p.store.ReadEvents(ctx, event.AggregateID, 0)
	if err != nil {
		return err
	}

	review := aggregate.NewDocumentReview(event.AggregateID)
	var lastEventAt time.Time
	for _, e := range events {
		if err := review.Apply(e); err != nil {
			return errors.Wrapf(err, "failed to rehydrate document %s for indexing", event.AggregateID)
		}
		lastEventAt = e.CreatedAt
	}
	if review.Version == 0 {
		return errors.Errorf("no events found for document %s", event.AggregateID)
	}

	policyNames := make([]string, 0, len(review.Policies))
	for _, assignment := range review.Policies {
		policyNames = append(policyNames, assignment.PolicyName)
	}

	doc := search.ComplianceDocument{
		DocumentID:      review.ID.String(),
		Title:           review.Title,
		UploaderID:      review.UploaderID,
		Status:          review.Status,
		PolicyNames:     policyNames,
		FindingCount:    len(review.Findings),
		ComplianceScore: review.ComplianceScore,
		Archived:        review.Archived,
		LastEventAt:     &lastEventAt,
	}

	return p.indexer.IndexDocument(ctx, doc)
}

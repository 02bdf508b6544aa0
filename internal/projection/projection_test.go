package projection

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"example.com/docstream/services/ledger/config"
	"example.com/docstream/services/ledger/internal/eventstore"
	"example.com/docstream/services/ledger/internal/metrics"
	"example.com/docstream/services/ledger/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// testEnv wires the projection machinery over an in-memory database
type testEnv struct {
	db      *gorm.DB
	store   *eventstore.Store
	tracker *FailureTracker
	health  *HealthEvaluator
	metrics *metrics.Metrics
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, models.SetupModels(db))

	store := eventstore.NewStore(db, db)
	return &testEnv{
		db:      db,
		store:   store,
		tracker: NewFailureTracker(db, 5, time.Second),
		health: NewHealthEvaluator(db, store, config.HealthConfig{
			LagDegraded:     100,
			LagCritical:     1000,
			FailureRatio:    0.9,
			StalenessWindow: 10 * time.Minute,
		}),
		metrics: metrics.NewMetrics(),
	}
}

func (e *testEnv) dispatcher(inlineAttempts int, projections ...Projection) *Dispatcher {
	d := NewDispatcher(e.db, e.store, e.tracker, e.health, e.metrics, 100, inlineAttempts, time.Second)
	for _, p := range projections {
		d.Register(p)
	}
	return d
}

// appendEvents commits count events for one fresh aggregate and returns them
func (e *testEnv) appendEvents(t *testing.T, count int) []models.Event {
	t.Helper()

	data := make([]eventstore.EventData, count)
	for i := range data {
		data[i] = eventstore.EventData{
			EventType: "feedback.generated",
			Payload:   map[string]string{"summary": fmt.Sprintf("note %d", i)},
		}
	}
	committed, err := e.store.Append(context.Background(), uuid.New(), "document_review", 0, data)
	require.NoError(t, err)
	return committed
}

func (e *testEnv) checkpoint(t *testing.T, name string) *models.ProjectionCheckpoint {
	t.Helper()
	cp, err := GetCheckpoint(context.Background(), e.db, name)
	require.NoError(t, err)
	return cp
}

func (e *testEnv) failures(t *testing.T, name string) []models.ProjectionFailure {
	t.Helper()
	var failures []models.ProjectionFailure
	require.NoError(t, e.db.Where("projection_name = ?", name).Order("failed_at ASC").Find(&failures).Error)
	return failures
}

// fakeProjection records applied sequences and can be told to fail on
// specific sequences: a positive count fails that many times then
// succeeds, -1 fails forever.
type fakeProjection struct {
	name    string
	applied []int64
	failOn  map[int64]int
}

func newFakeProjection(name string) *fakeProjection {
	return &fakeProjection{name: name, failOn: make(map[int64]int)}
}

func (p *fakeProjection) Name() string { return p.name }

func (p *fakeProjection) Apply(ctx context.Context, tx *gorm.DB, event models.Event) error {
	if remaining, ok := p.failOn[event.Sequence]; ok && remaining != 0 {
		if remaining > 0 {
			p.failOn[event.Sequence] = remaining - 1
		}
		return errors.Errorf("simulated failure at sequence %d", event.Sequence)
	}
	p.applied = append(p.applied, event.Sequence)
	return nil
}

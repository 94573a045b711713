package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shelfsight/upcguard/internal/events"
	"github.com/shelfsight/upcguard/internal/model"
	"github.com/shelfsight/upcguard/internal/resilience"
	"github.com/shelfsight/upcguard/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	store   *store.MemoryStore
	bc      *events.Broadcaster
	manager *Manager
	sub     *events.Subscription
	scope   model.Scope
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	bc := events.NewBroadcaster()
	sub := bc.Subscribe("org-1")
	t.Cleanup(sub.Cancel)
	return &fixture{
		store:   st,
		bc:      bc,
		manager: New(st, bc),
		sub:     sub,
		scope:   model.Scope{OrganizationID: "org-1", UserID: "analyst1"},
	}
}

func (f *fixture) seedConflict(t *testing.T) *model.Conflict {
	t.Helper()
	saved, err := f.store.UpsertConflict(context.Background(), &model.Conflict{
		OrganizationID:    "org-1",
		AnalysisID:        "a1",
		Type:              model.ConflictTypeDuplicateUPC,
		NaturalKey:        "duplicate_upc:U1",
		UPC:               "U1",
		RelatedProductIDs: []string{"P1", "P2"},
		RelatedUPCs:       []string{"U1"},
		Severity:          model.SeverityLow,
		Priority:          model.PriorityLow,
		CostImpact:        decimal.NewFromInt(50),
		Status:            model.StatusNew,
	})
	require.NoError(t, err)
	return saved
}

func (f *fixture) drainEvents(t *testing.T, n int) []model.Event {
	t.Helper()
	out := make([]model.Event, 0, n)
	for len(out) < n {
		select {
		case evt := <-f.sub.C:
			out = append(out, evt)
		case <-time.After(time.Second):
			t.Fatalf("expected %d events, got %d", n, len(out))
		}
	}
	select {
	case evt := <-f.sub.C:
		t.Fatalf("unexpected extra event %s", evt.Name)
	default:
	}
	return out
}

func TestAssign(t *testing.T) {
	f := newFixture(t)
	c := f.seedConflict(t)
	ctx := context.Background()

	got, err := f.manager.Assign(ctx, f.scope, c.ID, "analyst1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAssigned, got.Status)
	assert.Equal(t, "analyst1", got.AssignedTo)
	require.NotNil(t, got.AssignedAt)

	evts := f.drainEvents(t, 1)
	assert.Equal(t, model.EventConflictAssigned, evts[0].Name)

	audit, err := f.store.ListAudit(ctx, "org-1", c.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, model.AuditActionConflictAssigned, audit[0].Action)
}

func TestAssign_EmptyAssignee(t *testing.T) {
	f := newFixture(t)
	c := f.seedConflict(t)

	_, err := f.manager.Assign(context.Background(), f.scope, c.ID, "")
	assert.True(t, resilience.IsValidation(err))
}

func TestAssign_Reassign(t *testing.T) {
	f := newFixture(t)
	c := f.seedConflict(t)
	ctx := context.Background()

	_, err := f.manager.Assign(ctx, f.scope, c.ID, "analyst1")
	require.NoError(t, err)

	got, err := f.manager.Assign(ctx, f.scope, c.ID, "analyst2")
	require.NoError(t, err)
	assert.Equal(t, "analyst2", got.AssignedTo)
	assert.Equal(t, model.StatusAssigned, got.Status)
}

func TestAssign_SameAssigneeIsNoopButAudited(t *testing.T) {
	f := newFixture(t)
	c := f.seedConflict(t)
	ctx := context.Background()

	first, err := f.manager.Assign(ctx, f.scope, c.ID, "analyst1")
	require.NoError(t, err)

	second, err := f.manager.Assign(ctx, f.scope, c.ID, "analyst1")
	require.NoError(t, err)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)

	audit, err := f.store.ListAudit(ctx, "org-1", c.ID)
	require.NoError(t, err)
	assert.Len(t, audit, 2)

	f.drainEvents(t, 2)
}

func TestAssign_CrossOrgIsNotFound(t *testing.T) {
	f := newFixture(t)
	c := f.seedConflict(t)

	other := model.Scope{OrganizationID: "org-2", UserID: "intruder"}
	_, err := f.manager.Assign(context.Background(), other, c.ID, "intruder")
	assert.True(t, resilience.IsNotFound(err))
}

func TestStartWork_FromNewSelfAssigns(t *testing.T) {
	f := newFixture(t)
	c := f.seedConflict(t)

	got, err := f.manager.StartWork(context.Background(), f.scope, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, got.Status)
	assert.Equal(t, "analyst1", got.AssignedTo)
}

func TestStartWork_KeepsExistingAssignee(t *testing.T) {
	f := newFixture(t)
	c := f.seedConflict(t)
	ctx := context.Background()

	_, err := f.manager.Assign(ctx, f.scope, c.ID, "analyst2")
	require.NoError(t, err)

	got, err := f.manager.StartWork(ctx, f.scope, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "analyst2", got.AssignedTo)
}

// The assign-then-resolve path commits exactly one audit entry and one
// event per transition, in order.
func TestAssignThenResolve(t *testing.T) {
	f := newFixture(t)
	c := f.seedConflict(t)
	ctx := context.Background()

	_, err := f.manager.Assign(ctx, f.scope, c.ID, "analyst1")
	require.NoError(t, err)

	got, err := f.manager.Resolve(ctx, f.scope, c.ID, model.ResolutionKeepExisting, "ok")
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, got.Status)
	assert.Equal(t, "analyst1", got.ResolvedBy)
	assert.Equal(t, model.ResolutionKeepExisting, got.Resolution)
	assert.Equal(t, "ok", got.ResolutionNotes)
	require.NotNil(t, got.ResolvedAt)

	audit, err := f.store.ListAudit(ctx, "org-1", c.ID)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, model.AuditActionConflictAssigned, audit[0].Action)
	assert.Equal(t, model.AuditActionConflictResolved, audit[1].Action)

	evts := f.drainEvents(t, 2)
	assert.Equal(t, model.EventConflictAssigned, evts[0].Name)
	assert.Equal(t, model.EventConflictResolved, evts[1].Name)
}

func TestResolve_RequiresAssignedOrInProgress(t *testing.T) {
	f := newFixture(t)
	c := f.seedConflict(t)

	_, err := f.manager.Resolve(context.Background(), f.scope, c.ID, model.ResolutionManual, "")
	assert.True(t, resilience.IsInvalidTransition(err))
}

func TestResolve_InvalidResolutionKind(t *testing.T) {
	f := newFixture(t)
	c := f.seedConflict(t)

	_, err := f.manager.Resolve(context.Background(), f.scope, c.ID, "nuke", "")
	assert.True(t, resilience.IsValidation(err))
}

func TestReject_FromAnyOpenState(t *testing.T) {
	for _, setup := range []struct {
		name string
		prep func(t *testing.T, f *fixture, id string)
	}{
		{"new", func(t *testing.T, f *fixture, id string) {}},
		{"assigned", func(t *testing.T, f *fixture, id string) {
			_, err := f.manager.Assign(context.Background(), f.scope, id, "analyst1")
			require.NoError(t, err)
		}},
		{"in_progress", func(t *testing.T, f *fixture, id string) {
			_, err := f.manager.StartWork(context.Background(), f.scope, id)
			require.NoError(t, err)
		}},
	} {
		t.Run(setup.name, func(t *testing.T) {
			f := newFixture(t)
			c := f.seedConflict(t)
			setup.prep(t, f, c.ID)

			got, err := f.manager.Reject(context.Background(), f.scope, c.ID, "false positive")
			require.NoError(t, err)
			assert.Equal(t, model.StatusRejected, got.Status)
			assert.Equal(t, "false positive", got.ResolutionNotes)
		})
	}
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	f := newFixture(t)
	c := f.seedConflict(t)
	ctx := context.Background()

	_, err := f.manager.Assign(ctx, f.scope, c.ID, "analyst1")
	require.NoError(t, err)
	_, err = f.manager.Resolve(ctx, f.scope, c.ID, model.ResolutionManual, "")
	require.NoError(t, err)

	_, err = f.manager.Assign(ctx, f.scope, c.ID, "analyst2")
	assert.True(t, resilience.IsInvalidTransition(err))
	_, err = f.manager.StartWork(ctx, f.scope, c.ID)
	assert.True(t, resilience.IsInvalidTransition(err))
	_, err = f.manager.Resolve(ctx, f.scope, c.ID, model.ResolutionManual, "")
	assert.True(t, resilience.IsInvalidTransition(err))
	_, err = f.manager.Reject(ctx, f.scope, c.ID, "")
	assert.True(t, resilience.IsInvalidTransition(err))
}

func TestBulkAssign_PartialFailure(t *testing.T) {
	f := newFixture(t)
	c := f.seedConflict(t)

	result, err := f.manager.BulkAssign(context.Background(), f.scope, []string{c.ID, "missing-id"}, "analyst1")
	require.NoError(t, err)

	assert.Equal(t, []string{c.ID}, result.Succeeded)
	require.Contains(t, result.Failed, "missing-id")
	assert.Contains(t, result.Failed["missing-id"], "not found")
}

func TestBulkAssign_EmptyAssignee(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.BulkAssign(context.Background(), f.scope, []string{"c1"}, "")
	assert.True(t, resilience.IsValidation(err))
}

func TestBulkAssign_AllSucceed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for _, upc := range []string{"U1", "U2", "U3"} {
		saved, err := f.store.UpsertConflict(ctx, &model.Conflict{
			OrganizationID: "org-1",
			AnalysisID:     "a1",
			Type:           model.ConflictTypeDuplicateUPC,
			NaturalKey:     "duplicate_upc:" + upc,
			UPC:            upc,
			Severity:       model.SeverityLow,
			Priority:       model.PriorityLow,
			Status:         model.StatusNew,
		})
		require.NoError(t, err)
		ids = append(ids, saved.ID)
	}

	result, err := f.manager.BulkAssign(ctx, f.scope, ids, "analyst1")
	require.NoError(t, err)
	assert.Len(t, result.Succeeded, 3)
	assert.Nil(t, result.Failed)
}

// Two managers racing the same conflict through the CAS write produce one
// winner and one ConcurrentModificationError.
func TestConcurrentTransitionLosesRace(t *testing.T) {
	f := newFixture(t)
	c := f.seedConflict(t)
	ctx := context.Background()

	stale := *c
	stale.Status = model.StatusAssigned
	stale.AssignedTo = "u1"
	_, err := f.store.UpdateConflictStatus(ctx, model.StatusNew, &stale)
	require.NoError(t, err)

	// This manager read the conflict before the write above landed.
	racing := *c
	racing.Status = model.StatusInProgress
	_, err = f.store.UpdateConflictStatus(ctx, model.StatusNew, &racing)
	assert.True(t, resilience.IsConcurrentModification(err))
}

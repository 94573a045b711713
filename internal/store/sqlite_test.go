package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsight/upcguard/internal/model"
	"github.com/shelfsight/upcguard/internal/resilience"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_RecordsRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	err := st.InsertRecords(ctx, []model.Record{
		{AnalysisID: "a1", ProductID: "P1", UPC: "U1", WarehouseID: "W1", Location: "A-1", Payload: map[string]any{"qty": "4"}},
		{AnalysisID: "a1", ProductID: "P2", UPC: "U1"},
	})
	require.NoError(t, err)

	got, err := st.ListRecords(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.NotEmpty(t, got[0].ID)
	assert.Equal(t, "a1", got[0].AnalysisID)

	byProduct := map[string]model.Record{}
	for _, r := range got {
		byProduct[r.ProductID] = r
	}
	assert.Equal(t, "W1", byProduct["P1"].WarehouseID)
	assert.Equal(t, "A-1", byProduct["P1"].Location)
	assert.Equal(t, "4", byProduct["P1"].Payload["qty"])

	none, err := st.ListRecords(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLite_UpsertConflict_InsertThenFind(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	saved, err := st.UpsertConflict(ctx, sampleConflict("org-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, model.StatusNew, saved.Status)

	found, err := st.FindConflictByNaturalKey(ctx, "org-1", "duplicate_upc:U1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, saved.ID, found.ID)
	assert.Equal(t, []string{"P1", "P2"}, found.RelatedProductIDs)
	assert.Equal(t, []string{"U1"}, found.RelatedUPCs)
	assert.True(t, found.CostImpact.Equal(decimal.NewFromInt(50)))

	absent, err := st.FindConflictByNaturalKey(ctx, "org-1", "duplicate_upc:U2")
	require.NoError(t, err)
	assert.Nil(t, absent)
}

func TestSQLite_UpsertConflict_RefreshPreservesLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	saved, err := st.UpsertConflict(ctx, sampleConflict("org-1"))
	require.NoError(t, err)

	now := time.Now().UTC()
	assigned := *saved
	assigned.Status = model.StatusAssigned
	assigned.AssignedTo = "analyst1"
	assigned.AssignedAt = &now
	_, err = st.UpdateConflictStatus(ctx, model.StatusNew, &assigned)
	require.NoError(t, err)

	refreshed := sampleConflict("org-1")
	refreshed.RelatedProductIDs = []string{"P1", "P2", "P3"}
	refreshed.Severity = model.SeverityMedium
	refreshed.Priority = model.PriorityMedium
	refreshed.CostImpact = decimal.NewFromInt(75)
	got, err := st.UpsertConflict(ctx, refreshed)
	require.NoError(t, err)

	assert.Equal(t, saved.ID, got.ID)
	assert.Equal(t, []string{"P1", "P2", "P3"}, got.RelatedProductIDs)
	assert.Equal(t, model.SeverityMedium, got.Severity)
	assert.Equal(t, model.StatusAssigned, got.Status)
	assert.Equal(t, "analyst1", got.AssignedTo)
	require.NotNil(t, got.AssignedAt)
}

func TestSQLite_UpsertConflict_TerminalRowDeclinesRefresh(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	saved, err := st.UpsertConflict(ctx, sampleConflict("org-1"))
	require.NoError(t, err)

	now := time.Now().UTC()
	resolved := *saved
	resolved.Status = model.StatusResolved
	resolved.ResolvedBy = "analyst1"
	resolved.ResolvedAt = &now
	resolved.Resolution = model.ResolutionManual
	_, err = st.UpdateConflictStatus(ctx, model.StatusNew, &resolved)
	require.NoError(t, err)

	refreshed := sampleConflict("org-1")
	refreshed.RelatedProductIDs = []string{"P1", "P2", "P3"}
	refreshed.Severity = model.SeverityMedium
	got, err := st.UpsertConflict(ctx, refreshed)
	require.NoError(t, err)

	assert.Equal(t, model.StatusResolved, got.Status)
	assert.Equal(t, []string{"P1", "P2"}, got.RelatedProductIDs)
	assert.Equal(t, model.SeverityLow, got.Severity)

	// And the persisted row is untouched too.
	persisted, err := st.FindConflictByID(ctx, "org-1", saved.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"P1", "P2"}, persisted.RelatedProductIDs)
}

func TestSQLite_NaturalKeyScopedByOrg(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a, err := st.UpsertConflict(ctx, sampleConflict("org-1"))
	require.NoError(t, err)
	b, err := st.UpsertConflict(ctx, sampleConflict("org-2"))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	// Each org only sees its own row.
	_, err = st.FindConflictByID(ctx, "org-1", b.ID)
	assert.True(t, resilience.IsNotFound(err))
}

func TestSQLite_UpdateConflictStatus_CAS(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	saved, err := st.UpsertConflict(ctx, sampleConflict("org-1"))
	require.NoError(t, err)

	winner := *saved
	winner.Status = model.StatusAssigned
	winner.AssignedTo = "u1"
	got, err := st.UpdateConflictStatus(ctx, model.StatusNew, &winner)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAssigned, got.Status)

	loser := *saved
	loser.Status = model.StatusInProgress
	_, err = st.UpdateConflictStatus(ctx, model.StatusNew, &loser)
	assert.True(t, resilience.IsConcurrentModification(err))

	ghost := *saved
	ghost.ID = "ghost"
	_, err = st.UpdateConflictStatus(ctx, model.StatusNew, &ghost)
	assert.True(t, resilience.IsNotFound(err))
}

func TestSQLite_ResolveFieldsRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	saved, err := st.UpsertConflict(ctx, sampleConflict("org-1"))
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	resolved := *saved
	resolved.Status = model.StatusResolved
	resolved.ResolvedBy = "analyst1"
	resolved.ResolvedAt = &now
	resolved.Resolution = model.ResolutionKeepExisting
	resolved.ResolutionNotes = "ok"
	_, err = st.UpdateConflictStatus(ctx, model.StatusNew, &resolved)
	require.NoError(t, err)

	got, err := st.FindConflictByID(ctx, "org-1", saved.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, got.Status)
	assert.Equal(t, "analyst1", got.ResolvedBy)
	assert.Equal(t, model.ResolutionKeepExisting, got.Resolution)
	assert.Equal(t, "ok", got.ResolutionNotes)
	require.NotNil(t, got.ResolvedAt)
	assert.WithinDuration(t, now, *got.ResolvedAt, time.Second)
}

func TestSQLite_SetConflictExplanation(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	saved, err := st.UpsertConflict(ctx, sampleConflict("org-1"))
	require.NoError(t, err)

	require.NoError(t, st.SetConflictExplanation(ctx, "org-1", saved.ID, "barcode reuse"))
	got, err := st.FindConflictByID(ctx, "org-1", saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "barcode reuse", got.Explanation)

	err = st.SetConflictExplanation(ctx, "org-1", "ghost", "x")
	assert.True(t, resilience.IsNotFound(err))
}

func TestSQLite_ListConflicts_FiltersAndPaging(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, upc := range []string{"U1", "U2", "U3"} {
		c := sampleConflict("org-1")
		c.NaturalKey = "duplicate_upc:" + upc
		c.UPC = upc
		_, err := st.UpsertConflict(ctx, c)
		require.NoError(t, err)
	}
	multi := sampleConflict("org-1")
	multi.Type = model.ConflictTypeMultiUPCProduct
	multi.NaturalKey = "multi_upc_product:P1"
	_, err := st.UpsertConflict(ctx, multi)
	require.NoError(t, err)

	all, err := st.ListConflicts(ctx, "org-1", ConflictFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	byType, err := st.ListConflicts(ctx, "org-1", ConflictFilter{Type: model.ConflictTypeDuplicateUPC})
	require.NoError(t, err)
	assert.Len(t, byType, 3)

	page, err := st.ListConflicts(ctx, "org-1", ConflictFilter{Type: model.ConflictTypeDuplicateUPC, Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "duplicate_upc:U2", page[0].NaturalKey)
	assert.Equal(t, "duplicate_upc:U3", page[1].NaturalKey)

	none, err := st.ListConflicts(ctx, "org-2", ConflictFilter{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLite_AuditRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.AppendAudit(ctx, model.AuditEntry{
		OrganizationID: "org-1",
		UserID:         "u1",
		Action:         model.AuditActionConflictAssigned,
		ResourceType:   model.ResourceTypeConflict,
		ResourceID:     "c1",
		Details:        map[string]any{"assignedTo": "u1"},
	}))
	require.NoError(t, st.AppendAudit(ctx, model.AuditEntry{
		OrganizationID: "org-1",
		UserID:         "u1",
		Action:         model.AuditActionConflictResolved,
		ResourceType:   model.ResourceTypeConflict,
		ResourceID:     "c1",
	}))

	got, err := st.ListAudit(ctx, "org-1", "c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.AuditActionConflictAssigned, got[0].Action)
	assert.Equal(t, model.AuditActionConflictResolved, got[1].Action)
	assert.Equal(t, "u1", got[0].Details["assignedTo"])
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].CreatedAt.IsZero())
}

package detect

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsight/upcguard/internal/model"
)

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	d, err := New(DefaultScoring())
	require.NoError(t, err)
	return d
}

func recs(pairs ...[2]string) []model.Record {
	out := make([]model.Record, len(pairs))
	for i, p := range pairs {
		out[i] = model.Record{ProductID: p[0], UPC: p[1]}
	}
	return out
}

func TestDetect_DuplicateUPC(t *testing.T) {
	d := newTestDetector(t)

	got := d.Detect(recs([2]string{"P1", "U1"}, [2]string{"P2", "U1"}))

	require.Len(t, got, 1)
	c := got[0]
	assert.Equal(t, model.ConflictTypeDuplicateUPC, c.Type)
	assert.Equal(t, "duplicate_upc:U1", c.NaturalKey)
	assert.Equal(t, "U1", c.UPC)
	assert.Equal(t, []string{"P1", "P2"}, c.RelatedProductIDs)
	assert.Equal(t, model.SeverityLow, c.Severity)
	assert.Equal(t, model.PriorityLow, c.Priority)
	assert.True(t, c.CostImpact.Equal(decimal.NewFromInt(50)))
}

func TestDetect_MultiUPCProduct(t *testing.T) {
	d := newTestDetector(t)

	got := d.Detect(recs([2]string{"P1", "U1"}, [2]string{"P1", "U2"}, [2]string{"P1", "U3"}))

	require.Len(t, got, 1)
	c := got[0]
	assert.Equal(t, model.ConflictTypeMultiUPCProduct, c.Type)
	assert.Equal(t, "multi_upc_product:P1", c.NaturalKey)
	assert.Equal(t, "P1", c.ProductID)
	assert.Equal(t, []string{"U1", "U2", "U3"}, c.RelatedUPCs)
	assert.Equal(t, model.SeverityMedium, c.Severity)
	assert.Equal(t, model.PriorityMedium, c.Priority)
	assert.True(t, c.CostImpact.Equal(decimal.NewFromInt(75)))
}

func TestDetect_CleanBatchYieldsNothing(t *testing.T) {
	d := newTestDetector(t)

	got := d.Detect(recs([2]string{"P1", "U1"}, [2]string{"P2", "U2"}, [2]string{"P3", "U3"}))
	assert.Empty(t, got)
}

func TestDetect_EmptyBatch(t *testing.T) {
	d := newTestDetector(t)
	assert.Empty(t, d.Detect(nil))
}

func TestDetect_SkipsRecordsMissingIdentifiers(t *testing.T) {
	d := newTestDetector(t)

	// The blank-UPC rows would otherwise group P1 and P2 together.
	got := d.Detect(recs(
		[2]string{"P1", ""},
		[2]string{"P2", "  "},
		[2]string{"", "U9"},
		[2]string{"P3", "U1"},
		[2]string{"P4", "U1"},
	))

	require.Len(t, got, 1)
	assert.Equal(t, []string{"P3", "P4"}, got[0].RelatedProductIDs)
}

func TestDetect_DuplicateRowsCountOnce(t *testing.T) {
	d := newTestDetector(t)

	// The same product/UPC pair repeated across warehouses is not a conflict.
	got := d.Detect([]model.Record{
		{ProductID: "P1", UPC: "U1", WarehouseID: "W1"},
		{ProductID: "P1", UPC: "U1", WarehouseID: "W2"},
		{ProductID: "P1", UPC: "U1", WarehouseID: "W3"},
	})
	assert.Empty(t, got)
}

func TestDetect_OrderIndependent(t *testing.T) {
	d := newTestDetector(t)

	batch := recs(
		[2]string{"P1", "U1"},
		[2]string{"P2", "U1"},
		[2]string{"P2", "U2"},
		[2]string{"P3", "U3"},
	)
	reversed := make([]model.Record, len(batch))
	for i, r := range batch {
		reversed[len(batch)-1-i] = r
	}

	a := d.Detect(batch)
	b := d.Detect(reversed)
	assert.Equal(t, a, b)
}

func TestDetect_BothTypesFromOneBatch(t *testing.T) {
	d := newTestDetector(t)

	// U1 is shared by P1 and P2; P2 carries U1 and U2.
	got := d.Detect(recs(
		[2]string{"P1", "U1"},
		[2]string{"P2", "U1"},
		[2]string{"P2", "U2"},
	))

	require.Len(t, got, 2)
	// Sorted by natural key: duplicate_upc before multi_upc_product.
	assert.Equal(t, model.ConflictTypeDuplicateUPC, got[0].Type)
	assert.Equal(t, []string{"P1", "P2"}, got[0].RelatedProductIDs)
	assert.Equal(t, model.ConflictTypeMultiUPCProduct, got[1].Type)
	assert.Equal(t, []string{"U1", "U2"}, got[1].RelatedUPCs)
}

func TestDetect_CollectsProvenance(t *testing.T) {
	d := newTestDetector(t)

	got := d.Detect([]model.Record{
		{ProductID: "P1", UPC: "U1", WarehouseID: "W1", Location: "A-1"},
		{ProductID: "P2", UPC: "U1", WarehouseID: "W2", Location: "B-2"},
	})

	require.Len(t, got, 1)
	assert.Equal(t, []string{"W1", "W2"}, got[0].Warehouses)
	assert.Equal(t, []string{"A-1", "B-2"}, got[0].Locations)
}

func TestDetect_LargeGroupEscalates(t *testing.T) {
	d := newTestDetector(t)

	var batch []model.Record
	for i := 0; i < 12; i++ {
		batch = append(batch, model.Record{ProductID: string(rune('A' + i)), UPC: "U1"})
	}

	got := d.Detect(batch)
	require.Len(t, got, 1)
	assert.Equal(t, model.SeverityCritical, got[0].Severity)
	assert.Equal(t, model.PriorityUrgent, got[0].Priority)
	assert.True(t, got[0].CostImpact.Equal(decimal.NewFromInt(300)))
}

func TestNew_RejectsInvalidScoring(t *testing.T) {
	_, err := New(Scoring{})
	assert.Error(t, err)
}

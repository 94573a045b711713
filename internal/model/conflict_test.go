package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNaturalKey_Deterministic(t *testing.T) {
	a := NaturalKey(ConflictTypeDuplicateUPC, []string{"U1"})
	b := NaturalKey(ConflictTypeDuplicateUPC, []string{"U1"})
	assert.Equal(t, a, b)
	assert.Equal(t, "duplicate_upc:U1", a)
}

func TestNaturalKey_SortsIDs(t *testing.T) {
	a := NaturalKey(ConflictTypeMultiUPCProduct, []string{"b", "a", "c"})
	b := NaturalKey(ConflictTypeMultiUPCProduct, []string{"c", "b", "a"})
	assert.Equal(t, a, b)
	assert.Equal(t, "multi_upc_product:a,b,c", a)
}

func TestNaturalKey_DoesNotMutateInput(t *testing.T) {
	ids := []string{"z", "a"}
	NaturalKey(ConflictTypeDuplicateUPC, ids)
	assert.Equal(t, []string{"z", "a"}, ids)
}

func TestConflictStatus_IsTerminal(t *testing.T) {
	cases := []struct {
		status   ConflictStatus
		terminal bool
	}{
		{StatusNew, false},
		{StatusAssigned, false},
		{StatusInProgress, false},
		{StatusResolved, true},
		{StatusRejected, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.terminal, tc.status.IsTerminal(), string(tc.status))
	}
}

func TestValidResolution(t *testing.T) {
	for _, r := range []Resolution{ResolutionKeepExisting, ResolutionUseNew, ResolutionManual, ResolutionIgnore} {
		assert.True(t, ValidResolution(r), string(r))
	}
	assert.False(t, ValidResolution("delete_everything"))
	assert.False(t, ValidResolution(""))
}

func TestConflict_GroupSize(t *testing.T) {
	dup := Conflict{Type: ConflictTypeDuplicateUPC, RelatedProductIDs: []string{"P1", "P2", "P3"}, RelatedUPCs: []string{"U1"}}
	assert.Equal(t, 3, dup.GroupSize())

	multi := Conflict{Type: ConflictTypeMultiUPCProduct, RelatedProductIDs: []string{"P1"}, RelatedUPCs: []string{"U1", "U2"}}
	assert.Equal(t, 2, multi.GroupSize())
}

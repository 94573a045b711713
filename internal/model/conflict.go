package model

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ConflictType identifies the kind of integrity issue detected. The set is
// closed for the detection engine but new types may be added by callers that
// create conflicts manually.
type ConflictType string

const (
	// ConflictTypeDuplicateUPC: one UPC bound to two or more distinct products.
	ConflictTypeDuplicateUPC ConflictType = "duplicate_upc"
	// ConflictTypeMultiUPCProduct: one product bound to two or more distinct UPCs.
	ConflictTypeMultiUPCProduct ConflictType = "multi_upc_product"
)

// Severity orders conflicts by how damaging the inconsistency is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Priority orders conflicts by operator urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ConflictStatus is the lifecycle state of a conflict.
type ConflictStatus string

const (
	StatusNew        ConflictStatus = "new"
	StatusAssigned   ConflictStatus = "assigned"
	StatusInProgress ConflictStatus = "in_progress"
	StatusResolved   ConflictStatus = "resolved"
	StatusRejected   ConflictStatus = "rejected"
)

// IsTerminal reports whether no further transitions may leave the status.
func (s ConflictStatus) IsTerminal() bool {
	return s == StatusResolved || s == StatusRejected
}

// Resolution records how a resolved conflict was settled.
type Resolution string

const (
	ResolutionKeepExisting Resolution = "keep_existing"
	ResolutionUseNew       Resolution = "use_new"
	ResolutionManual       Resolution = "manual"
	ResolutionIgnore       Resolution = "ignore"
)

// ValidResolution reports whether r is one of the accepted resolution kinds.
func ValidResolution(r Resolution) bool {
	switch r {
	case ResolutionKeepExisting, ResolutionUseNew, ResolutionManual, ResolutionIgnore:
		return true
	}
	return false
}

// Conflict is a detected (or manually filed) UPC integrity issue. The
// NaturalKey is unique per organization; repeated detection runs upsert by
// it instead of creating duplicates.
type Conflict struct {
	ID             string       `json:"id"`
	OrganizationID string       `json:"organization_id"`
	AnalysisID     string       `json:"analysis_id"`
	Type           ConflictType `json:"type"`
	NaturalKey     string       `json:"natural_key"`

	// Anchor entity: UPC for duplicate_upc, ProductID for multi_upc_product.
	UPC       string `json:"upc,omitempty"`
	ProductID string `json:"product_id,omitempty"`

	RelatedProductIDs []string `json:"related_product_ids,omitempty"`
	RelatedUPCs       []string `json:"related_upcs,omitempty"`
	Locations         []string `json:"locations,omitempty"`
	Warehouses        []string `json:"warehouses,omitempty"`

	Severity   Severity        `json:"severity"`
	Priority   Priority        `json:"priority"`
	CostImpact decimal.Decimal `json:"cost_impact"`

	Status          ConflictStatus `json:"status"`
	AssignedTo      string         `json:"assigned_to,omitempty"`
	AssignedAt      *time.Time     `json:"assigned_at,omitempty"`
	ResolvedBy      string         `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	Resolution      Resolution     `json:"resolution,omitempty"`
	ResolutionNotes string         `json:"resolution_notes,omitempty"`

	// Explanation is an optional AI-generated annotation. It is never
	// produced by the deterministic detection pass.
	Explanation string `json:"explanation,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GroupSize returns the number of distinguishing entities in the conflict
// group (products for duplicate_upc, UPCs for multi_upc_product).
func (c *Conflict) GroupSize() int {
	if c.Type == ConflictTypeDuplicateUPC {
		return len(c.RelatedProductIDs)
	}
	return len(c.RelatedUPCs)
}

// NaturalKey derives the deterministic identity of a real-world conflict:
// the type plus the sorted distinguishing identifiers. Row order of the
// input batch never changes the key.
func NaturalKey(t ConflictType, ids []string) string {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)
	return string(t) + ":" + strings.Join(sorted, ",")
}

// Candidate is the detector's output: a conflict group before it has been
// reconciled against persisted conflicts.
type Candidate struct {
	Type              ConflictType
	NaturalKey        string
	UPC               string
	ProductID         string
	RelatedProductIDs []string
	RelatedUPCs       []string
	Locations         []string
	Warehouses        []string
	Severity          Severity
	Priority          Priority
	CostImpact        decimal.Decimal
}

package store

import (
	"context"

	"github.com/shelfsight/upcguard/internal/model"
)

// ConflictFilter specifies criteria for listing conflicts.
type ConflictFilter struct {
	AnalysisID string               `json:"analysis_id,omitempty"`
	Status     model.ConflictStatus `json:"status,omitempty"`
	Type       model.ConflictType   `json:"type,omitempty"`
	AssignedTo string               `json:"assigned_to,omitempty"`
	Limit      int                  `json:"limit,omitempty"`
	Offset     int                  `json:"offset,omitempty"`
}

// Store defines the persistence interface for the conflict engine. It is the
// only shared mutable resource between concurrent analysis runs; every
// implementation must make a single row's read-modify-write atomic.
type Store interface {
	// Records. Rows are immutable once inserted.
	InsertRecords(ctx context.Context, records []model.Record) error
	ListRecords(ctx context.Context, analysisID string) ([]model.Record, error)

	// Conflicts. FindConflictByNaturalKey returns (nil, nil) when absent.
	// FindConflictByID returns a NotFoundError for unknown IDs and for
	// cross-organization access alike.
	FindConflictByNaturalKey(ctx context.Context, orgID, naturalKey string) (*model.Conflict, error)
	FindConflictByID(ctx context.Context, orgID, conflictID string) (*model.Conflict, error)
	ListConflicts(ctx context.Context, orgID string, filter ConflictFilter) ([]model.Conflict, error)

	// UpsertConflict inserts or refreshes a conflict keyed by
	// (organization, natural key). The write is atomic per row; IDs and
	// creation timestamps are assigned on first insert.
	UpsertConflict(ctx context.Context, c *model.Conflict) (*model.Conflict, error)

	// SetConflictExplanation stores an annotation without touching any
	// detection or lifecycle field.
	SetConflictExplanation(ctx context.Context, orgID, conflictID, explanation string) error

	// UpdateConflictStatus applies a lifecycle write with compare-and-swap
	// semantics: the update only lands if the stored status still equals
	// expected. Losing the race yields a ConcurrentModificationError.
	UpdateConflictStatus(ctx context.Context, expected model.ConflictStatus, c *model.Conflict) (*model.Conflict, error)

	// Audit trail. Append-only; never skipped on a success path.
	AppendAudit(ctx context.Context, entry model.AuditEntry) error
	ListAudit(ctx context.Context, orgID, resourceID string) ([]model.AuditEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

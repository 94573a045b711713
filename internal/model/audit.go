package model

import "time"

// AuditEntry is an append-only record of a state-changing action. Entries
// are never mutated or deleted.
type AuditEntry struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	UserID         string         `json:"user_id"`
	Action         string         `json:"action"`
	ResourceType   string         `json:"resource_type"`
	ResourceID     string         `json:"resource_id"`
	Details        map[string]any `json:"details,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Audit actions written by the engine.
const (
	AuditActionAnalysisRun      = "analysis_run"
	AuditActionConflictAssigned = "conflict_assigned"
	AuditActionWorkStarted      = "work_started"
	AuditActionConflictResolved = "conflict_resolved"
	AuditActionConflictRejected = "conflict_rejected"
)

// ResourceTypeConflict and ResourceTypeAnalysis name the resources audited
// by the engine.
const (
	ResourceTypeConflict = "conflict"
	ResourceTypeAnalysis = "analysis"
)

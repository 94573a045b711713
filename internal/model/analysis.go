package model

// AnalysisStatus is the terminal state of an analysis run.
type AnalysisStatus string

const (
	AnalysisStatusComplete AnalysisStatus = "complete"
	AnalysisStatusFailed   AnalysisStatus = "failed"
)

// AnalysisOutcome summarizes one detection run. Counts reflect upserts
// committed before any failure; re-running an unchanged batch yields
// Created == 0 because conflicts are keyed by natural key.
type AnalysisOutcome struct {
	AnalysisID string         `json:"analysis_id"`
	Status     AnalysisStatus `json:"status"`
	Created    int            `json:"created"`
	Updated    int            `json:"updated"`
	Unchanged  int            `json:"unchanged"`
	Error      string         `json:"error,omitempty"`
}

// ConflictsFound is the number of conflicts touched by the run.
func (o *AnalysisOutcome) ConflictsFound() int {
	return o.Created + o.Updated + o.Unchanged
}

package model

import "time"

// EventName identifies an engine event on the wire.
type EventName string

const (
	EventAnalysisProgress EventName = "analysis:progress"
	EventAnalysisComplete EventName = "analysis:complete"
	EventAnalysisFailed   EventName = "analysis:failed"
	EventConflictNew      EventName = "conflict:new"
	EventConflictAssigned EventName = "conflict:assigned"
	EventConflictResolved EventName = "conflict:resolved"
	EventConflictRejected EventName = "conflict:rejected"
)

// Event is one broadcast message. Payload fields are optional deltas;
// consumers must tolerate a full Conflict or a minimal payload alike.
type Event struct {
	Name           EventName      `json:"name"`
	OrganizationID string         `json:"organization_id"`
	Payload        map[string]any `json:"payload,omitempty"`
	EmittedAt      time.Time      `json:"emitted_at"`
}

// ProgressPayload builds the payload for an analysis:progress event.
func ProgressPayload(analysisID string, percent int) map[string]any {
	return map[string]any{"analysisId": analysisID, "percent": percent}
}

// CompletePayload builds the payload for an analysis:complete event.
func CompletePayload(analysisID string, conflictsFound int) map[string]any {
	return map[string]any{"analysisId": analysisID, "conflictsFound": conflictsFound}
}

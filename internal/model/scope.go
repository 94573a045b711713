package model

// Scope carries the caller's identity into every engine call. It is passed
// explicitly; the engine never reads organization or user from ambient
// state.
type Scope struct {
	OrganizationID string `json:"organization_id"`
	UserID         string `json:"user_id"`
}

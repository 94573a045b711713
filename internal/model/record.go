package model

import "time"

// Record is one normalized ingested inventory row. Records are written once
// at ingestion and never mutated; the engine treats UPC as an opaque token.
type Record struct {
	ID          string         `json:"id"`
	AnalysisID  string         `json:"analysis_id"`
	ProductID   string         `json:"product_id"`
	WarehouseID string         `json:"warehouse_id"`
	UPC         string         `json:"upc"`
	Location    string         `json:"location,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

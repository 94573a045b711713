package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/shelfsight/upcguard/internal/model"
	"github.com/shelfsight/upcguard/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is the default
// backend for local, single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given DSN and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS records (
	id           TEXT PRIMARY KEY,
	analysis_id  TEXT NOT NULL,
	product_id   TEXT NOT NULL DEFAULT '',
	warehouse_id TEXT NOT NULL DEFAULT '',
	upc          TEXT NOT NULL DEFAULT '',
	location     TEXT NOT NULL DEFAULT '',
	payload      TEXT,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS conflicts (
	id                  TEXT PRIMARY KEY,
	organization_id     TEXT NOT NULL,
	analysis_id         TEXT NOT NULL,
	type                TEXT NOT NULL,
	natural_key         TEXT NOT NULL,
	upc                 TEXT NOT NULL DEFAULT '',
	product_id          TEXT NOT NULL DEFAULT '',
	related_product_ids TEXT NOT NULL DEFAULT '[]',
	related_upcs        TEXT NOT NULL DEFAULT '[]',
	locations           TEXT NOT NULL DEFAULT '[]',
	warehouses          TEXT NOT NULL DEFAULT '[]',
	severity            TEXT NOT NULL,
	priority            TEXT NOT NULL,
	cost_impact         TEXT NOT NULL DEFAULT '0',
	status              TEXT NOT NULL DEFAULT 'new',
	assigned_to         TEXT NOT NULL DEFAULT '',
	assigned_at         DATETIME,
	resolved_by         TEXT NOT NULL DEFAULT '',
	resolved_at         DATETIME,
	resolution          TEXT NOT NULL DEFAULT '',
	resolution_notes    TEXT NOT NULL DEFAULT '',
	explanation         TEXT NOT NULL DEFAULT '',
	created_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (organization_id, natural_key)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	user_id         TEXT NOT NULL DEFAULT '',
	action          TEXT NOT NULL,
	resource_type   TEXT NOT NULL,
	resource_id     TEXT NOT NULL,
	details         TEXT,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_records_analysis ON records(analysis_id);
CREATE INDEX IF NOT EXISTS idx_conflicts_org_status ON conflicts(organization_id, status);
CREATE INDEX IF NOT EXISTS idx_conflicts_org_analysis ON conflicts(organization_id, analysis_id);
CREATE INDEX IF NOT EXISTS idx_audit_org_resource ON audit_log(organization_id, resource_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertRecords(ctx context.Context, records []model.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin insert records")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records (id, analysis_id, product_id, warehouse_id, upc, location, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert record")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, r := range records {
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		payload, err := marshalNullable(r.Payload)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal record payload")
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.AnalysisID, r.ProductID, r.WarehouseID, r.UPC, r.Location, payload, r.CreatedAt); err != nil {
			return eris.Wrapf(err, "sqlite: insert record %s", r.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit insert records")
}

func (s *SQLiteStore) ListRecords(ctx context.Context, analysisID string) ([]model.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, analysis_id, product_id, warehouse_id, upc, location, payload, created_at
		 FROM records WHERE analysis_id = ? ORDER BY created_at, id`,
		analysisID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		var r model.Record
		var payload sql.NullString
		if err := rows.Scan(&r.ID, &r.AnalysisID, &r.ProductID, &r.WarehouseID, &r.UPC, &r.Location, &payload, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &r.Payload); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal record payload")
			}
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list records iterate")
}

const conflictColumns = `id, organization_id, analysis_id, type, natural_key, upc, product_id,
	related_product_ids, related_upcs, locations, warehouses, severity, priority, cost_impact,
	status, assigned_to, assigned_at, resolved_by, resolved_at, resolution, resolution_notes,
	explanation, created_at, updated_at`

func (s *SQLiteStore) FindConflictByNaturalKey(ctx context.Context, orgID, naturalKey string) (*model.Conflict, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE organization_id = ? AND natural_key = ?`,
		orgID, naturalKey,
	)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find conflict by natural key")
	}
	return c, nil
}

func (s *SQLiteStore) FindConflictByID(ctx context.Context, orgID, conflictID string) (*model.Conflict, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE organization_id = ? AND id = ?`,
		orgID, conflictID,
	)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, resilience.NewNotFound("conflict", conflictID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find conflict %s", conflictID)
	}
	return c, nil
}

func (s *SQLiteStore) ListConflicts(ctx context.Context, orgID string, filter ConflictFilter) ([]model.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE organization_id = ?`
	args := []any{orgID}

	if filter.AnalysisID != "" {
		query += ` AND analysis_id = ?`
		args = append(args, filter.AnalysisID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.AssignedTo != "" {
		query += ` AND assigned_to = ?`
		args = append(args, filter.AssignedTo)
	}
	query += ` ORDER BY natural_key`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list conflicts")
	}
	defer rows.Close()

	var out []model.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan conflict")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list conflicts iterate")
}

// UpsertConflict inserts or refreshes inside one transaction, which gives
// the per-row atomicity the engine relies on. Lifecycle columns are owned
// by UpdateConflictStatus and are never touched by a refresh.
func (s *SQLiteStore) UpsertConflict(ctx context.Context, c *model.Conflict) (*model.Conflict, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE organization_id = ? AND natural_key = ?`,
		c.OrganizationID, c.NaturalKey,
	)
	existing, err := scanConflict(row)
	now := time.Now().UTC()

	enc, encErr := encodeConflictSets(c)
	if encErr != nil {
		return nil, encErr
	}

	switch err {
	case sql.ErrNoRows:
		inserted := *c
		if inserted.ID == "" {
			inserted.ID = uuid.New().String()
		}
		if inserted.Status == "" {
			inserted.Status = model.StatusNew
		}
		inserted.CreatedAt = now
		inserted.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conflicts (id, organization_id, analysis_id, type, natural_key, upc, product_id,
				related_product_ids, related_upcs, locations, warehouses, severity, priority, cost_impact,
				status, explanation, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inserted.ID, inserted.OrganizationID, inserted.AnalysisID, string(inserted.Type), inserted.NaturalKey,
			inserted.UPC, inserted.ProductID, enc.relatedProducts, enc.relatedUPCs, enc.locations, enc.warehouses,
			string(inserted.Severity), string(inserted.Priority), inserted.CostImpact.String(),
			string(inserted.Status), inserted.Explanation, inserted.CreatedAt, inserted.UpdatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: insert conflict")
		}
		if err := tx.Commit(); err != nil {
			return nil, eris.Wrap(err, "sqlite: commit insert conflict")
		}
		return &inserted, nil

	case nil:
		if existing.Status.IsTerminal() {
			return existing, nil
		}
		updated := *existing
		updated.AnalysisID = c.AnalysisID
		updated.RelatedProductIDs = c.RelatedProductIDs
		updated.RelatedUPCs = c.RelatedUPCs
		updated.Locations = c.Locations
		updated.Warehouses = c.Warehouses
		updated.Severity = c.Severity
		updated.Priority = c.Priority
		updated.CostImpact = c.CostImpact
		updated.UpdatedAt = now
		// The status guard makes terminal protection atomic at the row: a
		// resolve landing after the SELECT above leaves the refresh a no-op.
		res, err := tx.ExecContext(ctx,
			`UPDATE conflicts SET analysis_id = ?, related_product_ids = ?, related_upcs = ?, locations = ?,
				warehouses = ?, severity = ?, priority = ?, cost_impact = ?, updated_at = ?
			 WHERE id = ? AND status NOT IN (?, ?)`,
			updated.AnalysisID, enc.relatedProducts, enc.relatedUPCs, enc.locations, enc.warehouses,
			string(updated.Severity), string(updated.Priority), updated.CostImpact.String(), updated.UpdatedAt,
			updated.ID, string(model.StatusResolved), string(model.StatusRejected),
		)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: refresh conflict")
		}
		if err := tx.Commit(); err != nil {
			return nil, eris.Wrap(err, "sqlite: commit refresh conflict")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: rows affected")
		}
		if n == 0 {
			return s.FindConflictByNaturalKey(ctx, c.OrganizationID, c.NaturalKey)
		}
		return &updated, nil

	default:
		return nil, eris.Wrap(err, "sqlite: upsert lookup")
	}
}

func (s *SQLiteStore) UpdateConflictStatus(ctx context.Context, expected model.ConflictStatus, c *model.Conflict) (*model.Conflict, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE conflicts SET status = ?, assigned_to = ?, assigned_at = ?, resolved_by = ?, resolved_at = ?,
			resolution = ?, resolution_notes = ?, updated_at = ?
		 WHERE id = ? AND organization_id = ? AND status = ?`,
		string(c.Status), c.AssignedTo, c.AssignedAt, c.ResolvedBy, c.ResolvedAt,
		string(c.Resolution), c.ResolutionNotes, now,
		c.ID, c.OrganizationID, string(expected),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update conflict status %s", c.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		// Distinguish a lost race from a missing row.
		if _, err := s.FindConflictByID(ctx, c.OrganizationID, c.ID); err != nil {
			return nil, err
		}
		return nil, &resilience.ConcurrentModificationError{ConflictID: c.ID}
	}
	updated := *c
	updated.UpdatedAt = now
	return &updated, nil
}

func (s *SQLiteStore) SetConflictExplanation(ctx context.Context, orgID, conflictID, explanation string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conflicts SET explanation = ?, updated_at = ? WHERE id = ? AND organization_id = ?`,
		explanation, time.Now().UTC(), conflictID, orgID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set explanation %s", conflictID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return resilience.NewNotFound("conflict", conflictID)
	}
	return nil
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, entry model.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	details, err := marshalNullable(entry.Details)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal audit details")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, organization_id, user_id, action, resource_type, resource_id, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.OrganizationID, entry.UserID, entry.Action, entry.ResourceType, entry.ResourceID, details, entry.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: append audit")
}

func (s *SQLiteStore) ListAudit(ctx context.Context, orgID, resourceID string) ([]model.AuditEntry, error) {
	query := `SELECT id, organization_id, user_id, action, resource_type, resource_id, details, created_at
		FROM audit_log WHERE organization_id = ?`
	args := []any{orgID}
	if resourceID != "" {
		query += ` AND resource_id = ?`
		args = append(args, resourceID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit")
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.UserID, &e.Action, &e.ResourceType, &e.ResourceID, &details, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit entry")
		}
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal audit details")
			}
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list audit iterate")
}

// helpers shared with the postgres backend

type scannable interface {
	Scan(dest ...any) error
}

type encodedSets struct {
	relatedProducts string
	relatedUPCs     string
	locations       string
	warehouses      string
}

func encodeConflictSets(c *model.Conflict) (encodedSets, error) {
	var enc encodedSets
	var err error
	if enc.relatedProducts, err = marshalSet(c.RelatedProductIDs); err != nil {
		return enc, eris.Wrap(err, "marshal related product ids")
	}
	if enc.relatedUPCs, err = marshalSet(c.RelatedUPCs); err != nil {
		return enc, eris.Wrap(err, "marshal related upcs")
	}
	if enc.locations, err = marshalSet(c.Locations); err != nil {
		return enc, eris.Wrap(err, "marshal locations")
	}
	if enc.warehouses, err = marshalSet(c.Warehouses); err != nil {
		return enc, eris.Wrap(err, "marshal warehouses")
	}
	return enc, nil
}

func marshalSet(set []string) (string, error) {
	if set == nil {
		set = []string{}
	}
	b, err := json.Marshal(set)
	return string(b), err
}

func marshalNullable(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func scanConflict(row scannable) (*model.Conflict, error) {
	var c model.Conflict
	var relatedProducts, relatedUPCs, locations, warehouses, costImpact string
	var ctype, severity, priority, status, resolution string
	var assignedAt, resolvedAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.OrganizationID, &c.AnalysisID, &ctype, &c.NaturalKey, &c.UPC, &c.ProductID,
		&relatedProducts, &relatedUPCs, &locations, &warehouses, &severity, &priority, &costImpact,
		&status, &c.AssignedTo, &assignedAt, &c.ResolvedBy, &resolvedAt, &resolution, &c.ResolutionNotes,
		&c.Explanation, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Type = model.ConflictType(ctype)
	c.Severity = model.Severity(severity)
	c.Priority = model.Priority(priority)
	c.Status = model.ConflictStatus(status)

	for _, pair := range []struct {
		raw  string
		dest *[]string
	}{
		{relatedProducts, &c.RelatedProductIDs},
		{relatedUPCs, &c.RelatedUPCs},
		{locations, &c.Locations},
		{warehouses, &c.Warehouses},
	} {
		if pair.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(pair.raw), pair.dest); err != nil {
			return nil, eris.Wrap(err, "unmarshal conflict set")
		}
	}

	c.CostImpact, err = decimal.NewFromString(costImpact)
	if err != nil {
		return nil, eris.Wrapf(err, "parse cost impact %q", costImpact)
	}
	c.Resolution = model.Resolution(resolution)
	if assignedAt.Valid {
		t := assignedAt.Time
		c.AssignedAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	return &c, nil
}

package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/shelfsight/upcguard/internal/model"
	"github.com/shelfsight/upcguard/internal/resilience"
)

// Pool is the subset of pgxpool.Pool the store needs. pgxmock satisfies it
// in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS records (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	analysis_id  TEXT NOT NULL,
	product_id   TEXT NOT NULL DEFAULT '',
	warehouse_id TEXT NOT NULL DEFAULT '',
	upc          TEXT NOT NULL DEFAULT '',
	location     TEXT NOT NULL DEFAULT '',
	payload      JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS conflicts (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	organization_id     TEXT NOT NULL,
	analysis_id         TEXT NOT NULL,
	type                TEXT NOT NULL,
	natural_key         TEXT NOT NULL,
	upc                 TEXT NOT NULL DEFAULT '',
	product_id          TEXT NOT NULL DEFAULT '',
	related_product_ids JSONB NOT NULL DEFAULT '[]',
	related_upcs        JSONB NOT NULL DEFAULT '[]',
	locations           JSONB NOT NULL DEFAULT '[]',
	warehouses          JSONB NOT NULL DEFAULT '[]',
	severity            TEXT NOT NULL,
	priority            TEXT NOT NULL,
	cost_impact         TEXT NOT NULL DEFAULT '0',
	status              TEXT NOT NULL DEFAULT 'new',
	assigned_to         TEXT NOT NULL DEFAULT '',
	assigned_at         TIMESTAMPTZ,
	resolved_by         TEXT NOT NULL DEFAULT '',
	resolved_at         TIMESTAMPTZ,
	resolution          TEXT NOT NULL DEFAULT '',
	resolution_notes    TEXT NOT NULL DEFAULT '',
	explanation         TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (organization_id, natural_key)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	organization_id TEXT NOT NULL,
	user_id         TEXT NOT NULL DEFAULT '',
	action          TEXT NOT NULL,
	resource_type   TEXT NOT NULL,
	resource_id     TEXT NOT NULL,
	details         JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_records_analysis ON records(analysis_id);
CREATE INDEX IF NOT EXISTS idx_conflicts_org_status ON conflicts(organization_id, status);
CREATE INDEX IF NOT EXISTS idx_conflicts_org_analysis ON conflicts(organization_id, analysis_id);
CREATE INDEX IF NOT EXISTS idx_audit_org_resource ON audit_log(organization_id, resource_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) InsertRecords(ctx context.Context, records []model.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin insert records")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for _, r := range records {
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO records (id, analysis_id, product_id, warehouse_id, upc, location, payload, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			r.ID, r.AnalysisID, r.ProductID, r.WarehouseID, r.UPC, r.Location, r.Payload, r.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert record %s", r.ID)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit insert records")
}

func (s *PostgresStore) ListRecords(ctx context.Context, analysisID string) ([]model.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, analysis_id, product_id, warehouse_id, upc, location, payload, created_at
		 FROM records WHERE analysis_id = $1 ORDER BY created_at, id`,
		analysisID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		var r model.Record
		if err := rows.Scan(&r.ID, &r.AnalysisID, &r.ProductID, &r.WarehouseID, &r.UPC, &r.Location, &r.Payload, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list records iterate")
}

const pgConflictColumns = `id, organization_id, analysis_id, type, natural_key, upc, product_id,
	related_product_ids::text, related_upcs::text, locations::text, warehouses::text, severity, priority, cost_impact,
	status, assigned_to, assigned_at, resolved_by, resolved_at, resolution, resolution_notes,
	explanation, created_at, updated_at`

func (s *PostgresStore) FindConflictByNaturalKey(ctx context.Context, orgID, naturalKey string) (*model.Conflict, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgConflictColumns+` FROM conflicts WHERE organization_id = $1 AND natural_key = $2`,
		orgID, naturalKey,
	)
	c, err := scanConflict(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find conflict by natural key")
	}
	return c, nil
}

func (s *PostgresStore) FindConflictByID(ctx context.Context, orgID, conflictID string) (*model.Conflict, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgConflictColumns+` FROM conflicts WHERE organization_id = $1 AND id = $2`,
		orgID, conflictID,
	)
	c, err := scanConflict(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, resilience.NewNotFound("conflict", conflictID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find conflict %s", conflictID)
	}
	return c, nil
}

func (s *PostgresStore) ListConflicts(ctx context.Context, orgID string, filter ConflictFilter) ([]model.Conflict, error) {
	query := `SELECT ` + pgConflictColumns + ` FROM conflicts WHERE organization_id = $1`
	args := []any{orgID}
	n := 1

	next := func(clause string, arg any) {
		n++
		query += clause + "$" + strconv.Itoa(n)
		args = append(args, arg)
	}
	if filter.AnalysisID != "" {
		next(` AND analysis_id = `, filter.AnalysisID)
	}
	if filter.Status != "" {
		next(` AND status = `, string(filter.Status))
	}
	if filter.Type != "" {
		next(` AND type = `, string(filter.Type))
	}
	if filter.AssignedTo != "" {
		next(` AND assigned_to = `, filter.AssignedTo)
	}
	query += ` ORDER BY natural_key`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	next(` LIMIT `, limit)
	if filter.Offset > 0 {
		next(` OFFSET `, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list conflicts")
	}
	defer rows.Close()

	var out []model.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan conflict")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list conflicts iterate")
}

// UpsertConflict is a single INSERT ... ON CONFLICT statement, so the
// per-row write is atomic. Lifecycle columns are never touched on refresh.
func (s *PostgresStore) UpsertConflict(ctx context.Context, c *model.Conflict) (*model.Conflict, error) {
	enc, err := encodeConflictSets(c)
	if err != nil {
		return nil, err
	}

	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := c.Status
	if status == "" {
		status = model.StatusNew
	}
	now := time.Now().UTC()

	row := s.pool.QueryRow(ctx,
		`INSERT INTO conflicts (id, organization_id, analysis_id, type, natural_key, upc, product_id,
			related_product_ids, related_upcs, locations, warehouses, severity, priority, cost_impact,
			status, explanation, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 ON CONFLICT (organization_id, natural_key) DO UPDATE SET
			analysis_id = EXCLUDED.analysis_id,
			related_product_ids = EXCLUDED.related_product_ids,
			related_upcs = EXCLUDED.related_upcs,
			locations = EXCLUDED.locations,
			warehouses = EXCLUDED.warehouses,
			severity = EXCLUDED.severity,
			priority = EXCLUDED.priority,
			cost_impact = EXCLUDED.cost_impact,
			updated_at = EXCLUDED.updated_at
		 WHERE conflicts.status NOT IN ('resolved', 'rejected')
		 RETURNING `+pgConflictColumns,
		id, c.OrganizationID, c.AnalysisID, string(c.Type), c.NaturalKey, c.UPC, c.ProductID,
		enc.relatedProducts, enc.relatedUPCs, enc.locations, enc.warehouses,
		string(c.Severity), string(c.Priority), c.CostImpact.String(),
		string(status), c.Explanation, now, now,
	)

	upserted, err := scanConflict(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// The DO UPDATE guard declined the refresh: the row went terminal
		// between the caller's read and this write. Return it untouched.
		existing, findErr := s.FindConflictByNaturalKey(ctx, c.OrganizationID, c.NaturalKey)
		if findErr != nil {
			return nil, findErr
		}
		if existing == nil {
			return nil, eris.Wrapf(err, "postgres: upsert conflict %s", c.NaturalKey)
		}
		return existing, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: upsert conflict")
	}
	return upserted, nil
}

func (s *PostgresStore) UpdateConflictStatus(ctx context.Context, expected model.ConflictStatus, c *model.Conflict) (*model.Conflict, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE conflicts SET status = $1, assigned_to = $2, assigned_at = $3, resolved_by = $4, resolved_at = $5,
			resolution = $6, resolution_notes = $7, updated_at = $8
		 WHERE id = $9 AND organization_id = $10 AND status = $11`,
		string(c.Status), c.AssignedTo, c.AssignedAt, c.ResolvedBy, c.ResolvedAt,
		string(c.Resolution), c.ResolutionNotes, now,
		c.ID, c.OrganizationID, string(expected),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: update conflict status %s", c.ID)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.FindConflictByID(ctx, c.OrganizationID, c.ID); err != nil {
			return nil, err
		}
		return nil, &resilience.ConcurrentModificationError{ConflictID: c.ID}
	}
	updated := *c
	updated.UpdatedAt = now
	return &updated, nil
}

func (s *PostgresStore) SetConflictExplanation(ctx context.Context, orgID, conflictID, explanation string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conflicts SET explanation = $1, updated_at = $2 WHERE id = $3 AND organization_id = $4`,
		explanation, time.Now().UTC(), conflictID, orgID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set explanation %s", conflictID)
	}
	if tag.RowsAffected() == 0 {
		return resilience.NewNotFound("conflict", conflictID)
	}
	return nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, entry model.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, organization_id, user_id, action, resource_type, resource_id, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.OrganizationID, entry.UserID, entry.Action, entry.ResourceType, entry.ResourceID, entry.Details, entry.CreatedAt,
	)
	return eris.Wrap(err, "postgres: append audit")
}

func (s *PostgresStore) ListAudit(ctx context.Context, orgID, resourceID string) ([]model.AuditEntry, error) {
	query := `SELECT id, organization_id, user_id, action, resource_type, resource_id, details, created_at
		FROM audit_log WHERE organization_id = $1`
	args := []any{orgID}
	if resourceID != "" {
		query += ` AND resource_id = $2`
		args = append(args, resourceID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit")
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.UserID, &e.Action, &e.ResourceType, &e.ResourceID, &e.Details, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit entry")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list audit iterate")
}

package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/partsearch/internal/domain"
	"github.com/oriys/partsearch/internal/logging"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	MaxConns int32  `json:"max_conns" yaml:"max_conns"`
	// TrigramThreshold is the pg_trgm similarity a row needs to become a
	// fuzzy candidate. Candidates are re-scored before they are returned.
	TrigramThreshold float64 `json:"trigram_threshold" yaml:"trigram_threshold"`
}

const defaultTrigramThreshold = 0.3

// Postgres is the durable relational engine. Each batch costs one
// set-membership query plus, outside exact mode, one candidate query.
type Postgres struct {
	pool      *pgxpool.Pool
	threshold float64
	trigram   bool
}

// NewPostgres connects, verifies the connection and ensures the schema.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	p := &Postgres{pool: pool, threshold: cfg.TrigramThreshold}
	if p.threshold <= 0 {
		p.threshold = defaultTrigramThreshold
	}
	if err := p.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scopes (
			scope_id TEXT PRIMARY KEY,
			row_count BIGINT NOT NULL DEFAULT 0,
			loaded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS part_rows (
			scope_id TEXT NOT NULL REFERENCES scopes(scope_id) ON DELETE CASCADE,
			row_id BIGINT NOT NULL,
			part_number TEXT NOT NULL,
			part_key TEXT NOT NULL,
			item_description TEXT NOT NULL DEFAULT '',
			company_name TEXT NOT NULL DEFAULT '',
			contact_details TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			uqc TEXT NOT NULL DEFAULT '',
			secondary_buyer TEXT NOT NULL DEFAULT '',
			secondary_buyer_contact TEXT NOT NULL DEFAULT '',
			secondary_buyer_email TEXT NOT NULL DEFAULT '',
			quantity BIGINT NOT NULL DEFAULT 0,
			unit_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			PRIMARY KEY (scope_id, row_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_part_rows_key ON part_rows(scope_id, part_key)`,
		`CREATE INDEX IF NOT EXISTS idx_part_rows_key_prefix ON part_rows(scope_id, part_key text_pattern_ops)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}

	// Fuzzy candidates need pg_trgm. Without it, hybrid still gets prefix
	// candidates and fuzzy mode degrades to exact matches.
	trgm := []string{
		`CREATE EXTENSION IF NOT EXISTS pg_trgm`,
		`CREATE INDEX IF NOT EXISTS idx_part_rows_key_trgm ON part_rows USING gin (part_key gin_trgm_ops)`,
	}
	for _, stmt := range trgm {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			logging.Op().Warn("pg_trgm unavailable, fuzzy candidates disabled", "error", err)
			return nil
		}
	}
	p.trigram = true
	return nil
}

func (p *Postgres) Name() string { return NamePostgres }

func (p *Postgres) BulkLookup(ctx context.Context, batch domain.Batch, q domain.Query) (domain.BulkResult, error) {
	ki := newKeyIndex(batch.Keys)
	c := newCollector(q, NamePostgres)
	if len(ki.lookup) == 0 {
		return c.result(batch.Keys), nil
	}

	exactSQL := `SELECT part_key, ` + selectColumns("") + `
		FROM part_rows WHERE scope_id = $1 AND part_key = ANY($2)`
	if err := p.collect(ctx, c, ki, exactSQL, q.Scope, ki.lookup); err != nil {
		return nil, err
	}

	prefix := q.Mode == domain.ModeHybrid
	fuzzy := q.Mode != domain.ModeExact && p.trigram
	if prefix || fuzzy {
		sql := candidateSQL(fuzzy)
		args := []any{q.Scope, ki.lookup, prefix, candidateCap(q.Limit)}
		if fuzzy {
			args = append(args, p.threshold)
		}
		if err := p.collect(ctx, c, ki, sql, args...); err != nil {
			return nil, err
		}
	}
	return c.result(batch.Keys), nil
}

// candidateSQL joins every lookup key against the scope's rows in one
// statement and keeps the best candidates per key.
func candidateSQL(fuzzy bool) string {
	match := `(p.part_key LIKE k.lk || '%' AND $3)`
	order := `p.unit_price ASC, p.row_id`
	if fuzzy {
		match = `(` + match + ` OR similarity(p.part_key, k.lk) >= $5)`
		order = `similarity(p.part_key, k.lk) DESC, ` + order
	}
	return `SELECT lk, ` + selectColumns("c") + ` FROM (
		SELECT k.lk, p.*, row_number() OVER (PARTITION BY k.lk ORDER BY ` + order + `) AS rn
		FROM unnest($2::text[]) AS k(lk)
		JOIN part_rows p ON p.scope_id = $1 AND p.part_key <> k.lk AND ` + match + `
	) c WHERE c.rn <= $4`
}

func (p *Postgres) collect(ctx context.Context, c *collector, ki keyIndex, sql string, args ...any) error {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return classifyPgError(ctx, err)
	}
	defer rows.Close()
	for rows.Next() {
		var lookupKey string
		row, err := scanRow(rows, &lookupKey)
		if err != nil {
			return classifyPgError(ctx, err)
		}
		c.add(ki, lookupKey, row)
	}
	if err := rows.Err(); err != nil {
		return classifyPgError(ctx, err)
	}
	return nil
}

// Load replaces the scope's rows in one transaction using COPY.
func (p *Postgres) Load(ctx context.Context, scope string, rows []domain.Row) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return classifyPgError(ctx, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO scopes (scope_id, row_count, loaded_at) VALUES ($1, $2, $3)
		ON CONFLICT (scope_id) DO UPDATE SET row_count = EXCLUDED.row_count, loaded_at = EXCLUDED.loaded_at`,
		scope, len(rows), time.Now()); err != nil {
		return fmt.Errorf("upsert scope %s: %w", scope, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM part_rows WHERE scope_id = $1`, scope); err != nil {
		return fmt.Errorf("clear scope %s: %w", scope, err)
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{"part_rows"}, loadColumns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			return rowValues(scope, rows[i]), nil
		}))
	if err != nil {
		return fmt.Errorf("copy rows for scope %s: %w", scope, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit scope %s: %w", scope, err)
	}
	logging.Op().Info("postgres scope loaded", "scope", scope, "rows", n)
	return nil
}

// HasScope reports whether the scope was ever loaded.
func (p *Postgres) HasScope(ctx context.Context, scope string) (bool, error) {
	var ok bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM scopes WHERE scope_id = $1)`, scope).Scan(&ok)
	if err != nil {
		return false, classifyPgError(ctx, err)
	}
	return ok, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	if p.pool == nil {
		return Unavailable(NamePostgres, errors.New("postgres not initialized"))
	}
	if err := p.pool.Ping(ctx); err != nil {
		return classifyPgError(ctx, err)
	}
	return nil
}

func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

// classifyPgError maps driver failures onto backend kinds: connection
// problems are unavailability, cancellations are timeouts and the rest
// are query errors.
func classifyPgError(ctx context.Context, err error) error {
	if terr := classifyContext(ctx, NamePostgres, err); terr != nil {
		return terr
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "57014": // query_canceled
			return Timeout(NamePostgres, err)
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08", // connection_exception
			pgErr.Code == "53300", // too_many_connections
			pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
			return Unavailable(NamePostgres, err)
		default:
			return QueryFailed(NamePostgres, err)
		}
	}
	if pgconn.Timeout(err) {
		return Timeout(NamePostgres, err)
	}
	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || errors.As(err, &netErr) {
		return Unavailable(NamePostgres, err)
	}
	return QueryFailed(NamePostgres, err)
}

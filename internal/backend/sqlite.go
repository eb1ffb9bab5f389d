package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/oriys/partsearch/internal/domain"
	"github.com/oriys/partsearch/internal/logging"
)

// SQLiteConfig holds SQLite settings.
type SQLiteConfig struct {
	Path string `json:"path" yaml:"path"`
}

// sqliteChunk bounds the keys per statement so the candidate query, which
// binds three values per key, stays under SQLITE_MAX_VARIABLE_NUMBER (999
// on older builds).
const sqliteChunk = 300

// SQLite is the embedded relational engine for single-node deployments.
// It keeps the same single-statement-per-batch discipline as Postgres.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens the database and ensures the schema.
func NewSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := cfg.Path
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	if strings.HasPrefix(cfg.Path, ":memory:") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scopes (
		scope_id  TEXT PRIMARY KEY,
		row_count INTEGER NOT NULL DEFAULT 0,
		loaded_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS part_rows (
		scope_id                TEXT NOT NULL,
		row_id                  INTEGER NOT NULL,
		part_number             TEXT NOT NULL,
		part_key                TEXT NOT NULL,
		item_description        TEXT NOT NULL DEFAULT '',
		company_name            TEXT NOT NULL DEFAULT '',
		contact_details         TEXT NOT NULL DEFAULT '',
		email                   TEXT NOT NULL DEFAULT '',
		uqc                     TEXT NOT NULL DEFAULT '',
		secondary_buyer         TEXT NOT NULL DEFAULT '',
		secondary_buyer_contact TEXT NOT NULL DEFAULT '',
		secondary_buyer_email   TEXT NOT NULL DEFAULT '',
		quantity                INTEGER NOT NULL DEFAULT 0,
		unit_price              REAL NOT NULL DEFAULT 0,

		PRIMARY KEY (scope_id, row_id),
		FOREIGN KEY (scope_id) REFERENCES scopes(scope_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_part_rows_key ON part_rows(scope_id, part_key);
	CREATE INDEX IF NOT EXISTS idx_part_rows_len ON part_rows(scope_id, length(part_key));
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) Name() string { return NameSQLite }

func (s *SQLite) BulkLookup(ctx context.Context, batch domain.Batch, q domain.Query) (domain.BulkResult, error) {
	ki := newKeyIndex(batch.Keys)
	c := newCollector(q, NameSQLite)

	for start := 0; start < len(ki.lookup); start += sqliteChunk {
		chunk := ki.lookup[start:min(start+sqliteChunk, len(ki.lookup))]

		query := `SELECT part_key, ` + selectColumns("") + ` FROM part_rows
			WHERE scope_id = ? AND part_key IN (` + placeholders(len(chunk)) + `)`
		args := append([]any{q.Scope}, stringArgs(chunk)...)
		if err := s.collect(ctx, c, ki, query, args...); err != nil {
			return nil, err
		}

		prefix := q.Mode == domain.ModeHybrid
		fuzzy := q.Mode != domain.ModeExact
		if !prefix && !fuzzy {
			continue
		}
		query, args = sqliteCandidateQuery(chunk, q, prefix, fuzzy)
		if err := s.collect(ctx, c, ki, query, args...); err != nil {
			return nil, err
		}
	}
	return c.result(batch.Keys), nil
}

// sqliteCandidateQuery builds one statement for all keys of a chunk.
// Fuzzy candidates are rows inside the key's edit-distance length band that
// share its first or last two characters; they are re-scored in Go.
func sqliteCandidateQuery(keys []string, q domain.Query, prefix, fuzzy bool) (string, []any) {
	var values strings.Builder
	args := make([]any, 0, len(keys)*3+4)
	for i, k := range keys {
		if i > 0 {
			values.WriteString(", ")
		}
		values.WriteString("(?, ?, ?)")
		n := len([]rune(k))
		band := domain.MaxEditDistance(n, n, q.MinSimilarity)
		args = append(args, k, max(1, n-band), n+band)
	}
	args = append(args, q.Scope, prefix, fuzzy, candidateCap(q.Limit))

	query := `WITH k(lk, lo, hi) AS (VALUES ` + values.String() + `)
		SELECT lk, ` + selectColumns("c") + ` FROM (
			SELECT k.lk, p.*, row_number() OVER (
				PARTITION BY k.lk ORDER BY p.unit_price ASC, p.row_id
			) AS rn
			FROM k JOIN part_rows p ON p.scope_id = ? AND p.part_key <> k.lk AND (
				(? AND substr(p.part_key, 1, length(k.lk)) = k.lk)
				OR (? AND length(p.part_key) BETWEEN k.lo AND k.hi
					AND (substr(p.part_key, 1, 2) = substr(k.lk, 1, 2)
						OR substr(p.part_key, -2) = substr(k.lk, -2)))
			)
		) c WHERE c.rn <= ?`
	return query, args
}

func (s *SQLite) collect(ctx context.Context, c *collector, ki keyIndex, query string, args ...any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return classifySQLiteError(ctx, err)
	}
	defer rows.Close()
	for rows.Next() {
		var lookupKey string
		row, err := scanRow(rows, &lookupKey)
		if err != nil {
			return classifySQLiteError(ctx, err)
		}
		c.add(ki, lookupKey, row)
	}
	if err := rows.Err(); err != nil {
		return classifySQLiteError(ctx, err)
	}
	return nil
}

// Load replaces the scope's rows atomically.
func (s *SQLite) Load(ctx context.Context, scope string, rows []domain.Row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLiteError(ctx, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO scopes (scope_id, row_count, loaded_at) VALUES (?, ?, ?)
		ON CONFLICT(scope_id) DO UPDATE SET row_count = excluded.row_count, loaded_at = excluded.loaded_at`,
		scope, len(rows), time.Now().Unix()); err != nil {
		return fmt.Errorf("upsert scope %s: %w", scope, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM part_rows WHERE scope_id = ?`, scope); err != nil {
		return fmt.Errorf("clear scope %s: %w", scope, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO part_rows (`+strings.Join(loadColumns, ", ")+`)
		VALUES (`+placeholders(len(loadColumns))+`)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, rowValues(scope, r)...); err != nil {
			return fmt.Errorf("insert row %d: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit scope %s: %w", scope, err)
	}
	logging.Op().Info("sqlite scope loaded", "scope", scope, "rows", len(rows))
	return nil
}

// HasScope reports whether the scope was ever loaded.
func (s *SQLite) HasScope(ctx context.Context, scope string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM scopes WHERE scope_id = ?`, scope).Scan(&n)
	if err != nil {
		return false, classifySQLiteError(ctx, err)
	}
	return n > 0, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classifySQLiteError(ctx, err)
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func classifySQLiteError(ctx context.Context, err error) error {
	if terr := classifyContext(ctx, NameSQLite, err); terr != nil {
		return terr
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return Timeout(NameSQLite, err)
		case sqlite3.ErrCantOpen, sqlite3.ErrIoErr, sqlite3.ErrCorrupt, sqlite3.ErrNotADB, sqlite3.ErrFull:
			return Unavailable(NameSQLite, err)
		}
		return QueryFailed(NameSQLite, err)
	}
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		return Unavailable(NameSQLite, err)
	}
	return QueryFailed(NameSQLite, err)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func stringArgs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchemaVersion = 1

// sqliteTime is fixed width so text order matches time order.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
    id              TEXT PRIMARY KEY,
    language        TEXT NOT NULL,
    policy          TEXT NOT NULL DEFAULT '',
    code_hash       TEXT NOT NULL DEFAULT '',
    state           TEXT NOT NULL
                    CHECK(state IN ('completed','failed','timed_out','cancelled')),
    success         INTEGER NOT NULL DEFAULT 0,
    exit_code       INTEGER NOT NULL DEFAULT 0,
    stdout          TEXT NOT NULL DEFAULT '',
    stderr          TEXT NOT NULL DEFAULT '',
    duration_ms     INTEGER NOT NULL DEFAULT 0,
    memory_used_mb  REAL NOT NULL DEFAULT 0,
    violation_count INTEGER NOT NULL DEFAULT 0,
    error           TEXT NOT NULL DEFAULT '',
    request_ip      TEXT NOT NULL DEFAULT '',
    created_at      TEXT NOT NULL,
    completed_at    TEXT
);

CREATE INDEX IF NOT EXISTS idx_executions_created ON executions(created_at DESC);

CREATE TABLE IF NOT EXISTS violations (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
    type         TEXT NOT NULL,
    severity     TEXT NOT NULL,
    message      TEXT NOT NULL,
    line         INTEGER NOT NULL DEFAULT 0,
    pattern      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_violations_execution ON violations(execution_id);
`

// SQLiteStore keeps the audit log in a SQLite file, for single-node setups.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens a database at dbPath and runs migrations.
// Use ":memory:" for an in-memory database.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite serializes writers; one connection also keeps ":memory:" a
	// single database.
	db.SetMaxOpenConns(1)

	if err := runSQLiteMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func runSQLiteMigrations(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return err
	}

	var current int
	if err := db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&current); err != nil {
		current = 0
	}
	if current >= sqliteSchemaVersion {
		return nil
	}
	if _, err := db.Exec(sqliteSchemaV1); err != nil {
		return err
	}
	_, err := db.Exec(`
		DELETE FROM schema_version;
		INSERT INTO schema_version (version) VALUES (?);
	`, sqliteSchemaVersion)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Healthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

func (s *SQLiteStore) LogExecution(ctx context.Context, exec *Execution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var completed any
	if exec.CompletedAt != nil {
		completed = exec.CompletedAt.UTC().Format(sqliteTime)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (id, language, policy, code_hash, state, success,
			exit_code, stdout, stderr, duration_ms, memory_used_mb, violation_count,
			error, request_ip, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.Language, exec.Policy, exec.CodeHash, exec.State, exec.Success,
		exec.ExitCode, exec.Stdout, exec.Stderr, exec.DurationMS, exec.MemoryUsedMB,
		exec.ViolationCount, exec.Error, exec.RequestIP,
		exec.CreatedAt.UTC().Format(sqliteTime), completed,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}

	for _, v := range exec.Violations {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO violations (execution_id, type, severity, message, line, pattern)
			VALUES (?, ?, ?, ?, ?, ?)`,
			exec.ID, v.Type, v.Severity, v.Message, v.Line, v.Pattern,
		); err != nil {
			return fmt.Errorf("inserting violation: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, language, policy, code_hash, state, success, exit_code, stdout, stderr,
			duration_ms, memory_used_mb, violation_count, error, request_ip,
			created_at, completed_at
		FROM executions WHERE id = ?`, id)

	var (
		exec      Execution
		created   string
		completed sql.NullString
	)
	err := row.Scan(
		&exec.ID, &exec.Language, &exec.Policy, &exec.CodeHash, &exec.State, &exec.Success,
		&exec.ExitCode, &exec.Stdout, &exec.Stderr, &exec.DurationMS, &exec.MemoryUsedMB,
		&exec.ViolationCount, &exec.Error, &exec.RequestIP, &created, &completed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}
	if err := exec.setTimes(created, completed); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, type, severity, message, line, pattern
		FROM violations WHERE execution_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("querying violations for %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var v Violation
		if err := rows.Scan(&v.ExecutionID, &v.Type, &v.Severity, &v.Message, &v.Line, &v.Pattern); err != nil {
			return nil, fmt.Errorf("scanning violation: %w", err)
		}
		exec.Violations = append(exec.Violations, v)
	}
	return &exec, rows.Err()
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, language, policy, code_hash, state, success, exit_code,
			duration_ms, memory_used_mb, violation_count, created_at, completed_at
		FROM executions
		WHERE (? = '' OR language = ?)
		  AND (? = '' OR state = ?)
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`,
		filter.Language, filter.Language, filter.State, filter.State, filter.limit(), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	results := []Execution{}
	for rows.Next() {
		var (
			exec      Execution
			created   string
			completed sql.NullString
		)
		if err := rows.Scan(
			&exec.ID, &exec.Language, &exec.Policy, &exec.CodeHash, &exec.State,
			&exec.Success, &exec.ExitCode, &exec.DurationMS, &exec.MemoryUsedMB,
			&exec.ViolationCount, &created, &completed,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		if err := exec.setTimes(created, completed); err != nil {
			return nil, err
		}
		results = append(results, exec)
	}
	return results, rows.Err()
}

func (e *Execution) setTimes(created string, completed sql.NullString) error {
	t, err := time.Parse(sqliteTime, created)
	if err != nil {
		return fmt.Errorf("parsing created_at for %s: %w", e.ID, err)
	}
	e.CreatedAt = t
	if completed.Valid {
		c, err := time.Parse(sqliteTime, completed.String)
		if err != nil {
			return fmt.Errorf("parsing completed_at for %s: %w", e.ID, err)
		}
		e.CompletedAt = &c
	}
	return nil
}

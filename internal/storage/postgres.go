package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"polyglot-sandbox/internal/config"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS executions (
	id              TEXT PRIMARY KEY,
	language        TEXT NOT NULL,
	policy          TEXT NOT NULL DEFAULT '',
	code_hash       TEXT NOT NULL DEFAULT '',
	state           TEXT NOT NULL,
	success         BOOLEAN NOT NULL DEFAULT FALSE,
	exit_code       INTEGER NOT NULL DEFAULT 0,
	stdout          TEXT NOT NULL DEFAULT '',
	stderr          TEXT NOT NULL DEFAULT '',
	duration_ms     BIGINT NOT NULL DEFAULT 0,
	memory_used_mb  DOUBLE PRECISION NOT NULL DEFAULT 0,
	violation_count INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT '',
	request_ip      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	completed_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_executions_created ON executions (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_executions_language ON executions (language);

CREATE TABLE IF NOT EXISTS violations (
	id           BIGSERIAL PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
	type         TEXT NOT NULL,
	severity     TEXT NOT NULL,
	message      TEXT NOT NULL,
	line         INTEGER NOT NULL DEFAULT 0,
	pattern      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_violations_execution ON violations (execution_id);
`

// PostgresStore keeps the audit log in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a connection pool and applies the schema.
func NewPostgres(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	pcfg.MaxConns = 25
	if cfg.MaxOpenConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	pcfg.MinConns = 2
	if cfg.MaxIdleConns > 0 && int32(cfg.MaxIdleConns) < pcfg.MaxConns {
		pcfg.MinConns = int32(cfg.MaxIdleConns)
	}
	pcfg.MaxConnLifetime = 5 * time.Minute
	if cfg.ConnMaxLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pcfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &PostgresStore{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Healthy checks database connectivity.
func (s *PostgresStore) Healthy(ctx context.Context) bool {
	return s.pool.Ping(ctx) == nil
}

// LogExecution inserts an execution and its violations in one transaction.
func (s *PostgresStore) LogExecution(ctx context.Context, exec *Execution) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO executions (id, language, policy, code_hash, state, success,
				exit_code, stdout, stderr, duration_ms, memory_used_mb, violation_count,
				error, request_ip, created_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			exec.ID, exec.Language, exec.Policy, exec.CodeHash, exec.State, exec.Success,
			exec.ExitCode, exec.Stdout, exec.Stderr, exec.DurationMS, exec.MemoryUsedMB,
			exec.ViolationCount, exec.Error, exec.RequestIP, exec.CreatedAt, exec.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting execution: %w", err)
		}
		if len(exec.Violations) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for _, v := range exec.Violations {
			batch.Queue(`
				INSERT INTO violations (execution_id, type, severity, message, line, pattern)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				exec.ID, v.Type, v.Severity, v.Message, v.Line, v.Pattern,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("inserting violations: %w", err)
		}
		return nil
	})
}

// GetExecution retrieves a single execution with its violations.
func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	var exec Execution
	err := s.pool.QueryRow(ctx, `
		SELECT id, language, policy, code_hash, state, success, exit_code, stdout, stderr,
			duration_ms, memory_used_mb, violation_count, error, request_ip,
			created_at, completed_at
		FROM executions WHERE id = $1`, id).Scan(
		&exec.ID, &exec.Language, &exec.Policy, &exec.CodeHash, &exec.State, &exec.Success,
		&exec.ExitCode, &exec.Stdout, &exec.Stderr, &exec.DurationMS, &exec.MemoryUsedMB,
		&exec.ViolationCount, &exec.Error, &exec.RequestIP, &exec.CreatedAt, &exec.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT execution_id, type, severity, message, line, pattern
		FROM violations WHERE execution_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("querying violations for %s: %w", id, err)
	}
	exec.Violations, err = pgx.CollectRows(rows, pgx.RowToStructByPos[Violation])
	if err != nil {
		return nil, fmt.Errorf("scanning violations for %s: %w", id, err)
	}
	return &exec, nil
}

// ListExecutions queries executions with optional filters, newest first.
func (s *PostgresStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, language, policy, code_hash, state, success, exit_code,
			duration_ms, memory_used_mb, violation_count, created_at, completed_at
		FROM executions
		WHERE ($1 = '' OR language = $1)
		  AND ($2 = '' OR state = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`,
		filter.Language, filter.State, filter.limit(), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	results := []Execution{}
	for rows.Next() {
		var exec Execution
		if err := rows.Scan(
			&exec.ID, &exec.Language, &exec.Policy, &exec.CodeHash, &exec.State,
			&exec.Success, &exec.ExitCode, &exec.DurationMS, &exec.MemoryUsedMB,
			&exec.ViolationCount, &exec.CreatedAt, &exec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, exec)
	}

	return results, rows.Err()
}

// Package storage persists the execution audit log to PostgreSQL or SQLite.
package storage

import (
	"context"
	"fmt"
	"strings"

	"polyglot-sandbox/internal/config"
)

// Store is an execution audit log.
type Store interface {
	LogExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error)
	Healthy(ctx context.Context) bool
	Close() error
}

// Open connects to the store named by cfg.DSN: postgres:// and
// postgresql:// URLs use PostgreSQL, sqlite:// URLs and ":memory:" use SQLite.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	dsn := cfg.DSN
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		s, err := NewPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case strings.HasPrefix(dsn, "sqlite://"), dsn == ":memory:":
		s, err := OpenSQLite(strings.TrimPrefix(dsn, "sqlite://"))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported database DSN scheme in %q", redact(dsn))
	}
}

// redact hides everything after the scheme so credentials never reach logs.
func redact(dsn string) string {
	if scheme, _, ok := strings.Cut(dsn, "://"); ok {
		return scheme + "://..."
	}
	return "..."
}

// Package postgres indexes archived snapshots in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crudivore/internal/snapshot"
)

const defaultTable = "snapshots"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for index rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// SnapshotIndex writes one row per archived snapshot.
type SnapshotIndex struct {
	pool  execCloser
	table string
	query string
}

// NewSnapshotIndex connects to Postgres using cfg.
func NewSnapshotIndex(ctx context.Context, cfg Config) (*SnapshotIndex, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("snapshot.index.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	idx, err := NewSnapshotIndexWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return idx, nil
}

// NewSnapshotIndexWithPool constructs an index from an existing pool.
func NewSnapshotIndexWithPool(pool execCloser, table string) (*SnapshotIndex, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	target,
	target_hash,
	content_hash,
	blob_uri,
	status_code,
	headers,
	archived_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7
)`, table)
	return &SnapshotIndex{pool: pool, table: table, query: query}, nil
}

// Record inserts an index row for event.
func (s *SnapshotIndex) Record(ctx context.Context, event snapshot.Event) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("snapshot index is not configured")
	}
	if event.URI == "" {
		return fmt.Errorf("blob uri is required")
	}
	headers := event.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	args := []any{
		event.Target,
		event.TargetHash,
		event.ContentHash,
		event.URI,
		event.Status,
		headersJSON,
		event.ArchivedAt,
	}
	if _, err := s.pool.Exec(ctx, s.query, args...); err != nil {
		return fmt.Errorf("insert snapshot row: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *SnapshotIndex) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Package postgres registers the "postgres" storage backend on pgx/v5.
// Batches are written with COPY inside a transaction.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/JonMunkholm/wtkpipe/internal/schema"
	"github.com/JonMunkholm/wtkpipe/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func init() {
	storage.Register("postgres", Open)
}

// Store implements storage.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects a pool and verifies it with a ping.
func Open(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// EnsureTable implements storage.Store.
func (s *Store) EnsureTable(ctx context.Context, t schema.Table) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, CreateTableSQL(t)); err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}
	return nil
}

// InsertBatch implements storage.Store with COPY FROM inside a
// transaction, so a failure leaves none of the batch behind.
func (s *Store) InsertBatch(ctx context.Context, table string, cols []schema.Column, rows [][]string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	values := make([][]any, len(rows))
	for i, row := range rows {
		v, err := rowValues(cols, row)
		if err != nil {
			return 0, fmt.Errorf("row %d: %w", i+1, err)
		}
		values[i] = v
	}

	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	n, err := tx.CopyFrom(ctx, pgx.Identifier{table}, names, pgx.CopyFromRows(values))
	if err != nil {
		return 0, fmt.Errorf("copy into %s: %w", table, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// CountRows implements storage.Store.
func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	sql := "SELECT COUNT(*) FROM " + pgx.Identifier{table}.Sanitize()
	if err := s.pool.QueryRow(ctx, sql).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func pgIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func typeName(t schema.ColumnType) string {
	switch t {
	case schema.Integer:
		return "BIGINT"
	case schema.Real:
		return "DOUBLE PRECISION"
	default:
		return "TEXT"
	}
}

// CreateTableSQL returns the idempotent DDL for t.
func CreateTableSQL(t schema.Table) string {
	defs := make([]string, 0, len(t.Columns)+1)
	defs = append(defs, pgIdent(schema.IDColumn)+" BIGSERIAL PRIMARY KEY")
	for _, c := range t.Columns {
		defs = append(defs, pgIdent(c.Name)+" "+typeName(c.Type))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", pgIdent(t.Name), strings.Join(defs, ", "))
}

var _ storage.Store = (*Store)(nil)

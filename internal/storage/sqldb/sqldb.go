// Package sqldb is the database/sql implementation of storage.Store shared
// by the SQLite, MySQL and SQL Server backends. A Dialect supplies the
// engine-specific quoting, placeholders, DDL and statement size limits.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/JonMunkholm/wtkpipe/internal/schema"
	"github.com/JonMunkholm/wtkpipe/internal/storage"
)

// Dialect describes one SQL engine.
type Dialect struct {
	// Driver is the database/sql driver name.
	Driver string

	// Quote quotes an identifier.
	Quote func(name string) string

	// Placeholder returns the bind marker for the n-th (1-based) argument.
	Placeholder func(n int) string

	// CreateTable returns idempotent DDL for t.
	CreateTable func(t schema.Table) string

	// MaxParams caps bind parameters per statement.
	MaxParams int

	// MaxRows caps rows per VALUES list; zero means no cap.
	MaxRows int
}

// DB implements storage.Store over database/sql.
type DB struct {
	db *sql.DB
	d  Dialect
}

// Open opens and pings a database using d.Driver.
func Open(ctx context.Context, d Dialect, cfg storage.Config) (*DB, error) {
	raw, err := sql.Open(d.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		raw.SetMaxOpenConns(cfg.MaxConns)
		raw.SetMaxIdleConns(cfg.MaxConns)
	}
	if cfg.MaxConnLifetime > 0 {
		raw.SetConnMaxLifetime(cfg.MaxConnLifetime)
	}
	if cfg.MaxConnIdleTime > 0 {
		raw.SetConnMaxIdleTime(cfg.MaxConnIdleTime)
	}

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &DB{db: raw, d: d}, nil
}

// New wraps an already opened handle.
func New(db *sql.DB, d Dialect) *DB {
	return &DB{db: db, d: d}
}

// SQL exposes the underlying handle.
func (s *DB) SQL() *sql.DB { return s.db }

func (s *DB) Close() error { return s.db.Close() }

// EnsureTable implements storage.Store.
func (s *DB) EnsureTable(ctx context.Context, t schema.Table) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.d.CreateTable(t)); err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}
	return nil
}

// InsertBatch implements storage.Store. Rows go out as multi-row INSERT
// statements sized to the dialect's limits, all inside one transaction.
func (s *DB) InsertBatch(ctx context.Context, table string, cols []schema.Column, rows [][]string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cols) == 0 {
		return 0, fmt.Errorf("insert into %s: no columns", table)
	}

	perStmt := rowsPerStatement(len(cols), s.d.MaxParams, s.d.MaxRows)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Full-size statements are prepared once; a short tail gets its own.
	var full *sql.Stmt
	var inserted int64
	for start := 0; start < len(rows); start += perStmt {
		end := min(start+perStmt, len(rows))
		chunk := rows[start:end]

		args := make([]any, 0, len(chunk)*len(cols))
		for i, row := range chunk {
			vals, err := storage.ConvertRow(cols, row)
			if err != nil {
				return 0, fmt.Errorf("row %d: %w", start+i+1, err)
			}
			args = append(args, vals...)
		}

		var res sql.Result
		if len(chunk) == perStmt {
			if full == nil {
				full, err = tx.PrepareContext(ctx, s.insertSQL(table, cols, perStmt))
				if err != nil {
					return 0, fmt.Errorf("prepare insert: %w", err)
				}
				defer full.Close()
			}
			res, err = full.ExecContext(ctx, args...)
		} else {
			res, err = tx.ExecContext(ctx, s.insertSQL(table, cols, len(chunk)), args...)
		}
		if err != nil {
			return 0, fmt.Errorf("insert rows %d-%d: %w", start+1, end, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += n
		} else {
			inserted += int64(len(chunk))
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// CountRows implements storage.Store.
func (s *DB) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+s.d.Quote(table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func (s *DB) insertSQL(table string, cols []schema.Column, rows int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(s.d.Quote(table))
	b.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(s.d.Quote(c.Name))
	}
	b.WriteString(") VALUES ")

	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for i := range cols {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(s.d.Placeholder(n))
			n++
		}
		b.WriteByte(')')
	}
	return b.String()
}

func rowsPerStatement(ncols, maxParams, maxRows int) int {
	n := 1
	if maxParams > 0 {
		n = max(1, maxParams/ncols)
	}
	if maxRows > 0 && n > maxRows {
		n = maxRows
	}
	return n
}

// ColumnDefs renders "<quoted name> <type>" for every column, preceded by
// idDef.
func ColumnDefs(t schema.Table, quote func(string) string, typeName func(schema.ColumnType) string, idDef string) string {
	defs := make([]string, 0, len(t.Columns)+1)
	defs = append(defs, idDef)
	for _, c := range t.Columns {
		defs = append(defs, quote(c.Name)+" "+typeName(c.Type))
	}
	return strings.Join(defs, ", ")
}

var _ storage.Store = (*DB)(nil)

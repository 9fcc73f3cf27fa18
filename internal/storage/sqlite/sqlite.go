// Package sqlite registers the "sqlite" storage backend (pure Go, via
// modernc.org/sqlite). The DSN is a file path or a "file:" URI.
package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/JonMunkholm/wtkpipe/internal/schema"
	"github.com/JonMunkholm/wtkpipe/internal/storage"
	"github.com/JonMunkholm/wtkpipe/internal/storage/sqldb"

	_ "modernc.org/sqlite"
)

func init() {
	storage.Register("sqlite", Open)
}

// Dialect is the SQLite dialect.
var Dialect = sqldb.Dialect{
	Driver:      "sqlite",
	Quote:       sqlIdent,
	Placeholder: func(int) string { return "?" },
	CreateTable: createTable,
	MaxParams:   32766,
}

// Open opens a SQLite database. A single connection is used: SQLite
// serializes writers anyway and one connection keeps in-memory databases
// consistent.
func Open(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	cfg.MaxConns = 1
	return sqldb.Open(ctx, Dialect, cfg)
}

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func typeName(t schema.ColumnType) string {
	switch t {
	case schema.Integer:
		return "INTEGER"
	case schema.Real:
		return "REAL"
	default:
		return "TEXT"
	}
}

func createTable(t schema.Table) string {
	id := sqlIdent(schema.IDColumn) + " INTEGER PRIMARY KEY AUTOINCREMENT"
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		sqlIdent(t.Name), sqldb.ColumnDefs(t, sqlIdent, typeName, id))
}

// Package mysql registers the "mysql" storage backend using
// github.com/go-sql-driver/mysql. The DSN uses the driver's format, e.g.
// "user:pass@tcp(localhost:3306)/wtk".
package mysql

import (
	"context"
	"fmt"
	"strings"

	"github.com/JonMunkholm/wtkpipe/internal/schema"
	"github.com/JonMunkholm/wtkpipe/internal/storage"
	"github.com/JonMunkholm/wtkpipe/internal/storage/sqldb"

	driver "github.com/go-sql-driver/mysql"
)

func init() {
	storage.Register("mysql", Open)
}

// Dialect is the MySQL dialect.
var Dialect = sqldb.Dialect{
	Driver:      "mysql",
	Quote:       mysqlIdent,
	Placeholder: func(int) string { return "?" },
	CreateTable: createTable,
	MaxParams:   65535,
}

// Open opens a MySQL database. The DSN is validated up front so a typo
// fails with a parse error rather than a connection timeout.
func Open(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	if _, err := driver.ParseDSN(cfg.DSN); err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	return sqldb.Open(ctx, Dialect, cfg)
}

// BuildDSN assembles a DSN from discrete connection settings.
func BuildDSN(host string, port int, user, password, database string) string {
	c := driver.NewConfig()
	c.Net = "tcp"
	c.Addr = fmt.Sprintf("%s:%d", host, port)
	c.User = user
	c.Passwd = password
	c.DBName = database
	return c.FormatDSN()
}

func mysqlIdent(id string) string {
	return "`" + strings.ReplaceAll(id, "`", "``") + "`"
}

func typeName(t schema.ColumnType) string {
	switch t {
	case schema.Integer:
		return "BIGINT"
	case schema.Real:
		return "DOUBLE"
	default:
		return "TEXT"
	}
}

func createTable(t schema.Table) string {
	id := mysqlIdent(schema.IDColumn) + " BIGINT AUTO_INCREMENT PRIMARY KEY"
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
		mysqlIdent(t.Name), sqldb.ColumnDefs(t, mysqlIdent, typeName, id))
}

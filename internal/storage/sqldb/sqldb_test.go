package sqldb

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/JonMunkholm/wtkpipe/internal/schema"
	"github.com/JonMunkholm/wtkpipe/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func quote(s string) string { return `"` + s + `"` }

// tinyDialect forces several statements per batch.
var tinyDialect = Dialect{
	Driver:      "sqlite",
	Quote:       quote,
	Placeholder: func(int) string { return "?" },
	CreateTable: func(t schema.Table) string {
		return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quote(t.Name),
			ColumnDefs(t, quote, func(schema.ColumnType) string { return "" }, `"id" INTEGER PRIMARY KEY AUTOINCREMENT`))
	},
	MaxParams: 6,
}

func TestRowsPerStatement(t *testing.T) {
	assert.Equal(t, 2, rowsPerStatement(3, 6, 0))
	assert.Equal(t, 1, rowsPerStatement(10, 6, 0))
	assert.Equal(t, 1000, rowsPerStatement(2, 2099, 1000))
	assert.Equal(t, 1, rowsPerStatement(3, 0, 0))
}

func TestInsertSQL(t *testing.T) {
	d := &DB{d: Dialect{Quote: quote, Placeholder: func(n int) string { return "@p" + strconv.Itoa(n) }}}
	cols := []schema.Column{{Name: "a"}, {Name: "b"}}
	assert.Equal(t,
		`INSERT INTO "t" ("a", "b") VALUES (@p1, @p2), (@p3, @p4)`,
		d.insertSQL("t", cols, 2))
}

func TestInsertBatchAcrossStatements(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, tinyDialect, storage.Config{DSN: filepath.Join(t.TempDir(), "t.db"), MaxConns: 1})
	require.NoError(t, err)
	defer db.Close()

	tbl := schema.Table{Name: "t", Columns: []schema.Column{
		{Name: "a", Type: schema.Integer},
		{Name: "b", Type: schema.Real},
		{Name: "c", Type: schema.Text},
	}}
	require.NoError(t, db.EnsureTable(ctx, tbl))

	// 5 rows at 2 rows per statement: two full statements and a tail.
	var rows [][]string
	for i := 0; i < 5; i++ {
		rows = append(rows, []string{strconv.Itoa(i), "0.5", strings.Repeat("x", i)})
	}
	n, err := db.InsertBatch(ctx, "t", tbl.Columns, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	count, err := db.CountRows(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	var sum int64
	require.NoError(t, db.SQL().QueryRowContext(ctx, `SELECT SUM("a") FROM "t"`).Scan(&sum))
	assert.Equal(t, int64(10), sum)
}

func TestInsertBatchEmpty(t *testing.T) {
	db := &DB{d: tinyDialect}
	n, err := db.InsertBatch(context.Background(), "t", nil, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// Package loader bulk-loads CSV extracts into a storage.Store.
//
// A table schema is derived from the first file's header and a bounded
// sample of its rows, the table is created when missing, and every row is
// then streamed into it in fixed-size batches. Each batch is one
// transaction: a failed batch is rolled back and aborts the run, batches
// committed before it stay.
//
// Rows whose field count differs from the header are repaired by default
// (truncated or padded with empty strings) and counted in the FileReport.
package loader

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/JonMunkholm/wtkpipe/internal/logging"
	"github.com/JonMunkholm/wtkpipe/internal/metrics"
	"github.com/JonMunkholm/wtkpipe/internal/schema"
	"github.com/JonMunkholm/wtkpipe/internal/storage"
)

const (
	DefaultTable      = "wtk_raw_data"
	DefaultChunkSize  = 5000
	DefaultSampleRows = 200
	DefaultInferRows  = 100
)

// contextCheckInterval is how many rows are read between cancellation checks.
const contextCheckInterval = 1000

// RowPolicy decides what happens to rows whose field count differs from
// the header.
type RowPolicy int

const (
	// RowRepair truncates long rows and pads short ones.
	RowRepair RowPolicy = iota
	// RowReject aborts the file at the first mis-shaped row.
	RowReject
)

func (p RowPolicy) String() string {
	if p == RowReject {
		return "reject"
	}
	return "repair"
}

// ParseRowPolicy accepts "repair" or "reject".
func ParseRowPolicy(s string) (RowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "repair":
		return RowRepair, nil
	case "reject":
		return RowReject, nil
	}
	return RowRepair, fmt.Errorf("unknown row policy %q (want repair or reject)", s)
}

// SchemaPolicy decides how files after the first are checked against the
// table derived from the first file.
type SchemaPolicy int

const (
	// SchemaStrict fails with ErrSchemaMismatch when a file's sanitized
	// header differs from the table's columns.
	SchemaStrict SchemaPolicy = iota
	// SchemaFirstFile skips the check: each file is inserted using its own
	// header and the table keeps the layout of the first file.
	SchemaFirstFile
)

func (p SchemaPolicy) String() string {
	if p == SchemaFirstFile {
		return "first-file"
	}
	return "strict"
}

// ParseSchemaPolicy accepts "strict" or "first-file".
func ParseSchemaPolicy(s string) (SchemaPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return SchemaStrict, nil
	case "first-file", "first_file", "firstfile":
		return SchemaFirstFile, nil
	}
	return SchemaStrict, fmt.Errorf("unknown schema policy %q (want strict or first-file)", s)
}

// Options configures a Loader. Zero values take the defaults.
type Options struct {
	Table      string
	ChunkSize  int
	SampleRows int
	InferRows  int
	Delimiter  rune
	// SkipLines drops raw lines before the header, for extracts that
	// carry metadata lines above it.
	SkipLines    int
	RowPolicy    RowPolicy
	SchemaPolicy SchemaPolicy
}

func (o Options) withDefaults() Options {
	if o.Table == "" {
		o.Table = DefaultTable
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.SampleRows <= 0 {
		o.SampleRows = DefaultSampleRows
	}
	if o.InferRows <= 0 {
		o.InferRows = DefaultInferRows
	}
	if o.Delimiter == 0 {
		o.Delimiter = ','
	}
	if o.SkipLines < 0 {
		o.SkipLines = 0
	}
	return o
}

// FileReport describes one loaded file.
type FileReport struct {
	File      string `json:"file"`
	Table     string `json:"table"`
	Rows      int64  `json:"rows"`
	Truncated int64  `json:"truncated"`
	Padded    int64  `json:"padded"`
	// Batches counts committed batches; BatchSizes lists their sizes.
	Batches    int           `json:"batches"`
	BatchSizes []int         `json:"batch_sizes"`
	Duration   time.Duration `json:"duration"`
}

// RunReport aggregates the files loaded by Run.
type RunReport struct {
	Table     string        `json:"table"`
	Files     []FileReport  `json:"files"`
	Rows      int64         `json:"rows"`
	Truncated int64         `json:"truncated"`
	Padded    int64         `json:"padded"`
	Duration  time.Duration `json:"duration"`
}

func (r *RunReport) add(f FileReport) {
	r.Files = append(r.Files, f)
	r.Rows += f.Rows
	r.Truncated += f.Truncated
	r.Padded += f.Padded
}

// Loader loads files into a single destination table. The first file
// processed fixes the table's schema. A Loader is not safe for concurrent
// use.
type Loader struct {
	store storage.Store
	opts  Options
	table *schema.Table
}

// New returns a Loader writing to store.
func New(store storage.Store, opts Options) *Loader {
	return &Loader{store: store, opts: opts.withDefaults()}
}

// Options returns the effective options.
func (l *Loader) Options() Options { return l.opts }

// Table returns the schema fixed by the first loaded file.
func (l *Loader) Table() (schema.Table, bool) {
	if l.table == nil {
		return schema.Table{}, false
	}
	return *l.table, true
}

// FixRow returns row with exactly headerLen fields: extra fields are
// dropped, missing ones are empty strings.
func FixRow(row []string, headerLen int) []string {
	switch {
	case len(row) > headerLen:
		return row[:headerLen]
	case len(row) < headerLen:
		out := make([]string, headerLen)
		copy(out, row)
		return out
	}
	return row
}

// DeriveSchema pairs each sanitized header name with the type inferred
// from up to DefaultInferRows sample values of that column.
func DeriveSchema(table string, header []string, sample [][]string) schema.Table {
	return deriveSchema(table, header, sample, DefaultInferRows)
}

func deriveSchema(table string, header []string, sample [][]string, inferRows int) schema.Table {
	if inferRows > 0 && len(sample) > inferRows {
		sample = sample[:inferRows]
	}
	cols := make([]schema.Column, len(header))
	values := make([]string, 0, len(sample))
	for i, h := range header {
		values = values[:0]
		for _, row := range sample {
			values = append(values, FixRow(row, len(header))[i])
		}
		cols[i] = schema.Column{
			Name:   schema.SanitizeIdentifier(h),
			Source: h,
			Type:   schema.InferType(values),
		}
	}
	return schema.Table{Name: table, Columns: cols}
}

// EnsureTable creates t when it does not exist.
func (l *Loader) EnsureTable(ctx context.Context, t schema.Table) error {
	if err := l.store.EnsureTable(ctx, t); err != nil {
		return &SchemaCreationError{Table: t.Name, Err: err}
	}
	logging.FromContext(ctx).Info("ensured table exists", "table", t.Name, "columns", len(t.Columns))
	return nil
}

// open returns a CSV reader positioned before the header.
func (l *Loader) open(path string) (*source, *csv.Reader, error) {
	src, err := openSource(path)
	if err != nil {
		return nil, nil, err
	}
	var in io.Reader = src
	if l.opts.SkipLines > 0 {
		br := bufio.NewReader(src)
		for i := 0; i < l.opts.SkipLines; i++ {
			if _, err := br.ReadString('\n'); err != nil {
				break
			}
		}
		in = br
	}
	r := csv.NewReader(in)
	r.Comma = l.opts.Delimiter
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	return src, r, nil
}

// sample reads the header and up to SampleRows normalized rows.
func (l *Loader) sample(path string) ([]string, [][]string, error) {
	src, r, err := l.open(path)
	if err != nil {
		return nil, nil, err
	}
	defer src.Close()

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil, fmt.Errorf("%s: %w", path, ErrEmptyFile)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%s: read header: %w", path, err)
	}

	var rows [][]string
	for len(rows) < l.opts.SampleRows {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%s: read sample: %w", path, err)
		}
		rows = append(rows, FixRow(rec, len(header)))
	}
	return header, rows, nil
}

// prepare fixes the columns path will be inserted with, creating the table
// on the first file.
func (l *Loader) prepare(ctx context.Context, path string) ([]schema.Column, error) {
	header, rows, err := l.sample(path)
	if err != nil {
		return nil, err
	}
	derived := deriveSchema(l.opts.Table, header, rows, l.opts.InferRows)

	if l.table == nil {
		if err := l.EnsureTable(ctx, derived); err != nil {
			return nil, err
		}
		l.table = &derived
		return derived.Columns, nil
	}

	if l.opts.SchemaPolicy == SchemaFirstFile {
		if err := l.EnsureTable(ctx, derived); err != nil {
			return nil, err
		}
		// Bind values with the table's types where names line up.
		known := make(map[string]schema.ColumnType, len(l.table.Columns))
		for _, c := range l.table.Columns {
			known[c.Name] = c.Type
		}
		cols := make([]schema.Column, len(derived.Columns))
		for i, c := range derived.Columns {
			if t, ok := known[c.Name]; ok {
				c.Type = t
			}
			cols[i] = c
		}
		return cols, nil
	}

	if !l.table.SameColumns(derived) {
		return nil, fmt.Errorf("%w: %s has columns %v, table %s has %v",
			ErrSchemaMismatch, path, derived.ColumnNames(), l.table.Name, l.table.ColumnNames())
	}
	return l.table.Columns, nil
}

// LoadFile streams every row of path into the table. The returned report
// is filled in even on error and reflects what was committed.
func (l *Loader) LoadFile(ctx context.Context, path string) (rep FileReport, err error) {
	start := time.Now()
	table := l.opts.Table
	rep = FileReport{File: path, Table: table}
	log := logging.FromContext(ctx).With("file", path, "table", table)
	log.Info("loading CSV")

	defer func() {
		rep.Duration = time.Since(start)
		metrics.RecordRows(table, "loaded", int(rep.Rows))
		metrics.RecordRows(table, "truncated", int(rep.Truncated))
		metrics.RecordRows(table, "padded", int(rep.Padded))
	}()

	cols, err := l.prepare(ctx, path)
	if err != nil {
		return rep, err
	}
	width := len(cols)

	src, r, err := l.open(path)
	if err != nil {
		return rep, err
	}
	defer src.Close()

	if _, err := r.Read(); err != nil {
		return rep, fmt.Errorf("%s: read header: %w", path, err)
	}

	chunk := l.opts.ChunkSize
	batch := make([][]string, 0, chunk)
	firstRow := int64(1)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		bstart := time.Now()
		n, err := l.store.InsertBatch(ctx, table, cols, batch)
		elapsed := time.Since(bstart)
		if err != nil {
			metrics.RecordBatch(table, "error", elapsed)
			log.Error("batch insert failed", "batch", rep.Batches+1, "rows", len(batch), "error", err)
			return &BatchInsertError{File: path, Batch: rep.Batches + 1, FirstRow: firstRow, Rows: len(batch), Err: err}
		}
		metrics.RecordBatch(table, "ok", elapsed)

		rep.Batches++
		rep.BatchSizes = append(rep.BatchSizes, len(batch))
		rep.Rows += n
		firstRow += int64(len(batch))
		log.Info("inserted batch",
			"batch", rep.Batches,
			"rows", len(batch),
			"total", rep.Rows,
			"progress_pct", src.progress.Percent(),
			"duration_ms", elapsed.Milliseconds())
		batch = make([][]string, 0, chunk)
		return nil
	}

	var total int64
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return rep, fmt.Errorf("%s: %w", path, err)
		}
		total++
		if total%contextCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
		}

		if len(rec) != width {
			if l.opts.RowPolicy == RowReject {
				line, _ := r.FieldPos(0)
				return rep, &RowShapeError{File: path, Line: line + l.opts.SkipLines, Got: len(rec), Want: width}
			}
			if len(rec) > width {
				rep.Truncated++
			} else {
				rep.Padded++
			}
			rec = FixRow(rec, width)
		}

		batch = append(batch, rec)
		if len(batch) >= chunk {
			if err := flush(); err != nil {
				return rep, err
			}
		}
	}
	if err := flush(); err != nil {
		return rep, err
	}

	log.Info("row normalization", "total", total, "truncated", rep.Truncated, "padded", rep.Padded)
	log.Info("loaded CSV", "rows", rep.Rows, "batches", rep.Batches, "duration_ms", time.Since(start).Milliseconds())
	return rep, nil
}

// Run loads files in order into the one destination table and stops at
// the first error. The report covers every file attempted.
func (l *Loader) Run(ctx context.Context, files []string) (rep RunReport, err error) {
	start := time.Now()
	rep = RunReport{Table: l.opts.Table}
	defer func() { rep.Duration = time.Since(start) }()

	if len(files) == 0 {
		return rep, ErrNoFiles
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		fr, err := l.LoadFile(ctx, f)
		rep.add(fr)
		if err != nil {
			return rep, err
		}
	}
	logging.FromContext(ctx).Info("load complete",
		"table", rep.Table,
		"files", len(rep.Files),
		"rows", rep.Rows,
		"truncated", rep.Truncated,
		"padded", rep.Padded)
	return rep, nil
}

// FindCSVFiles returns every CSV file under root, compressed or not, in
// lexical order.
func FindCSVFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && IsCSVPath(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find CSV files in %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

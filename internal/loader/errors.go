package loader

import (
	"errors"
	"fmt"
)

var (
	// ErrNoFiles is returned by Run when there is nothing to load.
	ErrNoFiles = errors.New("loader: no CSV files to load")

	// ErrEmptyFile is returned for an input with no header line.
	ErrEmptyFile = errors.New("loader: file has no header")

	// ErrSchemaMismatch is returned under SchemaStrict when a later file's
	// sanitized header differs from the table's columns.
	ErrSchemaMismatch = errors.New("loader: header does not match table schema")
)

// SchemaCreationError reports a failed table creation. It aborts the run.
type SchemaCreationError struct {
	Table string
	Err   error
}

func (e *SchemaCreationError) Error() string {
	return fmt.Sprintf("create table %s: %v", e.Table, e.Err)
}

func (e *SchemaCreationError) Unwrap() error { return e.Err }

// BatchInsertError reports a rolled-back batch. Batches committed before
// it remain in the table.
type BatchInsertError struct {
	File string
	// Batch is the 1-based batch number within File.
	Batch int
	// FirstRow is the 1-based data row number of the batch's first row.
	FirstRow int64
	Rows     int
	Err      error
}

func (e *BatchInsertError) Error() string {
	return fmt.Sprintf("%s: batch %d (rows %d-%d): %v",
		e.File, e.Batch, e.FirstRow, e.FirstRow+int64(e.Rows)-1, e.Err)
}

func (e *BatchInsertError) Unwrap() error { return e.Err }

// RowShapeError is returned under RowReject for a row whose field count
// differs from the header.
type RowShapeError struct {
	File string
	Line int
	Got  int
	Want int
}

func (e *RowShapeError) Error() string {
	return fmt.Sprintf("%s:%d: row has %d fields, header has %d", e.File, e.Line, e.Got, e.Want)
}

// Package schema infers destination table layouts from CSV samples.
//
// A Table is derived once from a file's header and leading rows and is
// never altered afterwards. Column types come from InferType; column names
// come from SanitizeIdentifier.
package schema

import (
	"fmt"
	"strings"
)

// IDColumn is the auto-generated primary key every destination table gets.
const IDColumn = "id"

// Column is one destination column.
type Column struct {
	// Name is the sanitized identifier.
	Name string
	// Source is the header text the column was derived from.
	Source string
	Type   ColumnType
}

// Table is an ordered destination layout.
type Table struct {
	Name    string
	Columns []Column
}

// ColumnNames returns the sanitized names in order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// SameColumns reports whether other has the same column names in the same
// order. Types are not compared: they are inferred per sample and may
// legitimately differ between files feeding one table.
func (t Table) SameColumns(other Table) bool {
	if len(t.Columns) != len(other.Columns) {
		return false
	}
	for i := range t.Columns {
		if t.Columns[i].Name != other.Columns[i].Name {
			return false
		}
	}
	return true
}

// Duplicates lists sanitized names shared by more than one header,
// including collisions with the implicit id column. Names are compared
// case-insensitively since most stores fold column name case.
func (t Table) Duplicates() []string {
	seen := map[string]int{IDColumn: 1}
	var dups []string
	for _, c := range t.Columns {
		k := strings.ToLower(c.Name)
		seen[k]++
		if seen[k] == 2 {
			dups = append(dups, c.Name)
		}
	}
	return dups
}

// Validate checks the table can be created.
func (t Table) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("schema: table name is empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("schema: table %s has no columns", t.Name)
	}
	for i, c := range t.Columns {
		if c.Name == "" {
			return fmt.Errorf("schema: column %d of %s has an empty name (header %q)", i+1, t.Name, c.Source)
		}
	}
	if dups := t.Duplicates(); len(dups) > 0 {
		return fmt.Errorf("schema: table %s has colliding column names %v", t.Name, dups)
	}
	return nil
}

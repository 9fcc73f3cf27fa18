// Package storage abstracts the relational store that CSV rows are loaded
// into.
//
// Backends live in sub-packages and register themselves from init, keyed
// by kind ("postgres", "sqlite", "mysql", "mssql"). Import the backends you
// need for side effects and call Open with the configured kind.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JonMunkholm/wtkpipe/internal/schema"
)

// Store is a destination for bulk loads.
type Store interface {
	// EnsureTable creates the table when it does not exist: an implicit
	// auto-increment primary key plus one column per schema column. An
	// existing table is left untouched.
	EnsureTable(ctx context.Context, t schema.Table) error

	// InsertBatch inserts rows atomically: either every row is committed
	// or none is. Each row has exactly len(cols) fields.
	InsertBatch(ctx context.Context, table string, cols []schema.Column, rows [][]string) (int64, error)

	// CountRows returns the number of rows in table.
	CountRows(ctx context.Context, table string) (int64, error)

	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Kind string
	DSN  string

	// Pool settings; backends ignore what they cannot apply.
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Factory opens a backend.
type Factory func(ctx context.Context, cfg Config) (Store, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a backend available under kind. It panics when kind is
// empty, f is nil or kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// Kinds lists the registered backend kinds.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Open constructs the backend registered under cfg.Kind.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Kind == "" {
		return nil, errors.New("storage: missing Kind")
	}

	mu.RLock()
	f, ok := factories[cfg.Kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: unsupported kind %q (registered: %v)", cfg.Kind, Kinds())
	}

	s, err := f(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", cfg.Kind, err)
	}
	return s, nil
}

// ConvertRow turns raw fields into bind values per column type.
func ConvertRow(cols []schema.Column, row []string) ([]any, error) {
	if len(row) != len(cols) {
		return nil, fmt.Errorf("row has %d fields, want %d", len(row), len(cols))
	}
	out := make([]any, len(cols))
	for i, c := range cols {
		v, err := c.Type.Value(row[i])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		out[i] = v
	}
	return out, nil
}

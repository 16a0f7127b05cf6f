// Package tabularstore is the abstract tabular repository contract:
// schema-defined columns with a declared primary key and a set of
// searchable indexes. Concrete backends (sqlite, postgres) are
// interchangeable.
package tabularstore

import "context"

// Row is one record: column name to opaque value.
type Row map[string]any

// Table describes a tabular repository's shape: its name, declared
// primary-key columns (single or compound), and indexed columns search
// may use.
type Table struct {
	Name       string
	PrimaryKey []string
	Indexes    [][]string
}

// Store is the tabular repository contract.
type Store interface {
	Insert(ctx context.Context, table string, row Row) error
	Upsert(ctx context.Context, table string, row Row) error
	Update(ctx context.Context, table string, pk Row, patch Row) error
	Delete(ctx context.Context, table string, pk Row) error
	Get(ctx context.Context, table string, pk Row) (Row, bool, error)
	// Search returns every row matching partialKey, which must match a
	// declared index (or the primary key) for the backend to use it
	// selectively; backends document per-backend whether an unindexed
	// predicate falls back to a full scan or is rejected.
	Search(ctx context.Context, table string, partialKey Row) ([]Row, error)
	GetAll(ctx context.Context, table string) ([]Row, error)
}

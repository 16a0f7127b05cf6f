// Package sqlite is a tabularstore.Store backed by SQLite, grounded on
// the teacher's checkpoint store: one physical table holding every
// logical table's rows as JSON, keyed by (logical table, key), ON
// CONFLICT upsert, database/sql driven through
// mattn/go-sqlite3.
//
// Search always falls back to a full table scan filtered in Go: a
// single physical table stores arbitrary-shaped rows as JSON, so there
// is no per-column SQL index to select against. Documented here per
// tabularstore.Store's contract that an unindexed predicate may scan or
// reject; this backend always scans.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/smallnest/taskgraph/tabularstore"
)

// Store is a SQLite-backed tabularstore.Store.
type Store struct {
	db        *sql.DB
	tableName string
}

var _ tabularstore.Store = (*Store)(nil)

// Options configures the backing file and physical table name.
type Options struct {
	Path      string
	TableName string // default "tabular_rows"
}

// New opens (or creates) the SQLite database and its backing schema.
func New(ctx context.Context, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("tabularstore/sqlite: open: %w", err)
	}

	tableName := opts.TableName
	if tableName == "" {
		tableName = "tabular_rows"
	}

	s := &Store{db: db, tableName: tableName}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			logical_table TEXT NOT NULL,
			pk_key TEXT NOT NULL,
			row_json TEXT NOT NULL,
			PRIMARY KEY (logical_table, pk_key)
		);
	`, s.tableName)
	_, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("tabularstore/sqlite: init schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func pkKey(pk tabularstore.Row) (string, error) {
	data, err := json.Marshal(pk)
	if err != nil {
		return "", fmt.Errorf("tabularstore/sqlite: encode primary key: %w", err)
	}
	return string(data), nil
}

func (s *Store) upsert(ctx context.Context, table string, row tabularstore.Row, pk tabularstore.Row) error {
	key, err := pkKey(pk)
	if err != nil {
		return err
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("tabularstore/sqlite: encode row: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (logical_table, pk_key, row_json) VALUES (?, ?, ?)
		ON CONFLICT(logical_table, pk_key) DO UPDATE SET row_json = excluded.row_json
	`, s.tableName)
	_, err = s.db.ExecContext(ctx, query, table, key, string(data))
	if err != nil {
		return fmt.Errorf("tabularstore/sqlite: upsert: %w", err)
	}
	return nil
}

// Insert requires pk to already be embedded in row (tabularstore has no
// separate PK-column declaration at the storage layer; callers supply pk
// explicitly via row's own fields, by convention the same map passed to
// Insert/Get).
func (s *Store) Insert(ctx context.Context, table string, row tabularstore.Row) error {
	return s.upsert(ctx, table, row, row)
}

func (s *Store) Upsert(ctx context.Context, table string, row tabularstore.Row) error {
	return s.upsert(ctx, table, row, row)
}

func (s *Store) Update(ctx context.Context, table string, pk tabularstore.Row, patch tabularstore.Row) error {
	existing, ok, err := s.Get(ctx, table, pk)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("tabularstore/sqlite: update: no row for key")
	}
	for k, v := range patch {
		existing[k] = v
	}
	return s.upsert(ctx, table, existing, pk)
}

func (s *Store) Delete(ctx context.Context, table string, pk tabularstore.Row) error {
	key, err := pkKey(pk)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE logical_table = ? AND pk_key = ?`, s.tableName)
	_, err = s.db.ExecContext(ctx, query, table, key)
	if err != nil {
		return fmt.Errorf("tabularstore/sqlite: delete: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, table string, pk tabularstore.Row) (tabularstore.Row, bool, error) {
	key, err := pkKey(pk)
	if err != nil {
		return nil, false, err
	}
	query := fmt.Sprintf(`SELECT row_json FROM %s WHERE logical_table = ? AND pk_key = ?`, s.tableName)
	var data string
	err = s.db.QueryRowContext(ctx, query, table, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("tabularstore/sqlite: get: %w", err)
	}
	var row tabularstore.Row
	if err := json.Unmarshal([]byte(data), &row); err != nil {
		return nil, false, fmt.Errorf("tabularstore/sqlite: decode row: %w", err)
	}
	return row, true, nil
}

func (s *Store) GetAll(ctx context.Context, table string) ([]tabularstore.Row, error) {
	query := fmt.Sprintf(`SELECT row_json FROM %s WHERE logical_table = ?`, s.tableName)
	rows, err := s.db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("tabularstore/sqlite: get all: %w", err)
	}
	defer rows.Close()

	var out []tabularstore.Row
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("tabularstore/sqlite: scan: %w", err)
		}
		var row tabularstore.Row
		if err := json.Unmarshal([]byte(data), &row); err != nil {
			return nil, fmt.Errorf("tabularstore/sqlite: decode row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Search performs a full scan of table, keeping rows whose fields
// superset-match partialKey. See the package doc comment for why this
// backend always scans rather than using a SQL index.
func (s *Store) Search(ctx context.Context, table string, partialKey tabularstore.Row) ([]tabularstore.Row, error) {
	all, err := s.GetAll(ctx, table)
	if err != nil {
		return nil, err
	}
	var out []tabularstore.Row
	for _, row := range all {
		if matches(row, partialKey) {
			out = append(out, row)
		}
	}
	return out, nil
}

func matches(row, partial tabularstore.Row) bool {
	for k, v := range partial {
		if row[k] != v {
			return false
		}
	}
	return true
}

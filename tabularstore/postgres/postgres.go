// Package postgres is a tabularstore.Store backed by Postgres, grounded
// on the teacher's checkpoint store: a mockable DBPool interface (so
// tests inject pgxmock), JSONB row storage, ON CONFLICT upsert. Search
// uses JSONB containment (`row @> $1`), which a GIN index on the row
// column accelerates — the closest Postgres analogue to "use the most
// selective matching index" when the table stores arbitrary-shaped rows
// rather than fixed columns.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallnest/taskgraph/tabularstore"
)

// DBPool is the subset of *pgxpool.Pool this store needs, mockable via
// pashagolub/pgxmock/v3 in tests.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Options configures the connection and physical table name.
type Options struct {
	ConnString string
	TableName  string // default "tabular_rows"
}

// Store is a Postgres-backed tabularstore.Store.
type Store struct {
	pool      DBPool
	tableName string
}

var _ tabularstore.Store = (*Store)(nil)

// New opens a connection pool and ensures the backing schema exists.
func New(ctx context.Context, opts Options) (*Store, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("tabularstore/postgres: connect: %w", err)
	}
	return NewWithPool(ctx, pool, opts.TableName)
}

// NewWithPool builds a Store from an existing pool, useful for tests
// injecting a pgxmock.PgxPoolIface.
func NewWithPool(ctx context.Context, pool DBPool, tableName string) (*Store, error) {
	if tableName == "" {
		tableName = "tabular_rows"
	}
	s := &Store{pool: pool, tableName: tableName}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			logical_table TEXT NOT NULL,
			pk_key TEXT NOT NULL,
			row JSONB NOT NULL,
			PRIMARY KEY (logical_table, pk_key)
		);
		CREATE INDEX IF NOT EXISTS idx_%s_row_gin ON %s USING GIN (row);
	`, s.tableName, s.tableName, s.tableName)
	_, err := s.pool.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("tabularstore/postgres: init schema: %w", err)
	}
	return nil
}

func (s *Store) Close() { s.pool.Close() }

func pkKey(pk tabularstore.Row) (string, error) {
	data, err := json.Marshal(pk)
	if err != nil {
		return "", fmt.Errorf("tabularstore/postgres: encode primary key: %w", err)
	}
	return string(data), nil
}

func (s *Store) upsert(ctx context.Context, table string, row, pk tabularstore.Row) error {
	key, err := pkKey(pk)
	if err != nil {
		return err
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("tabularstore/postgres: encode row: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (logical_table, pk_key, row) VALUES ($1, $2, $3)
		ON CONFLICT (logical_table, pk_key) DO UPDATE SET row = EXCLUDED.row
	`, s.tableName)
	_, err = s.pool.Exec(ctx, query, table, key, data)
	if err != nil {
		return fmt.Errorf("tabularstore/postgres: upsert: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, table string, row tabularstore.Row) error {
	return s.upsert(ctx, table, row, row)
}

func (s *Store) Upsert(ctx context.Context, table string, row tabularstore.Row) error {
	return s.upsert(ctx, table, row, row)
}

func (s *Store) Update(ctx context.Context, table string, pk, patch tabularstore.Row) error {
	existing, ok, err := s.Get(ctx, table, pk)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("tabularstore/postgres: update: no row for key")
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
	query := fmt.Sprintf(`DELETE FROM %s WHERE logical_table = $1 AND pk_key = $2`, s.tableName)
	_, err = s.pool.Exec(ctx, query, table, key)
	if err != nil {
		return fmt.Errorf("tabularstore/postgres: delete: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, table string, pk tabularstore.Row) (tabularstore.Row, bool, error) {
	key, err := pkKey(pk)
	if err != nil {
		return nil, false, err
	}
	query := fmt.Sprintf(`SELECT row FROM %s WHERE logical_table = $1 AND pk_key = $2`, s.tableName)
	var data []byte
	err = s.pool.QueryRow(ctx, query, table, key).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("tabularstore/postgres: get: %w", err)
	}
	var row tabularstore.Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, false, fmt.Errorf("tabularstore/postgres: decode row: %w", err)
	}
	return row, true, nil
}

func (s *Store) GetAll(ctx context.Context, table string) ([]tabularstore.Row, error) {
	query := fmt.Sprintf(`SELECT row FROM %s WHERE logical_table = $1`, s.tableName)
	rows, err := s.pool.Query(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("tabularstore/postgres: get all: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// Search uses JSONB containment against partialKey, accelerated by the
// GIN index on the row column when the planner chooses to use it.
func (s *Store) Search(ctx context.Context, table string, partialKey tabularstore.Row) ([]tabularstore.Row, error) {
	data, err := json.Marshal(partialKey)
	if err != nil {
		return nil, fmt.Errorf("tabularstore/postgres: encode search predicate: %w", err)
	}
	query := fmt.Sprintf(`SELECT row FROM %s WHERE logical_table = $1 AND row @> $2`, s.tableName)
	rows, err := s.pool.Query(ctx, query, table, data)
	if err != nil {
		return nil, fmt.Errorf("tabularstore/postgres: search: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows pgx.Rows) ([]tabularstore.Row, error) {
	var out []tabularstore.Row
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("tabularstore/postgres: scan: %w", err)
		}
		var row tabularstore.Row
		if err := json.Unmarshal(data, &row); err != nil {
			return nil, fmt.Errorf("tabularstore/postgres: decode row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

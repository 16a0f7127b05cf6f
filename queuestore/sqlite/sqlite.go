// Package sqlite is a queuestore.Storage backed by SQLite. SQLite has
// no row-level locking, so LeaseNext runs its select-then-claim inside
// one transaction over a single-connection pool (db.SetMaxOpenConns(1)):
// every writer serializes on that one connection, giving the same
// exclusivity a `BEGIN IMMEDIATE` would, without a nested-transaction
// driver dance. Fine for the single-process durability this backend
// targets; concurrent processes still serialize on the database file's
// own write lock.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/smallnest/taskgraph/jobqueue"
	"github.com/smallnest/taskgraph/queuestore"
)

type Options struct {
	Path      string
	TableName string // default "taskgraph_jobs"
}

type sub struct {
	filter queuestore.Filter
	cb     func(queuestore.Change)
}

// Storage is a SQLite-backed queuestore.Storage.
type Storage struct {
	db        *sql.DB
	tableName string

	subMu     sync.Mutex
	subs      map[int]sub
	nextSubID int
}

var _ queuestore.Storage = (*Storage)(nil)

func New(ctx context.Context, opts Options) (*Storage, error) {
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("queuestore/sqlite: open: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY surprises from
	// BEGIN IMMEDIATE racing against other goroutines on this *sql.DB.
	db.SetMaxOpenConns(1)

	tableName := opts.TableName
	if tableName == "" {
		tableName = "taskgraph_jobs"
	}
	s := &Storage{db: db, tableName: tableName, subs: make(map[int]sub)}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) initSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			queue_name TEXT NOT NULL,
			status TEXT NOT NULL,
			next_run_at TEXT NOT NULL,
			lease_expires_at TEXT NOT NULL,
			record TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%s_due ON %s (queue_name, status, next_run_at);
	`, s.tableName, s.tableName, s.tableName)
	_, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("queuestore/sqlite: init schema: %w", err)
	}
	return nil
}

func (s *Storage) Close() error { return s.db.Close() }

func (s *Storage) notify(kind queuestore.ChangeKind, job *jobqueue.Job) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	change := queuestore.Change{Kind: kind, Job: job}
	for _, sb := range s.subs {
		if sb.filter.Matches(job) {
			sb.cb(change)
		}
	}
}

func timeStr(t time.Time) string { return t.Format(time.RFC3339Nano) }

func (s *Storage) save(ctx context.Context, tx *sql.Tx, job *jobqueue.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queuestore/sqlite: encode job %q: %w", job.ID, err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, queue_name, status, next_run_at, lease_expires_at, record)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			queue_name = excluded.queue_name,
			status = excluded.status,
			next_run_at = excluded.next_run_at,
			lease_expires_at = excluded.lease_expires_at,
			record = excluded.record
	`, s.tableName)
	var execErr error
	if tx != nil {
		_, execErr = tx.ExecContext(ctx, query, job.ID, job.QueueName, string(job.Status), timeStr(job.NextRunAt), timeStr(job.LeaseExpiresAt), string(data))
	} else {
		_, execErr = s.db.ExecContext(ctx, query, job.ID, job.QueueName, string(job.Status), timeStr(job.NextRunAt), timeStr(job.LeaseExpiresAt), string(data))
	}
	err = execErr
	if err != nil {
		return fmt.Errorf("queuestore/sqlite: save job %q: %w", job.ID, err)
	}
	return nil
}

func (s *Storage) Enqueue(ctx context.Context, job *jobqueue.Job) error {
	if err := s.save(ctx, nil, job); err != nil {
		return err
	}
	s.notify(queuestore.ChangeEnqueued, job)
	return nil
}

func scanRecord(row interface{ Scan(...any) error }) (*jobqueue.Job, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		return nil, err
	}
	var job jobqueue.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("queuestore/sqlite: decode job: %w", err)
	}
	return &job, nil
}

func (s *Storage) LeaseNext(ctx context.Context, until time.Time) (*jobqueue.Job, error) {
	// db.SetMaxOpenConns(1) (see New) means this BeginTx already
	// serializes with every other writer on the single shared
	// connection, giving the same exclusivity BEGIN IMMEDIATE would.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queuestore/sqlite: lease: begin: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		SELECT record FROM %s
		WHERE status = ? AND next_run_at <= ?
		ORDER BY next_run_at ASC
		LIMIT 1
	`, s.tableName)
	row := tx.QueryRowContext(ctx, query, string(jobqueue.Pending), timeStr(time.Now()))
	job, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queuestore/sqlite: lease: select: %w", err)
	}

	job.Status = jobqueue.Processing
	job.LeaseExpiresAt = until
	job.UpdatedAt = until
	if err := s.save(ctx, tx, job); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queuestore/sqlite: lease: commit: %w", err)
	}
	s.notify(queuestore.ChangeLeased, job)
	return job, nil
}

func (s *Storage) ReclaimExpiredLeases(ctx context.Context, now time.Time) ([]*jobqueue.Job, error) {
	query := fmt.Sprintf(`SELECT record FROM %s WHERE status = ? AND lease_expires_at < ?`, s.tableName)
	rows, err := s.db.QueryContext(ctx, query, string(jobqueue.Processing), timeStr(now))
	if err != nil {
		return nil, fmt.Errorf("queuestore/sqlite: reclaim: query: %w", err)
	}
	var jobs []*jobqueue.Job
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			rows.Close()
			return nil, fmt.Errorf("queuestore/sqlite: reclaim: scan: %w", err)
		}
		var job jobqueue.Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			rows.Close()
			return nil, fmt.Errorf("queuestore/sqlite: reclaim: decode: %w", err)
		}
		jobs = append(jobs, &job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var reclaimed []*jobqueue.Job
	for _, job := range jobs {
		job.Status = jobqueue.Pending
		job.Attempts++
		job.NextRunAt = now
		job.UpdatedAt = now
		if err := s.save(ctx, nil, job); err != nil {
			return nil, err
		}
		reclaimed = append(reclaimed, job)
		s.notify(queuestore.ChangeEnqueued, job)
	}
	return reclaimed, nil
}

func (s *Storage) loadByID(ctx context.Context, id string) (*jobqueue.Job, error) {
	query := fmt.Sprintf(`SELECT record FROM %s WHERE id = ?`, s.tableName)
	row := s.db.QueryRowContext(ctx, query, id)
	job, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queuestore/sqlite: get %q: %w", id, err)
	}
	return job, nil
}

func (s *Storage) Complete(ctx context.Context, id string, output any) error {
	job, err := s.loadByID(ctx, id)
	if err != nil || job == nil {
		return err
	}
	job.Status = jobqueue.Completed
	job.Output = output
	job.Progress = 100
	if err := s.save(ctx, nil, job); err != nil {
		return err
	}
	s.notify(queuestore.ChangeCompleted, job)
	return nil
}

func (s *Storage) Fail(ctx context.Context, id string, errKind, errMessage string, retryable bool, nextRunAt time.Time) error {
	job, err := s.loadByID(ctx, id)
	if err != nil || job == nil {
		return err
	}
	job.ErrorMessage = errMessage
	if retryable {
		job.Status = jobqueue.Pending
		job.NextRunAt = nextRunAt
	} else {
		job.Status = jobqueue.Failed
	}
	if err := s.save(ctx, nil, job); err != nil {
		return err
	}
	s.notify(queuestore.ChangeFailed, job)
	return nil
}

func (s *Storage) Abort(ctx context.Context, id string) error {
	job, err := s.loadByID(ctx, id)
	if err != nil || job == nil {
		return err
	}
	job.Status = jobqueue.Aborting
	if err := s.save(ctx, nil, job); err != nil {
		return err
	}
	s.notify(queuestore.ChangeAborted, job)
	return nil
}

func (s *Storage) UpdateProgress(ctx context.Context, id string, progress int, message string) error {
	job, err := s.loadByID(ctx, id)
	if err != nil || job == nil {
		return err
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	job.ProgressMessage = message
	if err := s.save(ctx, nil, job); err != nil {
		return err
	}
	s.notify(queuestore.ChangeProgress, job)
	return nil
}

func (s *Storage) Get(ctx context.Context, id string) (*jobqueue.Job, bool, error) {
	job, err := s.loadByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if job == nil {
		return nil, false, nil
	}
	return job, true, nil
}

func (s *Storage) Size(ctx context.Context, queueName string) (int, error) {
	query := fmt.Sprintf(`
		SELECT count(*) FROM %s
		WHERE queue_name = ? AND status NOT IN (?, ?, ?)
	`, s.tableName)
	var n int
	err := s.db.QueryRowContext(ctx, query, queueName, string(jobqueue.Completed), string(jobqueue.Failed), string(jobqueue.Aborting)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queuestore/sqlite: size %q: %w", queueName, err)
	}
	return n, nil
}

func (s *Storage) Clear(ctx context.Context, queueName string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE queue_name = ?`, s.tableName)
	_, err := s.db.ExecContext(ctx, query, queueName)
	if err != nil {
		return fmt.Errorf("queuestore/sqlite: clear %q: %w", queueName, err)
	}
	return nil
}

func (s *Storage) SubscribeToChanges(filter queuestore.Filter, cb func(queuestore.Change)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = sub{filter: filter, cb: cb}
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

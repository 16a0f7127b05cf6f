// Package redis is a queuestore.Storage backed by Redis: two sorted
// sets per queue — "pending" scored by NextRunAt and "processing"
// scored by LeaseExpiresAt — plus a hash of JSON-encoded job records,
// grounded on the teacher's store/redis/redis.go pipeline idioms
// (set-as-index, pipelined multi-key mutation). LeaseNext uses an
// optimistic WATCH/MULTI transaction on the candidate's pending-set
// entry as its compare-and-swap, since Redis gives no native "pop
// lowest score below X" atomic primitive.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallnest/taskgraph/jobqueue"
	"github.com/smallnest/taskgraph/queuestore"
)

// Options configures the Redis connection and key namespace.
type Options struct {
	Prefix string // default "taskgraph:queue:"
}

type sub struct {
	filter queuestore.Filter
	cb     func(queuestore.Change)
}

// Storage is a Redis-backed queuestore.Storage.
type Storage struct {
	client *redis.Client
	prefix string

	subMu     sync.Mutex
	subs      map[int]sub
	nextSubID int
}

var _ queuestore.Storage = (*Storage)(nil)

func New(client *redis.Client, opts Options) *Storage {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "taskgraph:queue:"
	}
	return &Storage{
		client: client,
		prefix: prefix,
		subs:   make(map[int]sub),
	}
}

func (s *Storage) jobKey(id string) string        { return s.prefix + "job:" + id }
func (s *Storage) pendingKey(queue string) string  { return s.prefix + "pending:" + queue }
func (s *Storage) leasedKey(queue string) string   { return s.prefix + "processing:" + queue }
func (s *Storage) queuesKey() string               { return s.prefix + "queues" }

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

func marshalJob(job *jobqueue.Job) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("queuestore/redis: marshal job %q: %w", job.ID, err)
	}
	return data, nil
}

func (s *Storage) loadJob(ctx context.Context, id string) (*jobqueue.Job, error) {
	data, err := s.client.Get(ctx, s.jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queuestore/redis: get job %q: %w", id, err)
	}
	var job jobqueue.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("queuestore/redis: decode job %q: %w", id, err)
	}
	return &job, nil
}

func (s *Storage) saveJob(ctx context.Context, job *jobqueue.Job) error {
	data, err := marshalJob(job)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.jobKey(job.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("queuestore/redis: save job %q: %w", job.ID, err)
	}
	return nil
}

func (s *Storage) Enqueue(ctx context.Context, job *jobqueue.Job) error {
	data, err := marshalJob(job)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.jobKey(job.ID), data, 0)
	pipe.ZAdd(ctx, s.pendingKey(job.QueueName), redis.Z{
		Score:  float64(job.NextRunAt.UnixNano()),
		Member: job.ID,
	})
	pipe.SAdd(ctx, s.queuesKey(), job.QueueName)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queuestore/redis: enqueue %q: %w", job.ID, err)
	}
	s.notify(queuestore.ChangeEnqueued, job)
	return nil
}

// LeaseNext walks the known queues in turn and, within each, tries the
// due jobs earliest first, claiming one via an optimistic WATCH
// transaction and moving on to the next candidate if another worker wins
// the race. The first queue with a claimable job supplies the result, so
// the returned job is not necessarily the earliest due across all queues.
func (s *Storage) LeaseNext(ctx context.Context, until time.Time) (*jobqueue.Job, error) {
	queueNames, err := s.client.SMembers(ctx, s.queuesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("queuestore/redis: lease: list queues: %w", err)
	}

	for _, queueName := range queueNames {
		ids, err := s.client.ZRangeByScore(ctx, s.pendingKey(queueName), &redis.ZRangeBy{
			Min: "-inf",
			Max: fmt.Sprintf("%d", time.Now().UnixNano()),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("queuestore/redis: lease: scan %q: %w", queueName, err)
		}
		for _, id := range ids {
			job, err := s.tryLease(ctx, queueName, id, until)
			if err != nil {
				return nil, err
			}
			if job != nil {
				return job, nil
			}
		}
	}
	return nil, nil
}

func (s *Storage) tryLease(ctx context.Context, queueName, id string, until time.Time) (*jobqueue.Job, error) {
	var leased *jobqueue.Job
	pendingKey := s.pendingKey(queueName)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		_, err := tx.ZScore(ctx, pendingKey, id).Result()
		if err == redis.Nil {
			return nil // another worker already claimed it
		}
		if err != nil {
			return fmt.Errorf("queuestore/redis: lease: zscore %q: %w", id, err)
		}
		job, err := s.loadJob(ctx, id)
		if err != nil {
			return err
		}
		if job == nil || job.Status != jobqueue.Pending {
			return nil
		}
		job.Status = jobqueue.Processing
		job.LeaseExpiresAt = until
		job.UpdatedAt = until
		data, err := marshalJob(job)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, pendingKey, id)
			pipe.ZAdd(ctx, s.leasedKey(queueName), redis.Z{
				Score:  float64(until.UnixNano()),
				Member: id,
			})
			pipe.Set(ctx, s.jobKey(id), data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		leased = job
		return nil
	}, pendingKey)
	if err != nil {
		return nil, fmt.Errorf("queuestore/redis: lease tx %q: %w", id, err)
	}
	if leased != nil {
		s.notify(queuestore.ChangeLeased, leased)
	}
	return leased, nil
}

func (s *Storage) ReclaimExpiredLeases(ctx context.Context, now time.Time) ([]*jobqueue.Job, error) {
	queueNames, err := s.client.SMembers(ctx, s.queuesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("queuestore/redis: reclaim: list queues: %w", err)
	}

	var reclaimed []*jobqueue.Job
	for _, queueName := range queueNames {
		leasedKey := s.leasedKey(queueName)
		ids, err := s.client.ZRangeByScore(ctx, leasedKey, &redis.ZRangeBy{
			Min: "-inf",
			Max: fmt.Sprintf("%d", now.UnixNano()),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("queuestore/redis: reclaim: scan %q: %w", queueName, err)
		}
		for _, id := range ids {
			job, err := s.loadJob(ctx, id)
			if err != nil {
				return nil, err
			}
			if job == nil || job.Status != jobqueue.Processing {
				continue
			}
			job.Status = jobqueue.Pending
			job.Attempts++
			job.NextRunAt = now
			job.UpdatedAt = now
			data, err := marshalJob(job)
			if err != nil {
				return nil, err
			}
			pipe := s.client.TxPipeline()
			pipe.ZRem(ctx, leasedKey, id)
			pipe.ZAdd(ctx, s.pendingKey(queueName), redis.Z{
				Score:  float64(now.UnixNano()),
				Member: id,
			})
			pipe.Set(ctx, s.jobKey(id), data, 0)
			if _, err := pipe.Exec(ctx); err != nil {
				return nil, fmt.Errorf("queuestore/redis: reclaim %q: %w", id, err)
			}
			reclaimed = append(reclaimed, job)
			s.notify(queuestore.ChangeEnqueued, job)
		}
	}
	return reclaimed, nil
}

func (s *Storage) Complete(ctx context.Context, id string, output any) error {
	job, err := s.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	job.Status = jobqueue.Completed
	job.Output = output
	job.Progress = 100
	if err := s.client.ZRem(ctx, s.leasedKey(job.QueueName), id).Err(); err != nil {
		return fmt.Errorf("queuestore/redis: complete %q: %w", id, err)
	}
	if err := s.saveJob(ctx, job); err != nil {
		return err
	}
	s.notify(queuestore.ChangeCompleted, job)
	return nil
}

func (s *Storage) Fail(ctx context.Context, id string, errKind, errMessage string, retryable bool, nextRunAt time.Time) error {
	job, err := s.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	job.ErrorMessage = errMessage
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.leasedKey(job.QueueName), id)
	if retryable {
		job.Status = jobqueue.Pending
		job.NextRunAt = nextRunAt
		pipe.ZAdd(ctx, s.pendingKey(job.QueueName), redis.Z{
			Score:  float64(nextRunAt.UnixNano()),
			Member: job.ID,
		})
	} else {
		job.Status = jobqueue.Failed
	}
	data, err := marshalJob(job)
	if err != nil {
		return err
	}
	pipe.Set(ctx, s.jobKey(id), data, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queuestore/redis: fail %q: %w", id, err)
	}
	s.notify(queuestore.ChangeFailed, job)
	return nil
}

func (s *Storage) Abort(ctx context.Context, id string) error {
	job, err := s.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	job.Status = jobqueue.Aborting
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.pendingKey(job.QueueName), id)
	pipe.ZRem(ctx, s.leasedKey(job.QueueName), id)
	data, err := marshalJob(job)
	if err != nil {
		return err
	}
	pipe.Set(ctx, s.jobKey(id), data, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queuestore/redis: abort %q: %w", id, err)
	}
	s.notify(queuestore.ChangeAborted, job)
	return nil
}

func (s *Storage) UpdateProgress(ctx context.Context, id string, progress int, message string) error {
	job, err := s.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	job.ProgressMessage = message
	if err := s.saveJob(ctx, job); err != nil {
		return err
	}
	s.notify(queuestore.ChangeProgress, job)
	return nil
}

func (s *Storage) Get(ctx context.Context, id string) (*jobqueue.Job, bool, error) {
	job, err := s.loadJob(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if job == nil {
		return nil, false, nil
	}
	return job, true, nil
}

func (s *Storage) Size(ctx context.Context, queueName string) (int, error) {
	pending, err := s.client.ZCard(ctx, s.pendingKey(queueName)).Result()
	if err != nil {
		return 0, fmt.Errorf("queuestore/redis: size %q: %w", queueName, err)
	}
	leased, err := s.client.ZCard(ctx, s.leasedKey(queueName)).Result()
	if err != nil {
		return 0, fmt.Errorf("queuestore/redis: size %q: %w", queueName, err)
	}
	return int(pending + leased), nil
}

func (s *Storage) Clear(ctx context.Context, queueName string) error {
	pendingIDs, err := s.client.ZRange(ctx, s.pendingKey(queueName), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("queuestore/redis: clear: list pending %q: %w", queueName, err)
	}
	leasedIDs, err := s.client.ZRange(ctx, s.leasedKey(queueName), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("queuestore/redis: clear: list processing %q: %w", queueName, err)
	}
	pipe := s.client.TxPipeline()
	for _, id := range append(pendingIDs, leasedIDs...) {
		pipe.Del(ctx, s.jobKey(id))
	}
	pipe.Del(ctx, s.pendingKey(queueName))
	pipe.Del(ctx, s.leasedKey(queueName))
	pipe.SRem(ctx, s.queuesKey(), queueName)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queuestore/redis: clear %q: %w", queueName, err)
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

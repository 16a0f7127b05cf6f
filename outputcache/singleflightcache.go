package outputcache

import "context"

// SingleFlightCache decorates a Cache with the single-flight guarantee:
// at most one compute function per (taskType, fingerprint) runs at a
// time across all callers sharing this value: a second caller for the
// same key blocks until the first finishes, then observes its result
// (cache hit) instead of recomputing.
type SingleFlightCache struct {
	Cache
	locks *keyedMutex
}

// NewSingleFlightCache wraps an existing Cache with single-flight
// locking.
func NewSingleFlightCache(c Cache) *SingleFlightCache {
	return &SingleFlightCache{Cache: c, locks: newKeyedMutex()}
}

// GetOrCompute returns the cached output for (taskType, fingerprint) if
// present; otherwise it holds that key's lock, calls compute exactly
// once, stores the result on success, and returns it. Concurrent callers
// for the same key block on the lock and then observe the now-cached
// result without recomputing.
func (s *SingleFlightCache) GetOrCompute(ctx context.Context, taskType, fingerprint string, compute func(context.Context) (any, error)) (output any, hit bool, err error) {
	if out, ok, err := s.Cache.Get(ctx, taskType, fingerprint); err != nil {
		return nil, false, err
	} else if ok {
		return out, true, nil
	}

	unlock := s.locks.Lock(taskType + "\x00" + fingerprint)
	defer unlock()

	// Re-check: another caller may have populated it while we waited.
	if out, ok, err := s.Cache.Get(ctx, taskType, fingerprint); err != nil {
		return nil, false, err
	} else if ok {
		return out, true, nil
	}

	out, err := compute(ctx)
	if err != nil {
		return nil, false, err
	}
	if err := s.Cache.Put(ctx, taskType, fingerprint, out); err != nil {
		return nil, false, err
	}
	return out, false, nil
}

package limiter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/smallnest/taskgraph/kvstore"
)

// persistedState is the serializable shape written to the KV store.
type persistedState struct {
	Starts       []time.Time `json:"starts"`
	NextExternal time.Time   `json:"next_external"`
}

// PersistentRateLimiterState wraps a SlidingWindowRateLimiter so its
// window history and external next-available time survive restarts,
// backed by any kvstore.Store. A bare SlidingWindowRateLimiter resets on
// restart, which is the documented in-memory behavior; this type is for
// callers that asked for durability.
type PersistentRateLimiterState struct {
	*SlidingWindowRateLimiter
	kv  kvstore.Store
	key string
}

// NewPersistentRateLimiterState loads prior window state for key from kv
// (if present and of the expected shape), then wraps inner so Persist can
// later checkpoint it back.
func NewPersistentRateLimiterState(ctx context.Context, kv kvstore.Store, key string, inner *SlidingWindowRateLimiter) (*PersistentRateLimiterState, error) {
	p := &PersistentRateLimiterState{SlidingWindowRateLimiter: inner, kv: kv, key: key}

	raw, ok, err := kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if ok {
		state, isState := raw.(persistedState)
		if !isState {
			// A backend that serialises values (kvstore/redis) hands back
			// the decoded JSON object rather than the struct that was Put.
			if data, merr := json.Marshal(raw); merr == nil {
				isState = json.Unmarshal(data, &state) == nil
			}
		}
		if isState {
			inner.mu.Lock()
			inner.starts = state.Starts
			inner.nextExternal = state.NextExternal
			inner.mu.Unlock()
		}
	}
	return p, nil
}

// Persist writes the current window state to the backing kvstore. Callers
// invoke this after RecordJobStart/SetNextAvailableTime when durability
// across restarts matters; the in-memory limiter alone stays fast-path.
func (p *PersistentRateLimiterState) Persist(ctx context.Context) error {
	p.mu.Lock()
	state := persistedState{Starts: append([]time.Time(nil), p.starts...), NextExternal: p.nextExternal}
	p.mu.Unlock()
	return p.kv.Put(ctx, p.key, state)
}

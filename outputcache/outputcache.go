// Package outputcache is the content-addressed memoization layer: a
// (taskType, fingerprint) key maps to an immutable output, with a
// single-flight guarantee so concurrent workers computing the same
// fingerprint converge on one execution.
package outputcache

import "context"

// EventKind names one of the two events a Cache emits.
type EventKind int

const (
	EventOutputSaved EventKind = iota
	EventOutputCleared
)

// Event is delivered to a Cache's listeners.
type Event struct {
	Kind        EventKind
	TaskType    string
	Fingerprint string
}

// Listener receives cache events; must not block.
type Listener func(Event)

// Cache is the output-cache contract. Get/Put are keyed by the caller's
// already-computed fingerprint (typically hash(canonical(taskType,
// input))); the cache itself is agnostic to how that hash was derived.
type Cache interface {
	Get(ctx context.Context, taskType, fingerprint string) (output any, hit bool, err error)
	Put(ctx context.Context, taskType, fingerprint string, output any) error
	Clear(ctx context.Context) error
}

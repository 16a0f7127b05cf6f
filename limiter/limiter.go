// Package limiter implements the admission-control policies a job queue
// consults before leasing a job: an in-flight concurrency cap and a
// sliding-window rate limiter, both satisfying the same Limiter contract
// so a queue can swap between them (or combine several).
package limiter

import "time"

// Limiter decides whether a job may start now and, if not, when it might.
type Limiter interface {
	// CanProceed reports whether a new job may start immediately.
	CanProceed() bool
	// RecordJobStart must be called exactly once when a job begins.
	RecordJobStart()
	// RecordJobCompletion must be called exactly once when a job that
	// called RecordJobStart finishes (success, failure, or abort).
	RecordJobCompletion()
	// GetNextAvailableTime reports when CanProceed is next expected to
	// return true.
	GetNextAvailableTime() time.Time
	// SetNextAvailableTime externally overrides the next-available time
	// (e.g. from a 429 Retry-After). Honoured only if later than what the
	// limiter would otherwise compute.
	SetNextAvailableTime(t time.Time)
}

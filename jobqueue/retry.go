package jobqueue

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smallnest/taskgraph/errkind"
)

// ClassifyError maps an error into the taxonomy kind the job record
// persists, delegating to errkind.Classify.
func ClassifyError(err error) errkind.Kind {
	return errkind.Classify(err)
}

// Backoff computes base * 2^attempt, capped at maxBackoff. Grounded on
// the teacher's ExponentialBackoffRetry (same base*2^attempt shape),
// generalized from a retry loop's sleep duration to a job's computed
// nextRunAt offset — no jitter, since the queue's own worker-loop ticker
// spacing already staggers retries across workers.
func Backoff(base time.Duration, attempt int, maxBackoff time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// ParseRetryAfter parses an HTTP-style Retry-After header value, either
// non-negative integer seconds or an HTTP-date, into an absolute time
// relative to now. It reports false (caller should fall back to backoff)
// when the header is empty, malformed, or names a time at or before now.
func ParseRetryAfter(header string, now time.Time) (time.Time, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return time.Time{}, false
	}

	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return time.Time{}, false
		}
		t := now.Add(time.Duration(seconds) * time.Second)
		if !t.After(now) {
			return time.Time{}, false
		}
		return t, true
	}

	if t, err := http.ParseTime(header); err == nil {
		if !t.After(now) {
			return time.Time{}, false
		}
		return t, true
	}

	return time.Time{}, false
}

// NextRunAt computes a job's next nextRunAt after a retryable failure: the
// error's own RetryDate if it carries one and it is in the future,
// otherwise exponential backoff from attempts.
func NextRunAt(err error, attempts int, base, maxBackoff time.Duration, now time.Time) time.Time {
	if rd := errkind.RetryDateOf(err); rd != nil && rd.After(now) {
		return *rd
	}
	return now.Add(Backoff(base, attempts, maxBackoff))
}

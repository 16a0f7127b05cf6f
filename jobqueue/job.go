// Package jobqueue is the durable job-queue runtime: persisted job
// records leased by a fixed worker pool, with retry/backoff, progress
// fan-out, completion waiters and output-cache short-circuiting.
package jobqueue

import (
	"time"

	"github.com/smallnest/taskgraph/errkind"
)

// Status is one of the six values a persisted job occupies over its
// lifetime.
type Status string

const (
	Pending    Status = "PENDING"
	Processing Status = "PROCESSING"
	Completed  Status = "COMPLETED"
	Failed     Status = "FAILED"
	Aborting   Status = "ABORTING"
	Skipped    Status = "SKIPPED"
)

// Job is the persisted execution record for one task run, storage-backend
// independent, mirroring the wire shape named by the external-interfaces
// contract exactly.
type Job struct {
	ID              string         `json:"id"`
	QueueName       string         `json:"queueName"`
	TaskType        string         `json:"taskType"`
	Provider        string         `json:"provider"`
	Input           any            `json:"input"`
	Status          Status         `json:"status"`
	Attempts        int            `json:"attempts"`
	MaxAttempts     int            `json:"maxAttempts"`
	NextRunAt       time.Time      `json:"nextRunAt"`
	LeaseExpiresAt  time.Time      `json:"leaseExpiresAt"`
	Output          any            `json:"output,omitempty"`
	ErrorKind       errkind.Kind   `json:"errorKind,omitempty"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`
	RetryDate       *time.Time     `json:"retryDate,omitempty"`
	Progress        int            `json:"progress"`
	ProgressMessage string         `json:"progressMessage,omitempty"`
	Fingerprint     string         `json:"fingerprint"`
	ParentJobID     string         `json:"parentJobId,omitempty"`
	TimeoutMs       int            `json:"timeoutMs,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// Progress is the observable subset of a Job's state a progress
// subscriber cares about.
type Progress struct {
	JobID    string
	Status   Status
	Progress int
	Message  string
}

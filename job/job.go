// Package job owns persisted job records and their state machine. All
// state changes flow through the store's guarded transition; nothing else
// in the system mutates a job.
package job

import (
	"time"

	"github.com/google/uuid"

	"github.com/docpress/docpress/outcome"
)

// State is a job lifecycle state.
type State string

const (
	StatePending        State = "PENDING"
	StateSubmitted      State = "SUBMITTED"
	StateRunning        State = "RUNNING"
	StateRetryScheduled State = "RETRY_SCHEDULED"
	StateSucceeded      State = "SUCCEEDED"
	StateFailed         State = "FAILED"
	StateCancelled      State = "CANCELLED"
)

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// IsValidState returns true if the state string is a valid State
func IsValidState(s string) bool {
	switch State(s) {
	case StatePending, StateSubmitted, StateRunning, StateRetryScheduled,
		StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// BackendType identifies which execution backend variant runs a job.
// Dispatch is always by this stored value, never by inspecting values at
// runtime.
type BackendType string

const (
	BackendLocal      BackendType = "local"
	BackendCloudBatch BackendType = "cloud_batch"
	BackendDroplet    BackendType = "droplet"
	BackendPlatform   BackendType = "platform"
)

// IsValidBackendType returns true if the string names a known backend variant
func IsValidBackendType(s string) bool {
	switch BackendType(s) {
	case BackendLocal, BackendCloudBatch, BackendDroplet, BackendPlatform:
		return true
	default:
		return false
	}
}

// Job is one tracked unit of requested processing work.
//
// Zero values stand in for SQL NULL on the optional columns: an empty
// OutputRef means none, an empty LastErrorCode means none, a nil DueAt
// means not scheduled.
type Job struct {
	ID                  string        `json:"id"`
	OwnerID             string        `json:"owner_id"`
	State               State         `json:"state"`
	BackendType         BackendType   `json:"backend_type"`
	IdempotencyKey      string        `json:"idempotency_key"`
	ExternalExecutionID string        `json:"external_execution_id,omitempty"`
	AttemptCount        int           `json:"attempt_count"`
	InputRef            string        `json:"input_ref"`
	OutputRef           string        `json:"output_ref,omitempty"`
	LastErrorCode       outcome.Code  `json:"last_error_code,omitempty"`
	LastErrorStage      outcome.Stage `json:"last_error_stage,omitempty"`
	DueAt               *time.Time    `json:"due_at,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// Attempt is one submission of a job to a backend. Rows are append-only:
// an attempt is completed, never rewritten, and superseded attempts fence
// stale completion deliveries.
type Attempt struct {
	JobID               string       `json:"job_id"`
	AttemptNumber       int          `json:"attempt_number"`
	ExternalExecutionID string       `json:"external_execution_id,omitempty"`
	SubmittedAt         time.Time    `json:"submitted_at"`
	CompletedAt         *time.Time   `json:"completed_at,omitempty"`
	ErrorCode           outcome.Code `json:"error_code,omitempty"`
}

// NewID generates an opaque job identifier.
func NewID() string {
	return "job_" + uuid.NewString()
}

// Package result is the read side of the job lifecycle: status queries,
// output retrieval, and owner-initiated cancellation. Every entry point
// enforces ownership before revealing anything about a job.
package result

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/docpress/docpress/errors"
	"github.com/docpress/docpress/job"
	"github.com/docpress/docpress/outcome"
)

// Canceller stops a job's execution. Implemented by dispatch.Dispatcher.
type Canceller interface {
	Cancel(ctx context.Context, jobID string) error
}

// Gate mediates owner access to job state and outputs.
type Gate struct {
	store     *job.Store
	canceller Canceller
	logger    *zap.SugaredLogger
}

// NewGate creates a result gate.
func NewGate(store *job.Store, canceller Canceller, logger *zap.SugaredLogger) *Gate {
	return &Gate{store: store, canceller: canceller, logger: logger.Named("result")}
}

// Result is the payload released for a succeeded job. It carries only the
// output reference; bytes are fetched from storage by the caller.
type Result struct {
	JobID     string `json:"job_id"`
	OutputRef string `json:"output_ref"`
}

// PublicState is the coarse lifecycle view exposed to owners. Internal
// scheduling detail (SUBMITTED vs RUNNING vs RETRY_SCHEDULED) collapses
// into a single in-progress value.
type PublicState string

const (
	PublicPending    PublicState = "pending"
	PublicProcessing PublicState = "processing"
	PublicSucceeded  PublicState = "succeeded"
	PublicFailed     PublicState = "failed"
)

// Status is an owner-facing snapshot of a job.
type Status struct {
	JobID     string       `json:"job_id"`
	State     PublicState  `json:"state"`
	ErrorCode outcome.Code `json:"error_code,omitempty"`
	CreatedAt string       `json:"created_at"`
	UpdatedAt string       `json:"updated_at"`
}

// authorize loads the job and checks ownership. A job that exists but
// belongs to someone else yields the same ErrNotFound as a job that does
// not exist, so probing ids reveals nothing.
func (g *Gate) authorize(ctx context.Context, ownerID, jobID string) (*job.Job, error) {
	j, err := g.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.OwnerID != ownerID {
		g.logger.Warnw("Cross-owner access denied",
			"job_id", jobID,
			"owner_id", j.OwnerID,
			"requester_id", ownerID,
		)
		return nil, errors.Wrap(errors.ErrNotFound, "job")
	}
	return j, nil
}

// GetResult returns the output reference of a succeeded job. Jobs that are
// still in flight return ErrNotReady; absent and cross-owner jobs return
// ErrNotFound.
func (g *Gate) GetResult(ctx context.Context, ownerID, jobID string) (*Result, error) {
	j, err := g.authorize(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	if j.State != job.StateSucceeded {
		return nil, errors.Wrapf(errors.ErrNotReady, "job %s is %s", jobID, j.State)
	}
	return &Result{JobID: j.ID, OutputRef: j.OutputRef}, nil
}

// GetStatus returns the owner-facing status snapshot.
func (g *Gate) GetStatus(ctx context.Context, ownerID, jobID string) (*Status, error) {
	j, err := g.authorize(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	s := &Status{
		JobID:     j.ID,
		State:     publicState(j.State),
		CreatedAt: j.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: j.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if j.State == job.StateFailed {
		s.ErrorCode = j.LastErrorCode
	}
	return s, nil
}

// Cancel stops an owner's job. Already-terminal jobs return ErrStaleState
// through the transition guard.
func (g *Gate) Cancel(ctx context.Context, ownerID, jobID string) error {
	j, err := g.authorize(ctx, ownerID, jobID)
	if err != nil {
		return err
	}
	return g.canceller.Cancel(ctx, j.ID)
}

func publicState(s job.State) PublicState {
	switch s {
	case job.StatePending:
		return PublicPending
	case job.StateSubmitted, job.StateRunning, job.StateRetryScheduled:
		return PublicProcessing
	case job.StateSucceeded:
		return PublicSucceeded
	default:
		// FAILED and CANCELLED both read as failed; CANCELLED carries no
		// error code.
		return PublicFailed
	}
}

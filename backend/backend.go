// Package backend provides the pluggable execution backend adapters. A
// backend accepts a submission and either resolves it inline (local) or
// later, via webhook callback or status polling.
package backend

import (
	"context"

	"github.com/docpress/docpress/errors"
	"github.com/docpress/docpress/outcome"
	"github.com/docpress/docpress/processor"
)

// SubmitRequest carries everything a backend needs to start one attempt.
type SubmitRequest struct {
	JobID         string
	AttemptNumber int
	OwnerID       string
	InputRef      string
}

// SubmitResult is the immediate result of a submission. Outcome is non-nil
// only for synchronous variants (local); asynchronous variants return just
// the execution id and report completion later.
type SubmitResult struct {
	ExecutionID string
	Outcome     *processor.Outcome
}

// PollResult is a point-in-time view of a remote execution.
type PollResult struct {
	Running bool
	Outcome *processor.Outcome // set when Running is false
}

// Backend is the capability set every execution variant implements.
type Backend interface {
	// Submit starts one attempt. Must be bounded by ctx; callers set the
	// configured submit timeout.
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)

	// Cancel is best-effort; the authoritative outcome is always the local
	// state transition, regardless of backend acknowledgement.
	Cancel(ctx context.Context, executionID string) error
}

// StatusPoller is implemented by variants without a webhook channel.
type StatusPoller interface {
	PollStatus(ctx context.Context, executionID string) (PollResult, error)
}

// Failure modes. Unavailability and timeouts are retryable; a rejection is
// terminal. This classification is the direct input to the retry policy.
var (
	ErrUnavailable = errors.New("backend unavailable")
	ErrRejected    = errors.New("backend rejected submission")
	ErrTimeout     = errors.New("backend timed out")
)

// CodeForError maps a backend failure onto the taxonomy. Anything
// unclassified collapses to UNKNOWN, which the retry policy treats as
// terminal by default-deny.
func CodeForError(err error) outcome.Code {
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return outcome.CodeBackendTimeout
	case errors.Is(err, ErrUnavailable):
		return outcome.CodeBackendUnavailable
	case errors.Is(err, ErrRejected):
		return outcome.CodeBackendRejected
	default:
		return outcome.CodeUnknown
	}
}

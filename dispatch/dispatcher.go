// Package dispatch runs the submit cycle: claim an attempt through a
// guarded transition, hand it to the job's backend, and record what came
// back. Intake-driven first submissions, scheduler-driven retry promotions,
// and crash repair all share the same cycle.
package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/docpress/docpress/backend"
	"github.com/docpress/docpress/errors"
	"github.com/docpress/docpress/job"
	"github.com/docpress/docpress/outcome"
	"github.com/docpress/docpress/processor"
	"github.com/docpress/docpress/retry"
)

// Dispatcher coordinates job submissions across backends.
type Dispatcher struct {
	store         *job.Store
	registry      *backend.Registry
	policy        *retry.Policy
	submitTimeout time.Duration
	logger        *zap.SugaredLogger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store *job.Store, registry *backend.Registry, policy *retry.Policy, submitTimeout time.Duration, logger *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		store:         store,
		registry:      registry,
		policy:        policy,
		submitTimeout: submitTimeout,
		logger:        logger.Named("dispatch"),
	}
}

// DispatchNew claims and submits a freshly created job's first attempt.
func (d *Dispatcher) DispatchNew(ctx context.Context, jobID string) error {
	j, err := d.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	claimed, err := d.store.Transition(ctx, j.ID, []job.State{job.StatePending}, job.StateSubmitted,
		job.Fields{AttemptCount: j.AttemptCount + 1})
	if err != nil {
		return errors.Wrap(err, "claim first attempt")
	}
	return d.runAttempt(ctx, claimed)
}

// Promote claims and submits the next attempt of a due RETRY_SCHEDULED
// job. Losing the claim to a concurrent promoter is not an error: exactly
// one promoter wins per job, the rest fall through here. The claim is
// fenced to the snapshot's attempt generation, so a promoter holding a
// stale snapshot cannot claim a newer RETRY_SCHEDULED generation whose
// backoff has not expired.
func (d *Dispatcher) Promote(ctx context.Context, j *job.Job) error {
	claimed, err := d.store.Transition(ctx, j.ID, []job.State{job.StateRetryScheduled}, job.StateSubmitted,
		job.Fields{AttemptCount: j.AttemptCount + 1, GuardAttemptCount: j.AttemptCount})
	if errors.IsStaleState(err) {
		d.logger.Debugw("Lost promotion claim", "job_id", j.ID)
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "claim retry attempt")
	}
	d.logger.Infow("Retry promoted",
		"job_id", j.ID,
		"attempt", claimed.AttemptCount,
	)
	return d.runAttempt(ctx, claimed)
}

// ResubmitStalled repairs a claim interrupted between the guarded
// transition and the backend call. The backend contract makes Submit
// idempotent per (job, attempt), so re-running the call for an attempt
// that partially went out yields the previously issued execution id
// rather than a duplicate remote job.
func (d *Dispatcher) ResubmitStalled(ctx context.Context, j *job.Job) error {
	attempt, err := d.store.GetAttempt(ctx, j.ID, j.AttemptCount)
	if err != nil {
		return err
	}
	if attempt.ExternalExecutionID != "" {
		return nil
	}
	d.logger.Warnw("Resubmitting stalled attempt",
		"job_id", j.ID,
		"attempt", j.AttemptCount,
	)
	return d.submit(ctx, j, j.AttemptCount)
}

// runAttempt records the new attempt and submits it.
func (d *Dispatcher) runAttempt(ctx context.Context, j *job.Job) error {
	if _, err := d.store.CreateAttempt(ctx, j.ID, j.AttemptCount); err != nil {
		return err
	}
	return d.submit(ctx, j, j.AttemptCount)
}

func (d *Dispatcher) submit(ctx context.Context, j *job.Job, attemptNumber int) error {
	b, err := d.registry.Get(j.BackendType)
	if err != nil {
		// The stored backend type is not enabled in this process. Treat
		// as unavailability so the job survives an operator re-enabling
		// the backend, within the attempt budget.
		d.logger.Errorw("Job references disabled backend",
			"job_id", j.ID,
			"backend_type", j.BackendType,
		)
		return d.failAttempt(ctx, j, attemptNumber, outcome.CodeBackendUnavailable, outcome.StageSubmit)
	}

	sctx, cancel := context.WithTimeout(ctx, d.submitTimeout)
	defer cancel()

	res, err := b.Submit(sctx, backend.SubmitRequest{
		JobID:         j.ID,
		AttemptNumber: attemptNumber,
		OwnerID:       j.OwnerID,
		InputRef:      j.InputRef,
	})
	if err != nil {
		code := backend.CodeForError(err)
		d.logger.Warnw("Submission failed",
			"job_id", j.ID,
			"attempt", attemptNumber,
			"backend_type", j.BackendType,
			"code", code,
			"error", err,
		)
		return d.failAttempt(ctx, j, attemptNumber, code, outcome.StageSubmit)
	}

	// Synchronous variant: the outcome is already known.
	if res.Outcome != nil {
		return d.ApplyOutcome(ctx, j.ID, attemptNumber, *res.Outcome)
	}

	if err := d.store.SetAttemptExecutionID(ctx, j.ID, attemptNumber, res.ExecutionID); err != nil {
		if errors.Is(err, errors.ErrConflict) {
			// A concurrent repair pass bound the id first.
			d.logger.Debugw("Execution id already bound", "job_id", j.ID, "attempt", attemptNumber)
			return nil
		}
		return err
	}

	d.logger.Infow("Job submitted",
		"job_id", j.ID,
		"attempt", attemptNumber,
		"backend_type", j.BackendType,
		"external_execution_id", res.ExecutionID,
	)
	return nil
}

// ApplyOutcome settles one attempt with its typed outcome. Local results,
// webhook deliveries, and poll results all converge here; the guarded
// transition is the only race arbiter.
func (d *Dispatcher) ApplyOutcome(ctx context.Context, jobID string, attemptNumber int, out processor.Outcome) error {
	if out.Success() {
		if err := d.store.CompleteAttempt(ctx, jobID, attemptNumber, ""); err != nil {
			return err
		}
		_, err := d.store.Transition(ctx, jobID,
			[]job.State{job.StateSubmitted, job.StateRunning},
			job.StateSucceeded,
			job.Fields{OutputRef: out.OutputRef})
		if err != nil {
			return errors.Wrap(err, "record success")
		}
		d.logger.Infow("Job succeeded", "job_id", jobID, "attempt", attemptNumber)
		return nil
	}

	code := outcome.Normalize(string(out.Code))
	j, err := d.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	return d.failAttempt(ctx, j, attemptNumber, code, out.Stage)
}

// failAttempt completes the attempt with its error code and routes the job
// through the retry policy.
func (d *Dispatcher) failAttempt(ctx context.Context, j *job.Job, attemptNumber int, code outcome.Code, stage outcome.Stage) error {
	if err := d.store.CompleteAttempt(ctx, j.ID, attemptNumber, code); err != nil {
		return err
	}

	decision := d.policy.Decide(code, attemptNumber)
	if decision.Retry {
		due := time.Now().Add(decision.Delay)
		_, err := d.store.Transition(ctx, j.ID,
			[]job.State{job.StateSubmitted, job.StateRunning},
			job.StateRetryScheduled,
			job.Fields{ErrorCode: code, ErrorStage: stage, DueAt: &due})
		if errors.IsStaleState(err) {
			// Concurrent cancellation won; nothing left to schedule.
			d.logger.Debugw("Retry scheduling lost to concurrent transition", "job_id", j.ID)
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "schedule retry")
		}
		d.logger.Infow("Retry scheduled",
			"job_id", j.ID,
			"attempt", attemptNumber,
			"code", code,
			"due_at", due,
		)
		return nil
	}

	_, err := d.store.Transition(ctx, j.ID,
		[]job.State{job.StateSubmitted, job.StateRunning},
		job.StateFailed,
		job.Fields{ErrorCode: code, ErrorStage: stage})
	if errors.IsStaleState(err) {
		d.logger.Debugw("Failure recording lost to concurrent transition", "job_id", j.ID)
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "record failure")
	}
	d.logger.Warnw("Job failed",
		"job_id", j.ID,
		"attempt", attemptNumber,
		"code", code,
		"stage", stage,
	)
	return nil
}

// MarkRunning records that a polled execution is underway. RUNNING is an
// optional state; losing the guard means the job already moved on.
func (d *Dispatcher) MarkRunning(ctx context.Context, jobID string) error {
	_, err := d.store.Transition(ctx, jobID, []job.State{job.StateSubmitted}, job.StateRunning, job.Fields{})
	if errors.IsStaleState(err) {
		return nil
	}
	return err
}

// Cancel notifies the backend best-effort and then applies the
// authoritative local transition to CANCELLED. Backend acknowledgement is
// not required; its refusal or absence never blocks cancellation.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	j, err := d.store.Get(ctx, jobID)
	if err != nil {
		return err
	}

	if j.ExternalExecutionID != "" {
		if b, err := d.registry.Get(j.BackendType); err == nil {
			cctx, cancel := context.WithTimeout(ctx, d.submitTimeout)
			if err := b.Cancel(cctx, j.ExternalExecutionID); err != nil {
				d.logger.Warnw("Best-effort backend cancel failed",
					"job_id", j.ID,
					"external_execution_id", j.ExternalExecutionID,
					"error", err,
				)
			}
			cancel()
		}
	}

	_, err = d.store.Transition(ctx, jobID,
		[]job.State{job.StatePending, job.StateSubmitted, job.StateRunning, job.StateRetryScheduled},
		job.StateCancelled, job.Fields{})
	if err != nil {
		return errors.Wrap(err, "cancel job")
	}
	d.logger.Infow("Job cancelled", "job_id", jobID)
	return nil
}

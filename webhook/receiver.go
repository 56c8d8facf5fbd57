// Package webhook receives asynchronous completion notices from remote
// execution backends. Deliveries are untrusted input: they are verified,
// deduplicated, and fenced before anything touches the job store.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/docpress/docpress/errors"
	"github.com/docpress/docpress/job"
	"github.com/docpress/docpress/outcome"
	"github.com/docpress/docpress/processor"
)

// OutcomeApplier settles a fenced, current-attempt delivery. Implemented
// by dispatch.Dispatcher.
type OutcomeApplier interface {
	ApplyOutcome(ctx context.Context, jobID string, attemptNumber int, out processor.Outcome) error
}

// Delivery is the webhook payload shape.
type Delivery struct {
	JobID               string         `json:"job_id"`
	ExternalExecutionID string         `json:"external_execution_id"`
	AttemptNumber       int            `json:"attempt_number"`
	Outcome             string         `json:"outcome"` // success | failure
	OutputRef           string         `json:"output_ref,omitempty"`
	Error               *DeliveryError `json:"error,omitempty"`
}

// DeliveryError carries a failure's code and stage.
type DeliveryError struct {
	Code  string `json:"code"`
	Stage string `json:"stage,omitempty"`
}

// Ack is the fixed-shape acknowledgement. Every delivery — verified or
// not, applied or discarded — gets the same body, so the response channel
// leaks nothing about verification or job existence.
type Ack struct {
	Acknowledged bool `json:"acknowledged"`
}

// Receiver processes completion deliveries.
type Receiver struct {
	store   *job.Store
	applier OutcomeApplier
	secret  []byte
	logger  *zap.SugaredLogger
}

// NewReceiver creates a webhook receiver.
func NewReceiver(store *job.Store, applier OutcomeApplier, secret string, logger *zap.SugaredLogger) *Receiver {
	return &Receiver{
		store:   store,
		applier: applier,
		secret:  []byte(secret),
		logger:  logger.Named("webhook"),
	}
}

// Verify checks the hex HMAC-SHA256 signature over the raw body using
// constant-time comparison.
func (r *Receiver) Verify(signature string, body []byte) bool {
	mac := hmac.New(sha256.New, r.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

// Sign computes the signature a sender attaches. Exported for tests and
// for local tooling that replays deliveries.
func (r *Receiver) Sign(body []byte) string {
	mac := hmac.New(sha256.New, r.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Process handles one delivery. The returned Ack is the same for every
// internal outcome; the error is non-nil only for infrastructure failures
// where a redelivery could succeed. Verification failures, malformed
// payloads, unknown jobs, duplicates, and fenced stale attempts are all
// acknowledged and dropped, visible only in operator logs.
func (r *Receiver) Process(ctx context.Context, signature string, body []byte) (Ack, error) {
	ack := Ack{Acknowledged: true}

	if !r.Verify(signature, body) {
		r.logger.Warnw("Unverified webhook delivery rejected",
			"code", outcome.CodeWebhookUnverified,
		)
		return ack, nil
	}

	var d Delivery
	if err := json.Unmarshal(body, &d); err != nil {
		r.logger.Warnw("Malformed webhook payload", "error", err)
		return ack, nil
	}
	if d.AttemptNumber < 1 || (d.Outcome != "success" && d.Outcome != "failure") {
		r.logger.Warnw("Invalid webhook payload fields",
			"job_id", d.JobID,
			"attempt", d.AttemptNumber,
			"outcome", d.Outcome,
		)
		return ack, nil
	}

	j, err := r.lookupJob(ctx, d)
	if errors.IsNotFound(err) {
		r.logger.Warnw("Webhook delivery for unknown job",
			"job_id", d.JobID,
			"external_execution_id", d.ExternalExecutionID,
		)
		return ack, nil
	}
	if err != nil {
		return ack, err
	}

	// Fencing: a delivery for a superseded attempt must never corrupt a
	// newer attempt's outcome.
	if d.AttemptNumber < j.AttemptCount {
		r.logger.Infow("Stale-attempt delivery discarded",
			"job_id", j.ID,
			"delivery_attempt", d.AttemptNumber,
			"current_attempt", j.AttemptCount,
			"code", outcome.CodeStaleAttempt,
		)
		return ack, nil
	}
	if d.AttemptNumber > j.AttemptCount {
		r.logger.Warnw("Delivery references an attempt that was never claimed",
			"job_id", j.ID,
			"delivery_attempt", d.AttemptNumber,
			"current_attempt", j.AttemptCount,
		)
		return ack, nil
	}

	attempt, err := r.store.GetAttempt(ctx, j.ID, d.AttemptNumber)
	if errors.IsNotFound(err) {
		r.logger.Warnw("Delivery references an unrecorded attempt",
			"job_id", j.ID,
			"attempt", d.AttemptNumber,
		)
		return ack, nil
	}
	if err != nil {
		return ack, err
	}
	if attempt.ExternalExecutionID != "" && attempt.ExternalExecutionID != d.ExternalExecutionID {
		r.logger.Infow("Execution id mismatch; delivery discarded",
			"job_id", j.ID,
			"attempt", d.AttemptNumber,
			"recorded", attempt.ExternalExecutionID,
			"delivered", d.ExternalExecutionID,
			"code", outcome.CodeStaleAttempt,
		)
		return ack, nil
	}

	// Dedupe: a repeat delivery for an already-settled attempt is a no-op.
	if attempt.CompletedAt != nil || j.State.Terminal() {
		r.logger.Debugw("Duplicate delivery acknowledged",
			"job_id", j.ID,
			"attempt", d.AttemptNumber,
		)
		return ack, nil
	}

	out := r.deliveryOutcome(d)
	if err := r.applier.ApplyOutcome(ctx, j.ID, d.AttemptNumber, out); err != nil {
		if errors.IsStaleState(err) {
			// The job moved concurrently; the transition guard already
			// arbitrated. Acknowledge.
			r.logger.Debugw("Delivery lost transition race", "job_id", j.ID)
			return ack, nil
		}
		return ack, err
	}
	return ack, nil
}

func (r *Receiver) lookupJob(ctx context.Context, d Delivery) (*job.Job, error) {
	j, err := r.store.Get(ctx, d.JobID)
	if errors.IsNotFound(err) && d.ExternalExecutionID != "" {
		return r.store.GetByExecutionID(ctx, d.ExternalExecutionID)
	}
	return j, err
}

func (r *Receiver) deliveryOutcome(d Delivery) processor.Outcome {
	if d.Outcome == "success" {
		if d.OutputRef == "" {
			r.logger.Warnw("Success delivery without output ref", "job_id", d.JobID)
			return processor.Failure(outcome.CodeUnknown, outcome.StageUpload)
		}
		return processor.Outcome{OutputRef: d.OutputRef}
	}

	code, stage := outcome.CodeUnknown, outcome.Stage("")
	if d.Error != nil {
		code = outcome.Normalize(d.Error.Code)
		stage = outcome.Stage(d.Error.Stage)
	}
	return processor.Failure(code, stage)
}

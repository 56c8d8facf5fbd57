package backend

import (
	"context"

	"go.uber.org/zap"

	"github.com/docpress/docpress/errors"
	"github.com/docpress/docpress/outcome"
	"github.com/docpress/docpress/processor"
)

// Local executes the transformation in-process and resolves the attempt
// synchronously. It issues no external execution id.
type Local struct {
	proc   processor.Processor
	logger *zap.SugaredLogger
}

// NewLocal creates the local backend variant.
func NewLocal(proc processor.Processor, logger *zap.SugaredLogger) *Local {
	return &Local{proc: proc, logger: logger.Named("backend.local")}
}

func (l *Local) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	out, err := l.proc.Process(ctx, req.InputRef)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return SubmitResult{}, errors.Wrapf(ErrTimeout, "local processing of job %s", req.JobID)
		}
		// A processor that errs instead of returning a typed outcome is an
		// unanticipated failure; surface it as a transform failure rather
		// than leaking the raw error upward.
		l.logger.Errorw("Processor returned untyped error",
			"job_id", req.JobID,
			"attempt", req.AttemptNumber,
			"error", err,
		)
		out = processor.Failure(outcome.CodeTransformFailed, outcome.StageTransform)
	}
	return SubmitResult{Outcome: &out}, nil
}

// Cancel is a no-op: local execution completes within Submit.
func (l *Local) Cancel(ctx context.Context, executionID string) error {
	return nil
}

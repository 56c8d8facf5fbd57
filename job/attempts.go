package job

import (
	"context"
	"database/sql"
	"time"

	"github.com/docpress/docpress/errors"
	"github.com/docpress/docpress/outcome"
)

// CreateAttempt records a new submission attempt. Called at claim time,
// before the backend call, so a crash mid-submit leaves a visible
// unfinished attempt for the scheduler's stalled-submit sweep.
func (s *Store) CreateAttempt(ctx context.Context, jobID string, attemptNumber int) (*Attempt, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_attempts (job_id, attempt_number, submitted_at)
		VALUES (?, ?, ?)`,
		jobID, attemptNumber, now,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "create attempt %d for job %s", attemptNumber, jobID)
	}
	return &Attempt{
		JobID:         jobID,
		AttemptNumber: attemptNumber,
		SubmittedAt:   now,
	}, nil
}

// GetAttempt retrieves one attempt, or ErrNotFound.
func (s *Store) GetAttempt(ctx context.Context, jobID string, attemptNumber int) (*Attempt, error) {
	var a Attempt
	var execID, errCode sql.NullString
	var completedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, attempt_number, external_execution_id, submitted_at, completed_at, error_code
		FROM job_attempts
		WHERE job_id = ? AND attempt_number = ?`,
		jobID, attemptNumber,
	).Scan(&a.JobID, &a.AttemptNumber, &execID, &a.SubmittedAt, &completedAt, &errCode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "attempt %d of job %s", attemptNumber, jobID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get attempt")
	}

	a.ExternalExecutionID = execID.String
	a.ErrorCode = outcome.Code(errCode.String)
	if completedAt.Valid {
		t := completedAt.Time
		a.CompletedAt = &t
	}
	return &a, nil
}

// SetAttemptExecutionID binds the backend's execution id to an attempt and
// mirrors it onto the job row. The attempt guard (execution id still NULL)
// keeps the binding single-shot: an execution id changes exactly once per
// attempt.
func (s *Store) SetAttemptExecutionID(ctx context.Context, jobID string, attemptNumber int, executionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE job_attempts SET external_execution_id = ?
		WHERE job_id = ? AND attempt_number = ? AND external_execution_id IS NULL`,
		executionID, jobID, attemptNumber,
	)
	if err != nil {
		return errors.Wrap(err, "bind execution id to attempt")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrConflict, "attempt %d of job %s already has an execution id", attemptNumber, jobID)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET external_execution_id = ?, updated_at = ?
		WHERE id = ? AND attempt_count = ?`,
		executionID, time.Now().UTC(), jobID, attemptNumber,
	)
	if err != nil {
		return errors.Wrap(err, "mirror execution id onto job")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit execution id binding")
	}

	s.logger.Debugw("Execution id bound",
		"job_id", jobID,
		"attempt", attemptNumber,
		"external_execution_id", executionID,
	)
	return nil
}

// CompleteAttempt stamps an attempt's completion time and resulting error
// code (empty for success). Completing an already-completed attempt is a
// no-op, preserving the append-only discipline under replayed deliveries.
func (s *Store) CompleteAttempt(ctx context.Context, jobID string, attemptNumber int, code outcome.Code) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_attempts SET completed_at = ?, error_code = ?
		WHERE job_id = ? AND attempt_number = ? AND completed_at IS NULL`,
		time.Now().UTC(), nullString(string(code)), jobID, attemptNumber,
	)
	if err != nil {
		return errors.Wrapf(err, "complete attempt %d for job %s", attemptNumber, jobID)
	}
	return nil
}

package job

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/docpress/docpress/db"
	"github.com/docpress/docpress/errors"
	"github.com/docpress/docpress/outcome"
)

// Store handles persistence of jobs and their attempts.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewStore creates a new job store
func NewStore(conn *sql.DB, logger *zap.SugaredLogger) *Store {
	return &Store{db: conn, logger: logger.Named("jobstore")}
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	OwnerID        string
	InputRef       string
	BackendType    BackendType
	IdempotencyKey string
}

const jobColumns = `id, owner_id, state, backend_type, idempotency_key,
	external_execution_id, attempt_count, input_ref, output_ref,
	last_error_code, last_error_stage, due_at, created_at, updated_at`

// Create inserts a new job in PENDING. A repeated call by the same owner
// with the same idempotency key returns the previously created job instead
// of a duplicate; the uniqueness constraint on (owner_id, idempotency_key)
// is the arbiter. Keys are scoped per owner, so one tenant's key never
// resolves to another tenant's job.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Job, error) {
	if p.OwnerID == "" || p.InputRef == "" || p.IdempotencyKey == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "owner, input ref and idempotency key are required")
	}
	if !IsValidBackendType(string(p.BackendType)) {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "unknown backend type %q", p.BackendType)
	}

	now := time.Now().UTC()
	j := &Job{
		ID:             NewID(),
		OwnerID:        p.OwnerID,
		State:          StatePending,
		BackendType:    p.BackendType,
		IdempotencyKey: p.IdempotencyKey,
		InputRef:       p.InputRef,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, owner_id, state, backend_type, idempotency_key, input_ref, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.OwnerID, j.State, j.BackendType, j.IdempotencyKey, j.InputRef, j.CreatedAt, j.UpdatedAt,
	)
	if db.IsUniqueViolation(err) {
		existing, lookupErr := s.getWhere(ctx, "owner_id = ? AND idempotency_key = ?", p.OwnerID, p.IdempotencyKey)
		if lookupErr != nil {
			return nil, errors.Wrap(lookupErr, "lookup job after idempotency conflict")
		}
		s.logger.Debugw("Idempotent create collapsed onto existing job",
			"job_id", existing.ID,
			"idempotency_key", p.IdempotencyKey,
		)
		return existing, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "create job")
	}

	s.logger.Infow("Job created",
		"job_id", j.ID,
		"owner_id", j.OwnerID,
		"backend_type", j.BackendType,
	)
	return j, nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	return s.getWhere(ctx, "id = ?", jobID)
}

// GetByExecutionID retrieves the job currently bound to an external
// execution id. Used by the webhook receiver's fallback lookup.
func (s *Store) GetByExecutionID(ctx context.Context, executionID string) (*Job, error) {
	return s.getWhere(ctx, "external_execution_id = ?", executionID)
}

func (s *Store) getWhere(ctx context.Context, where string, args ...interface{}) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE `+where, args...)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(errors.ErrNotFound, "job")
	}
	if err != nil {
		return nil, errors.Wrap(err, "get job")
	}
	return j, nil
}

// Fields carries the column changes a transition applies alongside the
// state change. Which fields are required or forbidden depends on the
// target state; Transition validates before touching the database.
type Fields struct {
	AttemptCount int           // > 0 sets attempt_count; only valid when entering SUBMITTED
	OutputRef    string        // required when entering SUCCEEDED
	ErrorCode    outcome.Code  // required when entering FAILED or RETRY_SCHEDULED
	ErrorStage   outcome.Stage // optional companion to ErrorCode
	DueAt        *time.Time    // required when entering RETRY_SCHEDULED

	// GuardAttemptCount, when > 0, extends the CAS guard to require the
	// job still be on this attempt generation. Retry promotion sets it
	// from its snapshot so a stale promoter cannot claim a newer
	// generation's RETRY_SCHEDULED state before its backoff expires.
	GuardAttemptCount int
}

// Transition atomically moves a job to a new state, guarded by the set of
// allowed source states. The UPDATE's WHERE clause is the compare-and-swap:
// if the job left the allowed set concurrently, zero rows change and the
// caller gets ErrStaleState — unless the job already sits in the target
// terminal state, which is a no-op success so at-least-once completion
// delivery causes no duplicate side effects.
func (s *Store) Transition(ctx context.Context, jobID string, from []State, to State, f Fields) (*Job, error) {
	if len(from) == 0 {
		return nil, errors.AssertionFailedf("transition requires at least one allowed source state")
	}
	set, args, err := transitionColumns(to, f)
	if err != nil {
		return nil, err
	}

	placeholders := make([]string, len(from))
	args = append(args, jobID)
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, st)
	}
	query := `UPDATE jobs SET ` + set + ` WHERE id = ? AND state IN (` + strings.Join(placeholders, ", ") + `)`
	if f.GuardAttemptCount > 0 {
		query += ` AND attempt_count = ?`
		args = append(args, f.GuardAttemptCount)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "transition job %s to %s", jobID, to)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "rows affected")
	}

	if rows == 0 {
		current, getErr := s.Get(ctx, jobID)
		if getErr != nil {
			return nil, getErr
		}
		if current.State == to && to.Terminal() {
			s.logger.Debugw("Idempotent transition: job already in target state",
				"job_id", jobID,
				"state", to,
			)
			return current, nil
		}
		err := errors.Wrapf(errors.ErrStaleState, "job %s is %s, wanted one of %v", jobID, current.State, from)
		return nil, errors.WithDetailf(err, "target state: %s", to)
	}

	updated, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.logger.Infow("Job state transitioned",
		"job_id", jobID,
		"new_state", to,
		"attempt_count", updated.AttemptCount,
	)
	return updated, nil
}

// transitionColumns builds the SET clause for a target state. Every
// transition fully determines the optional columns, which is what keeps
// the store invariants (outputRef iff SUCCEEDED, lastErrorCode iff
// FAILED/RETRY_SCHEDULED) true by construction.
func transitionColumns(to State, f Fields) (string, []interface{}, error) {
	now := time.Now().UTC()

	switch to {
	case StateSubmitted:
		if f.AttemptCount < 1 {
			return "", nil, errors.AssertionFailedf("entering SUBMITTED requires the new attempt count")
		}
		return `state = ?, updated_at = ?, attempt_count = ?,
			external_execution_id = NULL, output_ref = NULL,
			last_error_code = NULL, last_error_stage = NULL, due_at = NULL`,
			[]interface{}{to, now, f.AttemptCount}, nil

	case StateRunning:
		return `state = ?, updated_at = ?`, []interface{}{to, now}, nil

	case StateSucceeded:
		if f.OutputRef == "" {
			return "", nil, errors.AssertionFailedf("entering SUCCEEDED requires an output ref")
		}
		return `state = ?, updated_at = ?, output_ref = ?,
			last_error_code = NULL, last_error_stage = NULL, due_at = NULL`,
			[]interface{}{to, now, f.OutputRef}, nil

	case StateFailed:
		if !outcome.Valid(f.ErrorCode) {
			return "", nil, errors.AssertionFailedf("entering FAILED requires a taxonomy error code")
		}
		return `state = ?, updated_at = ?, output_ref = NULL,
			last_error_code = ?, last_error_stage = ?, due_at = NULL`,
			[]interface{}{to, now, f.ErrorCode, nullString(string(f.ErrorStage))}, nil

	case StateRetryScheduled:
		if !outcome.Valid(f.ErrorCode) {
			return "", nil, errors.AssertionFailedf("entering RETRY_SCHEDULED requires a taxonomy error code")
		}
		if f.DueAt == nil {
			return "", nil, errors.AssertionFailedf("entering RETRY_SCHEDULED requires a due time")
		}
		return `state = ?, updated_at = ?, output_ref = NULL,
			last_error_code = ?, last_error_stage = ?, due_at = ?`,
			[]interface{}{to, now, f.ErrorCode, nullString(string(f.ErrorStage)), f.DueAt.UTC()}, nil

	case StateCancelled:
		return `state = ?, updated_at = ?, output_ref = NULL,
			last_error_code = NULL, last_error_stage = NULL, due_at = NULL`,
			[]interface{}{to, now}, nil

	default:
		return "", nil, errors.AssertionFailedf("invalid transition target %q", to)
	}
}

// ListDue returns RETRY_SCHEDULED jobs whose due time has passed, oldest
// first. Promotion itself is a guarded transition, so concurrent scheduler
// passes over the same rows are harmless.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state = ? AND due_at IS NOT NULL AND due_at <= ?
		ORDER BY due_at ASC
		LIMIT ?`,
		StateRetryScheduled, now.UTC(), limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list due jobs")
	}
	defer rows.Close()
	return scanJobs(rows, "due jobs")
}

// ListPollable returns non-terminal jobs on the given backends that have an
// execution id to poll.
func (s *Store) ListPollable(ctx context.Context, backends []BackendType, limit int) ([]*Job, error) {
	if len(backends) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(backends))
	args := []interface{}{StateSubmitted, StateRunning}
	for i, b := range backends {
		placeholders[i] = "?"
		args = append(args, b)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state IN (?, ?)
		  AND backend_type IN (`+strings.Join(placeholders, ", ")+`)
		  AND external_execution_id IS NOT NULL
		ORDER BY updated_at ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list pollable jobs")
	}
	defer rows.Close()
	return scanJobs(rows, "pollable jobs")
}

// ListStalledSubmits returns SUBMITTED jobs whose current attempt never
// recorded an execution id and was claimed before the cutoff. These are
// claims interrupted between the guarded transition and the backend call;
// the scheduler resubmits them.
func (s *Store) ListStalledSubmits(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs j
		WHERE j.state = ?
		  AND j.external_execution_id IS NULL
		  AND EXISTS (
			SELECT 1 FROM job_attempts a
			WHERE a.job_id = j.id
			  AND a.attempt_number = j.attempt_count
			  AND a.external_execution_id IS NULL
			  AND a.submitted_at < ?
		  )
		ORDER BY j.updated_at ASC
		LIMIT ?`,
		StateSubmitted, cutoff.UTC(), limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list stalled submits")
	}
	defer rows.Close()
	return scanJobs(rows, "stalled submits")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var execID, outputRef, errCode, errStage sql.NullString
	var dueAt sql.NullTime

	err := row.Scan(
		&j.ID, &j.OwnerID, &j.State, &j.BackendType, &j.IdempotencyKey,
		&execID, &j.AttemptCount, &j.InputRef, &outputRef,
		&errCode, &errStage, &dueAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.ExternalExecutionID = execID.String
	j.OutputRef = outputRef.String
	j.LastErrorCode = outcome.Code(errCode.String)
	j.LastErrorStage = outcome.Stage(errStage.String)
	if dueAt.Valid {
		t := dueAt.Time
		j.DueAt = &t
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "iterating %s", context)
	}
	return jobs, nil
}

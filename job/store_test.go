package job

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpress/docpress/errors"
	dptest "github.com/docpress/docpress/internal/testing"
	"github.com/docpress/docpress/logger"
	"github.com/docpress/docpress/outcome"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(dptest.CreateTestDB(t), logger.Nop())
}

func createTestJob(t *testing.T, store *Store, key string) *Job {
	t.Helper()
	j, err := store.Create(context.Background(), CreateParams{
		OwnerID:        "user-1",
		InputRef:       "uploads/user-1/doc.pdf",
		BackendType:    BackendCloudBatch,
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	return j
}

func TestCreateStartsPending(t *testing.T) {
	store := testStore(t)
	j := createTestJob(t, store, "key-1")

	assert.Equal(t, StatePending, j.State)
	assert.Equal(t, 0, j.AttemptCount)
	assert.Empty(t, j.OutputRef)
	assert.Empty(t, j.LastErrorCode)
}

func TestCreateIsIdempotent(t *testing.T) {
	store := testStore(t)
	first := createTestJob(t, store, "key-dup")
	second := createTestJob(t, store, "key-dup")

	assert.Equal(t, first.ID, second.ID)

	// No duplicate record was created
	jobs, err := store.ListDue(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, jobs) // sanity: nothing scheduled

	var count int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM jobs").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestCreateIdempotencyScopedPerOwner(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	a, err := store.Create(ctx, CreateParams{
		OwnerID:        "user-1",
		InputRef:       "uploads/user-1/doc.pdf",
		BackendType:    BackendCloudBatch,
		IdempotencyKey: "key-shared",
	})
	require.NoError(t, err)

	// Another tenant presenting the same key must get their own job, not
	// tenant one's.
	b, err := store.Create(ctx, CreateParams{
		OwnerID:        "user-2",
		InputRef:       "uploads/user-2/doc.pdf",
		BackendType:    BackendCloudBatch,
		IdempotencyKey: "key-shared",
	})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "user-1", a.OwnerID)
	assert.Equal(t, "user-2", b.OwnerID)

	var count int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM jobs").Scan(&count))
	assert.Equal(t, 2, count)

	// Replay within each owner still collapses.
	again, err := store.Create(ctx, CreateParams{
		OwnerID:        "user-2",
		InputRef:       "uploads/user-2/doc.pdf",
		BackendType:    BackendCloudBatch,
		IdempotencyKey: "key-shared",
	})
	require.NoError(t, err)
	assert.Equal(t, b.ID, again.ID)
}

func TestCreateRejectsUnknownBackend(t *testing.T) {
	store := testStore(t)
	_, err := store.Create(context.Background(), CreateParams{
		OwnerID:        "user-1",
		InputRef:       "uploads/doc.pdf",
		BackendType:    BackendType("mainframe"),
		IdempotencyKey: "key-x",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestGetMissingJob(t *testing.T) {
	store := testStore(t)
	_, err := store.Get(context.Background(), "job_missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestTransitionGuardedByState(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	j := createTestJob(t, store, "key-1")

	// PENDING -> SUBMITTED claims attempt 1
	updated, err := store.Transition(ctx, j.ID, []State{StatePending}, StateSubmitted, Fields{AttemptCount: 1})
	require.NoError(t, err)
	assert.Equal(t, StateSubmitted, updated.State)
	assert.Equal(t, 1, updated.AttemptCount)

	// A second claim from PENDING loses
	_, err = store.Transition(ctx, j.ID, []State{StatePending}, StateSubmitted, Fields{AttemptCount: 1})
	require.Error(t, err)
	assert.True(t, errors.IsStaleState(err))
}

func TestTransitionGuardedByAttemptGeneration(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	j := createTestJob(t, store, "key-1")

	_, err := store.Transition(ctx, j.ID, []State{StatePending}, StateSubmitted, Fields{AttemptCount: 1})
	require.NoError(t, err)
	due := time.Now().Add(30 * time.Second)
	_, err = store.Transition(ctx, j.ID, []State{StateSubmitted}, StateRetryScheduled, Fields{
		ErrorCode: outcome.CodeBackendTimeout,
		DueAt:     &due,
	})
	require.NoError(t, err)

	// A claim fenced to a different generation is stale even though the
	// state matches.
	_, err = store.Transition(ctx, j.ID, []State{StateRetryScheduled}, StateSubmitted,
		Fields{AttemptCount: 3, GuardAttemptCount: 2})
	require.Error(t, err)
	assert.True(t, errors.IsStaleState(err))

	// The matching generation claims cleanly.
	promoted, err := store.Transition(ctx, j.ID, []State{StateRetryScheduled}, StateSubmitted,
		Fields{AttemptCount: 2, GuardAttemptCount: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, promoted.AttemptCount)
}

func TestTerminalReentryIsNoOp(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	j := createTestJob(t, store, "key-1")

	_, err := store.Transition(ctx, j.ID, []State{StatePending}, StateSubmitted, Fields{AttemptCount: 1})
	require.NoError(t, err)
	_, err = store.Transition(ctx, j.ID, []State{StateSubmitted}, StateSucceeded, Fields{OutputRef: "out/doc.json"})
	require.NoError(t, err)

	// Replayed completion: same target terminal state succeeds without change
	again, err := store.Transition(ctx, j.ID, []State{StateSubmitted, StateRunning}, StateSucceeded, Fields{OutputRef: "out/other.json"})
	require.NoError(t, err)
	assert.Equal(t, "out/doc.json", again.OutputRef)

	// A different terminal target is still stale
	_, err = store.Transition(ctx, j.ID, []State{StateSubmitted, StateRunning}, StateFailed, Fields{ErrorCode: outcome.CodeUnknown})
	assert.True(t, errors.IsStaleState(err))
}

func TestOutputRefOnlyInSucceeded(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	j := createTestJob(t, store, "key-1")

	_, err := store.Transition(ctx, j.ID, []State{StatePending}, StateSubmitted, Fields{AttemptCount: 1})
	require.NoError(t, err)

	succeeded, err := store.Transition(ctx, j.ID, []State{StateSubmitted}, StateSucceeded, Fields{OutputRef: "out/doc.json"})
	require.NoError(t, err)
	assert.Equal(t, "out/doc.json", succeeded.OutputRef)
	assert.Empty(t, succeeded.LastErrorCode)

	// Entering SUCCEEDED without an output ref is a programming error
	j2 := createTestJob(t, store, "key-2")
	_, err = store.Transition(ctx, j2.ID, []State{StatePending}, StateSubmitted, Fields{AttemptCount: 1})
	require.NoError(t, err)
	_, err = store.Transition(ctx, j2.ID, []State{StateSubmitted}, StateSucceeded, Fields{})
	require.Error(t, err)
}

func TestErrorCodeOnlyInFailureStates(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	j := createTestJob(t, store, "key-1")

	_, err := store.Transition(ctx, j.ID, []State{StatePending}, StateSubmitted, Fields{AttemptCount: 1})
	require.NoError(t, err)

	due := time.Now().Add(30 * time.Second)
	scheduled, err := store.Transition(ctx, j.ID, []State{StateSubmitted}, StateRetryScheduled, Fields{
		ErrorCode:  outcome.CodeBackendTimeout,
		ErrorStage: outcome.StageSubmit,
		DueAt:      &due,
	})
	require.NoError(t, err)
	assert.Equal(t, outcome.CodeBackendTimeout, scheduled.LastErrorCode)
	require.NotNil(t, scheduled.DueAt)

	// Promotion clears error fields and due time
	promoted, err := store.Transition(ctx, j.ID, []State{StateRetryScheduled}, StateSubmitted, Fields{AttemptCount: 2})
	require.NoError(t, err)
	assert.Empty(t, promoted.LastErrorCode)
	assert.Nil(t, promoted.DueAt)
	assert.Empty(t, promoted.ExternalExecutionID)
}

func TestCancelClearsErrorFields(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	j := createTestJob(t, store, "key-1")

	_, err := store.Transition(ctx, j.ID, []State{StatePending}, StateSubmitted, Fields{AttemptCount: 1})
	require.NoError(t, err)
	due := time.Now().Add(time.Minute)
	_, err = store.Transition(ctx, j.ID, []State{StateSubmitted}, StateRetryScheduled, Fields{
		ErrorCode: outcome.CodeBackendUnavailable,
		DueAt:     &due,
	})
	require.NoError(t, err)

	cancelled, err := store.Transition(ctx, j.ID,
		[]State{StatePending, StateSubmitted, StateRunning, StateRetryScheduled},
		StateCancelled, Fields{})
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, cancelled.State)
	assert.Empty(t, cancelled.LastErrorCode)
	assert.Nil(t, cancelled.DueAt)
}

func TestListDueReturnsOnlyDueJobs(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()

	makeScheduled := func(key string, due time.Time) *Job {
		j := createTestJob(t, store, key)
		_, err := store.Transition(ctx, j.ID, []State{StatePending}, StateSubmitted, Fields{AttemptCount: 1})
		require.NoError(t, err)
		_, err = store.Transition(ctx, j.ID, []State{StateSubmitted}, StateRetryScheduled, Fields{
			ErrorCode: outcome.CodeBackendTimeout,
			DueAt:     &due,
		})
		require.NoError(t, err)
		return j
	}

	past := makeScheduled("key-past", now.Add(-time.Minute))
	makeScheduled("key-future", now.Add(time.Hour))

	due, err := store.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, past.ID, due[0].ID)
}

func TestAttemptExecutionIDBindsOnce(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	j := createTestJob(t, store, "key-1")

	_, err := store.Transition(ctx, j.ID, []State{StatePending}, StateSubmitted, Fields{AttemptCount: 1})
	require.NoError(t, err)
	_, err = store.CreateAttempt(ctx, j.ID, 1)
	require.NoError(t, err)

	require.NoError(t, store.SetAttemptExecutionID(ctx, j.ID, 1, "E1"))

	err = store.SetAttemptExecutionID(ctx, j.ID, 1, "E1-again")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	a, err := store.GetAttempt(ctx, j.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "E1", a.ExternalExecutionID)

	reloaded, err := store.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "E1", reloaded.ExternalExecutionID)
}

func TestCompleteAttemptIsIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	j := createTestJob(t, store, "key-1")

	_, err := store.CreateAttempt(ctx, j.ID, 1)
	require.NoError(t, err)

	require.NoError(t, store.CompleteAttempt(ctx, j.ID, 1, outcome.CodeBackendTimeout))
	require.NoError(t, store.CompleteAttempt(ctx, j.ID, 1, ""))

	a, err := store.GetAttempt(ctx, j.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, outcome.CodeBackendTimeout, a.ErrorCode)
	require.NotNil(t, a.CompletedAt)
}

func TestListStalledSubmits(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	j := createTestJob(t, store, "key-1")

	_, err := store.Transition(ctx, j.ID, []State{StatePending}, StateSubmitted, Fields{AttemptCount: 1})
	require.NoError(t, err)
	_, err = store.CreateAttempt(ctx, j.ID, 1)
	require.NoError(t, err)

	stalled, err := store.ListStalledSubmits(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, j.ID, stalled[0].ID)

	// Once the execution id is bound the claim is no longer stalled
	require.NoError(t, store.SetAttemptExecutionID(ctx, j.ID, 1, "E1"))
	stalled, err = store.ListStalledSubmits(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, stalled)
}

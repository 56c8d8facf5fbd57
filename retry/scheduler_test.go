package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dptest "github.com/docpress/docpress/internal/testing"
	"github.com/docpress/docpress/job"
	"github.com/docpress/docpress/logger"
	"github.com/docpress/docpress/outcome"
)

type recordingPromoter struct {
	promoted    []string
	resubmitted []string
}

func (p *recordingPromoter) Promote(_ context.Context, j *job.Job) error {
	p.promoted = append(p.promoted, j.ID)
	return nil
}

func (p *recordingPromoter) ResubmitStalled(_ context.Context, j *job.Job) error {
	p.resubmitted = append(p.resubmitted, j.ID)
	return nil
}

func newSchedulerEnv(t *testing.T) (*Scheduler, *job.Store, *recordingPromoter) {
	t.Helper()
	store := job.NewStore(dptest.CreateTestDB(t), logger.Nop())
	promoter := &recordingPromoter{}
	s := NewScheduler(context.Background(), store, promoter, time.Second, time.Minute, logger.Nop())
	t.Cleanup(s.Stop)
	return s, store, promoter
}

func seedRetryScheduled(t *testing.T, store *job.Store, key string, due time.Time) *job.Job {
	t.Helper()
	ctx := context.Background()
	j, err := store.Create(ctx, job.CreateParams{
		OwnerID:        "owner-1",
		InputRef:       "uploads/doc.pdf",
		BackendType:    job.BackendCloudBatch,
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	_, err = store.Transition(ctx, j.ID, []job.State{job.StatePending}, job.StateSubmitted, job.Fields{AttemptCount: 1})
	require.NoError(t, err)
	_, err = store.CreateAttempt(ctx, j.ID, 1)
	require.NoError(t, err)
	j, err = store.Transition(ctx, j.ID, []job.State{job.StateSubmitted}, job.StateRetryScheduled,
		job.Fields{ErrorCode: outcome.CodeBackendTimeout, DueAt: &due})
	require.NoError(t, err)
	return j
}

func TestTickPromotesDueJobs(t *testing.T) {
	s, store, promoter := newSchedulerEnv(t)
	now := time.Now()

	due := seedRetryScheduled(t, store, "k-due", now.Add(-time.Second))
	seedRetryScheduled(t, store, "k-later", now.Add(time.Hour))

	s.Tick(context.Background(), now)

	assert.Equal(t, []string{due.ID}, promoter.promoted)
}

func TestTickSweepsStalledSubmits(t *testing.T) {
	s, store, promoter := newSchedulerEnv(t)
	ctx := context.Background()

	// A claim that never reached the backend: SUBMITTED with an attempt
	// row but no execution id.
	j, err := store.Create(ctx, job.CreateParams{
		OwnerID:        "owner-1",
		InputRef:       "uploads/doc.pdf",
		BackendType:    job.BackendCloudBatch,
		IdempotencyKey: "k-stalled",
	})
	require.NoError(t, err)
	_, err = store.Transition(ctx, j.ID, []job.State{job.StatePending}, job.StateSubmitted, job.Fields{AttemptCount: 1})
	require.NoError(t, err)
	_, err = store.CreateAttempt(ctx, j.ID, 1)
	require.NoError(t, err)

	// Not yet stale at the current time.
	s.Tick(ctx, time.Now())
	assert.Empty(t, promoter.resubmitted)

	// Well past the stalled-submit timeout.
	s.Tick(ctx, time.Now().Add(5*time.Minute))
	assert.Equal(t, []string{j.ID}, promoter.resubmitted)
}

func TestTickIgnoresBoundSubmits(t *testing.T) {
	s, store, promoter := newSchedulerEnv(t)
	ctx := context.Background()

	j, err := store.Create(ctx, job.CreateParams{
		OwnerID:        "owner-1",
		InputRef:       "uploads/doc.pdf",
		BackendType:    job.BackendCloudBatch,
		IdempotencyKey: "k-bound",
	})
	require.NoError(t, err)
	_, err = store.Transition(ctx, j.ID, []job.State{job.StatePending}, job.StateSubmitted, job.Fields{AttemptCount: 1})
	require.NoError(t, err)
	_, err = store.CreateAttempt(ctx, j.ID, 1)
	require.NoError(t, err)
	require.NoError(t, store.SetAttemptExecutionID(ctx, j.ID, 1, "exec-1"))

	s.Tick(ctx, time.Now().Add(5*time.Minute))
	assert.Empty(t, promoter.resubmitted)
}

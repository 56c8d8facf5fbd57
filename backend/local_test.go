package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpress/docpress/errors"
	"github.com/docpress/docpress/logger"
	"github.com/docpress/docpress/outcome"
	"github.com/docpress/docpress/processor"
)

type stubProcessor struct {
	out processor.Outcome
	err error
}

func (p *stubProcessor) Process(ctx context.Context, inputRef string) (processor.Outcome, error) {
	return p.out, p.err
}

func TestLocalSubmitResolvesSynchronously(t *testing.T) {
	l := NewLocal(&stubProcessor{out: processor.Outcome{OutputRef: "outputs/doc.json"}}, logger.Nop())

	res, err := l.Submit(context.Background(), SubmitRequest{JobID: "job_1", AttemptNumber: 1, InputRef: "uploads/doc.json"})
	require.NoError(t, err)
	require.NotNil(t, res.Outcome)
	assert.True(t, res.Outcome.Success())
	assert.Empty(t, res.ExecutionID)
}

func TestLocalSubmitPassesThroughTypedFailure(t *testing.T) {
	l := NewLocal(&stubProcessor{out: processor.Failure(outcome.CodeInputInvalid, outcome.StageFetch)}, logger.Nop())

	res, err := l.Submit(context.Background(), SubmitRequest{JobID: "job_1", AttemptNumber: 1})
	require.NoError(t, err)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, outcome.CodeInputInvalid, res.Outcome.Code)
}

func TestLocalSubmitWrapsUntypedError(t *testing.T) {
	l := NewLocal(&stubProcessor{err: errors.New("worker blew up")}, logger.Nop())

	res, err := l.Submit(context.Background(), SubmitRequest{JobID: "job_1", AttemptNumber: 1})
	require.NoError(t, err)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, outcome.CodeTransformFailed, res.Outcome.Code)
	assert.Equal(t, outcome.StageTransform, res.Outcome.Stage)
}

func TestLocalSubmitDeadlineIsTimeout(t *testing.T) {
	l := NewLocal(&stubProcessor{err: context.DeadlineExceeded}, logger.Nop())

	_, err := l.Submit(context.Background(), SubmitRequest{JobID: "job_1", AttemptNumber: 1})
	require.Error(t, err)
	assert.Equal(t, outcome.CodeBackendTimeout, CodeForError(err))
}

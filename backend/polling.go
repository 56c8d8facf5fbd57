package backend

import (
	"context"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/docpress/docpress/errors"
	"github.com/docpress/docpress/outcome"
	"github.com/docpress/docpress/processor"
)

// pollingBackend is the shared implementation behind the droplet and
// platform variants. Both speak the same task API shape and report
// completion only through status polling; only the resource path differs.
type pollingBackend struct {
	api      *apiClient
	taskPath string
}

// NewDroplet creates the operator-managed VM backend variant. The droplet
// runs a small agent exposing a task API.
func NewDroplet(client *http.Client, baseURL, apiKey string, logger *zap.SugaredLogger) Backend {
	return &pollingBackend{
		api: &apiClient{
			client:  client,
			baseURL: baseURL,
			apiKey:  apiKey,
			logger:  logger.Named("backend.droplet"),
		},
		taskPath: "/tasks",
	}
}

// NewPlatform creates the platform-managed process backend variant.
func NewPlatform(client *http.Client, baseURL, apiKey string, logger *zap.SugaredLogger) Backend {
	return &pollingBackend{
		api: &apiClient{
			client:  client,
			baseURL: baseURL,
			apiKey:  apiKey,
			logger:  logger.Named("backend.platform"),
		},
		taskPath: "/v1/processes",
	}
}

type taskSubmitRequest struct {
	JobID         string `json:"job_id"`
	AttemptNumber int    `json:"attempt_number"`
	InputRef      string `json:"input_ref"`
}

type taskSubmitResponse struct {
	TaskID string `json:"task_id"`
}

type taskStatusResponse struct {
	Status    string `json:"status"` // pending | running | succeeded | failed
	OutputRef string `json:"output_ref,omitempty"`
	Error     *struct {
		Code  string `json:"code"`
		Stage string `json:"stage"`
	} `json:"error,omitempty"`
}

func (p *pollingBackend) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	var resp taskSubmitResponse
	err := p.api.do(ctx, http.MethodPost, p.taskPath, taskSubmitRequest{
		JobID:         req.JobID,
		AttemptNumber: req.AttemptNumber,
		InputRef:      req.InputRef,
	}, &resp)
	if err != nil {
		return SubmitResult{}, errors.Wrapf(err, "submit job %s attempt %d", req.JobID, req.AttemptNumber)
	}
	if resp.TaskID == "" {
		return SubmitResult{}, errors.Wrapf(ErrUnavailable, "task API returned no task id for job %s", req.JobID)
	}
	return SubmitResult{ExecutionID: resp.TaskID}, nil
}

func (p *pollingBackend) PollStatus(ctx context.Context, executionID string) (PollResult, error) {
	var resp taskStatusResponse
	if err := p.api.do(ctx, http.MethodGet, p.taskPath+"/"+url.PathEscape(executionID), nil, &resp); err != nil {
		return PollResult{}, errors.Wrapf(err, "poll execution %s", executionID)
	}

	switch resp.Status {
	case "pending", "running":
		return PollResult{Running: true}, nil
	case "succeeded":
		if resp.OutputRef == "" {
			p.api.logger.Warnw("Succeeded task without output ref", "execution_id", executionID)
			out := processor.Failure(outcome.CodeUnknown, outcome.StageUpload)
			return PollResult{Outcome: &out}, nil
		}
		return PollResult{Outcome: &processor.Outcome{OutputRef: resp.OutputRef}}, nil
	case "failed":
		code, stage := outcome.CodeUnknown, outcome.Stage("")
		if resp.Error != nil {
			code = outcome.Normalize(resp.Error.Code)
			stage = outcome.Stage(resp.Error.Stage)
		}
		out := processor.Failure(code, stage)
		return PollResult{Outcome: &out}, nil
	default:
		p.api.logger.Warnw("Unrecognized task status",
			"execution_id", executionID,
			"status", resp.Status,
		)
		return PollResult{Running: true}, nil
	}
}

func (p *pollingBackend) Cancel(ctx context.Context, executionID string) error {
	return p.api.do(ctx, http.MethodDelete, p.taskPath+"/"+url.PathEscape(executionID), nil, nil)
}

package backend

import (
	"context"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/docpress/docpress/errors"
)

// CloudBatch submits work to a remote batch-compute API. Completion is
// reported asynchronously through the webhook receiver; the submission
// payload carries the callback address and shared secret.
type CloudBatch struct {
	api           *apiClient
	appName       string
	webhookURL    string
	webhookSecret string
}

// NewCloudBatch creates the cloud-batch backend variant.
func NewCloudBatch(client *http.Client, baseURL, apiKey, appName, webhookURL, webhookSecret string, logger *zap.SugaredLogger) *CloudBatch {
	return &CloudBatch{
		api: &apiClient{
			client:  client,
			baseURL: baseURL,
			apiKey:  apiKey,
			logger:  logger.Named("backend.cloudbatch"),
		},
		appName:       appName,
		webhookURL:    webhookURL,
		webhookSecret: webhookSecret,
	}
}

type cloudBatchSubmitRequest struct {
	App     string                  `json:"app"`
	Input   cloudBatchInput         `json:"input"`
	Webhook *cloudBatchWebhookBlock `json:"webhook,omitempty"`
}

type cloudBatchInput struct {
	JobID         string `json:"job_id"`
	AttemptNumber int    `json:"attempt_number"`
	OwnerID       string `json:"owner_id"`
	InputRef      string `json:"input_ref"`
}

type cloudBatchWebhookBlock struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

type cloudBatchSubmitResponse struct {
	ID    string `json:"id"`
	JobID string `json:"job_id"` // some deployments name the field job_id
}

func (b *CloudBatch) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	payload := cloudBatchSubmitRequest{
		App: b.appName,
		Input: cloudBatchInput{
			JobID:         req.JobID,
			AttemptNumber: req.AttemptNumber,
			OwnerID:       req.OwnerID,
			InputRef:      req.InputRef,
		},
	}
	if b.webhookURL != "" {
		payload.Webhook = &cloudBatchWebhookBlock{URL: b.webhookURL, Secret: b.webhookSecret}
	}

	var resp cloudBatchSubmitResponse
	if err := b.api.do(ctx, http.MethodPost, "/v1/jobs", payload, &resp); err != nil {
		return SubmitResult{}, errors.Wrapf(err, "submit job %s attempt %d", req.JobID, req.AttemptNumber)
	}

	executionID := resp.ID
	if executionID == "" {
		executionID = resp.JobID
	}
	if executionID == "" {
		b.api.logger.Errorw("Batch API response missing execution id", "job_id", req.JobID)
		return SubmitResult{}, errors.Wrapf(ErrUnavailable, "batch API returned no execution id for job %s", req.JobID)
	}

	return SubmitResult{ExecutionID: executionID}, nil
}

func (b *CloudBatch) Cancel(ctx context.Context, executionID string) error {
	return b.api.do(ctx, http.MethodDelete, "/v1/jobs/"+url.PathEscape(executionID), nil, nil)
}

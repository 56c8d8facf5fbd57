package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/docpress/docpress/job"
)

// webhookBodyLimit bounds the completion payload size.
const webhookBodyLimit = 64 * 1024

type createJobRequest struct {
	InputRef       string `json:"input_ref"`
	BackendType    string `json:"backend_type"`
	IdempotencyKey string `json:"idempotency_key"`
}

type createJobResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

// HandleJobs handles requests to /jobs
// POST: accept a document for processing
func (s *Server) HandleJobs(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	ownerID, ok := s.requireOwner(w, r)
	if !ok {
		return
	}

	var req createJobRequest
	if readJSON(w, r, &req) != nil {
		return
	}

	j, err := s.store.Create(r.Context(), job.CreateParams{
		OwnerID:        ownerID,
		InputRef:       req.InputRef,
		BackendType:    job.BackendType(req.BackendType),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	// A replayed idempotency key lands here with the earlier job, possibly
	// already past PENDING; only a fresh job gets a first submission.
	if j.State == job.StatePending {
		go func() {
			if err := s.dispatcher.DispatchNew(s.ctx, j.ID); err != nil {
				s.logger.Errorw("First submission failed", "job_id", j.ID, "error", err)
			}
		}()
	}

	writeJSON(w, http.StatusAccepted, createJobResponse{JobID: j.ID, State: string(j.State)})
}

// HandleJob handles requests to /jobs/{id}
// GET  /jobs/{id}         job status
// GET  /jobs/{id}/output  output reference, once succeeded
// POST /jobs/{id}/cancel  cancel the job
func (s *Server) HandleJob(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/jobs/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "INPUT_INVALID", "Missing job ID")
		return
	}
	jobID := parts[0]

	ownerID, ok := s.requireOwner(w, r)
	if !ok {
		return
	}

	if len(parts) > 1 && parts[1] == "output" {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		s.handleGetOutput(w, r, ownerID, jobID)
		return
	}

	if len(parts) > 1 && parts[1] == "cancel" {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		s.handleCancel(w, r, ownerID, jobID)
		return
	}

	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	s.handleGetStatus(w, r, ownerID, jobID)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request, ownerID, jobID string) {
	status, err := s.gate.GetStatus(r.Context(), ownerID, jobID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request, ownerID, jobID string) {
	res, err := s.gate.GetResult(r.Context(), ownerID, jobID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, ownerID, jobID string) {
	if err := s.gate.Cancel(r.Context(), ownerID, jobID); err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Infow("Cancel requested", "job_id", shortID(jobID), "owner_id", ownerID)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "state": "cancelling"})
}

// HandleWebhook handles requests to /internal/webhooks/completion
// POST: completion callback from a remote execution backend. The response
// is the same acknowledgement for every delivery; verification and fencing
// outcomes are visible only in logs.
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if s.receiver == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "webhook intake is not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INPUT_INVALID", "unreadable body")
		return
	}

	ack, err := s.receiver.Process(r.Context(), r.Header.Get("X-Docpress-Signature"), body)
	if err != nil {
		// Infrastructure failure: let the backend redeliver.
		s.logger.Errorw("Webhook processing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "UNKNOWN", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

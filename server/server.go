// Package server exposes the docpress HTTP API: job intake, status,
// output retrieval, cancellation, and the inbound completion webhook.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/docpress/docpress/config"
	"github.com/docpress/docpress/job"
	"github.com/docpress/docpress/result"
	"github.com/docpress/docpress/webhook"
)

// Dispatcher drives a created job's first submission. Implemented by
// dispatch.Dispatcher.
type Dispatcher interface {
	DispatchNew(ctx context.Context, jobID string) error
}

// Server is the docpress HTTP server.
type Server struct {
	store      *job.Store
	dispatcher Dispatcher
	gate       *result.Gate
	receiver   *webhook.Receiver
	authSecret string
	logger     *zap.SugaredLogger

	httpServer *http.Server

	// ctx outlives individual requests: intake responds 202 and the
	// submission continues on this context until Shutdown cancels it.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a server. The webhook receiver may be nil when no
// webhook-capable backend is configured; the endpoint then 404s.
func New(cfg *config.Config, store *job.Store, dispatcher Dispatcher, gate *result.Gate, receiver *webhook.Receiver, logger *zap.SugaredLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:      store,
		dispatcher: dispatcher,
		gate:       gate,
		receiver:   receiver,
		authSecret: cfg.Auth.Secret,
		logger:     logger.Named("server"),
		ctx:        ctx,
		cancel:     cancel,
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// setupRoutes configures all HTTP handlers
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/jobs", s.HandleJobs)                            // Create job (POST)
	mux.HandleFunc("/jobs/", s.HandleJob)                            // Status, output, cancel
	mux.HandleFunc("/internal/webhooks/completion", s.HandleWebhook) // Backend completion callback (POST)
	mux.HandleFunc("/healthz", s.HandleHealth)                       // Liveness (GET)
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Infow("HTTP server starting", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops detached submissions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the configured handler. Useful for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// HandleHealth handles requests to /healthz
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

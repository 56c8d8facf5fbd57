package retry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/docpress/docpress/backend"
	"github.com/docpress/docpress/job"
	"github.com/docpress/docpress/processor"
)

// pollBatchLimit bounds how many executions one reconciliation pass polls.
const pollBatchLimit = 100

// OutcomeApplier settles polled executions. Implemented by
// dispatch.Dispatcher.
type OutcomeApplier interface {
	ApplyOutcome(ctx context.Context, jobID string, attemptNumber int, out processor.Outcome) error
	MarkRunning(ctx context.Context, jobID string) error
}

// Poller reconciles jobs on polling backends (droplet, platform) that have
// no webhook channel. Status calls are rate-paced so a large in-flight set
// cannot hammer a backend agent.
type Poller struct {
	store    *job.Store
	registry *backend.Registry
	applier  OutcomeApplier
	interval time.Duration
	limiter  *rate.Limiter
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *zap.SugaredLogger
}

// NewPoller creates a poller bound to a parent context.
func NewPoller(ctx context.Context, store *job.Store, registry *backend.Registry, applier OutcomeApplier, interval time.Duration, ratePerSecond float64, logger *zap.SugaredLogger) *Poller {
	pctx, cancel := context.WithCancel(ctx)
	return &Poller{
		store:    store,
		registry: registry,
		applier:  applier,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Limit(ratePerSecond), 1),
		ctx:      pctx,
		cancel:   cancel,
		logger:   logger.Named("retry.poller"),
	}
}

// Start begins the reconciliation loop. A registry without polling
// variants makes Start a no-op.
func (p *Poller) Start() {
	if len(p.registry.PollableTypes()) == 0 {
		p.logger.Debugw("No polling backends enabled; poller idle")
		return
	}
	p.wg.Add(1)
	go p.run()
	p.logger.Infow("Status poller started", "interval", p.interval)
}

// Stop gracefully stops the poller.
func (p *Poller) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.Tick(p.ctx)
		}
	}
}

// Tick runs one reconciliation pass.
func (p *Poller) Tick(ctx context.Context) {
	types := p.registry.PollableTypes()
	jobs, err := p.store.ListPollable(ctx, types, pollBatchLimit)
	if err != nil {
		p.logger.Errorw("Listing pollable jobs failed", "error", err)
		return
	}

	for _, j := range jobs {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		p.pollOne(ctx, j)
	}
}

func (p *Poller) pollOne(ctx context.Context, j *job.Job) {
	b, err := p.registry.Get(j.BackendType)
	if err != nil {
		p.logger.Errorw("Pollable job references disabled backend", "job_id", j.ID, "backend_type", j.BackendType)
		return
	}
	poller, ok := b.(backend.StatusPoller)
	if !ok {
		return
	}

	res, err := poller.PollStatus(ctx, j.ExternalExecutionID)
	if err != nil {
		// Poll failures are transient from the job's point of view: the
		// execution keeps running remotely and the next pass retries.
		p.logger.Warnw("Status poll failed",
			"job_id", j.ID,
			"external_execution_id", j.ExternalExecutionID,
			"error", err,
		)
		return
	}

	if res.Running {
		if j.State == job.StateSubmitted {
			if err := p.applier.MarkRunning(ctx, j.ID); err != nil {
				p.logger.Errorw("Marking job running failed", "job_id", j.ID, "error", err)
			}
		}
		return
	}

	if res.Outcome == nil {
		// A non-running result must carry an outcome; a backend that omits
		// it is misbehaving. Skip and let the next pass retry.
		p.logger.Errorw("Poll result not running but carries no outcome",
			"job_id", j.ID,
			"external_execution_id", j.ExternalExecutionID,
		)
		return
	}

	if err := p.applier.ApplyOutcome(ctx, j.ID, j.AttemptCount, *res.Outcome); err != nil {
		p.logger.Errorw("Applying polled outcome failed", "job_id", j.ID, "error", err)
	}
}

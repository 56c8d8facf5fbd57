package retry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/docpress/docpress/job"
)

// promotionBatchLimit bounds how many due jobs one tick promotes, so a
// backlog after downtime drains gradually instead of flooding backends.
const promotionBatchLimit = 50

// Promoter claims and resubmits jobs. Implemented by dispatch.Dispatcher;
// the interface lives here to keep the dependency one-way.
type Promoter interface {
	Promote(ctx context.Context, j *job.Job) error
	ResubmitStalled(ctx context.Context, j *job.Job) error
}

// Scheduler periodically promotes due RETRY_SCHEDULED jobs and repairs
// stalled submissions. Promotion is a guarded transition, so concurrent
// scheduler instances are safe: only one promoter wins per job.
type Scheduler struct {
	store          *job.Store
	promoter       Promoter
	interval       time.Duration
	stalledTimeout time.Duration
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	logger         *zap.SugaredLogger
}

// NewScheduler creates a scheduler bound to a parent context; cancelling
// the parent stops the loop.
func NewScheduler(ctx context.Context, store *job.Store, promoter Promoter, interval, stalledTimeout time.Duration, logger *zap.SugaredLogger) *Scheduler {
	sctx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		store:          store,
		promoter:       promoter,
		interval:       interval,
		stalledTimeout: stalledTimeout,
		ctx:            sctx,
		cancel:         cancel,
		logger:         logger.Named("retry.scheduler"),
	}
}

// Start begins the scheduler loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Infow("Retry scheduler started", "interval", s.interval)
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Infow("Retry scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(s.ctx, now)
		}
	}
}

// Tick runs one scheduler pass. Exported so tests and operators can drive
// promotion without the loop.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	due, err := s.store.ListDue(ctx, now, promotionBatchLimit)
	if err != nil {
		s.logger.Errorw("Listing due retries failed", "error", err)
	}
	for _, j := range due {
		if ctx.Err() != nil {
			return
		}
		if err := s.promoter.Promote(ctx, j); err != nil {
			s.logger.Errorw("Promotion failed", "job_id", j.ID, "error", err)
		}
	}

	stalled, err := s.store.ListStalledSubmits(ctx, now.Add(-s.stalledTimeout), promotionBatchLimit)
	if err != nil {
		s.logger.Errorw("Listing stalled submits failed", "error", err)
		return
	}
	for _, j := range stalled {
		if ctx.Err() != nil {
			return
		}
		if err := s.promoter.ResubmitStalled(ctx, j); err != nil {
			s.logger.Errorw("Stalled resubmission failed", "job_id", j.ID, "error", err)
		}
	}
}

// Package queue runs provisioning jobs from the durable job table.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	custom_errors "classroom-provisioner/internal/errors"
	"classroom-provisioner/internal/model"
)

// maxBackoffShift caps the exponential retry delay at 64 times the base backoff.
const maxBackoffShift = 6

// Queue is the job table.
type Queue interface {
	ClaimJob(ctx context.Context, lease time.Duration) (model.ProvisionJob, error)
	CompleteJob(ctx context.Context, id uuid.UUID) error
	RetryJob(ctx context.Context, id uuid.UUID, lastError string, runAfter time.Time) error
	FailJob(ctx context.Context, id uuid.UUID, lastError string) error
}

// Handler processes a claimed job. Abandon is called once a job has no deliveries left.
type Handler interface {
	Process(ctx context.Context, job model.ProvisionJob) error
	Abandon(ctx context.Context, job model.ProvisionJob) error
}

// Config controls polling and delivery.
type Config struct {
	Concurrency  int
	PollInterval time.Duration
	LeaseTTL     time.Duration
	RetryBackoff time.Duration
}

// Runner polls the queue and hands claimed jobs to a bounded pool of goroutines.
// Jobs whose lease runs out while a runner is stuck or dead are claimed again by any runner, so
// handlers must tolerate redelivery.
type Runner struct {
	queue   Queue
	handler Handler
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewRunner creates a new Runner instance.
func NewRunner(q Queue, h Handler, cfg Config, logger *slog.Logger) *Runner {
	return &Runner{
		queue:   q,
		handler: h,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Start polls until ctx is cancelled. Jobs in flight at shutdown keep their lease and are picked up
// again after it expires.
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("Starting job runner",
		"interval", r.cfg.PollInterval.String(), "concurrency", r.cfg.Concurrency, "lease", r.cfg.LeaseTTL.String())
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.RunCycle(ctx)

	for {
		select {
		case <-ticker.C:
			r.RunCycle(ctx)
		case <-ctx.Done():
			r.logger.Info("Job runner shutting down", "reason", ctx.Err())
			return
		}
	}
}

// RunCycle claims jobs until none are due and waits for all of them to finish.
// It returns the number of jobs handled.
func (r *Runner) RunCycle(ctx context.Context) int {
	p := pool.New().WithMaxGoroutines(r.cfg.Concurrency)

	claimed := 0
	for ctx.Err() == nil {
		job, err := r.queue.ClaimJob(ctx, r.cfg.LeaseTTL)
		if errors.Is(err, custom_errors.ErrNotFound) {
			break
		}
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				r.logger.Error("Failed to claim job", "error", err)
			}
			break
		}
		claimed++
		p.Go(func() {
			r.handle(ctx, job)
		})
	}
	p.Wait()

	if claimed > 0 {
		r.logger.Debug("Job cycle finished", "jobs", claimed)
	}
	return claimed
}

func (r *Runner) handle(ctx context.Context, job model.ProvisionJob) {
	logger := r.logger.With("job_id", job.ID, "invitation", job.InvitationKey, "user_id", job.UserID, "attempt", job.Attempts)

	err := r.handler.Process(ctx, job)
	if err != nil && ctx.Err() != nil {
		logger.Info("Job interrupted by shutdown, leaving it for lease expiry")
		return
	}
	// Queue bookkeeping must land even if the job ran into a shutdown.
	bctx := context.WithoutCancel(ctx)

	if err == nil {
		if cerr := r.queue.CompleteJob(bctx, job.ID); cerr != nil {
			logger.Error("Failed to complete job", "error", cerr)
		}
		return
	}

	job.LastError = err.Error()
	if job.Attempts >= job.MaxAttempts {
		logger.Warn("Job out of attempts", "error", err)
		if ferr := r.queue.FailJob(bctx, job.ID, job.LastError); ferr != nil {
			logger.Error("Failed to mark job failed", "error", ferr)
		}
		if aerr := r.handler.Abandon(bctx, job); aerr != nil {
			logger.Error("Failed to abandon job", "error", aerr)
		}
		return
	}

	delay := r.backoff(job.Attempts)
	logger.Info("Job will be retried", "error", err, "delay", delay.String())
	if rerr := r.queue.RetryJob(bctx, job.ID, job.LastError, r.now().Add(delay)); rerr != nil {
		logger.Error("Failed to reschedule job", "error", rerr)
	}
}

func (r *Runner) backoff(attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return r.cfg.RetryBackoff << shift
}

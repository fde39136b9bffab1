// Package worker consumes the delay queue and dispatches email jobs. Each
// dispatch re-reads the job store for authoritative state, so stale queue
// entries are filtered by the idempotency gate rather than trusted.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/outboxhq/outbox/internal/mailer"
	"github.com/outboxhq/outbox/internal/metrics"
	"github.com/outboxhq/outbox/internal/models"
	"github.com/outboxhq/outbox/internal/ratelimit"
	"github.com/outboxhq/outbox/pkg/clock"
	"github.com/outboxhq/outbox/pkg/queue"
)

// JobStore is the slice of the job repository the worker needs.
type JobStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.EmailJob, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.Status, sentAt, failedAt *time.Time) error
	ListPending(ctx context.Context) ([]*models.EmailJob, error)
}

// Queue is the consumer side of the delay queue.
type Queue interface {
	Enqueue(ctx context.Context, jobKey string, payload queue.Payload, delay time.Duration, retryLimit int) error
	Dequeue(ctx context.Context) (*queue.Entry, error)
	Exists(ctx context.Context, jobKey string) (bool, error)
	MarkCompleted(ctx context.Context, entry *queue.Entry) error
	MarkFailed(ctx context.Context, entry *queue.Entry, cause error) error
	Release(ctx context.Context, entry *queue.Entry) error
}

// RateLimiter gates dispatches against the hourly caps.
type RateLimiter interface {
	Check(ctx context.Context, userID uuid.UUID) (ratelimit.Decision, error)
	Increment(ctx context.Context, userID uuid.UUID) error
}

// Transport is the external SMTP collaborator.
type Transport interface {
	Send(ctx context.Context, msg mailer.Message) (mailer.Receipt, error)
}

// Outcome classifies one dispatch.
type Outcome string

const (
	OutcomeSent            Outcome = "sent"
	OutcomeAlreadySent     Outcome = "already_sent"
	OutcomeNotFound        Outcome = "not_found"
	OutcomeRateLimited     Outcome = "rate_limited"
	OutcomeTransportFailed Outcome = "transport_failed"
	OutcomeErrored         Outcome = "errored"
	OutcomeAborted         Outcome = "aborted"
)

// Options tunes the pool.
type Options struct {
	Concurrency           int           // parallel dispatches
	MinDelayBetweenEmails time.Duration // per-dispatch throttle inside the slot
	DispatchPerSecond     int           // pool-wide safety throttle
	RetryLimit            int           // retry budget for deferral entries
}

// Pool runs bounded-concurrency consumers against the delay queue.
type Pool struct {
	store     JobStore
	queue     Queue
	limiter   RateLimiter
	transport Transport
	clock     clock.Clock
	logger    *zap.Logger
	opts      Options
	throttle  *rate.Limiter
}

// NewPool creates a worker pool.
func NewPool(store JobStore, q Queue, limiter RateLimiter, transport Transport, clk clock.Clock, opts Options, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.DispatchPerSecond <= 0 {
		opts.DispatchPerSecond = 100
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = queue.DefaultRetryLimit
	}
	return &Pool{
		store:     store,
		queue:     q,
		limiter:   limiter,
		transport: transport,
		clock:     clk,
		logger:    logger,
		opts:      opts,
		throttle:  rate.NewLimiter(rate.Limit(opts.DispatchPerSecond), opts.DispatchPerSecond),
	}
}

// Run starts the consumers and blocks until ctx is done and every in-flight
// dispatch has finished.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.consume(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) consume(ctx context.Context, id int) {
	p.logger.Info("worker started", zap.Int("worker_id", id))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("worker shutting down", zap.Int("worker_id", id))
			return
		default:
		}

		entry, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Info("worker shutting down", zap.Int("worker_id", id))
				return
			}
			p.logger.Warn("dequeue error", zap.Int("worker_id", id), zap.Error(err))
			_ = p.clock.Sleep(ctx, time.Second)
			continue
		}

		// Shutdown stops new claims only: a claimed entry is either released or
		// dispatched to completion, so that work must not see ctx cancelled.
		workCtx := context.WithoutCancel(ctx)

		if err := p.throttle.Wait(ctx); err != nil {
			_ = p.queue.Release(workCtx, entry)
			return
		}

		outcome := p.process(workCtx, entry)
		p.record(outcome)
		p.logger.Debug("dispatch finished",
			zap.Int("worker_id", id),
			zap.String("job_key", entry.JobKey),
			zap.String("outcome", string(outcome)),
		)
	}
}

// process runs one dispatch end-to-end. The job store is authoritative: a
// queue entry whose record is already SENT is acknowledged and skipped; a
// FAILED record is dispatched again.
func (p *Pool) process(ctx context.Context, entry *queue.Entry) Outcome {
	jobID := entry.Payload.EmailJobID
	log := p.logger.With(zap.String("job_id", jobID.String()), zap.String("job_key", entry.JobKey))

	job, err := p.store.Get(ctx, jobID)
	if err != nil {
		log.Error("load job failed", zap.Error(err))
		_ = p.queue.MarkFailed(ctx, entry, err)
		return OutcomeErrored
	}
	if job == nil {
		log.Warn("job record missing; acknowledging entry")
		_ = p.queue.MarkCompleted(ctx, entry)
		return OutcomeNotFound
	}

	switch job.Status {
	case models.StatusSent:
		_ = p.queue.MarkCompleted(ctx, entry)
		return OutcomeAlreadySent
	case models.StatusFailed:
		log.Info("retrying previously failed job")
	}

	decision, err := p.limiter.Check(ctx, job.UserID)
	if err != nil {
		log.Error("rate check failed", zap.Error(err))
		_ = p.queue.MarkFailed(ctx, entry, err)
		return OutcomeErrored
	}
	if !decision.Allowed {
		return p.deferDispatch(ctx, entry, job, decision, log)
	}

	if err := p.store.UpdateStatus(ctx, jobID, models.StatusProcessing, nil, nil); err != nil {
		log.Error("mark processing failed", zap.Error(err))
		_ = p.queue.MarkFailed(ctx, entry, err)
		return OutcomeErrored
	}

	// The inter-send pacing sleeps inside the worker slot so it counts
	// against concurrency.
	if err := p.clock.Sleep(ctx, p.opts.MinDelayBetweenEmails); err != nil {
		_ = p.queue.Release(ctx, entry)
		return OutcomeAborted
	}

	receipt, sendErr := p.transport.Send(ctx, mailer.Message{
		To:      job.Recipient,
		Subject: job.Subject,
		HTML:    job.Body,
	})
	if sendErr != nil {
		log.Error("send failed", zap.Error(sendErr))
		failedAt := p.clock.Now().UTC()
		if err := p.store.UpdateStatus(ctx, jobID, models.StatusFailed, nil, &failedAt); err != nil {
			log.Error("mark failed failed", zap.Error(err))
		}
		_ = p.queue.MarkFailed(ctx, entry, sendErr)
		return OutcomeTransportFailed
	}

	sentAt := p.clock.Now().UTC()
	if err := p.store.UpdateStatus(ctx, jobID, models.StatusSent, &sentAt, nil); err != nil {
		// Propagate as a queue failure; the replay is made safe by the
		// idempotency gate once the write eventually lands.
		log.Error("mark sent failed", zap.Error(err))
		_ = p.queue.MarkFailed(ctx, entry, err)
		return OutcomeErrored
	}

	// Increment after the SENT write: dying in between under-counts the rate
	// window, which is preferable to over-counting and dropping mail.
	if err := p.limiter.Increment(ctx, job.UserID); err != nil {
		log.Warn("rate increment failed", zap.Error(err))
	}
	_ = p.queue.MarkCompleted(ctx, entry)

	log.Info("email sent",
		zap.String("recipient", job.Recipient),
		zap.String("message_id", receipt.MessageID),
	)
	return OutcomeSent
}

// deferDispatch requeues a rate-limited job as a fresh entry and acknowledges
// the current one: a deferral is not a transport failure and must not consume
// the entry's retry budget. The record stays SCHEDULED.
func (p *Pool) deferDispatch(ctx context.Context, entry *queue.Entry, job *models.EmailJob, decision ratelimit.Decision, log *zap.Logger) Outcome {
	retryKey := fmt.Sprintf("%s-retry-%d", job.ID, p.clock.Now().UnixNano())
	err := p.queue.Enqueue(ctx, retryKey, entry.Payload, decision.RetryAfter, p.opts.RetryLimit)
	if err != nil {
		// Keep the current entry alive so the job is not lost.
		log.Error("deferral enqueue failed", zap.Error(err))
		_ = p.queue.MarkFailed(ctx, entry, err)
		return OutcomeErrored
	}
	_ = p.queue.MarkCompleted(ctx, entry)
	log.Info("rate limited; deferred",
		zap.String("scope", string(decision.Scope)),
		zap.Int64("count", decision.Count),
		zap.Int("limit", decision.Limit),
		zap.Duration("retry_after", decision.RetryAfter),
		zap.String("retry_key", retryKey),
	)
	return OutcomeRateLimited
}

func (p *Pool) record(outcome Outcome) {
	switch outcome {
	case OutcomeSent:
		metrics.EmailsSent.Inc()
	case OutcomeRateLimited:
		metrics.RateLimited.Inc()
	case OutcomeTransportFailed, OutcomeErrored:
		metrics.EmailFailures.Inc()
	}
}

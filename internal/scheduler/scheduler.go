// Package scheduler is the in-process API for enqueueing email jobs. It
// writes the job record first and then the queue entry; if the broker is down
// the record stays SCHEDULED and the next recovery pass requeues it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/outboxhq/outbox/internal/models"
	"github.com/outboxhq/outbox/pkg/clock"
	"github.com/outboxhq/outbox/pkg/queue"
)

// ErrQueueUnavailable marks enqueue failures so the HTTP layer can answer
// 503 instead of 500.
var ErrQueueUnavailable = errors.New("delay queue unavailable")

// JobStore is the slice of the job repository the scheduler writes and reads.
type JobStore interface {
	Create(ctx context.Context, job *models.EmailJob) error
	ListAll(ctx context.Context) ([]*models.EmailJob, error)
	ListScheduled(ctx context.Context) ([]*models.EmailJob, error)
	ListSent(ctx context.Context) ([]*models.EmailJob, error)
}

// UserStore resolves senders.
type UserStore interface {
	UpsertByEmail(ctx context.Context, email, name string) (*models.User, error)
}

// Queue is the enqueue side of the delay queue.
type Queue interface {
	Enqueue(ctx context.Context, jobKey string, payload queue.Payload, delay time.Duration, retryLimit int) error
}

// ScheduleRequest is a validated single-job submission.
type ScheduleRequest struct {
	Sender     string
	SenderName string
	Recipient  string
	Subject    string
	Body       string
	// ScheduledAt is the requested send time; nil means now.
	ScheduledAt *time.Time
	// DelayMs, when set, schedules the send at now+DelayMs and overrides
	// ScheduledAt if both are given.
	DelayMs *int64
}

// BulkRequest is a validated bulk submission.
type BulkRequest struct {
	Sender       string
	SenderName   string
	Recipients   []string
	Subject      string
	Body         string
	StartTime    time.Time
	DelayBetween time.Duration
	// HourlyLimit is accepted for forward compatibility; the stagger plan
	// does not consult it. Caps are enforced at dispatch from config.
	HourlyLimit int
}

// BulkResult summarizes a bulk submission.
type BulkResult struct {
	TotalScheduled int
	FirstSendAt    time.Time
	LastSendAt     time.Time
	Jobs           []*models.EmailJob
}

// Scheduler creates job records and their queue entries.
type Scheduler struct {
	jobs       JobStore
	users      UserStore
	queue      Queue
	clock      clock.Clock
	logger     *zap.Logger
	retryLimit int
}

// New creates a scheduler. retryLimit is the transport-retry budget stamped
// on every queue entry.
func New(jobs JobStore, users UserStore, q Queue, clk clock.Clock, retryLimit int, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Scheduler{
		jobs:       jobs,
		users:      users,
		queue:      q,
		clock:      clk,
		logger:     logger,
		retryLimit: retryLimit,
	}
}

// ScheduleOne creates one job record and enqueues it. Rate caps are not
// consulted here; they are enforced at dispatch.
func (s *Scheduler) ScheduleOne(ctx context.Context, req ScheduleRequest) (*models.EmailJob, error) {
	user, err := s.users.UpsertByEmail(ctx, req.Sender, req.SenderName)
	if err != nil {
		return nil, fmt.Errorf("resolve sender: %w", err)
	}

	now := s.clock.Now()
	sendTime := now
	if req.ScheduledAt != nil {
		sendTime = *req.ScheduledAt
	}
	if req.DelayMs != nil {
		sendTime = now.Add(time.Duration(*req.DelayMs) * time.Millisecond)
	}

	job := &models.EmailJob{
		UserID:      user.ID,
		Recipient:   req.Recipient,
		Subject:     req.Subject,
		Body:        req.Body,
		ScheduledAt: sendTime.UTC(),
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := s.enqueue(ctx, job, sendTime.Sub(now)); err != nil {
		return job, err
	}

	s.logger.Info("job scheduled",
		zap.String("job_id", job.ID.String()),
		zap.String("recipient", job.Recipient),
		zap.Time("scheduled_at", job.ScheduledAt),
	)
	return job, nil
}

// ScheduleBulk creates one record per recipient, staggering send times by
// DelayBetween from StartTime. Recipient index order determines dispatch
// attempt order because ready times are strictly increasing.
func (s *Scheduler) ScheduleBulk(ctx context.Context, req BulkRequest) (*BulkResult, error) {
	user, err := s.users.UpsertByEmail(ctx, req.Sender, req.SenderName)
	if err != nil {
		return nil, fmt.Errorf("resolve sender: %w", err)
	}

	now := s.clock.Now()
	result := &BulkResult{
		FirstSendAt: req.StartTime.UTC(),
		LastSendAt:  req.StartTime.Add(time.Duration(len(req.Recipients)-1) * req.DelayBetween).UTC(),
	}

	for i, recipient := range req.Recipients {
		sendTime := req.StartTime.Add(time.Duration(i) * req.DelayBetween)
		job := &models.EmailJob{
			UserID:      user.ID,
			Recipient:   recipient,
			Subject:     req.Subject,
			Body:        req.Body,
			ScheduledAt: sendTime.UTC(),
		}
		if err := s.jobs.Create(ctx, job); err != nil {
			return result, fmt.Errorf("create job for %s: %w", recipient, err)
		}
		if err := s.enqueue(ctx, job, sendTime.Sub(now)); err != nil {
			// Records already created stay SCHEDULED; recovery requeues them.
			return result, err
		}
		result.Jobs = append(result.Jobs, job)
		result.TotalScheduled++
	}

	s.logger.Info("bulk scheduled",
		zap.Int("total", result.TotalScheduled),
		zap.Time("first_send_at", result.FirstSendAt),
		zap.Time("last_send_at", result.LastSendAt),
	)
	return result, nil
}

func (s *Scheduler) enqueue(ctx context.Context, job *models.EmailJob, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	err := s.queue.Enqueue(ctx, job.ID.String(), queue.Payload{EmailJobID: job.ID}, delay, s.retryLimit)
	if err != nil {
		s.logger.Error("enqueue failed; record left SCHEDULED for recovery",
			zap.String("job_id", job.ID.String()), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return nil
}

// ListAll returns every job.
func (s *Scheduler) ListAll(ctx context.Context) ([]*models.EmailJob, error) {
	return s.jobs.ListAll(ctx)
}

// ListScheduled returns jobs awaiting dispatch.
func (s *Scheduler) ListScheduled(ctx context.Context) ([]*models.EmailJob, error) {
	return s.jobs.ListScheduled(ctx)
}

// ListSent returns dispatched jobs, sent and failed.
func (s *Scheduler) ListSent(ctx context.Context) ([]*models.EmailJob, error) {
	return s.jobs.ListSent(ctx)
}

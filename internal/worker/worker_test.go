package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/outboxhq/outbox/internal/mailer"
	"github.com/outboxhq/outbox/internal/models"
	"github.com/outboxhq/outbox/internal/ratelimit"
	"github.com/outboxhq/outbox/pkg/clock"
	"github.com/outboxhq/outbox/pkg/queue"
)

type fakeStore struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*models.EmailJob
	updateErr error
}

func newFakeStore(jobs ...*models.EmailJob) *fakeStore {
	s := &fakeStore{jobs: make(map[uuid.UUID]*models.EmailJob)}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeStore) Get(_ context.Context, id uuid.UUID) (*models.EmailJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id], nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, id uuid.UUID, status models.Status, sentAt, failedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	job, ok := s.jobs[id]
	if !ok {
		return errors.New("no such job")
	}
	job.Status = status
	job.SentAt = sentAt
	job.FailedAt = failedAt
	return nil
}

func (s *fakeStore) ListPending(_ context.Context) ([]*models.EmailJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []*models.EmailJob
	for _, j := range s.jobs {
		if !j.Status.Terminal() {
			pending = append(pending, j)
		}
	}
	return pending, nil
}

type enqueueCall struct {
	jobKey     string
	payload    queue.Payload
	delay      time.Duration
	retryLimit int
}

type fakeQueue struct {
	mu         sync.Mutex
	enqueues   []enqueueCall
	completed  []string
	failed     []string
	released   []string
	waiting    map[string]bool
	enqueueErr error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{waiting: make(map[string]bool)}
}

func (q *fakeQueue) Enqueue(_ context.Context, jobKey string, payload queue.Payload, delay time.Duration, retryLimit int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.enqueues = append(q.enqueues, enqueueCall{jobKey, payload, delay, retryLimit})
	q.waiting[jobKey] = true
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context) (*queue.Entry, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (q *fakeQueue) Exists(_ context.Context, jobKey string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiting[jobKey], nil
}

func (q *fakeQueue) MarkCompleted(_ context.Context, entry *queue.Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, entry.JobKey)
	return nil
}

func (q *fakeQueue) MarkFailed(_ context.Context, entry *queue.Entry, _ error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, entry.JobKey)
	return nil
}

func (q *fakeQueue) Release(_ context.Context, entry *queue.Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released = append(q.released, entry.JobKey)
	return nil
}

type fakeLimiter struct {
	mu          sync.Mutex
	decision    ratelimit.Decision
	checkErr    error
	incremented []uuid.UUID
}

func (l *fakeLimiter) Check(_ context.Context, _ uuid.UUID) (ratelimit.Decision, error) {
	return l.decision, l.checkErr
}

func (l *fakeLimiter) Increment(_ context.Context, userID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.incremented = append(l.incremented, userID)
	return nil
}

type fakeTransport struct {
	mu    sync.Mutex
	errs  []error // consumed per call; nil entry means success
	calls []mailer.Message
}

func (t *fakeTransport) Send(_ context.Context, msg mailer.Message) (mailer.Receipt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, msg)
	if len(t.errs) > 0 {
		err := t.errs[0]
		t.errs = t.errs[1:]
		if err != nil {
			return mailer.Receipt{}, err
		}
	}
	return mailer.Receipt{MessageID: "<test@localhost>"}, nil
}

func scheduledJob(at time.Time) *models.EmailJob {
	return &models.EmailJob{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Recipient:   "a@x.com",
		Subject:     "S",
		Body:        "B",
		Status:      models.StatusScheduled,
		ScheduledAt: at,
	}
}

func entryFor(job *models.EmailJob) *queue.Entry {
	return &queue.Entry{
		JobKey:     job.ID.String(),
		Payload:    queue.Payload{EmailJobID: job.ID},
		RetryLimit: queue.DefaultRetryLimit,
	}
}

func newTestPool(store JobStore, q Queue, limiter RateLimiter, transport Transport, clk clock.Clock) *Pool {
	return NewPool(store, q, limiter, transport, clk, Options{
		Concurrency:           1,
		MinDelayBetweenEmails: 2 * time.Second,
		DispatchPerSecond:     100,
		RetryLimit:            3,
	}, nil)
}

func TestProcessSendsScheduledJob(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	job := scheduledJob(start)
	store := newFakeStore(job)
	q := newFakeQueue()
	limiter := &fakeLimiter{decision: ratelimit.Decision{Allowed: true}}
	transport := &fakeTransport{}

	pool := newTestPool(store, q, limiter, transport, clk)
	outcome := pool.process(context.Background(), entryFor(job))

	require.Equal(t, OutcomeSent, outcome)
	require.Equal(t, models.StatusSent, job.Status)
	require.NotNil(t, job.SentAt)
	require.Nil(t, job.FailedAt)
	require.Len(t, transport.calls, 1)
	require.Equal(t, "a@x.com", transport.calls[0].To)
	require.Equal(t, []uuid.UUID{job.UserID}, limiter.incremented)
	require.Equal(t, []string{job.ID.String()}, q.completed)
	require.Empty(t, q.failed)
	// The inter-send throttle runs inside the slot before the send.
	require.Equal(t, start.Add(2*time.Second), clk.Now())
}

func TestProcessAlreadySentIsAcknowledged(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	job := scheduledJob(clk.Now())
	job.Status = models.StatusSent
	store := newFakeStore(job)
	q := newFakeQueue()
	transport := &fakeTransport{}

	pool := newTestPool(store, q, &fakeLimiter{decision: ratelimit.Decision{Allowed: true}}, transport, clk)
	outcome := pool.process(context.Background(), entryFor(job))

	require.Equal(t, OutcomeAlreadySent, outcome)
	require.Empty(t, transport.calls)
	require.Equal(t, []string{job.ID.String()}, q.completed)
}

func TestProcessMissingRecordIsAcknowledged(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	store := newFakeStore()
	q := newFakeQueue()
	transport := &fakeTransport{}

	pool := newTestPool(store, q, &fakeLimiter{}, transport, clk)
	entry := &queue.Entry{JobKey: "gone", Payload: queue.Payload{EmailJobID: uuid.New()}}
	outcome := pool.process(context.Background(), entry)

	require.Equal(t, OutcomeNotFound, outcome)
	require.Empty(t, transport.calls)
	require.Equal(t, []string{"gone"}, q.completed)
}

func TestProcessRateLimitedDefersWithFreshEntry(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC))
	job := scheduledJob(clk.Now())
	store := newFakeStore(job)
	q := newFakeQueue()
	transport := &fakeTransport{}
	limiter := &fakeLimiter{decision: ratelimit.Decision{
		Scope:      ratelimit.ScopeSender,
		Count:      50,
		Limit:      50,
		RetryAfter: 31 * time.Minute,
	}}

	pool := newTestPool(store, q, limiter, transport, clk)
	outcome := pool.process(context.Background(), entryFor(job))

	require.Equal(t, OutcomeRateLimited, outcome)
	require.Empty(t, transport.calls)
	// Record unchanged: a deferral is not a state transition.
	require.Equal(t, models.StatusScheduled, job.Status)
	// A fresh entry carries the deferral; the original is acknowledged.
	require.Len(t, q.enqueues, 1)
	require.True(t, strings.HasPrefix(q.enqueues[0].jobKey, job.ID.String()+"-retry-"))
	require.Equal(t, 31*time.Minute, q.enqueues[0].delay)
	require.Equal(t, job.ID, q.enqueues[0].payload.EmailJobID)
	require.Equal(t, []string{job.ID.String()}, q.completed)
	require.Empty(t, q.failed)
}

func TestProcessTransportFailureMarksFailed(t *testing.T) {
	clk := clock.NewFake(time.Unix(5000, 0))
	job := scheduledJob(clk.Now())
	store := newFakeStore(job)
	q := newFakeQueue()
	transport := &fakeTransport{errs: []error{errors.New("connection refused")}}
	limiter := &fakeLimiter{decision: ratelimit.Decision{Allowed: true}}

	pool := newTestPool(store, q, limiter, transport, clk)
	outcome := pool.process(context.Background(), entryFor(job))

	require.Equal(t, OutcomeTransportFailed, outcome)
	require.Equal(t, models.StatusFailed, job.Status)
	require.NotNil(t, job.FailedAt)
	require.Empty(t, limiter.incremented)
	require.Equal(t, []string{job.ID.String()}, q.failed)
	require.Empty(t, q.completed)
}

func TestProcessRetriesFailedRecord(t *testing.T) {
	clk := clock.NewFake(time.Unix(5000, 0))
	job := scheduledJob(clk.Now())
	job.Status = models.StatusFailed
	store := newFakeStore(job)
	q := newFakeQueue()
	transport := &fakeTransport{}
	limiter := &fakeLimiter{decision: ratelimit.Decision{Allowed: true}}

	pool := newTestPool(store, q, limiter, transport, clk)
	outcome := pool.process(context.Background(), entryFor(job))

	require.Equal(t, OutcomeSent, outcome)
	require.Equal(t, models.StatusSent, job.Status)
	require.Len(t, transport.calls, 1)
	require.Len(t, limiter.incremented, 1)
}

func TestProcessDeferralEnqueueFailureKeepsEntry(t *testing.T) {
	clk := clock.NewFake(time.Unix(5000, 0))
	job := scheduledJob(clk.Now())
	store := newFakeStore(job)
	q := newFakeQueue()
	q.enqueueErr = errors.New("broker down")
	limiter := &fakeLimiter{decision: ratelimit.Decision{Scope: ratelimit.ScopeGlobal, Limit: 200, RetryAfter: time.Minute}}

	pool := newTestPool(store, q, limiter, &fakeTransport{}, clk)
	outcome := pool.process(context.Background(), entryFor(job))

	require.Equal(t, OutcomeErrored, outcome)
	require.Empty(t, q.completed)
	require.Equal(t, []string{job.ID.String()}, q.failed)
}

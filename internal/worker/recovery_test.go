package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outboxhq/outbox/internal/models"
	"github.com/outboxhq/outbox/pkg/clock"
)

func TestRecoverRequeuesPendingJobs(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)

	future := scheduledJob(now.Add(60 * time.Second))
	past := scheduledJob(now.Add(-30 * time.Second))
	inFlight := scheduledJob(now.Add(-5 * time.Second))
	inFlight.Status = models.StatusProcessing
	done := scheduledJob(now.Add(-time.Hour))
	done.Status = models.StatusSent

	store := newFakeStore(future, past, inFlight, done)
	q := newFakeQueue()

	requeued, err := Recover(context.Background(), store, q, clk, 3, nil)
	require.NoError(t, err)
	require.Equal(t, 3, requeued)

	// The abandoned PROCESSING record is back to SCHEDULED.
	require.Equal(t, models.StatusScheduled, inFlight.Status)

	delays := make(map[string]time.Duration, len(q.enqueues))
	for _, e := range q.enqueues {
		delays[e.jobKey] = e.delay
	}
	require.Equal(t, 60*time.Second, delays[future.ID.String()])
	// Past scheduled times clamp to zero and fire immediately.
	require.Equal(t, time.Duration(0), delays[past.ID.String()])
	require.Equal(t, time.Duration(0), delays[inFlight.ID.String()])
	require.NotContains(t, delays, done.ID.String())
}

func TestRecoverSkipsJobsAlreadyQueued(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	job := scheduledJob(now.Add(time.Minute))

	store := newFakeStore(job)
	q := newFakeQueue()
	q.waiting[job.ID.String()] = true

	requeued, err := Recover(context.Background(), store, q, clk, 3, nil)
	require.NoError(t, err)
	require.Zero(t, requeued)
	require.Empty(t, q.enqueues)
}

func TestRecoverIsIdempotent(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	jobs := []*models.EmailJob{
		scheduledJob(now.Add(time.Minute)),
		scheduledJob(now.Add(2 * time.Minute)),
	}
	store := newFakeStore(jobs...)
	q := newFakeQueue()

	first, err := Recover(context.Background(), store, q, clk, 3, nil)
	require.NoError(t, err)
	require.Equal(t, 2, first)

	second, err := Recover(context.Background(), store, q, clk, 3, nil)
	require.NoError(t, err)
	require.Zero(t, second)
	require.Len(t, q.enqueues, 2)
}

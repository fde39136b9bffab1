package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/outboxhq/outbox/internal/metrics"
	"github.com/outboxhq/outbox/internal/models"
	"github.com/outboxhq/outbox/pkg/clock"
	"github.com/outboxhq/outbox/pkg/queue"
)

// Recover reconciles the job store with the delay queue. Call once at process
// start, before the pool begins consuming.
//
// PROCESSING records belong to a worker that died mid-dispatch and are reset
// to SCHEDULED. Every pending job without a waiting queue entry is requeued;
// a past scheduled time clamps the delay to zero so the job fires
// immediately. Running it twice has the same effect as running it once.
func Recover(ctx context.Context, store JobStore, q Queue, clk clock.Clock, retryLimit int, logger *zap.Logger) (int, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pending, err := store.ListPending(ctx)
	if err != nil {
		return 0, err
	}

	requeued := 0
	now := clk.Now()
	for _, job := range pending {
		if job.Status == models.StatusProcessing {
			if err := store.UpdateStatus(ctx, job.ID, models.StatusScheduled, nil, nil); err != nil {
				logger.Error("reset processing job failed",
					zap.String("job_id", job.ID.String()), zap.Error(err))
				continue
			}
		}

		exists, err := q.Exists(ctx, job.ID.String())
		if err != nil {
			logger.Error("queue lookup failed",
				zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}
		if exists {
			continue
		}

		delay := job.ScheduledAt.Sub(now)
		if delay < 0 {
			delay = 0
		}
		err = q.Enqueue(ctx, job.ID.String(), queue.Payload{EmailJobID: job.ID}, delay, retryLimit)
		if err != nil {
			logger.Error("recovery enqueue failed",
				zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}
		requeued++
		metrics.JobsRecovered.Inc()
	}

	logger.Info("recovery complete",
		zap.Int("pending", len(pending)),
		zap.Int("requeued", requeued),
	)
	return requeued, nil
}

// Package queue implements a durable delayed-job queue over Redis: a sorted
// set scored by ready-at time holds waiting entries, a hash holds entry
// bodies, and a Lua script atomically claims entries that have become due.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/outboxhq/outbox/pkg/clock"
)

const (
	// KeyDelayed is the sorted set of waiting entries, scored by ready-at ms.
	KeyDelayed = "outbox:queue:delayed"
	// KeyEntries maps jobKey to the serialized entry while it is live.
	KeyEntries = "outbox:queue:entries"
	// KeyDead retains entries that exhausted their retry budget.
	KeyDead = "outbox:queue:dead"

	// DefaultRetryLimit is the transport-failure retry budget per entry.
	DefaultRetryLimit = 3
	// DefaultBackoffBase is the first retry delay; doubled per attempt.
	DefaultBackoffBase = time.Second

	pollInterval = 250 * time.Millisecond
)

// Payload references the job store record an entry dispatches.
type Payload struct {
	EmailJobID uuid.UUID `json:"email_job_id"`
}

// Entry is one queue entry. JobKey equals the job record id for the initial
// enqueue; rate-limit deferrals enqueue fresh entries keyed id-retry-<now_ns>.
type Entry struct {
	JobKey     string  `json:"job_key"`
	Payload    Payload `json:"payload"`
	ReadyAt    int64   `json:"ready_at"` // unix ms
	Attempt    int     `json:"attempt"`
	RetryLimit int     `json:"retry_limit"`
	EnqueuedAt int64   `json:"enqueued_at"` // unix ms
	LastError  string  `json:"last_error,omitempty"`
}

// claimScript pops the first due entry: removes it from the delayed set and
// returns its body. The ZREM + HGET must be atomic or two consumers could
// claim the same key.
var claimScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #due == 0 then
  return false
end
redis.call("ZREM", KEYS[1], due[1])
local raw = redis.call("HGET", KEYS[2], due[1])
if not raw then
  return false
end
return raw
`)

// Queue enqueues and dequeues delayed jobs via Redis.
type Queue struct {
	client      *redis.Client
	clock       clock.Clock
	logger      *zap.Logger
	backoffBase time.Duration
}

// New creates a Redis-backed delayed queue.
func New(client *redis.Client, clk clock.Clock, backoffBase time.Duration, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if backoffBase <= 0 {
		backoffBase = DefaultBackoffBase
	}
	return &Queue{client: client, clock: clk, logger: logger, backoffBase: backoffBase}
}

// Enqueue schedules payload under jobKey to become ready after delay.
// Negative delays are clamped to zero. retryLimit <= 0 uses the default.
func (q *Queue) Enqueue(ctx context.Context, jobKey string, payload Payload, delay time.Duration, retryLimit int) error {
	if delay < 0 {
		delay = 0
	}
	if retryLimit <= 0 {
		retryLimit = DefaultRetryLimit
	}
	now := q.clock.Now()
	entry := Entry{
		JobKey:     jobKey,
		Payload:    payload,
		ReadyAt:    now.Add(delay).UnixMilli(),
		RetryLimit: retryLimit,
		EnqueuedAt: now.UnixMilli(),
	}
	if err := q.store(ctx, &entry); err != nil {
		return fmt.Errorf("enqueue %s: %w", jobKey, err)
	}
	q.logger.Debug("enqueued job",
		zap.String("job_key", jobKey),
		zap.Duration("delay", delay),
	)
	return nil
}

// Exists reports whether a waiting entry with jobKey is in the delayed set.
// Claimed (in-flight) entries do not count: if the process died mid-dispatch
// the job must be requeued by recovery.
func (q *Queue) Exists(ctx context.Context, jobKey string) (bool, error) {
	_, err := q.client.ZScore(ctx, KeyDelayed, jobKey).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("zscore %s: %w", jobKey, err)
	}
	return true, nil
}

// Dequeue blocks until an entry becomes ready or ctx is done. The claimed
// entry stays in the entries hash until MarkCompleted or MarkFailed.
func (q *Queue) Dequeue(ctx context.Context) (*Entry, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now := q.clock.Now().UnixMilli()
		raw, err := claimScript.Run(ctx, q.client, []string{KeyDelayed, KeyEntries}, now).Text()
		if err == nil {
			var entry Entry
			if uerr := json.Unmarshal([]byte(raw), &entry); uerr != nil {
				q.logger.Warn("invalid queue entry", zap.String("raw", raw), zap.Error(uerr))
				continue
			}
			return &entry, nil
		}
		if err != redis.Nil {
			return nil, fmt.Errorf("claim: %w", err)
		}
		if err := q.clock.Sleep(ctx, pollInterval); err != nil {
			return nil, err
		}
	}
}

// MarkCompleted removes a claimed entry.
func (q *Queue) MarkCompleted(ctx context.Context, entry *Entry) error {
	if err := q.client.HDel(ctx, KeyEntries, entry.JobKey).Err(); err != nil {
		return fmt.Errorf("complete %s: %w", entry.JobKey, err)
	}
	return nil
}

// MarkFailed records a failed dispatch. The entry is rescheduled with
// exponential backoff until its retry budget is spent, then moved to the dead
// hash where it is retained for inspection.
func (q *Queue) MarkFailed(ctx context.Context, entry *Entry, cause error) error {
	entry.Attempt++
	if cause != nil {
		entry.LastError = cause.Error()
	}
	if entry.Attempt >= entry.RetryLimit {
		raw, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal dead entry: %w", err)
		}
		pipe := q.client.TxPipeline()
		pipe.HDel(ctx, KeyEntries, entry.JobKey)
		pipe.HSet(ctx, KeyDead, entry.JobKey, raw)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("dead-letter %s: %w", entry.JobKey, err)
		}
		q.logger.Warn("entry moved to dead set",
			zap.String("job_key", entry.JobKey),
			zap.Int("attempt", entry.Attempt),
			zap.String("last_error", entry.LastError),
		)
		return nil
	}

	delay := RetryDelay(q.backoffBase, entry.Attempt)
	entry.ReadyAt = q.clock.Now().Add(delay).UnixMilli()
	if err := q.store(ctx, entry); err != nil {
		return fmt.Errorf("reschedule %s: %w", entry.JobKey, err)
	}
	q.logger.Info("entry rescheduled after failure",
		zap.String("job_key", entry.JobKey),
		zap.Int("attempt", entry.Attempt),
		zap.Duration("delay", delay),
	)
	return nil
}

// Release puts a claimed entry back into the delayed set without consuming a
// retry attempt. Used when a dispatch is abandoned on shutdown.
func (q *Queue) Release(ctx context.Context, entry *Entry) error {
	if err := q.store(ctx, entry); err != nil {
		return fmt.Errorf("release %s: %w", entry.JobKey, err)
	}
	return nil
}

func (q *Queue) store(ctx context.Context, entry *Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, KeyEntries, entry.JobKey, raw)
	pipe.ZAdd(ctx, KeyDelayed, redis.Z{Score: float64(entry.ReadyAt), Member: entry.JobKey})
	_, err = pipe.Exec(ctx)
	return err
}

// RetryDelay returns the backoff before retry attempt n (1-based):
// base, 2*base, 4*base, ...
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

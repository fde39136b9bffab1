// Package ratelimit tracks hourly send counters per sender and globally.
// Counters live in Redis under ratelimit:sender:<userId>:<H> and
// ratelimit:global:<H> with a two-hour TTL.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/outboxhq/outbox/pkg/clock"
)

// Scope names which cap a denial was attributed to.
type Scope string

const (
	ScopeSender Scope = "sender"
	ScopeGlobal Scope = "global"
)

// Decision is the result of a rate check.
type Decision struct {
	Allowed    bool
	Scope      Scope // set when denied
	Count      int64 // current count for the denied scope
	Limit      int   // cap for the denied scope
	RetryAfter time.Duration
}

// Snapshot is the read-only counter view for observability.
type Snapshot struct {
	SenderCount int64 `json:"senderCount"`
	SenderLimit int   `json:"senderLimit"`
	GlobalCount int64 `json:"globalCount"`
	GlobalLimit int   `json:"globalLimit"`
}

// Limiter enforces the per-sender and global hourly caps.
//
// Check and Increment are individually atomic, but the worker's
// check-then-send-then-increment sequence is not: under full parallelism the
// effective cap can be exceeded by up to workerConcurrency-1 per window.
type Limiter struct {
	client      *redis.Client
	clock       clock.Clock
	logger      *zap.Logger
	senderLimit int
	globalLimit int
}

// New creates a limiter with the given hourly caps.
func New(client *redis.Client, clk clock.Clock, senderLimit, globalLimit int, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Limiter{
		client:      client,
		clock:       clk,
		logger:      logger,
		senderLimit: senderLimit,
		globalLimit: globalLimit,
	}
}

func senderKey(userID uuid.UUID, window int64) string {
	return fmt.Sprintf("ratelimit:sender:%s:%d", userID, window)
}

func globalKey(window int64) string {
	return fmt.Sprintf("ratelimit:global:%d", window)
}

// Check reads both counters for the current window. The per-sender cap is
// checked first; when both are exceeded the sender cap is reported.
func (l *Limiter) Check(ctx context.Context, userID uuid.UUID) (Decision, error) {
	now := l.clock.Now()
	window := windowIndex(now)

	pipe := l.client.Pipeline()
	senderGet := pipe.Get(ctx, senderKey(userID, window))
	globalGet := pipe.Get(ctx, globalKey(window))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Decision{}, fmt.Errorf("rate check: %w", err)
	}

	senderCount := counterValue(senderGet)
	globalCount := counterValue(globalGet)

	if senderCount >= int64(l.senderLimit) {
		return Decision{
			Scope:      ScopeSender,
			Count:      senderCount,
			Limit:      l.senderLimit,
			RetryAfter: retryAfter(now),
		}, nil
	}
	if globalCount >= int64(l.globalLimit) {
		return Decision{
			Scope:      ScopeGlobal,
			Count:      globalCount,
			Limit:      l.globalLimit,
			RetryAfter: retryAfter(now),
		}, nil
	}
	return Decision{Allowed: true}, nil
}

// Increment bumps both counters and refreshes their expiry. Called only after
// a successful send so consumption reflects actual outbound emails, not
// attempts.
func (l *Limiter) Increment(ctx context.Context, userID uuid.UUID) error {
	window := windowIndex(l.clock.Now())
	sk := senderKey(userID, window)
	gk := globalKey(window)

	pipe := l.client.TxPipeline()
	pipe.Incr(ctx, sk)
	pipe.Expire(ctx, sk, counterTTL)
	pipe.Incr(ctx, gk)
	pipe.Expire(ctx, gk, counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rate increment: %w", err)
	}
	return nil
}

// Status returns the current window's counters for userID.
func (l *Limiter) Status(ctx context.Context, userID uuid.UUID) (Snapshot, error) {
	window := windowIndex(l.clock.Now())

	pipe := l.client.Pipeline()
	senderGet := pipe.Get(ctx, senderKey(userID, window))
	globalGet := pipe.Get(ctx, globalKey(window))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Snapshot{}, fmt.Errorf("rate status: %w", err)
	}

	return Snapshot{
		SenderCount: counterValue(senderGet),
		SenderLimit: l.senderLimit,
		GlobalCount: counterValue(globalGet),
		GlobalLimit: l.globalLimit,
	}, nil
}

func counterValue(cmd *redis.StringCmd) int64 {
	n, err := cmd.Int64()
	if err != nil {
		return 0
	}
	return n
}

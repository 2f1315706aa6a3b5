package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/issuesync/issuesync/pkg/engine"
	"github.com/issuesync/issuesync/pkg/telemetry"
)

const (
	pendingKey    = "issuesync:webhooks:pending"
	processingKey = "issuesync:webhooks:processing"
	deadKey       = "issuesync:webhooks:dead"
)

// redisLists is the slice of the Redis API the queue uses. *redis.Client
// satisfies it; tests substitute a fake.
type redisLists interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BLMove(ctx context.Context, source, destination, srcpos, destpos string, timeout time.Duration) *redis.StringCmd
	LMove(ctx context.Context, source, destination, srcpos, destpos string) *redis.StringCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Fallback processes an event synchronously when the queue backend is
// unreachable.
type Fallback func(ctx context.Context, ev *Event) error

// Queue is the durable webhook event queue. Events move atomically from
// the pending list to the processing list on dequeue; a crash between
// dequeue and ack leaves the event in processing, where RecoverProcessing
// returns it to pending on the next startup. Retry-exhausted events land
// on a dead list for inspection, never silently dropped.
type Queue struct {
	client   redisLists
	fallback Fallback
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
}

// NewQueue creates a webhook queue over the given Redis client.
func NewQueue(client redisLists, logger zerolog.Logger, metrics *telemetry.Metrics) *Queue {
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Queue{
		client:  client,
		logger:  logger.With().Str("component", "webhook-queue").Logger(),
		metrics: metrics,
	}
}

// SetFallback installs the degraded-mode handler invoked when Redis is
// unreachable on Enqueue.
func (q *Queue) SetFallback(f Fallback) {
	q.fallback = f
}

// Enqueue pushes an event onto the pending list. When Redis is
// unreachable the event is processed synchronously via the fallback
// handler instead; the event is never dropped.
func (q *Queue) Enqueue(ctx context.Context, ev *Event) error {
	if ev.MaxRetries <= 0 {
		ev.MaxRetries = 3
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return engine.NewQueueError("failed to encode webhook event", err)
	}

	if err := q.client.LPush(ctx, pendingKey, string(data)).Err(); err != nil {
		if q.fallback != nil {
			q.logger.Warn().Err(err).
				Str("event_id", ev.ID).
				Msg("queue unreachable, processing event directly")
			return q.fallback(ctx, ev)
		}
		return engine.NewQueueError("failed to enqueue webhook event",
			fmt.Errorf("%w: %v", engine.ErrQueueUnavailable, err))
	}
	return nil
}

// Dequeue atomically moves the oldest pending event to the processing
// list and returns it. A nil event with nil error means the timeout
// elapsed with nothing pending.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Event, error) {
	raw, err := q.client.BLMove(ctx, pendingKey, processingKey, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, engine.NewQueueError("failed to dequeue webhook event", err)
	}

	ev := &Event{}
	if err := json.Unmarshal([]byte(raw), ev); err != nil {
		// A malformed entry can never be processed; drop it from
		// processing so it does not return on every recovery.
		_ = q.client.LRem(ctx, processingKey, 1, raw).Err()
		return nil, engine.NewQueueError("failed to decode webhook event", err)
	}
	ev.raw = raw
	return ev, nil
}

// Ack removes a processed event from the processing list.
func (q *Queue) Ack(ctx context.Context, ev *Event) error {
	if err := q.client.LRem(ctx, processingKey, 1, ev.raw).Err(); err != nil {
		return engine.NewQueueError("failed to ack webhook event", err)
	}
	return nil
}

// Nack records a processing failure. The event is re-queued to pending
// while retries remain, otherwise moved to the dead list.
func (q *Queue) Nack(ctx context.Context, ev *Event) error {
	ev.RetryCount++

	data, err := json.Marshal(ev)
	if err != nil {
		return engine.NewQueueError("failed to encode webhook event", err)
	}

	dest := pendingKey
	if ev.RetryCount >= ev.MaxRetries {
		dest = deadKey
		q.logger.Error().
			Str("event_id", ev.ID).
			Str("event_type", ev.EventType).
			Int("retries", ev.RetryCount).
			Msg("webhook event moved to dead letter list")
	}

	if err := q.client.LPush(ctx, dest, string(data)).Err(); err != nil {
		return engine.NewQueueError("failed to requeue webhook event", err)
	}
	if err := q.client.LRem(ctx, processingKey, 1, ev.raw).Err(); err != nil {
		return engine.NewQueueError("failed to remove webhook event from processing", err)
	}
	return nil
}

// Stats returns the current list depths.
func (q *Queue) Stats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	var err error

	if stats.Pending, err = q.client.LLen(ctx, pendingKey).Result(); err != nil {
		return QueueStats{}, engine.NewQueueError("failed to read queue stats", err)
	}
	if stats.Processing, err = q.client.LLen(ctx, processingKey).Result(); err != nil {
		return QueueStats{}, engine.NewQueueError("failed to read queue stats", err)
	}
	if stats.Dead, err = q.client.LLen(ctx, deadKey).Result(); err != nil {
		return QueueStats{}, engine.NewQueueError("failed to read queue stats", err)
	}

	q.metrics.SetWebhookQueueDepth("pending", float64(stats.Pending))
	q.metrics.SetWebhookQueueDepth("processing", float64(stats.Processing))
	q.metrics.SetWebhookQueueDepth("dead", float64(stats.Dead))
	return stats, nil
}

// RecoverProcessing moves events stranded on the processing list back to
// pending. Called once at startup; entries there belong to workers that
// crashed between dequeue and ack.
func (q *Queue) RecoverProcessing(ctx context.Context) (int, error) {
	recovered := 0
	for {
		_, err := q.client.LMove(ctx, processingKey, pendingKey, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return recovered, engine.NewQueueError("failed to recover processing events", err)
		}
		recovered++
	}
	if recovered > 0 {
		q.logger.Info().Int("events", recovered).Msg("recovered stranded webhook events")
	}
	return recovered, nil
}

// Ping verifies the queue backend is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return engine.NewQueueError("queue backend unreachable", err)
	}
	return nil
}

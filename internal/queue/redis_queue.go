package queue

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"webhook-pipeline/internal/config"
	"webhook-pipeline/internal/models"
)

// Retention caps for recently finished jobs. Kept only for observability,
// then trimmed away; failures are held longer than successes.
const (
	recentCompletedCap = 100
	recentFailedCap    = 1000
)

// RedisQueue coordinates ready, in-flight, scheduled, and dead-letter job
// queues in Redis. Job IDs are provider event IDs, so enqueueing the same
// logical event twice is a no-op rather than a duplicate job.
type RedisQueue struct {
	client        *redis.Client
	priorities    []string
	inflightKey   string
	scheduledKey  string
	jobMetaPrefix string
	pausedKey     string
	dlqKey        string
	dlqOrderKey   string
	recentPrefix  string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue client from config. The connection is lazy;
// go-redis dials on first use and retries on failure.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	opts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	if cfg.RedisTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return newWithClient(redis.NewClient(opts), visibility)
}

// NewWithClient wraps an existing Redis client; used by tests with miniredis.
func NewWithClient(client *redis.Client, visibility time.Duration) *RedisQueue {
	return newWithClient(client, visibility)
}

func newWithClient(client *redis.Client, visibility time.Duration) *RedisQueue {
	return &RedisQueue{
		client:        client,
		priorities:    []string{models.PriorityHigh, models.PriorityDefault},
		inflightKey:   "webhooks:inflight",
		scheduledKey:  "webhooks:scheduled",
		jobMetaPrefix: "webhooks:jobmeta:",
		pausedKey:     "webhooks:paused",
		dlqKey:        "webhooks:dlq",
		dlqOrderKey:   "webhooks:dlq:order",
		recentPrefix:  "webhooks:recent:",
		visibilityTTL: visibility,
	}
}

func (q *RedisQueue) readyKey(priority string) string {
	return fmt.Sprintf("webhooks:ready:%s", priority)
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

// Close releases the broker connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Enqueue inserts a job into either the scheduled set or a ready queue.
// The jobmeta HSETNX is the queue-layer idempotency guard: if the job is
// already known, nothing is enqueued and false is returned.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID, priority string, runAt time.Time) (bool, error) {
	if priority == "" {
		priority = models.PriorityDefault
	}
	created, err := q.client.HSetNX(ctx, q.metaKey(jobID), "priority", priority).Result()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	if !created {
		return false, nil
	}
	if runAt.After(time.Now()) {
		err = q.client.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID}).Err()
	} else {
		err = q.client.RPush(ctx, q.readyKey(priority), jobID).Err()
	}
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return true, nil
}

// Schedule moves a job into the scheduled set for deferred redelivery. Used
// by the worker on retry; the jobmeta entry already exists.
func (q *RedisQueue) Schedule(ctx context.Context, jobID, priority string, runAt time.Time) error {
	if priority == "" {
		priority = models.PriorityDefault
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(q.priorityOf(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (q *RedisQueue) priorityOf(ctx context.Context, jobID string) string {
	priority, err := q.client.HGet(ctx, q.metaKey(jobID), "priority").Result()
	if err != nil || priority == "" {
		return models.PriorityDefault
	}
	return priority
}

// DequeueWithLease pops a job from ready queues (priority order) and places
// it into inflight with a visibility timeout, so no two workers can hold the
// same job. Returns "" when the queue is empty or dispatch is paused.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.priorities)+2)
	keys = append(keys, q.pausedKey)
	for _, p := range q.priorities {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and its meta record, allowing a
// future event with the same ID to be enqueued again (DLQ retry path).
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// AckRetaining removes a job from in-flight but keeps its meta record so the
// queue-layer dedupe still holds across a scheduled retry.
func (q *RedisQueue) AckRetaining(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.inflightKey, jobID).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing those jobs.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(q.priorityOf(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Pause stops job dispatch without touching queued jobs.
func (q *RedisQueue) Pause(ctx context.Context) error {
	return q.client.Set(ctx, q.pausedKey, "1", 0).Err()
}

// Resume re-enables job dispatch.
func (q *RedisQueue) Resume(ctx context.Context) error {
	return q.client.Del(ctx, q.pausedKey).Err()
}

// Paused reports whether dispatch is currently stopped.
func (q *RedisQueue) Paused(ctx context.Context) (bool, error) {
	n, err := q.client.Exists(ctx, q.pausedKey).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MoveToDLQ parks an exhausted job with its failure context.
func (q *RedisQueue) MoveToDLQ(ctx context.Context, entry models.DeadLetterEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.dlqKey, entry.JobID, raw)
	pipe.RPush(ctx, q.dlqOrderKey, entry.JobID)
	_, err = pipe.Exec(ctx)
	return err
}

// DLQEntries reads up to count parked jobs, oldest first.
func (q *RedisQueue) DLQEntries(ctx context.Context, count int64) ([]models.DeadLetterEntry, error) {
	ids, err := q.client.LRange(ctx, q.dlqOrderKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]models.DeadLetterEntry, 0, len(ids))
	for _, id := range ids {
		raw, err := q.client.HGet(ctx, q.dlqKey, id).Result()
		if err == redis.Nil {
			continue // retried concurrently
		}
		if err != nil {
			return nil, err
		}
		var entry models.DeadLetterEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal dlq entry %s: %w", id, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// DLQEntry fetches a single parked job by ID.
func (q *RedisQueue) DLQEntry(ctx context.Context, jobID string) (models.DeadLetterEntry, bool, error) {
	raw, err := q.client.HGet(ctx, q.dlqKey, jobID).Result()
	if err == redis.Nil {
		return models.DeadLetterEntry{}, false, nil
	}
	if err != nil {
		return models.DeadLetterEntry{}, false, err
	}
	var entry models.DeadLetterEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return models.DeadLetterEntry{}, false, fmt.Errorf("unmarshal dlq entry %s: %w", jobID, err)
	}
	return entry, true, nil
}

// RetryFromDLQ re-enqueues a parked job at elevated priority after a short
// fixed delay, removing the DLQ entry. Returns false when no such entry
// exists; in that case nothing is mutated.
func (q *RedisQueue) RetryFromDLQ(ctx context.Context, jobID string, delay time.Duration) (bool, error) {
	removed, err := q.client.HDel(ctx, q.dlqKey, jobID).Result()
	if err != nil {
		return false, err
	}
	if removed == 0 {
		return false, nil
	}
	if err := q.client.LRem(ctx, q.dlqOrderKey, 0, jobID).Err(); err != nil {
		return false, err
	}
	if _, err := q.Enqueue(ctx, jobID, models.PriorityHigh, time.Now().Add(delay)); err != nil {
		return false, err
	}
	return true, nil
}

// RememberCompleted records a finished job in the bounded retention list.
func (q *RedisQueue) RememberCompleted(ctx context.Context, jobID string) error {
	return q.remember(ctx, "completed", jobID, recentCompletedCap)
}

// RememberFailed records a failed attempt in the bounded retention list.
func (q *RedisQueue) RememberFailed(ctx context.Context, jobID string) error {
	return q.remember(ctx, "failed", jobID, recentFailedCap)
}

func (q *RedisQueue) remember(ctx context.Context, kind, jobID string, keep int64) error {
	key := q.recentPrefix + kind
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, key, jobID)
	pipe.LTrim(ctx, key, 0, keep-1)
	_, err := pipe.Exec(ctx)
	return err
}

// Depths returns broker-side queue sizes for the admin surface.
func (q *RedisQueue) Depths(ctx context.Context) (models.QueueDepths, error) {
	pipe := q.client.Pipeline()
	readyCmds := make([]*redis.IntCmd, 0, len(q.priorities))
	for _, p := range q.priorities {
		readyCmds = append(readyCmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	delayedCmd := pipe.ZCard(ctx, q.scheduledKey)
	inflightCmd := pipe.ZCard(ctx, q.inflightKey)
	dlqCmd := pipe.HLen(ctx, q.dlqKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.QueueDepths{}, err
	}

	var depths models.QueueDepths
	for _, c := range readyCmds {
		depths.Waiting += c.Val()
	}
	depths.Delayed = delayedCmd.Val()
	depths.InFlight = inflightCmd.Val()
	depths.DLQ = dlqCmd.Val()
	return depths, nil
}

var dequeueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return nil
end
local inflight = KEYS[#KEYS]
for i=2,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)

package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"webhook-pipeline/internal/models"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewWithClient(client, 30*time.Second), mr
}

func TestEnqueueIsIdempotentPerJobID(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	enqueued, err := q.Enqueue(ctx, "evt_123", models.PriorityDefault, time.Now())
	require.NoError(t, err)
	require.True(t, enqueued)

	enqueued, err = q.Enqueue(ctx, "evt_123", models.PriorityDefault, time.Now())
	require.NoError(t, err)
	require.False(t, enqueued, "second enqueue of the same job must be a no-op")

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), depths.Waiting)
}

func TestDequeueLeasesToSingleConsumer(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, err := q.Enqueue(ctx, "evt_123", models.PriorityDefault, time.Now())
	require.NoError(t, err)

	jobID, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "evt_123", jobID)

	// The job is in flight now; a second consumer sees nothing.
	jobID, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Empty(t, jobID)

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), depths.InFlight)

	require.NoError(t, q.Ack(ctx, "evt_123"))
	depths, err = q.Depths(ctx)
	require.NoError(t, err)
	require.Zero(t, depths.InFlight)
}

func TestHighPriorityDequeuedFirst(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, err := q.Enqueue(ctx, "evt_normal", models.PriorityDefault, time.Now())
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "evt_urgent", models.PriorityHigh, time.Now())
	require.NoError(t, err)

	jobID, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "evt_urgent", jobID)
}

func TestPauseStopsDispatchWithoutLosingJobs(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, err := q.Enqueue(ctx, "evt_123", models.PriorityDefault, time.Now())
	require.NoError(t, err)

	require.NoError(t, q.Pause(ctx))
	paused, err := q.Paused(ctx)
	require.NoError(t, err)
	require.True(t, paused)

	jobID, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Empty(t, jobID, "paused queue must not dispatch")

	require.NoError(t, q.Resume(ctx))
	jobID, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "evt_123", jobID)
}

func TestScheduledJobPromotedWhenDue(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	runAt := time.Now().Add(time.Minute)
	_, err := q.Enqueue(ctx, "evt_123", models.PriorityDefault, runAt)
	require.NoError(t, err)

	jobID, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Empty(t, jobID, "job is not due yet")

	promoted, err := q.PromoteScheduled(ctx, runAt.Add(time.Second), 100)
	require.NoError(t, err)
	require.Equal(t, 1, promoted)

	jobID, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "evt_123", jobID)
}

func TestRequeueExpiredReclaimsLease(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, err := q.Enqueue(ctx, "evt_123", models.PriorityDefault, time.Now())
	require.NoError(t, err)
	jobID, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "evt_123", jobID)

	// A lease deadline in the far future is not reclaimable yet.
	ids, err := q.RequeueExpired(ctx, time.Now(), 100)
	require.NoError(t, err)
	require.Empty(t, ids)

	ids, err = q.RequeueExpired(ctx, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	require.Equal(t, []string{"evt_123"}, ids)

	jobID, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "evt_123", jobID)
}

func TestExtendLeaseDefersReclaim(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, err := q.Enqueue(ctx, "evt_123", models.PriorityDefault, time.Now())
	require.NoError(t, err)
	_, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)

	// Original lease expires within the hour; extending pushes the
	// deadline past that horizon.
	require.NoError(t, q.ExtendLease(ctx, "evt_123", 2*time.Hour))

	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	require.Empty(t, ids, "extended lease must not be reclaimed at the old deadline")

	ids, err = q.RequeueExpired(ctx, time.Now().Add(3*time.Hour), 100)
	require.NoError(t, err)
	require.Equal(t, []string{"evt_123"}, ids)
}

func TestDLQRetryRoundTrip(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	entry := models.DeadLetterEntry{
		JobID:           "evt_456",
		ProviderEventID: "evt_456",
		EventType:       "invoice.paid",
		AttemptsMade:    3,
		FailureReason:   "downstream timeout",
		FailedAt:        time.Now().UTC(),
	}
	require.NoError(t, q.MoveToDLQ(ctx, entry))

	entries, err := q.DLQEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "downstream timeout", entries[0].FailureReason)

	got, parked, err := q.DLQEntry(ctx, "evt_456")
	require.NoError(t, err)
	require.True(t, parked)
	require.Equal(t, 3, got.AttemptsMade)

	_, parked, err = q.DLQEntry(ctx, "evt_nope")
	require.NoError(t, err)
	require.False(t, parked)

	retried, err := q.RetryFromDLQ(ctx, "evt_456", 0)
	require.NoError(t, err)
	require.True(t, retried)

	entries, err = q.DLQEntries(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, entries, "retried entry must leave the DLQ")

	// Retry runs at elevated priority after its fixed delay.
	_, err = q.PromoteScheduled(ctx, time.Now().Add(time.Second), 100)
	require.NoError(t, err)
	jobID, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "evt_456", jobID)
}

func TestDLQRetryUnknownJobMutatesNothing(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.MoveToDLQ(ctx, models.DeadLetterEntry{JobID: "evt_456"}))

	retried, err := q.RetryFromDLQ(ctx, "evt_nope", time.Second)
	require.NoError(t, err)
	require.False(t, retried)

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), depths.DLQ)
	require.Zero(t, depths.Waiting)
	require.Zero(t, depths.Delayed)
}

func TestRecentOutcomeRetentionIsBounded(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	for i := 0; i < recentCompletedCap+20; i++ {
		require.NoError(t, q.RememberCompleted(ctx, "evt_done"))
	}
	n, err := mr.List("webhooks:recent:completed")
	require.NoError(t, err)
	require.Len(t, n, recentCompletedCap)
}

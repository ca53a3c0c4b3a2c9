package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/aurea-ops/orchestrator/internal/config"
	"github.com/aurea-ops/orchestrator/internal/domain"
	"github.com/aurea-ops/orchestrator/internal/service"
)

func newTestBroker(t *testing.T) (service.QueueBroker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cfg := &config.Config{Queue: config.QueueConfig{KeyPrefix: "test"}}
	return NewQueueBroker(client, cfg), mr
}

func TestQueueBroker_PriorityBeatsArrivalOrder(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, b.Enqueue(ctx, "normal-1", domain.PriorityNormal, now))
	require.NoError(t, b.Enqueue(ctx, "low-1", domain.PriorityLow, now.Add(-time.Hour)))
	require.NoError(t, b.Enqueue(ctx, "critical-1", domain.PriorityCritical, now.Add(time.Second)))

	var order []string
	for i := 0; i < 3; i++ {
		lease, err := b.LeaseNext(ctx, "w1", 0, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, lease)
		order = append(order, lease.TaskID)
	}
	require.Equal(t, []string{"critical-1", "normal-1", "low-1"}, order)
}

func TestQueueBroker_FIFOWithinPriority(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, b.Enqueue(ctx, "second", domain.PriorityNormal, base.Add(time.Second)))
	require.NoError(t, b.Enqueue(ctx, "first", domain.PriorityNormal, base))

	lease, err := b.LeaseNext(ctx, "w1", 0, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "first", lease.TaskID)
	lease, err = b.LeaseNext(ctx, "w1", 0, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "second", lease.TaskID)
}

func TestQueueBroker_LeaseCarriesPriorityAndToken(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "t1", domain.PriorityHigh, time.Now()))
	lease, err := b.LeaseNext(ctx, "worker-7", 0, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "t1", lease.TaskID)
	require.Equal(t, domain.PriorityHigh, lease.Priority)
	require.Contains(t, lease.Token, "worker-7:")
	require.True(t, lease.Deadline.After(time.Now()))

	// Empty queue: a zero maxWait lease returns nothing.
	lease, err = b.LeaseNext(ctx, "worker-7", 0, time.Minute)
	require.NoError(t, err)
	require.Nil(t, lease)
}

func TestQueueBroker_ExtendAndReleaseEnforceToken(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "t1", domain.PriorityNormal, time.Now()))
	lease, err := b.LeaseNext(ctx, "w1", 0, time.Minute)
	require.NoError(t, err)

	require.NoError(t, b.ExtendLease(ctx, lease.TaskID, lease.Token, time.Minute))
	require.ErrorIs(t, b.ExtendLease(ctx, lease.TaskID, "stale-token", time.Minute), service.ErrLeaseLost)
	require.ErrorIs(t, b.Release(ctx, lease.TaskID, "stale-token"), service.ErrLeaseLost)

	require.NoError(t, b.Release(ctx, lease.TaskID, lease.Token))
	// The lock is gone, so a second release with the old token fails.
	require.ErrorIs(t, b.Release(ctx, lease.TaskID, lease.Token), service.ErrLeaseLost)
}

func TestQueueBroker_LockExpiryFreesTheTask(t *testing.T) {
	b, mr := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "t1", domain.PriorityNormal, time.Now()))
	lease, err := b.LeaseNext(ctx, "w1", 0, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, lease)

	mr.FastForward(100 * time.Millisecond)
	require.ErrorIs(t, b.ExtendLease(ctx, lease.TaskID, lease.Token, time.Minute), service.ErrLeaseLost)
}

func TestQueueBroker_LeaseSkipsLockedTask(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "t1", domain.PriorityNormal, time.Now()))
	first, err := b.LeaseNext(ctx, "w1", 0, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)

	// t1 re-enqueued (e.g. by the reaper) while still locked: it must not be
	// leased a second time.
	require.NoError(t, b.Enqueue(ctx, "t1", domain.PriorityNormal, time.Now()))
	second, err := b.LeaseNext(ctx, "w2", 0, time.Minute)
	require.NoError(t, err)
	require.Nil(t, second)

	// After release it is leasable again.
	require.NoError(t, b.Release(ctx, first.TaskID, first.Token))
	third, err := b.LeaseNext(ctx, "w2", 0, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, third)
	require.Equal(t, "t1", third.TaskID)
}

func TestQueueBroker_DelayedPromotionKeepsPriority(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, b.EnqueueDelayed(ctx, "retry-1", domain.PriorityHigh, now.Add(30*time.Second)))
	require.NoError(t, b.Enqueue(ctx, "live-1", domain.PriorityNormal, now))

	// Not due yet.
	n, err := b.PromoteDue(ctx, now, 100)
	require.NoError(t, err)
	require.Zero(t, n)
	delayed, err := b.DelayedDepth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, delayed)

	// Due: the promoted retry outranks the waiting normal task.
	n, err = b.PromoteDue(ctx, now.Add(time.Minute), 100)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	lease, err := b.LeaseNext(ctx, "w1", 0, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "retry-1", lease.TaskID)
	require.Equal(t, domain.PriorityHigh, lease.Priority)
}

func TestQueueBroker_Remove(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, b.Enqueue(ctx, "ready-1", domain.PriorityNormal, now))
	require.NoError(t, b.EnqueueDelayed(ctx, "delayed-1", domain.PriorityNormal, now.Add(time.Minute)))

	ok, err := b.Remove(ctx, "ready-1")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.Remove(ctx, "delayed-1")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.Remove(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	depth, err := b.Depth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth)
	delayed, err := b.DelayedDepth(ctx)
	require.NoError(t, err)
	require.Zero(t, delayed)
}

func TestQueueBroker_DLQRoundTrip(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.PushDLQ(ctx, domain.TaskTypeCodePR, "t1"))
	require.NoError(t, b.PushDLQ(ctx, domain.TaskTypeCodePR, "t2"))
	require.NoError(t, b.PushDLQ(ctx, domain.TaskTypeGenContent, "t3"))

	depth, err := b.DLQDepth(ctx, domain.TaskTypeCodePR)
	require.NoError(t, err)
	require.EqualValues(t, 2, depth)

	ids, err := b.ListDLQ(ctx, domain.TaskTypeCodePR, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"t1", "t2"}, ids)

	// Pop drains oldest first and leaves other types alone.
	popped, err := b.PopDLQ(ctx, domain.TaskTypeCodePR, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"t1"}, popped)
	depth, err = b.DLQDepth(ctx, domain.TaskTypeCodePR)
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)

	popped, err = b.PopDLQ(ctx, domain.TaskTypeMRGDeploy, 10)
	require.NoError(t, err)
	require.Empty(t, popped)
}

func TestQueueBroker_Stats(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, b.Enqueue(ctx, "r1", domain.PriorityNormal, now))
	require.NoError(t, b.EnqueueDelayed(ctx, "d1", domain.PriorityNormal, now.Add(time.Minute)))
	require.NoError(t, b.PushDLQ(ctx, domain.TaskTypeCodePR, "x1"))
	require.NoError(t, b.IncrThroughput(ctx, domain.TaskTypeCodePR))
	require.NoError(t, b.IncrThroughput(ctx, domain.TaskTypeCodePR))

	stats, err := b.Stats(ctx, domain.TaskTypes)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.ReadyDepth)
	require.EqualValues(t, 1, stats.DelayedDepth)
	require.EqualValues(t, 1, stats.DLQDepth[domain.TaskTypeCodePR])
	require.EqualValues(t, 2, stats.Throughput[domain.TaskTypeCodePR])
	require.Zero(t, stats.Throughput[domain.TaskTypeGenContent])
}

func TestQueueBroker_Ping(t *testing.T) {
	b, mr := newTestBroker(t)
	require.NoError(t, b.Ping(context.Background()))
	mr.Close()
	require.Error(t, b.Ping(context.Background()))
}

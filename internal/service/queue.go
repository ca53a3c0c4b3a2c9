package service

import (
	"context"
	"time"

	infraerrors "github.com/aurea-ops/orchestrator/internal/pkg/errors"
)

var (
	ErrLeaseLost = infraerrors.Conflict("lease_lost", "lease token no longer owns the task")
	ErrQueueFull = infraerrors.TooManyRequests("queue_full", "queue depth limit reached")
)

// Lease is an exclusive time-bounded claim on a task. The token is opaque;
// extend and release succeed only while the broker still maps the task to it.
type Lease struct {
	TaskID   string
	Token    string
	Priority int
	Deadline time.Time
}

// QueueStats is a point-in-time snapshot of broker-side counters.
type QueueStats struct {
	ReadyDepth   int64            `json:"ready_depth"`
	DelayedDepth int64            `json:"delayed_depth"`
	DLQDepth     map[string]int64 `json:"dlq_depth"`
	Throughput   map[string]int64 `json:"throughput"`
}

// QueueBroker is the transient side of the queue: priority ordering, task
// locks and counters. Tasks themselves live in the durable store; the broker
// holds only ids and may be rebuilt from it after a restart.
type QueueBroker interface {
	// Enqueue makes the task leasable immediately. Ordering is strict by
	// priority bucket, FIFO by enqueue time within a bucket.
	Enqueue(ctx context.Context, taskID string, priority int, enqueuedAt time.Time) error

	// EnqueueDelayed parks the task until readyAt; PromoteDue moves ripe
	// entries into the ready queue.
	EnqueueDelayed(ctx context.Context, taskID string, priority int, readyAt time.Time) error
	PromoteDue(ctx context.Context, now time.Time, limit int) (int, error)

	// LeaseNext pops the highest-priority ready task and acquires its lock
	// in one step, waiting up to maxWait. Returns nil when nothing became
	// available.
	LeaseNext(ctx context.Context, consumerID string, maxWait, ttl time.Duration) (*Lease, error)

	// ExtendLease renews the lock TTL iff token still owns it.
	ExtendLease(ctx context.Context, taskID, token string, ttl time.Duration) error

	// Release drops the lock iff token still owns it.
	Release(ctx context.Context, taskID, token string) error

	// Remove deletes a queued (ready or delayed) task, for cancellation.
	Remove(ctx context.Context, taskID string) (bool, error)

	Depth(ctx context.Context) (int64, error)
	DelayedDepth(ctx context.Context) (int64, error)

	PushDLQ(ctx context.Context, taskType, taskID string) error
	ListDLQ(ctx context.Context, taskType string, limit int64) ([]string, error)
	PopDLQ(ctx context.Context, taskType string, count int64) ([]string, error)
	DLQDepth(ctx context.Context, taskType string) (int64, error)

	IncrThroughput(ctx context.Context, taskType string) error
	Stats(ctx context.Context, taskTypes []string) (*QueueStats, error)

	Ping(ctx context.Context) error
}

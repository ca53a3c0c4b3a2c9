package repository

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aurea-ops/orchestrator/internal/config"
	"github.com/aurea-ops/orchestrator/internal/domain"
	"github.com/aurea-ops/orchestrator/internal/service"
)

// Scores order the ready set by (priority bucket, enqueue time): the bucket
// occupies the bits above 2^40, milliseconds since scoreEpoch the bits below.
// Both fit a float64 mantissa together, so ordering is exact.
const priorityScoreUnit = float64(1 << 40)

// scoreEpoch keeps the millisecond component small enough for exact float64
// arithmetic. Good until the 2050s.
var scoreEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const leasePollInterval = 100 * time.Millisecond

var leaseScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
	return {}
end
local member = popped[1]
local score = popped[2]
local lockKey = ARGV[3] .. member
if redis.call('EXISTS', lockKey) == 1 then
	redis.call('ZADD', KEYS[1], score, member)
	return {'', score}
end
redis.call('SET', lockKey, ARGV[1], 'PX', tonumber(ARGV[2]))
return {member, score}
`)

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
	local prio = tonumber(redis.call('HGET', KEYS[3], member))
	if prio == nil then
		prio = tonumber(ARGV[5])
	end
	local score = prio * 1099511627776 + (tonumber(ARGV[3]) - tonumber(ARGV[4]))
	redis.call('ZADD', KEYS[2], score, member)
	redis.call('ZREM', KEYS[1], member)
	redis.call('HDEL', KEYS[3], member)
end
return #due
`)

type queueBroker struct {
	client *redis.Client
	prefix string
}

func NewQueueBroker(client *redis.Client, cfg *config.Config) service.QueueBroker {
	return &queueBroker{client: client, prefix: cfg.Queue.KeyPrefix}
}

func (b *queueBroker) readyKey() string            { return b.prefix + ":queue:ready" }
func (b *queueBroker) delayedKey() string          { return b.prefix + ":queue:delayed" }
func (b *queueBroker) delayedPrioKey() string      { return b.prefix + ":queue:delayed:prio" }
func (b *queueBroker) lockPrefix() string          { return b.prefix + ":lock:" }
func (b *queueBroker) lockKey(taskID string) string { return b.lockPrefix() + taskID }
func (b *queueBroker) dlqKey(taskType string) string {
	return b.prefix + ":dlq:" + taskType
}
func (b *queueBroker) throughputKey(taskType string) string {
	return b.prefix + ":count:" + taskType
}

func readyScore(priority int, at time.Time) float64 {
	return float64(priority)*priorityScoreUnit + float64(at.Sub(scoreEpoch).Milliseconds())
}

func (b *queueBroker) Enqueue(ctx context.Context, taskID string, priority int, enqueuedAt time.Time) error {
	return b.client.ZAdd(ctx, b.readyKey(), redis.Z{
		Score:  readyScore(priority, enqueuedAt),
		Member: taskID,
	}).Err()
}

func (b *queueBroker) EnqueueDelayed(ctx context.Context, taskID string, priority int, readyAt time.Time) error {
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.delayedPrioKey(), taskID, priority)
	pipe.ZAdd(ctx, b.delayedKey(), redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: taskID,
	})
	_, err := pipe.Exec(ctx)
	return err
}

func (b *queueBroker) PromoteDue(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	n, err := promoteScript.Run(ctx, b.client,
		[]string{b.delayedKey(), b.readyKey(), b.delayedPrioKey()},
		now.UnixMilli(),
		limit,
		now.UnixMilli(),
		scoreEpoch.UnixMilli(),
		domain.PriorityNormal,
	).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (b *queueBroker) LeaseNext(ctx context.Context, consumerID string, maxWait, ttl time.Duration) (*service.Lease, error) {
	token := consumerID + ":" + uuid.NewString()
	deadline := time.Now().Add(maxWait)
	for {
		lease, err := b.tryLease(ctx, token, ttl)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			return lease, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(leasePollInterval):
		}
	}
}

func (b *queueBroker) tryLease(ctx context.Context, token string, ttl time.Duration) (*service.Lease, error) {
	res, err := leaseScript.Run(ctx, b.client,
		[]string{b.readyKey()},
		token, ttl.Milliseconds(), b.lockPrefix(),
	).Slice()
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	taskID, _ := res[0].(string)
	if taskID == "" {
		// Lock race: the popped task went back to the set; caller retries.
		return nil, nil
	}
	score := scoreFloat(res[1])
	return &service.Lease{
		TaskID:   taskID,
		Token:    token,
		Priority: int(score / priorityScoreUnit),
		Deadline: time.Now().Add(ttl),
	}, nil
}

func (b *queueBroker) ExtendLease(ctx context.Context, taskID, token string, ttl time.Duration) error {
	ok, err := extendScript.Run(ctx, b.client,
		[]string{b.lockKey(taskID)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return service.ErrLeaseLost
	}
	return nil
}

func (b *queueBroker) Release(ctx context.Context, taskID, token string) error {
	ok, err := releaseScript.Run(ctx, b.client,
		[]string{b.lockKey(taskID)}, token).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return service.ErrLeaseLost
	}
	return nil
}

func (b *queueBroker) Remove(ctx context.Context, taskID string) (bool, error) {
	pipe := b.client.TxPipeline()
	ready := pipe.ZRem(ctx, b.readyKey(), taskID)
	delayed := pipe.ZRem(ctx, b.delayedKey(), taskID)
	pipe.HDel(ctx, b.delayedPrioKey(), taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return ready.Val() > 0 || delayed.Val() > 0, nil
}

func (b *queueBroker) Depth(ctx context.Context) (int64, error) {
	return b.client.ZCard(ctx, b.readyKey()).Result()
}

func (b *queueBroker) DelayedDepth(ctx context.Context) (int64, error) {
	return b.client.ZCard(ctx, b.delayedKey()).Result()
}

func (b *queueBroker) PushDLQ(ctx context.Context, taskType, taskID string) error {
	return b.client.RPush(ctx, b.dlqKey(taskType), taskID).Err()
}

func (b *queueBroker) ListDLQ(ctx context.Context, taskType string, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	return b.client.LRange(ctx, b.dlqKey(taskType), 0, limit-1).Result()
}

func (b *queueBroker) PopDLQ(ctx context.Context, taskType string, count int64) ([]string, error) {
	if count <= 0 {
		count = 10
	}
	ids, err := b.client.LPopCount(ctx, b.dlqKey(taskType), int(count)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return ids, err
}

func (b *queueBroker) DLQDepth(ctx context.Context, taskType string) (int64, error) {
	return b.client.LLen(ctx, b.dlqKey(taskType)).Result()
}

func (b *queueBroker) IncrThroughput(ctx context.Context, taskType string) error {
	return b.client.Incr(ctx, b.throughputKey(taskType)).Err()
}

func (b *queueBroker) Stats(ctx context.Context, taskTypes []string) (*service.QueueStats, error) {
	stats := &service.QueueStats{
		DLQDepth:   make(map[string]int64, len(taskTypes)),
		Throughput: make(map[string]int64, len(taskTypes)),
	}
	var err error
	if stats.ReadyDepth, err = b.Depth(ctx); err != nil {
		return nil, err
	}
	if stats.DelayedDepth, err = b.DelayedDepth(ctx); err != nil {
		return nil, err
	}
	for _, t := range taskTypes {
		depth, err := b.DLQDepth(ctx, t)
		if err != nil {
			return nil, err
		}
		stats.DLQDepth[t] = depth

		count, err := b.client.Get(ctx, b.throughputKey(t)).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		stats.Throughput[t] = count
	}
	return stats, nil
}

func (b *queueBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func scoreFloat(v any) float64 {
	switch x := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	case int64:
		return float64(x)
	case float64:
		return x
	default:
		return 0
	}
}

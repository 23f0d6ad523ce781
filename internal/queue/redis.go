package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/iago/download-jobs/internal/domain"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Key layout, all under one hash tag so the scripts stay cluster-safe:
//
//	items      HASH job_id -> enqueued_at (unix ms)
//	ready      ZSET job_id scored by enqueued_at
//	leases     ZSET job_id scored by lease expiry
//	owners     HASH job_id -> lease token
//	workers    HASH job_id -> worker id
//	deliveries HASH job_id -> claim count
type redisKeys struct {
	items      string
	ready      string
	leases     string
	owners     string
	workers    string
	deliveries string
}

func newRedisKeys(prefix string) redisKeys {
	tag := "{" + prefix + "}"
	return redisKeys{
		items:      tag + ":items",
		ready:      tag + ":ready",
		leases:     tag + ":leases",
		owners:     tag + ":owners",
		workers:    tag + ":workers",
		deliveries: tag + ":deliveries",
	}
}

func (k redisKeys) all() []string {
	return []string{k.items, k.ready, k.leases, k.owners, k.workers, k.deliveries}
}

var enqueueScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

var claimScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local id
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now, 'LIMIT', 0, 1)
if #expired > 0 then
	id = expired[1]
else
	local ready = redis.call('ZRANGE', KEYS[2], 0, 0)
	if #ready == 0 then
		return false
	end
	id = ready[1]
	redis.call('ZREM', KEYS[2], id)
end
local expires = now + tonumber(ARGV[2])
redis.call('ZADD', KEYS[3], expires, id)
redis.call('HSET', KEYS[4], id, ARGV[3])
redis.call('HSET', KEYS[5], id, ARGV[4])
local deliveries = redis.call('HINCRBY', KEYS[6], id, 1)
local enqueued = redis.call('HGET', KEYS[1], id) or '0'
return {id, enqueued, expires, deliveries}
`)

var ackScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
	return 0
end
if ARGV[2] ~= '' and redis.call('HGET', KEYS[4], ARGV[1]) ~= ARGV[2] then
	return -1
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
redis.call('HDEL', KEYS[6], ARGV[1])
return 1
`)

var nackScript = redis.NewScript(`
local enqueued = redis.call('HGET', KEYS[1], ARGV[1])
if not enqueued then
	return 0
end
if ARGV[2] ~= '' and redis.call('HGET', KEYS[4], ARGV[1]) ~= ARGV[2] then
	return -1
end
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
redis.call('ZADD', KEYS[2], enqueued, ARGV[1])
return 1
`)

var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[4], ARGV[1]) ~= ARGV[2] then
	return -1
end
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

// RedisQueue implements Queue on Redis. Claim state lives in Redis, so a
// crashed worker's item becomes claimable again once its lease score passes.
type RedisQueue struct {
	client *redis.Client
	keys   redisKeys
	now    func() time.Time
	owned  bool
}

func NewRedisQueue(ctx context.Context, cfg RedisConfig) (*RedisQueue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	queue := NewRedisQueueFromClient(client, cfg.Prefix)
	queue.owned = true
	return queue, nil
}

// NewRedisQueueFromClient wraps an existing client; Close leaves it open.
func NewRedisQueueFromClient(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "download_jobs"
	}
	return &RedisQueue{
		client: client,
		keys:   newRedisKeys(prefix),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (q *RedisQueue) Close() error {
	if !q.owned {
		return nil
	}
	return q.client.Close()
}

func (q *RedisQueue) Enqueue(ctx context.Context, item domain.WorkItem) error {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = q.now()
	}
	err := enqueueScript.Run(ctx, q.client, []string{q.keys.items, q.keys.ready},
		item.JobID, item.EnqueuedAt.UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("enqueue work item: %w", err)
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context, workerID string, lease time.Duration) (*domain.Claim, error) {
	token := uuid.NewString()
	values, err := claimScript.Run(ctx, q.client, q.keys.all(),
		q.now().UnixMilli(), lease.Milliseconds(), token, workerID,
	).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim work item: %w", err)
	}
	if len(values) != 4 {
		return nil, fmt.Errorf("claim work item: unexpected reply length %d", len(values))
	}

	jobID, _ := values[0].(string)
	enqueuedMs, err := replyInt(values[1])
	if err != nil {
		return nil, fmt.Errorf("claim work item: enqueued_at: %w", err)
	}
	expiresMs, err := replyInt(values[2])
	if err != nil {
		return nil, fmt.Errorf("claim work item: lease expiry: %w", err)
	}
	deliveries, err := replyInt(values[3])
	if err != nil {
		return nil, fmt.Errorf("claim work item: deliveries: %w", err)
	}

	return &domain.Claim{
		WorkItem: domain.WorkItem{
			JobID:      jobID,
			EnqueuedAt: time.UnixMilli(enqueuedMs).UTC(),
		},
		WorkerID:       workerID,
		LeaseToken:     token,
		LeaseExpiresAt: time.UnixMilli(expiresMs).UTC(),
		Deliveries:     int(deliveries),
	}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, jobID, leaseToken string) error {
	return q.runOwned(ctx, ackScript, "ack", jobID, leaseToken)
}

func (q *RedisQueue) Nack(ctx context.Context, jobID, leaseToken string) error {
	return q.runOwned(ctx, nackScript, "nack", jobID, leaseToken)
}

func (q *RedisQueue) ExtendLease(ctx context.Context, jobID, leaseToken string, lease time.Duration) error {
	if leaseToken == "" {
		return ErrLeaseLost
	}
	expires := q.now().Add(lease).UnixMilli()
	return q.runOwned(ctx, extendScript, "extend lease", jobID, leaseToken, expires)
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)

	pipeline := q.client.Pipeline()
	ready := pipeline.ZCard(ctx, q.keys.ready)
	expired := pipeline.ZCount(ctx, q.keys.leases, "-inf", now)
	leased := pipeline.ZCount(ctx, q.keys.leases, "("+now, "+inf")
	if _, err := pipeline.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Ready:  ready.Val() + expired.Val(),
		Leased: leased.Val(),
	}, nil
}

func (q *RedisQueue) runOwned(ctx context.Context, script *redis.Script, op string, jobID, leaseToken string, extra ...any) error {
	args := append([]any{jobID, leaseToken}, extra...)
	result, err := script.Run(ctx, q.client, q.keys.all(), args...).Int64()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if result < 0 {
		return ErrLeaseLost
	}
	return nil
}

func replyInt(value any) (int64, error) {
	switch casted := value.(type) {
	case int64:
		return casted, nil
	case string:
		return strconv.ParseInt(casted, 10, 64)
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected reply type %T", value)
	}
}

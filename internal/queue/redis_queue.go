package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"unsubscribe-engine/internal/config"
)

// RunQueue coordinates the ready list, in-flight leases, and dead-letter
// list for job runs in Redis. A queue entry is just the job ID; all run
// state lives in Postgres.
type RunQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	deliveriesKey string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRunQueue builds a queue client from config.
func NewRunQueue(cfg config.Config) *RunQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 2 * time.Minute
	}
	return &RunQueue{
		client:        client,
		readyKey:      "runs:ready",
		inflightKey:   "runs:inflight",
		deliveriesKey: "runs:deliveries",
		visibilityTTL: visibility,
		dlqKey:        cfg.DLQName,
	}
}

// Enqueue appends a run to the ready list.
func (q *RunQueue) Enqueue(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.readyKey, jobID).Err()
}

// EnqueueIfAbsent appends a run unless it is already ready or in flight.
// Startup resume uses this so a job recovered from the database is never
// queued twice. Reports whether the run was enqueued.
func (q *RunQueue) EnqueueIfAbsent(ctx context.Context, jobID string) (bool, error) {
	res, err := enqueueIfAbsentScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, jobID).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// DequeueWithLease pops the next ready run, moves it into inflight with a
// visibility deadline, and counts the delivery. Returns the job ID and how
// many times the run has now been delivered; an empty ID means the queue
// was empty.
func (q *RunQueue) DequeueWithLease(ctx context.Context) (string, int, error) {
	keys := []string{q.readyKey, q.inflightKey, q.deliveriesKey}
	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return "", 0, fmt.Errorf("unexpected reply from dequeue script: %T", res)
	}
	jobID, _ := reply[0].(string)
	deliveries, _ := reply[1].(int64)
	return jobID, int(deliveries), nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight run.
// Workers call it between items so long browser runs keep their lease.
func (q *RunQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a finished run from in-flight tracking and clears its
// delivery count.
func (q *RunQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.HDel(ctx, q.deliveriesKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing the runs.
// Delivery counts are kept so a run that keeps dying eventually trips the
// dead-letter policy.
func (q *RunQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
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
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Remove deletes a run from the ready list, in-flight set, and delivery
// counts. Dead-lettering calls this alongside Ack to close the race where
// an expired copy of the run was requeued moments earlier.
func (q *RunQueue) Remove(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, jobID)
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.HDel(ctx, q.deliveriesKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush appends a run to the dead-letter queue for operational
// inspection. The failure reason is recorded on the job row.
func (q *RunQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads the oldest dead-lettered job IDs without removing them.
func (q *RunQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns how many runs are waiting for a worker.
func (q *RunQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// Ping verifies the Redis connection.
func (q *RunQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (q *RunQueue) Close() error {
	return q.client.Close()
}

// dequeueScript pops a run and leases it in one atomic step so a crash
// between the pop and the lease cannot lose the run.
var dequeueScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
local n = redis.call('HINCRBY', KEYS[3], id, 1)
return {id, n}
`)

// enqueueIfAbsentScript pushes a run only when it is neither ready nor
// leased.
var enqueueIfAbsentScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[2], ARGV[1]) then
  return 0
end
local ids = redis.call('LRANGE', KEYS[1], 0, -1)
for i = 1, #ids do
  if ids[i] == ARGV[1] then
    return 0
  end
end
redis.call('RPUSH', KEYS[1], ARGV[1])
return 1
`)

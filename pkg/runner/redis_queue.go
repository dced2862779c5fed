package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is the production-scale backend for C10's pull-model queue,
// grounded on teacher pkg/kernel/limiter_redis.go's RedisLimiterStore
// (go-redis client, atomic Lua script for the check-and-update step that
// would otherwise race across consumers).
type RedisQueue struct {
	client     *redis.Client
	key        string
	maxRetries int32
}

func NewRedisQueue(client *redis.Client, key string, maxRetries int32) *RedisQueue {
	return &RedisQueue{client: client, key: key, maxRetries: maxRetries}
}

// score encodes (priority desc, created_at asc) into a single sortable
// float64: higher priority sorts first by negating it into the integer
// part, createdAtNS breaks ties within the same priority.
func score(priority int32, createdAtNS int64) float64 {
	return float64(-priority)*1e18 + float64(createdAtNS)
}

func (q *RedisQueue) Enqueue(ctx context.Context, j *Job) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("runner: marshal job: %w", err)
	}
	return q.client.ZAdd(ctx, q.key, redis.Z{Score: score(j.Priority, j.CreatedAtNS), Member: raw}).Err()
}

// dequeueScript atomically pops the lowest-scored (highest-priority) member
// so two concurrent consumers never dequeue the same job.
var dequeueScript = redis.NewScript(`
local key = KEYS[1]
local items = redis.call("ZRANGE", key, 0, 0)
if #items == 0 then
	return nil
end
redis.call("ZREM", key, items[1])
return items[1]
`)

func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.key}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("runner: dequeue: %w", err)
	}
	raw, ok := res.(string)
	if !ok {
		return nil, nil
	}
	var j Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, fmt.Errorf("runner: unmarshal job: %w", err)
	}
	return &j, nil
}

// Requeue re-enqueues a failed job if it has retries remaining, else pushes
// it onto the dead-letter list and returns false.
func (q *RedisQueue) Requeue(ctx context.Context, j *Job) (bool, error) {
	if j.Retries >= q.maxRetries {
		raw, err := json.Marshal(j)
		if err != nil {
			return false, err
		}
		if err := q.client.RPush(ctx, q.key+":dead", raw).Err(); err != nil {
			return false, err
		}
		return false, nil
	}
	j.Retry()
	return true, q.Enqueue(ctx, j)
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}

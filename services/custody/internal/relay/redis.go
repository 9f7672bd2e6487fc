package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "custody:relay:"

// claimScript leases the earliest due job by pushing its score out by the
// lease, and returns its payload.
var claimScript = redis.NewScript(`
local due = KEYS[1]
local jobs = KEYS[2]
local now_ms = tonumber(ARGV[1])
local lease_ms = tonumber(ARGV[2])

local found = redis.call("ZRANGEBYSCORE", due, "-inf", now_ms, "LIMIT", 0, 1)
if #found == 0 then
  return false
end
local key = found[1]
local payload = redis.call("HGET", jobs, key)
if not payload then
  redis.call("ZREM", due, key)
  return false
end
redis.call("ZADD", due, now_ms + lease_ms, key)
return payload
`)

// ackScript removes the job only while its stored payload is the one that
// was claimed.
var ackScript = redis.NewScript(`
local due = KEYS[1]
local jobs = KEYS[2]
local key = ARGV[1]
local payload = ARGV[2]

if redis.call("HGET", jobs, key) ~= payload then
  return 0
end
redis.call("ZREM", due, key)
redis.call("HDEL", jobs, key)
return 1
`)

// addScript stores the job only if its key is absent from the hash.
var addScript = redis.NewScript(`
local due = KEYS[1]
local jobs = KEYS[2]
local key = ARGV[1]
local payload = ARGV[2]
local run_at_ms = tonumber(ARGV[3])

if redis.call("HEXISTS", jobs, key) == 1 then
  return 0
end
redis.call("HSET", jobs, key, payload)
redis.call("ZADD", due, run_at_ms, key)
return 1
`)

// RedisQueue shares relay jobs between processes. Due times live in a
// sorted set, payloads in a hash, both under prefix.
type RedisQueue struct {
	client *redis.Client
	due    string
	jobs   string
}

func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisQueue{
		client: client,
		due:    prefix + "due",
		jobs:   prefix + "jobs",
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job, runAt time.Time) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobs, job.Key(), payload)
		pipe.ZAdd(ctx, q.due, redis.Z{Score: float64(runAt.UnixMilli()), Member: job.Key()})
		return nil
	})
	return err
}

func (q *RedisQueue) Add(ctx context.Context, job Job, runAt time.Time) (bool, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	n, err := addScript.Run(ctx, q.client, []string{q.due, q.jobs}, job.Key(), string(payload), runAt.UnixMilli()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (q *RedisQueue) Claim(ctx context.Context, now time.Time, lease time.Duration) (*Job, error) {
	res, err := claimScript.Run(ctx, q.client, []string{q.due, q.jobs}, now.UnixMilli(), lease.Milliseconds()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	payload, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected redis response %T", res)
	}
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("decode relay job: %w", err)
	}
	return &job, nil
}

func (q *RedisQueue) Ack(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return ackScript.Run(ctx, q.client, []string{q.due, q.jobs}, job.Key(), string(payload)).Err()
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.due).Result()
	return int(n), err
}

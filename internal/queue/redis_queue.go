package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tabular-platform/internal/config"
)

// DispatchQueue hands admitted jobs to the executor fleet through Redis:
// one ready list per tier (drained in priority order), an in-flight set
// with a visibility timeout, and stop flags that carry a requested
// shutdown to whichever executor holds the job.
type DispatchQueue struct {
	client        *redis.Client
	tierQueues    []string
	inflightKey   string
	jobMetaPrefix string
	stopPrefix    string
	visibilityTTL time.Duration
}

// NewDispatchQueue builds a queue client from config. TierQueues lists the
// tiers highest-priority first.
func NewDispatchQueue(cfg config.Config) *DispatchQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return newQueue(client, cfg.TierQueues, cfg.VisibilityTimeout)
}

// NewWithClient wraps an existing Redis client, used by tests.
func NewWithClient(client *redis.Client, tiers []string, visibility time.Duration) *DispatchQueue {
	return newQueue(client, tiers, visibility)
}

func newQueue(client *redis.Client, tiers []string, visibility time.Duration) *DispatchQueue {
	if len(tiers) == 0 {
		tiers = []string{"free"}
	}
	if visibility == 0 {
		visibility = 60 * time.Second
	}
	return &DispatchQueue{
		client:        client,
		tierQueues:    tiers,
		inflightKey:   "dispatch:inflight",
		jobMetaPrefix: "dispatch:jobmeta:",
		stopPrefix:    "dispatch:stop:",
		visibilityTTL: visibility,
	}
}

func (q *DispatchQueue) readyKey(tier string) string {
	return fmt.Sprintf("dispatch:ready:%s", tier)
}

func (q *DispatchQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

func (q *DispatchQueue) stopKey(jobID string) string {
	return q.stopPrefix + jobID
}

// Dispatch places an admitted job on its tier's ready list.
func (q *DispatchQueue) Dispatch(ctx context.Context, jobID, tier string) error {
	if tier == "" {
		tier = "free"
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "tier", tier)
	pipe.RPush(ctx, q.readyKey(tier), jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// LeaseNext pops the next job, highest tier first, and places it in-flight
// with a visibility deadline. Empty string means nothing is waiting.
func (q *DispatchQueue) LeaseNext(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.tierQueues)+1)
	for _, t := range q.tierQueues {
		keys = append(keys, q.readyKey(t))
	}
	keys = append(keys, q.inflightKey)

	res, err := leaseScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from lease script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *DispatchQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a finished job from in-flight tracking together with its
// meta record and any stop flag.
func (q *DispatchQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	pipe.Del(ctx, q.stopKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-queuing them on their
// tier lists.
func (q *DispatchQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
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
		tier, err := q.client.HGet(ctx, q.metaKey(id), "tier").Result()
		if err == redis.Nil || tier == "" {
			tier = "free"
		} else if err != nil {
			tier = "free"
		}
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(tier), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// RequestStop raises the job's stop flag. A waiting job is also pulled off
// the ready lists so it never starts.
func (q *DispatchQueue) RequestStop(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.stopKey(jobID), "1", 24*time.Hour)
	for _, t := range q.tierQueues {
		pipe.LRem(ctx, q.readyKey(t), 0, jobID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// StopRequested reports whether a stop flag is raised for the job.
func (q *DispatchQueue) StopRequested(ctx context.Context, jobID string) (bool, error) {
	n, err := q.client.Exists(ctx, q.stopKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Remove drops a job from ready lists, in-flight tracking, and meta,
// used when the record itself is being deleted.
func (q *DispatchQueue) Remove(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	for _, t := range q.tierQueues {
		pipe.LRem(ctx, q.readyKey(t), 0, jobID)
	}
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	pipe.Del(ctx, q.stopKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Depth returns the total length of all tier ready lists.
func (q *DispatchQueue) Depth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.tierQueues))
	for _, t := range q.tierQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(t)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var leaseScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)

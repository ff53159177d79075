package retry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the sorted set holding scheduled retries.
const DefaultRedisKey = "billing:payment-retries"

var jobEncMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// RedisQueue stores jobs in a Redis sorted set scored by due time in
// milliseconds. Several workers may claim from the same set; ZREM decides
// which one owns a job.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue creates a queue on key (DefaultRedisKey when empty).
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisQueue{client: client, key: key}
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	member, err := jobEncMode.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode retry job: %w", err)
	}
	err = q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(job.DueAt.UnixMilli()),
		Member: string(member),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue retry job: %w", err)
	}
	return nil
}

// ClaimDue implements Queue.
func (q *RedisQueue) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read due retry jobs: %w", err)
	}

	jobs := make([]Job, 0, len(members))
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.key, member).Result()
		if err != nil {
			return jobs, fmt.Errorf("failed to claim retry job: %w", err)
		}
		if removed == 0 {
			// Claimed by another worker.
			continue
		}
		var job Job
		if err := cbor.Unmarshal([]byte(member), &job); err != nil {
			return jobs, fmt.Errorf("failed to decode retry job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Len implements Queue.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count retry jobs: %w", err)
	}
	return n, nil
}

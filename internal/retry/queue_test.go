package retry

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func testJob(due time.Time) Job {
	return Job{
		TenantID:    uuid.New(),
		UserName:    "retry-test",
		PaymentID:   uuid.New(),
		AttemptID:   uuid.New(),
		ExternalKey: "inv-1-retry-1",
		RetryNumber: 1,
		DueAt:       due,
	}
}

// runQueueContract exercises the behaviour shared by Queue implementations.
func runQueueContract(t *testing.T, q Queue) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	late := testJob(now.Add(time.Hour))
	early := testJob(now.Add(-time.Minute))
	due := testJob(now)
	for _, j := range []Job{late, early, due} {
		if err := q.Enqueue(ctx, j); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	n, err := q.Len(ctx)
	if err != nil || n != 3 {
		t.Fatalf("expected 3 queued jobs, got %d (%v)", n, err)
	}

	claimed, err := q.ClaimDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("ClaimDue failed: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 due jobs, got %d", len(claimed))
	}
	if claimed[0].AttemptID != early.AttemptID || claimed[1].AttemptID != due.AttemptID {
		t.Error("expected due jobs earliest first")
	}
	if claimed[0].TenantID != early.TenantID || claimed[0].ExternalKey != early.ExternalKey || !claimed[0].DueAt.Equal(early.DueAt) {
		t.Errorf("claimed job does not match enqueued job: %+v", claimed[0])
	}

	again, err := q.ClaimDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("ClaimDue failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("a claimed job must not be returned twice, got %d", len(again))
	}

	limited, err := q.ClaimDue(ctx, now.Add(2*time.Hour), 0)
	if err != nil {
		t.Fatalf("ClaimDue failed: %v", err)
	}
	if len(limited) != 0 {
		t.Errorf("expected limit 0 to claim nothing, got %d", len(limited))
	}

	n, _ = q.Len(ctx)
	if n != 1 {
		t.Errorf("expected 1 job left, got %d", n)
	}
}

func TestInMemoryQueue(t *testing.T) {
	runQueueContract(t, NewInMemoryQueue())
}

// TestRedisQueue requires a Redis instance running on localhost:6379.
func TestRedisQueue(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping integration test")
	}
	defer client.Close()

	key := "test-payment-retries-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	defer client.Del(context.Background(), key)

	runQueueContract(t, NewRedisQueue(client, key))
}

func TestNewRedisQueue_DefaultKey(t *testing.T) {
	q := NewRedisQueue(nil, "")
	if q.key != DefaultRedisKey {
		t.Errorf("expected default key %q, got %q", DefaultRedisKey, q.key)
	}
}

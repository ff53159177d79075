package retry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job is a scheduled execution of an INIT retry attempt. It carries the call
// context of the run that scheduled it.
type Job struct {
	TenantID    uuid.UUID `cbor:"tenant_id"`
	UserName    string    `cbor:"user_name,omitempty"`
	RequestID   string    `cbor:"request_id,omitempty"`
	PaymentID   uuid.UUID `cbor:"payment_id"`
	AttemptID   uuid.UUID `cbor:"attempt_id"`
	ExternalKey string    `cbor:"external_key"`
	RetryNumber int       `cbor:"retry_number"`
	DueAt       time.Time `cbor:"due_at"`
}

// Queue holds retry jobs until they are due.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error

	// ClaimDue removes and returns up to limit jobs due at or before now,
	// earliest first. A job is returned to at most one caller.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error)

	Len(ctx context.Context) (int64, error)
}

// InMemoryQueue is a Queue for tests and single-process deployments.
type InMemoryQueue struct {
	mu   sync.Mutex
	jobs []Job
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{}
}

// Enqueue adds job.
func (q *InMemoryQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := sort.Search(len(q.jobs), func(i int) bool { return q.jobs[i].DueAt.After(job.DueAt) })
	q.jobs = append(q.jobs, Job{})
	copy(q.jobs[i+1:], q.jobs[i:])
	q.jobs[i] = job
	return nil
}

// ClaimDue implements Queue.
func (q *InMemoryQueue) ClaimDue(_ context.Context, now time.Time, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for n < len(q.jobs) && n < limit && !q.jobs[n].DueAt.After(now) {
		n++
	}
	if n == 0 {
		return nil, nil
	}
	claimed := make([]Job, n)
	copy(claimed, q.jobs[:n])
	q.jobs = append(q.jobs[:0], q.jobs[n:]...)
	return claimed, nil
}

// Len implements Queue.
func (q *InMemoryQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.jobs)), nil
}

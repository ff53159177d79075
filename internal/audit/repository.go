package audit

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Repository defines the interface for audit log operations.
type Repository interface {
	// Append persists audit rows in order.
	Append(ctx context.Context, logs ...*Log) error

	// QueryByRecord retrieves audit rows for one record of one table in the
	// tenant of the row, sorted by time (newest first).
	// Limit specifies the maximum number of entries to return (0 = no limit).
	QueryByRecord(ctx context.Context, tenantID uuid.UUID, tableName string, recordID uuid.UUID, limit int) ([]*Log, error)
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu   sync.RWMutex
	logs []*Log
}

// NewInMemoryRepository creates a new in-memory audit repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		logs: make([]*Log, 0),
	}
}

// Append records audit rows.
func (r *InMemoryRepository) Append(_ context.Context, logs ...*Log) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, l := range logs {
		copied := *l
		r.logs = append(r.logs, &copied)
	}
	return nil
}

// QueryByRecord retrieves audit rows for a record, newest first.
func (r *InMemoryRepository) QueryByRecord(_ context.Context, tenantID uuid.UUID, tableName string, recordID uuid.UUID, limit int) ([]*Log, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*Log
	for i := len(r.logs) - 1; i >= 0; i-- {
		l := r.logs[i]
		if l.TenantID != tenantID || l.TableName != tableName || l.RecordID != recordID {
			continue
		}
		copied := *l
		results = append(results, &copied)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

// Len returns the number of stored rows.
func (r *InMemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.logs)
}

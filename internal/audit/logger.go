package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/billing/internal/callcontext"
)

var (
	// ErrNilRepository is returned when a nil repository is passed to Record.
	ErrNilRepository = errors.New("audit repository cannot be nil")

	// ErrInvalidTableName is returned for an empty or unknown table name.
	ErrInvalidTableName = errors.New("audit table name is invalid")

	// ErrInvalidRecordID is returned when the record id is nil.
	ErrInvalidRecordID = errors.New("audit record id cannot be nil")

	// ErrInvalidChangeType is returned for an unknown change type.
	ErrInvalidChangeType = errors.New("audit change type is invalid")
)

// ValidTableNames defines the tables that carry an audit trail.
var ValidTableNames = map[string]bool{
	TablePayments:        true,
	TablePaymentAttempts: true,
	TableRefunds:         true,
	TablePaymentMethods:  true,
}

// ValidChangeTypes defines the allowed change types.
var ValidChangeTypes = map[ChangeType]bool{
	ChangeInsert: true,
	ChangeUpdate: true,
	ChangeDelete: true,
}

// Validate checks the fields of an EntityAudit against the whitelists.
func (e EntityAudit) Validate() error {
	if !ValidTableNames[e.TableName] {
		return ErrInvalidTableName
	}
	if e.RecordID == uuid.Nil {
		return ErrInvalidRecordID
	}
	if !ValidChangeTypes[e.ChangeType] {
		return ErrInvalidChangeType
	}
	return nil
}

// NewLog builds an audit row for e, attributed to the call context in ctx.
// The tenant is mandatory; attribution fields are copied when present.
func NewLog(ctx context.Context, e EntityAudit, now time.Time) (*Log, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	cc, ok := callcontext.FromContext(ctx)
	if !ok || cc.TenantID == uuid.Nil {
		return nil, callcontext.ErrMissingCallContext
	}

	return &Log{
		ID:         uuid.New(),
		TenantID:   cc.TenantID,
		TableName:  e.TableName,
		RecordID:   e.RecordID,
		ChangeType: e.ChangeType,
		CreatedAt:  now.UTC(),
		UserName:   cc.UserName,
		Reason:     cc.Reason,
		Comments:   cc.Comments,
		RequestID:  cc.RequestID,
	}, nil
}

// Record validates and appends audit rows for the given entities.
//
// Error handling is fail-closed: if any row cannot be built or appended the
// error is returned and the caller is expected to abort its mutation.
func Record(ctx context.Context, repo Repository, entries ...EntityAudit) error {
	if repo == nil {
		return ErrNilRepository
	}

	now := time.Now()
	logs := make([]*Log, 0, len(entries))
	for _, e := range entries {
		l, err := NewLog(ctx, e, now)
		if err != nil {
			return err
		}
		logs = append(logs, l)
	}
	return repo.Append(ctx, logs...)
}

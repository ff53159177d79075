// Package audit records the audit trail of billing mutations: one row per
// changed record naming the table, the record id and the kind of change.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// ChangeType identifies the kind of mutation recorded by an audit row.
type ChangeType string

// Change types.
const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Audited table names.
const (
	TablePayments        = "payments"
	TablePaymentAttempts = "payment_attempts"
	TableRefunds         = "refunds"
	TablePaymentMethods  = "payment_methods"
)

// EntityAudit is the input for one audit row.
type EntityAudit struct {
	TableName  string
	RecordID   uuid.UUID
	ChangeType ChangeType
}

// Log is a persisted audit row.
type Log struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	TableName  string
	RecordID   uuid.UUID
	ChangeType ChangeType
	CreatedAt  time.Time

	// Attribution, copied from the call context
	UserName  string
	Reason    string
	Comments  string
	RequestID string
}

// Package plugin defines the payment gateway plugin contract and the
// invocation layer the automaton calls through.
package plugin

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/onnwee/billing/internal/payment"
)

var (
	// ErrRetryable marks a gateway failure that may succeed on a later attempt.
	// Plugins wrap it for throttling, gateway outages and similar conditions.
	ErrRetryable = errors.New("retryable gateway failure")

	// ErrPluginNotFound is returned when no plugin is registered under a name.
	ErrPluginNotFound = errors.New("payment plugin not found")

	// ErrDuplicatePlugin is returned when a name is registered twice.
	ErrDuplicatePlugin = errors.New("payment plugin already registered")

	// ErrUnsupportedTransaction is returned for a transaction type a plugin cannot run.
	ErrUnsupportedTransaction = errors.New("transaction type not supported by plugin")
)

// Status is the gateway's verdict on a call.
type Status string

// Plugin statuses.
const (
	// StatusProcessed means the gateway completed the operation.
	StatusProcessed Status = "PROCESSED"
	// StatusPending means the gateway accepted the call but has not settled it.
	StatusPending Status = "PENDING"
	// StatusError means the gateway refused the operation (decline).
	StatusError Status = "ERROR"
	// StatusUndefined means the outcome could not be determined.
	StatusUndefined Status = "UNDEFINED"
)

// Request is what a plugin receives for one attempt.
type Request struct {
	TransactionType payment.TransactionType
	AccountID       uuid.UUID
	PaymentID       uuid.UUID
	AttemptID       uuid.UUID
	PaymentMethodID uuid.UUID

	// MethodExternalKey is the gateway-side identifier of the payment method.
	MethodExternalKey string

	// ExternalKey is the attempt external key; plugins use it as the gateway
	// idempotency key.
	ExternalKey string

	Amount   decimal.Decimal
	Currency string

	// GatewayReferenceID names the earlier gateway transaction for CAPTURE and REFUND.
	GatewayReferenceID string

	Properties []payment.Property
}

// Property returns the value of the named request property.
func (r *Request) Property(key string) (string, bool) {
	for _, p := range r.Properties {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Result is a plugin's answer for one attempt.
type Result struct {
	Status             Status
	ProcessedAmount    decimal.Decimal
	ProcessedCurrency  string
	GatewayErrorCode   string
	GatewayErrorMsg    string
	GatewayReferenceID string
}

// Plugin executes payment operations against one gateway.
// Execute returns a Result for every outcome the gateway reported, including
// declines. A non-nil error means the outcome is unknown; wrap ErrRetryable
// when a later attempt may succeed.
type Plugin interface {
	Name() string
	Execute(ctx context.Context, req *Request) (*Result, error)
}

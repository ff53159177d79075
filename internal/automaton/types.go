// Package automaton drives payment operations through the retryable payment
// state machine: INIT, then SUCCESS, FAILED, ABORTED or RETRIED.
package automaton

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/onnwee/billing/internal/payment"
	"github.com/onnwee/billing/internal/plugin"
)

// InvoicePaymentControlPluginName is the control plugin recorded on
// invoice-driven attempts.
const InvoicePaymentControlPluginName = "__INVOICE_PAYMENT_CONTROL_PLUGIN__"

// RunRequest describes one payment operation.
type RunRequest struct {
	// IsAPIPayment is true when the caller is the public API rather than invoicing.
	IsAPIPayment    bool
	TransactionType payment.TransactionType
	Account         payment.Account
	PaymentMethodID uuid.UUID

	// ExistingPaymentID, when set, appends the attempt to that payment.
	ExistingPaymentID uuid.UUID
	InvoiceID         uuid.UUID

	// Resume executes the scheduled INIT attempt holding ExternalKey on
	// ExistingPaymentID instead of returning its payment. Only the retry
	// worker sets it.
	Resume bool

	// ExternalKey identifies the logical operation; repeating it is a no-op.
	ExternalKey string
	Amount      decimal.Decimal
	Currency    string

	// IsInstantPayment disables retry scheduling: a retryable outcome is final.
	IsInstantPayment bool
	Properties       []payment.Property

	// PluginName is the control plugin recorded on the attempt. The gateway
	// plugin comes from the payment method.
	PluginName string

	// GatewayReferenceID overrides the gateway transaction a CAPTURE or
	// REFUND applies to. When empty the latest successful attempt is used.
	GatewayReferenceID string
}

func (r RunRequest) validate() error {
	if !r.TransactionType.Valid() {
		return payment.NewAPIError(payment.CodeValidation, payment.ErrValidation, "unknown transaction type %q", r.TransactionType)
	}
	if r.ExternalKey == "" {
		return payment.NewAPIError(payment.CodeValidation, payment.ErrValidation, "external key is required")
	}
	if !r.Amount.IsPositive() {
		return payment.NewAPIError(payment.CodeValidation, payment.ErrValidation, "amount must be positive, got %s", r.Amount)
	}
	if r.Currency == "" {
		return payment.NewAPIError(payment.CodeValidation, payment.ErrValidation, "currency is required")
	}
	if r.ExistingPaymentID == uuid.Nil && r.Account.ID == uuid.Nil {
		return payment.NewAPIError(payment.CodeNoSuchAccount, payment.ErrAccountNotFound, "account is required for a new payment")
	}
	return nil
}

// Retry is handed to the RetryNotifier when a retryable failure leaves
// retries. AttemptID is the new INIT attempt to execute later.
type Retry struct {
	PaymentID   uuid.UUID
	AttemptID   uuid.UUID
	ExternalKey string
	RetryNumber int
}

// RetryPolicy decides whether another attempt is allowed.
// attemptNumber counts the attempts made so far for one logical operation.
type RetryPolicy interface {
	Exhausted(attemptNumber int) bool
}

// RetryNotifier schedules the execution of a retry attempt.
type RetryNotifier interface {
	ScheduleRetry(ctx context.Context, r Retry) error
}

// Invoker calls a gateway plugin by name.
type Invoker interface {
	Invoke(ctx context.Context, name string, req *plugin.Request) (*plugin.Result, error)
}

// NoRetries is a RetryPolicy that never allows a retry.
type NoRetries struct{}

// Exhausted implements RetryPolicy.
func (NoRetries) Exhausted(int) bool { return true }

// RetryKey returns the external key of retry n of the operation keyed base.
func RetryKey(base string, n int) string {
	return fmt.Sprintf("%s-retry-%d", base, n)
}

// baseKey returns the external key of the first attempt of a's operation.
func baseKey(a *payment.Attempt) string {
	if a.RetryNumber <= 0 {
		return a.ExternalKey
	}
	return strings.TrimSuffix(a.ExternalKey, fmt.Sprintf("-retry-%d", a.RetryNumber))
}

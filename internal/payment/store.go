package payment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store persists payments, their attempts and refunds.
// Every method reads the tenant from the call context in ctx; rows of other
// tenants are invisible.
type Store interface {
	// InsertPaymentWithFirstAttempt creates a payment and its first attempt in
	// one transaction. Returns ErrDuplicateKey if the attempt external key is taken.
	InsertPaymentWithFirstAttempt(ctx context.Context, p *Payment, a *Attempt) (*Payment, error)

	// UpdatePaymentWithNewAttempt appends an attempt to an existing payment.
	// PURCHASE and AUTHORIZE attempts also refresh the payment's method,
	// amount, currency and effective date from it.
	UpdatePaymentWithNewAttempt(ctx context.Context, paymentID uuid.UUID, a *Attempt) error

	// ClaimAttempt marks an INIT attempt as taken for execution at now. A
	// claim made before staleBefore is considered abandoned and is taken
	// over. Returns ErrAttemptClaimed if a live claim exists and
	// ErrAttemptCompleted if the attempt left INIT.
	ClaimAttempt(ctx context.Context, attemptID uuid.UUID, now, staleBefore time.Time) error

	// UpdatePaymentAndAttemptOnCompletion records the outcome of an attempt on
	// both the payment and the attempt in one transaction. Returns
	// ErrAttemptCompleted if the attempt is no longer INIT.
	UpdatePaymentAndAttemptOnCompletion(ctx context.Context, paymentID uuid.UUID, c Completion) error

	GetPayment(ctx context.Context, paymentID uuid.UUID) (*Payment, error)
	GetPaymentsForInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error)
	GetPaymentsForAccount(ctx context.Context, accountID uuid.UUID) ([]*Payment, error)

	// GetLastPaymentForPaymentMethod returns the most recently created payment
	// for the account and method pair.
	GetLastPaymentForPaymentMethod(ctx context.Context, accountID, paymentMethodID uuid.UUID) (*Payment, error)

	GetAttempt(ctx context.Context, attemptID uuid.UUID) (*Attempt, error)
	GetAttemptByExternalKey(ctx context.Context, externalKey string) (*Attempt, error)
	GetAttemptsForPayment(ctx context.Context, paymentID uuid.UUID) ([]*Attempt, error)

	// ListStaleRetryAttempts returns INIT retry attempts of every tenant that
	// were created, or last claimed, before before. Oldest first, at most
	// limit. It needs no call context; the tenant is on each attempt.
	ListStaleRetryAttempts(ctx context.Context, before time.Time, limit int) ([]*Attempt, error)

	// InsertRefund stores a refund of an existing payment. The refund and the
	// payment's other refunds that have not FAILED must not exceed its
	// processed amount, else ErrRefundExceedsPayment. Returns ErrDuplicateKey
	// if the refund external key is taken.
	InsertRefund(ctx context.Context, r *Refund) (*Refund, error)

	// UpdateRefundStatus moves a refund to status. Returns
	// ErrInvalidRefundTransition if the refund already reached another final status.
	UpdateRefundStatus(ctx context.Context, refundID uuid.UUID, status RefundStatus, processedAmount decimal.Decimal, processedCurrency string) error

	GetRefund(ctx context.Context, refundID uuid.UUID) (*Refund, error)
	GetRefundsForPayment(ctx context.Context, paymentID uuid.UUID) ([]*Refund, error)
	GetRefundsForAccount(ctx context.Context, accountID uuid.UUID) ([]*Refund, error)
}

// MethodStore persists payment methods.
type MethodStore interface {
	InsertPaymentMethod(ctx context.Context, m *Method) (*Method, error)

	// GetPaymentMethod returns an active method or ErrPaymentMethodNotFound.
	GetPaymentMethod(ctx context.Context, methodID uuid.UUID) (*Method, error)

	// GetPaymentMethodIncludedDeleted returns the method whatever its active flag.
	GetPaymentMethodIncludedDeleted(ctx context.Context, methodID uuid.UUID) (*Method, error)

	// GetPaymentMethods returns the active methods of an account, oldest first.
	GetPaymentMethods(ctx context.Context, accountID uuid.UUID) ([]*Method, error)

	// DeletedPaymentMethod soft deletes a method; the row is kept inactive.
	DeletedPaymentMethod(ctx context.Context, methodID uuid.UUID) error
}

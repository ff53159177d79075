// Package payment provides the payment, attempt, refund and payment method
// records and the stores that persist them.
package payment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the status of a payment.
type Status string

// Payment statuses.
const (
	StatusUnknown Status = "UNKNOWN"
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// IsTerminal reports whether no further attempt can change the status.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// TransactionType names the operation an attempt performs.
type TransactionType string

// Transaction types.
const (
	TransactionAuthorize TransactionType = "AUTHORIZE"
	TransactionCapture   TransactionType = "CAPTURE"
	TransactionPurchase  TransactionType = "PURCHASE"
	TransactionRefund    TransactionType = "REFUND"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionAuthorize, TransactionCapture, TransactionPurchase, TransactionRefund:
		return true
	}
	return false
}

// UpdatesPayment reports whether an attempt of type t sets the payment's
// method, amount, currency and effective date. CAPTURE and REFUND act on an
// existing payment and leave them alone.
func (t TransactionType) UpdatesPayment() bool {
	return t == TransactionPurchase || t == TransactionAuthorize
}

// AttemptState is the automaton state recorded on an attempt.
type AttemptState string

// Attempt states.
const (
	StateInit    AttemptState = "INIT"
	StateRetried AttemptState = "RETRIED"
	StateSuccess AttemptState = "SUCCESS"
	StateFailed  AttemptState = "FAILED"
	StateAborted AttemptState = "ABORTED"
)

// IsFinal reports whether the attempt will not be executed again.
func (s AttemptState) IsFinal() bool {
	return s != StateInit
}

// PaymentStatus derives the payment status implied by an attempt in state s.
func (s AttemptState) PaymentStatus() Status {
	switch s {
	case StateSuccess:
		return StatusSuccess
	case StateFailed:
		return StatusFailed
	case StateRetried:
		return StatusPending
	default:
		return StatusUnknown
	}
}

// Property is an opaque key/value passed through to gateway plugins.
type Property struct {
	Key   string `json:"key" cbor:"key"`
	Value string `json:"value" cbor:"value"`
}

// Payment is a monetary transaction against an account's payment method.
// AccountID and InvoiceID never change after insertion.
type Payment struct {
	ID                uuid.UUID       `json:"id"`
	TenantID          uuid.UUID       `json:"-"`
	AccountID         uuid.UUID       `json:"account_id"`
	InvoiceID         uuid.UUID       `json:"invoice_id"`
	PaymentMethodID   uuid.UUID       `json:"payment_method_id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	ProcessedAmount   decimal.Decimal `json:"processed_amount"`
	ProcessedCurrency string          `json:"processed_currency,omitempty"`
	EffectiveDate     time.Time       `json:"effective_date"`
	Status            Status          `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// NewPayment returns a payment in UNKNOWN status with a fresh id.
func NewPayment(accountID, invoiceID, paymentMethodID uuid.UUID, amount decimal.Decimal, currency string, effectiveDate time.Time) *Payment {
	return &Payment{
		ID:              uuid.New(),
		AccountID:       accountID,
		InvoiceID:       invoiceID,
		PaymentMethodID: paymentMethodID,
		Amount:          amount,
		Currency:        currency,
		EffectiveDate:   effectiveDate.UTC(),
		Status:          StatusUnknown,
	}
}

// Attempt is one try at executing an operation on a payment.
type Attempt struct {
	ID                 uuid.UUID       `json:"id"`
	TenantID           uuid.UUID       `json:"-"`
	PaymentID          uuid.UUID       `json:"payment_id"`
	PaymentMethodID    uuid.UUID       `json:"payment_method_id"`
	ExternalKey        string          `json:"external_key"`
	TransactionType    TransactionType `json:"operation_name"`
	PluginName         string          `json:"plugin_name"`
	StateName          AttemptState    `json:"state_name"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency"`
	EffectiveDate      time.Time       `json:"effective_date"`
	GatewayErrorCode   string          `json:"gateway_error_code,omitempty"`
	GatewayErrorMsg    string          `json:"gateway_error_msg,omitempty"`
	GatewayReferenceID string          `json:"gateway_reference_id,omitempty"`
	Properties         []Property      `json:"properties,omitempty"`

	// RetryNumber is 0 for the first attempt of an operation and n for its
	// nth scheduled retry.
	RetryNumber int `json:"retry_number"`

	// ClaimedAt is set when a run takes the attempt for execution; zero while
	// a scheduled retry waits for the worker.
	ClaimedAt time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewAttempt returns an attempt in INIT state with a fresh id.
func NewAttempt(paymentID, paymentMethodID uuid.UUID, externalKey string, transactionType TransactionType, pluginName string, amount decimal.Decimal, currency string, effectiveDate time.Time) *Attempt {
	return &Attempt{
		ID:              uuid.New(),
		PaymentID:       paymentID,
		PaymentMethodID: paymentMethodID,
		ExternalKey:     externalKey,
		TransactionType: transactionType,
		PluginName:      pluginName,
		StateName:       StateInit,
		Amount:          amount,
		Currency:        currency,
		EffectiveDate:   effectiveDate.UTC(),
	}
}

// Completion describes the outcome of an attempt, applied to the attempt and
// its payment in one transaction.
type Completion struct {
	AttemptID          uuid.UUID
	AttemptState       AttemptState
	Status             Status
	ProcessedAmount    decimal.Decimal
	ProcessedCurrency  string
	GatewayErrorCode   string
	GatewayErrorMsg    string
	GatewayReferenceID string
}

// RefundStatus is the status of a refund.
type RefundStatus string

// Refund statuses. CREATED moves to COMPLETED or FAILED, never back.
const (
	RefundCreated   RefundStatus = "CREATED"
	RefundCompleted RefundStatus = "COMPLETED"
	RefundFailed    RefundStatus = "FAILED"
)

// CanTransitionTo reports whether a refund may move from s to target.
// Re-applying the current status is allowed so completion is idempotent.
func (s RefundStatus) CanTransitionTo(target RefundStatus) bool {
	if s == target {
		return true
	}
	return s == RefundCreated && (target == RefundCompleted || target == RefundFailed)
}

// Refund is a request to return money from a payment.
// Requested and processed amounts may differ after currency conversion or a
// partial refund.
type Refund struct {
	ID                uuid.UUID       `json:"id"`
	TenantID          uuid.UUID       `json:"-"`
	AccountID         uuid.UUID       `json:"account_id"`
	PaymentID         uuid.UUID       `json:"payment_id"`
	ExternalKey       string          `json:"external_key"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	ProcessedAmount   decimal.Decimal `json:"processed_amount"`
	ProcessedCurrency string          `json:"processed_currency"`
	Adjusted          bool            `json:"adjusted"`
	Status            RefundStatus    `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// NewRefund returns a refund in CREATED status with a fresh id. externalKey
// is unique per tenant and is also the key of the REFUND attempt.
func NewRefund(accountID, paymentID uuid.UUID, externalKey string, amount decimal.Decimal, currency string, processedAmount decimal.Decimal, processedCurrency string, adjusted bool) *Refund {
	return &Refund{
		ID:                uuid.New(),
		AccountID:         accountID,
		PaymentID:         paymentID,
		ExternalKey:       externalKey,
		Amount:            amount,
		Currency:          currency,
		ProcessedAmount:   processedAmount,
		ProcessedCurrency: processedCurrency,
		Adjusted:          adjusted,
		Status:            RefundCreated,
	}
}

// Method is a payment instrument registered for an account.
// Deleting a method clears IsActive and keeps the row.
type Method struct {
	ID          uuid.UUID `json:"id"`
	TenantID    uuid.UUID `json:"-"`
	AccountID   uuid.UUID `json:"account_id"`
	PluginName  string    `json:"plugin_name"`
	ExternalKey string    `json:"external_key,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewMethod returns an active payment method.
// A nil id is replaced with a fresh one.
func NewMethod(id, accountID uuid.UUID, pluginName, externalKey string) *Method {
	if id == uuid.Nil {
		id = uuid.New()
	}
	return &Method{
		ID:          id,
		AccountID:   accountID,
		PluginName:  pluginName,
		ExternalKey: externalKey,
		IsActive:    true,
	}
}

// Account is the slice of account data the payment core consumes.
// Accounts are owned elsewhere; the core never persists them.
type Account struct {
	ID              uuid.UUID `json:"id"`
	Currency        string    `json:"currency"`
	PaymentMethodID uuid.UUID `json:"payment_method_id"`
}

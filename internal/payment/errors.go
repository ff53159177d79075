package payment

import (
	"errors"
	"fmt"

	"github.com/onnwee/billing/internal/callcontext"
)

var (
	// ErrPaymentNotFound is returned when a payment does not exist in the caller's tenant.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrPaymentMethodNotFound is returned when a payment method does not exist or is inactive.
	ErrPaymentMethodNotFound = errors.New("payment method not found")

	// ErrAccountNotFound is returned when an account reference cannot be resolved.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAttemptNotFound is returned when an attempt does not exist.
	ErrAttemptNotFound = errors.New("payment attempt not found")

	// ErrRefundNotFound is returned when a refund does not exist.
	ErrRefundNotFound = errors.New("refund not found")

	// ErrDuplicateKey is returned when an attempt external key or a row id collides.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrPluginError is returned when a gateway rejected a call or returned a malformed result.
	ErrPluginError = errors.New("plugin error")

	// ErrRetryableFailure is returned for transient gateway failures.
	ErrRetryableFailure = errors.New("retryable failure")

	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrInactivePaymentMethod is returned when a payment targets a deleted method.
	ErrInactivePaymentMethod = errors.New("payment method is inactive")

	// ErrInvalidRefundTransition is returned when a refund status would move backwards.
	ErrInvalidRefundTransition = errors.New("invalid refund status transition")

	// ErrAttemptClaimed is returned when another run is executing the attempt.
	ErrAttemptClaimed = errors.New("payment attempt already claimed")

	// ErrAttemptCompleted is returned when an attempt has left INIT and cannot
	// be claimed or completed again.
	ErrAttemptCompleted = errors.New("payment attempt already completed")

	// ErrRefundExceedsPayment is returned when a refund would take the
	// refunded total of a payment past its processed amount.
	ErrRefundExceedsPayment = fmt.Errorf("%w: refund exceeds the refundable amount", ErrValidation)

	// ErrMissingCallContext is returned when ctx carries no tenant.
	ErrMissingCallContext = callcontext.ErrMissingCallContext
)

// ErrorCode identifies the failing stage of a payment API call.
type ErrorCode string

// Error codes, used by the HTTP layer to pick a status code.
const (
	CodeNoSuchPayment       ErrorCode = "no-such-payment"
	CodeNoSuchPaymentMethod ErrorCode = "no-such-payment-method"
	CodeNoSuchAccount       ErrorCode = "no-such-account"
	CodeDuplicateKey        ErrorCode = "duplicate-key"
	CodePluginError         ErrorCode = "plugin-error"
	CodeRetryableFailure    ErrorCode = "retryable-failure"
	CodeValidation          ErrorCode = "validation"
	CodePersistence         ErrorCode = "persistence"
)

// APIError is the typed failure returned by the automaton and the facade.
// It wraps a sentinel so callers can use errors.Is.
type APIError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements error.
func (e *APIError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

// Unwrap returns the wrapped error.
func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError builds an APIError.
func NewAPIError(code ErrorCode, err error, format string, args ...any) *APIError {
	return &APIError{Code: code, Err: err, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the error code for err. Errors that are already APIErrors
// keep their code; bare sentinels are mapped; anything else is a
// persistence failure.
func CodeOf(err error) ErrorCode {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	switch {
	case errors.Is(err, ErrPaymentNotFound):
		return CodeNoSuchPayment
	case errors.Is(err, ErrPaymentMethodNotFound), errors.Is(err, ErrInactivePaymentMethod):
		return CodeNoSuchPaymentMethod
	case errors.Is(err, ErrAccountNotFound):
		return CodeNoSuchAccount
	case errors.Is(err, ErrDuplicateKey):
		return CodeDuplicateKey
	case errors.Is(err, ErrPluginError):
		return CodePluginError
	case errors.Is(err, ErrRetryableFailure):
		return CodeRetryableFailure
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidRefundTransition), errors.Is(err, ErrMissingCallContext):
		return CodeValidation
	default:
		return CodePersistence
	}
}

// AsAPIError converts err to an APIError, keeping an existing one unchanged.
func AsAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &APIError{Code: CodeOf(err), Err: err}
}

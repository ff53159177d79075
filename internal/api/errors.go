// Package api serves the billing payment API over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/billing/internal/middleware"
	"github.com/onnwee/billing/internal/payment"
)

// Error codes of failures detected by the HTTP layer itself. Failures of the
// payment core use the payment.ErrorCode values.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeUnavailable      = "unavailable"
)

// ErrorResponse represents the standard error response format:
// {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a JSON error response and records code for the logging
// middleware.
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	ctx = middleware.SetErrorCode(ctx, code)

	data, err := json.Marshal(ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// StatusForCode maps a payment error code to an HTTP status.
func StatusForCode(code payment.ErrorCode) int {
	switch code {
	case payment.CodeNoSuchPayment, payment.CodeNoSuchPaymentMethod, payment.CodeNoSuchAccount:
		return http.StatusNotFound
	case payment.CodeDuplicateKey:
		return http.StatusConflict
	case payment.CodeValidation:
		return http.StatusBadRequest
	case payment.CodePluginError:
		return http.StatusBadGateway
	case payment.CodeRetryableFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WritePaymentError writes err from the payment core. Persistence failures
// are logged and their message is not exposed.
func WritePaymentError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := payment.AsAPIError(err)
	status := StatusForCode(apiErr.Code)
	message := apiErr.Error()
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "payment call failed", "error", err, "trace_id", middleware.GetTraceID(r))
		message = "internal error"
	}
	WriteError(w, r.Context(), status, string(apiErr.Code), message)
}

func writeJSON(w http.ResponseWriter, ctx context.Context, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

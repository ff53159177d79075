package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/onnwee/billing/internal/payment"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// PaymentService is the payment API the handlers call.
type PaymentService interface {
	CreatePayment(ctx context.Context, account payment.Account, invoiceID uuid.UUID, amount decimal.Decimal, properties []payment.Property) (*payment.Payment, error)
	AuthorizePayment(ctx context.Context, account payment.Account, methodID uuid.UUID, externalKey string, amount decimal.Decimal, currency string, properties []payment.Property) (*payment.Payment, error)
	CapturePayment(ctx context.Context, paymentID uuid.UUID, externalKey string, amount decimal.Decimal, properties []payment.Property) (*payment.Payment, error)
	RefundPayment(ctx context.Context, paymentID uuid.UUID, externalKey string, amount decimal.Decimal, adjusted bool, properties []payment.Property) (*payment.Refund, error)
	GetPayment(ctx context.Context, paymentID uuid.UUID) (*payment.Payment, error)
	GetPaymentAttempts(ctx context.Context, paymentID uuid.UUID) ([]*payment.Attempt, error)
	GetAccountPayments(ctx context.Context, accountID uuid.UUID) ([]*payment.Payment, error)
	GetRefunds(ctx context.Context, paymentID uuid.UUID) ([]*payment.Refund, error)
	GetPaymentMethodByID(ctx context.Context, methodID uuid.UUID, includeInactive bool) (*payment.Method, error)
	GetPaymentMethods(ctx context.Context, account payment.Account) ([]*payment.Method, error)
	AddPaymentMethod(ctx context.Context, accountID uuid.UUID, pluginName, externalKey string) (*payment.Method, error)
	DeletePaymentMethod(ctx context.Context, methodID uuid.UUID) error
}

// PaymentHandlers serves the payment, refund and payment method endpoints.
type PaymentHandlers struct {
	payments PaymentService
}

// NewPaymentHandlers creates a new PaymentHandlers instance.
func NewPaymentHandlers(payments PaymentService) *PaymentHandlers {
	return &PaymentHandlers{payments: payments}
}

// CreatePaymentRequest is the body of POST /payments. TransactionType is
// PURCHASE (the default) or AUTHORIZE.
type CreatePaymentRequest struct {
	TransactionType payment.TransactionType `json:"transaction_type"`
	Account         payment.Account         `json:"account"`
	InvoiceID       uuid.UUID               `json:"invoice_id"`
	PaymentMethodID uuid.UUID               `json:"payment_method_id"`
	ExternalKey     string                  `json:"external_key"`
	Amount          decimal.Decimal         `json:"amount"`
	Currency        string                  `json:"currency"`
	Properties      []payment.Property      `json:"properties"`
}

// CaptureRequest is the body of POST /payments/{id}/captures.
type CaptureRequest struct {
	ExternalKey string             `json:"external_key"`
	Amount      decimal.Decimal    `json:"amount"`
	Properties  []payment.Property `json:"properties"`
}

// RefundRequest is the body of POST /payments/{id}/refunds.
type RefundRequest struct {
	ExternalKey string             `json:"external_key"`
	Amount      decimal.Decimal    `json:"amount"`
	Adjusted    bool               `json:"adjusted"`
	Properties  []payment.Property `json:"properties"`
}

// AddPaymentMethodRequest is the body of POST /accounts/{id}/payment-methods.
type AddPaymentMethodRequest struct {
	PluginName  string `json:"plugin_name"`
	ExternalKey string `json:"external_key"`
}

// CreatePayment handles POST /payments.
func (h *PaymentHandlers) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Account.ID == uuid.Nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, "account.id is required")
		return
	}

	var (
		p   *payment.Payment
		err error
	)
	switch req.TransactionType {
	case "", payment.TransactionPurchase:
		p, err = h.payments.CreatePayment(r.Context(), req.Account, req.InvoiceID, req.Amount, req.Properties)
	case payment.TransactionAuthorize:
		p, err = h.payments.AuthorizePayment(r.Context(), req.Account, req.PaymentMethodID, req.ExternalKey, req.Amount, req.Currency, req.Properties)
	default:
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, "transaction_type must be PURCHASE or AUTHORIZE")
		return
	}
	if err != nil {
		WritePaymentError(w, r, err)
		return
	}
	writeJSON(w, r.Context(), http.StatusCreated, p)
}

// GetPayment handles GET /payments/{id}.
func (h *PaymentHandlers) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := h.payments.GetPayment(r.Context(), id)
	if err != nil {
		WritePaymentError(w, r, err)
		return
	}
	writeJSON(w, r.Context(), http.StatusOK, p)
}

// GetPaymentAttempts handles GET /payments/{id}/attempts.
func (h *PaymentHandlers) GetPaymentAttempts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	attempts, err := h.payments.GetPaymentAttempts(r.Context(), id)
	if err != nil {
		WritePaymentError(w, r, err)
		return
	}
	writeJSON(w, r.Context(), http.StatusOK, nonNil(attempts))
}

// CapturePayment handles POST /payments/{id}/captures.
func (h *PaymentHandlers) CapturePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req CaptureRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := h.payments.CapturePayment(r.Context(), id, req.ExternalKey, req.Amount, req.Properties)
	if err != nil {
		WritePaymentError(w, r, err)
		return
	}
	writeJSON(w, r.Context(), http.StatusOK, p)
}

// RefundPayment handles POST /payments/{id}/refunds.
func (h *PaymentHandlers) RefundPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req RefundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	refund, err := h.payments.RefundPayment(r.Context(), id, req.ExternalKey, req.Amount, req.Adjusted, req.Properties)
	if err != nil {
		WritePaymentError(w, r, err)
		return
	}
	writeJSON(w, r.Context(), http.StatusCreated, refund)
}

// GetRefunds handles GET /payments/{id}/refunds.
func (h *PaymentHandlers) GetRefunds(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	refunds, err := h.payments.GetRefunds(r.Context(), id)
	if err != nil {
		WritePaymentError(w, r, err)
		return
	}
	writeJSON(w, r.Context(), http.StatusOK, nonNil(refunds))
}

// GetAccountPayments handles GET /accounts/{id}/payments.
func (h *PaymentHandlers) GetAccountPayments(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	payments, err := h.payments.GetAccountPayments(r.Context(), id)
	if err != nil {
		WritePaymentError(w, r, err)
		return
	}
	writeJSON(w, r.Context(), http.StatusOK, nonNil(payments))
}

// AddPaymentMethod handles POST /accounts/{id}/payment-methods.
func (h *PaymentHandlers) AddPaymentMethod(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req AddPaymentMethodRequest
	if !decodeBody(w, r, &req) {
		return
	}
	m, err := h.payments.AddPaymentMethod(r.Context(), id, req.PluginName, req.ExternalKey)
	if err != nil {
		WritePaymentError(w, r, err)
		return
	}
	writeJSON(w, r.Context(), http.StatusCreated, m)
}

// GetPaymentMethods handles GET /accounts/{id}/payment-methods.
func (h *PaymentHandlers) GetPaymentMethods(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	methods, err := h.payments.GetPaymentMethods(r.Context(), payment.Account{ID: id})
	if err != nil {
		WritePaymentError(w, r, err)
		return
	}
	writeJSON(w, r.Context(), http.StatusOK, nonNil(methods))
}

// GetPaymentMethod handles GET /payment-methods/{id}. Deleted methods are
// returned with ?include_inactive=true.
func (h *PaymentHandlers) GetPaymentMethod(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	includeInactive := false
	if raw := r.URL.Query().Get("include_inactive"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, "include_inactive must be a boolean")
			return
		}
		includeInactive = v
	}
	m, err := h.payments.GetPaymentMethodByID(r.Context(), id, includeInactive)
	if err != nil {
		WritePaymentError(w, r, err)
		return
	}
	writeJSON(w, r.Context(), http.StatusOK, m)
}

// DeletePaymentMethod handles DELETE /payment-methods/{id}.
func (h *PaymentHandlers) DeletePaymentMethod(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.payments.DeletePaymentMethod(r.Context(), id); err != nil {
		WritePaymentError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, "id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		msg := "invalid request body"
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			msg = "request body is required"
		case errors.As(err, &maxErr):
			msg = "request body too large"
		}
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, msg)
		return false
	}
	return true
}

// nonNil renders empty lists as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

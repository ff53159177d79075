// Package paymentapi is the entry point other billing components use to
// create and inspect payments.
package paymentapi

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/onnwee/billing/internal/automaton"
	"github.com/onnwee/billing/internal/payment"
)

// Runner executes payment operations.
type Runner interface {
	Run(ctx context.Context, req automaton.RunRequest) (*payment.Payment, error)
}

// InternalAPI validates requests and delegates them to the automaton and
// the stores. Every call is scoped to the tenant of the call context in ctx.
type InternalAPI struct {
	runner  Runner
	store   payment.Store
	methods payment.MethodStore
	logger  *slog.Logger
}

// New creates an InternalAPI. logger may be nil.
func New(runner Runner, store payment.Store, methods payment.MethodStore, logger *slog.Logger) *InternalAPI {
	if logger == nil {
		logger = slog.Default()
	}
	return &InternalAPI{runner: runner, store: store, methods: methods, logger: logger}
}

func apiError(err error) error {
	if err == nil {
		return nil
	}
	return payment.AsAPIError(err)
}

// activeMethod returns the method if it exists and is active.
func (a *InternalAPI) activeMethod(ctx context.Context, methodID uuid.UUID) (*payment.Method, error) {
	if methodID == uuid.Nil {
		return nil, payment.NewAPIError(payment.CodeNoSuchPaymentMethod, payment.ErrPaymentMethodNotFound, "no payment method")
	}
	m, err := a.methods.GetPaymentMethodIncludedDeleted(ctx, methodID)
	if err != nil {
		if errors.Is(err, payment.ErrPaymentMethodNotFound) {
			return nil, payment.NewAPIError(payment.CodeNoSuchPaymentMethod, err, "payment method %s", methodID)
		}
		return nil, apiError(err)
	}
	if !m.IsActive {
		return nil, payment.NewAPIError(payment.CodeNoSuchPaymentMethod, payment.ErrInactivePaymentMethod, "payment method %s", methodID)
	}
	return m, nil
}

func externalKeyOrRandom(key string) string {
	if key == "" {
		return uuid.NewString()
	}
	return key
}

// CreatePayment charges amount to the account's default payment method in
// the account currency for invoiceID.
func (a *InternalAPI) CreatePayment(ctx context.Context, account payment.Account, invoiceID uuid.UUID, amount decimal.Decimal, properties []payment.Property) (*payment.Payment, error) {
	if _, err := a.activeMethod(ctx, account.PaymentMethodID); err != nil {
		return nil, err
	}
	p, err := a.runner.Run(ctx, automaton.RunRequest{
		IsAPIPayment:    true,
		TransactionType: payment.TransactionPurchase,
		Account:         account,
		PaymentMethodID: account.PaymentMethodID,
		InvoiceID:       invoiceID,
		ExternalKey:     uuid.NewString(),
		Amount:          amount,
		Currency:        account.Currency,
		Properties:      properties,
		PluginName:      automaton.InvoicePaymentControlPluginName,
	})
	return p, apiError(err)
}

// AuthorizePayment authorizes amount on methodID without capturing it.
// An empty externalKey is replaced with a random one.
func (a *InternalAPI) AuthorizePayment(ctx context.Context, account payment.Account, methodID uuid.UUID, externalKey string, amount decimal.Decimal, currency string, properties []payment.Property) (*payment.Payment, error) {
	if methodID == uuid.Nil {
		methodID = account.PaymentMethodID
	}
	if currency == "" {
		currency = account.Currency
	}
	if _, err := a.activeMethod(ctx, methodID); err != nil {
		return nil, err
	}
	p, err := a.runner.Run(ctx, automaton.RunRequest{
		IsAPIPayment:    true,
		TransactionType: payment.TransactionAuthorize,
		Account:         account,
		PaymentMethodID: methodID,
		ExternalKey:     externalKeyOrRandom(externalKey),
		Amount:          amount,
		Currency:        currency,
		Properties:      properties,
	})
	return p, apiError(err)
}

// checkCapturable verifies that p holds a successful authorization that was
// not captured yet and that amount fits in it.
func (a *InternalAPI) checkCapturable(ctx context.Context, p *payment.Payment, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return payment.NewAPIError(payment.CodeValidation, payment.ErrValidation, "capture amount must be positive, got %s", amount)
	}
	if p.Status != payment.StatusSuccess {
		return payment.NewAPIError(payment.CodeValidation, payment.ErrValidation, "payment %s is %s and cannot be captured", p.ID, p.Status)
	}
	attempts, err := a.store.GetAttemptsForPayment(ctx, p.ID)
	if err != nil {
		return apiError(err)
	}
	authorized := false
	for _, at := range attempts {
		if at.StateName != payment.StateSuccess {
			continue
		}
		switch at.TransactionType {
		case payment.TransactionAuthorize:
			authorized = true
		case payment.TransactionCapture:
			return payment.NewAPIError(payment.CodeValidation, payment.ErrValidation, "payment %s is already captured", p.ID)
		}
	}
	if !authorized {
		return payment.NewAPIError(payment.CodeValidation, payment.ErrValidation, "payment %s has no successful authorization", p.ID)
	}
	if amount.GreaterThan(p.ProcessedAmount) {
		return payment.NewAPIError(payment.CodeValidation, payment.ErrValidation,
			"capture of %s exceeds the authorized amount %s", amount, p.ProcessedAmount)
	}
	return nil
}

// CapturePayment captures amount of an authorized payment, at most once and
// at most the authorized amount. Repeating a capture key returns the payment.
func (a *InternalAPI) CapturePayment(ctx context.Context, paymentID uuid.UUID, externalKey string, amount decimal.Decimal, properties []payment.Property) (*payment.Payment, error) {
	p, err := a.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if _, err := a.activeMethod(ctx, p.PaymentMethodID); err != nil {
		return nil, err
	}

	externalKey = externalKeyOrRandom(externalKey)
	if _, err := a.store.GetAttemptByExternalKey(ctx, externalKey); errors.Is(err, payment.ErrAttemptNotFound) {
		if err := a.checkCapturable(ctx, p, amount); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, apiError(err)
	}

	p, err = a.runner.Run(ctx, automaton.RunRequest{
		IsAPIPayment:      true,
		TransactionType:   payment.TransactionCapture,
		Account:           payment.Account{ID: p.AccountID, Currency: p.Currency, PaymentMethodID: p.PaymentMethodID},
		PaymentMethodID:   p.PaymentMethodID,
		ExistingPaymentID: p.ID,
		InvoiceID:         p.InvoiceID,
		ExternalKey:       externalKey,
		Amount:            amount,
		Currency:          p.Currency,
		Properties:        properties,
	})
	return p, apiError(err)
}

// RefundPayment refunds amount of a successful payment. The refund row is
// created before the gateway call and completed or failed after it; the
// store rejects it when the payment's refunds would exceed its processed
// amount. Refunds are not retried; a retryable gateway failure fails the
// refund.
func (a *InternalAPI) RefundPayment(ctx context.Context, paymentID uuid.UUID, externalKey string, amount decimal.Decimal, adjusted bool, properties []payment.Property) (*payment.Refund, error) {
	p, err := a.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != payment.StatusSuccess {
		return nil, payment.NewAPIError(payment.CodeValidation, payment.ErrValidation, "payment %s is %s and cannot be refunded", p.ID, p.Status)
	}
	if !amount.IsPositive() {
		return nil, payment.NewAPIError(payment.CodeValidation, payment.ErrValidation, "refund amount must be positive, got %s", amount)
	}
	if _, err := a.activeMethod(ctx, p.PaymentMethodID); err != nil {
		return nil, err
	}

	externalKey = externalKeyOrRandom(externalKey)
	if _, err := a.store.GetAttemptByExternalKey(ctx, externalKey); err == nil {
		return nil, payment.NewAPIError(payment.CodeDuplicateKey, payment.ErrDuplicateKey, "refund key %q already used", externalKey)
	} else if !errors.Is(err, payment.ErrAttemptNotFound) {
		return nil, apiError(err)
	}

	refund, err := a.store.InsertRefund(ctx, payment.NewRefund(p.AccountID, p.ID, externalKey, amount, p.Currency, decimal.Zero, p.Currency, adjusted))
	switch {
	case errors.Is(err, payment.ErrRefundExceedsPayment):
		return nil, payment.NewAPIError(payment.CodeValidation, err,
			"refund of %s exceeds the refundable amount of payment %s", amount, p.ID)
	case errors.Is(err, payment.ErrDuplicateKey):
		return nil, payment.NewAPIError(payment.CodeDuplicateKey, err, "refund key %q already used", externalKey)
	case err != nil:
		return nil, apiError(err)
	}

	_, runErr := a.runner.Run(ctx, automaton.RunRequest{
		IsAPIPayment:      true,
		TransactionType:   payment.TransactionRefund,
		Account:           payment.Account{ID: p.AccountID, Currency: p.Currency, PaymentMethodID: p.PaymentMethodID},
		PaymentMethodID:   p.PaymentMethodID,
		ExistingPaymentID: p.ID,
		InvoiceID:         p.InvoiceID,
		ExternalKey:       externalKey,
		Amount:            amount,
		Currency:          p.Currency,
		IsInstantPayment:  true,
		Properties:        properties,
	})

	status := payment.RefundFailed
	processed := decimal.Zero
	if runErr == nil {
		attempt, err := a.store.GetAttemptByExternalKey(ctx, externalKey)
		if err != nil {
			return nil, apiError(err)
		}
		if attempt.StateName == payment.StateSuccess {
			status = payment.RefundCompleted
			processed = attempt.Amount
		}
	}

	// The refund outcome is recorded even if the caller gave up.
	persistCtx := context.WithoutCancel(ctx)
	if err := a.store.UpdateRefundStatus(persistCtx, refund.ID, status, processed, p.Currency); err != nil {
		return nil, apiError(err)
	}
	a.logger.Info("refund processed",
		slog.String("refund_id", refund.ID.String()),
		slog.String("payment_id", p.ID.String()),
		slog.String("status", string(status)))

	if runErr != nil {
		return nil, apiError(runErr)
	}
	updated, err := a.store.GetRefund(persistCtx, refund.ID)
	return updated, apiError(err)
}

// GetPayment returns the payment or a no-such-payment error; never nil
// without an error.
func (a *InternalAPI) GetPayment(ctx context.Context, paymentID uuid.UUID) (*payment.Payment, error) {
	p, err := a.store.GetPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, payment.ErrPaymentNotFound) {
			return nil, payment.NewAPIError(payment.CodeNoSuchPayment, err, "payment %s", paymentID)
		}
		return nil, apiError(err)
	}
	return p, nil
}

// GetPaymentAttempts returns the attempts of a payment in creation order.
func (a *InternalAPI) GetPaymentAttempts(ctx context.Context, paymentID uuid.UUID) ([]*payment.Attempt, error) {
	if _, err := a.GetPayment(ctx, paymentID); err != nil {
		return nil, err
	}
	attempts, err := a.store.GetAttemptsForPayment(ctx, paymentID)
	return attempts, apiError(err)
}

// GetAccountPayments returns the payments of an account in creation order.
func (a *InternalAPI) GetAccountPayments(ctx context.Context, accountID uuid.UUID) ([]*payment.Payment, error) {
	payments, err := a.store.GetPaymentsForAccount(ctx, accountID)
	return payments, apiError(err)
}

// GetRefunds returns the refunds of a payment.
func (a *InternalAPI) GetRefunds(ctx context.Context, paymentID uuid.UUID) ([]*payment.Refund, error) {
	if _, err := a.GetPayment(ctx, paymentID); err != nil {
		return nil, err
	}
	refunds, err := a.store.GetRefundsForPayment(ctx, paymentID)
	return refunds, apiError(err)
}

// GetPaymentMethodByID returns a payment method. Deleted methods are only
// returned when includeInactive is set.
func (a *InternalAPI) GetPaymentMethodByID(ctx context.Context, methodID uuid.UUID, includeInactive bool) (*payment.Method, error) {
	var (
		m   *payment.Method
		err error
	)
	if includeInactive {
		m, err = a.methods.GetPaymentMethodIncludedDeleted(ctx, methodID)
	} else {
		m, err = a.methods.GetPaymentMethod(ctx, methodID)
	}
	if err != nil {
		if errors.Is(err, payment.ErrPaymentMethodNotFound) {
			return nil, payment.NewAPIError(payment.CodeNoSuchPaymentMethod, err, "payment method %s", methodID)
		}
		return nil, apiError(err)
	}
	return m, nil
}

// GetPaymentMethods returns the active payment methods of an account.
func (a *InternalAPI) GetPaymentMethods(ctx context.Context, account payment.Account) ([]*payment.Method, error) {
	methods, err := a.methods.GetPaymentMethods(ctx, account.ID)
	return methods, apiError(err)
}

// AddPaymentMethod registers a payment method for an account.
func (a *InternalAPI) AddPaymentMethod(ctx context.Context, accountID uuid.UUID, pluginName, externalKey string) (*payment.Method, error) {
	if accountID == uuid.Nil {
		return nil, payment.NewAPIError(payment.CodeNoSuchAccount, payment.ErrAccountNotFound, "account is required")
	}
	if pluginName == "" {
		return nil, payment.NewAPIError(payment.CodeValidation, payment.ErrValidation, "plugin name is required")
	}
	m, err := a.methods.InsertPaymentMethod(ctx, payment.NewMethod(uuid.Nil, accountID, pluginName, externalKey))
	if err != nil {
		return nil, apiError(err)
	}
	a.logger.Info("payment method added",
		slog.String("payment_method_id", m.ID.String()),
		slog.String("account_id", accountID.String()),
		slog.String("plugin", pluginName))
	return m, nil
}

// DeletePaymentMethod soft deletes a payment method. Its payments keep
// referencing it.
func (a *InternalAPI) DeletePaymentMethod(ctx context.Context, methodID uuid.UUID) error {
	if err := a.methods.DeletedPaymentMethod(ctx, methodID); err != nil {
		if errors.Is(err, payment.ErrPaymentMethodNotFound) {
			return payment.NewAPIError(payment.CodeNoSuchPaymentMethod, err, "payment method %s", methodID)
		}
		return apiError(err)
	}
	return nil
}

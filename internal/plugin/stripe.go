package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/refund"

	"github.com/onnwee/billing/internal/payment"
)

// StripePluginName is the registry name of the Stripe gateway plugin.
const StripePluginName = "stripe"

// Request property keys read by the Stripe plugin.
const (
	PropertyStripeCustomer = "stripe_customer"
	PropertyDescription    = "description"
)

// StripeAPI is the subset of the Stripe SDK used by StripePlugin, an
// interface so tests can substitute a fake.
type StripeAPI interface {
	CreatePaymentIntent(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	CapturePaymentIntent(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	CreateRefund(params *stripe.RefundParams) (*stripe.Refund, error)
}

// StripeClient implements StripeAPI using the real Stripe SDK.
type StripeClient struct{}

// NewStripeClient creates a new Stripe client with the given API key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// CreatePaymentIntent creates and confirms a PaymentIntent.
func (c *StripeClient) CreatePaymentIntent(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return paymentintent.New(params)
}

// CapturePaymentIntent captures an authorized PaymentIntent.
func (c *StripeClient) CapturePaymentIntent(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error) {
	return paymentintent.Capture(id, params)
}

// CreateRefund refunds a PaymentIntent.
func (c *StripeClient) CreateRefund(params *stripe.RefundParams) (*stripe.Refund, error) {
	return refund.New(params)
}

// StripePlugin runs payment operations through Stripe PaymentIntents.
// PURCHASE confirms immediately, AUTHORIZE confirms with manual capture,
// CAPTURE captures the authorized intent and REFUND refunds it.
type StripePlugin struct {
	api    StripeAPI
	logger *slog.Logger
}

// NewStripePlugin creates a StripePlugin over api.
func NewStripePlugin(api StripeAPI, logger *slog.Logger) *StripePlugin {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripePlugin{api: api, logger: logger}
}

// Name implements Plugin.
func (p *StripePlugin) Name() string {
	return StripePluginName
}

// Execute implements Plugin.
func (p *StripePlugin) Execute(ctx context.Context, req *Request) (*Result, error) {
	minor, err := toMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, err
	}

	switch req.TransactionType {
	case payment.TransactionPurchase, payment.TransactionAuthorize:
		return p.createIntent(ctx, req, minor)
	case payment.TransactionCapture:
		return p.capture(ctx, req, minor)
	case payment.TransactionRefund:
		return p.refund(ctx, req, minor)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTransaction, req.TransactionType)
	}
}

func (p *StripePlugin) createIntent(ctx context.Context, req *Request, minor int64) (*Result, error) {
	if req.MethodExternalKey == "" {
		return nil, fmt.Errorf("%w: stripe payment method id is required", payment.ErrValidation)
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(minor),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod: stripe.String(req.MethodExternalKey),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	if req.TransactionType == payment.TransactionAuthorize {
		params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	}
	if customer, ok := req.Property(PropertyStripeCustomer); ok {
		params.Customer = stripe.String(customer)
	}
	if desc, ok := req.Property(PropertyDescription); ok {
		params.Description = stripe.String(desc)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.ExternalKey)
	params.AddMetadata("payment_id", req.PaymentID.String())
	params.AddMetadata("attempt_id", req.AttemptID.String())
	params.AddMetadata("account_id", req.AccountID.String())

	pi, err := p.api.CreatePaymentIntent(params)
	if err != nil {
		return p.classifyError(req, err)
	}
	return intentResult(pi, req.Currency), nil
}

func (p *StripePlugin) capture(ctx context.Context, req *Request, minor int64) (*Result, error) {
	if req.GatewayReferenceID == "" {
		return nil, fmt.Errorf("%w: capture requires the authorized payment intent", payment.ErrValidation)
	}

	params := &stripe.PaymentIntentCaptureParams{
		AmountToCapture: stripe.Int64(minor),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.ExternalKey)

	pi, err := p.api.CapturePaymentIntent(req.GatewayReferenceID, params)
	if err != nil {
		return p.classifyError(req, err)
	}
	return intentResult(pi, req.Currency), nil
}

func (p *StripePlugin) refund(ctx context.Context, req *Request, minor int64) (*Result, error) {
	if req.GatewayReferenceID == "" {
		return nil, fmt.Errorf("%w: refund requires the original payment intent", payment.ErrValidation)
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.GatewayReferenceID),
		Amount:        stripe.Int64(minor),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.ExternalKey)
	params.AddMetadata("payment_id", req.PaymentID.String())

	r, err := p.api.CreateRefund(params)
	if err != nil {
		return p.classifyError(req, err)
	}

	res := &Result{
		ProcessedAmount:    fromMinorUnits(r.Amount, req.Currency),
		ProcessedCurrency:  strings.ToUpper(string(r.Currency)),
		GatewayReferenceID: r.ID,
	}
	switch r.Status {
	case stripe.RefundStatusSucceeded:
		res.Status = StatusProcessed
	case stripe.RefundStatusPending, stripe.RefundStatusRequiresAction:
		res.Status = StatusPending
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		res.Status = StatusError
		res.GatewayErrorCode = string(r.FailureReason)
		res.GatewayErrorMsg = "refund " + string(r.Status)
	default:
		res.Status = StatusUndefined
	}
	return res, nil
}

// classifyError turns a Stripe error into a decline result, a retryable
// error or a plugin error.
func (p *StripePlugin) classifyError(req *Request, err error) (*Result, error) {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		// Transport failures never reach Stripe's error envelope.
		return nil, fmt.Errorf("%w: stripe: %v", ErrRetryable, err)
	}

	p.logger.Warn("stripe call failed",
		slog.String("external_key", req.ExternalKey),
		slog.String("type", string(stripeErr.Type)),
		slog.String("code", string(stripeErr.Code)),
		slog.Int("http_status", stripeErr.HTTPStatusCode),
		slog.String("request_id", stripeErr.RequestID))

	switch {
	case stripeErr.Type == stripe.ErrorTypeCard:
		code := string(stripeErr.Code)
		if stripeErr.DeclineCode != "" {
			code = string(stripeErr.DeclineCode)
		}
		return &Result{
			Status:            StatusError,
			ProcessedAmount:   decimal.Zero,
			ProcessedCurrency: req.Currency,
			GatewayErrorCode:  code,
			GatewayErrorMsg:   stripeErr.Msg,
		}, nil
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
		stripeErr.Type == stripe.ErrorTypeAPI:
		return nil, fmt.Errorf("%w: stripe %d: %s", ErrRetryable, stripeErr.HTTPStatusCode, stripeErr.Msg)
	default:
		return nil, fmt.Errorf("%w: stripe %s: %s", payment.ErrPluginError, stripeErr.Type, stripeErr.Msg)
	}
}

func intentResult(pi *stripe.PaymentIntent, currency string) *Result {
	res := &Result{
		ProcessedCurrency:  strings.ToUpper(string(pi.Currency)),
		GatewayReferenceID: pi.ID,
	}
	if res.ProcessedCurrency == "" {
		res.ProcessedCurrency = currency
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		res.Status = StatusProcessed
		res.ProcessedAmount = fromMinorUnits(pi.AmountReceived, currency)
	case stripe.PaymentIntentStatusRequiresCapture:
		res.Status = StatusProcessed
		res.ProcessedAmount = fromMinorUnits(pi.AmountCapturable, currency)
	case stripe.PaymentIntentStatusProcessing,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresConfirmation:
		res.Status = StatusPending
		res.ProcessedAmount = decimal.Zero
	case stripe.PaymentIntentStatusRequiresPaymentMethod, stripe.PaymentIntentStatusCanceled:
		res.Status = StatusError
		res.ProcessedAmount = decimal.Zero
		if pi.LastPaymentError != nil {
			res.GatewayErrorCode = string(pi.LastPaymentError.Code)
			res.GatewayErrorMsg = pi.LastPaymentError.Msg
		} else {
			res.GatewayErrorMsg = "payment intent " + string(pi.Status)
		}
	default:
		res.Status = StatusUndefined
		res.ProcessedAmount = decimal.Zero
	}
	return res
}

// zeroDecimalCurrencies are charged in whole units by Stripe.
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true,
	"KRW": true, "MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true,
	"VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

func currencyExponent(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// toMinorUnits converts amount to the smallest currency unit. Amounts with
// more precision than the currency allows are rejected.
func toMinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	shifted := amount.Shift(currencyExponent(currency))
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: amount %s has too many decimals for %s", payment.ErrValidation, amount, currency)
	}
	return shifted.IntPart(), nil
}

func fromMinorUnits(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -currencyExponent(currency))
}

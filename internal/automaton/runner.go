package automaton

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/billing/internal/payment"
	"github.com/onnwee/billing/internal/plugin"
	"github.com/onnwee/billing/internal/tracing"
)

// DefaultClaimTimeout is how long a claimed attempt may stay INIT before
// another run may take it over.
const DefaultClaimTimeout = 15 * time.Minute

// Options configures a Runner. Zero values pick safe defaults.
type Options struct {
	// Policy decides whether a retryable failure gets another attempt.
	// Defaults to NoRetries.
	Policy RetryPolicy

	// Notifier is told about every scheduled retry. When nil, or when it
	// fails, the retry attempt is still recorded and waits for the worker's
	// stale attempt sweep.
	Notifier RetryNotifier

	// ClaimTimeout defaults to DefaultClaimTimeout.
	ClaimTimeout time.Duration

	Metrics *Metrics
	Logger  *slog.Logger

	// Now returns the current time (for tests).
	Now func() time.Time
}

// Runner executes payment operations.
// No lock is held across the plugin call; every store operation is its own
// transaction. The external key and the attempt claim make concurrent
// repeats call the gateway once.
type Runner struct {
	store        payment.Store
	methods      payment.MethodStore
	plugins      Invoker
	policy       RetryPolicy
	notifier     RetryNotifier
	claimTimeout time.Duration
	metrics      *Metrics
	logger       *slog.Logger
	now          func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(store payment.Store, methods payment.MethodStore, plugins Invoker, opts Options) *Runner {
	r := &Runner{
		store:        store,
		methods:      methods,
		plugins:      plugins,
		policy:       opts.Policy,
		notifier:     opts.Notifier,
		claimTimeout: opts.ClaimTimeout,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		now:          opts.Now,
	}
	if r.policy == nil {
		r.policy = NoRetries{}
	}
	if r.claimTimeout <= 0 {
		r.claimTimeout = DefaultClaimTimeout
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

func persistenceError(op string, err error) error {
	var apiErr *payment.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return payment.NewAPIError(payment.CodeOf(err), err, "%s", op)
}

// Run executes req and returns the resulting payment.
//
// Run is idempotent on req.ExternalKey: when an attempt with the key exists
// its payment is returned unchanged, even while that attempt is in flight.
// The exception is req.Resume: the scheduled INIT attempt is claimed and
// executed by whichever run wins the claim.
//
// Declines and exhausted retries are not errors; the returned payment is
// FAILED. Unclassifiable plugin failures abort the attempt and return an
// APIError with CodePluginError.
func (r *Runner) Run(ctx context.Context, req RunRequest) (result *payment.Payment, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "payment.automaton.run")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx,
		attribute.String("payment.transaction_type", string(req.TransactionType)),
		attribute.String("payment.external_key", req.ExternalKey),
		attribute.Bool("payment.api", req.IsAPIPayment))

	if err := req.validate(); err != nil {
		return nil, err
	}

	existing, err := r.store.GetAttemptByExternalKey(ctx, req.ExternalKey)
	switch {
	case err == nil:
		if req.Resume && existing.StateName == payment.StateInit && existing.PaymentID == req.ExistingPaymentID {
			return r.resume(ctx, req, existing)
		}
		r.logger.Debug("external key already used, returning existing payment",
			slog.String("external_key", req.ExternalKey),
			slog.String("payment_id", existing.PaymentID.String()))
		return r.getPayment(ctx, existing.PaymentID)
	case !errors.Is(err, payment.ErrAttemptNotFound):
		return nil, persistenceError("lookup attempt by external key", err)
	}

	method, err := r.methods.GetPaymentMethod(ctx, req.PaymentMethodID)
	if err != nil {
		if errors.Is(err, payment.ErrPaymentMethodNotFound) {
			return nil, payment.NewAPIError(payment.CodeNoSuchPaymentMethod, err, "payment method %s", req.PaymentMethodID)
		}
		return nil, persistenceError("lookup payment method", err)
	}

	p, attempt, err := r.createAttempt(ctx, req)
	if err != nil {
		if errors.Is(err, payment.ErrDuplicateKey) {
			// Lost a race on the external key; the winner's payment is the result.
			winner, lookupErr := r.store.GetAttemptByExternalKey(ctx, req.ExternalKey)
			if lookupErr != nil {
				return nil, persistenceError("lookup winning attempt", lookupErr)
			}
			return r.getPayment(ctx, winner.PaymentID)
		}
		return nil, err
	}

	return r.execute(ctx, req, p, attempt, method)
}

func (r *Runner) getPayment(ctx context.Context, paymentID uuid.UUID) (*payment.Payment, error) {
	p, err := r.store.GetPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, payment.ErrPaymentNotFound) {
			return nil, payment.NewAPIError(payment.CodeNoSuchPayment, err, "payment %s", paymentID)
		}
		return nil, persistenceError("get payment", err)
	}
	return p, nil
}

// createAttempt persists the attempt for req, appending to an existing
// payment or creating a payment with it as first attempt.
func (r *Runner) createAttempt(ctx context.Context, req RunRequest) (*payment.Payment, *payment.Attempt, error) {
	now := r.now()

	if req.ExistingPaymentID != uuid.Nil {
		p, err := r.getPayment(ctx, req.ExistingPaymentID)
		if err != nil {
			return nil, nil, err
		}
		a := payment.NewAttempt(p.ID, req.PaymentMethodID, req.ExternalKey, req.TransactionType, req.PluginName, req.Amount, req.Currency, now)
		a.Properties = req.Properties
		a.ClaimedAt = now
		if err := r.store.UpdatePaymentWithNewAttempt(ctx, p.ID, a); err != nil {
			if errors.Is(err, payment.ErrDuplicateKey) {
				return nil, nil, err
			}
			return nil, nil, persistenceError("append attempt", err)
		}
		// Reload so the payment reflects a PURCHASE or AUTHORIZE attempt.
		p, err = r.getPayment(ctx, p.ID)
		if err != nil {
			return nil, nil, err
		}
		return p, a, nil
	}

	p := payment.NewPayment(req.Account.ID, req.InvoiceID, req.PaymentMethodID, req.Amount, req.Currency, now)
	a := payment.NewAttempt(p.ID, req.PaymentMethodID, req.ExternalKey, req.TransactionType, req.PluginName, req.Amount, req.Currency, now)
	a.Properties = req.Properties
	a.ClaimedAt = now
	inserted, err := r.store.InsertPaymentWithFirstAttempt(ctx, p, a)
	if err != nil {
		if errors.Is(err, payment.ErrDuplicateKey) {
			return nil, nil, err
		}
		return nil, nil, persistenceError("insert payment", err)
	}
	return inserted, a, nil
}

// resume claims and executes a scheduled INIT attempt. Losing the claim is
// not an error: the winner's run owns the outcome.
func (r *Runner) resume(ctx context.Context, req RunRequest, a *payment.Attempt) (*payment.Payment, error) {
	now := r.now()
	if err := r.store.ClaimAttempt(ctx, a.ID, now, now.Add(-r.claimTimeout)); err != nil {
		if errors.Is(err, payment.ErrAttemptClaimed) || errors.Is(err, payment.ErrAttemptCompleted) {
			r.logger.Debug("retry attempt taken by another run",
				slog.String("attempt_id", a.ID.String()),
				slog.String("reason", err.Error()))
			return r.getPayment(ctx, a.PaymentID)
		}
		return nil, persistenceError("claim attempt", err)
	}

	p, err := r.getPayment(ctx, a.PaymentID)
	if err != nil {
		return nil, err
	}
	method, err := r.methods.GetPaymentMethod(ctx, a.PaymentMethodID)
	if err != nil {
		if errors.Is(err, payment.ErrPaymentMethodNotFound) {
			r.abort(ctx, p, a, err)
			return nil, payment.NewAPIError(payment.CodeNoSuchPaymentMethod, err, "payment method %s", a.PaymentMethodID)
		}
		return nil, persistenceError("lookup payment method", err)
	}
	r.logger.Info("resuming payment retry",
		slog.String("payment_id", p.ID.String()),
		slog.String("attempt_id", a.ID.String()),
		slog.String("external_key", a.ExternalKey))
	return r.execute(ctx, req, p, a, method)
}

// abort records a claimed attempt that can never run as ABORTED so the
// sweep does not pick it up again.
func (r *Runner) abort(ctx context.Context, p *payment.Payment, a *payment.Attempt, cause error) {
	err := r.store.UpdatePaymentAndAttemptOnCompletion(context.WithoutCancel(ctx), p.ID, payment.Completion{
		AttemptID:         a.ID,
		AttemptState:      payment.StateAborted,
		Status:            payment.StateAborted.PaymentStatus(),
		ProcessedAmount:   p.ProcessedAmount,
		ProcessedCurrency: p.ProcessedCurrency,
		GatewayErrorMsg:   cause.Error(),
	})
	if err != nil {
		r.logger.Error("failed to abort payment attempt",
			slog.String("attempt_id", a.ID.String()),
			slog.String("error", err.Error()))
		return
	}
	r.metrics.incRuns(string(a.TransactionType), string(payment.StateAborted))
}

// gatewayReference finds the gateway transaction a CAPTURE or REFUND applies to.
func (r *Runner) gatewayReference(ctx context.Context, req RunRequest, p *payment.Payment) (string, error) {
	if req.GatewayReferenceID != "" {
		return req.GatewayReferenceID, nil
	}
	var wanted map[payment.TransactionType]bool
	switch req.TransactionType {
	case payment.TransactionCapture:
		wanted = map[payment.TransactionType]bool{payment.TransactionAuthorize: true}
	case payment.TransactionRefund:
		wanted = map[payment.TransactionType]bool{payment.TransactionPurchase: true, payment.TransactionCapture: true}
	default:
		return "", nil
	}

	attempts, err := r.store.GetAttemptsForPayment(ctx, p.ID)
	if err != nil {
		return "", persistenceError("list attempts", err)
	}
	for i := len(attempts) - 1; i >= 0; i-- {
		a := attempts[i]
		if a.StateName == payment.StateSuccess && wanted[a.TransactionType] && a.GatewayReferenceID != "" {
			return a.GatewayReferenceID, nil
		}
	}
	return "", nil
}

// execute calls the gateway for attempt a and persists the outcome.
func (r *Runner) execute(ctx context.Context, req RunRequest, p *payment.Payment, a *payment.Attempt, method *payment.Method) (*payment.Payment, error) {
	ref, err := r.gatewayReference(ctx, req, p)
	if err != nil {
		return nil, err
	}

	pluginReq := &plugin.Request{
		TransactionType:    a.TransactionType,
		AccountID:          p.AccountID,
		PaymentID:          p.ID,
		AttemptID:          a.ID,
		PaymentMethodID:    method.ID,
		MethodExternalKey:  method.ExternalKey,
		ExternalKey:        a.ExternalKey,
		Amount:             a.Amount,
		Currency:           a.Currency,
		GatewayReferenceID: ref,
		Properties:         a.Properties,
	}

	pluginCtx, endPluginSpan := tracing.StartSpan(ctx, "payment.plugin.invoke")
	tracing.SetAttributes(pluginCtx, attribute.String("payment.plugin", method.PluginName))
	start := time.Now()
	res, callErr := r.plugins.Invoke(pluginCtx, method.PluginName, pluginReq)
	kind, abortErr := classify(res, callErr)
	r.metrics.observePlugin(method.PluginName, kind.String(), time.Since(start).Seconds())
	endPluginSpan(abortErr)

	// The outcome is persisted even if the caller gave up meanwhile.
	persistCtx := context.WithoutCancel(ctx)

	attemptNumber := a.RetryNumber + 1

	c := payment.Completion{
		AttemptID:         a.ID,
		ProcessedAmount:   p.ProcessedAmount,
		ProcessedCurrency: p.ProcessedCurrency,
	}
	if res != nil {
		c.GatewayErrorCode = res.GatewayErrorCode
		c.GatewayErrorMsg = res.GatewayErrorMsg
		c.GatewayReferenceID = res.GatewayReferenceID
	}

	scheduleRetry := false
	var runErr error
	switch kind {
	case outcomeSuccess:
		c.AttemptState = payment.StateSuccess
		c.ProcessedAmount = res.ProcessedAmount
		c.ProcessedCurrency = res.ProcessedCurrency
		if c.ProcessedAmount.IsZero() {
			c.ProcessedAmount = a.Amount
		}
		if c.ProcessedCurrency == "" {
			c.ProcessedCurrency = a.Currency
		}
	case outcomeDecline:
		c.AttemptState = payment.StateFailed
	case outcomeRetryable:
		switch {
		case req.IsInstantPayment:
			c.AttemptState = payment.StateFailed
			runErr = payment.NewAPIError(payment.CodeRetryableFailure, payment.ErrRetryableFailure,
				"instant payment %s could not complete", a.ExternalKey)
		case r.policy.Exhausted(attemptNumber):
			c.AttemptState = payment.StateFailed
		default:
			c.AttemptState = payment.StateRetried
			scheduleRetry = true
		}
		if callErr != nil && c.GatewayErrorMsg == "" {
			c.GatewayErrorMsg = callErr.Error()
		}
	default:
		c.AttemptState = payment.StateAborted
		c.GatewayErrorMsg = abortErr.Error()
		runErr = payment.NewAPIError(payment.CodePluginError, fmt.Errorf("%w: %v", payment.ErrPluginError, abortErr),
			"plugin %s failed for %s", method.PluginName, a.ExternalKey)
	}

	c.Status = c.AttemptState.PaymentStatus()
	if a.TransactionType == payment.TransactionRefund {
		// Refund outcomes live on the attempt and the refund row.
		c.Status = p.Status
		c.ProcessedAmount = p.ProcessedAmount
		c.ProcessedCurrency = p.ProcessedCurrency
	}

	if err := r.store.UpdatePaymentAndAttemptOnCompletion(persistCtx, p.ID, c); err != nil {
		if errors.Is(err, payment.ErrAttemptCompleted) {
			// A run that took over an expired claim got there first.
			r.logger.Warn("payment attempt completed by another run",
				slog.String("payment_id", p.ID.String()),
				slog.String("attempt_id", a.ID.String()))
			return r.getPayment(persistCtx, p.ID)
		}
		return nil, persistenceError("record attempt outcome", err)
	}
	r.metrics.incRuns(string(a.TransactionType), string(c.AttemptState))

	logAttrs := []any{
		slog.String("payment_id", p.ID.String()),
		slog.String("attempt_id", a.ID.String()),
		slog.String("external_key", a.ExternalKey),
		slog.String("transaction_type", string(a.TransactionType)),
		slog.String("plugin", method.PluginName),
		slog.String("state", string(c.AttemptState)),
		slog.Int("attempt_number", attemptNumber),
	}
	if kind == outcomeAbort {
		r.logger.Error("payment attempt aborted", append(logAttrs, slog.String("error", abortErr.Error()))...)
	} else {
		r.logger.Info("payment attempt completed", logAttrs...)
	}

	if scheduleRetry {
		if err := r.scheduleRetry(persistCtx, p, a); err != nil {
			return nil, err
		}
	}

	if runErr != nil {
		return nil, runErr
	}
	return r.getPayment(persistCtx, p.ID)
}

// scheduleRetry appends the unclaimed INIT attempt for the next retry and
// notifies the scheduler. A notifier failure is logged and left to the
// worker's sweep; the attempt is already durable.
func (r *Runner) scheduleRetry(ctx context.Context, p *payment.Payment, failed *payment.Attempt) error {
	n := failed.RetryNumber + 1
	next := payment.NewAttempt(p.ID, failed.PaymentMethodID, RetryKey(baseKey(failed), n), failed.TransactionType,
		failed.PluginName, failed.Amount, failed.Currency, r.now())
	next.Properties = failed.Properties
	next.RetryNumber = n

	if err := r.store.UpdatePaymentWithNewAttempt(ctx, p.ID, next); err != nil {
		if errors.Is(err, payment.ErrDuplicateKey) {
			// Another run already scheduled this retry.
			return nil
		}
		return persistenceError("append retry attempt", err)
	}
	r.metrics.incRetries(string(next.TransactionType))

	if r.notifier == nil {
		r.logger.Warn("retry recorded without a notifier",
			slog.String("payment_id", p.ID.String()),
			slog.String("external_key", next.ExternalKey))
		return nil
	}
	if err := r.notifier.ScheduleRetry(ctx, Retry{
		PaymentID:   p.ID,
		AttemptID:   next.ID,
		ExternalKey: next.ExternalKey,
		RetryNumber: n,
	}); err != nil {
		r.logger.Error("failed to schedule payment retry, leaving it to the sweep",
			slog.String("payment_id", p.ID.String()),
			slog.String("attempt_id", next.ID.String()),
			slog.String("external_key", next.ExternalKey),
			slog.String("error", err.Error()))
	}
	return nil
}

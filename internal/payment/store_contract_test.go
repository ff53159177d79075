package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/onnwee/billing/internal/callcontext"
)

// fullStore is satisfied by both store implementations.
type fullStore interface {
	Store
	MethodStore
}

func tenantContext(tenant uuid.UUID) context.Context {
	return callcontext.WithCallContext(context.Background(), callcontext.CallContext{
		TenantID:  tenant,
		UserName:  "payment-test",
		RequestID: "req-" + tenant.String()[:8],
	})
}

func newTestPayment(accountID, invoiceID, methodID uuid.UUID, amount string, effective time.Time) (*Payment, *Attempt) {
	amt := decimal.RequireFromString(amount)
	p := NewPayment(accountID, invoiceID, methodID, amt, "USD", effective)
	a := NewAttempt(p.ID, methodID, uuid.NewString(), TransactionPurchase, "__INVOICE_PAYMENT_CONTROL_PLUGIN__", amt, "USD", effective)
	return p, a
}

// insertProcessedPayment stores a payment whose first attempt succeeded
// with the full amount.
func insertProcessedPayment(t *testing.T, ctx context.Context, store Store, accountID uuid.UUID, amount string) *Payment {
	t.Helper()
	p, a := newTestPayment(accountID, uuid.New(), uuid.New(), amount, time.Now())
	if _, err := store.InsertPaymentWithFirstAttempt(ctx, p, a); err != nil {
		t.Fatalf("InsertPaymentWithFirstAttempt failed: %v", err)
	}
	err := store.UpdatePaymentAndAttemptOnCompletion(ctx, p.ID, Completion{
		AttemptID:         a.ID,
		AttemptState:      StateSuccess,
		Status:            StatusSuccess,
		ProcessedAmount:   p.Amount,
		ProcessedCurrency: "USD",
	})
	if err != nil {
		t.Fatalf("UpdatePaymentAndAttemptOnCompletion failed: %v", err)
	}
	return p
}

// runStoreContract exercises the behaviour shared by every Store and
// MethodStore implementation.
func runStoreContract(t *testing.T, newStore func(t *testing.T) fullStore) {
	t.Run("InsertThenGetPaymentsForInvoice", func(t *testing.T) {
		store := newStore(t)
		ctx := tenantContext(uuid.New())
		accountID, invoiceID, methodID := uuid.New(), uuid.New(), uuid.New()
		effective := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		p, a := newTestPayment(accountID, invoiceID, methodID, "13", effective)
		inserted, err := store.InsertPaymentWithFirstAttempt(ctx, p, a)
		if err != nil {
			t.Fatalf("InsertPaymentWithFirstAttempt failed: %v", err)
		}
		if inserted.Status != StatusUnknown {
			t.Errorf("expected status %s, got %s", StatusUnknown, inserted.Status)
		}

		payments, err := store.GetPaymentsForInvoice(ctx, invoiceID)
		if err != nil {
			t.Fatalf("GetPaymentsForInvoice failed: %v", err)
		}
		if len(payments) != 1 {
			t.Fatalf("expected 1 payment, got %d", len(payments))
		}
		got := payments[0]
		if got.ID != p.ID || got.AccountID != accountID || got.InvoiceID != invoiceID || got.PaymentMethodID != methodID {
			t.Errorf("immutable fields differ: got %+v", got)
		}
		if !got.Amount.Equal(p.Amount) {
			t.Errorf("expected amount %s, got %s", p.Amount, got.Amount)
		}
		if got.Currency != "USD" {
			t.Errorf("expected currency USD, got %s", got.Currency)
		}
		if !got.EffectiveDate.Equal(effective) {
			t.Errorf("expected effective date %v, got %v", effective, got.EffectiveDate)
		}

		attempts, err := store.GetAttemptsForPayment(ctx, p.ID)
		if err != nil {
			t.Fatalf("GetAttemptsForPayment failed: %v", err)
		}
		if len(attempts) != 1 {
			t.Fatalf("expected 1 attempt, got %d", len(attempts))
		}
		if attempts[0].ID != a.ID || attempts[0].StateName != StateInit {
			t.Errorf("unexpected first attempt: %+v", attempts[0])
		}
	})

	t.Run("DuplicateExternalKey", func(t *testing.T) {
		store := newStore(t)
		ctx := tenantContext(uuid.New())
		p1, a1 := newTestPayment(uuid.New(), uuid.New(), uuid.New(), "10", time.Now())
		if _, err := store.InsertPaymentWithFirstAttempt(ctx, p1, a1); err != nil {
			t.Fatalf("InsertPaymentWithFirstAttempt failed: %v", err)
		}

		p2, a2 := newTestPayment(uuid.New(), uuid.New(), uuid.New(), "10", time.Now())
		a2.ExternalKey = a1.ExternalKey
		if _, err := store.InsertPaymentWithFirstAttempt(ctx, p2, a2); !errors.Is(err, ErrDuplicateKey) {
			t.Fatalf("expected ErrDuplicateKey, got %v", err)
		}
		if _, err := store.GetPayment(ctx, p2.ID); !errors.Is(err, ErrPaymentNotFound) {
			t.Errorf("payment of a rejected insert must not exist, got %v", err)
		}

		a3 := NewAttempt(p1.ID, p1.PaymentMethodID, a1.ExternalKey, TransactionPurchase, "plugin", p1.Amount, "USD", time.Now())
		if err := store.UpdatePaymentWithNewAttempt(ctx, p1.ID, a3); !errors.Is(err, ErrDuplicateKey) {
			t.Errorf("expected ErrDuplicateKey on new attempt, got %v", err)
		}
	})

	t.Run("NewAttemptKeepsAccountAndInvoice", func(t *testing.T) {
		store := newStore(t)
		ctx := tenantContext(uuid.New())
		accountID, invoiceID := uuid.New(), uuid.New()
		p, a := newTestPayment(accountID, invoiceID, uuid.New(), "10", time.Now())
		if _, err := store.InsertPaymentWithFirstAttempt(ctx, p, a); err != nil {
			t.Fatalf("InsertPaymentWithFirstAttempt failed: %v", err)
		}

		newMethod := uuid.New()
		newEffective := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)
		a2 := NewAttempt(p.ID, newMethod, uuid.NewString(), TransactionPurchase, "plugin", decimal.RequireFromString("15.5"), "EUR", newEffective)
		if err := store.UpdatePaymentWithNewAttempt(ctx, p.ID, a2); err != nil {
			t.Fatalf("UpdatePaymentWithNewAttempt failed: %v", err)
		}

		got, err := store.GetPayment(ctx, p.ID)
		if err != nil {
			t.Fatalf("GetPayment failed: %v", err)
		}
		if got.AccountID != accountID || got.InvoiceID != invoiceID {
			t.Error("account and invoice must not change on a new attempt")
		}
		if got.PaymentMethodID != newMethod {
			t.Errorf("expected method %s, got %s", newMethod, got.PaymentMethodID)
		}
		if !got.Amount.Equal(decimal.RequireFromString("15.5")) || got.Currency != "EUR" {
			t.Errorf("expected 15.5 EUR, got %s %s", got.Amount, got.Currency)
		}
		if !got.EffectiveDate.Equal(newEffective) {
			t.Errorf("expected effective date %v, got %v", newEffective, got.EffectiveDate)
		}

		attempts, err := store.GetAttemptsForPayment(ctx, p.ID)
		if err != nil {
			t.Fatalf("GetAttemptsForPayment failed: %v", err)
		}
		if len(attempts) != 2 || attempts[0].ID != a.ID || attempts[1].ID != a2.ID {
			t.Fatalf("expected attempts in creation order, got %d", len(attempts))
		}

		if err := store.UpdatePaymentWithNewAttempt(ctx, uuid.New(), NewAttempt(uuid.Nil, newMethod, uuid.NewString(), TransactionPurchase, "plugin", decimal.NewFromInt(1), "USD", time.Now())); !errors.Is(err, ErrPaymentNotFound) {
			t.Errorf("expected ErrPaymentNotFound, got %v", err)
		}
	})

	t.Run("CompletionKeepsEffectiveDate", func(t *testing.T) {
		store := newStore(t)
		ctx := tenantContext(uuid.New())
		invoiceID := uuid.New()
		effective := time.Date(2026, 1, 10, 9, 30, 0, 0, time.UTC)
		p, a := newTestPayment(uuid.New(), invoiceID, uuid.New(), "13", effective)
		a.Properties = []Property{{Key: "source", Value: "invoice"}}
		if _, err := store.InsertPaymentWithFirstAttempt(ctx, p, a); err != nil {
			t.Fatalf("InsertPaymentWithFirstAttempt failed: %v", err)
		}

		err := store.UpdatePaymentAndAttemptOnCompletion(ctx, p.ID, Completion{
			AttemptID:          a.ID,
			AttemptState:       StateSuccess,
			Status:             StatusSuccess,
			ProcessedAmount:    decimal.RequireFromString("13.00"),
			ProcessedCurrency:  "USD",
			GatewayReferenceID: "pi_123",
		})
		if err != nil {
			t.Fatalf("UpdatePaymentAndAttemptOnCompletion failed: %v", err)
		}

		payments, err := store.GetPaymentsForInvoice(ctx, invoiceID)
		if err != nil {
			t.Fatalf("GetPaymentsForInvoice failed: %v", err)
		}
		if len(payments) != 1 {
			t.Fatalf("expected 1 payment, got %d", len(payments))
		}
		got := payments[0]
		if got.Status != StatusSuccess {
			t.Errorf("expected status %s, got %s", StatusSuccess, got.Status)
		}
		if !got.ProcessedAmount.Equal(decimal.NewFromInt(13)) {
			t.Errorf("expected processed amount 13, got %s", got.ProcessedAmount)
		}
		if !got.EffectiveDate.Equal(effective) {
			t.Errorf("effective date changed: got %v, want %v", got.EffectiveDate, effective)
		}

		attempt, err := store.GetAttempt(ctx, a.ID)
		if err != nil {
			t.Fatalf("GetAttempt failed: %v", err)
		}
		if attempt.StateName != StateSuccess || attempt.GatewayReferenceID != "pi_123" {
			t.Errorf("unexpected attempt after completion: %+v", attempt)
		}
		if len(attempt.Properties) != 1 || attempt.Properties[0].Value != "invoice" {
			t.Errorf("expected properties to round-trip, got %+v", attempt.Properties)
		}

		byKey, err := store.GetAttemptByExternalKey(ctx, a.ExternalKey)
		if err != nil || byKey.ID != a.ID {
			t.Errorf("GetAttemptByExternalKey = %v, %v", byKey, err)
		}

		err = store.UpdatePaymentAndAttemptOnCompletion(ctx, p.ID, Completion{AttemptID: uuid.New(), AttemptState: StateFailed, Status: StatusFailed})
		if !errors.Is(err, ErrAttemptNotFound) {
			t.Errorf("expected ErrAttemptNotFound, got %v", err)
		}

		// A completed attempt cannot be completed again.
		err = store.UpdatePaymentAndAttemptOnCompletion(ctx, p.ID, Completion{AttemptID: a.ID, AttemptState: StateFailed, Status: StatusFailed})
		if !errors.Is(err, ErrAttemptCompleted) {
			t.Errorf("expected ErrAttemptCompleted, got %v", err)
		}
		again, _ := store.GetPayment(ctx, p.ID)
		if again.Status != StatusSuccess {
			t.Errorf("a rejected completion changed the payment to %s", again.Status)
		}
	})

	t.Run("FollowUpAttemptKeepsPaymentAmount", func(t *testing.T) {
		store := newStore(t)
		ctx := tenantContext(uuid.New())
		effective := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
		p, a := newTestPayment(uuid.New(), uuid.New(), uuid.New(), "100", effective)
		a.TransactionType = TransactionAuthorize
		if _, err := store.InsertPaymentWithFirstAttempt(ctx, p, a); err != nil {
			t.Fatalf("InsertPaymentWithFirstAttempt failed: %v", err)
		}

		for _, tt := range []TransactionType{TransactionCapture, TransactionRefund} {
			next := NewAttempt(p.ID, p.PaymentMethodID, uuid.NewString(), tt, "plugin", decimal.NewFromInt(30), "USD", effective.AddDate(0, 1, 0))
			if err := store.UpdatePaymentWithNewAttempt(ctx, p.ID, next); err != nil {
				t.Fatalf("UpdatePaymentWithNewAttempt(%s) failed: %v", tt, err)
			}
			got, err := store.GetPayment(ctx, p.ID)
			if err != nil {
				t.Fatalf("GetPayment failed: %v", err)
			}
			if !got.Amount.Equal(decimal.NewFromInt(100)) {
				t.Errorf("%s attempt changed the amount to %s", tt, got.Amount)
			}
			if !got.EffectiveDate.Equal(effective) {
				t.Errorf("%s attempt changed the effective date to %v", tt, got.EffectiveDate)
			}
		}

		if err := store.UpdatePaymentWithNewAttempt(ctx, uuid.New(), NewAttempt(uuid.Nil, p.PaymentMethodID, uuid.NewString(), TransactionCapture, "plugin", decimal.NewFromInt(1), "USD", time.Now())); !errors.Is(err, ErrPaymentNotFound) {
			t.Errorf("expected ErrPaymentNotFound, got %v", err)
		}
	})

	t.Run("ClaimAttempt", func(t *testing.T) {
		store := newStore(t)
		ctx := tenantContext(uuid.New())
		p, a := newTestPayment(uuid.New(), uuid.New(), uuid.New(), "10", time.Now())
		if _, err := store.InsertPaymentWithFirstAttempt(ctx, p, a); err != nil {
			t.Fatalf("InsertPaymentWithFirstAttempt failed: %v", err)
		}

		now := time.Now()
		if err := store.ClaimAttempt(ctx, a.ID, now, now.Add(-time.Minute)); err != nil {
			t.Fatalf("first claim failed: %v", err)
		}
		if err := store.ClaimAttempt(ctx, a.ID, now.Add(time.Second), now.Add(-time.Minute)); !errors.Is(err, ErrAttemptClaimed) {
			t.Errorf("expected ErrAttemptClaimed for a live claim, got %v", err)
		}
		later := now.Add(time.Hour)
		if err := store.ClaimAttempt(ctx, a.ID, later, later.Add(-time.Minute)); err != nil {
			t.Errorf("expected an expired claim to be taken over, got %v", err)
		}
		got, err := store.GetAttempt(ctx, a.ID)
		if err != nil {
			t.Fatalf("GetAttempt failed: %v", err)
		}
		if d := got.ClaimedAt.Sub(later); d > time.Millisecond || d < -time.Millisecond {
			t.Errorf("expected claim time %v, got %v", later, got.ClaimedAt)
		}

		err = store.UpdatePaymentAndAttemptOnCompletion(ctx, p.ID, Completion{AttemptID: a.ID, AttemptState: StateFailed, Status: StatusFailed})
		if err != nil {
			t.Fatalf("UpdatePaymentAndAttemptOnCompletion failed: %v", err)
		}
		if err := store.ClaimAttempt(ctx, a.ID, later.Add(time.Hour), later.Add(time.Hour)); !errors.Is(err, ErrAttemptCompleted) {
			t.Errorf("expected ErrAttemptCompleted, got %v", err)
		}
		if err := store.ClaimAttempt(ctx, uuid.New(), now, now); !errors.Is(err, ErrAttemptNotFound) {
			t.Errorf("expected ErrAttemptNotFound, got %v", err)
		}
		if err := store.ClaimAttempt(tenantContext(uuid.New()), a.ID, now, now); !errors.Is(err, ErrAttemptNotFound) {
			t.Errorf("expected ErrAttemptNotFound across tenants, got %v", err)
		}
	})

	t.Run("ListStaleRetryAttempts", func(t *testing.T) {
		store := newStore(t)
		tenant := uuid.New()
		ctx := tenantContext(tenant)
		p, first := newTestPayment(uuid.New(), uuid.New(), uuid.New(), "10", time.Now())
		if _, err := store.InsertPaymentWithFirstAttempt(ctx, p, first); err != nil {
			t.Fatalf("InsertPaymentWithFirstAttempt failed: %v", err)
		}
		retry := NewAttempt(p.ID, p.PaymentMethodID, first.ExternalKey+"-retry-1", TransactionPurchase, "plugin", p.Amount, "USD", time.Now())
		retry.RetryNumber = 1
		if err := store.UpdatePaymentWithNewAttempt(ctx, p.ID, retry); err != nil {
			t.Fatalf("UpdatePaymentWithNewAttempt failed: %v", err)
		}

		// The store may be shared with other tenants.
		stale := func(before time.Time) []*Attempt {
			t.Helper()
			all, err := store.ListStaleRetryAttempts(context.Background(), before, 1000)
			if err != nil {
				t.Fatalf("ListStaleRetryAttempts failed: %v", err)
			}
			var mine []*Attempt
			for _, a := range all {
				if a.TenantID == tenant {
					mine = append(mine, a)
				}
			}
			return mine
		}

		if got := stale(time.Now().Add(-time.Hour)); len(got) != 0 {
			t.Errorf("expected a fresh retry to be skipped, got %d", len(got))
		}
		got := stale(time.Now().Add(time.Hour))
		if len(got) != 1 || got[0].ID != retry.ID || got[0].RetryNumber != 1 {
			t.Fatalf("expected only the retry attempt, got %+v", got)
		}

		claimedAt := time.Now().Add(2 * time.Hour)
		if err := store.ClaimAttempt(ctx, retry.ID, claimedAt, claimedAt.Add(-time.Minute)); err != nil {
			t.Fatalf("ClaimAttempt failed: %v", err)
		}
		if got := stale(time.Now().Add(time.Hour)); len(got) != 0 {
			t.Errorf("expected a claimed retry to be skipped until its claim ages, got %d", len(got))
		}
		if got := stale(claimedAt.Add(time.Minute)); len(got) != 1 {
			t.Errorf("expected an aged claim to be listed, got %d", len(got))
		}

		err := store.UpdatePaymentAndAttemptOnCompletion(ctx, p.ID, Completion{AttemptID: retry.ID, AttemptState: StateSuccess, Status: StatusSuccess, ProcessedAmount: p.Amount, ProcessedCurrency: "USD"})
		if err != nil {
			t.Fatalf("UpdatePaymentAndAttemptOnCompletion failed: %v", err)
		}
		if got := stale(claimedAt.Add(time.Hour)); len(got) != 0 {
			t.Errorf("expected a completed retry to be skipped, got %d", len(got))
		}
	})

	t.Run("LastPaymentForPaymentMethod", func(t *testing.T) {
		store := newStore(t)
		ctx := tenantContext(uuid.New())
		accountID, methodID := uuid.New(), uuid.New()

		var last *Payment
		for i := 0; i < 3; i++ {
			p, a := newTestPayment(accountID, uuid.New(), methodID, "5", time.Now())
			if _, err := store.InsertPaymentWithFirstAttempt(ctx, p, a); err != nil {
				t.Fatalf("InsertPaymentWithFirstAttempt failed: %v", err)
			}
			last = p
		}
		other, a := newTestPayment(accountID, uuid.New(), uuid.New(), "5", time.Now())
		if _, err := store.InsertPaymentWithFirstAttempt(ctx, other, a); err != nil {
			t.Fatalf("InsertPaymentWithFirstAttempt failed: %v", err)
		}

		got, err := store.GetLastPaymentForPaymentMethod(ctx, accountID, methodID)
		if err != nil {
			t.Fatalf("GetLastPaymentForPaymentMethod failed: %v", err)
		}
		if got.ID != last.ID {
			t.Errorf("expected last payment %s, got %s", last.ID, got.ID)
		}

		all, err := store.GetPaymentsForAccount(ctx, accountID)
		if err != nil {
			t.Fatalf("GetPaymentsForAccount failed: %v", err)
		}
		if len(all) != 4 {
			t.Errorf("expected 4 payments for account, got %d", len(all))
		}

		if _, err := store.GetLastPaymentForPaymentMethod(ctx, uuid.New(), methodID); !errors.Is(err, ErrPaymentNotFound) {
			t.Errorf("expected ErrPaymentNotFound, got %v", err)
		}
	})

	t.Run("Refunds", func(t *testing.T) {
		store := newStore(t)
		ctx := tenantContext(uuid.New())
		accountID := uuid.New()
		paymentID1 := insertProcessedPayment(t, ctx, store, accountID, "13").ID
		paymentID2 := insertProcessedPayment(t, ctx, store, accountID, "7").ID
		amount1 := decimal.NewFromInt(13)
		amount2 := decimal.RequireFromString("7.00")

		refund1 := NewRefund(accountID, paymentID1, "refund-1", amount1, "USD", amount1, "USD", true)
		if _, err := store.InsertRefund(ctx, refund1); err != nil {
			t.Fatalf("InsertRefund failed: %v", err)
		}
		check, err := store.GetRefund(ctx, refund1.ID)
		if err != nil {
			t.Fatalf("GetRefund failed: %v", err)
		}
		if check.Amount.Cmp(amount1) != 0 {
			t.Errorf("expected amount %s, got %s", amount1, check.Amount)
		}
		if !check.Adjusted || check.Status != RefundCreated || check.AccountID != accountID || check.PaymentID != paymentID1 || check.ExternalKey != "refund-1" {
			t.Errorf("unexpected refund: %+v", check)
		}

		refund2 := NewRefund(accountID, paymentID2, "refund-2", amount2, "USD", amount2, "USD", true)
		if _, err := store.InsertRefund(ctx, refund2); err != nil {
			t.Fatalf("InsertRefund failed: %v", err)
		}
		if err := store.UpdateRefundStatus(ctx, refund2.ID, RefundCompleted, amount2, "USD"); err != nil {
			t.Fatalf("UpdateRefundStatus failed: %v", err)
		}

		forPayment, _ := store.GetRefundsForPayment(ctx, paymentID1)
		if len(forPayment) != 1 {
			t.Errorf("expected 1 refund for payment 1, got %d", len(forPayment))
		}
		forPayment, _ = store.GetRefundsForPayment(ctx, paymentID2)
		if len(forPayment) != 1 {
			t.Errorf("expected 1 refund for payment 2, got %d", len(forPayment))
		}

		forAccount, err := store.GetRefundsForAccount(ctx, accountID)
		if err != nil {
			t.Fatalf("GetRefundsForAccount failed: %v", err)
		}
		if len(forAccount) != 2 {
			t.Fatalf("expected 2 refunds for account, got %d", len(forAccount))
		}
		for _, r := range forAccount {
			switch r.PaymentID {
			case paymentID1:
				if r.Amount.Cmp(amount1) != 0 || r.Status != RefundCreated {
					t.Errorf("unexpected refund 1: %s %s", r.Amount, r.Status)
				}
			case paymentID2:
				if r.Amount.Cmp(amount2) != 0 || r.Status != RefundCompleted {
					t.Errorf("unexpected refund 2: %s %s", r.Amount, r.Status)
				}
			default:
				t.Errorf("unexpected refund for payment %s", r.PaymentID)
			}
		}

		if err := store.UpdateRefundStatus(ctx, refund2.ID, RefundFailed, amount2, "USD"); !errors.Is(err, ErrInvalidRefundTransition) {
			t.Errorf("expected ErrInvalidRefundTransition, got %v", err)
		}
		if err := store.UpdateRefundStatus(ctx, refund2.ID, RefundCompleted, amount2, "USD"); err != nil {
			t.Errorf("re-applying COMPLETED should succeed, got %v", err)
		}
		if err := store.UpdateRefundStatus(ctx, uuid.New(), RefundCompleted, amount2, "USD"); !errors.Is(err, ErrRefundNotFound) {
			t.Errorf("expected ErrRefundNotFound, got %v", err)
		}
	})

	t.Run("RefundLimit", func(t *testing.T) {
		store := newStore(t)
		ctx := tenantContext(uuid.New())
		accountID := uuid.New()
		p := insertProcessedPayment(t, ctx, store, accountID, "10")

		first := NewRefund(accountID, p.ID, "refund-a", decimal.NewFromInt(8), "USD", decimal.Zero, "USD", false)
		if _, err := store.InsertRefund(ctx, first); err != nil {
			t.Fatalf("InsertRefund failed: %v", err)
		}
		over := NewRefund(accountID, p.ID, "refund-b", decimal.NewFromInt(3), "USD", decimal.Zero, "USD", false)
		_, err := store.InsertRefund(ctx, over)
		if !errors.Is(err, ErrRefundExceedsPayment) || !errors.Is(err, ErrValidation) {
			t.Fatalf("expected ErrRefundExceedsPayment, got %v", err)
		}
		if _, err := store.GetRefund(ctx, over.ID); !errors.Is(err, ErrRefundNotFound) {
			t.Errorf("a rejected refund must not be stored, got %v", err)
		}

		// Failed refunds give their amount back.
		if err := store.UpdateRefundStatus(ctx, first.ID, RefundFailed, decimal.Zero, "USD"); err != nil {
			t.Fatalf("UpdateRefundStatus failed: %v", err)
		}
		if _, err := store.InsertRefund(ctx, over); err != nil {
			t.Errorf("expected the refund to fit after a failure, got %v", err)
		}

		dup := NewRefund(accountID, p.ID, "refund-b", decimal.NewFromInt(1), "USD", decimal.Zero, "USD", false)
		if _, err := store.InsertRefund(ctx, dup); !errors.Is(err, ErrDuplicateKey) {
			t.Errorf("expected ErrDuplicateKey for a reused refund key, got %v", err)
		}

		orphan := NewRefund(accountID, uuid.New(), "refund-c", decimal.NewFromInt(1), "USD", decimal.Zero, "USD", false)
		if _, err := store.InsertRefund(ctx, orphan); !errors.Is(err, ErrPaymentNotFound) {
			t.Errorf("expected ErrPaymentNotFound, got %v", err)
		}
		if _, err := store.InsertRefund(tenantContext(uuid.New()), NewRefund(accountID, p.ID, "refund-d", decimal.NewFromInt(1), "USD", decimal.Zero, "USD", false)); !errors.Is(err, ErrPaymentNotFound) {
			t.Errorf("expected ErrPaymentNotFound across tenants, got %v", err)
		}
	})

	t.Run("PaymentMethodSoftDelete", func(t *testing.T) {
		store := newStore(t)
		ctx := tenantContext(uuid.New())
		accountID := uuid.New()

		method := NewMethod(uuid.Nil, accountID, "__EXTERNAL_PAYMENT__", "")
		if _, err := store.InsertPaymentMethod(ctx, method); err != nil {
			t.Fatalf("InsertPaymentMethod failed: %v", err)
		}
		second := NewMethod(uuid.Nil, accountID, "stripe", "pm_card_visa")
		if _, err := store.InsertPaymentMethod(ctx, second); err != nil {
			t.Fatalf("InsertPaymentMethod failed: %v", err)
		}

		got, err := store.GetPaymentMethod(ctx, method.ID)
		if err != nil {
			t.Fatalf("GetPaymentMethod failed: %v", err)
		}
		if !got.IsActive || got.PluginName != "__EXTERNAL_PAYMENT__" {
			t.Errorf("unexpected method: %+v", got)
		}

		if err := store.DeletedPaymentMethod(ctx, method.ID); err != nil {
			t.Fatalf("DeletedPaymentMethod failed: %v", err)
		}

		if _, err := store.GetPaymentMethod(ctx, method.ID); !errors.Is(err, ErrPaymentMethodNotFound) {
			t.Errorf("expected ErrPaymentMethodNotFound after delete, got %v", err)
		}
		deleted, err := store.GetPaymentMethodIncludedDeleted(ctx, method.ID)
		if err != nil {
			t.Fatalf("GetPaymentMethodIncludedDeleted failed: %v", err)
		}
		if deleted.IsActive {
			t.Error("expected deleted method to be inactive")
		}

		active, err := store.GetPaymentMethods(ctx, accountID)
		if err != nil {
			t.Fatalf("GetPaymentMethods failed: %v", err)
		}
		if len(active) != 1 || active[0].ID != second.ID {
			t.Errorf("expected only the second method to be active, got %d", len(active))
		}

		if err := store.DeletedPaymentMethod(ctx, method.ID); !errors.Is(err, ErrPaymentMethodNotFound) {
			t.Errorf("expected ErrPaymentMethodNotFound on second delete, got %v", err)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		store := newStore(t)
		ctxA := tenantContext(uuid.New())
		ctxB := tenantContext(uuid.New())
		invoiceID := uuid.New()

		p, a := newTestPayment(uuid.New(), invoiceID, uuid.New(), "1", time.Now())
		if _, err := store.InsertPaymentWithFirstAttempt(ctxA, p, a); err != nil {
			t.Fatalf("InsertPaymentWithFirstAttempt failed: %v", err)
		}
		method := NewMethod(uuid.Nil, uuid.New(), "stripe", "")
		if _, err := store.InsertPaymentMethod(ctxA, method); err != nil {
			t.Fatalf("InsertPaymentMethod failed: %v", err)
		}

		if _, err := store.GetPayment(ctxB, p.ID); !errors.Is(err, ErrPaymentNotFound) {
			t.Errorf("expected ErrPaymentNotFound across tenants, got %v", err)
		}
		if payments, _ := store.GetPaymentsForInvoice(ctxB, invoiceID); len(payments) != 0 {
			t.Errorf("expected no payments across tenants, got %d", len(payments))
		}
		if _, err := store.GetAttemptByExternalKey(ctxB, a.ExternalKey); !errors.Is(err, ErrAttemptNotFound) {
			t.Errorf("expected ErrAttemptNotFound across tenants, got %v", err)
		}
		if _, err := store.GetPaymentMethodIncludedDeleted(ctxB, method.ID); !errors.Is(err, ErrPaymentMethodNotFound) {
			t.Errorf("expected ErrPaymentMethodNotFound across tenants, got %v", err)
		}
		err := store.UpdatePaymentAndAttemptOnCompletion(ctxB, p.ID, Completion{AttemptID: a.ID, AttemptState: StateSuccess, Status: StatusSuccess})
		if !errors.Is(err, ErrPaymentNotFound) {
			t.Errorf("expected ErrPaymentNotFound for cross-tenant completion, got %v", err)
		}

		// The same external key is free in another tenant.
		p2, a2 := newTestPayment(uuid.New(), invoiceID, uuid.New(), "1", time.Now())
		a2.ExternalKey = a.ExternalKey
		if _, err := store.InsertPaymentWithFirstAttempt(ctxB, p2, a2); err != nil {
			t.Errorf("expected external key to be reusable in another tenant, got %v", err)
		}
	})

	t.Run("MissingCallContext", func(t *testing.T) {
		store := newStore(t)
		p, a := newTestPayment(uuid.New(), uuid.New(), uuid.New(), "1", time.Now())
		if _, err := store.InsertPaymentWithFirstAttempt(context.Background(), p, a); !errors.Is(err, ErrMissingCallContext) {
			t.Errorf("expected ErrMissingCallContext, got %v", err)
		}
		if _, err := store.GetPaymentMethods(context.Background(), uuid.New()); !errors.Is(err, ErrMissingCallContext) {
			t.Errorf("expected ErrMissingCallContext, got %v", err)
		}
	})
}

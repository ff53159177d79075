package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/onnwee/billing/internal/audit"
	"github.com/onnwee/billing/internal/callcontext"
	"github.com/onnwee/billing/internal/tracing"
)

// pqUniqueViolation is the SQLSTATE of a unique constraint violation.
const pqUniqueViolation = "23505"

// PostgresStore implements Store and MethodStore on PostgreSQL.
// Each mutation runs in its own READ COMMITTED transaction together with its
// audit rows.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

// placeholders returns "$start, $start+1, ..." for n parameters.
func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(start+i)
	}
	return strings.Join(parts, ", ")
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

// withTx runs fn in a transaction and commits when fn succeeds.
func (s *PostgresStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		s.logger.Error("failed to begin transaction",
			slog.String("op", op),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	// Always attempt rollback on function exit (no-op after successful commit)
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			s.logger.Warn("failed to rollback transaction",
				slog.String("op", op),
				slog.String("error", err.Error()))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("failed to commit transaction",
			slog.String("op", op),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func insertAudit(ctx context.Context, tx *sql.Tx, now time.Time, entries ...audit.EntityAudit) error {
	query := `INSERT INTO audit_log (` + auditColumns + `) VALUES (` + placeholders(1, 10) + `)`
	for _, e := range entries {
		l, err := audit.NewLog(ctx, e, now)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, bindAudit(l)...); err != nil {
			return fmt.Errorf("failed to insert audit row for %s: %w", e.TableName, err)
		}
	}
	return nil
}

func insertAttempt(ctx context.Context, tx *sql.Tx, a *Attempt) error {
	args, err := bindAttempt(a)
	if err != nil {
		return err
	}
	query := `INSERT INTO payment_attempts (` + attemptColumns + `) VALUES (` + placeholders(1, 19) + `)`
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert payment attempt: %w", err)
	}
	return nil
}

// InsertPaymentWithFirstAttempt creates p and a in one transaction.
func (s *PostgresStore) InsertPaymentWithFirstAttempt(ctx context.Context, p *Payment, a *Attempt) (result *Payment, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, audit.TablePayments, tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	if p == nil || a == nil {
		return nil, ErrValidation
	}

	now := time.Now().UTC()
	payment := copyPayment(p)
	payment.TenantID = tenant
	if payment.Status == "" {
		payment.Status = StatusUnknown
	}
	payment.CreatedAt = now
	payment.UpdatedAt = now

	attempt := copyAttempt(a)
	attempt.TenantID = tenant
	attempt.PaymentID = payment.ID
	if attempt.StateName == "" {
		attempt.StateName = StateInit
	}
	attempt.CreatedAt = now
	attempt.UpdatedAt = now

	err = s.withTx(ctx, "insert_payment_with_first_attempt", func(tx *sql.Tx) error {
		query := `INSERT INTO payments (` + paymentColumns + `) VALUES (` + placeholders(1, 13) + `)`
		if _, err := tx.ExecContext(ctx, query, bindPayment(payment)...); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("failed to insert payment: %w", err)
		}
		if err := insertAttempt(ctx, tx, attempt); err != nil {
			return err
		}
		return insertAudit(ctx, tx, now,
			audit.EntityAudit{TableName: audit.TablePayments, RecordID: payment.ID, ChangeType: audit.ChangeInsert},
			audit.EntityAudit{TableName: audit.TablePaymentAttempts, RecordID: attempt.ID, ChangeType: audit.ChangeInsert},
		)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("payment inserted",
		slog.String("payment_id", payment.ID.String()),
		slog.String("attempt_id", attempt.ID.String()),
		slog.String("external_key", attempt.ExternalKey))
	return payment, nil
}

// UpdatePaymentWithNewAttempt appends a to the payment in one transaction.
func (s *PostgresStore) UpdatePaymentWithNewAttempt(ctx context.Context, paymentID uuid.UUID, a *Attempt) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, audit.TablePaymentAttempts, tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return err
	}
	if a == nil {
		return ErrValidation
	}

	now := time.Now().UTC()
	attempt := copyAttempt(a)
	attempt.TenantID = tenant
	attempt.PaymentID = paymentID
	if attempt.StateName == "" {
		attempt.StateName = StateInit
	}
	attempt.CreatedAt = now
	attempt.UpdatedAt = now

	return s.withTx(ctx, "update_payment_with_new_attempt", func(tx *sql.Tx) error {
		var (
			res sql.Result
			err error
		)
		if attempt.TransactionType.UpdatesPayment() {
			res, err = tx.ExecContext(ctx, `
				UPDATE payments
				SET payment_method_id = $1, amount = $2, currency = $3, effective_date = $4, updated_at = $5
				WHERE id = $6 AND tenant_id = $7
			`, attempt.PaymentMethodID, attempt.Amount, attempt.Currency, attempt.EffectiveDate, now, paymentID, tenant)
		} else {
			res, err = tx.ExecContext(ctx,
				`UPDATE payments SET updated_at = $1 WHERE id = $2 AND tenant_id = $3`, now, paymentID, tenant)
		}
		if err != nil {
			return fmt.Errorf("failed to update payment: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		} else if n == 0 {
			return ErrPaymentNotFound
		}
		if err := insertAttempt(ctx, tx, attempt); err != nil {
			return err
		}
		return insertAudit(ctx, tx, now,
			audit.EntityAudit{TableName: audit.TablePaymentAttempts, RecordID: attempt.ID, ChangeType: audit.ChangeInsert},
			audit.EntityAudit{TableName: audit.TablePayments, RecordID: paymentID, ChangeType: audit.ChangeUpdate},
		)
	})
}

// attemptStateError explains why an attempt matched no row of a guarded
// update: it is missing, or it already left INIT.
func attemptStateError(ctx context.Context, tx *sql.Tx, attemptID, tenant uuid.UUID) error {
	var state string
	err := tx.QueryRowContext(ctx,
		`SELECT state_name FROM payment_attempts WHERE id = $1 AND tenant_id = $2`,
		attemptID, tenant).Scan(&state)
	if err == sql.ErrNoRows {
		return ErrAttemptNotFound
	} else if err != nil {
		return fmt.Errorf("failed to read attempt state: %w", err)
	}
	if AttemptState(state) != StateInit {
		return ErrAttemptCompleted
	}
	return nil
}

// ClaimAttempt takes an INIT attempt for execution with a single guarded
// UPDATE, so at most one concurrent caller wins.
func (s *PostgresStore) ClaimAttempt(ctx context.Context, attemptID uuid.UUID, now, staleBefore time.Time) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, audit.TablePaymentAttempts, tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return err
	}

	return s.withTx(ctx, "claim_attempt", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE payment_attempts
			SET claimed_at = $1, updated_at = $2
			WHERE id = $3 AND tenant_id = $4 AND state_name = $5
				AND (claimed_at IS NULL OR claimed_at < $6)
		`, now.UTC(), time.Now().UTC(), attemptID, tenant, string(StateInit), staleBefore.UTC())
		if err != nil {
			return fmt.Errorf("failed to claim payment attempt: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		} else if n == 1 {
			return nil
		}
		if err := attemptStateError(ctx, tx, attemptID, tenant); err != nil {
			return err
		}
		return ErrAttemptClaimed
	})
}

// UpdatePaymentAndAttemptOnCompletion applies c to the payment and attempt in
// one transaction. Only an INIT attempt is completed.
func (s *PostgresStore) UpdatePaymentAndAttemptOnCompletion(ctx context.Context, paymentID uuid.UUID, c Completion) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, audit.TablePayments, tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	return s.withTx(ctx, "update_payment_and_attempt_on_completion", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE payments
			SET payment_status = $1, processed_amount = $2, processed_currency = $3, updated_at = $4
			WHERE id = $5 AND tenant_id = $6
		`, string(c.Status), c.ProcessedAmount, nullString(c.ProcessedCurrency), now, paymentID, tenant)
		if err != nil {
			return fmt.Errorf("failed to update payment status: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		} else if n == 0 {
			return ErrPaymentNotFound
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE payment_attempts
			SET state_name = $1, gateway_error_code = $2, gateway_error_msg = $3,
				gateway_reference_id = COALESCE($4, gateway_reference_id), updated_at = $5
			WHERE id = $6 AND payment_id = $7 AND tenant_id = $8 AND state_name = $9
		`, string(c.AttemptState), nullString(c.GatewayErrorCode), nullString(c.GatewayErrorMsg),
			nullString(c.GatewayReferenceID), now, c.AttemptID, paymentID, tenant, string(StateInit))
		if err != nil {
			return fmt.Errorf("failed to update payment attempt: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		} else if n == 0 {
			if err := attemptStateError(ctx, tx, c.AttemptID, tenant); err != nil {
				return err
			}
			// INIT but attached to another payment.
			return ErrAttemptNotFound
		}

		return insertAudit(ctx, tx, now,
			audit.EntityAudit{TableName: audit.TablePayments, RecordID: paymentID, ChangeType: audit.ChangeUpdate},
			audit.EntityAudit{TableName: audit.TablePaymentAttempts, RecordID: c.AttemptID, ChangeType: audit.ChangeUpdate},
		)
	})
}

func (s *PostgresStore) queryPayments(ctx context.Context, where string, args ...any) (result []*Payment, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, audit.TablePayments, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE `+where+` ORDER BY created_at, record_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payments: %w", err)
	}
	return result, nil
}

// GetPayment returns a payment by id.
func (s *PostgresStore) GetPayment(ctx context.Context, paymentID uuid.UUID) (*Payment, error) {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	payments, err := s.queryPayments(ctx, `id = $1 AND tenant_id = $2`, paymentID, tenant)
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return nil, ErrPaymentNotFound
	}
	return payments[0], nil
}

// GetPaymentsForInvoice returns the payments of an invoice, oldest first.
func (s *PostgresStore) GetPaymentsForInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	return s.queryPayments(ctx, `invoice_id = $1 AND tenant_id = $2`, invoiceID, tenant)
}

// GetPaymentsForAccount returns the payments of an account, oldest first.
func (s *PostgresStore) GetPaymentsForAccount(ctx context.Context, accountID uuid.UUID) ([]*Payment, error) {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	return s.queryPayments(ctx, `account_id = $1 AND tenant_id = $2`, accountID, tenant)
}

// GetLastPaymentForPaymentMethod returns the newest payment for the pair.
func (s *PostgresStore) GetLastPaymentForPaymentMethod(ctx context.Context, accountID, paymentMethodID uuid.UUID) (*Payment, error) {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	payments, err := s.queryPayments(ctx,
		`account_id = $1 AND payment_method_id = $2 AND tenant_id = $3`, accountID, paymentMethodID, tenant)
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return nil, ErrPaymentNotFound
	}
	return payments[len(payments)-1], nil
}

func (s *PostgresStore) queryAttempts(ctx context.Context, where string, args ...any) (result []*Attempt, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, audit.TablePaymentAttempts, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE `+where+` ORDER BY created_at, record_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment attempts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment attempt: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payment attempts: %w", err)
	}
	return result, nil
}

// GetAttempt returns an attempt by id.
func (s *PostgresStore) GetAttempt(ctx context.Context, attemptID uuid.UUID) (*Attempt, error) {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	attempts, err := s.queryAttempts(ctx, `id = $1 AND tenant_id = $2`, attemptID, tenant)
	if err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		return nil, ErrAttemptNotFound
	}
	return attempts[0], nil
}

// GetAttemptByExternalKey returns the attempt holding externalKey.
func (s *PostgresStore) GetAttemptByExternalKey(ctx context.Context, externalKey string) (*Attempt, error) {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	attempts, err := s.queryAttempts(ctx, `transaction_external_key = $1 AND tenant_id = $2`, externalKey, tenant)
	if err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		return nil, ErrAttemptNotFound
	}
	return attempts[0], nil
}

// GetAttemptsForPayment returns the attempts of a payment, oldest first.
func (s *PostgresStore) GetAttemptsForPayment(ctx context.Context, paymentID uuid.UUID) ([]*Attempt, error) {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	return s.queryAttempts(ctx, `payment_id = $1 AND tenant_id = $2`, paymentID, tenant)
}

// ListStaleRetryAttempts returns INIT retry attempts of every tenant idle
// since before.
func (s *PostgresStore) ListStaleRetryAttempts(ctx context.Context, before time.Time, limit int) (result []*Attempt, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, audit.TablePaymentAttempts, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attemptColumns+` FROM payment_attempts
		WHERE state_name = $1 AND retry_number > 0 AND COALESCE(claimed_at, created_at) < $2
		ORDER BY COALESCE(claimed_at, created_at), record_id
		LIMIT $3
	`, string(StateInit), before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale payment attempts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment attempt: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payment attempts: %w", err)
	}
	return result, nil
}

// InsertRefund stores a new refund. The payment row is locked FOR UPDATE
// while the refunded total is checked, so concurrent refunds of one payment
// serialize.
func (s *PostgresStore) InsertRefund(ctx context.Context, r *Refund) (result *Refund, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, audit.TableRefunds, tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrValidation
	}

	now := time.Now().UTC()
	refund := copyRefund(r)
	refund.TenantID = tenant
	if refund.Status == "" {
		refund.Status = RefundCreated
	}
	refund.CreatedAt = now
	refund.UpdatedAt = now

	err = s.withTx(ctx, "insert_refund", func(tx *sql.Tx) error {
		var processed decimal.Decimal
		err := tx.QueryRowContext(ctx,
			`SELECT processed_amount FROM payments WHERE id = $1 AND tenant_id = $2 FOR UPDATE`,
			refund.PaymentID, tenant).Scan(&processed)
		if err == sql.ErrNoRows {
			return ErrPaymentNotFound
		} else if err != nil {
			return fmt.Errorf("failed to lock payment: %w", err)
		}

		var refunded decimal.Decimal
		err = tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(amount), 0) FROM refunds
			WHERE payment_id = $1 AND tenant_id = $2 AND refund_status <> $3
		`, refund.PaymentID, tenant, string(RefundFailed)).Scan(&refunded)
		if err != nil {
			return fmt.Errorf("failed to sum refunds: %w", err)
		}
		if refunded.Add(refund.Amount).GreaterThan(processed) {
			return ErrRefundExceedsPayment
		}

		query := `INSERT INTO refunds (` + refundColumns + `) VALUES (` + placeholders(1, 13) + `)`
		if _, err := tx.ExecContext(ctx, query, bindRefund(refund)...); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("failed to insert refund: %w", err)
		}
		return insertAudit(ctx, tx, now,
			audit.EntityAudit{TableName: audit.TableRefunds, RecordID: refund.ID, ChangeType: audit.ChangeInsert},
		)
	})
	if err != nil {
		return nil, err
	}
	return refund, nil
}

// UpdateRefundStatus moves a refund to status. The current status is read
// with FOR UPDATE so concurrent completions serialize.
func (s *PostgresStore) UpdateRefundStatus(ctx context.Context, refundID uuid.UUID, status RefundStatus, processedAmount decimal.Decimal, processedCurrency string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, audit.TableRefunds, tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	return s.withTx(ctx, "update_refund_status", func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT refund_status FROM refunds WHERE id = $1 AND tenant_id = $2 FOR UPDATE`,
			refundID, tenant).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrRefundNotFound
		} else if err != nil {
			return fmt.Errorf("failed to read refund status: %w", err)
		}
		if !RefundStatus(current).CanTransitionTo(status) {
			return ErrInvalidRefundTransition
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE refunds
			SET refund_status = $1, processed_amount = $2, processed_currency = $3, updated_at = $4
			WHERE id = $5 AND tenant_id = $6
		`, string(status), processedAmount, processedCurrency, now, refundID, tenant); err != nil {
			return fmt.Errorf("failed to update refund status: %w", err)
		}
		return insertAudit(ctx, tx, now,
			audit.EntityAudit{TableName: audit.TableRefunds, RecordID: refundID, ChangeType: audit.ChangeUpdate},
		)
	})
}

func (s *PostgresStore) queryRefunds(ctx context.Context, where string, args ...any) (result []*Refund, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, audit.TableRefunds, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE `+where+` ORDER BY created_at, record_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query refunds: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan refund: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate refunds: %w", err)
	}
	return result, nil
}

// GetRefund returns a refund by id.
func (s *PostgresStore) GetRefund(ctx context.Context, refundID uuid.UUID) (*Refund, error) {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	refunds, err := s.queryRefunds(ctx, `id = $1 AND tenant_id = $2`, refundID, tenant)
	if err != nil {
		return nil, err
	}
	if len(refunds) == 0 {
		return nil, ErrRefundNotFound
	}
	return refunds[0], nil
}

// GetRefundsForPayment returns the refunds of a payment, oldest first.
func (s *PostgresStore) GetRefundsForPayment(ctx context.Context, paymentID uuid.UUID) ([]*Refund, error) {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	return s.queryRefunds(ctx, `payment_id = $1 AND tenant_id = $2`, paymentID, tenant)
}

// GetRefundsForAccount returns the refunds of an account, oldest first.
func (s *PostgresStore) GetRefundsForAccount(ctx context.Context, accountID uuid.UUID) ([]*Refund, error) {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	return s.queryRefunds(ctx, `account_id = $1 AND tenant_id = $2`, accountID, tenant)
}

// InsertPaymentMethod stores a new payment method.
func (s *PostgresStore) InsertPaymentMethod(ctx context.Context, m *Method) (result *Method, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, audit.TablePaymentMethods, tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	if m == nil || m.PluginName == "" {
		return nil, ErrValidation
	}

	now := time.Now().UTC()
	method := copyMethod(m)
	method.TenantID = tenant
	method.CreatedAt = now
	method.UpdatedAt = now

	err = s.withTx(ctx, "insert_payment_method", func(tx *sql.Tx) error {
		query := `INSERT INTO payment_methods (` + methodColumns + `) VALUES (` + placeholders(1, 8) + `)`
		if _, err := tx.ExecContext(ctx, query, bindMethod(method)...); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("failed to insert payment method: %w", err)
		}
		return insertAudit(ctx, tx, now,
			audit.EntityAudit{TableName: audit.TablePaymentMethods, RecordID: method.ID, ChangeType: audit.ChangeInsert},
		)
	})
	if err != nil {
		return nil, err
	}
	return method, nil
}

func (s *PostgresStore) queryMethods(ctx context.Context, where string, args ...any) (result []*Method, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, audit.TablePaymentMethods, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+methodColumns+` FROM payment_methods WHERE `+where+` ORDER BY created_at, record_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment methods: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMethod(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment method: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payment methods: %w", err)
	}
	return result, nil
}

// GetPaymentMethod returns an active method.
func (s *PostgresStore) GetPaymentMethod(ctx context.Context, methodID uuid.UUID) (*Method, error) {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	methods, err := s.queryMethods(ctx, `id = $1 AND tenant_id = $2 AND is_active`, methodID, tenant)
	if err != nil {
		return nil, err
	}
	if len(methods) == 0 {
		return nil, ErrPaymentMethodNotFound
	}
	return methods[0], nil
}

// GetPaymentMethodIncludedDeleted returns a method whether active or not.
func (s *PostgresStore) GetPaymentMethodIncludedDeleted(ctx context.Context, methodID uuid.UUID) (*Method, error) {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	methods, err := s.queryMethods(ctx, `id = $1 AND tenant_id = $2`, methodID, tenant)
	if err != nil {
		return nil, err
	}
	if len(methods) == 0 {
		return nil, ErrPaymentMethodNotFound
	}
	return methods[0], nil
}

// GetPaymentMethods returns the active methods of an account.
func (s *PostgresStore) GetPaymentMethods(ctx context.Context, accountID uuid.UUID) ([]*Method, error) {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	return s.queryMethods(ctx, `account_id = $1 AND tenant_id = $2 AND is_active`, accountID, tenant)
}

// DeletedPaymentMethod soft deletes an active method.
func (s *PostgresStore) DeletedPaymentMethod(ctx context.Context, methodID uuid.UUID) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, audit.TablePaymentMethods, tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	return s.withTx(ctx, "delete_payment_method", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE payment_methods SET is_active = FALSE, updated_at = $1
			WHERE id = $2 AND tenant_id = $3 AND is_active
		`, now, methodID, tenant)
		if err != nil {
			return fmt.Errorf("failed to delete payment method: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		} else if n == 0 {
			return ErrPaymentMethodNotFound
		}
		return insertAudit(ctx, tx, now,
			audit.EntityAudit{TableName: audit.TablePaymentMethods, RecordID: methodID, ChangeType: audit.ChangeDelete},
		)
	})
}

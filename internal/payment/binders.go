package payment

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/onnwee/billing/internal/audit"
)

// Column lists shared by the INSERT binders and the row scanners. The order
// of each list matches its bind and scan function.
const (
	paymentColumns = `id, tenant_id, account_id, invoice_id, payment_method_id, amount, currency,
		processed_amount, processed_currency, effective_date, payment_status, created_at, updated_at`

	attemptColumns = `id, tenant_id, payment_id, payment_method_id, transaction_external_key,
		transaction_type, plugin_name, state_name, amount, currency, effective_date,
		gateway_error_code, gateway_error_msg, gateway_reference_id, properties, retry_number,
		claimed_at, created_at, updated_at`

	refundColumns = `id, tenant_id, account_id, payment_id, external_key, amount, currency,
		processed_amount, processed_currency, is_adjusted, refund_status, created_at, updated_at`

	methodColumns = `id, tenant_id, account_id, plugin_name, external_key, is_active, created_at, updated_at`

	auditColumns = `id, tenant_id, table_name, target_record_id, change_type, user_name,
		reason_code, comments, request_id, created_at`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func bindPayment(p *Payment) []any {
	return []any{
		p.ID,
		p.TenantID,
		p.AccountID,
		p.InvoiceID,
		p.PaymentMethodID,
		p.Amount,
		p.Currency,
		p.ProcessedAmount,
		nullString(p.ProcessedCurrency),
		p.EffectiveDate,
		string(p.Status),
		p.CreatedAt,
		p.UpdatedAt,
	}
}

func scanPayment(row rowScanner) (*Payment, error) {
	var (
		p                 Payment
		processedCurrency sql.NullString
		status            string
	)
	err := row.Scan(
		&p.ID,
		&p.TenantID,
		&p.AccountID,
		&p.InvoiceID,
		&p.PaymentMethodID,
		&p.Amount,
		&p.Currency,
		&p.ProcessedAmount,
		&processedCurrency,
		&p.EffectiveDate,
		&status,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.ProcessedCurrency = processedCurrency.String
	p.Status = Status(status)
	p.EffectiveDate = p.EffectiveDate.UTC()
	return &p, nil
}

// encodeProperties serializes plugin properties as CBOR. Nil and empty
// property lists are stored as NULL.
func encodeProperties(props []Property) ([]byte, error) {
	if len(props) == 0 {
		return nil, nil
	}
	data, err := cbor.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attempt properties: %w", err)
	}
	return data, nil
}

func decodeProperties(data []byte) ([]Property, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var props []Property
	if err := cbor.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("failed to decode attempt properties: %w", err)
	}
	return props, nil
}

func bindAttempt(a *Attempt) ([]any, error) {
	props, err := encodeProperties(a.Properties)
	if err != nil {
		return nil, err
	}
	return []any{
		a.ID,
		a.TenantID,
		a.PaymentID,
		a.PaymentMethodID,
		a.ExternalKey,
		string(a.TransactionType),
		a.PluginName,
		string(a.StateName),
		a.Amount,
		a.Currency,
		a.EffectiveDate,
		nullString(a.GatewayErrorCode),
		nullString(a.GatewayErrorMsg),
		nullString(a.GatewayReferenceID),
		props,
		a.RetryNumber,
		nullTime(a.ClaimedAt),
		a.CreatedAt,
		a.UpdatedAt,
	}, nil
}

func scanAttempt(row rowScanner) (*Attempt, error) {
	var (
		a                          Attempt
		transactionType, stateName string
		code, msg, ref             sql.NullString
		props                      []byte
		claimedAt                  sql.NullTime
	)
	err := row.Scan(
		&a.ID,
		&a.TenantID,
		&a.PaymentID,
		&a.PaymentMethodID,
		&a.ExternalKey,
		&transactionType,
		&a.PluginName,
		&stateName,
		&a.Amount,
		&a.Currency,
		&a.EffectiveDate,
		&code,
		&msg,
		&ref,
		&props,
		&a.RetryNumber,
		&claimedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.TransactionType = TransactionType(transactionType)
	a.StateName = AttemptState(stateName)
	a.GatewayErrorCode = code.String
	a.GatewayErrorMsg = msg.String
	a.GatewayReferenceID = ref.String
	a.EffectiveDate = a.EffectiveDate.UTC()
	if claimedAt.Valid {
		a.ClaimedAt = claimedAt.Time.UTC()
	}
	if a.Properties, err = decodeProperties(props); err != nil {
		return nil, err
	}
	return &a, nil
}

func bindRefund(r *Refund) []any {
	return []any{
		r.ID,
		r.TenantID,
		r.AccountID,
		r.PaymentID,
		nullString(r.ExternalKey),
		r.Amount,
		r.Currency,
		r.ProcessedAmount,
		r.ProcessedCurrency,
		r.Adjusted,
		string(r.Status),
		r.CreatedAt,
		r.UpdatedAt,
	}
}

func scanRefund(row rowScanner) (*Refund, error) {
	var (
		r           Refund
		externalKey sql.NullString
		status      string
	)
	err := row.Scan(
		&r.ID,
		&r.TenantID,
		&r.AccountID,
		&r.PaymentID,
		&externalKey,
		&r.Amount,
		&r.Currency,
		&r.ProcessedAmount,
		&r.ProcessedCurrency,
		&r.Adjusted,
		&status,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.ExternalKey = externalKey.String
	r.Status = RefundStatus(status)
	return &r, nil
}

func bindMethod(m *Method) []any {
	return []any{
		m.ID,
		m.TenantID,
		m.AccountID,
		m.PluginName,
		nullString(m.ExternalKey),
		m.IsActive,
		m.CreatedAt,
		m.UpdatedAt,
	}
}

func scanMethod(row rowScanner) (*Method, error) {
	var (
		m           Method
		externalKey sql.NullString
	)
	err := row.Scan(
		&m.ID,
		&m.TenantID,
		&m.AccountID,
		&m.PluginName,
		&externalKey,
		&m.IsActive,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.ExternalKey = externalKey.String
	return &m, nil
}

func bindAudit(l *audit.Log) []any {
	return []any{
		l.ID,
		l.TenantID,
		l.TableName,
		l.RecordID,
		string(l.ChangeType),
		nullString(l.UserName),
		nullString(l.Reason),
		nullString(l.Comments),
		nullString(l.RequestID),
		l.CreatedAt,
	}
}

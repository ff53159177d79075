package payment

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema creates the payment tables. Every table is tenant scoped; record_id
// orders rows that share a created_at.
const Schema = `
CREATE TABLE IF NOT EXISTS payment_methods (
	record_id BIGSERIAL,
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	account_id UUID NOT NULL,
	plugin_name VARCHAR(50) NOT NULL,
	external_key VARCHAR(255),
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS payment_methods_account_idx ON payment_methods (tenant_id, account_id);

CREATE TABLE IF NOT EXISTS payments (
	record_id BIGSERIAL,
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	account_id UUID NOT NULL,
	invoice_id UUID NOT NULL,
	payment_method_id UUID NOT NULL,
	amount NUMERIC(15,9) NOT NULL,
	currency VARCHAR(3) NOT NULL,
	processed_amount NUMERIC(15,9) NOT NULL DEFAULT 0,
	processed_currency VARCHAR(3),
	effective_date TIMESTAMPTZ NOT NULL,
	payment_status VARCHAR(50) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS payments_invoice_idx ON payments (tenant_id, invoice_id);
CREATE INDEX IF NOT EXISTS payments_account_idx ON payments (tenant_id, account_id);

CREATE TABLE IF NOT EXISTS payment_attempts (
	record_id BIGSERIAL,
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	payment_id UUID NOT NULL REFERENCES payments (id),
	payment_method_id UUID NOT NULL,
	transaction_external_key VARCHAR(255) NOT NULL,
	transaction_type VARCHAR(32) NOT NULL,
	plugin_name VARCHAR(50) NOT NULL,
	state_name VARCHAR(32) NOT NULL,
	amount NUMERIC(15,9) NOT NULL,
	currency VARCHAR(3) NOT NULL,
	effective_date TIMESTAMPTZ NOT NULL,
	gateway_error_code VARCHAR(32),
	gateway_error_msg TEXT,
	gateway_reference_id VARCHAR(255),
	properties BYTEA,
	retry_number INT NOT NULL DEFAULT 0,
	claimed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT payment_attempts_external_key_uniq UNIQUE (tenant_id, transaction_external_key)
);
ALTER TABLE payment_attempts ADD COLUMN IF NOT EXISTS retry_number INT NOT NULL DEFAULT 0;
ALTER TABLE payment_attempts ADD COLUMN IF NOT EXISTS claimed_at TIMESTAMPTZ;
CREATE INDEX IF NOT EXISTS payment_attempts_payment_idx ON payment_attempts (tenant_id, payment_id);
CREATE INDEX IF NOT EXISTS payment_attempts_init_idx ON payment_attempts (created_at)
	WHERE state_name = 'INIT' AND retry_number > 0;

CREATE TABLE IF NOT EXISTS refunds (
	record_id BIGSERIAL,
	id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	account_id UUID NOT NULL,
	payment_id UUID NOT NULL,
	external_key VARCHAR(255),
	amount NUMERIC(15,9) NOT NULL,
	currency VARCHAR(3) NOT NULL,
	processed_amount NUMERIC(15,9) NOT NULL,
	processed_currency VARCHAR(3) NOT NULL,
	is_adjusted BOOLEAN NOT NULL,
	refund_status VARCHAR(50) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
ALTER TABLE refunds ADD COLUMN IF NOT EXISTS external_key VARCHAR(255);
CREATE UNIQUE INDEX IF NOT EXISTS refunds_external_key_uniq ON refunds (tenant_id, external_key);
CREATE INDEX IF NOT EXISTS refunds_payment_idx ON refunds (tenant_id, payment_id);
CREATE INDEX IF NOT EXISTS refunds_account_idx ON refunds (tenant_id, account_id);

CREATE TABLE IF NOT EXISTS audit_log (
	record_id BIGSERIAL PRIMARY KEY,
	id UUID NOT NULL UNIQUE,
	tenant_id UUID NOT NULL,
	table_name VARCHAR(50) NOT NULL,
	target_record_id UUID NOT NULL,
	change_type VARCHAR(50) NOT NULL,
	user_name VARCHAR(100),
	reason_code VARCHAR(255),
	comments VARCHAR(255),
	request_id VARCHAR(128),
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_log_target_idx ON audit_log (tenant_id, table_name, target_record_id);
`

// Migrate applies Schema. It is safe to run repeatedly.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply payment schema: %w", err)
	}
	return nil
}

//go:build integration

// Integration tests for PostgresStore. They start a disposable PostgreSQL
// container through testcontainers, so Docker must be available.
//
// Run with: go test -tags=integration -v ./internal/payment/...
package payment

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("billing"),
		postgres.WithUsername("billing"),
		postgres.WithPassword("billing"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("could not start postgres container (is Docker running?): %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	// Second run must be a no-op.
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
	return db
}

func TestPostgresStore_Contract(t *testing.T) {
	db := startPostgres(t)

	runStoreContract(t, func(t *testing.T) fullStore {
		return NewPostgresStore(db, nil)
	})
}

func TestPostgresStore_AuditRowsInTransaction(t *testing.T) {
	db := startPostgres(t)
	store := NewPostgresStore(db, nil)
	ctx := tenantContext(uuid.New())

	p, a := newTestPayment(uuid.New(), uuid.New(), uuid.New(), "42.125", time.Now())
	if _, err := store.InsertPaymentWithFirstAttempt(ctx, p, a); err != nil {
		t.Fatalf("InsertPaymentWithFirstAttempt failed: %v", err)
	}

	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_log WHERE target_record_id IN ($1, $2) AND user_name = 'payment-test'`,
		p.ID, a.ID).Scan(&count)
	if err != nil {
		t.Fatalf("failed to count audit rows: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 audit rows, got %d", count)
	}

	got, err := store.GetPayment(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPayment failed: %v", err)
	}
	if !got.Amount.Equal(decimal.RequireFromString("42.125")) {
		t.Errorf("expected amount 42.125 after round trip, got %s", got.Amount)
	}
}

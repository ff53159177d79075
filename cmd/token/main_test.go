package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/onnwee/billing/internal/auth"
)

func TestIssue(t *testing.T) {
	svc := auth.NewJWTService("wJ6Qk8Qn1v9Qw1Zb2l8Qk9J3p6Qk8Qn1v9Qw1Zb2l8Qk=", "")
	tenant := uuid.New()

	var out bytes.Buffer
	if err := issue(&out, svc, "billing-admin", tenant.String(), true); err != nil {
		t.Fatalf("issue() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected token and claims lines, got %q", out.String())
	}
	claims, err := svc.ValidateToken(lines[0])
	if err != nil {
		t.Fatalf("printed token does not validate: %v", err)
	}
	if claims.TenantID != tenant.String() {
		t.Errorf("tenant = %s, want %s", claims.TenantID, tenant)
	}
	if !strings.Contains(lines[1], "user=billing-admin") {
		t.Errorf("claims line = %q", lines[1])
	}
}

func TestIssue_Errors(t *testing.T) {
	svc := auth.NewJWTService("secret-value-for-tests", "")

	var out bytes.Buffer
	if err := issue(&out, svc, "billing-admin", "not-a-uuid", false); err == nil {
		t.Error("expected an error for a malformed tenant")
	}
	if err := issue(&out, svc, "", uuid.NewString(), false); !errors.Is(err, auth.ErrEmptyUserName) {
		t.Errorf("issue() error = %v, want ErrEmptyUserName", err)
	}
	if out.Len() != 0 {
		t.Errorf("nothing should be printed on error, got %q", out.String())
	}
}

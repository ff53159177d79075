// Package main issues access tokens for the billing API. Operators use it to
// mint credentials for a tenant; tokens are signed with the current
// JWT_SECRET, so they stay valid across a rotation that keeps it as
// JWT_PREVIOUS_SECRET.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/onnwee/billing/internal/auth"
	"github.com/onnwee/billing/internal/config"
)

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	user := flag.String("user", "", "user name recorded on every payment call (required)")
	tenant := flag.String("tenant", "", "tenant UUID the token acts on (required)")
	verify := flag.Bool("verify", false, "validate the issued token and print its claims")
	flag.Parse()

	if *help {
		fmt.Println("Billing API Token Issuer")
		fmt.Println()
		fmt.Println("Usage: token -user <name> -tenant <uuid> [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// Only the JWT secrets matter here.
	cfg, errs := config.Load(*configPath)
	failed := false
	for _, err := range errs {
		if errors.Is(err, config.ErrMissingDatabaseURL) {
			continue
		}
		fmt.Fprintln(os.Stderr, "config:", err)
		failed = true
	}
	if failed {
		os.Exit(1)
	}

	svc := auth.NewJWTService(cfg.JWTSecret, cfg.JWTPreviousSecret)
	if err := issue(os.Stdout, svc, *user, *tenant, *verify); err != nil {
		fmt.Fprintln(os.Stderr, "token:", err)
		os.Exit(1)
	}
}

func issue(w io.Writer, svc *auth.JWTService, user, tenant string, verify bool) error {
	tenantID, err := uuid.Parse(tenant)
	if err != nil {
		return fmt.Errorf("invalid tenant %q: %w", tenant, err)
	}
	token, err := svc.GenerateAccessToken(user, tenantID)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, token)

	if !verify {
		return nil
	}
	claims, err := svc.ValidateToken(token)
	if err != nil {
		return fmt.Errorf("issued token does not validate: %w", err)
	}
	fmt.Fprintf(w, "user=%s tenant=%s expires=%s\n", claims.Subject, claims.TenantID, claims.ExpiresAt.Time.UTC().Format("2006-01-02T15:04:05Z"))
	return nil
}

package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/billing/internal/auth"
	"github.com/onnwee/billing/internal/callcontext"
)

// Headers that annotate the call context of a request.
const (
	ReasonHeader  = "X-Billing-Reason"
	CommentHeader = "X-Billing-Comment"
)

// ErrCodeAuthFailed is the API error code of rejected credentials.
const ErrCodeAuthFailed = "auth_failed"

// TokenValidator validates bearer tokens.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// Auth requires a bearer access token and stores the caller's call context
// (tenant, user, reason, comments, request ID) in the request context.
func Auth(validator TokenValidator, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			token, ok := bearerToken(r)
			if !ok {
				metrics.IncAuthFailures("missing")
				writeAuthError(w, r, "missing bearer token")
				return
			}
			claims, err := validator.ValidateToken(token)
			if err != nil {
				reason := "invalid"
				if errors.Is(err, auth.ErrExpiredToken) {
					reason = "expired"
				}
				metrics.IncAuthFailures(reason)
				writeAuthError(w, r, err.Error())
				return
			}
			tenantID, err := claims.Tenant()
			if err != nil {
				metrics.IncAuthFailures("tenant")
				writeAuthError(w, r, err.Error())
				return
			}

			cc := callcontext.New(tenantID, claims.Subject)
			cc.Reason = r.Header.Get(ReasonHeader)
			cc.Comments = r.Header.Get(CommentHeader)
			cc.RequestID = GetRequestID(ctx)
			setCaller(ctx, tenantID.String(), claims.Subject)

			next.ServeHTTP(w, r.WithContext(callcontext.WithCallContext(ctx, cc)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeAuthError(w http.ResponseWriter, r *http.Request, message string) {
	ctx := SetErrorCode(r.Context(), ErrCodeAuthFailed)
	body := map[string]map[string]string{
		"error": {"code": ErrCodeAuthFailed, "message": message},
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("WWW-Authenticate", `Bearer realm="billing"`)
	w.WriteHeader(http.StatusUnauthorized)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(ctx, "failed to write auth error", "error", err)
	}
}

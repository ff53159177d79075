package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		wantKeep bool
	}{
		{name: "no header", header: "", wantKeep: false},
		{name: "existing id", header: "req-2026-03-01-abc", wantKeep: true},
		{name: "contains space", header: "bad id", wantKeep: false},
		{name: "control character", header: "id\x00x", wantKeep: false},
		{name: "too long", header: strings.Repeat("a", maxRequestIDLength+1), wantKeep: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/payments", nil)
			if tt.header != "" {
				req.Header.Set(RequestIDHeader, tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Header().Get(RequestIDHeader) != captured {
				t.Errorf("response header %q does not match context %q", rr.Header().Get(RequestIDHeader), captured)
			}
			if tt.wantKeep {
				if captured != tt.header {
					t.Errorf("request ID = %q, want %q", captured, tt.header)
				}
				return
			}
			if _, err := uuid.Parse(captured); err != nil {
				t.Errorf("expected a generated UUID, got %q", captured)
			}
		})
	}
}

func TestGetRequestID_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/payments", nil)
	if id := GetRequestID(req.Context()); id != "" {
		t.Errorf("expected empty string, got %q", id)
	}
}

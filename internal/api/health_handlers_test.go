package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// mockHealthChecker is a mock implementation of HealthChecker for testing.
type mockHealthChecker struct {
	err   error
	block bool
}

func (m *mockHealthChecker) HealthCheck(ctx context.Context) error {
	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return m.err
}

func TestHealth_Success(t *testing.T) {
	handlers := NewHealthHandlers(HealthHandlersConfig{})

	w := httptest.NewRecorder()
	handlers.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	var response HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Status != "healthy" || response.Checks["runtime"] != "ok" {
		t.Errorf("unexpected response: %+v", response)
	}
	if _, err := time.Parse(time.RFC3339, response.Timestamp); err != nil {
		t.Errorf("timestamp is not valid RFC3339: %v", err)
	}
}

func TestReady(t *testing.T) {
	down := errors.New("connection refused")

	tests := []struct {
		name       string
		db         HealthChecker
		queue      HealthChecker
		wantStatus int
		wantChecks map[string]string
	}{
		{
			name:       "in-memory dependencies",
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"database": "ok", "retry_queue": "ok"},
		},
		{
			name:       "all healthy",
			db:         &mockHealthChecker{},
			queue:      &mockHealthChecker{},
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"database": "ok", "retry_queue": "ok"},
		},
		{
			name:       "database down",
			db:         &mockHealthChecker{err: down},
			queue:      &mockHealthChecker{},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"database": "error", "retry_queue": "ok"},
		},
		{
			name:       "queue down",
			db:         &mockHealthChecker{},
			queue:      &mockHealthChecker{err: down},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"database": "ok", "retry_queue": "error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handlers := NewHealthHandlers(HealthHandlersConfig{DBChecker: tt.db, QueueChecker: tt.queue})

			w := httptest.NewRecorder()
			handlers.Ready(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var response HealthResponse
			if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			for check, want := range tt.wantChecks {
				if response.Checks[check] != want {
					t.Errorf("check %s = %q, want %q", check, response.Checks[check], want)
				}
			}
		})
	}
}

func TestReady_Timeout(t *testing.T) {
	handlers := NewHealthHandlers(HealthHandlersConfig{
		DBChecker: &mockHealthChecker{block: true},
		Timeout:   20 * time.Millisecond,
	})

	start := time.Now()
	w := httptest.NewRecorder()
	handlers.Ready(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("readiness check ignored its timeout, took %v", elapsed)
	}
}

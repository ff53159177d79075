package tracing

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewProvider_Disabled(t *testing.T) {
	provider, err := NewProvider(Config{ServiceName: "billing-api"})
	if err != nil {
		t.Fatalf("expected no error for disabled tracing, got %v", err)
	}
	if provider.IsEnabled() {
		t.Error("expected tracing to be disabled")
	}
	if provider.Tracer("billing") == nil {
		t.Error("disabled provider should still hand out a tracer")
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"disabled ignores fields", Config{SamplingRate: 7}, nil},
		{"valid http", Config{Enabled: true, ServiceName: "billing-api", SamplingRate: 0.5}, nil},
		{"valid grpc", Config{Enabled: true, ServiceName: "billing-api", ExporterType: ExporterOTLPGRPC, SamplingRate: 1}, nil},
		{"missing service", Config{Enabled: true, SamplingRate: 0.1}, ErrMissingServiceName},
		{"negative rate", Config{Enabled: true, ServiceName: "billing-api", SamplingRate: -0.1}, ErrInvalidSamplingRate},
		{"rate above one", Config{Enabled: true, ServiceName: "billing-api", SamplingRate: 1.5}, ErrInvalidSamplingRate},
		{"unknown exporter", Config{Enabled: true, ServiceName: "billing-api", ExporterType: "jaeger"}, ErrUnsupportedExporter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNewProvider_Enabled(t *testing.T) {
	provider, err := NewProvider(Config{
		ServiceName:  "billing-api",
		Enabled:      true,
		Environment:  "test",
		ExporterType: ExporterOTLPHTTP,
		OTLPEndpoint: "localhost:4318",
		SamplingRate: 0.1,
		InsecureMode: true,
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if !provider.IsEnabled() {
		t.Error("expected tracing to be enabled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// Nothing listens on the endpoint, so only the call itself is checked.
	_ = provider.Shutdown(ctx)
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
	}
	for _, tt := range tests {
		if got := newSampler(tt.rate).Description(); got != tt.want {
			t.Errorf("newSampler(%v) = %s, want %s", tt.rate, got, tt.want)
		}
	}
}

package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"
)

type errorCodeKey struct{}

type requestInfoKey struct{}

// requestInfo is filled in by inner handlers and read by Logging once the
// request completes.
type requestInfo struct {
	tenantID  string
	userName  string
	errorCode string
}

func infoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(*requestInfo)
	return info
}

// SetErrorCode stores an error code in the context and reports it to the
// enclosing Logging middleware.
func SetErrorCode(ctx context.Context, code string) context.Context {
	if info := infoFrom(ctx); info != nil {
		info.errorCode = code
	}
	return context.WithValue(ctx, errorCodeKey{}, code)
}

// GetErrorCode retrieves the error code from context. Returns empty string if not present.
func GetErrorCode(ctx context.Context) string {
	if code, ok := ctx.Value(errorCodeKey{}).(string); ok {
		return code
	}
	if info := infoFrom(ctx); info != nil {
		return info.errorCode
	}
	return ""
}

func setCaller(ctx context.Context, tenantID, userName string) {
	if info := infoFrom(ctx); info != nil {
		info.tenantID = tenantID
		info.userName = userName
	}
}

// responseWriter wraps http.ResponseWriter to capture status code and response size.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

// WriteHeader records the first status code only, as http.ResponseWriter does.
func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.size += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// NewLogger creates an slog.Logger based on the environment.
// In production it returns a JSON handler, otherwise a text handler.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	return slog.New(handler)
}

// Logging logs every request with method, path, status, latency, size,
// request ID, the authenticated tenant and user, and the error code of
// 4xx and 5xx responses.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			info := &requestInfo{}
			rw := newResponseWriter(w)

			next.ServeHTTP(rw, r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info)))

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rw.statusCode),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
				slog.Int64("size", rw.size),
			}
			if requestID := GetRequestID(r.Context()); requestID != "" {
				attrs = append(attrs, slog.String("request_id", requestID))
			}
			if info.tenantID != "" {
				attrs = append(attrs, slog.String("tenant_id", info.tenantID), slog.String("user", info.userName))
			}
			if rw.statusCode >= 400 && info.errorCode != "" {
				attrs = append(attrs, slog.String("error_code", info.errorCode))
			}

			level := slog.LevelInfo
			switch {
			case rw.statusCode >= 500:
				level = slog.LevelError
			case rw.statusCode >= 400:
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "request completed", attrs...)
		})
	}
}

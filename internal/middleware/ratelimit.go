package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/billing/internal/callcontext"
)

// ErrCodeRateLimited is the API error code of throttled requests.
const ErrCodeRateLimited = "rate_limited"

// RateLimitConfig is a fixed window limit. Both fields must be positive.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// DefaultRateLimit allows 100 requests per minute per tenant.
func DefaultRateLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Minute}
}

// Validate checks that both fields are positive.
func (c RateLimitConfig) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("RequestsPerWindow must be > 0 (got %d)", c.RequestsPerWindow)
	}
	if c.WindowDuration <= 0 {
		return fmt.Errorf("WindowDuration must be > 0 (got %s)", c.WindowDuration)
	}
	return nil
}

// RateLimitStore counts requests per key.
type RateLimitStore interface {
	// Allow records a request for key. When the limit is reached it returns
	// false and the time until the window resets.
	Allow(ctx context.Context, key string, cfg RateLimitConfig) (bool, time.Duration, error)
}

type window struct {
	count int
	end   time.Time
}

// InMemoryRateLimitStore keeps one window per key in process memory.
// Thread-safe.
type InMemoryRateLimitStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewInMemoryRateLimitStore creates an empty store.
func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	return &InMemoryRateLimitStore{windows: make(map[string]*window), now: time.Now}
}

// Allow implements RateLimitStore. Expired windows are dropped as they are
// visited.
func (s *InMemoryRateLimitStore) Allow(_ context.Context, key string, cfg RateLimitConfig) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.end) {
		s.windows[key] = &window{count: 1, end: now.Add(cfg.WindowDuration)}
		return true, 0, nil
	}
	if w.count < cfg.RequestsPerWindow {
		w.count++
		return true, 0, nil
	}
	return false, w.end.Sub(now), nil
}

// rateLimitScript increments the window counter, starting the window on the
// first hit, and returns the count and the remaining window in milliseconds.
var rateLimitScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

// RedisRateLimitStore shares windows between API replicas.
type RedisRateLimitStore struct {
	client *redis.Client
	prefix string
}

// NewRedisRateLimitStore creates a store whose keys start with "billing:ratelimit:".
func NewRedisRateLimitStore(client *redis.Client) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client, prefix: "billing:ratelimit:"}
}

// Allow implements RateLimitStore.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, cfg RateLimitConfig) (bool, time.Duration, error) {
	res, err := rateLimitScript.Run(ctx, s.client, []string{s.prefix + key}, cfg.WindowDuration.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("rate limit %s: unexpected reply %v", key, res)
	}
	if res[0] <= int64(cfg.RequestsPerWindow) {
		return true, 0, nil
	}
	return false, time.Duration(res[1]) * time.Millisecond, nil
}

// TenantKey keys requests by the caller's tenant, or by the client address
// when no call context is present.
func TenantKey(r *http.Request) string {
	if cc, ok := callcontext.FromContext(r.Context()); ok {
		return "tenant:" + cc.TenantID.String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

// RateLimiter rejects requests over cfg with 429 Too Many Requests. Store
// failures let the request through.
func RateLimiter(store RateLimitStore, cfg RateLimitConfig, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, retryAfter, err := store.Allow(r.Context(), keyFunc(r), cfg)
			if err != nil {
				slog.WarnContext(r.Context(), "rate limit check failed", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if allowed {
				next.ServeHTTP(w, r)
				return
			}

			ctx := SetErrorCode(r.Context(), ErrCodeRateLimited)
			seconds := int(retryAfter.Round(time.Second).Seconds())
			if seconds <= 0 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusTooManyRequests)
			body := map[string]map[string]string{
				"error": {"code": ErrCodeRateLimited, "message": "too many requests"},
			}
			if err := json.NewEncoder(w).Encode(body); err != nil {
				slog.ErrorContext(ctx, "failed to write rate limit error", "error", err)
			}
		})
	}
}

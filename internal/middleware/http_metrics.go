package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// routeTemplates are the API routes with identifiers replaced by {id}.
var routeTemplates = map[string]bool{
	"/payments":                      true,
	"/payments/{id}":                 true,
	"/payments/{id}/attempts":        true,
	"/payments/{id}/captures":        true,
	"/payments/{id}/refunds":         true,
	"/accounts/{id}/payments":        true,
	"/accounts/{id}/payment-methods": true,
	"/payment-methods/{id}":          true,
	"/health":                        true,
	"/ready":                         true,
	"/metrics":                       true,
}

// unmatchedRoute labels paths outside the API so scanners cannot inflate
// label cardinality.
const unmatchedRoute = "unmatched"

// normalizePath maps a request path to its route template, e.g.
// /payments/5f0c.../refunds to /payments/{id}/refunds.
func normalizePath(path string) string {
	segments := strings.Split(strings.TrimSuffix(path, "/"), "/")
	for i, s := range segments {
		if _, err := uuid.Parse(s); err == nil {
			segments[i] = "{id}"
		}
	}
	route := strings.Join(segments, "/")
	if routeTemplates[route] {
		return route
	}
	return unmatchedRoute
}

// HTTPMetrics records request duration, sizes and counts per route.
// Health probes are not recorded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}
			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(rw.statusCode),
				time.Since(start).Seconds(),
				requestSize,
				rw.size,
			)
		})
	}
}

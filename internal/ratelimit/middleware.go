package ratelimit

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/vnmchuo/deep-search/internal/metrics"
)

// UnknownKey is shared by every caller without a forwarded address.
const UnknownKey = "unknown"

// KeyFromRequest returns the first X-Forwarded-For value, trimmed.
func KeyFromRequest(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return UnknownKey
	}
	first, _, _ := strings.Cut(xff, ",")
	if first = strings.TrimSpace(first); first != "" {
		return first
	}
	return UnknownKey
}

// Middleware rejects requests over cfg with 429 and a Retry-After header.
// Store failures let the request through.
func Middleware(l *Limiter, route string, cfg Config) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := route + ":" + KeyFromRequest(r)

			res, err := l.Check(r.Context(), key, cfg)
			if err != nil {
				log.Printf("ratelimit: check failed for %s: %v", route, err)
				metrics.RateLimitDecisions.WithLabelValues(route, "error").Inc()
				next.ServeHTTP(w, r)
				return
			}

			if !res.Allowed {
				metrics.RateLimitDecisions.WithLabelValues(route, "denied").Inc()
				WriteLimited(w, res.RetryAfter, map[string]any{"error": "Too many requests. Please try again later."})
				return
			}

			metrics.RateLimitDecisions.WithLabelValues(route, "allowed").Inc()
			next.ServeHTTP(w, r)
		})
	}
}

// WriteLimited writes a 429 JSON body with Retry-After set.
func WriteLimited(w http.ResponseWriter, retryAfter int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(body)
}

package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/partsearch/internal/logging"
)

// Middleware rejects callers that exceed their bucket with 429. Limiter
// failures let the request through.
func Middleware(limiter *Limiter, publicPaths []string) func(http.Handler) http.Handler {
	exact := make(map[string]bool, len(publicPaths))
	var prefixes []string
	for _, p := range publicPaths {
		if strings.HasSuffix(p, "/*") {
			prefixes = append(prefixes, strings.TrimSuffix(p, "*"))
			continue
		}
		exact[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path, exact, prefixes) {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), KeyForIP(clientIP(r)))
			if err != nil {
				logging.Op().Warn("rate limit check failed, allowing request", "path", r.URL.Path, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				retryAfter := max(1, int(time.Until(result.ResetAt).Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate_limit_exceeded","message":"too many requests, please retry later"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isPublicPath(path string, exact map[string]bool, prefixes []string) bool {
	if exact[path] {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package ratelimit

import (
	"net"
	"net/http"
	"strconv"

	"fides/pkg/httpx"
)

// Middleware applies a fixed-window limit per client IP and route. Write
// endpoints get tighter limits than reads; both are configured by the caller.
func Middleware(limiter Limiter, readLimit, writeLimit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limit := readLimit
			if r.Method == http.MethodPost {
				limit = writeLimit
			}
			key := clientIP(r) + " " + r.Method + " " + r.URL.Path
			d := limiter.Allow(key, limit)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.FormatInt(int64(d.ResetAt.Unix()), 10))
				httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

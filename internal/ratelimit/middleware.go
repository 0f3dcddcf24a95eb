package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"time"
)

// KeyFunc picks the bucket a request is counted against.
type KeyFunc func(*http.Request) string

// TenantOrIP buckets by the X-Tenant-ID header, falling back to the client address.
func TenantOrIP(req *http.Request) string {
	if t := req.Header.Get("X-Tenant-ID"); t != "" {
		return "tenant:" + t
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	return "ip:" + host
}

// Middleware rejects requests over limit per window with 429.
func (l *Limiter) Middleware(scope string, limit int, window time.Duration, keyFn KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			res := l.Check(req.Context(), Request{Key: scope + ":" + keyFn(req), Limit: limit, Window: window})
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
			if !res.Success {
				retry := time.Until(res.Reset).Seconds()
				if retry < 1 {
					retry = 1
				}
				h.Set("Retry-After", strconv.Itoa(int(retry)))
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}` + "\n"))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

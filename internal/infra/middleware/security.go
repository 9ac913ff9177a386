package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SecurityHeaders sets the response headers every relay endpoint carries.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimitConfig holds configuration for the rate limiter.
type RateLimitConfig struct {
	RequestsPerMin int      // sustained requests per minute per client IP
	BurstSize      int      // bucket size; defaults to RequestsPerMin/6, at least 1
	TrustedProxies []string // peers whose X-Forwarded-For / X-Real-IP are honoured
}

const (
	limiterSweep = time.Minute
	limiterIdle  = 3 * time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitWithConfig applies a token bucket per client IP. Rejected
// requests get 429 with a JSON error body. The sweep goroutine that drops
// idle clients exits when ctx is cancelled.
//
// Proxy headers are ignored unless the TCP peer is listed in TrustedProxies,
// so clients cannot pick their own bucket by sending X-Forwarded-For.
func RateLimitWithConfig(ctx context.Context, cfg RateLimitConfig) func(http.Handler) http.Handler {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = max(cfg.RequestsPerMin/6, 1)
	}
	perSecond := rate.Limit(float64(cfg.RequestsPerMin) / 60.0)

	var mu sync.Mutex
	clients := make(map[string]*clientLimiter)

	go func() {
		ticker := time.NewTicker(limiterSweep)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cutoff := time.Now().Add(-limiterIdle)
				mu.Lock()
				for ip, c := range clients {
					if c.lastSeen.Before(cutoff) {
						delete(clients, ip)
					}
				}
				mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()

	allow := func(ip string) bool {
		mu.Lock()
		defer mu.Unlock()
		c, ok := clients[ip]
		if !ok {
			c = &clientLimiter{limiter: rate.NewLimiter(perSecond, burst)}
			clients[ip] = c
		}
		c.lastSeen = time.Now()
		return c.limiter.Allow()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !allow(clientIP(r, cfg.TrustedProxies)) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{
					"error": "rate limit exceeded",
					"code":  "RATE_LIMITED",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the address the rate limiter keys on.
func clientIP(r *http.Request, trustedProxies []string) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	if !slices.Contains(trustedProxies, peer) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return peer
}

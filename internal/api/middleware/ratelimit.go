package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// RateLimiter provides per-IP request throttling. Idle client entries expire
// from the cache on their own.
type RateLimiter struct {
	mu       sync.Mutex
	limiters *cache.Cache
	limit    rate.Limit
	burst    int
}

// NewRateLimiter allows perMinute requests per client IP with the given burst.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 120
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &RateLimiter{
		limiters: cache.New(15*time.Minute, 10*time.Minute),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
	}
}

// Middleware rejects requests over the client's budget with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.getLimiter(clientIP(r)).Allow() {
			w.Header().Set("Retry-After", "60")
			http.Error(w, `{"error":"too many requests"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if v, ok := rl.limiters.Get(ip); ok {
		limiter := v.(*rate.Limiter)
		rl.limiters.SetDefault(ip, limiter)
		return limiter
	}
	limiter := rate.NewLimiter(rl.limit, rl.burst)
	rl.limiters.SetDefault(ip, limiter)
	return limiter
}

// FailureLock counts failed authentication attempts per client IP and locks
// the client out once maxFailures is reached.
type FailureLock struct {
	failures    *cache.Cache
	maxFailures int
	lockout     time.Duration
}

// NewFailureLock creates a lock that trips after maxFailures failures and
// holds for lockout.
func NewFailureLock(maxFailures int, lockout time.Duration) *FailureLock {
	return &FailureLock{
		failures:    cache.New(lockout, 10*time.Minute),
		maxFailures: maxFailures,
		lockout:     lockout,
	}
}

// Locked reports whether ip is currently locked out.
func (f *FailureLock) Locked(ip string) bool {
	v, ok := f.failures.Get(ip)
	return ok && v.(int) >= f.maxFailures
}

// Fail records a failed attempt. Each failure extends the window.
func (f *FailureLock) Fail(ip string) {
	n := 1
	if v, ok := f.failures.Get(ip); ok {
		n = v.(int) + 1
	}
	f.failures.Set(ip, n, f.lockout)
}

// Reset forgets the failures of ip.
func (f *FailureLock) Reset(ip string) {
	f.failures.Delete(ip)
}

func clientIP(r *http.Request) string {
	// Check X-Forwarded-For for reverse proxy setups
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

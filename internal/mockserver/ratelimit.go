package mockserver

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig controls blocking of clients that present bad tokens.
type RateLimitConfig struct {
	BlockAfter int           // Block after this many failed attempts (default: 10)
	BlockTime  time.Duration // Base block duration (default: 1 minute, doubles each block)
}

// DefaultRateLimitConfig returns the default rate limiting configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		BlockAfter: 10,
		BlockTime:  time.Minute,
	}
}

// authLimiter counts consecutive auth failures per IP and blocks repeat
// offenders with exponential backoff.
type authLimiter struct {
	mu     sync.Mutex
	config RateLimitConfig
	now    func() time.Time

	failures map[string]int
	blocked  map[string]time.Time
}

func newAuthLimiter(config RateLimitConfig, now func() time.Time) *authLimiter {
	if config.BlockAfter <= 0 {
		config.BlockAfter = 10
	}
	if config.BlockTime <= 0 {
		config.BlockTime = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &authLimiter{
		config:   config,
		now:      now,
		failures: make(map[string]int),
		blocked:  make(map[string]time.Time),
	}
}

// check reports whether ip may attempt to authenticate, and if not, how
// long until it may.
func (rl *authLimiter) check(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	expiry, ok := rl.blocked[ip]
	if !ok {
		return true, 0
	}
	now := rl.now()
	if now.Before(expiry) {
		return false, expiry.Sub(now)
	}
	delete(rl.blocked, ip)
	return true, 0
}

func (rl *authLimiter) recordSuccess(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.failures, ip)
	delete(rl.blocked, ip)
}

// recordFailure counts a bad token and returns the block duration if this
// failure triggered a block.
func (rl *authLimiter) recordFailure(ip string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.failures[ip]++
	count := rl.failures[ip]
	if count < rl.config.BlockAfter || count%rl.config.BlockAfter != 0 {
		return 0
	}

	// blockTime * 2^(blocks-1), capped at a day
	blocks := count/rl.config.BlockAfter - 1
	d := rl.config.BlockTime * time.Duration(1<<min(blocks, 16))
	if d > 24*time.Hour {
		d = 24 * time.Hour
	}
	rl.blocked[ip] = rl.now().Add(d)
	return d
}

// extractIP extracts the client IP from the request, preferring proxy
// headers over the remote address.
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

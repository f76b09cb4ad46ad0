// Package ratelimit implements per-client token buckets for the render endpoint.
package ratelimit

import (
	"net"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/crudivore/internal/metrics"
)

// Limiter manages per-client rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// New creates a new Limiter. A non-positive rate disables limiting.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	metrics.Init()
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Allow spends one token for the client at remoteAddr, reporting false when
// its bucket is empty. target is only used to label the rejection metric.
func (l *Limiter) Allow(remoteAddr, target string) bool {
	key := ClientKey(remoteAddr)
	l.mu.Lock()
	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()

	if limiter.Allow() {
		return true
	}
	metrics.ObserveRateLimitRejection(target)
	return false
}

// ClientKey strips the port from a remote address.
func ClientKey(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return strings.ToLower(host)
	}
	if remoteAddr == "" {
		return "unknown"
	}
	return strings.ToLower(remoteAddr)
}

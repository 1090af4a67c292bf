// Package ratelimit throttles requests per client IP.
//
// It sits in front of the login endpoint so a classroom machine cannot be
// used to brute force accounts, and optionally in front of the whole public
// listener. State is in memory and local to the process.
//
// What this does protect against:
//   - one client hammering login with guessed passwords or activation keys
//   - one client flooding the file endpoint
//
// What this does NOT protect against:
//   - many clients cooperating, each under the limit
package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/edutoolbox/internal/httpmw"
)

// visitor tracks a single IPs limiter and last activity
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged tracks whether we have already emitted the first-denial log
	// resets when the entry is evicted and re-created
	logged bool
}

// IPLimiter holds per-IP rate limiters with background eviction
type IPLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	perSecond rate.Limit
	burst     int

	// ttl controls how long an idle IP stays in the map before cleanup evicts it
	ttl time.Duration

	// maxVisitors bounds the map; unseen IPs are refused once it is full. 0 disables.
	maxVisitors  int
	capacityHit  bool
	onCapacity   func()
	retryAfter   string
	onFirstDeny  func(ip string)
	onEveryDeny  func(ip string)
}

type Option func(*IPLimiter)

// WithRate sets the bucket size and refill rate.
// WithRate(0.2, 5) allows 5 attempts at once, then one every five seconds.
func WithRate(perSecond float64, burst int) Option {
	return func(l *IPLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL controls how long an idle IP stays in the map before cleanup
func WithTTL(d time.Duration) Option {
	return func(l *IPLimiter) { l.ttl = d }
}

// WithMaxVisitors bounds how many distinct IPs are tracked at once.
func WithMaxVisitors(n int) Option {
	return func(l *IPLimiter) { l.maxVisitors = n }
}

// WithOnCapacity is called the first time the visitor map is full. It fires
// again only after eviction has freed space.
func WithOnCapacity(fn func()) Option {
	return func(l *IPLimiter) { l.onCapacity = fn }
}

// WithOnFirstDenied is called once per visitor when it is first limited, for logging.
func WithOnFirstDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.onFirstDeny = fn }
}

// WithOnDenied is called on every denial, for counters.
func WithOnDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.onEveryDeny = fn }
}

// WithRetryAfter sets the Retry-After header value, in seconds.
func WithRetryAfter(seconds string) Option {
	return func(l *IPLimiter) { l.retryAfter = seconds }
}

// New creates an IPLimiter; cleanup runs until ctx is done.
func New(ctx context.Context, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		visitors:    make(map[string]*visitor),
		perSecond:   10,
		burst:       30,
		ttl:         5 * time.Minute,
		maxVisitors: 100000,
		retryAfter:  "30",
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup(ctx)
	return l
}

// Allow reports whether ip may proceed and consumes a token if so.
func (l *IPLimiter) Allow(ip string) bool { return l.allow(ip) }

func (l *IPLimiter) allow(ip string) bool {
	l.mu.Lock()
	v, exists := l.visitors[ip]
	if !exists {
		if l.maxVisitors > 0 && len(l.visitors) >= l.maxVisitors {
			first := !l.capacityHit
			l.capacityHit = true
			l.mu.Unlock()
			if first && l.onCapacity != nil {
				l.onCapacity()
			}
			return false
		}
		v = &visitor{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	allowed := v.limiter.Allow()

	first := false
	if !allowed && !v.logged {
		v.logged = true
		first = true
	}
	// hooks may log or touch metrics, keep them outside the lock
	l.mu.Unlock()

	if !allowed {
		if first && l.onFirstDeny != nil {
			l.onFirstDeny(ip)
		}
		if l.onEveryDeny != nil {
			l.onEveryDeny(ip)
		}
	}
	return allowed
}

// cleanup evicts visitors idle longer than ttl, checking every ttl/2.
func (l *IPLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for ip, v := range l.visitors {
				if now.Sub(v.lastSeen) > l.ttl {
					delete(l.visitors, ip)
				}
			}
			if l.maxVisitors == 0 || len(l.visitors) < l.maxVisitors {
				l.capacityHit = false
			}
			l.mu.Unlock()
		}
	}
}

func (l *IPLimiter) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// Reject writes the 429 response. No detail about limits or refill time.
func (l *IPLimiter) Reject(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Retry-After", l.retryAfter)
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":"too many requests"}`))
}

// Middleware rejects requests over the per-IP limit with 429.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(httpmw.ClientIPFromContext(r.Context())) {
			l.Reject(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

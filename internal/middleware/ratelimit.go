package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxTrackedIPs caps the number of client IPs tracked so the
	// limiter's memory stays bounded.
	DefaultMaxTrackedIPs = 10000

	cleanupInterval = time.Minute
	staleThreshold  = 5 * time.Minute
)

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// WriteLimiter throttles targeting mutations per client IP. A local demo UI
// issuing toggle storms must not be able to saturate the shared document
// file with writes.
type WriteLimiter struct {
	mu            sync.Mutex
	entries       map[string]*ipEntry
	maxPerMinute  int
	maxTrackedIPs int
	cancel        context.CancelFunc
}

// NewWriteLimiter creates a per-IP limiter allowing maxPerMinute mutations.
// A background goroutine evicts stale entries until Stop is called.
func NewWriteLimiter(ctx context.Context, maxPerMinute int) *WriteLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	wl := &WriteLimiter{
		entries:       make(map[string]*ipEntry),
		maxPerMinute:  maxPerMinute,
		maxTrackedIPs: DefaultMaxTrackedIPs,
		cancel:        cancel,
	}
	go wl.cleanup(ctx)
	return wl
}

// Allow reports whether the given IP may perform another mutation, consuming
// a token when it may.
func (wl *WriteLimiter) Allow(ip string) bool {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	e := wl.getOrCreateEntryLocked(ip, time.Now())
	return e.limiter.Allow()
}

func (wl *WriteLimiter) getOrCreateEntryLocked(ip string, now time.Time) *ipEntry {
	e, ok := wl.entries[ip]
	if !ok {
		if len(wl.entries) >= wl.maxTrackedIPs {
			wl.evictOldestLocked()
		}
		r := rate.Limit(float64(wl.maxPerMinute) / 60.0)
		e = &ipEntry{
			limiter:  rate.NewLimiter(r, wl.maxPerMinute),
			lastSeen: now,
		}
		wl.entries[ip] = e
	}
	e.lastSeen = now
	return e
}

func (wl *WriteLimiter) evictOldestLocked() {
	var oldestIP string
	var oldest time.Time
	for ip, e := range wl.entries {
		if oldestIP == "" || e.lastSeen.Before(oldest) {
			oldestIP = ip
			oldest = e.lastSeen
		}
	}
	if oldestIP != "" {
		delete(wl.entries, oldestIP)
	}
}

// Stop cancels the background cleanup goroutine.
func (wl *WriteLimiter) Stop() {
	wl.cancel()
}

func (wl *WriteLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wl.removeStale()
		}
	}
}

func (wl *WriteLimiter) removeStale() {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	now := time.Now()
	for ip, e := range wl.entries {
		if now.Sub(e.lastSeen) > staleThreshold {
			delete(wl.entries, ip)
		}
	}
}

// LimitOption configures RateLimitWrites.
type LimitOption func(*limitConfig)

type limitConfig struct {
	onLimited func()
}

// WithOnRateLimited registers a callback invoked each time a request is
// rejected, for metrics.
func WithOnRateLimited(fn func()) LimitOption {
	return func(c *limitConfig) {
		if fn != nil {
			c.onLimited = fn
		}
	}
}

// RateLimitWrites returns middleware that applies wl to mutating requests
// (anything that is not GET or HEAD) and answers 429 when the client's
// budget is exhausted. A nil limiter disables throttling.
func RateLimitWrites(wl *WriteLimiter, opts ...LimitOption) func(http.Handler) http.Handler {
	cfg := &limitConfig{onLimited: func() {}}
	for _, opt := range opts {
		opt(cfg)
	}
	return func(next http.Handler) http.Handler {
		if wl == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			if !wl.Allow(ip) {
				cfg.onLimited()
				http.Error(w, "too many targeting updates", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

package httpmiddleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/jx"
)

// RateLimitConfig configures the sliding window rate limiter.
type RateLimitConfig struct {
	// Max requests per Window.
	Max    int
	Window time.Duration
	// KeyFunc picks the bucket of a request; nil means the client IP.
	KeyFunc func(*http.Request) string
}

// HeaderKey returns a KeyFunc that limits by the value of header, falling
// back to the client IP when the header is absent. Keys from the two sources
// never collide.
func HeaderKey(header string) func(*http.Request) string {
	return func(r *http.Request) string {
		if v := r.Header.Get(header); v != "" {
			return "h:" + v
		}
		return "ip:" + ClientIP(r)
	}
}

// ClientIP returns the first X-Forwarded-For hop, X-Real-IP, or the remote
// address host, in that order.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// bucket counts requests in the current fixed window and remembers the
// previous one; the estimate weights the previous count by how much of it
// still overlaps the sliding window.
type bucket struct {
	start time.Time
	curr  float64
	prev  float64
}

// limiter is a sliding window counter per key.
type limiter struct {
	max    int
	window time.Duration
	key    func(*http.Request) string
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

func newLimiter(cfg RateLimitConfig) *limiter {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientIP
	}
	return &limiter{
		max:     cfg.Max,
		window:  cfg.Window,
		key:     cfg.KeyFunc,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

type decision struct {
	allowed   bool
	remaining int
	reset     time.Time
}

func (l *limiter) take(key string) decision {
	now := l.now()
	start := now.Truncate(l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	switch {
	case !ok:
		b = &bucket{start: start}
		l.buckets[key] = b
	case start.Sub(b.start) >= 2*l.window:
		*b = bucket{start: start}
	case start.After(b.start):
		b.prev, b.curr, b.start = b.curr, 0, start
	}

	overlap := 1 - float64(now.Sub(b.start))/float64(l.window)
	used := b.prev*max(overlap, 0) + b.curr
	d := decision{reset: b.start.Add(l.window)}
	if used >= float64(l.max) {
		return d
	}
	b.curr++
	d.allowed = true
	d.remaining = max(int(float64(l.max)-used-1), 0)
	return d
}

// evict drops buckets that can no longer affect a decision.
func (l *limiter) evict() {
	cutoff := l.now().Add(-2 * l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		if b.start.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}

func (l *limiter) runEviction(ctx context.Context) {
	ticker := time.NewTicker(2 * l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evict()
		}
	}
}

// RateLimit enforces a per-key sliding window limit. Every response carries
// X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset; rejected
// requests get 429 with Retry-After and a JSON error body.
//
// Buckets are never evicted; long-running servers use RateLimitWithCleanup.
func RateLimit(cfg RateLimitConfig) Middleware {
	return newLimiter(cfg).middleware
}

// RateLimitWithCleanup is RateLimit plus a goroutine that evicts idle
// buckets until ctx is done.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	l := newLimiter(cfg)
	go l.runEviction(ctx)
	return l.middleware
}

func (l *limiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := l.take(l.key(r))

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(l.max))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.reset.Unix(), 10))
		if d.allowed {
			next.ServeHTTP(w, r)
			return
		}

		wait := max(d.reset.Sub(l.now()), 0)
		retryAfter := int((wait + time.Second - 1) / time.Second)
		h.Set("Retry-After", strconv.Itoa(retryAfter))

		e := jx.GetEncoder()
		defer jx.PutEncoder(e)
		e.ObjStart()
		e.FieldStart("code")
		e.Int(http.StatusTooManyRequests)
		e.FieldStart("message")
		e.Str("rate limit exceeded")
		e.FieldStart("retryable")
		e.Bool(true)
		e.ObjEnd()

		h.Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write(e.Bytes())
	})
}

package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Limiter decides whether the caller identified by key may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Local is an in-process token bucket per key. A bucket idle for a whole
// window has refilled completely, so it is dropped and recreated on demand.
type Local struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	limit     rate.Limit
	burst     int
	window    time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewLocal allows limit requests per window per key, with bursts up to limit
func NewLocal(limit int, window time.Duration) *Local {
	return &Local{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(float64(limit) / window.Seconds()),
		burst:   limit,
		window:  window,
		now:     time.Now,
	}
}

func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= l.window {
		l.sweep(now)
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1), nil
}

// sweep drops buckets untouched for a full window
func (l *Local) sweep(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.window {
			delete(l.buckets, key)
		}
	}
	l.lastSweep = now
}

// Len reports how many keys currently hold a bucket
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Fallback consults primary and switches to secondary whenever primary errors
type Fallback struct {
	primary   Limiter
	secondary Limiter
	log       zerolog.Logger
}

// NewFallback wraps primary with secondary
func NewFallback(primary, secondary Limiter, log zerolog.Logger) *Fallback {
	return &Fallback{primary: primary, secondary: secondary, log: log}
}

func (f *Fallback) Allow(ctx context.Context, key string) (bool, error) {
	ok, err := f.primary.Allow(ctx, key)
	if err == nil {
		return ok, nil
	}
	f.log.Warn().Err(err).Msg("rate limiter degraded to local buckets")
	return f.secondary.Allow(ctx, key)
}

// Middleware rejects requests over the limit with 429. keyFunc returns the
// caller key; an empty key skips limiting. Limiter errors let the request
// through.
func Middleware(l Limiter, keyFunc func(*http.Request) string, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ok, err := l.Allow(r.Context(), key)
			if err != nil {
				log.Error().Err(err).Str("key", key).Msg("rate limit check failed")
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{"error": "too many requests, slow down"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"pesatrack.app/internal/audit"
	"pesatrack.app/internal/obs"
)

const (
	rateWindow     = time.Minute
	ipRequestLimit = 200
)

// endpointLimits caps per-endpoint request rates. Anything not listed gets
// the default. Limits apply per (client IP, endpoint) pair.
var endpointLimits = map[string]int{
	"/v1/auth/login":           5,
	"/v1/auth/register":        3,
	"/v1/auth/forgot-password": 3,
	"/v1/transactions/import":  10,
	"/v1/kra/file":             2,
	"/v1/reports/generate":     20,
}

const defaultEndpointLimit = 60

// WindowStore counts hits inside a sliding time window. Count returns how
// many hits the key had received before this one was added.
type WindowStore interface {
	Count(ctx context.Context, key string, window time.Duration) (int, error)
}

// RedisWindow implements the sliding window on a Redis sorted set: prune
// entries older than the window, count what remains, add the new hit.
type RedisWindow struct {
	client *redis.Client
}

func NewRedisWindow(client *redis.Client) *RedisWindow {
	return &RedisWindow{client: client}
}

func (s *RedisWindow) Count(ctx context.Context, key string, window time.Duration) (int, error) {
	now := time.Now()
	cutoff := now.Add(-window)

	pipe := s.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff.UnixNano(), 10))
	card := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.NewString(),
	})
	pipe.Expire(ctx, key, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("rate limit count: %w", err)
	}
	return int(card.Val()), nil
}

// MemoryWindow is the in-process fallback used when Redis is not
// configured. Suitable for a single instance only.
type MemoryWindow struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{hits: map[string][]time.Time{}}
}

func (s *MemoryWindow) Count(_ context.Context, key string, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-window)

	kept := s.hits[key][:0]
	for _, t := range s.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	count := len(kept)
	s.hits[key] = append(kept, now)

	if len(s.hits) > 100000 {
		for k, ts := range s.hits {
			if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
				delete(s.hits, k)
			}
		}
	}
	return count, nil
}

// RateLimiter enforces a global per-IP ceiling plus tighter per-endpoint
// limits on sensitive routes. When the backing store errors the request is
// let through: availability over strictness.
type RateLimiter struct {
	store  WindowStore
	audits *audit.Service
}

func NewRateLimiter(store WindowStore, audits *audit.Service) *RateLimiter {
	return &RateLimiter{store: store, audits: audits}
}

var rateLimitSkippedPaths = []string{"/healthz", "/readyz", "/metrics"}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range rateLimitSkippedPaths {
			if r.URL.Path == p {
				next.ServeHTTP(w, r)
				return
			}
		}

		ip := audit.ClientIP(r)
		reset := time.Now().Add(rateWindow).Unix()

		current, err := l.store.Count(r.Context(), "ratelimit:ip:"+ip, rateWindow)
		if err == nil && current >= ipRequestLimit {
			obs.RateLimited("ip")
			l.logExceeded(r, ip, "ip_rate_limit", ipRequestLimit, current)
			setRateLimitHeaders(w, ipRequestLimit, 0, reset)
			w.Header().Set("Retry-After", retryAfter(reset))
			writeErrorDetails(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED",
				"Too many requests from this IP address",
				map[string]any{"limit": ipRequestLimit, "window": "1 minute"})
			return
		}

		endpoint := obs.CanonicalPath(r.URL.Path)
		limit, ok := endpointLimits[endpoint]
		if !ok {
			limit = defaultEndpointLimit
		}
		key := "ratelimit:endpoint:" + ip + ":" + endpoint
		epCurrent, err := l.store.Count(r.Context(), key, rateWindow)
		if err == nil && epCurrent >= limit {
			obs.RateLimited("endpoint")
			l.logExceeded(r, ip, "endpoint_rate_limit", limit, epCurrent)
			setRateLimitHeaders(w, limit, 0, reset)
			w.Header().Set("Retry-After", retryAfter(reset))
			writeErrorDetails(w, http.StatusTooManyRequests, "ENDPOINT_RATE_LIMIT_EXCEEDED",
				fmt.Sprintf("Too many requests to %s", endpoint),
				map[string]any{"limit": limit, "window": "1 minute"})
			return
		}

		remaining := limit - epCurrent - 1
		if remaining < 0 {
			remaining = 0
		}
		setRateLimitHeaders(w, limit, remaining, reset)

		next.ServeHTTP(w, r)
	})
}

// setRateLimitHeaders writes the window headers on every limited endpoint
// response, 429s included (remaining is 0 there).
func setRateLimitHeaders(w http.ResponseWriter, limit, remaining int, reset int64) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
}

func (l *RateLimiter) logExceeded(r *http.Request, ip, kind string, limit, current int) {
	if l.audits == nil {
		return
	}
	l.audits.LogSecurityEvent(r.Context(), audit.EventRecord{
		EventType:   "rate_limit_exceeded",
		Severity:    audit.SeverityMedium,
		Description: fmt.Sprintf("%s exceeded for %s: %d/%d in the last minute", kind, ip, current, limit),
		Metadata: map[string]any{
			"limit_kind": kind,
			"limit":      limit,
			"current":    current,
			"endpoint":   r.URL.Path,
		},
		Request: audit.ContextFromRequest(r),
	})
}

// LimitedEndpoints lists the endpoints carrying non-default limits, for the
// security dashboard.
func LimitedEndpoints() map[string]int {
	out := make(map[string]int, len(endpointLimits))
	for k, v := range endpointLimits {
		out[k] = v
	}
	return out
}

package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"todo-service/internal/observability"
)

// IPLimitStore counts login requests per client ip. Implementations: the
// in-process MemoryIPLimits, Postgres (*Repository) and RedisIPLimits.
type IPLimitStore interface {
	AllowLoginIP(ctx context.Context, ip string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error)
}

// ThrottleObserver is told about every rejected login request.
type ThrottleObserver interface {
	RecordThrottled()
}

type LoginRateLimiter struct {
	store       IPLimitStore
	maxHits     int
	window      time.Duration
	trustedHops int
	logger      *observability.Logger
	observer    ThrottleObserver
}

func NewLoginRateLimiter(store IPLimitStore, maxHits int, window time.Duration) *LoginRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	if store == nil {
		store = NewMemoryIPLimits()
	}

	return &LoginRateLimiter{
		store:   store,
		maxHits: maxHits,
		window:  window,
	}
}

func (l *LoginRateLimiter) WithLogger(logger *observability.Logger) *LoginRateLimiter {
	l.logger = logger
	return l
}

// WithTrustedProxyHops keys requests on X-Forwarded-For when the service runs
// behind that many proxies. Zero keys on the peer address.
func (l *LoginRateLimiter) WithTrustedProxyHops(hops int) *LoginRateLimiter {
	l.trustedHops = hops
	return l
}

func (l *LoginRateLimiter) WithObserver(observer ThrottleObserver) *LoginRateLimiter {
	l.observer = observer
	return l
}

func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := observability.ForwardedClientIP(r, l.trustedHops)
		now := time.Now().UTC()

		allowed, retryAfter, err := l.store.AllowLoginIP(r.Context(), ip, l.maxHits, l.window, now)
		if err != nil {
			// Fail open; the per-username lockout still guards the accounts.
			if l.logger != nil {
				l.logger.Error("login_rate_limit_failed", map[string]any{"error": err.Error()})
			}
			observability.CaptureError(r.Context(), err)
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			if l.observer != nil {
				l.observer.RecordThrottled()
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// MemoryIPLimits is a per-process sliding window. It is the default when no
// shared backend is configured.
type MemoryIPLimits struct {
	mu        sync.Mutex
	hitByIP   map[string][]time.Time
	maxMemory int
}

func NewMemoryIPLimits() *MemoryIPLimits {
	return &MemoryIPLimits{
		hitByIP:   make(map[string][]time.Time),
		maxMemory: 5000,
	}
}

func (m *MemoryIPLimits) AllowLoginIP(_ context.Context, ip string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	threshold := now.Add(-window)

	m.mu.Lock()
	defer m.mu.Unlock()

	hits := m.hitByIP[ip]
	filtered := make([]time.Time, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.After(threshold) {
			filtered = append(filtered, hit)
		}
	}

	if len(filtered) >= maxHits {
		retryAfter := filtered[0].Add(window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		m.hitByIP[ip] = filtered
		return false, retryAfter, nil
	}

	filtered = append(filtered, now)
	m.hitByIP[ip] = filtered

	if len(m.hitByIP) > m.maxMemory {
		for key, value := range m.hitByIP {
			if len(value) == 0 || value[len(value)-1].Before(threshold) {
				delete(m.hitByIP, key)
			}
		}
	}

	return true, 0, nil
}

// RedisIPLimits is a fixed window shared by every instance.
type RedisIPLimits struct {
	client *redis.Client
	prefix string
}

func NewRedisIPLimits(client *redis.Client, prefix string) *RedisIPLimits {
	if prefix == "" {
		prefix = "auth:login_ip"
	}
	return &RedisIPLimits{client: client, prefix: prefix}
}

func (r *RedisIPLimits) AllowLoginIP(ctx context.Context, ip string, maxHits int, window time.Duration, _ time.Time) (bool, time.Duration, error) {
	key := fmt.Sprintf("%s:%s", r.prefix, ip)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("redis login ip limit: %w", err)
	}

	ttl := pttl.Val()
	if ttl < 0 {
		// First hit of a window, or a key that lost its expiry.
		if err := r.client.PExpire(ctx, key, window).Err(); err != nil {
			return false, 0, fmt.Errorf("redis login ip expire: %w", err)
		}
		ttl = window
	}

	if incr.Val() <= int64(maxHits) {
		return true, 0, nil
	}

	if ttl < time.Second {
		ttl = time.Second
	}
	return false, ttl, nil
}

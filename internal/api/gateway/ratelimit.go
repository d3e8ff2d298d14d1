// Package gateway provides API gateway functionality including rate
// limiting for the ingest and scoring endpoints.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter enforces a fixed per-minute request budget per client. The
// window counters live in redis so limits hold across replicas; a redis
// outage fails open rather than blocking ingestion.
type RateLimiter struct {
	redis  *redis.Client
	logger *zap.Logger
	config RateLimitConfig
}

// RateLimitConfig configures the rate limiter.
type RateLimitConfig struct {
	Enabled           bool                      `yaml:"enabled"`
	RequestsPerMinute int                       `yaml:"requests_per_minute"`
	Endpoints         map[string]EndpointLimits `yaml:"endpoints"`
	IncludeHeaders    bool                      `yaml:"include_headers"`
}

// EndpointLimits overrides the budget for a specific method+path.
type EndpointLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// NewRateLimiter creates a rate limiter.
func NewRateLimiter(redisClient *redis.Client, cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = 120
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = DefaultEndpointLimits()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		redis:  redisClient,
		logger: logger,
		config: cfg,
	}
}

// DefaultEndpointLimits returns per-endpoint budgets for the heavy routes.
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		"POST:/api/v1/ingest":       {RequestsPerMinute: 60},
		"POST:/api/v1/ingest/batch": {RequestsPerMinute: 10},
		"GET:/api/v1/snapshot":      {RequestsPerMinute: 6},
	}
}

var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// Check performs a rate limit check for one request.
func (rl *RateLimiter) Check(ctx context.Context, clientID, endpoint, method string) (*RateLimitResult, error) {
	limit := rl.config.RequestsPerMinute
	if ep, ok := rl.config.Endpoints[method+":"+endpoint]; ok && ep.RequestsPerMinute > 0 {
		limit = ep.RequestsPerMinute
	}

	key := fmt.Sprintf("convergence:ratelimit:%s:%s:minute", clientID, endpoint)
	now := time.Now()

	count, err := incrScript.Run(ctx, rl.redis, []string{key}, 60000).Int()
	if err != nil {
		rl.logger.Warn("rate limit check failed, allowing request", zap.Error(err))
		return &RateLimitResult{Allowed: true, Limit: limit}, nil
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	ttl, _ := rl.redis.TTL(ctx, key).Result()
	result := &RateLimitResult{
		Allowed:   count <= limit,
		Remaining: remaining,
		Limit:     limit,
		ResetAt:   now.Add(ttl),
	}
	if !result.Allowed {
		result.RetryAfter = ttl
	}
	return result, nil
}

// Middleware returns an HTTP middleware enforcing the limits. With the
// limiter disabled or no redis client configured it is a pass-through.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.config.Enabled || rl.redis == nil {
				next.ServeHTTP(w, r)
				return
			}

			result, err := rl.Check(r.Context(), getClientIP(r), r.URL.Path, r.Method)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate_limit_exceeded","retry_after":%d}`,
					int(result.RetryAfter.Seconds()))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Key patterns:
// - ratelimit:{ip}:login - per-window login attempts
// - ratelimit:{user_id}:claim - per-window one-time key claims

type RateLimitConfig struct {
	LoginLimit  int
	LoginWindow time.Duration
	ClaimLimit  int
	ClaimWindow time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		LoginLimit:  5,
		LoginWindow: 60 * time.Second,
		ClaimLimit:  30,
		ClaimWindow: 60 * time.Second,
	}
}

type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
	Limit     int
}

// RateLimiter counts actions in fixed windows. Claims are limited because
// each one burns a peer's one-time key.
type RateLimiter struct {
	client *goredis.Client
	config RateLimitConfig
}

func NewRateLimiter(client *goredis.Client, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{client: client, config: config}
}

func (r *RateLimiter) AllowLogin(ctx context.Context, ip string) (*RateLimitResult, error) {
	return r.checkLimit(ctx, fmt.Sprintf("ratelimit:%s:login", ip), r.config.LoginLimit, r.config.LoginWindow)
}

func (r *RateLimiter) AllowClaim(ctx context.Context, userID string) (*RateLimitResult, error) {
	return r.checkLimit(ctx, fmt.Sprintf("ratelimit:%s:claim", userID), r.config.ClaimLimit, r.config.ClaimWindow)
}

var limitScript = goredis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])

	local current = tonumber(redis.call('GET', key) or '0')
	local ttl = redis.call('TTL', key)
	if ttl < 0 then
		ttl = window
	end

	if current < limit then
		redis.call('INCR', key)
		if ttl == window then
			redis.call('EXPIRE', key, window)
		end
		return {1, limit - current - 1, ttl}
	end
	return {0, 0, ttl}
`)

func (r *RateLimiter) checkLimit(ctx context.Context, key string, limit int, window time.Duration) (*RateLimitResult, error) {
	result, err := limitScript.Run(ctx, r.client, []string{key}, limit, int(window.Seconds())).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(result) < 3 {
		return nil, fmt.Errorf("unexpected rate limit result format")
	}
	return &RateLimitResult{
		Allowed:   result[0] == 1,
		Remaining: int(result[1]),
		ResetIn:   time.Duration(result[2]) * time.Second,
		Limit:     limit,
	}, nil
}

package httpx

import (
	"context"
	"sync"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"

	"github.com/Neuxbane/Docker/pkg/config"
)

const (
	redisOpTimeout     = 250 * time.Millisecond
	redisFailureLimit  = 3
	redisDegradePeriod = 30 * time.Second
)

// redisRateLimiter shares rate windows across control-plane replicas.
// Counters are keyed per route and client so one chatty endpoint cannot
// exhaust another's budget. After a few consecutive Redis failures the
// limiter fails open for a cooldown instead of stalling every request.
type redisRateLimiter struct {
	client *redis.Client
	logger *slog.Logger
	prefix string

	mu            sync.Mutex
	failures      int
	degradedUntil time.Time
}

// NewRedisRateLimiter connects the limiter using the server's rate-limit
// Redis settings.
func NewRedisRateLimiter(cfg config.ServerConfig, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RateLimitRedisAddr,
		Password: cfg.RateLimitRedisPass,
		DB:       cfg.RateLimitRedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	if logger != nil {
		logger = logger.With("component", "ratelimit")
	}
	return &redisRateLimiter{
		client: client,
		logger: logger,
		prefix: "dockhand:rl:",
	}, nil
}

func (rl *redisRateLimiter) Allow(route, key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	if rl.isDegraded() {
		return rateDecision{allowed: true}
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	redisKey := rl.prefix + route + ":" + key
	var incr *redis.IntCmd
	_, err := rl.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		// NX keeps the window anchored at the first hit
		pipe.ExpireNX(ctx, redisKey, window)
		return nil
	})
	if err != nil {
		rl.recordFailure(err)
		return rateDecision{allowed: true}
	}
	rl.recordSuccess()

	count := int(incr.Val())
	return rateDecision{
		allowed:   count <= limit,
		count:     count,
		windowEnd: time.Now().Add(window),
	}
}

func (rl *redisRateLimiter) Close() {
	if rl.client != nil {
		_ = rl.client.Close()
	}
}

func (rl *redisRateLimiter) isDegraded() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return time.Now().Before(rl.degradedUntil)
}

func (rl *redisRateLimiter) recordFailure(err error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.failures++
	if rl.failures < redisFailureLimit {
		rl.logger.Error("redis rate limiter error", "error", err)
		return
	}
	rl.failures = 0
	rl.degradedUntil = time.Now().Add(redisDegradePeriod)
	rl.logger.Warn("redis rate limiter failing open",
		"error", err, "cooldown", redisDegradePeriod)
}

func (rl *redisRateLimiter) recordSuccess() {
	rl.mu.Lock()
	rl.failures = 0
	rl.mu.Unlock()
}

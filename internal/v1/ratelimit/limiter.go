// Package ratelimit throttles presence:join and presence:heartbeat requests
// at the transport boundary, protecting the backing store from thundering-herd
// heartbeats. It is ambient transport-layer middleware, not part of the
// presence service itself.
package ratelimit

import (
	"context"
	"fmt"

	"github.com/outpostlabs/presence-fabric/internal/v1/config"
	"github.com/outpostlabs/presence-fabric/internal/v1/logging"
	"github.com/outpostlabs/presence-fabric/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// RateLimiter holds the per-IP and per-user limiter instances used to
// throttle join/heartbeat traffic on a socket.
type RateLimiter struct {
	wsIP        *limiter.Limiter
	wsUser      *limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
}

// NewRateLimiter builds a RateLimiter backed by redisClient, or by an
// in-process memory store when redisClient is nil (single-node/dev mode).
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid ws IP rate: %w", err)
	}

	wsUserRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsUser)
	if err != nil {
		return nil, fmt.Errorf("invalid ws user rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "presence:limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis limiter store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using in-process memory store")
	}

	return &RateLimiter{
		wsIP:        limiter.New(store, wsIPRate),
		wsUser:      limiter.New(store, wsUserRate),
		store:       store,
		redisClient: redisClient,
	}, nil
}

// CheckIP enforces the per-IP limit for join/heartbeat requests arriving on
// a socket. Fails open (allows the request) if the limiter store itself is
// unreachable, since a down limiter must never block presence traffic.
func (rl *RateLimiter) CheckIP(ctx context.Context, operation, ip string) bool {
	lc, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed (ip)", zap.Error(err))
		return true
	}
	if lc.Reached {
		metrics.RateLimitExceeded.WithLabelValues(operation, "ip").Inc()
		return false
	}
	return true
}

// CheckUser enforces the per-user limit for join/heartbeat requests.
func (rl *RateLimiter) CheckUser(ctx context.Context, operation, userID string) bool {
	lc, err := rl.wsUser.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed (user)", zap.Error(err))
		return true
	}
	if lc.Reached {
		metrics.RateLimitExceeded.WithLabelValues(operation, "user").Inc()
		return false
	}
	return true
}

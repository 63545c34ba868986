package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/outpostlabs/presence-fabric/internal/v1/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{
		RateLimitWsIP:   "5-M",
		RateLimitWsUser: "5-M",
	}

	rl, err := NewRateLimiter(cfg, rc)
	require.NoError(t, err)

	return rl, mr
}

func TestNewRateLimiter_MemoryFallback(t *testing.T) {
	cfg := &config.Config{
		RateLimitWsIP:   "5-M",
		RateLimitWsUser: "5-M",
	}
	rl, err := NewRateLimiter(cfg, nil)
	assert.NoError(t, err)
	assert.NotNil(t, rl)
	assert.Nil(t, rl.redisClient)
}

func TestNewRateLimiter_InvalidRate(t *testing.T) {
	cfg := &config.Config{
		RateLimitWsIP:   "not-a-rate",
		RateLimitWsUser: "5-M",
	}
	_, err := NewRateLimiter(cfg, nil)
	assert.Error(t, err)
}

func TestCheckIP_ThrottlesAfterLimit(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		assert.True(t, rl.CheckIP(ctx, "join", "10.0.0.1"))
	}
	assert.False(t, rl.CheckIP(ctx, "join", "10.0.0.1"))

	// a distinct IP has its own budget
	assert.True(t, rl.CheckIP(ctx, "join", "10.0.0.2"))
}

func TestCheckUser_ThrottlesAfterLimit(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		assert.True(t, rl.CheckUser(ctx, "heartbeat", "user-1"))
	}
	assert.False(t, rl.CheckUser(ctx, "heartbeat", "user-1"))
}

func TestCheckIP_FailsOpenWhenStoreDown(t *testing.T) {
	rl, mr := newTestLimiter(t)
	mr.Close()

	ctx := context.Background()
	assert.True(t, rl.CheckIP(ctx, "join", "10.0.0.1"))
}

// Package store exposes typed primitives over the backing key-value store
// (hashes, sets, sorted sets, pub/sub, and a generic atomic scripted-eval
// unit) that the presence service builds its join/heartbeat/leave semantics
// on top of. Every call except Subscribe is circuit-broken against store
// outages and degrades gracefully rather than crashing its caller.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/outpostlabs/presence-fabric/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// ErrUnavailable wraps any failure caused by the backing store being
// unreachable or by the circuit breaker shedding load, per spec §4.1
// ("All operations fail with StoreUnavailable on connectivity loss").
var ErrUnavailable = errors.New("store: unavailable")

// Client wraps a redis connection with circuit breaking and metrics. It
// implements the Store Client primitives named in spec §4.1.
type Client struct {
	rdb *redis.Client
	cb  *gobreaker.CircuitBreaker
}

// RawClient exposes the underlying redis client, for components (rate
// limiter store driver) that need a raw connection rather than the typed
// primitives here.
func (c *Client) RawClient() *redis.Client {
	if c == nil {
		return nil
	}
	return c.rdb
}

// NewClient dials the backing store and verifies connectivity immediately.
func NewClient(addr, password string) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to backing store: %w", err)
	}

	settings := gobreaker.Settings{
		Name:        "store",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("store").Set(stateVal)
		},
	}

	slog.Info("connected to backing store", "addr", addr)
	return &Client{rdb: rdb, cb: gobreaker.NewCircuitBreaker(settings)}, nil
}

// NewClientFromRedis wraps an already-constructed redis client (used by
// tests against miniredis, and by callers that need custom redis.Options).
func NewClientFromRedis(rdb *redis.Client) *Client {
	settings := gobreaker.Settings{
		Name:        "store",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("store").Set(stateVal)
		},
	}
	return &Client{rdb: rdb, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// Ping verifies store connectivity; used by readiness checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.execute(ctx, "ping", func() (any, error) {
		return nil, c.rdb.Ping(ctx).Err()
	})
}

// execute runs fn through the circuit breaker, translating a tripped
// breaker into ErrUnavailable and recording metrics for both outcomes.
func (c *Client) execute(ctx context.Context, op string, fn func() (any, error)) error {
	_, err := c.executeVal(ctx, op, fn)
	return err
}

func (c *Client) executeVal(ctx context.Context, op string, fn func() (any, error)) (any, error) {
	start := time.Now()
	res, err := c.cb.Execute(fn)
	metrics.StoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		breakerRejected := errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
		var netErr net.Error
		if breakerRejected || errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, redis.ErrClosed) {
			if breakerRejected {
				metrics.CircuitBreakerRejections.WithLabelValues("store").Inc()
			}
			metrics.StoreOperationsTotal.WithLabelValues(op, "unavailable").Inc()
			return nil, ErrUnavailable
		}
		metrics.StoreOperationsTotal.WithLabelValues(op, "error").Inc()
		return nil, fmt.Errorf("store %s failed: %w", op, err)
	}
	metrics.StoreOperationsTotal.WithLabelValues(op, "success").Inc()
	return res, nil
}

// HashGetAll reads every field of a hash key.
func (c *Client) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := c.executeVal(ctx, "hash_get_all", func() (any, error) {
		return c.rdb.HGetAll(ctx, key).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string]string), nil
}

// HashGetField reads a single hash field.
func (c *Client) HashGetField(ctx context.Context, key, field string) (string, error) {
	res, err := c.executeVal(ctx, "hash_get_field", func() (any, error) {
		v, err := c.rdb.HGet(ctx, key, field).Result()
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return v, err
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// HashSetMulti writes several fields of a hash key in one round trip.
func (c *Client) HashSetMulti(ctx context.Context, key string, fields map[string]any) error {
	return c.execute(ctx, "hash_set_multi", func() (any, error) {
		return nil, c.rdb.HSet(ctx, key, fields).Err()
	})
}

// HashDelFields removes fields from a hash key.
func (c *Client) HashDelFields(ctx context.Context, key string, fields ...string) error {
	return c.execute(ctx, "hash_del_fields", func() (any, error) {
		return nil, c.rdb.HDel(ctx, key, fields...).Err()
	})
}

// SetAdd adds a member to a set.
func (c *Client) SetAdd(ctx context.Context, key, member string) error {
	return c.execute(ctx, "set_add", func() (any, error) {
		return nil, c.rdb.SAdd(ctx, key, member).Err()
	})
}

// SetRem removes a member from a set.
func (c *Client) SetRem(ctx context.Context, key, member string) error {
	return c.execute(ctx, "set_rem", func() (any, error) {
		return nil, c.rdb.SRem(ctx, key, member).Err()
	})
}

// SetMembers lists every member of a set.
func (c *Client) SetMembers(ctx context.Context, key string) ([]string, error) {
	res, err := c.executeVal(ctx, "set_members", func() (any, error) {
		return c.rdb.SMembers(ctx, key).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

// SortedAdd inserts or updates a member's score in a sorted set.
func (c *Client) SortedAdd(ctx context.Context, key string, score float64, member string) error {
	return c.execute(ctx, "sorted_add", func() (any, error) {
		return nil, c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

// SortedRangeByScore returns members scored within [min, max].
func (c *Client) SortedRangeByScore(ctx context.Context, key, min, max string) ([]string, error) {
	res, err := c.executeVal(ctx, "sorted_range_by_score", func() (any, error) {
		return c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

// SortedRem removes a member from a sorted set.
func (c *Client) SortedRem(ctx context.Context, key, member string) error {
	return c.execute(ctx, "sorted_rem", func() (any, error) {
		return nil, c.rdb.ZRem(ctx, key, member).Err()
	})
}

// KeyExpire sets an expiry on a key.
func (c *Client) KeyExpire(ctx context.Context, key string, ttl time.Duration) error {
	return c.execute(ctx, "key_expire", func() (any, error) {
		return nil, c.rdb.Expire(ctx, key, ttl).Err()
	})
}

// Publish broadcasts a message on a channel.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.execute(ctx, "publish", func() (any, error) {
		return nil, c.rdb.Publish(ctx, channel, payload).Err()
	})
}

// Subscribe opens a pattern subscription. Not circuit-broken: subscriptions
// are long-lived and the caller owns reconnection/backoff.
func (c *Client) Subscribe(ctx context.Context, pattern string) *redis.PubSub {
	return c.rdb.PSubscribe(ctx, pattern)
}

// Eval runs a Lua script as a single atomic unit against the backing store.
// This is the generic multi-key primitive required by spec §4.2.5; the
// presence service supplies the script bodies (scripts.go) and owns their
// domain semantics.
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	return c.executeVal(ctx, "eval", func() (any, error) {
		return c.rdb.Eval(ctx, script, keys, args...).Result()
	})
}

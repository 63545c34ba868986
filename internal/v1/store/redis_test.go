package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewClientFromRedis(rdb), mr
}

func TestPing(t *testing.T) {
	c, mr := newTestClient(t)
	defer mr.Close()

	assert.NoError(t, c.Ping(context.Background()))
}

func TestHashRoundTrip(t *testing.T) {
	c, mr := newTestClient(t)
	defer mr.Close()
	ctx := context.Background()

	err := c.HashSetMulti(ctx, "h1", map[string]any{"a": "1", "b": "2"})
	require.NoError(t, err)

	all, err := c.HashGetAll(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, all)

	v, err := c.HashGetField(ctx, "h1", "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	require.NoError(t, c.HashDelFields(ctx, "h1", "a"))
	all, err = c.HashGetAll(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"b": "2"}, all)
}

func TestHashGetField_MissingKey(t *testing.T) {
	c, mr := newTestClient(t)
	defer mr.Close()

	v, err := c.HashGetField(context.Background(), "nope", "field")
	require.NoError(t, err)
	assert.Equal(t, "", v)
}

func TestSetRoundTrip(t *testing.T) {
	c, mr := newTestClient(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, c.SetAdd(ctx, "s1", "m1"))
	require.NoError(t, c.SetAdd(ctx, "s1", "m2"))

	members, err := c.SetMembers(ctx, "s1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m2"}, members)

	require.NoError(t, c.SetRem(ctx, "s1", "m1"))
	members, err = c.SetMembers(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, members)
}

func TestSortedSetRoundTrip(t *testing.T) {
	c, mr := newTestClient(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, c.SortedAdd(ctx, "z1", 10, "a"))
	require.NoError(t, c.SortedAdd(ctx, "z1", 20, "b"))
	require.NoError(t, c.SortedAdd(ctx, "z1", 30, "c"))

	members, err := c.SortedRangeByScore(ctx, "z1", "-inf", "15")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, members)

	require.NoError(t, c.SortedRem(ctx, "z1", "a"))
	members, err = c.SortedRangeByScore(ctx, "z1", "-inf", "+inf")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, members)
}

func TestKeyExpire(t *testing.T) {
	c, mr := newTestClient(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, c.HashSetMulti(ctx, "h1", map[string]any{"a": "1"}))
	require.NoError(t, c.KeyExpire(ctx, "h1", 50*time.Millisecond))

	mr.FastForward(100 * time.Millisecond)

	all, err := c.HashGetAll(ctx, "h1")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestPublishSubscribe(t *testing.T) {
	c, mr := newTestClient(t)
	defer mr.Close()
	ctx := context.Background()

	sub := c.Subscribe(ctx, "prs:*:events")
	defer sub.Close()

	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Publish(ctx, "prs:room:R1:events", []byte(`{"type":"join"}`)))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, `{"type":"join"}`, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestEval_SetThenGetInOneScript(t *testing.T) {
	c, mr := newTestClient(t)
	defer mr.Close()
	ctx := context.Background()

	script := `redis.call("SET", KEYS[1], ARGV[1]); return redis.call("GET", KEYS[1])`
	res, err := c.Eval(ctx, script, []string{"counter"}, "42")
	require.NoError(t, err)
	assert.Equal(t, "42", res)
}

func TestPing_UnavailableAfterClose(t *testing.T) {
	c, mr := newTestClient(t)
	mr.Close()

	err := c.Ping(context.Background())
	assert.Error(t, err)
}

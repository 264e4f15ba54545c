package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestAllow_WithinAndOverLimit(t *testing.T) {
	client := testClient(t)
	l := NewLimiter(client, zaptest.NewLogger(t))
	ctx := context.Background()

	rule := Rule{Key: "rl:test:", Limit: 3, Window: 5 * time.Second}
	id := uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, rule.Key+id) })

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, id, rule)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be allowed", i+1)
	}

	ok, err := l.Allow(ctx, id, rule)
	require.NoError(t, err)
	assert.False(t, ok)

	ttl, err := client.TTL(ctx, rule.Key+id).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestAllow_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	l := NewLimiter(client, zaptest.NewLogger(t))

	ok, err := l.Allow(context.Background(), "anyone", RuleFrame)
	assert.Error(t, err)
	assert.True(t, ok)
}

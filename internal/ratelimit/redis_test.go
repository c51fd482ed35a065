package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus-ops/nucleus/internal/testutil"
)

func TestRedisLimiter(t *testing.T) {
	if testing.Short() {
		t.Skip("redis container test")
	}
	tc, err := testutil.StartRedis()
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	defer tc.Terminate()

	opts, err := redis.ParseURL(tc.DSN)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	l := NewRedisLimiter(client, 3, time.Minute)
	key := fmt.Sprintf("tenant-%d", time.Now().UnixNano())

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i+1)
	}
	ok, err := l.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := l.Allow(ctx, key+"-other")
	require.NoError(t, err)
	assert.True(t, other)
}

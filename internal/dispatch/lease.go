package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease guarantees at most one loop per run across instances. Acquire
// reports ok=false when another holder owns the run.
type Lease interface {
	Acquire(ctx context.Context, runID uuid.UUID, ttl time.Duration) (release func(), ok bool, err error)
}

// releaseScript deletes the key only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease implements Lease with SET NX PX.
type RedisLease struct {
	client *redis.Client
	prefix string
}

// NewRedisLease creates a lease backed by client.
func NewRedisLease(client *redis.Client) *RedisLease {
	return &RedisLease{client: client, prefix: "nucleus:run-lease:"}
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("dispatch: parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Acquire takes the lease for runID.
func (l *RedisLease) Acquire(ctx context.Context, runID uuid.UUID, ttl time.Duration) (func(), bool, error) {
	key := l.prefix + runID.String()
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("dispatch: redis setnx: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}

// Ping checks connectivity.
func (l *RedisLease) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

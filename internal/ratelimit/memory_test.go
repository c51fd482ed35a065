package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := NewMemoryLimiter(rate, burst)
	m.now = clock.Now
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, clock
}

func allowN(m *MemoryLimiter, key string, n int) int {
	allowed := 0
	for i := 0; i < n; i++ {
		if ok, _ := m.Allow(context.Background(), key); ok {
			allowed++
		}
	}
	return allowed
}

func TestMemoryLimiter_Burst(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 5)
	assert.Equal(t, 5, allowN(m, "tenant:acme", 10))
}

func TestMemoryLimiter_Refill(t *testing.T) {
	m, clock := newTestLimiter(t, 2, 2)
	assert.Equal(t, 2, allowN(m, "k", 3))

	clock.Advance(500 * time.Millisecond)
	assert.Equal(t, 1, allowN(m, "k", 2))

	clock.Advance(time.Hour)
	assert.Equal(t, 2, allowN(m, "k", 5), "tokens cap at burst")
}

func TestMemoryLimiter_IndependentKeys(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 1)
	assert.Equal(t, 1, allowN(m, "a", 2))
	assert.Equal(t, 1, allowN(m, "b", 2))
}

func TestMemoryLimiter_Concurrent(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 50)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := allowN(m, "shared", 10)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, total)
}

func TestMemoryLimiter_Sweep(t *testing.T) {
	m, clock := newTestLimiter(t, 1, 1)
	allowN(m, "old", 1)
	clock.Advance(staleAfter + time.Second)
	allowN(m, "fresh", 1)

	m.sweep()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "old")
	assert.Contains(t, m.buckets, "fresh")
}

func TestMemoryLimiter_CloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiter(t *testing.T) {
	var l NoopLimiter
	for i := 0; i < 100; i++ {
		ok, err := l.Allow(context.Background(), "x")
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.NoError(t, l.Close())
}

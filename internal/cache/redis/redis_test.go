package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/proposalbond/internal/domain"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "lock:bond:0x01", lockKey("bond:0x01"))
	assert.Equal(t, "ratelimit:api:10.0.0.1", rateLimitKey("api:10.0.0.1"))
	assert.True(t, hasPattern("ch:*"))
	assert.False(t, hasPattern("ch:bond"))
}

// newTestClient connects to BONDD_TEST_REDIS_ADDR. The test is skipped when
// the variable is unset.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("BONDD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BONDD_TEST_REDIS_ADDR not set")
	}
	c, err := New(context.Background(), ClientConfig{Addr: addr, StreamMaxLen: 100})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLockManager(t *testing.T) {
	c := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()
	key := "bond:" + uuid.NewString()

	unlock, err := lm.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, key, 5*time.Second)
	assert.True(t, errors.Is(err, domain.ErrLockHeld))

	unlock()
	unlock()

	again, err := lm.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	again()
}

func TestRateLimiter(t *testing.T) {
	c := newTestClient(t)
	rl := NewRateLimiter(c)
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// The window slides past the earlier requests.
	rl.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	ok, err = rl.Allow(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rl.Allow(ctx, key, 0, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignalBusStreamAndPubSub(t *testing.T) {
	c := newTestClient(t)
	bus := NewSignalBus(c)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream := "stream:test:" + uuid.NewString()
	t.Cleanup(func() { c.Underlying().Del(context.Background(), stream) })
	require.NoError(t, bus.StreamAppend(ctx, stream, []byte("one")))
	require.NoError(t, bus.StreamAppend(ctx, stream, []byte("two")))

	msgs, err := bus.StreamRead(ctx, stream, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("one"), msgs[0].Payload)

	rest, err := bus.StreamRead(ctx, stream, msgs[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, []byte("two"), rest[0].Payload)

	channel := "ch:test:" + uuid.NewString()
	sub, err := bus.Subscribe(ctx, channel)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, channel, []byte("hello")))
	select {
	case got := <-sub:
		assert.Equal(t, []byte("hello"), got)
	case <-ctx.Done():
		t.Fatal("no message received")
	}
}

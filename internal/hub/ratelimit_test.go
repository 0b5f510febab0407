package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_ImmediateBurst(t *testing.T) {
	rl := NewRateLimiter(5, 60.0)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, rl.Wait(ctx), "burst token %d", i)
	}
}

func TestRateLimiter_WaitsAfterBurst(t *testing.T) {
	rl := NewRateLimiter(1, 600.0) // 10/sec refill

	ctx := context.Background()
	require.NoError(t, rl.Wait(ctx))

	start := time.Now()
	require.NoError(t, rl.Wait(ctx))

	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRateLimiter_CancelledContext(t *testing.T) {
	rl := NewRateLimiter(1, 1.0)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, rl.Wait(ctx))

	cancel()

	assert.ErrorIs(t, rl.Wait(ctx), context.Canceled)
}

func TestChatLimiters_PerChat(t *testing.T) {
	l := newChatLimiters(1, 1.0)

	assert.Same(t, l.get("a"), l.get("a"))
	assert.NotSame(t, l.get("a"), l.get("b"))
}

func TestRateLimiter_RefillIsCapped(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	rl := newRateLimiter(2, 60, func() time.Time { return clock })

	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())

	clock = clock.Add(time.Second)
	assert.True(t, rl.Allow(), "one token per second at 60/min")
	assert.False(t, rl.Allow())

	clock = clock.Add(time.Hour)
	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow(), "idle time never refills past the burst")
}

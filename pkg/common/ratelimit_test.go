package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_UnlimitedDoesNotBlock(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for range 100 {
		require.NoError(t, rl.Wait(ctx))
	}
}

func TestRateLimiter_WaitHonoursCancellation(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0.001, 1)
	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, rl.Wait(ctx))
}

func TestRateLimiter_UpdateLimits(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0.001, 1)
	require.NoError(t, rl.Wait(context.Background()))

	rl.UpdateLimits(1000, 10)
	rps, burst := rl.Limits()
	assert.Equal(t, 1000.0, rps)
	assert.Equal(t, 10, burst)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, rl.Wait(ctx))
}

func TestRateLimiter_UpdateLimitsKeepsBurstPositive(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(5, 5)
	rl.UpdateLimits(2, 0)
	rps, burst := rl.Limits()
	assert.Equal(t, 2.0, rps)
	assert.Equal(t, 1, burst)
}

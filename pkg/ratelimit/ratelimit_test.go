package ratelimit_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/baseliner/baseliner/pkg/ratelimit"
)

func TestMemoryStore_AllowsUpToBurstThenDenies(t *testing.T) {
	store := ratelimit.NewMemoryStore()
	policy := ratelimit.Policy{PerMinute: 60, Burst: 2}

	ok1, err := store.Allow(context.Background(), "dev-1", policy)
	require.NoError(t, err)
	require.True(t, ok1)

	ok2, err := store.Allow(context.Background(), "dev-1", policy)
	require.NoError(t, err)
	require.True(t, ok2)

	ok3, err := store.Allow(context.Background(), "dev-1", policy)
	require.NoError(t, err)
	require.False(t, ok3)
}

func TestMemoryStore_KeysAreIndependent(t *testing.T) {
	store := ratelimit.NewMemoryStore()
	policy := ratelimit.Policy{PerMinute: 60, Burst: 1}

	ok1, _ := store.Allow(context.Background(), "dev-1", policy)
	ok2, _ := store.Allow(context.Background(), "dev-2", policy)
	require.True(t, ok1)
	require.True(t, ok2)
}

func TestLimiter_PrefersDeviceIDOverIP(t *testing.T) {
	store := ratelimit.NewMemoryStore()
	limiter := ratelimit.New(store, ratelimit.Policy{PerMinute: 60, Burst: 1}, ratelimit.Policy{PerMinute: 60, Burst: 1})

	allowed, _, err := limiter.Allow(context.Background(), "dev-1", "203.0.113.1")
	require.NoError(t, err)
	require.True(t, allowed)

	// Same device id exhausts its own bucket regardless of IP changing.
	allowed, retryAfter, err := limiter.Allow(context.Background(), "dev-1", "203.0.113.2")
	require.NoError(t, err)
	require.False(t, allowed)
	require.Positive(t, retryAfter)
}

func TestLimiter_FallsBackToIPWhenNoDevice(t *testing.T) {
	store := ratelimit.NewMemoryStore()
	limiter := ratelimit.New(store, ratelimit.Policy{PerMinute: 60, Burst: 1}, ratelimit.Policy{PerMinute: 60, Burst: 1})

	allowed, _, err := limiter.Allow(context.Background(), "", "203.0.113.1")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = limiter.Allow(context.Background(), "", "203.0.113.1")
	require.NoError(t, err)
	require.False(t, allowed)
}

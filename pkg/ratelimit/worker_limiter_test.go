package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_AllowIsPerKey(t *testing.T) {
	r := NewRegistry(&Config{RequestsPerSecond: 0.001, BurstSize: 2})

	assert.True(t, r.Allow("account:a"))
	assert.True(t, r.Allow("account:a"))
	assert.False(t, r.Allow("account:a"))

	assert.True(t, r.Allow("account:b"))
	assert.Equal(t, 2, r.Len())

	r.Forget("account:a")
	assert.True(t, r.Allow("account:a"))
}

func TestRegistry_DisabledAndNil(t *testing.T) {
	r := NewRegistry(&Config{RequestsPerSecond: 0})
	for range 10 {
		assert.True(t, r.Allow("k"))
	}
	assert.NoError(t, r.Wait(context.Background(), "k", 100))
	assert.Zero(t, r.Len())

	var nilRegistry *Registry
	assert.True(t, nilRegistry.Allow("k"))
	assert.NoError(t, nilRegistry.Wait(context.Background(), "k", 1))
}

func TestRegistry_WaitSplitsLargeRequests(t *testing.T) {
	r := NewRegistry(&Config{RequestsPerSecond: 1000, BurstSize: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx, "k", 7))
}

func TestRegistry_WaitHonoursContext(t *testing.T) {
	r := NewRegistry(&Config{RequestsPerSecond: 0.001, BurstSize: 1})
	require.True(t, r.Allow("k"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, r.Wait(ctx, "k", 1))
}

func TestRegistry_EvictsIdleLimiters(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRegistry(&Config{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	r.now = func() time.Time { return now }

	r.Allow("old")
	now = now.Add(2 * time.Minute)
	r.Allow("new")

	assert.Equal(t, 1, r.Len())
}

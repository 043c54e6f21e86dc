package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lkozma/debridgate/scheduler"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	saved, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, saved)

	cfg := scheduler.ServiceConfig{
		MaxRequestsPerMinute: 120,
		MaxConcurrent:        4,
		RetryAttempts:        2,
		BackoffMultiplier:    1.5,
		JitterRange:          0.1,
		BurstSize:            8,
	}
	require.NoError(t, s.Save(ctx, scheduler.ServiceRealDebrid, cfg))

	saved, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg, saved[scheduler.ServiceRealDebrid])

	require.NoError(t, s.Delete(ctx, scheduler.ServiceRealDebrid))
	saved, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, saved)
}

func TestMemoryStoreLoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	require.NoError(t, s.Save(ctx, "test", scheduler.ServiceConfig{MaxConcurrent: 1}))

	first, err := s.Load(ctx)
	require.NoError(t, err)
	first["test"] = scheduler.ServiceConfig{MaxConcurrent: 99}

	second, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, second["test"].MaxConcurrent)
}

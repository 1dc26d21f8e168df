package lru

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottleStore_Expires(t *testing.T) {
	t.Parallel()

	s := NewThrottleStore(10, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, s.Mark(ctx, "k", time.Hour))
	seen, err := s.Seen(ctx, "k")
	require.NoError(t, err)
	assert.True(t, seen)

	assert.Eventually(t, func() bool {
		seen, _ := s.Seen(ctx, "k")
		return !seen
	}, 5*time.Second, 10*time.Millisecond)
}

func TestThrottleStore_Bounded(t *testing.T) {
	t.Parallel()

	s := NewThrottleStore(3, time.Minute)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Mark(ctx, fmt.Sprintf("k%d", i), time.Minute))
	}

	assert.Equal(t, 3, s.Len())
	seen, _ := s.Seen(ctx, "k0")
	assert.False(t, seen, "oldest flag evicted")
	seen, _ = s.Seen(ctx, "k4")
	assert.True(t, seen)
}

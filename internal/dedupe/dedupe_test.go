package dedupe

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreFirstDeliveryWins(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	seen, err := store.Seen(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = store.Seen(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = store.Seen(ctx, "evt-2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMemoryStoreForgetReleasesClaim(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	seen, err := store.Seen(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	// After Forget the id counts as new again, so a provider retry of a
	// delivery whose processing failed is not suppressed.
	require.NoError(t, store.Forget(ctx, "evt-1"))
	seen, err = store.Seen(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = store.Seen(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, seen)

	// Forgetting an unknown id is a no-op.
	require.NoError(t, store.Forget(ctx, "evt-unknown"))
}

func TestMemoryStoreExpiresEntries(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	seen, err := store.Seen(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	now = now.Add(30 * time.Second)
	seen, err = store.Seen(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, seen)

	// Past the retention window the id counts as new again.
	now = now.Add(2 * time.Minute)
	seen, err = store.Seen(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMemoryStoreConcurrentSameID(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	const workers = 50
	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen, err := store.Seen(ctx, "evt-races")
			require.NoError(t, err)
			if !seen {
				firsts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), firsts.Load())
}

func TestMemoryStorePruneKeepsLiveEntries(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		_, err := store.Seen(ctx, fmt.Sprintf("old-%d", i))
		require.NoError(t, err)
	}

	now = now.Add(2 * time.Minute)
	seen, err := store.Seen(ctx, "fresh")
	require.NoError(t, err)
	assert.False(t, seen)

	// The fresh entry survives sweeps triggered by later lookups.
	for i := 0; i < 10; i++ {
		_, err := store.Seen(ctx, fmt.Sprintf("later-%d", i))
		require.NoError(t, err)
	}
	seen, err = store.Seen(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, seen)
}

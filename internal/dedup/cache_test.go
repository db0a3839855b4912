package dedup

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmit_SecondCallRejected(t *testing.T) {
	c, err := New(10)
	require.NoError(t, err)
	ctx := context.Background()

	require.True(t, c.Admit(ctx, "wamid.1"))
	require.False(t, c.Admit(ctx, "wamid.1"))
	require.False(t, c.Admit(ctx, "wamid.1"))
}

func TestAdmit_EmptyIDAlwaysNew(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)
	ctx := context.Background()

	require.True(t, c.Admit(ctx, ""))
	require.True(t, c.Admit(ctx, ""))
	require.Equal(t, 0, c.Len())
}

func TestAdmit_EvictsLeastRecentlyTouched(t *testing.T) {
	c, err := New(3)
	require.NoError(t, err)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.True(t, c.Admit(ctx, id))
	}
	// touching "a" makes "b" the eviction candidate
	require.False(t, c.Admit(ctx, "a"))
	require.True(t, c.Admit(ctx, "d"))

	require.Equal(t, []string{"c", "a", "d"}, c.Keys())
	require.True(t, c.Admit(ctx, "b"), "evicted id must be admitted again")
	require.False(t, c.Admit(ctx, "a"))
}

func TestAdmit_ConcurrentSameID(t *testing.T) {
	c, err := New(100)
	require.NoError(t, err)
	ctx := context.Background()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Admit(ctx, "same") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), admitted.Load())
}

func TestAdmit_ConcurrentDistinctIDs(t *testing.T) {
	c, err := New(1000)
	require.NoError(t, err)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.True(t, c.Admit(ctx, fmt.Sprintf("id-%d", i)))
		}(i)
	}
	wg.Wait()
	require.Equal(t, 200, c.Len())
}

func TestNew_RejectsNonPositiveCapacity(t *testing.T) {
	_, err := New(0)
	require.Error(t, err)
}

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_PutGetInvalidate(t *testing.T) {
	ctx := context.Background()
	c := NewMemory[string]()
	t.Cleanup(c.Close)

	require.NoError(t, c.Put(ctx, "card:GD4797933384379", "profile", time.Minute))

	v, ok, err := c.Get(ctx, "card:GD4797933384379")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "profile", v)

	require.NoError(t, c.Invalidate(ctx, "card:GD4797933384379", "citizen:001090001234"))

	_, ok, err = c.Get(ctx, "card:GD4797933384379")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_Expiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemory[int]()
	t.Cleanup(c.Close)

	require.NoError(t, c.Put(ctx, "k", 7, 50*time.Millisecond))
	require.NoError(t, c.Put(ctx, "forever", 1, 0))

	v, ok, _ := c.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, 7, v)

	assert.Eventually(t, func() bool {
		_, ok, _ := c.Get(ctx, "k")
		return !ok
	}, time.Second, 10*time.Millisecond)

	_, ok, _ = c.Get(ctx, "forever")
	assert.True(t, ok)
}

func TestMemory_SweepsUnreadEntries(t *testing.T) {
	ctx := context.Background()
	c := NewMemory[string]()
	t.Cleanup(c.Close)

	for _, k := range []string{"card:A", "card:B", "citizen:C"} {
		require.NoError(t, c.Put(ctx, k, "profile", 20*time.Millisecond))
	}
	require.NoError(t, c.Put(ctx, "card:kept", "profile", time.Minute))

	assert.Eventually(t, func() bool { return c.items.Len() == 1 }, time.Second, 10*time.Millisecond)
}

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheGetSetDelete(t *testing.T) {
	c, err := NewMemoryCache(8)
	require.NoError(t, err)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	value, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)

	require.NoError(t, c.Delete(ctx, "k"))
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCacheExpiresByTTL(t *testing.T) {
	c, err := NewMemoryCache(8)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), -time.Second))
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "entry with a TTL already in the past should read as a miss")
}

func TestKeyBuildersAreStableAndDistinct(t *testing.T) {
	assert.Equal(t, "owner_exists:42", OwnerExistsKey(42))
	assert.Equal(t, "assignee_exists:42", AssigneeExistsKey(42))
	assert.NotEqual(t, OwnerExistsKey(42), AssigneeExistsKey(42))
	assert.Equal(t, "group-commit-dispatched:-1", GroupCommitDispatchedKey(-1))
}

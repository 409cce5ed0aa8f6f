package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore_PutGetRoundTrip(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	loc, err := store.Put(ctx, []byte("archive-bytes"))
	require.NoError(t, err)
	assert.NotEmpty(t, loc)

	got, err := store.Get(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("archive-bytes"), got)
}

func TestMemStore_ContentAddressed(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	loc1, err := store.Put(ctx, []byte("same"))
	require.NoError(t, err)
	loc2, err := store.Put(ctx, []byte("same"))
	require.NoError(t, err)
	loc3, err := store.Put(ctx, []byte("different"))
	require.NoError(t, err)

	assert.Equal(t, loc1, loc2)
	assert.NotEqual(t, loc1, loc3)
}

func TestMemStore_MissingLocator(t *testing.T) {
	store := NewMemStore()

	_, err := store.Get(context.Background(), "mem://missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

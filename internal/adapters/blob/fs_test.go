package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subsidy/pkg/platform/sentinel"
)

func TestFSRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFS(t.TempDir())
	require.NoError(t, err)

	content := []byte("%PDF-1.4 lease contract")
	ref, err := store.Store(ctx, "contrato.PDF", content)
	require.NoError(t, err)
	assert.Equal(t, ContentHash(content), ref.Hash)
	assert.Len(t, ref.Hash, 64)
	assert.Contains(t, ref.Ref, ".pdf")

	exists, err := store.Exists(ctx, ref.Ref)
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := store.Open(ctx, ref.Ref)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	require.NoError(t, store.Delete(ctx, ref.Ref))
	require.NoError(t, store.Delete(ctx, ref.Ref), "delete is idempotent")

	_, err = store.Open(ctx, ref.Ref)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestFSRejectsTraversal(t *testing.T) {
	store, err := NewFS(t.TempDir())
	require.NoError(t, err)

	_, err = store.Open(context.Background(), "../../etc/passwd")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)

	exists, err := store.Exists(context.Background(), "../secret")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSameContentGetsDistinctRefs(t *testing.T) {
	store, err := NewFS(t.TempDir())
	require.NoError(t, err)

	a, err := store.Store(context.Background(), "a.pdf", []byte("same"))
	require.NoError(t, err)
	b, err := store.Store(context.Background(), "b.pdf", []byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, a.Ref, b.Ref)
	assert.Equal(t, a.Hash, b.Hash)
}

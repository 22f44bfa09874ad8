package blob

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Basics(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "a/b", strings.NewReader("data"), 4, "text/plain", PutOptions{}))
	assert.ErrorIs(t, m.Put(ctx, "a/b", strings.NewReader("data"), 4, "text/plain", PutOptions{}), ErrExists)
	assert.Equal(t, "data", string(readAll(t, m, "a/b")))

	ok, err := m.Exists(ctx, "a/b")
	require.NoError(t, err)
	assert.True(t, ok)

	u, err := m.SignedURL(ctx, "a/b", time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "memory://a%2Fb?expires="))

	require.NoError(t, m.Delete(ctx, "a/b", "missing"))
	_, err = m.Get(ctx, "a/b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_FaultInjection(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	m.FailPut("vaults/")
	assert.ErrorIs(t, m.Put(ctx, "vaults/v1/x", strings.NewReader("x"), 1, "", PutOptions{}), ErrInjected)
	require.NoError(t, m.Put(ctx, "_chunks/s/0", strings.NewReader("x"), 1, "", PutOptions{}))

	m.FailDelete("_chunks/")
	assert.ErrorIs(t, m.Delete(ctx, "_chunks/s/0"), ErrInjected)
	assert.Equal(t, []string{"_chunks/s/0"}, m.KeysWithPrefix("_chunks/"))

	m.Reset()
	require.NoError(t, m.Delete(ctx, "_chunks/s/0"))
	assert.Empty(t, m.Keys())
}

package sink

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorage_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStorage()

	_, ok, err := m.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Put(ctx, "consensus/n1/term", []byte("7")))
	v, ok, err := m.Get(ctx, "consensus/n1/term")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("7"), v)

	require.NoError(t, m.Delete(ctx, "consensus/n1/term"))
	_, ok, err = m.Get(ctx, "consensus/n1/term")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStorage_Scan(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStorage()

	require.NoError(t, m.Put(ctx, "log/n1/1", []byte("a")))
	require.NoError(t, m.Put(ctx, "log/n1/2", []byte("b")))
	require.NoError(t, m.Put(ctx, "consensus/n1/term", []byte("c")))

	got, err := m.Scan(ctx, "log/n1/")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, []byte("a"), got["log/n1/1"])
	assert.Equal(t, []byte("b"), got["log/n1/2"])
}

func TestMemoryStorage_PutCopiesValue(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStorage()

	buf := []byte("original")
	require.NoError(t, m.Put(ctx, "k", buf))
	buf[0] = 'X'

	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("original"), v)
}

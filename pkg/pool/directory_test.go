package pool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirectoryPoolLifecycle(t *testing.T) {
	ctx := context.Background()
	p, err := NewDirectoryPool(t.TempDir(), 1024)
	require.NoError(t, err)

	exists, err := p.Exists(ctx, "i0")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, p.Create(ctx, "i0"))

	exists, err = p.Exists(ctx, "i0")
	require.NoError(t, err)
	require.True(t, exists)

	mode, err := p.Mapped(ctx, "i0")
	require.NoError(t, err)
	require.Equal(t, MappedRW, mode)

	names, err := p.List(ctx)
	require.NoError(t, err)
	require.Contains(t, names, "i0")

	require.NoError(t, p.RemapRO(ctx, "i0"))
	mode, err = p.Mapped(ctx, "i0")
	require.NoError(t, err)
	require.Equal(t, MappedRO, mode)

	require.NoError(t, p.Unmap(ctx, "i0"))
	mode, err = p.Mapped(ctx, "i0")
	require.NoError(t, err)
	require.Equal(t, Unmapped, mode)
}

func TestNewDirectoryPoolRequiresBaseDir(t *testing.T) {
	_, err := NewDirectoryPool("", 1024)
	require.Error(t, err)
}

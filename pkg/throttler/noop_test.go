package throttler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoopForwardsCalls(t *testing.T) {
	var th Throttler = noop{}
	ctx := context.Background()

	out, err := th.ThrottleGet(ctx, func() ([]byte, error) { return []byte("hi"), nil })
	require.NoError(t, err)
	require.Equal(t, "hi", string(out))

	called := false
	err = th.ThrottleAdd(ctx, []byte("k"), []byte("v"), func() error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, called)

	th.Close()
}

func TestNewWithNilConfigReturnsNoop(t *testing.T) {
	th, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.IsType(t, noop{}, th)
}

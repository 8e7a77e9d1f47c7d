package remote

import (
	"context"
	"testing"

	"github.com/rfratto/rfs/internal/rfs"
	"github.com/stretchr/testify/require"
)

type closeRecorder struct {
	UnimplementedHandler
	inits, closes int
}

func (r *closeRecorder) Init(context.Context) error { r.inits++; return nil }
func (r *closeRecorder) Close() error               { r.closes++; return nil }

func TestLazyHandler(t *testing.T) {
	var (
		ctx  = context.Background()
		lazy LazyHandler
		req  = &rfs.PathRequest{Path: "C:"}
	)

	_, err := lazy.Stat(ctx, nil, req)
	require.ErrorIs(t, err, rfs.ErrorNoDevice, "requests should fail before a handler is set")

	require.NoError(t, lazy.Init(ctx))

	first := &closeRecorder{}
	require.NoError(t, lazy.SetHandler(ctx, first))
	require.Equal(t, 1, first.inits, "handler set after Init should be initialized")

	_, err = lazy.Stat(ctx, nil, req)
	require.ErrorIs(t, err, rfs.ErrorUnimplemented)

	require.NoError(t, lazy.SetHandler(ctx, Passthrough(nil, t.TempDir(), "C:")))
	require.Equal(t, 1, first.closes, "replaced handler should be closed")

	stat, err := lazy.Stat(ctx, nil, req)
	require.NoError(t, err)
	require.True(t, stat.Found)

	require.NoError(t, lazy.Close())
	_, err = lazy.Stat(ctx, nil, req)
	require.ErrorIs(t, err, rfs.ErrorIO)
	require.Error(t, lazy.SetHandler(ctx, &closeRecorder{}))
}

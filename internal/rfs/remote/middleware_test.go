package remote

import (
	"context"
	"testing"

	"github.com/rfratto/rfs/internal/rfs"
	"github.com/stretchr/testify/require"
)

func TestChainMiddleware(t *testing.T) {
	var a, b, c, d int
	var called bool

	var mw = []Middleware{
		FuncMiddleware(func(ctx context.Context, h *RequestHeader, req rfs.Payload, i Invoker) (rfs.Payload, error) {
			a = 10
			return i(ctx, h, req)
		}),
		FuncMiddleware(func(ctx context.Context, h *RequestHeader, req rfs.Payload, i Invoker) (rfs.Payload, error) {
			b = 20
			return i(ctx, h, req)
		}),
		FuncMiddleware(func(ctx context.Context, h *RequestHeader, req rfs.Payload, i Invoker) (rfs.Payload, error) {
			c = 30
			return i(ctx, h, req)
		}),
		FuncMiddleware(func(ctx context.Context, h *RequestHeader, req rfs.Payload, i Invoker) (rfs.Payload, error) {
			d = 40
			return i(ctx, h, req)
		}),
	}

	invoker := func(context.Context, *RequestHeader, rfs.Payload) (rfs.Payload, error) {
		called = true
		return nil, nil
	}
	chainMiddleware(mw).HandleRequest(context.Background(), nil, nil, invoker)

	require.Equal(t, 10, a)
	require.Equal(t, 20, b)
	require.Equal(t, 30, c)
	require.Equal(t, 40, d)
	require.True(t, called)
}

func TestChainMiddleware_Empty(t *testing.T) {
	var called bool

	invoker := func(context.Context, *RequestHeader, rfs.Payload) (rfs.Payload, error) {
		called = true
		return nil, nil
	}

	chainMiddleware(nil).HandleRequest(context.Background(), nil, nil, invoker)
	require.True(t, called)
}

func TestHandlerInvoker(t *testing.T) {
	invoker := handlerInvoker(UnimplementedHandler{})

	t.Run("typed nil replies stay nil", func(t *testing.T) {
		hdr := &RequestHeader{Command: rfs.CmdStat}
		resp, err := invoker(context.Background(), hdr, &rfs.PathRequest{Path: "C:/a"})
		require.ErrorIs(t, err, rfs.ErrorUnimplemented)
		require.Nil(t, resp)
	})

	t.Run("mismatched request body", func(t *testing.T) {
		hdr := &RequestHeader{Command: rfs.CmdOpen}
		_, err := invoker(context.Background(), hdr, &rfs.PathRequest{Path: "C:/a"})
		require.ErrorIs(t, err, rfs.ErrorInvalid)
	})

	t.Run("notifications", func(t *testing.T) {
		hdr := &RequestHeader{Command: rfs.CmdListExit}
		resp, err := invoker(context.Background(), hdr, &rfs.ListExitRequest{Cursor: 1})
		require.NoError(t, err)
		require.Nil(t, resp)
	})
}

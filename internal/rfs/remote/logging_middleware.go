package remote

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/rfs/internal/rfs"
)

// NewLoggingMiddleware returns a new logging middleware.
func NewLoggingMiddleware(l log.Logger) Middleware {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &loggingMiddleware{l: l}
}

type loggingMiddleware struct {
	l log.Logger
}

func (lm *loggingMiddleware) HandleRequest(ctx context.Context, hdr *RequestHeader, req rfs.Payload, invoker Invoker) (rfs.Payload, error) {
	level.Debug(lm.l).Log("msg", "starting request", "cmd", hdr.Command, "xfer", hdr.Xfer)
	resp, err := invoker(ctx, hdr, req)
	level.Debug(lm.l).Log("msg", "finished request", "cmd", hdr.Command, "xfer", hdr.Xfer, "err", err)
	return resp, err
}

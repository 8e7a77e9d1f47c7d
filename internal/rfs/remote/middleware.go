package remote

import (
	"context"
	"fmt"

	"github.com/rfratto/rfs/internal/rfs"
)

// Middleware hooks into requests.
type Middleware interface {
	// HandleRequest handles an individual request.
	HandleRequest(ctx context.Context, hdr *RequestHeader, req rfs.Payload, invoker Invoker) (rfs.Payload, error)
}

// Invoker is called by Middleware to complete requests.
type Invoker func(ctx context.Context, hdr *RequestHeader, req rfs.Payload) (rfs.Payload, error)

// FuncMiddleware is a function that implements Middleware.
type FuncMiddleware func(ctx context.Context, hdr *RequestHeader, req rfs.Payload, i Invoker) (rfs.Payload, error)

func (f FuncMiddleware) HandleRequest(ctx context.Context, h *RequestHeader, req rfs.Payload, i Invoker) (rfs.Payload, error) {
	return f(ctx, h, req, i)
}

// handlerInvoker converts h into an Invoker. Typed replies are only stored
// in resp when they're non-nil, so callers can compare resp against nil.
func handlerInvoker(h Handler) Invoker {
	return func(ctx context.Context, header *RequestHeader, req rfs.Payload) (resp rfs.Payload, err error) {
		switch header.Command {
		case rfs.CmdListInit:
			req, _ := req.(*rfs.ListInitRequest)
			if req == nil {
				err = fmt.Errorf("missing request body for %s: %w", header.Command, rfs.ErrorInvalid)
				break
			}
			var r *rfs.ListReply
			if r, err = h.ListInit(ctx, header, req); r != nil {
				resp = r
			}

		case rfs.CmdListNext:
			req, _ := req.(*rfs.ListNextRequest)
			if req == nil {
				err = fmt.Errorf("missing request body for %s: %w", header.Command, rfs.ErrorInvalid)
				break
			}
			var r *rfs.ListReply
			if r, err = h.ListNext(ctx, header, req); r != nil {
				resp = r
			}

		case rfs.CmdListExit:
			// ListExit is a notification, so there's nothing to return.
			req, _ := req.(*rfs.ListExitRequest)
			if req == nil {
				err = fmt.Errorf("missing request body for %s: %w", header.Command, rfs.ErrorInvalid)
				break
			}
			h.ListExit(ctx, header, req)

		case rfs.CmdStat:
			req, _ := req.(*rfs.PathRequest)
			if req == nil {
				err = fmt.Errorf("missing request body for %s: %w", header.Command, rfs.ErrorInvalid)
				break
			}
			var r *rfs.StatReply
			if r, err = h.Stat(ctx, header, req); r != nil {
				resp = r
			}

		case rfs.CmdOpen:
			req, _ := req.(*rfs.OpenRequest)
			if req == nil {
				err = fmt.Errorf("missing request body for %s: %w", header.Command, rfs.ErrorInvalid)
				break
			}
			var r *rfs.OpenReply
			if r, err = h.Open(ctx, header, req); r != nil {
				resp = r
			}

		case rfs.CmdClose:
			req, _ := req.(*rfs.HandleRequest)
			if req == nil {
				err = fmt.Errorf("missing request body for %s: %w", header.Command, rfs.ErrorInvalid)
				break
			}
			err = h.Release(ctx, header, req)

		case rfs.CmdRead:
			req, _ := req.(*rfs.IORequest)
			if req == nil {
				err = fmt.Errorf("missing request body for %s: %w", header.Command, rfs.ErrorInvalid)
				break
			}
			var r *rfs.IOReply
			if r, err = h.Read(ctx, header, req); r != nil {
				resp = r
			}

		case rfs.CmdWrite:
			req, _ := req.(*rfs.IORequest)
			if req == nil {
				err = fmt.Errorf("missing request body for %s: %w", header.Command, rfs.ErrorInvalid)
				break
			}
			var r *rfs.IOReply
			if r, err = h.Write(ctx, header, req); r != nil {
				resp = r
			}

		case rfs.CmdCreate:
			req, _ := req.(*rfs.PathRequest)
			if req == nil {
				err = fmt.Errorf("missing request body for %s: %w", header.Command, rfs.ErrorInvalid)
				break
			}
			var r *rfs.StatReply
			if r, err = h.Create(ctx, header, req); r != nil {
				resp = r
			}

		case rfs.CmdDelete:
			req, _ := req.(*rfs.PathRequest)
			if req == nil {
				err = fmt.Errorf("missing request body for %s: %w", header.Command, rfs.ErrorInvalid)
				break
			}
			err = h.Delete(ctx, header, req)

		case rfs.CmdMkdir:
			req, _ := req.(*rfs.PathRequest)
			if req == nil {
				err = fmt.Errorf("missing request body for %s: %w", header.Command, rfs.ErrorInvalid)
				break
			}
			var r *rfs.StatReply
			if r, err = h.Mkdir(ctx, header, req); r != nil {
				resp = r
			}

		case rfs.CmdRmdir:
			req, _ := req.(*rfs.PathRequest)
			if req == nil {
				err = fmt.Errorf("missing request body for %s: %w", header.Command, rfs.ErrorInvalid)
				break
			}
			err = h.Rmdir(ctx, header, req)

		case rfs.CmdRename:
			req, _ := req.(*rfs.RenameRequest)
			if req == nil {
				err = fmt.Errorf("missing request body for %s: %w", header.Command, rfs.ErrorInvalid)
				break
			}
			err = h.Rename(ctx, header, req)

		case rfs.CmdMount:
			req, _ := req.(*rfs.PathRequest)
			if req == nil {
				err = fmt.Errorf("missing request body for %s: %w", header.Command, rfs.ErrorInvalid)
				break
			}
			err = h.Mount(ctx, header, req)

		case rfs.CmdUmount:
			req, _ := req.(*rfs.PathRequest)
			if req == nil {
				err = fmt.Errorf("missing request body for %s: %w", header.Command, rfs.ErrorInvalid)
				break
			}
			err = h.Umount(ctx, header, req)

		case rfs.CmdVolSize:
			req, _ := req.(*rfs.PathRequest)
			if req == nil {
				err = fmt.Errorf("missing request body for %s: %w", header.Command, rfs.ErrorInvalid)
				break
			}
			var r *rfs.VolumeReply
			if r, err = h.VolSize(ctx, header, req); r != nil {
				resp = r
			}

		case rfs.CmdQuickStat:
			req, _ := req.(*rfs.QuickStatRequest)
			if req == nil {
				err = fmt.Errorf("missing request body for %s: %w", header.Command, rfs.ErrorInvalid)
				break
			}
			var r *rfs.QuickStatRecord
			if r, err = h.QuickStat(ctx, header, req); r != nil {
				resp = r
			}

		case rfs.CmdSetTime:
			req, _ := req.(*rfs.SetTimeRequest)
			if req == nil {
				err = fmt.Errorf("missing request body for %s: %w", header.Command, rfs.ErrorInvalid)
				break
			}
			err = h.SetTime(ctx, header, req)

		default:
			err = fmt.Errorf("unsupported command %s: %w", header.Command, rfs.ErrorUnimplemented)
		}

		return resp, err
	}
}

type chainMiddleware []Middleware

func (c chainMiddleware) HandleRequest(ctx context.Context, h *RequestHeader, req rfs.Payload, invoker Invoker) (rfs.Payload, error) {
	if len(c) == 0 {
		return invoker(ctx, h, req)
	}

	var (
		index        int
		chainInvoker Invoker
	)

	chainInvoker = func(ctx context.Context, h *RequestHeader, req rfs.Payload) (rfs.Payload, error) {
		mw := c[index]
		index++

		var next Invoker
		if index == len(c) {
			next = invoker
		} else {
			next = chainInvoker
		}

		return mw.HandleRequest(ctx, h, req, next)
	}
	return chainInvoker(ctx, h, req)
}

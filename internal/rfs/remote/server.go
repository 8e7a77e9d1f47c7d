// Package remote implements the remote core's side of the rfs protocol.
// A Server reads requests from an rfs.Endpoint and passes them to a Handler.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/rfs/internal/rfs"
)

type Options struct {
	// ConcurrencyLimit is the maximum number of concurrent requests a Server can
	// run. If ConcurrencyLimit is <= 0, it will obtain its default from
	// DefaultOptions.
	ConcurrencyLimit int

	// RequestTimeout will force a request to abort after a given amount of time.
	// 0 means to never time out.
	RequestTimeout time.Duration

	// Endpoint is used to read requests and write replies. Server takes
	// ownership of the Endpoint after passing to New; do not close directly.
	Endpoint rfs.Endpoint

	// Handler is used for handling individual requests.
	Handler Handler

	// Optional middleware to preprocess requests with.
	Middleware []Middleware
}

// DefaultOptions provides defaults for Server.
var DefaultOptions = Options{
	ConcurrencyLimit: 64,
}

// Server is a remote core, which asynchronously handles requests from an
// endpoint by passing them to a Handler.
type Server struct {
	log log.Logger
	o   Options

	// The middleware to execute before the handler
	mw      Middleware
	handler Invoker
}

// New creates a new Server. Read messages will be passed to Handler for
// handling.
//
// Call Serve to start the Server.
func New(l log.Logger, o Options) (*Server, error) {
	if o.Handler == nil {
		return nil, fmt.Errorf("Handler must be set")
	}
	if o.Endpoint == nil {
		return nil, fmt.Errorf("Endpoint must be set")
	}
	if o.ConcurrencyLimit <= 0 {
		o.ConcurrencyLimit = DefaultOptions.ConcurrencyLimit
	}

	if l == nil {
		l = log.NewNopLogger()
	}
	return &Server{log: l, o: o, mw: chainMiddleware(o.Middleware), handler: handlerInvoker(o.Handler)}, nil
}

// Serve starts the server. Serve only returns if there was an error while
// serving, if the endpoint was closed, or if ctx is canceled.
//
// Serve should not be called again after it has exited.
func (s *Server) Serve(ctx context.Context) error {
	// Reading from the endpoint can't be canceled, so a dedicated goroutine
	// closes the endpoint once ctx is done to unblock it.
	exited := make(chan struct{})
	defer func() { <-exited }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer close(exited)
		<-ctx.Done()

		level.Info(s.log).Log("msg", "rfs server exiting")
		defer level.Debug(s.log).Log("msg", "rfs server exited")

		if err := s.o.Endpoint.Close(); err != nil {
			level.Error(s.log).Log("msg", "error when closing endpoint", "err", err)
		}
		if err := s.o.Handler.Close(); err != nil {
			level.Error(s.log).Log("msg", "error when closing handler", "err", err)
		}
	}()

	if err := s.o.Handler.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize handler: %w", err)
	}

	type payload struct {
		header RequestHeader
		req    rfs.Payload
	}

	var (
		runningWorkers sync.WaitGroup
		taskCh         = make(chan payload, s.o.ConcurrencyLimit)
	)

	for i := 0; i < s.o.ConcurrencyLimit; i++ {
		runningWorkers.Add(1)
		go func() {
			defer runningWorkers.Done()

			for {
				select {
				case <-ctx.Done():
					return
				case task := <-taskCh:
					handleRequest(ctx, s, task.header, task.req)
				}
			}
		}()
	}
	defer func() {
		// Stop all of our workers.
		cancel()
		runningWorkers.Wait()
	}()

	for {
		// Do an early return if our context has been canceled.
		if ctx.Err() != nil {
			level.Debug(s.log).Log("msg", "context canceled, breaking out of server read loop")
			return nil
		}

		b, err := s.o.Endpoint.Recv()
		if errors.Is(err, io.EOF) {
			level.Debug(s.log).Log("msg", "got EOF from endpoint; exiting")
			return nil
		} else if err != nil {
			level.Error(s.log).Log("msg", "got error from endpoint; exiting", "err", err)
			return err
		}

		var msg rfs.Message
		if err := msg.UnmarshalBinary(b); err != nil {
			level.Warn(s.log).Log("msg", "dropping malformed message", "err", err)
			continue
		}
		if !msg.Command.Valid() {
			level.Warn(s.log).Log("msg", "dropping message with unknown command", "cmd", msg.Command, "xfer", msg.Xfer)
			continue
		}

		header := RequestHeader{Command: msg.Command, Xfer: msg.Xfer}
		req, err := rfs.NewRequest(msg.Command)
		if err == nil {
			err = msg.Decode(req)
		}
		if err != nil {
			level.Warn(s.log).Log("msg", "rejecting malformed request", "cmd", msg.Command, "xfer", msg.Xfer, "err", err)
			if msg.Command.ExpectsReply() {
				s.sendReply(header, nil, err)
			}
			continue
		}

		select {
		case <-ctx.Done():
		case taskCh <- payload{header: header, req: req}:
		}
	}
}

func handleRequest(ctx context.Context, s *Server, header RequestHeader, req rfs.Payload) {
	if s.o.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.o.RequestTimeout)
		defer cancel()
	}

	resp, err := s.mw.HandleRequest(ctx, &header, req, s.handler)

	switch {
	case header.Command == rfs.CmdQuickStat:
		// Quick stats are answered through shared memory rather than with a
		// reply. On failure nothing is written and the requester gives up on
		// its own.
		if err != nil || resp == nil {
			level.Debug(s.log).Log("msg", "not answering quick stat", "err", err)
			return
		}
		s.writeQuickStat(req.(*rfs.QuickStatRequest), resp)
	case !header.Command.ExpectsReply():
		return
	default:
		s.sendReply(header, resp, err)
	}
}

func (s *Server) writeQuickStat(req *rfs.QuickStatRequest, rec rfs.Payload) {
	// Encoding through a message gives us the raw record bytes.
	msg, err := rfs.NewMessage(rfs.CmdQuickStat, rec)
	if err == nil {
		err = s.o.Endpoint.WriteMemory(req.Addr, msg.Payload)
	}
	if err != nil {
		level.Error(s.log).Log("msg", "failed to write quick stat to shared memory", "addr", req.Addr, "err", err)
	}
}

// sendReply sends resp as the reply to the request described by h. If err is
// set, the command's failure reply is sent instead. Commands whose handler
// returns only an error get their success reply when resp is nil.
func (s *Server) sendReply(h RequestHeader, resp rfs.Payload, err error) {
	switch {
	case err != nil:
		resp = failureReply(h.Command, err)
	case resp == nil:
		if resp = successReply(h.Command); resp == nil {
			resp = failureReply(h.Command, nil)
		}
	}

	msg, err := rfs.NewMessage(h.Command, resp)
	if err != nil {
		level.Error(s.log).Log("msg", "failed to encode reply; sending failure instead", "cmd", h.Command, "err", err)
		msg, err = rfs.NewMessage(h.Command, failureReply(h.Command, err))
		if err != nil {
			level.Error(s.log).Log("msg", "failed to encode failure reply", "cmd", h.Command, "err", err)
			return
		}
	}
	msg.Xfer = h.Xfer

	b, err := msg.MarshalBinary()
	if err == nil {
		err = s.o.Endpoint.Send(b)
	}
	if err != nil {
		level.Error(s.log).Log("msg", "failed to write reply to endpoint", "err", err)
	}
}

// successReply returns the reply for a successful cmd which carries no
// payload, or nil if cmd always replies with a payload.
func successReply(cmd rfs.Command) rfs.Payload {
	switch cmd {
	case rfs.CmdClose, rfs.CmdDelete, rfs.CmdRmdir:
		return &rfs.StatusReply{}
	case rfs.CmdRename, rfs.CmdMount, rfs.CmdUmount:
		return &rfs.AckReply{OK: true}
	case rfs.CmdSetTime:
		return &rfs.SetTimeReply{}
	default:
		return nil
	}
}

// failureReply returns the reply which tells the requester that cmd failed.
// Commands which report a status carry the error code of err.
func failureReply(cmd rfs.Command, err error) rfs.Payload {
	code := errorForResponse(err)
	if code == 0 {
		code = rfs.ErrorIO
	}
	status := uint8(-code)

	switch cmd {
	case rfs.CmdListInit, rfs.CmdListNext:
		return &rfs.ListReply{Failed: true}
	case rfs.CmdStat, rfs.CmdCreate, rfs.CmdMkdir:
		return &rfs.StatReply{}
	case rfs.CmdOpen:
		return &rfs.OpenReply{}
	case rfs.CmdClose, rfs.CmdDelete, rfs.CmdRmdir:
		return &rfs.StatusReply{Status: status}
	case rfs.CmdRead, rfs.CmdWrite:
		return &rfs.IOReply{OK: false}
	case rfs.CmdRename, rfs.CmdMount, rfs.CmdUmount:
		return &rfs.AckReply{OK: false}
	case rfs.CmdVolSize:
		return &rfs.VolumeReply{OK: false}
	case rfs.CmdSetTime:
		return &rfs.SetTimeReply{Status: uint64(status)}
	default:
		return nil
	}
}

func errorForResponse(err error) rfs.Error {
	if err == nil {
		return 0
	}

	// Check for common system-level errors.
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return rfs.ErrorAborted
	case errors.Is(err, context.Canceled):
		return rfs.ErrorInterrupted
	case os.IsNotExist(err):
		return rfs.ErrorNotExist
	case os.IsPermission(err):
		return rfs.ErrorNotPermitted
	case os.IsExist(err):
		return rfs.ErrorExists
	case errors.Is(err, os.ErrNotExist):
		return rfs.ErrorNotExist
	case errors.Is(err, io.EOF):
		return 0
	}

	var re rfs.Error
	if errors.As(err, &re) {
		return re
	}
	var errno syscall.Errno
	if errors.As(err, &errno) && errno != 0 {
		return rfs.Error(-int32(errno))
	}
	return rfs.ErrorIO
}

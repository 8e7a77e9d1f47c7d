package grpcrfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/rfs/internal/rfs"
	"github.com/rfratto/rfs/internal/rfs/remote"
	uuid "github.com/satori/go.uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ServerOptions configures the remote core's side of links.
type ServerOptions struct {
	// Remote configures the remote.Server created for each link. Its
	// Endpoint and Handler are ignored.
	Remote remote.Options

	// NewHandler is called once per link to create the Handler which serves
	// it. The Handler is closed when the link terminates.
	NewHandler func(ctx context.Context) (remote.Handler, error)
}

// Register registers a link service with srv. Every link stream is served by
// its own remote.Server.
func Register(srv *grpc.Server, l log.Logger, o ServerOptions) error {
	if o.NewHandler == nil {
		return fmt.Errorf("NewHandler must be set")
	}
	if l == nil {
		l = log.NewNopLogger()
	}
	srv.RegisterService(&linkServiceDesc, &linkService{log: l, o: o})
	return nil
}

type linkService struct {
	log log.Logger
	o   ServerOptions
}

func (ls *linkService) Stream(stream grpc.ServerStream) error {
	ctx := stream.Context()
	l := log.With(ls.log, "link", uuid.NewV4().String())

	var regions int
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		regions = advertisedRegions(md)
	}

	h, err := ls.o.NewHandler(ctx)
	if err != nil {
		return status.Errorf(codes.Unavailable, "no handler for link: %s", err)
	}

	ep := newStreamEndpoint(l, stream, regions > 0)
	ro := ls.o.Remote
	ro.Endpoint = ep
	ro.Handler = h

	srv, err := remote.New(l, ro)
	if err != nil {
		_ = ep.Close()
		_ = h.Close()
		return status.Errorf(codes.Internal, "creating link server: %s", err)
	}

	level.Debug(l).Log("msg", "serving link", "memory_regions", regions)
	defer level.Debug(l).Log("msg", "link terminated")

	if err := srv.Serve(ctx); err != nil {
		return status.Errorf(codes.Internal, "%s", err)
	}
	return nil
}

// streamEndpoint is an rfs.Endpoint over a server link stream.
type streamEndpoint struct {
	log    log.Logger
	stream grpc.ServerStream
	memory bool

	sendMut sync.Mutex
	frames  chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

var _ rfs.Endpoint = (*streamEndpoint)(nil)

func newStreamEndpoint(l log.Logger, stream grpc.ServerStream, memory bool) *streamEndpoint {
	ep := &streamEndpoint{
		log:    l,
		stream: stream,
		memory: memory,
		frames: make(chan []byte),
		closed: make(chan struct{}),
	}
	go ep.run()
	return ep
}

// run reads message frames from the stream. Reads from a server stream
// can't be interrupted, so this runs separately from Recv to let Close
// return immediately.
func (ep *streamEndpoint) run() {
	defer close(ep.frames)

	for {
		var f Frame
		err := ep.stream.RecvMsg(&f)
		if s, ok := status.FromError(err); ok && s.Code() == codes.Canceled {
			return
		} else if errors.Is(err, io.EOF) {
			return
		} else if err != nil {
			level.Error(ep.log).Log("msg", "link read failed", "err", err)
			return
		}

		if f.Kind != FrameMessage {
			level.Warn(ep.log).Log("msg", "dropping unexpected frame", "kind", f.Kind)
			continue
		}

		select {
		case ep.frames <- f.Data:
		case <-ep.closed:
			return
		}
	}
}

func (ep *streamEndpoint) Recv() ([]byte, error) {
	select {
	case <-ep.closed:
		return nil, io.EOF
	case b, ok := <-ep.frames:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	}
}

func (ep *streamEndpoint) Send(b []byte) error {
	return ep.send(&Frame{Kind: FrameMessage, Data: b})
}

func (ep *streamEndpoint) WriteMemory(addr uint64, p []byte) error {
	if !ep.memory {
		return fmt.Errorf("peer has no shared memory: %w", rfs.ErrorUnimplemented)
	}
	return ep.send(&Frame{Kind: FrameMemory, Addr: addr, Data: p})
}

func (ep *streamEndpoint) send(f *Frame) error {
	select {
	case <-ep.closed:
		return io.ErrClosedPipe
	default:
	}

	ep.sendMut.Lock()
	defer ep.sendMut.Unlock()
	return ep.stream.SendMsg(f)
}

func (ep *streamEndpoint) Close() error {
	ep.closeOnce.Do(func() { close(ep.closed) })
	return nil
}

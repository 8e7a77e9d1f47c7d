package grpcrfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/rfs/internal/rfs"
	"go.uber.org/atomic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ChannelOptions configures a Channel.
type ChannelOptions struct {
	// MemoryRegions is the number of shared memory regions to hold for quick
	// stats. 0 disables shared memory; the client falls back to full stats.
	MemoryRegions int
}

// DefaultChannelOptions holds defaults for NewChannel.
var DefaultChannelOptions = ChannelOptions{
	MemoryRegions: rfs.DefaultMemoryRegions,
}

// NewChannel opens a link stream on cc and returns it as an rfs.Channel.
// The returned Channel implements rfs.SharedMemory when o.MemoryRegions is
// non-zero.
func NewChannel(ctx context.Context, l log.Logger, cc grpc.ClientConnInterface, o ChannelOptions) (rfs.Channel, error) {
	if l == nil {
		l = log.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(ctx)
	ctx = metadata.AppendToOutgoingContext(ctx, regionsKey, strconv.Itoa(o.MemoryRegions))

	stream, err := cc.NewStream(ctx, &linkServiceDesc.Streams[0], streamMethod, grpc.CallContentSubtype(CodecName))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening link: %w", err)
	}

	ch := &channel{
		log:    l,
		stream: stream,
		cancel: cancel,
	}
	if o.MemoryRegions > 0 {
		ch.mem = rfs.NewMemory(o.MemoryRegions)
		return &sharedChannel{ch}, nil
	}
	return ch, nil
}

type channel struct {
	log    log.Logger
	stream grpc.ClientStream
	cancel context.CancelFunc
	mem    *rfs.Memory

	sendMut  sync.Mutex
	recvOnce sync.Once
	closed   atomic.Bool
}

var _ rfs.Channel = (*channel)(nil)

func (ch *channel) Send(b []byte) error {
	if ch.closed.Load() {
		return io.ErrClosedPipe
	}

	ch.sendMut.Lock()
	defer ch.sendMut.Unlock()
	return ch.stream.SendMsg(&Frame{Kind: FrameMessage, Data: b})
}

func (ch *channel) SetReceiver(fn func(b []byte), stopped func(err error)) {
	ch.recvOnce.Do(func() {
		go func() {
			err := ch.run(fn)
			level.Debug(ch.log).Log("msg", "link receiver exiting", "err", err)
			if stopped != nil {
				stopped(err)
			}
		}()
	})
}

// run reads frames until the stream terminates, passing messages to fn and
// applying memory frames. run returns the error which ended the stream.
func (ch *channel) run(fn func(b []byte)) error {
	for {
		var f Frame
		err := ch.stream.RecvMsg(&f)
		if s, ok := status.FromError(err); ok && s.Code() == codes.Canceled {
			return err
		} else if errors.Is(err, io.EOF) {
			return err
		} else if err != nil {
			if !ch.closed.Load() {
				level.Error(ch.log).Log("msg", "link read failed", "err", err)
			}
			return err
		}

		switch f.Kind {
		case FrameMessage:
			fn(f.Data)
		case FrameMemory:
			if ch.mem == nil {
				level.Warn(ch.log).Log("msg", "dropping memory frame without shared memory", "addr", f.Addr)
				continue
			}
			if err := ch.mem.Write(f.Addr, f.Data); err != nil {
				level.Warn(ch.log).Log("msg", "dropping bad memory frame", "addr", f.Addr, "err", err)
			}
		default:
			level.Warn(ch.log).Log("msg", "dropping unknown frame", "kind", f.Kind)
		}
	}
}

func (ch *channel) Close() error {
	if ch.closed.Swap(true) {
		return nil
	}

	ch.sendMut.Lock()
	err := ch.stream.CloseSend()
	ch.sendMut.Unlock()

	ch.cancel()
	return err
}

// sharedChannel is a channel with shared memory.
type sharedChannel struct{ *channel }

var _ rfs.SharedMemory = (*sharedChannel)(nil)

func (sc *sharedChannel) Memory() *rfs.Memory { return sc.mem }

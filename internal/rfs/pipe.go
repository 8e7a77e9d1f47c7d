package rfs

import (
	"io"
	"sync"
)

// DefaultMemoryRegions is the number of shared memory Regions created for a
// Pipe.
const DefaultMemoryRegions = 64

// pipeDepth is the number of messages which may be buffered in each
// direction of a Pipe before Send blocks.
const pipeDepth = 256

// Pipe creates an in-process Channel connected to an Endpoint. The Channel
// implements SharedMemory, and Endpoint.WriteMemory writes directly into it.
func Pipe() (Channel, Endpoint) {
	p := &pipe{
		mem:     NewMemory(DefaultMemoryRegions),
		toPeer:  make(chan []byte, pipeDepth),
		toLocal: make(chan []byte, pipeDepth),
		closed:  make(chan struct{}),
	}
	return &pipeChannel{p}, &pipeEndpoint{p}
}

type pipe struct {
	mem     *Memory
	toPeer  chan []byte
	toLocal chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	recvOnce  sync.Once
}

func (p *pipe) close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func send(ch chan<- []byte, closed <-chan struct{}, b []byte) error {
	// Fail fast when closed; select picks randomly among ready cases.
	select {
	case <-closed:
		return io.ErrClosedPipe
	default:
	}

	buf := make([]byte, len(b))
	copy(buf, b)
	select {
	case <-closed:
		return io.ErrClosedPipe
	case ch <- buf:
		return nil
	}
}

type pipeChannel struct{ *pipe }

var (
	_ Channel      = (*pipeChannel)(nil)
	_ SharedMemory = (*pipeChannel)(nil)
)

func (pc *pipeChannel) Send(b []byte) error { return send(pc.toPeer, pc.closed, b) }

func (pc *pipeChannel) SetReceiver(fn func([]byte), stopped func(error)) {
	pc.recvOnce.Do(func() {
		go func() {
			for {
				select {
				case <-pc.closed:
					if stopped != nil {
						stopped(io.ErrClosedPipe)
					}
					return
				case b := <-pc.toLocal:
					fn(b)
				}
			}
		}()
	})
}

func (pc *pipeChannel) Memory() *Memory { return pc.mem }

func (pc *pipeChannel) Close() error { return pc.close() }

type pipeEndpoint struct{ *pipe }

var _ Endpoint = (*pipeEndpoint)(nil)

func (pe *pipeEndpoint) Recv() ([]byte, error) {
	select {
	case <-pe.closed:
		return nil, io.EOF
	case b := <-pe.toPeer:
		return b, nil
	}
}

func (pe *pipeEndpoint) Send(b []byte) error { return send(pe.toLocal, pe.closed, b) }

func (pe *pipeEndpoint) WriteMemory(addr uint64, p []byte) error {
	select {
	case <-pe.closed:
		return io.ErrClosedPipe
	default:
	}
	return pe.mem.Write(addr, p)
}

func (pe *pipeEndpoint) Close() error { return pe.close() }

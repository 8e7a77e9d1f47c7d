package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/rfratto/rfs/internal/rfs"
)

// LazyHandler is a Handler which allows to defer setting of the real Handler
// implementation, or to swap it out while serving. The zero value is ready
// for use.
//
// Requests which arrive while no Handler is set fail with ErrorNoDevice.
type LazyHandler struct {
	mut         sync.RWMutex
	inner       Handler
	initialized bool
	closed      bool
}

var (
	_ Handler = (*LazyHandler)(nil)
)

// SetHandler configures LazyHandler to forward requests to the specified h.
// SetHandler may not be called after LazyHandler has been closed. The
// previous Handler, if any, is closed once in-flight requests finish.
//
// h.Init will immediately be called if the lazy handler has already been
// initialized.
func (lh *LazyHandler) SetHandler(ctx context.Context, h Handler) error {
	lh.mut.Lock()
	defer lh.mut.Unlock()

	if lh.closed {
		return fmt.Errorf("LazyHandler closed")
	}

	if lh.initialized && h != nil {
		// We were previously initialized. Immediately initialize h.
		if err := h.Init(ctx); err != nil {
			return err
		}
	}

	prev := lh.inner
	lh.inner = h
	if prev != nil {
		return prev.Close()
	}
	return nil
}

// acquire returns the inner Handler, holding a read lock until unlock is
// called.
func (lh *LazyHandler) acquire() (inner Handler, unlock func(), err error) {
	lh.mut.RLock()
	switch {
	case lh.closed:
		lh.mut.RUnlock()
		return nil, nil, rfs.ErrorIO
	case lh.inner == nil:
		lh.mut.RUnlock()
		return nil, nil, rfs.ErrorNoDevice
	}
	return lh.inner, lh.mut.RUnlock, nil
}

// Init implements Handler. Init will forward the Init to the inner Handler
// whenever it is set.
func (lh *LazyHandler) Init(ctx context.Context) error {
	lh.mut.Lock()
	defer lh.mut.Unlock()

	lh.initialized = true

	if lh.inner != nil {
		// We already have an inner handler; we can call its init immediately.
		return lh.inner.Init(ctx)
	}
	return nil
}

// Close closes the LazyHandler and the inner handler, if set. The returned
// error will be propagated from the inner handler.
func (lh *LazyHandler) Close() error {
	lh.mut.Lock()
	defer lh.mut.Unlock()

	lh.closed = true

	var err error
	if lh.inner != nil {
		err = lh.inner.Close()
	}
	lh.inner = nil
	return err
}

func (lh *LazyHandler) ListInit(ctx context.Context, h *RequestHeader, req *rfs.ListInitRequest) (*rfs.ListReply, error) {
	inner, unlock, err := lh.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return inner.ListInit(ctx, h, req)
}

func (lh *LazyHandler) ListNext(ctx context.Context, h *RequestHeader, req *rfs.ListNextRequest) (*rfs.ListReply, error) {
	inner, unlock, err := lh.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return inner.ListNext(ctx, h, req)
}

func (lh *LazyHandler) ListExit(ctx context.Context, h *RequestHeader, req *rfs.ListExitRequest) {
	lh.mut.RLock()
	defer lh.mut.RUnlock()
	if lh.inner != nil {
		lh.inner.ListExit(ctx, h, req)
	}
}

func (lh *LazyHandler) Stat(ctx context.Context, h *RequestHeader, req *rfs.PathRequest) (*rfs.StatReply, error) {
	inner, unlock, err := lh.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return inner.Stat(ctx, h, req)
}

func (lh *LazyHandler) Open(ctx context.Context, h *RequestHeader, req *rfs.OpenRequest) (*rfs.OpenReply, error) {
	inner, unlock, err := lh.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return inner.Open(ctx, h, req)
}

func (lh *LazyHandler) Release(ctx context.Context, h *RequestHeader, req *rfs.HandleRequest) error {
	inner, unlock, err := lh.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	return inner.Release(ctx, h, req)
}

func (lh *LazyHandler) Read(ctx context.Context, h *RequestHeader, req *rfs.IORequest) (*rfs.IOReply, error) {
	inner, unlock, err := lh.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return inner.Read(ctx, h, req)
}

func (lh *LazyHandler) Write(ctx context.Context, h *RequestHeader, req *rfs.IORequest) (*rfs.IOReply, error) {
	inner, unlock, err := lh.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return inner.Write(ctx, h, req)
}

func (lh *LazyHandler) Create(ctx context.Context, h *RequestHeader, req *rfs.PathRequest) (*rfs.StatReply, error) {
	inner, unlock, err := lh.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return inner.Create(ctx, h, req)
}

func (lh *LazyHandler) Delete(ctx context.Context, h *RequestHeader, req *rfs.PathRequest) error {
	inner, unlock, err := lh.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	return inner.Delete(ctx, h, req)
}

func (lh *LazyHandler) Mkdir(ctx context.Context, h *RequestHeader, req *rfs.PathRequest) (*rfs.StatReply, error) {
	inner, unlock, err := lh.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return inner.Mkdir(ctx, h, req)
}

func (lh *LazyHandler) Rmdir(ctx context.Context, h *RequestHeader, req *rfs.PathRequest) error {
	inner, unlock, err := lh.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	return inner.Rmdir(ctx, h, req)
}

func (lh *LazyHandler) Rename(ctx context.Context, h *RequestHeader, req *rfs.RenameRequest) error {
	inner, unlock, err := lh.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	return inner.Rename(ctx, h, req)
}

func (lh *LazyHandler) Mount(ctx context.Context, h *RequestHeader, req *rfs.PathRequest) error {
	inner, unlock, err := lh.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	return inner.Mount(ctx, h, req)
}

func (lh *LazyHandler) Umount(ctx context.Context, h *RequestHeader, req *rfs.PathRequest) error {
	inner, unlock, err := lh.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	return inner.Umount(ctx, h, req)
}

func (lh *LazyHandler) VolSize(ctx context.Context, h *RequestHeader, req *rfs.PathRequest) (*rfs.VolumeReply, error) {
	inner, unlock, err := lh.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return inner.VolSize(ctx, h, req)
}

func (lh *LazyHandler) QuickStat(ctx context.Context, h *RequestHeader, req *rfs.QuickStatRequest) (*rfs.QuickStatRecord, error) {
	inner, unlock, err := lh.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return inner.QuickStat(ctx, h, req)
}

func (lh *LazyHandler) SetTime(ctx context.Context, h *RequestHeader, req *rfs.SetTimeRequest) error {
	inner, unlock, err := lh.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	return inner.SetTime(ctx, h, req)
}

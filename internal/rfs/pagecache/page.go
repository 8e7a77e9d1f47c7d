// Package pagecache caches file contents as fixed-size pages.
//
// A Mapping holds the pages of a single file. Each Page carries a lock and a
// set of state flags which track whether its contents are valid and whether
// they need to be written back to the remote core.
package pagecache

import (
	"context"
	"fmt"

	"github.com/rfratto/rfs/internal/rfs"
	"go.uber.org/atomic"
)

// Flag is a page state flag.
type Flag uint32

// Page state flags.
const (
	// FlagUptodate is set when Data holds the file's current contents.
	FlagUptodate Flag = 1 << iota

	// FlagDirty is set when Data has been modified since it was last written
	// back.
	FlagDirty

	// FlagToWrite tags dirty pages selected by a data-integrity writeback.
	FlagToWrite

	// FlagWriteback is set while the page is being written back.
	FlagWriteback

	// FlagError is set when the last I/O on the page failed.
	FlagError
)

func (f Flag) String() string {
	switch f {
	case FlagUptodate:
		return "uptodate"
	case FlagDirty:
		return "dirty"
	case FlagToWrite:
		return "towrite"
	case FlagWriteback:
		return "writeback"
	case FlagError:
		return "error"
	default:
		return fmt.Sprintf("Flag(%#x)", uint32(f))
	}
}

// Page is a single cached page of a file.
type Page struct {
	// Index is the page's position in the file, in units of rfs.PageSize.
	Index int64

	// Data holds the page contents. It must only be accessed while the page
	// is locked.
	Data []byte

	mapping *Mapping
	lock    chan struct{}
	flags   atomic.Uint32
}

func newPage(m *Mapping, index int64) *Page {
	return &Page{
		Index:   index,
		Data:    make([]byte, rfs.PageSize),
		mapping: m,
		lock:    make(chan struct{}, 1),
	}
}

// Offset returns the byte offset of the page within its file.
func (p *Page) Offset() int64 { return p.Index * rfs.PageSize }

// Lock locks the page, waiting for any other holder to unlock it.
func (p *Page) Lock() { p.lock <- struct{}{} }

// LockContext locks the page, giving up when ctx is canceled.
func (p *Page) LockContext(ctx context.Context) error {
	select {
	case p.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLock locks the page if nobody else holds it.
func (p *Page) TryLock() bool {
	select {
	case p.lock <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock unlocks the page. Unlock panics if the page isn't locked.
func (p *Page) Unlock() {
	select {
	case <-p.lock:
	default:
		panic(fmt.Sprintf("unlock of unlocked page %d", p.Index))
	}
}

// Locked reports whether the page is currently locked.
func (p *Page) Locked() bool { return len(p.lock) == 1 }

// Wait blocks until the page is unlocked. The page is not locked on return.
func (p *Page) Wait(ctx context.Context) error {
	if err := p.LockContext(ctx); err != nil {
		return err
	}
	p.Unlock()
	return nil
}

// Test reports whether f is set.
func (p *Page) Test(f Flag) bool { return Flag(p.flags.Load())&f != 0 }

// Set sets f.
func (p *Page) Set(f Flag) { p.testAndSet(f) }

// Clear clears f.
func (p *Page) Clear(f Flag) { p.testAndClear(f) }

// testAndSet sets f and reports whether it was already set.
func (p *Page) testAndSet(f Flag) bool {
	for {
		old := p.flags.Load()
		if Flag(old)&f != 0 {
			return true
		}
		if p.flags.CAS(old, old|uint32(f)) {
			return false
		}
	}
}

// testAndClear clears f and reports whether it was set.
func (p *Page) testAndClear(f Flag) bool {
	for {
		old := p.flags.Load()
		if Flag(old)&f == 0 {
			return false
		}
		if p.flags.CAS(old, old&^uint32(f)) {
			return true
		}
	}
}

// MarkDirty marks the page as dirty and accounts for it in its mapping.
func (p *Page) MarkDirty() {
	if !p.testAndSet(FlagDirty) {
		p.mapping.nrDirty.Inc()
	}
}

// ClearDirtyForIO clears the dirty and towrite flags before the page is
// written back. Returns false if the page wasn't dirty.
func (p *Page) ClearDirtyForIO() bool {
	p.testAndClear(FlagToWrite)
	if !p.testAndClear(FlagDirty) {
		return false
	}
	p.mapping.nrDirty.Dec()
	return true
}

// SetWriteback marks the page as under writeback.
func (p *Page) SetWriteback() {
	if !p.testAndSet(FlagWriteback) {
		p.mapping.startWriteback()
	}
}

// EndWriteback clears the writeback flag, waking anybody waiting on the
// mapping's writeback to finish.
func (p *Page) EndWriteback() {
	if p.testAndClear(FlagWriteback) {
		p.mapping.endWriteback()
	}
}

// ZeroFrom zeroes the page from byte offset off to its end.
func (p *Page) ZeroFrom(off int) {
	if off < 0 {
		off = 0
	}
	for i := off; i < len(p.Data); i++ {
		p.Data[i] = 0
	}
}

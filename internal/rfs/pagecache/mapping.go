package pagecache

import (
	"sort"
	"sync"

	"github.com/rfratto/rfs/internal/rfs"
	"go.uber.org/atomic"
)

// Mapping holds the cached pages of a single file.
type Mapping struct {
	mut   sync.Mutex
	pages map[int64]*Page

	nrDirty atomic.Int64
	private atomic.Uint64

	errMut sync.Mutex
	err    error

	wbMut       sync.Mutex
	wbCond      *sync.Cond
	nrWriteback int
}

// NewMapping creates an empty Mapping.
func NewMapping() *Mapping {
	m := &Mapping{pages: make(map[int64]*Page)}
	m.wbCond = sync.NewCond(&m.wbMut)
	return m
}

// Len returns the number of cached pages.
func (m *Mapping) Len() int {
	m.mut.Lock()
	defer m.mut.Unlock()
	return len(m.pages)
}

// NrDirty returns the number of dirty pages.
func (m *Mapping) NrDirty() int { return int(m.nrDirty.Load()) }

// Find returns the page at index, or nil if it isn't cached. The page is not
// locked.
func (m *Mapping) Find(index int64) *Page {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.pages[index]
}

// GrabLocked returns the locked page at index, creating it if it isn't
// cached.
func (m *Mapping) GrabLocked(index int64) *Page {
	m.mut.Lock()
	p, ok := m.pages[index]
	if !ok {
		p = newPage(m, index)
		p.Lock()
		m.pages[index] = p
		m.mut.Unlock()
		return p
	}
	m.mut.Unlock()

	p.Lock()
	return p
}

// AddLocked creates a new locked page at index. Returns nil if the page is
// already cached.
func (m *Mapping) AddLocked(index int64) *Page {
	m.mut.Lock()
	defer m.mut.Unlock()

	if _, ok := m.pages[index]; ok {
		return nil
	}
	p := newPage(m, index)
	p.Lock()
	m.pages[index] = p
	return p
}

// Tagged returns the pages with flag f set whose index is between start and
// end inclusive, sorted by index. An end less than zero means no upper bound.
func (m *Mapping) Tagged(f Flag, start, end int64) []*Page {
	m.mut.Lock()
	defer m.mut.Unlock()

	var res []*Page
	for idx, p := range m.pages {
		if idx < start || (end >= 0 && idx > end) {
			continue
		}
		if p.Test(f) {
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Index < res[j].Index })
	return res
}

// TagForWrite sets FlagToWrite on every dirty page between start and end
// inclusive, so pages dirtied afterwards are left for a later writeback.
// Returns the number of pages tagged.
func (m *Mapping) TagForWrite(start, end int64) int {
	pages := m.Tagged(FlagDirty, start, end)
	for _, p := range pages {
		p.Set(FlagToWrite)
	}
	return len(pages)
}

// Invalidate drops every cached page which is clean, unlocked, and not
// under writeback. Pages in use are left alone. Returns the number of pages
// dropped.
func (m *Mapping) Invalidate() int {
	m.mut.Lock()
	defer m.mut.Unlock()

	var dropped int
	for idx, p := range m.pages {
		if !p.TryLock() {
			continue
		}
		if p.Test(FlagDirty) || p.Test(FlagWriteback) {
			p.Unlock()
			continue
		}
		delete(m.pages, idx)
		p.Clear(FlagUptodate)
		p.Unlock()
		dropped++
	}
	return dropped
}

// Truncate drops every page past size and zeroes the tail of the page
// containing size. Pages are locked before they are dropped, so Truncate
// waits for in-flight I/O on them.
func (m *Mapping) Truncate(size int64) {
	if size < 0 {
		size = 0
	}
	first := (size + rfs.PageSize - 1) / rfs.PageSize

	m.mut.Lock()
	var (
		drop []*Page
		tail *Page
	)
	for idx, p := range m.pages {
		switch {
		case idx >= first:
			drop = append(drop, p)
			delete(m.pages, idx)
		case size%rfs.PageSize != 0 && idx == size/rfs.PageSize:
			tail = p
		}
	}
	m.mut.Unlock()

	for _, p := range drop {
		p.Lock()
		p.ClearDirtyForIO()
		p.Clear(FlagUptodate)
		p.Unlock()
	}
	if tail != nil {
		tail.Lock()
		tail.ZeroFrom(int(size % rfs.PageSize))
		tail.Unlock()
	}
}

// SetError records a writeback error on the mapping. The error is reported
// once by the next call to Err.
func (m *Mapping) SetError(err error) {
	m.errMut.Lock()
	defer m.errMut.Unlock()
	m.err = err
}

// Err returns and clears the last recorded writeback error.
func (m *Mapping) Err() error {
	m.errMut.Lock()
	defer m.errMut.Unlock()

	err := m.err
	m.err = nil
	return err
}

// Private returns the remote handle attached to the mapping, or 0 if there
// isn't one.
func (m *Mapping) Private() rfs.Handle { return rfs.Handle(m.private.Load()) }

// SetPrivate attaches a remote handle to the mapping for writeback to use.
// Passing 0 detaches it.
func (m *Mapping) SetPrivate(h rfs.Handle) { m.private.Store(uint64(h)) }

func (m *Mapping) startWriteback() {
	m.wbMut.Lock()
	m.nrWriteback++
	m.wbMut.Unlock()
}

func (m *Mapping) endWriteback() {
	m.wbMut.Lock()
	defer m.wbMut.Unlock()

	m.nrWriteback--
	if m.nrWriteback <= 0 {
		m.nrWriteback = 0
		m.wbCond.Broadcast()
	}
}

// WaitWriteback blocks until no page in the mapping is under writeback.
func (m *Mapping) WaitWriteback() {
	m.wbMut.Lock()
	defer m.wbMut.Unlock()

	for m.nrWriteback > 0 {
		m.wbCond.Wait()
	}
}

package client

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/rfratto/rfs/internal/rfs"
	"github.com/rfratto/rfs/internal/rfs/cache"
	"github.com/rfratto/rfs/internal/rfs/pagecache"
)

// ReadPage starts an asynchronous read of a single locked page. The page is
// unlocked once the read completes, with FlagUptodate set on success and
// FlagError set on failure. ReadPage also unlocks the page if the request
// couldn't be sent.
func (f *File) ReadPage(ctx context.Context, page *pagecache.Page) error {
	return f.readBatch(ctx, []*pagecache.Page{page})
}

// ReadPages reads ahead the pages at indices. Pages which are already cached
// are skipped; the rest are read in batches of contiguous pages, at most
// rfs.MaxBatchPages at a time. ReadPages doesn't wait for the reads to
// finish.
func (f *File) ReadPages(ctx context.Context, indices []int64) error {
	sorted := append([]int64(nil), indices...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var (
		errs *multierror.Error
		run  []*pagecache.Page
	)
	flush := func() {
		if len(run) == 0 {
			return
		}
		if err := f.readBatch(ctx, run); err != nil {
			errs = multierror.Append(errs, err)
		}
		run = nil
	}

	for _, idx := range sorted {
		page := f.inode.Mapping.AddLocked(idx)
		if page == nil {
			flush()
			continue
		}
		if len(run) > 0 && (run[len(run)-1].Index+1 != idx || len(run) == rfs.MaxBatchPages) {
			flush()
		}
		run = append(run, page)
	}
	flush()
	return errs.ErrorOrNil()
}

// readBatch reads a run of locked, contiguous pages in a single request.
// Short reads past the end of the remote file are zero-filled.
func (f *File) readBatch(ctx context.Context, pages []*pagecache.Page) error {
	extents := make([]rfs.Extent, len(pages))
	for i, p := range pages {
		extents[i] = rfs.Extent{Offset: p.Offset(), Len: rfs.PageSize}
	}

	complete := func(reply *rfs.IOReply, err error) {
		if err == nil && (!reply.OK || len(reply.Extents) != len(pages)) {
			err = fmt.Errorf("read of %d pages at %d failed: %w", len(pages), pages[0].Index, rfs.ErrorIO)
		}

		var data []byte
		if err == nil {
			data = reply.Data
		}
		for i, p := range pages {
			if err != nil {
				p.Set(pagecache.FlagError)
				p.Unlock()
				continue
			}
			n := copy(p.Data[:reply.Extents[i].Len], data)
			data = data[n:]
			p.ZeroFrom(n)
			p.Clear(pagecache.FlagError)
			p.Set(pagecache.FlagUptodate)
			p.Unlock()
		}

		if err != nil {
			f.fs.metrics.pageFailures.WithLabelValues("read").Add(float64(len(pages)))
			level.Warn(f.fs.log).Log("msg", "page read failed", "ino", f.inode.Ino, "index", pages[0].Index, "pages", len(pages), "err", err)
			return
		}
		f.fs.metrics.pages.WithLabelValues("read").Add(float64(len(pages)))
	}

	msg, err := rfs.NewMessage(rfs.CmdRead, &rfs.IORequest{Handle: f.handle, Extents: extents})
	if err != nil {
		complete(nil, err)
		return err
	}

	f.fs.metrics.batches.WithLabelValues("read").Inc()
	err = f.fs.xfer.SendAsync(ctx, msg, func(resp *rfs.Message, err error) {
		var reply rfs.IOReply
		if err == nil {
			err = resp.Decode(&reply)
		}
		complete(&reply, err)
	})
	if err != nil {
		complete(nil, err)
	}
	return err
}

// WritebackControl controls which pages Writepages writes back.
type WritebackControl struct {
	// Start and End bound the page indices to write back, inclusive. An End
	// less than zero means no upper bound.
	Start, End int64

	// SyncAll waits for locked pages and only writes back pages which were
	// dirty when Writepages was called. Otherwise locked pages are skipped.
	SyncAll bool

	// NrToWrite stops writeback after this many pages. Zero means no limit.
	NrToWrite int
}

// Writepages writes back dirty pages of in, batching up to
// rfs.MaxBatchPages pages per request. Writepages doesn't wait for the
// writes to complete; a failed batch records rfs.ErrorIO on the inode's
// mapping.
//
// Writeback uses the remote handle attached to the mapping, or opens a
// temporary one if the file isn't open for writing.
func (fs *FS) Writepages(ctx context.Context, in *cache.Inode, wbc WritebackControl) error {
	m := in.Mapping

	h := m.Private()
	if h == 0 {
		d := in.Dentry()
		if d == nil {
			return fmt.Errorf("inode %d has no dentry: %w", in.Ino, rfs.ErrorStale)
		}
		tmp, err := fs.openHandle(ctx, fs.cache.Path(d), rfs.OpenReadWrite)
		if err != nil {
			return fmt.Errorf("no handle for writeback: %s: %w", err, rfs.ErrorNotPermitted)
		}
		h = tmp
		defer func() {
			m.WaitWriteback()
			if err := fs.closeHandle(ctx, tmp); err != nil {
				level.Warn(fs.log).Log("msg", "failed to close writeback handle", "ino", in.Ino, "err", err)
			}
		}()
	}

	tag := pagecache.FlagDirty
	if wbc.SyncAll {
		m.TagForWrite(wbc.Start, wbc.End)
		tag = pagecache.FlagToWrite
	}

	var (
		errs    *multierror.Error
		batch   []*pagecache.Page
		lens    []int32
		written int
	)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := fs.writeBatch(ctx, in, h, batch, lens); err != nil {
			errs = multierror.Append(errs, err)
		}
		batch, lens = nil, nil
	}

	for _, p := range m.Tagged(tag, wbc.Start, wbc.End) {
		if wbc.SyncAll {
			if err := p.LockContext(ctx); err != nil {
				errs = multierror.Append(errs, err)
				break
			}
		} else if !p.TryLock() {
			continue
		}

		if !p.ClearDirtyForIO() {
			p.Unlock()
			continue
		}

		// Writers extend the size before dirtying a page and unlocking it, so
		// the size read under the page lock covers everything in the page.
		size := in.Size()
		if p.Offset() >= size {
			// Truncated away after it was dirtied.
			p.Unlock()
			continue
		}

		n := int64(rfs.PageSize)
		if rem := size - p.Offset(); rem < n {
			n = rem
		}

		p.SetWriteback()
		batch = append(batch, p)
		lens = append(lens, int32(n))
		if len(batch) == rfs.MaxBatchPages {
			flush()
		}

		written++
		if wbc.NrToWrite > 0 && written >= wbc.NrToWrite {
			break
		}
	}
	flush()
	return errs.ErrorOrNil()
}

// writeBatch sends a single write request for locked pages under writeback,
// writing lens[i] bytes of pages[i]. Every page is unlocked and has its
// writeback ended exactly once, either when the reply arrives or right away
// if the request couldn't be sent.
func (fs *FS) writeBatch(ctx context.Context, in *cache.Inode, h rfs.Handle, pages []*pagecache.Page, lens []int32) error {
	var (
		extents = make([]rfs.Extent, len(pages))
		data    = make([]byte, 0, len(pages)*rfs.PageSize)
	)
	for i, p := range pages {
		extents[i] = rfs.Extent{Offset: p.Offset(), Len: lens[i]}
		data = append(data, p.Data[:lens[i]]...)
	}

	complete := func(err error) {
		for _, p := range pages {
			if err != nil {
				p.Set(pagecache.FlagError)
			} else {
				p.Clear(pagecache.FlagError)
			}
			p.EndWriteback()
			p.Unlock()
		}

		if err != nil {
			in.Mapping.SetError(rfs.ErrorIO)
			fs.metrics.pageFailures.WithLabelValues("write").Add(float64(len(pages)))
			level.Warn(fs.log).Log("msg", "page writeback failed", "ino", in.Ino, "index", pages[0].Index, "pages", len(pages), "err", err)
			return
		}
		fs.metrics.pages.WithLabelValues("write").Add(float64(len(pages)))
	}

	msg, err := rfs.NewMessage(rfs.CmdWrite, &rfs.IORequest{Handle: h, Extents: extents, Data: data})
	if err != nil {
		complete(err)
		return err
	}

	fs.metrics.batches.WithLabelValues("write").Inc()
	err = fs.xfer.SendAsync(ctx, msg, func(resp *rfs.Message, err error) {
		if err == nil {
			var reply rfs.IOReply
			if err = resp.Decode(&reply); err == nil && !reply.OK {
				err = fmt.Errorf("write of %d pages at %d: %w", len(pages), pages[0].Index, rfs.ErrorIO)
			}
		}
		complete(err)
	})
	if err != nil {
		complete(err)
	}
	return err
}

package client

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/rfratto/rfs/internal/rfs"
	"github.com/rfratto/rfs/internal/rfs/cache"
	"github.com/rfratto/rfs/internal/rfs/pagecache"
	"go.uber.org/atomic"
)

// File is a file opened on the remote core.
type File struct {
	fs     *FS
	dentry *cache.Dentry
	inode  *cache.Inode
	flags  int
	handle rfs.Handle
	closed atomic.Bool
}

func accessMode(flags int) int { return flags & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) }

func writable(flags int) bool { return accessMode(flags) != os.O_RDONLY }

// Open opens the file d with os.OpenFile flags.
func (fs *FS) Open(ctx context.Context, d *cache.Dentry, flags int) (*File, error) {
	in := d.Inode()
	if in == nil {
		return nil, rfs.ErrorNotExist
	}
	if in.IsDir() {
		return nil, fmt.Errorf("%s: %w", fs.cache.Path(d), rfs.ErrorIsDirectory)
	}
	in.SetMaxBytes(fs.volumeMaxBytes(ctx))

	if err := fs.checkStat(ctx, d, in, flags); err != nil {
		return nil, err
	}
	if flags&(os.O_CREATE|os.O_TRUNC) != 0 {
		in.SetFlag(cache.FlagCreateForWrite)
	}

	mode := rfs.OpenModeFor(flags)
	h, err := fs.openHandle(ctx, fs.cache.Path(d), mode)
	if err != nil {
		in.ClearFlag(cache.FlagCreateForWrite)
		return nil, err
	}

	// Write modes truncate the file on the remote side.
	if flags&os.O_TRUNC != 0 || mode == rfs.OpenWrite || mode == rfs.OpenWriteCreate {
		in.Mapping.Truncate(0)
		in.SetSize(0)
	}
	if writable(flags) {
		in.Mapping.SetPrivate(h)
	}

	return &File{
		fs:     fs,
		dentry: d,
		inode:  in,
		flags:  flags,
		handle: h,
	}, nil
}

// checkStat refreshes in from the remote core. A file opened for reading
// must still exist.
func (fs *FS) checkStat(ctx context.Context, d *cache.Dentry, in *cache.Inode, flags int) error {
	path := fs.cache.Path(d)
	reply, err := fs.stat(ctx, path)
	if err != nil {
		return err
	}
	if !reply.Found || reply.Stat.Type == rfs.StatNull {
		if !writable(flags) {
			return fmt.Errorf("%s: %w", path, rfs.ErrorNotExist)
		}
		return nil
	}
	in.Refresh(reply.Stat, fs.clock.Now())
	return nil
}

func (fs *FS) openHandle(ctx context.Context, path string, mode rfs.OpenMode) (rfs.Handle, error) {
	var reply rfs.OpenReply
	if err := fs.call(ctx, rfs.CmdOpen, &rfs.OpenRequest{Mode: mode, Path: path}, &reply); err != nil {
		return 0, err
	}
	if reply.Handle == 0 {
		return 0, fmt.Errorf("open %s with mode %q: %w", path, mode, rfs.ErrorBusy)
	}
	return reply.Handle, nil
}

func (fs *FS) closeHandle(ctx context.Context, h rfs.Handle) error {
	// The status of a close is meaningless to the remote core.
	var reply rfs.StatusReply
	return fs.call(ctx, rfs.CmdClose, &rfs.HandleRequest{Handle: h}, &reply)
}

// Inode returns the inode of the open file.
func (f *File) Inode() *cache.Inode { return f.inode }

// Close writes back dirty pages when the file was opened for writing and
// closes the remote handle.
func (f *File) Close(ctx context.Context) error {
	if f.closed.Swap(true) {
		return nil
	}

	var (
		errs *multierror.Error
		m    = f.inode.Mapping
	)

	if writable(f.flags) {
		m.SetPrivate(f.handle)
		if err := f.fs.Writepages(ctx, f.inode, WritebackControl{End: -1, SyncAll: true}); err != nil {
			errs = multierror.Append(errs, err)
		}
		m.WaitWriteback()
		m.SetPrivate(0)
		if err := m.Err(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("writeback: %w", err))
		}
	}

	if err := f.fs.closeHandle(ctx, f.handle); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close handle %d: %w", f.handle, err))
	}

	if writable(f.flags) {
		f.inode.ClearFlag(cache.FlagCreateForWrite)
	}
	if err := f.fs.checkStat(ctx, f.dentry, f.inode, f.flags); err != nil {
		level.Debug(f.fs.log).Log("msg", "failed to refresh file after close", "ino", f.inode.Ino, "err", err)
	}
	return errs.ErrorOrNil()
}

// Fsync writes back every dirty page and waits for the writeback to finish.
func (f *File) Fsync(ctx context.Context) error {
	m := f.inode.Mapping
	err := f.fs.Writepages(ctx, f.inode, WritebackControl{End: -1, SyncAll: true})
	m.WaitWriteback()
	if err != nil {
		return err
	}
	return m.Err()
}

// ReadAt reads len(p) bytes starting at off through the page cache. ReadAt
// returns io.EOF when fewer than len(p) bytes are available.
func (f *File) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, rfs.ErrorInvalid
	}
	size := f.inode.Size()
	if off >= size {
		return 0, io.EOF
	}

	end := off + int64(len(p))
	if end > size {
		end = size
	}
	if end <= off {
		return 0, nil
	}

	// Read ahead every missing page of the range in batches before waiting
	// on them one by one.
	first, last := off/rfs.PageSize, (end-1)/rfs.PageSize
	var missing []int64
	for idx := first; idx <= last; idx++ {
		if f.inode.Mapping.Find(idx) == nil {
			missing = append(missing, idx)
		}
	}
	if len(missing) > 0 {
		if err := f.ReadPages(ctx, missing); err != nil {
			return 0, err
		}
	}

	var n int
	for pos := off; pos < end; {
		page, err := f.uptodatePage(ctx, pos/rfs.PageSize)
		if err != nil {
			return n, err
		}
		start := int(pos % rfs.PageSize)
		stop := rfs.PageSize
		if rem := end - page.Offset(); rem < int64(stop) {
			stop = int(rem)
		}
		copied := copy(p[n:], page.Data[start:stop])
		page.Unlock()

		n += copied
		pos += int64(copied)
	}

	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// uptodatePage returns the locked page at idx, reading it from the remote
// core if needed.
func (f *File) uptodatePage(ctx context.Context, idx int64) (*pagecache.Page, error) {
	const maxAttempts = 3

	for attempt := 0; attempt < maxAttempts; attempt++ {
		page := f.inode.Mapping.GrabLocked(idx)
		if page.Test(pagecache.FlagUptodate) {
			return page, nil
		}
		if err := f.ReadPage(ctx, page); err != nil {
			return nil, err
		}
		if err := page.LockContext(ctx); err != nil {
			return nil, err
		}
		switch {
		case page.Test(pagecache.FlagUptodate):
			return page, nil
		case page.Test(pagecache.FlagError):
			page.Unlock()
			return nil, fmt.Errorf("reading page %d: %w", idx, rfs.ErrorIO)
		}
		// The page was invalidated before we got to it.
		page.Unlock()
	}
	return nil, fmt.Errorf("page %d kept getting invalidated: %w", idx, rfs.ErrorIO)
}

// WriteAt writes p at off through the page cache. Files opened with
// os.O_APPEND always write at the end of the file.
func (f *File) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if !writable(f.flags) {
		return 0, fmt.Errorf("file not open for writing: %w", rfs.ErrorNotPermitted)
	}
	if f.flags&os.O_APPEND != 0 {
		off = f.inode.Size()
	}
	if off < 0 {
		return 0, rfs.ErrorInvalid
	}
	if off+int64(len(p)) > f.inode.MaxBytes() {
		return 0, fmt.Errorf("write past %d bytes: %w", f.inode.MaxBytes(), rfs.ErrorFileTooLarge)
	}

	var n int
	for n < len(p) {
		pos := off + int64(n)
		cnt := rfs.PageSize - int(pos%rfs.PageSize)
		if rem := len(p) - n; rem < cnt {
			cnt = rem
		}

		page, err := f.WriteBegin(ctx, pos, cnt)
		if err != nil {
			return n, err
		}
		copy(page.Data[pos%rfs.PageSize:], p[n:n+cnt])
		if err := f.WriteEnd(ctx, page, pos, cnt); err != nil {
			return n + cnt, err
		}
		n += cnt
	}
	return n, nil
}

// WriteBegin prepares the page holding pos for a write of length bytes and
// returns it locked. A partial write to a page which isn't cached first
// reads the page from the remote core, so bytes outside the write are never
// lost.
func (f *File) WriteBegin(ctx context.Context, pos int64, length int) (*pagecache.Page, error) {
	idx := pos / rfs.PageSize
	page := f.inode.Mapping.GrabLocked(idx)
	if page.Test(pagecache.FlagUptodate) || length == rfs.PageSize {
		return page, nil
	}

	page.ZeroFrom(int(pos % rfs.PageSize))
	if page.Offset() < f.inode.Size() {
		if err := f.readForWrite(ctx, page); err != nil {
			page.Unlock()
			return nil, err
		}
	}
	page.Set(pagecache.FlagUptodate)
	return page, nil
}

// readForWrite synchronously fills a locked page from the remote core.
func (f *File) readForWrite(ctx context.Context, page *pagecache.Page) error {
	msg, err := rfs.NewMessage(rfs.CmdRead, &rfs.IORequest{
		Handle:  f.handle,
		Extents: []rfs.Extent{{Offset: page.Offset(), Len: rfs.PageSize}},
	})
	if err != nil {
		return err
	}
	resp, err := f.fs.xfer.SendSync(ctx, msg)
	if err != nil {
		return err
	}

	var reply rfs.IOReply
	if err := resp.Decode(&reply); err != nil {
		return err
	}
	if !reply.OK || len(reply.Extents) != 1 {
		return fmt.Errorf("read-for-write of page %d: %w", page.Index, rfs.ErrorIO)
	}
	n := copy(page.Data, reply.Data)
	page.ZeroFrom(n)
	f.fs.metrics.pages.WithLabelValues("read").Inc()
	return nil
}

// WriteEnd completes a write of copied bytes at pos into page and unlocks
// it. Writeback starts early once a full batch of pages is dirty, or right
// away for files opened with os.O_SYNC.
func (f *File) WriteEnd(ctx context.Context, page *pagecache.Page, pos int64, copied int) error {
	f.inode.ExtendSize(pos + int64(copied))
	page.Set(pagecache.FlagUptodate)
	page.MarkDirty()
	f.inode.Touch(f.fs.clock.Now())
	page.Unlock()

	m := f.inode.Mapping
	sync := f.flags&os.O_SYNC != 0
	if !sync && m.NrDirty() < rfs.MaxBatchPages {
		return nil
	}

	err := f.fs.Writepages(ctx, f.inode, WritebackControl{End: -1, SyncAll: sync})
	if sync {
		m.WaitWriteback()
		if err == nil {
			err = m.Err()
		}
	}
	return err
}

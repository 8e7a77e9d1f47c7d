package client

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rfratto/rfs/internal/rfs"
	"github.com/rfratto/rfs/internal/rfs/cache"
	"github.com/rfratto/rfs/internal/rfs/pagecache"
	"github.com/rfratto/rfs/internal/rfs/remote"
	"github.com/stretchr/testify/require"
)

// newTestFS mounts a remote core serving dir through h. If h is nil, the
// directory is served by a passthrough handler.
func newTestFS(t *testing.T, dir string, h remote.Handler) *FS {
	t.Helper()
	return newTestFSWithOptions(t, dir, h, DefaultOptions)
}

func newTestFSWithOptions(t *testing.T, dir string, h remote.Handler, o Options) *FS {
	t.Helper()

	if h == nil {
		h = remote.Passthrough(nil, dir, "C:")
	}

	ch, ep := rfs.Pipe()
	srv, err := remote.New(nil, remote.Options{Endpoint: ep, Handler: h})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	o.Registerer = prometheus.NewRegistry()
	fs, err := Mount(context.Background(), nil, ch, o)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = fs.Unmount(context.Background())
		cancel()
		require.NoError(t, <-done)
	})
	return fs
}

func TestMount_Refused(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file"), nil, 0644))

	ch, ep := rfs.Pipe()
	srv, err := remote.New(nil, remote.Options{Endpoint: ep, Handler: remote.Passthrough(nil, dir, "C:")})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()

	o := DefaultOptions
	o.Root = "D"
	_, err = Mount(context.Background(), nil, ch, o)
	require.ErrorIs(t, err, rfs.ErrorNoDevice)
}

func TestNormalizeRoot(t *testing.T) {
	require.Equal(t, "C:", NormalizeRoot("C"))
	require.Equal(t, "C:", NormalizeRoot("C:/"))
	require.Equal(t, "C:/data", NormalizeRoot("C:/data/"))
}

func TestFS_Statfs(t *testing.T) {
	fs := newTestFS(t, t.TempDir(), nil)

	st, err := fs.Statfs(context.Background())
	require.NoError(t, err)
	require.NotZero(t, st.Blocks)
	require.NotZero(t, st.BlockSize)
	require.Equal(t, rfs.NameMax, st.NameLen)
	require.Equal(t, rfs.FSTypeExFAT, st.Type)
	require.Equal(t, rfs.VolumeInfo{Type: rfs.FSTypeExFAT}.MaxFileSize(), fs.volumeMaxBytes(context.Background()))
}

func TestFS_Statfs_Unsupported(t *testing.T) {
	fs := newTestFS(t, t.TempDir(), &volSizeFailer{Handler: remote.Passthrough(nil, t.TempDir(), "C:")})

	st, err := fs.Statfs(context.Background())
	require.NoError(t, err)
	require.Zero(t, st.Blocks)
	require.Zero(t, st.BlockSize)
	require.Equal(t, rfs.VolumeInfo{}.MaxFileSize(), fs.volumeMaxBytes(context.Background()))
}

type volSizeFailer struct{ remote.Handler }

func (volSizeFailer) VolSize(context.Context, *remote.RequestHeader, *rfs.PathRequest) (*rfs.VolumeReply, error) {
	return nil, rfs.ErrorUnimplemented
}

func TestFS_Lookup_NotFound(t *testing.T) {
	var (
		ctx = context.Background()
		fs  = newTestFS(t, t.TempDir(), nil)
	)

	_, err := fs.Lookup(ctx, fs.Root(), "missing")
	require.ErrorIs(t, err, rfs.ErrorNotExist)

	d := fs.cache.Lookup(fs.Root(), "missing")
	require.NotNil(t, d, "a negative dentry should be cached")
	require.Nil(t, d.Inode())

	_, err = fs.Walk(ctx, "missing")
	require.ErrorIs(t, err, rfs.ErrorNotExist)
}

func TestFS_Lookup_BadName(t *testing.T) {
	fs := newTestFS(t, t.TempDir(), nil)

	for _, name := range []string{"", ".", "..", "a/b"} {
		_, err := fs.Lookup(context.Background(), fs.Root(), name)
		require.ErrorIs(t, err, rfs.ErrorInvalid, name)
	}
	_, err := fs.Lookup(context.Background(), fs.Root(), string(bytes.Repeat([]byte{'a'}, rfs.NameMax+1)))
	require.ErrorIs(t, err, rfs.ErrorNameTooLong)
}

func TestFS_CreateWriteGetattr(t *testing.T) {
	var (
		ctx = context.Background()
		dir = t.TempDir()
		fs  = newTestFS(t, dir, nil)
	)

	d, err := fs.Create(ctx, fs.Root(), "file", 0600)
	require.NoError(t, err)
	require.Equal(t, "C:/file", fs.Path(d))

	f, err := fs.Open(ctx, d, os.O_RDWR)
	require.NoError(t, err)
	n, err := f.WriteAt(ctx, []byte("0123456789"), 0)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.NoError(t, f.Close(ctx))

	attr, err := fs.Getattr(ctx, d.Inode())
	require.NoError(t, err)
	require.Equal(t, int64(10), attr.Size)
	require.Equal(t, os.FileMode(0600), attr.Mode.Perm())

	contents, err := os.ReadFile(filepath.Join(dir, "file"))
	require.NoError(t, err)
	require.Equal(t, "0123456789", string(contents))
}

func TestFS_ReadAt(t *testing.T) {
	var (
		ctx = context.Background()
		dir = t.TempDir()

		// Spans more than a full batch of pages and ends mid-page.
		data = make([]byte, (rfs.MaxBatchPages+3)*rfs.PageSize+123)
	)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big"), data, 0644))

	fs := newTestFS(t, dir, nil)
	d, err := fs.Walk(ctx, "big")
	require.NoError(t, err)

	f, err := fs.Open(ctx, d, os.O_RDONLY)
	require.NoError(t, err)
	defer f.Close(ctx)

	buf := make([]byte, len(data)+100)
	n, err := f.ReadAt(ctx, buf, 0)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, len(data), n)
	require.Equal(t, data, buf[:n])

	// A second read is served from the page cache.
	mid := make([]byte, 10)
	n, err = f.ReadAt(ctx, mid, rfs.PageSize-5)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Equal(t, data[rfs.PageSize-5:rfs.PageSize+5], mid)

	_, err = f.ReadAt(ctx, mid, int64(len(data)))
	require.ErrorIs(t, err, io.EOF)
}

// readRecorder records the number of extents in every read request.
type readRecorder struct {
	remote.Handler

	mut     sync.Mutex
	batches []int
}

func (r *readRecorder) Read(ctx context.Context, hdr *remote.RequestHeader, req *rfs.IORequest) (*rfs.IOReply, error) {
	r.mut.Lock()
	r.batches = append(r.batches, len(req.Extents))
	r.mut.Unlock()
	return r.Handler.Read(ctx, hdr, req)
}

func (r *readRecorder) take() []int {
	r.mut.Lock()
	defer r.mut.Unlock()
	out := r.batches
	r.batches = nil
	sort.Ints(out)
	return out
}

func TestFile_ReadPages_Batching(t *testing.T) {
	var (
		ctx = context.Background()
		dir = t.TempDir()
	)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big"), make([]byte, 64*rfs.PageSize), 0644))

	rec := &readRecorder{Handler: remote.Passthrough(nil, dir, "C:")}
	fs := newTestFS(t, dir, rec)
	d, err := fs.Walk(ctx, "big")
	require.NoError(t, err)

	f, err := fs.Open(ctx, d, os.O_RDONLY)
	require.NoError(t, err)
	defer f.Close(ctx)

	waitPages := func(indices []int64) {
		t.Helper()
		for _, idx := range indices {
			page := f.Inode().Mapping.Find(idx)
			require.NotNil(t, page)
			require.NoError(t, page.Wait(ctx))
			require.True(t, page.Test(pagecache.FlagUptodate), "page %d", idx)
		}
	}

	// Runs of contiguous pages are read together.
	scattered := []int64{10, 0, 5, 1, 6, 2}
	require.NoError(t, f.ReadPages(ctx, scattered))
	waitPages(scattered)
	require.Equal(t, []int{1, 2, 3}, rec.take())

	// A long run is split into full batches. Cached pages are skipped.
	var run []int64
	for idx := int64(10); idx < 47; idx++ {
		run = append(run, idx)
	}
	require.NoError(t, f.ReadPages(ctx, run))
	waitPages(run)
	require.Equal(t, []int{4, rfs.MaxBatchPages}, rec.take())
}

// A page dirtied past the end of the file is written once its writer extends
// the size, even if writeback started before then.
func TestFS_Writepages_SizeExtendedWhileLocked(t *testing.T) {
	var (
		ctx = context.Background()
		dir = t.TempDir()
		fs  = newTestFS(t, dir, nil)
	)

	d, err := fs.Create(ctx, fs.Root(), "file", 0644)
	require.NoError(t, err)
	f, err := fs.Open(ctx, d, os.O_RDWR)
	require.NoError(t, err)
	defer f.Close(ctx)

	in := d.Inode()
	require.Zero(t, in.Size())

	// Dirty page 1 before the size covers it, and hold it locked.
	page := in.Mapping.GrabLocked(1)
	page.Set(pagecache.FlagUptodate)
	page.MarkDirty()

	done := make(chan error, 1)
	go func() { done <- f.Fsync(ctx) }()

	// Writeback has tagged the page and is waiting for its lock.
	require.Eventually(t, func() bool {
		return page.Test(pagecache.FlagToWrite)
	}, 5*time.Second, time.Millisecond)

	copy(page.Data, "tail")
	in.ExtendSize(rfs.PageSize + 4)
	page.Unlock()

	require.NoError(t, <-done)
	require.False(t, page.Test(pagecache.FlagDirty))

	contents, err := os.ReadFile(filepath.Join(dir, "file"))
	require.NoError(t, err)
	require.Len(t, contents, rfs.PageSize+4)
	require.Equal(t, "tail", string(contents[rfs.PageSize:]))
}

func TestFS_PartialPageWrite(t *testing.T) {
	var (
		ctx = context.Background()
		dir = t.TempDir()
	)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file"), []byte("hello, world"), 0644))

	fs := newTestFS(t, dir, nil)
	d, err := fs.Walk(ctx, "file")
	require.NoError(t, err)

	f, err := fs.Open(ctx, d, os.O_RDWR)
	require.NoError(t, err)
	_, err = f.WriteAt(ctx, []byte("WORLD"), 7)
	require.NoError(t, err)
	require.NoError(t, f.Close(ctx))

	contents, err := os.ReadFile(filepath.Join(dir, "file"))
	require.NoError(t, err)
	require.Equal(t, "hello, WORLD", string(contents))
}

func TestFS_WriteReadOnly(t *testing.T) {
	var (
		ctx = context.Background()
		dir = t.TempDir()
	)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file"), []byte("x"), 0644))

	fs := newTestFS(t, dir, nil)
	d, err := fs.Walk(ctx, "file")
	require.NoError(t, err)

	f, err := fs.Open(ctx, d, os.O_RDONLY)
	require.NoError(t, err)
	defer f.Close(ctx)

	_, err = f.WriteAt(ctx, []byte("y"), 0)
	require.ErrorIs(t, err, rfs.ErrorNotPermitted)
}

func TestFS_OpenMissingForRead(t *testing.T) {
	var (
		ctx = context.Background()
		dir = t.TempDir()
	)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file"), nil, 0644))

	fs := newTestFS(t, dir, nil)
	d, err := fs.Walk(ctx, "file")
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(dir, "file")))

	_, err = fs.Open(ctx, d, os.O_RDONLY)
	require.ErrorIs(t, err, rfs.ErrorNotExist)
}

// writeFailer fails every write request.
type writeFailer struct{ remote.Handler }

func (writeFailer) Write(context.Context, *remote.RequestHeader, *rfs.IORequest) (*rfs.IOReply, error) {
	return nil, rfs.ErrorIO
}

func TestFS_WritebackFailure(t *testing.T) {
	var (
		ctx = context.Background()
		dir = t.TempDir()
		fs  = newTestFS(t, dir, writeFailer{Handler: remote.Passthrough(nil, dir, "C:")})
	)

	d, err := fs.Create(ctx, fs.Root(), "file", 0644)
	require.NoError(t, err)
	f, err := fs.Open(ctx, d, os.O_RDWR)
	require.NoError(t, err)

	_, err = f.WriteAt(ctx, bytes.Repeat([]byte{'z'}, 2*rfs.PageSize), 0)
	require.NoError(t, err)

	err = f.Close(ctx)
	require.ErrorIs(t, err, rfs.ErrorIO)

	m := d.Inode().Mapping
	require.Zero(t, m.NrDirty(), "failed pages are not redirtied")
	for idx := int64(0); idx < 2; idx++ {
		page := m.Find(idx)
		require.NotNil(t, page)
		require.False(t, page.Locked())
		require.False(t, page.Test(pagecache.FlagWriteback))
	}
	require.NoError(t, m.Err(), "the error is reported once")
}

func TestFS_Setattr(t *testing.T) {
	var (
		ctx = context.Background()
		dir = t.TempDir()
	)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file"), []byte("0123456789"), 0644))

	fs := newTestFS(t, dir, nil)
	d, err := fs.Walk(ctx, "file")
	require.NoError(t, err)
	in := d.Inode()

	mtime := time.Date(2021, time.March, 4, 5, 6, 7, 0, time.UTC)
	attr, err := fs.Setattr(ctx, in, SetattrRequest{
		UpdateMask: AttrMaskMtime | AttrMaskSize,
		Mtime:      mtime,
		Size:       4,
	})
	require.NoError(t, err)
	require.Equal(t, int64(4), attr.Size)
	require.True(t, mtime.Equal(attr.Mtime))

	fi, err := os.Stat(filepath.Join(dir, "file"))
	require.NoError(t, err)
	require.True(t, mtime.Equal(fi.ModTime()), "remote mtime should be updated, got %s", fi.ModTime())

	_, err = fs.Setattr(ctx, in, SetattrRequest{UpdateMask: AttrMaskSize, Size: -1})
	require.ErrorIs(t, err, rfs.ErrorInvalid)
	_, err = fs.Setattr(ctx, in, SetattrRequest{UpdateMask: AttrMaskSize, Size: 1 << 50})
	require.ErrorIs(t, err, rfs.ErrorFileTooLarge)
}

func TestFS_Unmount_WritesBack(t *testing.T) {
	var (
		ctx = context.Background()
		dir = t.TempDir()
		fs  = newTestFS(t, dir, nil)
	)

	d, err := fs.Create(ctx, fs.Root(), "file", 0644)
	require.NoError(t, err)

	// Dirty pages without closing the file.
	f, err := fs.Open(ctx, d, os.O_RDWR)
	require.NoError(t, err)
	_, err = f.WriteAt(ctx, []byte("pending"), 0)
	require.NoError(t, err)
	require.Equal(t, 1, d.Inode().Mapping.NrDirty())

	require.NoError(t, fs.Unmount(ctx))

	contents, err := os.ReadFile(filepath.Join(dir, "file"))
	require.NoError(t, err)
	require.Equal(t, "pending", string(contents))
}

func TestFS_Getattr_SkipAfterListing(t *testing.T) {
	var (
		ctx = context.Background()
		dir = t.TempDir()
	)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file"), []byte("abc"), 0644))

	fs := newTestFS(t, dir, nil)
	dh, err := fs.OpenDir(ctx, fs.Root())
	require.NoError(t, err)
	require.NoError(t, dh.Readdir(ctx, func(DirEntry) bool { return true }))
	require.NoError(t, dh.Close())

	d := fs.cache.Lookup(fs.Root(), "file")
	require.NotNil(t, d)
	require.True(t, d.Inode().HasFlag(cache.FlagSkipGetStat))

	// Removing the file remotely isn't noticed by the first getattr, which
	// trusts the listing.
	require.NoError(t, os.Remove(filepath.Join(dir, "file")))
	attr, err := fs.Getattr(ctx, d.Inode())
	require.NoError(t, err)
	require.Equal(t, int64(3), attr.Size)

	_, err = fs.Getattr(ctx, d.Inode())
	require.ErrorIs(t, err, rfs.ErrorNotExist)
}

func TestFS_Setattr_Now(t *testing.T) {
	var (
		ctx   = context.Background()
		dir   = t.TempDir()
		clock timeutil.SimulatedClock
		now   = time.Date(2022, time.March, 4, 5, 6, 7, 0, time.UTC)
	)
	clock.SetTime(now)

	o := DefaultOptions
	o.Clock = &clock
	fs := newTestFSWithOptions(t, dir, nil, o)

	d, err := fs.Create(ctx, fs.Root(), "file", 0644)
	require.NoError(t, err)

	attr, err := fs.Setattr(ctx, d.Inode(), SetattrRequest{UpdateMask: AttrMaskAtimeNow | AttrMaskMtimeNow})
	require.NoError(t, err)
	require.True(t, now.Equal(attr.Mtime))
	require.True(t, now.Equal(attr.Atime))
	require.True(t, now.Equal(attr.Ctime))

	fi, err := os.Stat(filepath.Join(dir, "file"))
	require.NoError(t, err)
	require.True(t, now.Equal(fi.ModTime()), "host mtime %s", fi.ModTime())

	// A local write stamps the inode with the clock, so the remote mtime
	// doesn't clobber it on the next refresh.
	clock.AdvanceTime(time.Hour)
	f, err := fs.Open(ctx, d, os.O_WRONLY)
	require.NoError(t, err)
	_, err = f.WriteAt(ctx, []byte("x"), 0)
	require.NoError(t, err)
	require.True(t, now.Add(time.Hour).Equal(d.Inode().Attr().Mtime))
	require.NoError(t, f.Close(ctx))
}

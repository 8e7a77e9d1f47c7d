package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/rfratto/rfs/internal/rfs"
)

// DefaultListBatch is the number of records returned per listing request
// when the requester doesn't ask for a specific amount.
const DefaultListBatch = 16

// Passthrough creates a new Handler which passes through requests to the host
// filesystem. Requested paths must start with volume (for example "C:") and
// are transformed relative to the provided root. Note that this isn't a
// chroot, and it's possible to read files in higher directories via symbolic
// links.
func Passthrough(l log.Logger, root, volume string) Handler {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &passthroughHandler{
		log:      l,
		root:     root,
		volume:   volume,
		handles:  make(map[rfs.Handle]*passthroughHandle),
		listings: make(map[uint64]*listing),
	}
}

type passthroughHandler struct {
	log    log.Logger
	root   string
	volume string

	mut        sync.Mutex
	handles    map[rfs.Handle]*passthroughHandle // GUARDED_BY(mut)
	nextHandle rfs.Handle                        // GUARDED_BY(mut)
	listings   map[uint64]*listing               // GUARDED_BY(mut)
	nextCursor uint64                            // GUARDED_BY(mut)
}

var (
	_ Handler = (*passthroughHandler)(nil)
)

type passthroughHandle struct {
	f    *os.File
	mode rfs.OpenMode
}

// listing is an in-progress directory enumeration.
type listing struct {
	records []rfs.StatRecord
	next    int
}

func (h *passthroughHandler) Init(ctx context.Context) error {
	// no-op
	return nil
}

func (h *passthroughHandler) Close() error {
	h.mut.Lock()
	defer h.mut.Unlock()

	var errs *multierror.Error
	for id, ph := range h.handles {
		if err := ph.f.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing handle %d: %w", id, err))
		}
	}
	h.handles = make(map[rfs.Handle]*passthroughHandle)
	h.listings = make(map[uint64]*listing)
	return errs.ErrorOrNil()
}

// hostPath converts a remote path into a path on the host filesystem.
func (h *passthroughHandler) hostPath(p string) (string, error) {
	vol, rest := p, ""
	if i := strings.IndexByte(p, '/'); i >= 0 {
		vol, rest = p[:i], p[i:]
	}
	if vol != h.volume {
		return "", fmt.Errorf("%q is not on volume %q: %w", p, h.volume, rfs.ErrorNotExist)
	}
	return filepath.Join(h.root, filepath.FromSlash(path.Clean("/"+rest))), nil
}

// globDir returns the host directory named by a listing pattern such as
// "C:/dir/*".
func (h *passthroughHandler) globDir(pattern string) (string, error) {
	return h.hostPath(strings.TrimSuffix(pattern, "/*"))
}

func (h *passthroughHandler) ListInit(ctx context.Context, hdr *RequestHeader, req *rfs.ListInitRequest) (*rfs.ListReply, error) {
	dir, err := h.globDir(req.Path)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, err
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("%s: %w", req.Path, rfs.ErrorNotDirectory)
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	// Listings start with the directory itself and its parent, like a
	// FindFirst over a FAT directory.
	records := make([]rfs.StatRecord, 0, len(ents)+2)
	records = append(records, statRecord(".", fi))
	if pfi, err := os.Stat(filepath.Dir(dir)); err == nil && dir != filepath.Clean(h.root) {
		records = append(records, statRecord("..", pfi))
	} else {
		records = append(records, statRecord("..", fi))
	}
	for _, ent := range ents {
		efi, err := ent.Info()
		if err != nil {
			// Removed while listing.
			continue
		}
		records = append(records, statRecord(ent.Name(), efi))
	}

	h.mut.Lock()
	defer h.mut.Unlock()

	h.nextCursor++
	cursor := h.nextCursor
	l := &listing{records: records}
	h.listings[cursor] = l
	return &rfs.ListReply{Cursor: cursor, Records: l.take(req.Batch)}, nil
}

func (h *passthroughHandler) ListNext(ctx context.Context, hdr *RequestHeader, req *rfs.ListNextRequest) (*rfs.ListReply, error) {
	h.mut.Lock()
	defer h.mut.Unlock()

	l, ok := h.listings[req.Cursor]
	if !ok {
		return nil, fmt.Errorf("unknown listing %d: %w", req.Cursor, rfs.ErrorInvalid)
	}
	return &rfs.ListReply{Cursor: req.Cursor, Records: l.take(req.Batch)}, nil
}

func (l *listing) take(batch uint8) []rfs.StatRecord {
	n := int(batch)
	if n == 0 {
		n = DefaultListBatch
	}
	if rem := len(l.records) - l.next; rem < n {
		n = rem
	}
	out := l.records[l.next : l.next+n]
	l.next += n
	return out
}

func (h *passthroughHandler) ListExit(ctx context.Context, hdr *RequestHeader, req *rfs.ListExitRequest) {
	h.mut.Lock()
	defer h.mut.Unlock()

	if _, ok := h.listings[req.Cursor]; !ok {
		level.Debug(h.log).Log("msg", "ignoring exit of unknown listing", "cursor", req.Cursor)
		return
	}
	delete(h.listings, req.Cursor)
}

func (h *passthroughHandler) Stat(ctx context.Context, hdr *RequestHeader, req *rfs.PathRequest) (*rfs.StatReply, error) {
	p, err := h.hostPath(req.Path)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return &rfs.StatReply{Found: false}, nil
	} else if err != nil {
		return nil, err
	}
	return &rfs.StatReply{Found: true, Stat: statRecord(path.Base(req.Path), fi)}, nil
}

// openFlags maps an OpenMode onto os.OpenFile flags, matching fopen.
func openFlags(m rfs.OpenMode) (int, error) {
	switch m {
	case rfs.OpenRead:
		return os.O_RDONLY, nil
	case rfs.OpenReadWrite:
		return os.O_RDWR, nil
	case rfs.OpenWrite:
		return os.O_WRONLY | os.O_CREATE | os.O_TRUNC, nil
	case rfs.OpenWriteCreate:
		return os.O_RDWR | os.O_CREATE | os.O_TRUNC, nil
	default:
		return 0, fmt.Errorf("bad open mode %q: %w", m, rfs.ErrorInvalid)
	}
}

func (h *passthroughHandler) Open(ctx context.Context, hdr *RequestHeader, req *rfs.OpenRequest) (*rfs.OpenReply, error) {
	p, err := h.hostPath(req.Path)
	if err != nil {
		return nil, err
	}
	flags, err := openFlags(req.Mode)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(p, flags, 0644)
	if err != nil {
		return nil, err
	}
	if fi, err := f.Stat(); err == nil && fi.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", req.Path, rfs.ErrorIsDirectory)
	}

	h.mut.Lock()
	defer h.mut.Unlock()

	h.nextHandle++
	id := h.nextHandle
	h.handles[id] = &passthroughHandle{f: f, mode: req.Mode}
	return &rfs.OpenReply{Handle: id}, nil
}

func (h *passthroughHandler) getHandle(id rfs.Handle) (*passthroughHandle, error) {
	h.mut.Lock()
	defer h.mut.Unlock()

	ph, ok := h.handles[id]
	if !ok {
		return nil, fmt.Errorf("unknown handle %d: %w", id, rfs.ErrorStale)
	}
	return ph, nil
}

func (h *passthroughHandler) Release(ctx context.Context, hdr *RequestHeader, req *rfs.HandleRequest) error {
	h.mut.Lock()
	ph, ok := h.handles[req.Handle]
	delete(h.handles, req.Handle)
	h.mut.Unlock()

	if !ok {
		return fmt.Errorf("unknown handle %d: %w", req.Handle, rfs.ErrorStale)
	}
	return ph.f.Close()
}

func (h *passthroughHandler) Read(ctx context.Context, hdr *RequestHeader, req *rfs.IORequest) (*rfs.IOReply, error) {
	ph, err := h.getHandle(req.Handle)
	if err != nil {
		return nil, err
	}

	var (
		extents = make([]rfs.Extent, len(req.Extents))
		data    []byte
	)
	for i, ext := range req.Extents {
		if ext.Len < 0 || ext.Len > rfs.PageSize {
			return nil, fmt.Errorf("bad extent length %d: %w", ext.Len, rfs.ErrorInvalid)
		}
		buf := make([]byte, ext.Len)
		n, err := ph.f.ReadAt(buf, ext.Offset)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		extents[i] = rfs.Extent{Offset: ext.Offset, Len: int32(n)}
		data = append(data, buf[:n]...)
	}
	return &rfs.IOReply{OK: true, Handle: req.Handle, Extents: extents, Data: data}, nil
}

func (h *passthroughHandler) Write(ctx context.Context, hdr *RequestHeader, req *rfs.IORequest) (*rfs.IOReply, error) {
	ph, err := h.getHandle(req.Handle)
	if err != nil {
		return nil, err
	}
	if ph.mode == rfs.OpenRead {
		return nil, fmt.Errorf("handle %d is read-only: %w", req.Handle, rfs.ErrorNotPermitted)
	}

	data := req.Data
	for _, ext := range req.Extents {
		if ext.Len < 0 || int(ext.Len) > len(data) {
			return nil, fmt.Errorf("extent of %d bytes overruns data: %w", ext.Len, rfs.ErrorInvalid)
		}
		if _, err := ph.f.WriteAt(data[:ext.Len], ext.Offset); err != nil {
			return nil, err
		}
		data = data[ext.Len:]
	}
	return &rfs.IOReply{OK: true, Handle: req.Handle, Extents: req.Extents}, nil
}

func (h *passthroughHandler) Create(ctx context.Context, hdr *RequestHeader, req *rfs.PathRequest) (*rfs.StatReply, error) {
	p, err := h.hostPath(req.Path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return &rfs.StatReply{Found: true, Stat: statRecord(path.Base(req.Path), fi)}, nil
}

func (h *passthroughHandler) Delete(ctx context.Context, hdr *RequestHeader, req *rfs.PathRequest) error {
	p, err := h.hostPath(req.Path)
	if err != nil {
		return err
	}
	fi, err := os.Lstat(p)
	if err != nil {
		return err
	} else if fi.IsDir() {
		return fmt.Errorf("%s: %w", req.Path, rfs.ErrorIsDirectory)
	}
	return os.Remove(p)
}

func (h *passthroughHandler) Mkdir(ctx context.Context, hdr *RequestHeader, req *rfs.PathRequest) (*rfs.StatReply, error) {
	p, err := h.hostPath(req.Path)
	if err != nil {
		return nil, err
	}
	if err := os.Mkdir(p, 0755); err != nil {
		return nil, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	return &rfs.StatReply{Found: true, Stat: statRecord(path.Base(req.Path), fi)}, nil
}

func (h *passthroughHandler) Rmdir(ctx context.Context, hdr *RequestHeader, req *rfs.PathRequest) error {
	p, err := h.hostPath(req.Path)
	if err != nil {
		return err
	}
	fi, err := os.Lstat(p)
	if err != nil {
		return err
	} else if !fi.IsDir() {
		return fmt.Errorf("%s: %w", req.Path, rfs.ErrorNotDirectory)
	}
	return os.Remove(p)
}

func (h *passthroughHandler) Rename(ctx context.Context, hdr *RequestHeader, req *rfs.RenameRequest) error {
	oldPath, err := h.hostPath(req.OldPath)
	if err != nil {
		return err
	}
	newPath, err := h.hostPath(req.NewPath)
	if err != nil {
		return err
	}
	return os.Rename(oldPath, newPath)
}

func (h *passthroughHandler) Mount(ctx context.Context, hdr *RequestHeader, req *rfs.PathRequest) error {
	dir, err := h.globDir(req.Path)
	if err != nil {
		return err
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return err
	} else if !fi.IsDir() {
		return fmt.Errorf("%s: %w", req.Path, rfs.ErrorNoDevice)
	}
	level.Info(h.log).Log("msg", "volume mounted", "path", req.Path, "dir", dir)
	return nil
}

func (h *passthroughHandler) Umount(ctx context.Context, hdr *RequestHeader, req *rfs.PathRequest) error {
	level.Info(h.log).Log("msg", "volume unmounted", "path", req.Path)
	return nil
}

func (h *passthroughHandler) VolSize(ctx context.Context, hdr *RequestHeader, req *rfs.PathRequest) (*rfs.VolumeReply, error) {
	info, err := volumeInfo(h.root)
	if err != nil {
		return nil, err
	}
	return &rfs.VolumeReply{OK: true, Info: info}, nil
}

func (h *passthroughHandler) QuickStat(ctx context.Context, hdr *RequestHeader, req *rfs.QuickStatRequest) (*rfs.QuickStatRecord, error) {
	p, err := h.hostPath(req.Path)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return &rfs.QuickStatRecord{Type: rfs.StatNull, Tag: req.Tag}, nil
	} else if err != nil {
		return nil, err
	}

	rec := statRecord("", fi)
	return &rfs.QuickStatRecord{
		Type:  rec.Type,
		Tag:   req.Tag,
		Size:  rec.Size,
		Atime: rec.Atime,
		Mtime: rec.Mtime,
		Ctime: rec.Ctime,
	}, nil
}

func (h *passthroughHandler) SetTime(ctx context.Context, hdr *RequestHeader, req *rfs.SetTimeRequest) error {
	p, err := h.hostPath(req.Path)
	if err != nil {
		return err
	}
	// The change time can't be set on the host; it's updated by the
	// Chtimes itself.
	return os.Chtimes(p, req.Atime.Time(), req.Mtime.Time())
}

// statRecord builds a stat record for fi. Times are truncated to seconds.
func statRecord(name string, fi fs.FileInfo) rfs.StatRecord {
	rec := rfs.StatRecord{
		Type:  rfs.StatFile,
		Size:  fi.Size(),
		Name:  name,
		Mtime: fi.ModTime().UTC().Truncate(time.Second),
	}
	if fi.IsDir() {
		rec.Type = rfs.StatDir
		rec.Size = 0
	}
	rec.Atime, rec.Ctime = fileTimes(fi)
	return rec
}

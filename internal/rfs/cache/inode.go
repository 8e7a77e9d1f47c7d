package cache

import (
	"os"
	"sync"
	"time"

	"github.com/rfratto/rfs/internal/rfs"
	"github.com/rfratto/rfs/internal/rfs/pagecache"
)

// Flag is a per-inode state flag.
type Flag uint32

const (
	// FlagSkipGetStat lets the next getattr trust the cached attributes. It
	// is set for inodes instantiated from a directory listing, which already
	// carried a fresh stat record.
	FlagSkipGetStat Flag = 0x100

	// FlagCreateForWrite is set while the file is open after being created
	// or truncated. Remote stats don't overwrite a non-empty local size
	// while it is set, since the remote side lags behind buffered writes.
	FlagCreateForWrite Flag = 0x200
)

// Default permission bits of remote files. The remote core has no notion of
// permissions.
const (
	DefaultFileMode os.FileMode = 0644
	DefaultDirMode  os.FileMode = 0755 | os.ModeDir
)

// Inode is the cached metadata and page cache of a single remote file.
type Inode struct {
	Ino        Ino
	Generation uint64
	Mapping    *pagecache.Mapping

	mut      sync.Mutex
	typ      rfs.StatType
	mode     os.FileMode
	size     int64
	atime    time.Time
	mtime    time.Time
	ctime    time.Time
	nlink    uint32
	flags    Flag
	maxBytes int64
	dentry   *Dentry
}

func newInode(ino Ino, gen uint64, st rfs.StatRecord) *Inode {
	mode := DefaultFileMode
	if st.Type == rfs.StatDir {
		mode = DefaultDirMode
	}

	return &Inode{
		Ino:        ino,
		Generation: gen,
		Mapping:    pagecache.NewMapping(),

		typ:      st.Type,
		mode:     mode,
		size:     st.Size,
		atime:    st.Atime,
		mtime:    st.Mtime,
		ctime:    st.Ctime,
		nlink:    1,
		maxBytes: rfs.VolumeInfo{}.MaxFileSize(),
	}
}

// Attr is a snapshot of an inode's attributes.
type Attr struct {
	Ino   Ino
	Type  rfs.StatType
	Mode  os.FileMode
	Size  int64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
	Nlink uint32
}

// Attr returns a snapshot of the inode's attributes.
func (in *Inode) Attr() Attr {
	in.mut.Lock()
	defer in.mut.Unlock()

	return Attr{
		Ino:   in.Ino,
		Type:  in.typ,
		Mode:  in.mode,
		Size:  in.size,
		Atime: in.atime,
		Mtime: in.mtime,
		Ctime: in.ctime,
		Nlink: in.nlink,
	}
}

// Type returns the remote file type of the inode.
func (in *Inode) Type() rfs.StatType {
	in.mut.Lock()
	defer in.mut.Unlock()
	return in.typ
}

// IsDir reports whether the inode is a directory.
func (in *Inode) IsDir() bool { return in.Type() == rfs.StatDir }

// Dentry returns the dentry the inode is bound to, if any.
func (in *Inode) Dentry() *Dentry {
	in.mut.Lock()
	defer in.mut.Unlock()
	return in.dentry
}

// Refresh reconciles the inode with a stat record fetched from the remote
// core. The remote record is ignored when:
//
//   - it matches the cached size and mtime,
//   - the cached mtime is newer (local writes haven't reached the remote
//     side yet), or
//   - the file is open after a create or truncate and the cached size is
//     non-empty.
//
// Otherwise cached pages are invalidated if the file had contents, the size
// and times are copied, and the inode's dentry is marked valid as of now.
// Returns true if the inode was updated.
func (in *Inode) Refresh(st rfs.StatRecord, now time.Time) bool {
	in.mut.Lock()
	defer in.mut.Unlock()

	switch {
	case in.size == st.Size && in.mtime.Unix() == st.Mtime.Unix():
		return false
	case in.mtime.After(st.Mtime):
		return false
	case in.flags&FlagCreateForWrite != 0 && in.size > 0:
		return false
	}

	if in.size != 0 {
		in.Mapping.Invalidate()
	}
	in.size = st.Size
	in.atime = st.Atime
	in.mtime = st.Mtime
	in.ctime = st.Ctime
	if in.dentry != nil {
		in.dentry.Touch(now)
	}
	return true
}

// Size returns the cached file size.
func (in *Inode) Size() int64 {
	in.mut.Lock()
	defer in.mut.Unlock()
	return in.size
}

// SetSize sets the cached file size.
func (in *Inode) SetSize(size int64) {
	in.mut.Lock()
	defer in.mut.Unlock()
	in.size = size
}

// ExtendSize grows the cached file size to size if it is larger. Returns
// true if the size changed.
func (in *Inode) ExtendSize(size int64) bool {
	in.mut.Lock()
	defer in.mut.Unlock()
	if size <= in.size {
		return false
	}
	in.size = size
	return true
}

// Touch sets the modification and change times to now.
func (in *Inode) Touch(now time.Time) {
	in.mut.Lock()
	defer in.mut.Unlock()
	in.mtime = now
	in.ctime = now
}

// SetTimes sets the cached timestamps. Zero times are left unchanged.
func (in *Inode) SetTimes(atime, mtime, ctime time.Time) {
	in.mut.Lock()
	defer in.mut.Unlock()
	if !atime.IsZero() {
		in.atime = atime
	}
	if !mtime.IsZero() {
		in.mtime = mtime
	}
	if !ctime.IsZero() {
		in.ctime = ctime
	}
}

// SetMode replaces the permission bits of the inode. The file type bits are
// kept.
func (in *Inode) SetMode(mode os.FileMode) {
	in.mut.Lock()
	defer in.mut.Unlock()
	in.mode = in.mode&os.ModeType | mode.Perm()
}

// Nlink returns the link count.
func (in *Inode) Nlink() uint32 {
	in.mut.Lock()
	defer in.mut.Unlock()
	return in.nlink
}

// SetNlink sets the link count.
func (in *Inode) SetNlink(n uint32) {
	in.mut.Lock()
	defer in.mut.Unlock()
	in.nlink = n
}

// IncNlink increments the link count.
func (in *Inode) IncNlink() {
	in.mut.Lock()
	defer in.mut.Unlock()
	in.nlink++
}

// DropNlink decrements the link count. It never drops below zero.
func (in *Inode) DropNlink() {
	in.mut.Lock()
	defer in.mut.Unlock()
	if in.nlink > 0 {
		in.nlink--
	}
}

// ClearNlink sets the link count to zero.
func (in *Inode) ClearNlink() { in.SetNlink(0) }

// SetFlag sets f on the inode.
func (in *Inode) SetFlag(f Flag) {
	in.mut.Lock()
	defer in.mut.Unlock()
	in.flags |= f
}

// ClearFlag clears f on the inode.
func (in *Inode) ClearFlag(f Flag) {
	in.mut.Lock()
	defer in.mut.Unlock()
	in.flags &^= f
}

// HasFlag reports whether f is set.
func (in *Inode) HasFlag(f Flag) bool {
	in.mut.Lock()
	defer in.mut.Unlock()
	return in.flags&f != 0
}

// TestAndClearFlag clears f and reports whether it was set.
func (in *Inode) TestAndClearFlag(f Flag) bool {
	in.mut.Lock()
	defer in.mut.Unlock()
	set := in.flags&f != 0
	in.flags &^= f
	return set
}

// MaxBytes returns the largest size the file may grow to.
func (in *Inode) MaxBytes() int64 {
	in.mut.Lock()
	defer in.mut.Unlock()
	return in.maxBytes
}

// SetMaxBytes sets the largest size the file may grow to.
func (in *Inode) SetMaxBytes(n int64) {
	in.mut.Lock()
	defer in.mut.Unlock()
	in.maxBytes = n
}

package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-kit/log/level"
	"github.com/rfratto/rfs/internal/rfs"
	"github.com/rfratto/rfs/internal/rfs/cache"
)

func checkName(name string) error {
	switch {
	case name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/'):
		return fmt.Errorf("invalid name %q: %w", name, rfs.ErrorInvalid)
	case len(name) > rfs.NameMax:
		return fmt.Errorf("name %.16q...: %w", name, rfs.ErrorNameTooLong)
	}
	return nil
}

// Lookup finds name in parent on the remote core. A name which doesn't exist
// is cached as a negative dentry and reported as rfs.ErrorNotExist.
func (fs *FS) Lookup(ctx context.Context, parent *cache.Dentry, name string) (*cache.Dentry, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}

	reply, err := fs.stat(ctx, fs.cache.ChildPath(parent, name))
	if err != nil {
		return nil, err
	}

	now := fs.clock.Now()
	if !reply.Found || reply.Stat.Type == rfs.StatNull {
		if _, err := fs.cache.Attach(parent, name, nil, now); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", name, rfs.ErrorNotExist)
	}
	return fs.instantiate(parent, name, reply.Stat, now)
}

// instantiate binds name in parent to an inode for st, reusing the cached
// inode when the file type hasn't changed.
func (fs *FS) instantiate(parent *cache.Dentry, name string, st rfs.StatRecord, now time.Time) (*cache.Dentry, error) {
	if d := fs.cache.Lookup(parent, name); d != nil {
		if in := d.Inode(); in != nil && in.Type() == st.Type {
			in.Refresh(st, now)
			return d, nil
		}
	}

	in, err := fs.cache.NewInode(st)
	if err != nil {
		return nil, err
	}
	d, err := fs.cache.Attach(parent, name, in, now)
	if err != nil {
		return nil, err
	}
	in.Refresh(st, now)
	return d, nil
}

// Walk resolves a slash-separated path relative to the mount root. Cached
// dentries are revalidated before they are trusted.
func (fs *FS) Walk(ctx context.Context, path string) (*cache.Dentry, error) {
	cur := fs.cache.Root()
	for _, name := range strings.Split(path, "/") {
		if name == "" || name == "." {
			continue
		}
		if name == ".." {
			cur = cur.Parent()
			continue
		}
		if in := cur.Inode(); in == nil || !in.IsDir() {
			return nil, fmt.Errorf("%s: %w", fs.cache.Path(cur), rfs.ErrorNotDirectory)
		}

		if d := fs.cache.Lookup(cur, name); d != nil && fs.Revalidate(ctx, d) {
			if d.Inode() == nil {
				return nil, fmt.Errorf("%s: %w", name, rfs.ErrorNotExist)
			}
			cur = d
			continue
		}

		d, err := fs.Lookup(ctx, cur, name)
		if err != nil {
			return nil, err
		}
		cur = d
	}
	return cur, nil
}

// Create creates a new regular file name in parent.
func (fs *FS) Create(ctx context.Context, parent *cache.Dentry, name string, mode os.FileMode) (*cache.Dentry, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}

	var reply rfs.StatReply
	if err := fs.call(ctx, rfs.CmdCreate, &rfs.PathRequest{Path: fs.cache.ChildPath(parent, name)}, &reply); err != nil {
		return nil, err
	}
	if !reply.Found || reply.Stat.Type != rfs.StatFile {
		return nil, fmt.Errorf("create %s: remote core returned %s: %w", name, reply.Stat.Type, rfs.ErrorNoDevice)
	}

	in, err := fs.cache.NewInode(reply.Stat)
	if err != nil {
		return nil, err
	}
	in.SetMode(mode)
	return fs.cache.Attach(parent, name, in, fs.clock.Now())
}

// Mkdir creates a new directory name in parent.
func (fs *FS) Mkdir(ctx context.Context, parent *cache.Dentry, name string, mode os.FileMode) (*cache.Dentry, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}

	var reply rfs.StatReply
	if err := fs.call(ctx, rfs.CmdMkdir, &rfs.PathRequest{Path: fs.cache.ChildPath(parent, name)}, &reply); err != nil {
		return nil, err
	}
	if !reply.Found || reply.Stat.Type != rfs.StatDir {
		return nil, fmt.Errorf("mkdir %s: remote core returned %s: %w", name, reply.Stat.Type, rfs.ErrorNoDevice)
	}

	in, err := fs.cache.NewInode(reply.Stat)
	if err != nil {
		return nil, err
	}
	in.SetMode(mode)
	in.IncNlink()
	parent.Inode().IncNlink()
	return fs.cache.Attach(parent, name, in, fs.clock.Now())
}

// Unlink removes the file name from parent.
func (fs *FS) Unlink(ctx context.Context, parent *cache.Dentry, name string) error {
	return fs.remove(ctx, rfs.CmdDelete, parent, name)
}

// Rmdir removes the directory name from parent.
func (fs *FS) Rmdir(ctx context.Context, parent *cache.Dentry, name string) error {
	return fs.remove(ctx, rfs.CmdRmdir, parent, name)
}

func (fs *FS) remove(ctx context.Context, cmd rfs.Command, parent *cache.Dentry, name string) error {
	if err := checkName(name); err != nil {
		return err
	}

	var reply rfs.StatusReply
	if err := fs.call(ctx, cmd, &rfs.PathRequest{Path: fs.cache.ChildPath(parent, name)}, &reply); err != nil {
		return err
	}
	if reply.Status != 0 {
		return fmt.Errorf("%s %s: remote status %d: %w", cmd, name, reply.Status, rfs.ErrorBusy)
	}

	d := fs.cache.Lookup(parent, name)
	if d == nil {
		return nil
	}
	if in := d.Inode(); in != nil {
		if cmd == rfs.CmdRmdir {
			in.ClearNlink()
			parent.Inode().DropNlink()
		} else {
			in.DropNlink()
		}
	}
	fs.cache.Remove(d)
	return nil
}

// RenameFlags modify the behavior of Rename.
type RenameFlags uint32

// Supported rename flags.
const (
	RenameNoReplace RenameFlags = 1 << 0
	RenameExchange  RenameFlags = 1 << 1
	RenameWhiteout  RenameFlags = 1 << 2
)

// Rename moves oldName in oldParent to newName in newParent, replacing any
// existing target unless RenameNoReplace is set.
func (fs *FS) Rename(ctx context.Context, oldParent *cache.Dentry, oldName string, newParent *cache.Dentry, newName string, flags RenameFlags) error {
	if flags&^(RenameNoReplace|RenameExchange|RenameWhiteout) != 0 {
		return fmt.Errorf("unsupported rename flags %#x: %w", uint32(flags), rfs.ErrorInvalid)
	}
	if err := checkName(oldName); err != nil {
		return err
	}
	if err := checkName(newName); err != nil {
		return err
	}

	src, err := fs.resolve(ctx, oldParent, oldName)
	if err != nil {
		return err
	}
	target, err := fs.resolve(ctx, newParent, newName)
	if err != nil && !errors.Is(err, rfs.ErrorNotExist) {
		return err
	}
	if target != nil && flags&RenameNoReplace != 0 {
		return fmt.Errorf("%s: %w", newName, rfs.ErrorExists)
	}

	var reply rfs.AckReply
	req := &rfs.RenameRequest{
		NewPath: fs.cache.ChildPath(newParent, newName),
		OldPath: fs.cache.ChildPath(oldParent, oldName),
	}
	if err := fs.call(ctx, rfs.CmdRename, req, &reply); err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("rename %s to %s: %w", req.OldPath, req.NewPath, rfs.ErrorIO)
	}

	var (
		srcDir   = src.Inode().IsDir()
		oldDirIn = oldParent.Inode()
		newDirIn = newParent.Inode()
	)
	switch {
	case target != nil:
		targetIn := target.Inode()
		targetIn.DropNlink()
		if srcDir {
			oldDirIn.DropNlink()
			targetIn.DropNlink()
		}
	case srcDir:
		oldDirIn.DropNlink()
		newDirIn.IncNlink()
	}

	now := fs.clock.Now()
	oldDirIn.Touch(now)
	newDirIn.Touch(now)
	return fs.cache.Move(src, newParent, newName)
}

// resolve returns the positive dentry for name in parent, looking it up on
// the remote core if it isn't cached.
func (fs *FS) resolve(ctx context.Context, parent *cache.Dentry, name string) (*cache.Dentry, error) {
	if d := fs.cache.Lookup(parent, name); d != nil && d.Inode() != nil {
		return d, nil
	}
	return fs.Lookup(ctx, parent, name)
}

// Getattr returns the attributes of in, refreshing them from the remote core
// unless a directory listing just provided them.
func (fs *FS) Getattr(ctx context.Context, in *cache.Inode) (cache.Attr, error) {
	if in.TestAndClearFlag(cache.FlagSkipGetStat) || in.Ino == cache.RootIno {
		return in.Attr(), nil
	}

	d := in.Dentry()
	if d == nil {
		return cache.Attr{}, fmt.Errorf("inode %d has no dentry: %w", in.Ino, rfs.ErrorStale)
	}
	reply, err := fs.stat(ctx, fs.cache.Path(d))
	if err != nil {
		return cache.Attr{}, err
	}
	if !reply.Found || reply.Stat.Type == rfs.StatNull {
		return cache.Attr{}, fmt.Errorf("%s: %w", fs.cache.Path(d), rfs.ErrorNotExist)
	}
	if reply.Stat.Type == rfs.StatFile {
		in.Refresh(reply.Stat, fs.clock.Now())
	}
	return in.Attr(), nil
}

// AttrMask marks which fields of a SetattrRequest are set.
type AttrMask uint32

// Attribute mask bits.
const (
	AttrMaskMode     AttrMask = 1 << 0 // The Mode field can be used
	AttrMaskSize     AttrMask = 1 << 1 // The Size field can be used
	AttrMaskAtime    AttrMask = 1 << 2 // The Atime field can be used
	AttrMaskMtime    AttrMask = 1 << 3 // The Mtime field can be used
	AttrMaskAtimeNow AttrMask = 1 << 4 // Update Atime to the current time
	AttrMaskMtimeNow AttrMask = 1 << 5 // Update Mtime to the current time
	AttrMaskCtime    AttrMask = 1 << 6 // The Ctime field can be used

	attrMaskTimes = AttrMaskAtime | AttrMaskMtime | AttrMaskAtimeNow | AttrMaskMtimeNow | AttrMaskCtime
)

// SetattrRequest changes the attributes of an inode.
type SetattrRequest struct {
	UpdateMask AttrMask    // Mask indicating which fields to use for the update.
	Mode       os.FileMode // File permissions.
	Size       int64       // File size.
	Atime      time.Time   // Last time file was accessed.
	Mtime      time.Time   // Last time file was modified.
	Ctime      time.Time   // Last time file was updated.
}

// Setattr changes the attributes of in. Size changes only truncate the
// local page cache; the new size reaches the remote core through writeback.
// Permission bits are kept locally.
func (fs *FS) Setattr(ctx context.Context, in *cache.Inode, req SetattrRequest) (cache.Attr, error) {
	if req.UpdateMask&AttrMaskSize != 0 {
		if req.Size < 0 {
			return cache.Attr{}, fmt.Errorf("negative size: %w", rfs.ErrorInvalid)
		}
		if req.Size > fs.volumeMaxBytes(ctx) {
			return cache.Attr{}, rfs.ErrorFileTooLarge
		}
		in.Mapping.Truncate(req.Size)
		in.SetSize(req.Size)
	}

	if req.UpdateMask&attrMaskTimes != 0 {
		if err := fs.setTimes(ctx, in, req); err != nil {
			return cache.Attr{}, err
		}
	}

	if req.UpdateMask&AttrMaskMode != 0 {
		in.SetMode(req.Mode)
	}
	return in.Attr(), nil
}

func (fs *FS) setTimes(ctx context.Context, in *cache.Inode, req SetattrRequest) error {
	d := in.Dentry()
	if d == nil {
		return fmt.Errorf("inode %d has no dentry: %w", in.Ino, rfs.ErrorStale)
	}

	var (
		now  = fs.clock.Now()
		attr = in.Attr()

		atime = attr.Atime
		mtime = attr.Mtime
		ctime = now
	)
	switch {
	case req.UpdateMask&AttrMaskAtimeNow != 0:
		atime = now
	case req.UpdateMask&AttrMaskAtime != 0:
		atime = req.Atime
	}
	switch {
	case req.UpdateMask&AttrMaskMtimeNow != 0:
		mtime = now
	case req.UpdateMask&AttrMaskMtime != 0:
		mtime = req.Mtime
	}
	if req.UpdateMask&AttrMaskCtime != 0 {
		ctime = req.Ctime
	}

	path := fs.cache.Path(d)
	var reply rfs.SetTimeReply
	err := fs.call(ctx, rfs.CmdSetTime, &rfs.SetTimeRequest{
		Atime: rfs.CalendarOf(atime),
		Mtime: rfs.CalendarOf(mtime),
		Ctime: rfs.CalendarOf(ctime),
		Path:  path,
	}, &reply)
	if err != nil {
		return err
	}
	if reply.Status != 0 {
		level.Debug(fs.log).Log("msg", "remote core failed to set times", "path", path, "status", reply.Status)
		return fmt.Errorf("set times of %s: %w", path, rfs.ErrorIO)
	}

	in.SetTimes(atime, mtime, ctime)
	return nil
}

package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log/level"
	"github.com/rfratto/rfs/internal/rfs"
	"github.com/rfratto/rfs/internal/rfs/cache"
)

type dirState int

const (
	dirUnopened dirState = iota
	dirListing
	dirExhausted
	dirClosed
)

// DirEntry is a single entry emitted by Readdir.
type DirEntry struct {
	Ino  cache.Ino
	Name string
	Type rfs.StatType

	// Offset is the position of the entry after this one. Offsets start at
	// 1.
	Offset int64
}

// Dir is an open directory. A Dir remembers where enumeration stopped, so a
// listing can be spread across multiple calls to Readdir.
type Dir struct {
	fs     *FS
	dentry *cache.Dentry
	inode  *cache.Inode

	mut    sync.Mutex
	state  dirState
	cursor uint64
	batch  []rfs.StatRecord
	next   int   // index of the next record in batch
	pos    int64 // number of entries emitted
	nlink  uint32
}

// OpenDir opens the directory d for enumeration. No request is sent until
// the first call to Readdir.
func (fs *FS) OpenDir(ctx context.Context, d *cache.Dentry) (*Dir, error) {
	in := d.Inode()
	if in == nil {
		return nil, rfs.ErrorNotExist
	}
	if !in.IsDir() {
		return nil, fmt.Errorf("%s: %w", fs.cache.Path(d), rfs.ErrorNotDirectory)
	}
	return &Dir{fs: fs, dentry: d, inode: in}, nil
}

// Readdir calls emit for each directory entry, skipping "." and "..".
// Enumeration pauses when emit returns false and resumes with the same entry
// on the next call. Once every entry has been emitted, Readdir returns nil
// without calling emit.
//
// The directory's link count is derived from the number of directory
// entries seen and applied once the listing is exhausted.
func (dir *Dir) Readdir(ctx context.Context, emit func(DirEntry) bool) error {
	dir.mut.Lock()
	defer dir.mut.Unlock()

	switch dir.state {
	case dirClosed:
		return fmt.Errorf("readdir on closed directory: %w", rfs.ErrorInvalid)
	case dirExhausted:
		return nil
	case dirUnopened:
		if err := dir.start(ctx); err != nil {
			return err
		}
		if len(dir.batch) == 0 {
			return dir.finish()
		}
	}

	for {
		for dir.next < len(dir.batch) {
			rec := dir.batch[dir.next]
			if rec.Type == rfs.StatDir {
				dir.nlink++
			}
			if rec.Name == "." || rec.Name == ".." {
				dir.next++
				continue
			}

			ent, err := dir.instantiate(rec)
			if err != nil {
				if rec.Type == rfs.StatDir {
					dir.nlink--
				}
				return err
			}
			if !emit(ent) {
				// This entry is seen again on resume.
				if rec.Type == rfs.StatDir {
					dir.nlink--
				}
				return nil
			}
			dir.next++
			dir.pos++
		}

		more, err := dir.fetch(ctx)
		if err != nil {
			return err
		} else if !more {
			return dir.finish()
		}
	}
}

// start requests the first batch of entries.
func (dir *Dir) start(ctx context.Context) error {
	var reply rfs.ListReply
	req := &rfs.ListInitRequest{
		Path:  dir.fs.cache.Path(dir.dentry) + "/*",
		Batch: uint8(dir.fs.o.ListBatch),
	}
	if err := dir.fs.call(ctx, rfs.CmdListInit, req, &reply); err != nil {
		return err
	}
	if reply.Failed {
		// The remote core may have opened a cursor before failing.
		if reply.Cursor != 0 {
			dir.cursor = reply.Cursor
			_ = dir.exit()
		}
		return fmt.Errorf("listing %s: %w", req.Path, rfs.ErrorIO)
	}

	dir.state = dirListing
	dir.cursor = reply.Cursor
	dir.batch = reply.Records
	dir.next = 0
	return nil
}

// fetch requests the next batch of entries. Returns false when the listing
// is exhausted.
func (dir *Dir) fetch(ctx context.Context) (bool, error) {
	var reply rfs.ListReply
	req := &rfs.ListNextRequest{Cursor: dir.cursor, Batch: uint8(dir.fs.o.ListBatch)}
	if err := dir.fs.call(ctx, rfs.CmdListNext, req, &reply); err != nil {
		return false, err
	}
	if reply.Failed {
		return false, fmt.Errorf("listing %s: %w", dir.fs.cache.Path(dir.dentry), rfs.ErrorIO)
	}
	if len(reply.Records) == 0 {
		return false, nil
	}

	dir.batch = reply.Records
	dir.next = 0
	return true, nil
}

// finish ends the listing on the remote core and applies the accumulated
// link count.
func (dir *Dir) finish() error {
	dir.state = dirExhausted
	dir.batch = nil
	if dir.nlink > 0 {
		dir.inode.SetNlink(dir.nlink)
	}
	return dir.exit()
}

func (dir *Dir) exit() error {
	err := dir.fs.notify(rfs.CmdListExit, &rfs.ListExitRequest{Cursor: dir.cursor})
	if err != nil {
		level.Warn(dir.fs.log).Log("msg", "failed to end listing", "path", dir.fs.cache.Path(dir.dentry), "err", err)
	}
	return err
}

// instantiate creates or refreshes the inode for a listed entry. The stat
// record is fresh, so the next getattr on the inode is skipped.
func (dir *Dir) instantiate(rec rfs.StatRecord) (DirEntry, error) {
	if err := checkName(rec.Name); err != nil {
		return DirEntry{}, fmt.Errorf("remote core listed bad name: %w", err)
	}

	d, err := dir.fs.instantiate(dir.dentry, rec.Name, rec, dir.fs.clock.Now())
	if err != nil {
		return DirEntry{}, err
	}
	in := d.Inode()
	in.SetFlag(cache.FlagSkipGetStat)

	return DirEntry{
		Ino:    in.Ino,
		Name:   rec.Name,
		Type:   rec.Type,
		Offset: dir.pos + 1,
	}, nil
}

// Close closes the directory, ending an unfinished listing on the remote
// core.
func (dir *Dir) Close() error {
	dir.mut.Lock()
	defer dir.mut.Unlock()

	prev := dir.state
	dir.state = dirClosed
	dir.batch = nil
	if prev == dirListing {
		return dir.exit()
	}
	return nil
}

// Package cache implements the client-side table of inodes and dentries for
// files on the remote core.
package cache

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/rfs/internal/rfs"
	"go.uber.org/atomic"
)

// Ino is a local inode number.
type Ino uint64

const (
	// RootIno is the inode number of the mount root.
	RootIno Ino = 1

	// firstIno is the first inode number handed out to remote files. Numbers
	// below it are reserved.
	firstIno Ino = 257
)

// Key identifies a dentry by its parent and name.
type Key struct {
	Parent Ino
	Name   string
}

// Cache holds every known inode and dentry of a mount.
type Cache struct {
	log      log.Logger
	rootPath string

	mut        sync.RWMutex
	inodes     map[Ino]*Inode
	dentries   map[Key]*Dentry
	root       *Dentry
	nextIno    Ino
	generation uint64
}

// New creates a new cache, pre-populated with a root directory. rootPath is
// the remote path of the root, without a trailing slash.
func New(l log.Logger, rootPath string, now time.Time) *Cache {
	if l == nil {
		l = log.NewNopLogger()
	}

	c := &Cache{
		log:      l,
		rootPath: rootPath,
		inodes:   make(map[Ino]*Inode),
		dentries: make(map[Key]*Dentry),
		nextIno:  firstIno - 1,
	}

	root := newInode(RootIno, 0, rfs.StatRecord{Type: rfs.StatDir, Atime: now, Mtime: now, Ctime: now})
	root.nlink = 2
	c.inodes[RootIno] = root

	c.root = &Dentry{cache: c, inode: root}
	c.root.stamp.Store(now.UnixNano())
	root.dentry = c.root
	return c
}

// Root returns the dentry of the mount root.
func (c *Cache) Root() *Dentry { return c.root }

// RootPath returns the remote path of the mount root.
func (c *Cache) RootPath() string { return c.rootPath }

// NewInode allocates a new inode initialized from st. The inode isn't
// reachable by path until it is attached to a dentry.
func (c *Cache) NewInode(st rfs.StatRecord) (*Inode, error) {
	c.mut.Lock()
	defer c.mut.Unlock()

	c.nextIno++
	if c.nextIno == 0 {
		// Inode numbers wrapped around. Increase the generation so stale
		// numbers can be told apart.
		c.generation++
		if c.generation == 0 {
			c.generation--
			c.nextIno--
			return nil, fmt.Errorf("exhausted inode number space: %w", rfs.ErrorNoMemory)
		}
		c.nextIno = firstIno
	}

	in := newInode(c.nextIno, c.generation, st)
	c.inodes[in.Ino] = in
	return in, nil
}

// Get returns the inode for ino.
func (c *Cache) Get(ino Ino) (*Inode, error) {
	c.mut.RLock()
	defer c.mut.RUnlock()

	in, ok := c.inodes[ino]
	if !ok {
		return nil, fmt.Errorf("inode %d: %w", ino, rfs.ErrorStale)
	}
	return in, nil
}

// Inodes returns every cached inode.
func (c *Cache) Inodes() []*Inode {
	c.mut.RLock()
	defer c.mut.RUnlock()

	res := make([]*Inode, 0, len(c.inodes))
	for _, in := range c.inodes {
		res = append(res, in)
	}
	return res
}

// Lookup returns the cached dentry for name in parent, or nil if there isn't
// one. The returned dentry may be negative.
func (c *Cache) Lookup(parent *Dentry, name string) *Dentry {
	c.mut.RLock()
	defer c.mut.RUnlock()

	pi := parent.inode
	if pi == nil {
		return nil
	}
	return c.dentries[Key{Parent: pi.Ino, Name: name}]
}

// Attach binds name in parent to in, replacing any dentry already cached
// under that name. A nil in creates a negative dentry.
func (c *Cache) Attach(parent *Dentry, name string, in *Inode, now time.Time) (*Dentry, error) {
	c.mut.Lock()
	defer c.mut.Unlock()

	pi := parent.inode
	if pi == nil {
		return nil, fmt.Errorf("attach %q to negative dentry: %w", name, rfs.ErrorStale)
	}

	key := Key{Parent: pi.Ino, Name: name}
	if old, ok := c.dentries[key]; ok {
		c.detachLocked(old)
	}

	d := &Dentry{cache: c, name: name, parent: parent, inode: in}
	d.stamp.Store(now.UnixNano())
	c.dentries[key] = d

	if in != nil {
		in.mut.Lock()
		prev := in.dentry
		in.dentry = d
		in.mut.Unlock()

		// An inode only keeps a single dentry.
		if prev != nil && prev != d && prev != c.root {
			if found := c.dentries[prev.keyLocked()]; found == prev {
				delete(c.dentries, prev.keyLocked())
			}
			prev.inode = nil
		}
		c.inodes[in.Ino] = in
	}
	return d, nil
}

// Remove drops d from the cache. Its inode is forgotten and d becomes
// negative.
func (c *Cache) Remove(d *Dentry) {
	c.mut.Lock()
	defer c.mut.Unlock()

	if d == c.root {
		level.Warn(c.log).Log("msg", "refusing to remove root dentry")
		return
	}
	c.detachLocked(d)
}

// detachLocked unbinds d from its key and inode.
//
// mut must be held while calling detachLocked.
func (c *Cache) detachLocked(d *Dentry) {
	if found := c.dentries[d.keyLocked()]; found == d {
		delete(c.dentries, d.keyLocked())
	}

	in := d.inode
	d.inode = nil
	if in == nil {
		return
	}

	in.mut.Lock()
	if in.dentry == d {
		in.dentry = nil
	}
	in.mut.Unlock()
	delete(c.inodes, in.Ino)
}

// Move renames d to newName under newParent. Any dentry already cached at
// the target is dropped.
func (c *Cache) Move(d *Dentry, newParent *Dentry, newName string) error {
	c.mut.Lock()
	defer c.mut.Unlock()

	npi := newParent.inode
	if npi == nil {
		return fmt.Errorf("target directory is gone: %w", rfs.ErrorStale)
	}

	targetKey := Key{Parent: npi.Ino, Name: newName}
	if target, ok := c.dentries[targetKey]; ok && target != d {
		c.detachLocked(target)
	}

	if found := c.dentries[d.keyLocked()]; found == d {
		delete(c.dentries, d.keyLocked())
	}
	d.parent = newParent
	d.name = newName
	c.dentries[targetKey] = d
	return nil
}

// Path returns the full remote path of d.
func (c *Cache) Path(d *Dentry) string {
	c.mut.RLock()
	defer c.mut.RUnlock()
	return c.pathLocked(d)
}

// ChildPath returns the full remote path of name in parent.
func (c *Cache) ChildPath(parent *Dentry, name string) string {
	c.mut.RLock()
	defer c.mut.RUnlock()
	return c.pathLocked(parent) + "/" + name
}

// pathLocked builds up the path of d in reverse, walking towards the root.
//
// mut must be held while calling pathLocked.
func (c *Cache) pathLocked(d *Dentry) string {
	var names []string
	for cur := d; cur != nil && cur != c.root; cur = cur.parent {
		names = append(names, cur.name)
	}

	var sb strings.Builder
	sb.WriteString(c.rootPath)
	for i := len(names) - 1; i >= 0; i-- {
		sb.WriteByte('/')
		sb.WriteString(names[i])
	}
	return sb.String()
}

// Dentry binds a name in a directory to an inode. A dentry without an inode
// is negative: it caches the fact that the name doesn't exist.
type Dentry struct {
	cache *Cache

	// Guarded by cache.mut.
	name   string
	parent *Dentry
	inode  *Inode

	// stamp is when the dentry was last known to be valid, in Unix
	// nanoseconds.
	stamp atomic.Int64
}

// keyLocked returns the key d is stored under.
//
// cache.mut must be held while calling keyLocked.
func (d *Dentry) keyLocked() Key {
	var parent Ino
	if d.parent != nil && d.parent.inode != nil {
		parent = d.parent.inode.Ino
	}
	return Key{Parent: parent, Name: d.name}
}

// Name returns the name of d.
func (d *Dentry) Name() string {
	d.cache.mut.RLock()
	defer d.cache.mut.RUnlock()
	return d.name
}

// Parent returns the parent of d. The root is its own parent.
func (d *Dentry) Parent() *Dentry {
	d.cache.mut.RLock()
	defer d.cache.mut.RUnlock()
	if d.parent == nil {
		return d
	}
	return d.parent
}

// Inode returns the inode bound to d, or nil if d is negative.
func (d *Dentry) Inode() *Inode {
	d.cache.mut.RLock()
	defer d.cache.mut.RUnlock()
	return d.inode
}

// IsRoot reports whether d is the mount root.
func (d *Dentry) IsRoot() bool { return d == d.cache.root }

// Stamp returns when d was last known to be valid.
func (d *Dentry) Stamp() time.Time { return time.Unix(0, d.stamp.Load()) }

// Touch records that d is valid as of now.
func (d *Dentry) Touch(now time.Time) { d.stamp.Store(now.UnixNano()) }

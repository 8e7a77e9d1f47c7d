// Package client implements a filesystem whose files live on the remote
// core. Every operation is turned into one or more requests sent through an
// xfer.Client; file contents are buffered in a local page cache and written
// back in batches.
package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/jacobsa/timeutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rfratto/rfs/internal/rfs"
	"github.com/rfratto/rfs/internal/rfs/cache"
	"github.com/rfratto/rfs/internal/rfs/xfer"
	uuid "github.com/satori/go.uuid"
	"go.uber.org/atomic"
)

// Options configures a mount.
type Options struct {
	// Root is the remote path to mount. A single-character root names a
	// drive and has a colon appended.
	Root string

	// ListBatch is the number of directory entries requested per listing
	// round trip.
	ListBatch int

	// Xfer configures the correlation layer. Its Registerer is ignored in
	// favor of the one below.
	Xfer xfer.Options

	// Clock provides the local time for timestamps. Defaults to the real
	// clock.
	Clock timeutil.Clock

	// Registerer to register metrics with. May be nil.
	Registerer prometheus.Registerer
}

// DefaultOptions holds defaults for a mount.
var DefaultOptions = Options{
	Root:      "C",
	ListBatch: 16,
	Xfer:      xfer.DefaultOptions,
}

// FS is a mounted remote filesystem.
type FS struct {
	log     log.Logger
	o       Options
	clock   timeutil.Clock
	xfer    *xfer.Client
	mem     *rfs.Memory
	cache   *cache.Cache
	metrics *metrics

	// maxBytes is the largest file size the remote volume supports, or 0
	// until it has been queried.
	maxBytes atomic.Int64
	qsTag    atomic.Uint32
	closed   atomic.Bool
}

// NormalizeRoot returns the remote path used for root.
func NormalizeRoot(root string) string {
	if len(root) == 1 {
		root += ":"
	}
	if len(root) > 1 {
		root = strings.TrimSuffix(root, "/")
	}
	return root
}

// Mount mounts the remote filesystem reachable over ch. The returned FS
// owns ch and closes it on Unmount.
func Mount(ctx context.Context, l log.Logger, ch rfs.Channel, o Options) (*FS, error) {
	if l == nil {
		l = log.NewNopLogger()
	}
	if o.ListBatch <= 0 || o.ListBatch > 255 {
		o.ListBatch = DefaultOptions.ListBatch
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock()
	}
	o.Root = NormalizeRoot(o.Root)
	if o.Root == "" {
		return nil, fmt.Errorf("mount root must be set: %w", rfs.ErrorInvalid)
	}

	l = log.With(l, "mount", uuid.NewV4().String())

	xo := o.Xfer
	xo.Registerer = o.Registerer
	xc, err := xfer.New(log.With(l, "component", "xfer"), ch, xo)
	if err != nil {
		return nil, err
	}

	fs := &FS{
		log:     l,
		o:       o,
		clock:   o.Clock,
		xfer:    xc,
		metrics: newMetrics(o.Registerer),
	}
	if sm, ok := ch.(rfs.SharedMemory); ok {
		fs.mem = sm.Memory()
	}

	var reply rfs.AckReply
	if err := fs.call(ctx, rfs.CmdMount, &rfs.PathRequest{Path: o.Root + "/*"}, &reply); err != nil {
		_ = xc.Close()
		return nil, fmt.Errorf("failed to mount %s: %w", o.Root, err)
	}
	if !reply.OK {
		_ = xc.Close()
		return nil, fmt.Errorf("remote core refused to mount %s: %w", o.Root, rfs.ErrorNoDevice)
	}

	fs.cache = cache.New(log.With(l, "component", "cache"), o.Root, fs.clock.Now())
	level.Info(l).Log("msg", "mounted remote filesystem", "root", o.Root, "shared_memory", fs.mem != nil)
	return fs, nil
}

// Root returns the dentry of the mount root.
func (fs *FS) Root() *cache.Dentry { return fs.cache.Root() }

// Path returns the remote path of d.
func (fs *FS) Path(d *cache.Dentry) string { return fs.cache.Path(d) }

// Inode returns the cached inode for ino.
func (fs *FS) Inode(ino cache.Ino) (*cache.Inode, error) { return fs.cache.Get(ino) }

// call sends a request and decodes its reply.
func (fs *FS) call(ctx context.Context, cmd rfs.Command, req, reply rfs.Payload) error {
	msg, err := rfs.NewMessage(cmd, req)
	if err != nil {
		return err
	}
	resp, err := fs.xfer.SendSync(ctx, msg)
	if err != nil {
		return err
	}
	return resp.Decode(reply)
}

// notify sends a request which has no reply.
func (fs *FS) notify(cmd rfs.Command, req rfs.Payload) error {
	msg, err := rfs.NewMessage(cmd, req)
	if err != nil {
		return err
	}
	return fs.xfer.Notify(msg)
}

func (fs *FS) stat(ctx context.Context, path string) (*rfs.StatReply, error) {
	var reply rfs.StatReply
	if err := fs.call(ctx, rfs.CmdStat, &rfs.PathRequest{Path: path}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Statfs describes the remote volume.
type Statfs struct {
	Blocks    uint64
	Free      uint64
	Avail     uint64
	BlockSize uint64
	NameLen   int
	Type      rfs.FSType
}

// Statfs queries the size of the remote volume. A volume the remote core
// can't describe reports zero blocks.
func (fs *FS) Statfs(ctx context.Context) (Statfs, error) {
	var reply rfs.VolumeReply
	if err := fs.call(ctx, rfs.CmdVolSize, &rfs.PathRequest{Path: fs.o.Root}, &reply); err != nil {
		return Statfs{}, err
	}

	res := Statfs{NameLen: rfs.NameMax}
	if !reply.OK {
		level.Warn(fs.log).Log("msg", "remote core failed to report volume size", "root", fs.o.Root)
		return res, nil
	}
	res.Blocks = reply.Info.Blocks
	res.Free = reply.Info.Free
	res.Avail = reply.Info.Free
	res.BlockSize = reply.Info.BlockSize
	res.Type = reply.Info.Type
	fs.maxBytes.Store(reply.Info.MaxFileSize())
	return res, nil
}

// volumeMaxBytes returns the largest file size supported by the volume,
// querying the remote core the first time it is needed.
func (fs *FS) volumeMaxBytes(ctx context.Context) int64 {
	if n := fs.maxBytes.Load(); n != 0 {
		return n
	}

	if _, err := fs.Statfs(ctx); err != nil {
		level.Warn(fs.log).Log("msg", "failed to query volume size", "err", err)
	}
	if fs.maxBytes.Load() == 0 {
		fs.maxBytes.Store(rfs.VolumeInfo{}.MaxFileSize())
	}
	return fs.maxBytes.Load()
}

// Unmount writes back every dirty page and closes the connection to the
// remote core. The remote core isn't told about the unmount; it drops its
// state for the mount when the channel closes.
func (fs *FS) Unmount(ctx context.Context) error {
	if fs.closed.Swap(true) {
		return nil
	}

	var errs *multierror.Error
	for _, in := range fs.cache.Inodes() {
		if in.Mapping.NrDirty() == 0 {
			continue
		}
		if err := fs.Writepages(ctx, in, WritebackControl{End: -1, SyncAll: true}); err != nil {
			level.Error(fs.log).Log("msg", "failed to write back inode during unmount", "ino", in.Ino, "err", err)
			errs = multierror.Append(errs, fmt.Errorf("writeback of inode %d: %w", in.Ino, err))
		}
		in.Mapping.WaitWriteback()
		if err := in.Mapping.Err(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("writeback of inode %d: %w", in.Ino, err))
		}
	}

	if err := fs.xfer.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("closing channel: %w", err))
	}
	level.Info(fs.log).Log("msg", "unmounted remote filesystem", "root", fs.o.Root)
	return errs.ErrorOrNil()
}

package client

import (
	"context"
	"runtime"

	"github.com/go-kit/log/level"
	"github.com/rfratto/rfs/internal/rfs"
	"github.com/rfratto/rfs/internal/rfs/cache"
)

const (
	// QuickStatSpins is the number of times Revalidate polls shared memory
	// for the remote core's answer before giving up.
	QuickStatSpins = 65536

	// quickStatBusySpins is the number of initial polls which don't yield
	// the processor.
	quickStatBusySpins = 64

	// quickStatCtxInterval is how often polling checks for cancellation.
	quickStatCtxInterval = 1024
)

// Revalidate reports whether the cached dentry d can still be trusted. Only
// directories are checked; other dentries, including negative ones, are
// always considered valid.
//
// Directories are checked with a quick stat: the remote core is asked to
// write a compact stat record into shared memory, which is polled for at
// most QuickStatSpins iterations. Polling is a deliberate busy-wait, since
// revalidation happens on every cache hit and must not pay for a full round
// trip. If no answer shows up in time, d is reported as invalid and the
// caller falls back to a full lookup.
func (fs *FS) Revalidate(ctx context.Context, d *cache.Dentry) bool {
	in := d.Inode()
	if in == nil || !in.IsDir() || d.IsRoot() {
		return true
	}

	valid := fs.revalidateDir(ctx, d)
	if valid {
		d.Touch(fs.clock.Now())
		fs.metrics.revalidate.WithLabelValues("valid").Inc()
	} else {
		fs.metrics.revalidate.WithLabelValues("invalid").Inc()
	}
	return valid
}

func (fs *FS) revalidateDir(ctx context.Context, d *cache.Dentry) bool {
	path := fs.cache.Path(d)

	if fs.mem == nil {
		return fs.revalidateStat(ctx, path)
	}
	region, err := fs.mem.Alloc()
	if err != nil {
		level.Debug(fs.log).Log("msg", "no shared memory for quick stat, falling back to stat", "path", path, "err", err)
		return fs.revalidateStat(ctx, path)
	}
	defer region.Free()

	region.Clear()
	tag := fs.qsTag.Inc()
	req := &rfs.QuickStatRequest{Addr: region.Addr, Tag: tag, Path: path}
	if err := fs.notify(rfs.CmdQuickStat, req); err != nil {
		level.Warn(fs.log).Log("msg", "failed to send quick stat", "path", path, "err", err)
		return false
	}

	rec, ok := pollQuickStat(ctx, region, tag)
	if !ok {
		level.Debug(fs.log).Log("msg", "quick stat timed out", "path", path)
		return false
	}
	return rec.Type == rfs.StatDir
}

// pollQuickStat spins until region holds a quick stat record for tag, at
// most QuickStatSpins times.
func pollQuickStat(ctx context.Context, region *rfs.Region, tag uint32) (rfs.QuickStatRecord, bool) {
	for i := 0; i < QuickStatSpins; i++ {
		if region.QuickStatReady() {
			rec, err := region.QuickStat()
			if err == nil && rec.Tag == tag {
				return rec, true
			}
		}

		if i%quickStatCtxInterval == 0 && ctx.Err() != nil {
			break
		}
		if i >= quickStatBusySpins {
			runtime.Gosched()
		}
	}
	return rfs.QuickStatRecord{}, false
}

func (fs *FS) revalidateStat(ctx context.Context, path string) bool {
	reply, err := fs.stat(ctx, path)
	if err != nil {
		return false
	}
	return reply.Found && reply.Stat.Type == rfs.StatDir
}

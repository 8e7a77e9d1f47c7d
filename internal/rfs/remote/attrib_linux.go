//go:build linux

package remote

import (
	"io/fs"
	"syscall"
	"time"
)

// fileTimes returns the access and change times of fi.
func fileTimes(fi fs.FileInfo) (atime, ctime time.Time) {
	s, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		mtime := fi.ModTime().UTC().Truncate(time.Second)
		return mtime, mtime
	}
	return time.Unix(s.Atim.Sec, 0).UTC(), time.Unix(s.Ctim.Sec, 0).UTC()
}

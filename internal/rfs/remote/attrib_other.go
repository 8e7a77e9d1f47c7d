//go:build !linux

package remote

import (
	"io/fs"
	"time"
)

// fileTimes returns the access and change times of fi. Only the modification
// time is portable, so it's used for both.
func fileTimes(fi fs.FileInfo) (atime, ctime time.Time) {
	mtime := fi.ModTime().UTC().Truncate(time.Second)
	return mtime, mtime
}

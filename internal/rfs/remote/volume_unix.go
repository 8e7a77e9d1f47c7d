//go:build linux || darwin || freebsd

package remote

import (
	"fmt"

	"github.com/rfratto/rfs/internal/rfs"
	"golang.org/x/sys/unix"
)

// volumeInfo reports the size of the host filesystem holding dir. The volume
// is always reported as exFAT, which has the largest file size limit.
func volumeInfo(dir string) (rfs.VolumeInfo, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return rfs.VolumeInfo{}, fmt.Errorf("statfs %s: %w", dir, err)
	}
	return rfs.VolumeInfo{
		Blocks:    uint64(st.Blocks),
		Free:      uint64(st.Bavail),
		BlockSize: uint64(st.Bsize),
		Type:      rfs.FSTypeExFAT,
	}, nil
}

//go:build !(linux || darwin || freebsd)

package remote

import "github.com/rfratto/rfs/internal/rfs"

// volumeInfo can't determine the size of the host filesystem on this
// platform.
func volumeInfo(dir string) (rfs.VolumeInfo, error) {
	return rfs.VolumeInfo{}, rfs.ErrorUnimplemented
}

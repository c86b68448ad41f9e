//go:build unix

package eventlog

import (
	"os"
	"syscall"
)

// inodeOf extracts the inode number from a os.FileInfo on unix-like
// systems, used to detect that the underlying file has been renamed (i.e.
// rotated) out from under a long-lived reader.
func inodeOf(info os.FileInfo) uint64 {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(stat.Ino)
	}
	return 0
}

//go:build !unix

package eventlog

import "os"

// inodeOf has no portable equivalent off unix and always returns 0, so
// Follow does not detect rotation there; no size/mtime fallback is
// implemented, since this module targets unix-like hosts (the original
// implementation is macOS-only).
func inodeOf(info os.FileInfo) uint64 {
	return 0
}

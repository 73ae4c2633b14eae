//go:build unix

package file

import (
	"os"
	"syscall"
)

// Inode returns the inode number behind info, or 0 when unknown.
func Inode(info os.FileInfo) uint64 {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(stat.Ino) //nolint:unconvert // width differs per platform
	}
	return 0
}

//go:build !unix

package file

import "os"

// Inode returns 0; inode identity is unavailable on this platform.
func Inode(_ os.FileInfo) uint64 { return 0 }

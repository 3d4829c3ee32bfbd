//go:build !unix

package store

import "os"

// inodeOf has no portable equivalent off POSIX; the rsnap filename falls
// back to mtime-only disambiguation.
func inodeOf(fi os.FileInfo) uint64 {
	return 0
}

//go:build unix

package store

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate asks the kernel to reserve disk blocks for [offset,
// offset+length) without changing the file's apparent size beyond what
// the caller already wrote. Advisory: callers must treat failure as
// non-fatal (§4.1).
func preallocate(f *os.File, offset, length int64) error {
	if length <= 0 {
		return nil
	}
	// FALLOC_FL_KEEP_SIZE: reserve blocks without growing the file's
	// apparent size — the downloader still controls size_checked via
	// however many bytes it has actually written.
	return unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_KEEP_SIZE, offset, length)
}

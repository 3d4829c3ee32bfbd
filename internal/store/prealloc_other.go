//go:build !unix

package store

import "os"

// preallocate is a no-op on platforms without a fallocate-style syscall;
// pre-allocation is advisory everywhere (§4.1).
func preallocate(f *os.File, offset, length int64) error {
	return nil
}

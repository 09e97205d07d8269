//go:build linux

package tpie

import (
	"os"

	"golang.org/x/sys/unix"
)

// fallocateFile pre-allocates disk blocks so a spill of known size cannot
// run out of space halfway through. On Linux, uses the fallocate syscall.
func fallocateFile(file *os.File, size int64) error {
	err := unix.Fallocate(int(file.Fd()), unix.FALLOC_FL_KEEP_SIZE, 0, size)
	if err != nil {
		// Some filesystems (e.g. NFS) do not support fallocate.
		return nil
	}
	return nil
}

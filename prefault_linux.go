//go:build linux

package tpie

import "golang.org/x/sys/unix"

// prefaultRegion asks the kernel to read ahead the pages backing a
// read-only mapping. Best-effort: errors are silently ignored.
func prefaultRegion(data []byte) {
	if len(data) == 0 {
		return
	}
	_ = unix.Madvise(data, unix.MADV_WILLNEED)
}

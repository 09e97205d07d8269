package tpie

import (
	"os"
	"strconv"

	"github.com/pbnjay/memory"
)

// Environment variables honored by the library.
const (
	// EnvTempDir overrides the directory used for temporary streams and
	// sorter run files.
	EnvTempDir = "TPIE_TEMP_DIR"

	// EnvDefaultMemory sets the default memory budget in bytes.
	EnvDefaultMemory = "TPIE_DEFAULT_MM"
)

// invariant panics when an internal consistency check fails. Such a panic
// is a bug in the library, not a recoverable condition.
func invariant(cond bool, msg string) {
	if !cond {
		panic("tpie: invariant violated: " + msg)
	}
}

// TempRoot returns the directory for temporary files: EnvTempDir if set,
// otherwise the system temp directory.
func TempRoot() string {
	if dir := os.Getenv(EnvTempDir); dir != "" {
		return dir
	}
	return os.TempDir()
}

// DefaultMemory returns the default memory budget in bytes for components
// that are not given an explicit budget: EnvDefaultMemory if set to a
// positive integer, otherwise a quarter of physical RAM.
func DefaultMemory() int64 {
	if v := os.Getenv(EnvDefaultMemory); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return int64(memory.TotalMemory() / 4)
}

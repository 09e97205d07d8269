package tpie

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	tpieerrors "github.com/pombredanne/tpie/errors"
)

// tempSeq is the process-wide monotonic id embedded in temp file names.
var tempSeq atomic.Uint64

// TempFile owns a unique path under a temp-root directory. The backing file
// is created lazily by whoever opens the path and removed by Free. A
// TempFile may be shared across goroutines only while not being mutated.
type TempFile struct {
	path string
}

// NewTempFile reserves a unique path of the form
// <dir>/tpie_<pid>_<monotonic_id>.tmp. If dir is empty, TempRoot() is used.
// The backing file is not created.
func NewTempFile(dir string) *TempFile {
	if dir == "" {
		dir = TempRoot()
	}
	name := fmt.Sprintf("tpie_%d_%d.tmp", os.Getpid(), tempSeq.Add(1))
	return &TempFile{path: filepath.Join(dir, name)}
}

// Path returns the reserved path.
func (t *TempFile) Path() string {
	return t.path
}

// Free removes the backing file, if any. It is idempotent, and the path
// stays valid for reuse: a later open simply recreates the file.
func (t *TempFile) Free() error {
	if err := os.Remove(t.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %w", tpieerrors.ErrIO, t.path, err)
	}
	return nil
}

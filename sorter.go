package tpie

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	tpieerrors "github.com/pombredanne/tpie/errors"
	"github.com/pombredanne/tpie/internal/parsort"
)

// sorter lifecycle states. Parameters may be set at any point before Begin.
type sorterState int

const (
	sorterCreated sorterState = iota
	sorterForming
	sorterEnded
	sorterCalculated
	sorterClosed
)

type sortConfig struct {
	blockBytes int64
	tempDir    string
	logger     *zap.Logger
}

// SortOption is a functional option for configuring a MergeSorter.
type SortOption func(*sortConfig)

// WithLogger attaches a logger; phase transitions and merge progress are
// reported at debug level. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) SortOption {
	return func(c *sortConfig) {
		c.logger = l
	}
}

// WithSortTempDir sets the directory for run files. Defaults to TempRoot().
func WithSortTempDir(dir string) SortOption {
	return func(c *sortConfig) {
		c.tempDir = dir
	}
}

// WithSortBlockSize sets the block size of run streams.
func WithSortBlockSize(bytes int) SortOption {
	return func(c *sortConfig) {
		c.blockBytes = int64(bytes)
	}
}

// MergeSorter sorts items pushed to it, spilling memory-sized sorted runs
// to temporary streams and merging them back on demand.
//
// Merge sorting consists of four phases:
//
//  1. Calculating parameters (SetAvailableMemory or SetParameters)
//  2. Sorting and forming runs (Begin, Push..., End)
//  3. Merging runs (Calc)
//  4. Final merge and report (CanPull, Pull)
//
// If the items received during phase 2 fit below the internal report
// threshold, nothing is written to disk: phase 3 is a no-op and phase 4 is
// an array traversal.
type MergeSorter[T any] struct {
	codec Codec[T]
	less  func(a, b T) bool
	log   *zap.Logger

	blockBytes int64
	tempDir    string

	p             sortParameters
	parametersSet bool

	state sorterState

	runFiles     []*TempFile
	currentRun   []T
	finishedRuns int

	reportInternal bool
	itemsPulled    int64
	pullPrepared   bool
	merger         *merger[T]
	mergeLevels    int
}

// NewMergeSorter returns a sorter ordering items by less.
func NewMergeSorter[T any](codec Codec[T], less func(a, b T) bool, opts ...SortOption) *MergeSorter[T] {
	cfg := &sortConfig{blockBytes: DefaultBlockSize}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	return &MergeSorter[T]{
		codec:      codec,
		less:       less,
		log:        cfg.logger,
		blockBytes: cfg.blockBytes,
		tempDir:    cfg.tempDir,
	}
}

// SetAvailableMemory derives the sort parameters from a single budget
// shared by all phases.
func (s *MergeSorter[T]) SetAvailableMemory(m int64) error {
	return s.SetAvailableMemoryPhases(m, m, m)
}

// SetAvailableMemoryPhases derives the sort parameters from separate
// budgets for run formation (m2), intermediate merging (m3) and the final
// merge (m4).
func (s *MergeSorter[T]) SetAvailableMemoryPhases(m2, m3, m4 int64) error {
	p, err := calculateParameters(m2, m3, m4, int64(s.codec.Size()), s.blockBytes, s.log)
	if err != nil {
		return err
	}
	s.p = p
	s.parametersSet = true
	return nil
}

// SetParameters sets the run length and fanout directly, bypassing the
// memory calculation. Intended for tests.
func (s *MergeSorter[T]) SetParameters(runLength int64, fanout int) error {
	if runLength < 1 || fanout < 2 {
		return tpieerrors.ErrCapacity
	}
	s.p = sortParameters{
		runLength:               runLength,
		internalReportThreshold: runLength,
		fanout:                  fanout,
		finalFanout:             fanout,
	}
	s.parametersSet = true
	s.log.Debug("manually set merge sort parameters",
		zap.Int64("runLength", runLength), zap.Int("fanout", fanout))
	return nil
}

// ParametersSet reports whether the sort parameters have been configured.
func (s *MergeSorter[T]) ParametersSet() bool {
	return s.parametersSet
}

// Begin initiates run formation.
func (s *MergeSorter[T]) Begin() error {
	if s.state == sorterClosed {
		return tpieerrors.ErrSorterClosed
	}
	if !s.parametersSet {
		return tpieerrors.ErrParametersNotSet
	}
	if s.state != sorterCreated {
		return tpieerrors.ErrRunFormationOpen
	}
	s.log.Debug("start forming input runs")
	s.currentRun = make([]T, 0, s.p.runLength)
	s.runFiles = make([]*TempFile, 2*s.p.fanout)
	for i := range s.runFiles {
		s.runFiles[i] = NewTempFile(s.tempDir)
	}
	s.finishedRuns = 0
	s.state = sorterForming
	return nil
}

// Push feeds one item during run formation.
func (s *MergeSorter[T]) Push(x T) error {
	if s.state == sorterClosed {
		return tpieerrors.ErrSorterClosed
	}
	if s.state != sorterForming {
		return tpieerrors.ErrNotInRunFormation
	}
	if int64(len(s.currentRun)) >= s.p.runLength {
		s.sortCurrentRun()
		if err := s.emptyCurrentRun(); err != nil {
			return err
		}
	}
	s.currentRun = append(s.currentRun, x)
	return nil
}

// End finishes run formation. If no runs were spilled and the residual
// buffer fits below the internal report threshold, the sorter switches to
// internal mode and never touches disk.
func (s *MergeSorter[T]) End() error {
	if s.state == sorterClosed {
		return tpieerrors.ErrSorterClosed
	}
	if s.state != sorterForming {
		return tpieerrors.ErrNotInRunFormation
	}
	s.sortCurrentRun()
	if s.finishedRuns == 0 && int64(len(s.currentRun)) <= s.p.internalReportThreshold {
		s.reportInternal = true
		s.itemsPulled = 0
		s.log.Debug("internal reporting mode", zap.Int("items", len(s.currentRun)))
	} else {
		s.reportInternal = false
		if err := s.emptyCurrentRun(); err != nil {
			return err
		}
		s.currentRun = nil
		s.log.Debug("external reporting mode", zap.Int("runs", s.finishedRuns))
	}
	s.state = sorterEnded
	return nil
}

// Calc performs all merges except the final one and prepares the sorter for
// pulling.
func (s *MergeSorter[T]) Calc() error {
	if s.state == sorterClosed {
		return tpieerrors.ErrSorterClosed
	}
	if s.state != sorterEnded {
		return tpieerrors.ErrCalcBeforeEnd
	}
	if !s.reportInternal {
		if err := s.preparePull(); err != nil {
			return err
		}
	}
	s.pullPrepared = true
	s.state = sorterCalculated
	return nil
}

// CanPull reports whether more sorted output remains.
func (s *MergeSorter[T]) CanPull() bool {
	if !s.pullPrepared {
		return false
	}
	if s.reportInternal {
		return s.itemsPulled < int64(len(s.currentRun))
	}
	return s.merger.canPull()
}

// Pull returns the next item of the sorted output.
func (s *MergeSorter[T]) Pull() (T, error) {
	var zero T
	if s.state == sorterClosed {
		return zero, tpieerrors.ErrSorterClosed
	}
	if !s.pullPrepared {
		return zero, tpieerrors.ErrPullNotPrepared
	}
	if s.reportInternal {
		if s.itemsPulled >= int64(len(s.currentRun)) {
			return zero, tpieerrors.ErrEndOfStream
		}
		x := s.currentRun[s.itemsPulled]
		s.itemsPulled++
		return x, nil
	}
	if !s.merger.canPull() {
		return zero, tpieerrors.ErrEndOfStream
	}
	return s.merger.pull()
}

// Runs returns the number of initial runs spilled to disk.
func (s *MergeSorter[T]) Runs() int {
	return s.finishedRuns
}

// MergeLevels returns the number of merge passes performed, including the
// final merge. Zero in internal mode.
func (s *MergeSorter[T]) MergeLevels() int {
	return s.mergeLevels
}

// Close releases the merger's open streams and the run-file bank. Close is
// idempotent.
func (s *MergeSorter[T]) Close() error {
	if s.state == sorterClosed {
		return nil
	}
	s.state = sorterClosed
	var errs []error
	if s.merger != nil {
		errs = append(errs, s.merger.close())
	}
	for _, tf := range s.runFiles {
		errs = append(errs, tf.Free())
	}
	s.runFiles = nil
	s.currentRun = nil
	return errors.Join(errs...)
}

func (s *MergeSorter[T]) sortCurrentRun() {
	parsort.Sort(s.currentRun, s.less)
}

// emptyCurrentRun spills the sorted buffer as the next run at level 0.
func (s *MergeSorter[T]) emptyCurrentRun() error {
	if s.finishedRuns < 10 {
		s.log.Debug("write run file", zap.Int("run", s.finishedRuns), zap.Int("items", len(s.currentRun)))
	} else if s.finishedRuns == 10 {
		s.log.Debug("write run file ...")
	}
	fs, err := s.openRunFileWrite(0, s.finishedRuns)
	if err != nil {
		return err
	}
	_ = fs.Preallocate(int64(len(s.currentRun)))
	for _, x := range s.currentRun {
		if err := fs.WriteItem(x); err != nil {
			return errors.Join(err, fs.Close())
		}
	}
	if err := fs.Close(); err != nil {
		return err
	}
	s.currentRun = s.currentRun[:0]
	s.finishedRuns++
	return nil
}

// runFileIndex maps a run to its slot in the 2*fanout temp-file bank.
// Level parity alternates which half of the bank a level occupies, so a
// merge pass never reads and writes the same file.
func (s *MergeSorter[T]) runFileIndex(level, runNumber int) int {
	return (level%2)*s.p.fanout + runNumber%s.p.fanout
}

// runLengthAt returns the run length at a merge level:
// runLength * fanout^level.
func (s *MergeSorter[T]) runLengthAt(level int) int64 {
	n := s.p.runLength
	for i := 0; i < level; i++ {
		n *= int64(s.p.fanout)
	}
	return n
}

// openRunFileWrite opens the run's file for appending. The first run
// written to a file at each level truncates whatever the file held two
// levels ago.
func (s *MergeSorter[T]) openRunFileWrite(level, runNumber int) (*Stream[T], error) {
	idx := s.runFileIndex(level, runNumber)
	if runNumber < s.p.fanout {
		if err := s.runFiles[idx].Free(); err != nil {
			return nil, err
		}
	}
	fs, err := Open(s.runFiles[idx].Path(), ReadWrite, s.codec, WithBlockSize(int(s.blockBytes)))
	if err != nil {
		return nil, err
	}
	if err := fs.SeekEnd(); err != nil {
		return nil, errors.Join(err, fs.Close())
	}
	return fs, nil
}

// openRunFileRead opens the run's file and seeks to the run's offset.
func (s *MergeSorter[T]) openRunFileRead(level, runNumber int) (*Stream[T], error) {
	idx := s.runFileIndex(level, runNumber)
	fs, err := Open(s.runFiles[idx].Path(), Read, s.codec, WithBlockSize(int(s.blockBytes)))
	if err != nil {
		return nil, err
	}
	fs.AdviseSequential()
	off := s.runLengthAt(level) * int64(runNumber/s.p.fanout)
	if err := fs.Seek(off); err != nil {
		return nil, errors.Join(err, fs.Close())
	}
	return fs, nil
}

// openRunRange opens runNumber..runNumber+runCount-1 at the given level.
func (s *MergeSorter[T]) openRunRange(level, runNumber, runCount int) ([]*Stream[T], error) {
	in := make([]*Stream[T], runCount)
	for i := 0; i < runCount; i++ {
		fs, err := s.openRunFileRead(level, runNumber+i)
		if err != nil {
			for _, open := range in[:i] {
				_ = open.Close()
			}
			return nil, err
		}
		in[i] = fs
	}
	return in, nil
}

// mergeRuns merges runCount consecutive runs at level into one run at
// level+1 and returns the new run's number.
func (s *MergeSorter[T]) mergeRuns(level, runNumber, runCount int) (int, error) {
	in, err := s.openRunRange(level, runNumber, runCount)
	if err != nil {
		return 0, err
	}
	m := newMerger(s.less)
	if err := m.reset(in, s.runLengthAt(level)); err != nil {
		return 0, errors.Join(err, m.close())
	}

	nextRunNumber := runNumber / s.p.fanout
	out, err := s.openRunFileWrite(level+1, nextRunNumber)
	if err != nil {
		return 0, errors.Join(err, m.close())
	}
	_ = out.Preallocate(s.runLengthAt(level) * int64(runCount))

	for m.canPull() {
		x, err := m.pull()
		if err != nil {
			return 0, errors.Join(err, m.close(), out.Close())
		}
		if err := out.WriteItem(x); err != nil {
			return 0, errors.Join(err, m.close(), out.Close())
		}
	}
	if err := errors.Join(m.close(), out.Close()); err != nil {
		return 0, err
	}
	return nextRunNumber, nil
}

// preparePull performs all merge passes except the final one, then sets up
// the final merger.
func (s *MergeSorter[T]) preparePull() error {
	invariant(s.finishedRuns > 0, "external mode with no spilled runs")
	level := 0
	runCount := s.finishedRuns
	for runCount > s.p.fanout {
		s.log.Debug("merge pass", zap.Int("level", level), zap.Int("runs", runCount))
		newRunCount := 0
		for i := 0; i < runCount; i += s.p.fanout {
			n := runCount - i
			if n > s.p.fanout {
				n = s.p.fanout
			}
			if _, err := s.mergeRuns(level, i, n); err != nil {
				return err
			}
			newRunCount++
		}
		level++
		runCount = newRunCount
	}
	s.log.Debug("final merge level", zap.Int("level", level), zap.Int("runs", runCount))
	return s.initializeFinalMerger(level, runCount)
}

// initializeFinalMerger sets up the merger that serves Pull. When more runs
// survive than the final fanout allows, the trailing runs are first merged
// into one extra-large run one level up, and the final merge reads the
// leading short runs plus that long run.
func (s *MergeSorter[T]) initializeFinalMerger(level, runCount int) error {
	s.merger = newMerger(s.less)
	s.mergeLevels = level + 1

	if runCount <= s.p.finalFanout {
		in, err := s.openRunRange(level, 0, runCount)
		if err != nil {
			return err
		}
		return s.merger.reset(in, s.runLengthAt(level))
	}

	s.log.Debug("final run count exceeds final fanout",
		zap.Int("runs", runCount), zap.Int("finalFanout", s.p.finalFanout))
	first := s.p.finalFanout - 1
	longRunNumber, err := s.mergeRuns(level, first, runCount-first)
	if err != nil {
		return err
	}
	in := make([]*Stream[T], s.p.finalFanout)
	for i := 0; i < s.p.finalFanout-1; i++ {
		fs, err := s.openRunFileRead(level, i)
		if err != nil {
			for _, open := range in[:i] {
				_ = open.Close()
			}
			return err
		}
		in[i] = fs
	}
	long, err := s.openRunFileRead(level+1, longRunNumber)
	if err != nil {
		for _, open := range in[:s.p.finalFanout-1] {
			_ = open.Close()
		}
		return err
	}
	in[s.p.finalFanout-1] = long
	return s.merger.reset(in, s.runLengthAt(level+1))
}

// String describes the sorter configuration, mainly for debug logs.
func (s *MergeSorter[T]) String() string {
	return fmt.Sprintf("merge_sorter(runLength=%d fanout=%d finalFanout=%d)",
		s.p.runLength, s.p.fanout, s.p.finalFanout)
}

package tpie

import (
	"errors"
	"os"
	"sort"
	"testing"

	tpieerrors "github.com/pombredanne/tpie/errors"
)

func uint64Less(a, b uint64) bool { return a < b }

func newTestSorter(t *testing.T, opts ...SortOption) *MergeSorter[uint64] {
	t.Helper()
	opts = append([]SortOption{
		WithSortTempDir(t.TempDir()),
		WithSortBlockSize(testBlockSize),
	}, opts...)
	srt := NewMergeSorter(Uint64Codec{}, uint64Less, opts...)
	t.Cleanup(func() {
		if err := srt.Close(); err != nil {
			t.Errorf("close sorter: %v", err)
		}
	})
	return srt
}

// permutation returns a deterministic random permutation of [0, n).
func permutation(n int) []uint64 {
	rng := &stressRNG{seed: 0xbeef}
	out := make([]uint64, n)
	for i := range out {
		out[i] = uint64(i)
	}
	for i := n - 1; i > 0; i-- {
		j := rng.intn(int64(i + 1))
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func pushAll(t *testing.T, srt *MergeSorter[uint64], items []uint64) {
	t.Helper()
	if err := srt.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	for i, x := range items {
		if err := srt.Push(x); err != nil {
			t.Fatalf("push item %d: %v", i, err)
		}
	}
	if err := srt.End(); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := srt.Calc(); err != nil {
		t.Fatalf("calc: %v", err)
	}
}

func drain(t *testing.T, srt *MergeSorter[uint64]) []uint64 {
	t.Helper()
	var out []uint64
	for srt.CanPull() {
		x, err := srt.Pull()
		if err != nil {
			t.Fatalf("pull item %d: %v", len(out), err)
		}
		out = append(out, x)
	}
	return out
}

func TestSortPermutation(t *testing.T) {
	const n = 100000
	srt := newTestSorter(t)
	if err := srt.SetAvailableMemory(1 << 20); err != nil {
		t.Fatalf("set memory: %v", err)
	}
	pushAll(t, srt, permutation(n))
	out := drain(t, srt)
	if len(out) != n {
		t.Fatalf("pulled %d items, want %d", len(out), n)
	}
	for i, x := range out {
		if x != uint64(i) {
			t.Fatalf("output[%d] = %d, want %d", i, x, i)
		}
	}
}

func TestSortSpill(t *testing.T) {
	const n = 50000
	srt := newTestSorter(t)
	if err := srt.SetParameters(1000, 4); err != nil {
		t.Fatalf("set parameters: %v", err)
	}

	input := make([]uint64, n)
	rng := &stressRNG{seed: 0x50111}
	for i := range input {
		input[i] = rng.next() % 100000
	}
	want := append([]uint64(nil), input...)
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

	pushAll(t, srt, input)
	if got := srt.Runs(); got != 50 {
		t.Fatalf("spilled %d runs, want 50", got)
	}
	if got := srt.MergeLevels(); got < 3 {
		t.Fatalf("merge levels = %d, want at least 3", got)
	}

	out := drain(t, srt)
	if len(out) != n {
		t.Fatalf("pulled %d items, want %d", len(out), n)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("output[%d] = %d, want %d", i, out[i], want[i])
		}
	}
}

func TestSortInternalMode(t *testing.T) {
	dir := t.TempDir()
	srt := NewMergeSorter(Uint64Codec{}, uint64Less, WithSortTempDir(dir), WithSortBlockSize(testBlockSize))
	defer srt.Close()
	if err := srt.SetAvailableMemory(1 << 20); err != nil {
		t.Fatalf("set memory: %v", err)
	}

	input := permutation(5000)
	pushAll(t, srt, input)
	if got := srt.Runs(); got != 0 {
		t.Fatalf("internal mode spilled %d runs", got)
	}
	if got := srt.MergeLevels(); got != 0 {
		t.Fatalf("internal mode performed %d merge levels", got)
	}

	// Nothing touched the disk.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("internal mode left %d files in temp dir", len(entries))
	}

	out := drain(t, srt)
	for i, x := range out {
		if x != uint64(i) {
			t.Fatalf("output[%d] = %d, want %d", i, x, i)
		}
	}
	if _, err := srt.Pull(); !errors.Is(err, tpieerrors.ErrEndOfStream) {
		t.Fatalf("pull after drain: err = %v, want ErrEndOfStream", err)
	}
}

func TestSortEmptyInput(t *testing.T) {
	srt := newTestSorter(t)
	if err := srt.SetParameters(100, 2); err != nil {
		t.Fatalf("set parameters: %v", err)
	}
	pushAll(t, srt, nil)
	if srt.CanPull() {
		t.Fatalf("empty sorter claims more output")
	}
	if _, err := srt.Pull(); !errors.Is(err, tpieerrors.ErrEndOfStream) {
		t.Fatalf("pull from empty sorter: err = %v, want ErrEndOfStream", err)
	}
}

func TestSortDuplicates(t *testing.T) {
	const n = 10000
	srt := newTestSorter(t)
	if err := srt.SetParameters(500, 3); err != nil {
		t.Fatalf("set parameters: %v", err)
	}
	input := make([]uint64, n)
	for i := range input {
		input[i] = uint64(i % 13)
	}
	pushAll(t, srt, input)
	out := drain(t, srt)
	if len(out) != n {
		t.Fatalf("pulled %d items, want %d", len(out), n)
	}
	counts := make(map[uint64]int)
	prev := uint64(0)
	for i, x := range out {
		if x < prev {
			t.Fatalf("output out of order at %d: %d < %d", i, x, prev)
		}
		prev = x
		counts[x]++
	}
	for v := uint64(0); v < 13; v++ {
		want := n / 13
		if int(v) < n%13 {
			want++
		}
		if counts[v] != want {
			t.Fatalf("value %d appears %d times, want %d", v, counts[v], want)
		}
	}
}

func TestSortExactRunMultiple(t *testing.T) {
	// Input length an exact multiple of the run length: the final buffer is
	// full rather than partial.
	srt := newTestSorter(t)
	if err := srt.SetParameters(250, 2); err != nil {
		t.Fatalf("set parameters: %v", err)
	}
	input := permutation(1000)
	pushAll(t, srt, input)
	if got := srt.Runs(); got != 4 {
		t.Fatalf("spilled %d runs, want 4", got)
	}
	out := drain(t, srt)
	for i, x := range out {
		if x != uint64(i) {
			t.Fatalf("output[%d] = %d, want %d", i, x, i)
		}
	}
}

func TestSortTrailingRunsMerge(t *testing.T) {
	// Budgets chosen so the final fanout is smaller than the surviving run
	// count: the trailing runs are first merged into one extra-large run.
	srt := newTestSorter(t)
	if err := srt.SetAvailableMemoryPhases(20000, 60000, 30000); err != nil {
		t.Fatalf("set memory: %v", err)
	}
	runLength := srt.p.runLength
	fanout := srt.p.fanout
	finalFanout := srt.p.finalFanout
	if finalFanout >= fanout {
		t.Fatalf("budgets did not produce finalFanout < fanout (%d >= %d)", finalFanout, fanout)
	}

	// Enough runs to exceed the final fanout but not the intermediate one.
	runs := finalFanout + 2
	if runs > fanout {
		t.Fatalf("test setup: %d runs exceeds fanout %d", runs, fanout)
	}
	n := int(runLength)*(runs-1) + int(runLength)/2
	input := permutation(n)
	pushAll(t, srt, input)
	if got := srt.Runs(); got != runs {
		t.Fatalf("spilled %d runs, want %d", got, runs)
	}
	out := drain(t, srt)
	if len(out) != n {
		t.Fatalf("pulled %d items, want %d", len(out), n)
	}
	for i, x := range out {
		if x != uint64(i) {
			t.Fatalf("output[%d] = %d, want %d", i, x, i)
		}
	}
}

func TestSortStateErrors(t *testing.T) {
	srt := newTestSorter(t)

	if err := srt.Begin(); !errors.Is(err, tpieerrors.ErrParametersNotSet) {
		t.Fatalf("begin without parameters: err = %v, want ErrParametersNotSet", err)
	}
	if err := srt.SetParameters(0, 2); !errors.Is(err, tpieerrors.ErrCapacity) {
		t.Fatalf("zero run length: err = %v, want ErrCapacity", err)
	}
	if err := srt.SetParameters(100, 1); !errors.Is(err, tpieerrors.ErrCapacity) {
		t.Fatalf("fanout below 2: err = %v, want ErrCapacity", err)
	}
	if err := srt.SetParameters(100, 2); err != nil {
		t.Fatalf("set parameters: %v", err)
	}

	if err := srt.Push(1); !errors.Is(err, tpieerrors.ErrNotInRunFormation) {
		t.Fatalf("push before begin: err = %v, want ErrNotInRunFormation", err)
	}
	if err := srt.End(); !errors.Is(err, tpieerrors.ErrNotInRunFormation) {
		t.Fatalf("end before begin: err = %v, want ErrNotInRunFormation", err)
	}
	if err := srt.Calc(); !errors.Is(err, tpieerrors.ErrCalcBeforeEnd) {
		t.Fatalf("calc before begin: err = %v, want ErrCalcBeforeEnd", err)
	}

	if err := srt.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := srt.Begin(); !errors.Is(err, tpieerrors.ErrRunFormationOpen) {
		t.Fatalf("double begin: err = %v, want ErrRunFormationOpen", err)
	}
	if err := srt.Push(1); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := srt.Calc(); !errors.Is(err, tpieerrors.ErrCalcBeforeEnd) {
		t.Fatalf("calc before end: err = %v, want ErrCalcBeforeEnd", err)
	}
	if _, err := srt.Pull(); !errors.Is(err, tpieerrors.ErrPullNotPrepared) {
		t.Fatalf("pull before calc: err = %v, want ErrPullNotPrepared", err)
	}
	if srt.CanPull() {
		t.Fatalf("CanPull before calc")
	}
	if err := srt.End(); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := srt.Push(2); !errors.Is(err, tpieerrors.ErrNotInRunFormation) {
		t.Fatalf("push after end: err = %v, want ErrNotInRunFormation", err)
	}
	if _, err := srt.Pull(); !errors.Is(err, tpieerrors.ErrPullNotPrepared) {
		t.Fatalf("pull before calc: err = %v, want ErrPullNotPrepared", err)
	}
	if err := srt.Calc(); err != nil {
		t.Fatalf("calc: %v", err)
	}
	if x, err := srt.Pull(); err != nil || x != 1 {
		t.Fatalf("pull = (%d, %v), want (1, nil)", x, err)
	}
}

func TestSorterClosed(t *testing.T) {
	srt := NewMergeSorter(Uint64Codec{}, uint64Less, WithSortTempDir(t.TempDir()))
	if err := srt.SetParameters(10, 2); err != nil {
		t.Fatalf("set parameters: %v", err)
	}
	if err := srt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := srt.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := srt.Begin(); !errors.Is(err, tpieerrors.ErrSorterClosed) {
		t.Fatalf("begin after close: err = %v, want ErrSorterClosed", err)
	}
	if err := srt.Push(1); !errors.Is(err, tpieerrors.ErrSorterClosed) {
		t.Fatalf("push after close: err = %v, want ErrSorterClosed", err)
	}
	if _, err := srt.Pull(); !errors.Is(err, tpieerrors.ErrSorterClosed) {
		t.Fatalf("pull after close: err = %v, want ErrSorterClosed", err)
	}
}

func TestSortCleansRunFiles(t *testing.T) {
	dir := t.TempDir()
	srt := NewMergeSorter(Uint64Codec{}, uint64Less, WithSortTempDir(dir), WithSortBlockSize(testBlockSize))
	if err := srt.SetParameters(100, 2); err != nil {
		t.Fatalf("set parameters: %v", err)
	}
	input := permutation(1000)
	pushAll(t, srt, input)
	out := drain(t, srt)
	if len(out) != len(input) {
		t.Fatalf("pulled %d items, want %d", len(out), len(input))
	}
	if err := srt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("%d run files left after close", len(entries))
	}
}

func TestCalculateFanoutRespectsBudget(t *testing.T) {
	for _, m := range []int64{1 << 16, 1 << 20, 1 << 24} {
		f := calculateFanout(m, 8, testBlockSize)
		if f < 2 {
			t.Fatalf("fanout %d below minimum for budget %d", f, m)
		}
		if f > 2 && fanoutMemoryUsage(f, 8, testBlockSize) >= m {
			t.Fatalf("fanout %d does not fit budget %d", f, m)
		}
		if f < 250 && fanoutMemoryUsage(f+1, 8, testBlockSize) < m {
			t.Fatalf("fanout %d is not maximal for budget %d", f, m)
		}
	}
}

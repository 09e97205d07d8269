package pipeline

import (
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"

	tpieerrors "github.com/pombredanne/tpie/errors"
)

// runParallel pushes input through Parallel(f) and collects the consumer's
// output.
func runParallel[T, U any](t *testing.T, f Factory[T, U], input []T, opts ...ParallelOption) []U {
	t.Helper()
	var out []U
	p := New(
		FromSlice("input", input),
		Parallel(f, opts...),
		ToSlice("collect", &out),
		WithMemory(1<<20),
	)
	if err := p.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	return out
}

func TestParallelIdentityMultiset(t *testing.T) {
	const n = 10000
	input := make([]int, n)
	for i := range input {
		input[i] = i
	}

	out := runParallel(t, Identity[int](), input, WithJobs(4), WithBufSize(64))

	if len(out) != n {
		t.Fatalf("consumer emitted %d items, want %d", len(out), n)
	}
	seen := make(map[int]int, n)
	for _, x := range out {
		seen[x]++
	}
	for _, x := range input {
		if seen[x] != 1 {
			t.Fatalf("item %d appears %d times in output, want 1", x, seen[x])
		}
	}
}

func TestParallelMapMultiset(t *testing.T) {
	const n = 5000
	input := make([]int, n)
	for i := range input {
		input[i] = i
	}

	out := runParallel(t, Map("square", func(x int) int { return x * x }), input,
		WithJobs(3), WithBufSize(32))

	if len(out) != n {
		t.Fatalf("consumer emitted %d items, want %d", len(out), n)
	}
	seen := make(map[int]bool, n)
	for _, x := range out {
		seen[x] = true
	}
	for _, x := range input {
		if !seen[x*x] {
			t.Fatalf("missing output %d", x*x)
		}
	}
}

func TestParallelSingleWorkerPreservesOrder(t *testing.T) {
	// All buffers go to the same worker, so the output keeps the input
	// order. This also exercises the fast path where a worker waiting for
	// its output to drain is handed new input directly, skipping the idle
	// state.
	const n = 4096
	input := make([]int, n)
	for i := range input {
		input[i] = i
	}

	out := runParallel(t, Identity[int](), input, WithJobs(1), WithBufSize(16))

	if len(out) != n {
		t.Fatalf("consumer emitted %d items, want %d", len(out), n)
	}
	for i, x := range out {
		if x != i {
			t.Fatalf("output[%d] = %d, want %d: single-worker order not preserved", i, x, i)
		}
	}
}

func TestParallelExpandingWorkerFlushesMidRun(t *testing.T) {
	// Each input item produces two outputs, so the output buffer fills
	// mid-run and the worker must flush before its input is exhausted.
	const n = 1000
	input := make([]int, n)
	for i := range input {
		input[i] = i
	}

	duplicate := Factory[int, int]{Construct: func(p *Pipe, dest Pusher[int]) Pusher[int] {
		return pushFunc[int](func(x int) error {
			if err := dest.Push(x); err != nil {
				return err
			}
			return dest.Push(x + 1_000_000)
		})
	}}

	out := runParallel(t, duplicate, input, WithJobs(2), WithBufSize(8))

	if len(out) != 2*n {
		t.Fatalf("consumer emitted %d items, want %d", len(out), 2*n)
	}
	seen := make(map[int]int, 2*n)
	for _, x := range out {
		seen[x]++
	}
	for _, x := range input {
		if seen[x] != 1 || seen[x+1_000_000] != 1 {
			t.Fatalf("item %d not duplicated exactly once", x)
		}
	}
}

func TestParallelWorkerErrorPropagates(t *testing.T) {
	const n = 10000
	input := make([]int, n)
	for i := range input {
		input[i] = i
	}

	boom := errors.New("item rejected")
	failing := Factory[int, int]{Construct: func(p *Pipe, dest Pusher[int]) Pusher[int] {
		return pushFunc[int](func(x int) error {
			if x == 7777 {
				return fmt.Errorf("%w: %d", boom, x)
			}
			return dest.Push(x)
		})
	}}

	var out []int
	p := New(
		FromSlice("input", input),
		Parallel(failing, WithJobs(4), WithBufSize(64)),
		ToSlice("collect", &out),
		WithMemory(1<<20),
	)
	err := p.Run()
	if err == nil {
		t.Fatalf("run succeeded despite failing worker")
	}
	if !errors.Is(err, tpieerrors.ErrWorkerFailed) {
		t.Fatalf("err = %v, want ErrWorkerFailed", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v does not wrap the worker's error", err)
	}
}

func TestParallelConsumerErrorPropagates(t *testing.T) {
	const n = 1000
	input := make([]int, n)
	for i := range input {
		input[i] = i
	}

	boom := errors.New("sink full")
	count := 0
	p := New(
		FromSlice("input", input),
		Parallel(Identity[int](), WithJobs(2), WithBufSize(16)),
		Each("failing sink", func(x int) error {
			count++
			if count > 100 {
				return boom
			}
			return nil
		}),
		WithMemory(1<<20),
	)
	err := p.Run()
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the sink's error", err)
	}
}

func TestParallelPartialFinalBuffer(t *testing.T) {
	// An input size that is not a multiple of the buffer size leaves a
	// partial staging buffer for End to drain.
	const n = 777
	input := make([]int, n)
	for i := range input {
		input[i] = i
	}

	out := runParallel(t, Identity[int](), input, WithJobs(4), WithBufSize(64))
	if len(out) != n {
		t.Fatalf("consumer emitted %d items, want %d", len(out), n)
	}
}

func TestParallelEmptyInput(t *testing.T) {
	out := runParallel(t, Identity[int](), nil, WithJobs(2), WithBufSize(8))
	if len(out) != 0 {
		t.Fatalf("consumer emitted %d items for empty input", len(out))
	}
}

func TestParallelMinimumMemoryFormula(t *testing.T) {
	got := ParallelMinimumMemory(4, 64, 8, 16)
	want := int64(4*64*(8+16) + 64*8)
	if got != want {
		t.Fatalf("ParallelMinimumMemory = %d, want %d", got, want)
	}
}

func TestParallelStateTransitions(t *testing.T) {
	// Drive the exchange protocol directly: one worker, hand-rolled
	// producer steps.
	st := newParallelState[int, int](1, 4, zap.NewNop())
	after := &parallelAfter[int, int]{st: st, id: 0}
	st.workers[0] = &workerSlot[int, int]{
		inner: after,
		after: after,
		scope: &phaseGroup{},
	}
	go st.worker(0)

	st.mu.Lock()
	st.inputs[0] = append(st.inputs[0][:0], 1, 2, 3)
	st.states[0] = stateProcessing
	st.workerCond[0].Signal()

	// The worker fills its output and hands it over.
	for st.states[0] != stateOutputting {
		st.producerCond.Wait()
	}
	if got := len(st.outputs[0]); got != 3 {
		t.Fatalf("output buffer holds %d items, want 3", got)
	}
	st.outputs[0] = st.outputs[0][:0]
	st.states[0] = stateIdle
	st.workerCond[0].Signal()

	st.done = true
	st.workerCond[0].Signal()
	for st.runningWorkers > 0 {
		st.producerCond.Wait()
	}
	st.mu.Unlock()
}

package pipeline

import (
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"

	tpieerrors "github.com/pombredanne/tpie/errors"
)

// Defaults for the parallel execution core.
const (
	DefaultJobs    = 4
	DefaultBufSize = 64
)

type parallelConfig struct {
	numJobs int
	bufSize int
}

// ParallelOption is a functional option for configuring Parallel.
type ParallelOption func(*parallelConfig)

// WithJobs sets the number of worker goroutines.
func WithJobs(n int) ParallelOption {
	return func(c *parallelConfig) {
		c.numJobs = n
	}
}

// WithBufSize sets the number of items per buffer exchanged between the
// producer, a worker and the consumer.
func WithBufSize(n int) ParallelOption {
	return func(c *parallelConfig) {
		c.bufSize = n
	}
}

// workerState is the per-worker position in the exchange protocol.
type workerState int

const (
	// stateIdle: the input buffer may be written by the producer.
	stateIdle workerState = iota
	// stateProcessing: the worker is running its pipeline.
	stateProcessing
	// stateOutputting: the output buffer is waiting for the consumer.
	stateOutputting
)

// ParallelMinimumMemory returns the buffer memory of a parallel segment:
// one input and one output buffer per worker plus the producer's staging
// buffer.
func ParallelMinimumMemory(numJobs, bufSize int, inSize, outSize int64) int64 {
	return int64(numJobs)*int64(bufSize)*(inSize+outSize) + int64(bufSize)*inSize
}

// itemSize approximates the in-memory size of T for accounting.
func itemSize[T any]() int64 {
	var x T
	return int64(reflect.TypeOf(&x).Elem().Size())
}

// Parallel runs the fragment f in numJobs worker goroutines. Each worker
// owns a private instance of f sandwiched between an input and an output
// buffer of bufSize items. Items handed to the same worker preserve their
// order; across workers, output is ordered by completion, not by input
// order.
func Parallel[T, U any](f Factory[T, U], opts ...ParallelOption) Factory[T, U] {
	cfg := &parallelConfig{numJobs: DefaultJobs, bufSize: DefaultBufSize}
	for _, opt := range opts {
		opt(cfg)
	}

	return Factory[T, U]{Construct: func(p *Pipe, dest Pusher[U]) Pusher[T] {
		st := newParallelState[T, U](cfg.numJobs, cfg.bufSize, p.Logger())

		cons := &parallelConsumer[T, U]{st: st, dest: dest}
		p.add(cons, &Info{Name: "parallel output", Priority: PriorityInsignificant})

		// Build every worker slot once, up front: the worker pipeline and
		// its two buffers live in the slot for the segment's lifetime.
		for i := 0; i < cfg.numJobs; i++ {
			after := &parallelAfter[T, U]{st: st, id: i}
			scope := &Pipe{log: st.log, open: &phaseGroup{}}
			inner := f.Construct(scope, after)
			st.workers[i] = &workerSlot[T, U]{inner: inner, after: after, scope: scope.open}
		}

		pr := &parallelProducer[T, U]{st: st, cons: cons}
		p.add(pr, &Info{
			Name:          "parallel input",
			Priority:      PriorityInsignificant,
			MinimumMemory: ParallelMinimumMemory(cfg.numJobs, cfg.bufSize, itemSize[T](), itemSize[U]()),
		})
		return pr
	}}
}

// workerSlot holds one worker's private pipeline, the nodes it must begin
// and end around its lifetime, and the batch copy it iterates. The copy
// lets the producer refill the shared input buffer through the fast path
// while the worker is still draining the previous batch.
type workerSlot[T, U any] struct {
	inner Pusher[T]
	after *parallelAfter[T, U]
	scope *phaseGroup
	batch []T
}

// parallelState is shared by the producer, the workers and the consumer.
// The mutex guards every field except the per-worker buffers: a worker
// touches its input buffer only in stateProcessing and its output buffer
// only in stateProcessing or stateOutputting, and the producer/consumer
// touch them only in stateIdle and stateOutputting respectively, so the
// buffer hand-off needs no further synchronization.
type parallelState[T, U any] struct {
	numJobs int
	bufSize int
	log     *zap.Logger

	mu           sync.Mutex
	producerCond *sync.Cond
	workerCond   []*sync.Cond

	states []workerState

	// pending[i] is set when the producer has written input that worker i
	// has not yet picked up. It survives the worker's trailing output
	// flush, so input handed over through the fast path is never lost.
	pending []bool

	done           bool
	err            error
	runningWorkers int

	inputs  [][]T
	outputs [][]U
	workers []*workerSlot[T, U]
}

func newParallelState[T, U any](numJobs, bufSize int, log *zap.Logger) *parallelState[T, U] {
	st := &parallelState[T, U]{
		numJobs: numJobs,
		bufSize: bufSize,
		log:     log,
		states:  make([]workerState, numJobs),
		pending: make([]bool, numJobs),
		inputs:  make([][]T, numJobs),
		outputs: make([][]U, numJobs),
		workers: make([]*workerSlot[T, U], numJobs),
	}
	st.producerCond = sync.NewCond(&st.mu)
	st.workerCond = make([]*sync.Cond, numJobs)
	for i := range st.workerCond {
		st.workerCond[i] = sync.NewCond(&st.mu)
		st.inputs[i] = make([]T, 0, bufSize)
		st.outputs[i] = make([]U, 0, bufSize)
	}
	return st
}

// fail latches the first error, sets done and wakes everyone. Caller holds
// the mutex.
func (st *parallelState[T, U]) fail(err error) {
	if st.err == nil {
		st.err = err
	}
	st.done = true
	st.producerCond.Signal()
	for _, c := range st.workerCond {
		c.Signal()
	}
}

func (st *parallelState[T, U]) latchedError() error {
	if st.err != nil {
		return fmt.Errorf("%w: %w", tpieerrors.ErrWorkerFailed, st.err)
	}
	return nil
}

// worker is the goroutine body for worker id. It waits for input, runs the
// inner pipeline over the input buffer, and repeats until done.
func (st *parallelState[T, U]) worker(id int) {
	st.mu.Lock()
	slot := st.workers[id]

	for i := range slot.scope.entries {
		if err := slot.scope.entries[i].node.Begin(); err != nil {
			endEntries(slot.scope.entries[:i])
			st.fail(err)
			st.mu.Unlock()
			return
		}
	}

	st.runningWorkers++
	defer func() {
		_ = endEntries(slot.scope.entries)
		st.runningWorkers--
		st.producerCond.Signal()
		st.mu.Unlock()
	}()

	for {
		for st.states[id] != stateProcessing {
			if st.done {
				st.log.Debug("worker done", zap.Int("worker", id))
				return
			}
			st.workerCond[id].Wait()
		}
		// Take a private copy of the batch so the input buffer is free for
		// the producer as soon as the state next returns to idle.
		slot.batch = append(slot.batch[:0], st.inputs[id]...)
		st.pending[id] = false
		st.mu.Unlock()
		err := st.pushAll(id)
		st.mu.Lock()
		if err != nil {
			st.fail(err)
			return
		}
	}
}

// pushAll runs the worker's pipeline over its current batch and hands the
// output to the consumer. The trailing flush happens even when the batch
// produced no output: it is the hand-off that moves the worker out of
// stateProcessing.
func (st *parallelState[T, U]) pushAll(id int) error {
	slot := st.workers[id]
	for _, x := range slot.batch {
		if err := slot.inner.Push(x); err != nil {
			return err
		}
	}
	return slot.after.flushBuffer()
}

// parallelAfter terminates a worker's private pipeline: it collects output
// items and hands full buffers to the consumer.
type parallelAfter[T, U any] struct {
	st *parallelState[T, U]
	id int
}

func (a *parallelAfter[T, U]) Push(x U) error {
	st := a.st
	if len(st.outputs[a.id]) >= st.bufSize {
		return tpieerrors.ErrBufferOverrun
	}
	st.outputs[a.id] = append(st.outputs[a.id], x)
	if len(st.outputs[a.id]) >= st.bufSize {
		return a.flushBuffer()
	}
	return nil
}

// flushBuffer hands the output buffer to the consumer and waits until it
// has been drained, even when the buffer is empty: the hand-off doubles as
// the end-of-batch signal. Waking up in stateProcessing instead of
// stateIdle is legal: the producer may reassign input directly after the
// consumer drained the output, saving one wakeup.
func (a *parallelAfter[T, U]) flushBuffer() error {
	st := a.st
	st.mu.Lock()
	defer st.mu.Unlock()
	st.states[a.id] = stateOutputting
	st.producerCond.Signal()
	for st.states[a.id] == stateOutputting {
		if st.done {
			return st.latchedError()
		}
		st.workerCond[a.id].Wait()
	}
	return nil
}

// parallelConsumer pushes drained output buffers downstream in the main
// goroutine.
type parallelConsumer[T, U any] struct {
	BaseNode
	st   *parallelState[T, U]
	dest Pusher[U]
}

// consume forwards worker id's output downstream and empties the buffer.
// Called by the producer with the mutex held, while the worker is in
// stateOutputting.
func (c *parallelConsumer[T, U]) consume(id int) error {
	st := c.st
	for _, y := range st.outputs[id] {
		if err := c.dest.Push(y); err != nil {
			return err
		}
	}
	st.outputs[id] = st.outputs[id][:0]
	return nil
}

// parallelProducer receives items from upstream in the main goroutine,
// stages them, and exchanges buffers with the workers.
type parallelProducer[T, U any] struct {
	st      *parallelState[T, U]
	cons    *parallelConsumer[T, U]
	staging []T
}

// Begin launches the worker goroutines.
func (pr *parallelProducer[T, U]) Begin() error {
	pr.staging = make([]T, 0, pr.st.bufSize)
	for i := 0; i < pr.st.numJobs; i++ {
		go pr.st.worker(i)
	}
	return nil
}

func (pr *parallelProducer[T, U]) Push(x T) error {
	pr.staging = append(pr.staging, x)
	if len(pr.staging) < pr.st.bufSize {
		return nil
	}
	return pr.flushStaging()
}

// hasReadyPipe scans for a worker that can accept input or has output to
// drain. Caller holds the mutex.
func (pr *parallelProducer[T, U]) hasReadyPipe() (int, bool) {
	for i, s := range pr.st.states {
		if s != stateProcessing {
			return i, true
		}
	}
	return 0, false
}

func (pr *parallelProducer[T, U]) hasOutputtingPipe() (int, bool) {
	for i, s := range pr.st.states {
		if s == stateOutputting {
			return i, true
		}
	}
	return 0, false
}

func (pr *parallelProducer[T, U]) hasProcessingPipe() bool {
	for _, s := range pr.st.states {
		if s == stateProcessing {
			return true
		}
	}
	return false
}

// flushStaging hands the staging buffer to an idle worker, draining
// finished output along the way.
func (pr *parallelProducer[T, U]) flushStaging() error {
	st := pr.st
	st.mu.Lock()
	defer st.mu.Unlock()
	return pr.flushStagingLocked()
}

func (pr *parallelProducer[T, U]) flushStagingLocked() error {
	st := pr.st
	for len(pr.staging) > 0 {
		if st.done {
			return pr.doneError()
		}
		idx, ok := pr.hasReadyPipe()
		for !ok {
			st.producerCond.Wait()
			if st.done {
				return pr.doneError()
			}
			idx, ok = pr.hasReadyPipe()
		}
		switch st.states[idx] {
		case stateIdle:
			st.inputs[idx] = append(st.inputs[idx][:0], pr.staging...)
			st.pending[idx] = true
			st.states[idx] = stateProcessing
			st.workerCond[idx].Signal()
			pr.staging = pr.staging[:0]
		case stateOutputting:
			if err := pr.cons.consume(idx); err != nil {
				st.fail(err)
				return err
			}
			// Input handed over through the fast path goes straight back
			// to processing; the worker picks it up when its flush wakes.
			if st.pending[idx] {
				st.states[idx] = stateProcessing
			} else {
				st.states[idx] = stateIdle
			}
			st.workerCond[idx].Signal()
		}
	}
	return nil
}

// doneError translates a premature done flag into the latched worker
// error. Caller holds the mutex.
func (pr *parallelProducer[T, U]) doneError() error {
	if err := pr.st.latchedError(); err != nil {
		return err
	}
	return tpieerrors.ErrWorkerFailed
}

// End drains the staging buffer through the normal protocol, consumes the
// remaining output, terminates the workers and surfaces any latched error.
func (pr *parallelProducer[T, U]) End() error {
	st := pr.st
	st.mu.Lock()
	defer st.mu.Unlock()

	if len(pr.staging) > 0 && !st.done {
		if err := pr.flushStagingLocked(); err != nil {
			// Fall through to worker shutdown below.
			pr.staging = pr.staging[:0]
		}
	}

	// Wait for every worker to finish processing, draining output as it
	// appears. The consumer's drain does not wake the worker here: the
	// final done broadcast below releases it.
	for !st.done {
		idx, ok := pr.hasOutputtingPipe()
		if !ok {
			if !pr.hasProcessingPipe() {
				break
			}
			st.producerCond.Wait()
			continue
		}
		if err := pr.cons.consume(idx); err != nil {
			st.fail(err)
			break
		}
		if st.pending[idx] {
			st.states[idx] = stateProcessing
			st.workerCond[idx].Signal()
		} else {
			st.states[idx] = stateIdle
		}
	}

	st.log.Debug("parallel input done, stopping workers")
	st.done = true
	for _, c := range st.workerCond {
		c.Signal()
	}
	for st.runningWorkers > 0 {
		st.producerCond.Wait()
	}
	return st.latchedError()
}

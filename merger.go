package tpie

import (
	"errors"

	tpieerrors "github.com/pombredanne/tpie/errors"
	"github.com/pombredanne/tpie/pq"
)

// merger pulls the least remaining item across a set of open run streams.
// Each stream contributes at most runLength items, its run's extent inside
// the backing file; the last run of a level may be shorter and is bounded
// by the stream end instead.
type merger[T any] struct {
	less      func(a, b T) bool
	heap      *pq.MergeHeap[T]
	in        []*Stream[T]
	itemsRead []int64
	runLength int64
}

func newMerger[T any](less func(a, b T) bool) *merger[T] {
	return &merger[T]{less: less}
}

// reset points the merger at a fresh set of run streams, each positioned at
// the first item of its run, and primes the heap.
func (m *merger[T]) reset(in []*Stream[T], runLength int64) error {
	if err := m.close(); err != nil {
		return err
	}
	m.in = in
	m.runLength = runLength
	m.itemsRead = make([]int64, len(in))
	m.heap = pq.NewMergeHeap(m.less, len(in))
	for i := range in {
		x, err := in[i].ReadItem()
		if err != nil {
			if errors.Is(err, tpieerrors.ErrEndOfStream) {
				continue // empty run
			}
			return err
		}
		m.itemsRead[i] = 1
		m.heap.Push(x, i)
	}
	return nil
}

func (m *merger[T]) canPull() bool {
	return m.heap != nil && !m.heap.Empty()
}

// pull returns the least item and refills the heap from the run that
// produced it.
func (m *merger[T]) pull() (T, error) {
	x, run := m.heap.Top(), m.heap.TopRun()
	if m.itemsRead[run] < m.runLength {
		y, err := m.in[run].ReadItem()
		switch {
		case err == nil:
			m.itemsRead[run]++
			m.heap.PopAndPush(y, run)
			return x, nil
		case errors.Is(err, tpieerrors.ErrEndOfStream):
			// short last run
		default:
			var zero T
			return zero, err
		}
	}
	m.heap.Pop()
	return x, nil
}

// close releases the input streams. The merger can be reset again
// afterwards.
func (m *merger[T]) close() error {
	var errs []error
	for _, s := range m.in {
		if s != nil {
			errs = append(errs, s.Close())
		}
	}
	m.in = nil
	m.heap = nil
	return errors.Join(errs...)
}

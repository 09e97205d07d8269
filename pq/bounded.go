package pq

import (
	tpieerrors "github.com/pombredanne/tpie/errors"
)

// Bounded is a fixed-capacity binary min-heap. It never allocates after
// construction; pushing into a full heap fails with ErrHeapFull, and
// PopPush supports the replacement-selection pattern of evicting the least
// item while admitting a new one.
type Bounded[T any] struct {
	less  func(a, b T) bool
	items []T
}

// NewBounded returns a bounded heap with the given capacity.
func NewBounded[T any](less func(a, b T) bool, capacity int) *Bounded[T] {
	return &Bounded[T]{
		less:  less,
		items: make([]T, 0, capacity),
	}
}

// BoundedMemory returns the memory charged against a budget for a bounded
// heap of the given capacity over itemSize-byte items.
func BoundedMemory(capacity int, itemSize int64) int64 {
	const sliceOverhead = 24
	return int64(capacity)*itemSize + sliceOverhead
}

// Len returns the number of queued items.
func (h *Bounded[T]) Len() int {
	return len(h.items)
}

// Cap returns the fixed capacity.
func (h *Bounded[T]) Cap() int {
	return cap(h.items)
}

// Empty reports whether the heap holds no items.
func (h *Bounded[T]) Empty() bool {
	return len(h.items) == 0
}

// Full reports whether the heap is at capacity.
func (h *Bounded[T]) Full() bool {
	return len(h.items) == cap(h.items)
}

// Top returns the least item without removing it.
func (h *Bounded[T]) Top() (T, error) {
	var zero T
	if len(h.items) == 0 {
		return zero, tpieerrors.ErrHeapEmpty
	}
	return h.items[0], nil
}

// Push adds x, failing with ErrHeapFull at capacity.
func (h *Bounded[T]) Push(x T) error {
	if len(h.items) == cap(h.items) {
		return tpieerrors.ErrHeapFull
	}
	h.items = append(h.items, x)
	h.up(len(h.items) - 1)
	return nil
}

// Pop removes and returns the least item.
func (h *Bounded[T]) Pop() (T, error) {
	var zero T
	if len(h.items) == 0 {
		return zero, tpieerrors.ErrHeapEmpty
	}
	x := h.items[0]
	n := len(h.items) - 1
	h.items[0] = h.items[n]
	h.items[n] = zero
	h.items = h.items[:n]
	if n > 0 {
		h.down(0)
	}
	return x, nil
}

// PopPush replaces the least item with x in a single sift-down and returns
// the evicted item.
func (h *Bounded[T]) PopPush(x T) (T, error) {
	var zero T
	if len(h.items) == 0 {
		return zero, tpieerrors.ErrHeapEmpty
	}
	out := h.items[0]
	h.items[0] = x
	h.down(0)
	return out, nil
}

func (h *Bounded[T]) up(j int) {
	for {
		i := (j - 1) / 2 // parent
		if i == j || !h.less(h.items[j], h.items[i]) {
			break
		}
		h.items[i], h.items[j] = h.items[j], h.items[i]
		j = i
	}
}

func (h *Bounded[T]) down(i int) {
	n := len(h.items)
	for {
		j1 := 2*i + 1
		if j1 >= n {
			break
		}
		j := j1 // left child
		if j2 := j1 + 1; j2 < n && h.less(h.items[j2], h.items[j1]) {
			j = j2
		}
		if !h.less(h.items[j], h.items[i]) {
			break
		}
		h.items[i], h.items[j] = h.items[j], h.items[i]
		i = j
	}
}

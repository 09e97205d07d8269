// Package parsort sorts a contiguous in-memory buffer with parallel chunk
// sorts followed by a k-way merge. It backs the merge sorter's run
// formation, where run buffers are large enough that single-threaded
// sorting leaves cores idle while the disk is quiet.
package parsort

import (
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/pombredanne/tpie/pq"
)

// minParallelLen is the buffer size below which the chunk split costs more
// than it saves.
const minParallelLen = 1 << 13

// Sort sorts items in place. The sort is not stable.
func Sort[T any](items []T, less func(a, b T) bool) {
	workers := runtime.GOMAXPROCS(0)
	if len(items) < minParallelLen || workers == 1 {
		sort.Slice(items, func(i, j int) bool { return less(items[i], items[j]) })
		return
	}

	// Split into contiguous chunks, one per worker.
	chunkLen := (len(items) + workers - 1) / workers
	var chunks [][]T
	for start := 0; start < len(items); start += chunkLen {
		end := start + chunkLen
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}

	var g errgroup.Group
	for _, chunk := range chunks {
		chunk := chunk
		g.Go(func() error {
			sort.Slice(chunk, func(i, j int) bool { return less(chunk[i], chunk[j]) })
			return nil
		})
	}
	_ = g.Wait() // chunk sorts cannot fail

	merge(items, chunks, less)
}

// merge k-way merges the sorted chunks back into items.
func merge[T any](items []T, chunks [][]T, less func(a, b T) bool) {
	h := pq.NewMergeHeap(less, len(chunks))
	next := make([]int, len(chunks))
	for c, chunk := range chunks {
		if len(chunk) > 0 {
			h.Push(chunk[0], c)
			next[c] = 1
		}
	}

	out := make([]T, 0, len(items))
	for !h.Empty() {
		x, c := h.Top(), h.TopRun()
		if next[c] < len(chunks[c]) {
			h.PopAndPush(chunks[c][next[c]], c)
			next[c]++
		} else {
			h.Pop()
		}
		out = append(out, x)
	}
	copy(items, out)
}

package pq

import (
	"sort"
	"testing"
)

func intLess(a, b int) bool { return a < b }

func TestMergeHeapOrdering(t *testing.T) {
	h := NewMergeHeap(intLess, 4)
	input := []int{42, 7, 19, 7, 3, 88, 3, 1}
	for i, x := range input {
		h.Push(x, i%4)
	}
	if h.Len() != len(input) {
		t.Fatalf("len = %d, want %d", h.Len(), len(input))
	}

	want := append([]int(nil), input...)
	sort.Ints(want)
	for i, w := range want {
		if h.Empty() {
			t.Fatalf("heap empty after %d pops, want %d items", i, len(want))
		}
		if top := h.Top(); top != w {
			t.Fatalf("pop %d = %d, want %d", i, top, w)
		}
		h.Pop()
	}
	if !h.Empty() {
		t.Fatalf("heap not empty after all pops")
	}
}

func TestMergeHeapTieBreakByRun(t *testing.T) {
	h := NewMergeHeap(intLess, 4)
	h.Push(5, 3)
	h.Push(5, 1)
	h.Push(5, 2)
	h.Push(4, 2)

	if x, run := h.Pop(); x != 4 || run != 2 {
		t.Fatalf("first pop = (%d, %d), want (4, 2)", x, run)
	}
	for _, wantRun := range []int{1, 2, 3} {
		x, run := h.Pop()
		if x != 5 || run != wantRun {
			t.Fatalf("tied pop = (%d, %d), want (5, %d)", x, run, wantRun)
		}
	}
}

func TestMergeHeapPopAndPush(t *testing.T) {
	h := NewMergeHeap(intLess, 3)
	h.Push(10, 0)
	h.Push(20, 1)
	h.Push(30, 2)

	// Replacing the top behaves like pop followed by push.
	if top := h.Top(); top != 10 {
		t.Fatalf("top = %d, want 10", top)
	}
	h.PopAndPush(25, 0)
	got := make([]int, 0, 3)
	for !h.Empty() {
		x, _ := h.Pop()
		got = append(got, x)
	}
	want := []int{20, 25, 30}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("drain = %v, want %v", got, want)
		}
	}
}

func TestMergeHeapMerge(t *testing.T) {
	runs := [][]int{
		{1, 4, 7, 10},
		{2, 5, 8},
		{3, 6, 9, 12, 15},
	}
	h := NewMergeHeap(intLess, len(runs))
	next := make([]int, len(runs))
	for i, r := range runs {
		h.Push(r[0], i)
		next[i] = 1
	}
	var out []int
	for !h.Empty() {
		x, run := h.Top(), h.TopRun()
		if next[run] < len(runs[run]) {
			h.PopAndPush(runs[run][next[run]], run)
			next[run]++
		} else {
			h.Pop()
		}
		out = append(out, x)
	}
	want := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 12, 15}
	if len(out) != len(want) {
		t.Fatalf("merged %d items, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("merged = %v, want %v", out, want)
		}
	}
}

func TestMergeHeapMemoryMonotonic(t *testing.T) {
	prev := int64(0)
	for fanout := 2; fanout < 251; fanout *= 2 {
		m := MergeHeapMemory(fanout, 8)
		if m <= prev {
			t.Fatalf("MergeHeapMemory(%d) = %d not increasing (prev %d)", fanout, m, prev)
		}
		prev = m
	}
}

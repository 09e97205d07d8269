package parsort

import (
	"encoding/binary"
	"sort"
	"testing"

	"github.com/spaolacci/murmur3"
)

func genData(n int, seed uint32) []uint64 {
	out := make([]uint64, n)
	var buf [8]byte
	for i := range out {
		binary.LittleEndian.PutUint64(buf[:], uint64(i))
		out[i] = murmur3.Sum64WithSeed(buf[:], seed)
	}
	return out
}

func uint64Less(a, b uint64) bool { return a < b }

func TestSortMatchesStdlib(t *testing.T) {
	sizes := []int{0, 1, 2, 100, minParallelLen - 1, minParallelLen, minParallelLen + 1, 1 << 16}
	for _, n := range sizes {
		data := genData(n, uint32(n))
		want := append([]uint64(nil), data...)
		sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

		Sort(data, uint64Less)
		for i := range want {
			if data[i] != want[i] {
				t.Fatalf("n=%d: mismatch at %d: got %d, want %d", n, i, data[i], want[i])
			}
		}
	}
}

func TestSortDuplicateHeavy(t *testing.T) {
	n := 1 << 15
	data := make([]uint64, n)
	for i := range data {
		data[i] = uint64(i % 7)
	}
	Sort(data, uint64Less)
	for i := 1; i < n; i++ {
		if data[i-1] > data[i] {
			t.Fatalf("out of order at %d: %d > %d", i, data[i-1], data[i])
		}
	}
}

func TestSortAlreadySorted(t *testing.T) {
	n := 1 << 14
	data := make([]uint64, n)
	for i := range data {
		data[i] = uint64(i)
	}
	Sort(data, uint64Less)
	for i := range data {
		if data[i] != uint64(i) {
			t.Fatalf("sorted input disturbed at %d: %d", i, data[i])
		}
	}
}

func TestSortReverse(t *testing.T) {
	n := 1 << 14
	data := make([]uint64, n)
	for i := range data {
		data[i] = uint64(n - i)
	}
	Sort(data, uint64Less)
	for i := range data {
		if data[i] != uint64(i+1) {
			t.Fatalf("reverse input not sorted at %d: %d", i, data[i])
		}
	}
}

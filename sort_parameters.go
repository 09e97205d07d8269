package tpie

import (
	"go.uber.org/zap"

	tpieerrors "github.com/pombredanne/tpie/errors"
	"github.com/pombredanne/tpie/pq"
)

// tempFileMemory is the memory charged against a budget per TempFile
// handle.
const tempFileMemory = 128

// fanout search bounds. The upper bound is inherited from the original
// tuning; past ~250 open streams the per-stream buffers dwarf the gain of a
// wider merge.
const (
	fanoutLo = 2
	fanoutHi = 251
)

// sortParameters holds the memory-derived configuration of a merge sort.
type sortParameters struct {
	// runLength is the number of items in each initial run.
	runLength int64

	// internalReportThreshold is the largest item count that is reported
	// directly from memory without touching disk.
	internalReportThreshold int64

	// fanout is the number of runs merged per intermediate pass.
	fanout int

	// finalFanout is the number of runs merged in the final pass.
	finalFanout int

	memoryPhase2 int64
	memoryPhase3 int64
	memoryPhase4 int64
}

// mergerMemoryUsage is the memory held by a merger over fanout runs: the
// merge heap plus fanout open input streams.
func mergerMemoryUsage(fanout int, itemSize, blockBytes int64) int64 {
	return pq.MergeHeapMemory(fanout, itemSize) + int64(fanout)*StreamMemoryUsage(blockBytes)
}

// fanoutMemoryUsage is the total memory held during a merge pass with the
// given fanout: the merger, one output stream, and the two temp-file bank
// handles the sorter keeps per active level.
func fanoutMemoryUsage(fanout int, itemSize, blockBytes int64) int64 {
	return mergerMemoryUsage(fanout, itemSize, blockBytes) +
		StreamMemoryUsage(blockBytes) +
		2*tempFileMemory
}

// calculateFanout binary searches for the largest fanout whose merge pass
// fits in the given memory.
func calculateFanout(available, itemSize, blockBytes int64) int {
	lo, hi := fanoutLo, fanoutHi
	for lo < hi-1 {
		mid := lo + (hi-lo)/2
		if fanoutMemoryUsage(mid, itemSize, blockBytes) < available {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

// calculateParameters derives the sort parameters from the memory available
// to run formation (m2), intermediate merging (m3) and the final merge
// (m4). Budgets too small for the minimum viable configuration are repaired
// upward and logged rather than rejected.
func calculateParameters(m2, m3, m4, itemSize, blockBytes int64, log *zap.Logger) (sortParameters, error) {
	var p sortParameters

	// Intermediate merges: fanout is bounded by the merge heap and the
	// fanout open streams.
	p.fanout = calculateFanout(m3, itemSize, blockBytes)
	if usage := fanoutMemoryUsage(p.fanout, itemSize, blockBytes); usage > m3 {
		log.Debug("insufficient memory for minimum fanout, repairing budget",
			zap.Int64("m3", m3), zap.Int64("required", usage))
		m3 = usage
	}

	// Final merge: same calculation against m4, never wider than fanout.
	p.finalFanout = calculateFanout(m4, itemSize, blockBytes)
	if p.finalFanout > p.fanout {
		p.finalFanout = p.fanout
	}
	if usage := fanoutMemoryUsage(p.finalFanout, itemSize, blockBytes); usage > m4 {
		log.Debug("insufficient memory for minimum final fanout, repairing budget",
			zap.Int64("m4", m4), zap.Int64("required", usage))
		m4 = usage
	}

	// Run formation: one open stream, the 2*fanout temp-file bank, and as
	// many items as fit in the rest.
	streamMem := StreamMemoryUsage(blockBytes)
	tempFileMem := 2 * int64(p.fanout) * tempFileMemory
	minM2 := itemSize + streamMem + tempFileMem
	if m2 < minM2 {
		log.Warn("not enough run-formation memory for an item and an open stream, repairing budget",
			zap.Int64("m2", m2), zap.Int64("required", minM2))
		m2 = minM2
	}
	p.runLength = (m2 - streamMem - tempFileMem) / itemSize

	minBudget := m2
	if m3 < minBudget {
		minBudget = m3
	}
	if m4 < minBudget {
		minBudget = m4
	}
	p.internalReportThreshold = (minBudget - tempFileMem) / itemSize
	if p.internalReportThreshold > p.runLength {
		p.internalReportThreshold = p.runLength
	}
	if p.internalReportThreshold < 0 {
		p.internalReportThreshold = 0
	}

	p.memoryPhase2 = m2
	p.memoryPhase3 = m3
	p.memoryPhase4 = m4

	if p.runLength < 1 || p.fanout < 2 {
		return p, tpieerrors.ErrCapacity
	}

	log.Debug("calculated merge sort parameters",
		zap.Int64("runLength", p.runLength),
		zap.Int64("internalReportThreshold", p.internalReportThreshold),
		zap.Int("fanout", p.fanout),
		zap.Int("finalFanout", p.finalFanout),
		zap.Int64("memoryPhase2", p.memoryPhase2),
		zap.Int64("memoryPhase3", p.memoryPhase3),
		zap.Int64("memoryPhase4", p.memoryPhase4))

	return p, nil
}

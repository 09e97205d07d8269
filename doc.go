// Package tpie supplies building blocks for algorithms whose working sets
// live on disk and are moved through memory in large sequential chunks.
//
// The package provides three tightly coupled subsystems:
//
//   - A typed, seekable, append-and-truncate stream abstraction over
//     fixed-size blocks (Stream).
//   - An external merge sorter built on top of the stream layer
//     (MergeSorter), with run formation, intermediate merge passes and a
//     final k-way merge.
//   - A push-based, multi-worker dataflow runtime in the pipeline
//     subpackage, buffering items between a producer, a worker pool and a
//     consumer.
//
// # Streams
//
// A stream persists a sequence of fixed-size items as a sequence of
// equally sized blocks with a leading header record. Items are encoded by
// a Codec; built-in codecs cover the common machine types.
//
//	s, err := tpie.Open[uint64]("data.tpie", tpie.Write, tpie.Uint64Codec{})
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//	for i := uint64(0); i < n; i++ {
//	    if err := s.WriteItem(i); err != nil {
//	        return err
//	    }
//	}
//
// Opening with an empty path creates an unnamed temporary stream that is
// removed again on Close.
//
// # Sorting
//
// The merge sorter consumes pushed items, spills sorted runs to temporary
// streams when the in-memory run buffer fills, and produces sorted output
// on demand:
//
//	srt := tpie.NewMergeSorter(tpie.Uint64Codec{}, func(a, b uint64) bool { return a < b })
//	defer srt.Close()
//	srt.SetAvailableMemory(tpie.DefaultMemory())
//	srt.Begin()
//	for _, x := range input {
//	    if err := srt.Push(x); err != nil {
//	        return err
//	    }
//	}
//	srt.End()
//	if err := srt.Calc(); err != nil {
//	    return err
//	}
//	for srt.CanPull() {
//	    x, err := srt.Pull()
//	    ...
//	}
//
// If the whole input fits in memory the sorter never touches disk.
//
// # Package structure
//
//   - Public API: stream.go (Open, Stream), sorter.go (MergeSorter),
//     tempfile.go (TempFile), codec.go (Codec)
//   - Serialization: header.go (stream header), block_file.go (block I/O)
//   - Heaps: pq/ (k-way merge heap, bounded overflow heap)
//   - Dataflow: pipeline/ (node composition, parallel execution)
//   - Platform: fadvise_*.go, fallocate_*.go, prefault_*.go
//
// The environment variables TPIE_TEMP_DIR and TPIE_DEFAULT_MM override the
// temporary-file root and the default memory budget.
package tpie

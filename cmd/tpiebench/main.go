// Tpiebench exercises the library against real disks: it writes and reads
// back a stream sequentially, or pushes random items through the external
// merge sorter, and reports throughput.
//
// Usage:
//
//	go run ./cmd/tpiebench stream -items 10000000 -block 2097152
//	go run ./cmd/tpiebench sort -items 10000000 -memory 67108864
//
// Flags:
//
//	-items    Number of uint64 items (default: 10,000,000)
//	-block    Block size in bytes (default: 2 MiB)
//	-memory   Memory budget in bytes for sorting (default: TPIE_DEFAULT_MM)
//	-tempdir  Directory for temporary files (default: TPIE_TEMP_DIR)
//	-verbose  Enable debug logging
//
// Exit codes: 0 success, 1 usage error, 2 I/O failure, 3 invariant
// violated.
package main

import (
	"errors"
	"flag"
	"fmt"
	mrand "math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/pombredanne/tpie"
	tpieerrors "github.com/pombredanne/tpie/errors"
)

const (
	exitOK = iota
	exitUsage
	exitIO
	exitInvariant
)

func main() {
	os.Exit(run())
}

func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintln(os.Stderr, "invariant violated:", r)
			code = exitInvariant
		}
	}()

	if len(os.Args) < 2 {
		usage()
		return exitUsage
	}
	cmd := os.Args[1]

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	items := fs.Int64("items", 10_000_000, "number of uint64 items")
	block := fs.Int("block", tpie.DefaultBlockSize, "block size in bytes")
	mem := fs.Int64("memory", tpie.DefaultMemory(), "memory budget in bytes for sorting")
	tempdir := fs.String("tempdir", tpie.TempRoot(), "directory for temporary files")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return exitUsage
	}

	log := zap.NewNop()
	if *verbose {
		var err error
		log, err = zap.NewDevelopment()
		if err != nil {
			fmt.Fprintln(os.Stderr, "logger:", err)
			return exitUsage
		}
		defer func() { _ = log.Sync() }()
	}

	var err error
	switch cmd {
	case "stream":
		err = benchStream(*items, *block, *tempdir)
	case "sort":
		err = benchSort(*items, *block, *mem, *tempdir, log)
	default:
		usage()
		return exitUsage
	}

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, tpieerrors.ErrIO):
		fmt.Fprintln(os.Stderr, "i/o failure:", err)
		return exitIO
	default:
		fmt.Fprintln(os.Stderr, "invariant violated:", err)
		return exitInvariant
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: tpiebench <stream|sort> [flags]")
}

func benchStream(items int64, block int, tempdir string) error {
	path := filepath.Join(tempdir, fmt.Sprintf("tpiebench_%d.tpie", os.Getpid()))
	defer os.Remove(path)

	start := time.Now()
	s, err := tpie.Open(path, tpie.Write, tpie.Uint64Codec{}, tpie.WithBlockSize(block))
	if err != nil {
		return err
	}
	for i := int64(0); i < items; i++ {
		if err := s.WriteItem(uint64(i)); err != nil {
			return errors.Join(err, s.Close())
		}
	}
	if err := s.Close(); err != nil {
		return err
	}
	report("write", items, start)

	start = time.Now()
	r, err := tpie.Open(path, tpie.Read, tpie.Uint64Codec{}, tpie.WithBlockSize(block))
	if err != nil {
		return err
	}
	defer r.Close()
	for i := int64(0); i < items; i++ {
		x, err := r.ReadItem()
		if err != nil {
			return err
		}
		if x != uint64(i) {
			return fmt.Errorf("read back %d at position %d, expected %d", x, i, i)
		}
	}
	report("read", items, start)
	return r.Close()
}

func benchSort(items int64, block int, mem int64, tempdir string, log *zap.Logger) error {
	srt := tpie.NewMergeSorter(tpie.Uint64Codec{}, func(a, b uint64) bool { return a < b },
		tpie.WithLogger(log),
		tpie.WithSortTempDir(tempdir),
		tpie.WithSortBlockSize(block))
	defer srt.Close()

	if err := srt.SetAvailableMemory(mem); err != nil {
		return err
	}
	if err := srt.Begin(); err != nil {
		return err
	}
	rng := mrand.New(mrand.NewPCG(0x746965, uint64(items)))
	start := time.Now()
	for i := int64(0); i < items; i++ {
		if err := srt.Push(rng.Uint64()); err != nil {
			return err
		}
	}
	if err := srt.End(); err != nil {
		return err
	}
	report("push", items, start)

	start = time.Now()
	if err := srt.Calc(); err != nil {
		return err
	}
	report("merge", items, start)

	start = time.Now()
	var prev uint64
	for i := int64(0); srt.CanPull(); i++ {
		x, err := srt.Pull()
		if err != nil {
			return err
		}
		if x < prev {
			return fmt.Errorf("output out of order at position %d", i)
		}
		prev = x
	}
	report("pull", items, start)
	fmt.Printf("runs=%d mergeLevels=%d\n", srt.Runs(), srt.MergeLevels())
	return srt.Close()
}

func report(phase string, items int64, start time.Time) {
	elapsed := time.Since(start)
	rate := float64(items) / elapsed.Seconds() / 1e6
	fmt.Printf("%-6s %12d items in %8.2fs (%6.2f M items/s)\n", phase, items, elapsed.Seconds(), rate)
}

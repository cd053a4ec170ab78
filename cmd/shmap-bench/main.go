// Command shmap-bench drives a hash table through a fixed workload of
// concurrent Visit calls and reports throughput. Grounded on the teacher's
// cmd/debug-capacity tool (fixed workload against a shared structure,
// printed results) but driven by pflag instead of raw os.Args, matching
// the pflag idiom used across the retrieval pack's CLI tools.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/joycode-art/goshmap/htable"
	"github.com/joycode-art/goshmap/internal/diagnostic"
)

func hashFuncFor(name string) (func(uint64) uint64, error) {
	switch name {
	case "xxhash", "":
		return htable.Uint64Hash, nil
	case "murmur3":
		return func(k uint64) uint64 {
			var buf [8]byte
			for i := range buf {
				buf[i] = byte(k >> (8 * i))
			}
			return htable.Murmur3Hash(buf[:])
		}, nil
	default:
		return nil, fmt.Errorf("unknown --hash value %q (want xxhash or murmur3)", name)
	}
}

func main() {
	fs := flag.NewFlagSet("shmap-bench", flag.ExitOnError)
	capacity := fs.Int("capacity", 1<<16, "hash table capacity (buckets)")
	ops := fs.Int("ops", 1_000_000, "number of Visit calls to perform")
	workers := fs.Int("workers", 8, "number of concurrent goroutines issuing Visit calls")
	keyspace := fs.Int("keyspace", 1<<14, "number of distinct keys cycled through")
	rollback := fs.Bool("rollback", false, "enable rollback mode")
	hashName := fs.String("hash", "xxhash", "hash functor to use: xxhash or murmur3")

	if err := fs.Parse(os.Args[1:]); err != nil {
		diagnostic.Trace("shmap-bench: parse flags", err)
		os.Exit(2)
	}

	hashFn, err := hashFuncFor(*hashName)
	if err != nil {
		diagnostic.Trace("shmap-bench: hash", err)
		os.Exit(2)
	}

	opts := []htable.Option{htable.WithDefaultTimeout(2 * time.Second)}
	if *rollback {
		opts = append(opts, htable.WithRollback(true))
	}

	tbl, err := htable.New[uint64, uint64](*capacity, hashFn, func(a, b uint64) bool { return a == b }, opts...)
	if err != nil {
		diagnostic.Trace("shmap-bench: create table", err)
		os.Exit(1)
	}

	perWorker := *ops / *workers
	start := time.Now()

	done := make(chan int64, *workers)
	for w := 0; w < *workers; w++ {
		go func(w int) {
			var completed int64
			ctx := context.Background()
			for i := 0; i < perWorker; i++ {
				key := uint64((w*perWorker + i) % *keyspace)
				_, err := tbl.Visit(ctx, key, htable.CreateIfMiss, func(idx int, v *uint64, isNew bool) error {
					*v++
					return nil
				})
				if err == nil {
					completed++
				}
			}
			done <- completed
		}(w)
	}

	var total int64
	for w := 0; w < *workers; w++ {
		total += <-done
	}
	elapsed := time.Since(start)

	fmt.Printf("capacity=%d workers=%d keyspace=%d rollback=%v\n", *capacity, *workers, *keyspace, *rollback)
	fmt.Printf("completed %d/%d visits in %v (%.0f ops/sec)\n", total, *ops, elapsed, float64(total)/elapsed.Seconds())
}

// Package ring implements the three lock-free ring buffer variants used
// across goshmap: a single-producer/single-consumer ring, a
// single-producer/multi-consumer-exclusive ring, and a broadcast ring
// where every consumer observes every element. All three address a flat
// []byte region exactly like htable does, so they work identically backed
// by heap memory or by an shmseg mapping.
//
// SPSC and SPMC are ported from shmap::ShmRingBuffer and
// ShmSpMcRingBuffer (shm_ring_buffer.h); the broadcast ring has no
// counterpart in the original source and is a new design generalizing the
// SPMC per-cell sequence idiom with a remain counter, per spec.md §4.5 (see
// DESIGN.md).
package ring

import (
	"errors"
	"reflect"

	"github.com/joycode-art/goshmap/internal/cacheline"
	"github.com/joycode-art/goshmap/internal/layout"
)

// ErrInvalidCapacity is returned when a requested capacity is not a power
// of two, or is zero.
var ErrInvalidCapacity = errors.New("ring: capacity must be a power of two and > 0")

// ErrFull names the full-ring condition. No function in this package
// returns it: Push reports a full ring by returning false.
var ErrFull = errors.New("ring: full")

// ErrEmpty names the empty-ring condition. No function in this package
// returns it: Pop reports an empty ring by returning false.
var ErrEmpty = errors.New("ring: empty")

var errRegionTooSmall = errors.New("ring: backing region too small for capacity")

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

func checkElemType[T any]() error {
	if !layout.FlatOf[T]() {
		return errInvalidElem
	}
	return nil
}

var errInvalidElem = errors.New("ring: element type must be byte-copyable (flat)")

func elemStride[T any]() uintptr {
	var zero T
	return sizeOf(zero)
}

func sizeOf(v any) uintptr {
	t := reflect.TypeOf(v)
	return t.Size()
}

// countersPad returns the cache-line pad applied after each monotonic
// counter so producer and consumer counters never share a line — the Go
// equivalent of the original's alignas(CACHE_LINE_SIZE) on head_/tail_.
func countersPad() uintptr {
	return cacheline.PadBytes(8)
}

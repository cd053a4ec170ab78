// Package shmvec implements a fixed-capacity, append-only vector over a
// flat []byte region: callers atomically reserve a block of slots with
// Allocate, write into them, and the vector can be safely shared by
// concurrent writers that never collide on the same index. Ported from
// shmap::ShmVector<T, N> (shm_vector.h), a feature present in
// original_source but dropped by the distilled spec — supplemented here
// because nothing excludes it and it is a substantially-exercised part of
// the original (see DESIGN.md).
package shmvec

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/joycode-art/goshmap/internal/cacheline"
	"github.com/joycode-art/goshmap/internal/layout"
)

// ErrInvalidCapacity is returned when a requested capacity is not
// positive.
var ErrInvalidCapacity = errors.New("shmvec: capacity must be > 0")

// ErrFull names the condition of a reservation that would overflow the
// vector's capacity. Allocate and PushBack do not return it; they report
// that condition by returning false.
var ErrFull = errors.New("shmvec: full")

var errInvalidElem = errors.New("shmvec: element type must be byte-copyable (flat)")
var errRegionTooSmall = errors.New("shmvec: backing region too small for capacity")

// Vector is a fixed-capacity, append-only vector of T over a flat []byte
// region, addressed the same way as htable and ring: manual offset
// arithmetic via unsafe.Pointer rather than native Go slice indexing, so
// the same bytes work identically backed by heap memory or an shmseg
// mapping.
type Vector[T any] struct {
	capacity int
	stride   uintptr
	mem      []byte
	sizeOff  uintptr
	dataOff  uintptr
}

// LayoutSize returns the number of bytes a Vector of this element type
// and capacity needs.
func LayoutSize[T any](capacity int) uintptr {
	stride := elemStride[T]()
	sizeSize := uintptr(8) + cacheline.PadBytes(8)
	return sizeSize + stride*uintptr(capacity)
}

func checkElemType[T any]() error {
	if !layout.FlatOf[T]() {
		return errInvalidElem
	}
	return nil
}

func elemStride[T any]() uintptr {
	var zero T
	return uintptr(unsafe.Sizeof(zero))
}

func newVector[T any](mem []byte, capacity int, fresh bool) (*Vector[T], error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if err := checkElemType[T](); err != nil {
		return nil, err
	}
	sizeSize := uintptr(8) + cacheline.PadBytes(8)

	v := &Vector[T]{
		capacity: capacity,
		stride:   elemStride[T](),
		mem:      mem,
		sizeOff:  0,
		dataOff:  sizeSize,
	}
	if fresh {
		atomic.StoreUint64(v.sizePtr(), 0)
	}
	return v, nil
}

// New allocates a new heap-backed Vector.
func New[T any](capacity int) (*Vector[T], error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if err := checkElemType[T](); err != nil {
		return nil, err
	}
	mem := make([]byte, LayoutSize[T](capacity))
	return newVector[T](mem, capacity, true)
}

// FromBytes attaches a Vector to an existing, pre-sized region. fresh
// must be true for exactly the caller that constructs the region
// (typically the bootstrap block's winner); every other attacher passes
// fresh=false so it does not reset a live size counter.
func FromBytes[T any](mem []byte, capacity int, fresh bool) (*Vector[T], error) {
	need := LayoutSize[T](capacity)
	if uintptr(len(mem)) < need {
		return nil, errRegionTooSmall
	}
	return newVector[T](mem, capacity, fresh)
}

func (v *Vector[T]) sizePtr() *uint64 { return (*uint64)(unsafe.Pointer(&v.mem[v.sizeOff])) }

func (v *Vector[T]) slot(i int) *T {
	return (*T)(unsafe.Pointer(&v.mem[v.dataOff+uintptr(i)*v.stride]))
}

// Capacity returns N.
func (v *Vector[T]) Capacity() int { return v.capacity }

// Size returns the number of slots reserved so far.
func (v *Vector[T]) Size() int { return int(atomic.LoadUint64(v.sizePtr())) }

// Empty reports whether no slots have been reserved.
func (v *Vector[T]) Empty() bool { return v.Size() == 0 }

// Clear resets the vector to empty. Like the original's clear(), this is
// not safe to call concurrently with Allocate/PushBack.
func (v *Vector[T]) Clear() { atomic.StoreUint64(v.sizePtr(), 0) }

// Allocate atomically reserves n contiguous slots and returns the index
// of the first one. It reports false if doing so would overflow the
// vector's capacity, leaving the size counter unchanged — mirroring
// ShmVector::allocate's compare-exchange loop.
func (v *Vector[T]) Allocate(n int) (int, bool) {
	if n <= 0 {
		return 0, false
	}
	for {
		old := atomic.LoadUint64(v.sizePtr())
		if old+uint64(n) > uint64(v.capacity) {
			return 0, false
		}
		if atomic.CompareAndSwapUint64(v.sizePtr(), old, old+uint64(n)) {
			return int(old), true
		}
	}
}

// PushBack reserves a single slot via Allocate and stores val into it,
// returning the slot's index.
func (v *Vector[T]) PushBack(val T) (int, bool) {
	idx, ok := v.Allocate(1)
	if !ok {
		return 0, false
	}
	*v.slot(idx) = val
	return idx, true
}

// At returns a pointer to the element at index i, the Go stand-in for
// operator[]. It panics on an out-of-bounds index: unlike a missing hash
// table key or a full ring, an out-of-range vector index is always a
// caller bug, never reachable data.
func (v *Vector[T]) At(i int) *T {
	if i < 0 || i >= v.Size() {
		panic(fmt.Sprintf("shmvec: index %d out of range [0, %d)", i, v.Size()))
	}
	return v.slot(i)
}

// Each calls fn for every currently-reserved element in index order,
// stopping at the first error. It is the stand-in for the original's
// begin()/end() range-for iteration.
func (v *Vector[T]) Each(fn func(i int, val T) error) error {
	n := v.Size()
	for i := 0; i < n; i++ {
		if err := fn(i, *v.slot(i)); err != nil {
			return err
		}
	}
	return nil
}

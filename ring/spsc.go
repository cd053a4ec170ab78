package ring

import (
	"sync/atomic"
	"unsafe"

	"github.com/joycode-art/goshmap/internal/cacheline"
)

// SPSC is a fixed-capacity single-producer/single-consumer ring buffer
// over a flat []byte region. Ported from shmap::ShmRingBuffer
// (shm_ring_buffer.h); spec.md §3 restricts it to exactly one producer and
// one consumer, so unlike the original's CAS-based pop (written to also
// tolerate multiple consumers), Pop here advances head with a plain
// store — the sole consumer is the only writer of that word.
type SPSC[T any] struct {
	capacity int
	stride   uintptr
	mem      []byte
	headOff  uintptr
	tailOff  uintptr
}

// SPSCLayoutSize returns the number of bytes an SPSC ring of this element
// type and capacity needs.
func SPSCLayoutSize[T any](capacity int) uintptr {
	stride := elemStride[T]()
	dataSize := stride * uintptr(capacity)
	dataSize += cacheline.PadBytes(dataSize)
	return dataSize + 8 + countersPad() + 8 + countersPad()
}

func newSPSC[T any](mem []byte, capacity int) (*SPSC[T], error) {
	if !isPowerOfTwo(capacity) {
		return nil, ErrInvalidCapacity
	}
	if err := checkElemType[T](); err != nil {
		return nil, err
	}
	stride := elemStride[T]()
	dataSize := stride * uintptr(capacity)
	dataSize += cacheline.PadBytes(dataSize)

	return &SPSC[T]{
		capacity: capacity,
		stride:   stride,
		mem:      mem,
		headOff:  dataSize,
		tailOff:  dataSize + 8 + countersPad(),
	}, nil
}

// NewSPSC allocates a new heap-backed SPSC ring.
func NewSPSC[T any](capacity int) (*SPSC[T], error) {
	if !isPowerOfTwo(capacity) {
		return nil, ErrInvalidCapacity
	}
	if err := checkElemType[T](); err != nil {
		return nil, err
	}
	mem := make([]byte, SPSCLayoutSize[T](capacity))
	return newSPSC[T](mem, capacity)
}

// SPSCFromBytes attaches an SPSC ring to an existing, pre-sized region.
func SPSCFromBytes[T any](mem []byte, capacity int) (*SPSC[T], error) {
	need := SPSCLayoutSize[T](capacity)
	if uintptr(len(mem)) < need {
		return nil, errRegionTooSmall
	}
	return newSPSC[T](mem, capacity)
}

func (r *SPSC[T]) head() *uint64 { return (*uint64)(unsafe.Pointer(&r.mem[r.headOff])) }
func (r *SPSC[T]) tail() *uint64 { return (*uint64)(unsafe.Pointer(&r.mem[r.tailOff])) }

func (r *SPSC[T]) slot(i uint64) *T {
	idx := uintptr(i) % uintptr(r.capacity)
	return (*T)(unsafe.Pointer(&r.mem[idx*r.stride]))
}

// Capacity returns N.
func (r *SPSC[T]) Capacity() int { return r.capacity }

// Size returns tail-head, the number of elements currently queued.
func (r *SPSC[T]) Size() uint64 {
	h := atomic.LoadUint64(r.head())
	t := atomic.LoadUint64(r.tail())
	return t - h
}

// Push enqueues v. It is the producer's sole responsibility to call this
// from a single goroutine/process; concurrent calls are undefined, as in
// the original.
func (r *SPSC[T]) Push(v T) bool {
	h := atomic.LoadUint64(r.head())
	t := atomic.LoadUint64(r.tail())
	if t-h >= uint64(r.capacity) {
		return false
	}
	*r.slot(t) = v
	atomic.StoreUint64(r.tail(), t+1)
	return true
}

// Pop dequeues the oldest element. Only the single consumer may call
// this.
func (r *SPSC[T]) Pop() (T, bool) {
	var zero T
	h := atomic.LoadUint64(r.head())
	t := atomic.LoadUint64(r.tail())
	if h >= t {
		return zero, false
	}
	v := *r.slot(h)
	atomic.StoreUint64(r.head(), h+1)
	return v, true
}

// Empty reports whether the ring currently holds no elements.
func (r *SPSC[T]) Empty() bool { return r.Size() == 0 }

// Full reports whether the ring is at capacity.
func (r *SPSC[T]) Full() bool { return r.Size() >= uint64(r.capacity) }

// Clear resets the ring to empty, discarding any queued elements. Like
// the original's ShmRingBuffer::clear(), this is not safe to call
// concurrently with Push or Pop — it is meant for a quiescent ring
// between use cycles.
func (r *SPSC[T]) Clear() {
	atomic.StoreUint64(r.head(), 0)
	atomic.StoreUint64(r.tail(), 0)
}

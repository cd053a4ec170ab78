package ring

import (
	"sync/atomic"
	"unsafe"

	"github.com/joycode-art/goshmap/internal/cacheline"
)

// spmcCellStride returns the cache-line padded size of one Cell (seq
// counter + payload), mirroring htable's per-bucket stride so cells never
// false-share.
func spmcCellStride[T any]() uintptr {
	size := uintptr(8) + elemStride[T]()
	size += cacheline.PadBytes(size)
	return size
}

// SPMC is a single-producer, multi-consumer-exclusive ring: each pushed
// element is popped by exactly one consumer, chosen by whichever consumer
// wins the per-cell sequence race. Ported from shmap::ShmSpMcRingBuffer
// (shm_ring_buffer.h).
type SPMC[T any] struct {
	capacity int
	stride   uintptr
	mem      []byte
	headOff  uintptr
	tailOff  uintptr
}

// SPMCLayoutSize returns the bytes an SPMC ring of this element type and
// capacity needs.
func SPMCLayoutSize[T any](capacity int) uintptr {
	cellsSize := spmcCellStride[T]() * uintptr(capacity)
	return cellsSize + 8 + countersPad() + 8 + countersPad()
}

func newSPMC[T any](mem []byte, capacity int, fresh bool) (*SPMC[T], error) {
	if !isPowerOfTwo(capacity) {
		return nil, ErrInvalidCapacity
	}
	if err := checkElemType[T](); err != nil {
		return nil, err
	}
	stride := spmcCellStride[T]()
	cellsSize := stride * uintptr(capacity)

	r := &SPMC[T]{
		capacity: capacity,
		stride:   stride,
		mem:      mem,
		headOff:  cellsSize,
		tailOff:  cellsSize + 8 + countersPad(),
	}
	if fresh {
		for i := 0; i < capacity; i++ {
			atomic.StoreUint64(r.cellSeq(i), uint64(i))
		}
	}
	return r, nil
}

// NewSPMC allocates a new heap-backed SPMC ring.
func NewSPMC[T any](capacity int) (*SPMC[T], error) {
	if !isPowerOfTwo(capacity) {
		return nil, ErrInvalidCapacity
	}
	if err := checkElemType[T](); err != nil {
		return nil, err
	}
	mem := make([]byte, SPMCLayoutSize[T](capacity))
	return newSPMC[T](mem, capacity, true)
}

// SPMCFromBytes attaches an SPMC ring to a pre-sized region. fresh must
// be true exactly once per region, by whichever caller constructs it
// (typically the bootstrap block's winner); every other attacher passes
// fresh=false to avoid re-initializing live cell sequence numbers.
func SPMCFromBytes[T any](mem []byte, capacity int, fresh bool) (*SPMC[T], error) {
	need := SPMCLayoutSize[T](capacity)
	if uintptr(len(mem)) < need {
		return nil, errRegionTooSmall
	}
	return newSPMC[T](mem, capacity, fresh)
}

func (r *SPMC[T]) cellOffset(i int) uintptr {
	return uintptr(i&(r.capacity-1)) * r.stride
}

func (r *SPMC[T]) cellSeq(i int) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.mem[r.cellOffset(i)]))
}

func (r *SPMC[T]) cellData(i int) *T {
	return (*T)(unsafe.Pointer(&r.mem[r.cellOffset(i)+8]))
}

func (r *SPMC[T]) head() *uint64 { return (*uint64)(unsafe.Pointer(&r.mem[r.headOff])) }
func (r *SPMC[T]) tail() *uint64 { return (*uint64)(unsafe.Pointer(&r.mem[r.tailOff])) }

// Capacity returns N.
func (r *SPMC[T]) Capacity() int { return r.capacity }

// Size is an instantaneous, racy estimate of queued elements.
func (r *SPMC[T]) Size() uint64 {
	t := atomic.LoadUint64(r.tail())
	h := atomic.LoadUint64(r.head())
	return t - h
}

// Push enqueues v. Only the single producer may call this.
func (r *SPMC[T]) Push(v T) bool {
	pos := atomic.LoadUint64(r.tail())
	for {
		cell := int(pos) & (r.capacity - 1)
		seq := atomic.LoadUint64(r.cellSeq(cell))
		diff := int64(seq) - int64(pos)

		switch {
		case diff == 0:
			if atomic.CompareAndSwapUint64(r.tail(), pos, pos+1) {
				*r.cellData(cell) = v
				atomic.StoreUint64(r.cellSeq(cell), pos+1)
				return true
			}
		case diff < 0:
			return false
		default:
			pos = atomic.LoadUint64(r.tail())
		}
	}
}

// Clear resets the ring to empty and re-initializes every cell's
// sequence number, mirroring ShmSpMcRingBuffer::clear(). Like the
// original, this is not safe to call concurrently with Push or Pop.
func (r *SPMC[T]) Clear() {
	atomic.StoreUint64(r.head(), 0)
	atomic.StoreUint64(r.tail(), 0)
	for i := 0; i < r.capacity; i++ {
		atomic.StoreUint64(r.cellSeq(i), uint64(i))
	}
}

// Pop dequeues one element, exclusive against any other consumer racing
// for the same cell.
func (r *SPMC[T]) Pop() (T, bool) {
	var zero T
	pos := atomic.LoadUint64(r.head())
	for {
		cell := int(pos) & (r.capacity - 1)
		seq := atomic.LoadUint64(r.cellSeq(cell))
		diff := int64(seq) - int64(pos+1)

		switch {
		case diff == 0:
			if atomic.CompareAndSwapUint64(r.head(), pos, pos+1) {
				v := *r.cellData(cell)
				atomic.StoreUint64(r.cellSeq(cell), pos+uint64(r.capacity))
				return v, true
			}
		case diff < 0:
			return zero, false
		default:
			pos = atomic.LoadUint64(r.head())
		}
	}
}

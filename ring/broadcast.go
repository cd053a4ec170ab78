package ring

import (
	"context"
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/joycode-art/goshmap/internal/backoff"
	"github.com/joycode-art/goshmap/internal/cacheline"
)

// ErrTooManyConsumers is returned when MakeConsumer is called more times
// than the consumer count fixed at construction (spec.md §3's "Broadcast
// consumer count must be set before the first push and must not exceed
// the compile-time maximum").
var ErrTooManyConsumers = errors.New("ring: consumer count exceeded")

func broadcastCellStride[T any]() uintptr {
	size := uintptr(16) + elemStride[T]() // seq + remain, then payload
	size += cacheline.PadBytes(size)
	return size
}

// Broadcast is a single-producer, multi-consumer ring where every
// registered consumer observes every pushed element. It has no
// counterpart in the original source; it generalizes ShmSpMcRingBuffer's
// per-cell sequence idiom with a remain counter, per spec.md §4.5 (see
// DESIGN.md for the design rationale).
type Broadcast[T any] struct {
	capacity      int
	consumerCount int
	stride        uintptr
	mem           []byte
	tailOff       uintptr
	madeConsumers uint32
}

// BroadcastLayoutSize returns the bytes a Broadcast ring of this element
// type and capacity needs. The consumer count does not affect the layout
// size (it is stored as a field, not in shared memory), so it is not a
// parameter.
func BroadcastLayoutSize[T any](capacity int) uintptr {
	cellsSize := broadcastCellStride[T]() * uintptr(capacity)
	return cellsSize + 8 + countersPad()
}

func newBroadcast[T any](mem []byte, capacity, consumerCount int, fresh bool) (*Broadcast[T], error) {
	if !isPowerOfTwo(capacity) {
		return nil, ErrInvalidCapacity
	}
	if consumerCount <= 0 {
		return nil, errors.New("ring: consumer count must be > 0")
	}
	if err := checkElemType[T](); err != nil {
		return nil, err
	}
	stride := broadcastCellStride[T]()
	cellsSize := stride * uintptr(capacity)

	r := &Broadcast[T]{
		capacity:      capacity,
		consumerCount: consumerCount,
		stride:        stride,
		mem:           mem,
		tailOff:       cellsSize,
	}
	if fresh {
		for i := 0; i < capacity; i++ {
			atomic.StoreUint64(r.cellSeq(i), uint64(i))
			atomic.StoreUint64(r.cellRemain(i), 0)
		}
	}
	return r, nil
}

// NewBroadcast allocates a new heap-backed broadcast ring.
func NewBroadcast[T any](capacity, consumerCount int) (*Broadcast[T], error) {
	if !isPowerOfTwo(capacity) {
		return nil, ErrInvalidCapacity
	}
	if err := checkElemType[T](); err != nil {
		return nil, err
	}
	mem := make([]byte, BroadcastLayoutSize[T](capacity))
	return newBroadcast[T](mem, capacity, consumerCount, true)
}

// BroadcastFromBytes attaches a broadcast ring to a pre-sized region.
// fresh must be true for exactly the caller that constructs the region
// (the bootstrap winner); every other attacher passes fresh=false.
func BroadcastFromBytes[T any](mem []byte, capacity, consumerCount int, fresh bool) (*Broadcast[T], error) {
	need := BroadcastLayoutSize[T](capacity)
	if uintptr(len(mem)) < need {
		return nil, errRegionTooSmall
	}
	return newBroadcast[T](mem, capacity, consumerCount, fresh)
}

func (r *Broadcast[T]) cellOffset(i int) uintptr {
	return uintptr(i&(r.capacity-1)) * r.stride
}

func (r *Broadcast[T]) cellSeq(i int) *uint64    { return (*uint64)(unsafe.Pointer(&r.mem[r.cellOffset(i)])) }
func (r *Broadcast[T]) cellRemain(i int) *uint64 { return (*uint64)(unsafe.Pointer(&r.mem[r.cellOffset(i)+8])) }
func (r *Broadcast[T]) cellData(i int) *T        { return (*T)(unsafe.Pointer(&r.mem[r.cellOffset(i)+16])) }

func (r *Broadcast[T]) tail() *uint64 { return (*uint64)(unsafe.Pointer(&r.mem[r.tailOff])) }

// Capacity returns N.
func (r *Broadcast[T]) Capacity() int { return r.capacity }

// ConsumerCount returns the fixed number of consumers every pushed
// element must be observed by.
func (r *Broadcast[T]) ConsumerCount() int { return r.consumerCount }

// Push claims the next position by fetch-add on tail, waits for the cell
// to fully drain (remain == 0, meaning every consumer from the previous
// lap has read it), writes the payload, then publishes seq and remain in
// that order. A slow consumer backpressures the producer by holding
// remain above zero — this is the broadcast ring's intended throttling
// (spec.md §4.5), so the wait here carries no budget of its own: it
// blocks purely on ctx, and with context.Background() it waits forever
// rather than failing under legitimate contention.
func (r *Broadcast[T]) Push(ctx context.Context, v T) error {
	if ctx == nil {
		ctx = context.Background()
	}
	pos := atomic.AddUint64(r.tail(), 1) - 1
	cell := int(pos) & (r.capacity - 1)

	bo := backoff.NewUnbounded()
	for atomic.LoadUint64(r.cellRemain(cell)) != 0 {
		if !bo.NextContext(ctx) {
			return ctx.Err()
		}
	}

	*r.cellData(cell) = v
	atomic.StoreUint64(r.cellSeq(cell), pos)
	atomic.StoreUint64(r.cellRemain(cell), uint64(r.consumerCount))
	return nil
}

// Consumer is one registered observer of a Broadcast ring. It is not
// itself safe for concurrent use — each consumer is, by construction,
// read by a single goroutine/process.
type Consumer[T any] struct {
	ring   *Broadcast[T]
	cursor uint64
}

// MakeConsumer registers a new consumer. It must be called exactly
// ConsumerCount times across the ring's lifetime (spec.md §3); the
// caller is responsible for handing each resulting Consumer to a distinct
// reader, typically during the bootstrap winner's construction phase.
func (r *Broadcast[T]) MakeConsumer() (*Consumer[T], error) {
	n := atomic.AddUint32(&r.madeConsumers, 1)
	if int(n) > r.consumerCount {
		atomic.AddUint32(&r.madeConsumers, ^uint32(0))
		return nil, ErrTooManyConsumers
	}
	return &Consumer[T]{ring: r}, nil
}

// Pop copies the next element for this consumer if one is ready. It
// never blocks: if the producer has not yet published the cursor's
// position, it returns (zero, false).
func (c *Consumer[T]) Pop() (T, bool) {
	var zero T
	r := c.ring
	cell := int(c.cursor) & (r.capacity - 1)

	seq := atomic.LoadUint64(r.cellSeq(cell))
	if seq != c.cursor {
		return zero, false
	}
	if atomic.LoadUint64(r.cellRemain(cell)) == 0 {
		return zero, false
	}
	v := *r.cellData(cell)
	atomic.AddUint64(r.cellRemain(cell), ^uint64(0)) // fetch_sub(1)
	c.cursor++
	return v, true
}

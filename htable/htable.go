// Package htable implements the fixed-capacity, closed-addressing,
// lock-free hash table at the core of goshmap: a per-bucket four-state
// coordinator (empty/inserting/ready/accessing) lets concurrent readers,
// writers and inserters share a bucket array — in one process or, when the
// backing bytes come from shmseg, across several — without a kernel lock.
//
// Ported from shmap::ShmHashTable (shm_hash_table.h in the original
// source); see DESIGN.md for what changed in translation.
package htable

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/joycode-art/goshmap/internal/backoff"
	"github.com/joycode-art/goshmap/internal/cacheline"
	"github.com/joycode-art/goshmap/internal/layout"
	"github.com/joycode-art/goshmap/status"
)

// Mode selects whether Visit may create a missing key.
type Mode uint8

const (
	AccessExist Mode = iota
	CreateIfMiss
)

// bucket coordination states. The four-state machine and its legal
// transitions are spec.md §3's Bucket invariants, unchanged from the
// original's ShmBucket::{EMPTY,INSERTING,READY,ACCESSING}.
const (
	stateEmpty uint32 = iota
	stateInserting
	stateReady
	stateAccessing
)

// ErrTimeout is returned when the backoff budget for a Visit/Travel call
// expires before the operation could complete.
var ErrTimeout = errors.New("htable: backoff timeout")

// ErrInvalidIndex is returned by VisitBucket for an out-of-range index.
var ErrInvalidIndex = errors.New("htable: invalid bucket index")

// errVisitorPanicked wraps a recovered visitor panic; Visit/Travel report
// it as status.Exception, matching the original's catch(...) -> EXCEPTION.
var errVisitorPanicked = errors.New("htable: visitor panicked")

// VisitFunc is invoked by Visit while the table exclusively holds the
// target bucket. value points directly at the bucket's shared-memory
// storage; writes through it are visible to the next observer once Visit
// releases the bucket. isNew is true only on a freshly created slot.
type VisitFunc[V any] func(idx int, value *V, isNew bool) error

// TravelFunc is invoked by Travel for each populated bucket.
type TravelFunc[K any, V any] func(idx int, key K, value V) error

// bucket is the per-slot layout: a coordination word followed by the key
// and value. Table never indexes a []bucket[K,V] directly — see stride in
// Table — so this struct's own Go-chosen padding only has to be large
// enough to hold one key and one value; cache-line separation between
// buckets is enforced by Table.stride instead.
type bucket[K any, V any] struct {
	state uint32
	key   K
	value V
}

// options configures a Table at construction time. Rollback mode and the
// default per-call backoff timeout were std::conditional template
// switches / default function arguments in the original; Go has neither,
// so they become functional options (see SPEC_FULL.md §7).
type options struct {
	rollback       bool
	defaultTimeout time.Duration
}

// Option configures a Table.
type Option func(*options)

// WithRollback enables rollback mode (spec.md §4.2): a visitor failure on
// an existing slot restores the value observed before the visitor ran; a
// visitor failure on a newly created slot reverts the bucket to empty
// without publishing the key (this part happens unconditionally, rollback
// or not — see finishInsert).
func WithRollback(enabled bool) Option {
	return func(o *options) { o.rollback = enabled }
}

// WithDefaultTimeout overrides the five-second backoff budget that every
// Visit/Travel call runs under. A done context passed to the call also ends
// the wait; a context deadline later than this budget does not extend it.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *options) { o.defaultTimeout = d }
}

const defaultTimeout = 5 * time.Second

// Table is a fixed-capacity closed-addressing hash table living in a
// []byte region — ordinary heap memory if constructed with New, or a
// shared memory mapping if constructed via shmseg, which calls FromBytes
// on the mapped region directly.
type Table[K any, V any] struct {
	capacity int
	stride   uintptr
	mem      []byte
	hash     func(K) uint64
	eq       func(K, K) bool
	opts     options
}

// LayoutSize returns the number of bytes Table needs for capacity buckets
// of this K, V instantiation — the size shmseg must reserve for the
// contained structure immediately after the bootstrap block.
func LayoutSize[K any, V any](capacity int) uintptr {
	return bucketStride[K, V]() * uintptr(capacity)
}

func bucketStride[K any, V any]() uintptr {
	var b bucket[K, V]
	size := unsafe.Sizeof(b)
	if pad := cacheline.PadBytes(size); pad != 0 {
		size += pad
	}
	if size == 0 {
		size = cacheline.Size
	}
	return size
}

func checkTypes[K any, V any]() error {
	if !layout.FlatOf[K]() {
		var k K
		return fmt.Errorf("htable: key type %T is not byte-copyable (flat)", k)
	}
	if !layout.FlatOf[V]() {
		var v V
		return fmt.Errorf("htable: value type %T is not byte-copyable (flat)", v)
	}
	return nil
}

// New allocates a new, heap-backed Table. For a shared-memory table, use
// shmseg.Open with a constructor that calls FromBytes instead.
func New[K any, V any](capacity int, hash func(K) uint64, eq func(K, K) bool, opts ...Option) (*Table[K, V], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("htable: capacity must be > 0, got %d", capacity)
	}
	if hash == nil || eq == nil {
		return nil, errors.New("htable: hash and eq must be non-nil")
	}
	if err := checkTypes[K, V](); err != nil {
		return nil, err
	}

	mem := make([]byte, LayoutSize[K, V](capacity))
	return newTable[K, V](mem, capacity, hash, eq, opts...)
}

// FromBytes attaches a Table to an existing, already-sized byte region
// (mem must be at least LayoutSize[K,V](capacity) bytes). It does not
// itself coordinate construction — callers that share mem across
// processes must gate the call with a bootstrap.Block, as shmseg does.
func FromBytes[K any, V any](mem []byte, capacity int, hash func(K) uint64, eq func(K, K) bool, opts ...Option) (*Table[K, V], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("htable: capacity must be > 0, got %d", capacity)
	}
	if hash == nil || eq == nil {
		return nil, errors.New("htable: hash and eq must be non-nil")
	}
	if err := checkTypes[K, V](); err != nil {
		return nil, err
	}
	need := LayoutSize[K, V](capacity)
	if uintptr(len(mem)) < need {
		return nil, fmt.Errorf("htable: region too small: have %d bytes, need %d", len(mem), need)
	}
	return newTable[K, V](mem, capacity, hash, eq, opts...)
}

func newTable[K any, V any](mem []byte, capacity int, hash func(K) uint64, eq func(K, K) bool, opts ...Option) (*Table[K, V], error) {
	o := options{defaultTimeout: defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	return &Table[K, V]{
		capacity: capacity,
		stride:   bucketStride[K, V](),
		mem:      mem,
		hash:     hash,
		eq:       eq,
		opts:     o,
	}, nil
}

// Capacity returns the fixed number of buckets.
func (t *Table[K, V]) Capacity() int {
	return t.capacity
}

func (t *Table[K, V]) at(i int) *bucket[K, V] {
	return (*bucket[K, V])(unsafe.Pointer(&t.mem[uintptr(i)*t.stride]))
}

func (t *Table[K, V]) invoke(fn func() error) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("%w: %v", errVisitorPanicked, r)
		}
	}()
	if err = fn(); err != nil {
		return false, err
	}
	return true, nil
}

// Visit probes for key starting at hash(key) % Capacity, linearly across
// at most Capacity slots, and invokes fn while exclusively holding the
// matching (or freshly created) bucket. See spec.md §4.2 for the full
// per-slot protocol and ordering requirements this implements.
func (t *Table[K, V]) Visit(ctx context.Context, key K, mode Mode, fn VisitFunc[V]) (status.Status, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	bo := backoff.New(t.opts.defaultTimeout)
	start := int(t.hash(key) % uint64(t.capacity))

probing:
	for probe := 0; probe < t.capacity; probe++ {
		i := (start + probe) % t.capacity
		b := t.at(i)

		for {
			st := atomic.LoadUint32(&b.state)

			switch st {
			case stateReady:
				if !t.eq(b.key, key) {
					continue probing
				}
				if !atomic.CompareAndSwapUint32(&b.state, stateReady, stateAccessing) {
					if !bo.NextContext(ctx) {
						return status.Timeout, ErrTimeout
					}
					continue
				}
				return t.finishExisting(i, b, fn)

			case stateEmpty:
				if mode == AccessExist {
					return status.NotFound, nil
				}
				if !atomic.CompareAndSwapUint32(&b.state, stateEmpty, stateInserting) {
					if !bo.NextContext(ctx) {
						return status.Timeout, ErrTimeout
					}
					continue
				}
				return t.finishInsert(i, b, key, fn)

			default: // inserting or accessing, held by another actor
				if !bo.NextContext(ctx) {
					return status.Timeout, ErrTimeout
				}
			}
		}
	}
	return status.NotFound, nil
}

func (t *Table[K, V]) finishExisting(idx int, b *bucket[K, V], fn VisitFunc[V]) (status.Status, error) {
	var old V
	if t.opts.rollback {
		old = b.value
	}

	ok, verr := t.invoke(func() error { return fn(idx, &b.value, false) })
	if !ok && t.opts.rollback {
		b.value = old
	}
	atomic.StoreUint32(&b.state, stateReady)

	if ok {
		return status.OK, nil
	}
	if errors.Is(verr, errVisitorPanicked) {
		return status.Exception, verr
	}
	return status.VisitorFailed, verr
}

func (t *Table[K, V]) finishInsert(idx int, b *bucket[K, V], key K, fn VisitFunc[V]) (status.Status, error) {
	var zero V
	b.value = zero

	ok, verr := t.invoke(func() error { return fn(idx, &b.value, true) })
	if !ok {
		atomic.StoreUint32(&b.state, stateEmpty)
		if errors.Is(verr, errVisitorPanicked) {
			return status.Exception, verr
		}
		return status.VisitorFailed, verr
	}

	b.key = key
	atomic.StoreUint32(&b.state, stateReady)
	return status.OK, nil
}

// Travel visits every populated bucket once, in index order, under the
// same per-slot exclusion as Visit. It is not a linearizable snapshot:
// different slots may be observed at different logical times (spec.md
// §4.2, §5).
func (t *Table[K, V]) Travel(ctx context.Context, fn TravelFunc[K, V]) (status.Status, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	bo := backoff.New(t.opts.defaultTimeout)

	for i := 0; i < t.capacity; i++ {
		b := t.at(i)
		for {
			st := atomic.LoadUint32(&b.state)
			if st == stateEmpty {
				break
			}
			if st == stateReady {
				if !atomic.CompareAndSwapUint32(&b.state, stateReady, stateAccessing) {
					if !bo.NextContext(ctx) {
						return status.Timeout, ErrTimeout
					}
					continue
				}
				ok, verr := t.invoke(func() error { return fn(i, b.key, b.value) })
				atomic.StoreUint32(&b.state, stateReady)
				if !ok {
					if errors.Is(verr, errVisitorPanicked) {
						return status.Exception, verr
					}
					return status.VisitorFailed, verr
				}
				break
			}
			if !bo.NextContext(ctx) {
				return status.Timeout, ErrTimeout
			}
		}
	}
	return status.OK, nil
}

// VisitBucket exposes bucket idx directly, bypassing the state machine
// entirely. Callers must guarantee the table is quiescent (no concurrent
// Visit/Travel touching this bucket) — it exists for recovery, auditing,
// and direct-index use, per spec.md §4.2's "Bucket-direct operations".
func (t *Table[K, V]) VisitBucket(idx int, fn func(key *K, value *V) error) error {
	if idx < 0 || idx >= t.capacity {
		return ErrInvalidIndex
	}
	b := t.at(idx)
	return fn(&b.key, &b.value)
}

// TravelBucket scans every bucket directly, skipping empty slots, without
// participating in the state machine. See VisitBucket's concurrency
// caveat.
func (t *Table[K, V]) TravelBucket(fn TravelFunc[K, V]) error {
	for i := 0; i < t.capacity; i++ {
		b := t.at(i)
		if atomic.LoadUint32(&b.state) == stateEmpty {
			continue
		}
		if err := fn(i, b.key, b.value); err != nil {
			return err
		}
	}
	return nil
}

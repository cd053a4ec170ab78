// Package bootstrap implements the one-shot in-place construction gate
// that every shared-memory structure in goshmap sits behind: exactly one
// process (or, within a process, one goroutine) wins the right to build the
// contained structure; everyone else waits for it to finish. Ported from
// shmap::ShmBlock (shm_storage.h in the original source).
package bootstrap

import (
	"context"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/joycode-art/goshmap/internal/cacheline"
)

// State is the bootstrap block's coordination word.
type State uint32

const (
	Uninit State = iota
	Building
	Ready
)

func (s State) String() string {
	switch s {
	case Uninit:
		return "UNINIT"
	case Building:
		return "BUILDING"
	case Ready:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

// Size is the number of bytes a Block occupies in shared memory. The
// contained structure's own layout begins immediately after this many
// bytes, cache-line aligned so the two never share a line (the original's
// ShmBlock<TABLE> instead embeds the TABLE as a C++ member; Go's mmap'd
// []byte has no equivalent of placement-new on an arbitrary type, so
// goshmap's structures address their own storage at a caller-supplied
// offset rather than being nested inside Block — see shmseg for the
// offset bookkeeping).
const Size = cacheline.Size

// Block is the coordination word for one-shot construction. It must live
// at the start of a shared memory region (or at any cache-line aligned
// offset within one); the contained structure is addressed separately by
// the caller, immediately following the block.
type Block struct {
	state uint32
	_     [Size - 4]byte
}

// FromBytes views the Size bytes of mem starting at offset as a *Block.
// mem must be at least offset+Size bytes long and must outlive the
// returned pointer (it is backed by mmap'd memory, not the Go heap).
func FromBytes(mem []byte, offset uintptr) *Block {
	return (*Block)(unsafe.Pointer(&mem[offset]))
}

func (b *Block) addr() *uint32 {
	return &b.state
}

// State returns the current coordination state.
func (b *Block) State() State {
	return State(atomic.LoadUint32(b.addr()))
}

// Create attempts to become the constructing winner for this block. The
// winner runs construct to build the contained structure in place and then
// publishes Ready; everyone else (winner == false) waits for Ready via
// Open. construct must not itself block on this Block.
//
// If construct returns an error, the block is left in Building forever —
// matching the original's undefined behavior for a constructor that
// throws (placement-new failures were never a considered case); a stuck
// Building block is reported to future openers as a Timeout once their
// context expires, per the "Bootstrap stuck" taxonomy entry in spec.md §7.
func (b *Block) Create(ctx context.Context, construct func() error) (winner bool, err error) {
	if atomic.CompareAndSwapUint32(b.addr(), uint32(Uninit), uint32(Building)) {
		if cerr := construct(); cerr != nil {
			return true, cerr
		}
		atomic.StoreUint32(b.addr(), uint32(Ready))
		return true, nil
	}
	return false, b.Open(ctx)
}

// Open waits for the block to become Ready, yielding cooperatively between
// checks (spec.md §4.6's "Open"). Unlike the original, which spins
// unboundedly, Open honors ctx: passing context.Background() reproduces
// the original's unbounded spin exactly; passing a context with a deadline
// resolves the "known issue" in spec.md §4.6 by giving the caller a way to
// detect a winner that crashed mid-construction.
func (b *Block) Open(ctx context.Context) error {
	for {
		if b.State() == Ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		runtime.Gosched()
	}
}

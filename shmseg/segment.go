// Package shmseg implements the segment holder: opens or creates a named
// POSIX shared-memory segment, maps it, and hands the mapped region to a
// bootstrap.Block so exactly one process constructs the contained
// structure. Ported from the grpc-shm transport's Segment/CreateSegment/
// OpenSegment (shm_segment.go, shm_mmap_unix.go in the teacher), adapted
// from a fixed two-ring layout to an arbitrary contained structure sized
// by the caller. Uses golang.org/x/sys/unix instead of the teacher's raw
// syscall package, per SPEC_FULL.md's dependency plan.
package shmseg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/joycode-art/goshmap/internal/bootstrap"
)

// Mode indicates whether this process created the segment or attached to
// one that already existed.
type Mode uint8

const (
	// Attached means another process already created and is constructing
	// (or has finished constructing) the segment.
	Attached Mode = iota
	// Created means this process is the one that created the backing file,
	// and therefore is also the bootstrap winner responsible for
	// construction.
	Created
)

// Segment owns one process's attachment to a named shared-memory region:
// the open file descriptor (closed by Close; Destroy unlinks by path), the
// mapped bytes, and the bootstrap block gating the contained structure.
type Segment struct {
	name  string
	path  string
	file  *os.File
	mem   []byte
	mode  Mode
	block *bootstrap.Block
}

// Dir is the directory used for named segments. Overridable for tests;
// production use leaves it at its default of /dev/shm.
var Dir = "/dev/shm"

func pathFor(name string) string {
	return filepath.Join(Dir, name)
}

// Open creates or attaches to the named segment, sized to hold a
// bootstrap.Block followed by size bytes of contained-structure storage.
// construct is invoked exactly once, by the process that created the
// backing file; a process that attaches to an existing file waits for that
// construction to finish. ctx bounds how long an attaching process waits;
// pass context.Background() to wait unboundedly, matching the original.
func Open(ctx context.Context, name string, size uintptr, construct func(contained []byte) error) (*Segment, error) {
	path := pathFor(name)
	total := bootstrap.Size + size

	file, mode, err := createOrOpen(path, total)
	if err != nil {
		return nil, err
	}

	mem, err := mmapFile(file, int(total))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shmseg: mmap %s: %w", path, err)
	}

	seg := &Segment{
		name:  name,
		path:  path,
		file:  file,
		mem:   mem,
		mode:  mode,
		block: bootstrap.FromBytes(mem, 0),
	}

	contained := mem[bootstrap.Size:]
	if mode == Created {
		_, err = seg.block.Create(ctx, func() error {
			return construct(contained)
		})
	} else {
		err = seg.block.Open(ctx)
	}
	if err != nil {
		seg.Close()
		return nil, fmt.Errorf("shmseg: bootstrap construct: %w", err)
	}

	return seg, nil
}

func createOrOpen(path string, total uintptr) (*os.File, Mode, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0666)
	if err == nil {
		if terr := file.Truncate(int64(total)); terr != nil {
			file.Close()
			os.Remove(path)
			return nil, 0, fmt.Errorf("shmseg: truncate %s: %w", path, terr)
		}
		return file, Created, nil
	}
	if !os.IsExist(err) {
		return nil, 0, fmt.Errorf("shmseg: create %s: %w", path, err)
	}

	file, err = os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("shmseg: open existing %s: %w", path, err)
	}
	info, serr := file.Stat()
	if serr != nil {
		file.Close()
		return nil, 0, fmt.Errorf("shmseg: stat %s: %w", path, serr)
	}
	if uintptr(info.Size()) < total {
		file.Close()
		return nil, 0, fmt.Errorf("shmseg: existing segment %s is %d bytes, want at least %d", path, info.Size(), total)
	}
	return file, Attached, nil
}

func mmapFile(file *os.File, size int) ([]byte, error) {
	return unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// Mode reports whether this process created the segment or attached to
// an existing one.
func (s *Segment) Mode() Mode { return s.mode }

// Name returns the segment's logical name (without the directory).
func (s *Segment) Name() string { return s.name }

// Contained returns the mapped bytes immediately following the bootstrap
// block — the region construct wrote into and that FromBytes-style
// constructors in htable/ring should attach over.
func (s *Segment) Contained() []byte {
	return s.mem[bootstrap.Size:]
}

// Close unmaps the segment and closes the file descriptor without
// unlinking the segment's name; other processes may still be attached.
func (s *Segment) Close() error {
	var unmapErr, closeErr error
	if s.mem != nil {
		unmapErr = unix.Munmap(s.mem)
		s.mem = nil
	}
	if s.file != nil {
		closeErr = s.file.Close()
		s.file = nil
	}
	if unmapErr != nil {
		return fmt.Errorf("shmseg: munmap %s: %w", s.path, unmapErr)
	}
	return closeErr
}

// Destroy closes the segment and unlinks its name from the filesystem. A
// segment outlives a crashed process; only an explicit Destroy call
// removes it, per spec.md §4.7.
func (s *Segment) Destroy() error {
	closeErr := s.Close()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		if closeErr != nil {
			return fmt.Errorf("shmseg: close: %v; unlink %s: %w", closeErr, s.path, err)
		}
		return fmt.Errorf("shmseg: unlink %s: %w", s.path, err)
	}
	return closeErr
}

// Report summarizes a segment's state without participating in the
// bootstrap protocol — used by shmap-inspect to audit a segment left
// behind by another process, including one stuck mid-construction.
type Report struct {
	Name          string
	Path          string
	TotalBytes    int64
	BootstrapState bootstrap.State
}

// Inspect attaches read-only to an existing named segment and reports its
// size and bootstrap state without calling a constructor and without
// waiting for readiness — unlike Open, it never blocks, which is exactly
// what makes it safe to run against a segment whose winner crashed.
func Inspect(name string) (*Report, error) {
	path := pathFor(name)
	file, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("shmseg: open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("shmseg: stat %s: %w", path, err)
	}
	if info.Size() < int64(bootstrap.Size) {
		return nil, fmt.Errorf("shmseg: %s is %d bytes, smaller than a bootstrap block", path, info.Size())
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, int(bootstrap.Size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmseg: mmap %s: %w", path, err)
	}
	defer unix.Munmap(mem)

	block := bootstrap.FromBytes(mem, 0)
	return &Report{
		Name:           name,
		Path:           path,
		TotalBytes:     info.Size(),
		BootstrapState: block.State(),
	}, nil
}

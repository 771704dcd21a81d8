//go:build linux

package arena

import (
	"os"
	"sync"
	"unsafe"

	"github.com/brickingsoft/errors"
	"golang.org/x/sys/unix"
)

const (
	DefaultSlots    = 64
	DefaultSlotSize = 64 * 1024
)

type Options struct {
	Lock bool
}

type Option func(*Options)

// WithLock
// mlock the region so the pages stay resident while the kernel uses them.
func WithLock() Option {
	return func(options *Options) {
		options.Lock = true
	}
}

// New
// maps one anonymous region of slots*slotSize bytes. slotSize is rounded up to the page size.
func New(slots int, slotSize int, options ...Option) (*Arena, error) {
	opts := Options{}
	for _, option := range options {
		option(&opts)
	}
	if slots < 1 {
		slots = DefaultSlots
	}
	if slotSize < 1 {
		slotSize = DefaultSlotSize
	}
	pageSize := os.Getpagesize()
	slotSize = (slotSize + pageSize - 1) &^ (pageSize - 1)

	region, mmapErr := unix.Mmap(-1, 0, slots*slotSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if mmapErr != nil {
		return nil, errors.New(
			"map arena failed",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpNew),
			errors.WithMeta(errMetaSyscallKey, "mmap"),
			errors.WithWrap(mmapErr),
		)
	}
	if opts.Lock {
		if lockErr := unix.Mlock(region); lockErr != nil {
			_ = unix.Munmap(region)
			return nil, errors.New(
				"lock arena failed",
				errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
				errors.WithMeta(errMetaOpKey, errMetaOpNew),
				errors.WithMeta(errMetaSyscallKey, "mlock"),
				errors.WithWrap(lockErr),
			)
		}
	}

	arena := &Arena{
		region:   region,
		slotSize: slotSize,
		pageSize: pageSize,
		locked:   opts.Lock,
		slots:    make([]slot, slots),
		free:     make([]int, slots),
	}
	// lowest index on top
	for i := 0; i < slots; i++ {
		arena.free[i] = slots - 1 - i
	}
	return arena, nil
}

type slot struct {
	generation uint32
	out        bool
	owner      uint64
	size       int
}

// Arena
// fixed pool of page aligned slots carved out of one mapping.
// The mapping never moves, so a slot's address is stable until Close.
type Arena struct {
	mu       sync.Mutex
	region   []byte
	slotSize int
	pageSize int
	locked   bool
	slots    []slot
	free     []int
	closed   bool
}

func (arena *Arena) SlotSize() int {
	return arena.slotSize
}

func (arena *Arena) Slots() int {
	return len(arena.slots)
}

func (arena *Arena) Available() int {
	arena.mu.Lock()
	n := len(arena.free)
	arena.mu.Unlock()
	return n
}

// Acquire
// takes a free slot able to hold size bytes.
// Sizes above SlotSize fail with ErrBufferTooLarge, the arena never grows.
func (arena *Arena) Acquire(size int) (Buffer, error) {
	if size < 0 {
		size = 0
	}
	if size > arena.slotSize {
		return Buffer{}, ErrBufferTooLarge
	}
	arena.mu.Lock()
	defer arena.mu.Unlock()
	if arena.closed {
		return Buffer{}, ErrArenaClosed
	}
	n := len(arena.free)
	if n == 0 {
		return Buffer{}, ErrOutOfBuffers
	}
	index := arena.free[n-1]
	arena.free = arena.free[:n-1]

	base := uintptr(unsafe.Pointer(&arena.region[index*arena.slotSize]))
	if base%uintptr(arena.pageSize) != 0 {
		arena.free = append(arena.free, index)
		return Buffer{}, ErrMisaligned
	}

	s := &arena.slots[index]
	s.generation++
	s.out = true
	s.owner = 0
	s.size = size
	return Buffer{arena: arena, index: index, generation: s.generation, size: size}, nil
}

// Lend
// marks the buffer as referenced by the in-flight request tag.
func (arena *Arena) Lend(buf Buffer, tag uint64) error {
	arena.mu.Lock()
	defer arena.mu.Unlock()
	s, err := arena.lookup(buf)
	if err != nil {
		return err
	}
	if s.owner != 0 && s.owner != tag {
		return ErrBufferReferenced
	}
	s.owner = tag
	return nil
}

// Reclaim
// drops the in-flight reference once the owning request's completion was observed.
func (arena *Arena) Reclaim(buf Buffer) error {
	arena.mu.Lock()
	defer arena.mu.Unlock()
	s, err := arena.lookup(buf)
	if err != nil {
		return err
	}
	s.owner = 0
	return nil
}

// Release
// returns the slot to the free list.
func (arena *Arena) Release(buf Buffer) error {
	arena.mu.Lock()
	defer arena.mu.Unlock()
	s, err := arena.lookup(buf)
	if err != nil {
		return err
	}
	if s.owner != 0 {
		return errors.From(
			ErrBufferReferenced,
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpRelease),
		)
	}
	s.out = false
	s.size = 0
	arena.free = append(arena.free, buf.index)
	return nil
}

// Owner
// returns the tag of the request holding the buffer, 0 when none.
func (arena *Arena) Owner(buf Buffer) uint64 {
	arena.mu.Lock()
	defer arena.mu.Unlock()
	s, err := arena.lookup(buf)
	if err != nil {
		return 0
	}
	return s.owner
}

func (arena *Arena) lookup(buf Buffer) (*slot, error) {
	if buf.arena != arena || buf.index < 0 || buf.index >= len(arena.slots) {
		return nil, ErrBufferReleased
	}
	if arena.closed {
		return nil, ErrArenaClosed
	}
	s := &arena.slots[buf.index]
	if !s.out || s.generation != buf.generation {
		return nil, ErrBufferReleased
	}
	return s, nil
}

func (arena *Arena) bytes(buf Buffer) []byte {
	arena.mu.Lock()
	defer arena.mu.Unlock()
	if _, err := arena.lookup(buf); err != nil {
		return nil
	}
	offset := buf.index * arena.slotSize
	return arena.region[offset : offset+buf.size : offset+arena.slotSize]
}

// Close
// unmaps the region. Fails with ErrArenaBusy while any buffer is out.
func (arena *Arena) Close() (err error) {
	arena.mu.Lock()
	defer arena.mu.Unlock()
	if arena.closed {
		return
	}
	if len(arena.free) != len(arena.slots) {
		err = errors.From(
			ErrArenaBusy,
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpClose),
		)
		return
	}
	if arena.locked {
		_ = unix.Munlock(arena.region)
	}
	if unmapErr := unix.Munmap(arena.region); unmapErr != nil {
		err = errors.New(
			"unmap arena failed",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpClose),
			errors.WithMeta(errMetaSyscallKey, "munmap"),
			errors.WithWrap(unmapErr),
		)
		return
	}
	arena.region = nil
	arena.closed = true
	return
}

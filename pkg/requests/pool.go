//go:build linux

package requests

import (
	"strconv"
	"sync"

	"github.com/brickingsoft/asyncfs/pkg/ring"
	"github.com/brickingsoft/errors"
)

type slot struct {
	generation uint32
	request    *Request
}

// Pool
// fixed table of request slots. A tag is the slot index plus one in the low
// 32 bits and the slot generation in the high 32 bits, so a value is never
// handed out twice while its previous holder is unreleased.
type Pool struct {
	mu    sync.Mutex
	slots []slot
	free  []uint32
	inUse int
}

func New(max int) *Pool {
	if max < 1 {
		max = int(ring.DefaultCapacity)
	}
	pool := &Pool{
		slots: make([]slot, max),
		free:  make([]uint32, max),
	}
	for i := 0; i < max; i++ {
		pool.free[i] = uint32(max - 1 - i)
	}
	return pool
}

func (pool *Pool) Max() int {
	return len(pool.slots)
}

func (pool *Pool) InFlight() int {
	pool.mu.Lock()
	n := pool.inUse
	pool.mu.Unlock()
	return n
}

func makeTag(index uint32, generation uint32) uint64 {
	return uint64(generation)<<32 | uint64(index+1)
}

func splitTag(tag uint64) (index uint32, generation uint32, ok bool) {
	low := uint32(tag)
	if low == 0 {
		return 0, 0, false
	}
	return low - 1, uint32(tag >> 32), true
}

// Allocate
// takes a free slot and issues a fresh tag, stamped into the returned descriptor.
func (pool *Pool) Allocate(d ring.Descriptor) (*Request, error) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	n := len(pool.free)
	if n == 0 {
		return nil, ErrPoolExhausted
	}
	index := pool.free[n-1]
	pool.free = pool.free[:n-1]

	s := &pool.slots[index]
	s.generation++
	tag := makeTag(index, s.generation)
	req := &Request{
		tag:        tag,
		Descriptor: d,
	}
	req.Descriptor.Tag = tag
	req.state.Store(uint32(Allocated))
	s.request = req
	pool.inUse++
	return req, nil
}

func (pool *Pool) Lookup(tag uint64) (*Request, bool) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	s := pool.find(tag)
	if s == nil {
		return nil, false
	}
	return s.request, true
}

func (pool *Pool) find(tag uint64) *slot {
	index, generation, ok := splitTag(tag)
	if !ok || int(index) >= len(pool.slots) {
		return nil
	}
	s := &pool.slots[index]
	if s.request == nil || s.generation != generation {
		return nil
	}
	return s
}

// Release
// frees the slot of a completed request.
func (pool *Pool) Release(tag uint64) error {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	s := pool.find(tag)
	if s == nil {
		return pool.unknown(tag, errMetaOpRelease)
	}
	if err := s.request.Advance(Released); err != nil {
		return err
	}
	pool.free = append(pool.free, uint32(tag)-1)
	s.request = nil
	pool.inUse--
	return nil
}

// Discard
// frees the slot of a request the ring refused, so no completion can follow.
func (pool *Pool) Discard(tag uint64) error {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	s := pool.find(tag)
	if s == nil {
		return pool.unknown(tag, errMetaOpDiscard)
	}
	if !s.request.state.CompareAndSwap(uint32(Allocated), uint32(Released)) &&
		!s.request.state.CompareAndSwap(uint32(Enqueued), uint32(Released)) {
		return s.request.illegal(Released)
	}
	pool.free = append(pool.free, uint32(tag)-1)
	s.request = nil
	pool.inUse--
	return nil
}

func (pool *Pool) unknown(tag uint64, op string) error {
	return errors.From(
		ErrUnknownTag,
		errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
		errors.WithMeta(errMetaOpKey, op),
		errors.WithMeta(errMetaTagKey, strconv.FormatUint(tag, 16)),
	)
}

type Snapshot struct {
	Tag   uint64
	Op    ring.Op
	Fd    int
	State State
}

// Snapshot
// allocated requests, for diagnostics.
func (pool *Pool) Snapshot() []Snapshot {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	snapshots := make([]Snapshot, 0, pool.inUse)
	for _, s := range pool.slots {
		if s.request == nil {
			continue
		}
		snapshots = append(snapshots, Snapshot{
			Tag:   s.request.tag,
			Op:    s.request.Descriptor.Op,
			Fd:    s.request.Descriptor.Fd,
			State: s.request.State(),
		})
	}
	return snapshots
}

//go:build linux

package ring

import (
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/brickingsoft/errors"
	"github.com/pawelgaczynski/giouring"
)

const (
	DefaultCapacity uint32 = 64
	MaxCapacity     uint32 = 32768
)

// Infinite
// DrainCompletions timeout that blocks until at least one event arrives.
const Infinite time.Duration = -1

// Open
// creates the submission and completion rings. capacity is rounded up to a power of two
// and bounds the number of in-flight submissions.
func Open(capacity uint32, flags uint32) (*Ring, error) {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if capacity > MaxCapacity {
		return nil, errors.From(
			ErrRingInit,
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpOpen),
			errors.WithMeta(errMetaCapacity, strconv.FormatUint(uint64(capacity), 10)),
			errors.WithWrap(ErrCapacity),
		)
	}
	capacity = RoundupPow2(capacity)

	r := giouring.NewRing()
	if err := r.QueueInit(capacity, flags); err != nil {
		return nil, errors.From(
			ErrRingInit,
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpOpen),
			errors.WithMeta(errMetaSyscallKey, "io_uring_setup"),
			errors.WithWrap(err),
		)
	}
	return &Ring{
		ring:     r,
		capacity: capacity,
		cq:       make([]*giouring.CompletionQueueEvent, capacity*2),
	}, nil
}

// Ring
// owns one io_uring instance. Enqueue and SubmitBatch are serialized by an internal
// lock, DrainCompletions admits a single caller at a time.
type Ring struct {
	mu       sync.Mutex
	ring     *giouring.Ring
	capacity uint32
	pending  int
	inflight atomic.Int64
	draining atomic.Bool
	closed   atomic.Bool
	cq       []*giouring.CompletionQueueEvent
}

func (r *Ring) Capacity() uint32 {
	return r.capacity
}

// InFlight
// entries enqueued whose completion has not been drained yet.
func (r *Ring) InFlight() int {
	return int(r.inflight.Load())
}

func (r *Ring) Available() int {
	n := int(r.capacity) - int(r.inflight.Load())
	if n < 0 {
		n = 0
	}
	return n
}

// Pending
// entries enqueued but not submitted.
func (r *Ring) Pending() int {
	r.mu.Lock()
	n := r.pending
	r.mu.Unlock()
	return n
}

// Enqueue
// writes one submission entry without entering the kernel.
func (r *Ring) Enqueue(d Descriptor) error {
	if err := d.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return ErrClosed
	}
	if r.inflight.Load() >= int64(r.capacity) {
		return ErrRingFull
	}
	sqe := r.ring.GetSQE()
	if sqe == nil {
		return ErrRingFull
	}
	d.prepare(sqe)
	r.pending++
	r.inflight.Add(1)
	return nil
}

// SubmitBatch
// hands every pending entry to the kernel in one enter call.
func (r *Ring) SubmitBatch() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return 0, ErrClosed
	}
	return r.submit()
}

func (r *Ring) submit() (int, error) {
	if r.pending == 0 {
		return 0, nil
	}
	for {
		n, err := r.ring.Submit()
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return 0, EnterError(errMetaOpSubmit, err)
		}
		submitted := int(n)
		r.pending -= submitted
		if r.pending < 0 {
			r.pending = 0
		}
		return submitted, nil
	}
}

// DrainCompletions
// returns up to maxEvents completions in ring order. timeout zero peeks,
// Infinite blocks until one is ready, anything else waits at most timeout.
// An elapsed timeout yields an empty result and no error.
func (r *Ring) DrainCompletions(maxEvents int, timeout time.Duration) ([]CompletionEvent, error) {
	if !r.draining.CompareAndSwap(false, true) {
		return nil, ErrConcurrentDrain
	}
	defer r.draining.Store(false)
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if maxEvents < 1 || maxEvents > len(r.cq) {
		maxEvents = len(r.cq)
	}
	if timeout != 0 {
		if err := r.wait(timeout); err != nil {
			return nil, err
		}
	}
	completed := r.ring.PeekBatchCQE(r.cq[:maxEvents])
	if completed == 0 {
		return nil, nil
	}
	events := make([]CompletionEvent, completed)
	for i := uint32(0); i < completed; i++ {
		cqe := r.cq[i]
		r.cq[i] = nil
		events[i] = CompletionEvent{
			Tag:   cqe.UserData,
			Res:   cqe.Res,
			Flags: cqe.Flags,
		}
	}
	r.ring.CQAdvance(completed)
	r.inflight.Add(-int64(completed))
	return events, nil
}

func (r *Ring) wait(timeout time.Duration) error {
	var ts *syscall.Timespec
	if timeout > 0 {
		spec := syscall.NsecToTimespec(timeout.Nanoseconds())
		ts = &spec
	}
	for {
		_, err := r.ring.WaitCQEs(1, ts, nil)
		if err == nil {
			return nil
		}
		if errors.Is(err, syscall.EINTR) {
			if ts == nil {
				continue
			}
			return nil
		}
		if errors.Is(err, syscall.ETIME) || errors.Is(err, syscall.EAGAIN) {
			return nil
		}
		return EnterError(errMetaOpWait, err)
	}
}

// Wake
// submits a nop tagged WakeTag so a drainer blocked in the kernel returns.
func (r *Ring) Wake() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return ErrClosed
	}
	sqe := r.ring.GetSQE()
	if sqe == nil {
		if _, err := r.submit(); err != nil {
			return err
		}
		if sqe = r.ring.GetSQE(); sqe == nil {
			return ErrRingFull
		}
	}
	wake := Descriptor{Op: OpNop, Tag: WakeTag}
	wake.prepare(sqe)
	r.pending++
	r.inflight.Add(1)
	_, err := r.submit()
	return err
}

// Close
// releases the kernel resources. Fails with ErrInFlight while completions are outstanding.
func (r *Ring) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return nil
	}
	if n := r.inflight.Load(); n > 0 {
		return errors.From(
			ErrInFlight,
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpClose),
			errors.WithMeta(errMetaInFlight, strconv.FormatInt(n, 10)),
		)
	}
	if !r.draining.CompareAndSwap(false, true) {
		return errors.From(
			ErrConcurrentDrain,
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpClose),
		)
	}
	r.closed.Store(true)
	r.ring.QueueExit()
	r.draining.Store(false)
	return nil
}

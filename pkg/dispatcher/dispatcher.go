//go:build linux

package dispatcher

import (
	"context"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/brickingsoft/asyncfs/pkg/arena"
	"github.com/brickingsoft/asyncfs/pkg/process"
	"github.com/brickingsoft/asyncfs/pkg/requests"
	"github.com/brickingsoft/asyncfs/pkg/ring"
	"github.com/brickingsoft/errors"
)

var (
	timers = sync.Pool{
		New: func() interface{} {
			return time.NewTimer(0)
		},
	}
)

func acquireTimer(d time.Duration) *time.Timer {
	timer := timers.Get().(*time.Timer)
	timer.Reset(d)
	return timer
}

func releaseTimer(t *time.Timer) {
	t.Stop()
	timers.Put(t)
}

func New(r *ring.Ring, pool *requests.Pool, buffers *arena.Arena, options ...Option) *Dispatcher {
	opts := Options{
		WaitTimeout: DefaultWaitTimeout,
		Affinity:    -1,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.MaxEvents < 1 {
		opts.MaxEvents = int(r.Capacity())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OnFatal == nil {
		opts.OnFatal = func(err error) {
			panic(err)
		}
	}
	return &Dispatcher{
		ring:    r,
		pool:    pool,
		buffers: buffers,
		opts:    opts,
	}
}

type halt struct {
	err error
}

// Dispatcher
// the single consumer of the completion ring. It runs either on its own goroutine
// (Start) or on whichever waiter calls Drive.
type Dispatcher struct {
	ring    *ring.Ring
	pool    *requests.Pool
	buffers *arena.Arena
	opts    Options
	mu      sync.Mutex
	halted  atomic.Pointer[halt]
	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Halted
// the fatal error that stopped dispatch, nil while healthy.
func (d *Dispatcher) Halted() error {
	if h := d.halted.Load(); h != nil {
		return h.err
	}
	return nil
}

func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// DrainOnce
// drains one batch, waiting at most timeout, and resolves every event in it.
func (d *Dispatcher) DrainOnce(timeout time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drain(timeout)
}

func (d *Dispatcher) drain(timeout time.Duration) (n int, err error) {
	if err = d.Halted(); err != nil {
		return
	}
	if fn := d.opts.BeforeDrain; fn != nil {
		if err = fn(); err != nil && !errors.Is(err, syscall.EAGAIN) && !errors.Is(err, syscall.EBUSY) {
			return
		}
		err = nil
	}
	events, drainErr := d.ring.DrainCompletions(d.opts.MaxEvents, timeout)
	if drainErr != nil {
		err = drainErr
		return
	}
	for _, event := range events {
		if dispatchErr := d.dispatch(event); dispatchErr != nil {
			err = d.halt(dispatchErr, event)
			return
		}
		n++
	}
	if fn := d.opts.AfterDrain; fn != nil {
		fn()
	}
	return
}

func (d *Dispatcher) dispatch(event ring.CompletionEvent) error {
	if event.Tag == ring.WakeTag {
		return nil
	}
	req, ok := d.pool.Lookup(event.Tag)
	if !ok {
		return &UnknownTagError{
			Tag:          event.Tag,
			Res:          event.Res,
			PoolInFlight: d.pool.InFlight(),
			RingInFlight: d.ring.InFlight(),
		}
	}
	if err := req.Advance(requests.Completed); err != nil {
		return err
	}
	n, err := Result(event.Res)
	if !req.Resolve(n, err) {
		return errors.From(
			ErrDoubleResolution,
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpDispatch),
			errors.WithMeta(errMetaTagKey, strconv.FormatUint(event.Tag, 16)),
		)
	}
	if req.HasBuffer() {
		if reclaimErr := d.buffers.Reclaim(req.Buffer); reclaimErr != nil {
			return reclaimErr
		}
		if releaseErr := d.buffers.Release(req.Buffer); releaseErr != nil {
			return releaseErr
		}
	}
	return d.pool.Release(event.Tag)
}

// Result
// maps a signed completion result to a byte count or an errno.
// Counts below the requested length are short transfers and not errors.
func Result(res int32) (int, error) {
	if res >= 0 {
		return int(res), nil
	}
	errno := syscall.Errno(-res)
	if errno == syscall.ECANCELED {
		return 0, errors.From(ErrCanceled, errors.WithWrap(errno))
	}
	return 0, errno
}

func (d *Dispatcher) halt(cause error, event ring.CompletionEvent) error {
	err := &HaltError{Tag: event.Tag, Cause: cause}
	if !d.halted.CompareAndSwap(nil, &halt{err: err}) {
		return d.Halted()
	}
	snapshot := d.pool.Snapshot()
	attrs := make([]any, 0, 6)
	attrs = append(attrs,
		slog.Any("error", cause),
		slog.String("tag", strconv.FormatUint(event.Tag, 16)),
		slog.Int("res", int(event.Res)),
		slog.Int("pool_inflight", len(snapshot)),
		slog.Int("ring_inflight", d.ring.InFlight()),
	)
	requestAttrs := make([]any, 0, len(snapshot))
	for _, s := range snapshot {
		requestAttrs = append(requestAttrs, slog.String(strconv.FormatUint(s.Tag, 16), s.Op.String()+"/"+s.State.String()+"/fd="+strconv.Itoa(s.Fd)))
	}
	attrs = append(attrs, slog.Group("requests", requestAttrs...))
	d.opts.Logger.Error("completion dispatch halted", attrs...)
	d.opts.OnFatal(err)
	return err
}

// Start
// runs the drain loop on a dedicated goroutine locked to its thread.
func (d *Dispatcher) Start() {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	d.stopCh = make(chan struct{})
	d.wg.Add(1)
	go d.loop(d.stopCh)
}

func (d *Dispatcher) loop(stopCh chan struct{}) {
	runtime.LockOSThread()
	pinned := false
	if d.opts.Affinity >= 0 {
		cpu, err := process.PinThread(d.opts.Affinity)
		if err != nil {
			d.opts.Logger.Warn("pin dispatcher thread failed", slog.Any("error", err))
		} else {
			pinned = true
			d.opts.Logger.Debug("dispatcher thread pinned", slog.Int("cpu", cpu))
		}
	}
	defer func() {
		// a pinned thread is not handed back to the scheduler
		if !pinned {
			runtime.UnlockOSThread()
		}
		d.wg.Done()
	}()
	failures := 0
	for {
		select {
		case <-stopCh:
			return
		default:
		}
		if _, err := d.DrainOnce(d.opts.WaitTimeout); err != nil {
			if d.Halted() != nil {
				return
			}
			if errors.Is(err, ring.ErrClosed) {
				return
			}
			failures++
			d.opts.Logger.Warn("drain completions failed", slog.Any("error", err), slog.Int("failures", failures))
			timer := acquireTimer(time.Duration(failures) * time.Millisecond)
			select {
			case <-timer.C:
			case <-stopCh:
			}
			releaseTimer(timer)
			continue
		}
		failures = 0
	}
}

// Stop
// ends the drain loop. Events left in the ring are drained by the next DrainOnce.
func (d *Dispatcher) Stop() {
	if !d.running.CompareAndSwap(true, false) {
		return
	}
	close(d.stopCh)
	if d.opts.WaitTimeout < 0 {
		if err := d.ring.Wake(); err != nil {
			d.opts.Logger.Warn("wake drainer failed", slog.Any("error", err))
		}
	}
	d.wg.Wait()
}

// Drive
// drains on behalf of a waiter until done is closed or ctx ends.
// While the dedicated loop runs it only waits.
func (d *Dispatcher) Drive(ctx context.Context, done <-chan struct{}) error {
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := d.Halted(); err != nil {
			return err
		}
		if d.running.Load() {
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if d.mu.TryLock() {
			_, err := d.drain(d.waitFor(ctx))
			d.mu.Unlock()
			if err != nil {
				return err
			}
			continue
		}
		// another waiter is draining
		timer := acquireTimer(time.Millisecond)
		select {
		case <-done:
			releaseTimer(timer)
			return nil
		case <-ctx.Done():
			releaseTimer(timer)
			return ctx.Err()
		case <-timer.C:
		}
		releaseTimer(timer)
	}
}

// TryDrive
// drains whatever is ready without waiting.
func (d *Dispatcher) TryDrive() error {
	if d.running.Load() {
		return d.Halted()
	}
	if !d.mu.TryLock() {
		return nil
	}
	defer d.mu.Unlock()
	_, err := d.drain(0)
	return err
}

func (d *Dispatcher) waitFor(ctx context.Context) time.Duration {
	wait := d.opts.WaitTimeout
	if wait < 0 {
		wait = DefaultWaitTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < wait {
			wait = left
		}
	}
	if wait < time.Microsecond {
		wait = time.Microsecond
	}
	return wait
}

//go:build linux

package asyncfs

import (
	"context"
	"log/slog"
	"time"

	"github.com/brickingsoft/asyncfs/pkg/arena"
	"github.com/brickingsoft/asyncfs/pkg/async"
	"github.com/brickingsoft/asyncfs/pkg/kernel"
	"github.com/brickingsoft/asyncfs/pkg/requests"
	"github.com/brickingsoft/asyncfs/pkg/ring"
	"github.com/brickingsoft/errors"
)

// submission
// one request on its way to the ring.
type submission struct {
	desc ring.Descriptor
	// size of the pinned buffer to attach, negative for none.
	size int
	// copied into the buffer before the entry is enqueued.
	fill []byte
	keep []any
	// internal submissions are accepted while the engine closes.
	internal bool
	bind     func(req *requests.Request) requests.ResolveFunc
}

// completer
// turns the raw completion of req into the typed result of its future.
// The request buffer is only readable inside the completer.
type completer[R any] func(req *requests.Request, n int, err error) (R, error)

func (engine *Engine) promiseOptions(tag uint64) []async.Option {
	opts := make([]async.Option, 0, 3)
	opts = append(opts, async.WithTag(tag), async.WithDriver(engine.dispatcher))
	if engine.executor != nil {
		opts = append(opts, async.WithExecutor(engine.executor))
	}
	return opts
}

// submitFuture
// submits s and returns the future its completion resolves. Submission failures
// come back as an already failed future. release runs before the future resolves.
func submitFuture[R any](engine *Engine, s *submission, complete completer[R], release func()) async.Future[R] {
	var promise async.Promise[R]
	s.bind = func(req *requests.Request) requests.ResolveFunc {
		promise = async.New[R](engine.promiseOptions(req.Tag())...)
		return func(n int, err error) bool {
			result, cause := complete(req, n, err)
			if release != nil {
				release()
			}
			return promise.Complete(result, cause)
		}
	}
	if err := engine.submit(s); err != nil {
		if release != nil {
			release()
		}
		return async.FailedFuture[R](err)
	}
	return promise.Future()
}

// submit
// tries once and, with a backpressure timeout configured, keeps retrying on
// capacity errors until the timeout elapses.
func (engine *Engine) submit(s *submission) error {
	err := engine.trySubmit(s)
	if err == nil || s.internal || engine.capacity == nil || !IsCapacity(err) {
		return err
	}
	deadline := time.Now().Add(engine.options.BackpressureTimeout)
	for time.Now().Before(deadline) {
		if engine.dispatcher.Running() {
			ctx, cancel := context.WithDeadline(context.Background(), deadline)
			waitErr := engine.capacity.Wait(ctx)
			cancel()
			if waitErr != nil && !errors.Is(waitErr, context.DeadlineExceeded) {
				return err
			}
		} else {
			if driveErr := engine.dispatcher.TryDrive(); driveErr != nil {
				return driveErr
			}
			time.Sleep(100 * time.Microsecond)
		}
		if err = engine.trySubmit(s); err == nil || !IsCapacity(err) {
			return err
		}
	}
	return err
}

// trySubmit
// checks ring space, allocates the request, attaches a buffer, enqueues and,
// with auto submit, enters the kernel. Whatever was taken is given back on failure.
func (engine *Engine) trySubmit(s *submission) error {
	engine.submitMu.Lock()
	defer engine.submitMu.Unlock()

	if !s.internal && engine.closed.Load() {
		return ErrClosed
	}
	if !kernel.Supports(engine.version, s.desc.Op) {
		return errors.From(
			ErrUnsupported,
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, s.desc.Op.String()),
			errors.WithMeta(errMetaKernelKey, engine.version.String()),
		)
	}
	if engine.ring.Available() == 0 {
		return ErrRingFull
	}
	req, err := engine.pool.Allocate(s.desc)
	if err != nil {
		return err
	}
	if s.size >= 0 {
		buf, acquireErr := engine.buffers.Acquire(s.size)
		if acquireErr != nil {
			engine.discard(req)
			return acquireErr
		}
		if len(s.fill) > 0 {
			copy(buf.Bytes(), s.fill)
		}
		req.Buffer = buf
		req.Descriptor.Addr = buf.Addr()
		req.Descriptor.Len = uint32(buf.Len())
		if lendErr := engine.buffers.Lend(buf, req.Tag()); lendErr != nil {
			engine.discard(req)
			return lendErr
		}
	}
	if len(s.keep) > 0 {
		req.Keep(s.keep...)
	}
	req.OnResolve(s.bind(req))
	if err = req.Advance(requests.Enqueued); err != nil {
		engine.discard(req)
		return err
	}
	if err = engine.ring.Enqueue(req.Descriptor); err != nil {
		engine.discard(req)
		return err
	}
	engine.unsubmitted = append(engine.unsubmitted, req)
	if engine.options.AutoSubmit {
		if _, submitErr := engine.submitLocked(); submitErr != nil {
			// left pending, the next drain submits it
			engine.logger.Debug("auto submit deferred", slog.Any("error", submitErr))
		}
	}
	return nil
}

// discard
// gives back a request that never reached the kernel, with its buffer.
func (engine *Engine) discard(req *requests.Request) {
	if req.HasBuffer() {
		if engine.buffers.Owner(req.Buffer) != 0 {
			_ = engine.buffers.Reclaim(req.Buffer)
		}
		_ = engine.buffers.Release(req.Buffer)
		req.Buffer = arena.Buffer{}
	}
	if err := engine.pool.Discard(req.Tag()); err != nil {
		engine.logger.Warn("discard request failed", slog.Uint64("tag", req.Tag()), slog.Any("error", err))
	}
}

func (engine *Engine) submitLocked() (n int, err error) {
	if engine.ring.Pending() > 0 {
		n, err = engine.ring.SubmitBatch()
	}
	// the kernel took every entry no longer pending, also those a Wake carried in
	accepted := len(engine.unsubmitted) - engine.ring.Pending()
	if accepted <= 0 {
		return
	}
	for i := 0; i < accepted; i++ {
		engine.unsubmitted[i].MarkSubmitted()
		engine.unsubmitted[i] = nil
	}
	engine.unsubmitted = append(engine.unsubmitted[:0], engine.unsubmitted[accepted:]...)
	return
}

// flush
// runs before every drain so nothing enqueued is left unsubmitted while waiting.
func (engine *Engine) flush() error {
	engine.submitMu.Lock()
	defer engine.submitMu.Unlock()
	_, err := engine.submitLocked()
	return err
}

// afterDrain
// runs after every drain: deferred closes go out and capacity waiters wake.
func (engine *Engine) afterDrain() {
	engine.flushDeferred()
	if engine.capacity != nil {
		engine.capacity.Signal()
	}
}

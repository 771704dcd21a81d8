//go:build linux

package asyncfs

import (
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brickingsoft/asyncfs/pkg/arena"
	"github.com/brickingsoft/asyncfs/pkg/async"
	"github.com/brickingsoft/asyncfs/pkg/dispatcher"
	"github.com/brickingsoft/asyncfs/pkg/kernel"
	"github.com/brickingsoft/asyncfs/pkg/requests"
	"github.com/brickingsoft/asyncfs/pkg/ring"
	"github.com/brickingsoft/asyncfs/pkg/semaphores"
	"github.com/brickingsoft/errors"
	"github.com/eapache/queue"
)

// New
// creates an engine: the ring, the request pool, the buffer arena and the dispatcher.
// In Blocking mode the dispatcher goroutine is started before New returns.
func New(options ...Option) (engine *Engine, err error) {
	opts := Options{
		RingCapacity:  DefaultRingCapacity,
		BufferSize:    DefaultBufferSize,
		DrainMode:     Blocking,
		WaitTimeout:   DefaultWaitTimeout,
		AutoSubmit:    true,
		ClosePolicy:   CloseDefer,
		CloseTimeout:  DefaultCloseTimeout,
		DispatcherCPU: -1,
	}
	for _, option := range options {
		if err = option(&opts); err != nil {
			return
		}
	}
	capacity := ring.RoundupPow2(opts.RingCapacity)
	if opts.MaxConcurrentRequests == 0 {
		opts.MaxConcurrentRequests = int(capacity)
	}
	if opts.MaxConcurrentRequests > int(capacity) {
		err = errors.From(
			ErrInvalidConfig,
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpNew),
			errors.WithMeta(errMetaOptionKey, "max_concurrent_requests"),
			errors.WithWrap(errors.New("max concurrent requests exceeds ring capacity "+strconv.FormatUint(uint64(capacity), 10))),
		)
		return
	}
	if opts.BufferPoolSize == 0 {
		opts.BufferPoolSize = int(capacity)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	version, versionErr := kernel.Get()
	if versionErr != nil {
		err = errors.From(
			ErrRingInit,
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpNew),
			errors.WithWrap(versionErr),
		)
		return
	}
	if kernel.Compare(version, kernel.Engine) < 0 {
		err = errors.From(
			ErrRingInit,
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpNew),
			errors.WithMeta(errMetaKernelKey, version.String()),
			errors.WithWrap(ErrUnsupported),
		)
		return
	}

	r, ringErr := ring.Open(capacity, opts.RingFlags)
	if ringErr != nil {
		err = ringErr
		return
	}
	arenaOptions := make([]arena.Option, 0, 1)
	if opts.LockBuffers {
		arenaOptions = append(arenaOptions, arena.WithLock())
	}
	buffers, arenaErr := arena.New(opts.BufferPoolSize, opts.BufferSize, arenaOptions...)
	if arenaErr != nil {
		_ = r.Close()
		err = arenaErr
		return
	}

	engine = &Engine{
		options:  opts,
		logger:   opts.Logger,
		version:  version,
		ring:     r,
		pool:     requests.New(opts.MaxConcurrentRequests),
		buffers:  buffers,
		deferred: queue.New(),
	}
	if opts.ContinuationExecutors != nil {
		engine.executor = continuations{exec: opts.ContinuationExecutors}
	}
	if opts.BackpressureTimeout > 0 {
		engine.capacity, _ = semaphores.New(opts.BackpressureTimeout)
	}

	dispatcherOptions := []dispatcher.Option{
		dispatcher.WithWaitTimeout(opts.WaitTimeout),
		dispatcher.WithLogger(opts.Logger),
		dispatcher.WithBeforeDrain(engine.flush),
		dispatcher.WithAfterDrain(engine.afterDrain),
		dispatcher.WithAffinity(opts.DispatcherCPU),
	}
	if opts.FatalHandler != nil {
		dispatcherOptions = append(dispatcherOptions, dispatcher.WithFatalHandler(opts.FatalHandler))
	}
	engine.dispatcher = dispatcher.New(r, engine.pool, buffers, dispatcherOptions...)
	if opts.DrainMode == Blocking {
		engine.dispatcher.Start()
	}
	engine.logger.Debug("engine started",
		slog.String("kernel", version.String()),
		slog.Uint64("ring_capacity", uint64(r.Capacity())),
		slog.Int("max_concurrent_requests", opts.MaxConcurrentRequests),
		slog.Int("buffers", buffers.Slots()),
		slog.Int("buffer_size", buffers.SlotSize()),
		slog.String("drain_mode", opts.DrainMode.String()),
	)
	return
}

// Engine
// submits file operations to one io_uring ring and resolves their futures
// as completions are drained.
type Engine struct {
	options    Options
	logger     *slog.Logger
	version    kernel.Version
	ring       *ring.Ring
	pool       *requests.Pool
	buffers    *arena.Arena
	dispatcher *dispatcher.Dispatcher
	executor   async.Executor
	capacity   *semaphores.Semaphores

	submitMu    sync.Mutex
	unsubmitted []*requests.Request

	deferMu  sync.Mutex
	deferred *queue.Queue

	closed atomic.Bool
}

// Stats
// point in time counters of an engine.
type Stats struct {
	RingCapacity     int
	RingInFlight     int
	RingPending      int
	Unsubmitted      int
	PoolInFlight     int
	Buffers          int
	BuffersAvailable int
	DeferredCloses   int
}

func (engine *Engine) Stats() Stats {
	engine.deferMu.Lock()
	deferred := engine.deferred.Length()
	engine.deferMu.Unlock()
	engine.submitMu.Lock()
	unsubmitted := len(engine.unsubmitted)
	engine.submitMu.Unlock()
	return Stats{
		RingCapacity:     int(engine.ring.Capacity()),
		RingInFlight:     engine.ring.InFlight(),
		RingPending:      engine.ring.Pending(),
		Unsubmitted:      unsubmitted,
		PoolInFlight:     engine.pool.InFlight(),
		Buffers:          engine.buffers.Slots(),
		BuffersAvailable: engine.buffers.Available(),
		DeferredCloses:   deferred,
	}
}

func (engine *Engine) Kernel() kernel.Version {
	return engine.version
}

func (engine *Engine) BufferSize() int {
	return engine.buffers.SlotSize()
}

func (engine *Engine) DrainMode() DrainMode {
	return engine.options.DrainMode
}

// Driver
// drains completions for futures built outside the engine, such as async.Join.
func (engine *Engine) Driver() async.Driver {
	return engine.dispatcher
}

// Submit
// hands every enqueued entry to the kernel. Only needed with auto submit disabled.
func (engine *Engine) Submit() (int, error) {
	engine.submitMu.Lock()
	defer engine.submitMu.Unlock()
	return engine.submitLocked()
}

// Poll
// drains completions once, waiting at most timeout, and returns how many were resolved.
func (engine *Engine) Poll(timeout time.Duration) (int, error) {
	return engine.dispatcher.DrainOnce(timeout)
}

// Close
// stops accepting submissions, waits up to the close timeout for in-flight requests,
// stops the dispatcher and releases the ring and the buffers.
// Requests still in flight after the timeout make Close fail with ring.ErrInFlight,
// the ring and buffers are then kept alive.
func (engine *Engine) Close() (err error) {
	if !engine.closed.CompareAndSwap(false, true) {
		return
	}
	deadline := time.Now().Add(engine.options.CloseTimeout)
	for engine.busy() && time.Now().Before(deadline) {
		if engine.dispatcher.Halted() != nil {
			break
		}
		if engine.dispatcher.Running() {
			time.Sleep(time.Millisecond)
			continue
		}
		if _, drainErr := engine.dispatcher.DrainOnce(10 * time.Millisecond); drainErr != nil {
			break
		}
	}
	engine.dispatcher.Stop()
	// a wake may have carried unsubmitted entries into the kernel
	if flushErr := engine.flush(); flushErr != nil {
		engine.logger.Debug("flush on close failed", slog.Any("error", flushErr))
	}
	// wake completions and whatever resolved after the loop stopped
	for engine.ring.InFlight() > 0 && time.Now().Before(deadline) && engine.dispatcher.Halted() == nil {
		if _, drainErr := engine.dispatcher.DrainOnce(10 * time.Millisecond); drainErr != nil {
			break
		}
	}
	if engine.capacity != nil {
		_ = engine.capacity.Close()
	}
	if ringErr := engine.ring.Close(); ringErr != nil {
		engine.logger.Warn("engine closed with requests in flight",
			slog.Int("ring_inflight", engine.ring.InFlight()),
			slog.Int("pool_inflight", engine.pool.InFlight()),
		)
		err = errors.New(
			"close engine failed",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpClose),
			errors.WithMeta(errMetaInFlightKey, strconv.Itoa(engine.ring.InFlight())),
			errors.WithWrap(ringErr),
		)
		return
	}
	if arenaErr := engine.buffers.Close(); arenaErr != nil {
		err = errors.New(
			"close engine failed",
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, errMetaOpClose),
			errors.WithWrap(arenaErr),
		)
		return
	}
	engine.logger.Debug("engine closed")
	return
}

func (engine *Engine) busy() bool {
	if engine.pool.InFlight() > 0 || engine.ring.InFlight() > 0 {
		return true
	}
	engine.deferMu.Lock()
	n := engine.deferred.Length()
	engine.deferMu.Unlock()
	return n > 0
}

func (engine *Engine) Closed() bool {
	return engine.closed.Load()
}

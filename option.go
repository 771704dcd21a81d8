//go:build linux

package asyncfs

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/brickingsoft/asyncfs/pkg/arena"
	"github.com/brickingsoft/asyncfs/pkg/dispatcher"
	"github.com/brickingsoft/asyncfs/pkg/ring"
	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/rxp"
)

const (
	DefaultRingCapacity = ring.DefaultCapacity
	DefaultBufferSize   = arena.DefaultSlotSize
	DefaultWaitTimeout  = dispatcher.DefaultWaitTimeout
	DefaultCloseTimeout = 5 * time.Second
)

// DrainMode
// who drains the completion ring.
type DrainMode int

const (
	// Blocking runs a dedicated dispatcher goroutine.
	Blocking DrainMode = iota
	// Polling drains on the goroutine waiting for a result.
	Polling
)

func (mode DrainMode) String() string {
	switch mode {
	case Blocking:
		return "blocking"
	case Polling:
		return "polling"
	default:
		return "DrainMode(" + strconv.Itoa(int(mode)) + ")"
	}
}

func ParseDrainMode(s string) (DrainMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "blocking":
		return Blocking, nil
	case "polling":
		return Polling, nil
	default:
		return Blocking, errors.From(
			ErrInvalidConfig,
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOptionKey, "drain_mode"),
			errors.WithWrap(errors.New("unknown drain mode "+s)),
		)
	}
}

// ClosePolicy
// what Close does while the file still has requests in flight.
type ClosePolicy int

const (
	// CloseDefer submits the close once the last request of the file resolved.
	CloseDefer ClosePolicy = iota
	// CloseFail fails with ErrFileBusy.
	CloseFail
)

func (policy ClosePolicy) String() string {
	switch policy {
	case CloseDefer:
		return "defer"
	case CloseFail:
		return "fail"
	default:
		return "ClosePolicy(" + strconv.Itoa(int(policy)) + ")"
	}
}

func ParseClosePolicy(s string) (ClosePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "defer":
		return CloseDefer, nil
	case "fail":
		return CloseFail, nil
	default:
		return CloseDefer, errors.From(
			ErrInvalidConfig,
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOptionKey, "close_policy"),
			errors.WithWrap(errors.New("unknown close policy "+s)),
		)
	}
}

type Options struct {
	RingCapacity          uint32
	RingFlags             uint32
	MaxConcurrentRequests int
	BufferPoolSize        int
	BufferSize            int
	LockBuffers           bool
	DrainMode             DrainMode
	WaitTimeout           time.Duration
	AutoSubmit            bool
	ClosePolicy           ClosePolicy
	BackpressureTimeout   time.Duration
	CloseTimeout          time.Duration
	Logger                *slog.Logger
	ContinuationExecutors rxp.Executors
	FatalHandler          func(err error)
	DispatcherCPU         int
}

type Option func(options *Options) (err error)

func invalid(option string, value string) error {
	return errors.From(
		ErrInvalidConfig,
		errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
		errors.WithMeta(errMetaOptionKey, option),
		errors.WithMeta("value", value),
	)
}

// WithRingCapacity
// maximum in-flight submissions, rounded up to a power of two. Default 64.
func WithRingCapacity(capacity uint32) Option {
	return func(options *Options) (err error) {
		if capacity == 0 || capacity > ring.MaxCapacity {
			err = invalid("ring_capacity", strconv.FormatUint(uint64(capacity), 10))
			return
		}
		options.RingCapacity = capacity
		return
	}
}

// WithRingFlags
// io_uring_setup flags, such as IORING_SETUP_SQPOLL.
func WithRingFlags(flags uint32) Option {
	return func(options *Options) (err error) {
		options.RingFlags = flags
		return
	}
}

// WithMaxConcurrentRequests
// request slots. It must not exceed the ring capacity. Default is the ring capacity.
func WithMaxConcurrentRequests(n int) Option {
	return func(options *Options) (err error) {
		if n < 1 {
			err = invalid("max_concurrent_requests", strconv.Itoa(n))
			return
		}
		options.MaxConcurrentRequests = n
		return
	}
}

// WithBufferPoolSize
// number of pinned buffers. Default is the ring capacity.
func WithBufferPoolSize(n int) Option {
	return func(options *Options) (err error) {
		if n < 1 {
			err = invalid("buffer_pool_size", strconv.Itoa(n))
			return
		}
		options.BufferPoolSize = n
		return
	}
}

// WithBufferSize
// size of one pinned buffer, rounded up to the page size. Default 64 KiB.
func WithBufferSize(size int) Option {
	return func(options *Options) (err error) {
		if size < 1 {
			err = invalid("buffer_size", strconv.Itoa(size))
			return
		}
		options.BufferSize = size
		return
	}
}

// WithLockedBuffers
// mlock the buffer arena.
func WithLockedBuffers() Option {
	return func(options *Options) (err error) {
		options.LockBuffers = true
		return
	}
}

func WithDrainMode(mode DrainMode) Option {
	return func(options *Options) (err error) {
		if mode != Blocking && mode != Polling {
			err = invalid("drain_mode", mode.String())
			return
		}
		options.DrainMode = mode
		return
	}
}

// WithWaitTimeout
// how long one drain waits for completions. Negative waits without bound. Default 50ms.
func WithWaitTimeout(d time.Duration) Option {
	return func(options *Options) (err error) {
		options.WaitTimeout = d
		return
	}
}

// WithAutoSubmit
// enter the kernel on every submission. When disabled entries are submitted
// by Engine.Submit or before the next drain.
func WithAutoSubmit(auto bool) Option {
	return func(options *Options) (err error) {
		options.AutoSubmit = auto
		return
	}
}

func WithClosePolicy(policy ClosePolicy) Option {
	return func(options *Options) (err error) {
		if policy != CloseDefer && policy != CloseFail {
			err = invalid("close_policy", policy.String())
			return
		}
		options.ClosePolicy = policy
		return
	}
}

// WithBackpressureTimeout
// wait up to d for capacity instead of failing at once with a capacity error.
func WithBackpressureTimeout(d time.Duration) Option {
	return func(options *Options) (err error) {
		if d < 0 {
			err = invalid("backpressure_timeout", d.String())
			return
		}
		options.BackpressureTimeout = d
		return
	}
}

// WithCloseTimeout
// how long Engine.Close waits for in-flight requests. Default 5s.
func WithCloseTimeout(d time.Duration) Option {
	return func(options *Options) (err error) {
		if d < 1 {
			err = invalid("close_timeout", d.String())
			return
		}
		options.CloseTimeout = d
		return
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(options *Options) (err error) {
		options.Logger = logger
		return
	}
}

// WithContinuationExecutors
// run OnComplete continuations on exec instead of the dispatching goroutine.
func WithContinuationExecutors(exec rxp.Executors) Option {
	return func(options *Options) (err error) {
		options.ContinuationExecutors = exec
		return
	}
}

// WithFatalHandler
// called once with the error that halted completion dispatch. Default panics.
func WithFatalHandler(fn func(err error)) Option {
	return func(options *Options) (err error) {
		options.FatalHandler = fn
		return
	}
}

// WithDispatcherCPU
// pins the dispatcher thread to cpu in Blocking mode.
func WithDispatcherCPU(cpu int) Option {
	return func(options *Options) (err error) {
		if cpu < 0 {
			err = invalid("dispatcher_cpu", strconv.Itoa(cpu))
			return
		}
		options.DispatcherCPU = cpu
		return
	}
}

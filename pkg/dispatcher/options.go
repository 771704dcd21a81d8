package dispatcher

import (
	"log/slog"
	"time"
)

const (
	DefaultWaitTimeout = 50 * time.Millisecond
)

type Options struct {
	MaxEvents   int
	WaitTimeout time.Duration
	Logger      *slog.Logger
	OnFatal     func(err error)
	BeforeDrain func() error
	AfterDrain  func()
	// CPU the dispatcher thread is pinned to, negative for none.
	Affinity int
}

type Option func(*Options)

// WithMaxEvents
// completions taken per drain.
func WithMaxEvents(n int) Option {
	return func(options *Options) {
		options.MaxEvents = n
	}
}

// WithWaitTimeout
// how long one drain waits in the kernel. ring.Infinite waits until an event arrives.
func WithWaitTimeout(d time.Duration) Option {
	return func(options *Options) {
		options.WaitTimeout = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(options *Options) {
		options.Logger = logger
	}
}

// WithFatalHandler
// called once with the error that halted dispatch. The default panics.
func WithFatalHandler(fn func(err error)) Option {
	return func(options *Options) {
		options.OnFatal = fn
	}
}

// WithBeforeDrain
// runs before every drain, typically to submit pending entries.
func WithBeforeDrain(fn func() error) Option {
	return func(options *Options) {
		options.BeforeDrain = fn
	}
}

// WithAfterDrain
// runs after every drain once the batch is resolved and released.
func WithAfterDrain(fn func()) Option {
	return func(options *Options) {
		options.AfterDrain = fn
	}
}

// WithAffinity
// pins the thread of the dispatcher goroutine to cpu.
func WithAffinity(cpu int) Option {
	return func(options *Options) {
		options.Affinity = cpu
	}
}

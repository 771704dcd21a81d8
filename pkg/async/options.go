package async

import "context"

// Executor runs continuations.
type Executor interface {
	Execute(ctx context.Context, task func()) error
}

// Driver
// drains completions on behalf of a waiter when no dispatcher goroutine runs.
type Driver interface {
	// Drive blocks until done is closed, ctx ends or draining fails.
	Drive(ctx context.Context, done <-chan struct{}) error
	// TryDrive drains whatever is ready without blocking.
	TryDrive() error
}

type Options struct {
	Tag      uint64
	Driver   Driver
	Executor Executor
}

type Option func(*Options)

// WithTag
// tag of the request behind the future.
func WithTag(tag uint64) Option {
	return func(options *Options) {
		options.Tag = tag
	}
}

// WithDriver
// setup the driver used by Wait and Poll.
func WithDriver(driver Driver) Option {
	return func(options *Options) {
		options.Driver = driver
	}
}

// WithExecutor
// run continuations on executor instead of the resolving goroutine.
func WithExecutor(executor Executor) Option {
	return func(options *Options) {
		options.Executor = executor
	}
}

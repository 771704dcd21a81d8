package async

import "context"

// Promise
// resolving side of a Future. Only the first Complete, Succeed or Fail takes effect,
// the others report false.
type Promise[R any] interface {
	Complete(result R, err error) bool
	Succeed(result R) bool
	Fail(cause error) bool
	Future() Future[R]
}

// Future
// result of one submitted request.
type Future[R any] interface {
	// Wait blocks the calling goroutine until the result is ready or ctx ends.
	// An ended ctx yields ErrUncompleted, the request itself keeps running.
	Wait(ctx context.Context) (R, error)
	// Poll never blocks, ok reports whether the result is ready.
	Poll() (result R, err error, ok bool)
	// OnComplete registers a continuation, run at most once.
	OnComplete(handler ResultHandler[R])
	Done() <-chan struct{}
	Tag() uint64
}

type ResultHandler[R any] func(result R, err error)

type Void struct{}

func New[R any](options ...Option) Promise[R] {
	opts := Options{}
	for _, option := range options {
		option(&opts)
	}
	return &futureImpl[R]{
		done:     make(chan struct{}),
		tag:      opts.Tag,
		driver:   opts.Driver,
		executor: opts.Executor,
	}
}

func SucceedFuture[R any](result R) Future[R] {
	p := New[R]()
	p.Succeed(result)
	return p.Future()
}

func FailedFuture[R any](cause error) Future[R] {
	p := New[R]()
	p.Fail(cause)
	return p.Future()
}

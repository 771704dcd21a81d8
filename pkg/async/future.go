package async

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/brickingsoft/errors"
)

const (
	statusPending uint32 = iota
	statusResolving
	statusResolved
)

type futureImpl[R any] struct {
	status   atomic.Uint32
	done     chan struct{}
	result   R
	cause    error
	mu       sync.Mutex
	handlers []ResultHandler[R]
	tag      uint64
	driver   Driver
	executor Executor
}

func (f *futureImpl[R]) Complete(result R, err error) bool {
	if !f.status.CompareAndSwap(statusPending, statusResolving) {
		return false
	}
	f.result = result
	f.cause = err
	f.status.Store(statusResolved)
	close(f.done)

	f.mu.Lock()
	handlers := f.handlers
	f.handlers = nil
	f.mu.Unlock()
	for _, handler := range handlers {
		f.run(handler)
	}
	return true
}

func (f *futureImpl[R]) Succeed(result R) bool {
	return f.Complete(result, nil)
}

func (f *futureImpl[R]) Fail(cause error) bool {
	var zero R
	return f.Complete(zero, cause)
}

func (f *futureImpl[R]) Future() Future[R] {
	return f
}

func (f *futureImpl[R]) Tag() uint64 {
	return f.tag
}

func (f *futureImpl[R]) Done() <-chan struct{} {
	return f.done
}

func (f *futureImpl[R]) OnComplete(handler ResultHandler[R]) {
	if handler == nil {
		return
	}
	f.mu.Lock()
	if f.status.Load() != statusResolved {
		f.handlers = append(f.handlers, handler)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.run(handler)
}

func (f *futureImpl[R]) run(handler ResultHandler[R]) {
	result, cause := f.result, f.cause
	if f.executor != nil {
		if err := f.executor.Execute(context.Background(), func() { handler(result, cause) }); err == nil {
			return
		}
	}
	handler(result, cause)
}

func (f *futureImpl[R]) Poll() (result R, err error, ok bool) {
	if f.status.Load() != statusResolved && f.driver != nil {
		_ = f.driver.TryDrive()
	}
	if f.status.Load() != statusResolved {
		return
	}
	return f.result, f.cause, true
}

func (f *futureImpl[R]) Wait(ctx context.Context) (result R, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if f.driver != nil && f.status.Load() != statusResolved {
		if driveErr := f.driver.Drive(ctx, f.done); driveErr != nil && f.status.Load() != statusResolved {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = errors.From(ErrUncompleted, errors.WithWrap(ctxErr))
				return
			}
			err = errors.From(ErrUncompleted, errors.WithWrap(driveErr))
			return
		}
	}
	select {
	case <-f.done:
		result, err = f.result, f.cause
	case <-ctx.Done():
		select {
		case <-f.done:
			result, err = f.result, f.cause
		default:
			err = errors.From(ErrUncompleted, errors.WithWrap(ctx.Err()))
		}
	}
	return
}

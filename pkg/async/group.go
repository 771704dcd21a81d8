package async

import (
	"errors"
	"sync/atomic"
)

// Join
// resolves once every member resolved. Results keep the order of futures, a
// failed member leaves the zero value in its place and its error joins the cause.
func Join[R any](futures []Future[R], options ...Option) Future[[]R] {
	promise := New[[]R](options...)
	if len(futures) == 0 {
		promise.Succeed(make([]R, 0))
		return promise.Future()
	}
	group := &group[R]{
		promise: promise,
		results: make([]R, len(futures)),
		errs:    make([]error, len(futures)),
	}
	group.remain.Store(int64(len(futures)))
	for i, member := range futures {
		member.OnComplete(group.member(i))
	}
	return promise.Future()
}

type group[R any] struct {
	promise Promise[[]R]
	results []R
	errs    []error
	remain  atomic.Int64
}

func (g *group[R]) member(i int) ResultHandler[R] {
	return func(result R, err error) {
		g.results[i] = result
		g.errs[i] = err
		if g.remain.Add(-1) == 0 {
			g.promise.Complete(g.results, errors.Join(g.errs...))
		}
	}
}

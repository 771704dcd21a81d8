//go:build linux

package asyncfs

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/brickingsoft/rxp"
)

var (
	executors     rxp.Executors = nil
	executorsOnce sync.Once
)

// Startup
// creates the shared executors used for continuations and parallel file work.
// Call it before the first Executors call, later calls have no effect on engines already built.
func Startup(options ...rxp.Option) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch e := r.(type) {
			case error:
				err = e
			case string:
				err = errors.New(e)
			default:
				err = fmt.Errorf("%+v", r)
			}
		}
	}()
	exec, err := rxp.New(options...)
	if err != nil {
		return
	}
	executors = exec
	return
}

// Shutdown
// closes the shared executors once every submitted task returned.
func Shutdown() error {
	exec := Executors()
	runtime.SetFinalizer(exec, nil)
	return exec.Close()
}

func Executors() rxp.Executors {
	executorsOnce.Do(func() {
		if executors == nil {
			exec, err := rxp.New()
			if err != nil {
				panic(err)
			}
			executors = exec
			runtime.SetFinalizer(executors, rxp.Executors.Close)
		}
	})
	return executors
}

// TaskFunc
// a plain function run as an rxp.Task.
type TaskFunc func(ctx context.Context)

func (fn TaskFunc) Handle(ctx context.Context) {
	fn(ctx)
}

// continuations adapts rxp.Executors to the future executor.
type continuations struct {
	exec rxp.Executors
}

func (c continuations) Execute(ctx context.Context, task func()) error {
	return c.exec.Execute(ctx, TaskFunc(func(context.Context) {
		task()
	}))
}

package async_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brickingsoft/asyncfs/pkg/async"
)

func TestNew(t *testing.T) {
	wg := &sync.WaitGroup{}
	wg.Add(1)
	p := async.New[int](async.WithTag(7))
	p.Future().OnComplete(func(result int, err error) {
		t.Log("result:", result, "err:", err)
		if result != 1 {
			t.Error("expected 1, got", result)
		}
		wg.Done()
	})
	if !p.Succeed(1) {
		t.Error("first resolution must win")
	}
	wg.Wait()
	if p.Future().Tag() != 7 {
		t.Error("tag lost")
	}
}

func TestPromise_ExactlyOnce(t *testing.T) {
	p := async.New[int]()
	calls := atomic.Int32{}
	p.Future().OnComplete(func(int, error) {
		calls.Add(1)
	})
	wins := atomic.Int32{}
	wg := new(sync.WaitGroup)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if p.Succeed(i) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Error("expected exactly one resolution, got", wins.Load())
	}
	if calls.Load() != 1 {
		t.Error("expected exactly one continuation call, got", calls.Load())
	}
	if p.Fail(errors.New("late")) {
		t.Error("late failure must be refused")
	}
}

func TestFuture_OnCompleteAfterResolve(t *testing.T) {
	f := async.FailedFuture[int](errors.New("failed"))
	called := false
	f.OnComplete(func(result int, err error) {
		called = err != nil
	})
	if !called {
		t.Error("continuation on a resolved future must run immediately")
	}
}

func TestFuture_Poll(t *testing.T) {
	p := async.New[string]()
	if _, _, ok := p.Future().Poll(); ok {
		t.Fatal("pending future must not be ready")
	}
	p.Succeed("ok")
	result, err, ok := p.Future().Poll()
	if !ok || err != nil || result != "ok" {
		t.Error("unexpected poll:", result, err, ok)
	}
}

func TestFuture_WaitTimeout(t *testing.T) {
	p := async.New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Future().Wait(ctx)
	if !async.IsUncompleted(err) {
		t.Fatal("expected uncompleted, got", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected the ctx error wrapped")
	}
	p.Succeed(3)
	n, err := p.Future().Wait(context.Background())
	if err != nil || n != 3 {
		t.Error("unexpected wait:", n, err)
	}
}

type countingDriver struct {
	drives atomic.Int32
	p      async.Promise[int]
}

func (d *countingDriver) Drive(ctx context.Context, done <-chan struct{}) error {
	d.drives.Add(1)
	d.p.Succeed(42)
	<-done
	return nil
}

func (d *countingDriver) TryDrive() error {
	d.drives.Add(1)
	return nil
}

func TestFuture_WaitDrives(t *testing.T) {
	driver := &countingDriver{}
	p := async.New[int](async.WithDriver(driver))
	driver.p = p
	n, err := p.Future().Wait(context.Background())
	if err != nil || n != 42 {
		t.Fatal("unexpected wait:", n, err)
	}
	if driver.drives.Load() != 1 {
		t.Error("expected one drive, got", driver.drives.Load())
	}
}

type inlineExecutor struct {
	executed atomic.Int32
}

func (exec *inlineExecutor) Execute(_ context.Context, task func()) error {
	exec.executed.Add(1)
	task()
	return nil
}

func TestFuture_Executor(t *testing.T) {
	exec := &inlineExecutor{}
	p := async.New[int](async.WithExecutor(exec))
	got := 0
	p.Future().OnComplete(func(result int, err error) {
		got = result
	})
	p.Succeed(5)
	if got != 5 || exec.executed.Load() != 1 {
		t.Error("continuation not run through executor")
	}
}

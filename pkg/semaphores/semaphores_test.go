package semaphores_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brickingsoft/asyncfs/pkg/semaphores"
)

func TestNew(t *testing.T) {
	if _, err := semaphores.New(0); err == nil {
		t.Error("expected invalid timeout")
	}
	sh, _ := semaphores.New(1 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	wg := new(sync.WaitGroup)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func(ctx context.Context, wg *sync.WaitGroup, sh *semaphores.Semaphores) {
			defer wg.Done()
			err := sh.Wait(ctx)
			t.Log("goroutine exit", err)
		}(ctx, wg, sh)
	}
	cancel()
	wg.Wait()
}

func TestSemaphores_Signal(t *testing.T) {
	sh, _ := semaphores.New(5 * time.Second)
	defer sh.Close()
	wg := new(sync.WaitGroup)
	errs := make(chan error, 3)
	ready := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ready <- struct{}{}
			errs <- sh.Wait(context.Background())
		}()
	}
	for i := 0; i < 3; i++ {
		<-ready
	}
	// give the waiters time to block
	time.Sleep(20 * time.Millisecond)
	sh.Signal()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Error("expected signal, got", err)
		}
	}
}

func TestSemaphores_Timeout(t *testing.T) {
	sh, _ := semaphores.New(10 * time.Millisecond)
	if err := sh.Wait(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected deadline exceeded, got", err)
	}
	_ = sh.Close()
	if err := sh.Wait(context.Background()); err == nil {
		t.Error("expected closed")
	}
}

//go:build linux

package asyncfs_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brickingsoft/asyncfs"
	"github.com/brickingsoft/rxp"
)

func TestOptions(t *testing.T) {
	opts := make([]asyncfs.Option, 0, 1)
	opts = append(opts, asyncfs.WithRingCapacity(100))
	opts = append(opts, asyncfs.WithMaxConcurrentRequests(64))
	opts = append(opts, asyncfs.WithBufferSize(8192))
	opts = append(opts, asyncfs.WithDrainMode(asyncfs.Polling))
	opts = append(opts, asyncfs.WithClosePolicy(asyncfs.CloseFail))
	opts = append(opts, asyncfs.WithBackpressureTimeout(time.Second))

	options := asyncfs.Options{}
	for _, opt := range opts {
		err := opt(&options)
		if err != nil {
			t.Fatal(err)
		}
	}
	t.Log(fmt.Sprintf("%+v", options))
	if options.RingCapacity != 100 || options.DrainMode != asyncfs.Polling || options.ClosePolicy != asyncfs.CloseFail {
		t.Error("options not applied")
	}

	invalid := []asyncfs.Option{
		asyncfs.WithMaxConcurrentRequests(0),
		asyncfs.WithBufferSize(-1),
		asyncfs.WithBackpressureTimeout(-time.Second),
		asyncfs.WithDrainMode(asyncfs.DrainMode(7)),
	}
	for i, opt := range invalid {
		if err := opt(&options); !asyncfs.IsInvalidConfig(err) {
			t.Error(i, "expected invalid config, got", err)
		}
	}
}

func TestParseDrainMode(t *testing.T) {
	for s, want := range map[string]asyncfs.DrainMode{"": asyncfs.Blocking, "blocking": asyncfs.Blocking, " Polling ": asyncfs.Polling} {
		got, err := asyncfs.ParseDrainMode(s)
		if err != nil || got != want {
			t.Errorf("%q: got %v %v", s, got, err)
		}
	}
	if _, err := asyncfs.ParseDrainMode("spin"); !asyncfs.IsInvalidConfig(err) {
		t.Error("expected invalid config, got", err)
	}
	if _, err := asyncfs.ParseClosePolicy("later"); !asyncfs.IsInvalidConfig(err) {
		t.Error("expected invalid config, got", err)
	}
	if policy, err := asyncfs.ParseClosePolicy("fail"); err != nil || policy != asyncfs.CloseFail {
		t.Error("unexpected policy:", policy, err)
	}
}

func TestWithContinuationExecutors(t *testing.T) {
	exec, err := rxp.New()
	if err != nil {
		t.Fatal(err)
	}
	defer exec.Close()
	engine := newEngine(t, asyncfs.WithContinuationExecutors(exec))
	ctx := testContext(t)

	wg := new(sync.WaitGroup)
	wg.Add(1)
	var size int64
	engine.Stat(".").OnComplete(func(info *asyncfs.FileInfo, err error) {
		defer wg.Done()
		if err != nil {
			t.Error(err)
			return
		}
		if !info.IsDir() {
			t.Error("expected a directory")
		}
		size = info.Size()
	})
	wg.Wait()
	t.Log("size:", size)
	if _, err := engine.Stat(".").Wait(ctx); err != nil {
		t.Error(err)
	}
}

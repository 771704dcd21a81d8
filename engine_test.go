//go:build linux

package asyncfs_test

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/brickingsoft/asyncfs"
	"github.com/brickingsoft/asyncfs/pkg/async"
	"golang.org/x/sys/unix"
)

func newEngine(t *testing.T, options ...asyncfs.Option) *asyncfs.Engine {
	t.Helper()
	engine, err := asyncfs.New(options...)
	if err != nil {
		if asyncfs.IsRingInit(err) {
			t.Skip("io_uring unavailable:", err)
		}
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if closeErr := engine.Close(); closeErr != nil {
			t.Error("close engine:", closeErr)
		}
	})
	return engine
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func openTemp(t *testing.T, engine *asyncfs.Engine, ctx context.Context, name string) *asyncfs.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := engine.Open(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644).Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestEngine_RoundTrip(t *testing.T) {
	modes := []asyncfs.DrainMode{asyncfs.Blocking, asyncfs.Polling}
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			engine := newEngine(t, asyncfs.WithDrainMode(mode))
			ctx := testContext(t)
			f := openTemp(t, engine, ctx, "round_trip")

			content := []byte("hello world")
			n, err := engine.Write(f, content, 0).Wait(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if n != len(content) {
				t.Fatal("expected", len(content), "written, got", n)
			}
			if _, err = engine.Fsync(f).Wait(ctx); err != nil {
				t.Fatal(err)
			}
			b, err := engine.Read(f, len(content), 0).Wait(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(b, content) {
				t.Errorf("expected %q, got %q", content, b)
			}
			if _, err = engine.CloseFile(f).Wait(ctx); err != nil {
				t.Fatal(err)
			}
			stats := engine.Stats()
			if stats.PoolInFlight != 0 || stats.BuffersAvailable != stats.Buffers {
				t.Error("resources not released:", stats)
			}
		})
	}
}

func TestEngine_TagsUnique(t *testing.T) {
	engine := newEngine(t)
	ctx := testContext(t)
	f := openTemp(t, engine, ctx, "tags")
	defer engine.CloseFile(f)

	futures := make([]async.Future[int], 0, 16)
	seen := make(map[uint64]bool)
	for i := 0; i < 16; i++ {
		future := engine.Write(f, []byte{byte(i)}, int64(i))
		if future.Tag() == 0 {
			t.Fatal("request issued without a tag")
		}
		if seen[future.Tag()] {
			t.Fatal("tag issued twice:", future.Tag())
		}
		seen[future.Tag()] = true
		futures = append(futures, future)
	}
	for _, future := range futures {
		if _, err := future.Wait(ctx); err != nil {
			t.Error(err)
		}
	}
}

func TestEngine_PoolExhausted(t *testing.T) {
	engine := newEngine(t,
		asyncfs.WithRingCapacity(32),
		asyncfs.WithMaxConcurrentRequests(16),
		asyncfs.WithDrainMode(asyncfs.Polling),
		asyncfs.WithAutoSubmit(false),
	)
	ctx := testContext(t)
	f := openTemp(t, engine, ctx, "exhausted")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []async.Future[int]
		refused  int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			future := engine.Write(f, []byte("x"), int64(i))
			mu.Lock()
			defer mu.Unlock()
			// refused submissions come back untagged and already failed
			if future.Tag() == 0 {
				if _, err := future.Wait(ctx); !asyncfs.IsPoolExhausted(err) {
					t.Error("expected pool exhausted, got", err)
				}
				refused++
				return
			}
			accepted = append(accepted, future)
		}(i)
	}
	wg.Wait()
	if len(accepted) != 16 || refused != 16 {
		t.Fatalf("expected 16 accepted and 16 refused, got %d/%d", len(accepted), refused)
	}
	if _, err := engine.Submit(); err != nil {
		t.Fatal(err)
	}
	for _, future := range accepted {
		if _, err := future.Wait(ctx); err != nil {
			t.Error(err)
		}
	}
	if _, err := engine.CloseFile(f).Wait(ctx); err != nil {
		t.Error(err)
	}
}

func TestEngine_RingFull(t *testing.T) {
	engine := newEngine(t,
		asyncfs.WithRingCapacity(16),
		asyncfs.WithDrainMode(asyncfs.Polling),
		asyncfs.WithAutoSubmit(false),
	)
	ctx := testContext(t)
	f := openTemp(t, engine, ctx, "ring_full")

	futures := make([]async.Future[int], 0, 32)
	for batch := 0; batch < 2; batch++ {
		for i := 0; i < 16; i++ {
			futures = append(futures, engine.Write(f, []byte("y"), int64(batch*16+i)))
		}
	}
	if _, err := engine.Submit(); err != nil {
		t.Fatal(err)
	}
	succeeded, full := 0, 0
	for _, future := range futures {
		_, err := future.Wait(ctx)
		switch {
		case err == nil:
			succeeded++
		case asyncfs.IsRingFull(err):
			full++
		default:
			t.Error(err)
		}
	}
	if succeeded != 16 || full != 16 {
		t.Errorf("expected 16 succeeded and 16 ring full, got %d/%d", succeeded, full)
	}
	if _, err := engine.CloseFile(f).Wait(ctx); err != nil {
		t.Error(err)
	}
}

func TestEngine_ShortRead(t *testing.T) {
	engine := newEngine(t)
	ctx := testContext(t)
	path := filepath.Join(t.TempDir(), "short")
	if err := os.WriteFile(path, bytes.Repeat([]byte{'s'}, 100), 0644); err != nil {
		t.Fatal(err)
	}
	f, err := engine.Open(path, os.O_RDONLY, 0).Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer engine.CloseFile(f)
	b, err := engine.Read(f, 4096, 0).Wait(ctx)
	if err != nil {
		t.Fatal("short read must not fail:", err)
	}
	if len(b) != 100 {
		t.Error("expected 100 bytes, got", len(b))
	}
	b, err = engine.Read(f, 4096, 100).Wait(ctx)
	if err != nil || len(b) != 0 {
		t.Error("expected end of file, got", len(b), err)
	}
}

func TestEngine_OpenMissing(t *testing.T) {
	engine := newEngine(t)
	ctx := testContext(t)
	path := filepath.Join(t.TempDir(), "missing")
	_, err := engine.Open(path, os.O_RDONLY, 0).Wait(ctx)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatal("expected not exist, got", err)
	}
	var pathErr *fs.PathError
	if !errors.As(err, &pathErr) || pathErr.Path != path {
		t.Error("expected a path error naming the file, got", err)
	}
}

func TestEngine_CloseDeferred(t *testing.T) {
	engine := newEngine(t,
		asyncfs.WithDrainMode(asyncfs.Polling),
		asyncfs.WithAutoSubmit(false),
	)
	ctx := testContext(t)
	f := openTemp(t, engine, ctx, "close_deferred")

	read := engine.Read(f, 16, 0)
	closing := engine.CloseFile(f)
	if !f.Closed() {
		t.Error("file must be closing")
	}
	if _, err := engine.Write(f, []byte("late"), 0).Wait(ctx); !asyncfs.IsClosed(err) {
		t.Error("expected file closed for a submission after close, got", err)
	}
	if _, err := read.Wait(ctx); err != nil {
		t.Fatal("in-flight read must complete, got", err)
	}
	if _, err := closing.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if engine.Stats().DeferredCloses != 0 {
		t.Error("deferred close left behind")
	}
	if _, err := engine.CloseFile(f).Wait(ctx); !asyncfs.IsClosed(err) {
		t.Error("expected file closed on second close, got", err)
	}
}

func TestEngine_CloseFail(t *testing.T) {
	engine := newEngine(t,
		asyncfs.WithDrainMode(asyncfs.Polling),
		asyncfs.WithAutoSubmit(false),
		asyncfs.WithClosePolicy(asyncfs.CloseFail),
	)
	ctx := testContext(t)
	f := openTemp(t, engine, ctx, "close_fail")

	read := engine.Read(f, 16, 0)
	if _, err := engine.CloseFile(f).Wait(ctx); !asyncfs.IsFileBusy(err) {
		t.Fatal("expected file busy, got", err)
	}
	if f.Closed() {
		t.Error("refused close must leave the file open")
	}
	if _, err := read.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.CloseFile(f).Wait(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestEngine_Cancel(t *testing.T) {
	engine := newEngine(t)
	ctx := testContext(t)
	fifo := filepath.Join(t.TempDir(), "fifo")
	if err := unix.Mkfifo(fifo, 0600); err != nil {
		t.Skip("mkfifo:", err)
	}
	// O_RDWR keeps open from blocking on a fifo
	f, err := engine.Open(fifo, os.O_RDWR, 0).Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	read := engine.Read(f, 16, -1)
	if _, _, ok := read.Poll(); ok {
		t.Fatal("read of an empty fifo must stay in flight")
	}
	if _, err = engine.Cancel(read.Tag()).Wait(ctx); err != nil {
		if !errors.Is(err, unix.EALREADY) {
			t.Fatal(err)
		}
		// already running in a worker, unblock it with a write
		t.Log("cancel raced the read:", err)
		if writeErr := os.WriteFile(fifo, []byte("x"), 0600); writeErr != nil {
			t.Fatal(writeErr)
		}
	} else if _, err = read.Wait(ctx); !asyncfs.IsCanceled(err) && !errors.Is(err, unix.EINTR) {
		t.Error("expected canceled, got", err)
	}
	if _, _, ok := read.Poll(); !ok {
		if _, err = read.Wait(ctx); err != nil {
			t.Error(err)
		}
	}
	if _, err = engine.CloseFile(f).Wait(ctx); err != nil {
		t.Error(err)
	}
	if _, err = engine.Cancel(read.Tag()).Wait(ctx); !errors.Is(err, unix.ENOENT) {
		t.Error("expected ENOENT for a finished request, got", err)
	}
}

func TestEngine_Backpressure(t *testing.T) {
	engine := newEngine(t,
		asyncfs.WithRingCapacity(4),
		asyncfs.WithBackpressureTimeout(5*time.Second),
	)
	ctx := testContext(t)
	path := filepath.Join(t.TempDir(), "backpressure")
	if err := os.WriteFile(path, []byte("b"), 0644); err != nil {
		t.Fatal(err)
	}
	wg := new(sync.WaitGroup)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := engine.Stat(path).Wait(ctx); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
}

func TestEngine_Closed(t *testing.T) {
	engine, err := asyncfs.New()
	if err != nil {
		if asyncfs.IsRingInit(err) {
			t.Skip("io_uring unavailable:", err)
		}
		t.Fatal(err)
	}
	if err = engine.Close(); err != nil {
		t.Fatal(err)
	}
	if err = engine.Close(); err != nil {
		t.Error("second close must be a no-op, got", err)
	}
	if _, err = engine.Stat(".").Wait(context.Background()); !asyncfs.IsClosed(err) {
		t.Error("expected engine closed, got", err)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := asyncfs.New(asyncfs.WithRingCapacity(16), asyncfs.WithMaxConcurrentRequests(32))
	if !asyncfs.IsInvalidConfig(err) {
		t.Error("expected invalid config, got", err)
	}
	_, err = asyncfs.New(asyncfs.WithRingCapacity(0))
	if !asyncfs.IsInvalidConfig(err) {
		t.Error("expected invalid config for a zero capacity, got", err)
	}
}

func TestPin(t *testing.T) {
	a, err := asyncfs.Pin()
	if err != nil {
		if asyncfs.IsRingInit(err) {
			t.Skip("io_uring unavailable:", err)
		}
		t.Fatal(err)
	}
	b, err := asyncfs.Pin()
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("expected the same engine")
	}
	if err = asyncfs.Unpin(); err != nil {
		t.Fatal(err)
	}
	if a.Closed() {
		t.Error("engine closed while still pinned")
	}
	if err = asyncfs.Unpin(); err != nil {
		t.Fatal(err)
	}
	if !a.Closed() {
		t.Error("last unpin must close the engine")
	}
}

func TestEngine_DispatcherCPU(t *testing.T) {
	engine := newEngine(t, asyncfs.WithDispatcherCPU(0))
	ctx := testContext(t)
	info, err := engine.Stat(t.TempDir()).Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !info.IsDir() {
		t.Error("expected a directory")
	}
}

func TestEngine_SlotReuse(t *testing.T) {
	engine := newEngine(t,
		asyncfs.WithRingCapacity(4),
		asyncfs.WithDrainMode(asyncfs.Polling),
	)
	ctx := testContext(t)
	path := filepath.Join(t.TempDir(), "reuse")
	f, err := engine.Open(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644).Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// every kernel slot is reused twice after the open and the statx
	for i := 0; i < 8; i++ {
		if _, err = engine.Write(f, []byte{byte('a' + i)}, int64(i)).Wait(ctx); err != nil {
			t.Fatalf("sequential write %d failed: %v", i, err)
		}
	}
	if _, err = engine.Stat(path).Wait(ctx); err != nil {
		t.Fatal(err)
	}
	for i := 8; i < 16; i++ {
		if _, err = engine.Write(f, []byte{byte('a' + i)}, int64(i)).Wait(ctx); err != nil {
			t.Fatalf("sequential write %d failed: %v", i, err)
		}
	}
	if _, err = engine.Fdatasync(f).Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err = engine.CloseFile(f).Wait(ctx); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "abcdefghijklmnop" {
		t.Errorf("unexpected content %q", b)
	}
}

func TestEngine_Fdatasync(t *testing.T) {
	engine := newEngine(t)
	ctx := testContext(t)
	f := openTemp(t, engine, ctx, "datasync")
	if _, err := engine.Write(f, []byte("durable"), 0).Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.Fdatasync(f).Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.CloseFile(f).Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.Fdatasync(f).Wait(ctx); !asyncfs.IsClosed(err) {
		t.Error("expected file closed, got", err)
	}
}

func TestEngine_ZeroLength(t *testing.T) {
	engine := newEngine(t)
	ctx := testContext(t)
	f := openTemp(t, engine, ctx, "zero")
	reading := engine.Read(f, 0, 0)
	if _, _, ok := reading.Poll(); !ok {
		t.Error("zero length read must resolve at once")
	}
	b, err := reading.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if b == nil || len(b) != 0 {
		t.Errorf("expected empty slice, got %v", b)
	}
	n, err := engine.Write(f, nil, 0).Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Error("expected 0 bytes written, got", n)
	}
	if f.InFlight() != 0 {
		t.Error("expected nothing in flight, got", f.InFlight())
	}
	if _, err = engine.CloseFile(f).Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err = engine.Read(f, 0, 0).Wait(ctx); !asyncfs.IsClosed(err) {
		t.Error("expected file closed, got", err)
	}
}

func TestEngine_SubmittedByWake(t *testing.T) {
	engine, err := asyncfs.New(
		asyncfs.WithWaitTimeout(-1),
		asyncfs.WithAutoSubmit(false),
		asyncfs.WithCloseTimeout(200*time.Millisecond),
	)
	if err != nil {
		if asyncfs.IsRingInit(err) {
			t.Skip("io_uring unavailable:", err)
		}
		t.Fatal(err)
	}
	ctx := testContext(t)
	path := filepath.Join(t.TempDir(), "wake")
	opening := engine.Open(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if _, err = engine.Submit(); err != nil {
		t.Fatal(err)
	}
	f, err := opening.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// the dispatcher now waits in the kernel without a timeout, only the wake
	// issued by Close carries the write in
	time.Sleep(20 * time.Millisecond)
	written := engine.Write(f, []byte("x"), 0)
	if stats := engine.Stats(); stats.Unsubmitted != 1 {
		t.Fatal("expected one unsubmitted entry, got", stats.Unsubmitted)
	}
	if err = engine.Close(); err != nil {
		t.Fatal(err)
	}
	if n, writeErr := written.Wait(ctx); writeErr != nil || n != 1 {
		t.Error("write carried by the wake failed:", n, writeErr)
	}
	if stats := engine.Stats(); stats.Unsubmitted != 0 || stats.RingPending != 0 {
		t.Error("entries left behind:", stats)
	}
	_ = unix.Close(f.Fd())
}

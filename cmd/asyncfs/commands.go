//go:build linux

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/brickingsoft/asyncfs"
	"github.com/brickingsoft/asyncfs/pkg/async"
	"github.com/dustin/go-humanize"
)

var errUsage = errors.New("wrong arguments")

type command func(ctx context.Context, engine *asyncfs.Engine, args []string) error

var commands = map[string]command{
	"cat":   cat,
	"put":   put,
	"cp":    cp,
	"mv":    mv,
	"rm":    rm,
	"stat":  stat,
	"sum":   sum,
	"bench": bench,
}

// parallel
// runs fn for 0..n-1 on the shared executors and joins the errors.
func parallel(ctx context.Context, n int, fn func(i int) error) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs = make([]error, 0, 1)
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}
	exec := asyncfs.Executors()
	for i := 0; i < n; i++ {
		wg.Add(1)
		if err := exec.Execute(ctx, asyncfs.TaskFunc(func(context.Context) {
			defer wg.Done()
			if err := fn(i); err != nil {
				record(err)
			}
		})); err != nil {
			wg.Done()
			record(err)
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}

func cat(ctx context.Context, engine *asyncfs.Engine, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	for _, path := range args {
		b, err := engine.ReadFile(ctx, path, 0)
		if err != nil {
			return err
		}
		if _, err = os.Stdout.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func put(ctx context.Context, engine *asyncfs.Engine, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	n, err := engine.WriteFile(ctx, args[0], data)
	if err != nil {
		return err
	}
	slog.Info("Written", "file", args[0], "size", humanize.Bytes(uint64(n)))
	return nil
}

func cp(ctx context.Context, engine *asyncfs.Engine, args []string) error {
	if len(args) < 2 {
		return errUsage
	}
	dst := args[len(args)-1]
	srcs := args[:len(args)-1]
	info, err := engine.Stat(dst).Wait(ctx)
	intoDir := err == nil && info.IsDir()
	if len(srcs) > 1 && !intoDir {
		return fmt.Errorf("target %s is not a directory", dst)
	}
	return parallel(ctx, len(srcs), func(i int) error {
		target := dst
		if intoDir {
			target = filepath.Join(dst, filepath.Base(srcs[i]))
		}
		start := time.Now()
		n, copyErr := engine.CopyFile(ctx, srcs[i], target, 0)
		if copyErr != nil {
			return copyErr
		}
		slog.Info("Copied", "src", srcs[i], "dst", target, "size", humanize.Bytes(uint64(n)), "elapsed", time.Since(start))
		return nil
	})
}

func mv(ctx context.Context, engine *asyncfs.Engine, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	_, err := engine.Rename(args[0], args[1]).Wait(ctx)
	return err
}

func rm(ctx context.Context, engine *asyncfs.Engine, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	futures := make([]async.Future[async.Void], 0, len(args))
	for _, path := range args {
		futures = append(futures, engine.Remove(path))
	}
	_, err := async.Join(futures, async.WithDriver(engine.Driver())).Wait(ctx)
	return err
}

func stat(ctx context.Context, engine *asyncfs.Engine, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	futures := make([]async.Future[*asyncfs.FileInfo], 0, len(args))
	for _, path := range args {
		futures = append(futures, engine.Stat(path))
	}
	infos, err := async.Join(futures, async.WithDriver(engine.Driver())).Wait(ctx)
	for i, info := range infos {
		if info == nil {
			continue
		}
		fmt.Printf("%s\n  size:     %s (%s bytes)\n  mode:     %s\n  modified: %s (%s)\n  accessed: %s\n",
			args[i],
			humanize.IBytes(uint64(info.Size())), humanize.Comma(info.Size()),
			info.Mode(),
			info.ModTime().Format(time.RFC3339), humanize.Time(info.ModTime()),
			info.AccessTime().Format(time.RFC3339),
		)
	}
	return err
}

func sum(ctx context.Context, engine *asyncfs.Engine, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	sums := make([][]byte, len(args))
	err := parallel(ctx, len(args), func(i int) (sumErr error) {
		sums[i], sumErr = engine.Checksum(ctx, args[i])
		return
	})
	for i, s := range sums {
		if s != nil {
			fmt.Printf("%s  %s\n", hex.EncodeToString(s), args[i])
		}
	}
	return err
}

// bench
// writes size bytes to path keeping depth writes in flight, reads them back the
// same way and reports the throughput of both.
func bench(ctx context.Context, engine *asyncfs.Engine, args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return errUsage
	}
	path := args[0]
	size := uint64(64 << 20)
	depth := 16
	if len(args) > 1 {
		n, err := humanize.ParseBytes(args[1])
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", args[1], err)
		}
		size = n
	}
	if len(args) > 2 {
		if _, err := fmt.Sscanf(args[2], "%d", &depth); err != nil || depth < 1 {
			return fmt.Errorf("invalid depth %q", args[2])
		}
	}

	f, err := engine.Open(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644).Wait(ctx)
	if err != nil {
		return err
	}
	block := engine.BufferSize()
	blocks := int((size + uint64(block) - 1) / uint64(block))
	payload := make([]byte, block)
	for i := range payload {
		payload[i] = byte(i)
	}

	start := time.Now()
	written := 0
	window := make([]async.Future[int], 0, depth)
	for i := 0; i < blocks; i++ {
		window = append(window, engine.Write(f, payload, int64(i)*int64(block)))
		if len(window) == depth || i == blocks-1 {
			for _, future := range window {
				n, writeErr := future.Wait(ctx)
				if writeErr != nil {
					_, _ = engine.CloseFile(f).Wait(context.WithoutCancel(ctx))
					return writeErr
				}
				written += n
			}
			window = window[:0]
		}
	}
	if _, err = engine.Fsync(f).Wait(ctx); err != nil {
		return err
	}
	report("write", written, blocks, time.Since(start))

	start = time.Now()
	read := 0
	readWindow := make([]async.Future[[]byte], 0, depth)
	for i := 0; i < blocks; i++ {
		readWindow = append(readWindow, engine.Read(f, block, int64(i)*int64(block)))
		if len(readWindow) == depth || i == blocks-1 {
			for _, future := range readWindow {
				b, readErr := future.Wait(ctx)
				if readErr != nil {
					_, _ = engine.CloseFile(f).Wait(context.WithoutCancel(ctx))
					return readErr
				}
				read += len(b)
			}
			readWindow = readWindow[:0]
		}
	}
	report("read", read, blocks, time.Since(start))

	if _, err = engine.CloseFile(f).Wait(ctx); err != nil {
		return err
	}
	_, err = engine.Remove(path).Wait(ctx)
	return err
}

func report(phase string, n int, ops int, elapsed time.Duration) {
	rate := float64(n) / elapsed.Seconds()
	slog.Info("Bench",
		"phase", phase,
		"bytes", humanize.IBytes(uint64(n)),
		"ops", humanize.Comma(int64(ops)),
		"elapsed", elapsed.Round(time.Millisecond),
		"throughput", humanize.IBytes(uint64(rate))+"/s",
	)
}

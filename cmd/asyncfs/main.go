//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/brickingsoft/asyncfs"
	"github.com/brickingsoft/rxp"
	"github.com/joho/godotenv"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found", "error", err)
	}

	conf, args, err := loadConfig(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		slog.Error("Failed to load config", "error", err)
		return 2
	}
	level, err := conf.logLevel()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		return 2
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if len(args) == 0 {
		_, _ = fmt.Fprintln(os.Stderr, "missing command, see asyncfs -h")
		return 2
	}
	cmd, ok := commands[args[0]]
	if !ok {
		_, _ = fmt.Fprintf(os.Stderr, "unknown command %q, see asyncfs -h\n", args[0])
		return 2
	}

	if err = asyncfs.Startup(rxp.WithMaxGoroutines(conf.Workers)); err != nil {
		slog.Error("Failed to start executors", "error", err)
		return 1
	}
	defer func() {
		if shutdownErr := asyncfs.Shutdown(); shutdownErr != nil {
			slog.Warn("Failed to stop executors", "error", shutdownErr)
		}
	}()

	opts, err := conf.Options(logger)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		return 2
	}
	asyncfs.Preset(opts...)
	engine, err := asyncfs.Pin()
	if err != nil {
		slog.Error("Failed to start engine", "error", err)
		return 1
	}
	defer func() {
		if unpinErr := asyncfs.Unpin(); unpinErr != nil {
			slog.Warn("Failed to close engine", "error", unpinErr)
		}
	}()
	slog.Debug("Engine ready",
		"kernel", engine.Kernel().String(),
		"drainMode", engine.DrainMode().String(),
		"bufferSize", engine.BufferSize(),
		"workers", conf.Workers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = cmd(ctx, engine, args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			_, _ = fmt.Fprintf(os.Stderr, "%s: %v, see asyncfs -h\n", args[0], err)
			return 2
		}
		slog.Error("Command failed", "command", args[0], "error", err)
		return 1
	}
	return 0
}

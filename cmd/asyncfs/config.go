//go:build linux

package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brickingsoft/asyncfs"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Engine struct {
		RingCapacity          uint32        `yaml:"ring-capacity"`
		MaxConcurrentRequests int           `yaml:"max-concurrent-requests"`
		BufferPoolSize        int           `yaml:"buffer-pool-size"`
		BufferSize            string        `yaml:"buffer-size"` // "64 KiB"
		LockBuffers           bool          `yaml:"lock-buffers"`
		DrainMode             string        `yaml:"drain-mode"`
		WaitTimeout           time.Duration `yaml:"wait-timeout"`
		ClosePolicy           string        `yaml:"close-policy"`
		BackpressureTimeout   time.Duration `yaml:"backpressure-timeout"`
	} `yaml:"engine"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	// goroutines running files in parallel
	Workers int `yaml:"workers"`
}

func defaultConfig() *Config {
	conf := &Config{}
	conf.Engine.RingCapacity = asyncfs.DefaultRingCapacity
	conf.Engine.BufferSize = humanize.IBytes(asyncfs.DefaultBufferSize)
	conf.Engine.DrainMode = asyncfs.Blocking.String()
	conf.Engine.WaitTimeout = asyncfs.DefaultWaitTimeout
	conf.Engine.ClosePolicy = asyncfs.CloseDefer.String()
	conf.Engine.BackpressureTimeout = time.Second
	conf.Log.Level = "info"
	conf.Workers = 8
	return conf
}

// loadConfig
// defaults, then the YAML file, then ASYNCFS_* variables, then flags.
func loadConfig(args []string) (*Config, []string, error) {
	flags := flag.NewFlagSet("asyncfs", flag.ContinueOnError)
	fConfig := flags.String("config", "asyncfs.yaml", "path to config YAML file")
	fRing := flags.Uint("ring", 0, "ring capacity")
	fBuffer := flags.String("buffer", "", "buffer size, e.g. 128KiB")
	fMode := flags.String("mode", "", "drain mode: blocking or polling")
	fWorkers := flags.Int("workers", 0, "parallel files")
	fVerbose := flags.Bool("v", false, "debug logging")
	flags.Usage = usage(flags)
	if err := flags.Parse(args); err != nil {
		return nil, nil, err
	}

	conf := defaultConfig()
	b, err := os.ReadFile(*fConfig)
	switch {
	case err == nil:
		if err = yaml.Unmarshal(b, conf); err != nil {
			return nil, nil, fmt.Errorf("parsing YAML: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !flagSet(flags, "config"):
		// no config file is fine unless one was asked for
	default:
		return nil, nil, fmt.Errorf("reading config file: %w", err)
	}

	if err = applyEnv(conf); err != nil {
		return nil, nil, err
	}

	// Apply CLI overrides if necessary.
	if *fRing != 0 {
		conf.Engine.RingCapacity = uint32(*fRing)
	}
	if *fBuffer != "" {
		conf.Engine.BufferSize = *fBuffer
	}
	if *fMode != "" {
		conf.Engine.DrainMode = *fMode
	}
	if *fWorkers != 0 {
		conf.Workers = *fWorkers
	}
	if *fVerbose {
		conf.Log.Level = "debug"
	}

	if conf.Workers < 1 {
		return nil, nil, errors.New("workers must be > 0")
	}
	return conf, flags.Args(), nil
}

func flagSet(flags *flag.FlagSet, name string) (set bool) {
	flags.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return
}

func applyEnv(conf *Config) error {
	if v, ok := os.LookupEnv("ASYNCFS_RING_CAPACITY"); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("ASYNCFS_RING_CAPACITY: %w", err)
		}
		conf.Engine.RingCapacity = uint32(n)
	}
	if v, ok := os.LookupEnv("ASYNCFS_MAX_CONCURRENT_REQUESTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ASYNCFS_MAX_CONCURRENT_REQUESTS: %w", err)
		}
		conf.Engine.MaxConcurrentRequests = n
	}
	if v, ok := os.LookupEnv("ASYNCFS_BUFFER_SIZE"); ok {
		conf.Engine.BufferSize = v
	}
	if v, ok := os.LookupEnv("ASYNCFS_DRAIN_MODE"); ok {
		conf.Engine.DrainMode = v
	}
	if v, ok := os.LookupEnv("ASYNCFS_CLOSE_POLICY"); ok {
		conf.Engine.ClosePolicy = v
	}
	if v, ok := os.LookupEnv("ASYNCFS_LOG_LEVEL"); ok {
		conf.Log.Level = v
	}
	if v, ok := os.LookupEnv("ASYNCFS_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ASYNCFS_WORKERS: %w", err)
		}
		conf.Workers = n
	}
	return nil
}

func (conf *Config) logLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(conf.Log.Level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log.level %q: %w", conf.Log.Level, err)
	}
	return level, nil
}

// Options
// engine options described by the config.
func (conf *Config) Options(logger *slog.Logger) ([]asyncfs.Option, error) {
	bufferSize, err := humanize.ParseBytes(conf.Engine.BufferSize)
	if err != nil {
		return nil, fmt.Errorf("invalid engine.buffer-size %q: %w", conf.Engine.BufferSize, err)
	}
	mode, err := asyncfs.ParseDrainMode(conf.Engine.DrainMode)
	if err != nil {
		return nil, err
	}
	policy, err := asyncfs.ParseClosePolicy(conf.Engine.ClosePolicy)
	if err != nil {
		return nil, err
	}
	opts := []asyncfs.Option{
		asyncfs.WithRingCapacity(conf.Engine.RingCapacity),
		asyncfs.WithBufferSize(int(bufferSize)),
		asyncfs.WithDrainMode(mode),
		asyncfs.WithWaitTimeout(conf.Engine.WaitTimeout),
		asyncfs.WithClosePolicy(policy),
		asyncfs.WithBackpressureTimeout(conf.Engine.BackpressureTimeout),
		asyncfs.WithLogger(logger),
	}
	if n := conf.Engine.MaxConcurrentRequests; n > 0 {
		opts = append(opts, asyncfs.WithMaxConcurrentRequests(n))
	}
	if n := conf.Engine.BufferPoolSize; n > 0 {
		opts = append(opts, asyncfs.WithBufferPoolSize(n))
	}
	if conf.Engine.LockBuffers {
		opts = append(opts, asyncfs.WithLockedBuffers())
	}
	return opts, nil
}

func usage(flags *flag.FlagSet) func() {
	return func() {
		out := flags.Output()
		_, _ = fmt.Fprintln(out, "usage: asyncfs [flags] <command> [args]")
		_, _ = fmt.Fprintln(out, "")
		_, _ = fmt.Fprintln(out, "commands:")
		_, _ = fmt.Fprintln(out, "  cat <file>...            print files")
		_, _ = fmt.Fprintln(out, "  put <file>               write stdin to file")
		_, _ = fmt.Fprintln(out, "  cp <src> <dst>           copy a file")
		_, _ = fmt.Fprintln(out, "  cp <src>... <dir>        copy files into dir, in parallel")
		_, _ = fmt.Fprintln(out, "  mv <old> <new>           rename")
		_, _ = fmt.Fprintln(out, "  rm <file>...             remove files")
		_, _ = fmt.Fprintln(out, "  stat <file>...           describe files")
		_, _ = fmt.Fprintln(out, "  sum <file>...            BLAKE2b-256 of files, in parallel")
		_, _ = fmt.Fprintln(out, "  bench <file> [size] [depth]")
		_, _ = fmt.Fprintln(out, "")
		_, _ = fmt.Fprintln(out, "flags:")
		flags.PrintDefaults()
	}
}

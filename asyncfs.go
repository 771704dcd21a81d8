//go:build linux

// Package asyncfs
// non-blocking file I/O over a shared io_uring ring.
//
// Operations return futures and never block the caller: the request is written to the
// submission ring, and its future resolves when the dispatcher drains the completion.
//
//	engine, err := asyncfs.New()
//	if err != nil {
//		return err
//	}
//	defer engine.Close()
//	f, err := engine.Open("data.bin", os.O_RDONLY, 0).Wait(ctx)
//	b, err := engine.Read(f, 4096, 0).Wait(ctx)
package asyncfs

import (
	"sync"

	"github.com/brickingsoft/asyncfs/pkg/reference"
)

var (
	defaultMu      sync.Mutex
	defaultEngine  *reference.Pointer[*Engine]
	defaultOptions []Option
)

// Preset
// options of the process wide engine, taking effect at its next creation.
func Preset(options ...Option) {
	defaultMu.Lock()
	defaultOptions = append(defaultOptions, options...)
	defaultMu.Unlock()
}

// Pin
// takes a reference to the process wide engine, creating it on first use.
// Every Pin must be paired with an Unpin.
func Pin() (*Engine, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultEngine != nil {
		if engine, ok := defaultEngine.Pin(); ok {
			return engine, nil
		}
	}
	engine, err := New(defaultOptions...)
	if err != nil {
		return nil, err
	}
	defaultEngine = reference.Make(engine)
	return engine, nil
}

// Unpin
// drops a reference taken by Pin. The last one closes the engine.
func Unpin() error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultEngine == nil {
		return nil
	}
	err := defaultEngine.Close()
	if defaultEngine.Closed() {
		defaultEngine = nil
	}
	return err
}

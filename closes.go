//go:build linux

package asyncfs

import (
	"log/slog"

	"github.com/brickingsoft/asyncfs/pkg/async"
)

type deferredClose struct {
	file    *File
	promise async.Promise[async.Void]
}

func (engine *Engine) deferClose(f *File, promise async.Promise[async.Void]) {
	engine.deferMu.Lock()
	engine.deferred.Add(&deferredClose{file: f, promise: promise})
	engine.deferMu.Unlock()
	if !engine.dispatcher.Running() {
		// the last request may have resolved already
		_ = engine.dispatcher.TryDrive()
	}
}

// flushDeferred
// submits the closes whose files went idle, in the order they were requested.
// Entries that still have requests in flight, or hit a full ring, wait for the next drain.
func (engine *Engine) flushDeferred() {
	engine.deferMu.Lock()
	defer engine.deferMu.Unlock()
	n := engine.deferred.Length()
	for i := 0; i < n; i++ {
		entry := engine.deferred.Remove().(*deferredClose)
		if !entry.file.idle() {
			engine.deferred.Add(entry)
			continue
		}
		promise := entry.promise
		err := engine.submitClose(entry.file, true, func(uint64) async.Promise[async.Void] {
			return promise
		})
		if err == nil {
			continue
		}
		if IsCapacity(err) {
			engine.deferred.Add(entry)
			continue
		}
		engine.logger.Warn("deferred close failed", slog.String("file", entry.file.name), slog.Any("error", err))
		entry.file.setState(fileOpen)
		promise.Fail(err)
	}
}

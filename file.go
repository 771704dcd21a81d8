//go:build linux

package asyncfs

import (
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"unsafe"

	"github.com/brickingsoft/asyncfs/pkg/async"
	"github.com/brickingsoft/asyncfs/pkg/requests"
	"github.com/brickingsoft/asyncfs/pkg/ring"
	"github.com/brickingsoft/errors"
	"golang.org/x/sys/unix"
)

type fileState int

const (
	fileOpen fileState = iota
	fileClosing
	fileClosed
)

// File
// descriptor opened through an engine. Its requests are counted so Close
// never races an in-flight read or write.
type File struct {
	engine   *Engine
	fd       int
	name     string
	mu       sync.Mutex
	inflight int
	state    fileState
}

func (f *File) Fd() int {
	return f.fd
}

func (f *File) Name() string {
	return f.name
}

// InFlight
// requests against the file not resolved yet.
func (f *File) InFlight() int {
	f.mu.Lock()
	n := f.inflight
	f.mu.Unlock()
	return n
}

func (f *File) Closed() bool {
	f.mu.Lock()
	closed := f.state != fileOpen
	f.mu.Unlock()
	return closed
}

func (f *File) acquire() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != fileOpen {
		return errors.From(
			ErrFileClosed,
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta("file", f.name),
		)
	}
	f.inflight++
	return nil
}

func (f *File) release() {
	f.mu.Lock()
	f.inflight--
	f.mu.Unlock()
}

func (f *File) idle() bool {
	f.mu.Lock()
	n := f.inflight
	f.mu.Unlock()
	return n == 0
}

func (f *File) setState(state fileState) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
}

func pathBytes(path string) (*byte, error) {
	p, err := unix.BytePtrFromString(path)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: path, Err: err}
	}
	return p, nil
}

// Open
// opens path relative to the working directory. O_CLOEXEC is always added.
func (engine *Engine) Open(path string, flags int, mode os.FileMode) async.Future[*File] {
	p, err := pathBytes(path)
	if err != nil {
		return async.FailedFuture[*File](err)
	}
	s := &submission{
		desc: ring.Descriptor{
			Op:    ring.OpOpen,
			Fd:    unix.AT_FDCWD,
			Addr:  uintptr(unsafe.Pointer(p)),
			Flags: uint32(flags | unix.O_CLOEXEC),
			Mode:  syscallMode(mode),
		},
		size: -1,
		keep: []any{p},
	}
	return submitFuture[*File](engine, s, func(_ *requests.Request, n int, err error) (*File, error) {
		if err != nil {
			return nil, &fs.PathError{Op: "open", Path: path, Err: err}
		}
		return &File{engine: engine, fd: n, name: path}, nil
	}, nil)
}

// syscallMode
// permission and special bits of mode as open(2) expects them.
func syscallMode(mode os.FileMode) uint32 {
	m := uint32(mode.Perm())
	if mode&os.ModeSetuid != 0 {
		m |= unix.S_ISUID
	}
	if mode&os.ModeSetgid != 0 {
		m |= unix.S_ISGID
	}
	if mode&os.ModeSticky != 0 {
		m |= unix.S_ISVTX
	}
	return m
}

// Read
// reads up to length bytes at offset. A negative offset reads at the file position.
// Fewer bytes than length is a short read, zero bytes is end of file.
// A zero length resolves at once without entering the kernel.
func (engine *Engine) Read(f *File, length int, offset int64) async.Future[[]byte] {
	if length < 0 {
		return async.FailedFuture[[]byte](ErrInvalidLength)
	}
	if err := f.acquire(); err != nil {
		return async.FailedFuture[[]byte](err)
	}
	if length == 0 {
		f.release()
		return async.SucceedFuture[[]byte]([]byte{})
	}
	s := &submission{
		desc: ring.Descriptor{
			Op:     ring.OpRead,
			Fd:     f.fd,
			Offset: position(offset),
		},
		size: length,
	}
	return submitFuture[[]byte](engine, s, func(req *requests.Request, n int, err error) ([]byte, error) {
		if err != nil {
			return nil, os.NewSyscallError("read", err)
		}
		b := make([]byte, n)
		copy(b, req.Buffer.Bytes()[:n])
		return b, nil
	}, f.release)
}

// Write
// writes b at offset and resolves with the bytes written, which may be fewer than len(b).
// A negative offset writes at the file position. An empty b resolves with 0 at once.
func (engine *Engine) Write(f *File, b []byte, offset int64) async.Future[int] {
	if err := f.acquire(); err != nil {
		return async.FailedFuture[int](err)
	}
	if len(b) == 0 {
		f.release()
		return async.SucceedFuture[int](0)
	}
	s := &submission{
		desc: ring.Descriptor{
			Op:     ring.OpWrite,
			Fd:     f.fd,
			Offset: position(offset),
		},
		size: len(b),
		fill: b,
	}
	return submitFuture[int](engine, s, func(_ *requests.Request, n int, err error) (int, error) {
		if err != nil {
			return 0, os.NewSyscallError("write", err)
		}
		return n, nil
	}, f.release)
}

func position(offset int64) uint64 {
	if offset < 0 {
		// -1: use and advance the file position
		return ^uint64(0)
	}
	return uint64(offset)
}

func (engine *Engine) Fsync(f *File) async.Future[async.Void] {
	return engine.fsync(f, 0, "fsync")
}

// Fdatasync
// like Fsync without flushing metadata not needed to read the data back.
func (engine *Engine) Fdatasync(f *File) async.Future[async.Void] {
	return engine.fsync(f, ring.FsyncDatasync, "fdatasync")
}

func (engine *Engine) fsync(f *File, flags uint32, op string) async.Future[async.Void] {
	if err := f.acquire(); err != nil {
		return async.FailedFuture[async.Void](err)
	}
	s := &submission{
		desc: ring.Descriptor{
			Op:    ring.OpFsync,
			Fd:    f.fd,
			Flags: flags,
		},
		size: -1,
	}
	return submitFuture[async.Void](engine, s, func(_ *requests.Request, _ int, err error) (async.Void, error) {
		if err != nil {
			return async.Void{}, os.NewSyscallError(op, err)
		}
		return async.Void{}, nil
	}, f.release)
}

// CloseFile
// closes the file. With requests still in flight the close is deferred until they
// resolved, or fails with ErrFileBusy under CloseFail. A second CloseFile fails with ErrFileClosed.
func (engine *Engine) CloseFile(f *File) async.Future[async.Void] {
	f.mu.Lock()
	if f.state != fileOpen {
		f.mu.Unlock()
		return async.FailedFuture[async.Void](errors.From(
			ErrFileClosed,
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta("file", f.name),
		))
	}
	if f.inflight > 0 {
		inflight := f.inflight
		if engine.options.ClosePolicy == CloseFail {
			f.mu.Unlock()
			return async.FailedFuture[async.Void](errors.From(
				ErrFileBusy,
				errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
				errors.WithMeta("file", f.name),
				errors.WithMeta(errMetaInFlightKey, strconv.Itoa(inflight)),
			))
		}
		f.state = fileClosing
		f.mu.Unlock()
		promise := async.New[async.Void](engine.promiseOptions(0)...)
		engine.deferClose(f, promise)
		engine.logger.Debug("close deferred", slog.String("file", f.name), slog.Int("inflight", inflight))
		return promise.Future()
	}
	f.state = fileClosing
	f.mu.Unlock()

	var promise async.Promise[async.Void]
	if err := engine.submitClose(f, false, func(tag uint64) async.Promise[async.Void] {
		promise = async.New[async.Void](engine.promiseOptions(tag)...)
		return promise
	}); err != nil {
		// the descriptor stays open, Close may be retried
		f.setState(fileOpen)
		return async.FailedFuture[async.Void](err)
	}
	return promise.Future()
}

// submitClose
// submits the close of f, target supplies the promise the completion resolves.
func (engine *Engine) submitClose(f *File, internal bool, target func(tag uint64) async.Promise[async.Void]) error {
	s := &submission{
		desc: ring.Descriptor{
			Op: ring.OpClose,
			Fd: f.fd,
		},
		size:     -1,
		internal: internal,
	}
	s.bind = func(req *requests.Request) requests.ResolveFunc {
		promise := target(req.Tag())
		return func(_ int, err error) bool {
			if err != nil {
				f.setState(fileClosed)
				return promise.Fail(os.NewSyscallError("close", err))
			}
			f.setState(fileClosed)
			return promise.Succeed(async.Void{})
		}
	}
	return engine.submit(s)
}

// Cancel
// asks the kernel to cancel the request behind tag. The cancel resolves on its own:
// nil when the request was found, ENOENT when it had already completed, EALREADY
// when it is past the point of cancellation. The canceled request still resolves,
// usually with ErrCanceled.
func (engine *Engine) Cancel(tag uint64) async.Future[async.Void] {
	s := &submission{
		desc: ring.Descriptor{
			Op:     ring.OpCancel,
			Target: tag,
		},
		size: -1,
	}
	return submitFuture[async.Void](engine, s, func(_ *requests.Request, _ int, err error) (async.Void, error) {
		if err != nil {
			return async.Void{}, os.NewSyscallError("cancel", err)
		}
		return async.Void{}, nil
	}, nil)
}

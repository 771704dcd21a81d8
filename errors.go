//go:build linux

package asyncfs

import (
	"syscall"

	"github.com/brickingsoft/asyncfs/pkg/arena"
	"github.com/brickingsoft/asyncfs/pkg/async"
	"github.com/brickingsoft/asyncfs/pkg/dispatcher"
	"github.com/brickingsoft/asyncfs/pkg/requests"
	"github.com/brickingsoft/asyncfs/pkg/ring"
	"github.com/brickingsoft/errors"
)

var (
	ErrClosed         = errors.Define("asyncfs: engine closed")
	ErrFileClosed     = errors.Define("asyncfs: file already closed")
	ErrFileBusy       = errors.Define("asyncfs: file has requests in flight")
	ErrInvalidConfig  = errors.Define("asyncfs: invalid config")
	ErrUnsupported    = errors.Define("asyncfs: operation not supported by this kernel")
	ErrInvalidLength  = errors.Define("asyncfs: invalid length")
	ErrRingInit       = ring.ErrRingInit
	ErrRingFull       = ring.ErrRingFull
	ErrPoolExhausted  = requests.ErrPoolExhausted
	ErrOutOfBuffers   = arena.ErrOutOfBuffers
	ErrBufferTooLarge = arena.ErrBufferTooLarge
	ErrCanceled       = dispatcher.ErrCanceled
	ErrUncompleted    = async.ErrUncompleted
)

const (
	errMetaPkgKey = "pkg"
	errMetaPkgVal = "asyncfs"
)

const (
	errMetaOpKey       = "op"
	errMetaOpNew       = "new"
	errMetaOpClose     = "close"
	errMetaOptionKey   = "option"
	errMetaKernelKey   = "kernel"
	errMetaInFlightKey = "inflight"
)

func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, ErrFileClosed)
}

func IsRingFull(err error) bool {
	return errors.Is(err, ErrRingFull)
}

func IsPoolExhausted(err error) bool {
	return errors.Is(err, ErrPoolExhausted)
}

func IsOutOfBuffers(err error) bool {
	return errors.Is(err, ErrOutOfBuffers)
}

// IsCapacity
// ring full, pool exhausted or out of buffers: back off and retry.
func IsCapacity(err error) bool {
	return IsRingFull(err) || IsPoolExhausted(err) || IsOutOfBuffers(err)
}

// IsTransient
// the kernel asked to try again.
func IsTransient(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.EINTR)
}

func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}

func IsUncompleted(err error) bool {
	return errors.Is(err, ErrUncompleted)
}

func IsRingInit(err error) bool {
	return errors.Is(err, ErrRingInit)
}

func IsFileBusy(err error) bool {
	return errors.Is(err, ErrFileBusy)
}

func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}

func IsInvalidConfig(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}

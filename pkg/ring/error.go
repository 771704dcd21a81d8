package ring

import "github.com/brickingsoft/errors"

var (
	ErrRingInit        = errors.Define("ring init failed")
	ErrRingFull        = errors.Define("ring full")
	ErrInFlight        = errors.Define("requests still in flight")
	ErrClosed          = errors.Define("ring closed")
	ErrConcurrentDrain = errors.Define("completions are drained by another caller")
	ErrUnsupportedOp   = errors.Define("unsupported operation")
	ErrCapacity        = errors.Define("unsupported ring capacity")
)

// EnterError
// a failed io_uring_enter during op. errno is wrapped as is, so errors.Is
// still matches it (EAGAIN, EBUSY).
func EnterError(op string, errno error) error {
	return errors.New(
		op+" failed",
		errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
		errors.WithMeta(errMetaOpKey, op),
		errors.WithMeta(errMetaSyscallKey, "io_uring_enter"),
		errors.WithWrap(errno),
	)
}

func IsRingFull(err error) bool {
	return errors.Is(err, ErrRingFull)
}

func IsRingInit(err error) bool {
	return errors.Is(err, ErrRingInit)
}

func IsInFlight(err error) bool {
	return errors.Is(err, ErrInFlight)
}

const (
	errMetaPkgKey = "pkg"
	errMetaPkgVal = "ring"
)

const (
	errMetaOpKey      = "op"
	errMetaOpOpen     = "open"
	errMetaOpSubmit   = "submit"
	errMetaOpWait     = "wait"
	errMetaOpClose    = "close"
	errMetaInFlight   = "inflight"
	errMetaCapacity   = "capacity"
	errMetaSyscallKey = "syscall"
)

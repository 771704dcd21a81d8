package arena

import "github.com/brickingsoft/errors"

var (
	ErrOutOfBuffers     = errors.Define("out of buffers")
	ErrBufferTooLarge   = errors.Define("buffer larger than arena slot")
	ErrBufferReferenced = errors.Define("buffer still referenced by an in-flight request")
	ErrBufferReleased   = errors.Define("buffer already released")
	ErrArenaBusy        = errors.Define("arena has outstanding buffers")
	ErrArenaClosed      = errors.Define("arena closed")
	ErrMisaligned       = errors.Define("buffer is not page aligned")
)

func IsOutOfBuffers(err error) bool {
	return errors.Is(err, ErrOutOfBuffers)
}

func IsBufferTooLarge(err error) bool {
	return errors.Is(err, ErrBufferTooLarge)
}

const (
	errMetaPkgKey = "pkg"
	errMetaPkgVal = "arena"
)

const (
	errMetaOpKey      = "op"
	errMetaOpNew      = "new"
	errMetaOpClose    = "close"
	errMetaOpRelease  = "release"
	errMetaSyscallKey = "syscall"
)

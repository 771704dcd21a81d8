package dispatcher

import (
	"fmt"

	"github.com/brickingsoft/asyncfs/pkg/requests"
	"github.com/brickingsoft/errors"
)

var (
	ErrCanceled         = errors.Define("operation canceled")
	ErrHalted           = errors.Define("completion dispatch halted")
	ErrDoubleResolution = errors.Define("request resolved twice")
)

func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}

func IsHalted(err error) bool {
	return errors.Is(err, ErrHalted)
}

// UnknownTagError
// a completion arrived for a tag the pool does not hold.
type UnknownTagError struct {
	Tag          uint64
	Res          int32
	PoolInFlight int
	RingInFlight int
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf(
		"completion with unknown tag %#x (res %d, pool in flight %d, ring in flight %d)",
		e.Tag, e.Res, e.PoolInFlight, e.RingInFlight,
	)
}

func (e *UnknownTagError) Unwrap() error {
	return requests.ErrUnknownTag
}

// HaltError
// the fatal error that stopped dispatch. It matches ErrHalted and keeps Cause
// reachable with its own type.
type HaltError struct {
	Tag   uint64
	Cause error
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("%s at tag %#x: %v", ErrHalted.Error(), e.Tag, e.Cause)
}

func (e *HaltError) Unwrap() []error {
	return []error{ErrHalted, e.Cause}
}

const (
	errMetaPkgKey = "pkg"
	errMetaPkgVal = "dispatcher"
)

const (
	errMetaOpKey      = "op"
	errMetaOpDispatch = "dispatch"
	errMetaTagKey     = "tag"
)

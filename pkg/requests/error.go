package requests

import "github.com/brickingsoft/errors"

var (
	ErrPoolExhausted     = errors.Define("request pool exhausted")
	ErrUnknownTag        = errors.Define("unknown request tag")
	ErrIllegalTransition = errors.Define("illegal request state transition")
)

func IsPoolExhausted(err error) bool {
	return errors.Is(err, ErrPoolExhausted)
}

func IsUnknownTag(err error) bool {
	return errors.Is(err, ErrUnknownTag)
}

const (
	errMetaPkgKey = "pkg"
	errMetaPkgVal = "requests"
)

const (
	errMetaOpKey     = "op"
	errMetaOpRelease = "release"
	errMetaOpDiscard = "discard"
	errMetaTagKey    = "tag"
	errMetaStateKey  = "state"
)

package async

import "github.com/brickingsoft/errors"

var (
	ErrUncompleted = errors.Define("uncompleted")
)

func IsUncompleted(err error) bool {
	return errors.Is(err, ErrUncompleted)
}

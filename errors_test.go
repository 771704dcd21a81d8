//go:build linux

package asyncfs_test

import (
	"errors"
	"testing"

	"github.com/brickingsoft/asyncfs"
	"github.com/brickingsoft/asyncfs/pkg/ring"
	"golang.org/x/sys/unix"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{ring.EnterError("submit", unix.EAGAIN), true},
		{ring.EnterError("submit", unix.EBUSY), true},
		{ring.EnterError("wait", unix.EINTR), true},
		{unix.EAGAIN, true},
		{ring.EnterError("submit", unix.EINVAL), false},
		{asyncfs.ErrRingFull, false},
		{errors.New("boom"), false},
		{nil, false},
	}
	for _, c := range cases {
		if got := asyncfs.IsTransient(c.err); got != c.want {
			t.Errorf("IsTransient(%v) = %v, expected %v", c.err, got, c.want)
		}
	}
}

//go:build linux

package kernel

import (
	"fmt"
	"strconv"

	"github.com/brickingsoft/asyncfs/pkg/ring"
)

type Version struct {
	Kernel int
	Major  int
	Minor  int
	Flavor string
}

func (v Version) String() string {
	return strconv.Itoa(v.Kernel) + "." + strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor) + v.Flavor
}

func Compare(a, b Version) int {
	if a.Kernel > b.Kernel {
		return 1
	} else if a.Kernel < b.Kernel {
		return -1
	}

	if a.Major > b.Major {
		return 1
	} else if a.Major < b.Major {
		return -1
	}

	if a.Minor > b.Minor {
		return 1
	} else if a.Minor < b.Minor {
		return -1
	}

	return 0
}

func Parse(release string) (v Version, err error) {
	var partial string
	parsed, _ := fmt.Sscanf(release, "%d.%d%s", &v.Kernel, &v.Major, &partial)
	if parsed < 2 {
		err = fmt.Errorf("cannot parse kernel version: %s", release)
		return
	}
	if parsed, _ = fmt.Sscanf(partial, ".%d%s", &v.Minor, &v.Flavor); parsed < 1 {
		v.Flavor = partial
	}
	return
}

// Minimum
// first kernel release supporting op through io_uring.
func Minimum(op ring.Op) Version {
	switch op {
	case ring.OpNop, ring.OpRead, ring.OpWrite, ring.OpFsync, ring.OpCancel:
		return Version{Kernel: 5, Major: 6}
	case ring.OpOpen, ring.OpClose, ring.OpStatx:
		return Version{Kernel: 5, Major: 6}
	case ring.OpUnlink, ring.OpRename:
		return Version{Kernel: 5, Major: 11}
	default:
		return Version{Kernel: 99}
	}
}

// Engine
// the release the engine requires: it waits with a timeout through
// IORING_ENTER_EXT_ARG, available since 5.11.
var Engine = Version{Kernel: 5, Major: 11}

// Supports
// reports whether a kernel of release v handles op.
func Supports(v Version, op ring.Op) bool {
	return Compare(v, Minimum(op)) >= 0
}

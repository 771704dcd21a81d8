//go:build linux

package ring

import (
	"math"

	"github.com/pawelgaczynski/giouring"
)

type Op uint8

const (
	OpNop Op = iota
	OpOpen
	OpRead
	OpWrite
	OpFsync
	OpClose
	OpStatx
	OpUnlink
	OpRename
	OpCancel
)

func (op Op) String() string {
	switch op {
	case OpNop:
		return "nop"
	case OpOpen:
		return "open"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFsync:
		return "fsync"
	case OpClose:
		return "close"
	case OpStatx:
		return "statx"
	case OpUnlink:
		return "unlink"
	case OpRename:
		return "rename"
	case OpCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// WakeTag
// reserved user data of the nop used to wake a blocked drainer.
const WakeTag uint64 = math.MaxUint64 - 1

// FsyncDatasync is IORING_FSYNC_DATASYNC.
const FsyncDatasync uint32 = 1

// Descriptor
// one submission entry. Addr, Addr2 must point at memory that stays
// valid and unmoved until the completion with Tag is drained.
type Descriptor struct {
	Op     Op
	Tag    uint64
	Fd     int
	Addr   uintptr
	Len    uint32
	Offset uint64
	Flags  uint32
	Mode   uint32
	Fd2    int
	Addr2  uintptr
	Target uint64
}

func (d *Descriptor) validate() error {
	if d.Op > OpCancel {
		return ErrUnsupportedOp
	}
	return nil
}

// prepare
// fills a reused kernel slot. The entry is cleared first, giouring's helpers leave
// rw_flags of the previous occupant in place.
func (d *Descriptor) prepare(sqe *giouring.SubmissionQueueEntry) {
	*sqe = giouring.SubmissionQueueEntry{}
	switch d.Op {
	case OpNop:
		sqe.PrepareNop()
	case OpRead:
		sqe.PrepareRead(d.Fd, d.Addr, d.Len, d.Offset)
	case OpWrite:
		sqe.PrepareWrite(d.Fd, d.Addr, d.Len, d.Offset)
	case OpFsync:
		sqe.PrepareFsync(d.Fd, 0)
		sqe.OpcodeFlags = d.Flags
	case OpClose:
		sqe.PrepareClose(d.Fd)
	case OpCancel:
		sqe.PrepareCancel64(d.Target, 0)
	case OpOpen:
		prepareRW(sqe, giouring.OpOpenat, d.Fd, d.Addr, d.Mode, 0)
		sqe.OpcodeFlags = d.Flags
	case OpStatx:
		prepareRW(sqe, giouring.OpStatx, d.Fd, d.Addr, d.Mode, uint64(d.Addr2))
		sqe.OpcodeFlags = d.Flags
	case OpUnlink:
		prepareRW(sqe, giouring.OpUnlinkat, d.Fd, d.Addr, 0, 0)
		sqe.OpcodeFlags = d.Flags
	case OpRename:
		prepareRW(sqe, giouring.OpRenameat, d.Fd, d.Addr, uint32(d.Fd2), uint64(d.Addr2))
		sqe.OpcodeFlags = d.Flags
	}
	sqe.UserData = d.Tag
}

// prepareRW
// path operations take the path address as is, giouring's path helpers
// point the kernel at the slice header.
func prepareRW(sqe *giouring.SubmissionQueueEntry, opcode uint8, fd int, addr uintptr, length uint32, offset uint64) {
	sqe.OpCode = opcode
	sqe.Fd = int32(fd)
	sqe.Addr = uint64(addr)
	sqe.Len = length
	sqe.Off = offset
}

// CompletionEvent
// copy of one CQE, the kernel slot is advanced before the event is handed out.
type CompletionEvent struct {
	Tag   uint64
	Res   int32
	Flags uint32
}

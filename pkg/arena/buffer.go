//go:build linux

package arena

import "unsafe"

// Buffer
// handle to one arena slot. Copying the handle does not copy memory.
type Buffer struct {
	arena      *Arena
	index      int
	generation uint32
	size       int
}

func (buf Buffer) Valid() bool {
	return buf.arena != nil
}

func (buf Buffer) Index() int {
	return buf.index
}

func (buf Buffer) Len() int {
	return buf.size
}

func (buf Buffer) Cap() int {
	if buf.arena == nil {
		return 0
	}
	return buf.arena.slotSize
}

// Bytes
// the first Len bytes of the slot, nil once the handle is stale.
func (buf Buffer) Bytes() []byte {
	if buf.arena == nil {
		return nil
	}
	return buf.arena.bytes(buf)
}

// Addr
// stable address handed to the kernel.
func (buf Buffer) Addr() uintptr {
	b := buf.Bytes()
	if cap(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

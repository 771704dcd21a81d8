//go:build linux

package asyncfs

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"
	"unsafe"

	"github.com/brickingsoft/asyncfs/pkg/async"
	"github.com/brickingsoft/asyncfs/pkg/requests"
	"github.com/brickingsoft/asyncfs/pkg/ring"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sys/unix"
)

var _ fs.FileInfo = (*FileInfo)(nil)

// FileInfo
// result of Stat, backed by statx(2).
type FileInfo struct {
	name       string
	size       int64
	mode       fs.FileMode
	modTime    time.Time
	accessTime time.Time
	sys        *unix.Statx_t
}

func (info *FileInfo) Name() string {
	return info.name
}

func (info *FileInfo) Size() int64 {
	return info.size
}

func (info *FileInfo) Mode() fs.FileMode {
	return info.mode
}

func (info *FileInfo) ModTime() time.Time {
	return info.modTime
}

func (info *FileInfo) AccessTime() time.Time {
	return info.accessTime
}

func (info *FileInfo) IsDir() bool {
	return info.mode.IsDir()
}

// Sys returns the *unix.Statx_t.
func (info *FileInfo) Sys() any {
	return info.sys
}

func newFileInfo(path string, st *unix.Statx_t) *FileInfo {
	return &FileInfo{
		name:       filepath.Base(path),
		size:       int64(st.Size),
		mode:       fileMode(uint32(st.Mode)),
		modTime:    time.Unix(st.Mtime.Sec, int64(st.Mtime.Nsec)),
		accessTime: time.Unix(st.Atime.Sec, int64(st.Atime.Nsec)),
		sys:        st,
	}
}

func fileMode(m uint32) fs.FileMode {
	mode := fs.FileMode(m & 0777)
	switch m & unix.S_IFMT {
	case unix.S_IFBLK:
		mode |= fs.ModeDevice
	case unix.S_IFCHR:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	case unix.S_IFDIR:
		mode |= fs.ModeDir
	case unix.S_IFIFO:
		mode |= fs.ModeNamedPipe
	case unix.S_IFLNK:
		mode |= fs.ModeSymlink
	case unix.S_IFSOCK:
		mode |= fs.ModeSocket
	}
	if m&unix.S_ISGID != 0 {
		mode |= fs.ModeSetgid
	}
	if m&unix.S_ISUID != 0 {
		mode |= fs.ModeSetuid
	}
	if m&unix.S_ISVTX != 0 {
		mode |= fs.ModeSticky
	}
	return mode
}

// Stat
// describes path, following symbolic links.
func (engine *Engine) Stat(path string) async.Future[*FileInfo] {
	return engine.stat(path, 0, "stat")
}

// Lstat
// describes path without following a final symbolic link.
func (engine *Engine) Lstat(path string) async.Future[*FileInfo] {
	return engine.stat(path, unix.AT_SYMLINK_NOFOLLOW, "lstat")
}

func (engine *Engine) stat(path string, flags uint32, op string) async.Future[*FileInfo] {
	p, err := pathBytes(path)
	if err != nil {
		return async.FailedFuture[*FileInfo](err)
	}
	st := new(unix.Statx_t)
	s := &submission{
		desc: ring.Descriptor{
			Op:    ring.OpStatx,
			Fd:    unix.AT_FDCWD,
			Addr:  uintptr(unsafe.Pointer(p)),
			Addr2: uintptr(unsafe.Pointer(st)),
			Mode:  unix.STATX_BASIC_STATS,
			Flags: flags,
		},
		size: -1,
		keep: []any{p, st},
	}
	return submitFuture[*FileInfo](engine, s, func(_ *requests.Request, _ int, err error) (*FileInfo, error) {
		if err != nil {
			return nil, &fs.PathError{Op: op, Path: path, Err: err}
		}
		return newFileInfo(path, st), nil
	}, nil)
}

// Remove
// unlinks the file at path. Directories are not removed.
func (engine *Engine) Remove(path string) async.Future[async.Void] {
	p, err := pathBytes(path)
	if err != nil {
		return async.FailedFuture[async.Void](err)
	}
	s := &submission{
		desc: ring.Descriptor{
			Op:   ring.OpUnlink,
			Fd:   unix.AT_FDCWD,
			Addr: uintptr(unsafe.Pointer(p)),
		},
		size: -1,
		keep: []any{p},
	}
	return submitFuture[async.Void](engine, s, func(_ *requests.Request, _ int, err error) (async.Void, error) {
		if err != nil {
			return async.Void{}, &fs.PathError{Op: "remove", Path: path, Err: err}
		}
		return async.Void{}, nil
	}, nil)
}

// Rename
// moves oldPath to newPath, replacing newPath if it exists.
func (engine *Engine) Rename(oldPath string, newPath string) async.Future[async.Void] {
	oldp, err := pathBytes(oldPath)
	if err != nil {
		return async.FailedFuture[async.Void](err)
	}
	newp, err := pathBytes(newPath)
	if err != nil {
		return async.FailedFuture[async.Void](err)
	}
	s := &submission{
		desc: ring.Descriptor{
			Op:    ring.OpRename,
			Fd:    unix.AT_FDCWD,
			Addr:  uintptr(unsafe.Pointer(oldp)),
			Fd2:   unix.AT_FDCWD,
			Addr2: uintptr(unsafe.Pointer(newp)),
		},
		size: -1,
		keep: []any{oldp, newp},
	}
	return submitFuture[async.Void](engine, s, func(_ *requests.Request, _ int, err error) (async.Void, error) {
		if err != nil {
			return async.Void{}, &os.LinkError{Op: "rename", Old: oldPath, New: newPath, Err: err}
		}
		return async.Void{}, nil
	}, nil)
}

func (engine *Engine) chunk(bufferSize int) int {
	if bufferSize < 1 || bufferSize > engine.buffers.SlotSize() {
		return engine.buffers.SlotSize()
	}
	return bufferSize
}

// closeQuietly
// closes f and waits for it even when ctx already ended.
func (engine *Engine) closeQuietly(ctx context.Context, f *File) {
	_, _ = engine.CloseFile(f).Wait(context.WithoutCancel(ctx))
}

// readAll
// reads f from offset 0 to end of file in chunks, handing each one to fn.
func (engine *Engine) readAll(ctx context.Context, f *File, chunk int, fn func(b []byte) error) (total int64, err error) {
	for {
		b, readErr := engine.Read(f, chunk, total).Wait(ctx)
		if readErr != nil {
			err = readErr
			return
		}
		if len(b) == 0 {
			return
		}
		if err = fn(b); err != nil {
			return
		}
		total += int64(len(b))
	}
}

// writeAll
// writes b at offset, resubmitting the rest after short writes.
func (engine *Engine) writeAll(ctx context.Context, f *File, b []byte, offset int64, chunk int) (written int, err error) {
	for written < len(b) {
		end := written + chunk
		if end > len(b) {
			end = len(b)
		}
		n, writeErr := engine.Write(f, b[written:end], offset+int64(written)).Wait(ctx)
		if writeErr != nil {
			err = writeErr
			return
		}
		if n == 0 {
			err = os.NewSyscallError("write", unix.EIO)
			return
		}
		written += n
	}
	return
}

// ReadFile
// reads the whole file at path, bufferSize bytes per request.
// bufferSize below one or above the engine buffer size means the engine buffer size.
func (engine *Engine) ReadFile(ctx context.Context, path string, bufferSize int) ([]byte, error) {
	f, err := engine.Open(path, os.O_RDONLY, 0).Wait(ctx)
	if err != nil {
		return nil, err
	}
	defer engine.closeQuietly(ctx, f)
	data := make([]byte, 0, engine.chunk(bufferSize))
	_, err = engine.readAll(ctx, f, engine.chunk(bufferSize), func(b []byte) error {
		data = append(data, b...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// WriteFile
// creates or truncates path with mode 0644 and writes data to it.
func (engine *Engine) WriteFile(ctx context.Context, path string, data []byte) (int, error) {
	f, err := engine.Open(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644).Wait(ctx)
	if err != nil {
		return 0, err
	}
	n, err := engine.writeAll(ctx, f, data, 0, engine.chunk(0))
	if err != nil {
		engine.closeQuietly(ctx, f)
		return n, err
	}
	if _, err = engine.CloseFile(f).Wait(ctx); err != nil {
		return n, err
	}
	return n, nil
}

// CopyFile
// copies src to dst, created or truncated with mode 0644, and returns the bytes copied.
func (engine *Engine) CopyFile(ctx context.Context, src string, dst string, bufferSize int) (int64, error) {
	in, err := engine.Open(src, os.O_RDONLY, 0).Wait(ctx)
	if err != nil {
		return 0, err
	}
	defer engine.closeQuietly(ctx, in)
	out, err := engine.Open(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644).Wait(ctx)
	if err != nil {
		return 0, err
	}
	chunk := engine.chunk(bufferSize)
	var offset int64
	copied, err := engine.readAll(ctx, in, chunk, func(b []byte) error {
		n, writeErr := engine.writeAll(ctx, out, b, offset, chunk)
		offset += int64(n)
		return writeErr
	})
	if err != nil {
		engine.closeQuietly(ctx, out)
		return copied, err
	}
	if _, err = engine.CloseFile(out).Wait(ctx); err != nil {
		return copied, err
	}
	return copied, nil
}

// Checksum
// BLAKE2b-256 digest of the file at path.
func (engine *Engine) Checksum(ctx context.Context, path string) ([]byte, error) {
	f, err := engine.Open(path, os.O_RDONLY, 0).Wait(ctx)
	if err != nil {
		return nil, err
	}
	defer engine.closeQuietly(ctx, f)
	h, _ := blake2b.New256(nil)
	if _, err = engine.readAll(ctx, f, engine.chunk(0), func(b []byte) error {
		_, writeErr := h.Write(b)
		return writeErr
	}); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

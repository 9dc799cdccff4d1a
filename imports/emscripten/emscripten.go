// Package emscripten contains the Go-defined functions a module built by
// Emscripten imports from its host: the WASI fd_write it prints with, the
// libc locks, heap resizing, large copies and the high word of i64 results.
//
// Host implements each of them over the api.Module calling it, so it works
// with any module whose imports have these shapes.
package emscripten

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/unwasm/unwasm/api"
)

// WASI errno values returned by FdWrite.
const (
	ErrnoSuccess = 0
	ErrnoBadf    = 8
	ErrnoFault   = 21
	ErrnoIO      = 29
)

// Host implements the "env" and "wasi_snapshot_preview1" imports of an
// Emscripten module. The zero value writes nothing and logs nothing.
//
// Host is safe for concurrent use by multiple modules, though each module
// calls it from one goroutine at a time.
type Host struct {
	// Stdout and Stderr receive the bytes written to file descriptors 1 and
	// 2. A nil writer discards them.
	Stdout, Stderr io.Writer
	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	mux      sync.Mutex
	locks    map[uint32]*sync.Mutex
	tempRet0 uint32
}

func (h *Host) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

// FdWrite implements WASI fd_write: it writes the iovsLen buffers described
// by the (offset, length) pairs at iovs to fd, and stores the count of bytes
// written at resultNwritten. It returns a WASI errno.
func (h *Host) FdWrite(_ context.Context, mod api.Module, fd, iovs, iovsLen, resultNwritten uint32) uint32 {
	var w io.Writer
	switch fd {
	case 1:
		w = h.Stdout
	case 2:
		w = h.Stderr
	default:
		return ErrnoBadf
	}
	if w == nil {
		w = io.Discard
	}

	mem := mod.Memory()
	var nwritten uint32
	for i := uint32(0); i < iovsLen; i++ {
		iov := iovs + i*8
		offset, ok := mem.ReadUint32Le(iov)
		if !ok {
			return ErrnoFault
		}
		l, ok := mem.ReadUint32Le(iov + 4)
		if !ok {
			return ErrnoFault
		}
		b, ok := mem.Read(offset, l)
		if !ok {
			return ErrnoFault
		}
		n, err := w.Write(b)
		nwritten += uint32(n)
		if err != nil {
			h.logger().Debug("fd_write failed", zap.Uint32("fd", fd), zap.Error(err))
			return ErrnoIO
		}
	}
	if !mem.WriteUint32Le(resultNwritten, nwritten) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

func (h *Host) lock(token uint32) *sync.Mutex {
	h.mux.Lock()
	defer h.mux.Unlock()
	if h.locks == nil {
		h.locks = map[uint32]*sync.Mutex{}
	}
	l, ok := h.locks[token]
	if !ok {
		l = &sync.Mutex{}
		h.locks[token] = l
	}
	return l
}

// Lock implements __lock. The token is the address of the lock in memory.
func (h *Host) Lock(_ context.Context, token uint32) {
	h.lock(token).Lock()
}

// Unlock implements __unlock.
func (h *Host) Unlock(_ context.Context, token uint32) {
	h.lock(token).Unlock()
}

// ResizeHeap implements emscripten_resize_heap: it grows memory to at least
// requestedSize bytes. It returns 1 on success and 0 when memory cannot grow
// that far, which the module reports as ENOMEM.
func (h *Host) ResizeHeap(_ context.Context, mod api.Module, requestedSize uint32) uint32 {
	mem := mod.Memory()
	size := uint64(mem.Size())
	if uint64(requestedSize) <= size {
		return 1
	}
	pages := (uint64(requestedSize) + pageSize - 1) / pageSize
	if _, ok := mem.Grow(uint32(pages - size/pageSize)); !ok {
		h.logger().Debug("heap resize refused", zap.String("module", mod.Name()),
			zap.Uint32("requested", requestedSize), zap.Uint64("size", size))
		return 0
	}
	return 1
}

const pageSize = 65536

// MemcpyBig implements emscripten_memcpy_big: it copies n bytes from src to
// dst and returns dst. Out of range copies are ignored, as the module checks
// its own bounds.
func (h *Host) MemcpyBig(_ context.Context, mod api.Module, dst, src, n uint32) uint32 {
	mem := mod.Memory()
	// Both ranges are clamped to the memory size, as copyWithin does.
	size := uint64(mem.Size())
	from, to := min(uint64(src), size), min(uint64(dst), size)
	count := min(uint64(n), size-from, size-to)
	if count == 0 {
		return dst
	}
	b, _ := mem.Read(uint32(from), uint32(count))
	// Read aliases memory, and the ranges may overlap.
	mem.Write(uint32(to), append([]byte(nil), b...))
	return dst
}

// SetTempRet0 implements setTempRet0, which holds the high word of an i64
// result returned through a legalized import or export.
func (h *Host) SetTempRet0(_ context.Context, v uint32) {
	h.mux.Lock()
	h.tempRet0 = v
	h.mux.Unlock()
}

// TempRet0 returns the value last passed to SetTempRet0.
func (h *Host) TempRet0() uint32 {
	h.mux.Lock()
	defer h.mux.Unlock()
	return h.tempRet0
}

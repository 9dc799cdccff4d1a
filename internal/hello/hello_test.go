package hello

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unwasm/unwasm/api"
	"github.com/unwasm/unwasm/internal/wasm"
)

// testHost is an in-memory implementation of Imports.
type testHost struct {
	stdout, stderr bytes.Buffer
	locks          map[uint32]int
	lockCalls      int
	tempRet0       uint32
	// maxWrite, when nonzero, limits the bytes accepted by one fd_write.
	maxWrite uint32
	// writeErrno, when nonzero, fails every fd_write.
	writeErrno  uint32
	resizeFails bool
	memcpyBig   int
}

func (h *testHost) FdWrite(_ context.Context, mod api.Module, fd, iovs, iovsLen, resultNwritten uint32) uint32 {
	if h.writeErrno != 0 {
		return h.writeErrno
	}
	var w *bytes.Buffer
	switch fd {
	case 1:
		w = &h.stdout
	case 2:
		w = &h.stderr
	default:
		return errnoBADF
	}
	mem := mod.Memory()
	var n uint32
	for i := uint32(0); i < iovsLen; i++ {
		base, _ := mem.ReadUint32Le(iovs + 8*i)
		l, _ := mem.ReadUint32Le(iovs + 8*i + 4)
		if h.maxWrite != 0 && n+l > h.maxWrite {
			l = h.maxWrite - n
		}
		b, ok := mem.Read(base, l)
		if !ok {
			return 21
		}
		w.Write(b)
		n += l
	}
	mem.WriteUint32Le(resultNwritten, n)
	return 0
}

func (h *testHost) Lock(_ context.Context, token uint32) {
	if h.locks == nil {
		h.locks = map[uint32]int{}
	}
	h.locks[token]++
	h.lockCalls++
}

func (h *testHost) Unlock(_ context.Context, token uint32) {
	h.locks[token]--
}

func (h *testHost) ResizeHeap(_ context.Context, mod api.Module, requestedSize uint32) uint32 {
	if h.resizeFails {
		return 0
	}
	mem := mod.Memory()
	pages := (uint64(requestedSize) + uint64(wasm.MemoryPageSize) - 1) / uint64(wasm.MemoryPageSize)
	if cur := uint64(mem.Size()) / uint64(wasm.MemoryPageSize); pages > cur {
		if _, ok := mem.Grow(uint32(pages - cur)); !ok {
			return 0
		}
	}
	return 1
}

func (h *testHost) MemcpyBig(_ context.Context, mod api.Module, dst, src, n uint32) uint32 {
	h.memcpyBig++
	mem := mod.Memory()
	b, _ := mem.Read(src, n)
	mem.Write(dst, append([]byte(nil), b...))
	return dst
}

func (h *testHost) SetTempRet0(_ context.Context, v uint32) {
	h.tempRet0 = v
}

type harness struct {
	t    *testing.T
	host *testHost
	m    *Module
}

func newHarness(t *testing.T, opts Options) *harness {
	h := &harness{t: t, host: &testHost{}}
	h.m = New(h.host, opts)
	require.NoError(t, h.m.Init())
	return h
}

// call calls the export name and returns its only result, if any.
func (h *harness) call(name string, params ...uint64) uint64 {
	f := h.m.ExportedFunction(name)
	require.NotNil(h.t, f, name)
	results, err := f.Call(testCtx, params...)
	require.NoError(h.t, err)
	if len(results) == 0 {
		return 0
	}
	return results[0]
}

// callErr calls the export name and returns its error.
func (h *harness) callErr(name string, params ...uint64) error {
	_, err := h.m.ExportedFunction(name).Call(testCtx, params...)
	return err
}

// cstring copies s with a NUL into a block from malloc.
func (h *harness) cstring(s string) uint32 {
	p := h.m.malloc(uint32(len(s)) + 1)
	require.NotZero(h.t, p)
	require.True(h.t, h.m.mem.WriteString(p, s))
	require.True(h.t, h.m.mem.WriteByte(p+uint32(len(s)), 0))
	return p
}

// wstring copies s as a NUL terminated wchar_t array into a block from malloc.
func (h *harness) wstring(s []rune) uint32 {
	p := h.m.malloc(4*uint32(len(s)) + 4)
	require.NotZero(h.t, p)
	for i, r := range append(s, 0) {
		require.True(h.t, h.m.mem.WriteUint32Le(p+4*uint32(i), uint32(r)))
	}
	return p
}

// Argument types of varargs besides the Go types with the same C layout.
type (
	ptr        uint32
	longDouble float64
	wideString []rune
)

// varargs lays out args the way the C calling convention passes variadic arguments and returns their address.
func (h *harness) varargs(args ...interface{}) uint32 {
	var buf []byte
	align := func(n int) {
		for len(buf)%n != 0 {
			buf = append(buf, 0)
		}
	}
	for _, a := range args {
		switch v := a.(type) {
		case int:
			align(4)
			buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(v)))
		case int32:
			align(4)
			buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
		case uint32:
			align(4)
			buf = binary.LittleEndian.AppendUint32(buf, v)
		case ptr:
			align(4)
			buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
		case string:
			align(4)
			buf = binary.LittleEndian.AppendUint32(buf, h.cstring(v))
		case wideString:
			align(4)
			buf = binary.LittleEndian.AppendUint32(buf, h.wstring(v))
		case int64:
			align(8)
			buf = binary.LittleEndian.AppendUint64(buf, uint64(v))
		case uint64:
			align(8)
			buf = binary.LittleEndian.AppendUint64(buf, v)
		case float64:
			align(8)
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
		case longDouble:
			align(16)
			lo, hi := float128(float64(v))
			buf = binary.LittleEndian.AppendUint64(buf, lo)
			buf = binary.LittleEndian.AppendUint64(buf, hi)
		default:
			h.t.Fatalf("unsupported vararg %T", a)
		}
	}
	p := h.m.malloc(uint32(len(buf)) + 16)
	require.NotZero(h.t, p)
	p = (p + 15) &^ 15
	require.True(h.t, h.m.mem.Write(p, buf))
	return p
}

// printf formats through the module's printf, flushes stdout and returns the result and the bytes written.
func (h *harness) printf(format string, args ...interface{}) (int32, string) {
	ret := h.m.printf(h.cstring(format), h.varargs(args...))
	h.m.fflush(0)
	out := h.host.stdout.String()
	h.host.stdout.Reset()
	return int32(ret), out
}

// float128 encodes a normal or zero float64 as IEEE binary128 words.
func float128(x float64) (lo, hi uint64) {
	bits := math.Float64bits(x)
	sign := bits >> 63
	exp := (bits >> 52) & 0x7ff
	mant := bits & (1<<52 - 1)
	if exp != 0 {
		exp = exp - 1023 + 16383
	}
	return mant << 60, sign<<63 | exp<<48 | mant>>4
}

var testCtx = context.Background()

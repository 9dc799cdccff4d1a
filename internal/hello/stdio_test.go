package hello

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFflush(t *testing.T) {
	h := newHarness(t, Options{})

	n := h.m.printf(h.cstring("no newline"), 0)
	require.Equal(t, uint32(10), n)
	require.Empty(t, h.host.stdout.String())

	require.Zero(t, h.call("fflush", 0))
	require.Equal(t, "no newline", h.host.stdout.String())
	require.Equal(t, 0, h.host.locks[addrOflLock])
	require.Equal(t, 1, h.host.lockCalls)

	// Nothing is left to write.
	require.Zero(t, h.call("fflush", uint64(h.m.Stdout())))
	require.Equal(t, "no newline", h.host.stdout.String())
}

func TestFflush_LineBuffering(t *testing.T) {
	h := newHarness(t, Options{})

	h.m.printf(h.cstring("one\ntwo"), 0)
	require.Equal(t, "one\n", h.host.stdout.String())

	h.m.printf(h.cstring(" three\nfour"), 0)
	require.Equal(t, "one\ntwo three\n", h.host.stdout.String())

	h.call("fflush", uint64(h.m.Stdout()))
	require.Equal(t, "one\ntwo three\nfour", h.host.stdout.String())
}

func TestStdioWrite_LargeOutput(t *testing.T) {
	h := newHarness(t, Options{})

	// Larger than the stdout buffer, so it bypasses it.
	s := strings.Repeat("x", 3000)
	n, out := h.printf("%s", s)
	require.Equal(t, int32(3000), n)
	require.Equal(t, s, out)

	// Width padding larger than the pad buffer.
	n, out = h.printf("%600d", 1)
	require.Equal(t, int32(600), n)
	require.Equal(t, strings.Repeat(" ", 599)+"1", out)
}

func TestStdioWrite_ShortWrites(t *testing.T) {
	h := newHarness(t, Options{})
	h.host.maxWrite = 3

	h.m.printf(h.cstring("buffered "), 0)
	h.call("sayHello")
	require.Equal(t, "buffered Hello, World!\n", h.host.stdout.String())
}

func TestStdioWrite_Error(t *testing.T) {
	h := newHarness(t, Options{})
	h.host.writeErrno = 29

	require.Equal(t, uint32(0xffffffff), h.m.printf(h.cstring("lost\n"), 0))
	require.Equal(t, uint32(29), h.m.Errno())
	require.Empty(t, h.host.stdout.String())
	require.NotZero(t, h.m.field(h.m.Stdout(), fileFlags)&flagErr)

	// The error does not stick once the host recovers.
	h.host.writeErrno = 0
	require.Equal(t, uint32(5), h.m.printf(h.cstring("back\n"), 0))
	require.Equal(t, "back\n", h.host.stdout.String())
}

func TestFflush_Error(t *testing.T) {
	h := newHarness(t, Options{})
	h.m.printf(h.cstring("pending"), 0)

	h.host.writeErrno = 29
	require.Equal(t, uint64(0xffffffff), h.call("fflush", uint64(h.m.Stdout())))
	require.Equal(t, uint32(29), h.m.Errno())
}

func TestMemcpy(t *testing.T) {
	h := newHarness(t, Options{})
	m := h.m

	src := h.cstring("copy me")
	dst := m.malloc(8)
	require.Equal(t, dst, m.memcpy(dst, src, 8))
	require.Equal(t, "copy me", m.mem.ReadCString(uint64(dst)))
	require.Zero(t, h.host.memcpyBig)

	big := m.malloc(16384)
	m.memset(big, 'z', 16384)
	bigDst := m.malloc(16384)
	m.memcpy(bigDst, big, 16384)
	require.Equal(t, 1, h.host.memcpyBig)
	b, ok := m.mem.Read(bigDst, 16384)
	require.True(t, ok)
	require.Equal(t, strings.Repeat("z", 16384), string(b))
}

func TestStrings(t *testing.T) {
	h := newHarness(t, Options{})
	m := h.m

	dst := m.malloc(32)
	require.Equal(t, dst, m.strcpy(dst, h.cstring("foo")))
	require.Equal(t, dst, m.strcat(dst, h.cstring("bar")))
	require.Equal(t, "foobar", m.mem.ReadCString(uint64(dst)))
	require.Equal(t, uint32(6), m.strlen(dst))
	require.Equal(t, dst+3, m.stpcpy(dst, h.cstring("baz")))
	require.Equal(t, "baz", m.mem.ReadCString(uint64(dst)))
}

func TestWcrtomb(t *testing.T) {
	h := newHarness(t, Options{})
	m := h.m
	s := m.malloc(8)

	require.Equal(t, uint32(1), m.wcrtomb(s, 'A'))
	require.Equal(t, uint32('A'), m.mem.I32Load8U(uint64(s)))

	// The C locale maps bytes 0x80-0xff to 0xdf80-0xdfff.
	require.Equal(t, uint32(1), m.wcrtomb(s, 0xdfc1))
	require.Equal(t, uint32(0xc1), m.mem.I32Load8U(uint64(s)))
	require.Equal(t, uint32(1), m.wcrtomb(s, 0xdf80))
	require.Equal(t, uint32(0x80), m.mem.I32Load8U(uint64(s)))

	require.Equal(t, uint32(0xffffffff), m.wcrtomb(s, 0xe9))
	require.Equal(t, uint32(errnoILSEQ), m.Errno())

	require.Equal(t, uint32(1), m.wcrtomb(0, 0xe9))
	require.Zero(t, m.wctomb(0, 'A'))
}

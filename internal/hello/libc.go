package hello

import (
	"unicode/utf8"
)

// errno values, in the WASI numbering the libc uses.
const (
	errnoBADF     = 8
	errnoILSEQ    = 25
	errnoINVAL    = 28
	errnoNOMEM    = 48
	errnoOVERFLOW = 61
)

// Errno returns the value of errno.
func (m *Module) Errno() uint32 {
	return m.mem.I32Load(addrErrno)
}

func (m *Module) setErrno(v uint32) {
	m.mem.I32Store(addrErrno, v)
}

func (m *Module) strlen(s uint32) uint32 {
	defer m.Enter("strlen")()
	return uint32(len(m.mem.ReadCString(uint64(s))))
}

// stpcpy copies the string at src, with its NUL, to dst and returns the address of the NUL written.
func (m *Module) stpcpy(dst, src uint32) uint32 {
	defer m.Enter("stpcpy")()
	n := uint32(len(m.mem.ReadCString(uint64(src))))
	m.mem.Copy(uint64(dst), uint64(src), n+1)
	return dst + n
}

func (m *Module) strcpy(dst, src uint32) uint32 {
	defer m.Enter("strcpy")()
	m.stpcpy(dst, src)
	return dst
}

func (m *Module) strcat(dst, src uint32) uint32 {
	defer m.Enter("strcat")()
	m.strcpy(dst+m.strlen(dst), src)
	return dst
}

// memcpy copies n bytes from src to dst. Large copies are delegated to the host.
func (m *Module) memcpy(dst, src, n uint32) uint32 {
	defer m.Enter("memcpy")()
	if n >= 8192 {
		m.imports.MemcpyBig(m.Context(), m, dst, src, n)
		return dst
	}
	m.mem.Copy(uint64(dst), uint64(src), n)
	return dst
}

func (m *Module) memset(dst uint32, c byte, n uint32) uint32 {
	defer m.Enter("memset")()
	m.mem.Fill(uint64(dst), c, n)
	return dst
}

// sbrk moves the break by increment, which wraps to move it down, and returns the previous break. When memory cannot
// be resized to cover the new break, it sets errno to ENOMEM and returns 0xffffffff.
func (m *Module) sbrk(increment uint32) uint32 {
	defer m.Enter("sbrk")()
	old := m.mem.I32Load(addrSbrk)
	brk := old + increment
	if uint64(brk) > uint64(m.mem.Size()) {
		if m.imports.ResizeHeap(m.Context(), m, brk) == 0 {
			m.setErrno(errnoNOMEM)
			return 0xffffffff
		}
	}
	m.mem.I32Store(addrSbrk, brk)
	return old
}

// sbrkInt adapts sbrk to dlmalloc.Sbrk.
func (m *Module) sbrkInt(increment int32) (uint32, bool) {
	prev := m.sbrk(uint32(increment))
	return prev, prev != 0xffffffff
}

// Break returns the current program break.
func (m *Module) Break() uint32 {
	return m.mem.I32Load(addrSbrk)
}

// lockFile locks f for the calling thread, and returns whether it must be unlocked. There is one thread, so this is
// always true.
func (m *Module) lockFile(f uint32) bool {
	defer m.Enter("__lockfile")()
	return true
}

func (m *Module) unlockFile(f uint32) {
	defer m.Enter("__unlockfile")()
}

// oflLock locks the list of open files and returns the address of its head.
func (m *Module) oflLock() uint32 {
	defer m.Enter("__ofl_lock")()
	m.imports.Lock(m.Context(), addrOflLock)
	return addrOflHead
}

func (m *Module) oflUnlock() {
	defer m.Enter("__ofl_unlock")()
	m.imports.Unlock(m.Context(), addrOflLock)
}

// cLocale reports whether LC_CTYPE of the current thread is the C locale, where multibyte characters are single
// bytes.
func (m *Module) cLocale() bool {
	locale := m.mem.I32Load(addrSelf + 188)
	return m.mem.I32Load(uint64(locale)) == 0
}

// wcrtomb writes the multibyte encoding of wc at s and returns its length, or sets errno to EILSEQ and returns
// 0xffffffff when wc has none. In the C locale, only ASCII and the byte range mapped to 0xdf80 are encodable.
func (m *Module) wcrtomb(s, wc uint32) uint32 {
	defer m.Enter("wcrtomb")()
	if s == 0 {
		return 1
	}
	if wc < 0x80 {
		m.mem.I32Store8(uint64(s), wc)
		return 1
	}
	if m.cLocale() {
		if wc-0xdf80 >= 0x80 {
			m.setErrno(errnoILSEQ)
			return 0xffffffff
		}
		m.mem.I32Store8(uint64(s), wc)
		return 1
	}
	r := rune(wc)
	if wc > utf8.MaxRune || (wc >= 0xd800 && wc < 0xe000) {
		m.setErrno(errnoILSEQ)
		return 0xffffffff
	}
	var buf [utf8.UTFMax]byte
	n := utf8.EncodeRune(buf[:], r)
	for i, b := range buf[:n] {
		m.mem.I32Store8(uint64(s)+uint64(i), uint32(b))
	}
	return uint32(n)
}

// wctomb is wcrtomb without a conversion state, which is 0 for a null s.
func (m *Module) wctomb(s, wc uint32) uint32 {
	defer m.Enter("wctomb")()
	if s == 0 {
		return 0
	}
	return m.wcrtomb(s, wc)
}

package hello

// Offsets of the fields of FILE.
const (
	fileFlags   = 0
	fileRpos    = 4
	fileRend    = 8
	fileClose   = 12
	fileWend    = 16
	fileWpos    = 20
	fileWbase   = 28
	fileWrite   = 36
	fileSeek    = 40
	fileBuf     = 44
	fileBufSize = 48
	fileNext    = 56
	fileFd      = 60
	fileMode    = 74
	fileLbf     = 75
	fileLock    = 76
)

// FILE flags.
const (
	flagNoWrite = 8
	flagErr     = 32
)

func (m *Module) field(f, off uint32) uint32 {
	return m.mem.I32Load(uint64(f + off))
}

func (m *Module) setField(f, off, v uint32) {
	m.mem.I32Store(uint64(f+off), v)
}

// Stdout returns the address of the stdout FILE.
func (m *Module) Stdout() uint32 {
	return m.mem.I32Load(addrStdoutPtr)
}

// stdioWrite is the write function of stdout: it writes the buffered bytes followed by len bytes at buf with one
// fd_write, retrying on short writes. It returns len, or what of it was written before an error.
func (m *Module) stdioWrite(f, buf, n uint32) uint32 {
	defer m.Enter("__stdio_write")()
	fp := m.push(32)
	defer m.pop(32)

	iov := fp + 16
	wbase := m.field(f, fileWbase)
	m.setField(iov, 0, wbase)
	m.setField(iov, 4, m.field(f, fileWpos)-wbase)
	m.setField(iov, 8, buf)
	m.setField(iov, 12, n)
	rem := m.field(iov, 4) + n
	iovcnt := uint32(2)
	nwritten := fp + 12

	for {
		var cnt uint32
		if m.wasiSyscallRet(m.imports.FdWrite(m.Context(), m, m.field(f, fileFd), iov, iovcnt, nwritten)) != 0 {
			cnt = 0xffffffff
		} else {
			cnt = m.mem.I32Load(uint64(nwritten))
		}

		if cnt == rem {
			b := m.field(f, fileBuf)
			m.setField(f, fileWend, b+m.field(f, fileBufSize))
			m.setField(f, fileWbase, b)
			m.setField(f, fileWpos, b)
			return n
		}
		if int32(cnt) < 0 {
			m.setField(f, fileWend, 0)
			m.setField(f, fileWbase, 0)
			m.setField(f, fileWpos, 0)
			m.setField(f, fileFlags, m.field(f, fileFlags)|flagErr)
			if iovcnt == 2 {
				return 0
			}
			return n - m.field(iov, 4)
		}
		rem -= cnt
		if first := m.field(iov, 4); cnt > first {
			cnt -= first
			iov += 8
			iovcnt--
		}
		m.setField(iov, 0, m.field(iov, 0)+cnt)
		m.setField(iov, 4, m.field(iov, 4)-cnt)
	}
}

// wasiSyscallRet converts a WASI errno into a libc result: 0 on success, else errno is set and the result is -1.
func (m *Module) wasiSyscallRet(errno uint32) uint32 {
	defer m.Enter("__wasi_syscall_ret")()
	if errno == 0 {
		return 0
	}
	m.setErrno(errno)
	return 0xffffffff
}

// stdioClose is the close function of stdout, which stays open.
func (m *Module) stdioClose(f uint32) uint32 {
	defer m.Enter("__stdio_close")()
	return 0
}

// stdioSeek is the seek function of stdout, which is not seekable but reports position 0.
func (m *Module) stdioSeek(f uint32, off uint64, whence uint32) uint64 {
	defer m.Enter("__stdio_seek")()
	return 0
}

// toWrite switches f to writing, returning 0xffffffff when f is not writable.
func (m *Module) toWrite(f uint32) uint32 {
	defer m.Enter("__towrite")()
	mode := m.mem.I32Load8U(uint64(f + fileMode))
	m.mem.I32Store8(uint64(f+fileMode), mode|(mode-1))
	flags := m.field(f, fileFlags)
	if flags&flagNoWrite != 0 {
		m.setField(f, fileFlags, flags|flagErr)
		return 0xffffffff
	}
	m.setField(f, fileRpos, 0)
	m.setField(f, fileRend, 0)
	b := m.field(f, fileBuf)
	m.setField(f, fileWbase, b)
	m.setField(f, fileWpos, b)
	m.setField(f, fileWend, b+m.field(f, fileBufSize))
	return 0
}

// fileWriteCall calls the write function of f.
func (m *Module) fileWriteCall(f, s, l uint32) uint32 {
	return uint32(m.callIndirect(typeWrite, m.field(f, fileWrite), uint64(f), uint64(s), uint64(l))[0])
}

// fwritex writes l bytes at s to f. Bytes are buffered, except that a line buffered f writes through its last
// newline. It returns the count of bytes accepted.
func (m *Module) fwritex(s, l, f uint32) uint32 {
	defer m.Enter("__fwritex")()
	if m.field(f, fileWend) == 0 && m.toWrite(f) != 0 {
		return 0
	}
	if l > m.field(f, fileWend)-m.field(f, fileWpos) {
		return m.fileWriteCall(f, s, l)
	}

	i := uint32(0)
	if int8(m.mem.I32Load8U(uint64(f+fileLbf))) >= 0 {
		for i = l; i > 0 && m.mem.I32Load8U(uint64(s+i-1)) != '\n'; i-- {
		}
		if i > 0 {
			if n := m.fileWriteCall(f, s, i); n < i {
				return n
			}
			s += i
			l -= i
		}
	}
	wpos := m.field(f, fileWpos)
	m.memcpy(wpos, s, l)
	m.setField(f, fileWpos, wpos+l)
	return l + i
}

// fflush writes the buffered bytes of f. When f is zero, it flushes stdout and every open file with buffered bytes.
func (m *Module) fflush(f uint32) uint32 {
	defer m.Enter("fflush")()
	if f == 0 {
		r := uint32(0)
		if used := m.mem.I32Load(addrStdoutUsed); used != 0 {
			r = m.fflush(used)
		}
		for f = m.mem.I32Load(uint64(m.oflLock())); f != 0; f = m.field(f, fileNext) {
			locked := int32(m.field(f, fileLock)) >= 0 && m.lockFile(f)
			if m.field(f, fileWpos) > m.field(f, fileWbase) {
				r |= m.fflushUnlocked(f)
			}
			if locked {
				m.unlockFile(f)
			}
		}
		m.oflUnlock()
		return r
	}

	if int32(m.field(f, fileLock)) < 0 {
		return m.fflushUnlocked(f)
	}
	locked := m.lockFile(f)
	r := m.fflushUnlocked(f)
	if locked {
		m.unlockFile(f)
	}
	return r
}

func (m *Module) fflushUnlocked(f uint32) uint32 {
	defer m.Enter("__fflush_unlocked")()
	if m.field(f, fileWpos) > m.field(f, fileWbase) {
		m.fileWriteCall(f, 0, 0)
		if m.field(f, fileWpos) == 0 {
			return 0xffffffff
		}
	}
	if rpos, rend := m.field(f, fileRpos), m.field(f, fileRend); rpos < rend {
		m.callIndirect(typeSeek, m.field(f, fileSeek), uint64(f), uint64(int64(int32(rpos-rend))), 1)
	}
	m.setField(f, fileWend, 0)
	m.setField(f, fileWpos, 0)
	m.setField(f, fileWbase, 0)
	m.setField(f, fileRpos, 0)
	m.setField(f, fileRend, 0)
	return 0
}

// printf formats fmt with the arguments at ap to stdout.
func (m *Module) printf(fmt, ap uint32) uint32 {
	defer m.Enter("printf")()
	fp := m.push(16)
	defer m.pop(16)
	m.mem.I32Store(uint64(fp+12), ap)
	return m.vfprintfStdout(fmt, m.mem.I32Load(uint64(fp+12)))
}

// vfprintfStdout is vfprintf with the stdout FILE and the table's formatter functions.
func (m *Module) vfprintfStdout(fmt, ap uint32) uint32 {
	defer m.Enter("vfprintf")()
	return m.vfprintf(m.Stdout(), fmt, ap, slotFmtFp, slotPopArg)
}

// vfprintf formats fmt with the arguments at ap to f. The arguments are scanned once, without writing, to resolve
// positional arguments. It returns the count of bytes written, or 0xffffffff on a format or write error.
func (m *Module) vfprintf(f, fmt, ap, fmtFp, popArg uint32) uint32 {
	defer m.Enter("__vfprintf_internal")()
	fp := m.push(208)
	defer m.pop(208)

	ap2 := fp + 200
	m.mem.I32Store(uint64(ap2), ap)
	nlType := fp + 160
	m.memset(nlType, 0, 40)
	nlArg := fp + 80
	internalBuf := fp

	p := &printer{m: m, ap: ap2, nlArg: nlArg, nlType: nlType, fmtFp: fmtFp, popArg: popArg}
	if int32(p.core(0, fmt)) < 0 {
		return 0xffffffff
	}

	locked := int32(m.field(f, fileLock)) >= 0 && m.lockFile(f)
	flags := m.field(f, fileFlags)
	oldErr := flags & flagErr
	if int8(m.mem.I32Load8U(uint64(f+fileMode))) < 1 {
		m.setField(f, fileFlags, flags&^flagErr)
	}

	var ret uint32
	if m.field(f, fileBufSize) == 0 {
		savedBuf := m.field(f, fileBuf)
		m.setField(f, fileBuf, internalBuf)
		m.setField(f, fileBufSize, 80)
		m.setField(f, fileWend, 0)
		m.setField(f, fileWbase, 0)
		m.setField(f, fileWpos, 0)
		if m.toWrite(f) != 0 {
			ret = 0xffffffff
		} else {
			ret = p.core(f, fmt)
		}
		m.fileWriteCall(f, 0, 0)
		if m.field(f, fileWpos) == 0 {
			ret = 0xffffffff
		}
		m.setField(f, fileBuf, savedBuf)
		m.setField(f, fileBufSize, 0)
		m.setField(f, fileWend, 0)
		m.setField(f, fileWbase, 0)
		m.setField(f, fileWpos, 0)
	} else if m.field(f, fileWend) == 0 && m.toWrite(f) != 0 {
		ret = 0xffffffff
	} else {
		ret = p.core(f, fmt)
	}

	flags = m.field(f, fileFlags)
	if flags&flagErr != 0 {
		ret = 0xffffffff
	}
	m.setField(f, fileFlags, flags|oldErr)
	if locked {
		m.unlockFile(f)
	}
	return ret
}

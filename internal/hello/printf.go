package hello

import (
	"math"

	"github.com/unwasm/unwasm/internal/numeric"
)

// Conversion flags, as bits indexed by the flag character minus ' '.
const (
	flagAlt     = 1 << ('#' - ' ')
	flagZeroPad = 1 << ('0' - ' ')
	flagLeftAdj = 1 << ('-' - ' ')
	flagPadPos  = 1 << (' ' - ' ')
	flagMarkPos = 1 << ('+' - ' ')
	flagGrouped = 1 << ('\'' - ' ')

	flagMask = flagAlt | flagZeroPad | flagLeftAdj | flagPadPos | flagMarkPos | flagGrouped
)

// States of the conversion specifier parser. The states below stateStop read a length modifier, and the states above
// it name the type of the argument the conversion consumes.
const (
	stateBare uint8 = iota
	stateL
	stateLL
	stateH
	stateHH
	stateBigL
	stateZT
	stateJ

	stateStop

	argPtr
	argInt
	argUint
	argUllong
	argLong
	argUlong
	argShort
	argUshort
	argChar
	argUchar
	argLlong
	argSizet
	argImax
	argUmax
	argPdiff
	argUiptr
	argDbl
	argLdbl
	argNoarg
)

// states maps a state and a specifier character, minus 'A', to the next state. Zero is an invalid specifier.
var states = [stateStop]['z' - 'A' + 1]uint8{
	stateBare: {
		'd' - 'A': argInt, 'i' - 'A': argInt,
		'o' - 'A': argUint, 'u' - 'A': argUint, 'x' - 'A': argUint, 'X' - 'A': argUint,
		'e' - 'A': argDbl, 'f' - 'A': argDbl, 'g' - 'A': argDbl, 'a' - 'A': argDbl,
		'E' - 'A': argDbl, 'F' - 'A': argDbl, 'G' - 'A': argDbl, 'A' - 'A': argDbl,
		'c' - 'A': argChar, 'C' - 'A': argInt,
		's' - 'A': argPtr, 'S' - 'A': argPtr, 'p' - 'A': argUiptr, 'n' - 'A': argPtr,
		'm' - 'A': argNoarg,
		'l' - 'A': stateL, 'h' - 'A': stateH, 'L' - 'A': stateBigL,
		'z' - 'A': stateZT, 'j' - 'A': stateJ, 't' - 'A': stateZT,
	},
	stateL: {
		'd' - 'A': argLong, 'i' - 'A': argLong,
		'o' - 'A': argUlong, 'u' - 'A': argUlong, 'x' - 'A': argUlong, 'X' - 'A': argUlong,
		'e' - 'A': argDbl, 'f' - 'A': argDbl, 'g' - 'A': argDbl, 'a' - 'A': argDbl,
		'E' - 'A': argDbl, 'F' - 'A': argDbl, 'G' - 'A': argDbl, 'A' - 'A': argDbl,
		'c' - 'A': argInt, 's' - 'A': argPtr, 'n' - 'A': argPtr,
		'l' - 'A': stateLL,
	},
	stateLL: {
		'd' - 'A': argLlong, 'i' - 'A': argLlong,
		'o' - 'A': argUllong, 'u' - 'A': argUllong, 'x' - 'A': argUllong, 'X' - 'A': argUllong,
		'n' - 'A': argPtr,
	},
	stateH: {
		'd' - 'A': argShort, 'i' - 'A': argShort,
		'o' - 'A': argUshort, 'u' - 'A': argUshort, 'x' - 'A': argUshort, 'X' - 'A': argUshort,
		'n' - 'A': argPtr,
		'h' - 'A': stateHH,
	},
	stateHH: {
		'd' - 'A': argChar, 'i' - 'A': argChar,
		'o' - 'A': argUchar, 'u' - 'A': argUchar, 'x' - 'A': argUchar, 'X' - 'A': argUchar,
		'n' - 'A': argPtr,
	},
	stateBigL: {
		'e' - 'A': argLdbl, 'f' - 'A': argLdbl, 'g' - 'A': argLdbl, 'a' - 'A': argLdbl,
		'E' - 'A': argLdbl, 'F' - 'A': argLdbl, 'G' - 'A': argLdbl, 'A' - 'A': argLdbl,
		'n' - 'A': argPtr,
	},
	stateZT: {
		'd' - 'A': argPdiff, 'i' - 'A': argPdiff,
		'o' - 'A': argSizet, 'u' - 'A': argSizet, 'x' - 'A': argSizet, 'X' - 'A': argSizet,
		'n' - 'A': argPtr,
	},
	stateJ: {
		'd' - 'A': argImax, 'i' - 'A': argImax,
		'o' - 'A': argUmax, 'u' - 'A': argUmax, 'x' - 'A': argUmax, 'X' - 'A': argUmax,
		'n' - 'A': argPtr,
	},
}

// nlArgMax is the highest position of a positional argument, as in %9$d.
const nlArgMax = 9

// printer is the state of one vfprintf call shared by its two passes. Every address points into the frame of
// vfprintf.
type printer struct {
	m *Module
	// ap is the address of the va_list, itself the address of the next argument.
	ap uint32
	// nlArg holds the positional arguments, 8 bytes each, and nlType their types, 4 bytes each.
	nlArg, nlType uint32
	// fmtFp and popArg are the table slots of the float formatter and the long double argument reader.
	fmtFp, popArg uint32
}

func (p *printer) byteAt(a uint32) byte {
	return byte(p.m.mem.I32Load8U(uint64(a)))
}

func isDigit(c byte) bool {
	return c-'0' < 10
}

// fail sets errno to errno and returns the result of a failed conversion.
func (p *printer) fail(errno uint32) uint32 {
	p.m.setErrno(errno)
	return 0xffffffff
}

// core formats fmt to f. When f is zero, it only records the types of positional arguments and then reads them, and
// returns 1 if the format uses positional arguments or 0 if not. Otherwise it returns the count of bytes written. In
// both cases 0xffffffff is returned on an invalid format or a count overflowing int.
func (p *printer) core(f, fmt uint32) uint32 {
	m := p.m
	defer m.Enter("printf_core")()
	fp := m.push(80)
	defer m.pop(80)

	arg := fp + 64
	wc := fp + 56
	mb := fp + 52
	buf, bufEnd := fp, fp+52

	s := fmt
	l10n := false
	var cnt, l int32
	for {
		if l > math.MaxInt32-cnt {
			return p.fail(errnoOVERFLOW)
		}
		cnt += l
		if p.byteAt(s) == 0 {
			break
		}

		// Literal text and %% sequences.
		a := s
		for ; p.byteAt(s) != 0 && p.byteAt(s) != '%'; s++ {
		}
		z := s
		for ; p.byteAt(s) == '%' && p.byteAt(s+1) == '%'; z, s = z+1, s+2 {
		}
		if int64(z-a) > int64(math.MaxInt32-cnt) {
			return p.fail(errnoOVERFLOW)
		}
		l = int32(z - a)
		if f != 0 {
			p.out(f, a, uint32(l))
		}
		if l != 0 {
			continue
		}

		argpos := int32(-1)
		if isDigit(p.byteAt(s+1)) && p.byteAt(s+2) == '$' {
			l10n = true
			argpos = int32(p.byteAt(s+1) - '0')
			s += 3
		} else {
			s++
		}

		var fl uint32
		for c := p.byteAt(s); uint32(c)-' ' < 32 && flagMask&(1<<(c-' ')) != 0; c = p.byteAt(s) {
			fl |= 1 << (c - ' ')
			s++
		}

		var w int32
		if p.byteAt(s) == '*' {
			if isDigit(p.byteAt(s+1)) && p.byteAt(s+2) == '$' {
				l10n = true
				pos := uint32(p.byteAt(s+1) - '0')
				m.mem.I32Store(uint64(p.nlType+4*pos), uint32(argInt))
				w = int32(m.mem.I32Load(uint64(p.nlArg + 8*pos)))
				s += 3
			} else if !l10n {
				if f != 0 {
					w = int32(p.vaArg(4))
				}
				s++
			} else {
				return p.fail(errnoINVAL)
			}
			if w < 0 {
				fl |= flagLeftAdj
				w = -w
			}
		} else if w = p.getint(&s); w < 0 {
			return p.fail(errnoOVERFLOW)
		}

		var prec int32
		xp := false
		switch {
		case p.byteAt(s) == '.' && p.byteAt(s+1) == '*':
			if isDigit(p.byteAt(s+2)) && p.byteAt(s+3) == '$' {
				pos := uint32(p.byteAt(s+2) - '0')
				m.mem.I32Store(uint64(p.nlType+4*pos), uint32(argInt))
				prec = int32(m.mem.I32Load(uint64(p.nlArg + 8*pos)))
				s += 4
			} else if !l10n {
				if f != 0 {
					prec = int32(p.vaArg(4))
				}
				s += 2
			} else {
				return p.fail(errnoINVAL)
			}
			xp = prec >= 0
		case p.byteAt(s) == '.':
			s++
			prec = p.getint(&s)
			xp = true
		default:
			prec = -1
		}

		st, ps := stateBare, stateBare
		for {
			c := p.byteAt(s)
			if uint32(c)-'A' > 'z'-'A' {
				return p.fail(errnoINVAL)
			}
			ps = st
			st = states[st][c-'A']
			s++
			if st-1 >= stateStop {
				break
			}
		}
		if st == 0 {
			return p.fail(errnoINVAL)
		}

		if st == argNoarg {
			if argpos >= 0 {
				return p.fail(errnoINVAL)
			}
		} else if argpos >= 0 {
			m.mem.I32Store(uint64(p.nlType+4*uint32(argpos)), uint32(st))
			m.mem.I64Store(uint64(arg), m.mem.I64Load(uint64(p.nlArg+8*uint32(argpos))))
		} else if f != 0 {
			p.pop(arg, st)
		} else {
			return 0
		}

		if f == 0 {
			continue
		}

		z = bufEnd
		prefix := uint32(addrIntPrefix)
		pl := int32(0)
		t := p.byteAt(s - 1)

		// %lc and %ls are %C and %S.
		if ps != stateBare && t&15 == 3 {
			t &^= 32
		}
		if fl&flagLeftAdj != 0 {
			fl &^= flagZeroPad
		}

		x := m.mem.I64Load(uint64(arg))
		switch t {
		case 'n':
			dst := uint64(uint32(x))
			switch ps {
			case stateBare, stateL, stateZT:
				m.mem.I32Store(dst, uint32(cnt))
			case stateLL, stateJ:
				m.mem.I64Store(dst, uint64(int64(cnt)))
			case stateH:
				m.mem.I32Store16(dst, uint32(cnt))
			case stateHH:
				m.mem.I32Store8(dst, uint32(cnt))
			}
			continue
		case 'p', 'x', 'X', 'o', 'd', 'i', 'u':
			switch t {
			case 'p', 'x', 'X':
				if t == 'p' {
					if prec < 8 {
						prec = 8
					}
					t = 'x'
					fl |= flagAlt
				}
				a = p.fmtX(x, z, uint32(t&32))
				if x != 0 && fl&flagAlt != 0 {
					prefix += uint32(t >> 4)
					pl = 2
				}
			case 'o':
				a = p.fmtO(x, z)
				if fl&flagAlt != 0 && prec < int32(z-a+1) {
					prec = int32(z - a + 1)
				}
			default:
				if t != 'u' {
					pl = 1
					if int64(x) < 0 {
						x = -x
					} else if fl&flagMarkPos != 0 {
						prefix++
					} else if fl&flagPadPos != 0 {
						prefix += 2
					} else {
						pl = 0
					}
				}
				a = p.fmtU(x, z)
			}
			if xp && prec < 0 {
				return p.fail(errnoOVERFLOW)
			}
			if xp {
				fl &^= flagZeroPad
			}
			if x == 0 && prec == 0 {
				a = z
				break
			}
			if n := int32(z - a); x == 0 {
				n++
				if prec < n {
					prec = n
				}
			} else if prec < n {
				prec = n
			}
		case 'c':
			prec = 1
			a = z - 1
			m.mem.I32Store8(uint64(a), uint32(x))
			fl &^= flagZeroPad
		case 'm', 's':
			if t == 'm' {
				a = buf
				p.strerror(a, m.Errno())
			} else if a = uint32(x); a == 0 {
				a = addrNull
			}
			limit := uint32(math.MaxInt32)
			if prec >= 0 {
				limit = uint32(prec)
			}
			z = a + p.strnlen(a, limit)
			if prec < 0 && p.byteAt(z) != 0 {
				return p.fail(errnoOVERFLOW)
			}
			prec = int32(z - a)
			fl &^= flagZeroPad
		case 'C', 'S':
			ws := uint32(x)
			if t == 'C' {
				m.mem.I32Store(uint64(wc), uint32(x))
				m.mem.I32Store(uint64(wc+4), 0)
				ws = wc
				prec = -1
			}
			pu := uint32(prec)
			var i, n uint32
			for q := ws; i < pu; i += n {
				c := m.mem.I32Load(uint64(q))
				if c == 0 {
					break
				}
				q += 4
				n = m.wctomb(mb, c)
				if int32(n) < 0 || n > pu-i {
					break
				}
			}
			if int32(n) < 0 {
				return 0xffffffff
			}
			if i > math.MaxInt32 {
				return p.fail(errnoOVERFLOW)
			}
			prec = int32(i)
			p.pad(f, ' ', w, prec, fl)
			i = 0
			for q := ws; i < uint32(prec); i += n {
				c := m.mem.I32Load(uint64(q))
				if c == 0 {
					break
				}
				q += 4
				if n = m.wctomb(mb, c); i+n > uint32(prec) {
					break
				}
				p.out(f, mb, n)
			}
			p.pad(f, ' ', w, prec, fl^flagLeftAdj)
			if l = prec; w > prec {
				l = w
			}
			continue
		case 'e', 'f', 'g', 'a', 'E', 'F', 'G', 'A':
			if xp && prec < 0 {
				return p.fail(errnoOVERFLOW)
			}
			l = int32(m.callIndirect(typeFmtFp, p.fmtFp, uint64(f), x,
				uint64(uint32(w)), uint64(uint32(prec)), uint64(fl), uint64(t))[0])
			if l < 0 {
				return p.fail(errnoOVERFLOW)
			}
			continue
		}

		if n := int32(z - a); prec < n {
			prec = n
		}
		if prec > math.MaxInt32-pl {
			return p.fail(errnoOVERFLOW)
		}
		if w < pl+prec {
			w = pl + prec
		}
		if w > math.MaxInt32-cnt {
			return p.fail(errnoOVERFLOW)
		}

		p.pad(f, ' ', w, pl+prec, fl)
		p.out(f, prefix, uint32(pl))
		p.pad(f, '0', w, pl+prec, fl^flagZeroPad)
		p.pad(f, '0', prec, int32(z-a), 0)
		p.out(f, a, z-a)
		p.pad(f, ' ', w, pl+prec, fl^flagLeftAdj)

		l = w
	}

	if f != 0 {
		return uint32(cnt)
	}
	if !l10n {
		return 0
	}

	i := uint32(1)
	for ; i <= nlArgMax; i++ {
		t := m.mem.I32Load(uint64(p.nlType + 4*i))
		if t == 0 {
			break
		}
		p.pop(p.nlArg+8*i, uint8(t))
	}
	for ; i <= nlArgMax && m.mem.I32Load(uint64(p.nlType+4*i)) == 0; i++ {
	}
	if i <= nlArgMax {
		return p.fail(errnoINVAL)
	}
	return 1
}

// getint reads a decimal number at *s and advances past it. It returns -1 if the number overflows int.
func (p *printer) getint(s *uint32) int32 {
	i := int32(0)
	for ; isDigit(p.byteAt(*s)); *s++ {
		d := int32(p.byteAt(*s) - '0')
		if i > math.MaxInt32/10 || d > math.MaxInt32-10*i {
			i = -1
		} else {
			i = 10*i + d
		}
	}
	return i
}

// vaArg reads the next argument of size bytes, aligned to its size.
func (p *printer) vaArg(size uint32) uint64 {
	mem := p.m.mem
	cur := (mem.I32Load(uint64(p.ap)) + size - 1) &^ (size - 1)
	mem.I32Store(uint64(p.ap), cur+size)
	if size == 8 {
		return mem.I64Load(uint64(cur))
	}
	return uint64(mem.I32Load(uint64(cur)))
}

// pop reads the next argument of type t into the 8 byte cell at arg. Integers are stored widened to 64 bits.
func (p *printer) pop(arg uint32, t uint8) {
	var v uint64
	switch t {
	case argPtr, argUint, argUlong, argSizet, argUiptr:
		v = p.vaArg(4)
	case argInt, argLong, argPdiff:
		v = uint64(int64(int32(p.vaArg(4))))
	case argShort:
		v = uint64(int64(int16(p.vaArg(4))))
	case argUshort:
		v = uint64(uint16(p.vaArg(4)))
	case argChar:
		v = uint64(int64(int8(p.vaArg(4))))
	case argUchar:
		v = uint64(uint8(p.vaArg(4)))
	case argLlong, argUllong, argImax, argUmax, argDbl:
		v = p.vaArg(8)
	case argLdbl:
		p.m.callIndirect(typePopArg, p.popArg, uint64(arg), uint64(p.ap))
		return
	default:
		return
	}
	p.m.mem.I64Store(uint64(arg), v)
}

// out writes l bytes at s to f, unless f has failed already.
func (p *printer) out(f, s, l uint32) {
	if p.m.field(f, fileFlags)&flagErr == 0 {
		p.m.fwritex(s, l, f)
	}
}

// pad writes c until l bytes reach the width w, unless fl requests left adjustment or zero padding.
func (p *printer) pad(f uint32, c byte, w, l int32, fl uint32) {
	m := p.m
	if fl&(flagLeftAdj|flagZeroPad) != 0 || l >= w {
		return
	}
	defer m.Enter("pad")()
	const size = 256
	buf := m.push(size)
	defer m.pop(size)

	n := uint32(w - l)
	fill := n
	if fill > size {
		fill = size
	}
	m.memset(buf, c, fill)
	for ; n >= size; n -= size {
		p.out(f, buf, size)
	}
	p.out(f, buf, n)
}

// strnlen returns the length of the string at s, looking at no more than limit bytes.
func (p *printer) strnlen(s, limit uint32) uint32 {
	n := uint32(0)
	for n < limit && p.byteAt(s+n) != 0 {
		n++
	}
	return n
}

// fmtX writes x in hexadecimal, lower case when lower is 32, ending before s. It returns the address of the first digit.
func (p *printer) fmtX(x uint64, s, lower uint32) uint32 {
	for ; x != 0; x >>= 4 {
		s--
		p.m.mem.I32Store8(uint64(s), uint32(p.byteAt(addrXdigits+uint32(x&15)))|lower)
	}
	return s
}

func (p *printer) fmtO(x uint64, s uint32) uint32 {
	for ; x != 0; x >>= 3 {
		s--
		p.m.mem.I32Store8(uint64(s), uint32('0'+x&7))
	}
	return s
}

// fmtU writes x in decimal ending before s, with 32-bit divisions once x fits in an unsigned long. It returns the
// address of the first digit, s itself when x is zero.
func (p *printer) fmtU(x uint64, s uint32) uint32 {
	for ; x > math.MaxUint32; x = numeric.I64DivU(x, 10) {
		s--
		p.m.mem.I32Store8(uint64(s), '0'+uint32(numeric.I64RemU(x, 10)))
	}
	for y := uint32(x); y != 0; y = numeric.I32DivU(y, 10) {
		s--
		p.m.mem.I32Store8(uint64(s), '0'+numeric.I32RemU(y, 10))
	}
	return s
}

// errorMessages are the strerror texts of the errno values the module sets.
var errorMessages = map[uint32]string{
	errnoBADF:     "Bad file descriptor",
	errnoILSEQ:    "Illegal byte sequence",
	errnoINVAL:    "Invalid argument",
	errnoNOMEM:    "Out of memory",
	errnoOVERFLOW: "Value too large for data type",
}

// strerror writes the message of errno, with its NUL, at s.
func (p *printer) strerror(s, errno uint32) {
	msg, ok := errorMessages[errno]
	if !ok {
		msg = "No error information"
	}
	for i := 0; i < len(msg); i++ {
		p.m.mem.I32Store8(uint64(s)+uint64(i), uint32(msg[i]))
	}
	p.m.mem.I32Store8(uint64(s)+uint64(len(msg)), 0)
}

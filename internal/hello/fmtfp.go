package hello

import (
	"math"
	"math/big"

	"github.com/unwasm/unwasm/internal/numeric"
)

const (
	// dblMantDig and dblMaxExp are DBL_MANT_DIG and DBL_MAX_EXP.
	dblMantDig = 53
	dblMaxExp  = 1024

	// bigWords is the count of base 1e9 digits needed for the integer and fraction parts of any double.
	bigWords = (dblMantDig+28)/29 + 1 + (dblMaxExp+dblMantDig+28+8)/9

	// fmtFpFrame is the stack frame of fmtFp: the exponent digits end at 16, the digit buffer starts at 16, the
	// exponent of frexp is at 44 and the base 1e9 digits start at 48.
	fmtFpFrame   = 560
	fmtFpEbuf    = 16
	fmtFpBuf     = 16
	fmtFpE2      = 44
	fmtFpBig     = 48
	addrDot      = 1603 // "."
	billion      = 1000000000
	maxInt32     = math.MaxInt32
	dblEpsilon   = 0x1p-52
	bufDigitsEnd = 9
)

// fmtFp formats y for the conversion t ('e', 'f', 'g' or 'a', or upper case) with width w, precision prec (negative
// when absent) and flags fl to f. It returns the width of the field written, or 0xffffffff when it would exceed
// INT_MAX.
//
// Decimal conversions are exact: y is expanded into base 1e9 digits, scaled by its binary exponent and rounded at the
// requested digit with the rounding mode of the floating point unit.
func (m *Module) fmtFp(f uint32, y float64, w, prec int32, fl, t uint32) uint32 {
	defer m.Enter("fmt_fp")()
	fp := m.push(fmtFpFrame)
	defer m.pop(fmtFpFrame)
	p := &printer{m: m}
	mem := m.mem
	load := func(a uint32) uint32 { return mem.I32Load(uint64(a)) }
	store := func(a, v uint32) { mem.I32Store(uint64(a), v) }
	store8 := func(a uint32, c uint32) { mem.I32Store8(uint64(a), c) }

	ebuf, buf, digs := fp+fmtFpEbuf, fp+fmtFpBuf, fp+fmtFpBig
	store(fp+fmtFpE2, 0)

	prefix := uint32(addrFpPrefix)
	pl := int32(1)
	switch {
	case math.Signbit(y):
		y = -y
	case fl&flagMarkPos != 0:
		prefix += 3
	case fl&flagPadPos != 0:
		prefix += 6
	default:
		prefix++
		pl = 0
	}

	if math.IsInf(y, 0) || math.IsNaN(y) {
		s := uint32(addrInf)
		if t&32 == 0 {
			s += 4
		}
		if math.IsNaN(y) {
			s += 8
		}
		p.pad(f, ' ', w, 3+pl, fl&^flagZeroPad)
		p.out(f, prefix, uint32(pl))
		p.out(f, s, 3)
		p.pad(f, ' ', w, 3+pl, fl^flagLeftAdj)
		return uint32(max(w, 3+pl))
	}

	y = m.frexp(y, fp+fmtFpE2) * 2
	e2 := int32(load(fp + fmtFpE2))
	if y != 0 {
		e2--
	}

	if t|32 == 'a' {
		if t&32 != 0 {
			prefix += 9
		}
		pl += 2

		if prec >= 0 && prec < dblMantDig/4-1 {
			round := 8.0 * (1 << (dblMantDig % 4))
			for re := dblMantDig/4 - 1 - prec; re > 0; re-- {
				round *= 16
			}
			if p.byteAt(prefix) == '-' {
				y = -y
				y -= round
				y += round
				y = -y
			} else {
				y += round
				y -= round
			}
		}

		estr := p.fmtU(uint64(abs32(e2)), ebuf)
		if estr == ebuf {
			estr--
			store8(estr, '0')
		}
		estr--
		if e2 < 0 {
			store8(estr, '-')
		} else {
			store8(estr, '+')
		}
		estr--
		store8(estr, t+('p'-'a'))

		s := buf
		for {
			x := numeric.I32TruncF64S(y)
			store8(s, uint32(p.byteAt(addrXdigits+x))|t&32)
			s++
			y = 16 * (y - float64(int32(x)))
			if s-buf == 1 && (y != 0 || prec > 0 || fl&flagAlt != 0) {
				store8(s, '.')
				s++
			}
			if y == 0 {
				break
			}
		}

		elen, slen := int32(ebuf-estr), int32(s-buf)
		if prec > maxInt32-2-elen-pl {
			return 0xffffffff
		}
		var l int32
		if prec != 0 && slen-2 < prec {
			l = prec + 2 + elen
		} else {
			l = slen + elen
		}

		p.pad(f, ' ', w, pl+l, fl)
		p.out(f, prefix, uint32(pl))
		p.pad(f, '0', w, pl+l, fl^flagZeroPad)
		p.out(f, buf, uint32(slen))
		p.pad(f, '0', l-elen-slen, 0, 0)
		p.out(f, estr, uint32(elen))
		p.pad(f, ' ', w, pl+l, fl^flagLeftAdj)
		return uint32(max(w, pl+l))
	}

	if prec < 0 {
		prec = 6
	}
	if y != 0 {
		y *= 0x1p28
		e2 -= 28
	}

	var a uint32
	if e2 < 0 {
		a = digs
	} else {
		a = digs + 4*(bigWords-dblMantDig-1)
	}
	r, z := a, a
	// words is the signed count of digits from x to y.
	words := func(x, y uint32) int32 { return int32(y-x) / 4 }

	for {
		v := numeric.I32TruncF64U(y)
		store(z, v)
		z += 4
		y = billion * (y - float64(v))
		if y == 0 {
			break
		}
	}

	for e2 > 0 {
		carry := uint32(0)
		sh := min(29, e2)
		for d := z - 4; d >= a; d -= 4 {
			x := uint64(load(d))<<sh + uint64(carry)
			store(d, uint32(numeric.I64RemU(x, billion)))
			carry = uint32(numeric.I64DivU(x, billion))
		}
		if carry != 0 {
			a -= 4
			store(a, carry)
		}
		for z > a && load(z-4) == 0 {
			z -= 4
		}
		e2 -= sh
	}
	for e2 < 0 {
		carry := uint32(0)
		sh := min(9, -e2)
		need := int32(1 + numeric.I32DivU(uint32(prec)+dblMantDig/3+8, 9))
		for d := a; d < z; d += 4 {
			v := load(d)
			rm := v & (1<<sh - 1)
			store(d, v>>sh+carry)
			carry = (billion >> sh) * rm
		}
		if load(a) == 0 {
			a += 4
		}
		if carry != 0 {
			store(z, carry)
			z += 4
		}
		// Digits past the requested precision are not computed.
		b := a
		if t|32 == 'f' {
			b = r
		}
		if words(b, z) > need {
			z = b + 4*uint32(need)
		}
		e2 += sh
	}

	e := int32(0)
	if a < z {
		e = 9 * words(a, r)
		for i := uint32(10); load(a) >= i; i *= 10 {
			e++
		}
	}

	// j is the count of digits after the point, possibly negative.
	j := prec
	if t|32 != 'f' {
		j -= e
	}
	if t|32 == 'g' && prec != 0 {
		j--
	}
	if j < 9*(words(r, z)-1) {
		d := uint32(int32(r) + 4 + 4*(int32(numeric.I32DivS(uint32(j+9*dblMaxExp), 9))-dblMaxExp))
		j = int32(numeric.I32RemS(uint32(j+9*dblMaxExp), 9))
		i := uint32(10)
		for j++; j < 9; j++ {
			i *= 10
		}
		x := numeric.I32RemU(load(d), i)
		if x != 0 || d+4 != z {
			round := 2 / dblEpsilon
			if numeric.I32DivU(load(d), i)&1 != 0 || (i == billion && d > a && load(d-4)&1 != 0) {
				round += 2
			}
			var small float64
			switch {
			case x < i/2:
				small = 0.5
			case x == i/2 && d+4 == z:
				small = 1
			default:
				small = 1.5
			}
			if pl != 0 && p.byteAt(prefix) == '-' {
				round, small = -round, -small
			}
			store(d, load(d)-x)
			// Rounds up when round+small is not round in the current rounding mode.
			if round+small != round {
				store(d, load(d)+i)
				for load(d) > billion-1 {
					store(d, 0)
					d -= 4
					if d < a {
						a -= 4
						store(a, 0)
					}
					store(d, load(d)+1)
				}
				e = 9 * words(a, r)
				for i = 10; load(a) >= i; i *= 10 {
					e++
				}
			}
		}
		if z > d+4 {
			z = d + 4
		}
	}
	for z > a && load(z-4) == 0 {
		z -= 4
	}

	if t|32 == 'g' {
		if prec == 0 {
			prec++
		}
		if prec > e && e >= -4 {
			t--
			prec -= e + 1
		} else {
			t -= 2
			prec--
		}
		if fl&flagAlt == 0 {
			// Trailing zeros of the last digit are not printed.
			j := int32(9)
			if z > a && load(z-4) != 0 {
				j = 0
				for i := uint32(10); numeric.I32RemU(load(z-4), i) == 0; i *= 10 {
					j++
				}
			}
			if t|32 == 'f' {
				prec = min(prec, max(0, 9*(words(r, z)-1)-j))
			} else {
				prec = min(prec, max(0, 9*(words(r, z)-1)+e-j))
			}
		}
	}

	point := int32(0)
	if prec != 0 || fl&flagAlt != 0 {
		point = 1
	}
	if prec > maxInt32-1-point {
		return 0xffffffff
	}
	l := 1 + prec + point
	var estr uint32
	if t|32 == 'f' {
		if e > maxInt32-l {
			return 0xffffffff
		}
		if e > 0 {
			l += e
		}
	} else {
		estr = p.fmtU(uint64(abs32(e)), ebuf)
		for ebuf-estr < 2 {
			estr--
			store8(estr, '0')
		}
		estr--
		if e < 0 {
			store8(estr, '-')
		} else {
			store8(estr, '+')
		}
		estr--
		store8(estr, t)
		if int32(ebuf-estr) > maxInt32-l {
			return 0xffffffff
		}
		l += int32(ebuf - estr)
	}
	if l > maxInt32-pl {
		return 0xffffffff
	}

	p.pad(f, ' ', w, pl+l, fl)
	p.out(f, prefix, uint32(pl))
	p.pad(f, '0', w, pl+l, fl^flagZeroPad)

	digits := buf + bufDigitsEnd
	if t|32 == 'f' {
		if a > r {
			a = r
		}
		d := a
		for ; d <= r; d += 4 {
			s := p.fmtU(uint64(load(d)), digits)
			if d != a {
				for ; s > buf; s-- {
					store8(s-1, '0')
				}
			} else if s == digits {
				s--
				store8(s, '0')
			}
			p.out(f, s, digits-s)
		}
		if point != 0 {
			p.out(f, addrDot, 1)
		}
		for ; d < z && prec > 0; d, prec = d+4, prec-9 {
			s := p.fmtU(uint64(load(d)), digits)
			for ; s > buf; s-- {
				store8(s-1, '0')
			}
			p.out(f, s, uint32(min(9, prec)))
		}
		p.pad(f, '0', prec+9, 9, 0)
	} else {
		if z <= a {
			z = a + 4
		}
		for d := a; d < z && prec >= 0; d += 4 {
			s := p.fmtU(uint64(load(d)), digits)
			if s == digits {
				s--
				store8(s, '0')
			}
			if d != a {
				for ; s > buf; s-- {
					store8(s-1, '0')
				}
			} else {
				p.out(f, s, 1)
				s++
				if prec > 0 || fl&flagAlt != 0 {
					p.out(f, addrDot, 1)
				}
			}
			n := int32(digits - s)
			p.out(f, s, uint32(min(n, prec)))
			prec -= n
		}
		p.pad(f, '0', prec+18, 18, 0)
		p.out(f, estr, ebuf-estr)
	}

	p.pad(f, ' ', w, pl+l, fl^flagLeftAdj)
	return uint32(max(w, pl+l))
}

func abs32(x int32) int32 {
	if x < 0 {
		return -x
	}
	return x
}

// frexp splits x into a fraction with a magnitude in [0.5, 1) and a power of two, stored as an int at e.
func (m *Module) frexp(x float64, e uint32) float64 {
	defer m.Enter("frexp")()
	bits := numeric.I64ReinterpretF64(x)
	switch ee := uint32(bits>>52) & 0x7ff; ee {
	case 0:
		if x != 0 {
			x = m.frexp(x*0x1p64, e)
			m.mem.I32Store(uint64(e), m.mem.I32Load(uint64(e))-64)
		} else {
			m.mem.I32Store(uint64(e), 0)
		}
		return x
	case 0x7ff:
		return x
	default:
		m.mem.I32Store(uint64(e), ee-0x3fe)
		return numeric.F64ReinterpretI64(bits&0x800fffffffffffff | 0x3fe0000000000000)
	}
}

// popArgLongDouble reads the next long double argument at the va_list ap into the cell at arg, as a double.
func (m *Module) popArgLongDouble(arg, ap uint32) {
	defer m.Enter("pop_arg_long_double")()
	cur := (m.mem.I32Load(uint64(ap)) + 15) &^ 15
	m.mem.I32Store(uint64(ap), cur+16)
	m.mem.F64Store(uint64(arg), trunctfdf2(m.mem.I64Load(uint64(cur)), m.mem.I64Load(uint64(cur+8))))
}

// trunctfdf2 converts the IEEE binary128 value with words lo and hi to the nearest float64, rounding ties to even.
func trunctfdf2(lo, hi uint64) float64 {
	exp := int(hi>>48) & 0x7fff
	frac := hi & (1<<48 - 1)

	var f float64
	switch {
	case exp == 0x7fff && frac|lo == 0:
		f = math.Inf(1)
	case exp == 0x7fff:
		f = math.Float64frombits(0x7ff8000000000000 | frac<<4 | lo>>60)
	default:
		mant := new(big.Int).SetUint64(frac)
		e := exp - 16383 - 112
		if exp == 0 {
			e++
		} else {
			mant.SetBit(mant, 48, 1)
		}
		mant.Lsh(mant, 64).Or(mant, new(big.Int).SetUint64(lo))
		f, _ = new(big.Float).SetMantExp(new(big.Float).SetInt(mant), e).Float64()
	}
	if hi>>63 != 0 {
		f = math.Copysign(f, -1)
	}
	return f
}

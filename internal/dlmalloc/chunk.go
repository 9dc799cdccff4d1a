package dlmalloc

import "math/bits"

// Chunk and bin geometry for 32-bit size_t with 8-byte alignment.
const (
	sizeTSize      = 4
	chunkAlignMask = 7
	chunkOverhead  = sizeTSize
	minChunkSize   = 16
	minRequest     = minChunkSize - chunkOverhead - 1

	// MaxRequest is the largest request that can be satisfied. Larger requests always fail.
	MaxRequest = uint32(0xffffffc0)

	pinuseBit     = 1
	cinuseBit     = 2
	flag4Bit      = 4
	inuseBits     = pinuseBit | cinuseBit
	flagBits      = pinuseBit | cinuseBit | flag4Bit
	fencepostHead = inuseBits | sizeTSize

	nSmallBins      = 32
	nTreeBins       = 32
	smallBinShift   = 3
	treeBinShift    = 8
	minLargeSize    = 1 << treeBinShift
	maxSmallSize    = minLargeSize - 1
	maxSmallRequest = maxSmallSize - chunkAlignMask - chunkOverhead

	// topFootSize is the space kept after top for the segment record and a fencepost.
	topFootSize     = 40
	sysAllocPadding = topFootSize + 8

	maxSizeT = ^uint32(0)
	mfail    = maxSizeT
	halfMax  = 0x7fffffff
)

// Offsets of malloc_state fields relative to the state address.
const (
	offSmallmap      = 0
	offTreemap       = 4
	offDvSize        = 8
	offTopSize       = 12
	offLeastAddr     = 16
	offDv            = 20
	offTop           = 24
	offTrimCheck     = 28
	offReleaseChecks = 32
	offMagic         = 36
	offSmallBins     = 40
	offTreeBins      = 304
	offFootprint     = 432
	offMaxFootprint  = 436
	offFootprintLim  = 440
	offMflags        = 444
	offSegBase       = 448
	offSegSize       = 452
	offSegNext       = 456
	offSegFlags      = 460

	// stateSize is the size of malloc_state in linear memory.
	stateSize = 472
)

// Offsets of malloc_params fields relative to the params address.
const (
	offParamMagic        = 0
	offParamPageSize     = 4
	offParamGranularity  = 8
	offParamMmapThresh   = 12
	offParamTrimThresh   = 16
	offParamDefaultFlags = 20

	// paramsSize is the size of malloc_params in linear memory.
	paramsSize = 24
)

// Offsets of chunk fields relative to the chunk address. Tree fields only exist in free large chunks.
const (
	offPrevFoot = 0
	offHead     = 4
	offFd       = 8
	offBk       = 12
	offChild0   = 16
	offChild1   = 20
	offParent   = 24
	offIndex    = 28
)

func chunk2mem(p uint32) uint32 { return p + 2*sizeTSize }

func mem2chunk(mem uint32) uint32 { return mem - 2*sizeTSize }

func alignOffset(a uint32) uint32 {
	if a&chunkAlignMask == 0 {
		return 0
	}
	return (8 - a&chunkAlignMask) & chunkAlignMask
}

func alignAsChunk(a uint32) uint32 { return a + alignOffset(chunk2mem(a)) }

func padRequest(n uint32) uint32 { return (n + chunkOverhead + chunkAlignMask) &^ chunkAlignMask }

// request2size is the chunk size serving a request of n bytes.
func request2size(n uint32) uint32 {
	if n < minRequest {
		return minChunkSize
	}
	return padRequest(n)
}

func isSmall(s uint32) bool { return s>>smallBinShift < nSmallBins }

func smallIndex(s uint32) uint32 { return s >> smallBinShift }

func smallIndex2Size(i uint32) uint32 { return i << smallBinShift }

func idx2bit(i uint32) uint32 { return 1 << i }

func leastBit(x uint32) uint32 { return x & -x }

func leftBits(x uint32) uint32 { return (x << 1) | -(x << 1) }

func bit2idx(x uint32) uint32 { return uint32(bits.TrailingZeros32(x)) }

func computeTreeIndex(s uint32) uint32 {
	x := s >> treeBinShift
	switch {
	case x == 0:
		return 0
	case x > 0xffff:
		return nTreeBins - 1
	}
	k := uint32(31 - bits.LeadingZeros32(x))
	return k<<1 + (s>>(k+treeBinShift-1))&1
}

func leftshiftForTreeIndex(i uint32) uint32 {
	if i == nTreeBins-1 {
		return 0
	}
	return 31 - (i>>1 + treeBinShift - 2)
}

func minsizeForTreeIndex(i uint32) uint32 {
	return 1<<(i>>1+treeBinShift) | (i&1)<<(i>>1+treeBinShift-1)
}

// Raw memory access. Every access is bounds checked by the memory and traps when out of range.

func (a *Allocator) load(addr uint32) uint32 { return a.mem.I32Load(uint64(addr)) }

func (a *Allocator) store(addr, v uint32) { a.mem.I32Store(uint64(addr), v) }

func (a *Allocator) get(off uint32) uint32 { return a.load(a.state + off) }

func (a *Allocator) set(off, v uint32) { a.store(a.state+off, v) }

func (a *Allocator) param(off uint32) uint32 { return a.load(a.params + off) }

// Chunk header helpers.

func (a *Allocator) head(p uint32) uint32 { return a.load(p + offHead) }

func (a *Allocator) setHead(p, v uint32) { a.store(p+offHead, v) }

func (a *Allocator) prevFoot(p uint32) uint32 { return a.load(p + offPrevFoot) }

func (a *Allocator) chunksize(p uint32) uint32 { return a.head(p) &^ flagBits }

func (a *Allocator) cinuse(p uint32) bool { return a.head(p)&cinuseBit != 0 }

func (a *Allocator) pinuse(p uint32) bool { return a.head(p)&pinuseBit != 0 }

func (a *Allocator) isInuse(p uint32) bool { return a.head(p)&inuseBits != pinuseBit }

func (a *Allocator) clearPinuse(p uint32) { a.setHead(p, a.head(p)&^pinuseBit) }

func (a *Allocator) setFoot(p, s uint32) { a.store(p+s+offPrevFoot, s) }

func (a *Allocator) setSizeAndPinuseOfFreeChunk(p, s uint32) {
	a.setHead(p, s|pinuseBit)
	a.setFoot(p, s)
}

func (a *Allocator) setFreeWithPinuse(p, s, n uint32) {
	a.clearPinuse(n)
	a.setSizeAndPinuseOfFreeChunk(p, s)
}

func (a *Allocator) setInuse(p, s uint32) {
	a.setHead(p, a.head(p)&pinuseBit|s|cinuseBit)
	a.setHead(p+s, a.head(p+s)|pinuseBit)
}

func (a *Allocator) setInuseAndPinuse(p, s uint32) {
	a.setHead(p, s|pinuseBit|cinuseBit)
	a.setHead(p+s, a.head(p+s)|pinuseBit)
}

func (a *Allocator) setSizeAndPinuseOfInuseChunk(p, s uint32) {
	a.setHead(p, s|pinuseBit|cinuseBit)
}

func (a *Allocator) okAddress(p uint32) bool { return p >= a.get(offLeastAddr) }

// Bins.

// smallbinAt returns the pseudo-chunk heading small bin i: only its fd and bk fields are real.
func (a *Allocator) smallbinAt(i uint32) uint32 { return a.state + offSmallBins + i<<3 }

// treebinAt returns the address of the root slot of tree bin i.
func (a *Allocator) treebinAt(i uint32) uint32 { return a.state + offTreeBins + i<<2 }

func (a *Allocator) markSmallmap(i uint32)  { a.set(offSmallmap, a.get(offSmallmap)|idx2bit(i)) }
func (a *Allocator) clearSmallmap(i uint32) { a.set(offSmallmap, a.get(offSmallmap)&^idx2bit(i)) }
func (a *Allocator) markTreemap(i uint32)   { a.set(offTreemap, a.get(offTreemap)|idx2bit(i)) }
func (a *Allocator) clearTreemap(i uint32)  { a.set(offTreemap, a.get(offTreemap)&^idx2bit(i)) }

func (a *Allocator) smallmapIsMarked(i uint32) bool { return a.get(offSmallmap)&idx2bit(i) != 0 }
func (a *Allocator) treemapIsMarked(i uint32) bool  { return a.get(offTreemap)&idx2bit(i) != 0 }

func (a *Allocator) insertSmallChunk(p, s uint32) {
	i := smallIndex(s)
	b := a.smallbinAt(i)
	f := b
	if !a.smallmapIsMarked(i) {
		a.markSmallmap(i)
	} else {
		f = a.load(b + offFd)
	}
	a.store(b+offFd, p)
	a.store(f+offBk, p)
	a.store(p+offFd, f)
	a.store(p+offBk, b)
}

func (a *Allocator) unlinkSmallChunk(p, s uint32) {
	f, b := a.load(p+offFd), a.load(p+offBk)
	if f == b {
		a.clearSmallmap(smallIndex(s))
		return
	}
	a.store(f+offBk, b)
	a.store(b+offFd, f)
}

func (a *Allocator) unlinkFirstSmallChunk(b, p, i uint32) {
	f := a.load(p + offFd)
	if b == f {
		a.clearSmallmap(i)
		return
	}
	a.store(b+offFd, f)
	a.store(f+offBk, b)
}

// replaceDv makes p the designated victim, binning the previous one.
func (a *Allocator) replaceDv(p, s uint32) {
	if dvs := a.get(offDvSize); dvs != 0 {
		a.insertSmallChunk(a.get(offDv), dvs)
	}
	a.set(offDvSize, s)
	a.set(offDv, p)
}

func (a *Allocator) child(t, i uint32) uint32 { return a.load(t + offChild0 + i<<2) }

func (a *Allocator) leftmostChild(t uint32) uint32 {
	if c := a.child(t, 0); c != 0 {
		return c
	}
	return a.child(t, 1)
}

func (a *Allocator) insertLargeChunk(x, s uint32) {
	i := computeTreeIndex(s)
	h := a.treebinAt(i)
	a.store(x+offIndex, i)
	a.store(x+offChild0, 0)
	a.store(x+offChild1, 0)
	if !a.treemapIsMarked(i) {
		a.markTreemap(i)
		a.store(h, x)
		a.store(x+offParent, h)
		a.store(x+offFd, x)
		a.store(x+offBk, x)
		return
	}
	t := a.load(h)
	k := s << leftshiftForTreeIndex(i)
	for {
		if a.chunksize(t) != s {
			c := t + offChild0 + (k>>31)&1<<2
			k <<= 1
			if next := a.load(c); next != 0 {
				t = next
				continue
			}
			a.store(c, x)
			a.store(x+offParent, t)
			a.store(x+offFd, x)
			a.store(x+offBk, x)
			return
		}
		f := a.load(t + offFd)
		a.store(t+offFd, x)
		a.store(f+offBk, x)
		a.store(x+offFd, f)
		a.store(x+offBk, t)
		a.store(x+offParent, 0)
		return
	}
}

func (a *Allocator) unlinkLargeChunk(x uint32) {
	xp := a.load(x + offParent)
	var r uint32
	if a.load(x+offBk) != x {
		f := a.load(x + offFd)
		r = a.load(x + offBk)
		a.store(f+offBk, r)
		a.store(r+offFd, f)
	} else {
		rp := x + offChild1
		if r = a.load(rp); r == 0 {
			rp = x + offChild0
			r = a.load(rp)
		}
		if r != 0 {
			for {
				cp := r + offChild1
				if a.load(cp) == 0 {
					cp = r + offChild0
					if a.load(cp) == 0 {
						break
					}
				}
				rp = cp
				r = a.load(cp)
			}
			a.store(rp, 0)
		}
	}
	if xp == 0 {
		return
	}
	i := a.load(x + offIndex)
	h := a.treebinAt(i)
	if x == a.load(h) {
		a.store(h, r)
		if r == 0 {
			a.clearTreemap(i)
		}
	} else if a.load(xp+offChild0) == x {
		a.store(xp+offChild0, r)
	} else {
		a.store(xp+offChild1, r)
	}
	if r == 0 {
		return
	}
	a.store(r+offParent, xp)
	if c0 := a.load(x + offChild0); c0 != 0 {
		a.store(r+offChild0, c0)
		a.store(c0+offParent, r)
	}
	if c1 := a.load(x + offChild1); c1 != 0 {
		a.store(r+offChild1, c1)
		a.store(c1+offParent, r)
	}
}

func (a *Allocator) insertChunk(p, s uint32) {
	if isSmall(s) {
		a.insertSmallChunk(p, s)
	} else {
		a.insertLargeChunk(p, s)
	}
}

func (a *Allocator) unlinkChunk(p, s uint32) {
	if isSmall(s) {
		a.unlinkSmallChunk(p, s)
	} else {
		a.unlinkLargeChunk(p)
	}
}

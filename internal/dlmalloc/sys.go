package dlmalloc

const (
	defaultPageSize    = 4096
	defaultGranularity = 4096
	magicMask          = 0x55555558
)

// ensureInitialization sets up malloc_params on first use and returns the allocation granularity.
func (a *Allocator) ensureInitialization() uint32 {
	if a.param(offParamMagic) != 0 {
		return a.param(offParamGranularity)
	}
	a.store(a.params+offParamMmapThresh, maxSizeT)
	a.store(a.params+offParamTrimThresh, maxSizeT)
	a.store(a.params+offParamPageSize, defaultPageSize)
	a.store(a.params+offParamGranularity, defaultGranularity)

	var seed uint32
	if a.seed != nil {
		seed = a.seed()
	}
	a.store(a.params+offParamMagic, ((seed+12)&^15)^magicMask)
	a.store(a.params+offParamDefaultFlags, 0)
	a.set(offMflags, 0)
	return defaultGranularity
}

// segmentHolding returns the address of the segment record holding addr, or zero.
func (a *Allocator) segmentHolding(addr uint32) uint32 {
	for sp := a.state + offSegBase; sp != 0; sp = a.load(sp + 8) {
		base := a.load(sp)
		if addr >= base && addr < base+a.load(sp+4) {
			return sp
		}
	}
	return 0
}

// callSbrk adapts Sbrk to the C convention of returning mfail on failure.
func (a *Allocator) callSbrk(increment uint32) uint32 {
	if a.sbrk == nil {
		return mfail
	}
	prev, ok := a.sbrk(int32(increment))
	if !ok {
		return mfail
	}
	return prev
}

// sysAlloc extends the arena to satisfy a request for nb bytes that top cannot, and serves it from the new top.
func (a *Allocator) sysAlloc(nb uint32) (uint32, error) {
	granularity := a.ensureInitialization()

	asize := (nb + sysAllocPadding + granularity - 1) &^ (granularity - 1)
	if asize <= nb {
		return 0, ErrOutOfMemory
	}
	if limit := a.get(offFootprintLim); limit != 0 {
		if fp := a.get(offFootprint) + asize; fp <= a.get(offFootprint) || fp > limit {
			return 0, ErrOutOfMemory
		}
	}

	tbase, tsize := mfail, uint32(0)
	top := a.get(offTop)
	var ss uint32
	if top != 0 {
		ss = a.segmentHolding(top)
	}

	if ss == 0 {
		if base := a.callSbrk(0); base != mfail {
			ssize := asize
			pageSize := a.param(offParamPageSize)
			if base&(pageSize-1) != 0 {
				ssize += (base+pageSize-1)&^(pageSize-1) - base
			}
			fp := a.get(offFootprint) + ssize
			limit := a.get(offFootprintLim)
			if ssize > nb && ssize < halfMax && (limit == 0 || (fp > a.get(offFootprint) && fp <= limit)) {
				if br := a.callSbrk(ssize); br == base {
					tbase, tsize = base, ssize
				} else if br != mfail {
					a.callSbrk(-ssize)
				}
			}
		}
	} else {
		ssize := (nb - a.get(offTopSize) + sysAllocPadding + granularity - 1) &^ (granularity - 1)
		if ssize < halfMax {
			end := a.load(ss) + a.load(ss+4)
			if br := a.callSbrk(ssize); br == end {
				tbase, tsize = br, ssize
			} else if br != mfail {
				// Only one contiguous segment is supported: give back a break that moved elsewhere.
				a.callSbrk(-ssize)
			}
		}
	}

	if tbase == mfail {
		return 0, ErrOutOfMemory
	}

	fp := a.get(offFootprint) + tsize
	a.set(offFootprint, fp)
	if fp > a.get(offMaxFootprint) {
		a.set(offMaxFootprint, fp)
	}

	if top == 0 {
		if least := a.get(offLeastAddr); least == 0 || tbase < least {
			a.set(offLeastAddr, tbase)
		}
		a.set(offSegBase, tbase)
		a.set(offSegSize, tsize)
		a.set(offSegFlags, 0)
		a.set(offMagic, a.param(offParamMagic))
		a.set(offReleaseChecks, maxSizeT)
		a.initBins()
		a.initTop(tbase, tsize-topFootSize)
	} else {
		a.store(ss+4, a.load(ss+4)+tsize)
		a.initTop(top, a.get(offTopSize)+tsize)
	}

	if nb < a.get(offTopSize) {
		return a.splitTop(nb), nil
	}
	return 0, ErrOutOfMemory
}

// initBins links every small bin to itself.
func (a *Allocator) initBins() {
	for i := uint32(0); i < nSmallBins; i++ {
		bin := a.smallbinAt(i)
		a.store(bin+offFd, bin)
		a.store(bin+offBk, bin)
	}
}

// initTop makes the chunk at p of psize bytes the top chunk, followed by the fencepost foot.
func (a *Allocator) initTop(p, psize uint32) {
	offset := alignOffset(chunk2mem(p))
	p += offset
	psize -= offset
	a.set(offTop, p)
	a.set(offTopSize, psize)
	a.setHead(p, psize|pinuseBit)
	a.setHead(p+psize, topFootSize)
	a.set(offTrimCheck, a.param(offParamTrimThresh))
}

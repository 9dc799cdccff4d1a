// Package dlmalloc is a general purpose allocator living inside a linear memory, following Doug Lea's malloc 2.8
// with a single contiguous segment grown through sbrk.
//
// All allocator state, including the malloc_state and malloc_params records, lives in the memory at fixed addresses
// and chunks are linked by their offsets, so the layout of an arena is the same as the one produced by the C
// allocator for the same sequence of calls.
package dlmalloc

import (
	"errors"

	"github.com/unwasm/unwasm/internal/wasm"
)

var (
	// ErrOutOfMemory is returned when a request cannot be satisfied, either because it is too large or because sbrk
	// could not extend the arena.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrInvalidPointer is returned by Realloc when the pointer does not reference a chunk in use.
	ErrInvalidPointer = errors.New("invalid pointer")
)

// Sbrk moves the program break by increment bytes and returns the previous break, or false when the break cannot
// be moved. Sbrk(0) returns the current break.
type Sbrk func(increment int32) (prev uint32, ok bool)

// Config is the placement of an Allocator in its memory.
type Config struct {
	// StateAddr is the address of the malloc_state record.
	StateAddr uint32
	// ParamsAddr is the address of the malloc_params record.
	ParamsAddr uint32
	// Sbrk grows the arena.
	Sbrk Sbrk
	// Seed, if set, returns the value the allocator magic is derived from. It is called once, on the first growth.
	Seed func() uint32
}

// Allocator allocates chunks of a memory. It holds no state of its own other than addresses: two Allocators with
// the same Config over the same memory are the same allocator.
//
// An Allocator is not safe for concurrent use.
type Allocator struct {
	mem    *wasm.MemoryInstance
	state  uint32
	params uint32
	sbrk   Sbrk
	seed   func() uint32
}

// New returns an allocator over mem. The state and params records must be zero before the first allocation.
func New(mem *wasm.MemoryInstance, cfg Config) *Allocator {
	return &Allocator{mem: mem, state: cfg.StateAddr, params: cfg.ParamsAddr, sbrk: cfg.Sbrk, seed: cfg.Seed}
}

// Malloc returns the address of a block of at least n bytes, aligned to 8, or ErrOutOfMemory.
func (a *Allocator) Malloc(n uint32) (uint32, error) {
	var nb uint32
	switch {
	case n <= maxSmallRequest:
		nb = request2size(n)
		idx := smallIndex(nb)
		smallbits := a.get(offSmallmap) >> idx

		if smallbits&0x3 != 0 {
			// Remainderless fit from this bin or the next.
			idx += ^smallbits & 1
			b := a.smallbinAt(idx)
			p := a.load(b + offFd)
			a.unlinkFirstSmallChunk(b, p, idx)
			a.setInuseAndPinuse(p, smallIndex2Size(idx))
			return chunk2mem(p), nil
		}

		if nb > a.get(offDvSize) {
			if smallbits != 0 {
				// Split the first chunk of the next nonempty small bin.
				leftbits := (smallbits << idx) & leftBits(idx2bit(idx))
				i := bit2idx(leastBit(leftbits))
				b := a.smallbinAt(i)
				p := a.load(b + offFd)
				a.unlinkFirstSmallChunk(b, p, i)
				rsize := smallIndex2Size(i) - nb
				a.setSizeAndPinuseOfInuseChunk(p, nb)
				r := p + nb
				a.setSizeAndPinuseOfFreeChunk(r, rsize)
				a.replaceDv(r, rsize)
				return chunk2mem(p), nil
			}
			if a.get(offTreemap) != 0 {
				if mem := a.tmallocSmall(nb); mem != 0 {
					return mem, nil
				}
			}
		}
	case n >= MaxRequest:
		nb = maxSizeT
	default:
		nb = padRequest(n)
		if a.get(offTreemap) != 0 {
			if mem := a.tmallocLarge(nb); mem != 0 {
				return mem, nil
			}
		}
	}

	if dvsize := a.get(offDvSize); nb <= dvsize {
		rsize := dvsize - nb
		p := a.get(offDv)
		if rsize >= minChunkSize {
			r := p + nb
			a.set(offDv, r)
			a.set(offDvSize, rsize)
			a.setSizeAndPinuseOfFreeChunk(r, rsize)
			a.setSizeAndPinuseOfInuseChunk(p, nb)
		} else {
			a.set(offDvSize, 0)
			a.set(offDv, 0)
			a.setInuseAndPinuse(p, dvsize)
		}
		return chunk2mem(p), nil
	}

	if topsize := a.get(offTopSize); nb < topsize {
		return a.splitTop(nb), nil
	}

	return a.sysAlloc(nb)
}

// splitTop carves nb bytes off the top chunk, which must be larger than nb.
func (a *Allocator) splitTop(nb uint32) uint32 {
	rsize := a.get(offTopSize) - nb
	a.set(offTopSize, rsize)
	p := a.get(offTop)
	r := p + nb
	a.set(offTop, r)
	a.setHead(r, rsize|pinuseBit)
	a.setSizeAndPinuseOfInuseChunk(p, nb)
	return chunk2mem(p)
}

// tmallocSmall allocates a small request from the best fitting chunk in the smallest nonempty tree bin.
func (a *Allocator) tmallocSmall(nb uint32) uint32 {
	i := bit2idx(leastBit(a.get(offTreemap)))
	v := a.load(a.treebinAt(i))
	t := v
	rsize := a.chunksize(t) - nb

	for t = a.leftmostChild(t); t != 0; t = a.leftmostChild(t) {
		if trem := a.chunksize(t) - nb; trem < rsize {
			rsize = trem
			v = t
		}
	}

	r := v + nb
	a.unlinkLargeChunk(v)
	if rsize < minChunkSize {
		a.setInuseAndPinuse(v, rsize+nb)
	} else {
		a.setSizeAndPinuseOfInuseChunk(v, nb)
		a.setSizeAndPinuseOfFreeChunk(r, rsize)
		a.replaceDv(r, rsize)
	}
	return chunk2mem(v)
}

// tmallocLarge allocates a large request from the best fitting tree chunk, unless the designated victim fits better.
func (a *Allocator) tmallocLarge(nb uint32) uint32 {
	var v uint32
	rsize := -nb
	idx := computeTreeIndex(nb)

	t := a.load(a.treebinAt(idx))
	if t != 0 {
		// Traverse the tree for this bin looking for a node with size == nb.
		sizebits := nb << leftshiftForTreeIndex(idx)
		var rst uint32 // the deepest untaken right subtree
		for {
			if trem := a.chunksize(t) - nb; trem < rsize {
				v = t
				if rsize = trem; rsize == 0 {
					break
				}
			}
			rt := a.child(t, 1)
			t = a.child(t, (sizebits>>31)&1)
			if rt != 0 && rt != t {
				rst = rt
			}
			if t == 0 {
				t = rst
				break
			}
			sizebits <<= 1
		}
	}

	if t == 0 && v == 0 {
		// Use the root of the next nonempty tree bin.
		if leftbits := leftBits(idx2bit(idx)) & a.get(offTreemap); leftbits != 0 {
			t = a.load(a.treebinAt(bit2idx(leastBit(leftbits))))
		}
	}

	for ; t != 0; t = a.leftmostChild(t) {
		if trem := a.chunksize(t) - nb; trem < rsize {
			rsize = trem
			v = t
		}
	}

	if v == 0 || rsize >= a.get(offDvSize)-nb {
		return 0
	}

	r := v + nb
	a.unlinkLargeChunk(v)
	if rsize < minChunkSize {
		a.setInuseAndPinuse(v, rsize+nb)
	} else {
		a.setSizeAndPinuseOfInuseChunk(v, nb)
		a.setSizeAndPinuseOfFreeChunk(r, rsize)
		a.insertChunk(r, rsize)
	}
	return chunk2mem(v)
}

// Free returns the block at mem to the allocator. Free(0) does nothing, and so do pointers that are recognizably not
// allocated blocks. Other invalid pointers corrupt the arena.
func (a *Allocator) Free(mem uint32) {
	if mem == 0 {
		return
	}
	p := mem2chunk(mem)
	if !a.okAddress(p) || !a.cinuse(p) {
		return
	}
	if binned := a.disposeChunk(p, a.chunksize(p)); binned != 0 && !isSmall(binned) {
		// Large frees count down to a release of unused segments, which never happens with one segment.
		if checks := a.get(offReleaseChecks) - 1; checks == 0 {
			a.set(offReleaseChecks, maxSizeT)
		} else {
			a.set(offReleaseChecks, checks)
		}
	}
}

// disposeChunk frees the chunk p of psize bytes, coalescing it with its free neighbors. It returns the size of the
// chunk inserted into a bin, or zero when the result was merged into top or the designated victim.
func (a *Allocator) disposeChunk(p, psize uint32) uint32 {
	next := p + psize
	if !a.pinuse(p) {
		prevsize := a.prevFoot(p)
		prev := p - prevsize
		if !a.okAddress(prev) {
			return 0
		}
		psize += prevsize
		p = prev
		if p != a.get(offDv) {
			a.unlinkChunk(p, prevsize)
		} else if a.head(next)&inuseBits == inuseBits {
			a.set(offDvSize, psize)
			a.setFreeWithPinuse(p, psize, next)
			return 0
		}
	}

	if !a.cinuse(next) {
		switch next {
		case a.get(offTop):
			tsize := a.get(offTopSize) + psize
			a.set(offTopSize, tsize)
			a.set(offTop, p)
			a.setHead(p, tsize|pinuseBit)
			if p == a.get(offDv) {
				a.set(offDv, 0)
				a.set(offDvSize, 0)
			}
			return 0
		case a.get(offDv):
			dsize := a.get(offDvSize) + psize
			a.set(offDvSize, dsize)
			a.set(offDv, p)
			a.setSizeAndPinuseOfFreeChunk(p, dsize)
			return 0
		}
		nsize := a.chunksize(next)
		psize += nsize
		a.unlinkChunk(next, nsize)
		a.setSizeAndPinuseOfFreeChunk(p, psize)
		if p == a.get(offDv) {
			a.set(offDvSize, psize)
			return 0
		}
	} else {
		a.setFreeWithPinuse(p, psize, next)
	}

	a.insertChunk(p, psize)
	return psize
}

// Calloc returns a zeroed block of count*size bytes, or ErrOutOfMemory, including when the product overflows.
func (a *Allocator) Calloc(count, size uint32) (uint32, error) {
	req := uint64(count) * uint64(size)
	if req > uint64(maxSizeT) {
		return 0, ErrOutOfMemory
	}
	mem, err := a.Malloc(uint32(req))
	if err != nil {
		return 0, err
	}
	a.mem.Fill(uint64(mem), 0, uint32(req))
	return mem, nil
}

// Realloc resizes the block at mem to n bytes, in place when the chunk can shrink or absorb free space after it,
// otherwise by moving the contents to a new block. Realloc(0, n) is Malloc(n) and Realloc(mem, 0) frees mem and
// returns 0. On error the block at mem is left untouched.
func (a *Allocator) Realloc(mem, n uint32) (uint32, error) {
	if mem == 0 {
		return a.Malloc(n)
	}
	if n >= MaxRequest {
		return 0, ErrOutOfMemory
	}
	if n == 0 {
		a.Free(mem)
		return 0, nil
	}

	oldp := mem2chunk(mem)
	if !a.okAddress(oldp) || !a.cinuse(oldp) {
		return 0, ErrInvalidPointer
	}
	if newp := a.tryReallocChunk(oldp, request2size(n)); newp != 0 {
		return chunk2mem(newp), nil
	}

	moved, err := a.Malloc(n)
	if err != nil {
		return 0, err
	}
	oc := a.chunksize(oldp) - chunkOverhead
	if oc > n {
		oc = n
	}
	a.mem.Copy(uint64(moved), uint64(mem), oc)
	a.Free(mem)
	return moved, nil
}

// tryReallocChunk resizes the in use chunk p to nb bytes without moving it, returning 0 when that is not possible.
func (a *Allocator) tryReallocChunk(p, nb uint32) uint32 {
	oldsize := a.chunksize(p)
	next := p + oldsize

	switch {
	case oldsize >= nb:
		if rsize := oldsize - nb; rsize >= minChunkSize {
			r := p + nb
			a.setInuse(p, nb)
			a.setInuse(r, rsize)
			a.disposeChunk(r, rsize)
		}
		return p

	case next == a.get(offTop):
		topsize := a.get(offTopSize)
		if oldsize+topsize <= nb {
			return 0
		}
		newtopsize := oldsize + topsize - nb
		newtop := p + nb
		a.setInuse(p, nb)
		a.setHead(newtop, newtopsize|pinuseBit)
		a.set(offTop, newtop)
		a.set(offTopSize, newtopsize)
		return p

	case next == a.get(offDv):
		dvs := a.get(offDvSize)
		if oldsize+dvs < nb {
			return 0
		}
		if dsize := oldsize + dvs - nb; dsize >= minChunkSize {
			r := p + nb
			a.setInuse(p, nb)
			a.setSizeAndPinuseOfFreeChunk(r, dsize)
			a.clearPinuse(r + dsize)
			a.set(offDvSize, dsize)
			a.set(offDv, r)
		} else {
			a.setInuse(p, oldsize+dvs)
			a.set(offDvSize, 0)
			a.set(offDv, 0)
		}
		return p

	case !a.cinuse(next):
		nextsize := a.chunksize(next)
		if oldsize+nextsize < nb {
			return 0
		}
		rsize := oldsize + nextsize - nb
		a.unlinkChunk(next, nextsize)
		if rsize < minChunkSize {
			a.setInuse(p, oldsize+nextsize)
		} else {
			r := p + nb
			a.setInuse(p, nb)
			a.setInuse(r, rsize)
			a.disposeChunk(r, rsize)
		}
		return p
	}
	return 0
}

// UsableSize returns the number of bytes usable in the block at mem, which can exceed the requested size.
func (a *Allocator) UsableSize(mem uint32) uint32 {
	if mem == 0 {
		return 0
	}
	p := mem2chunk(mem)
	if !a.isInuse(p) {
		return 0
	}
	return a.chunksize(p) - chunkOverhead
}

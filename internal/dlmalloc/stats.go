package dlmalloc

import (
	"fmt"
)

// Stats is a summary of the arena, in the manner of mallinfo.
type Stats struct {
	// Footprint is the number of bytes obtained from sbrk.
	Footprint uint32
	// MaxFootprint is the highest Footprint so far.
	MaxFootprint uint32
	// Arena is the number of bytes covered by chunks, including top.
	Arena uint32
	// InUse is the number of bytes in allocated chunks, including their overhead.
	InUse uint32
	// Free is the number of bytes in free chunks, including top and its foot.
	Free uint32
	// FreeChunks counts free chunks, including top.
	FreeChunks uint32
	// TopSize is the size of the top chunk, which could be given back to the system.
	TopSize uint32
}

// String implements fmt.Stringer
func (s Stats) String() string {
	return fmt.Sprintf("footprint=%d max_footprint=%d arena=%d in_use=%d free=%d free_chunks=%d top=%d",
		s.Footprint, s.MaxFootprint, s.Arena, s.InUse, s.Free, s.FreeChunks, s.TopSize)
}

// Stats returns a summary of the arena. It is all zeros before the first allocation.
func (a *Allocator) Stats() Stats {
	top := a.get(offTop)
	if top == 0 {
		return Stats{}
	}
	s := Stats{
		Footprint:    a.get(offFootprint),
		MaxFootprint: a.get(offMaxFootprint),
		TopSize:      a.get(offTopSize),
		FreeChunks:   1,
	}
	s.Free = s.TopSize + topFootSize
	sum := s.Free
	a.walk(func(q, size uint32, inuse bool) bool {
		sum += size
		if !inuse {
			s.Free += size
			s.FreeChunks++
		}
		return true
	})
	s.Arena = sum
	s.InUse = s.Footprint - s.Free
	return s
}

// walk calls fn for every chunk of the segment below top, in address order, until fn returns false.
func (a *Allocator) walk(fn func(q, size uint32, inuse bool) bool) {
	top := a.get(offTop)
	base, end := a.get(offSegBase), a.get(offSegBase)+a.get(offSegSize)
	for q := alignAsChunk(base); q >= base && q < end && q != top && a.head(q) != fencepostHead; {
		size := a.chunksize(q)
		if !fn(q, size, a.isInuse(q)) || size == 0 {
			return
		}
		q += size
	}
}

// Check walks the arena and its bins and returns an error describing the first inconsistency found: a boundary tag
// disagreeing with its neighbor, two adjacent free chunks, a free chunk missing from its bin, a bin holding a chunk of
// the wrong size, a bitmap out of sync with its bin, or chunk sizes not adding up to the footprint.
func (a *Allocator) Check() error {
	top := a.get(offTop)
	if top == 0 {
		return nil
	}

	if err := a.checkTop(); err != nil {
		return err
	}
	if dv := a.get(offDv); dv != 0 {
		if err := a.checkFreeChunk(dv); err != nil {
			return fmt.Errorf("dv: %w", err)
		}
		if a.chunksize(dv) != a.get(offDvSize) {
			return fmt.Errorf("dv %#x: size %d, dvsize %d", dv, a.chunksize(dv), a.get(offDvSize))
		}
	}

	binned := map[uint32]bool{}
	for i := uint32(0); i < nSmallBins; i++ {
		if err := a.checkSmallbin(i, binned); err != nil {
			return err
		}
	}
	for i := uint32(0); i < nTreeBins; i++ {
		if err := a.checkTreebin(i, binned); err != nil {
			return err
		}
	}

	var err error
	sum := uint32(0)
	prevFree := false
	a.walk(func(q, size uint32, inuse bool) bool {
		sum += size
		if err = a.checkChunk(q); err != nil {
			return false
		}
		if !inuse {
			if prevFree {
				err = fmt.Errorf("chunk %#x: adjacent free chunks", q)
				return false
			}
			if q != a.get(offDv) && !binned[q] {
				err = fmt.Errorf("chunk %#x: free chunk of size %d is in no bin", q, size)
				return false
			}
		}
		prevFree = !inuse
		return true
	})
	if err != nil {
		return err
	}
	if prevFree {
		return fmt.Errorf("top %#x: follows a free chunk", top)
	}

	base := a.get(offSegBase)
	if total := (alignAsChunk(base) - base) + sum + a.get(offTopSize) + topFootSize; total != a.get(offSegSize) {
		return fmt.Errorf("chunks cover %d bytes, segment has %d", total, a.get(offSegSize))
	}
	if fp := a.get(offFootprint); fp != a.get(offSegSize) {
		return fmt.Errorf("footprint %d, segment size %d", fp, a.get(offSegSize))
	}
	return nil
}

func (a *Allocator) checkTop() error {
	top, topsize := a.get(offTop), a.get(offTopSize)
	switch {
	case (chunk2mem(top))&chunkAlignMask != 0:
		return fmt.Errorf("top %#x: misaligned", top)
	case a.chunksize(top) != topsize:
		return fmt.Errorf("top %#x: size %d, topsize %d", top, a.chunksize(top), topsize)
	case !a.pinuse(top):
		return fmt.Errorf("top %#x: previous chunk not in use", top)
	case a.head(top+topsize) != topFootSize:
		return fmt.Errorf("top %#x: missing fencepost", top)
	case a.segmentHolding(top) == 0:
		return fmt.Errorf("top %#x: outside the segment", top)
	}
	return nil
}

// checkChunk checks the boundary tags of q against its neighbors.
func (a *Allocator) checkChunk(q uint32) error {
	size := a.chunksize(q)
	next := q + size
	switch {
	case chunk2mem(q)&chunkAlignMask != 0:
		return fmt.Errorf("chunk %#x: misaligned", q)
	case size < minChunkSize || size&chunkAlignMask != 0:
		return fmt.Errorf("chunk %#x: bad size %d", q, size)
	case q < a.get(offLeastAddr):
		return fmt.Errorf("chunk %#x: below least address", q)
	case next > a.get(offTop):
		return fmt.Errorf("chunk %#x: overlaps top", q)
	case a.cinuse(q) != a.pinuse(next):
		return fmt.Errorf("chunk %#x: next chunk disagrees on its use", q)
	}
	if !a.cinuse(q) {
		if a.prevFoot(next) != size {
			return fmt.Errorf("chunk %#x: foot %d, size %d", q, a.prevFoot(next), size)
		}
		if !a.pinuse(q) {
			return fmt.Errorf("chunk %#x: free chunk after a free chunk", q)
		}
	}
	return nil
}

func (a *Allocator) checkFreeChunk(p uint32) error {
	if a.cinuse(p) {
		return fmt.Errorf("chunk %#x: in use", p)
	}
	return a.checkChunk(p)
}

func (a *Allocator) checkSmallbin(i uint32, binned map[uint32]bool) error {
	// The links of a bin are left stale when it empties: only the bitmap says whether it holds chunks.
	b := a.smallbinAt(i)
	if !a.smallmapIsMarked(i) {
		return nil
	}
	if a.load(b+offBk) == b {
		return fmt.Errorf("smallbin %d: marked but empty", i)
	}
	for p := a.load(b + offBk); p != b; p = a.load(p + offBk) {
		if err := a.checkFreeChunk(p); err != nil {
			return fmt.Errorf("smallbin %d: %w", i, err)
		}
		if size := a.chunksize(p); smallIndex(size) != i {
			return fmt.Errorf("smallbin %d: chunk %#x of size %d", i, p, size)
		}
		if a.load(a.load(p+offBk)+offFd) != p {
			return fmt.Errorf("smallbin %d: chunk %#x: broken links", i, p)
		}
		if binned[p] {
			return fmt.Errorf("smallbin %d: chunk %#x binned twice", i, p)
		}
		binned[p] = true
	}
	return nil
}

func (a *Allocator) checkTreebin(i uint32, binned map[uint32]bool) error {
	t := a.load(a.treebinAt(i))
	if (t == 0) == a.treemapIsMarked(i) {
		return fmt.Errorf("treebin %d: bitmap says empty=%v", i, t != 0)
	}
	if t == 0 {
		return nil
	}
	if parent := a.load(t + offParent); parent != a.treebinAt(i) {
		return fmt.Errorf("treebin %d: root %#x has parent %#x", i, t, parent)
	}
	return a.checkTree(i, t, binned)
}

// checkTree checks the subtree rooted at t of tree bin i, and every chunk chained to its nodes.
func (a *Allocator) checkTree(i, t uint32, binned map[uint32]bool) error {
	size := a.chunksize(t)
	if computeTreeIndex(size) != i || size < minsizeForTreeIndex(i) {
		return fmt.Errorf("treebin %d: node %#x of size %d", i, t, size)
	}

	u := t
	for {
		if err := a.checkFreeChunk(u); err != nil {
			return fmt.Errorf("treebin %d: %w", i, err)
		}
		if a.load(u+offIndex) != i || a.chunksize(u) != size {
			return fmt.Errorf("treebin %d: chunk %#x chained to a node of size %d", i, u, size)
		}
		if a.load(a.load(u+offFd)+offBk) != u {
			return fmt.Errorf("treebin %d: chunk %#x: broken links", i, u)
		}
		if binned[u] {
			return fmt.Errorf("treebin %d: chunk %#x binned twice", i, u)
		}
		binned[u] = true
		if u = a.load(u + offFd); u == t {
			break
		}
		if a.load(u+offParent) != 0 || a.child(u, 0) != 0 || a.child(u, 1) != 0 {
			return fmt.Errorf("treebin %d: chained chunk %#x has tree links", i, u)
		}
	}

	for side := uint32(0); side < 2; side++ {
		c := a.child(t, side)
		if c == 0 {
			continue
		}
		if a.load(c+offParent) != t {
			return fmt.Errorf("treebin %d: child %#x does not point back to %#x", i, c, t)
		}
		if err := a.checkTree(i, c, binned); err != nil {
			return err
		}
	}
	if c0, c1 := a.child(t, 0), a.child(t, 1); c0 != 0 && c1 != 0 && a.chunksize(c0) >= a.chunksize(c1) {
		return fmt.Errorf("treebin %d: children of %#x out of order", i, t)
	}
	return nil
}

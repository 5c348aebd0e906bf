package memory

import (
	"fmt"
	"sort"

	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
)

func alignUp(a, align uint64) uint64 {
	if align <= 1 {
		return a
	}
	m := a % align
	if m == 0 {
		return a
	}
	return a - m + align
}

// freeList tracks the free ranges of one block, sorted by offset and never adjacent.
type freeList struct {
	ranges []metadata.MemoryRange
}

func newFreeList(size uint64) *freeList {
	return &freeList{ranges: []metadata.MemoryRange{{Offset: 0, Size: size}}}
}

// fit is a candidate placement of an allocation inside free range idx.
type fit struct {
	idx    int
	offset uint64
	waste  uint64
}

// bestFit returns the free range that leaves the least unused space once size bytes are
// placed at the first aligned offset inside it.
func (f *freeList) bestFit(size, align uint64) (fit, bool) {
	best := fit{idx: -1}
	for i, r := range f.ranges {
		offset := alignUp(r.Offset, align)
		if offset+size > r.End() {
			continue
		}
		waste := r.Size - size
		if best.idx == -1 || waste < best.waste {
			best = fit{idx: i, offset: offset, waste: waste}
		}
	}
	return best, best.idx != -1
}

// take carves [offset, offset+size) out of range idx. Padding in front of offset and the
// tail after it remain free.
func (f *freeList) take(c fit, size uint64) metadata.MemoryRange {
	r := f.ranges[c.idx]
	var split []metadata.MemoryRange
	if c.offset > r.Offset {
		split = append(split, metadata.MemoryRange{Offset: r.Offset, Size: c.offset - r.Offset})
	}
	if end := c.offset + size; end < r.End() {
		split = append(split, metadata.MemoryRange{Offset: end, Size: r.End() - end})
	}
	tail := append(split, f.ranges[c.idx+1:]...)
	f.ranges = append(f.ranges[:c.idx], tail...)
	return metadata.MemoryRange{Offset: c.offset, Size: size}
}

// release returns r to the list and merges it with its neighbours.
func (f *freeList) release(r metadata.MemoryRange) error {
	i := sort.Search(len(f.ranges), func(i int) bool { return f.ranges[i].Offset >= r.Offset })
	if i < len(f.ranges) && f.ranges[i].Overlaps(r) {
		return fmt.Errorf("range [%d, %d) already free: %w", r.Offset, r.End(), core.ErrInvalidArgument)
	}
	if i > 0 && f.ranges[i-1].Overlaps(r) {
		return fmt.Errorf("range [%d, %d) already free: %w", r.Offset, r.End(), core.ErrInvalidArgument)
	}

	mergePrev := i > 0 && f.ranges[i-1].End() == r.Offset
	mergeNext := i < len(f.ranges) && r.End() == f.ranges[i].Offset
	switch {
	case mergePrev && mergeNext:
		f.ranges[i-1].Size += r.Size + f.ranges[i].Size
		f.ranges = append(f.ranges[:i], f.ranges[i+1:]...)
	case mergePrev:
		f.ranges[i-1].Size += r.Size
	case mergeNext:
		f.ranges[i].Offset = r.Offset
		f.ranges[i].Size += r.Size
	default:
		f.ranges = append(f.ranges, metadata.MemoryRange{})
		copy(f.ranges[i+1:], f.ranges[i:])
		f.ranges[i] = r
	}
	return nil
}

func (f *freeList) freeBytes() uint64 {
	var n uint64
	for _, r := range f.ranges {
		n += r.Size
	}
	return n
}

func (f *freeList) largest() uint64 {
	var n uint64
	for _, r := range f.ranges {
		if r.Size > n {
			n = r.Size
		}
	}
	return n
}

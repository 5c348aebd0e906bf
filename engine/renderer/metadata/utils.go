package metadata

import "golang.org/x/exp/constraints"

// MemoryRange is a byte range inside a device memory block.
type MemoryRange struct {
	Offset uint64
	Size   uint64
}

func (r MemoryRange) End() uint64 {
	return r.Offset + r.Size
}

func (r MemoryRange) Overlaps(o MemoryRange) bool {
	return r.Offset < o.End() && o.Offset < r.End()
}

func GetAlignedRange(offset, size, granularity uint64) MemoryRange {
	return MemoryRange{
		Offset: AlignUp(offset, granularity),
		Size:   AlignUp(size, granularity),
	}
}

// AlignUp rounds operand up to the next multiple of granularity, which must be a power of two.
func AlignUp[T constraints.Unsigned](operand, granularity T) T {
	if granularity <= 1 {
		return operand
	}
	return (operand + (granularity - 1)) &^ (granularity - 1)
}

func IsPowerOfTwo[T constraints.Unsigned](v T) bool {
	return v != 0 && v&(v-1) == 0
}

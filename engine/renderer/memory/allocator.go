package memory

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
)

const DefaultBlockSize uint64 = 64 << 20

// Pool is one device memory block carved up by a free list. Pools are never returned to the
// device before the allocator is destroyed.
type Pool struct {
	ID          int
	Kind        metadata.MemoryKind
	memory      metadata.DeviceMemory
	size        uint64
	free        *freeList
	allocations int
}

// Allocation is a sub-range of a pool.
type Allocation struct {
	pool   *Pool
	Offset uint64
	Size   uint64
	freed  bool
}

func (a *Allocation) Memory() metadata.DeviceMemory {
	return a.pool.memory
}

func (a *Allocation) Kind() metadata.MemoryKind {
	return a.pool.Kind
}

func (a *Allocation) PoolID() int {
	return a.pool.ID
}

func (a *Allocation) Range() metadata.MemoryRange {
	return metadata.MemoryRange{Offset: a.Offset, Size: a.Size}
}

// Bytes is the mapped view of the allocation, nil for device-local memory.
func (a *Allocation) Bytes() []byte {
	mapped := a.pool.memory.Mapped()
	if mapped == nil {
		return nil
	}
	return mapped[a.Offset : a.Offset+a.Size : a.Offset+a.Size]
}

func (a *Allocation) String() string {
	return fmt.Sprintf("%s pool %d [%d %d]", a.pool.Kind, a.pool.ID, a.Offset, a.Size)
}

type PoolStats struct {
	ID          int
	Kind        metadata.MemoryKind
	Size        uint64
	Used        uint64
	FreeRanges  int
	Largest     uint64
	Allocations int
}

// Allocator sub-allocates device memory per memory kind with a best-fit policy.
type Allocator struct {
	mu        sync.Mutex
	device    metadata.Device
	blockSize uint64
	pools     map[metadata.MemoryKind][]*Pool
	nextID    int
}

func NewAllocator(device metadata.Device, blockSize uint64) *Allocator {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	return &Allocator{
		device:    device,
		blockSize: blockSize,
		pools:     make(map[metadata.MemoryKind][]*Pool),
	}
}

func (a *Allocator) Allocate(size, alignment uint64, kind metadata.MemoryKind) (*Allocation, error) {
	if size == 0 {
		return nil, fmt.Errorf("zero sized allocation: %w", core.ErrInvalidArgument)
	}
	if alignment == 0 {
		alignment = 1
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		bestPool *Pool
		bestFit  fit
	)
	for _, p := range a.pools[kind] {
		c, ok := p.free.bestFit(size, alignment)
		if !ok {
			continue
		}
		if bestPool == nil || c.waste < bestFit.waste {
			bestPool, bestFit = p, c
		}
	}

	if bestPool == nil {
		p, err := a.grow(kind, alignUp(size, alignment))
		if err != nil {
			return nil, err
		}
		c, ok := p.free.bestFit(size, alignment)
		if !ok {
			return nil, fmt.Errorf("fresh %s block of %d bytes cannot fit %d: %w", kind, p.size, size, core.ErrOutOfMemory)
		}
		bestPool, bestFit = p, c
	}

	r := bestPool.free.take(bestFit, size)
	bestPool.allocations++
	return &Allocation{pool: bestPool, Offset: r.Offset, Size: r.Size}, nil
}

// grow appends a new block of max(blockSize, minSize) bytes. Called with mu held.
func (a *Allocator) grow(kind metadata.MemoryKind, minSize uint64) (*Pool, error) {
	size := a.blockSize
	if minSize > size {
		size = minSize
	}
	mem, err := a.device.AllocateMemory(size, kind)
	if err != nil {
		err = fmt.Errorf("failed to grow %s memory by %d bytes: %w", kind, size, err)
		core.LogError("%s", err)
		return nil, err
	}
	p := &Pool{
		ID:     a.nextID,
		Kind:   kind,
		memory: mem,
		size:   size,
		free:   newFreeList(size),
	}
	a.nextID++
	a.pools[kind] = append(a.pools[kind], p)
	core.LogDebug("allocated %s memory block %d (%d bytes)", kind, p.ID, size)
	return p, nil
}

func (a *Allocator) Free(alloc *Allocation) error {
	if alloc == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if alloc.freed {
		return fmt.Errorf("double free of %s: %w", alloc, core.ErrInvalidArgument)
	}
	if err := alloc.pool.free.release(alloc.Range()); err != nil {
		return err
	}
	alloc.freed = true
	alloc.pool.allocations--
	return nil
}

func (a *Allocator) Stats() []PoolStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	var stats []PoolStats
	for _, kind := range []metadata.MemoryKind{metadata.MemoryHostVisible, metadata.MemoryDeviceLocal} {
		for _, p := range a.pools[kind] {
			stats = append(stats, PoolStats{
				ID:          p.ID,
				Kind:        p.Kind,
				Size:        p.size,
				Used:        p.size - p.free.freeBytes(),
				FreeRanges:  len(p.free.ranges),
				Largest:     p.free.largest(),
				Allocations: p.allocations,
			})
		}
	}
	return stats
}

// Destroy returns every block to the device. Outstanding allocations become invalid.
func (a *Allocator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for kind, pools := range a.pools {
		for _, p := range pools {
			if p.allocations > 0 {
				core.LogWarn("%s memory block %d destroyed with %d live allocations", kind, p.ID, p.allocations)
			}
			a.device.FreeMemory(p.memory)
		}
	}
	a.pools = make(map[metadata.MemoryKind][]*Pool)
}

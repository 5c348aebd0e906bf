package memory

import (
	"errors"
	"math/rand"
	"sort"
	"testing"

	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/headless"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
)

func TestAlignUp(t *testing.T) {
	tests := []struct{ in, align, want uint64 }{
		{0, 256, 0},
		{1, 256, 256},
		{256, 256, 256},
		{300, 100, 300},
		{301, 100, 400},
		{7, 0, 7},
	}
	for _, tt := range tests {
		if got := alignUp(tt.in, tt.align); got != tt.want {
			t.Errorf("alignUp(%d, %d) = %d, want %d", tt.in, tt.align, got, tt.want)
		}
	}
}

func TestAllocateKeepsFrontPaddingFree(t *testing.T) {
	a := NewAllocator(headless.NewDevice(headless.Options{}), 4096)
	first, err := a.Allocate(10, 1, metadata.MemoryDeviceLocal)
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.Allocate(100, 256, metadata.MemoryDeviceLocal)
	if err != nil {
		t.Fatal(err)
	}
	if second.Offset != 256 {
		t.Fatalf("aligned offset = %d, want 256", second.Offset)
	}
	// the 246 bytes of padding must still be usable
	third, err := a.Allocate(200, 1, metadata.MemoryDeviceLocal)
	if err != nil {
		t.Fatal(err)
	}
	if third.Offset != 10 {
		t.Fatalf("padding not reused, offset = %d", third.Offset)
	}
	for _, alloc := range []*Allocation{first, second, third} {
		if err := a.Free(alloc); err != nil {
			t.Fatal(err)
		}
	}
	stats := a.Stats()
	if len(stats) != 1 || stats[0].Used != 0 || stats[0].FreeRanges != 1 {
		t.Fatalf("ranges not merged back: %+v", stats)
	}
}

func TestAllocateGrowsAndNeverShrinks(t *testing.T) {
	dev := headless.NewDevice(headless.Options{})
	a := NewAllocator(dev, 1024)
	var allocs []*Allocation
	for i := 0; i < 3; i++ {
		alloc, err := a.Allocate(1024, 1, metadata.MemoryHostVisible)
		if err != nil {
			t.Fatal(err)
		}
		allocs = append(allocs, alloc)
	}
	if len(a.Stats()) != 3 {
		t.Fatalf("pools = %d, want 3", len(a.Stats()))
	}
	for _, alloc := range allocs {
		if err := a.Free(alloc); err != nil {
			t.Fatal(err)
		}
	}
	if len(a.Stats()) != 3 || dev.AllocatedBytes(metadata.MemoryHostVisible) != 3*1024 {
		t.Fatal("pools were returned to the device")
	}

	big, err := a.Allocate(5000, 1, metadata.MemoryDeviceLocal)
	if err != nil {
		t.Fatal(err)
	}
	if big.Memory().Size() != 5000 {
		t.Fatalf("oversized block = %d, want 5000", big.Memory().Size())
	}
}

func TestAllocateSeparatesKinds(t *testing.T) {
	a := NewAllocator(headless.NewDevice(headless.Options{}), 1024)
	host, _ := a.Allocate(16, 1, metadata.MemoryHostVisible)
	local, _ := a.Allocate(16, 1, metadata.MemoryDeviceLocal)
	if host.PoolID() == local.PoolID() {
		t.Fatal("host-visible and device-local share a pool")
	}
	if host.Bytes() == nil || local.Bytes() != nil {
		t.Fatal("only host-visible allocations are mapped")
	}
}

func TestAllocateOutOfMemory(t *testing.T) {
	dev := headless.NewDevice(headless.Options{
		MemoryBudget: map[metadata.MemoryKind]uint64{metadata.MemoryDeviceLocal: 2048},
	})
	a := NewAllocator(dev, 2048)
	if _, err := a.Allocate(2048, 1, metadata.MemoryDeviceLocal); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Allocate(1, 1, metadata.MemoryDeviceLocal); !errors.Is(err, core.ErrOutOfMemory) {
		t.Fatalf("Allocate = %v, want ErrOutOfMemory", err)
	}
}

func TestDoubleFree(t *testing.T) {
	a := NewAllocator(headless.NewDevice(headless.Options{}), 1024)
	alloc, _ := a.Allocate(64, 1, metadata.MemoryHostVisible)
	if err := a.Free(alloc); err != nil {
		t.Fatal(err)
	}
	if err := a.Free(alloc); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("double free = %v", err)
	}
}

// Random allocate/free sequences never produce overlapping live ranges and the used bytes of
// a pool never exceed its size.
func TestRandomSequenceNeverOverlaps(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	a := NewAllocator(headless.NewDevice(headless.Options{}), 64<<10)
	var live []*Allocation
	for step := 0; step < 4000; step++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			i := rng.Intn(len(live))
			if err := a.Free(live[i]); err != nil {
				t.Fatalf("step %d: %v", step, err)
			}
			live = append(live[:i], live[i+1:]...)
			continue
		}
		size := uint64(rng.Intn(8<<10) + 1)
		align := uint64(1) << uint(rng.Intn(9))
		alloc, err := a.Allocate(size, align, metadata.MemoryDeviceLocal)
		if err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
		if alloc.Offset%align != 0 {
			t.Fatalf("step %d: offset %d not aligned to %d", step, alloc.Offset, align)
		}
		live = append(live, alloc)
	}

	byPool := map[int][]*Allocation{}
	for _, alloc := range live {
		byPool[alloc.PoolID()] = append(byPool[alloc.PoolID()], alloc)
	}
	for id, allocs := range byPool {
		sort.Slice(allocs, func(i, j int) bool { return allocs[i].Offset < allocs[j].Offset })
		var used uint64
		for i, alloc := range allocs {
			used += alloc.Size
			if alloc.Offset+alloc.Size > alloc.Memory().Size() {
				t.Fatalf("pool %d: allocation %s past end of block", id, alloc)
			}
			if i > 0 && allocs[i-1].Range().Overlaps(alloc.Range()) {
				t.Fatalf("pool %d: %s overlaps %s", id, allocs[i-1], alloc)
			}
		}
		for _, s := range a.Stats() {
			if s.ID == id && s.Used != used {
				t.Fatalf("pool %d: stats used %d, live %d", id, s.Used, used)
			}
		}
	}
}

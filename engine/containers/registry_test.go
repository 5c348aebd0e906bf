package containers

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/spaghettifunk/ember/engine/core"
)

type texture struct {
	name string
}

func TestRegistryCreateGet(t *testing.T) {
	r := NewRegistry[*texture]()
	h := r.Create(&texture{name: "albedo"})
	if h.IsZero() {
		t.Fatal("created handle is zero")
	}
	if h.Generation != 1 {
		t.Fatalf("generation = %d, want 1", h.Generation)
	}
	got, ok := r.Get(h)
	if !ok || got.name != "albedo" {
		t.Fatalf("Get(%s) = %v, %v", h, got, ok)
	}
	if _, ok := r.Get(Handle[*texture]{}); ok {
		t.Fatal("zero handle resolved")
	}
}

func TestRegistryStaleHandleAfterReuse(t *testing.T) {
	r := NewRegistry[int]()
	h := r.Create(7)
	if _, err := r.Destroy(h); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, ok := r.Get(h); ok {
		t.Fatal("pending-destroy handle resolved")
	}
	if r.State(h) != SlotPendingDestroy {
		t.Fatalf("state = %s", r.State(h))
	}
	if _, err := r.Release(h); err != nil {
		t.Fatalf("Release: %v", err)
	}

	h2 := r.Create(9)
	if h2.Index != h.Index {
		t.Fatalf("slot not reused: %s vs %s", h2, h)
	}
	if h2.Generation == h.Generation {
		t.Fatal("generation not advanced on reuse")
	}
	if _, ok := r.Get(h); ok {
		t.Fatal("stale handle resolved to new payload")
	}
	if v, ok := r.Get(h2); !ok || v != 9 {
		t.Fatalf("Get(h2) = %d, %v", v, ok)
	}
}

func TestRegistryDoubleDestroy(t *testing.T) {
	r := NewRegistry[int]()
	h := r.Create(1)
	if _, err := r.Destroy(h); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Destroy(h); !errors.Is(err, core.ErrStaleHandle) {
		t.Fatalf("second Destroy = %v, want ErrStaleHandle", err)
	}
	if _, err := r.Release(Handle[int]{Index: 4, Generation: 1}); !errors.Is(err, core.ErrStaleHandle) {
		t.Fatalf("Release unknown = %v", err)
	}
}

func TestRegistryRetiresExhaustedSlot(t *testing.T) {
	r := NewRegistry[int]()
	h := r.Create(1)
	r.slots[h.Index].generation = math.MaxUint32
	h.Generation = math.MaxUint32
	if _, err := r.Destroy(h); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Release(h); err != nil {
		t.Fatal(err)
	}
	h2 := r.Create(2)
	if h2.Index == h.Index {
		t.Fatal("exhausted slot was reused")
	}
}

func TestRegistryUpdateAndEach(t *testing.T) {
	r := NewRegistry[int]()
	a := r.Create(1)
	b := r.Create(2)
	if err := r.Update(a, func(v int) int { return v + 10 }); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Destroy(b); err != nil {
		t.Fatal(err)
	}
	sum := 0
	r.Each(func(_ Handle[int], v int) bool {
		sum += v
		return true
	})
	if sum != 11 {
		t.Fatalf("sum of live payloads = %d, want 11", sum)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	if err := r.Update(b, func(v int) int { return v }); !errors.Is(err, core.ErrStaleHandle) {
		t.Fatalf("Update destroyed = %v", err)
	}
}

func TestRegistryConcurrentCreate(t *testing.T) {
	r := NewRegistry[int]()
	var wg sync.WaitGroup
	handles := make([]Handle[int], 64)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i] = r.Create(i)
		}(i)
	}
	wg.Wait()
	seen := map[uint32]bool{}
	for i, h := range handles {
		if seen[h.Index] {
			t.Fatalf("index %d handed out twice", h.Index)
		}
		seen[h.Index] = true
		if v, ok := r.Get(h); !ok || v != i {
			t.Fatalf("Get(%s) = %d, %v", h, v, ok)
		}
	}
}

package containers

import (
	"fmt"
	"math"
	"sync"

	"github.com/spaghettifunk/ember/engine/core"
)

// Handle is an opaque reference into a Registry. The zero value is never valid.
type Handle[T any] struct {
	Index      uint32
	Generation uint32
}

func (h Handle[T]) IsZero() bool {
	return h.Generation == 0
}

func (h Handle[T]) String() string {
	return fmt.Sprintf("%d:%d", h.Index, h.Generation)
}

type SlotState uint8

const (
	SlotEmpty SlotState = iota
	SlotLive
	SlotPendingDestroy
)

func (s SlotState) String() string {
	switch s {
	case SlotLive:
		return "live"
	case SlotPendingDestroy:
		return "pending-destroy"
	default:
		return "empty"
	}
}

type slot[T any] struct {
	generation uint32
	state      SlotState
	payload    T
}

// Registry maps generational handles to payloads. Destroy only marks a slot, the owner
// releases it once nothing in flight can reference the payload anymore.
type Registry[T any] struct {
	mu      sync.RWMutex
	slots   []slot[T]
	free    []uint32
	live    int
	retired int
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{}
}

func (r *Registry[T]) Create(payload T) Handle[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	var index uint32
	if n := len(r.free); n > 0 {
		index = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		index = uint32(len(r.slots))
		r.slots = append(r.slots, slot[T]{generation: 1})
	}
	s := &r.slots[index]
	s.state = SlotLive
	s.payload = payload
	r.live++
	return Handle[T]{Index: index, Generation: s.generation}
}

func (r *Registry[T]) lookup(h Handle[T]) (*slot[T], bool) {
	if h.Generation == 0 || int(h.Index) >= len(r.slots) {
		return nil, false
	}
	s := &r.slots[h.Index]
	if s.generation != h.Generation {
		return nil, false
	}
	return s, true
}

// Get returns the payload of a live handle.
func (r *Registry[T]) Get(h Handle[T]) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.lookup(h)
	if !ok || s.state != SlotLive {
		var zero T
		return zero, false
	}
	return s.payload, true
}

// State reports the slot state as seen through h. Stale handles report SlotEmpty.
func (r *Registry[T]) State(h Handle[T]) SlotState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.lookup(h)
	if !ok {
		return SlotEmpty
	}
	return s.state
}

// Update replaces the payload of a live handle.
func (r *Registry[T]) Update(h Handle[T], fn func(T) T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.lookup(h)
	if !ok || s.state != SlotLive {
		return fmt.Errorf("handle %s: %w", h, core.ErrStaleHandle)
	}
	s.payload = fn(s.payload)
	return nil
}

// Destroy moves a live slot into pending-destroy and returns its payload.
func (r *Registry[T]) Destroy(h Handle[T]) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.lookup(h)
	if !ok || s.state != SlotLive {
		var zero T
		return zero, fmt.Errorf("handle %s: %w", h, core.ErrStaleHandle)
	}
	s.state = SlotPendingDestroy
	r.live--
	return s.payload, nil
}

// Release frees a pending-destroy slot for reuse and returns its payload.
func (r *Registry[T]) Release(h Handle[T]) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	s, ok := r.lookup(h)
	if !ok || s.state != SlotPendingDestroy {
		return zero, fmt.Errorf("handle %s not pending destroy: %w", h, core.ErrStaleHandle)
	}
	payload := s.payload
	s.payload = zero
	s.state = SlotEmpty
	if s.generation == math.MaxUint32 {
		// retired for good, the generation cannot advance without aliasing old handles
		r.retired++
		return payload, nil
	}
	s.generation++
	r.free = append(r.free, h.Index)
	return payload, nil
}

// Each calls fn for every live payload until fn returns false. fn must not modify the registry.
func (r *Registry[T]) Each(fn func(Handle[T], T) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.slots {
		s := &r.slots[i]
		if s.state != SlotLive {
			continue
		}
		if !fn(Handle[T]{Index: uint32(i), Generation: s.generation}, s.payload) {
			return
		}
	}
}

// Len is the number of live entries.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live
}

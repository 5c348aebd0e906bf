package resources

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/headless"
	"github.com/spaghettifunk/ember/engine/renderer/memory"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
)

func newManager(t *testing.T, frames int) (*Manager, *headless.Device) {
	t.Helper()
	core.SetLogOutput(io.Discard)
	dev := headless.NewDevice(headless.Options{})
	return NewManager(dev, memory.NewAllocator(dev, 1<<20), frames), dev
}

func TestUpdateBufferHostVisible(t *testing.T) {
	m, dev := newManager(t, 2)
	h, err := m.CreateBuffer(64, metadata.BufferUsageUniform, metadata.MemoryHostVisible)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateBuffer(h, 8, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	buf, _ := m.Buffer(h)
	got := dev.BufferContents(buf.Native(0))
	if !bytes.Equal(got[8:12], []byte{1, 2, 3, 4}) {
		t.Fatalf("contents = %v", got[:12])
	}
	if err := m.UpdateBuffer(h, 62, []byte{1, 2, 3}); !errors.Is(err, core.ErrOutOfRange) {
		t.Fatalf("out of range write = %v", err)
	}
}

func TestUpdateBufferRange(t *testing.T) {
	m, _ := newManager(t, 2)
	h, err := m.CreateBuffer(16, metadata.BufferUsageUniform, metadata.MemoryHostVisible)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name   string
		offset uint64
		size   int
		ok     bool
	}{
		{"whole buffer", 0, 16, true},
		{"tail", 12, 4, true},
		{"empty at end", 16, 0, true},
		{"one past the end", 13, 4, false},
		{"offset past the end", 17, 0, false},
		{"wrapping offset", math.MaxUint64 - 3, 8, false},
		{"max offset", math.MaxUint64, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.UpdateBuffer(h, tt.offset, make([]byte, tt.size))
			if tt.ok && err != nil {
				t.Fatalf("UpdateBuffer = %v", err)
			}
			if !tt.ok && !errors.Is(err, core.ErrOutOfRange) {
				t.Fatalf("UpdateBuffer = %v, want ErrOutOfRange", err)
			}
		})
	}
}

func TestUpdateBufferDeviceLocalFails(t *testing.T) {
	m, _ := newManager(t, 2)
	h, err := m.CreateBuffer(256, metadata.BufferUsageVertex, metadata.MemoryDeviceLocal)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateBuffer(h, 0, []byte{1}); !errors.Is(err, core.ErrWrongMemoryKind) {
		t.Fatalf("UpdateBuffer = %v, want ErrWrongMemoryKind", err)
	}
}

func TestMutableBufferWritesCurrentSlot(t *testing.T) {
	m, dev := newManager(t, 3)
	h, err := m.CreateBufferWithDesc(BufferDesc{
		Size:       16,
		Usage:      metadata.BufferUsageUniform,
		Kind:       metadata.MemoryHostVisible,
		Mutability: metadata.BufferMutable,
	})
	if err != nil {
		t.Fatal(err)
	}
	buf, _ := m.Buffer(h)
	if buf.Copies() != 3 {
		t.Fatalf("copies = %d, want 3", buf.Copies())
	}
	m.BeginFrame(1, 1)
	if err := m.UpdateBuffer(h, 0, []byte{9}); err != nil {
		t.Fatal(err)
	}
	if dev.BufferContents(buf.Native(0))[0] != 0 || dev.BufferContents(buf.Native(1))[0] != 9 {
		t.Fatal("write did not land in the copy of slot 1 only")
	}
	if _, err := m.CreateBufferWithDesc(BufferDesc{Size: 4, Kind: metadata.MemoryDeviceLocal, Mutability: metadata.BufferMutable}); !errors.Is(err, core.ErrWrongMemoryKind) {
		t.Fatalf("mutable device-local = %v", err)
	}
}

func TestDestroyIsDeferredUntilFrameCompletes(t *testing.T) {
	m, dev := newManager(t, 2)
	m.BeginFrame(5, 1)
	h, _ := m.CreateBuffer(32, metadata.BufferUsageVertex, metadata.MemoryDeviceLocal)
	buf, _ := m.Buffer(h)
	native := buf.Native(0)

	if err := m.DestroyBuffer(h); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Buffer(h); !errors.Is(err, core.ErrStaleHandle) {
		t.Fatalf("Buffer after destroy = %v, want ErrStaleHandle", err)
	}
	if err := m.DestroyBuffer(h); !errors.Is(err, core.ErrStaleHandle) {
		t.Fatalf("double destroy = %v", err)
	}
	if n := m.Sweep(4); n != 0 || dev.IsDestroyed(native) {
		t.Fatal("buffer released before its frame completed")
	}
	if n := m.Sweep(5); n != 1 || !dev.IsDestroyed(native) {
		t.Fatal("buffer not released after its frame completed")
	}
	if m.PendingDestroyCount() != 0 {
		t.Fatalf("pending = %d", m.PendingDestroyCount())
	}
	h2, _ := m.CreateBuffer(32, metadata.BufferUsageVertex, metadata.MemoryDeviceLocal)
	if h2.Index == h.Index && h2.Generation == h.Generation {
		t.Fatal("released slot reused with the same generation")
	}
}

func TestBusyBufferOutlivesSweep(t *testing.T) {
	m, dev := newManager(t, 2)
	h, _ := m.CreateBuffer(32, metadata.BufferUsageVertex, metadata.MemoryDeviceLocal)
	buf, _ := m.Buffer(h)
	buf.BeginUpload()
	_ = m.DestroyBuffer(h)
	if m.Sweep(100) != 0 || dev.IsDestroyed(buf.Native(0)) {
		t.Fatal("buffer with an upload in flight was released")
	}
	buf.EndUpload()
	if m.Sweep(100) != 1 {
		t.Fatal("buffer not released once the upload finished")
	}
}

func TestImageTransitions(t *testing.T) {
	m, _ := newManager(t, 2)
	h, err := m.CreateImage(metadata.ImageDesc{
		Extent: metadata.Extent2D{Width: 4, Height: 4},
		Format: metadata.FormatR8G8B8A8Unorm,
		Usage:  metadata.ImageUsageTransferDst | metadata.ImageUsageSampled,
	})
	if err != nil {
		t.Fatal(err)
	}
	barrier, err := m.TransitionImage(h, metadata.ImageLayoutUndefined, metadata.ImageLayoutTransferDst)
	if err != nil {
		t.Fatal(err)
	}
	if barrier.Old != metadata.ImageLayoutUndefined || barrier.New != metadata.ImageLayoutTransferDst {
		t.Fatalf("barrier = %+v", barrier)
	}

	tests := []struct {
		name          string
		assumed, next metadata.ImageLayout
	}{
		{"wrong assumption", metadata.ImageLayoutUndefined, metadata.ImageLayoutShaderReadOnly},
		{"back to undefined", metadata.ImageLayoutTransferDst, metadata.ImageLayoutUndefined},
		{"usage not declared", metadata.ImageLayoutTransferDst, metadata.ImageLayoutColorAttachment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.TransitionImage(h, tt.assumed, tt.next); !errors.Is(err, core.ErrInvalidStateTransition) {
				t.Fatalf("TransitionImage = %v, want ErrInvalidStateTransition", err)
			}
		})
	}
	if l, _ := m.ImageLayout(h); l != metadata.ImageLayoutTransferDst {
		t.Fatalf("failed transitions changed the state to %s", l)
	}
	if _, err := m.TransitionImage(h, metadata.ImageLayoutTransferDst, metadata.ImageLayoutShaderReadOnly); err != nil {
		t.Fatal(err)
	}
}

func TestDeferAndShutdown(t *testing.T) {
	m, dev := newManager(t, 2)
	m.BeginFrame(3, 0)
	ran := false
	m.Defer("old pipeline", func() { ran = true })
	if m.Sweep(2); ran {
		t.Fatal("deferred release ran early")
	}
	_, _ = m.CreateBuffer(8, metadata.BufferUsageVertex, metadata.MemoryHostVisible)
	_, _ = m.CreateSampler(metadata.SamplerDesc{})
	m.Shutdown()
	if !ran || dev.Live("buffer") != 0 || dev.Live("sampler") != 0 {
		t.Fatalf("shutdown left live objects: ran=%v buffers=%d samplers=%d", ran, dev.Live("buffer"), dev.Live("sampler"))
	}
}

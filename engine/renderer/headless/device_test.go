package headless

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
)

func newBoundBuffer(t *testing.T, d *Device, size uint64, kind metadata.MemoryKind) metadata.Buffer {
	t.Helper()
	buf, req, err := d.CreateBuffer("test", size, metadata.BufferUsageTransferSrc|metadata.BufferUsageTransferDst, false)
	if err != nil {
		t.Fatal(err)
	}
	mem, err := d.AllocateMemory(req.Size, kind)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.BindBufferMemory(buf, mem, 0); err != nil {
		t.Fatal(err)
	}
	if kind == metadata.MemoryHostVisible {
		copy(mem.Mapped(), bytes.Repeat([]byte{0xAB}, int(size)))
	}
	return buf
}

func TestManualSubmissionSignalsFenceOnStep(t *testing.T) {
	d := NewDevice(Options{Mode: ModeManual})
	src := newBoundBuffer(t, d, 64, metadata.MemoryHostVisible)
	dst := newBoundBuffer(t, d, 64, metadata.MemoryDeviceLocal)
	f, _ := d.CreateFence(false)

	err := d.Submit(metadata.QueueGraphics, metadata.SubmitInfo{
		Commands: []metadata.Command{metadata.CmdCopyBuffer{Src: src, Dst: dst, Size: 64}},
		Fence:    f,
	})
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := d.FenceSignaled(f); ok {
		t.Fatal("fence signalled before the submission completed")
	}
	if err := d.WaitFence(f, 10*time.Millisecond); !errors.Is(err, core.ErrDeviceLost) {
		t.Fatalf("WaitFence on pending work = %v, want ErrDeviceLost", err)
	}

	done := make(chan error, 1)
	go func() { done <- d.WaitFence(f, time.Second) }()
	d.Step()
	if err := <-done; err != nil {
		t.Fatalf("WaitFence after Step: %v", err)
	}
	if got := d.BufferContents(dst); !bytes.Equal(got, bytes.Repeat([]byte{0xAB}, 64)) {
		t.Fatalf("copy not applied: %x", got[:8])
	}
}

func TestUseAfterDestroyIsAFault(t *testing.T) {
	d := NewDevice(Options{Mode: ModeManual})
	src := newBoundBuffer(t, d, 16, metadata.MemoryHostVisible)
	dst := newBoundBuffer(t, d, 16, metadata.MemoryDeviceLocal)
	if err := d.Submit(metadata.QueueGraphics, metadata.SubmitInfo{
		Commands: []metadata.Command{metadata.CmdCopyBuffer{Src: src, Dst: dst, Size: 16}},
	}); err != nil {
		t.Fatal(err)
	}
	d.DestroyBuffer(src)
	d.CompleteAll()
	if len(d.Faults()) != 1 {
		t.Fatalf("faults = %v, want one use-after-destroy", d.Faults())
	}
}

func TestLoseWakesFenceWaiters(t *testing.T) {
	d := NewDevice(Options{Mode: ModeManual})
	f, _ := d.CreateFence(false)
	done := make(chan error, 1)
	go func() { done <- d.WaitFence(f, time.Minute) }()
	d.Lose()
	if err := <-done; !errors.Is(err, core.ErrDeviceLost) {
		t.Fatalf("WaitFence = %v, want ErrDeviceLost", err)
	}
	if err := d.Submit(metadata.QueueGraphics, metadata.SubmitInfo{}); !errors.Is(err, core.ErrDeviceLost) {
		t.Fatalf("Submit after loss = %v", err)
	}
}

func TestMemoryBudget(t *testing.T) {
	d := NewDevice(Options{MemoryBudget: map[metadata.MemoryKind]uint64{metadata.MemoryDeviceLocal: 1024}})
	if _, err := d.AllocateMemory(1024, metadata.MemoryDeviceLocal); err != nil {
		t.Fatal(err)
	}
	if _, err := d.AllocateMemory(1, metadata.MemoryDeviceLocal); !errors.Is(err, core.ErrOutOfMemory) {
		t.Fatalf("over budget = %v, want ErrOutOfMemory", err)
	}
}

func TestTransferQueueRequiresDedicatedFamily(t *testing.T) {
	d := NewDevice(Options{})
	if err := d.Submit(metadata.QueueTransfer, metadata.SubmitInfo{}); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("transfer submit = %v", err)
	}
}

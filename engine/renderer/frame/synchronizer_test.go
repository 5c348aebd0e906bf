package frame

import (
	"errors"
	"fmt"
	"io"
	"math"
	"testing"
	"time"

	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/headless"
	"github.com/spaghettifunk/ember/engine/renderer/memory"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
	"github.com/spaghettifunk/ember/engine/renderer/pipeline"
	"github.com/spaghettifunk/ember/engine/renderer/resources"
	"github.com/spaghettifunk/ember/engine/renderer/staging"
)

type fixture struct {
	dev     *headless.Device
	mgr     *resources.Manager
	builder *pipeline.Builder
	uploads *staging.Uploader
	sync    *Synchronizer
}

func newFixture(t *testing.T, mode headless.Mode, frames int, timeout time.Duration) *fixture {
	t.Helper()
	dev := headless.NewDevice(headless.Options{Mode: mode})
	return newFixtureOn(t, dev, dev, frames, timeout)
}

// newFixtureOn builds the frame stack on dev, which may wrap the inspected headless device.
func newFixtureOn(t *testing.T, dev metadata.Device, hd *headless.Device, frames int, timeout time.Duration) *fixture {
	t.Helper()
	core.SetLogOutput(io.Discard)
	alloc := memory.NewAllocator(dev, 1<<20)
	mgr := resources.NewManager(dev, alloc, frames)
	builder := pipeline.NewBuilder(dev, mgr, pipeline.TargetFormat{Color: metadata.FormatB8G8R8A8Unorm, Depth: metadata.FormatD32Sfloat})
	uploads := staging.NewUploader(dev, alloc, mgr, staging.Options{FenceTimeout: timeout})
	s, err := New(dev, mgr, builder, uploads, metadata.Extent2D{Width: 64, Height: 32}, Options{FramesInFlight: frames, FenceTimeout: timeout})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{dev: hd, mgr: mgr, builder: builder, uploads: uploads, sync: s}
}

func (f *fixture) frame(t *testing.T, record func(*Encoder)) *Context {
	t.Helper()
	ctx, err := f.sync.BeginFrame()
	if err != nil {
		t.Fatal(err)
	}
	if err := ctx.Encoder.BeginRendering(RenderingDesc{ClearColor: [4]float32{0, 0, 0, 1}, ClearDepth: 1}); err != nil {
		t.Fatal(err)
	}
	if record != nil {
		record(ctx.Encoder)
	}
	if err := ctx.End(); err != nil {
		t.Fatal(err)
	}
	return ctx
}

func TestRotationBlocksOnSlotFence(t *testing.T) {
	f := newFixture(t, headless.ModeManual, 2, 2*time.Second)
	first := f.frame(t, nil)
	second := f.frame(t, nil)
	if first.Slot == second.Slot {
		t.Fatal("consecutive frames share a slot")
	}
	if f.sync.SlotState(first.Slot) != SlotSubmitted || f.sync.SlotState(second.Slot) != SlotSubmitted {
		t.Fatal("both slots should be submitted")
	}

	stepped := make(chan time.Time, 1)
	go func() {
		time.Sleep(30 * time.Millisecond)
		stepped <- time.Now()
		f.dev.Step()
	}()
	ctx, err := f.sync.BeginFrame()
	if err != nil {
		t.Fatal(err)
	}
	if time.Now().Before(<-stepped) {
		t.Fatal("frame 3 began before frame 1 completed")
	}
	if ctx.Slot != first.Slot || f.sync.CompletedFrame() != first.Frame {
		t.Fatalf("slot %d, completed frame %d", ctx.Slot, f.sync.CompletedFrame())
	}
	if err := ctx.End(); err != nil {
		t.Fatal(err)
	}
}

func TestDestroyDuringRecordingWaitsForFence(t *testing.T) {
	f := newFixture(t, headless.ModeManual, 2, 2*time.Second)
	vb, err := f.mgr.CreateBuffer(96, metadata.BufferUsageVertex, metadata.MemoryDeviceLocal)
	if err != nil {
		t.Fatal(err)
	}
	buf, _ := f.mgr.Buffer(vb)
	native := buf.Native(0)

	f.frame(t, func(e *Encoder) {
		if err := e.DrawMesh(resources.Mesh{Vertices: vb, VertexCount: 3}, 1); err != nil {
			t.Fatal(err)
		}
		if err := f.mgr.DestroyBuffer(vb); err != nil {
			t.Fatal(err)
		}
	})
	f.frame(t, nil)
	if f.dev.IsDestroyed(native) {
		t.Fatal("buffer freed while the frame using it is in flight")
	}

	f.dev.Step()
	f.frame(t, nil)
	if !f.dev.IsDestroyed(native) {
		t.Fatal("buffer not freed after its frame completed")
	}
	f.dev.CompleteAll()
	if faults := f.dev.Faults(); len(faults) != 0 {
		t.Fatalf("faults: %v", faults)
	}
	if f.dev.Draws() != 1 {
		t.Fatalf("draws = %d", f.dev.Draws())
	}
}

func TestFenceTimeoutIsDeviceLost(t *testing.T) {
	f := newFixture(t, headless.ModeManual, 2, 20*time.Millisecond)
	f.frame(t, nil)
	f.frame(t, nil)
	_, err := f.sync.BeginFrame()
	if !errors.Is(err, core.ErrDeviceLost) {
		t.Fatalf("BeginFrame = %v, want ErrDeviceLost", err)
	}
	if !core.IsFatal(err) {
		t.Fatal("device loss is not fatal")
	}
	f.dev.CompleteAll()
	if _, err := f.sync.BeginFrame(); !errors.Is(err, core.ErrDeviceLost) {
		t.Fatalf("device loss not latched: %v", err)
	}
}

func TestSwapchainRecreation(t *testing.T) {
	f := newFixture(t, headless.ModeImmediate, 2, time.Second)
	var targets []Target
	f.sync.OnTargetChanged(func(target Target) error {
		targets = append(targets, target)
		return nil
	})
	f.frame(t, nil)

	f.sync.Swapchain().(*headless.Swapchain).MarkOutOfDate()
	if _, err := f.sync.BeginFrame(); !errors.Is(err, core.ErrSwapchainBooting) {
		t.Fatalf("BeginFrame on an out of date swapchain = %v", err)
	}
	ctx := f.frame(t, nil)
	if len(targets) != 1 || ctx.Target.Extent != (metadata.Extent2D{Width: 64, Height: 32}) {
		t.Fatalf("targets %+v, extent %+v", targets, ctx.Target.Extent)
	}

	f.sync.Resize(128, 96)
	ctx = f.frame(t, nil)
	if ctx.Target.Extent != (metadata.Extent2D{Width: 128, Height: 96}) || len(targets) != 2 {
		t.Fatalf("extent after resize = %+v", ctx.Target.Extent)
	}

	f.sync.Resize(0, 0)
	if _, err := f.sync.BeginFrame(); !errors.Is(err, core.ErrSwapchainBooting) {
		t.Fatalf("BeginFrame while minimised = %v", err)
	}
	if f.dev.Presents() != 3 {
		t.Fatalf("presents = %d", f.dev.Presents())
	}
}

func TestEncoderMisuse(t *testing.T) {
	f := newFixture(t, headless.ModeImmediate, 2, time.Second)
	ctx, err := f.sync.BeginFrame()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.sync.BeginFrame(); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("second BeginFrame = %v", err)
	}
	if err := ctx.Encoder.Draw(3, 1, 0, 0); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("draw outside rendering = %v", err)
	}
	if err := ctx.Encoder.PushConstants(metadata.ShaderStageVertex, 0, []byte{1}); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("push constants without pipeline = %v", err)
	}
	if err := ctx.Encoder.BindIndexBuffer(resources.BufferHandle{}, 0, 3); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("index size 3 = %v", err)
	}
	if err := ctx.End(); err != nil {
		t.Fatal(err)
	}
	if err := ctx.End(); !errors.Is(err, core.ErrNotRecording) {
		t.Fatalf("second EndFrame = %v", err)
	}
	if err := ctx.Encoder.SetScissor(metadata.Rect2D{}); !errors.Is(err, core.ErrNotRecording) {
		t.Fatalf("record after submit = %v", err)
	}
}

func TestCopyBufferRange(t *testing.T) {
	f := newFixture(t, headless.ModeImmediate, 2, time.Second)
	usage := metadata.BufferUsageTransferSrc | metadata.BufferUsageTransferDst
	src, err := f.mgr.CreateBuffer(64, usage, metadata.MemoryDeviceLocal)
	if err != nil {
		t.Fatal(err)
	}
	dst, err := f.mgr.CreateBuffer(32, usage, metadata.MemoryDeviceLocal)
	if err != nil {
		t.Fatal(err)
	}
	ctx, err := f.sync.BeginFrame()
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name              string
		srcOffset, dstOff uint64
		size              uint64
		ok                bool
	}{
		{"fits", 32, 0, 32, true},
		{"dst too small", 0, 0, 64, false},
		{"wrapping src offset", math.MaxUint64 - 3, 0, 8, false},
		{"wrapping dst offset", 0, math.MaxUint64 - 3, 8, false},
		{"wrapping size", 8, 0, math.MaxUint64, false},
	}
	for _, tt := range tests {
		err := ctx.Encoder.CopyBuffer(src, tt.srcOffset, dst, tt.dstOff, tt.size)
		if tt.ok && err != nil {
			t.Fatalf("%s: CopyBuffer = %v", tt.name, err)
		}
		if !tt.ok && !errors.Is(err, core.ErrOutOfRange) {
			t.Fatalf("%s: CopyBuffer = %v, want ErrOutOfRange", tt.name, err)
		}
	}
	if err := ctx.End(); err != nil {
		t.Fatal(err)
	}
	if faults := f.dev.Faults(); len(faults) != 0 {
		t.Fatalf("faults: %v", faults)
	}
}

func TestImageBarrierTracksState(t *testing.T) {
	f := newFixture(t, headless.ModeImmediate, 2, time.Second)
	h, err := f.mgr.CreateImage(metadata.ImageDesc{
		Extent: metadata.Extent2D{Width: 4, Height: 4},
		Format: metadata.FormatR8G8B8A8Unorm,
		Usage:  metadata.ImageUsageColorAttachment | metadata.ImageUsageSampled,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, err := f.sync.BeginFrame()
	if err != nil {
		t.Fatal(err)
	}
	if err := ctx.Encoder.ImageBarrier(h, metadata.ImageLayoutUndefined, metadata.ImageLayoutColorAttachment); err != nil {
		t.Fatal(err)
	}
	n := ctx.Encoder.Len()
	if err := ctx.Encoder.ImageBarrier(h, metadata.ImageLayoutUndefined, metadata.ImageLayoutShaderReadOnly); !errors.Is(err, core.ErrInvalidStateTransition) {
		t.Fatalf("wrong assumed layout = %v", err)
	}
	if err := ctx.Encoder.ImageBarrier(h, metadata.ImageLayoutColorAttachment, metadata.ImageLayoutTransferDst); !errors.Is(err, core.ErrInvalidStateTransition) {
		t.Fatalf("layout the usage forbids = %v", err)
	}
	if ctx.Encoder.Len() != n {
		t.Fatal("a rejected barrier was recorded")
	}
	if err := ctx.Encoder.ImageBarrier(h, metadata.ImageLayoutColorAttachment, metadata.ImageLayoutShaderReadOnly); err != nil {
		t.Fatal(err)
	}
	if err := ctx.End(); err != nil {
		t.Fatal(err)
	}
	img, _ := f.mgr.Image(h)
	if got := f.dev.GPULayout(img.Native()); got != metadata.ImageLayoutShaderReadOnly {
		t.Fatalf("GPU layout = %s", got)
	}
}

func TestUploadSemaphoresJoinFrameSubmission(t *testing.T) {
	f := newFixture(t, headless.ModeImmediate, 2, time.Second)
	h, err := f.mgr.CreateBuffer(256, metadata.BufferUsageVertex, metadata.MemoryDeviceLocal)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.uploads.UploadBuffer(h, 0, make([]byte, 256)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		f.frame(t, func(e *Encoder) {
			if err := e.DrawMesh(resources.Mesh{Vertices: h, VertexCount: 3}, 1); err != nil {
				t.Fatal(err)
			}
		})
	}
	if faults := f.dev.Faults(); len(faults) != 0 {
		t.Fatalf("faults: %v", faults)
	}
	if f.sync.Metrics().TotalFrames() != 3 {
		t.Fatalf("metrics counted %d frames", f.sync.Metrics().TotalFrames())
	}
	f.uploads.Shutdown()
	f.sync.Shutdown()
	f.mgr.Sweep(f.sync.Frame())
	if n := f.dev.Live("semaphore"); n != 0 {
		t.Fatalf("%d semaphores leaked", n)
	}
}

// flakyDevice fails the next failures submissions to queue with out of memory.
type flakyDevice struct {
	*headless.Device
	queue    metadata.QueueKind
	failures int
}

func (d *flakyDevice) Submit(queue metadata.QueueKind, info metadata.SubmitInfo) error {
	if queue == d.queue && d.failures > 0 {
		d.failures--
		return fmt.Errorf("command buffer allocation: %w", core.ErrOutOfMemory)
	}
	return d.Device.Submit(queue, info)
}

func TestFailedSubmitKeepsSlotUsable(t *testing.T) {
	hd := headless.NewDevice(headless.Options{Mode: headless.ModeImmediate})
	dev := &flakyDevice{Device: hd, queue: metadata.QueueGraphics}
	f := newFixtureOn(t, dev, hd, 2, 100*time.Millisecond)

	f.frame(t, nil)
	ctx, err := f.sync.BeginFrame()
	if err != nil {
		t.Fatal(err)
	}
	dev.failures = 1
	err = ctx.End()
	if !errors.Is(err, core.ErrOutOfMemory) {
		t.Fatalf("EndFrame = %v, want ErrOutOfMemory", err)
	}
	if f.sync.Lost() != nil {
		t.Fatalf("submit failure latched as device loss: %v", f.sync.Lost())
	}

	for i := 0; i < 4; i++ {
		f.frame(t, nil)
	}
	if f.sync.Lost() != nil {
		t.Fatalf("device lost after recovery: %v", f.sync.Lost())
	}
	if faults := hd.Faults(); len(faults) != 0 {
		t.Fatalf("faults: %v", faults)
	}
	if hd.Presents() != 5 {
		t.Fatalf("presents = %d, want 5", hd.Presents())
	}
}

func TestFailedSubmitReplacesSyncObjects(t *testing.T) {
	hd := headless.NewDevice(headless.Options{Mode: headless.ModeImmediate})
	dev := &flakyDevice{Device: hd, queue: metadata.QueueGraphics}
	f := newFixtureOn(t, dev, hd, 2, 100*time.Millisecond)

	fences, sems := hd.Live("fence"), hd.Live("semaphore")
	ctx, err := f.sync.BeginFrame()
	if err != nil {
		t.Fatal(err)
	}
	// the recovery submit fails too
	dev.failures = 2
	if err := ctx.End(); !errors.Is(err, core.ErrOutOfMemory) {
		t.Fatalf("EndFrame = %v, want ErrOutOfMemory", err)
	}
	if hd.Live("fence") != fences || hd.Live("semaphore") != sems {
		t.Fatalf("sync objects leaked: %d fences, %d semaphores", hd.Live("fence"), hd.Live("semaphore"))
	}
	for i := 0; i < 3; i++ {
		f.frame(t, nil)
	}
	if faults := hd.Faults(); len(faults) != 0 {
		t.Fatalf("faults: %v", faults)
	}
}

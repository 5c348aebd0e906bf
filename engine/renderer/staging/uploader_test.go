package staging

import (
	"bytes"
	"context"
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
	"github.com/spaghettifunk/ember/engine/renderer/resources"
)

type fixture struct {
	dev *headless.Device
	mgr *resources.Manager
	up  *Uploader
}

func newFixture(t *testing.T, devOpts headless.Options, opts Options) *fixture {
	t.Helper()
	dev := headless.NewDevice(devOpts)
	return newFixtureOn(t, dev, dev, opts)
}

func newFixtureOn(t *testing.T, dev metadata.Device, hd *headless.Device, opts Options) *fixture {
	t.Helper()
	core.SetLogOutput(io.Discard)
	alloc := memory.NewAllocator(dev, 1<<20)
	mgr := resources.NewManager(dev, alloc, 2)
	mgr.BeginFrame(1, 0)
	if opts.FenceTimeout == 0 {
		opts.FenceTimeout = time.Second
	}
	return &fixture{dev: hd, mgr: mgr, up: NewUploader(dev, alloc, mgr, opts)}
}

func (f *fixture) deviceBuffer(t *testing.T, size uint64) resources.BufferHandle {
	t.Helper()
	h, err := f.mgr.CreateBuffer(size, metadata.BufferUsageVertex, metadata.MemoryDeviceLocal)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i * 7)
	}
	return out
}

func TestUploadBufferDeviceLocal(t *testing.T) {
	f := newFixture(t, headless.Options{}, Options{MaxPooled: 4})
	h := f.deviceBuffer(t, 256)
	data := pattern(256)

	up, err := f.up.UploadBuffer(h, 0, data)
	if err != nil {
		t.Fatal(err)
	}
	if state, err := f.up.Poll(up); err != nil || state != UploadComplete {
		t.Fatalf("Poll = %s, %v", state, err)
	}
	buf, _ := f.mgr.Buffer(h)
	if got := f.dev.BufferContents(buf.Native(0)); !bytes.Equal(got, data) {
		t.Fatal("device buffer does not hold the uploaded bytes")
	}
	if f.up.InFlight() != 0 || f.up.Pooled() != 1 {
		t.Fatalf("in flight %d, pooled %d", f.up.InFlight(), f.up.Pooled())
	}
	if f.dev.Submitted(metadata.QueueGraphics) != 1 {
		t.Fatal("upload without a transfer family did not use the graphics queue")
	}
}

func TestUploadValidation(t *testing.T) {
	f := newFixture(t, headless.Options{}, Options{})
	h := f.deviceBuffer(t, 64)
	if _, err := f.up.UploadBuffer(h, 60, pattern(8)); !errors.Is(err, core.ErrOutOfRange) {
		t.Fatalf("overflowing upload = %v", err)
	}
	if _, err := f.up.UploadBuffer(h, math.MaxUint64-3, pattern(8)); !errors.Is(err, core.ErrOutOfRange) {
		t.Fatalf("wrapping offset = %v", err)
	}
	if _, err := f.up.UploadBuffer(h, 0, nil); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("empty upload = %v", err)
	}
	if err := f.mgr.DestroyBuffer(h); err != nil {
		t.Fatal(err)
	}
	if _, err := f.up.UploadBuffer(h, 0, pattern(8)); !errors.Is(err, core.ErrStaleHandle) {
		t.Fatalf("upload to destroyed buffer = %v", err)
	}
}

func TestDestroyDuringUploadWaitsForCompletion(t *testing.T) {
	f := newFixture(t, headless.Options{Mode: headless.ModeManual}, Options{})
	h := f.deviceBuffer(t, 128)
	up, err := f.up.UploadBuffer(h, 0, pattern(128))
	if err != nil {
		t.Fatal(err)
	}
	if state, _ := f.up.Poll(up); state != UploadPending {
		t.Fatal("upload complete before the GPU ran it")
	}
	buf, _ := f.mgr.Buffer(h)
	native := buf.Native(0)
	if err := f.mgr.DestroyBuffer(h); err != nil {
		t.Fatal(err)
	}
	f.mgr.Sweep(1)
	if f.dev.IsDestroyed(native) {
		t.Fatal("buffer released while an upload writes into it")
	}

	f.dev.Step()
	if err := f.up.Wait(context.Background(), up); err != nil {
		t.Fatal(err)
	}
	f.mgr.Sweep(1)
	if !f.dev.IsDestroyed(native) {
		t.Fatal("buffer not released after its upload completed")
	}
	if faults := f.dev.Faults(); len(faults) != 0 {
		t.Fatalf("faults: %v", faults)
	}
}

func TestUploadBoundBlocksOnOldest(t *testing.T) {
	f := newFixture(t, headless.Options{Mode: headless.ModeManual}, Options{MaxInFlight: 2, FenceTimeout: 2 * time.Second})
	h := f.deviceBuffer(t, 64)
	for i := 0; i < 2; i++ {
		if _, err := f.up.UploadBuffer(h, 0, pattern(64)); err != nil {
			t.Fatal(err)
		}
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		f.dev.Step()
	}()
	if _, err := f.up.UploadBuffer(h, 0, pattern(64)); err != nil {
		t.Fatalf("third upload = %v", err)
	}
	if f.up.InFlight() != 2 {
		t.Fatalf("in flight = %d, want 2", f.up.InFlight())
	}
}

func TestUploadBoundTimeoutIsDeviceLost(t *testing.T) {
	f := newFixture(t, headless.Options{Mode: headless.ModeManual}, Options{MaxInFlight: 1, FenceTimeout: 20 * time.Millisecond})
	h := f.deviceBuffer(t, 64)
	if _, err := f.up.UploadBuffer(h, 0, pattern(64)); err != nil {
		t.Fatal(err)
	}
	_, err := f.up.UploadBuffer(h, 0, pattern(64))
	if !errors.Is(err, core.ErrDeviceLost) {
		t.Fatalf("blocked upload = %v, want ErrDeviceLost", err)
	}
}

func TestStagingPoolBound(t *testing.T) {
	f := newFixture(t, headless.Options{Mode: headless.ModeManual}, Options{MaxPooled: 1})
	h := f.deviceBuffer(t, 64)
	for i := 0; i < 3; i++ {
		if _, err := f.up.UploadBuffer(h, 0, pattern(64)); err != nil {
			t.Fatal(err)
		}
	}
	f.dev.CompleteAll()
	if n := f.up.Collect(); n != 3 {
		t.Fatalf("collected %d uploads", n)
	}
	if f.up.Pooled() != 1 {
		t.Fatalf("pooled = %d, want 1", f.up.Pooled())
	}
	// the destination buffer plus the pooled staging buffer
	if live := f.dev.Live("buffer"); live != 2 {
		t.Fatalf("live buffers = %d", live)
	}
}

func TestTakeWaitsHandsOverSemaphores(t *testing.T) {
	f := newFixture(t, headless.Options{}, Options{})
	h := f.deviceBuffer(t, 32)
	if _, err := f.up.UploadBuffer(h, 0, pattern(32)); err != nil {
		t.Fatal(err)
	}
	waits := f.up.TakeWaits()
	if len(waits) != 1 {
		t.Fatalf("waits = %d", len(waits))
	}
	if again := f.up.TakeWaits(); again != nil {
		t.Fatal("semaphores handed over twice")
	}
	if err := f.dev.Submit(metadata.QueueGraphics, metadata.SubmitInfo{Waits: waits}); err != nil {
		t.Fatal(err)
	}
	f.mgr.Sweep(1)
	if n := f.dev.Live("semaphore"); n != 0 {
		t.Fatalf("%d semaphores left after the waiting frame completed", n)
	}
	if faults := f.dev.Faults(); len(faults) != 0 {
		t.Fatalf("faults: %v", faults)
	}
}

func TestDedicatedTransferQueue(t *testing.T) {
	f := newFixture(t, headless.Options{DedicatedTransfer: true}, Options{})
	h := f.deviceBuffer(t, 32)
	if _, err := f.up.UploadBuffer(h, 0, pattern(32)); err != nil {
		t.Fatal(err)
	}
	if f.up.Queue() != metadata.QueueTransfer || f.dev.Submitted(metadata.QueueTransfer) != 1 {
		t.Fatal("upload did not use the dedicated transfer queue")
	}
}

func TestUploadImageTransitions(t *testing.T) {
	f := newFixture(t, headless.Options{}, Options{})
	h, err := f.mgr.CreateImage(metadata.ImageDesc{
		Name:   "albedo",
		Extent: metadata.Extent2D{Width: 2, Height: 2},
		Format: metadata.FormatR8G8B8A8Unorm,
		Usage:  metadata.ImageUsageSampled | metadata.ImageUsageTransferDst,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.up.UploadImage(h, pattern(15)); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("short pixel data = %v", err)
	}
	pixels := pattern(16)
	if _, err := f.up.UploadImage(h, pixels); err != nil {
		t.Fatal(err)
	}
	layout, _ := f.mgr.ImageLayout(h)
	if layout != metadata.ImageLayoutShaderReadOnly {
		t.Fatalf("tracked layout = %s", layout)
	}
	img, _ := f.mgr.Image(h)
	if got := f.dev.GPULayout(img.Native()); got != metadata.ImageLayoutShaderReadOnly {
		t.Fatalf("GPU layout = %s", got)
	}
	if got := f.dev.ImageContents(img.Native()); !bytes.Equal(got[:16], pixels) {
		t.Fatal("image does not hold the uploaded pixels")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	f := newFixture(t, headless.Options{Mode: headless.ModeManual}, Options{})
	h := f.deviceBuffer(t, 32)
	up, err := f.up.UploadBuffer(h, 0, pattern(32))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := f.up.Wait(ctx, up); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v", err)
	}
	f.dev.CompleteAll()
	f.up.Shutdown()
	if n := f.dev.Live("fence"); n != 0 {
		t.Fatalf("%d fences left after shutdown", n)
	}
}

// flakyDevice fails the next failures submissions with out of memory.
type flakyDevice struct {
	*headless.Device
	failures int
}

func (d *flakyDevice) Submit(queue metadata.QueueKind, info metadata.SubmitInfo) error {
	if d.failures > 0 {
		d.failures--
		return fmt.Errorf("queue submit: %w", core.ErrOutOfMemory)
	}
	return d.Device.Submit(queue, info)
}

func TestFailedImageUploadKeepsLayout(t *testing.T) {
	hd := headless.NewDevice(headless.Options{})
	dev := &flakyDevice{Device: hd, failures: 1}
	f := newFixtureOn(t, dev, hd, Options{})
	h, err := f.mgr.CreateImage(metadata.ImageDesc{
		Name:   "albedo",
		Extent: metadata.Extent2D{Width: 2, Height: 2},
		Format: metadata.FormatR8G8B8A8Unorm,
		Usage:  metadata.ImageUsageSampled | metadata.ImageUsageTransferDst,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.up.UploadImage(h, pattern(16)); !errors.Is(err, core.ErrOutOfMemory) {
		t.Fatalf("UploadImage = %v, want ErrOutOfMemory", err)
	}
	if layout, _ := f.mgr.ImageLayout(h); layout != metadata.ImageLayoutUndefined {
		t.Fatalf("tracked layout after failed upload = %s", layout)
	}
	if _, err := f.up.UploadImage(h, pattern(16)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if layout, _ := f.mgr.ImageLayout(h); layout != metadata.ImageLayoutShaderReadOnly {
		t.Fatalf("tracked layout after retry = %s", layout)
	}
	if faults := hd.Faults(); len(faults) != 0 {
		t.Fatalf("faults: %v", faults)
	}
}

func TestPendingUploadDestination(t *testing.T) {
	f := newFixture(t, headless.Options{DedicatedTransfer: true}, Options{})
	h := f.deviceBuffer(t, 64)
	up, err := f.up.UploadBuffer(h, 16, pattern(32))
	if err != nil {
		t.Fatal(err)
	}
	dest := up.Destination()
	if dest.IsImage() || dest.Buffer != h || dest.Offset != 16 || dest.Size != 32 {
		t.Fatalf("buffer destination = %+v", dest)
	}
	if up.Size() != 32 || up.Queue() != metadata.QueueTransfer {
		t.Fatalf("size %d, queue %s", up.Size(), up.Queue())
	}

	img, err := f.mgr.CreateImage(metadata.ImageDesc{
		Name:   "target",
		Extent: metadata.Extent2D{Width: 1, Height: 1},
		Format: metadata.FormatR8G8B8A8Unorm,
		Usage:  metadata.ImageUsageTransferDst,
	})
	if err != nil {
		t.Fatal(err)
	}
	up, err = f.up.UploadImage(img, pattern(4))
	if err != nil {
		t.Fatal(err)
	}
	dest = up.Destination()
	if !dest.IsImage() || dest.Image != img || dest.Offset != 0 || dest.Size != 4 {
		t.Fatalf("image destination = %+v", dest)
	}
}

func TestWaitBlocksOnFence(t *testing.T) {
	f := newFixture(t, headless.Options{Mode: headless.ModeManual}, Options{})
	h := f.deviceBuffer(t, 32)
	up, err := f.up.UploadBuffer(h, 0, pattern(32))
	if err != nil {
		t.Fatal(err)
	}
	stepped := make(chan time.Time, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		stepped <- time.Now()
		f.dev.Step()
	}()
	if err := f.up.Wait(context.Background(), up); err != nil {
		t.Fatalf("Wait = %v", err)
	}
	if time.Now().Before(<-stepped) {
		t.Fatal("Wait returned before the upload executed")
	}
	if state, err := f.up.Poll(up); err != nil || state != UploadComplete {
		t.Fatalf("Poll = %s, %v", state, err)
	}
	if f.up.InFlight() != 0 {
		t.Fatalf("%d uploads in flight", f.up.InFlight())
	}
	// a completed upload does not block
	if err := f.up.Wait(context.Background(), up); err != nil {
		t.Fatalf("second Wait = %v", err)
	}
}

func TestWaitTimeoutIsDeviceLost(t *testing.T) {
	f := newFixture(t, headless.Options{Mode: headless.ModeManual}, Options{FenceTimeout: 10 * time.Millisecond})
	h := f.deviceBuffer(t, 32)
	up, err := f.up.UploadBuffer(h, 0, pattern(32))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.up.Wait(context.Background(), up); !errors.Is(err, core.ErrDeviceLost) {
		t.Fatalf("Wait = %v, want ErrDeviceLost", err)
	}
	f.dev.CompleteAll()
	f.up.Shutdown()
}

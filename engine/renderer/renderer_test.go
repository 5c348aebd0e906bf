package renderer

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/frame"
	"github.com/spaghettifunk/ember/engine/renderer/headless"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
	"github.com/spaghettifunk/ember/engine/renderer/pipeline"
	"github.com/spaghettifunk/ember/engine/renderer/resources"
	"github.com/spaghettifunk/ember/engine/renderer/shader"
	"github.com/spaghettifunk/ember/engine/renderer/shader/spirvtest"
	"github.com/spaghettifunk/ember/engine/renderer/staging"
)

func testConfig() *core.Config {
	cfg := core.DefaultConfig()
	cfg.App.Backend = core.BackendHeadless
	cfg.Shaders.Watch = false
	cfg.Frames.FenceTimeoutMS = 500
	return cfg
}

func newRenderer(t *testing.T, opts headless.Options, bus *core.EventBus) (*Renderer, *headless.Device) {
	t.Helper()
	core.SetLogOutput(io.Discard)
	dev := headless.NewDevice(opts)
	r, err := New(testConfig(), dev, metadata.Extent2D{Width: 320, Height: 240}, bus)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = r.Shutdown() })
	return r, dev
}

func render(t *testing.T, r *Renderer, record func(*frame.Encoder)) {
	t.Helper()
	ctx, err := r.BeginFrame()
	if err != nil {
		t.Fatal(err)
	}
	if err := ctx.Encoder.BeginRendering(frame.RenderingDesc{ClearDepth: 1}); err != nil {
		t.Fatal(err)
	}
	if record != nil {
		record(ctx.Encoder)
	}
	if err := r.EndFrame(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestUploadRenderDestroy(t *testing.T) {
	r, dev := newRenderer(t, headless.Options{}, nil)
	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(255 - i)
	}
	h, err := r.CreateBuffer(resources.BufferDesc{Name: "triangle", Size: 256, Usage: metadata.BufferUsageVertex, Kind: metadata.MemoryDeviceLocal})
	if err != nil {
		t.Fatal(err)
	}
	up, err := r.Upload(h, 0, data)
	if err != nil {
		t.Fatal(err)
	}
	if state, err := r.PollUpload(up); err != nil || state != staging.UploadComplete {
		t.Fatalf("upload %s, %v", state, err)
	}
	buf, err := r.Buffer(h)
	if err != nil {
		t.Fatal(err)
	}
	native := buf.Native(0)
	if !bytes.Equal(dev.BufferContents(native), data) {
		t.Fatal("vertex buffer does not hold the uploaded bytes")
	}

	for i := 0; i < 3; i++ {
		render(t, r, func(e *frame.Encoder) {
			if err := e.DrawMesh(resources.Mesh{Vertices: h, VertexCount: 3}, 1); err != nil {
				t.Fatal(err)
			}
		})
	}
	if err := r.DestroyBuffer(h); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Buffer(h); !errors.Is(err, core.ErrStaleHandle) {
		t.Fatalf("Buffer after destroy = %v", err)
	}
	for i := 0; i < 3; i++ {
		render(t, r, nil)
	}
	if !dev.IsDestroyed(native) {
		t.Fatal("destroyed buffer never released")
	}
	if faults := dev.Faults(); len(faults) != 0 {
		t.Fatalf("faults: %v", faults)
	}
	if dev.Draws() != 3 || dev.Presents() != 6 {
		t.Fatalf("draws %d, presents %d", dev.Draws(), dev.Presents())
	}
}

func TestPipelineLifecycle(t *testing.T) {
	r, dev := newRenderer(t, headless.Options{}, nil)
	vs := spirvtest.New(spirvtest.Vertex, "main").Input(0, 3, "position").UniformBuffer(0, 0, "camera", 4).Output(0)
	fs := spirvtest.New(spirvtest.Fragment, "main").UniformBuffer(0, 0, "camera", 4).Output(0)
	p, err := r.CreatePipeline(pipeline.PipelineDesc{
		Name: "flat",
		Sources: []shader.Source{
			{Stage: metadata.ShaderStageVertex, Code: vs.Words()},
			{Stage: metadata.ShaderStageFragment, Code: fs.Words()},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	ubo, err := r.CreateBuffer(resources.BufferDesc{Size: 64, Usage: metadata.BufferUsageUniform, Kind: metadata.MemoryHostVisible, Mutability: metadata.BufferMutable})
	if err != nil {
		t.Fatal(err)
	}
	set, err := r.AllocateDescriptorSet(p, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.WriteDescriptorSet(set, []pipeline.Write{{Binding: 0, Buffer: ubo}}); err != nil {
		t.Fatal(err)
	}
	mesh, _, err := r.CreateMesh(make([]byte, 36), 3, []byte{0, 0, 1, 0, 2, 0}, metadata.IndexSize16)
	if err != nil {
		t.Fatal(err)
	}
	if mesh.IndexCount != 3 {
		t.Fatalf("index count = %d", mesh.IndexCount)
	}

	for i := 0; i < 2; i++ {
		if err := r.UpdateBuffer(ubo, 0, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
		render(t, r, func(e *frame.Encoder) {
			if err := e.BindPipeline(p); err != nil {
				t.Fatal(err)
			}
			if err := e.BindDescriptorSet(set); err != nil {
				t.Fatal(err)
			}
			if err := e.DrawMesh(mesh, 1); err != nil {
				t.Fatal(err)
			}
		})
	}
	if err := r.ReloadAll(); err != nil {
		t.Fatal(err)
	}
	if err := r.DestroyPipeline(p); err != nil {
		t.Fatal(err)
	}
	if err := r.DestroyMesh(mesh); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		render(t, r, nil)
	}
	if n := dev.Live("pipeline"); n != 0 {
		t.Fatalf("%d pipelines alive after destroy", n)
	}
	if faults := dev.Faults(); len(faults) != 0 {
		t.Fatalf("faults: %v", faults)
	}
}

func TestDeviceLossIsLatched(t *testing.T) {
	bus := core.NewEventBus()
	lost := 0
	bus.Register(core.EVENT_CODE_DEVICE_LOST, t, func(core.SystemEventCode, interface{}, interface{}, core.EventContext) bool {
		lost++
		return true
	})
	r, dev := newRenderer(t, headless.Options{Mode: headless.ModeManual}, bus)
	render(t, r, nil)
	render(t, r, nil)

	start := time.Now()
	if _, err := r.BeginFrame(); !errors.Is(err, core.ErrDeviceLost) {
		t.Fatalf("BeginFrame = %v", err)
	}
	if time.Since(start) < 400*time.Millisecond {
		t.Fatal("fence wait returned before its timeout")
	}
	dev.CompleteAll()
	if _, err := r.CreateBuffer(resources.BufferDesc{Size: 4, Kind: metadata.MemoryHostVisible}); !errors.Is(err, core.ErrDeviceLost) {
		t.Fatalf("CreateBuffer after loss = %v", err)
	}
	if lost != 1 {
		t.Fatalf("device lost fired %d times", lost)
	}
	if err := r.Shutdown(); !errors.Is(err, core.ErrDeviceLost) {
		t.Fatalf("Shutdown = %v", err)
	}
}

func TestResizeEvent(t *testing.T) {
	bus := core.NewEventBus()
	r, _ := newRenderer(t, headless.Options{}, bus)
	ctx := core.EventContext{}
	ctx.Data.U32[0], ctx.Data.U32[1] = 800, 600
	bus.Fire(core.EVENT_CODE_RESIZED, nil, ctx)
	render(t, r, nil)
	if got := r.CurrentTarget().Extent; got != (metadata.Extent2D{Width: 800, Height: 600}) {
		t.Fatalf("extent after resize = %+v", got)
	}
}

func TestCreateTexture(t *testing.T) {
	r, dev := newRenderer(t, headless.Options{}, nil)
	img := image.NewNRGBA(image.Rect(0, 0, 4, 2))
	img.Set(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	path := filepath.Join(t.TempDir(), "albedo.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	f.Close()

	h, up, err := r.CreateTexture(path)
	if err != nil {
		t.Fatal(err)
	}
	if state, _ := r.PollUpload(up); state != staging.UploadComplete {
		t.Fatal("texture upload pending on an immediate device")
	}
	tex, err := r.resources.Image(h)
	if err != nil {
		t.Fatal(err)
	}
	if got := dev.ImageContents(tex.Native())[:4]; !bytes.Equal(got, []byte{10, 20, 30, 255}) {
		t.Fatalf("first texel = %v", got)
	}
	if _, _, err := r.CreateTexture(filepath.Join(t.TempDir(), "missing.png")); err == nil {
		t.Fatal("missing texture loaded")
	}
}

func writePNG(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.NRGBA{R: 1, G: 2, B: 3, A: 255})
	path := filepath.Join(t.TempDir(), "async.png")
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadTextureAsync(t *testing.T) {
	r, dev := newRenderer(t, headless.Options{}, nil)
	good, err := r.LoadTextureAsync(writePNG(t, 8, 8))
	if err != nil {
		t.Fatal(err)
	}
	bad, err := r.LoadTextureAsync(filepath.Join(t.TempDir(), "missing.png"))
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, _, goodDone, _ := good.Result()
		_, _, badDone, _ := bad.Result()
		if goodDone && badDone {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("texture requests never finished")
		}
		render(t, r, nil)
	}

	h, up, _, err := good.Result()
	if err != nil {
		t.Fatal(err)
	}
	if state, _ := r.PollUpload(up); state != staging.UploadComplete {
		t.Fatal("texture upload pending on an immediate device")
	}
	tex, err := r.resources.Image(h)
	if err != nil {
		t.Fatal(err)
	}
	if got := dev.ImageContents(tex.Native())[:4]; !bytes.Equal(got, []byte{1, 2, 3, 255}) {
		t.Fatalf("first texel = %v", got)
	}
	if _, _, _, err := bad.Result(); err == nil {
		t.Fatal("missing texture decoded")
	}
}

// swapchainlessDevice cannot create a swapchain.
type swapchainlessDevice struct {
	*headless.Device
}

func (d swapchainlessDevice) CreateSwapchain(extent metadata.Extent2D, old metadata.Swapchain) (metadata.Swapchain, error) {
	return nil, fmt.Errorf("surface gone: %w", core.ErrOutOfMemory)
}

func TestNewFailureReleasesEverything(t *testing.T) {
	core.SetLogOutput(io.Discard)
	hd := headless.NewDevice(headless.Options{})
	before := runtime.NumGoroutine()
	if _, err := New(testConfig(), swapchainlessDevice{hd}, metadata.Extent2D{Width: 320, Height: 240}, nil); !errors.Is(err, core.ErrOutOfMemory) {
		t.Fatalf("New = %v, want ErrOutOfMemory", err)
	}
	for _, kind := range []string{"fence", "semaphore", "buffer", "memory"} {
		if n := hd.Live(kind); n != 0 {
			t.Fatalf("%d %s objects left", n, kind)
		}
	}
	// texture decode workers are stopped
	deadline := time.Now().Add(time.Second)
	for runtime.NumGoroutine() > before && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := runtime.NumGoroutine(); n > before {
		t.Fatalf("%d goroutines left running", n-before)
	}
}

package renderer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/frame"
	"github.com/spaghettifunk/ember/engine/renderer/memory"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
	"github.com/spaghettifunk/ember/engine/renderer/pipeline"
	"github.com/spaghettifunk/ember/engine/renderer/resources"
	"github.com/spaghettifunk/ember/engine/renderer/staging"
)

// Renderer is the entry point of the rendering core. It owns every GPU object created
// through it and stops working for good once the device is lost.
type Renderer struct {
	cfg    *core.Config
	device metadata.Device
	bus    *core.EventBus

	allocator *memory.Allocator
	resources *resources.Manager
	pipelines *pipeline.Builder
	uploads   *staging.Uploader
	frames    *frame.Synchronizer
	watcher   *pipeline.Watcher
	jobs      *core.JobSystem

	texMu   sync.Mutex
	decoded []*TextureRequest

	mu       sync.Mutex
	lost     error
	shutdown bool
}

/**
 * @brief Builds the rendering core on top of device. The swapchain is created at extent.
 * When bus is not nil the renderer follows resize events and reports device loss on it.
 */
func New(cfg *core.Config, device metadata.Device, extent metadata.Extent2D, bus *core.EventBus) (*Renderer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Renderer{cfg: cfg, device: device, bus: bus, jobs: newJobSystem()}
	r.allocator = memory.NewAllocator(device, cfg.BlockSize())
	r.resources = resources.NewManager(device, r.allocator, int(cfg.Frames.InFlight))
	r.uploads = staging.NewUploader(device, r.allocator, r.resources, staging.OptionsFromConfig(cfg))

	r.pipelines = pipeline.NewBuilder(device, r.resources, pipeline.TargetFormat{})
	frames, err := frame.New(device, r.resources, r.pipelines, r.uploads, extent, frame.Options{
		FramesInFlight: int(cfg.Frames.InFlight),
		FenceTimeout:   cfg.FenceTimeout(),
	})
	if err != nil {
		r.abort()
		return nil, err
	}
	r.frames = frames
	if err := r.pipelines.RebuildForTarget(targetFormat(frames.CurrentTarget())); err != nil {
		r.abort()
		return nil, err
	}
	frames.OnTargetChanged(func(t frame.Target) error {
		return r.pipelines.RebuildForTarget(targetFormat(t))
	})

	if cfg.Shaders.Watch {
		w, err := pipeline.NewWatcher(bus, cfg.Shaders.Dirs...)
		if err != nil {
			core.LogWarn("shader hot reload disabled: %s", err)
		} else {
			r.watcher = w
			r.pipelines.SetWatcher(w)
		}
	}
	if bus != nil {
		bus.Register(core.EVENT_CODE_RESIZED, r, func(_ core.SystemEventCode, _, _ interface{}, ctx core.EventContext) bool {
			r.Resized(ctx.Data.U32[0], ctx.Data.U32[1])
			return false
		})
	}

	props := device.Properties()
	core.LogInfo("renderer ready on `%s` (dedicated transfer queue: %v)", props.Name, props.HasDedicatedTransfer)
	return r, nil
}

// abort releases what a failed New created. The device stays with the caller.
func (r *Renderer) abort() {
	if r.frames != nil {
		r.frames.Shutdown()
	}
	r.uploads.Shutdown()
	r.pipelines.Shutdown()
	r.resources.Shutdown()
	r.allocator.Destroy()
	r.jobs.Shutdown()
}

func targetFormat(t frame.Target) pipeline.TargetFormat {
	return pipeline.TargetFormat{Color: t.ColorFormat, Depth: t.DepthFormat}
}

// check fails once the device was lost or the renderer shut down.
func (r *Renderer) check() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lost != nil {
		return r.lost
	}
	if r.shutdown {
		return fmt.Errorf("renderer shut down: %w", core.ErrInvalidArgument)
	}
	return nil
}

// observe latches device loss from err and returns err unchanged.
func (r *Renderer) observe(err error) error {
	if err == nil || !errors.Is(err, core.ErrDeviceLost) {
		return err
	}
	r.mu.Lock()
	first := r.lost == nil
	if first {
		r.lost = err
	}
	r.mu.Unlock()
	if first {
		core.LogError("device lost, rendering stops: %s", err)
		if r.bus != nil {
			r.bus.Fire(core.EVENT_CODE_DEVICE_LOST, r, core.EventContext{})
		}
	}
	return err
}

// Lost returns the device loss that stopped the renderer, if any.
func (r *Renderer) Lost() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lost
}

func (r *Renderer) CreateBuffer(desc resources.BufferDesc) (resources.BufferHandle, error) {
	if err := r.check(); err != nil {
		return resources.BufferHandle{}, err
	}
	h, err := r.resources.CreateBufferWithDesc(desc)
	return h, r.observe(err)
}

func (r *Renderer) UpdateBuffer(h resources.BufferHandle, offset uint64, data []byte) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.resources.UpdateBuffer(h, offset, data)
}

func (r *Renderer) DestroyBuffer(h resources.BufferHandle) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.resources.DestroyBuffer(h)
}

// Buffer looks up a live buffer, failing with core.ErrStaleHandle after destroy.
func (r *Renderer) Buffer(h resources.BufferHandle) (*resources.Buffer, error) {
	return r.resources.Buffer(h)
}

func (r *Renderer) CreateImage(desc metadata.ImageDesc) (resources.ImageHandle, error) {
	if err := r.check(); err != nil {
		return resources.ImageHandle{}, err
	}
	h, err := r.resources.CreateImage(desc)
	return h, r.observe(err)
}

func (r *Renderer) DestroyImage(h resources.ImageHandle) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.resources.DestroyImage(h)
}

func (r *Renderer) CreateSampler(desc metadata.SamplerDesc) (resources.SamplerHandle, error) {
	if err := r.check(); err != nil {
		return resources.SamplerHandle{}, err
	}
	h, err := r.resources.CreateSampler(desc)
	return h, r.observe(err)
}

func (r *Renderer) DestroySampler(h resources.SamplerHandle) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.resources.DestroySampler(h)
}

// CreateMesh creates device-local vertex and index buffers and uploads both.
func (r *Renderer) CreateMesh(vertices []byte, vertexCount uint32, indices []byte, indexSize metadata.IndexSize) (resources.Mesh, []*staging.PendingUpload, error) {
	var mesh resources.Mesh
	vb, err := r.CreateBuffer(resources.BufferDesc{Name: core.NewIdentifier("vertices"), Size: uint64(len(vertices)), Usage: metadata.BufferUsageVertex, Kind: metadata.MemoryDeviceLocal})
	if err != nil {
		return mesh, nil, err
	}
	mesh.Vertices, mesh.VertexCount = vb, vertexCount
	up, err := r.Upload(vb, 0, vertices)
	if err != nil {
		_ = r.DestroyBuffer(vb)
		return resources.Mesh{}, nil, err
	}
	pending := []*staging.PendingUpload{up}
	if len(indices) == 0 {
		return mesh, pending, nil
	}
	if indexSize != metadata.IndexSize16 && indexSize != metadata.IndexSize32 {
		_ = r.DestroyBuffer(vb)
		return resources.Mesh{}, nil, fmt.Errorf("index size %d: %w", indexSize, core.ErrInvalidArgument)
	}
	ib, err := r.CreateBuffer(resources.BufferDesc{Name: core.NewIdentifier("indices"), Size: uint64(len(indices)), Usage: metadata.BufferUsageIndex, Kind: metadata.MemoryDeviceLocal})
	if err != nil {
		_ = r.DestroyBuffer(vb)
		return resources.Mesh{}, nil, err
	}
	up, err = r.Upload(ib, 0, indices)
	if err != nil {
		_ = r.DestroyBuffer(vb)
		_ = r.DestroyBuffer(ib)
		return resources.Mesh{}, nil, err
	}
	mesh.Indices, mesh.IndexSize = ib, indexSize
	mesh.IndexCount = uint32(len(indices)) / uint32(indexSize)
	return mesh, append(pending, up), nil
}

func (r *Renderer) DestroyMesh(m resources.Mesh) error {
	err := r.DestroyBuffer(m.Vertices)
	if m.Indexed() {
		err = errors.Join(err, r.DestroyBuffer(m.Indices))
	}
	return err
}

func (r *Renderer) Upload(h resources.BufferHandle, offset uint64, data []byte) (*staging.PendingUpload, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	up, err := r.uploads.UploadBuffer(h, offset, data)
	return up, r.observe(err)
}

func (r *Renderer) UploadImage(h resources.ImageHandle, pixels []byte) (*staging.PendingUpload, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	up, err := r.uploads.UploadImage(h, pixels)
	return up, r.observe(err)
}

// CreateTexture decodes an image file into a sampled RGBA8 image and uploads it.
func (r *Renderer) CreateTexture(path string) (resources.ImageHandle, *staging.PendingUpload, error) {
	pixels, extent, err := staging.LoadImageFile(path)
	if err != nil {
		core.LogError("%s", err)
		return resources.ImageHandle{}, nil, err
	}
	h, err := r.CreateImage(metadata.ImageDesc{
		Name:   path,
		Extent: extent,
		Format: metadata.FormatR8G8B8A8Srgb,
		Usage:  metadata.ImageUsageSampled | metadata.ImageUsageTransferDst,
	})
	if err != nil {
		return resources.ImageHandle{}, nil, err
	}
	up, err := r.UploadImage(h, pixels)
	if err != nil {
		_ = r.DestroyImage(h)
		return resources.ImageHandle{}, nil, err
	}
	return h, up, nil
}

func (r *Renderer) PollUpload(up *staging.PendingUpload) (staging.UploadState, error) {
	state, err := r.uploads.Poll(up)
	return state, r.observe(err)
}

func (r *Renderer) WaitUpload(ctx context.Context, up *staging.PendingUpload) error {
	return r.observe(r.uploads.Wait(ctx, up))
}

func (r *Renderer) CreatePipeline(desc pipeline.PipelineDesc) (pipeline.PipelineHandle, error) {
	if err := r.check(); err != nil {
		return pipeline.PipelineHandle{}, err
	}
	h, err := r.pipelines.Build(desc)
	return h, r.observe(err)
}

// ReloadPipeline rebuilds h from its shader sources. See pipeline.Builder.Reload.
func (r *Renderer) ReloadPipeline(h pipeline.PipelineHandle) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.observe(r.pipelines.Reload(h))
}

// ReloadAll reloads every pipeline and joins the failures.
func (r *Renderer) ReloadAll() error {
	if err := r.check(); err != nil {
		return err
	}
	var errs []error
	for _, h := range r.pipelines.Pipelines() {
		if err := r.observe(r.pipelines.Reload(h)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Renderer) DestroyPipeline(h pipeline.PipelineHandle) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.pipelines.DestroyPipeline(h)
}

func (r *Renderer) Pipeline(h pipeline.PipelineHandle) (*pipeline.Pipeline, error) {
	return r.pipelines.Pipeline(h)
}

func (r *Renderer) AllocateDescriptorSet(h pipeline.PipelineHandle, set uint32) (pipeline.DescriptorSetHandle, error) {
	if err := r.check(); err != nil {
		return pipeline.DescriptorSetHandle{}, err
	}
	ds, err := r.pipelines.AllocateDescriptorSet(h, set)
	return ds, r.observe(err)
}

func (r *Renderer) WriteDescriptorSet(h pipeline.DescriptorSetHandle, writes []pipeline.Write) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.observe(r.pipelines.WriteDescriptorSet(h, writes))
}

func (r *Renderer) FreeDescriptorSet(h pipeline.DescriptorSetHandle) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.pipelines.FreeDescriptorSet(h)
}

/**
 * @brief Starts a frame. Shader reloads queued by the watcher are applied first, so they
 * only ever affect frames recorded from here on. Returns core.ErrSwapchainBooting when the
 * frame must be skipped.
 */
func (r *Renderer) BeginFrame() (*frame.Context, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	if r.watcher != nil {
		for _, h := range r.watcher.Drain() {
			if err := r.observe(r.pipelines.Reload(h)); core.IsFatal(err) {
				return nil, err
			}
		}
	}
	if err := r.createDecoded(); err != nil {
		return nil, err
	}
	ctx, err := r.frames.BeginFrame()
	return ctx, r.observe(err)
}

func (r *Renderer) EndFrame(ctx *frame.Context) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.observe(r.frames.EndFrame(ctx))
}

// CurrentTarget describes the swapchain frames render into.
func (r *Renderer) CurrentTarget() frame.Target {
	return r.frames.CurrentTarget()
}

func (r *Renderer) Resized(width, height uint32) {
	r.frames.Resize(width, height)
}

func (r *Renderer) Metrics() *core.Metrics {
	return r.frames.Metrics()
}

func (r *Renderer) MemoryStats() []memory.PoolStats {
	return r.allocator.Stats()
}

// Shutdown waits for the GPU, then releases every object in dependency order.
func (r *Renderer) Shutdown() error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil
	}
	r.shutdown = true
	lost := r.lost
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Unregister(core.EVENT_CODE_RESIZED, r)
	}
	if r.watcher != nil {
		if err := r.watcher.Close(); err != nil {
			core.LogWarn("%s", err)
		}
	}
	r.jobs.Shutdown()
	r.texMu.Lock()
	r.failDecoded(r.decoded, fmt.Errorf("renderer shut down: %w", core.ErrInvalidArgument))
	r.decoded = nil
	r.texMu.Unlock()
	r.frames.Shutdown()
	r.uploads.Shutdown()
	r.pipelines.Shutdown()
	// the GPU is idle, everything retired can go
	r.resources.Sweep(r.frames.Frame())
	r.resources.Shutdown()
	for _, s := range r.allocator.Stats() {
		core.LogDebug("pool %d (%s): %d/%d bytes used, %d free ranges", s.ID, s.Kind, s.Used, s.Size, s.FreeRanges)
	}
	r.allocator.Destroy()
	r.device.Destroy()
	core.LogInfo("renderer shut down")
	return lost
}

package frame

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
	"github.com/spaghettifunk/ember/engine/renderer/pipeline"
	"github.com/spaghettifunk/ember/engine/renderer/resources"
	"github.com/spaghettifunk/ember/engine/renderer/staging"
)

type SlotState uint8

const (
	SlotIdle SlotState = iota
	SlotRecording
	SlotSubmitted
)

func (s SlotState) String() string {
	switch s {
	case SlotRecording:
		return "recording"
	case SlotSubmitted:
		return "submitted"
	}
	return "idle"
}

type slot struct {
	index          int
	state          SlotState
	fence          metadata.Fence
	imageAvailable metadata.Semaphore
	// frame number of the last submission from this slot
	frame uint64
}

// Target describes the images a frame renders into.
type Target struct {
	Color       metadata.Image
	ColorFormat metadata.Format
	Depth       metadata.Image
	DepthFormat metadata.Format
	Extent      metadata.Extent2D
}

type Options struct {
	FramesInFlight int
	FenceTimeout   time.Duration
}

/**
 * @brief Rotates a fixed number of frame slots. A slot is reused only after the fence of
 * its previous submission signalled, at which point everything retired by that frame or an
 * earlier one is released.
 */
type Synchronizer struct {
	device    metadata.Device
	resources *resources.Manager
	pipelines *pipeline.Builder
	uploads   *staging.Uploader
	opts      Options

	swapchain      metadata.Swapchain
	renderFinished []metadata.Semaphore
	// slot whose submission last used each swapchain image, -1 when none
	imagesInFlight []int

	slots     []*slot
	current   int
	frame     uint64
	completed uint64
	recording *Context

	// resize requests may arrive from another goroutine
	resizeMu        sync.Mutex
	resizePending   bool
	pendingExtent   metadata.Extent2D
	onTargetChanged func(Target) error

	clock   *core.Clock
	metrics *core.Metrics
	lost    error
}

func New(device metadata.Device, mgr *resources.Manager, pipelines *pipeline.Builder, uploads *staging.Uploader, extent metadata.Extent2D, opts Options) (*Synchronizer, error) {
	if opts.FramesInFlight < 1 {
		return nil, fmt.Errorf("%d frames in flight: %w", opts.FramesInFlight, core.ErrInvalidArgument)
	}
	if opts.FenceTimeout == 0 {
		opts.FenceTimeout = 2 * time.Second
	}
	s := &Synchronizer{
		device:    device,
		resources: mgr,
		pipelines: pipelines,
		uploads:   uploads,
		opts:      opts,
		current:   opts.FramesInFlight - 1,
		clock:     core.NewClock(),
		metrics:   core.NewMetrics(),
	}
	for i := 0; i < opts.FramesInFlight; i++ {
		// created signalled so the first wait on every slot returns at once
		fence, err := device.CreateFence(true)
		if err != nil {
			s.Shutdown()
			return nil, err
		}
		sem, err := device.CreateSemaphore()
		if err != nil {
			device.DestroyFence(fence)
			s.Shutdown()
			return nil, err
		}
		s.slots = append(s.slots, &slot{index: i, fence: fence, imageAvailable: sem})
	}
	if err := s.createSwapchain(extent); err != nil {
		s.Shutdown()
		return nil, err
	}
	core.LogInfo("frame synchronizer ready: %d frames in flight, %d swapchain images", opts.FramesInFlight, len(s.swapchain.Images()))
	return s, nil
}

// OnTargetChanged registers fn to run after the swapchain was recreated.
func (s *Synchronizer) OnTargetChanged(fn func(Target) error) {
	s.onTargetChanged = fn
}

func (s *Synchronizer) createSwapchain(extent metadata.Extent2D) error {
	sc, err := s.device.CreateSwapchain(extent, s.swapchain)
	if err != nil {
		return err
	}
	if s.swapchain != nil {
		s.swapchain.Destroy()
	}
	for _, sem := range s.renderFinished {
		s.device.DestroySemaphore(sem)
	}
	s.swapchain = sc
	s.renderFinished = s.renderFinished[:0]
	s.imagesInFlight = make([]int, len(sc.Images()))
	for i := range sc.Images() {
		s.imagesInFlight[i] = -1
		sem, err := s.device.CreateSemaphore()
		if err != nil {
			return err
		}
		s.renderFinished = append(s.renderFinished, sem)
	}
	return nil
}

// Resize recreates the swapchain at the start of the next frame.
func (s *Synchronizer) Resize(width, height uint32) {
	s.resizeMu.Lock()
	s.resizePending = true
	s.pendingExtent = metadata.Extent2D{Width: width, Height: height}
	s.resizeMu.Unlock()
	core.LogInfo("resized to %dx%d, swapchain recreated on the next frame", width, height)
}

// markOutOfDate recreates at the current size unless a resize is already pending.
func (s *Synchronizer) markOutOfDate() {
	s.resizeMu.Lock()
	defer s.resizeMu.Unlock()
	if !s.resizePending {
		s.resizePending = true
		s.pendingExtent = s.swapchain.Extent()
	}
}

func (s *Synchronizer) pendingResize() (metadata.Extent2D, bool) {
	s.resizeMu.Lock()
	defer s.resizeMu.Unlock()
	return s.pendingExtent, s.resizePending
}

func (s *Synchronizer) recreate(extent metadata.Extent2D) error {
	if extent.IsZero() {
		// minimised, keep booting until a usable size arrives
		return core.ErrSwapchainBooting
	}
	if err := s.device.WaitIdle(); err != nil {
		return s.latch(err)
	}
	for _, sl := range s.slots {
		if sl.state == SlotSubmitted {
			sl.state = SlotIdle
			if sl.frame > s.completed {
				s.completed = sl.frame
			}
		}
	}
	if err := s.createSwapchain(extent); err != nil {
		return s.latch(err)
	}
	s.resizeMu.Lock()
	// a newer request keeps the recreate pending
	if s.pendingExtent == extent {
		s.resizePending = false
	}
	s.resizeMu.Unlock()
	core.LogInfo("swapchain recreated at %dx%d", extent.Width, extent.Height)
	if s.onTargetChanged != nil {
		if err := s.onTargetChanged(s.target(0)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Synchronizer) target(imageIndex uint32) Target {
	return Target{
		Color:       s.swapchain.Images()[imageIndex],
		ColorFormat: s.swapchain.Format(),
		Depth:       s.swapchain.DepthImage(),
		DepthFormat: s.swapchain.DepthFormat(),
		Extent:      s.swapchain.Extent(),
	}
}

// CurrentTarget describes the render target formats frames are recorded against.
func (s *Synchronizer) CurrentTarget() Target {
	return s.target(0)
}

// latch records a device loss. Every later call fails with it.
func (s *Synchronizer) latch(err error) error {
	if errors.Is(err, core.ErrDeviceLost) && s.lost == nil {
		s.lost = err
		core.LogError("device lost: %s", err)
	}
	return err
}

func (s *Synchronizer) Lost() error {
	return s.lost
}

// waitSlot blocks until the previous submission of sl completed.
func (s *Synchronizer) waitSlot(sl *slot) error {
	if err := s.device.WaitFence(sl.fence, s.opts.FenceTimeout); err != nil {
		return s.latch(fmt.Errorf("frame slot %d (frame %d): %w", sl.index, sl.frame, err))
	}
	if sl.state == SlotSubmitted {
		sl.state = SlotIdle
		if sl.frame > s.completed {
			s.completed = sl.frame
		}
	}
	return nil
}

/**
 * @brief Puts sl back into rotation after its frame failed to submit. The fence was reset by
 * BeginFrame and the waits are signalled, so an empty batch consumes the waits and signals
 * the fence. When even that fails the fence and the acquire semaphore are replaced.
 */
func (s *Synchronizer) recoverSlot(sl *slot, frame uint64, waits []metadata.Semaphore) {
	err := s.device.Submit(metadata.QueueGraphics, metadata.SubmitInfo{Waits: waits, Fence: sl.fence})
	if err == nil {
		sl.state = SlotSubmitted
		sl.frame = frame
		return
	}
	core.LogWarn("frame %d: empty submit failed, replacing slot %d sync objects: %s", frame, sl.index, err)
	sl.state = SlotIdle
	fence, ferr := s.device.CreateFence(true)
	sem, serr := s.device.CreateSemaphore()
	if ferr != nil || serr != nil {
		if ferr == nil {
			s.device.DestroyFence(fence)
		}
		if serr == nil {
			s.device.DestroySemaphore(sem)
		}
		_ = s.latch(fmt.Errorf("slot %d cannot be recovered: %w", sl.index, core.ErrDeviceLost))
		return
	}
	s.device.DestroyFence(sl.fence)
	s.device.DestroySemaphore(sl.imageAvailable)
	sl.fence, sl.imageAvailable = fence, sem
}

/**
 * @brief Waits for the next slot to become free, releases what completed frames retired and
 * acquires a swapchain image. Returns core.ErrSwapchainBooting when the frame must be
 * skipped while the swapchain is recreated.
 */
func (s *Synchronizer) BeginFrame() (*Context, error) {
	if s.lost != nil {
		return nil, s.lost
	}
	if s.recording != nil {
		return nil, fmt.Errorf("frame %d is still recording: %w", s.recording.Frame, core.ErrInvalidArgument)
	}
	if extent, ok := s.pendingResize(); ok {
		if err := s.recreate(extent); err != nil {
			return nil, err
		}
	}

	next := (s.current + 1) % len(s.slots)
	sl := s.slots[next]
	if err := s.waitSlot(sl); err != nil {
		return nil, err
	}
	if n := s.resources.Sweep(s.completed); n > 0 {
		core.LogDebug("frame %d completed, released %d retired objects", s.completed, n)
	}
	if s.uploads != nil {
		s.uploads.Collect()
	}

	imageIndex, err := s.swapchain.AcquireNextImage(sl.imageAvailable, s.opts.FenceTimeout)
	if errors.Is(err, core.ErrSwapchainBooting) {
		s.markOutOfDate()
		return nil, err
	}
	if err != nil {
		return nil, s.latch(err)
	}
	if err := s.device.ResetFence(sl.fence); err != nil {
		return nil, s.latch(err)
	}

	s.frame++
	s.current = next
	sl.state = SlotRecording
	s.resources.BeginFrame(s.frame, next)
	s.clock.Start()

	ctx := &Context{
		Frame:      s.frame,
		Slot:       next,
		ImageIndex: imageIndex,
		Target:     s.target(imageIndex),
		sync:       s,
	}
	ctx.Encoder = newEncoder(ctx, s.resources, s.pipelines)
	s.recording = ctx
	return ctx, nil
}

// EndFrame submits the recorded commands and presents the acquired image.
func (s *Synchronizer) EndFrame(ctx *Context) error {
	if s.lost != nil {
		return s.lost
	}
	if ctx == nil || ctx != s.recording {
		return fmt.Errorf("end of a frame that is not recording: %w", core.ErrNotRecording)
	}
	sl := s.slots[ctx.Slot]
	cmds := ctx.Encoder.finish()

	// the acquired image may still be used by an older frame from another slot
	if owner := s.imagesInFlight[ctx.ImageIndex]; owner >= 0 && owner != ctx.Slot {
		if prev := s.slots[owner]; prev.state == SlotSubmitted {
			if err := s.waitSlot(prev); err != nil {
				return err
			}
		}
	}
	s.imagesInFlight[ctx.ImageIndex] = ctx.Slot

	waits := []metadata.Semaphore{sl.imageAvailable}
	if s.uploads != nil {
		waits = append(waits, s.uploads.TakeWaits()...)
	}
	finished := s.renderFinished[ctx.ImageIndex]
	err := s.device.Submit(metadata.QueueGraphics, metadata.SubmitInfo{
		Commands: cmds,
		Waits:    waits,
		Signals:  []metadata.Semaphore{finished},
		Fence:    sl.fence,
	})
	s.recording = nil
	if err != nil {
		if errors.Is(err, core.ErrDeviceLost) {
			sl.state = SlotIdle
			return s.latch(err)
		}
		s.recoverSlot(sl, ctx.Frame, waits)
		return err
	}
	sl.state = SlotSubmitted
	sl.frame = ctx.Frame

	if err := s.swapchain.Present(ctx.ImageIndex, finished); err != nil {
		if errors.Is(err, core.ErrSwapchainBooting) {
			s.markOutOfDate()
		} else {
			return s.latch(err)
		}
	}

	s.clock.Update()
	s.metrics.Update(s.clock.Elapsed())
	s.clock.Stop()
	return nil
}

func (s *Synchronizer) Swapchain() metadata.Swapchain {
	return s.swapchain
}

func (s *Synchronizer) Frame() uint64 {
	return s.frame
}

// CompletedFrame is the newest frame known to have finished on the GPU.
func (s *Synchronizer) CompletedFrame() uint64 {
	return s.completed
}

func (s *Synchronizer) SlotState(i int) SlotState {
	return s.slots[i].state
}

func (s *Synchronizer) Metrics() *core.Metrics {
	return s.metrics
}

// Shutdown waits for the GPU and destroys the per-slot objects and the swapchain.
func (s *Synchronizer) Shutdown() {
	if s.lost == nil {
		if err := s.device.WaitIdle(); err != nil {
			core.LogError("wait idle at shutdown: %s", err)
		}
	}
	for _, sl := range s.slots {
		s.device.DestroyFence(sl.fence)
		s.device.DestroySemaphore(sl.imageAvailable)
	}
	s.slots = nil
	for _, sem := range s.renderFinished {
		s.device.DestroySemaphore(sem)
	}
	s.renderFinished = nil
	if s.swapchain != nil {
		s.swapchain.Destroy()
		s.swapchain = nil
	}
	if s.metrics.TotalFrames() > 0 {
		core.LogInfo("rendered %d frames, %.2f ms average", s.metrics.TotalFrames(), s.metrics.FrameTime())
	}
}

package staging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spaghettifunk/ember/engine/containers"
	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/memory"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
	"github.com/spaghettifunk/ember/engine/renderer/resources"
)

type Options struct {
	// MaxInFlight bounds the number of unfinished uploads. Further uploads block on the oldest.
	MaxInFlight int
	// MaxPooled bounds the staging buffers kept for reuse.
	MaxPooled     int
	MinBufferSize uint64
	// FenceTimeout bounds every wait on an upload fence. Expiry means the device is lost.
	FenceTimeout time.Duration
}

func OptionsFromConfig(cfg *core.Config) Options {
	return Options{
		MaxInFlight:   int(cfg.Staging.MaxInFlight),
		MaxPooled:     int(cfg.Staging.MaxPooled),
		MinBufferSize: cfg.MinStagingSize(),
		FenceTimeout:  cfg.FenceTimeout(),
	}
}

// Uploader copies CPU data into device-local resources through host-visible staging buffers.
type Uploader struct {
	device    metadata.Device
	allocator *memory.Allocator
	resources *resources.Manager
	queue     metadata.QueueKind
	opts      Options

	mu       sync.Mutex
	inFlight *containers.RingQueue[*PendingUpload]
	free     []*stagingBuffer
	waits    []metadata.Semaphore
}

func NewUploader(device metadata.Device, allocator *memory.Allocator, mgr *resources.Manager, opts Options) *Uploader {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 32
	}
	if opts.MaxPooled < 0 {
		opts.MaxPooled = 0
	}
	if opts.FenceTimeout == 0 {
		opts.FenceTimeout = 2 * time.Second
	}
	queue := metadata.QueueGraphics
	if device.Properties().HasDedicatedTransfer {
		queue = metadata.QueueTransfer
	}
	core.LogDebug("staging uploads go to the %s queue (%d in flight max)", queue, opts.MaxInFlight)
	return &Uploader{
		device:    device,
		allocator: allocator,
		resources: mgr,
		queue:     queue,
		opts:      opts,
		inFlight:  containers.NewRingQueue[*PendingUpload](opts.MaxInFlight),
	}
}

func (u *Uploader) Queue() metadata.QueueKind {
	return u.queue
}

// acquire returns a pooled staging buffer of at least size bytes. Called with mu held.
func (u *Uploader) acquire(size uint64) (*stagingBuffer, error) {
	best := -1
	for i, sb := range u.free {
		if sb.size >= size && (best < 0 || sb.size < u.free[best].size) {
			best = i
		}
	}
	if best >= 0 {
		sb := u.free[best]
		u.free = append(u.free[:best], u.free[best+1:]...)
		return sb, nil
	}

	capacity := size
	if capacity < u.opts.MinBufferSize {
		capacity = u.opts.MinBufferSize
	}
	native, req, err := u.device.CreateBuffer(core.NewIdentifier("staging"), capacity, metadata.BufferUsageTransferSrc, false)
	if err != nil {
		return nil, err
	}
	alloc, err := u.allocator.Allocate(req.Size, req.Alignment, metadata.MemoryHostVisible)
	if err != nil {
		u.device.DestroyBuffer(native)
		return nil, err
	}
	if err := u.device.BindBufferMemory(native, alloc.Memory(), alloc.Offset); err != nil {
		u.device.DestroyBuffer(native)
		_ = u.allocator.Free(alloc)
		return nil, err
	}
	return &stagingBuffer{native: native, alloc: alloc, size: capacity}, nil
}

// recycle returns sb to the pool or destroys it when the pool is full. Called with mu held.
func (u *Uploader) recycle(sb *stagingBuffer) {
	if len(u.free) < u.opts.MaxPooled {
		u.free = append(u.free, sb)
		return
	}
	u.destroyStaging(sb)
}

func (u *Uploader) destroyStaging(sb *stagingBuffer) {
	u.device.DestroyBuffer(sb.native)
	if err := u.allocator.Free(sb.alloc); err != nil {
		core.LogError("failed to free staging memory: %s", err)
	}
}

// reserve makes room for one more upload, blocking on the oldest when the bound is reached.
// Called with mu held.
func (u *Uploader) reserve() error {
	u.collectLocked()
	if !u.inFlight.IsFull() {
		return nil
	}
	oldest, err := u.inFlight.Peek()
	if err != nil {
		return err
	}
	core.LogDebug("%d uploads in flight, waiting for %s", u.inFlight.Len(), oldest)
	if err := u.device.WaitFence(oldest.fence, u.opts.FenceTimeout); err != nil {
		return fmt.Errorf("waiting for %s: %w", oldest, err)
	}
	u.collectLocked()
	return nil
}

// submit records and submits one upload. submitted runs with mu held once the device accepted it.
func (u *Uploader) submit(dest Destination, data []byte, record func(src metadata.Buffer) ([]metadata.Command, error), submitted, finish func()) (*PendingUpload, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.reserve(); err != nil {
		return nil, err
	}
	sb, err := u.acquire(uint64(len(data)))
	if err != nil {
		return nil, err
	}
	copy(sb.alloc.Bytes(), data)

	cmds, err := record(sb.native)
	if err != nil {
		u.recycle(sb)
		return nil, err
	}
	fence, err := u.device.CreateFence(false)
	if err != nil {
		u.recycle(sb)
		return nil, err
	}
	sem, err := u.device.CreateSemaphore()
	if err != nil {
		u.device.DestroyFence(fence)
		u.recycle(sb)
		return nil, err
	}
	err = u.device.Submit(u.queue, metadata.SubmitInfo{
		Commands: cmds,
		Signals:  []metadata.Semaphore{sem},
		Fence:    fence,
	})
	if err != nil {
		u.device.DestroySemaphore(sem)
		u.device.DestroyFence(fence)
		u.recycle(sb)
		return nil, err
	}
	if submitted != nil {
		submitted()
	}

	dest.Size = uint64(len(data))
	up := &PendingUpload{
		ID:        core.NewUploadID(),
		dest:      dest,
		queue:     u.queue,
		fence:     fence,
		semaphore: sem,
		staging:   sb,
		finish:    finish,
	}
	if err := u.inFlight.Enqueue(up); err != nil {
		// reserve made room, the queue cannot be full here
		return nil, err
	}
	u.waits = append(u.waits, sem)
	core.LogDebug("submitted %s on the %s queue", up, u.queue)
	return up, nil
}

/**
 * @brief Uploads data into buffer h at offset. Every copy of a mutable buffer is written.
 * The buffer is not released before the upload completes even if destroyed meanwhile.
 */
func (u *Uploader) UploadBuffer(h resources.BufferHandle, offset uint64, data []byte) (*PendingUpload, error) {
	buf, err := u.resources.Buffer(h)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty upload to buffer `%s`: %w", buf.Desc.Name, core.ErrInvalidArgument)
	}
	if !buf.Contains(offset, uint64(len(data))) {
		return nil, fmt.Errorf("upload of %d bytes at %d overflows buffer `%s` of %d bytes: %w",
			len(data), offset, buf.Desc.Name, buf.Size(), core.ErrOutOfRange)
	}
	if !buf.Desc.Usage.Has(metadata.BufferUsageTransferDst) {
		return nil, fmt.Errorf("buffer `%s` is not a transfer destination: %w", buf.Desc.Name, core.ErrInvalidArgument)
	}

	buf.BeginUpload()
	dest := Destination{Name: buf.Desc.Name, Buffer: h, Offset: offset}
	up, err := u.submit(dest, data, func(src metadata.Buffer) ([]metadata.Command, error) {
		cmds := make([]metadata.Command, 0, buf.Copies())
		for slot := 0; slot < buf.Copies(); slot++ {
			cmds = append(cmds, metadata.CmdCopyBuffer{
				Src:       src,
				Dst:       buf.Native(slot),
				DstOffset: offset,
				Size:      uint64(len(data)),
			})
		}
		return cmds, nil
	}, nil, buf.EndUpload)
	if err != nil {
		buf.EndUpload()
		core.LogError("%s", err)
		return nil, err
	}
	return up, nil
}

/**
 * @brief Uploads tightly packed pixels covering the whole of image h. The image ends in
 * ShaderReadOnly when it is sampled, TransferDst otherwise.
 */
func (u *Uploader) UploadImage(h resources.ImageHandle, pixels []byte) (*PendingUpload, error) {
	img, err := u.resources.Image(h)
	if err != nil {
		return nil, err
	}
	want := uint64(img.Desc.Extent.Width) * uint64(img.Desc.Extent.Height) * uint64(img.Desc.Format.BytesPerPixel())
	if uint64(len(pixels)) != want {
		return nil, fmt.Errorf("image `%s` needs %d bytes, got %d: %w", img.Desc.Name, want, len(pixels), core.ErrInvalidArgument)
	}

	layouts := []metadata.ImageLayout{metadata.ImageLayoutTransferDst}
	if img.Desc.Usage.Has(metadata.ImageUsageSampled) {
		layouts = append(layouts, metadata.ImageLayoutShaderReadOnly)
	}

	img.BeginUpload()
	var barriers []metadata.ImageBarrier
	dest := Destination{Name: img.Desc.Name, Image: h}
	up, err := u.submit(dest, pixels, func(src metadata.Buffer) ([]metadata.Command, error) {
		planned, err := u.resources.PlanTransitions(h, layouts...)
		if err != nil {
			return nil, err
		}
		barriers = planned
		cmds := []metadata.Command{
			metadata.CmdImageBarrier{Barrier: barriers[0]},
			metadata.CmdCopyBufferToImage{Src: src, Dst: img.Native(), Format: img.Desc.Format, Extent: img.Desc.Extent},
		}
		for _, b := range barriers[1:] {
			cmds = append(cmds, metadata.CmdImageBarrier{Barrier: b})
		}
		return cmds, nil
	}, func() {
		if err := u.resources.CommitTransitions(h, barriers); err != nil {
			core.LogError("%s", err)
		}
	}, img.EndUpload)
	if err != nil {
		img.EndUpload()
		core.LogError("%s", err)
		return nil, err
	}
	return up, nil
}

// Poll reports whether up finished without blocking.
func (u *Uploader) Poll(up *PendingUpload) (UploadState, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if up.complete {
		return UploadComplete, nil
	}
	signaled, err := u.device.FenceSignaled(up.fence)
	if err != nil {
		return UploadPending, err
	}
	if !signaled {
		return UploadPending, nil
	}
	u.collectLocked()
	return UploadComplete, nil
}

// Wait blocks on the fence of up until it signals, ctx is done or the fence timeout expires.
func (u *Uploader) Wait(ctx context.Context, up *PendingUpload) error {
	u.mu.Lock()
	if up.complete {
		u.mu.Unlock()
		return nil
	}
	fence := up.fence
	// retire destroys the fence only after every waiter returned
	up.waiters.Add(1)
	u.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		defer up.waiters.Done()
		done <- u.device.WaitFence(fence, u.opts.FenceTimeout)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("waiting for %s: %w", up, err)
		}
	}
	u.Collect()
	return nil
}

// Collect finishes every upload whose fence signalled and returns how many did.
func (u *Uploader) Collect() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.collectLocked()
}

// collectLocked retires finished uploads in submission order. Called with mu held.
func (u *Uploader) collectLocked() int {
	n := 0
	for !u.inFlight.IsEmpty() {
		head, _ := u.inFlight.Peek()
		signaled, err := u.device.FenceSignaled(head.fence)
		if err != nil || !signaled {
			break
		}
		_, _ = u.inFlight.Dequeue()
		u.retire(head)
		n++
	}
	return n
}

func (u *Uploader) retire(up *PendingUpload) {
	up.complete = true
	if up.finish != nil {
		up.finish()
	}
	up.waiters.Wait()
	u.device.DestroyFence(up.fence)
	up.fence = nil
	u.recycle(up.staging)
	up.staging = nil
	core.LogDebug("%s complete", up)
}

/**
 * @brief Hands the completion semaphores of every upload submitted since the last call to
 * the caller, which must make its next submission wait on all of them. The semaphores are
 * destroyed once the frame that waited on them completed.
 */
func (u *Uploader) TakeWaits() []metadata.Semaphore {
	u.mu.Lock()
	waits := u.waits
	u.waits = nil
	u.mu.Unlock()
	if len(waits) == 0 {
		return nil
	}
	sems := append([]metadata.Semaphore(nil), waits...)
	u.resources.Defer(fmt.Sprintf("%d upload semaphores", len(sems)), func() {
		for _, s := range sems {
			u.device.DestroySemaphore(s)
		}
	})
	return waits
}

func (u *Uploader) InFlight() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.inFlight.Len()
}

func (u *Uploader) Pooled() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.free)
}

// Shutdown releases every staging buffer and synchronisation object. The device must be idle.
func (u *Uploader) Shutdown() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for !u.inFlight.IsEmpty() {
		up, _ := u.inFlight.Dequeue()
		u.retire(up)
	}
	for _, s := range u.waits {
		u.device.DestroySemaphore(s)
	}
	u.waits = nil
	for _, sb := range u.free {
		u.destroyStaging(sb)
	}
	u.free = nil
}

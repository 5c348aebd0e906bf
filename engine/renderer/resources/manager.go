package resources

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/ember/engine/containers"
	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/memory"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
)

type retirement struct {
	frame   uint64
	label   string
	busy    func() bool
	release func()
}

// Manager owns every buffer, image and sampler. Consumers only ever hold handles.
type Manager struct {
	device         metadata.Device
	allocator      *memory.Allocator
	framesInFlight int
	// resources are shared between graphics and transfer queue families
	concurrent bool

	buffers  *containers.Registry[*Buffer]
	images   *containers.Registry[*Image]
	samplers *containers.Registry[*Sampler]

	mu      sync.Mutex
	frame   uint64
	slot    int
	retired []retirement
}

func NewManager(device metadata.Device, allocator *memory.Allocator, framesInFlight int) *Manager {
	if framesInFlight < 1 {
		framesInFlight = 1
	}
	return &Manager{
		device:         device,
		allocator:      allocator,
		framesInFlight: framesInFlight,
		concurrent:     device.Properties().HasDedicatedTransfer,
		buffers:        containers.NewRegistry[*Buffer](),
		images:         containers.NewRegistry[*Image](),
		samplers:       containers.NewRegistry[*Sampler](),
	}
}

// BeginFrame records the frame number and rotation slot that creates and destroys are
// attributed to until the next call.
func (m *Manager) BeginFrame(frame uint64, slot int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frame = frame
	m.slot = slot
}

func (m *Manager) currentFrame() (uint64, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frame, m.slot
}

func (m *Manager) CreateBuffer(size uint64, usage metadata.BufferUsage, kind metadata.MemoryKind) (BufferHandle, error) {
	return m.CreateBufferWithDesc(BufferDesc{Size: size, Usage: usage, Kind: kind})
}

func (m *Manager) CreateBufferWithDesc(desc BufferDesc) (BufferHandle, error) {
	if desc.Size == 0 {
		return BufferHandle{}, fmt.Errorf("buffer with zero size: %w", core.ErrInvalidArgument)
	}
	if desc.Mutability == metadata.BufferMutable && desc.Kind != metadata.MemoryHostVisible {
		return BufferHandle{}, fmt.Errorf("mutable buffers must be host-visible: %w", core.ErrWrongMemoryKind)
	}
	if desc.Name == "" {
		desc.Name = core.NewIdentifier("buffer")
	}
	if desc.Kind == metadata.MemoryDeviceLocal {
		// device-local buffers are only reachable through transfers
		desc.Usage |= metadata.BufferUsageTransferDst
	}

	copies := 1
	if desc.Mutability == metadata.BufferMutable {
		copies = m.framesInFlight
	}
	frame, _ := m.currentFrame()
	buf := &Buffer{Desc: desc, CreatedFrame: frame}
	for i := 0; i < copies; i++ {
		c, err := m.createBufferCopy(desc)
		if err != nil {
			m.releaseBuffer(buf)
			return BufferHandle{}, err
		}
		buf.copies = append(buf.copies, c)
	}
	h := m.buffers.Create(buf)
	core.LogDebug("frame %d: created buffer `%s` %s (%d bytes, %s, %d copies)", frame, desc.Name, h, desc.Size, desc.Kind, copies)
	return h, nil
}

func (m *Manager) createBufferCopy(desc BufferDesc) (bufferCopy, error) {
	native, req, err := m.device.CreateBuffer(desc.Name, desc.Size, desc.Usage, m.concurrent)
	if err != nil {
		return bufferCopy{}, err
	}
	alloc, err := m.allocator.Allocate(req.Size, req.Alignment, desc.Kind)
	if err != nil {
		m.device.DestroyBuffer(native)
		return bufferCopy{}, err
	}
	if err := m.device.BindBufferMemory(native, alloc.Memory(), alloc.Offset); err != nil {
		m.device.DestroyBuffer(native)
		_ = m.allocator.Free(alloc)
		return bufferCopy{}, err
	}
	return bufferCopy{native: native, alloc: alloc}, nil
}

func (m *Manager) releaseBuffer(buf *Buffer) {
	for _, c := range buf.copies {
		m.device.DestroyBuffer(c.native)
		if err := m.allocator.Free(c.alloc); err != nil {
			core.LogError("failed to free memory of buffer `%s`: %s", buf.Desc.Name, err)
		}
	}
	buf.copies = nil
}

func (m *Manager) Buffer(h BufferHandle) (*Buffer, error) {
	buf, ok := m.buffers.Get(h)
	if !ok {
		return nil, fmt.Errorf("buffer %s: %w", h, core.ErrStaleHandle)
	}
	return buf, nil
}

/**
 * @brief Writes data into a host-visible buffer at offset. For mutable buffers the copy of
 * the frame being recorded is written.
 */
func (m *Manager) UpdateBuffer(h BufferHandle, offset uint64, data []byte) error {
	buf, err := m.Buffer(h)
	if err != nil {
		return err
	}
	if buf.Desc.Kind != metadata.MemoryHostVisible {
		err := fmt.Errorf("buffer `%s` is %s: %w", buf.Desc.Name, buf.Desc.Kind, core.ErrWrongMemoryKind)
		core.LogError("%s", err)
		return err
	}
	if !buf.Contains(offset, uint64(len(data))) {
		return fmt.Errorf("write of %d bytes at %d into `%s` (%d bytes): %w", len(data), offset, buf.Desc.Name, buf.Desc.Size, core.ErrOutOfRange)
	}
	_, slot := m.currentFrame()
	c := buf.copies[slot%len(buf.copies)]
	copy(c.alloc.Bytes()[offset:], data)
	return nil
}

// Mapped exposes the host-visible memory of h for slot. Used by the staging pipeline.
func (m *Manager) Mapped(h BufferHandle, slot int) ([]byte, error) {
	buf, err := m.Buffer(h)
	if err != nil {
		return nil, err
	}
	if buf.Desc.Kind != metadata.MemoryHostVisible {
		return nil, fmt.Errorf("buffer `%s` is %s: %w", buf.Desc.Name, buf.Desc.Kind, core.ErrWrongMemoryKind)
	}
	return buf.copies[slot%len(buf.copies)].alloc.Bytes()[:buf.Desc.Size], nil
}

func (m *Manager) DestroyBuffer(h BufferHandle) error {
	buf, err := m.buffers.Destroy(h)
	if err != nil {
		return err
	}
	m.retire(fmt.Sprintf("buffer `%s`", buf.Desc.Name), buf.busy, func() {
		m.releaseBuffer(buf)
		if _, err := m.buffers.Release(h); err != nil {
			core.LogError("%s", err)
		}
	})
	return nil
}

func (m *Manager) CreateImage(desc metadata.ImageDesc) (ImageHandle, error) {
	if desc.Extent.IsZero() {
		return ImageHandle{}, fmt.Errorf("image with zero extent: %w", core.ErrInvalidArgument)
	}
	if desc.Name == "" {
		desc.Name = core.NewIdentifier("image")
	}
	if desc.MipLevels == 0 {
		desc.MipLevels = 1
	}
	native, req, err := m.device.CreateImage(desc, m.concurrent)
	if err != nil {
		return ImageHandle{}, err
	}
	alloc, err := m.allocator.Allocate(req.Size, req.Alignment, metadata.MemoryDeviceLocal)
	if err != nil {
		m.device.DestroyImage(native)
		return ImageHandle{}, err
	}
	if err := m.device.BindImageMemory(native, alloc.Memory(), alloc.Offset); err != nil {
		m.device.DestroyImage(native)
		_ = m.allocator.Free(alloc)
		return ImageHandle{}, err
	}
	frame, _ := m.currentFrame()
	img := &Image{Desc: desc, CreatedFrame: frame, native: native, alloc: alloc}
	h := m.images.Create(img)
	core.LogDebug("frame %d: created image `%s` %s (%dx%d %s)", frame, desc.Name, h, desc.Extent.Width, desc.Extent.Height, desc.Format)
	return h, nil
}

func (m *Manager) Image(h ImageHandle) (*Image, error) {
	img, ok := m.images.Get(h)
	if !ok {
		return nil, fmt.Errorf("image %s: %w", h, core.ErrStaleHandle)
	}
	return img, nil
}

func (m *Manager) DestroyImage(h ImageHandle) error {
	img, err := m.images.Destroy(h)
	if err != nil {
		return err
	}
	m.retire(fmt.Sprintf("image `%s`", img.Desc.Name), img.busy, func() {
		m.device.DestroyImage(img.native)
		if err := m.allocator.Free(img.alloc); err != nil {
			core.LogError("failed to free memory of image `%s`: %s", img.Desc.Name, err)
		}
		if _, err := m.images.Release(h); err != nil {
			core.LogError("%s", err)
		}
	})
	return nil
}

func (m *Manager) CreateSampler(desc metadata.SamplerDesc) (SamplerHandle, error) {
	if desc.Name == "" {
		desc.Name = core.NewIdentifier("sampler")
	}
	native, err := m.device.CreateSampler(desc)
	if err != nil {
		return SamplerHandle{}, err
	}
	h := m.samplers.Create(&Sampler{Desc: desc, native: native})
	frame, _ := m.currentFrame()
	core.LogDebug("frame %d: created sampler `%s` %s", frame, desc.Name, h)
	return h, nil
}

func (m *Manager) Sampler(h SamplerHandle) (*Sampler, error) {
	s, ok := m.samplers.Get(h)
	if !ok {
		return nil, fmt.Errorf("sampler %s: %w", h, core.ErrStaleHandle)
	}
	return s, nil
}

func (m *Manager) DestroySampler(h SamplerHandle) error {
	s, err := m.samplers.Destroy(h)
	if err != nil {
		return err
	}
	m.retire(fmt.Sprintf("sampler `%s`", s.Desc.Name), nil, func() {
		m.device.DestroySampler(s.native)
		if _, err := m.samplers.Release(h); err != nil {
			core.LogError("%s", err)
		}
	})
	return nil
}

// Defer queues release behind the same rule as destroyed resources: it runs once every
// frame that was in flight when Defer was called has completed.
func (m *Manager) Defer(label string, release func()) {
	m.retire(label, nil, release)
}

func (m *Manager) retire(label string, busy func() bool, release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retired = append(m.retired, retirement{frame: m.frame, label: label, busy: busy, release: release})
	core.LogDebug("frame %d: retiring %s", m.frame, label)
}

// Sweep releases everything retired at or before completed. It returns the number released.
func (m *Manager) Sweep(completed uint64) int {
	m.mu.Lock()
	var ready []retirement
	kept := m.retired[:0]
	for _, r := range m.retired {
		if r.frame <= completed && (r.busy == nil || !r.busy()) {
			ready = append(ready, r)
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(m.retired); i++ {
		m.retired[i] = retirement{}
	}
	m.retired = kept
	m.mu.Unlock()

	for _, r := range ready {
		r.release()
		core.LogDebug("released %s retired at frame %d (completed %d)", r.label, r.frame, completed)
	}
	return len(ready)
}

func (m *Manager) PendingDestroyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.retired)
}

// Shutdown releases every resource regardless of frame state. The device must be idle.
func (m *Manager) Shutdown() {
	var buffers []BufferHandle
	m.buffers.Each(func(h BufferHandle, _ *Buffer) bool {
		buffers = append(buffers, h)
		return true
	})
	var images []ImageHandle
	m.images.Each(func(h ImageHandle, _ *Image) bool {
		images = append(images, h)
		return true
	})
	var samplers []SamplerHandle
	m.samplers.Each(func(h SamplerHandle, _ *Sampler) bool {
		samplers = append(samplers, h)
		return true
	})
	for _, h := range buffers {
		_ = m.DestroyBuffer(h)
	}
	for _, h := range images {
		_ = m.DestroyImage(h)
	}
	for _, h := range samplers {
		_ = m.DestroySampler(h)
	}

	m.mu.Lock()
	pending := m.retired
	m.retired = nil
	m.mu.Unlock()
	for _, r := range pending {
		r.release()
	}
}

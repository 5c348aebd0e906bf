package headless

import (
	"fmt"
	"sync"
	"time"

	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
)

type Mode uint8

const (
	// ModeImmediate executes each submission while Submit runs.
	ModeImmediate Mode = iota
	// ModeManual queues submissions until Step or CompleteAll is called.
	ModeManual
)

type Options struct {
	Mode              Mode
	DedicatedTransfer bool
	// Per memory kind cap on allocated bytes, 0 means unlimited.
	MemoryBudget    map[metadata.MemoryKind]uint64
	SwapchainImages int
	SurfaceFormat   metadata.Format
}

// Fault is a misuse the simulated GPU observed while executing a submission.
type Fault struct {
	Queue   metadata.QueueKind
	Command string
	Reason  string
}

func (f Fault) String() string {
	return fmt.Sprintf("%s queue, %s: %s", f.Queue, f.Command, f.Reason)
}

var _ metadata.Device = (*Device)(nil)

type submission struct {
	seq   uint64
	queue metadata.QueueKind
	info  metadata.SubmitInfo
}

// Device simulates an explicit graphics API on the CPU. Memory is plain byte slices and
// submissions complete in FIFO order.
type Device struct {
	mu        sync.Mutex
	opts      Options
	lost      bool
	lostCh    chan struct{}
	nextID    uint64
	allocated map[metadata.MemoryKind]uint64
	pending   []*submission
	faults    []Fault
	submitted map[metadata.QueueKind]int
	completed uint64
	draws     int
	presents  int
	live      map[string]int
}

func NewDevice(opts Options) *Device {
	if opts.SwapchainImages == 0 {
		opts.SwapchainImages = 3
	}
	if opts.SurfaceFormat == metadata.FormatUndefined {
		opts.SurfaceFormat = metadata.FormatB8G8R8A8Unorm
	}
	return &Device{
		opts:      opts,
		lostCh:    make(chan struct{}),
		allocated: make(map[metadata.MemoryKind]uint64),
		submitted: make(map[metadata.QueueKind]int),
		live:      make(map[string]int),
	}
}

func (d *Device) Properties() metadata.DeviceProperties {
	return metadata.DeviceProperties{
		Name:                            "headless",
		HasDedicatedTransfer:            d.opts.DedicatedTransfer,
		MinUniformBufferOffsetAlignment: 256,
		MinStorageBufferOffsetAlignment: 256,
		MaxSamplerAnisotropy:            16,
	}
}

func (d *Device) id() uint64 {
	d.nextID++
	return d.nextID
}

func (d *Device) lostErr(op string) error {
	return fmt.Errorf("%s: %w", op, core.ErrDeviceLost)
}

func (d *Device) fault(queue metadata.QueueKind, cmd interface{}, reason string, args ...interface{}) {
	f := Fault{Queue: queue, Command: fmt.Sprintf("%T", cmd), Reason: fmt.Sprintf(reason, args...)}
	d.faults = append(d.faults, f)
	core.LogError("headless fault: %s", f)
}

func (d *Device) AllocateMemory(size uint64, kind metadata.MemoryKind) (metadata.DeviceMemory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return nil, d.lostErr("allocate memory")
	}
	if budget := d.opts.MemoryBudget[kind]; budget > 0 && d.allocated[kind]+size > budget {
		return nil, fmt.Errorf("%s budget of %d bytes exhausted: %w", kind, budget, core.ErrOutOfMemory)
	}
	d.allocated[kind] += size
	d.live["memory"]++
	return &memoryBlock{id: d.id(), kind: kind, data: make([]byte, size)}, nil
}

func (d *Device) FreeMemory(mem metadata.DeviceMemory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := mem.(*memoryBlock)
	if m.freed {
		d.faults = append(d.faults, Fault{Command: "FreeMemory", Reason: "double free"})
		return
	}
	m.freed = true
	d.allocated[m.kind] -= m.Size()
	d.live["memory"]--
}

func bufferAlignment(usage metadata.BufferUsage) uint64 {
	if usage.Has(metadata.BufferUsageUniform) || usage.Has(metadata.BufferUsageStorage) {
		return 256
	}
	return 16
}

func (d *Device) CreateBuffer(name string, size uint64, usage metadata.BufferUsage, concurrent bool) (metadata.Buffer, metadata.MemoryRequirements, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return nil, metadata.MemoryRequirements{}, d.lostErr("create buffer")
	}
	if size == 0 {
		return nil, metadata.MemoryRequirements{}, fmt.Errorf("buffer `%s` has zero size: %w", name, core.ErrInvalidArgument)
	}
	d.live["buffer"]++
	b := &buffer{id: d.id(), name: name, size: size, usage: usage}
	return b, metadata.MemoryRequirements{Size: size, Alignment: bufferAlignment(usage)}, nil
}

func (d *Device) BindBufferMemory(buf metadata.Buffer, mem metadata.DeviceMemory, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, m := buf.(*buffer), mem.(*memoryBlock)
	if offset+b.size > m.Size() {
		return fmt.Errorf("buffer `%s` does not fit its memory at offset %d: %w", b.name, offset, core.ErrOutOfRange)
	}
	b.mem, b.offset = m, offset
	return nil
}

func (d *Device) DestroyBuffer(buf metadata.Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := buf.(*buffer)
	if !b.destroyed {
		b.destroyed = true
		d.live["buffer"]--
	}
}

func imageSize(desc metadata.ImageDesc) uint64 {
	mips := desc.MipLevels
	if mips == 0 {
		mips = 1
	}
	var total uint64
	w, h := uint64(desc.Extent.Width), uint64(desc.Extent.Height)
	for i := uint32(0); i < mips; i++ {
		total += w * h * uint64(desc.Format.BytesPerPixel())
		w, h = max(w/2, 1), max(h/2, 1)
	}
	return total
}

func (d *Device) CreateImage(desc metadata.ImageDesc, concurrent bool) (metadata.Image, metadata.MemoryRequirements, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return nil, metadata.MemoryRequirements{}, d.lostErr("create image")
	}
	if desc.Extent.IsZero() || desc.Format.BytesPerPixel() == 0 {
		return nil, metadata.MemoryRequirements{}, fmt.Errorf("image `%s` has invalid extent or format: %w", desc.Name, core.ErrInvalidArgument)
	}
	size := imageSize(desc)
	d.live["image"]++
	img := &image{id: d.id(), desc: desc, size: size}
	return img, metadata.MemoryRequirements{Size: size, Alignment: 512}, nil
}

func (d *Device) BindImageMemory(img metadata.Image, mem metadata.DeviceMemory, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	i, m := img.(*image), mem.(*memoryBlock)
	if offset+i.size > m.Size() {
		return fmt.Errorf("image `%s` does not fit its memory at offset %d: %w", i.desc.Name, offset, core.ErrOutOfRange)
	}
	i.mem, i.offset = m, offset
	return nil
}

func (d *Device) DestroyImage(img metadata.Image) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := img.(*image)
	if !i.destroyed {
		i.destroyed = true
		d.live["image"]--
	}
}

func (d *Device) CreateSampler(desc metadata.SamplerDesc) (metadata.Sampler, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return nil, d.lostErr("create sampler")
	}
	d.live["sampler"]++
	return &sampler{desc: desc}, nil
}

func (d *Device) DestroySampler(s metadata.Sampler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sm := s.(*sampler); !sm.destroyed {
		sm.destroyed = true
		d.live["sampler"]--
	}
}

func (d *Device) CreateShaderModule(code []uint32) (metadata.ShaderModule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(code) < 5 || code[0] != 0x07230203 {
		return nil, fmt.Errorf("shader module is not SPIR-V: %w", core.ErrInvalidArgument)
	}
	d.live["shader"]++
	return &shaderModule{code: append([]uint32(nil), code...)}, nil
}

func (d *Device) DestroyShaderModule(m metadata.ShaderModule) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sm := m.(*shaderModule); !sm.destroyed {
		sm.destroyed = true
		d.live["shader"]--
	}
}

func (d *Device) CreateDescriptorSetLayout(bindings []metadata.DescriptorBinding) (metadata.DescriptorSetLayout, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live["set-layout"]++
	return &descriptorSetLayout{bindings: append([]metadata.DescriptorBinding(nil), bindings...)}, nil
}

func (d *Device) DestroyDescriptorSetLayout(l metadata.DescriptorSetLayout) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dl := l.(*descriptorSetLayout); !dl.destroyed {
		dl.destroyed = true
		d.live["set-layout"]--
	}
}

func (d *Device) CreatePipelineLayout(sets []metadata.DescriptorSetLayout, push []metadata.PushConstantRange) (metadata.PipelineLayout, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live["pipeline-layout"]++
	return &pipelineLayout{sets: sets, push: push}, nil
}

func (d *Device) DestroyPipelineLayout(l metadata.PipelineLayout) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pl := l.(*pipelineLayout); !pl.destroyed {
		pl.destroyed = true
		d.live["pipeline-layout"]--
	}
}

func (d *Device) CreateGraphicsPipeline(desc metadata.GraphicsPipelineDesc) (metadata.Pipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return nil, d.lostErr("create pipeline")
	}
	if desc.Layout == nil || len(desc.Stages) == 0 {
		return nil, fmt.Errorf("pipeline `%s` needs a layout and stages: %w", desc.Name, core.ErrInvalidArgument)
	}
	d.live["pipeline"]++
	return &pipeline{desc: desc}, nil
}

func (d *Device) DestroyPipeline(p metadata.Pipeline) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pp := p.(*pipeline); !pp.destroyed {
		pp.destroyed = true
		d.live["pipeline"]--
	}
}

func (d *Device) AllocateDescriptorSet(layout metadata.DescriptorSetLayout) (metadata.DescriptorSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return nil, d.lostErr("allocate descriptor set")
	}
	d.live["descriptor-set"]++
	return &descriptorSet{layout: layout.(*descriptorSetLayout), writes: make(map[uint32]metadata.DescriptorWrite)}, nil
}

func (d *Device) WriteDescriptorSet(set metadata.DescriptorSet, writes []metadata.DescriptorWrite) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ds := set.(*descriptorSet)
	if ds.freed {
		return fmt.Errorf("write to freed descriptor set: %w", core.ErrStaleHandle)
	}
	for _, w := range writes {
		if b, ok := w.Buffer.(*buffer); ok && (w.Offset > b.size || w.Range > b.size-w.Offset) {
			return fmt.Errorf("binding %d: range %d at %d exceeds buffer `%s`: %w", w.Binding, w.Range, w.Offset, b.name, core.ErrOutOfRange)
		}
		found := false
		for _, b := range ds.layout.bindings {
			if b.Binding == w.Binding {
				if b.Kind != w.Kind {
					return fmt.Errorf("binding %d is %s, write is %s: %w", w.Binding, b.Kind, w.Kind, core.ErrIncompatibleBinding)
				}
				found = true
			}
		}
		if !found {
			return fmt.Errorf("binding %d not in set layout: %w", w.Binding, core.ErrInvalidArgument)
		}
		ds.writes[w.Binding] = w
	}
	return nil
}

func (d *Device) FreeDescriptorSet(set metadata.DescriptorSet) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ds := set.(*descriptorSet); !ds.freed {
		ds.freed = true
		d.live["descriptor-set"]--
	}
}

func (d *Device) CreateFence(signaled bool) (metadata.Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := &fence{ch: make(chan struct{})}
	if signaled {
		f.signaled = true
		close(f.ch)
	}
	d.live["fence"]++
	return f, nil
}

func (d *Device) WaitFence(f metadata.Fence, timeout time.Duration) error {
	d.mu.Lock()
	if d.lost {
		d.mu.Unlock()
		return d.lostErr("wait fence")
	}
	ch := f.(*fence).ch
	d.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-d.lostCh:
		return d.lostErr("wait fence")
	case <-timer.C:
		return fmt.Errorf("fence not signalled after %s: %w", timeout, core.ErrDeviceLost)
	}
}

func (d *Device) FenceSignaled(f metadata.Fence) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return false, d.lostErr("fence status")
	}
	return f.(*fence).signaled, nil
}

func (d *Device) ResetFence(f metadata.Fence) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	fc := f.(*fence)
	if fc.signaled {
		fc.signaled = false
		fc.ch = make(chan struct{})
	}
	return nil
}

func (d *Device) DestroyFence(f metadata.Fence) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live["fence"]--
}

func (d *Device) CreateSemaphore() (metadata.Semaphore, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live["semaphore"]++
	return &semaphore{}, nil
}

func (d *Device) DestroySemaphore(s metadata.Semaphore) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sm := s.(*semaphore); !sm.destroyed {
		sm.destroyed = true
		d.live["semaphore"]--
	}
}

func (d *Device) Submit(queue metadata.QueueKind, info metadata.SubmitInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return d.lostErr("submit")
	}
	if queue == metadata.QueueTransfer && !d.opts.DedicatedTransfer {
		return fmt.Errorf("no dedicated transfer queue: %w", core.ErrInvalidArgument)
	}
	if info.Fence != nil && info.Fence.(*fence).signaled {
		return fmt.Errorf("submit with a signalled fence: %w", core.ErrInvalidArgument)
	}
	for _, s := range info.Waits {
		sm := s.(*semaphore)
		if sm.destroyed {
			d.fault(queue, "Submit", "wait on destroyed semaphore")
			continue
		}
		if sm.available == 0 {
			d.fault(queue, "Submit", "wait on semaphore without a pending signal")
			continue
		}
		sm.available--
	}
	for _, s := range info.Signals {
		s.(*semaphore).available++
	}
	sub := &submission{seq: d.id(), queue: queue, info: info}
	d.submitted[queue]++
	if d.opts.Mode == ModeImmediate {
		d.execute(sub)
		return nil
	}
	d.pending = append(d.pending, sub)
	return nil
}

func (d *Device) WaitIdle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return d.lostErr("wait idle")
	}
	for len(d.pending) > 0 {
		d.stepLocked()
	}
	return nil
}

func (d *Device) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = nil
}

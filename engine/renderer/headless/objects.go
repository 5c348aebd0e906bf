package headless

import (
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
)

type memoryBlock struct {
	id    uint64
	kind  metadata.MemoryKind
	data  []byte
	freed bool
}

func (m *memoryBlock) Size() uint64              { return uint64(len(m.data)) }
func (m *memoryBlock) Kind() metadata.MemoryKind { return m.kind }
func (m *memoryBlock) Mapped() []byte {
	if m.kind != metadata.MemoryHostVisible {
		return nil
	}
	return m.data
}

type buffer struct {
	id        uint64
	name      string
	size      uint64
	usage     metadata.BufferUsage
	mem       *memoryBlock
	offset    uint64
	destroyed bool
}

func (b *buffer) bytes() []byte {
	if b.mem == nil {
		return nil
	}
	return b.mem.data[b.offset : b.offset+b.size]
}

type image struct {
	id        uint64
	desc      metadata.ImageDesc
	size      uint64
	mem       *memoryBlock
	offset    uint64
	layout    metadata.ImageLayout
	destroyed bool
	// swapchain images own their pixels
	pixels []byte
}

func (i *image) bytes() []byte {
	if i.pixels != nil {
		return i.pixels
	}
	if i.mem == nil {
		return nil
	}
	return i.mem.data[i.offset : i.offset+i.size]
}

type sampler struct {
	desc      metadata.SamplerDesc
	destroyed bool
}

type shaderModule struct {
	code      []uint32
	destroyed bool
}

type descriptorSetLayout struct {
	bindings  []metadata.DescriptorBinding
	destroyed bool
}

type pipelineLayout struct {
	sets      []metadata.DescriptorSetLayout
	push      []metadata.PushConstantRange
	destroyed bool
}

type pipeline struct {
	desc      metadata.GraphicsPipelineDesc
	destroyed bool
}

type descriptorSet struct {
	layout *descriptorSetLayout
	writes map[uint32]metadata.DescriptorWrite
	freed  bool
}

type fence struct {
	signaled bool
	ch       chan struct{}
}

type semaphore struct {
	// signals scheduled minus waits scheduled
	available int
	destroyed bool
}

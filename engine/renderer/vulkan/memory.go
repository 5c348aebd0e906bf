package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
)

type deviceMemory struct {
	handle    vk.DeviceMemory
	size      uint64
	kind      metadata.MemoryKind
	typeIndex uint32
	mapped    []byte
}

func (m *deviceMemory) Size() uint64              { return m.size }
func (m *deviceMemory) Kind() metadata.MemoryKind { return m.kind }
func (m *deviceMemory) Mapped() []byte            { return m.mapped }

func memoryFlags(kind metadata.MemoryKind) vk.MemoryPropertyFlags {
	if kind == metadata.MemoryHostVisible {
		return vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit) | vk.MemoryPropertyFlags(vk.MemoryPropertyHostCoherentBit)
	}
	return vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
}

// AllocateMemory allocates a block of the first memory type of the kind. Host-visible blocks
// stay mapped for their whole lifetime.
func (d *Device) AllocateMemory(size uint64, kind metadata.MemoryKind) (metadata.DeviceMemory, error) {
	if err := d.lostErr("allocate memory"); err != nil {
		return nil, err
	}
	index := d.findMemoryIndex(^uint32(0), memoryFlags(kind))
	if index < 0 {
		return nil, fmt.Errorf("no %s memory type: %w", kind, core.ErrWrongMemoryKind)
	}
	info := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  vk.DeviceSize(size),
		MemoryTypeIndex: uint32(index),
	}
	var handle vk.DeviceMemory
	if res := vk.AllocateMemory(d.logical, &info, d.allocator, &handle); res != vk.Success {
		return nil, d.check(fmt.Sprintf("vkAllocateMemory of %d bytes", size), res)
	}
	mem := &deviceMemory{handle: handle, size: size, kind: kind, typeIndex: uint32(index)}
	if kind == metadata.MemoryHostVisible {
		var ptr unsafe.Pointer
		if res := vk.MapMemory(d.logical, handle, 0, vk.DeviceSize(size), 0, &ptr); res != vk.Success {
			vk.FreeMemory(d.logical, handle, d.allocator)
			return nil, d.check("vkMapMemory", res)
		}
		mem.mapped = unsafe.Slice((*byte)(ptr), size)
	}
	return mem, nil
}

func (d *Device) FreeMemory(mem metadata.DeviceMemory) {
	m := mem.(*deviceMemory)
	if m.mapped != nil {
		vk.UnmapMemory(d.logical, m.handle)
		m.mapped = nil
	}
	vk.FreeMemory(d.logical, m.handle, d.allocator)
	m.handle = vk.NullDeviceMemory
}

type buffer struct {
	handle      vk.Buffer
	name        string
	size        uint64
	memoryTypes uint32
}

func (d *Device) CreateBuffer(name string, size uint64, usage metadata.BufferUsage, concurrent bool) (metadata.Buffer, metadata.MemoryRequirements, error) {
	if err := d.lostErr("create buffer"); err != nil {
		return nil, metadata.MemoryRequirements{}, err
	}
	info := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       vkBufferUsage(usage),
		SharingMode: vk.SharingModeExclusive,
	}
	if concurrent && d.families.dedicatedTransfer() {
		indices := d.families.concurrentIndices()
		info.SharingMode = vk.SharingModeConcurrent
		info.QueueFamilyIndexCount = uint32(len(indices))
		info.PQueueFamilyIndices = indices
	}
	var handle vk.Buffer
	if res := vk.CreateBuffer(d.logical, &info, d.allocator, &handle); res != vk.Success {
		return nil, metadata.MemoryRequirements{}, d.check(fmt.Sprintf("vkCreateBuffer `%s`", name), res)
	}
	var reqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.logical, handle, &reqs)
	reqs.Deref()
	b := &buffer{handle: handle, name: name, size: size, memoryTypes: reqs.MemoryTypeBits}
	return b, metadata.MemoryRequirements{Size: uint64(reqs.Size), Alignment: uint64(reqs.Alignment)}, nil
}

func (d *Device) BindBufferMemory(buf metadata.Buffer, mem metadata.DeviceMemory, offset uint64) error {
	b, m := buf.(*buffer), mem.(*deviceMemory)
	if b.memoryTypes&(1<<m.typeIndex) == 0 {
		return fmt.Errorf("buffer `%s` cannot live in %s memory type %d: %w", b.name, m.kind, m.typeIndex, core.ErrWrongMemoryKind)
	}
	if res := vk.BindBufferMemory(d.logical, b.handle, m.handle, vk.DeviceSize(offset)); res != vk.Success {
		return d.check(fmt.Sprintf("vkBindBufferMemory `%s`", b.name), res)
	}
	return nil
}

func (d *Device) DestroyBuffer(buf metadata.Buffer) {
	b := buf.(*buffer)
	vk.DestroyBuffer(d.logical, b.handle, d.allocator)
	b.handle = vk.NullBuffer
}

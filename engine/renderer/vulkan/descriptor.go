package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
)

const (
	// Sets per descriptor pool, a new pool is created when one runs out.
	descriptorPoolSets uint32 = 256
	// Array length used for unsized (runtime) descriptor arrays.
	unsizedArrayCount uint32 = 64
)

type descriptorSetLayout struct {
	handle   vk.DescriptorSetLayout
	bindings map[uint32]vk.DescriptorType
}

type descriptorSet struct {
	handle vk.DescriptorSet
	pool   vk.DescriptorPool
	layout *descriptorSetLayout
}

type descriptorAllocator struct {
	device *Device
	pools  []vk.DescriptorPool
}

func newDescriptorAllocator(d *Device) *descriptorAllocator {
	return &descriptorAllocator{device: d}
}

func (a *descriptorAllocator) newPool() (vk.DescriptorPool, error) {
	d := a.device
	kinds := []vk.DescriptorType{
		vk.DescriptorTypeUniformBuffer,
		vk.DescriptorTypeStorageBuffer,
		vk.DescriptorTypeSampler,
		vk.DescriptorTypeSampledImage,
		vk.DescriptorTypeCombinedImageSampler,
		vk.DescriptorTypeStorageImage,
		vk.DescriptorTypeUniformTexelBuffer,
		vk.DescriptorTypeStorageTexelBuffer,
		vk.DescriptorTypeInputAttachment,
	}
	sizes := make([]vk.DescriptorPoolSize, len(kinds))
	for i, k := range kinds {
		sizes[i] = vk.DescriptorPoolSize{Type: k, DescriptorCount: descriptorPoolSets * 4}
	}
	info := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		Flags:         vk.DescriptorPoolCreateFlags(vk.DescriptorPoolCreateFreeDescriptorSetBit),
		MaxSets:       descriptorPoolSets,
		PoolSizeCount: uint32(len(sizes)),
		PPoolSizes:    sizes,
	}
	var pool vk.DescriptorPool
	if res := vk.CreateDescriptorPool(d.logical, &info, d.allocator, &pool); res != vk.Success {
		return vk.NullDescriptorPool, d.check("vkCreateDescriptorPool", res)
	}
	a.pools = append(a.pools, pool)
	core.LogDebug("descriptor pool %d created", len(a.pools))
	return pool, nil
}

// allocate tries every pool, newest first, and grows when all are exhausted.
func (a *descriptorAllocator) allocate(layout *descriptorSetLayout) (*descriptorSet, error) {
	d := a.device
	try := func(pool vk.DescriptorPool) (*descriptorSet, vk.Result) {
		info := vk.DescriptorSetAllocateInfo{
			SType:              vk.StructureTypeDescriptorSetAllocateInfo,
			DescriptorPool:     pool,
			DescriptorSetCount: 1,
			PSetLayouts:        []vk.DescriptorSetLayout{layout.handle},
		}
		var set vk.DescriptorSet
		res := vk.AllocateDescriptorSets(d.logical, &info, &set)
		if res != vk.Success {
			return nil, res
		}
		return &descriptorSet{handle: set, pool: pool, layout: layout}, res
	}
	for i := len(a.pools) - 1; i >= 0; i-- {
		set, res := try(a.pools[i])
		switch res {
		case vk.Success:
			return set, nil
		case vk.ErrorOutOfPoolMemory, vk.ErrorFragmentedPool:
			continue
		default:
			return nil, d.check("vkAllocateDescriptorSets", res)
		}
	}
	pool, err := a.newPool()
	if err != nil {
		return nil, err
	}
	set, res := try(pool)
	if res != vk.Success {
		return nil, d.check("vkAllocateDescriptorSets", res)
	}
	return set, nil
}

func (a *descriptorAllocator) free(set *descriptorSet) {
	vk.FreeDescriptorSets(a.device.logical, set.pool, 1, &set.handle)
}

func (a *descriptorAllocator) destroy() {
	for _, pool := range a.pools {
		vk.DestroyDescriptorPool(a.device.logical, pool, a.device.allocator)
	}
	a.pools = nil
}

func (d *Device) CreateDescriptorSetLayout(bindings []metadata.DescriptorBinding) (metadata.DescriptorSetLayout, error) {
	out := &descriptorSetLayout{bindings: make(map[uint32]vk.DescriptorType, len(bindings))}
	vkBindings := make([]vk.DescriptorSetLayoutBinding, len(bindings))
	for i, b := range bindings {
		count := b.Count
		if count == 0 {
			count = unsizedArrayCount
		}
		vkBindings[i] = vk.DescriptorSetLayoutBinding{
			Binding:         b.Binding,
			DescriptorType:  vkDescriptorType(b.Kind),
			DescriptorCount: count,
			StageFlags:      vkShaderStages(b.Stages),
		}
		out.bindings[b.Binding] = vkBindings[i].DescriptorType
	}
	info := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(vkBindings)),
		PBindings:    vkBindings,
	}
	if res := vk.CreateDescriptorSetLayout(d.logical, &info, d.allocator, &out.handle); res != vk.Success {
		return nil, d.check("vkCreateDescriptorSetLayout", res)
	}
	return out, nil
}

func (d *Device) DestroyDescriptorSetLayout(l metadata.DescriptorSetLayout) {
	layout := l.(*descriptorSetLayout)
	vk.DestroyDescriptorSetLayout(d.logical, layout.handle, d.allocator)
	layout.handle = vk.NullDescriptorSetLayout
}

func (d *Device) AllocateDescriptorSet(layout metadata.DescriptorSetLayout) (metadata.DescriptorSet, error) {
	if err := d.lostErr("allocate descriptor set"); err != nil {
		return nil, err
	}
	var set *descriptorSet
	err := d.locks.SafeCall(DescriptorManagement, func() error {
		var err error
		set, err = d.descriptors.allocate(layout.(*descriptorSetLayout))
		return err
	})
	return set, err
}

func (d *Device) WriteDescriptorSet(set metadata.DescriptorSet, writes []metadata.DescriptorWrite) error {
	ds := set.(*descriptorSet)
	vkWrites := make([]vk.WriteDescriptorSet, 0, len(writes))
	for _, w := range writes {
		if t, ok := ds.layout.bindings[w.Binding]; !ok || t != vkDescriptorType(w.Kind) {
			return fmt.Errorf("binding %d is not a %s in the set layout: %w", w.Binding, w.Kind, core.ErrInvalidArgument)
		}
		vw := vk.WriteDescriptorSet{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          ds.handle,
			DstBinding:      w.Binding,
			DstArrayElement: w.ArrayElement,
			DescriptorCount: 1,
			DescriptorType:  vkDescriptorType(w.Kind),
		}
		switch {
		case w.Kind.IsBuffer():
			b, ok := w.Buffer.(*buffer)
			if !ok {
				return fmt.Errorf("binding %d needs a buffer: %w", w.Binding, core.ErrInvalidArgument)
			}
			rng := vk.DeviceSize(w.Range)
			if w.Range == 0 {
				rng = vk.DeviceSize(vk.WholeSize)
			}
			vw.PBufferInfo = []vk.DescriptorBufferInfo{{Buffer: b.handle, Offset: vk.DeviceSize(w.Offset), Range: rng}}
		case w.Kind == metadata.DescriptorSampler:
			s, ok := w.Sampler.(*sampler)
			if !ok {
				return fmt.Errorf("binding %d needs a sampler: %w", w.Binding, core.ErrInvalidArgument)
			}
			vw.PImageInfo = []vk.DescriptorImageInfo{{Sampler: s.handle}}
		case w.Kind.IsImage():
			img, ok := w.Image.(*VulkanImage)
			if !ok {
				return fmt.Errorf("binding %d needs an image: %w", w.Binding, core.ErrInvalidArgument)
			}
			info := vk.DescriptorImageInfo{
				ImageView:   img.View,
				ImageLayout: vk.ImageLayoutShaderReadOnlyOptimal,
			}
			if w.Kind == metadata.DescriptorStorageImage {
				info.ImageLayout = vk.ImageLayoutGeneral
			}
			if s, ok := w.Sampler.(*sampler); ok {
				info.Sampler = s.handle
			}
			vw.PImageInfo = []vk.DescriptorImageInfo{info}
		default:
			return fmt.Errorf("descriptor kind %s not supported: %w", w.Kind, core.ErrInvalidArgument)
		}
		vkWrites = append(vkWrites, vw)
	}
	vk.UpdateDescriptorSets(d.logical, uint32(len(vkWrites)), vkWrites, 0, nil)
	return nil
}

func (d *Device) FreeDescriptorSet(set metadata.DescriptorSet) {
	ds := set.(*descriptorSet)
	d.locks.SafeCall(DescriptorManagement, func() error {
		d.descriptors.free(ds)
		return nil
	})
	ds.handle = vk.NullDescriptorSet
}

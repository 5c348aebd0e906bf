package pipeline

import (
	"fmt"

	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
)

// AllocateDescriptorSet allocates set index set from the current layout of pipeline h.
func (b *Builder) AllocateDescriptorSet(h PipelineHandle, set uint32) (DescriptorSetHandle, error) {
	p, err := b.Pipeline(h)
	if err != nil {
		return DescriptorSetHandle{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	layout, ok := b.layouts.Get(p.Layout)
	if !ok {
		return DescriptorSetHandle{}, fmt.Errorf("layout %s: %w", p.Layout, core.ErrStaleHandle)
	}
	if int(set) >= len(layout.setLayouts) {
		return DescriptorSetHandle{}, fmt.Errorf("pipeline `%s` has %d descriptor sets, %d requested: %w", p.Desc.Name, len(layout.setLayouts), set, core.ErrOutOfRange)
	}
	native, err := b.device.AllocateDescriptorSet(layout.setLayouts[set])
	if err != nil {
		return DescriptorSetHandle{}, err
	}
	delete(p.missingSets, set)
	return b.sets.Create(&DescriptorSet{Pipeline: h, Layout: p.Layout, Set: set, native: native}), nil
}

func (b *Builder) DescriptorSet(h DescriptorSetHandle) (*DescriptorSet, error) {
	ds, ok := b.sets.Get(h)
	if !ok {
		return nil, fmt.Errorf("descriptor set %s: %w", h, core.ErrStaleHandle)
	}
	return ds, nil
}

// ForBindSet returns what a bind of set h records: the native set, its index and the
// pipeline layout it was allocated against.
func (b *Builder) ForBindSet(h DescriptorSetHandle) (metadata.DescriptorSet, uint32, metadata.PipelineLayout, error) {
	ds, err := b.DescriptorSet(h)
	if err != nil {
		return nil, 0, nil, err
	}
	l, ok := b.layouts.Get(ds.Layout)
	if !ok {
		return nil, 0, nil, fmt.Errorf("layout %s: %w", ds.Layout, core.ErrStaleHandle)
	}
	return ds.native, ds.Set, l.native, nil
}

/**
 * @brief Writes resources into a descriptor set. Each write is checked against the
 * reflected binding: its kind decides which of the handles must be set.
 */
func (b *Builder) WriteDescriptorSet(h DescriptorSetHandle, writes []Write) error {
	ds, err := b.DescriptorSet(h)
	if err != nil {
		return err
	}
	l, ok := b.layouts.Get(ds.Layout)
	if !ok {
		return fmt.Errorf("layout %s: %w", ds.Layout, core.ErrStaleHandle)
	}

	native := make([]metadata.DescriptorWrite, 0, len(writes))
	for _, w := range writes {
		binding, ok := l.Reflected.Binding(ds.Set, w.Binding)
		if !ok {
			return fmt.Errorf("set %d has no binding %d: %w", ds.Set, w.Binding, core.ErrInvalidArgument)
		}
		if binding.Count != 0 && w.ArrayElement >= binding.Count {
			return fmt.Errorf("binding (%d, %d) holds %d elements, element %d written: %w", ds.Set, w.Binding, binding.Count, w.ArrayElement, core.ErrOutOfRange)
		}
		dw := metadata.DescriptorWrite{Binding: w.Binding, ArrayElement: w.ArrayElement, Kind: binding.Kind}

		if binding.Kind.IsBuffer() {
			buf, err := b.resources.Buffer(w.Buffer)
			if err != nil {
				return err
			}
			if w.Offset >= buf.Size() {
				return fmt.Errorf("offset %d past buffer of %d bytes: %w", w.Offset, buf.Size(), core.ErrOutOfRange)
			}
			dw.Buffer = buf.Native(w.Slot)
			dw.Offset = w.Offset
			dw.Range = w.Range
			if dw.Range == 0 || dw.Range > buf.Size()-w.Offset {
				dw.Range = buf.Size() - w.Offset
			}
		}
		if binding.Kind.IsImage() {
			img, err := b.resources.Image(w.Image)
			if err != nil {
				return err
			}
			dw.Image = img.Native()
			dw.ImageFormat = img.Desc.Format
		}
		if binding.Kind == metadata.DescriptorSampler || binding.Kind == metadata.DescriptorCombinedImageSampler {
			s, err := b.resources.Sampler(w.Sampler)
			if err != nil {
				return err
			}
			dw.Sampler = s.Native()
		}
		native = append(native, dw)
	}
	return b.device.WriteDescriptorSet(ds.native, native)
}

func (b *Builder) FreeDescriptorSet(h DescriptorSetHandle) error {
	if _, err := b.DescriptorSet(h); err != nil {
		return err
	}
	b.destroySet(h)
	return nil
}

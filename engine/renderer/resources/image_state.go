package resources

import (
	"fmt"

	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
)

// layoutAllowed reports whether an image created with usage may enter layout.
func layoutAllowed(usage metadata.ImageUsage, layout metadata.ImageLayout) bool {
	switch layout {
	case metadata.ImageLayoutTransferDst:
		return usage.Has(metadata.ImageUsageTransferDst)
	case metadata.ImageLayoutTransferSrc:
		return usage.Has(metadata.ImageUsageTransferSrc)
	case metadata.ImageLayoutShaderReadOnly:
		return usage.Has(metadata.ImageUsageSampled)
	case metadata.ImageLayoutColorAttachment, metadata.ImageLayoutPresent:
		return usage.Has(metadata.ImageUsageColorAttachment)
	case metadata.ImageLayoutDepthAttachment:
		return usage.Has(metadata.ImageUsageDepthAttachment)
	case metadata.ImageLayoutGeneral:
		return usage.Has(metadata.ImageUsageStorage)
	}
	return false
}

// ImageLayout returns the last known state of h.
func (m *Manager) ImageLayout(h ImageHandle) (metadata.ImageLayout, error) {
	img, err := m.Image(h)
	if err != nil {
		return metadata.ImageLayoutUndefined, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return img.layout, nil
}

/**
 * @brief Validates a transition of h from assumed to next and records next as the last known
 * state. The returned barrier must be recorded by the caller before the image is used in next.
 */
func (m *Manager) TransitionImage(h ImageHandle, assumed, next metadata.ImageLayout) (metadata.ImageBarrier, error) {
	img, err := m.Image(h)
	if err != nil {
		return metadata.ImageBarrier{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if img.layout != assumed {
		err := fmt.Errorf("image `%s` is %s, caller assumed %s: %w", img.Desc.Name, img.layout, assumed, core.ErrInvalidStateTransition)
		core.LogError("%s", err)
		return metadata.ImageBarrier{}, err
	}
	b, err := barrier(img, assumed, next)
	if err != nil {
		return metadata.ImageBarrier{}, err
	}
	img.layout = next
	return b, nil
}

/**
 * @brief Validates the chain of transitions taking h from its last known state through each
 * of layouts in turn. Nothing is recorded until CommitTransitions is called with the result.
 */
func (m *Manager) PlanTransitions(h ImageHandle, layouts ...metadata.ImageLayout) ([]metadata.ImageBarrier, error) {
	img, err := m.Image(h)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]metadata.ImageBarrier, 0, len(layouts))
	from := img.layout
	for _, next := range layouts {
		b, err := barrier(img, from, next)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
		from = next
	}
	return out, nil
}

// CommitTransitions records the state planned barriers leave h in once they were submitted.
func (m *Manager) CommitTransitions(h ImageHandle, barriers []metadata.ImageBarrier) error {
	if len(barriers) == 0 {
		return nil
	}
	img, err := m.Image(h)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if first := barriers[0].Old; img.layout != first {
		return fmt.Errorf("image `%s` is %s, barriers planned from %s: %w", img.Desc.Name, img.layout, first, core.ErrInvalidStateTransition)
	}
	img.layout = barriers[len(barriers)-1].New
	return nil
}

func barrier(img *Image, from, next metadata.ImageLayout) (metadata.ImageBarrier, error) {
	if next == metadata.ImageLayoutUndefined || !layoutAllowed(img.Desc.Usage, next) {
		err := fmt.Errorf("image `%s` cannot enter %s: %w", img.Desc.Name, next, core.ErrInvalidStateTransition)
		core.LogError("%s", err)
		return metadata.ImageBarrier{}, err
	}
	return metadata.ImageBarrier{
		Image:  img.native,
		Format: img.Desc.Format,
		Old:    from,
		New:    next,
	}, nil
}

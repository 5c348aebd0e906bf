package headless

import (
	"fmt"
	"time"

	"github.com/spaghettifunk/ember/engine/core"
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
)

type Swapchain struct {
	device    *Device
	format    metadata.Format
	extent    metadata.Extent2D
	images    []metadata.Image
	depth     *image
	next      uint32
	outOfDate bool
}

func (d *Device) CreateSwapchain(extent metadata.Extent2D, old metadata.Swapchain) (metadata.Swapchain, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return nil, d.lostErr("create swapchain")
	}
	if extent.IsZero() {
		return nil, fmt.Errorf("swapchain extent %dx%d: %w", extent.Width, extent.Height, core.ErrInvalidArgument)
	}
	sc := &Swapchain{device: d, format: d.opts.SurfaceFormat, extent: extent}
	pixels := uint64(extent.Width) * uint64(extent.Height)
	for i := 0; i < d.opts.SwapchainImages; i++ {
		img := &image{
			id: d.id(),
			desc: metadata.ImageDesc{
				Name:   fmt.Sprintf("swapchain-%d", i),
				Extent: extent,
				Format: sc.format,
				Usage:  metadata.ImageUsageColorAttachment,
			},
			size:   pixels * uint64(sc.format.BytesPerPixel()),
			pixels: make([]byte, pixels*uint64(sc.format.BytesPerPixel())),
		}
		sc.images = append(sc.images, img)
	}
	sc.depth = &image{
		id:     d.id(),
		desc:   metadata.ImageDesc{Name: "swapchain-depth", Extent: extent, Format: metadata.FormatD32Sfloat, Usage: metadata.ImageUsageDepthAttachment},
		size:   pixels * 4,
		pixels: make([]byte, pixels*4),
	}
	return sc, nil
}

func (s *Swapchain) Format() metadata.Format      { return s.format }
func (s *Swapchain) Extent() metadata.Extent2D    { return s.extent }
func (s *Swapchain) Images() []metadata.Image     { return s.images }
func (s *Swapchain) DepthFormat() metadata.Format { return metadata.FormatD32Sfloat }
func (s *Swapchain) DepthImage() metadata.Image   { return s.depth }

// MarkOutOfDate makes the next acquire or present report that the swapchain must be recreated.
func (s *Swapchain) MarkOutOfDate() {
	s.device.mu.Lock()
	defer s.device.mu.Unlock()
	s.outOfDate = true
}

func (s *Swapchain) AcquireNextImage(signal metadata.Semaphore, timeout time.Duration) (uint32, error) {
	d := s.device
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return 0, d.lostErr("acquire image")
	}
	if s.outOfDate {
		return 0, core.ErrSwapchainBooting
	}
	idx := s.next
	s.next = (s.next + 1) % uint32(len(s.images))
	signal.(*semaphore).available++
	return idx, nil
}

func (s *Swapchain) Present(imageIndex uint32, wait metadata.Semaphore) error {
	d := s.device
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return d.lostErr("present")
	}
	sm := wait.(*semaphore)
	if sm.available == 0 {
		d.fault(metadata.QueueGraphics, "Present", "present waits on semaphore without a pending signal")
	} else {
		sm.available--
	}
	if int(imageIndex) >= len(s.images) {
		return fmt.Errorf("present of image %d: %w", imageIndex, core.ErrOutOfRange)
	}
	d.presents++
	if s.outOfDate {
		return core.ErrSwapchainBooting
	}
	return nil
}

func (s *Swapchain) Destroy() {
	d := s.device
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, img := range s.images {
		img.(*image).destroyed = true
	}
	s.depth.destroyed = true
}

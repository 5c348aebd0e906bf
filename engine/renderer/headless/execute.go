package headless

import (
	"github.com/spaghettifunk/ember/engine/renderer/metadata"
)

// execute runs a submission's commands and signals its fence. Called with mu held.
func (d *Device) execute(sub *submission) {
	q := sub.queue
	for _, cmd := range sub.info.Commands {
		switch c := cmd.(type) {
		case metadata.CmdCopyBuffer:
			src, dst := c.Src.(*buffer), c.Dst.(*buffer)
			if !d.checkBuffer(q, c, src) || !d.checkBuffer(q, c, dst) {
				continue
			}
			if c.SrcOffset+c.Size > src.size || c.DstOffset+c.Size > dst.size {
				d.fault(q, c, "copy of %d bytes out of range", c.Size)
				continue
			}
			copy(dst.bytes()[c.DstOffset:c.DstOffset+c.Size], src.bytes()[c.SrcOffset:c.SrcOffset+c.Size])
		case metadata.CmdCopyBufferToImage:
			src, dst := c.Src.(*buffer), c.Dst.(*image)
			if !d.checkBuffer(q, c, src) || !d.checkImage(q, c, dst) {
				continue
			}
			if dst.layout != metadata.ImageLayoutTransferDst {
				d.fault(q, c, "image `%s` is %s, want transfer-dst", dst.desc.Name, dst.layout)
				continue
			}
			n := uint64(c.Extent.Width) * uint64(c.Extent.Height) * uint64(c.Format.BytesPerPixel())
			if c.SrcOffset+n > src.size || n > uint64(len(dst.bytes())) {
				d.fault(q, c, "copy of %d bytes out of range", n)
				continue
			}
			copy(dst.bytes()[:n], src.bytes()[c.SrcOffset:c.SrcOffset+n])
		case metadata.CmdImageBarrier:
			img := c.Barrier.Image.(*image)
			if !d.checkImage(q, c, img) {
				continue
			}
			if c.Barrier.Old != metadata.ImageLayoutUndefined && c.Barrier.Old != img.layout {
				d.fault(q, c, "image `%s` is %s, barrier assumed %s", img.desc.Name, img.layout, c.Barrier.Old)
			}
			img.layout = c.Barrier.New
		case metadata.CmdBeginRendering:
			if img, ok := c.Color.(*image); ok {
				d.checkImage(q, c, img)
				img.layout = metadata.ImageLayoutPresent
			}
			if img, ok := c.Depth.(*image); ok {
				d.checkImage(q, c, img)
			}
		case metadata.CmdBindPipeline:
			if p := c.Pipeline.(*pipeline); p.destroyed {
				d.fault(q, c, "pipeline `%s` used after destroy", p.desc.Name)
			}
		case metadata.CmdBindVertexBuffers:
			for _, b := range c.Buffers {
				d.checkBuffer(q, c, b.(*buffer))
			}
		case metadata.CmdBindIndexBuffer:
			d.checkBuffer(q, c, c.Buffer.(*buffer))
		case metadata.CmdBindDescriptorSet:
			ds := c.Set.(*descriptorSet)
			if ds.freed {
				d.fault(q, c, "descriptor set used after free")
				continue
			}
			for _, w := range ds.writes {
				if b, ok := w.Buffer.(*buffer); ok {
					d.checkBuffer(q, c, b)
				}
				if img, ok := w.Image.(*image); ok {
					d.checkImage(q, c, img)
				}
				if s, ok := w.Sampler.(*sampler); ok && s.destroyed {
					d.fault(q, c, "sampler used after destroy")
				}
			}
		case metadata.CmdDraw, metadata.CmdDrawIndexed:
			d.draws++
		}
	}
	if sub.info.Fence != nil {
		f := sub.info.Fence.(*fence)
		if !f.signaled {
			f.signaled = true
			close(f.ch)
		}
	}
	d.completed++
}

func (d *Device) checkBuffer(q metadata.QueueKind, cmd interface{}, b *buffer) bool {
	switch {
	case b.destroyed:
		d.fault(q, cmd, "buffer `%s` used after destroy", b.name)
		return false
	case b.mem == nil:
		d.fault(q, cmd, "buffer `%s` has no memory bound", b.name)
		return false
	case b.mem.freed:
		d.fault(q, cmd, "buffer `%s` memory was freed", b.name)
		return false
	}
	return true
}

func (d *Device) checkImage(q metadata.QueueKind, cmd interface{}, img *image) bool {
	switch {
	case img.destroyed:
		d.fault(q, cmd, "image `%s` used after destroy", img.desc.Name)
		return false
	case img.pixels == nil && img.mem == nil:
		d.fault(q, cmd, "image `%s` has no memory bound", img.desc.Name)
		return false
	case img.mem != nil && img.mem.freed:
		d.fault(q, cmd, "image `%s` memory was freed", img.desc.Name)
		return false
	}
	return true
}

func (d *Device) stepLocked() bool {
	if len(d.pending) == 0 {
		return false
	}
	sub := d.pending[0]
	d.pending = d.pending[1:]
	d.execute(sub)
	return true
}

// Step completes the oldest pending submission. It reports false when nothing was pending.
func (d *Device) Step() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return false
	}
	return d.stepLocked()
}

// CompleteAll completes every pending submission.
func (d *Device) CompleteAll() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for !d.lost && d.stepLocked() {
		n++
	}
	return n
}

// Lose simulates a device loss: pending work never completes and fence waits fail.
func (d *Device) Lose() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.lost {
		d.lost = true
		d.pending = nil
		close(d.lostCh)
	}
}

func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Device) Faults() []Fault {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Fault(nil), d.faults...)
}

func (d *Device) Submitted(queue metadata.QueueKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submitted[queue]
}

func (d *Device) Draws() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.draws
}

func (d *Device) Presents() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.presents
}

// Live returns the number of live objects of a kind such as "buffer", "image" or "pipeline".
func (d *Device) Live(kind string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live[kind]
}

func (d *Device) AllocatedBytes(kind metadata.MemoryKind) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated[kind]
}

// BufferContents copies out what the simulated GPU sees in buf.
func (d *Device) BufferContents(buf metadata.Buffer) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), buf.(*buffer).bytes()...)
}

func (d *Device) ImageContents(img metadata.Image) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), img.(*image).bytes()...)
}

// GPULayout is the layout the last executed barrier left img in.
func (d *Device) GPULayout(img metadata.Image) metadata.ImageLayout {
	d.mu.Lock()
	defer d.mu.Unlock()
	return img.(*image).layout
}

func (d *Device) IsDestroyed(obj interface{}) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch o := obj.(type) {
	case *buffer:
		return o.destroyed
	case *image:
		return o.destroyed
	case *sampler:
		return o.destroyed
	case *pipeline:
		return o.destroyed
	case *descriptorSet:
		return o.freed
	case *semaphore:
		return o.destroyed
	}
	return false
}

package sim

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/celer/vkframe"
)

// scribble is written into images whose contents become undefined.
const scribble = 0xCD

type cbState int

const (
	cbInitial cbState = iota
	cbRecording
	cbExecutable
)

// op is a recorded command, executed by the queue with d.mu held.
type op struct {
	name string
	refs []*object
	run  func()
}

// CommandBuffer records commands as closures run when the submission executes.
type CommandBuffer struct {
	object
	d       *Device
	state   cbState
	usage   vkframe.CommandBufferUsage
	ops     []op
	pending int
}

var _ vkframe.CommandBuffer = (*CommandBuffer)(nil)

func (d *Device) commandBuffer(c vkframe.CommandBuffer) *CommandBuffer {
	cb, ok := c.(*CommandBuffer)
	if !ok {
		panic(fmt.Sprintf("sim: command buffer of type %T", c))
	}
	return cb
}

func (d *Device) AllocateCommandBuffers(count int) ([]vkframe.CommandBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return nil, errLost()
	}
	if count <= 0 {
		return nil, errors.Newf("invalid command buffer count %d", count)
	}
	out := make([]vkframe.CommandBuffer, count)
	for i := range out {
		out[i] = &CommandBuffer{object: object{id: d.id()}, d: d}
	}
	d.live.CommandBuffers += count
	return out, nil
}

func (d *Device) FreeCommandBuffers(buffers ...vkframe.CommandBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range buffers {
		cb := d.commandBuffer(c)
		if cb.destroyed {
			d.violate("command buffer %d freed twice", cb.id)
			continue
		}
		if cb.pending > 0 && !d.lost {
			d.violate("command buffer %d freed while pending", cb.id)
		}
		cb.destroyed = true
		cb.ops = nil
		d.live.CommandBuffers--
	}
}

func (c *CommandBuffer) Begin(usage vkframe.CommandBufferUsage) error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.destroyed {
		return errors.Newf("command buffer %d is freed", c.id)
	}
	if c.pending > 0 {
		c.d.violate("command buffer %d re-recorded while pending", c.id)
	}
	c.state = cbRecording
	c.usage = usage
	c.ops = c.ops[:0]
	return nil
}

func (c *CommandBuffer) End() error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.state != cbRecording {
		return errors.Newf("command buffer %d is not recording", c.id)
	}
	c.state = cbExecutable
	return nil
}

func (c *CommandBuffer) Reset() error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.destroyed {
		return errors.Newf("command buffer %d is freed", c.id)
	}
	if c.pending > 0 {
		c.d.violate("command buffer %d reset while pending", c.id)
	}
	c.state = cbInitial
	c.ops = c.ops[:0]
	return nil
}

// Commands returns the names of the recorded commands.
func (c *CommandBuffer) Commands() []string {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	names := make([]string, len(c.ops))
	for i, o := range c.ops {
		names[i] = o.name
	}
	return names
}

// Execute records a command running fn when the submission executes. fn runs on the queue
// goroutine and must not call back into the device.
func (c *CommandBuffer) Execute(name string, fn func()) {
	c.record(op{name: name, run: fn})
}

func (c *CommandBuffer) record(o op) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.state != cbRecording {
		c.d.violate("%s recorded into command buffer %d which is not recording", o.name, c.id)
		return
	}
	c.ops = append(c.ops, o)
}

func (c *CommandBuffer) PipelineBarrier(b vkframe.Barrier) {
	d := c.d
	images := make([]*Image, len(b.Images))
	refs := make([]*object, len(b.Images))
	for i, ib := range b.Images {
		images[i] = d.image(ib.Image)
		refs[i] = &images[i].object
	}
	c.record(op{name: "barrier", refs: refs, run: func() {
		for i, ib := range b.Images {
			img := images[i]
			if img.destroyed {
				d.violate("barrier on destroyed image %d", img.id)
				continue
			}
			if ib.OldLayout != vkframe.LayoutUndefined && ib.OldLayout != img.layout {
				d.violate("barrier on image %d from %s but the image is in %s", img.id, ib.OldLayout, img.layout)
			}
			if ib.OldLayout == vkframe.LayoutUndefined {
				for j := range img.data {
					img.data[j] = scribble
				}
			}
			img.layout = ib.NewLayout
		}
	}})
}

func (c *CommandBuffer) CopyBuffer(src, dst vkframe.Buffer, regions ...vkframe.BufferCopy) {
	d := c.d
	s, t := d.buffer(src), d.buffer(dst)
	c.checkUsage(s, vkframe.BufferUsageTransferSrc)
	c.checkUsage(t, vkframe.BufferUsageTransferDst)
	c.record(op{name: "copy-buffer", refs: bufferRefs(s, t), run: func() {
		if !d.usable(s) || !d.usable(t) {
			return
		}
		for _, r := range regions {
			if r.SrcOffset+r.Size > s.size || r.DstOffset+r.Size > t.size {
				d.violate("copy of %d bytes from %d to %d exceeds buffers %d and %d", r.Size, r.SrcOffset, r.DstOffset, s.id, t.id)
				continue
			}
			copy(t.bytes()[r.DstOffset:r.DstOffset+r.Size], s.bytes()[r.SrcOffset:r.SrcOffset+r.Size])
		}
	}})
}

func (c *CommandBuffer) CopyBufferToImage(src vkframe.Buffer, dst vkframe.Image, layout vkframe.ImageLayout, regions ...vkframe.BufferImageCopy) {
	d := c.d
	s, img := d.buffer(src), d.image(dst)
	c.checkUsage(s, vkframe.BufferUsageTransferSrc)
	c.checkCopyLayout(img, layout, vkframe.LayoutTransferDst)
	c.record(op{name: "copy-buffer-to-image", refs: append(bufferRefs(s), &img.object), run: func() {
		if !d.usable(s) || !d.imageUsable(img, layout) {
			return
		}
		for _, r := range regions {
			d.copyRegion(img, s, r, true)
		}
	}})
}

func (c *CommandBuffer) CopyImageToBuffer(src vkframe.Image, layout vkframe.ImageLayout, dst vkframe.Buffer, regions ...vkframe.BufferImageCopy) {
	d := c.d
	img, t := d.image(src), d.buffer(dst)
	c.checkUsage(t, vkframe.BufferUsageTransferDst)
	c.checkCopyLayout(img, layout, vkframe.LayoutTransferSrc)
	c.record(op{name: "copy-image-to-buffer", refs: append(bufferRefs(t), &img.object), run: func() {
		if !d.usable(t) || !d.imageUsable(img, layout) {
			return
		}
		for _, r := range regions {
			d.copyRegion(img, t, r, false)
		}
	}})
}

func (c *CommandBuffer) checkUsage(b *Buffer, want vkframe.BufferUsage) {
	if b.usage&want == 0 {
		c.d.mu.Lock()
		c.d.violate("buffer %d used for %s without that usage (has %s)", b.id, want, b.usage)
		c.d.mu.Unlock()
	}
}

func (c *CommandBuffer) checkCopyLayout(img *Image, layout, want vkframe.ImageLayout) {
	if layout != want && layout != vkframe.LayoutGeneral {
		c.d.mu.Lock()
		c.d.violate("copy with image %d in layout %s", img.id, layout)
		c.d.mu.Unlock()
	}
}

func bufferRefs(buffers ...*Buffer) []*object {
	refs := make([]*object, 0, 2*len(buffers))
	for _, b := range buffers {
		refs = append(refs, &b.object)
		if b.memory != nil {
			refs = append(refs, &b.memory.object)
		}
	}
	return refs
}

// usable reports whether b can take part in a command. d.mu must be held.
func (d *Device) usable(b *Buffer) bool {
	switch {
	case b.destroyed:
		d.violate("command executed on destroyed buffer %d", b.id)
		return false
	case b.memory == nil:
		d.violate("command executed on buffer %d without memory", b.id)
		return false
	case b.memory.destroyed:
		d.violate("command executed on buffer %d whose memory is freed", b.id)
		return false
	}
	return true
}

// imageUsable reports whether img can be copied in the stated layout. d.mu must be held.
func (d *Device) imageUsable(img *Image, layout vkframe.ImageLayout) bool {
	if img.destroyed {
		d.violate("command executed on destroyed image %d", img.id)
		return false
	}
	if img.layout != layout {
		d.violate("copy states image %d is in %s but it is in %s", img.id, layout, img.layout)
	}
	return true
}

// copyRegion copies between a tightly packed buffer and an image region, row by row. d.mu
// must be held.
func (d *Device) copyRegion(img *Image, b *Buffer, r vkframe.BufferImageCopy, toImage bool) {
	ext, off := r.ImageExtent, r.ImageOffset
	if ext.Depth == 0 {
		ext.Depth = 1
	}
	if off.X < 0 || off.Y < 0 || off.Z < 0 ||
		uint64(off.X)+uint64(ext.Width) > uint64(img.extent.Width) ||
		uint64(off.Y)+uint64(ext.Height) > uint64(img.extent.Height) ||
		uint64(off.Z)+uint64(ext.Depth) > uint64(img.extent.Depth) {
		d.violate("region %v at %v exceeds image %d of %v", ext, off, img.id, img.extent)
		return
	}
	bpt := uint64(img.bytesPerTexel)
	row := uint64(ext.Width) * bpt
	need := row * uint64(ext.Height) * uint64(ext.Depth)
	if r.BufferOffset+need > b.size {
		d.violate("region of %d bytes at %d exceeds buffer %d of %d bytes", need, r.BufferOffset, b.id, b.size)
		return
	}

	buf := b.bytes()[r.BufferOffset:]
	w, h := uint64(img.extent.Width), uint64(img.extent.Height)
	var n uint64
	for z := uint64(0); z < uint64(ext.Depth); z++ {
		for y := uint64(0); y < uint64(ext.Height); y++ {
			start := (((z+uint64(off.Z))*h+y+uint64(off.Y))*w + uint64(off.X)) * bpt
			if toImage {
				copy(img.data[start:start+row], buf[n:n+row])
			} else {
				copy(buf[n:n+row], img.data[start:start+row])
			}
			n += row
		}
	}
}

package sim

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/celer/vkframe"
)

const memoryAlignment = 16

// Memory is an allocation backed by a byte slice.
type Memory struct {
	object
	data   []byte
	props  vkframe.MemoryProperty
	mapped bool
	span   *span
}

func (m *Memory) Size() uint64 { return uint64(len(m.data)) }

// Buffer is a linear resource viewing the memory it is bound to.
type Buffer struct {
	object
	size   uint64
	usage  vkframe.BufferUsage
	memory *Memory
	offset uint64
}

func (b *Buffer) Size() uint64 { return b.size }

// bytes returns the memory the buffer views, or nil when it is unbound.
func (b *Buffer) bytes() []byte {
	if b.memory == nil {
		return nil
	}
	return b.memory.data[b.offset : b.offset+b.size]
}

// Image is a tightly packed texel array with a layout.
type Image struct {
	object
	extent        vkframe.Extent3D
	bytesPerTexel int
	layout        vkframe.ImageLayout
	data          []byte
	d             *Device
}

func (i *Image) Extent() vkframe.Extent3D { return i.extent }

// Layout returns the layout the image is in after the submissions executed so far.
func (i *Image) Layout() vkframe.ImageLayout {
	i.d.mu.Lock()
	defer i.d.mu.Unlock()
	return i.layout
}

// BytesPerTexel is the size of one texel.
func (i *Image) BytesPerTexel() int { return i.bytesPerTexel }

func (d *Device) buffer(b vkframe.Buffer) *Buffer {
	buf, ok := b.(*Buffer)
	if !ok {
		panic(fmt.Sprintf("sim: buffer of type %T", b))
	}
	return buf
}

func (d *Device) memory(m vkframe.Memory) *Memory {
	mem, ok := m.(*Memory)
	if !ok {
		panic(fmt.Sprintf("sim: memory of type %T", m))
	}
	return mem
}

func (d *Device) image(i vkframe.Image) *Image {
	img, ok := i.(*Image)
	if !ok {
		panic(fmt.Sprintf("sim: image of type %T", i))
	}
	return img
}

func (d *Device) CreateBuffer(size uint64, usage vkframe.BufferUsage) (vkframe.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return nil, errLost()
	}
	if size == 0 {
		return nil, errors.New("buffer size must be greater than zero")
	}
	if usage == 0 {
		return nil, errors.New("buffer usage must not be empty")
	}
	b := &Buffer{object: object{id: d.id()}, size: size, usage: usage}
	d.live.Buffers++
	d.event(Event{Kind: EventCreateBuffer, ID: b.id, Usage: usage})
	return b, nil
}

func (d *Device) DestroyBuffer(b vkframe.Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := d.buffer(b)
	if buf.destroyed {
		d.violate("buffer %d destroyed twice", buf.id)
		return
	}
	if buf.uses > 0 && !d.lost {
		d.violate("buffer %d destroyed while used by a pending submission", buf.id)
	}
	buf.destroyed = true
	d.live.Buffers--
	d.event(Event{Kind: EventDestroyBuffer, ID: buf.id})
}

func (d *Device) BufferMemoryRequirements(b vkframe.Buffer) vkframe.MemoryRequirements {
	buf := d.buffer(b)
	return vkframe.MemoryRequirements{
		Size:           (buf.size + memoryAlignment - 1) &^ (memoryAlignment - 1),
		Alignment:      memoryAlignment,
		MemoryTypeBits: 0b111,
	}
}

func (d *Device) AllocateMemory(req vkframe.MemoryRequirements, props vkframe.MemoryProperty) (vkframe.Memory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return nil, errLost()
	}
	if req.Size == 0 {
		return nil, errors.New("allocation size must be greater than zero")
	}
	var s *span
	if d.heap != nil {
		var ok bool
		if s, ok = d.heap.allocate(req.Size, max(req.Alignment, memoryAlignment)); !ok {
			return nil, errors.Mark(
				errors.Newf("no free range of %d bytes with %d of %d in use", req.Size, d.heap.used(), d.heap.size),
				vkframe.ErrAllocation)
		}
	}
	m := &Memory{object: object{id: d.id()}, data: make([]byte, req.Size), props: props, span: s}
	d.live.Memory++
	d.live.MemoryBytes += req.Size
	return m, nil
}

func (d *Device) FreeMemory(m vkframe.Memory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mem := d.memory(m)
	if mem.destroyed {
		d.violate("memory %d freed twice", mem.id)
		return
	}
	if mem.uses > 0 && !d.lost {
		d.violate("memory %d freed while used by a pending submission", mem.id)
	}
	mem.destroyed = true
	if mem.span != nil {
		d.heap.free(mem.span)
	}
	d.live.Memory--
	d.live.MemoryBytes -= uint64(len(mem.data))
	d.event(Event{Kind: EventFreeMemory, ID: mem.id})
}

func (d *Device) BindBufferMemory(b vkframe.Buffer, m vkframe.Memory, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, mem := d.buffer(b), d.memory(m)
	switch {
	case buf.destroyed || mem.destroyed:
		return errors.New("binding destroyed object")
	case buf.memory != nil:
		return errors.Newf("buffer %d is already bound", buf.id)
	case offset%memoryAlignment != 0:
		return errors.Newf("offset %d is not aligned to %d", offset, memoryAlignment)
	case offset+buf.size > uint64(len(mem.data)):
		return errors.Newf("buffer of %d bytes at %d exceeds memory of %d bytes", buf.size, offset, len(mem.data))
	}
	buf.memory = mem
	buf.offset = offset
	d.event(Event{Kind: EventBindMemory, ID: buf.id, Refs: []uint64{mem.id}})
	return nil
}

// MapMemory returns the memory itself, so writes through the view are seen by submissions
// executed afterwards.
func (d *Device) MapMemory(m vkframe.Memory, offset, size uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mem := d.memory(m)
	switch {
	case mem.destroyed:
		return nil, errors.New("mapping freed memory")
	case mem.props&vkframe.MemoryHostVisible == 0:
		return nil, errors.Newf("memory %d is not host visible", mem.id)
	case mem.mapped:
		return nil, errors.Newf("memory %d is already mapped", mem.id)
	case offset > uint64(len(mem.data)) || size > uint64(len(mem.data))-offset:
		return nil, errors.Newf("mapping [%d,%d) of %d bytes", offset, offset+size, len(mem.data))
	}
	mem.mapped = true
	return mem.data[offset : offset+size : offset+size], nil
}

func (d *Device) UnmapMemory(m vkframe.Memory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mem := d.memory(m)
	if !mem.mapped {
		d.violate("unmapping memory %d which is not mapped", mem.id)
	}
	mem.mapped = false
}

// CreateImage creates an image in the undefined layout. Images own their storage and are not
// bound to Memory.
func (d *Device) CreateImage(extent vkframe.Extent3D, bytesPerTexel int) (*Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return nil, errLost()
	}
	if extent.Depth == 0 {
		extent.Depth = 1
	}
	if extent.Width == 0 || extent.Height == 0 || bytesPerTexel <= 0 {
		return nil, errors.Newf("invalid image %v with %d bytes per texel", extent, bytesPerTexel)
	}
	n := uint64(extent.Width) * uint64(extent.Height) * uint64(extent.Depth) * uint64(bytesPerTexel)
	img := &Image{
		object:        object{id: d.id()},
		extent:        extent,
		bytesPerTexel: bytesPerTexel,
		data:          make([]byte, n),
		d:             d,
	}
	d.live.Images++
	return img, nil
}

func (d *Device) DestroyImage(img *Image) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if img.destroyed {
		d.violate("image %d destroyed twice", img.id)
		return
	}
	if img.uses > 0 && !d.lost {
		d.violate("image %d destroyed while used by a pending submission", img.id)
	}
	img.destroyed = true
	d.live.Images--
	d.event(Event{Kind: EventDestroyImage, ID: img.id})
}

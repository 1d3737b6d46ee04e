package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	vk "github.com/vulkan-go/vulkan"

	"github.com/celer/vkframe"
)

type Buffer struct {
	VK   vk.Buffer
	size uint64
}

func (b *Buffer) Size() uint64 { return b.size }

// Memory is a device memory allocation. mapped is the host view while the memory is mapped.
type Memory struct {
	VK     vk.DeviceMemory
	size   uint64
	mapped []byte
}

func (m *Memory) Size() uint64 { return m.size }

func (d *Device) CreateBuffer(size uint64, usage vkframe.BufferUsage) (vkframe.Buffer, error) {
	if size == 0 {
		return nil, errors.New("buffer size must be greater than zero")
	}
	info := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       bufferUsage(usage),
		SharingMode: vk.SharingModeExclusive,
	}
	b := &Buffer{size: size}
	if err := check(vk.CreateBuffer(d.VK, &info, nil, &b.VK), "creating buffer"); err != nil {
		return nil, err
	}
	return b, nil
}

func (d *Device) DestroyBuffer(b vkframe.Buffer) {
	vk.DestroyBuffer(d.VK, b.(*Buffer).VK, nil)
}

func (d *Device) BufferMemoryRequirements(b vkframe.Buffer) vkframe.MemoryRequirements {
	var mr vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.VK, b.(*Buffer).VK, &mr)
	mr.Deref()
	return vkframe.MemoryRequirements{
		Size:           uint64(mr.Size),
		Alignment:      uint64(mr.Alignment),
		MemoryTypeBits: mr.MemoryTypeBits,
	}
}

func (d *Device) AllocateMemory(req vkframe.MemoryRequirements, props vkframe.MemoryProperty) (vkframe.Memory, error) {
	return d.allocate(req.Size, req.MemoryTypeBits, memoryProperties(props))
}

func (d *Device) allocate(size uint64, typeBits uint32, props vk.MemoryPropertyFlagBits) (*Memory, error) {
	index, err := d.Physical.FindMemoryType(typeBits, props)
	if err != nil {
		return nil, err
	}
	info := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  vk.DeviceSize(size),
		MemoryTypeIndex: index,
	}
	m := &Memory{size: size}
	if err := check(vk.AllocateMemory(d.VK, &info, nil, &m.VK), "allocating memory"); err != nil {
		return nil, errors.Mark(err, vkframe.ErrAllocation)
	}
	return m, nil
}

func (d *Device) FreeMemory(m vkframe.Memory) {
	vk.FreeMemory(d.VK, m.(*Memory).VK, nil)
}

func (d *Device) BindBufferMemory(b vkframe.Buffer, m vkframe.Memory, offset uint64) error {
	return check(vk.BindBufferMemory(d.VK, b.(*Buffer).VK, m.(*Memory).VK, vk.DeviceSize(offset)), "binding buffer memory")
}

// MapMemory maps a range of host visible memory and returns it as a byte slice aliasing the
// mapping.
func (d *Device) MapMemory(m vkframe.Memory, offset, size uint64) ([]byte, error) {
	mem := m.(*Memory)
	if mem.mapped != nil {
		return nil, errors.New("memory is already mapped")
	}
	if offset+size > mem.size {
		return nil, errors.Newf("mapping [%d, %d) exceeds allocation of %d bytes", offset, offset+size, mem.size)
	}
	var ptr unsafe.Pointer
	if err := check(vk.MapMemory(d.VK, mem.VK, vk.DeviceSize(offset), vk.DeviceSize(size), 0, &ptr), "mapping memory"); err != nil {
		return nil, err
	}
	mem.mapped = unsafe.Slice((*byte)(ptr), size)
	return mem.mapped, nil
}

func (d *Device) UnmapMemory(m vkframe.Memory) {
	mem := m.(*Memory)
	if mem.mapped == nil {
		return
	}
	vk.UnmapMemory(d.VK, mem.VK)
	mem.mapped = nil
}

// Image is a device image. Swapchain images have no memory of their own.
type Image struct {
	VK     vk.Image
	Format vk.Format
	extent vkframe.Extent3D
	memory *Memory
}

func (i *Image) Extent() vkframe.Extent3D { return i.extent }

// BytesPerTexel is zero for formats without a known texel size, which the uploader rejects.
func (i *Image) BytesPerTexel() int { return formatSize(i.Format) }

// ImageOptions describes a 2D image created by CreateImage.
type ImageOptions struct {
	Width, Height uint32
	Format        vk.Format
	Usage         vk.ImageUsageFlagBits
}

// CreateImage creates an optimally tiled 2D image in device local memory.
func (d *Device) CreateImage(opts ImageOptions) (*Image, error) {
	info := vk.ImageCreateInfo{
		SType:         vk.StructureTypeImageCreateInfo,
		ImageType:     vk.ImageType2d,
		Format:        opts.Format,
		Extent:        vk.Extent3D{Width: opts.Width, Height: opts.Height, Depth: 1},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         vk.ImageUsageFlags(opts.Usage),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}
	img := &Image{
		Format: opts.Format,
		extent: vkframe.Extent3D{Width: opts.Width, Height: opts.Height, Depth: 1},
	}
	if err := check(vk.CreateImage(d.VK, &info, nil, &img.VK), "creating image"); err != nil {
		return nil, err
	}

	var mr vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.VK, img.VK, &mr)
	mr.Deref()
	mem, err := d.allocate(uint64(mr.Size), mr.MemoryTypeBits, vk.MemoryPropertyDeviceLocalBit)
	if err != nil {
		vk.DestroyImage(d.VK, img.VK, nil)
		return nil, err
	}
	if err := check(vk.BindImageMemory(d.VK, img.VK, mem.VK, 0), "binding image memory"); err != nil {
		vk.FreeMemory(d.VK, mem.VK, nil)
		vk.DestroyImage(d.VK, img.VK, nil)
		return nil, err
	}
	img.memory = mem
	return img, nil
}

// DestroyImage releases an image made by CreateImage together with its memory.
func (d *Device) DestroyImage(img *Image) {
	vk.DestroyImage(d.VK, img.VK, nil)
	if img.memory != nil {
		vk.FreeMemory(d.VK, img.memory.VK, nil)
		img.memory = nil
	}
}

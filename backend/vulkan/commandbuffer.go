package vulkan

import (
	vk "github.com/vulkan-go/vulkan"

	"github.com/celer/vkframe"
)

// CommandBuffer is a primary command buffer from the device's pool. Use VK to record
// commands vkframe does not model. All buffers share the pool, so record them from one
// goroutine at a time.
type CommandBuffer struct {
	VK vk.CommandBuffer
}

func (c *CommandBuffer) Begin(usage vkframe.CommandBufferUsage) error {
	info := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: commandBufferUsage(usage),
	}
	return check(vk.BeginCommandBuffer(c.VK, &info), "beginning command buffer")
}

func (c *CommandBuffer) End() error {
	return check(vk.EndCommandBuffer(c.VK), "ending command buffer")
}

func (c *CommandBuffer) Reset() error {
	return check(vk.ResetCommandBuffer(c.VK, 0), "resetting command buffer")
}

func (c *CommandBuffer) PipelineBarrier(b vkframe.Barrier) {
	barriers := make([]vk.ImageMemoryBarrier, len(b.Images))
	for i, ib := range b.Images {
		barriers[i] = vk.ImageMemoryBarrier{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       access(ib.SrcAccess),
			DstAccessMask:       access(ib.DstAccess),
			OldLayout:           layout(ib.OldLayout),
			NewLayout:           layout(ib.NewLayout),
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Image:               ib.Image.(*Image).VK,
			SubresourceRange:    colorRange,
		}
	}
	vk.CmdPipelineBarrier(c.VK, stages(b.SrcStage), stages(b.DstStage), 0,
		0, nil, 0, nil, uint32(len(barriers)), barriers)
}

func (c *CommandBuffer) CopyBuffer(src, dst vkframe.Buffer, regions ...vkframe.BufferCopy) {
	if len(regions) == 0 {
		return
	}
	out := make([]vk.BufferCopy, len(regions))
	for i, r := range regions {
		out[i] = vk.BufferCopy{
			SrcOffset: vk.DeviceSize(r.SrcOffset),
			DstOffset: vk.DeviceSize(r.DstOffset),
			Size:      vk.DeviceSize(r.Size),
		}
	}
	vk.CmdCopyBuffer(c.VK, src.(*Buffer).VK, dst.(*Buffer).VK, uint32(len(out)), out)
}

func (c *CommandBuffer) CopyBufferToImage(src vkframe.Buffer, dst vkframe.Image, l vkframe.ImageLayout, regions ...vkframe.BufferImageCopy) {
	if len(regions) == 0 {
		return
	}
	out := imageCopies(regions)
	vk.CmdCopyBufferToImage(c.VK, src.(*Buffer).VK, dst.(*Image).VK, layout(l), uint32(len(out)), out)
}

func (c *CommandBuffer) CopyImageToBuffer(src vkframe.Image, l vkframe.ImageLayout, dst vkframe.Buffer, regions ...vkframe.BufferImageCopy) {
	if len(regions) == 0 {
		return
	}
	out := imageCopies(regions)
	vk.CmdCopyImageToBuffer(c.VK, src.(*Image).VK, layout(l), dst.(*Buffer).VK, uint32(len(out)), out)
}

// BlitImage scales the whole of src into the rectangle [dstMin, dstMax) of dst with linear
// filtering. src must be in the transfer source layout and dst in the transfer destination
// layout.
func (c *CommandBuffer) BlitImage(src, dst *Image, dstMin, dstMax vk.Offset2D) {
	region := vk.ImageBlit{
		SrcSubresource: colorLayers,
		SrcOffsets:     [2]vk.Offset3D{{}, corner(src.extent)},
		DstSubresource: colorLayers,
		DstOffsets: [2]vk.Offset3D{
			{X: dstMin.X, Y: dstMin.Y, Z: 0},
			{X: dstMax.X, Y: dstMax.Y, Z: 1},
		},
	}
	vk.CmdBlitImage(c.VK, src.VK, vk.ImageLayoutTransferSrcOptimal, dst.VK, vk.ImageLayoutTransferDstOptimal,
		1, []vk.ImageBlit{region}, vk.FilterLinear)
}

func corner(e vkframe.Extent3D) vk.Offset3D {
	return vk.Offset3D{X: int32(e.Width), Y: int32(e.Height), Z: int32(max(e.Depth, 1))}
}

// imageCopies converts tightly packed regions; a zero row length and image height tell
// Vulkan the buffer rows are packed to the region's extent.
func imageCopies(regions []vkframe.BufferImageCopy) []vk.BufferImageCopy {
	out := make([]vk.BufferImageCopy, len(regions))
	for i, r := range regions {
		out[i] = vk.BufferImageCopy{
			BufferOffset:      vk.DeviceSize(r.BufferOffset),
			BufferRowLength:   0,
			BufferImageHeight: 0,
			ImageSubresource:  colorLayers,
			ImageOffset:       offset3D(r.ImageOffset),
			ImageExtent:       extent3D(r.ImageExtent),
		}
	}
	return out
}

func (d *Device) AllocateCommandBuffers(count int) ([]vkframe.CommandBuffer, error) {
	if count <= 0 {
		return nil, nil
	}
	info := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        d.pool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: uint32(count),
	}
	handles := make([]vk.CommandBuffer, count)

	d.poolMu.Lock()
	res := vk.AllocateCommandBuffers(d.VK, &info, handles)
	d.poolMu.Unlock()
	if err := check(res, "allocating command buffers"); err != nil {
		return nil, err
	}

	out := make([]vkframe.CommandBuffer, count)
	for i, h := range handles {
		out[i] = &CommandBuffer{VK: h}
	}
	return out, nil
}

func (d *Device) FreeCommandBuffers(buffers ...vkframe.CommandBuffer) {
	if len(buffers) == 0 {
		return
	}
	handles := make([]vk.CommandBuffer, len(buffers))
	for i, b := range buffers {
		handles[i] = b.(*CommandBuffer).VK
	}
	d.poolMu.Lock()
	vk.FreeCommandBuffers(d.VK, d.pool, uint32(len(handles)), handles)
	d.poolMu.Unlock()
}

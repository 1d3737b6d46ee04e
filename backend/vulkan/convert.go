package vulkan

import (
	"math"
	"time"

	vk "github.com/vulkan-go/vulkan"

	"github.com/celer/vkframe"
)

var layouts = map[vkframe.ImageLayout]vk.ImageLayout{
	vkframe.LayoutUndefined:       vk.ImageLayoutUndefined,
	vkframe.LayoutGeneral:         vk.ImageLayoutGeneral,
	vkframe.LayoutTransferDst:     vk.ImageLayoutTransferDstOptimal,
	vkframe.LayoutTransferSrc:     vk.ImageLayoutTransferSrcOptimal,
	vkframe.LayoutShaderReadOnly:  vk.ImageLayoutShaderReadOnlyOptimal,
	vkframe.LayoutColorAttachment: vk.ImageLayoutColorAttachmentOptimal,
	vkframe.LayoutPresentSrc:      vk.ImageLayoutPresentSrc,
}

func layout(l vkframe.ImageLayout) vk.ImageLayout {
	if v, ok := layouts[l]; ok {
		return v
	}
	return vk.ImageLayoutUndefined
}

// formatSizes are the texel sizes of the uncompressed formats images are created with.
var formatSizes = map[vk.Format]int{
	vk.FormatR8Unorm:            1,
	vk.FormatR8g8Unorm:          2,
	vk.FormatR8g8b8a8Unorm:      4,
	vk.FormatR8g8b8a8Srgb:       4,
	vk.FormatB8g8r8a8Unorm:      4,
	vk.FormatB8g8r8a8Srgb:       4,
	vk.FormatR16g16b16a16Sfloat: 8,
	vk.FormatR32Sfloat:          4,
	vk.FormatR32g32b32a32Sfloat: 16,
}

func formatSize(f vk.Format) int {
	return formatSizes[f]
}

var stageBits = []struct {
	from vkframe.PipelineStage
	to   vk.PipelineStageFlagBits
}{
	{vkframe.StageTopOfPipe, vk.PipelineStageTopOfPipeBit},
	{vkframe.StageVertexInput, vk.PipelineStageVertexInputBit},
	{vkframe.StageVertexShader, vk.PipelineStageVertexShaderBit},
	{vkframe.StageFragmentShader, vk.PipelineStageFragmentShaderBit},
	{vkframe.StageColorAttachmentOutput, vk.PipelineStageColorAttachmentOutputBit},
	{vkframe.StageComputeShader, vk.PipelineStageComputeShaderBit},
	{vkframe.StageTransfer, vk.PipelineStageTransferBit},
	{vkframe.StageBottomOfPipe, vk.PipelineStageBottomOfPipeBit},
	{vkframe.StageHost, vk.PipelineStageHostBit},
}

func stages(s vkframe.PipelineStage) vk.PipelineStageFlags {
	var out vk.PipelineStageFlagBits
	for _, b := range stageBits {
		if s&b.from != 0 {
			out |= b.to
		}
	}
	return vk.PipelineStageFlags(out)
}

var accessBits = []struct {
	from vkframe.Access
	to   vk.AccessFlagBits
}{
	{vkframe.AccessTransferRead, vk.AccessTransferReadBit},
	{vkframe.AccessTransferWrite, vk.AccessTransferWriteBit},
	{vkframe.AccessShaderRead, vk.AccessShaderReadBit},
	{vkframe.AccessShaderWrite, vk.AccessShaderWriteBit},
	{vkframe.AccessColorAttachmentRead, vk.AccessColorAttachmentReadBit},
	{vkframe.AccessColorAttachmentWrite, vk.AccessColorAttachmentWriteBit},
	{vkframe.AccessHostRead, vk.AccessHostReadBit},
	{vkframe.AccessHostWrite, vk.AccessHostWriteBit},
	{vkframe.AccessMemoryRead, vk.AccessMemoryReadBit},
	{vkframe.AccessVertexAttributeRead, vk.AccessVertexAttributeReadBit},
	{vkframe.AccessUniformRead, vk.AccessUniformReadBit},
}

func access(a vkframe.Access) vk.AccessFlags {
	var out vk.AccessFlagBits
	for _, b := range accessBits {
		if a&b.from != 0 {
			out |= b.to
		}
	}
	return vk.AccessFlags(out)
}

var usageBits = []struct {
	from vkframe.BufferUsage
	to   vk.BufferUsageFlagBits
}{
	{vkframe.BufferUsageTransferSrc, vk.BufferUsageTransferSrcBit},
	{vkframe.BufferUsageTransferDst, vk.BufferUsageTransferDstBit},
	{vkframe.BufferUsageVertex, vk.BufferUsageVertexBufferBit},
	{vkframe.BufferUsageIndex, vk.BufferUsageIndexBufferBit},
	{vkframe.BufferUsageUniform, vk.BufferUsageUniformBufferBit},
	{vkframe.BufferUsageStorage, vk.BufferUsageStorageBufferBit},
}

func bufferUsage(u vkframe.BufferUsage) vk.BufferUsageFlags {
	var out vk.BufferUsageFlagBits
	for _, b := range usageBits {
		if u&b.from != 0 {
			out |= b.to
		}
	}
	return vk.BufferUsageFlags(out)
}

func memoryProperties(p vkframe.MemoryProperty) vk.MemoryPropertyFlagBits {
	var out vk.MemoryPropertyFlagBits
	if p&vkframe.MemoryDeviceLocal != 0 {
		out |= vk.MemoryPropertyDeviceLocalBit
	}
	if p&vkframe.MemoryHostVisible != 0 {
		out |= vk.MemoryPropertyHostVisibleBit
	}
	if p&vkframe.MemoryHostCoherent != 0 {
		out |= vk.MemoryPropertyHostCoherentBit
	}
	return out
}

func commandBufferUsage(u vkframe.CommandBufferUsage) vk.CommandBufferUsageFlags {
	var out vk.CommandBufferUsageFlagBits
	if u&vkframe.UsageOneTimeSubmit != 0 {
		out |= vk.CommandBufferUsageOneTimeSubmitBit
	}
	if u&vkframe.UsageSimultaneous != 0 {
		out |= vk.CommandBufferUsageSimultaneousUseBit
	}
	return vk.CommandBufferUsageFlags(out)
}

// timeoutNanos converts a host wait bound into nanoseconds, vkframe.WaitForever and anything
// negative becoming UINT64_MAX.
func timeoutNanos(d time.Duration) uint64 {
	if d < 0 {
		return math.MaxUint64
	}
	return uint64(d.Nanoseconds())
}

func extent3D(e vkframe.Extent3D) vk.Extent3D {
	return vk.Extent3D{Width: e.Width, Height: e.Height, Depth: max(e.Depth, 1)}
}

func offset3D(o vkframe.Offset3D) vk.Offset3D {
	return vk.Offset3D{X: o.X, Y: o.Y, Z: o.Z}
}

var colorLayers = vk.ImageSubresourceLayers{
	AspectMask:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
	MipLevel:       0,
	BaseArrayLayer: 0,
	LayerCount:     1,
}

var colorRange = vk.ImageSubresourceRange{
	AspectMask:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
	BaseMipLevel:   0,
	LevelCount:     1,
	BaseArrayLayer: 0,
	LayerCount:     1,
}

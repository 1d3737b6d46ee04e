package vulkan

import (
	"math"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	vk "github.com/vulkan-go/vulkan"

	"github.com/celer/vkframe"
)

func TestResultClassification(t *testing.T) {
	require.NoError(t, check(vk.Success, "op"))
	require.NoError(t, check(vk.Suboptimal, "op"))

	cases := []struct {
		res  vk.Result
		want error
	}{
		{vk.ErrorOutOfDate, vkframe.ErrSurfaceStale},
		{vk.ErrorSurfaceLost, vkframe.ErrSurfaceStale},
		{vk.Suboptimal, vkframe.ErrSurfaceStale},
		{vk.Timeout, vkframe.ErrTimeout},
		{vk.NotReady, vkframe.ErrTimeout},
		{vk.ErrorDeviceLost, vkframe.ErrDeviceLost},
		{vk.ErrorOutOfHostMemory, vkframe.ErrAllocation},
		{vk.ErrorOutOfDeviceMemory, vkframe.ErrAllocation},
	}
	for _, c := range cases {
		err := classify(c.res, "op")
		require.Error(t, err)
		assert.True(t, errors.Is(err, c.want), "result %d should be %v, got %v", c.res, c.want, err)
	}

	err := check(vk.ErrorInitializationFailed, "creating device")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creating device")
	assert.True(t, vkframe.IsFatal(err))
	for _, sentinel := range []error{vkframe.ErrSurfaceStale, vkframe.ErrTimeout, vkframe.ErrDeviceLost, vkframe.ErrAllocation} {
		assert.False(t, errors.Is(err, sentinel))
	}
}

func TestFlagConversion(t *testing.T) {
	assert.Equal(t,
		vk.PipelineStageFlags(vk.PipelineStageTransferBit|vk.PipelineStageFragmentShaderBit),
		stages(vkframe.StageTransfer|vkframe.StageFragmentShader))
	assert.Equal(t, vk.PipelineStageFlags(0), stages(0))

	assert.Equal(t,
		vk.AccessFlags(vk.AccessTransferWriteBit|vk.AccessShaderReadBit),
		access(vkframe.AccessTransferWrite|vkframe.AccessShaderRead))
	assert.Equal(t, vk.AccessFlags(0), access(vkframe.AccessNone))

	assert.Equal(t,
		vk.BufferUsageFlags(vk.BufferUsageTransferSrcBit|vk.BufferUsageUniformBufferBit),
		bufferUsage(vkframe.BufferUsageTransferSrc|vkframe.BufferUsageUniform))

	assert.Equal(t,
		vk.MemoryPropertyHostVisibleBit|vk.MemoryPropertyHostCoherentBit,
		memoryProperties(vkframe.MemoryStaging))

	assert.Equal(t,
		vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
		commandBufferUsage(vkframe.UsageOneTimeSubmit))
}

func TestLayoutConversion(t *testing.T) {
	for l := vkframe.LayoutUndefined; l <= vkframe.LayoutPresentSrc; l++ {
		_, ok := layouts[l]
		assert.True(t, ok, "layout %s has no vulkan equivalent", l)
	}
	assert.Equal(t, vk.ImageLayoutTransferDstOptimal, layout(vkframe.LayoutTransferDst))
	assert.Equal(t, vk.ImageLayoutPresentSrc, layout(vkframe.LayoutPresentSrc))
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, 4, (&Image{Format: vk.FormatR8g8b8a8Unorm}).BytesPerTexel())
	assert.Equal(t, 16, formatSize(vk.FormatR32g32b32a32Sfloat))
	assert.Zero(t, formatSize(vk.FormatBc1RgbUnormBlock))
}

func TestTimeoutConversion(t *testing.T) {
	assert.Equal(t, uint64(math.MaxUint64), timeoutNanos(vkframe.WaitForever))
	assert.Equal(t, uint64(0), timeoutNanos(0))
	assert.Equal(t, uint64(1500000), timeoutNanos(1500*time.Microsecond))
}

func TestRegionConversion(t *testing.T) {
	out := imageCopies([]vkframe.BufferImageCopy{{
		BufferOffset: 64,
		ImageOffset:  vkframe.Offset3D{X: 1, Y: 2},
		ImageExtent:  vkframe.Extent3D{Width: 4, Height: 3},
	}})
	require.Len(t, out, 1)
	assert.Equal(t, vk.DeviceSize(64), out[0].BufferOffset)
	assert.Equal(t, vk.Offset3D{X: 1, Y: 2}, out[0].ImageOffset)
	assert.Equal(t, vk.Extent3D{Width: 4, Height: 3, Depth: 1}, out[0].ImageExtent)
	assert.Equal(t, uint32(1), out[0].ImageSubresource.LayerCount)

	assert.Equal(t, "a\x00", safeString("a"))
	assert.Equal(t, "\x00", safeString(""))
	assert.Equal(t, []string{"x", "y"}, appendMissing([]string{"x", "y"}, "y"))
	assert.Equal(t, uint32(5), clamp(9, 1, 5))
	assert.Equal(t, uint32(1), clamp(0, 1, 5))
}

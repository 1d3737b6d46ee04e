package vkframe

import (
	"fmt"
	"strings"
	"time"
)

// WaitForever may be passed as a timeout to wait without bound.
const WaitForever time.Duration = -1

// Fence is a host-waitable token signaled by the device when a submission completes. The
// concrete type belongs to the backend which created it.
type Fence any

// Semaphore is a device-only ordering token between two queue operations. The host never
// waits on it.
type Semaphore any

// Buffer is a linear device resource.
type Buffer interface {
	Size() uint64
}

// Memory is an allocation of device or host memory which buffers are bound to.
type Memory interface {
	Size() uint64
}

// Image is a 2D or 3D device resource with a layout.
type Image interface {
	Extent() Extent3D
	// BytesPerTexel is the size of one texel in a tightly packed copy, zero when the format
	// has no fixed texel size.
	BytesPerTexel() int
}

type Extent3D struct {
	Width  uint32
	Height uint32
	Depth  uint32
}

type Offset3D struct {
	X int32
	Y int32
	Z int32
}

// MemoryRequirements describes what a buffer needs from the memory it is bound to.
type MemoryRequirements struct {
	Size           uint64
	Alignment      uint64
	MemoryTypeBits uint32
}

// BufferCopy is a region copied between two buffers.
type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// BufferImageCopy is a region copied between a tightly packed buffer and an image.
type BufferImageCopy struct {
	BufferOffset uint64
	ImageOffset  Offset3D
	ImageExtent  Extent3D
}

// ImageLayout is the state an image is in, which determines how it may be accessed.
type ImageLayout int

const (
	LayoutUndefined ImageLayout = iota
	LayoutGeneral
	LayoutTransferDst
	LayoutTransferSrc
	LayoutShaderReadOnly
	LayoutColorAttachment
	LayoutPresentSrc
)

var layoutNames = [...]string{
	LayoutUndefined:       "undefined",
	LayoutGeneral:         "general",
	LayoutTransferDst:     "transfer-dst",
	LayoutTransferSrc:     "transfer-src",
	LayoutShaderReadOnly:  "shader-read-only",
	LayoutColorAttachment: "color-attachment",
	LayoutPresentSrc:      "present-src",
}

func (l ImageLayout) String() string {
	if l >= 0 && int(l) < len(layoutNames) {
		return layoutNames[l]
	}
	return fmt.Sprintf("ImageLayout(%d)", int(l))
}

// PipelineStage is a set of pipeline stages, used for barriers and semaphore waits.
type PipelineStage uint32

const (
	StageTopOfPipe PipelineStage = 1 << iota
	StageVertexInput
	StageVertexShader
	StageFragmentShader
	StageColorAttachmentOutput
	StageComputeShader
	StageTransfer
	StageBottomOfPipe
	StageHost
)

var stageNames = []string{
	"top-of-pipe",
	"vertex-input",
	"vertex-shader",
	"fragment-shader",
	"color-attachment-output",
	"compute-shader",
	"transfer",
	"bottom-of-pipe",
	"host",
}

func (s PipelineStage) String() string {
	return flagString(uint32(s), stageNames)
}

// Access is a set of memory access types.
type Access uint32

const (
	AccessTransferRead Access = 1 << iota
	AccessTransferWrite
	AccessShaderRead
	AccessShaderWrite
	AccessColorAttachmentRead
	AccessColorAttachmentWrite
	AccessHostRead
	AccessHostWrite
	AccessMemoryRead
	AccessVertexAttributeRead
	AccessUniformRead
)

// AccessNone is the empty access mask.
const AccessNone Access = 0

var accessNames = []string{
	"transfer-read",
	"transfer-write",
	"shader-read",
	"shader-write",
	"color-attachment-read",
	"color-attachment-write",
	"host-read",
	"host-write",
	"memory-read",
	"vertex-attribute-read",
	"uniform-read",
}

func (a Access) String() string {
	return flagString(uint32(a), accessNames)
}

// BufferUsage describes how a buffer will be used.
type BufferUsage uint32

const (
	BufferUsageTransferSrc BufferUsage = 1 << iota
	BufferUsageTransferDst
	BufferUsageVertex
	BufferUsageIndex
	BufferUsageUniform
	BufferUsageStorage
)

var usageNames = []string{
	"transfer-src",
	"transfer-dst",
	"vertex",
	"index",
	"uniform",
	"storage",
}

func (u BufferUsage) String() string {
	return flagString(uint32(u), usageNames)
}

// MemoryProperty describes where memory lives and how the host may see it.
type MemoryProperty uint32

const (
	MemoryDeviceLocal MemoryProperty = 1 << iota
	MemoryHostVisible
	MemoryHostCoherent
)

// MemoryStaging is the property set used for staging buffers.
const MemoryStaging = MemoryHostVisible | MemoryHostCoherent

var memoryNames = []string{
	"device-local",
	"host-visible",
	"host-coherent",
}

func (m MemoryProperty) String() string {
	return flagString(uint32(m), memoryNames)
}

// CommandBufferUsage is passed to CommandBuffer.Begin.
type CommandBufferUsage uint32

const (
	// UsageOneTimeSubmit marks a command buffer which is submitted once and then reset or freed.
	UsageOneTimeSubmit CommandBufferUsage = 1 << iota
	// UsageSimultaneous marks a command buffer which may be pending more than once.
	UsageSimultaneous
)

func flagString(v uint32, names []string) string {
	if v == 0 {
		return "none"
	}
	var parts []string
	for i, n := range names {
		if v&(1<<uint(i)) != 0 {
			parts = append(parts, n)
			v &^= 1 << uint(i)
		}
	}
	if v != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", v))
	}
	return strings.Join(parts, "|")
}

package vkframe

import (
	"context"
	"time"
)

// FenceDevice creates and waits on fences.
type FenceDevice interface {
	CreateFence(signaled bool) (Fence, error)
	DestroyFence(f Fence)
	// FenceStatus reports whether the fence is currently signaled, without blocking.
	FenceStatus(f Fence) (bool, error)
	// WaitForFences blocks until every fence is signaled. It returns an error marked
	// ErrTimeout when the timeout expires first, and the context error when ctx is done.
	// A timeout of WaitForever waits without bound, zero polls.
	WaitForFences(ctx context.Context, timeout time.Duration, fences ...Fence) error
	ResetFences(fences ...Fence) error
}

type SemaphoreDevice interface {
	CreateSemaphore() (Semaphore, error)
	DestroySemaphore(s Semaphore)
}

// CommandDevice allocates primary command buffers for the queue used with it.
type CommandDevice interface {
	AllocateCommandBuffers(count int) ([]CommandBuffer, error)
	FreeCommandBuffers(buffers ...CommandBuffer)
}

// MemoryDevice creates buffers and the memory backing them.
type MemoryDevice interface {
	CreateBuffer(size uint64, usage BufferUsage) (Buffer, error)
	DestroyBuffer(b Buffer)
	BufferMemoryRequirements(b Buffer) MemoryRequirements
	AllocateMemory(req MemoryRequirements, props MemoryProperty) (Memory, error)
	FreeMemory(m Memory)
	BindBufferMemory(b Buffer, m Memory, offset uint64) error
	// MapMemory returns a host view of size bytes of host visible memory starting at offset.
	// The view is valid until UnmapMemory is called.
	MapMemory(m Memory, offset, size uint64) ([]byte, error)
	UnmapMemory(m Memory)
}

// SchedulerDevice is what the Scheduler needs from a device.
type SchedulerDevice interface {
	FenceDevice
	SemaphoreDevice
	CommandDevice
}

// UploadDevice is what the Uploader needs from a device.
type UploadDevice interface {
	FenceDevice
	CommandDevice
	MemoryDevice
}

// Device is the complete capability set a backend provides.
type Device interface {
	FenceDevice
	SemaphoreDevice
	CommandDevice
	MemoryDevice
	WaitIdle() error
}

// SubmitInfo is one batch of a queue submission. WaitStages holds one stage mask per
// entry of WaitSemaphores.
type SubmitInfo struct {
	WaitSemaphores   []Semaphore
	WaitStages       []PipelineStage
	CommandBuffers   []CommandBuffer
	SignalSemaphores []Semaphore
}

// Queue executes submitted command buffers in order.
type Queue interface {
	// Submit enqueues the batches; fence, when not nil, is signaled once all of them complete.
	Submit(fence Fence, submits ...SubmitInfo) error
	WaitIdle() error
}

// Swapchain is the set of presentable images owned by a surface.
type Swapchain interface {
	ImageCount() int
	// AcquireNextImage returns the index of the next image the application may render to.
	// signal is signaled by the device once the image is actually available. An error marked
	// ErrSurfaceStale means the swapchain has to be rebuilt.
	AcquireNextImage(timeout time.Duration, signal Semaphore) (int, error)
	// Present queues the image for display once wait is signaled.
	Present(image int, wait Semaphore) error
}

// CommandBuffer records work for a Queue. Backends expose their native handle on the
// concrete type so callers can record draw commands this package knows nothing about.
type CommandBuffer interface {
	Begin(usage CommandBufferUsage) error
	End() error
	Reset() error
	PipelineBarrier(b Barrier)
	CopyBuffer(src, dst Buffer, regions ...BufferCopy)
	CopyBufferToImage(src Buffer, dst Image, layout ImageLayout, regions ...BufferImageCopy)
	CopyImageToBuffer(src Image, layout ImageLayout, dst Buffer, regions ...BufferImageCopy)
}

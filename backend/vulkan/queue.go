package vulkan

import (
	"sync"

	vk "github.com/vulkan-go/vulkan"

	"github.com/celer/vkframe"
)

// Queue is the device's graphics queue. Submission and presentation are serialized by mu
// since Vulkan requires external synchronization of the queue.
type Queue struct {
	VK vk.Queue
	mu sync.Mutex
}

var _ vkframe.Queue = (*Queue)(nil)

func (q *Queue) Submit(fence vkframe.Fence, submits ...vkframe.SubmitInfo) error {
	infos := make([]vk.SubmitInfo, len(submits))
	for i, s := range submits {
		waitStages := make([]vk.PipelineStageFlags, len(s.WaitStages))
		for j, st := range s.WaitStages {
			waitStages[j] = stages(st)
		}
		buffers := make([]vk.CommandBuffer, len(s.CommandBuffers))
		for j, b := range s.CommandBuffers {
			buffers[j] = b.(*CommandBuffer).VK
		}
		infos[i] = vk.SubmitInfo{
			SType:                vk.StructureTypeSubmitInfo,
			WaitSemaphoreCount:   uint32(len(s.WaitSemaphores)),
			PWaitSemaphores:      nativeSemaphores(s.WaitSemaphores),
			PWaitDstStageMask:    waitStages,
			CommandBufferCount:   uint32(len(buffers)),
			PCommandBuffers:      buffers,
			SignalSemaphoreCount: uint32(len(s.SignalSemaphores)),
			PSignalSemaphores:    nativeSemaphores(s.SignalSemaphores),
		}
	}

	f := vk.NullFence
	if fence != nil {
		f = fence.(*Fence).VK
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return check(vk.QueueSubmit(q.VK, uint32(len(infos)), infos, f), "submitting to queue")
}

func (q *Queue) WaitIdle() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return check(vk.QueueWaitIdle(q.VK), "waiting for queue idle")
}

// present queues one swapchain image. Suboptimal is reported as a stale surface here so the
// caller rebuilds the swapchain at a frame boundary.
func (q *Queue) present(sc vk.Swapchain, image uint32, wait vkframe.Semaphore) error {
	var waits []vk.Semaphore
	if wait != nil {
		waits = []vk.Semaphore{wait.(*Semaphore).VK}
	}
	info := vk.PresentInfo{
		SType:              vk.StructureTypePresentInfo,
		WaitSemaphoreCount: uint32(len(waits)),
		PWaitSemaphores:    waits,
		SwapchainCount:     1,
		PSwapchains:        []vk.Swapchain{sc},
		PImageIndices:      []uint32{image},
	}

	q.mu.Lock()
	res := vk.QueuePresent(q.VK, &info)
	q.mu.Unlock()
	if res == vk.Success {
		return nil
	}
	return classify(res, "presenting")
}

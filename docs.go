/*
Package vkframe keeps host-issued GPU work and device execution correctly overlapped. It provides
two pieces which most Vulkan style applications end up writing by hand, and which are very easy to
get subtly wrong:

	Scheduler	drives the per-frame loop over a fixed number of frames in flight
	Uploader	moves host bytes into device-local buffers and images through a staging buffer

Neither piece calls a graphics API directly. They consume a handful of small capability
interfaces (FenceDevice, SemaphoreDevice, CommandDevice, MemoryDevice, Queue, Swapchain and
CommandBuffer) which a backend implements. Two backends live in this module:

	backend/vulkan	an implementation on top of github.com/vulkan-go/vulkan
	backend/sim	a simulated device timeline used for tests and for cmd/framesim

Frames in flight

A GPU runs behind the host. While the device is still rendering frame n the host would like to be
recording frame n+1, which means every resource the host writes for a frame (command buffers,
uniform buffers, descriptor bindings) must exist once per frame in flight, and the host must not
touch a copy the device may still read.

The Scheduler owns F frame slots (two by default). Each slot has a fence the device signals when
the slot's submission completes, plus a pair of semaphores ordering acquire -> render -> present on
the device timeline. The swapchain owns N presentable images, and N is chosen by the driver; it is
usually larger than F. Which image comes back from an acquire is also the driver's choice, so the
image index and the slot index are unrelated. The Scheduler tracks, per image, which slot last
rendered into it and waits on that slot's fence before handing the image to the caller. Skipping
that second wait is the classic bug: with N > F the host will happily overwrite a per-image uniform
buffer that an older frame is still reading.

A typical loop:

	sched, err := vkframe.NewScheduler(device, queue, swapchain, nil)
	...
	for running {
		err := sched.AdvanceFrame(ctx, func(f vkframe.Frame) error {
			updateUniforms(f.Image)
			return recordDraws(f.Commands, f.Image)
		})
		switch {
		case errors.Is(err, vkframe.ErrSurfaceStale):
			swapchain = rebuildSwapchain()
			err = sched.ResetSwapchain(ctx, swapchain)
		case err != nil:
			return err
		}
	}
	sched.Shutdown(ctx)

Staged uploads

Device-local memory is usually not visible to the host, so data has to be written into a host
visible staging buffer first and copied on the device. Images additionally have a layout, and
the copy is only legal once the image is in the transfer destination layout. The Uploader runs the
sequence as three one-shot submissions (barrier, copy, barrier), each with its own pipeline stage
masks, waits for each to complete and frees the staging buffer only once the copy is known to be
finished.

	up := vkframe.NewUploader(device, queue, nil)
	err := up.UploadImage(ctx, texture, pixels, vkframe.LayoutUndefined, vkframe.LayoutShaderReadOnly)

Errors

Errors returned by this package can be classified with errors.Is against ErrSurfaceStale,
ErrTimeout, ErrDeviceLost and ErrAllocation. Only a stale surface and a timeout are recoverable;
see IsRecoverable.
*/
package vkframe

package vkframe

import (
	"github.com/cockroachdb/errors"
)

// frameSlot is the per frame in flight state. The command buffer belongs to the slot and is
// reused once the slot's fence has been observed.
type frameSlot struct {
	index          int
	fence          Fence
	imageAcquired  Semaphore
	renderComplete Semaphore
	commands       CommandBuffer
	// inFlight is set once a submission signaling fence has been made and cleared when the
	// host observes the fence signaled.
	inFlight bool
	// frame is the number of the last frame submitted from the slot.
	frame uint64
}

func (f *frameSlot) create(device SchedulerDevice) error {
	var err error
	// Created signaled so the first wait on the slot returns immediately.
	if f.fence, err = device.CreateFence(true); err != nil {
		return errors.Wrap(err, "creating fence")
	}
	return f.createSemaphores(device)
}

func (f *frameSlot) createSemaphores(device SemaphoreDevice) error {
	var err error
	if f.imageAcquired, err = device.CreateSemaphore(); err != nil {
		return errors.Wrap(err, "creating image acquired semaphore")
	}
	if f.renderComplete, err = device.CreateSemaphore(); err != nil {
		return errors.Wrap(err, "creating render complete semaphore")
	}
	return nil
}

func (f *frameSlot) destroySemaphores(device SemaphoreDevice) {
	if f.imageAcquired != nil {
		device.DestroySemaphore(f.imageAcquired)
		f.imageAcquired = nil
	}
	if f.renderComplete != nil {
		device.DestroySemaphore(f.renderComplete)
		f.renderComplete = nil
	}
}

func (f *frameSlot) recreateSemaphores(device SemaphoreDevice) error {
	f.destroySemaphores(device)
	return f.createSemaphores(device)
}

func (f *frameSlot) destroy(device SchedulerDevice) {
	f.destroySemaphores(device)
	if f.fence != nil {
		device.DestroyFence(f.fence)
		f.fence = nil
	}
}

// record resets and begins the slot's command buffer, runs fn and ends the buffer.
func (f *frameSlot) record(frame Frame, fn RecordFunc) error {
	cmd := f.commands
	if err := cmd.Reset(); err != nil {
		return errors.Wrapf(err, "resetting command buffer of frame slot %d", f.index)
	}
	if err := cmd.Begin(UsageOneTimeSubmit); err != nil {
		return errors.Wrapf(err, "beginning command buffer of frame slot %d", f.index)
	}
	if err := fn(frame); err != nil {
		return errors.Wrapf(err, "recording frame %d", frame.Number)
	}
	if err := cmd.End(); err != nil {
		return errors.Wrapf(err, "ending command buffer of frame slot %d", f.index)
	}
	return nil
}

package vkframe

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
)

// DefaultFramesInFlight is the number of frame slots used when the options leave it unset.
const DefaultFramesInFlight = 2

const noOwner = -1

// SchedulerOptions configure a Scheduler. A nil *SchedulerOptions selects the defaults.
type SchedulerOptions struct {
	// FramesInFlight is F, the number of frames the host may run ahead of the device.
	FramesInFlight int
	// FenceTimeout bounds every fence wait. Zero or WaitForever waits without bound.
	FenceTimeout time.Duration
	// AcquireTimeout bounds the wait for a presentable image. Zero or WaitForever waits
	// without bound.
	AcquireTimeout time.Duration
	// WaitStage is the pipeline stage which waits for the acquired image. Defaults to
	// StageColorAttachmentOutput.
	WaitStage PipelineStage
	// Logger overrides the package logger.
	Logger *slog.Logger
}

func (o *SchedulerOptions) withDefaults() SchedulerOptions {
	var r SchedulerOptions
	if o != nil {
		r = *o
	}
	if r.FramesInFlight == 0 {
		r.FramesInFlight = DefaultFramesInFlight
	}
	if r.FenceTimeout == 0 {
		r.FenceTimeout = WaitForever
	}
	if r.AcquireTimeout == 0 {
		r.AcquireTimeout = WaitForever
	}
	if r.WaitStage == 0 {
		r.WaitStage = StageColorAttachmentOutput
	}
	return r
}

// Frame is handed to the RecordFunc once the acquired image and the slot's command buffer
// are safe to touch.
type Frame struct {
	// Number counts submitted frames since the scheduler was created.
	Number uint64
	// Slot is the frame slot in [0, FramesInFlight).
	Slot int
	// Image is the presentable image index returned by the swapchain. Resources owned by
	// the image (framebuffer, per-image uniform buffer, descriptor set) may be written.
	Image int
	// Commands is the slot's command buffer, already reset and begun. The scheduler ends it.
	Commands CommandBuffer
}

// RecordFunc records the commands for one frame.
type RecordFunc func(f Frame) error

// SchedulerStats are counters maintained by a Scheduler.
type SchedulerStats struct {
	// Frames is the number of frames submitted.
	Frames uint64
	// ImageWaits counts the times an acquired image was still owned by another slot whose
	// submission had not been observed complete.
	ImageWaits uint64
	// StaleSurfaces counts acquire and present calls which reported a stale surface.
	StaleSurfaces uint64
	// Timeouts counts fence waits which expired.
	Timeouts uint64
}

// Scheduler drives the frame loop for a fixed number of frames in flight against a
// swapchain with a driver-chosen number of images. A Scheduler is used from one goroutine.
type Scheduler struct {
	device    SchedulerDevice
	queue     Queue
	swapchain Swapchain
	opts      SchedulerOptions

	slots []*frameSlot
	// imageOwner maps each presentable image to the slot which last rendered into it, and
	// imageFrame to the number of that frame.
	imageOwner []int
	imageFrame []uint64
	current    int

	// An image acquired for the current slot whose frame has not been submitted yet.
	acquired bool
	image    int

	frame  uint64
	stats  SchedulerStats
	broken error
	closed bool
}

// NewScheduler creates the frame slots. The number of images is taken from the swapchain and
// must be at least the number of frames in flight.
func NewScheduler(device SchedulerDevice, queue Queue, swapchain Swapchain, opts *SchedulerOptions) (*Scheduler, error) {
	if device == nil || queue == nil || swapchain == nil {
		return nil, errors.New("scheduler requires a device, a queue and a swapchain")
	}
	o := opts.withDefaults()
	if o.FramesInFlight < 1 {
		return nil, errors.Newf("invalid number of frames in flight: %d", o.FramesInFlight)
	}
	images := swapchain.ImageCount()
	if images < o.FramesInFlight {
		return nil, errors.Newf("swapchain has %d images, fewer than %d frames in flight", images, o.FramesInFlight)
	}

	s := &Scheduler{
		device:     device,
		queue:      queue,
		swapchain:  swapchain,
		opts:       o,
		imageOwner: newOwnerTable(images),
		imageFrame: make([]uint64, images),
	}

	created := false
	defer func() {
		if !created {
			s.release()
		}
	}()

	commands, err := device.AllocateCommandBuffers(o.FramesInFlight)
	if err != nil {
		return nil, errors.Wrap(err, "allocating frame command buffers")
	}
	// Every command buffer belongs to a slot before anything else can fail.
	for i, cmd := range commands {
		s.slots = append(s.slots, &frameSlot{index: i, commands: cmd})
	}
	for _, slot := range s.slots {
		if err := slot.create(device); err != nil {
			return nil, errors.Wrapf(err, "creating frame slot %d", slot.index)
		}
	}
	created = true

	s.log().Info("frame scheduler created", "framesInFlight", o.FramesInFlight, "images", images)
	return s, nil
}

func newOwnerTable(n int) []int {
	t := make([]int, n)
	for i := range t {
		t[i] = noOwner
	}
	return t
}

func (s *Scheduler) log() *slog.Logger {
	return loggerOr(s.opts.Logger)
}

// FramesInFlight returns F.
func (s *Scheduler) FramesInFlight() int {
	return len(s.slots)
}

// ImageCount returns N, the number of presentable images currently tracked.
func (s *Scheduler) ImageCount() int {
	return len(s.imageOwner)
}

// CurrentSlot returns the slot the next AdvanceFrame will use.
func (s *Scheduler) CurrentSlot() int {
	return s.current
}

// Stats returns the counters accumulated since the scheduler was created.
func (s *Scheduler) Stats() SchedulerStats {
	return s.stats
}

// AdvanceFrame runs one iteration of the frame loop:
//
//  1. wait until the current slot's previous submission has completed
//  2. acquire the next presentable image
//  3. if another slot last rendered into that image, wait for that slot as well
//  4. reset and begin the slot's command buffer and call record
//  5. reset the slot's fence and record the slot as the image's owner
//  6. submit, waiting on the acquire semaphore and signaling the render semaphore and fence
//  7. present the image once rendering is complete
//  8. move to the next slot
//
// An error marked ErrSurfaceStale means the swapchain must be rebuilt and passed to
// ResetSwapchain. An error marked ErrTimeout, or an error returned by record, leaves the
// scheduler consistent: calling AdvanceFrame again resumes the same frame, reusing the image
// if one was already acquired. Any other error is fatal.
func (s *Scheduler) AdvanceFrame(ctx context.Context, record RecordFunc) error {
	if s.closed {
		return ErrClosed
	}
	if s.broken != nil {
		return errors.Wrap(s.broken, "scheduler unusable after a failed submission")
	}
	if record == nil {
		return errors.New("nil record function")
	}

	slot := s.slots[s.current]

	if !s.acquired {
		if err := s.waitSlot(ctx, slot); err != nil {
			return errors.Wrapf(err, "waiting for frame slot %d", slot.index)
		}

		image, err := s.swapchain.AcquireNextImage(s.opts.AcquireTimeout, slot.imageAcquired)
		if err != nil {
			if errors.Is(err, ErrSurfaceStale) {
				s.stats.StaleSurfaces++
				s.log().Warn("surface is stale on acquire", "slot", slot.index)
			}
			return errors.Wrapf(err, "acquiring image for frame slot %d", slot.index)
		}
		if image < 0 || image >= len(s.imageOwner) {
			return errors.Newf("swapchain returned image %d outside of [0,%d)", image, len(s.imageOwner))
		}
		s.acquired = true
		s.image = image
	}
	image := s.image

	// The image may still be used by a frame submitted from another slot. Once that slot
	// has submitted a newer frame its fence no longer tracks the image's frame, which the
	// host has already observed before reusing the slot.
	if owner := s.imageOwner[image]; owner != noOwner && owner != slot.index {
		if other := s.slots[owner]; other.inFlight && other.frame == s.imageFrame[image] {
			s.stats.ImageWaits++
			s.log().Debug("waiting for previous user of image", "image", image, "slot", slot.index, "owner", owner)
			if err := s.waitSlot(ctx, other); err != nil {
				return errors.Wrapf(err, "waiting for slot %d to release image %d", owner, image)
			}
		}
	}

	f := Frame{
		Number:   s.frame,
		Slot:     slot.index,
		Image:    image,
		Commands: slot.commands,
	}
	if err := slot.record(f, record); err != nil {
		return err
	}

	if err := s.device.ResetFences(slot.fence); err != nil {
		return errors.Wrapf(err, "resetting fence of frame slot %d", slot.index)
	}
	previousOwner, previousFrame := s.imageOwner[image], s.imageFrame[image]
	s.imageOwner[image] = slot.index
	s.imageFrame[image] = s.frame

	err := s.queue.Submit(slot.fence, SubmitInfo{
		WaitSemaphores:   []Semaphore{slot.imageAcquired},
		WaitStages:       []PipelineStage{s.opts.WaitStage},
		CommandBuffers:   []CommandBuffer{slot.commands},
		SignalSemaphores: []Semaphore{slot.renderComplete},
	})
	if err != nil {
		// The fence is reset and nothing will signal it.
		s.imageOwner[image] = previousOwner
		s.imageFrame[image] = previousFrame
		s.acquired = false
		s.broken = err
		return errors.Wrapf(err, "submitting frame %d", s.frame)
	}
	slot.inFlight = true
	slot.frame = s.frame
	s.acquired = false
	s.stats.Frames++
	s.frame++
	s.current = (s.current + 1) % len(s.slots)

	if err := s.swapchain.Present(image, slot.renderComplete); err != nil {
		if errors.Is(err, ErrSurfaceStale) {
			s.stats.StaleSurfaces++
			s.log().Warn("surface is stale on present", "image", image)
		}
		return errors.Wrapf(err, "presenting image %d", image)
	}
	return nil
}

func (s *Scheduler) waitSlot(ctx context.Context, slot *frameSlot) error {
	if err := s.device.WaitForFences(ctx, s.opts.FenceTimeout, slot.fence); err != nil {
		if errors.Is(err, ErrTimeout) {
			s.stats.Timeouts++
		}
		return err
	}
	slot.inFlight = false
	return nil
}

// waitInFlight waits for the slots whose submissions have not been observed complete. Fences
// already signaled are not waited on.
func (s *Scheduler) waitInFlight(ctx context.Context) error {
	var fences []Fence
	var pending []*frameSlot
	for _, slot := range s.slots {
		if !slot.inFlight {
			continue
		}
		signaled, err := s.device.FenceStatus(slot.fence)
		if err != nil {
			return errors.Wrapf(err, "querying fence of frame slot %d", slot.index)
		}
		if signaled {
			slot.inFlight = false
			continue
		}
		fences = append(fences, slot.fence)
		pending = append(pending, slot)
	}
	if len(fences) == 0 {
		return nil
	}
	if err := s.device.WaitForFences(ctx, s.opts.FenceTimeout, fences...); err != nil {
		if errors.Is(err, ErrTimeout) {
			s.stats.Timeouts++
		}
		return errors.Wrapf(err, "waiting for %d frames in flight", len(fences))
	}
	for _, slot := range pending {
		slot.inFlight = false
	}
	return nil
}

// ResetSwapchain switches to a rebuilt swapchain after ErrSurfaceStale. It waits for every
// frame in flight, recreates the slot semaphores (an acquire which was never consumed would
// leave one signaled) and forgets all image ownership.
func (s *Scheduler) ResetSwapchain(ctx context.Context, swapchain Swapchain) error {
	if s.closed {
		return ErrClosed
	}
	if swapchain == nil {
		return errors.New("nil swapchain")
	}
	images := swapchain.ImageCount()
	if images < len(s.slots) {
		return errors.Newf("swapchain has %d images, fewer than %d frames in flight", images, len(s.slots))
	}
	if err := s.drain(ctx); err != nil {
		return err
	}
	for _, slot := range s.slots {
		if err := slot.recreateSemaphores(s.device); err != nil {
			s.broken = err
			return errors.Wrapf(err, "recreating semaphores of frame slot %d", slot.index)
		}
	}

	s.swapchain = swapchain
	s.imageOwner = newOwnerTable(images)
	s.imageFrame = make([]uint64, images)
	s.acquired = false
	s.log().Info("swapchain reset", "images", images)
	return nil
}

// drain waits for the frames in flight and then for the queue, whose presents may still wait
// on render semaphores.
func (s *Scheduler) drain(ctx context.Context) error {
	if err := s.consumeAcquire(); err != nil {
		return err
	}
	if err := s.waitInFlight(ctx); err != nil {
		return err
	}
	if err := s.queue.WaitIdle(); err != nil {
		return errors.Wrap(err, "waiting for queue idle")
	}
	return nil
}

// consumeAcquire waits on the semaphore of an image acquired for a frame which was never
// submitted, so no signal is pending on it once the queue is idle. The image stays acquired
// until the swapchain is destroyed.
func (s *Scheduler) consumeAcquire() error {
	if !s.acquired {
		return nil
	}
	slot := s.slots[s.current]
	err := s.queue.Submit(nil, SubmitInfo{
		WaitSemaphores: []Semaphore{slot.imageAcquired},
		WaitStages:     []PipelineStage{s.opts.WaitStage},
	})
	if err != nil {
		return errors.Wrapf(err, "releasing image %d acquired by frame slot %d", s.image, slot.index)
	}
	s.acquired = false
	return nil
}

// Shutdown waits for the frames still in flight and releases every slot resource. Only
// fences which are in flight and unsignaled are waited on. Calling Shutdown again does
// nothing. When the wait fails for any reason other than a lost device nothing is released
// and the error is returned.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if s.closed {
		return nil
	}
	if err := s.drain(ctx); err != nil && !errors.Is(err, ErrDeviceLost) {
		return err
	}
	s.release()
	s.closed = true
	s.log().Info("frame scheduler shut down", "frames", s.stats.Frames)
	return nil
}

func (s *Scheduler) release() {
	var commands []CommandBuffer
	for _, slot := range s.slots {
		slot.destroy(s.device)
		if slot.commands != nil {
			commands = append(commands, slot.commands)
			slot.commands = nil
		}
	}
	if len(commands) > 0 {
		s.device.FreeCommandBuffers(commands...)
	}
	s.slots = nil
}

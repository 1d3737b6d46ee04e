package vkframe_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celer/vkframe"
	"github.com/celer/vkframe/backend/sim"
)

func draw(f vkframe.Frame) error {
	f.Commands.(*sim.CommandBuffer).Execute("draw", func() {})
	return nil
}

func newScheduler(t *testing.T, dev *sim.Device, sc vkframe.Swapchain, opts *vkframe.SchedulerOptions) *vkframe.Scheduler {
	t.Helper()
	s, err := vkframe.NewScheduler(dev, dev.Queue(), sc, opts)
	require.NoError(t, err)
	return s
}

func newSwapchain(t *testing.T, dev *sim.Device, n int, order ...int) *sim.Swapchain {
	t.Helper()
	sc, err := dev.NewSwapchain(n, order...)
	require.NoError(t, err)
	return sc
}

// requireIs matches marked errors, which errors.Is of the standard library does not see.
func requireIs(t *testing.T, err, target error) {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, target), "%+v is not %v", err, target)
}

// requireClean checks that the device saw no misuse and that nothing is left alive.
func requireClean(t *testing.T, dev *sim.Device) {
	t.Helper()
	require.Empty(t, dev.Violations())
	require.Equal(t, sim.Counts{}, dev.Live())
}

func TestSchedulerBoundedOverlap(t *testing.T) {
	for _, tc := range []struct {
		frames, images int
	}{
		{1, 2},
		{2, 2},
		{2, 3},
		{3, 3},
		{3, 5},
	} {
		dev := sim.New(&sim.Options{Latency: 2 * time.Millisecond})
		sc := newSwapchain(t, dev, tc.images)
		s := newScheduler(t, dev, sc, &vkframe.SchedulerOptions{FramesInFlight: tc.frames})

		ctx := context.Background()
		for i := 0; i < 40; i++ {
			require.NoError(t, s.AdvanceFrame(ctx, draw))
		}
		require.NoError(t, s.Shutdown(ctx))

		assert.Equal(t, tc.frames, dev.MaxOutstanding(), "F=%d N=%d", tc.frames, tc.images)
		assert.Equal(t, uint64(40), s.Stats().Frames)
		assert.Equal(t, 40, sc.Presented())
		requireClean(t, dev)
		dev.Close()
	}
}

func TestSchedulerSlotRotation(t *testing.T) {
	dev := sim.New(nil)
	defer dev.Close()
	s := newScheduler(t, dev, newSwapchain(t, dev, 3), &vkframe.SchedulerOptions{FramesInFlight: 2})
	assert.Equal(t, 2, s.FramesInFlight())
	assert.Equal(t, 3, s.ImageCount())

	ctx := context.Background()
	var slots, images []int
	var numbers []uint64
	for i := 0; i < 6; i++ {
		assert.Equal(t, i%2, s.CurrentSlot())
		require.NoError(t, s.AdvanceFrame(ctx, func(f vkframe.Frame) error {
			slots = append(slots, f.Slot)
			images = append(images, f.Image)
			numbers = append(numbers, f.Number)
			return draw(f)
		}))
	}
	assert.Equal(t, []int{0, 1, 0, 1, 0, 1}, slots)
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, images)
	assert.Equal(t, []uint64{0, 1, 2, 3, 4, 5}, numbers)

	require.NoError(t, s.Shutdown(ctx))
	requireClean(t, dev)
}

func hostBuffer(t *testing.T, dev *sim.Device, size uint64, usage vkframe.BufferUsage) (vkframe.Buffer, vkframe.Memory, []byte) {
	t.Helper()
	b, err := dev.CreateBuffer(size, usage)
	require.NoError(t, err)
	m, err := dev.AllocateMemory(dev.BufferMemoryRequirements(b), vkframe.MemoryStaging)
	require.NoError(t, err)
	require.NoError(t, dev.BindBufferMemory(b, m, 0))
	view, err := dev.MapMemory(m, 0, size)
	require.NoError(t, err)
	return b, m, view
}

func freeHostBuffer(dev *sim.Device, b vkframe.Buffer, m vkframe.Memory) {
	dev.UnmapMemory(m)
	dev.DestroyBuffer(b)
	dev.FreeMemory(m)
}

// Every frame writes its number into a buffer owned by the acquired image and the device
// copies it into a log. Writing while an earlier frame using the same image is pending
// would corrupt that frame's log entry.
func TestSchedulerImageOwnership(t *testing.T) {
	const frames = 30
	for _, tc := range []struct {
		name       string
		order      []int
		imageWaits uint64
		checkWaits bool
	}{
		{"round robin", nil, 0, true},
		{"repeated", []int{0, 0, 1, 1, 2, 2}, frames / 2, true},
		{"irregular", []int{2, 0, 0, 1, 2, 2, 1}, 0, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dev := sim.New(&sim.Options{Latency: time.Millisecond})
			defer dev.Close()
			sc := newSwapchain(t, dev, 3, tc.order...)
			s := newScheduler(t, dev, sc, &vkframe.SchedulerOptions{FramesInFlight: 2})

			var buffers []vkframe.Buffer
			var memory []vkframe.Memory
			var views [][]byte
			for i := 0; i < sc.ImageCount(); i++ {
				b, m, v := hostBuffer(t, dev, 8, vkframe.BufferUsageTransferSrc)
				buffers, memory, views = append(buffers, b), append(memory, m), append(views, v)
			}
			logBuf, logMem, logView := hostBuffer(t, dev, 8*frames, vkframe.BufferUsageTransferDst)

			ctx := context.Background()
			for i := 0; i < frames; i++ {
				require.NoError(t, s.AdvanceFrame(ctx, func(f vkframe.Frame) error {
					binary.LittleEndian.PutUint64(views[f.Image], f.Number)
					f.Commands.CopyBuffer(buffers[f.Image], logBuf, vkframe.BufferCopy{DstOffset: 8 * f.Number, Size: 8})
					return nil
				}))
			}
			require.NoError(t, s.Shutdown(ctx))

			for i := uint64(0); i < frames; i++ {
				require.Equal(t, i, binary.LittleEndian.Uint64(logView[8*i:]), "frame %d", i)
			}
			if tc.checkWaits {
				assert.Equal(t, tc.imageWaits, s.Stats().ImageWaits)
			}
			assert.LessOrEqual(t, dev.MaxOutstanding(), 2)

			for i := range buffers {
				freeHostBuffer(dev, buffers[i], memory[i])
			}
			freeHostBuffer(dev, logBuf, logMem)
			requireClean(t, dev)
		})
	}
}

func TestSchedulerShutdown(t *testing.T) {
	ctx := context.Background()

	countWaits := func(dev *sim.Device, since uint64) int {
		n := 0
		for _, e := range dev.Events() {
			if e.Time > since && e.Kind == sim.EventFenceWait {
				n++
			}
		}
		return n
	}

	t.Run("no frames", func(t *testing.T) {
		dev := sim.New(nil)
		defer dev.Close()
		s := newScheduler(t, dev, newSwapchain(t, dev, 3), nil)
		mark := dev.Now()
		require.NoError(t, s.Shutdown(ctx))
		assert.Zero(t, countWaits(dev, mark))
		require.NoError(t, s.Shutdown(ctx))
		requireIs(t, s.AdvanceFrame(ctx, draw), vkframe.ErrClosed)
		requireIs(t, s.ResetSwapchain(ctx, newSwapchain(t, dev, 3)), vkframe.ErrClosed)
		requireClean(t, dev)
	})

	t.Run("one frame pending", func(t *testing.T) {
		dev := sim.New(&sim.Options{Latency: 20 * time.Millisecond})
		defer dev.Close()
		s := newScheduler(t, dev, newSwapchain(t, dev, 3), nil)
		require.NoError(t, s.AdvanceFrame(ctx, draw))
		mark := dev.Now()
		require.NoError(t, s.Shutdown(ctx))
		// Only the slot which submitted is waited on.
		assert.Equal(t, 1, countWaits(dev, mark))
		require.NoError(t, s.Shutdown(ctx))
		requireClean(t, dev)
	})

	t.Run("all frames complete", func(t *testing.T) {
		dev := sim.New(nil)
		defer dev.Close()
		s := newScheduler(t, dev, newSwapchain(t, dev, 3), nil)
		for i := 0; i < s.FramesInFlight(); i++ {
			require.NoError(t, s.AdvanceFrame(ctx, draw))
		}
		require.Eventually(t, func() bool { return dev.Pending() == 0 }, time.Second, time.Millisecond)
		mark := dev.Now()
		require.NoError(t, s.Shutdown(ctx))
		assert.Zero(t, countWaits(dev, mark))
		requireClean(t, dev)
	})
}

func TestSchedulerFenceTimeout(t *testing.T) {
	dev := sim.New(&sim.Options{Latency: 50 * time.Millisecond})
	defer dev.Close()
	sc := newSwapchain(t, dev, 2)
	s := newScheduler(t, dev, sc, &vkframe.SchedulerOptions{
		FramesInFlight: 1,
		FenceTimeout:   5 * time.Millisecond,
	})

	ctx := context.Background()
	require.NoError(t, s.AdvanceFrame(ctx, draw))
	err := s.AdvanceFrame(ctx, draw)
	requireIs(t, err, vkframe.ErrTimeout)
	assert.True(t, vkframe.IsRecoverable(err))
	assert.Equal(t, uint64(1), s.Stats().Timeouts)
	assert.Equal(t, 1, sc.Acquires())

	require.Eventually(t, func() bool { return dev.Pending() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, s.AdvanceFrame(ctx, draw))
	assert.Equal(t, 2, sc.Acquires())
	assert.Equal(t, uint64(2), s.Stats().Frames)

	require.NoError(t, s.Shutdown(ctx))
	requireClean(t, dev)
}

func TestSchedulerResumesAcquiredImage(t *testing.T) {
	dev := sim.New(&sim.Options{Latency: 50 * time.Millisecond})
	defer dev.Close()
	sc := newSwapchain(t, dev, 2, 0, 0)
	s := newScheduler(t, dev, sc, &vkframe.SchedulerOptions{
		FramesInFlight: 2,
		FenceTimeout:   5 * time.Millisecond,
	})

	ctx := context.Background()
	require.NoError(t, s.AdvanceFrame(ctx, draw))

	// Image 0 is acquired again while frame 0 still renders into it.
	err := s.AdvanceFrame(ctx, draw)
	requireIs(t, err, vkframe.ErrTimeout)
	assert.Equal(t, 2, sc.Acquires())

	require.Eventually(t, func() bool { return dev.Pending() == 0 }, time.Second, time.Millisecond)

	var got vkframe.Frame
	require.NoError(t, s.AdvanceFrame(ctx, func(f vkframe.Frame) error {
		got = f
		return draw(f)
	}))
	assert.Equal(t, 2, sc.Acquires())
	assert.Equal(t, 0, got.Image)
	assert.Equal(t, 1, got.Slot)
	assert.Equal(t, uint64(1), got.Number)
	assert.Equal(t, uint64(2), s.Stats().ImageWaits)

	require.NoError(t, s.Shutdown(ctx))
	requireClean(t, dev)
}

func TestSchedulerRecordError(t *testing.T) {
	dev := sim.New(nil)
	defer dev.Close()
	sc := newSwapchain(t, dev, 3)
	s := newScheduler(t, dev, sc, nil)

	ctx := context.Background()
	boom := errors.New("boom")
	err := s.AdvanceFrame(ctx, func(f vkframe.Frame) error { return boom })
	requireIs(t, err, boom)
	assert.False(t, vkframe.IsRecoverable(err))

	var images []int
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AdvanceFrame(ctx, func(f vkframe.Frame) error {
			images = append(images, f.Image)
			return draw(f)
		}))
	}
	// The image acquired for the failed frame is used by the retry.
	assert.Equal(t, []int{0, 1, 2}, images)
	assert.Equal(t, 3, sc.Acquires())

	require.NoError(t, s.Shutdown(ctx))
	requireClean(t, dev)
}

func TestSchedulerStaleOnAcquire(t *testing.T) {
	dev := sim.New(&sim.Options{Latency: time.Millisecond})
	defer dev.Close()
	sc := newSwapchain(t, dev, 3)
	s := newScheduler(t, dev, sc, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AdvanceFrame(ctx, draw))
	}
	sc.MarkStale()
	err := s.AdvanceFrame(ctx, draw)
	requireIs(t, err, vkframe.ErrSurfaceStale)
	assert.True(t, vkframe.IsRecoverable(err))
	assert.Equal(t, uint64(1), s.Stats().StaleSurfaces)

	rebuilt := newSwapchain(t, dev, 4)
	require.NoError(t, s.ResetSwapchain(ctx, rebuilt))
	assert.Equal(t, 4, s.ImageCount())
	for i := 0; i < 8; i++ {
		require.NoError(t, s.AdvanceFrame(ctx, draw))
	}
	assert.Equal(t, 8, rebuilt.Presented())

	require.NoError(t, s.Shutdown(ctx))
	requireClean(t, dev)
}

func TestSchedulerStaleOnPresent(t *testing.T) {
	dev := sim.New(&sim.Options{Latency: time.Millisecond})
	defer dev.Close()
	sc := newSwapchain(t, dev, 3)
	s := newScheduler(t, dev, sc, nil)

	ctx := context.Background()
	require.NoError(t, s.AdvanceFrame(ctx, draw))
	err := s.AdvanceFrame(ctx, func(f vkframe.Frame) error {
		sc.MarkStale()
		return draw(f)
	})
	requireIs(t, err, vkframe.ErrSurfaceStale)
	// The frame was submitted before the present failed.
	assert.Equal(t, uint64(2), s.Stats().Frames)

	require.NoError(t, s.ResetSwapchain(ctx, newSwapchain(t, dev, 3)))
	for i := 0; i < 4; i++ {
		require.NoError(t, s.AdvanceFrame(ctx, draw))
	}
	require.NoError(t, s.Shutdown(ctx))
	requireClean(t, dev)
}

func TestSchedulerDeviceLost(t *testing.T) {
	dev := sim.New(&sim.Options{Latency: 10 * time.Millisecond})
	defer dev.Close()
	s := newScheduler(t, dev, newSwapchain(t, dev, 3), nil)

	ctx := context.Background()
	require.NoError(t, s.AdvanceFrame(ctx, draw))
	require.NoError(t, s.AdvanceFrame(ctx, draw))
	dev.Lose()

	err := s.AdvanceFrame(ctx, draw)
	requireIs(t, err, vkframe.ErrDeviceLost)
	assert.True(t, vkframe.IsFatal(err))

	require.NoError(t, s.Shutdown(ctx))
	requireClean(t, dev)
}

func TestSchedulerShutdownWithAcquiredImage(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	t.Run("shutdown", func(t *testing.T) {
		dev := sim.New(nil)
		defer dev.Close()
		s := newScheduler(t, dev, newSwapchain(t, dev, 3), nil)
		require.NoError(t, s.AdvanceFrame(ctx, draw))
		requireIs(t, s.AdvanceFrame(ctx, func(vkframe.Frame) error { return boom }), boom)

		require.NoError(t, s.Shutdown(ctx))
		requireClean(t, dev)
	})

	t.Run("reset swapchain", func(t *testing.T) {
		dev := sim.New(nil)
		defer dev.Close()
		s := newScheduler(t, dev, newSwapchain(t, dev, 3), nil)
		requireIs(t, s.AdvanceFrame(ctx, func(vkframe.Frame) error { return boom }), boom)

		rebuilt := newSwapchain(t, dev, 3)
		require.NoError(t, s.ResetSwapchain(ctx, rebuilt))
		require.NoError(t, s.AdvanceFrame(ctx, draw))
		assert.Equal(t, 1, rebuilt.Acquires())

		require.NoError(t, s.Shutdown(ctx))
		requireClean(t, dev)
	})
}

// semaphoreFailure fails the failAt-th semaphore it is asked to create.
type semaphoreFailure struct {
	*sim.Device
	created int
	failAt  int
}

func (d *semaphoreFailure) CreateSemaphore() (vkframe.Semaphore, error) {
	d.created++
	if d.created == d.failAt {
		return nil, errors.New("out of semaphores")
	}
	return d.Device.CreateSemaphore()
}

func TestNewSchedulerReleasesOnFailure(t *testing.T) {
	for _, failAt := range []int{1, 2, 3, 6} {
		t.Run(fmt.Sprint(failAt), func(t *testing.T) {
			dev := sim.New(nil)
			defer dev.Close()
			d := &semaphoreFailure{Device: dev, failAt: failAt}

			_, err := vkframe.NewScheduler(d, dev.Queue(), newSwapchain(t, dev, 3), &vkframe.SchedulerOptions{FramesInFlight: 3})
			require.Error(t, err)
			requireClean(t, dev)
		})
	}
}

type failingQueue struct {
	vkframe.Queue
	submits int
	failAt  int
}

func (q *failingQueue) Submit(fence vkframe.Fence, submits ...vkframe.SubmitInfo) error {
	q.submits++
	if q.submits == q.failAt {
		return errors.New("queue rejected submission")
	}
	return q.Queue.Submit(fence, submits...)
}

func TestSchedulerSubmitFailure(t *testing.T) {
	dev := sim.New(&sim.Options{Latency: time.Millisecond})
	defer dev.Close()
	q := &failingQueue{Queue: dev.Queue(), failAt: 3}
	s, err := vkframe.NewScheduler(dev, q, newSwapchain(t, dev, 3), nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.AdvanceFrame(ctx, draw))
	require.NoError(t, s.AdvanceFrame(ctx, draw))
	require.Error(t, s.AdvanceFrame(ctx, draw))
	assert.Error(t, s.AdvanceFrame(ctx, draw))
	assert.Equal(t, uint64(2), s.Stats().Frames)

	require.NoError(t, s.Shutdown(ctx))
	requireClean(t, dev)
}

func TestNewSchedulerErrors(t *testing.T) {
	dev := sim.New(nil)
	defer dev.Close()

	_, err := vkframe.NewScheduler(dev, dev.Queue(), newSwapchain(t, dev, 2), &vkframe.SchedulerOptions{FramesInFlight: 3})
	assert.Error(t, err)

	_, err = vkframe.NewScheduler(dev, dev.Queue(), newSwapchain(t, dev, 2), &vkframe.SchedulerOptions{FramesInFlight: -1})
	assert.Error(t, err)

	_, err = vkframe.NewScheduler(nil, dev.Queue(), newSwapchain(t, dev, 2), nil)
	assert.Error(t, err)

	// Creation fails half way once the device is lost and nothing is leaked.
	dev.Lose()
	_, err = vkframe.NewScheduler(dev, dev.Queue(), newSwapchain(t, dev, 2), nil)
	requireIs(t, err, vkframe.ErrDeviceLost)
	requireClean(t, dev)
}

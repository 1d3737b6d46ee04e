package sim

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celer/vkframe"
)

func hasViolation(d *Device, substr string) bool {
	for _, v := range d.Violations() {
		if strings.Contains(v.Message, substr) {
			return true
		}
	}
	return false
}

func recordNoop(t *testing.T, cb vkframe.CommandBuffer) {
	t.Helper()
	require.NoError(t, cb.Begin(vkframe.UsageOneTimeSubmit))
	cb.(*CommandBuffer).Execute("noop", func() {})
	require.NoError(t, cb.End())
}

func TestFenceSignaledBySubmission(t *testing.T) {
	d := New(&Options{Latency: 5 * time.Millisecond})
	defer d.Close()

	f, err := d.CreateFence(false)
	require.NoError(t, err)
	cbs, err := d.AllocateCommandBuffers(1)
	require.NoError(t, err)
	recordNoop(t, cbs[0])

	require.NoError(t, d.Queue().Submit(f, vkframe.SubmitInfo{CommandBuffers: cbs}))
	assert.Equal(t, 1, d.Outstanding())

	err = d.WaitForFences(context.Background(), 0, f)
	assert.True(t, errors.Is(err, vkframe.ErrTimeout))

	require.NoError(t, d.WaitForFences(context.Background(), vkframe.WaitForever, f))
	assert.Zero(t, d.Outstanding())
	assert.Equal(t, 1, d.MaxOutstanding())

	signaled, err := d.FenceStatus(f)
	require.NoError(t, err)
	assert.True(t, signaled)

	require.NoError(t, d.ResetFences(f))
	signaled, err = d.FenceStatus(f)
	require.NoError(t, err)
	assert.False(t, signaled)

	d.FreeCommandBuffers(cbs...)
	d.DestroyFence(f)
	assert.Empty(t, d.Violations())
	assert.Equal(t, Counts{}, d.Live())
}

func TestWaitForFencesContext(t *testing.T) {
	d := New(&Options{Latency: 50 * time.Millisecond})
	defer d.Close()

	f, err := d.CreateFence(false)
	require.NoError(t, err)
	require.NoError(t, d.Queue().Submit(f))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	err = d.WaitForFences(ctx, vkframe.WaitForever, f)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, errors.Is(err, vkframe.ErrTimeout))

	// A fence nothing will signal is reported rather than waited on forever.
	idle, err := d.CreateFence(false)
	require.NoError(t, err)
	assert.Error(t, d.WaitForFences(context.Background(), vkframe.WaitForever, idle))
	assert.True(t, hasViolation(d, "no pending submission"))

	require.NoError(t, d.WaitIdle())
	d.DestroyFence(f)
	d.DestroyFence(idle)
}

func TestCommandBufferMisuse(t *testing.T) {
	d := New(&Options{Latency: 20 * time.Millisecond})
	defer d.Close()

	cbs, err := d.AllocateCommandBuffers(1)
	require.NoError(t, err)
	cb := cbs[0]
	recordNoop(t, cb)
	require.NoError(t, d.Queue().Submit(nil, vkframe.SubmitInfo{CommandBuffers: cbs}))

	require.NoError(t, cb.Reset())
	assert.True(t, hasViolation(d, "reset while pending"))
	require.NoError(t, cb.Begin(vkframe.UsageOneTimeSubmit))
	assert.True(t, hasViolation(d, "re-recorded while pending"))
	require.NoError(t, cb.End())

	require.NoError(t, d.WaitIdle())
	d.FreeCommandBuffers(cbs...)
	assert.Zero(t, d.Live().CommandBuffers)
}

func TestDestroyWhilePending(t *testing.T) {
	d := New(&Options{Latency: 20 * time.Millisecond})
	defer d.Close()

	src, err := d.CreateBuffer(16, vkframe.BufferUsageTransferSrc)
	require.NoError(t, err)
	dst, err := d.CreateBuffer(16, vkframe.BufferUsageVertex)
	require.NoError(t, err)
	for _, b := range []vkframe.Buffer{src, dst} {
		m, err := d.AllocateMemory(d.BufferMemoryRequirements(b), vkframe.MemoryDeviceLocal)
		require.NoError(t, err)
		require.NoError(t, d.BindBufferMemory(b, m, 0))
	}

	cbs, err := d.AllocateCommandBuffers(1)
	require.NoError(t, err)
	require.NoError(t, cbs[0].Begin(vkframe.UsageOneTimeSubmit))
	cbs[0].CopyBuffer(src, dst, vkframe.BufferCopy{Size: 16})
	require.NoError(t, cbs[0].End())
	assert.True(t, hasViolation(d, "without that usage"))

	require.NoError(t, d.Queue().Submit(nil, vkframe.SubmitInfo{CommandBuffers: cbs}))
	d.DestroyBuffer(src)
	assert.True(t, hasViolation(d, "destroyed while used by a pending submission"))

	require.NoError(t, d.WaitIdle())
	assert.True(t, hasViolation(d, "command executed on destroyed buffer"))
}

func TestSemaphoreSignaledTwice(t *testing.T) {
	d := New(nil)
	defer d.Close()

	sc, err := d.NewSwapchain(2)
	require.NoError(t, err)
	sem, err := d.CreateSemaphore()
	require.NoError(t, err)

	_, err = sc.AcquireNextImage(vkframe.WaitForever, sem)
	require.NoError(t, err)
	_, err = sc.AcquireNextImage(vkframe.WaitForever, sem)
	require.NoError(t, err)
	assert.True(t, hasViolation(d, "signaled twice"))
	d.DestroySemaphore(sem)
	assert.True(t, hasViolation(d, "nothing waited on"))
}

func TestSwapchainScriptedOrder(t *testing.T) {
	d := New(nil)
	defer d.Close()

	_, err := d.NewSwapchain(2, 0, 2)
	assert.Error(t, err)

	sc, err := d.NewSwapchain(3, 2, 2, 0)
	require.NoError(t, err)
	var got []int
	for i := 0; i < 6; i++ {
		sem, err := d.CreateSemaphore()
		require.NoError(t, err)
		img, err := sc.AcquireNextImage(vkframe.WaitForever, sem)
		require.NoError(t, err)
		got = append(got, img)
		require.NoError(t, sc.Present(img, sem))
		require.NoError(t, d.WaitIdle())
		d.DestroySemaphore(sem)
	}
	assert.Equal(t, []int{2, 2, 0, 2, 2, 0}, got)
	assert.Equal(t, 6, sc.Presented())
	assert.Empty(t, d.Violations())

	sem, err := d.CreateSemaphore()
	require.NoError(t, err)
	img, err := sc.AcquireNextImage(vkframe.WaitForever, sem)
	require.NoError(t, err)
	// An image can't be handed out twice before it is presented.
	_, err = sc.AcquireNextImage(vkframe.WaitForever, sem)
	assert.True(t, errors.Is(err, vkframe.ErrTimeout))

	sc.MarkStale()
	_, err = sc.AcquireNextImage(vkframe.WaitForever, sem)
	assert.True(t, errors.Is(err, vkframe.ErrSurfaceStale))
	err = sc.Present(img, sem)
	assert.True(t, errors.Is(err, vkframe.ErrSurfaceStale))
	require.NoError(t, d.WaitIdle())
	d.DestroySemaphore(sem)
	assert.Empty(t, d.Violations())
}

func TestMemory(t *testing.T) {
	d := New(&Options{MemoryLimit: 1024})
	defer d.Close()

	b, err := d.CreateBuffer(100, vkframe.BufferUsageTransferSrc)
	require.NoError(t, err)
	req := d.BufferMemoryRequirements(b)
	assert.Equal(t, uint64(112), req.Size)

	_, err = d.AllocateMemory(vkframe.MemoryRequirements{Size: 2048}, vkframe.MemoryStaging)
	assert.True(t, errors.Is(err, vkframe.ErrAllocation))

	local, err := d.AllocateMemory(req, vkframe.MemoryDeviceLocal)
	require.NoError(t, err)
	_, err = d.MapMemory(local, 0, 16)
	assert.Error(t, err)

	host, err := d.AllocateMemory(req, vkframe.MemoryStaging)
	require.NoError(t, err)
	require.NoError(t, d.BindBufferMemory(b, host, 0))
	assert.Error(t, d.BindBufferMemory(b, local, 0))

	view, err := d.MapMemory(host, 0, 100)
	require.NoError(t, err)
	_, err = d.MapMemory(host, 0, 100)
	assert.Error(t, err)
	copy(view, "hello")
	d.UnmapMemory(host)
	assert.Equal(t, "hello", string(b.(*Buffer).bytes()[:5]))

	assert.Equal(t, Counts{Buffers: 1, Memory: 2, MemoryBytes: 224}, d.Live())
	d.DestroyBuffer(b)
	d.FreeMemory(host)
	d.FreeMemory(local)
	assert.Equal(t, Counts{}, d.Live())
	assert.Empty(t, d.Violations())
}

func TestMemoryFragmentation(t *testing.T) {
	d := New(&Options{MemoryLimit: 256})
	defer d.Close()

	req := vkframe.MemoryRequirements{Size: 64, Alignment: 16}
	var mems []vkframe.Memory
	for i := 0; i < 3; i++ {
		m, err := d.AllocateMemory(req, vkframe.MemoryDeviceLocal)
		require.NoError(t, err)
		mems = append(mems, m)
	}
	d.FreeMemory(mems[1])

	// 128 bytes are free, split in two holes.
	_, err := d.AllocateMemory(vkframe.MemoryRequirements{Size: 128, Alignment: 16}, vkframe.MemoryDeviceLocal)
	assert.True(t, errors.Is(err, vkframe.ErrAllocation))

	refill, err := d.AllocateMemory(req, vkframe.MemoryDeviceLocal)
	require.NoError(t, err)
	tail, err := d.AllocateMemory(req, vkframe.MemoryDeviceLocal)
	require.NoError(t, err)

	for _, m := range []vkframe.Memory{mems[0], mems[2], refill, tail} {
		d.FreeMemory(m)
	}
	assert.Equal(t, Counts{}, d.Live())
	assert.Empty(t, d.Violations())
}

func TestImageCopies(t *testing.T) {
	d := New(nil)
	defer d.Close()

	img, err := d.CreateImage(vkframe.Extent3D{Width: 3, Height: 2}, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), img.Extent().Depth)

	src, err := d.CreateBuffer(12, vkframe.BufferUsageTransferSrc)
	require.NoError(t, err)
	mem, err := d.AllocateMemory(d.BufferMemoryRequirements(src), vkframe.MemoryStaging)
	require.NoError(t, err)
	require.NoError(t, d.BindBufferMemory(src, mem, 0))
	view, err := d.MapMemory(mem, 0, 12)
	require.NoError(t, err)
	copy(view, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})
	d.UnmapMemory(mem)

	toDst, err := vkframe.NewLayoutTransition(img, vkframe.LayoutUndefined, vkframe.LayoutTransferDst)
	require.NoError(t, err)

	cbs, err := d.AllocateCommandBuffers(1)
	require.NoError(t, err)
	cb := cbs[0]
	require.NoError(t, cb.Begin(vkframe.UsageOneTimeSubmit))
	cb.PipelineBarrier(toDst)
	cb.CopyBufferToImage(src, img, vkframe.LayoutTransferDst, vkframe.BufferImageCopy{
		ImageOffset: vkframe.Offset3D{X: 1},
		ImageExtent: vkframe.Extent3D{Width: 2, Height: 2, Depth: 1},
	})
	require.NoError(t, cb.End())
	assert.Equal(t, []string{"barrier", "copy-buffer-to-image"}, cb.(*CommandBuffer).Commands())

	require.NoError(t, d.Queue().Submit(nil, vkframe.SubmitInfo{CommandBuffers: cbs}))
	require.NoError(t, d.WaitIdle())

	assert.Equal(t, vkframe.LayoutTransferDst, img.Layout())
	assert.Equal(t, []byte{
		scribble, scribble, 1, 2, 3, 4,
		scribble, scribble, 5, 6, 7, 8,
	}, img.data)
	assert.Empty(t, d.Violations())

	// Copying with the wrong layout stated is reported.
	require.NoError(t, cb.Begin(vkframe.UsageOneTimeSubmit))
	cb.CopyBufferToImage(src, img, vkframe.LayoutShaderReadOnly, vkframe.BufferImageCopy{ImageExtent: vkframe.Extent3D{Width: 1, Height: 1, Depth: 1}})
	require.NoError(t, cb.End())
	require.NoError(t, d.Queue().Submit(nil, vkframe.SubmitInfo{CommandBuffers: cbs}))
	require.NoError(t, d.WaitIdle())
	assert.True(t, hasViolation(d, "layout"))

	d.FreeCommandBuffers(cbs...)
	d.DestroyBuffer(src)
	d.FreeMemory(mem)
	d.DestroyImage(img)
	assert.Equal(t, Counts{}, d.Live())
}

func TestLose(t *testing.T) {
	d := New(&Options{Latency: 50 * time.Millisecond})
	defer d.Close()

	f, err := d.CreateFence(false)
	require.NoError(t, err)
	require.NoError(t, d.Queue().Submit(f))

	done := make(chan error, 1)
	go func() { done <- d.WaitForFences(context.Background(), vkframe.WaitForever, f) }()
	d.Lose()
	err = <-done
	assert.True(t, errors.Is(err, vkframe.ErrDeviceLost))

	assert.True(t, errors.Is(d.Queue().Submit(nil), vkframe.ErrDeviceLost))
	assert.True(t, errors.Is(d.WaitIdle(), vkframe.ErrDeviceLost))
	_, err = d.CreateSemaphore()
	assert.True(t, errors.Is(err, vkframe.ErrDeviceLost))

	d.DestroyFence(f)
	assert.Empty(t, d.Violations())
}

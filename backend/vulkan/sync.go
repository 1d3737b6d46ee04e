package vulkan

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	vk "github.com/vulkan-go/vulkan"

	"github.com/celer/vkframe"
)

type Fence struct {
	VK vk.Fence
}

type Semaphore struct {
	VK vk.Semaphore
}

func (d *Device) CreateFence(signaled bool) (vkframe.Fence, error) {
	info := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}
	if signaled {
		info.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}
	f := &Fence{}
	if err := check(vk.CreateFence(d.VK, &info, nil, &f.VK), "creating fence"); err != nil {
		return nil, err
	}
	return f, nil
}

func (d *Device) DestroyFence(f vkframe.Fence) {
	vk.DestroyFence(d.VK, f.(*Fence).VK, nil)
}

func (d *Device) FenceStatus(f vkframe.Fence) (bool, error) {
	switch res := vk.GetFenceStatus(d.VK, f.(*Fence).VK); res {
	case vk.Success:
		return true, nil
	case vk.NotReady:
		return false, nil
	default:
		return false, classify(res, "querying fence status")
	}
}

// WaitForFences waits in slices of the device's poll interval so that ctx is honoured. A
// context without a Done channel waits natively for the whole timeout.
func (d *Device) WaitForFences(ctx context.Context, timeout time.Duration, fences ...vkframe.Fence) error {
	if len(fences) == 0 {
		return nil
	}
	handles := nativeFences(fences)
	n := uint32(len(handles))

	if ctx.Done() == nil {
		return check(vk.WaitForFences(d.VK, n, handles, vk.True, timeoutNanos(timeout)), "waiting for fences")
	}

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		slice := d.poll
		if !deadline.IsZero() {
			slice = min(slice, max(time.Until(deadline), 0))
		}
		res := vk.WaitForFences(d.VK, n, handles, vk.True, timeoutNanos(slice))
		if res != vk.Timeout {
			return check(res, "waiting for fences")
		}
		if err := ctx.Err(); err != nil {
			return vkframe.MarkTimeout(errors.Wrap(err, "waiting for fences"))
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return classify(res, "waiting for fences")
		}
	}
}

func (d *Device) ResetFences(fences ...vkframe.Fence) error {
	if len(fences) == 0 {
		return nil
	}
	handles := nativeFences(fences)
	return check(vk.ResetFences(d.VK, uint32(len(handles)), handles), "resetting fences")
}

func (d *Device) CreateSemaphore() (vkframe.Semaphore, error) {
	info := vk.SemaphoreCreateInfo{SType: vk.StructureTypeSemaphoreCreateInfo}
	s := &Semaphore{}
	if err := check(vk.CreateSemaphore(d.VK, &info, nil, &s.VK), "creating semaphore"); err != nil {
		return nil, err
	}
	return s, nil
}

func (d *Device) DestroySemaphore(s vkframe.Semaphore) {
	vk.DestroySemaphore(d.VK, s.(*Semaphore).VK, nil)
}

func nativeFences(fences []vkframe.Fence) []vk.Fence {
	out := make([]vk.Fence, len(fences))
	for i, f := range fences {
		out[i] = f.(*Fence).VK
	}
	return out
}

func nativeSemaphores(sems []vkframe.Semaphore) []vk.Semaphore {
	if len(sems) == 0 {
		return nil
	}
	out := make([]vk.Semaphore, len(sems))
	for i, s := range sems {
		out[i] = s.(*Semaphore).VK
	}
	return out
}

func semaphoreOrNull(s vkframe.Semaphore) vk.Semaphore {
	if s == nil {
		return vk.NullSemaphore
	}
	return s.(*Semaphore).VK
}

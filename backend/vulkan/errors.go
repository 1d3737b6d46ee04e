package vulkan

import (
	"github.com/cockroachdb/errors"
	vk "github.com/vulkan-go/vulkan"

	"github.com/celer/vkframe"
)

// check turns a Vulkan result into an error classified against the vkframe sentinels.
// Success and Suboptimal return nil; present treats Suboptimal separately.
func check(res vk.Result, op string) error {
	switch res {
	case vk.Success, vk.Suboptimal:
		return nil
	}
	return classify(res, op)
}

func classify(res vk.Result, op string) error {
	err := errors.Wrap(vk.Error(res), op)
	if err == nil {
		err = errors.Newf("%s: result %d", op, int32(res))
	}
	switch res {
	case vk.ErrorOutOfDate, vk.Suboptimal, vk.ErrorSurfaceLost:
		return errors.Mark(err, vkframe.ErrSurfaceStale)
	case vk.Timeout, vk.NotReady:
		return errors.Mark(err, vkframe.ErrTimeout)
	case vk.ErrorDeviceLost:
		return errors.Mark(err, vkframe.ErrDeviceLost)
	case vk.ErrorOutOfHostMemory, vk.ErrorOutOfDeviceMemory, vk.ErrorFragmentedPool:
		return errors.Mark(err, vkframe.ErrAllocation)
	}
	return err
}

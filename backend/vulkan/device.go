// Package vulkan implements the vkframe capability interfaces on Vulkan through
// github.com/vulkan-go/vulkan.
//
// A typical windowed setup:
//
//	vk.SetGetInstanceProcAddr(glfw.GetVulkanGetInstanceProcAddress())
//	vk.Init()
//	inst, _ := vulkan.CreateInstance(&vulkan.InstanceOptions{Extensions: window.GetRequiredInstanceExtensions()})
//	surface := ... // window.CreateWindowSurface
//	dev, _ := vulkan.OpenDevice(inst, surface, nil)
//	sc, _ := dev.CreateSwapchain(surface, &vulkan.SwapchainOptions{Size: size})
//	sched, _ := vkframe.NewScheduler(dev, dev.Queue(), sc, nil)
package vulkan

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	vk "github.com/vulkan-go/vulkan"

	"github.com/celer/vkframe"
)

const swapchainExtension = "VK_KHR_swapchain"

// DefaultPollInterval is how often a fence wait checks its context.
const DefaultPollInterval = 5 * time.Millisecond

type DeviceOptions struct {
	// Extensions are enabled in addition to VK_KHR_swapchain, which is enabled whenever a
	// surface is given.
	Extensions []string
	// PollInterval bounds each native fence wait so cancellation is noticed, DefaultPollInterval
	// when zero.
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Device is a logical device with one queue and one command pool. It implements
// vkframe.Device.
type Device struct {
	Physical *PhysicalDevice
	VK       vk.Device
	Family   *QueueFamily

	queue *Queue

	// Command pools are externally synchronized.
	poolMu sync.Mutex
	pool   vk.CommandPool

	poll   time.Duration
	logger *slog.Logger
}

var _ vkframe.Device = (*Device)(nil)

// OpenDevice picks the first physical device with a graphics queue family able to present to
// surface and creates a logical device on it. Pass vk.NullSurface for headless use.
func OpenDevice(inst *Instance, surface vk.Surface, opts *DeviceOptions) (*Device, error) {
	physical, err := inst.PhysicalDevices()
	if err != nil {
		return nil, err
	}
	if len(physical) == 0 {
		return nil, errors.New("no vulkan devices found")
	}
	for _, p := range physical {
		families := p.QueueFamilies().FilterGraphicsAndPresent(surface)
		if len(families) == 0 {
			continue
		}
		return NewDevice(families[0], surface != vk.NullSurface, opts)
	}
	return nil, errors.Newf("no device has a graphics queue which can present (tried %v)", physical)
}

// NewDevice creates a logical device with a single queue from family.
func NewDevice(family *QueueFamily, swapchain bool, opts *DeviceOptions) (*Device, error) {
	if opts == nil {
		opts = &DeviceOptions{}
	}
	p := family.Device
	exts := safeStrings(opts.Extensions)
	if swapchain {
		exts = appendMissing(exts, safeString(swapchainExtension))
	}

	var features vk.PhysicalDeviceFeatures
	vk.GetPhysicalDeviceFeatures(p.VK, &features)

	createInfo := vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: 1,
		PQueueCreateInfos: []vk.DeviceQueueCreateInfo{{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: uint32(family.Index),
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		}},
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{features},
		EnabledExtensionCount:   uint32(len(exts)),
		PpEnabledExtensionNames: exts,
	}

	d := &Device{
		Physical: p,
		Family:   family,
		poll:     opts.PollInterval,
		logger:   opts.Logger,
	}
	if d.poll <= 0 {
		d.poll = DefaultPollInterval
	}
	if d.logger == nil {
		d.logger = vkframe.Logger()
	}
	if err := check(vk.CreateDevice(p.VK, &createInfo, nil, &d.VK), "creating device"); err != nil {
		return nil, err
	}

	var q vk.Queue
	vk.GetDeviceQueue(d.VK, uint32(family.Index), 0, &q)
	d.queue = &Queue{VK: q}

	poolInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: uint32(family.Index),
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	if err := check(vk.CreateCommandPool(d.VK, &poolInfo, nil, &d.pool), "creating command pool"); err != nil {
		vk.DestroyDevice(d.VK, nil)
		return nil, err
	}

	d.logger.Info("vulkan device created", "device", p.Name, "queueFamily", family.Index)
	return d, nil
}

// Queue returns the device's only queue, used for both rendering and presentation.
func (d *Device) Queue() *Queue {
	return d.queue
}

func (d *Device) WaitIdle() error {
	return check(vk.DeviceWaitIdle(d.VK), "waiting for device idle")
}

// Destroy waits for the device and releases it. Every object created from it must have been
// destroyed already.
func (d *Device) Destroy() {
	vk.DeviceWaitIdle(d.VK)
	vk.DestroyCommandPool(d.VK, d.pool, nil)
	vk.DestroyDevice(d.VK, nil)
}

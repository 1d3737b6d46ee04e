package vulkan

import (
	"math"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	vk "github.com/vulkan-go/vulkan"

	"github.com/celer/vkframe"
)

type SwapchainOptions struct {
	// Size is used when the surface leaves the extent to the application, e.g. the window's
	// framebuffer size.
	Size vk.Extent2D
	// ImageCount is the minimum number of images requested, one more than the surface minimum
	// when zero.
	ImageCount int
	// Old is handed to the driver for reuse when rebuilding; the caller destroys it afterwards.
	Old *Swapchain
	// Immediate prefers the mailbox present mode over FIFO when available.
	Immediate bool
}

// Swapchain implements vkframe.Swapchain. Its images are created with color attachment and
// transfer destination usage so frames may be rendered or blitted into them.
type Swapchain struct {
	VK     vk.Swapchain
	Format vk.Format
	Extent vk.Extent2D

	device *Device
	images []*Image
}

var _ vkframe.Swapchain = (*Swapchain)(nil)

// CreateSwapchain builds a swapchain for surface presenting from the device's queue.
func (d *Device) CreateSwapchain(surface vk.Surface, opts *SwapchainOptions) (*Swapchain, error) {
	if opts == nil {
		opts = &SwapchainOptions{}
	}
	p := d.Physical

	caps, err := p.SurfaceCapabilities(surface)
	if err != nil {
		return nil, err
	}
	formats, err := p.surfaceFormats(surface)
	if err != nil {
		return nil, err
	}
	if len(formats) == 0 {
		return nil, errors.New("surface reports no formats")
	}
	modes, err := p.presentModes(surface)
	if err != nil {
		return nil, err
	}

	format := formats[0]
	for _, f := range formats {
		if f.Format == vk.FormatB8g8r8a8Unorm {
			format = f
			break
		}
	}
	mode := vk.PresentModeFifo
	if opts.Immediate && slices.Contains(modes, vk.PresentModeMailbox) {
		mode = vk.PresentModeMailbox
	}

	extent := caps.CurrentExtent
	if extent.Width == math.MaxUint32 {
		extent = vk.Extent2D{
			Width:  clamp(opts.Size.Width, caps.MinImageExtent.Width, caps.MaxImageExtent.Width),
			Height: clamp(opts.Size.Height, caps.MinImageExtent.Height, caps.MaxImageExtent.Height),
		}
	}

	count := uint32(opts.ImageCount)
	if count == 0 {
		count = caps.MinImageCount + 1
	}
	count = max(count, caps.MinImageCount)
	if caps.MaxImageCount > 0 {
		count = min(count, caps.MaxImageCount)
	}

	info := vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          surface,
		MinImageCount:    count,
		ImageFormat:      format.Format,
		ImageColorSpace:  format.ColorSpace,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage:       vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit | vk.ImageUsageTransferDstBit),
		ImageSharingMode: vk.SharingModeExclusive,
		PreTransform:     caps.CurrentTransform,
		CompositeAlpha:   vk.CompositeAlphaOpaqueBit,
		PresentMode:      mode,
		Clipped:          vk.True,
		OldSwapchain:     vk.NullSwapchain,
	}
	if opts.Old != nil {
		info.OldSwapchain = opts.Old.VK
	}

	sc := &Swapchain{device: d, Format: format.Format, Extent: extent}
	if err := check(vk.CreateSwapchain(d.VK, &info, nil, &sc.VK), "creating swapchain"); err != nil {
		return nil, err
	}
	if err := sc.loadImages(); err != nil {
		vk.DestroySwapchain(d.VK, sc.VK, nil)
		return nil, err
	}
	d.logger.Info("swapchain created", "width", extent.Width, "height", extent.Height,
		"images", len(sc.images), "format", format.Format, "presentMode", mode)
	return sc, nil
}

func (s *Swapchain) loadImages() error {
	var n uint32
	if err := check(vk.GetSwapchainImages(s.device.VK, s.VK, &n, nil), "listing swapchain images"); err != nil {
		return err
	}
	handles := make([]vk.Image, n)
	if err := check(vk.GetSwapchainImages(s.device.VK, s.VK, &n, handles), "listing swapchain images"); err != nil {
		return err
	}
	extent := vkframe.Extent3D{Width: s.Extent.Width, Height: s.Extent.Height, Depth: 1}
	s.images = make([]*Image, n)
	for i, h := range handles[:n] {
		s.images[i] = &Image{VK: h, Format: s.Format, extent: extent}
	}
	return nil
}

func (s *Swapchain) ImageCount() int {
	return len(s.images)
}

// Image returns the presentable image at index. It is owned by the swapchain.
func (s *Swapchain) Image(index int) *Image {
	return s.images[index]
}

// AcquireNextImage treats a suboptimal swapchain as usable; the following present reports
// it as stale.
func (s *Swapchain) AcquireNextImage(timeout time.Duration, signal vkframe.Semaphore) (int, error) {
	var index uint32
	res := vk.AcquireNextImage(s.device.VK, s.VK, timeoutNanos(timeout), semaphoreOrNull(signal), vk.NullFence, &index)
	switch res {
	case vk.Success, vk.Suboptimal:
		return int(index), nil
	}
	return 0, classify(res, "acquiring swapchain image")
}

func (s *Swapchain) Present(image int, wait vkframe.Semaphore) error {
	return s.device.queue.present(s.VK, uint32(image), wait)
}

// Destroy releases the swapchain. Its images must no longer be in use.
func (s *Swapchain) Destroy() {
	vk.DestroySwapchain(s.device.VK, s.VK, nil)
	s.images = nil
}

func clamp(v, lo, hi uint32) uint32 {
	return max(lo, min(v, hi))
}

package vulkan

import (
	"fmt"
	"slices"

	"github.com/cockroachdb/errors"
	vk "github.com/vulkan-go/vulkan"

	"github.com/celer/vkframe"
)

type PhysicalDevice struct {
	Name       string
	VK         vk.PhysicalDevice
	Properties vk.PhysicalDeviceProperties
	memory     vk.PhysicalDeviceMemoryProperties
}

func newPhysicalDevice(h vk.PhysicalDevice) *PhysicalDevice {
	p := &PhysicalDevice{VK: h}
	vk.GetPhysicalDeviceProperties(h, &p.Properties)
	p.Properties.Deref()
	p.Name = vk.ToString(p.Properties.DeviceName[:])
	vk.GetPhysicalDeviceMemoryProperties(h, &p.memory)
	p.memory.Deref()
	for i := uint32(0); i < p.memory.MemoryTypeCount; i++ {
		p.memory.MemoryTypes[i].Deref()
	}
	for i := uint32(0); i < p.memory.MemoryHeapCount; i++ {
		p.memory.MemoryHeaps[i].Deref()
	}
	return p
}

// MemoryHeap is one heap of device memory.
type MemoryHeap struct {
	Size        uint64
	DeviceLocal bool
}

// MemoryType is a kind of memory allocations can be made from, and the heap backing it.
type MemoryType struct {
	Heap  int
	Flags vk.MemoryPropertyFlagBits
}

func (p *PhysicalDevice) MemoryHeaps() []MemoryHeap {
	heaps := make([]MemoryHeap, p.memory.MemoryHeapCount)
	for i := range heaps {
		h := p.memory.MemoryHeaps[i]
		heaps[i] = MemoryHeap{
			Size:        uint64(h.Size),
			DeviceLocal: vk.MemoryHeapFlagBits(h.Flags)&vk.MemoryHeapDeviceLocalBit != 0,
		}
	}
	return heaps
}

func (p *PhysicalDevice) MemoryTypes() []MemoryType {
	types := make([]MemoryType, p.memory.MemoryTypeCount)
	for i := range types {
		t := p.memory.MemoryTypes[i]
		types[i] = MemoryType{Heap: int(t.HeapIndex), Flags: vk.MemoryPropertyFlagBits(t.PropertyFlags)}
	}
	return types
}

func (p *PhysicalDevice) String() string {
	return p.Name
}

// QueueFamily is one queue family of a physical device.
type QueueFamily struct {
	Index      int
	Device     *PhysicalDevice
	Properties vk.QueueFamilyProperties
}

func (q *QueueFamily) has(bit vk.QueueFlagBits) bool {
	return q.Properties.QueueFlags&vk.QueueFlags(bit) == vk.QueueFlags(bit)
}

func (q *QueueFamily) IsGraphics() bool { return q.has(vk.QueueGraphicsBit) }
func (q *QueueFamily) IsCompute() bool  { return q.has(vk.QueueComputeBit) }
func (q *QueueFamily) IsTransfer() bool { return q.has(vk.QueueTransferBit) }

// SupportsPresent reports whether the family can present to surface.
func (q *QueueFamily) SupportsPresent(surface vk.Surface) bool {
	var supported vk.Bool32
	vk.GetPhysicalDeviceSurfaceSupport(q.Device.VK, uint32(q.Index), surface, &supported)
	return supported == vk.True
}

func (q *QueueFamily) String() string {
	return fmt.Sprintf("{ Index: %d Compute: %v Graphics: %v Transfer: %v }", q.Index, q.IsCompute(), q.IsGraphics(), q.IsTransfer())
}

type QueueFamilies []*QueueFamily

func (qs QueueFamilies) Filter(f func(q *QueueFamily) bool) QueueFamilies {
	var ret QueueFamilies
	for _, q := range qs {
		if f(q) {
			ret = append(ret, q)
		}
	}
	return ret
}

// FilterGraphicsAndPresent keeps the graphics families able to present to surface. A null
// surface keeps every graphics family.
func (qs QueueFamilies) FilterGraphicsAndPresent(surface vk.Surface) QueueFamilies {
	return qs.Filter(func(q *QueueFamily) bool {
		return q.IsGraphics() && (surface == vk.NullSurface || q.SupportsPresent(surface))
	})
}

func (p *PhysicalDevice) QueueFamilies() QueueFamilies {
	var n uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(p.VK, &n, nil)
	if n == 0 {
		return nil
	}
	props := make([]vk.QueueFamilyProperties, n)
	vk.GetPhysicalDeviceQueueFamilyProperties(p.VK, &n, props)

	ret := make(QueueFamilies, n)
	for i := range props[:n] {
		props[i].Deref()
		ret[i] = &QueueFamily{Index: i, Device: p, Properties: props[i]}
	}
	return ret
}

// FindMemoryType returns the first memory type allowed by typeBits which has all of props.
func (p *PhysicalDevice) FindMemoryType(typeBits uint32, props vk.MemoryPropertyFlagBits) (uint32, error) {
	for i := uint32(0); i < p.memory.MemoryTypeCount; i++ {
		flags := vk.MemoryPropertyFlagBits(p.memory.MemoryTypes[i].PropertyFlags)
		if typeBits&(1<<i) != 0 && flags&props == props {
			return i, nil
		}
	}
	return 0, errors.Mark(errors.Newf("no memory type among 0x%x with properties 0x%x", typeBits, uint32(props)),
		vkframe.ErrAllocation)
}

// Extensions lists the device extensions by name.
func (p *PhysicalDevice) Extensions() ([]string, error) {
	var n uint32
	if err := check(vk.EnumerateDeviceExtensionProperties(p.VK, "", &n, nil), "enumerating device extensions"); err != nil {
		return nil, err
	}
	props := make([]vk.ExtensionProperties, n)
	if err := check(vk.EnumerateDeviceExtensionProperties(p.VK, "", &n, props), "enumerating device extensions"); err != nil {
		return nil, err
	}
	names := make([]string, 0, n)
	for _, e := range props[:n] {
		e.Deref()
		names = append(names, vk.ToString(e.ExtensionName[:]))
	}
	return names, nil
}

// SupportsExtension reports whether the device exposes the named extension.
func (p *PhysicalDevice) SupportsExtension(name string) (bool, error) {
	names, err := p.Extensions()
	if err != nil {
		return false, err
	}
	return slices.Contains(names, name), nil
}

// SurfaceCapabilities queries what the device can do with surface.
func (p *PhysicalDevice) SurfaceCapabilities(surface vk.Surface) (vk.SurfaceCapabilities, error) {
	var caps vk.SurfaceCapabilities
	err := check(vk.GetPhysicalDeviceSurfaceCapabilities(p.VK, surface, &caps), "querying surface capabilities")
	caps.Deref()
	caps.CurrentExtent.Deref()
	caps.MinImageExtent.Deref()
	caps.MaxImageExtent.Deref()
	return caps, err
}

func (p *PhysicalDevice) surfaceFormats(surface vk.Surface) ([]vk.SurfaceFormat, error) {
	var n uint32
	if err := check(vk.GetPhysicalDeviceSurfaceFormats(p.VK, surface, &n, nil), "querying surface formats"); err != nil {
		return nil, err
	}
	formats := make([]vk.SurfaceFormat, n)
	if err := check(vk.GetPhysicalDeviceSurfaceFormats(p.VK, surface, &n, formats), "querying surface formats"); err != nil {
		return nil, err
	}
	for i := range formats[:n] {
		formats[i].Deref()
	}
	return formats[:n], nil
}

func (p *PhysicalDevice) presentModes(surface vk.Surface) ([]vk.PresentMode, error) {
	var n uint32
	if err := check(vk.GetPhysicalDeviceSurfacePresentModes(p.VK, surface, &n, nil), "querying present modes"); err != nil {
		return nil, err
	}
	modes := make([]vk.PresentMode, n)
	if err := check(vk.GetPhysicalDeviceSurfacePresentModes(p.VK, surface, &n, modes), "querying present modes"); err != nil {
		return nil, err
	}
	return modes[:n], nil
}

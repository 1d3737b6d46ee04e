package vulkan

import (
	"context"
	"log/slog"
	"slices"
	"unsafe"

	"github.com/cockroachdb/errors"
	vk "github.com/vulkan-go/vulkan"

	"github.com/celer/vkframe"
)

// ValidationLayer is the Khronos validation layer enabled by InstanceOptions.Debug.
const ValidationLayer = "VK_LAYER_KHRONOS_validation"

const debugReportExtension = "VK_EXT_debug_report"

// InitializeHeadless loads the Vulkan loader without a windowing library. Programs with a
// window set the loader entry point from the window system and call vk.Init themselves.
func InitializeHeadless() error {
	if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
		return errors.Wrap(err, "locating the vulkan loader")
	}
	return errors.Wrap(vk.Init(), "loading vulkan")
}

// Version is used to specify versions of components
type Version struct {
	Major int
	Minor int
	Patch int
}

func (v Version) vk() uint32 {
	return vk.MakeVersion(v.Major, v.Minor, v.Patch)
}

// InstanceOptions describes the application to Vulkan and what the instance should enable.
type InstanceOptions struct {
	Name       string
	EngineName string
	Version    Version
	// APIVersion is the minimum Vulkan API version, 1.0.0 when zero.
	APIVersion Version

	Layers     []string
	Extensions []string

	// Debug enables the validation layer and routes its reports to Logger.
	Debug  bool
	Logger *slog.Logger
}

// Instance is an instance of the Vulkan subsystem
type Instance struct {
	VK       vk.Instance
	debug    vk.DebugReportCallback
	hasDebug bool
	logger   *slog.Logger
}

// SupportedLayers lists the instance layers the loader knows about. vk.Init must have been
// called.
func SupportedLayers() ([]string, error) {
	var n uint32
	if err := check(vk.EnumerateInstanceLayerProperties(&n, nil), "enumerating layers"); err != nil {
		return nil, err
	}
	props := make([]vk.LayerProperties, n)
	if err := check(vk.EnumerateInstanceLayerProperties(&n, props), "enumerating layers"); err != nil {
		return nil, err
	}
	names := make([]string, 0, n)
	for _, p := range props[:n] {
		p.Deref()
		names = append(names, vk.ToString(p.LayerName[:]))
	}
	return names, nil
}

// SupportedExtensions lists the instance extensions the loader knows about.
func SupportedExtensions() ([]string, error) {
	var n uint32
	if err := check(vk.EnumerateInstanceExtensionProperties("", &n, nil), "enumerating extensions"); err != nil {
		return nil, err
	}
	props := make([]vk.ExtensionProperties, n)
	if err := check(vk.EnumerateInstanceExtensionProperties("", &n, props), "enumerating extensions"); err != nil {
		return nil, err
	}
	names := make([]string, 0, n)
	for _, p := range props[:n] {
		p.Deref()
		names = append(names, vk.ToString(p.ExtensionName[:]))
	}
	return names, nil
}

// CreateInstance creates the Vulkan instance. Requested layers and extensions which the
// loader does not support are reported as an error, except those added by Debug which are
// skipped with a warning.
func CreateInstance(opts *InstanceOptions) (*Instance, error) {
	if opts == nil {
		opts = &InstanceOptions{}
	}
	logger := vkframe.Logger()
	if opts.Logger != nil {
		logger = opts.Logger
	}

	supportedLayers, err := SupportedLayers()
	if err != nil {
		return nil, err
	}
	supportedExts, err := SupportedExtensions()
	if err != nil {
		return nil, err
	}

	layers := slices.Clone(opts.Layers)
	exts := slices.Clone(opts.Extensions)
	for _, l := range layers {
		if !slices.Contains(supportedLayers, l) {
			return nil, errors.Newf("layer %q is not supported", l)
		}
	}
	for _, e := range exts {
		if !slices.Contains(supportedExts, e) {
			return nil, errors.Newf("instance extension %q is not supported", e)
		}
	}

	debug := false
	if opts.Debug {
		switch {
		case !slices.Contains(supportedLayers, ValidationLayer):
			logger.Warn("validation layer not available", "layer", ValidationLayer)
		case !slices.Contains(supportedExts, debugReportExtension):
			logger.Warn("debug report extension not available", "extension", debugReportExtension)
		default:
			debug = true
			layers = appendMissing(layers, ValidationLayer)
			exts = appendMissing(exts, debugReportExtension)
		}
	}

	apiVersion := opts.APIVersion
	if apiVersion.Major < 1 {
		apiVersion = Version{Major: 1}
	}
	appInfo := vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         apiVersion.vk(),
		ApplicationVersion: opts.Version.vk(),
		PApplicationName:   safeString(opts.Name),
		PEngineName:        safeString(opts.EngineName),
	}
	createInfo := vk.InstanceCreateInfo{
		SType:                   vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo:        &appInfo,
		EnabledExtensionCount:   uint32(len(exts)),
		PpEnabledExtensionNames: safeStrings(exts),
		EnabledLayerCount:       uint32(len(layers)),
		PpEnabledLayerNames:     safeStrings(layers),
	}

	inst := &Instance{logger: logger}
	if err := check(vk.CreateInstance(&createInfo, nil, &inst.VK), "creating instance"); err != nil {
		return nil, err
	}
	vk.InitInstance(inst.VK)

	if debug {
		if err := inst.installDebugReport(); err != nil {
			inst.Destroy()
			return nil, err
		}
	}
	logger.Info("vulkan instance created", "layers", layers, "extensions", exts)
	return inst, nil
}

func (i *Instance) installDebugReport() error {
	info := vk.DebugReportCallbackCreateInfo{
		SType: vk.StructureTypeDebugReportCallbackCreateInfo,
		Flags: vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit |
			vk.DebugReportPerformanceWarningBit),
		PfnCallback: i.debugReport,
	}
	if err := check(vk.CreateDebugReportCallback(i.VK, &info, nil, &i.debug), "creating debug report callback"); err != nil {
		return err
	}
	i.hasDebug = true
	return nil
}

// debugReport forwards validation messages to the logger.
func (i *Instance) debugReport(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType,
	object uint64, location uint, messageCode int32, pLayerPrefix string,
	pMessage string, pUserData unsafe.Pointer) vk.Bool32 {

	level := slog.LevelInfo
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		level = slog.LevelError
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit|vk.DebugReportPerformanceWarningBit) != 0:
		level = slog.LevelWarn
	case flags&vk.DebugReportFlags(vk.DebugReportDebugBit) != 0:
		level = slog.LevelDebug
	}
	i.logger.Log(context.Background(), level, pMessage, "layer", pLayerPrefix, "code", messageCode, "object", object)
	return vk.Bool32(vk.False)
}

// PhysicalDevices returns the physical devices known to Vulkan.
func (i *Instance) PhysicalDevices() ([]*PhysicalDevice, error) {
	var n uint32
	if err := check(vk.EnumeratePhysicalDevices(i.VK, &n, nil), "enumerating physical devices"); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	handles := make([]vk.PhysicalDevice, n)
	if err := check(vk.EnumeratePhysicalDevices(i.VK, &n, handles), "enumerating physical devices"); err != nil {
		return nil, err
	}
	ret := make([]*PhysicalDevice, 0, n)
	for _, h := range handles[:n] {
		ret = append(ret, newPhysicalDevice(h))
	}
	return ret, nil
}

// DestroySurface releases a surface created for this instance, e.g. by glfw.
func (i *Instance) DestroySurface(s vk.Surface) {
	vk.DestroySurface(i.VK, s, nil)
}

func (i *Instance) Destroy() {
	if i.hasDebug {
		vk.DestroyDebugReportCallback(i.VK, i.debug, nil)
		i.hasDebug = false
	}
	vk.DestroyInstance(i.VK, nil)
}

func appendMissing(list []string, s string) []string {
	if slices.Contains(list, s) {
		return list
	}
	return append(list, s)
}

// safeString returns a NUL terminated copy of s as the C side expects.
func safeString(s string) string {
	if len(s) == 0 {
		return "\x00"
	}
	if s[len(s)-1] != '\x00' {
		return s + "\x00"
	}
	return s
}

func safeStrings(list []string) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = safeString(s)
	}
	return out
}

// Package gpuinfo describes the machine's graphics hardware and driver as
// seen by the host (preliminary) and by the child after GL init (complete).
package gpuinfo

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/breeze-rmm/gpuhost/internal/switches"
)

// CollectResult records how far a collection pass got.
type CollectResult string

const (
	CollectNone            CollectResult = ""
	CollectSuccess         CollectResult = "success"
	CollectNonFatalFailure CollectResult = "non_fatal_failure"
	CollectFatalFailure    CollectResult = "fatal_failure"
)

// Well-known PCI vendor ids.
const (
	VendorAMD    uint32 = 0x1002
	VendorNVIDIA uint32 = 0x10de
	VendorIntel  uint32 = 0x8086
	VendorVMware uint32 = 0x15ad
	VendorQCOM   uint32 = 0x5143
)

// VendorName maps a PCI vendor id to a short name.
func VendorName(id uint32) string {
	switch id {
	case VendorAMD:
		return "AMD"
	case VendorNVIDIA:
		return "NVIDIA"
	case VendorIntel:
		return "Intel"
	case VendorVMware:
		return "VMware"
	case VendorQCOM:
		return "Qualcomm"
	}
	return ""
}

// Device is one physical GPU.
type Device struct {
	VendorID     uint32 `json:"vendor_id"`
	DeviceID     uint32 `json:"device_id"`
	Active       bool   `json:"active"`
	VendorString string `json:"vendor_string,omitempty"`
	DeviceString string `json:"device_string,omitempty"`
}

// IsZero reports whether no ids are known.
func (d Device) IsZero() bool { return d.VendorID == 0 && d.DeviceID == 0 }

func (d Device) String() string {
	return fmt.Sprintf("VENDOR = 0x%04x, DEVICE = 0x%04x", d.VendorID, d.DeviceID)
}

// GPUInfo is a snapshot of what is known about the graphics stack.
type GPUInfo struct {
	GPU           Device   `json:"gpu"`
	SecondaryGPUs []Device `json:"secondary_gpus,omitempty"`
	Optimus       bool     `json:"optimus"`
	AMDSwitchable bool     `json:"amd_switchable"`

	DriverVendor  string `json:"driver_vendor,omitempty"`
	DriverVersion string `json:"driver_version,omitempty"`
	DriverDate    string `json:"driver_date,omitempty"`

	GLVendor     string `json:"gl_vendor,omitempty"`
	GLRenderer   string `json:"gl_renderer,omitempty"`
	GLVersion    string `json:"gl_version,omitempty"`
	GLExtensions string `json:"gl_extensions,omitempty"`
	GLImpl       string `json:"gl_implementation,omitempty"`

	MachineModelName    string `json:"machine_model_name,omitempty"`
	MachineModelVersion string `json:"machine_model_version,omitempty"`

	Sandboxed     bool `json:"sandboxed"`
	GPUAccessible bool `json:"gpu_accessible"`
	InProcessGPU  bool `json:"in_process_gpu"`
	SoftwareGL    bool `json:"software_rendering"`

	BasicInfoState   CollectResult `json:"basic_info_state,omitempty"`
	ContextInfoState CollectResult `json:"context_info_state,omitempty"`

	InitializationTime time.Duration `json:"initialization_time,omitempty"`
}

// IsComplete reports whether both the basic and the GL context pass ran.
func (g *GPUInfo) IsComplete() bool {
	return g.BasicInfoState != CollectNone && g.ContextInfoState != CollectNone
}

// ActiveGPU returns the active device, preferring the primary GPU.
func (g *GPUInfo) ActiveGPU() Device {
	if g.GPU.Active {
		return g.GPU
	}
	for _, d := range g.SecondaryGPUs {
		if d.Active {
			return d
		}
	}
	return g.GPU
}

// Clone returns a deep copy.
func (g *GPUInfo) Clone() GPUInfo {
	c := *g
	c.SecondaryGPUs = append([]Device(nil), g.SecondaryGPUs...)
	return c
}

// Merge folds newly collected info from src into dst. Known values in dst
// are only replaced by non-empty values from src, and collection states
// never move back to "none".
func Merge(dst *GPUInfo, src GPUInfo) {
	if !src.GPU.IsZero() {
		dst.GPU = src.GPU
	}
	if len(src.SecondaryGPUs) > 0 {
		dst.SecondaryGPUs = append([]Device(nil), src.SecondaryGPUs...)
	}
	dst.Optimus = dst.Optimus || src.Optimus
	dst.AMDSwitchable = dst.AMDSwitchable || src.AMDSwitchable

	mergeString(&dst.DriverVendor, src.DriverVendor)
	mergeString(&dst.DriverVersion, src.DriverVersion)
	mergeString(&dst.DriverDate, src.DriverDate)
	mergeString(&dst.GLVendor, src.GLVendor)
	mergeString(&dst.GLRenderer, src.GLRenderer)
	mergeString(&dst.GLVersion, src.GLVersion)
	mergeString(&dst.GLExtensions, src.GLExtensions)
	mergeString(&dst.GLImpl, src.GLImpl)
	mergeString(&dst.MachineModelName, src.MachineModelName)
	mergeString(&dst.MachineModelVersion, src.MachineModelVersion)

	if src.BasicInfoState != CollectNone {
		dst.BasicInfoState = src.BasicInfoState
	}
	if src.ContextInfoState != CollectNone {
		dst.ContextInfoState = src.ContextInfoState
		dst.Sandboxed = src.Sandboxed
		dst.GPUAccessible = src.GPUAccessible
		dst.InProcessGPU = src.InProcessGPU
		dst.SoftwareGL = src.SoftwareGL
	}
	if src.InitializationTime > 0 {
		dst.InitializationTime = src.InitializationTime
	}
}

func mergeString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

// FromCommandLine seeds info from the --gpu-* switches the host passes to
// the child, so the child starts with the host's preliminary view.
func FromCommandLine(cl *switches.CommandLine) GPUInfo {
	var g GPUInfo
	g.GPU.VendorID = parseHexID(cl.GetSwitchValue(switches.GPUVendorID))
	g.GPU.DeviceID = parseHexID(cl.GetSwitchValue(switches.GPUDeviceID))
	g.GPU.Active = true
	g.DriverVendor = cl.GetSwitchValue(switches.GPUDriverVendor)
	g.DriverVersion = cl.GetSwitchValue(switches.GPUDriverVersion)
	g.DriverDate = cl.GetSwitchValue(switches.GPUDriverDate)
	g.AMDSwitchable = cl.HasSwitch(switches.AMDSwitchable)

	vendors := splitList(cl.GetSwitchValue(switches.GPUSecondaryVendorIDs))
	devices := splitList(cl.GetSwitchValue(switches.GPUSecondaryDeviceIDs))
	if len(vendors) == len(devices) {
		for i := range vendors {
			g.SecondaryGPUs = append(g.SecondaryGPUs, Device{
				VendorID: parseHexID(vendors[i]),
				DeviceID: parseHexID(devices[i]),
			})
		}
	}

	if v := cl.GetSwitchValue(switches.GPUActiveVendorID); v != "" {
		av, ad := parseHexID(v), parseHexID(cl.GetSwitchValue(switches.GPUActiveDeviceID))
		g.GPU.Active = g.GPU.VendorID == av && g.GPU.DeviceID == ad
		for i := range g.SecondaryGPUs {
			s := &g.SecondaryGPUs[i]
			s.Active = s.VendorID == av && s.DeviceID == ad
		}
	}

	if !g.GPU.IsZero() {
		g.BasicInfoState = CollectSuccess
	}
	return g
}

// FormatID renders an id the way --gpu-vendor-id expects it.
func FormatID(id uint32) string {
	return fmt.Sprintf("0x%04x", id)
}

func parseHexID(s string) uint32 {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if s == "" {
		return 0
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

// ParseID parses a hex PCI id with or without a 0x prefix.
func ParseID(s string) (uint32, error) {
	t := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	v, err := strconv.ParseUint(t, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("gpuinfo: bad id %q: %w", s, err)
	}
	return uint32(v), nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ";")
}

package gpudata

import (
	"strings"

	"github.com/breeze-rmm/gpuhost/internal/blacklist"
	"github.com/breeze-rmm/gpuhost/internal/gpuinfo"
	"github.com/breeze-rmm/gpuhost/internal/switches"
)

// AppendGpuCommandLine translates the current policy into switches for
// the child process. This is the only place decisions reach the child.
func (m *Manager) AppendGpuCommandLine(cl *switches.CommandLine) {
	if m.opts.HostSwitches != nil {
		cl.CopySwitchesFrom(m.opts.HostSwitches, switches.CopiedFromHost)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.bugs) > 0 {
		cl.AppendSwitchASCII(switches.GPUDriverBugWorkarounds, m.bugs.Join(","))
	}
	if m.bugs.Has(blacklist.WorkaroundDisableD3D11) {
		cl.AppendSwitch(switches.DisableD3D11)
	}
	if len(m.disabledExtensions) > 0 {
		cl.AppendSwitchASCII(switches.DisableGLExtensions, strings.Join(m.disabledExtensions, " "))
	}

	useGL := m.opts.UseGL
	switch {
	case m.useSwiftShader:
		cl.AppendSwitchASCII(switches.UseGL, switches.GLSwiftShader)
	case useGL == switches.GLAny && (m.isFeatureBlacklistedLocked(blacklist.FeatureWebGL) ||
		m.isFeatureBlacklistedLocked(blacklist.FeatureGPUCompositing) ||
		m.isFeatureBlacklistedLocked(blacklist.FeatureAccelerated2DCanvas)):
		cl.AppendSwitchASCII(switches.UseGL, switches.GLOSMesa)
	case useGL != "":
		cl.AppendSwitchASCII(switches.UseGL, useGL)
	}
	if m.isFeatureBlacklistedLocked(blacklist.FeatureAcceleratedVideoDecode) {
		cl.AppendSwitch(switches.DisableAccelVideoDecode)
	}

	if m.opts.SupportsDualGPUs {
		cl.AppendSwitch(switches.SupportsDualGPUs)
	}
	if m.swiftShaderPath != "" {
		cl.AppendSwitchASCII(switches.SwiftShaderPath, m.swiftShaderPath)
	}

	appendGPUInfoSwitches(cl, &m.info)
}

func appendGPUInfoSwitches(cl *switches.CommandLine, info *gpuinfo.GPUInfo) {
	cl.AppendSwitchASCII(switches.GPUVendorID, gpuinfo.FormatID(info.GPU.VendorID))
	cl.AppendSwitchASCII(switches.GPUDeviceID, gpuinfo.FormatID(info.GPU.DeviceID))
	cl.AppendSwitchASCII(switches.GPUDriverVendor, info.DriverVendor)
	cl.AppendSwitchASCII(switches.GPUDriverVersion, info.DriverVersion)
	cl.AppendSwitchASCII(switches.GPUDriverDate, info.DriverDate)

	if len(info.SecondaryGPUs) > 0 {
		vendors := make([]string, len(info.SecondaryGPUs))
		devices := make([]string, len(info.SecondaryGPUs))
		for i, d := range info.SecondaryGPUs {
			vendors[i] = gpuinfo.FormatID(d.VendorID)
			devices[i] = gpuinfo.FormatID(d.DeviceID)
		}
		cl.AppendSwitchASCII(switches.GPUSecondaryVendorIDs, strings.Join(vendors, ";"))
		cl.AppendSwitchASCII(switches.GPUSecondaryDeviceIDs, strings.Join(devices, ";"))

		active := info.ActiveGPU()
		cl.AppendSwitchASCII(switches.GPUActiveVendorID, gpuinfo.FormatID(active.VendorID))
		cl.AppendSwitchASCII(switches.GPUActiveDeviceID, gpuinfo.FormatID(active.DeviceID))
	}
	if info.AMDSwitchable {
		cl.AppendSwitch(switches.AMDSwitchable)
	}
}

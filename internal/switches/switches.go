// Package switches models the child process command line: an ordered list
// of --name[=value] switches plus positional arguments.
package switches

import (
	"strings"
)

// Switch names understood by the GPU child process.
const (
	ProcessType = "type"
	Channel     = "channel"
	LogLevel    = "log-level"

	UseGL                   = "use-gl"
	SwiftShaderPath         = "swiftshader-path"
	SupportsDualGPUs        = "supports-dual-gpus"
	DisableGPUSandbox       = "disable-gpu-sandbox"
	DisableGPUWatchdog      = "disable-gpu-watchdog"
	WatchdogTimeout         = "gpu-watchdog-timeout"
	DisableGLExtensions     = "disable-gl-extensions"
	DisableAccelVideoDecode = "disable-accelerated-video-decode"
	DisableD3D11            = "disable-d3d11"
	AMDSwitchable           = "amd-switchable"

	GPUVendorID               = "gpu-vendor-id"
	GPUDeviceID               = "gpu-device-id"
	GPUDriverVendor           = "gpu-driver-vendor"
	GPUDriverVersion          = "gpu-driver-version"
	GPUDriverDate             = "gpu-driver-date"
	GPUDriverBugWorkarounds   = "gpu-driver-bug-workarounds"
	GPUSecondaryVendorIDs     = "gpu-secondary-vendor-ids"
	GPUSecondaryDeviceIDs     = "gpu-secondary-device-ids"
	GPUActiveVendorID         = "gpu-active-vendor-id"
	GPUActiveDeviceID         = "gpu-active-device-id"
	GPUTestingGLVendor        = "gpu-testing-gl-vendor"
	GPUTestingGLRenderer      = "gpu-testing-gl-renderer"
	EnableGPURasterization    = "enable-gpu-rasterization"
	DisableGPURasterization   = "disable-gpu-rasterization"
	EnableLogging             = "enable-logging"
	DisableShaderNameHashing  = "disable-shader-name-hashing"
	EnableShareGroupAsyncTex  = "enable-share-group-async-texture-upload"
	GPUStartupDialog          = "gpu-startup-dialog"
	DisableGPUProgramCache    = "disable-gpu-program-cache"
	DisableSoftwareRasterizer = "disable-software-rasterizer"
)

// GPUProcessType is the value of --type for the child role.
const GPUProcessType = "gpu-process"

// UseGL values.
const (
	GLDesktop     = "desktop"
	GLEGL         = "egl"
	GLOSMesa      = "osmesa"
	GLSwiftShader = "swiftshader"
	GLAny         = "any"
)

// CopiedFromHost is the fixed allow-list of switches forwarded verbatim
// from the host's own command line to the child.
var CopiedFromHost = []string{
	DisableAccelVideoDecode,
	DisableGLExtensions,
	DisableGPUSandbox,
	DisableGPUWatchdog,
	DisableGPURasterization,
	DisableGPUProgramCache,
	DisableShaderNameHashing,
	EnableGPURasterization,
	EnableLogging,
	EnableShareGroupAsyncTex,
	GPUStartupDialog,
	GPUTestingGLVendor,
	GPUTestingGLRenderer,
	LogLevel,
}

type entry struct {
	name  string
	value string
	has   bool
}

// CommandLine keeps switches in insertion order. Setting a switch that is
// already present replaces its value in place.
type CommandLine struct {
	program  string
	switches []entry
	args     []string
}

// New returns an empty command line for program.
func New(program string) *CommandLine {
	return &CommandLine{program: program}
}

// Parse reads argv (without the program name). Arguments after a bare "--"
// are positional.
func Parse(program string, argv []string) *CommandLine {
	cl := New(program)
	for i, a := range argv {
		if a == "--" {
			cl.args = append(cl.args, argv[i+1:]...)
			break
		}
		if !strings.HasPrefix(a, "--") || len(a) == 2 {
			cl.args = append(cl.args, a)
			continue
		}
		name, value, has := strings.Cut(a[2:], "=")
		cl.set(entry{name: strings.ToLower(name), value: value, has: has})
	}
	return cl
}

func (c *CommandLine) set(e entry) {
	for i := range c.switches {
		if c.switches[i].name == e.name {
			c.switches[i] = e
			return
		}
	}
	c.switches = append(c.switches, e)
}

// Program returns the executable path.
func (c *CommandLine) Program() string { return c.program }

// AppendSwitch adds a boolean switch.
func (c *CommandLine) AppendSwitch(name string) {
	c.set(entry{name: name})
}

// AppendSwitchASCII adds --name=value.
func (c *CommandLine) AppendSwitchASCII(name, value string) {
	c.set(entry{name: name, value: value, has: true})
}

// AppendArg adds a positional argument.
func (c *CommandLine) AppendArg(arg string) {
	c.args = append(c.args, arg)
}

// HasSwitch reports whether name is present.
func (c *CommandLine) HasSwitch(name string) bool {
	for _, e := range c.switches {
		if e.name == name {
			return true
		}
	}
	return false
}

// GetSwitchValue returns the value of name, or "" if absent or boolean.
func (c *CommandLine) GetSwitchValue(name string) string {
	for _, e := range c.switches {
		if e.name == name {
			return e.value
		}
	}
	return ""
}

// CopySwitchesFrom copies the named switches present in src.
func (c *CommandLine) CopySwitchesFrom(src *CommandLine, names []string) {
	for _, n := range names {
		for _, e := range src.switches {
			if e.name == n {
				c.set(e)
			}
		}
	}
}

// Args returns the positional arguments.
func (c *CommandLine) Args() []string {
	return append([]string(nil), c.args...)
}

// Argv renders the switches followed by positional arguments, without the
// program name.
func (c *CommandLine) Argv() []string {
	out := make([]string, 0, len(c.switches)+len(c.args))
	for _, e := range c.switches {
		if e.has {
			out = append(out, "--"+e.name+"="+e.value)
		} else {
			out = append(out, "--"+e.name)
		}
	}
	return append(out, c.args...)
}

// String renders the full command for logging.
func (c *CommandLine) String() string {
	return strings.Join(append([]string{c.program}, c.Argv()...), " ")
}

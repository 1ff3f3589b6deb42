package gpuinfo

import (
	"context"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/breeze-rmm/gpuhost/internal/logging"
)

// OSType is the operating system family rule lists match against.
type OSType string

const (
	OSLinux    OSType = "linux"
	OSWindows  OSType = "win"
	OSMacOSX   OSType = "macosx"
	OSAndroid  OSType = "android"
	OSChromeOS OSType = "chromeos"
	OSAny      OSType = "any"
	OSUnknown  OSType = "unknown"
)

// OSInfo identifies the running OS.
type OSInfo struct {
	Type    OSType `json:"type"`
	Version string `json:"version"`
}

// CurrentOS reports the running OS. A non-empty override replaces the
// detected version string.
func CurrentOS(ctx context.Context, override string) OSInfo {
	info := OSInfo{Type: osTypeFor(runtime.GOOS)}
	if override != "" {
		info.Version = override
		return info
	}
	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		log.Debug("host info unavailable", logging.KeyError, err)
		return info
	}
	switch info.Type {
	case OSLinux:
		// Kernel version is what driver rules key on.
		info.Version = hi.KernelVersion
	default:
		info.Version = hi.PlatformVersion
	}
	return info
}

func osTypeFor(goos string) OSType {
	switch goos {
	case "linux":
		return OSLinux
	case "windows":
		return OSWindows
	case "darwin":
		return OSMacOSX
	case "android":
		return OSAndroid
	}
	return OSUnknown
}

// ParseOSType accepts the names used in rule lists.
func ParseOSType(s string) OSType {
	switch strings.ToLower(s) {
	case "linux":
		return OSLinux
	case "win", "windows":
		return OSWindows
	case "macosx", "mac", "darwin":
		return OSMacOSX
	case "android":
		return OSAndroid
	case "chromeos":
		return OSChromeOS
	case "any", "":
		return OSAny
	}
	return OSUnknown
}

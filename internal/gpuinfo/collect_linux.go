//go:build linux

package gpuinfo

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// sysRoot prefixes sysfs and procfs paths; tests point it at a fake tree.
var sysRoot = "/"

func collectPlatformBasicInfo(ctx context.Context) GPUInfo {
	var g GPUInfo
	devs, driver := scanDRM()
	if len(devs) == 0 {
		devs = runLspci(ctx)
	}
	assign(&g, devs)

	if driver != "" {
		g.DriverVendor, g.DriverVersion = driverIdentity(driver)
	}
	return g
}

// scanDRM walks /sys/class/drm/card*/device. A card flagged boot_vga is
// the primary GPU.
func scanDRM() ([]Device, string) {
	cards, err := filepath.Glob(filepath.Join(sysRoot, "sys/class/drm/card[0-9]*"))
	if err != nil {
		return nil, ""
	}
	sort.Strings(cards)

	var devs []Device
	var primaryDriver string
	seen := make(map[[2]uint32]bool)
	for _, card := range cards {
		if strings.Contains(filepath.Base(card), "-") {
			continue // connector entries such as card0-HDMI-A-1
		}
		dev := filepath.Join(card, "device")
		vendor := parseHexID(readTrim(filepath.Join(dev, "vendor")))
		device := parseHexID(readTrim(filepath.Join(dev, "device")))
		if vendor == 0 {
			continue
		}
		key := [2]uint32{vendor, device}
		if seen[key] {
			continue
		}
		seen[key] = true

		d := Device{VendorID: vendor, DeviceID: device, VendorString: VendorName(vendor)}
		driver := ""
		if target, err := os.Readlink(filepath.Join(dev, "driver")); err == nil {
			driver = filepath.Base(target)
		}
		if readTrim(filepath.Join(dev, "boot_vga")) == "1" {
			d.Active = true
			devs = append([]Device{d}, devs...)
			primaryDriver = driver
			continue
		}
		if primaryDriver == "" && len(devs) == 0 {
			primaryDriver = driver
		}
		devs = append(devs, d)
	}
	if len(devs) > 0 && !hasActive(devs) {
		devs[0].Active = true
	}
	return devs, primaryDriver
}

func hasActive(devs []Device) bool {
	for _, d := range devs {
		if d.Active {
			return true
		}
	}
	return false
}

// driverIdentity maps a kernel driver to the user-space driver vendor and
// reads its version where the kernel exposes one.
func driverIdentity(kernelDriver string) (vendor, version string) {
	switch kernelDriver {
	case "nvidia":
		vendor = "NVIDIA"
		version = nvidiaVersion(readTrim(filepath.Join(sysRoot, "proc/driver/nvidia/version")))
	case "amdgpu", "radeon", "i915", "xe", "nouveau", "virtio-pci", "virtio_gpu":
		vendor = "Mesa"
	default:
		vendor = kernelDriver
	}
	if version == "" {
		version = readTrim(filepath.Join(sysRoot, "sys/module", kernelDriver, "version"))
	}
	return vendor, version
}

// nvidiaVersion extracts "535.54.03" from the first line of
// /proc/driver/nvidia/version.
func nvidiaVersion(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	fields := strings.Fields(line)
	for i, f := range fields {
		if f == "Module" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	for _, f := range fields {
		if strings.Count(f, ".") >= 1 && f[0] >= '0' && f[0] <= '9' {
			return f
		}
	}
	return ""
}

func readTrim(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

package gpuinfo

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/breeze-rmm/gpuhost/internal/logging"
)

var log = logging.L("gpuinfo")

// CollectBasicInfo gathers the preliminary, driver-free view of the
// installed GPUs. It never fails outright; a partial result carries a
// non-fatal failure state.
func CollectBasicInfo(ctx context.Context) GPUInfo {
	start := time.Now()
	g := collectPlatformBasicInfo(ctx)
	if g.GPU.IsZero() {
		g.BasicInfoState = CollectNonFatalFailure
	} else {
		g.BasicInfoState = CollectSuccess
	}
	identifyMultiGPU(&g)
	log.Debug("basic info collected",
		"gpu", g.GPU.String(),
		"secondary", len(g.SecondaryGPUs),
		"state", g.BasicInfoState,
		"elapsed", time.Since(start))
	return g
}

// identifyMultiGPU marks Optimus and AMD switchable configurations.
func identifyMultiGPU(g *GPUInfo) {
	if len(g.SecondaryGPUs) != 1 {
		return
	}
	a, b := g.GPU.VendorID, g.SecondaryGPUs[0].VendorID
	pair := func(x, y uint32) bool { return (a == x && b == y) || (a == y && b == x) }
	switch {
	case pair(VendorIntel, VendorNVIDIA):
		g.Optimus = true
	case pair(VendorIntel, VendorAMD):
		g.AMDSwitchable = true
	}
}

var lspciLine = regexp.MustCompile(`(?i)(VGA compatible controller|3D controller|Display controller).*\[([0-9a-f]{4}):([0-9a-f]{4})\]`)

// parseLspci reads `lspci -nn` output. The first display controller is
// treated as primary and active.
func parseLspci(out []byte) []Device {
	var devs []Device
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		m := lspciLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		d := Device{
			VendorID:     parseHexID(m[2]),
			DeviceID:     parseHexID(m[3]),
			DeviceString: lspciName(line),
		}
		d.VendorString = VendorName(d.VendorID)
		devs = append(devs, d)
	}
	if len(devs) > 0 {
		devs[0].Active = true
	}
	return devs
}

func lspciName(line string) string {
	_, rest, ok := strings.Cut(line, ": ")
	if !ok {
		return ""
	}
	if i := strings.LastIndex(rest, " ["); i > 0 {
		rest = rest[:i]
	}
	return strings.TrimSpace(rest)
}

func runLspci(ctx context.Context) []Device {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "lspci", "-nn").Output()
	if err != nil {
		log.Debug("lspci unavailable", logging.KeyError, err)
		return nil
	}
	return parseLspci(out)
}

func assign(g *GPUInfo, devs []Device) {
	if len(devs) == 0 {
		return
	}
	g.GPU = devs[0]
	g.SecondaryGPUs = append([]Device(nil), devs[1:]...)
}

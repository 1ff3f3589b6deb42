package blacklist

import (
	"sort"

	"github.com/breeze-rmm/gpuhost/internal/gpuinfo"
)

// Reason explains one matching entry.
type Reason struct {
	EntryID     int      `json:"entry_id"`
	Description string   `json:"description"`
	CRBugs      []int    `json:"cr_bugs,omitempty"`
	Features    []string `json:"affected_features,omitempty"`
}

// Decision is the outcome of evaluating a list against one machine.
type Decision struct {
	EntryIDs           []int
	Features           Set
	Workarounds        Set
	DisabledExtensions []string
	Reasons            []Reason
}

// MakeDecision evaluates every entry against os and info. Entries whose
// conditions reference fields info does not yet carry do not match.
func (l *List) MakeDecision(os gpuinfo.OSInfo, info *gpuinfo.GPUInfo) Decision {
	d := Decision{Features: NewSet(), Workarounds: NewSet()}
	exts := make(map[string]bool)
	for _, e := range l.entries {
		if !e.cond.matches(os, info) {
			continue
		}
		excepted := false
		for _, ex := range e.exceptions {
			if ex.matches(os, info) {
				excepted = true
				break
			}
		}
		if excepted {
			continue
		}

		d.EntryIDs = append(d.EntryIDs, e.src.ID)
		r := Reason{EntryID: e.src.ID, Description: e.src.Description, CRBugs: e.src.CRBugs}
		for _, f := range e.features {
			d.Features.AddFeature(f)
			r.Features = append(r.Features, f.String())
		}
		for _, w := range e.workarounds {
			d.Workarounds.Add(w)
		}
		for _, x := range e.src.DisabledExtensions {
			exts[x] = true
		}
		d.Reasons = append(d.Reasons, r)
	}
	for x := range exts {
		d.DisabledExtensions = append(d.DisabledExtensions, x)
	}
	sort.Strings(d.DisabledExtensions)
	return d
}

func (c *compiledConditions) matches(os gpuinfo.OSInfo, info *gpuinfo.GPUInfo) bool {
	if c.osType != gpuinfo.OSAny && c.osType != os.Type {
		return false
	}
	if !c.osVersion.matches(os.Version, false) {
		return false
	}
	if c.vendorID != 0 && !c.matchesDevice(info) {
		return false
	}
	if c.driverVendor != nil && (info.DriverVendor == "" || !c.driverVendor.MatchString(info.DriverVendor)) {
		return false
	}
	if c.driverVer != nil && !c.driverVer.matches(info.DriverVersion, false) {
		return false
	}
	if c.driverDate != nil && !c.driverDate.matches(info.DriverDate, true) {
		return false
	}
	if c.glVendor != nil && (info.GLVendor == "" || !c.glVendor.MatchString(info.GLVendor)) {
		return false
	}
	if c.glRenderer != nil && (info.GLRenderer == "" || !c.glRenderer.MatchString(info.GLRenderer)) {
		return false
	}
	if len(c.models) > 0 && !contains(c.models, info.MachineModelName) {
		return false
	}
	return true
}

func (c *compiledConditions) matchesDevice(info *gpuinfo.GPUInfo) bool {
	var candidates []gpuinfo.Device
	switch c.category {
	case GPUPrimary:
		candidates = []gpuinfo.Device{info.GPU}
	case GPUSecondary:
		candidates = info.SecondaryGPUs
	case GPUActive:
		candidates = []gpuinfo.Device{info.ActiveGPU()}
	case GPUAny:
		candidates = append([]gpuinfo.Device{info.GPU}, info.SecondaryGPUs...)
	}
	for _, dev := range candidates {
		if dev.VendorID != c.vendorID {
			continue
		}
		if len(c.deviceIDs) == 0 {
			return true
		}
		for _, id := range c.deviceIDs {
			if dev.DeviceID == id {
				return true
			}
		}
	}
	return false
}

func contains(list []string, s string) bool {
	if s == "" {
		return false
	}
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

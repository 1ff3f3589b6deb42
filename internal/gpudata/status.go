package gpudata

import (
	"github.com/breeze-rmm/gpuhost/internal/blacklist"
	"github.com/breeze-rmm/gpuhost/internal/domainblock"
	"github.com/breeze-rmm/gpuhost/internal/gpuinfo"
)

// Feature status values shown in diagnostics.
const (
	StatusEnabled     = "enabled"
	StatusSoftware    = "software"
	StatusDisabled    = "disabled"
	StatusUnavailable = "unavailable"
)

// Snapshot is the diagnostics view of the manager.
type Snapshot struct {
	OS                 gpuinfo.OSInfo         `json:"os"`
	Info               gpuinfo.GPUInfo        `json:"gpu_info"`
	AccessAllowed      bool                   `json:"gpu_access_allowed"`
	AccessReason       string                 `json:"gpu_access_reason,omitempty"`
	UseSwiftShader     bool                   `json:"use_swiftshader"`
	HardwareEnabled    bool                   `json:"hardware_acceleration_enabled"`
	FeatureStatus      map[string]string      `json:"feature_status"`
	Reasons            []blacklist.Reason     `json:"problems,omitempty"`
	Workarounds        []string               `json:"driver_bug_workarounds,omitempty"`
	DisabledExtensions []string               `json:"disabled_extensions,omitempty"`
	BlacklistVersion   string                 `json:"blacklist_version,omitempty"`
	BugListVersion     string                 `json:"driver_bug_list_version,omitempty"`
	BlockedDomains     []domainblock.Entry    `json:"blocked_domains"`
	LogMessages        []LogMessage           `json:"log_messages,omitempty"`
	MemoryStats        gpuinfo.MemoryUmaStats `json:"memory_stats"`
	FieldTrials        []string               `json:"field_trials,omitempty"`
}

// Snapshot collects everything diagnostics shows in one lock hold.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	allowed, reason := m.gpuAccessAllowedLocked()
	s := Snapshot{
		OS:                 m.os,
		Info:               m.info.Clone(),
		AccessAllowed:      allowed,
		AccessReason:       reason,
		UseSwiftShader:     m.useSwiftShader,
		HardwareEnabled:    !m.cardBlacklisted,
		FeatureStatus:      make(map[string]string, blacklist.NumFeatures),
		Reasons:            append([]blacklist.Reason(nil), m.reasons...),
		DisabledExtensions: append([]string(nil), m.disabledExtensions...),
		LogMessages:        append([]LogMessage(nil), m.logMessages...),
		MemoryStats:        m.umaStats,
	}
	for _, f := range blacklist.AllFeatures() {
		s.FeatureStatus[f.String()] = m.featureStatusLocked(f, allowed)
	}
	for _, id := range m.bugs.Sorted() {
		s.Workarounds = append(s.Workarounds, blacklist.WorkaroundName(id))
	}
	if m.blacklistRules != nil {
		s.BlacklistVersion = m.blacklistRules.Version()
	}
	if m.bugRules != nil {
		s.BugListVersion = m.bugRules.Version()
	}
	for n := range m.fieldTrials {
		s.FieldTrials = append(s.FieldTrials, n)
	}
	m.mu.Unlock()

	s.BlockedDomains = m.domains.Snapshot()
	return s
}

func (m *Manager) featureStatusLocked(f blacklist.Feature, accessAllowed bool) string {
	switch {
	case !accessAllowed:
		return StatusUnavailable
	case m.isFeatureBlacklistedLocked(f):
		return StatusDisabled
	case m.useSwiftShader:
		return StatusSoftware
	}
	return StatusEnabled
}

// Package gpudata owns the host's view of the GPU: the collected GPUInfo,
// the blacklist and workaround decisions derived from it, the access gate,
// software fallback state and per-domain 3D API blocking.
package gpudata

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/breeze-rmm/gpuhost/internal/blacklist"
	"github.com/breeze-rmm/gpuhost/internal/domainblock"
	"github.com/breeze-rmm/gpuhost/internal/gpuinfo"
	"github.com/breeze-rmm/gpuhost/internal/logging"
	"github.com/breeze-rmm/gpuhost/internal/switches"
)

var log = logging.L("gpudata")

// Access denial reasons reported by GpuAccessAllowed.
const (
	ReasonLaunchFailed       = "GPU process launch failed."
	ReasonDisabledBySwitch   = "GPU access is disabled through commandline switch --disable-gpu."
	ReasonDisabledInSettings = "GPU access is disabled in settings."
	ReasonFullInfoRegressed  = "Features are disabled upon full but not preliminary GPU info."
	ReasonAllBlacklisted     = "All GPU features are blacklisted."
)

const defaultMaxLogMessages = 1000

// Options configures a Manager.
type Options struct {
	DisableGPU                bool
	DisableDomainBlocking     bool
	DisableSoftwareRasterizer bool
	// UseGL is the --use-gl value the host was configured with.
	UseGL string
	// ForcedWorkarounds are added to the driver bug list decision.
	ForcedWorkarounds []int
	// SupportsDualGPUs is passed through to the child.
	SupportsDualGPUs bool
	// HostSwitches are the host's own switches; allow-listed ones are
	// copied to the child.
	HostSwitches *switches.CommandLine
	// OS overrides detection when Type is set.
	OS gpuinfo.OSInfo
	// OSVersion overrides only the detected version string.
	OSVersion      string
	MaxLogMessages int
	Now            func() time.Time
}

// LogMessage is one entry of the GPU log shown in diagnostics.
type LogMessage struct {
	Time    time.Time  `json:"time"`
	Level   slog.Level `json:"level"`
	Header  string     `json:"header"`
	Message string     `json:"message"`
}

// Manager is a monitor: every public method takes the one lock for its
// duration. Observers are notified after the lock is released.
type Manager struct {
	opts    Options
	now     func() time.Time
	domains *domainblock.Tracker

	mu                    sync.Mutex
	os                    gpuinfo.OSInfo
	info                  gpuinfo.GPUInfo
	blacklistRules        *blacklist.List
	bugRules              *blacklist.List
	blacklisted           blacklist.Set
	preliminary           blacklist.Set
	bugs                  blacklist.Set
	disabledExtensions    []string
	reasons               []blacklist.Reason
	cardBlacklisted       bool
	disabledBySwitch      bool
	useSwiftShader        bool
	swiftShaderPath       string
	gpuProcessAccessible  bool
	completeInfoRequested bool
	logMessages           []LogMessage
	fieldTrials           map[string]time.Time
	umaStats              gpuinfo.MemoryUmaStats
	requester             ProcessRequester

	obsMu     sync.Mutex
	observers []Observer
}

// New returns a manager with empty rule lists. Call Initialize before use.
func New(opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.MaxLogMessages <= 0 {
		opts.MaxLogMessages = defaultMaxLogMessages
	}
	return &Manager{
		opts:                 opts,
		now:                  now,
		domains:              domainblock.New(!opts.DisableDomainBlocking),
		blacklisted:          blacklist.NewSet(),
		preliminary:          blacklist.NewSet(),
		bugs:                 blacklist.NewSet(),
		gpuProcessAccessible: true,
		fieldTrials:          make(map[string]time.Time),
	}
}

// Initialize installs the rule lists and the preliminary GPUInfo. The
// blacklist computed here becomes the preliminary decision that later full
// info may not exceed.
func (m *Manager) Initialize(ctx context.Context, blacklistRules, bugRules *blacklist.List, info gpuinfo.GPUInfo) {
	osInfo := m.opts.OS
	if osInfo.Type == "" {
		osInfo = gpuinfo.CurrentOS(ctx, m.opts.OSVersion)
	}

	m.mu.Lock()
	m.os = osInfo
	m.blacklistRules = blacklistRules
	m.bugRules = bugRules
	if m.opts.DisableGPU {
		m.cardBlacklisted = true
		m.disabledBySwitch = true
	}
	m.updateGpuInfoLocked(info)
	m.preliminary = m.blacklisted.Clone()
	log.Info("gpu data initialized",
		"os", osInfo.Type, "osVersion", osInfo.Version,
		"gpu", m.info.GPU.String(),
		"blacklisted", m.blacklisted.Sorted(),
		"workarounds", m.bugs.Sorted())
	m.mu.Unlock()

	m.notifyGpuInfoUpdate()
}

// ReplaceRules swaps in reloaded rule lists and recomputes decisions
// against the current info. A nil list keeps the current one.
func (m *Manager) ReplaceRules(blacklistRules, bugRules *blacklist.List) {
	m.mu.Lock()
	if blacklistRules != nil {
		m.blacklistRules = blacklistRules
	}
	if bugRules != nil {
		m.bugRules = bugRules
	}
	m.recomputeLocked()
	m.mu.Unlock()

	m.notifyGpuInfoUpdate()
}

// UpdateGpuInfo merges newly collected info and recomputes the decisions.
// It is ignored while the software renderer is in use.
func (m *Manager) UpdateGpuInfo(info gpuinfo.GPUInfo) {
	m.mu.Lock()
	if m.useSwiftShader {
		m.mu.Unlock()
		return
	}
	m.updateGpuInfoLocked(info)
	m.mu.Unlock()

	m.notifyGpuInfoUpdate()
}

func (m *Manager) updateGpuInfoLocked(info gpuinfo.GPUInfo) {
	gpuinfo.Merge(&m.info, info)
	if m.info.IsComplete() {
		m.completeInfoRequested = true
	}
	m.recomputeLocked()
}

func (m *Manager) recomputeLocked() {
	features := blacklist.NewSet()
	m.reasons = nil
	if m.blacklistRules != nil {
		d := m.blacklistRules.MakeDecision(m.os, &m.info)
		features = d.Features
		m.reasons = d.Reasons
	}

	m.bugs = blacklist.NewSet()
	m.disabledExtensions = nil
	if m.bugRules != nil {
		d := m.bugRules.MakeDecision(m.os, &m.info)
		m.bugs = d.Workarounds
		m.disabledExtensions = d.DisabledExtensions
	}
	for _, id := range m.opts.ForcedWorkarounds {
		m.bugs.Add(id)
	}

	m.updateBlacklistedFeaturesLocked(features)
}

func (m *Manager) updateBlacklistedFeaturesLocked(features blacklist.Set) {
	m.blacklisted = features
	if m.cardBlacklisted {
		m.blacklisted.AddFeature(blacklist.FeatureWebGL)
		m.blacklisted.AddFeature(blacklist.FeatureGPUCompositing)
	}
	m.enableSwiftShaderIfNecessaryLocked()
}

func (m *Manager) enableSwiftShaderIfNecessaryLocked() {
	allowed, _ := m.gpuAccessAllowedLocked()
	if allowed && !m.blacklisted.HasFeature(blacklist.FeatureWebGL) {
		return
	}
	if m.swiftShaderPath != "" && !m.opts.DisableSoftwareRasterizer {
		if !m.useSwiftShader {
			log.Info("switching to software rendering", "path", m.swiftShaderPath)
		}
		m.useSwiftShader = true
	}
}

// GpuAccessAllowed reports whether the GPU may be used at all, with a
// reason when it may not. It is evaluated afresh on every call.
func (m *Manager) GpuAccessAllowed() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gpuAccessAllowedLocked()
}

func (m *Manager) gpuAccessAllowedLocked() (bool, string) {
	if m.useSwiftShader {
		return true, ""
	}
	if !m.gpuProcessAccessible {
		return false, ReasonLaunchFailed
	}
	if m.cardBlacklisted {
		if m.disabledBySwitch {
			return false, ReasonDisabledBySwitch
		}
		return false, ReasonDisabledInSettings
	}
	// Never grant less than the preliminary decision promised: if full info
	// blacklists more, revoke access outright.
	if len(m.preliminary.Union(m.blacklisted)) > len(m.preliminary) {
		return false, ReasonFullInfoRegressed
	}
	// Linux still launches the child so it can collect full info.
	if len(m.blacklisted) == blacklist.NumFeatures && m.os.Type != gpuinfo.OSLinux {
		return false, ReasonAllBlacklisted
	}
	return true, ""
}

// IsFeatureBlacklisted reports f's state. Under the software renderer
// only 2D canvas acceleration counts as blacklisted.
func (m *Manager) IsFeatureBlacklisted(f blacklist.Feature) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isFeatureBlacklistedLocked(f)
}

func (m *Manager) isFeatureBlacklistedLocked(f blacklist.Feature) bool {
	if m.useSwiftShader {
		return f == blacklist.FeatureAccelerated2DCanvas
	}
	return m.blacklisted.HasFeature(f)
}

// BlacklistedFeatureCount is 1 under the software renderer, otherwise the
// size of the blacklist decision.
func (m *Manager) BlacklistedFeatureCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.useSwiftShader {
		return 1
	}
	return len(m.blacklisted)
}

// BlacklistedFeatures returns a copy of the current decision.
func (m *Manager) BlacklistedFeatures() blacklist.Set {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blacklisted.Clone()
}

// IsDriverBugWorkaroundActive reports whether workaround id applies.
func (m *Manager) IsDriverBugWorkaroundActive(id int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bugs.Has(id)
}

// DriverBugWorkarounds returns the active workaround ids.
func (m *Manager) DriverBugWorkarounds() blacklist.Set {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bugs.Clone()
}

// DisableHardwareAcceleration blacklists every feature for the rest of
// the session and falls back to software rendering when possible.
func (m *Manager) DisableHardwareAcceleration() {
	m.mu.Lock()
	m.cardBlacklisted = true
	for _, f := range blacklist.AllFeatures() {
		m.blacklisted.AddFeature(f)
	}
	m.enableSwiftShaderIfNecessaryLocked()
	m.mu.Unlock()

	log.Warn("hardware acceleration disabled")
	m.notifyGpuInfoUpdate()
}

// HardwareAccelerationEnabled is false once the card is blacklisted.
func (m *Manager) HardwareAccelerationEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.cardBlacklisted
}

// RegisterSwiftShaderPath records where the software renderer lives and
// switches to it if hardware access is already denied.
func (m *Manager) RegisterSwiftShaderPath(path string) {
	m.mu.Lock()
	m.swiftShaderPath = path
	m.enableSwiftShaderIfNecessaryLocked()
	m.mu.Unlock()

	m.notifyGpuInfoUpdate()
}

// ShouldUseSwiftShader reports whether the software renderer is active.
func (m *Manager) ShouldUseSwiftShader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.useSwiftShader
}

// OnGpuProcessInitFailure records that the child could not initialize GL.
func (m *Manager) OnGpuProcessInitFailure() {
	m.mu.Lock()
	m.gpuProcessAccessible = false
	m.info.ContextInfoState = gpuinfo.CollectFatalFailure
	m.mu.Unlock()

	m.notifyGpuInfoUpdate()
}

// GPUInfo returns a copy of the current info.
func (m *Manager) GPUInfo() gpuinfo.GPUInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info.Clone()
}

// OS returns the OS the decisions were made for.
func (m *Manager) OS() gpuinfo.OSInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.os
}

// IsCompleteGpuInfoAvailable reports whether the child has reported GL
// context info.
func (m *Manager) IsCompleteGpuInfoAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info.IsComplete()
}

// SetProcessRequester connects the manager to the process registry.
func (m *Manager) SetProcessRequester(r ProcessRequester) {
	m.mu.Lock()
	m.requester = r
	m.mu.Unlock()
}

// RequestCompleteGpuInfoIfNeeded asks the unsandboxed child for full info
// once per session.
func (m *Manager) RequestCompleteGpuInfoIfNeeded() {
	m.mu.Lock()
	if m.completeInfoRequested || m.info.IsComplete() || m.requester == nil {
		m.mu.Unlock()
		return
	}
	m.completeInfoRequested = true
	r := m.requester
	m.mu.Unlock()

	r.RequestCompleteGpuInfo()
}

// RequestVideoMemoryUsageStatsUpdate asks the child for current stats.
// Observers receive them via OnVideoMemoryUsageStatsUpdate.
func (m *Manager) RequestVideoMemoryUsageStatsUpdate() {
	m.mu.Lock()
	r := m.requester
	m.mu.Unlock()
	if r != nil {
		r.RequestVideoMemoryUsageStats()
	}
}

// UpdateVideoMemoryUsageStats forwards stats from the child to observers.
func (m *Manager) UpdateVideoMemoryUsageStats(stats gpuinfo.VideoMemoryUsageStats) {
	m.notify(func(o Observer) { o.OnVideoMemoryUsageStatsUpdate(stats) })
}

// UpdateMemoryUmaStats records the child's periodic memory report.
func (m *Manager) UpdateMemoryUmaStats(stats gpuinfo.MemoryUmaStats) {
	m.mu.Lock()
	m.umaStats = stats
	m.mu.Unlock()
}

// MemoryUmaStats returns the last memory report.
func (m *Manager) MemoryUmaStats() gpuinfo.MemoryUmaStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.umaStats
}

// ProcessCrashed tells observers the child exited abnormally.
func (m *Manager) ProcessCrashed(exitCode int) {
	m.notify(func(o Observer) { o.OnGpuProcessCrashed(exitCode) })
}

// HandleGpuSwitch is called when the OS switches the active GPU.
func (m *Manager) HandleGpuSwitch() {
	m.notify(func(o Observer) { o.OnGpuSwitching() })
}

// AddLogMessage appends to the bounded GPU log. The oldest entries are
// dropped first.
func (m *Manager) AddLogMessage(level slog.Level, header, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logMessages = append(m.logMessages, LogMessage{Time: m.now(), Level: level, Header: header, Message: message})
	if over := len(m.logMessages) - m.opts.MaxLogMessages; over > 0 {
		m.logMessages = append(m.logMessages[:0:0], m.logMessages[over:]...)
	}
}

// LogMessages returns a copy of the GPU log.
func (m *Manager) LogMessages() []LogMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LogMessage(nil), m.logMessages...)
}

// RecordFieldTrial notes a field trial the child activated.
func (m *Manager) RecordFieldTrial(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fieldTrials[name]; !ok {
		m.fieldTrials[name] = m.now()
	}
}

// FieldTrials returns the names of activated trials.
func (m *Manager) FieldTrials() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.fieldTrials))
	for n := range m.fieldTrials {
		out = append(out, n)
	}
	return out
}

// AddObserver registers o. Adding the same observer twice notifies it twice.
func (m *Manager) AddObserver(o Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, o)
}

// RemoveObserver unregisters o.
func (m *Manager) RemoveObserver(o Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	for i, x := range m.observers {
		if x == o {
			m.observers = append(m.observers[:i], m.observers[i+1:]...)
			return
		}
	}
}

func (m *Manager) notifyGpuInfoUpdate() {
	m.notify(func(o Observer) { o.OnGpuInfoUpdate() })
}

// notify must be called without m.mu held.
func (m *Manager) notify(fn func(Observer)) {
	m.obsMu.Lock()
	obs := append([]Observer(nil), m.observers...)
	m.obsMu.Unlock()
	for _, o := range obs {
		fn(o)
	}
}

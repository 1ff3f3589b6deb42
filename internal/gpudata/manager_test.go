package gpudata

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/breeze-rmm/gpuhost/internal/blacklist"
	"github.com/breeze-rmm/gpuhost/internal/domainblock"
	"github.com/breeze-rmm/gpuhost/internal/gpuinfo"
	"github.com/breeze-rmm/gpuhost/internal/switches"
)

var (
	windows = gpuinfo.OSInfo{Type: gpuinfo.OSWindows, Version: "10.0.19045"}
	linux   = gpuinfo.OSInfo{Type: gpuinfo.OSLinux, Version: "6.1.0"}
)

const emptyList = `{"name":"empty","version":"1","entries":[]}`

func list(t *testing.T, src string) *blacklist.List {
	t.Helper()
	l, err := blacklist.LoadJSON([]byte(src))
	if err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	return l
}

func nvidiaInfo() gpuinfo.GPUInfo {
	return gpuinfo.GPUInfo{
		GPU:            gpuinfo.Device{VendorID: gpuinfo.VendorNVIDIA, DeviceID: 0x0640, Active: true},
		DriverVendor:   "NVIDIA",
		DriverVersion:  "535.54.03",
		BasicInfoState: gpuinfo.CollectSuccess,
	}
}

func newManager(t *testing.T, opts Options, blacklistSrc, bugSrc string) *Manager {
	t.Helper()
	if opts.OS.Type == "" {
		opts.OS = windows
	}
	m := New(opts)
	m.Initialize(context.Background(), list(t, blacklistSrc), list(t, bugSrc), nvidiaInfo())
	return m
}

func TestGpuAccessAllowedByDefault(t *testing.T) {
	m := newManager(t, Options{}, emptyList, emptyList)
	if ok, reason := m.GpuAccessAllowed(); !ok {
		t.Fatalf("access denied: %s", reason)
	}
	if m.BlacklistedFeatureCount() != 0 {
		t.Fatalf("count = %d, want 0", m.BlacklistedFeatureCount())
	}
}

func TestAllFeaturesBlacklistedDeniesExceptOnLinux(t *testing.T) {
	all := `{"name":"t","version":"1","entries":[{"id":1,"features":["all"]}]}`

	m := newManager(t, Options{OS: windows}, all, emptyList)
	ok, reason := m.GpuAccessAllowed()
	if ok || reason != ReasonAllBlacklisted {
		t.Fatalf("windows: ok=%v reason=%q", ok, reason)
	}

	m = newManager(t, Options{OS: linux}, all, emptyList)
	if ok, reason := m.GpuAccessAllowed(); !ok {
		t.Fatalf("linux should still allow launch, got %q", reason)
	}
}

func TestFullInfoRegressionRevokesAccess(t *testing.T) {
	src := `{"name":"t","version":"1","entries":[{"id":1,"gl_vendor":"Evil.*","features":["webgl"]}]}`
	m := newManager(t, Options{}, src, emptyList)
	if ok, _ := m.GpuAccessAllowed(); !ok {
		t.Fatal("preliminary info should allow access")
	}

	m.UpdateGpuInfo(gpuinfo.GPUInfo{GLVendor: "Evil Corp", ContextInfoState: gpuinfo.CollectSuccess})

	ok, reason := m.GpuAccessAllowed()
	if ok || reason != ReasonFullInfoRegressed {
		t.Fatalf("ok=%v reason=%q, want regression denial", ok, reason)
	}
}

func TestInitFailureDeniesAccess(t *testing.T) {
	m := newManager(t, Options{}, emptyList, emptyList)
	m.OnGpuProcessInitFailure()
	ok, reason := m.GpuAccessAllowed()
	if ok || reason != ReasonLaunchFailed {
		t.Fatalf("ok=%v reason=%q", ok, reason)
	}
	if m.GPUInfo().ContextInfoState != gpuinfo.CollectFatalFailure {
		t.Fatal("context info state should be fatal failure")
	}
}

func TestDisableGPUSwitchReason(t *testing.T) {
	m := newManager(t, Options{DisableGPU: true}, emptyList, emptyList)
	ok, reason := m.GpuAccessAllowed()
	if ok || reason != ReasonDisabledBySwitch {
		t.Fatalf("ok=%v reason=%q", ok, reason)
	}
	// A card blacklisted by switch loses webgl and compositing only.
	if got := m.BlacklistedFeatureCount(); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}
	if !m.IsFeatureBlacklisted(blacklist.FeatureWebGL) || !m.IsFeatureBlacklisted(blacklist.FeatureGPUCompositing) {
		t.Fatal("webgl and gpu_compositing should be blacklisted")
	}
}

func TestDisableHardwareAccelerationBlacklistsEverything(t *testing.T) {
	m := newManager(t, Options{}, emptyList, emptyList)
	m.DisableHardwareAcceleration()

	if got := m.BlacklistedFeatureCount(); got != blacklist.NumFeatures {
		t.Fatalf("count = %d, want %d", got, blacklist.NumFeatures)
	}
	ok, reason := m.GpuAccessAllowed()
	if ok || reason != ReasonDisabledInSettings {
		t.Fatalf("ok=%v reason=%q", ok, reason)
	}
	if m.HardwareAccelerationEnabled() {
		t.Fatal("hardware acceleration should be reported disabled")
	}
}

func TestRecomputeAfterHardwareDisabledKeepsCardFeatures(t *testing.T) {
	m := newManager(t, Options{}, emptyList, emptyList)
	m.DisableHardwareAcceleration()
	m.UpdateGpuInfo(nvidiaInfo())

	got := m.BlacklistedFeatures().Sorted()
	want := []int{int(blacklist.FeatureGPUCompositing), int(blacklist.FeatureWebGL)}
	if !slices.Equal(got, want) {
		t.Fatalf("blacklisted = %v, want %v", got, want)
	}
	if m.BlacklistedFeatureCount() != 2 {
		t.Fatalf("count = %d, want 2", m.BlacklistedFeatureCount())
	}
	if ok, _ := m.GpuAccessAllowed(); ok {
		t.Fatal("access should stay denied once the card is blacklisted")
	}

	m.ReplaceRules(list(t, emptyList), nil)
	if m.BlacklistedFeatureCount() != 2 {
		t.Fatalf("count after reload = %d, want 2", m.BlacklistedFeatureCount())
	}
}

type swiftShaderState struct {
	access, swiftShader bool
	count               int
	canvas, webgl       bool
}

func stateOf(m *Manager) swiftShaderState {
	ok, _ := m.GpuAccessAllowed()
	return swiftShaderState{
		access:      ok,
		swiftShader: m.ShouldUseSwiftShader(),
		count:       m.BlacklistedFeatureCount(),
		canvas:      m.IsFeatureBlacklisted(blacklist.FeatureAccelerated2DCanvas),
		webgl:       m.IsFeatureBlacklisted(blacklist.FeatureWebGL),
	}
}

func TestSwiftShaderAfterBlacklist(t *testing.T) {
	m := newManager(t, Options{}, emptyList, emptyList)
	m.DisableHardwareAcceleration()

	if ok, _ := m.GpuAccessAllowed(); ok || m.ShouldUseSwiftShader() {
		t.Fatal("before registering: access should be denied without software fallback")
	}

	m.RegisterSwiftShaderPath("/opt/swiftshader")

	want := swiftShaderState{access: true, swiftShader: true, count: 1, canvas: true, webgl: false}
	if got := stateOf(m); got != want {
		t.Fatalf("state = %+v, want %+v", got, want)
	}
}

func TestSwiftShaderOrderDoesNotMatter(t *testing.T) {
	a := newManager(t, Options{}, emptyList, emptyList)
	a.DisableHardwareAcceleration()
	a.RegisterSwiftShaderPath("/opt/swiftshader")

	b := newManager(t, Options{}, emptyList, emptyList)
	b.RegisterSwiftShaderPath("/opt/swiftshader")
	if b.ShouldUseSwiftShader() {
		t.Fatal("registering alone must not force software rendering")
	}
	b.DisableHardwareAcceleration()

	if sa, sb := stateOf(a), stateOf(b); sa != sb {
		t.Fatalf("blacklist-then-register %+v != register-then-blacklist %+v", sa, sb)
	}
}

func TestSwiftShaderForBlacklistedWebGL(t *testing.T) {
	src := `{"name":"t","version":"1","entries":[{"id":1,"features":["webgl"]}]}`
	m := newManager(t, Options{}, src, emptyList)
	m.RegisterSwiftShaderPath("/opt/swiftshader")
	if !m.ShouldUseSwiftShader() {
		t.Fatal("blacklisted webgl should enable the software renderer")
	}
	before := m.GPUInfo()
	m.UpdateGpuInfo(gpuinfo.GPUInfo{GLRenderer: "ignored"})
	if m.GPUInfo().GLRenderer != before.GLRenderer {
		t.Fatal("info updates must be ignored under the software renderer")
	}
}

func TestDisableSoftwareRasterizerKeepsHardwarePath(t *testing.T) {
	m := newManager(t, Options{DisableSoftwareRasterizer: true}, emptyList, emptyList)
	m.DisableHardwareAcceleration()
	m.RegisterSwiftShaderPath("/opt/swiftshader")
	if m.ShouldUseSwiftShader() {
		t.Fatal("software rasterizer disabled by config")
	}
}

func TestAppendGpuCommandLineWorkarounds(t *testing.T) {
	tests := []struct {
		name string
		bugs string
		want string
	}{
		{"single", `{"name":"b","version":"1","entries":[{"id":1,"workarounds":["disable_d3d11"]}]}`, "5"},
		{"two", `{"name":"b","version":"1","entries":[
			{"id":1,"workarounds":["exit_on_context_lost"]},
			{"id":2,"workarounds":["disable_d3d11"]}]}`, "5,7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newManager(t, Options{}, emptyList, tt.bugs)
			cl := switches.New("gpuhost")
			m.AppendGpuCommandLine(cl)
			if got := cl.GetSwitchValue(switches.GPUDriverBugWorkarounds); got != tt.want {
				t.Fatalf("workarounds = %q, want %q", got, tt.want)
			}
			if !cl.HasSwitch(switches.DisableD3D11) {
				t.Fatal("disable_d3d11 workaround should add --disable-d3d11")
			}
		})
	}
}

func TestAppendGpuCommandLineForcedWorkaroundsAndIDs(t *testing.T) {
	m := newManager(t, Options{ForcedWorkarounds: []int{12}}, emptyList, emptyList)
	cl := switches.New("gpuhost")
	m.AppendGpuCommandLine(cl)

	checks := map[string]string{
		switches.GPUDriverBugWorkarounds: "12",
		switches.GPUVendorID:             "0x10de",
		switches.GPUDeviceID:             "0x0640",
		switches.GPUDriverVendor:         "NVIDIA",
		switches.GPUDriverVersion:        "535.54.03",
	}
	for sw, want := range checks {
		if got := cl.GetSwitchValue(sw); got != want {
			t.Errorf("--%s = %q, want %q", sw, got, want)
		}
	}
	if !m.IsDriverBugWorkaroundActive(12) {
		t.Error("forced workaround should be active")
	}
}

func TestAppendGpuCommandLineUseGL(t *testing.T) {
	webgl := `{"name":"t","version":"1","entries":[{"id":1,"features":["webgl"]}]}`

	m := newManager(t, Options{UseGL: switches.GLAny}, webgl, emptyList)
	cl := switches.New("gpuhost")
	m.AppendGpuCommandLine(cl)
	if got := cl.GetSwitchValue(switches.UseGL); got != switches.GLOSMesa {
		t.Fatalf("use-gl = %q, want osmesa", got)
	}

	m = newManager(t, Options{UseGL: switches.GLEGL}, emptyList, emptyList)
	cl = switches.New("gpuhost")
	m.AppendGpuCommandLine(cl)
	if got := cl.GetSwitchValue(switches.UseGL); got != switches.GLEGL {
		t.Fatalf("use-gl = %q, want egl", got)
	}

	m.DisableHardwareAcceleration()
	m.RegisterSwiftShaderPath("/opt/ss")
	cl = switches.New("gpuhost")
	m.AppendGpuCommandLine(cl)
	if got := cl.GetSwitchValue(switches.UseGL); got != switches.GLSwiftShader {
		t.Fatalf("use-gl = %q, want swiftshader", got)
	}
	if cl.GetSwitchValue(switches.SwiftShaderPath) != "/opt/ss" {
		t.Fatal("swiftshader path not passed")
	}
}

func TestAppendGpuCommandLineCopiesAllowListedHostSwitches(t *testing.T) {
	host := switches.Parse("gpuhost", []string{"--enable-logging", "--not-allowed"})
	m := newManager(t, Options{HostSwitches: host}, emptyList, emptyList)
	cl := switches.New("gpuhost")
	m.AppendGpuCommandLine(cl)
	if !cl.HasSwitch(switches.EnableLogging) || cl.HasSwitch("not-allowed") {
		t.Fatalf("argv = %v", cl.Argv())
	}
}

// reentrantObserver calls back into the manager from its callback, which
// would deadlock if notification happened under the lock.
type reentrantObserver struct {
	NopObserver
	m       *Manager
	mu      sync.Mutex
	updates int
	allowed bool
}

func (o *reentrantObserver) OnGpuInfoUpdate() {
	ok, _ := o.m.GpuAccessAllowed()
	o.mu.Lock()
	o.updates++
	o.allowed = ok
	o.mu.Unlock()
}

func TestObserversRunWithoutLock(t *testing.T) {
	m := newManager(t, Options{}, emptyList, emptyList)
	o := &reentrantObserver{m: m}
	m.AddObserver(o)

	done := make(chan struct{})
	go func() {
		m.UpdateGpuInfo(gpuinfo.GPUInfo{GLVendor: "NVIDIA Corporation"})
		m.DisableHardwareAcceleration()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("observer callback deadlocked")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.updates != 2 || o.allowed {
		t.Fatalf("updates=%d allowed=%v", o.updates, o.allowed)
	}

	m.RemoveObserver(o)
	m.DisableHardwareAcceleration()
	if o.updates != 2 {
		t.Fatal("removed observer was notified")
	}
}

type blockObserver struct {
	NopObserver
	got chan string
}

func (o *blockObserver) OnDidBlock3DAPIs(url string, _ Requester) { o.got <- url }

func TestAre3DAPIsBlockedNotifiesObservers(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := newManager(t, Options{Now: func() time.Time { return now }}, emptyList, emptyList)
	o := &blockObserver{got: make(chan string, 1)}
	m.AddObserver(o)

	m.BlockDomainFrom3DAPIs("http://www.example.com/game", domainblock.GuiltKnown)
	if st := m.Are3DAPIsBlocked("http://www.example.com/other", RequesterWebGL); st != domainblock.Blocked {
		t.Fatalf("status = %v", st)
	}
	select {
	case url := <-o.got:
		if url != "http://www.example.com/other" {
			t.Fatalf("url = %q", url)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("observer not notified")
	}

	m.UnblockDomainFrom3DAPIs("http://www.example.com/")
	if st := m.Are3DAPIsBlocked("http://www.example.com/", RequesterWebGL); st != domainblock.NotBlocked {
		t.Fatalf("after unblock status = %v", st)
	}
}

func TestDomainBlockingDisabled(t *testing.T) {
	m := newManager(t, Options{DisableDomainBlocking: true}, emptyList, emptyList)
	m.BlockDomainFrom3DAPIs("http://www.example.com/", domainblock.GuiltKnown)
	if st := m.Are3DAPIsBlocked("http://www.example.com/", RequesterPepper3D); st != domainblock.NotBlocked {
		t.Fatalf("status = %v", st)
	}
}

func TestLogMessagesAreBounded(t *testing.T) {
	m := newManager(t, Options{MaxLogMessages: 3}, emptyList, emptyList)
	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		m.AddLogMessage(slog.LevelError, "gpu", msg)
	}
	got := m.LogMessages()
	if len(got) != 3 || got[0].Message != "c" || got[2].Message != "e" {
		t.Fatalf("messages = %+v", got)
	}
}

type fakeRequester struct {
	complete, stats int
}

func (f *fakeRequester) RequestCompleteGpuInfo()       { f.complete++ }
func (f *fakeRequester) RequestVideoMemoryUsageStats() { f.stats++ }

func TestRequestCompleteGpuInfoOnce(t *testing.T) {
	m := newManager(t, Options{}, emptyList, emptyList)
	r := &fakeRequester{}
	m.SetProcessRequester(r)

	m.RequestCompleteGpuInfoIfNeeded()
	m.RequestCompleteGpuInfoIfNeeded()
	if r.complete != 1 {
		t.Fatalf("complete requests = %d, want 1", r.complete)
	}

	m.RequestVideoMemoryUsageStatsUpdate()
	if r.stats != 1 {
		t.Fatalf("stats requests = %d", r.stats)
	}
}

func TestReplaceRulesRecomputes(t *testing.T) {
	m := newManager(t, Options{}, emptyList, emptyList)
	m.ReplaceRules(list(t, `{"name":"t","version":"2","entries":[{"id":1,"vendor_id":"0x10de","features":["gpu_rasterization"]}]}`), nil)
	if !m.IsFeatureBlacklisted(blacklist.FeatureGPURasterization) {
		t.Fatal("reloaded rule should apply")
	}
	snap := m.Snapshot()
	if snap.BlacklistVersion != "2" || snap.FeatureStatus["gpu_rasterization"] != StatusUnavailable {
		t.Fatalf("snapshot = %+v", snap.FeatureStatus)
	}
}

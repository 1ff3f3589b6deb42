package gpudata

import "github.com/breeze-rmm/gpuhost/internal/gpuinfo"

// Requester is the API that asked whether 3D is allowed for a URL.
type Requester int

const (
	RequesterWebGL Requester = iota
	RequesterPepper3D
)

func (r Requester) String() string {
	if r == RequesterPepper3D {
		return "pepper3d"
	}
	return "webgl"
}

// Observer receives manager notifications. Callbacks run without the
// manager lock held and may call back into the manager.
type Observer interface {
	OnGpuInfoUpdate()
	OnVideoMemoryUsageStatsUpdate(stats gpuinfo.VideoMemoryUsageStats)
	OnGpuProcessCrashed(exitCode int)
	OnDidBlock3DAPIs(url string, requester Requester)
	OnGpuSwitching()
}

// NopObserver implements Observer with no-ops; embed it to override only
// the callbacks you need.
type NopObserver struct{}

func (NopObserver) OnGpuInfoUpdate() {}
func (NopObserver) OnVideoMemoryUsageStatsUpdate(gpuinfo.VideoMemoryUsageStats) {}
func (NopObserver) OnGpuProcessCrashed(int) {}
func (NopObserver) OnDidBlock3DAPIs(string, Requester) {}
func (NopObserver) OnGpuSwitching() {}

// ProcessRequester lets the manager ask the child process for data
// without depending on the process package.
type ProcessRequester interface {
	RequestCompleteGpuInfo()
	RequestVideoMemoryUsageStats()
}

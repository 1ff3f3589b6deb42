// Package gpuprocess launches and supervises GPU processes. A Registry owns
// at most one Host per Kind; all host state lives on the registry's IO loop
// goroutine and cross-goroutine calls are posted to it.
package gpuprocess

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/breeze-rmm/gpuhost/internal/gpudata"
	"github.com/breeze-rmm/gpuhost/internal/gpuinfo"
	"github.com/breeze-rmm/gpuhost/internal/ipc"
	"github.com/breeze-rmm/gpuhost/internal/logging"
	"github.com/breeze-rmm/gpuhost/internal/shadercache"
)

var log = logging.L("gpuprocess")

// MaxCrashCount is how many crashes of one renderer type are tolerated in
// a session before it is disabled.
const MaxCrashCount = 3

const defaultConnectTimeout = 10 * time.Second

// FallbackHandler receives messages the host does not understand.
type FallbackHandler func(kind Kind, env *ipc.Envelope)

// Options configures a Registry.
type Options struct {
	Manager *gpudata.Manager
	// ShaderCache may be nil; DisableShaderDiskCache has the same effect.
	ShaderCache            *shadercache.Cache
	DisableShaderDiskCache bool
	DisableCrashLimit      bool

	Launcher Launcher
	// Executable is re-executed with the gpu-process subcommand. Defaults to
	// os.Executable().
	Executable string
	// Wrapper is prepended to the child command (debuggers, profilers).
	Wrapper    []string
	RuntimeDir string

	Preferences    ipc.Preferences
	ConnectTimeout time.Duration
	Fallback       FallbackHandler
	Now            func() time.Time
}

// Counters are the session-wide crash and enablement state.
type Counters struct {
	GPUEnabled            bool      `json:"gpu_enabled"`
	HardwareGPUEnabled    bool      `json:"hardware_gpu_enabled"`
	GPUCrashCount         int       `json:"gpu_crash_count"`
	RecentCrashCount      int       `json:"recent_crash_count"`
	SwiftShaderCrashCount int       `json:"swiftshader_crash_count"`
	LastCrashTime         time.Time `json:"last_crash_time,omitempty"`
}

// Registry is the process-wide owner of GPU process hosts.
type Registry struct {
	gpudata.NopObserver

	opts Options
	mgr  *gpudata.Manager
	now  func() time.Time

	qmu    sync.Mutex
	queue  []func()
	wake   chan struct{}
	quit   chan struct{}
	done   chan struct{}
	closed bool

	// Written on the loop goroutine; read from anywhere, including
	// observers the manager calls from the loop.
	cmu           sync.Mutex
	counters      Counters
	crashedBefore bool

	// Owned by the loop goroutine.
	hosts      [numKinds]*Host
	nextHostID int
	exits      sync.WaitGroup
}

// NewRegistry starts the IO loop and connects the registry to the manager
// as its process requester and observer.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Manager == nil {
		return nil, fmt.Errorf("gpuprocess: manager is required")
	}
	if opts.Launcher == nil {
		opts.Launcher = ExecLauncher{}
	}
	if opts.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("gpuprocess: resolve executable: %w", err)
		}
		opts.Executable = exe
	}
	if opts.RuntimeDir == "" {
		opts.RuntimeDir = os.TempDir()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.DisableShaderDiskCache {
		opts.ShaderCache = nil
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	r := &Registry{
		opts: opts,
		mgr:  opts.Manager,
		now:  now,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
		counters: Counters{
			GPUEnabled:         true,
			HardwareGPUEnabled: true,
		},
		nextHostID: 1,
	}
	go r.loop()

	r.mgr.SetProcessRequester(r)
	r.mgr.AddObserver(r)
	return r, nil
}

func (r *Registry) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.wake:
		case <-r.quit:
			r.runQueued()
			return
		}
		r.runQueued()
	}
}

func (r *Registry) runQueued() {
	for {
		r.qmu.Lock()
		tasks := r.queue
		r.queue = nil
		r.qmu.Unlock()
		if len(tasks) == 0 {
			return
		}
		for _, fn := range tasks {
			fn()
		}
	}
}

// post queues fn on the IO loop. It never blocks and is safe to call from
// the loop itself. It reports false once the registry is closed.
func (r *Registry) post(fn func()) bool {
	r.qmu.Lock()
	if r.closed {
		r.qmu.Unlock()
		return false
	}
	r.queue = append(r.queue, fn)
	r.qmu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

// call runs fn on the loop and waits for it. It must not be used from the
// loop goroutine.
func (r *Registry) call(fn func()) error {
	finished := make(chan struct{})
	if !r.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-r.done:
		return ErrClosed
	}
}

// Get returns the host for kind, launching one when forceCreate is set.
// It returns nil when GPU access is not allowed or the launch failed.
func (r *Registry) Get(kind Kind, forceCreate bool) *Host {
	var h *Host
	if err := r.call(func() { h = r.get(kind, forceCreate) }); err != nil {
		return nil
	}
	return h
}

func (r *Registry) get(kind Kind, forceCreate bool) *Host {
	if kind < 0 || kind >= numKinds {
		return nil
	}
	if ok, reason := r.mgr.GpuAccessAllowed(); !ok {
		log.Debug("gpu access not allowed", logging.KeyKind, kind, "reason", reason)
		return nil
	}

	if h := r.hosts[kind]; h != nil && r.validate(h) {
		return h
	}
	if !forceCreate {
		return nil
	}

	h := newHost(r, r.nextHostID, kind)
	r.nextHostID++
	r.hosts[kind] = h
	if err := h.init(); err != nil {
		log.Warn("gpu process launch failed", logging.KeyHostID, h.id, logging.KeyKind, kind, logging.KeyError, err)
		h.recordProcessCrash()
		r.removeHost(h)
		return nil
	}
	return h
}

// validate keeps a host only while its renderer type still matches the
// manager's software fallback decision.
func (r *Registry) validate(h *Host) bool {
	if h.valid && (h.swiftShaderRendering || !r.mgr.ShouldUseSwiftShader()) {
		return true
	}
	h.forceShutdown()
	return false
}

func (r *Registry) removeHost(h *Host) {
	if r.hosts[h.kind] == h {
		r.hosts[h.kind] = nil
	}
}

// recordProcessCrash applies the crash limit. Only sandboxed processes that
// actually launched count.
func (r *Registry) recordProcessCrash(h *Host) {
	if !h.launched || h.kind != KindSandboxed {
		return
	}

	r.cmu.Lock()
	if h.swiftShaderRendering {
		r.counters.SwiftShaderCrashCount++
		crashes := r.counters.SwiftShaderCrashCount
		disable := crashes >= MaxCrashCount && !r.opts.DisableCrashLimit
		if disable {
			r.counters.GPUEnabled = false
		}
		r.cmu.Unlock()
		if disable {
			log.Error("software renderer crashed too often, GPU disabled for this session", "crashes", crashes)
		}
		return
	}

	now := r.now()
	r.counters.GPUCrashCount++
	r.counters.RecentCrashCount++
	// Forgive one recent crash per hour since the previous one.
	if r.crashedBefore {
		hours := int(now.Sub(r.counters.LastCrashTime).Hours())
		r.counters.RecentCrashCount = max(0, r.counters.RecentCrashCount-hours)
	}
	r.crashedBefore = true
	r.counters.LastCrashTime = now

	recent := r.counters.RecentCrashCount
	disable := (recent >= MaxCrashCount && !r.opts.DisableCrashLimit) || !h.initialized
	if disable {
		r.counters.HardwareGPUEnabled = false
	}
	r.cmu.Unlock()

	if disable {
		log.Error("hardware GPU disabled for this session",
			"recentCrashes", recent, "initialized", h.initialized)
		// Observers may read Counters from here.
		r.mgr.DisableHardwareAcceleration()
	}
}

// canLaunch mirrors the session enablement state: the software renderer
// needs the GPU enabled, hardware needs hardware enabled.
func (r *Registry) canLaunch() bool {
	c := r.Counters()
	return (c.GPUEnabled && r.mgr.ShouldUseSwiftShader()) || c.HardwareGPUEnabled
}

// Counters returns the session crash state. It does not go through the IO
// loop, so manager observers may call it.
func (r *Registry) Counters() Counters {
	r.cmu.Lock()
	defer r.cmu.Unlock()
	return r.counters
}

// HostStatus describes one live host for diagnostics.
type HostStatus struct {
	ID                   int             `json:"id"`
	Kind                 string          `json:"kind"`
	State                string          `json:"state"`
	PID                  int             `json:"pid,omitempty"`
	Initialized          bool            `json:"initialized"`
	SwiftShaderRendering bool            `json:"swiftshader_rendering"`
	PendingChannels      int             `json:"pending_channels"`
	PendingBuffers       int             `json:"pending_buffers"`
	OffscreenURLs        []string        `json:"offscreen_urls,omitempty"`
	Stats                *ProcessMetrics `json:"stats,omitempty"`
}

// Hosts lists the live hosts, with process metrics when available.
func (r *Registry) Hosts(ctx context.Context) []HostStatus {
	var out []HostStatus
	r.call(func() {
		for _, h := range r.hosts {
			if h != nil {
				out = append(out, h.status())
			}
		}
	})
	for i := range out {
		if out[i].PID > 0 {
			if m, err := CollectProcessMetrics(ctx, out[i].PID); err == nil {
				out[i].Stats = m
			}
		}
	}
	return out
}

// SendOnIO delivers msgType to the host of kind, launching it if needed.
// It does not wait.
func (r *Registry) SendOnIO(kind Kind, msgType string, payload any) {
	r.post(func() {
		if h := r.get(kind, true); h != nil {
			h.send(msgType, payload)
		}
	})
}

// Send delivers msgType to an existing host of kind.
func (r *Registry) Send(kind Kind, msgType string, payload any) error {
	var err error
	if cerr := r.call(func() {
		h := r.get(kind, false)
		if h == nil {
			err = ErrNoHost
			return
		}
		if !h.send(msgType, payload) {
			err = ErrSendFailed
		}
	}); cerr != nil {
		return cerr
	}
	return err
}

// ChannelResult is the reply to EstablishChannel.
type ChannelResult struct {
	Handle  ipc.ChannelHandle `json:"handle"`
	GPUInfo gpuinfo.GPUInfo   `json:"gpu_info"`
	Status  EstablishStatus   `json:"-"`
}

// EstablishChannel asks the sandboxed GPU process for a channel for the
// client and waits for the reply. An empty handle from the GPU process is
// reported as ErrChannelFailed.
func (r *Registry) EstablishChannel(ctx context.Context, params ipc.EstablishChannelParams) (ChannelResult, error) {
	reply := make(chan ChannelResult, 1)
	cb := func(handle ipc.ChannelHandle, info gpuinfo.GPUInfo, status EstablishStatus) {
		reply <- ChannelResult{Handle: handle, GPUInfo: info, Status: status}
	}
	if !r.post(func() {
		h := r.get(KindSandboxed, true)
		if h == nil {
			status := EstablishGPUHostInvalid
			if ok, _ := r.mgr.GpuAccessAllowed(); !ok {
				status = EstablishGPUAccessDenied
			}
			cb(ipc.ChannelHandle{}, gpuinfo.GPUInfo{}, status)
			return
		}
		h.establishGpuChannel(params, cb)
	}) {
		return ChannelResult{}, ErrClosed
	}

	select {
	case res := <-reply:
		switch res.Status {
		case EstablishGPUAccessDenied:
			return res, ErrAccessDenied
		case EstablishGPUHostInvalid:
			return res, ErrHostInvalid
		}
		if res.Handle.IsEmpty() {
			return res, ErrChannelFailed
		}
		return res, nil
	case <-ctx.Done():
		return ChannelResult{}, ctx.Err()
	case <-r.done:
		return ChannelResult{}, ErrClosed
	}
}

// CreateGpuMemoryBuffer allocates a buffer in the sandboxed GPU process and
// waits for the handle. A null handle means the allocation failed.
func (r *Registry) CreateGpuMemoryBuffer(ctx context.Context, params ipc.CreateGpuMemoryBuffer) (ipc.BufferHandle, error) {
	reply := make(chan ipc.BufferHandle, 1)
	if !r.post(func() {
		h := r.get(KindSandboxed, true)
		if h == nil {
			reply <- ipc.BufferHandle{}
			return
		}
		h.createGpuMemoryBuffer(params, func(handle ipc.BufferHandle) { reply <- handle })
	}) {
		return ipc.BufferHandle{}, ErrClosed
	}
	select {
	case h := <-reply:
		return h, nil
	case <-ctx.Done():
		return ipc.BufferHandle{}, ctx.Err()
	case <-r.done:
		return ipc.BufferHandle{}, ErrClosed
	}
}

// RequestCompleteGpuInfo implements gpudata.ProcessRequester.
func (r *Registry) RequestCompleteGpuInfo() {
	r.SendOnIO(KindUnsandboxed, ipc.TypeCollectGraphicsInfo, nil)
}

// RequestVideoMemoryUsageStats implements gpudata.ProcessRequester.
func (r *Registry) RequestVideoMemoryUsageStats() {
	r.SendOnIO(KindSandboxed, ipc.TypeGetVideoMemoryUsageStats, nil)
}

// OnGpuSwitching relays an OS GPU switch to the sandboxed process.
func (r *Registry) OnGpuSwitching() {
	r.post(func() {
		if h := r.hosts[KindSandboxed]; h != nil {
			h.send(ipc.TypeGpuSwitched, nil)
		}
	})
}

// Shutdown asks every host to finalize, waits for the processes to exit
// until ctx expires, kills what remains and stops the loop.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mgr.RemoveObserver(r)
	r.mgr.SetProcessRequester(nil)

	if err := r.call(func() {
		for _, h := range r.hosts {
			if h != nil {
				h.send(ipc.TypeFinalize, nil)
			}
		}
	}); err != nil {
		return err
	}

	exited := make(chan struct{})
	go func() {
		r.exits.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-ctx.Done():
		log.Warn("gpu processes did not exit in time, killing")
	}

	r.call(func() {
		for _, h := range r.hosts {
			if h != nil {
				h.forceShutdown()
			}
		}
	})

	r.qmu.Lock()
	r.closed = true
	r.qmu.Unlock()
	close(r.quit)
	<-r.done
	return nil
}
